package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	commonlog "msg_rag/server/common/log"
	"msg_rag/server/ragman/domain"
)

const (
	defaultBatchSize        = 10
	defaultIndexInterval    = 5 * time.Second
	defaultQueueCapacity    = 10000
	defaultHistoricalLimit  = 1000
	defaultHistoricalChunk  = 100
	defaultIndexConcurrency = 4

	tombstoneTTL = 10 * time.Minute
)

var errNonTextItem = errors.New("non-text item")

type IndexerOptions struct {
	BatchSize       int
	Interval        time.Duration
	QueueCapacity   int
	HistoricalChunk int
	Concurrency     int
}

func (o IndexerOptions) withDefaults() IndexerOptions {
	if o.BatchSize <= 0 {
		o.BatchSize = defaultBatchSize
	}
	if o.Interval <= 0 {
		o.Interval = defaultIndexInterval
	}
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = defaultQueueCapacity
	}
	if o.HistoricalChunk <= 0 {
		o.HistoricalChunk = defaultHistoricalChunk
	}
	if o.Concurrency <= 0 {
		o.Concurrency = defaultIndexConcurrency
	}
	return o
}

type HistoricalOptions struct {
	Limit int
	Since time.Time
}

type IndexerStats struct {
	QueueLength int
	Running     bool
	Indexed     int64
	Failed      int64
	Dropped     int64
}

// MessageIndexer drains a bounded in-memory queue into the VectorStore on a
// fixed tick. When the queue is full the oldest pending item is dropped.
type MessageIndexer struct {
	store    VectorStore
	embedder Embedder
	source   MessageSource
	opts     IndexerOptions
	now      func() time.Time

	mu         sync.Mutex
	queue      []domain.IngestionItem
	tombstones map[string]time.Time
	running    bool
	cancel     context.CancelFunc
	done       chan struct{}

	indexed atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64
}

func NewMessageIndexer(store VectorStore, embedder Embedder, source MessageSource, opts IndexerOptions) *MessageIndexer {
	return &MessageIndexer{
		store:    store,
		embedder: embedder,
		source:   source,
		opts:       opts.withDefaults(),
		now:        time.Now,
		tombstones: map[string]time.Time{},
	}
}

// Start initialises the store and launches the tick loop. Calling it while
// running is a no-op.
func (m *MessageIndexer) Start(ctx context.Context) error {
	if err := m.store.Init(ctx); err != nil {
		return fmt.Errorf("initialize vector store: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running = true
	go m.loop(loopCtx, m.done)

	commonlog.Infof("event=rag_indexer action=start status=ok batch_size=%d interval_ms=%d queue_capacity=%d",
		m.opts.BatchSize, m.opts.Interval.Milliseconds(), m.opts.QueueCapacity)
	return nil
}

// Stop halts the tick loop and waits for an in-flight batch. Pending items stay queued.
func (m *MessageIndexer) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	cancel()
	<-done
	commonlog.Infof("event=rag_indexer action=stop status=ok queue_length=%d", m.QueueLength())
}

func (m *MessageIndexer) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *MessageIndexer) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.processTick(ctx)
		}
	}
}

// Enqueue never blocks. It reports whether the item was accepted.
func (m *MessageIndexer) Enqueue(item domain.IngestionItem) bool {
	normalized, err := m.normalize(item)
	if err != nil {
		if !errors.Is(err, errNonTextItem) {
			commonlog.Debugf("event=rag_enqueue status=rejected id=%s err=%v", item.ID, err)
		}
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return false
	}
	if len(m.queue) >= m.opts.QueueCapacity {
		dropped := m.queue[0]
		m.queue[0] = domain.IngestionItem{}
		m.queue = m.queue[1:]
		m.dropped.Add(1)
		commonlog.Warnf("event=rag_enqueue status=dropped_oldest id=%s capacity=%d", dropped.ID, m.opts.QueueCapacity)
	}
	m.queue = append(m.queue, normalized)
	return true
}

func (m *MessageIndexer) QueueLength() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

func (m *MessageIndexer) processTick(ctx context.Context) {
	m.mu.Lock()
	n := min(m.opts.BatchSize, len(m.queue))
	if n == 0 {
		m.mu.Unlock()
		return
	}
	batch := make([]domain.IngestionItem, n)
	copy(batch, m.queue[:n])
	m.queue = append(m.queue[:0:0], m.queue[n:]...)
	m.mu.Unlock()

	start := time.Now()
	result := m.indexBatch(ctx, batch)
	commonlog.Infof("event=rag_index_batch status=ok size=%d success=%d failed=%d skipped=%d latency_ms=%d",
		n, result.Success, result.Failed, result.Skipped, time.Since(start).Milliseconds())
}

// Forget removes queued entries for id and tombstones it, so a batch that is
// already in flight cannot bring the record back. It returns the number of
// queued entries removed.
func (m *MessageIndexer) Forget(id string) int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, at := range m.tombstones {
		if now.Sub(at) > tombstoneTTL {
			delete(m.tombstones, key)
		}
	}
	m.tombstones[id] = now

	kept := m.queue[:0]
	removed := 0
	for _, item := range m.queue {
		if item.ID == id {
			removed++
			continue
		}
		kept = append(kept, item)
	}
	clear(m.queue[len(kept):])
	m.queue = kept
	return removed
}

func (m *MessageIndexer) forgotten(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.tombstones[id]
	return ok && m.now().Sub(at) <= tombstoneTTL
}

// IndexNow indexes one item synchronously and returns the id it was stored
// under. Only malformed items return an error; embedding and store failures
// are counted and reported as not added.
func (m *MessageIndexer) IndexNow(ctx context.Context, item domain.IngestionItem) (string, bool, error) {
	normalized, err := m.normalize(item)
	if errors.Is(err, errNonTextItem) {
		return normalized.ID, false, nil
	}
	if err != nil {
		return "", false, err
	}
	if !m.store.Ready() {
		return normalized.ID, false, nil
	}
	added, err := m.indexOne(ctx, normalized)
	if err != nil {
		m.failed.Add(1)
		commonlog.Errorf("event=rag_index_now status=failed id=%s err=%v", normalized.ID, err)
		return normalized.ID, false, nil
	}
	if added {
		m.indexed.Add(1)
	}
	return normalized.ID, added, nil
}

// IndexHistorical pulls up to Limit messages newer than Since from the message
// source and indexes them in chunks. Already-indexed ids are counted as skipped,
// so re-running is safe.
func (m *MessageIndexer) IndexHistorical(ctx context.Context, opts HistoricalOptions) (domain.BatchResult, error) {
	if !m.store.Ready() {
		commonlog.Warnf("event=rag_index_historical status=skipped reason=store_not_ready")
		return domain.BatchResult{}, nil
	}
	if m.source == nil {
		return domain.BatchResult{}, fmt.Errorf("index historical: message source is not configured")
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultHistoricalLimit
	}

	start := time.Now()
	messages, err := m.source.FindByConversation(ctx, "", "", MessageQuery{Since: opts.Since, Limit: limit})
	if err != nil {
		return domain.BatchResult{}, fmt.Errorf("load historical messages: %w", err)
	}

	var total domain.BatchResult
	for offset := 0; offset < len(messages); offset += m.opts.HistoricalChunk {
		if ctx.Err() != nil {
			break
		}
		end := min(offset+m.opts.HistoricalChunk, len(messages))
		items := make([]domain.IngestionItem, 0, end-offset)
		for _, msg := range messages[offset:end] {
			items = append(items, msg.IngestionItem())
		}
		r := m.indexBatch(ctx, items)
		total.Success += r.Success
		total.Failed += r.Failed
		total.Skipped += r.Skipped
	}

	commonlog.Infof("event=rag_index_historical status=ok loaded=%d success=%d failed=%d skipped=%d latency_ms=%d",
		len(messages), total.Success, total.Failed, total.Skipped, time.Since(start).Milliseconds())
	return total, nil
}

func (m *MessageIndexer) indexBatch(ctx context.Context, items []domain.IngestionItem) domain.BatchResult {
	var success, failed, skipped atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.Concurrency)
	for _, item := range items {
		g.Go(func() error {
			normalized, err := m.normalize(item)
			if errors.Is(err, errNonTextItem) {
				skipped.Add(1)
				return nil
			}
			if err != nil {
				failed.Add(1)
				commonlog.Warnf("event=rag_index_item status=invalid id=%s err=%v", item.ID, err)
				return nil
			}
			added, err := m.indexOne(gctx, normalized)
			switch {
			case err != nil:
				failed.Add(1)
				commonlog.Errorf("event=rag_index_item status=failed id=%s err=%v", normalized.ID, err)
			case added:
				success.Add(1)
			default:
				skipped.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	m.indexed.Add(success.Load())
	m.failed.Add(failed.Load())
	return domain.BatchResult{Success: int(success.Load()), Failed: int(failed.Load()), Skipped: int(skipped.Load())}
}

// indexOne skips tombstoned ids and re-checks after Add, since Forget may run
// while the embedding is in flight.
func (m *MessageIndexer) indexOne(ctx context.Context, item domain.IngestionItem) (bool, error) {
	if m.forgotten(item.ID) {
		return false, nil
	}
	res, ok := m.embedder.Embed(ctx, item.Text)
	if !ok {
		return false, fmt.Errorf("%w: no embedding for blank text", ErrInvalidItem)
	}
	added, err := m.store.Add(ctx, domain.IndexedRecord{
		ID:        item.ID,
		Embedding: res.Vector,
		Text:      item.Text,
		Metadata:  item.Metadata(),
	})
	if err != nil || !added {
		return added, err
	}
	if m.forgotten(item.ID) {
		if _, err := m.store.Delete(ctx, item.ID); err != nil {
			return false, fmt.Errorf("remove deleted record %s: %w", item.ID, err)
		}
		return false, nil
	}
	return true, nil
}

func (m *MessageIndexer) normalize(item domain.IngestionItem) (domain.IngestionItem, error) {
	if item.MessageKind == "" {
		item.MessageKind = domain.MessageKindText
	}
	if item.MessageKind != domain.MessageKindText {
		return item, errNonTextItem
	}
	item.Text = strings.TrimSpace(item.Text)
	if item.Text == "" {
		return item, fmt.Errorf("%w: empty text", ErrInvalidItem)
	}
	if item.ConversationKind != "" && !item.ConversationKind.Valid() {
		return item, fmt.Errorf("%w: conversation kind %q", ErrInvalidItem, item.ConversationKind)
	}
	item.ConversationID = strings.TrimSpace(item.ConversationID)
	if item.ConversationID == "" {
		return item, fmt.Errorf("%w: empty conversation id", ErrInvalidItem)
	}
	item.ID = strings.TrimSpace(item.ID)
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Timestamp.IsZero() {
		item.Timestamp = m.now()
	}
	return item, nil
}

func (m *MessageIndexer) Stats() IndexerStats {
	m.mu.Lock()
	queueLen, running := len(m.queue), m.running
	m.mu.Unlock()
	return IndexerStats{
		QueueLength: queueLen,
		Running:     running,
		Indexed:     m.indexed.Load(),
		Failed:      m.failed.Load(),
		Dropped:     m.dropped.Load(),
	}
}
