package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msg_rag/server/ragman/domain"
)

func textItem(id, text string) domain.IngestionItem {
	return domain.IngestionItem{
		ID:               id,
		Text:             text,
		SenderID:         "u1",
		SenderName:       "Alice",
		ConversationID:   "g1",
		ConversationKind: domain.ConversationGroup,
		Timestamp:        time.Now(),
		MessageKind:      domain.MessageKindText,
	}
}

func newTestIndexer(t *testing.T, opts IndexerOptions, source MessageSource) (*MessageIndexer, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore(0, nil)
	if opts.Interval == 0 {
		opts.Interval = time.Hour
	}
	idx := NewMessageIndexer(store, NewEmbeddingProvider(EmbeddingOptions{}), source, opts)
	return idx, store
}

func TestIndexerTwoTicksDrainFifteenItems(t *testing.T) {
	idx, store := newTestIndexer(t, IndexerOptions{BatchSize: 10}, nil)
	ctx := context.Background()
	require.NoError(t, idx.Start(ctx))
	defer idx.Stop()

	for i := 0; i < 15; i++ {
		require.True(t, idx.Enqueue(textItem(fmt.Sprintf("m%d", i), fmt.Sprintf("message number %d", i))))
	}
	assert.Equal(t, 15, idx.QueueLength())

	idx.processTick(ctx)
	assert.Equal(t, 10, store.Stats(ctx).Count)
	assert.Equal(t, 5, idx.QueueLength())

	idx.processTick(ctx)
	assert.Equal(t, 15, store.Stats(ctx).Count)
	assert.Zero(t, idx.QueueLength())
	assert.Equal(t, int64(15), idx.Stats().Indexed)
}

func TestIndexerLoopDrainsOnTick(t *testing.T) {
	idx, store := newTestIndexer(t, IndexerOptions{BatchSize: 10, Interval: 10 * time.Millisecond}, nil)
	ctx := context.Background()
	require.NoError(t, idx.Start(ctx))
	defer idx.Stop()

	require.True(t, idx.Enqueue(textItem("m1", "hello there")))
	assert.Eventually(t, func() bool { return store.Stats(ctx).Count == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestIndexerEnqueueRules(t *testing.T) {
	idx, _ := newTestIndexer(t, IndexerOptions{}, nil)

	assert.False(t, idx.Enqueue(textItem("m1", "before start")))

	require.NoError(t, idx.Start(context.Background()))
	require.NoError(t, idx.Start(context.Background()))

	file := textItem("m2", "report.pdf")
	file.MessageKind = domain.MessageKindFile
	assert.False(t, idx.Enqueue(file))
	assert.False(t, idx.Enqueue(textItem("m3", "   ")))

	badKind := textItem("m4", "hello")
	badKind.ConversationKind = "channel"
	assert.False(t, idx.Enqueue(badKind))

	assert.True(t, idx.Enqueue(textItem("m5", "hello")))

	idx.Stop()
	idx.Stop()
	assert.False(t, idx.Enqueue(textItem("m6", "after stop")))
	assert.Equal(t, 1, idx.QueueLength())
}

func TestIndexerOverflowDropsOldest(t *testing.T) {
	idx, store := newTestIndexer(t, IndexerOptions{BatchSize: 10, QueueCapacity: 3}, nil)
	ctx := context.Background()
	require.NoError(t, idx.Start(ctx))
	defer idx.Stop()

	for i := 1; i <= 5; i++ {
		require.True(t, idx.Enqueue(textItem(fmt.Sprintf("m%d", i), fmt.Sprintf("payload %d", i))))
	}
	assert.Equal(t, 3, idx.QueueLength())
	assert.Equal(t, int64(2), idx.Stats().Dropped)

	idx.processTick(ctx)
	hits, err := store.Search(ctx, LocalEmbed("payload", 512), domain.Scope{}, 10)
	require.NoError(t, err)
	ids := map[string]bool{}
	for _, h := range hits {
		ids[h.Record.ID] = true
	}
	assert.Equal(t, map[string]bool{"m3": true, "m4": true, "m5": true}, ids)
}

func TestIndexerAssignsIDAndTimestamp(t *testing.T) {
	idx, store := newTestIndexer(t, IndexerOptions{}, nil)
	ctx := context.Background()
	require.NoError(t, idx.Start(ctx))
	defer idx.Stop()

	item := textItem("", "no id here")
	item.Timestamp = time.Time{}
	id, added, err := idx.IndexNow(ctx, item)
	require.NoError(t, err)
	assert.True(t, added)
	assert.Len(t, id, 36)

	hits, err := store.Search(ctx, LocalEmbed("no id here", 512), domain.Scope{}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, id, hits[0].Record.ID)
	assert.False(t, hits[0].Record.Metadata.Timestamp.IsZero())
}

func TestIndexNow(t *testing.T) {
	idx, store := newTestIndexer(t, IndexerOptions{}, nil)
	ctx := context.Background()

	id, added, err := idx.IndexNow(ctx, textItem("m1", "hello"))
	require.NoError(t, err)
	assert.False(t, added)
	assert.Equal(t, "m1", id)

	require.NoError(t, idx.Start(ctx))
	defer idx.Stop()

	_, added, err = idx.IndexNow(ctx, textItem("m1", "hello"))
	require.NoError(t, err)
	assert.True(t, added)

	_, added, err = idx.IndexNow(ctx, textItem("m1", "hello"))
	require.NoError(t, err)
	assert.False(t, added)
	assert.Equal(t, 1, store.Stats(ctx).Count)

	_, _, err = idx.IndexNow(ctx, textItem("m2", ""))
	assert.ErrorIs(t, err, ErrInvalidItem)
}

func TestIndexHistorical(t *testing.T) {
	now := time.Now()
	source := &fakeMessages{}
	for i := 0; i < 250; i++ {
		kind := domain.MessageKindText
		if i%50 == 0 {
			kind = domain.MessageKindFile
		}
		source.messages = append(source.messages, domain.Message{
			ID:               fmt.Sprintf("h%d", i),
			Content:          fmt.Sprintf("historical message %d", i),
			SenderID:         "u1",
			SenderName:       "Alice",
			Timestamp:        now.Add(-time.Duration(i) * time.Minute),
			MessageKind:      kind,
			ConversationKind: domain.ConversationGroup,
			ConversationID:   "g1",
		})
	}
	idx, store := newTestIndexer(t, IndexerOptions{}, source)
	ctx := context.Background()

	res, err := idx.IndexHistorical(ctx, HistoricalOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.BatchResult{}, res)

	require.NoError(t, idx.Start(ctx))
	defer idx.Stop()

	res, err = idx.IndexHistorical(ctx, HistoricalOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.BatchResult{Success: 245, Skipped: 5}, res)
	assert.Equal(t, defaultHistoricalLimit, source.queries[0].Limit)

	res, err = idx.IndexHistorical(ctx, HistoricalOptions{Limit: 100})
	require.NoError(t, err)
	assert.Equal(t, domain.BatchResult{Skipped: 100}, res)
	assert.Equal(t, 245, store.Stats(ctx).Count)
}

func TestIndexHistoricalSinceAndSourceError(t *testing.T) {
	source := &fakeMessages{}
	idx, _ := newTestIndexer(t, IndexerOptions{}, source)
	ctx := context.Background()
	require.NoError(t, idx.Start(ctx))
	defer idx.Stop()

	since := time.Now().Add(-time.Hour)
	_, err := idx.IndexHistorical(ctx, HistoricalOptions{Since: since, Limit: 7})
	require.NoError(t, err)
	assert.Equal(t, MessageQuery{Since: since, Limit: 7}, source.queries[0])

	source.err = errors.New("db down")
	_, err = idx.IndexHistorical(ctx, HistoricalOptions{})
	assert.Error(t, err)
}

type failingStore struct {
	*MemoryStore
}

func (f failingStore) Add(context.Context, domain.IndexedRecord) (bool, error) {
	return false, errors.New("disk full")
}

func TestIndexerCountsStoreFailures(t *testing.T) {
	store := failingStore{MemoryStore: NewMemoryStore(0, nil)}
	idx := NewMessageIndexer(store, NewEmbeddingProvider(EmbeddingOptions{}), nil, IndexerOptions{Interval: time.Hour})
	ctx := context.Background()
	require.NoError(t, idx.Start(ctx))
	defer idx.Stop()

	require.True(t, idx.Enqueue(textItem("m1", "hello")))
	require.True(t, idx.Enqueue(textItem("m2", "world")))
	idx.processTick(ctx)

	assert.Equal(t, int64(2), idx.Stats().Failed)
	assert.Zero(t, idx.QueueLength())
}

func TestForgetDropsQueuedItemBeforeTick(t *testing.T) {
	idx, store := newTestIndexer(t, IndexerOptions{}, nil)
	ctx := context.Background()
	require.NoError(t, idx.Start(ctx))
	defer idx.Stop()

	require.True(t, idx.Enqueue(textItem("m1", "deleted soon")))
	require.True(t, idx.Enqueue(textItem("m2", "stays")))
	assert.Equal(t, 1, idx.Forget("m1"))
	assert.Equal(t, 1, idx.QueueLength())

	idx.processTick(ctx)
	assert.Equal(t, 1, store.Stats(ctx).Count)
	hits, err := store.Search(ctx, LocalEmbed("stays", 512), domain.Scope{}, 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "m2", hits[0].Record.ID)
}

func TestForgetBlocksLaterIndexing(t *testing.T) {
	idx, store := newTestIndexer(t, IndexerOptions{}, nil)
	ctx := context.Background()
	require.NoError(t, idx.Start(ctx))
	defer idx.Stop()

	assert.Zero(t, idx.Forget("m1"))
	_, added, err := idx.IndexNow(ctx, textItem("m1", "arrives after delete"))
	require.NoError(t, err)
	assert.False(t, added)

	res := idx.indexBatch(ctx, []domain.IngestionItem{textItem("m1", "arrives after delete")})
	assert.Equal(t, domain.BatchResult{Skipped: 1}, res)
	assert.Zero(t, store.Stats(ctx).Count)
}

func TestForgetTombstoneExpires(t *testing.T) {
	idx, store := newTestIndexer(t, IndexerOptions{}, nil)
	ctx := context.Background()
	require.NoError(t, idx.Start(ctx))
	defer idx.Stop()

	base := time.Now()
	idx.now = func() time.Time { return base }
	idx.Forget("m1")
	idx.now = func() time.Time { return base.Add(tombstoneTTL + time.Second) }

	_, added, err := idx.IndexNow(ctx, textItem("m1", "indexed again"))
	require.NoError(t, err)
	assert.True(t, added)
	assert.Equal(t, 1, store.Stats(ctx).Count)
}

func TestEnqueueWhileDraining(t *testing.T) {
	idx, store := newTestIndexer(t, IndexerOptions{BatchSize: 5}, nil)
	ctx := context.Background()
	require.NoError(t, idx.Start(ctx))
	defer idx.Stop()

	const writers, perWriter = 4, 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				idx.Enqueue(textItem(fmt.Sprintf("w%d-%d", w, i), fmt.Sprintf("writer %d message %d", w, i)))
				_ = idx.Stats()
			}
		}()
	}
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for i := 0; i < 200; i++ {
			idx.processTick(ctx)
		}
	}()
	wg.Wait()
	<-drained

	for idx.QueueLength() > 0 {
		idx.processTick(ctx)
	}
	assert.Equal(t, writers*perWriter, store.Stats(ctx).Count)
	assert.Equal(t, int64(writers*perWriter), idx.Stats().Indexed)
}
