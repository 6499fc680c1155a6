package service

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	commonlog "msg_rag/server/common/log"
	"msg_rag/server/ragman/domain"
)

// VectorStore holds IndexedRecords and answers cosine nearest-neighbour queries.
// Every method other than Init degrades safely before the store is ready.
type VectorStore interface {
	Init(ctx context.Context) error
	Ready() bool
	Add(ctx context.Context, rec domain.IndexedRecord) (bool, error)
	Search(ctx context.Context, embedding []float32, scope domain.Scope, topK int) ([]ScoredRecord, error)
	Delete(ctx context.Context, id string) (bool, error)
	Stats(ctx context.Context) domain.StoreStats
	Type() string
}

type ScoredRecord struct {
	Record     domain.IndexedRecord
	Similarity float64
}

// CosineSimilarity returns 0 for empty, zero or mismatched vectors and
// otherwise a value clamped to [-1, 1].
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return math.Max(-1, math.Min(1, sim))
}

func validateRecord(rec domain.IndexedRecord, dim int) error {
	if strings.TrimSpace(rec.ID) == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidRecord)
	}
	if len(rec.Embedding) == 0 {
		return fmt.Errorf("%w: empty embedding id=%s", ErrInvalidRecord, rec.ID)
	}
	if dim > 0 && len(rec.Embedding) != dim {
		return fmt.Errorf("%w: dimension %d, want %d id=%s", ErrInvalidRecord, len(rec.Embedding), dim, rec.ID)
	}
	if !rec.Metadata.ConversationKind.Valid() {
		return fmt.Errorf("%w: conversation kind %q id=%s", ErrInvalidRecord, rec.Metadata.ConversationKind, rec.ID)
	}
	return nil
}

// sortScored orders by similarity descending, then newest first, then id.
func sortScored(hits []ScoredRecord) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		ti, tj := hits[i].Record.Metadata.Timestamp, hits[j].Record.Metadata.Timestamp
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return hits[i].Record.ID < hits[j].Record.ID
	})
}

type Snapshotter interface {
	Load(ctx context.Context) ([]domain.IndexedRecord, error)
	Save(ctx context.Context, records []domain.IndexedRecord) error
}

// MemoryStore is a linear-scan store guarded by an RWMutex. With a Snapshotter
// it restores its records on Init and persists them on Snapshot.
type MemoryStore struct {
	dim      int
	snapshot Snapshotter

	mu      sync.RWMutex
	ready   bool
	records map[string]domain.IndexedRecord
}

func NewMemoryStore(dim int, snapshot Snapshotter) *MemoryStore {
	return &MemoryStore{dim: dim, snapshot: snapshot, records: map[string]domain.IndexedRecord{}}
}

func (s *MemoryStore) Type() string {
	if s.snapshot != nil {
		return "memory+minio"
	}
	return "memory"
}

// Init reads the snapshot without holding the lock so Ready and Stats stay
// responsive during a slow restore.
func (s *MemoryStore) Init(ctx context.Context) error {
	if s.Ready() {
		return nil
	}
	restored := make(map[string]domain.IndexedRecord)
	if s.snapshot != nil {
		records, err := s.snapshot.Load(ctx)
		if err != nil {
			return fmt.Errorf("load vector snapshot: %w", err)
		}
		for _, rec := range records {
			if err := validateRecord(rec, s.dim); err != nil {
				commonlog.Warnf("event=rag_store_init action=restore status=skip err=%v", err)
				continue
			}
			restored[rec.ID] = rec
		}
		commonlog.Infof("event=rag_store_init action=restore status=ok count=%d", len(restored))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return nil
	}
	s.records = restored
	s.ready = true
	return nil
}

func (s *MemoryStore) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready
}

// Add reports false without error when the id is already stored.
func (s *MemoryStore) Add(ctx context.Context, rec domain.IndexedRecord) (bool, error) {
	if err := validateRecord(rec, s.dim); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return false, ErrStoreNotReady
	}
	if _, exists := s.records[rec.ID]; exists {
		return false, nil
	}
	s.records[rec.ID] = rec
	return true, nil
}

func (s *MemoryStore) Search(ctx context.Context, embedding []float32, scope domain.Scope, topK int) ([]ScoredRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.ready {
		return nil, ErrStoreNotReady
	}
	if topK <= 0 {
		return []ScoredRecord{}, nil
	}

	hits := make([]ScoredRecord, 0, len(s.records))
	for _, rec := range s.records {
		if !scope.Matches(rec.Metadata) {
			continue
		}
		hits = append(hits, ScoredRecord{Record: rec, Similarity: CosineSimilarity(embedding, rec.Embedding)})
	}
	sortScored(hits)
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return false, nil
	}
	if _, ok := s.records[id]; !ok {
		return false, nil
	}
	delete(s.records, id)
	return true, nil
}

func (s *MemoryStore) Stats(ctx context.Context) domain.StoreStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.ready {
		return domain.StoreStats{}
	}
	return domain.StoreStats{Count: len(s.records), Ready: true}
}

// Snapshot persists the current records. It is a no-op without a Snapshotter.
func (s *MemoryStore) Snapshot(ctx context.Context) error {
	if s.snapshot == nil {
		return nil
	}
	s.mu.RLock()
	if !s.ready {
		s.mu.RUnlock()
		return ErrStoreNotReady
	}
	records := make([]domain.IndexedRecord, 0, len(s.records))
	for _, rec := range s.records {
		records = append(records, rec)
	}
	s.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	if err := s.snapshot.Save(ctx, records); err != nil {
		return fmt.Errorf("save vector snapshot: %w", err)
	}
	commonlog.Infof("event=rag_store_snapshot status=ok count=%d", len(records))
	return nil
}
