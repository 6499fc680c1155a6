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

func newRecord(id, text string, kind domain.ConversationKind, convID string, ts time.Time) domain.IndexedRecord {
	return domain.IndexedRecord{
		ID:        id,
		Embedding: LocalEmbed(text, 64),
		Text:      text,
		Metadata: domain.RecordMetadata{
			SenderID:         "u1",
			SenderName:       "Alice",
			Timestamp:        ts,
			ConversationKind: kind,
			ConversationID:   convID,
			MessageKind:      domain.MessageKindText,
		},
	}
}

func readyStore(t *testing.T) *MemoryStore {
	t.Helper()
	s := NewMemoryStore(64, nil)
	require.NoError(t, s.Init(context.Background()))
	return s
}

func TestCosineSimilarityProperties(t *testing.T) {
	a := []float32{1, 2, 3}
	b := []float32{-2, 0.5, 4}

	assert.InDelta(t, CosineSimilarity(a, b), CosineSimilarity(b, a), 1e-12)
	assert.InDelta(t, 1.0, CosineSimilarity(a, a), 1e-9)
	assert.InDelta(t, -1.0, CosineSimilarity(a, []float32{-1, -2, -3}), 1e-9)
	assert.Zero(t, CosineSimilarity(a, []float32{0, 0, 0}))
	assert.Zero(t, CosineSimilarity(a, []float32{1, 2}))
	assert.Zero(t, CosineSimilarity(nil, nil))

	for _, pair := range [][2][]float32{{a, b}, {LocalEmbed("x", 16), LocalEmbed("yy zz", 16)}} {
		sim := CosineSimilarity(pair[0], pair[1])
		assert.GreaterOrEqual(t, sim, -1.0)
		assert.LessOrEqual(t, sim, 1.0)
	}
}

func TestMemoryStoreNotReady(t *testing.T) {
	s := NewMemoryStore(64, nil)
	ctx := context.Background()
	rec := newRecord("m1", "hello", domain.ConversationGroup, "g1", time.Now())

	_, err := s.Add(ctx, rec)
	assert.ErrorIs(t, err, ErrStoreNotReady)
	_, err = s.Search(ctx, rec.Embedding, domain.Scope{}, 5)
	assert.ErrorIs(t, err, ErrStoreNotReady)
	deleted, err := s.Delete(ctx, "m1")
	assert.NoError(t, err)
	assert.False(t, deleted)
	assert.Equal(t, domain.StoreStats{}, s.Stats(ctx))
}

func TestMemoryStoreAddIsIdempotent(t *testing.T) {
	s := readyStore(t)
	ctx := context.Background()
	rec := newRecord("m1", "hello", domain.ConversationGroup, "g1", time.Now())

	added, err := s.Add(ctx, rec)
	require.NoError(t, err)
	assert.True(t, added)

	added, err = s.Add(ctx, rec)
	require.NoError(t, err)
	assert.False(t, added)
	assert.Equal(t, domain.StoreStats{Count: 1, Ready: true}, s.Stats(ctx))
}

func TestMemoryStoreRejectsInvalidRecords(t *testing.T) {
	s := readyStore(t)
	ctx := context.Background()

	bad := []domain.IndexedRecord{
		newRecord("", "hello", domain.ConversationGroup, "g1", time.Now()),
		{ID: "m2", Metadata: domain.RecordMetadata{ConversationKind: domain.ConversationGroup}},
		{ID: "m3", Embedding: []float32{1}, Metadata: domain.RecordMetadata{ConversationKind: domain.ConversationGroup}},
		newRecord("m4", "hello", "channel", "g1", time.Now()),
	}
	for _, rec := range bad {
		_, err := s.Add(ctx, rec)
		assert.ErrorIs(t, err, ErrInvalidRecord)
	}
}

func TestMemoryStoreSearchScopeAndOrder(t *testing.T) {
	s := readyStore(t)
	ctx := context.Background()
	now := time.Now()

	records := []domain.IndexedRecord{
		newRecord("old", "deploy the api gateway", domain.ConversationGroup, "g1", now.Add(-time.Hour)),
		newRecord("new", "deploy the api gateway", domain.ConversationGroup, "g1", now),
		newRecord("other", "deploy the api gateway", domain.ConversationGroup, "g2", now),
		newRecord("dm", "deploy the api gateway", domain.ConversationDirect, "g1", now),
		newRecord("far", "lunch menu for friday", domain.ConversationGroup, "g1", now),
	}
	for _, rec := range records {
		_, err := s.Add(ctx, rec)
		require.NoError(t, err)
	}

	query := LocalEmbed("deploy the api gateway", 64)
	hits, err := s.Search(ctx, query, domain.Scope{Kind: domain.ConversationGroup, ConversationID: "g1"}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, "new", hits[0].Record.ID)
	assert.Equal(t, "old", hits[1].Record.ID)
	assert.Equal(t, "far", hits[2].Record.ID)

	hits, err = s.Search(ctx, query, domain.Scope{ConversationID: "g1"}, 10)
	require.NoError(t, err)
	assert.Len(t, hits, 4)

	hits, err = s.Search(ctx, query, domain.Scope{}, 2)
	require.NoError(t, err)
	assert.Len(t, hits, 2)
}

func TestMemoryStoreSearchCancelled(t *testing.T) {
	s := readyStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Search(ctx, LocalEmbed("x", 64), domain.Scope{}, 3)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestMemoryStoreDelete(t *testing.T) {
	s := readyStore(t)
	ctx := context.Background()
	_, err := s.Add(ctx, newRecord("m1", "hello", domain.ConversationGroup, "g1", time.Now()))
	require.NoError(t, err)

	deleted, err := s.Delete(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = s.Delete(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, deleted)
	assert.Zero(t, s.Stats(ctx).Count)
}

type memSnapshot struct {
	records []domain.IndexedRecord
	saves   int
}

func (m *memSnapshot) Load(context.Context) ([]domain.IndexedRecord, error) {
	return m.records, nil
}

func (m *memSnapshot) Save(_ context.Context, records []domain.IndexedRecord) error {
	m.records = records
	m.saves++
	return nil
}

func TestMemoryStoreSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	snap := &memSnapshot{}

	s := NewMemoryStore(64, snap)
	require.NoError(t, s.Init(ctx))
	_, err := s.Add(ctx, newRecord("m1", "hello", domain.ConversationGroup, "g1", time.Now()))
	require.NoError(t, err)
	require.NoError(t, s.Snapshot(ctx))
	assert.Equal(t, 1, snap.saves)

	restored := NewMemoryStore(64, snap)
	require.NoError(t, restored.Init(ctx))
	require.NoError(t, restored.Init(ctx))
	assert.Equal(t, domain.StoreStats{Count: 1, Ready: true}, restored.Stats(ctx))
	assert.Equal(t, "memory+minio", restored.Type())
}

type blockingSnapshot struct {
	memSnapshot
	started chan struct{}
	release chan struct{}
}

func (b *blockingSnapshot) Load(ctx context.Context) ([]domain.IndexedRecord, error) {
	close(b.started)
	<-b.release
	return b.memSnapshot.Load(ctx)
}

func TestMemoryStoreInitDoesNotBlockReaders(t *testing.T) {
	ctx := context.Background()
	snap := &blockingSnapshot{
		memSnapshot: memSnapshot{records: []domain.IndexedRecord{newRecord("m1", "hello", domain.ConversationGroup, "g1", time.Now())}},
		started:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	s := NewMemoryStore(64, snap)

	done := make(chan error, 1)
	go func() { done <- s.Init(ctx) }()
	<-snap.started

	checked := make(chan domain.StoreStats, 1)
	go func() {
		_ = s.Ready()
		checked <- s.Stats(ctx)
	}()
	select {
	case stats := <-checked:
		assert.False(t, stats.Ready)
	case <-time.After(time.Second):
		t.Fatal("Stats blocked while the snapshot was loading")
	}

	close(snap.release)
	require.NoError(t, <-done)
	assert.Equal(t, domain.StoreStats{Count: 1, Ready: true}, s.Stats(ctx))
}

func TestMemoryStoreConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	s := readyStore(t)
	query := LocalEmbed("hello", 64)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				id := fmt.Sprintf("w%d-%d", w, i)
				_, err := s.Add(ctx, newRecord(id, "hello "+id, domain.ConversationGroup, "g1", time.Now()))
				assert.NoError(t, err)
				if i%2 == 0 {
					_, err = s.Delete(ctx, id)
					assert.NoError(t, err)
				}
			}
		}(w)
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_, err := s.Search(ctx, query, domain.Scope{}, 5)
				assert.NoError(t, err)
				_ = s.Stats(ctx)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 4*25, s.Stats(ctx).Count)
	got, err := s.Search(ctx, query, domain.Scope{}, 1000)
	require.NoError(t, err)
	assert.Len(t, got, 4*25)
}

func TestSnapshotCodec(t *testing.T) {
	recs := []domain.IndexedRecord{newRecord("m1", "hello", domain.ConversationDirect, "d1", time.Unix(100, 0).UTC())}
	raw, err := encodeSnapshot(recs)
	require.NoError(t, err)

	got, err := decodeSnapshot(raw)
	require.NoError(t, err)
	assert.Equal(t, recs, got)

	_, err = decodeSnapshot([]byte(`{"version":2}`))
	assert.Error(t, err)
}
