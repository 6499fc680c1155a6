package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msg_rag/server/ragman/domain"
)

func newTestService(t *testing.T, source MessageSource, snap Snapshotter) *RAGService {
	t.Helper()
	svc := NewRAGService(NewMemoryStore(0, snap), NewEmbeddingProvider(EmbeddingOptions{}), source, Options{
		Indexer: IndexerOptions{Interval: time.Hour},
	})
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	return svc
}

func TestRAGServiceStats(t *testing.T) {
	svc := newTestService(t, &fakeMessages{}, nil)
	ctx := context.Background()

	require.True(t, svc.Enqueue(textItem("m1", "queued")))
	_, added, err := svc.IndexNow(ctx, textItem("m2", "indexed now"))
	require.NoError(t, err)
	require.True(t, added)

	assert.Equal(t, domain.Stats{
		Count:          1,
		Ready:          true,
		QueueLength:    1,
		EmbeddingMode:  "local",
		EmbeddingModel: localEmbeddingModel,
		StorageType:    "memory",
		Running:        true,
		Indexed:        1,
	}, svc.Stats(ctx))
}

func TestRAGServiceBuildContext(t *testing.T) {
	now := time.Now()
	msgs := scenarioMessages(now)
	svc := newTestService(t, &fakeMessages{messages: msgs}, nil)
	ctx := context.Background()
	for _, m := range msgs {
		_, _, err := svc.IndexNow(ctx, m.IngestionItem())
		require.NoError(t, err)
	}

	resp, err := svc.BuildContext(ctx, ContextRequest{
		Query:            "hooks patterns",
		ConversationKind: domain.ConversationGroup,
		ConversationID:   "g1",
		RecentLimit:      2,
	})
	require.NoError(t, err)

	require.NotEmpty(t, resp.Sources)
	assert.Equal(t, "React hooks best practices", resp.Sources[0].Content)
	assert.Contains(t, resp.Context, "[Relevant history]\n- React hooks best practices\n")
	assert.Contains(t, resp.Context, "[Recent conversation]\nAlice: Vue composition API guide\nAlice: unrelated cooking tip\n")
}

func TestRAGServiceDelete(t *testing.T) {
	svc := newTestService(t, nil, nil)
	ctx := context.Background()
	_, _, err := svc.IndexNow(ctx, textItem("m1", "hello"))
	require.NoError(t, err)

	deleted, err := svc.Delete(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = svc.Delete(ctx, " ")
	assert.ErrorIs(t, err, ErrInvalidRecord)
	assert.True(t, IsClientError(err))
}

func TestRAGServiceCloseSnapshots(t *testing.T) {
	snap := &memSnapshot{}
	svc := NewRAGService(NewMemoryStore(0, snap), NewEmbeddingProvider(EmbeddingOptions{}), nil, Options{Indexer: IndexerOptions{Interval: time.Hour}})
	ctx := context.Background()
	require.NoError(t, svc.Start(ctx))
	_, _, err := svc.IndexNow(ctx, textItem("m1", "hello"))
	require.NoError(t, err)

	require.NoError(t, svc.Close(ctx))
	assert.Equal(t, 1, snap.saves)
	assert.Len(t, snap.records, 1)
	assert.False(t, svc.Stats(ctx).Running)
}

func TestRAGServiceDeleteRemovesQueuedMessage(t *testing.T) {
	svc := newTestService(t, nil, nil)
	ctx := context.Background()

	require.True(t, svc.Enqueue(textItem("m1", "created then deleted")))
	deleted, err := svc.Delete(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, deleted)

	svc.indexer.processTick(ctx)
	assert.Zero(t, svc.Stats(ctx).Count)
	assert.Zero(t, svc.Stats(ctx).QueueLength)

	resp, err := svc.Retrieve(ctx, domain.RetrievalQuery{Query: "created then deleted", TopK: 5, Strategy: domain.StrategyVector})
	require.NoError(t, err)
	assert.Empty(t, resp.Sources)
}

func TestRAGServiceResolveConversationKind(t *testing.T) {
	msgs := []domain.Message{
		{ID: "d1", Content: "hi", Timestamp: time.Now(), ConversationKind: domain.ConversationDirect, ConversationID: "dm-room"},
	}
	svc := newTestService(t, &fakeMessages{messages: msgs}, nil)
	ctx := context.Background()

	kind, err := svc.ResolveConversationKind(ctx, "dm-room")
	require.NoError(t, err)
	assert.Equal(t, domain.ConversationDirect, kind)

	kind, err = svc.ResolveConversationKind(ctx, "unknown-room")
	require.NoError(t, err)
	assert.Empty(t, kind)

	kind, err = newTestService(t, nil, nil).ResolveConversationKind(ctx, "dm-room")
	require.NoError(t, err)
	assert.Empty(t, kind)
}
