package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msg_rag/server/ragman/domain"
)

func TestQdrantPayloadRoundTrip(t *testing.T) {
	rec := newRecord("msg-42", "ship the release", domain.ConversationDirect, "d7", time.UnixMilli(1760000000123).UTC())

	got := recordFromPayload(recordPayload(rec))
	rec.Embedding = nil
	assert.Equal(t, rec, got)
}

func TestQdrantPointIDIsStableUUID(t *testing.T) {
	a := pointID("msg-42").GetUuid()
	assert.Equal(t, a, pointID("msg-42").GetUuid())
	assert.NotEqual(t, a, pointID("msg-43").GetUuid())
	assert.Len(t, a, 36)
}

func TestQdrantScopeFilter(t *testing.T) {
	assert.Nil(t, scopeFilter(domain.Scope{}))

	f := scopeFilter(domain.Scope{Kind: domain.ConversationGroup, ConversationID: "g1"})
	require.Len(t, f.GetMust(), 2)
	assert.Equal(t, payloadConversationKind, f.GetMust()[0].GetField().GetKey())
	assert.Equal(t, []string{"group", ""}, f.GetMust()[0].GetField().GetMatch().GetKeywords().GetStrings())
	assert.Equal(t, "g1", f.GetMust()[1].GetField().GetMatch().GetKeyword())
}

func TestQdrantStoreNotReadyDegrades(t *testing.T) {
	s, err := NewQdrantStore("localhost:6334", "messages", 8)
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	_, err = s.Search(ctx, make([]float32, 8), domain.Scope{}, 3)
	assert.ErrorIs(t, err, ErrStoreNotReady)
	deleted, err := s.Delete(ctx, "x")
	assert.NoError(t, err)
	assert.False(t, deleted)
	assert.Equal(t, domain.StoreStats{}, s.Stats(ctx))
	assert.False(t, s.Ready())
}
