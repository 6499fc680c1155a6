package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msg_rag/server/ragman/domain"
)

type recordingSink struct {
	enqueued []domain.IngestionItem
	deleted  []string
	kinds    map[string]domain.ConversationKind
	kindErr  error
	lookups  []string
}

func (s *recordingSink) Enqueue(item domain.IngestionItem) bool {
	s.enqueued = append(s.enqueued, item)
	return true
}

func (s *recordingSink) Delete(_ context.Context, id string) (bool, error) {
	s.deleted = append(s.deleted, id)
	return true, nil
}

func (s *recordingSink) ResolveConversationKind(_ context.Context, conversationID string) (domain.ConversationKind, error) {
	s.lookups = append(s.lookups, conversationID)
	return s.kinds[conversationID], s.kindErr
}

func TestEventConsumerHandlesCreated(t *testing.T) {
	sink := &recordingSink{kinds: map[string]domain.ConversationKind{"r1": domain.ConversationGroup}}
	c := &EventConsumer{sink: sink}

	body := []byte(`{"event":"message.created","message_id":"m1","room_id":"r1","sender_id":"u1","body":"hello","created_at":"2026-02-01T10:00:00Z"}`)
	require.NoError(t, c.handle(context.Background(), "t1.message.created", body))

	require.Len(t, sink.enqueued, 1)
	item := sink.enqueued[0]
	assert.Equal(t, "m1", item.ID)
	assert.Equal(t, "r1", item.ConversationID)
	assert.Equal(t, domain.ConversationGroup, item.ConversationKind)
	assert.Equal(t, domain.MessageKindText, item.MessageKind)
	assert.Equal(t, time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC), item.Timestamp)
	assert.Equal(t, []string{"r1"}, sink.lookups)
}

func TestEventConsumerResolvesMissingRoomType(t *testing.T) {
	sink := &recordingSink{kinds: map[string]domain.ConversationKind{"dm-room": domain.ConversationDirect}}
	c := &EventConsumer{sink: sink}

	require.NoError(t, c.handle(context.Background(), "message.created",
		[]byte(`{"event":"message.created","message_id":"m1","room_id":"dm-room","body":"hello","created_at":"2026-02-01T10:00:00Z"}`)))
	require.NoError(t, c.handle(context.Background(), "message.created",
		[]byte(`{"event":"message.created","message_id":"m2","room_id":"new-room","body":"hello"}`)))

	require.Len(t, sink.enqueued, 2)
	assert.Equal(t, domain.ConversationDirect, sink.enqueued[0].ConversationKind)
	assert.True(t, domain.Scope{Kind: domain.ConversationDirect, ConversationID: "dm-room"}.Matches(sink.enqueued[0].Metadata()))

	assert.Empty(t, sink.enqueued[1].ConversationKind)
	assert.True(t, domain.Scope{Kind: domain.ConversationDirect, ConversationID: "new-room"}.Matches(sink.enqueued[1].Metadata()))
}

func TestEventConsumerKeepsExplicitRoomType(t *testing.T) {
	sink := &recordingSink{kindErr: errors.New("db down")}
	c := &EventConsumer{sink: sink}

	require.NoError(t, c.handle(context.Background(), "message.created",
		[]byte(`{"message_id":"m1","room_id":"g1","room_type":"group","body":"hi"}`)))
	require.NoError(t, c.handle(context.Background(), "message.created",
		[]byte(`{"message_id":"m2","room_id":"g2","body":"hi"}`)))

	require.Len(t, sink.enqueued, 2)
	assert.Equal(t, domain.ConversationGroup, sink.enqueued[0].ConversationKind)
	assert.Empty(t, sink.enqueued[1].ConversationKind)
	assert.Equal(t, []string{"g2"}, sink.lookups)
}

func TestEventConsumerDerivesKindAndRoomType(t *testing.T) {
	sink := &recordingSink{}
	c := &EventConsumer{sink: sink}

	require.NoError(t, c.handle(context.Background(), "message.created",
		[]byte(`{"message_id":"m2","room_id":"d1","room_type":"DIRECT","body":"see file","file_ids":["f1"]}`)))
	require.NoError(t, c.handle(context.Background(), "message.created",
		[]byte(`{"message_id":"m3","room_id":"d1","emojis":["smile"]}`)))

	require.Len(t, sink.enqueued, 2)
	assert.Equal(t, domain.ConversationDirect, sink.enqueued[0].ConversationKind)
	assert.Equal(t, domain.MessageKindFile, sink.enqueued[0].MessageKind)
	assert.Equal(t, domain.MessageKindEmoji, sink.enqueued[1].MessageKind)
}

func TestEventConsumerHandlesDeleted(t *testing.T) {
	sink := &recordingSink{}
	c := &EventConsumer{sink: sink}

	require.NoError(t, c.handle(context.Background(), "t1.message.deleted", []byte(`{"message_id":"m1"}`)))
	assert.Equal(t, []string{"m1"}, sink.deleted)
}

func TestEventConsumerRejectsMalformed(t *testing.T) {
	c := &EventConsumer{sink: &recordingSink{}}

	assert.Error(t, c.handle(context.Background(), "message.created", []byte(`{not json`)))
	assert.Error(t, c.handle(context.Background(), "message.created", []byte(`{"body":"no id"}`)))
	assert.NoError(t, c.handle(context.Background(), "room.created", []byte(`{"message_id":"x"}`)))
}

func TestEventFromRoutingKey(t *testing.T) {
	assert.Equal(t, EventMessageCreated, eventFromRoutingKey("tenant-a.message.created"))
	assert.Equal(t, EventMessageDeleted, eventFromRoutingKey("message.deleted"))
	assert.Equal(t, "room.created", eventFromRoutingKey("room.created"))
}
