package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"msg_rag/server/common/infra/mq"
	commonlog "msg_rag/server/common/log"
	"msg_rag/server/ragman/domain"
)

const (
	EventMessageCreated = "message.created"
	EventMessageDeleted = "message.deleted"

	DefaultEventQueue = "ragman.index"
	consumerTag       = "ragman"
)

type eventSink interface {
	Enqueue(item domain.IngestionItem) bool
	Delete(ctx context.Context, id string) (bool, error)
	ResolveConversationKind(ctx context.Context, conversationID string) (domain.ConversationKind, error)
}

type chatEvent struct {
	Event       string    `json:"event"`
	MessageID   string    `json:"message_id"`
	RoomID      string    `json:"room_id"`
	RoomType    string    `json:"room_type"`
	SenderID    string    `json:"sender_id"`
	SenderName  string    `json:"sender_name"`
	Body        string    `json:"body"`
	MessageKind string    `json:"message_kind"`
	FileID      *string   `json:"file_id"`
	FileIDs     []string  `json:"file_ids"`
	Emojis      []string  `json:"emojis"`
	CreatedAt   time.Time `json:"created_at"`
}

func (e chatEvent) kind() domain.MessageKind {
	if k := strings.TrimSpace(e.MessageKind); k != "" {
		return domain.MessageKind(strings.ToLower(k))
	}
	if (e.FileID != nil && strings.TrimSpace(*e.FileID) != "") || len(e.FileIDs) > 0 {
		return domain.MessageKindFile
	}
	if len(e.Emojis) > 0 && strings.TrimSpace(e.Body) == "" {
		return domain.MessageKindEmoji
	}
	return domain.MessageKindText
}

func (e chatEvent) item() domain.IngestionItem {
	roomType := domain.ConversationKind(strings.ToLower(strings.TrimSpace(e.RoomType)))
	return domain.IngestionItem{
		ID:               e.MessageID,
		Text:             e.Body,
		SenderID:         e.SenderID,
		SenderName:       e.SenderName,
		ConversationID:   e.RoomID,
		ConversationKind: roomType,
		Timestamp:        e.CreatedAt,
		MessageKind:      e.kind(),
	}
}

// EventConsumer feeds chat.events deliveries into the indexer. Malformed
// deliveries are rejected without requeue; everything else is acked.
type EventConsumer struct {
	ch    *amqp.Channel
	queue string
	sink  eventSink
}

func NewEventConsumer(conn *amqp.Connection, queue string, sink eventSink) (*EventConsumer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if queue == "" {
		queue = DefaultEventQueue
	}
	if err := mq.DeclareTopicQueue(ch, mq.ChatEventsExchange, queue, "#."+EventMessageCreated, "#."+EventMessageDeleted); err != nil {
		_ = ch.Close()
		return nil, err
	}
	if err := ch.Qos(50, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("set amqp qos: %w", err)
	}
	return &EventConsumer{ch: ch, queue: queue, sink: sink}, nil
}

func (c *EventConsumer) Run(ctx context.Context) error {
	deliveries, err := c.ch.ConsumeWithContext(ctx, c.queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.queue, err)
	}
	commonlog.Infof("event=rag_consumer action=start status=ok queue=%s", c.queue)
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("consume %s: delivery channel closed", c.queue)
			}
			if err := c.handle(ctx, d.RoutingKey, d.Body); err != nil {
				commonlog.Warnf("event=rag_consumer status=rejected routing_key=%s err=%v", d.RoutingKey, err)
				_ = d.Nack(false, false)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

func (c *EventConsumer) Close() error {
	return c.ch.Close()
}

func (c *EventConsumer) handle(ctx context.Context, routingKey string, body []byte) error {
	var evt chatEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return fmt.Errorf("decode chat event: %w", err)
	}
	name := strings.TrimSpace(evt.Event)
	if name == "" {
		name = eventFromRoutingKey(routingKey)
	}
	if strings.TrimSpace(evt.MessageID) == "" {
		return fmt.Errorf("chat event %q without message_id", name)
	}

	switch name {
	case EventMessageCreated:
		item := evt.item()
		if item.ConversationKind == "" {
			item.ConversationKind = c.resolveKind(ctx, item.ConversationID)
		}
		if !c.sink.Enqueue(item) {
			commonlog.Debugf("event=rag_consumer action=enqueue status=skipped message_id=%s", evt.MessageID)
		}
	case EventMessageDeleted:
		if _, err := c.sink.Delete(ctx, evt.MessageID); err != nil {
			commonlog.Errorf("event=rag_consumer action=delete status=failed message_id=%s err=%v", evt.MessageID, err)
		}
	default:
		commonlog.Debugf("event=rag_consumer status=ignored event_name=%s", name)
	}
	return nil
}

// resolveKind fills in the room type for publishers that omit it. An unknown
// kind stays empty; such records match any kind in a conversation scope.
func (c *EventConsumer) resolveKind(ctx context.Context, roomID string) domain.ConversationKind {
	kind, err := c.sink.ResolveConversationKind(ctx, roomID)
	if err != nil {
		commonlog.Warnf("event=rag_consumer action=resolve_kind status=failed room_id=%s err=%v", roomID, err)
		return ""
	}
	if kind == "" {
		commonlog.Debugf("event=rag_consumer action=resolve_kind status=unknown room_id=%s", roomID)
	}
	return kind
}

// eventFromRoutingKey strips the optional tenant prefix, e.g. "t1.message.created".
func eventFromRoutingKey(key string) string {
	for _, name := range []string{EventMessageCreated, EventMessageDeleted} {
		if key == name || strings.HasSuffix(key, "."+name) {
			return name
		}
	}
	return key
}
