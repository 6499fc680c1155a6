package service

import (
	"context"
	"time"

	commondbman "msg_rag/server/common/infra/dbman"
	"msg_rag/server/ragman/domain"
)

const dbmanBasePath = commondbman.BasePath

// DBManMessageStore reads history through the dbman HTTP replicas instead of
// a direct database connection.
type DBManMessageStore struct {
	client *commondbman.Client
}

func NewDBManMessageStore(client *commondbman.Client) *DBManMessageStore {
	return &DBManMessageStore{client: client}
}

type dbmanMessageRequest struct {
	ConversationKind string     `json:"conversation_kind,omitempty"`
	ConversationID   string     `json:"conversation_id,omitempty"`
	Since            *time.Time `json:"since,omitempty"`
	Limit            int        `json:"limit"`
	Keywords         []string   `json:"keywords,omitempty"`
}

func (s *DBManMessageStore) FindByConversation(ctx context.Context, kind domain.ConversationKind, conversationID string, q MessageQuery) ([]domain.Message, error) {
	payload := dbmanMessageRequest{
		ConversationKind: string(kind),
		ConversationID:   conversationID,
		Limit:            q.Limit,
		Keywords:         q.Keywords,
	}
	if payload.Limit <= 0 {
		payload.Limit = defaultMessageLimit
	}
	if !q.Since.IsZero() {
		since := q.Since.UTC()
		payload.Since = &since
	}
	var items []domain.Message
	if err := s.client.Post(ctx, dbmanBasePath+"/messages/history", payload, &items); err != nil {
		return nil, err
	}
	if items == nil {
		items = []domain.Message{}
	}
	return items, nil
}

func (s *DBManMessageStore) FindRecent(ctx context.Context, kind domain.ConversationKind, conversationID string, limit int) ([]domain.Message, error) {
	return s.FindByConversation(ctx, kind, conversationID, MessageQuery{Limit: limit})
}
