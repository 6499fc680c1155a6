package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"msg_rag/server/ragman/domain"
)

const defaultMessageLimit = 50

type MessageQuery struct {
	Since    time.Time
	Limit    int
	Keywords []string
}

// MessageSource reads chat history from the system of record. Results are
// newest first. An empty kind or conversation id matches every conversation.
type MessageSource interface {
	FindByConversation(ctx context.Context, kind domain.ConversationKind, conversationID string, q MessageQuery) ([]domain.Message, error)
	FindRecent(ctx context.Context, kind domain.ConversationKind, conversationID string, limit int) ([]domain.Message, error)
}

type PGMessageStore struct {
	pool *pgxpool.Pool
}

func NewPGMessageStore(pool *pgxpool.Pool) *PGMessageStore {
	return &PGMessageStore{pool: pool}
}

func (s *PGMessageStore) FindByConversation(ctx context.Context, kind domain.ConversationKind, conversationID string, q MessageQuery) ([]domain.Message, error) {
	sql, args := buildMessageQuery(kind, conversationID, q)
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	items := make([]domain.Message, 0)
	for rows.Next() {
		var (
			m        domain.Message
			roomType string
			msgKind  string
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.SenderName, &m.Content, &m.Timestamp, &roomType, &msgKind); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.ConversationKind = domain.ConversationKind(roomType)
		m.MessageKind = domain.MessageKind(msgKind)
		items = append(items, m)
	}
	return items, rows.Err()
}

func (s *PGMessageStore) FindRecent(ctx context.Context, kind domain.ConversationKind, conversationID string, limit int) ([]domain.Message, error) {
	return s.FindByConversation(ctx, kind, conversationID, MessageQuery{Limit: limit})
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func buildMessageQuery(kind domain.ConversationKind, conversationID string, q MessageQuery) (string, []any) {
	base := `
		SELECT m.message_id::text, m.room_id::text, m.sender_id::text, COALESCE(u.name, ''), COALESCE(m.body, ''), m.created_at, cr.room_type,
			CASE
				WHEN COALESCE(m.meta_json->>'file_id', '') <> ''
				  OR (jsonb_typeof(m.meta_json->'file_ids') = 'array' AND jsonb_array_length(m.meta_json->'file_ids') > 0)
				THEN 'file'
				WHEN jsonb_typeof(m.meta_json->'emojis') = 'array' AND jsonb_array_length(m.meta_json->'emojis') > 0 THEN 'emoji'
				ELSE 'text'
			END AS message_kind
		FROM messages m
		JOIN chat_rooms cr ON cr.chat_room_id = m.room_id
		LEFT JOIN users u ON u.user_id = m.sender_id
		WHERE COALESCE(m.body, '') <> ''`
	args := []any{}
	idx := 1

	if kind != "" {
		base += fmt.Sprintf(` AND cr.room_type=$%d`, idx)
		args = append(args, string(kind))
		idx++
	}
	if id := strings.TrimSpace(conversationID); id != "" {
		base += fmt.Sprintf(` AND m.room_id::text=$%d`, idx)
		args = append(args, id)
		idx++
	}
	if !q.Since.IsZero() {
		base += fmt.Sprintf(` AND m.created_at >= $%d`, idx)
		args = append(args, q.Since)
		idx++
	}
	if len(q.Keywords) > 0 {
		patterns := make([]string, 0, len(q.Keywords))
		for _, kw := range q.Keywords {
			patterns = append(patterns, "%"+likeEscaper.Replace(kw)+"%")
		}
		base += fmt.Sprintf(` AND m.body ILIKE ANY($%d)`, idx)
		args = append(args, patterns)
		idx++
	}

	limit := q.Limit
	if limit <= 0 {
		limit = defaultMessageLimit
	}
	base += fmt.Sprintf(` ORDER BY m.created_at DESC, m.message_id DESC LIMIT $%d`, idx)
	args = append(args, limit)
	return base, args
}
