package domain

import (
	"strings"
	"time"
)

type ConversationKind string
type MessageKind string
type Strategy string
type TimeRange string

const (
	ConversationDirect ConversationKind = "direct"
	ConversationGroup  ConversationKind = "group"
)

const (
	MessageKindText  MessageKind = "text"
	MessageKindFile  MessageKind = "file"
	MessageKindEmoji MessageKind = "emoji"
)

const (
	StrategyVector  Strategy = "vector"
	StrategyKeyword Strategy = "keyword"
	StrategyHybrid  Strategy = "hybrid"
)

const (
	TimeRangeRecent TimeRange = "recent"
	TimeRangeDay    TimeRange = "day"
	TimeRangeWeek   TimeRange = "week"
	TimeRangeMonth  TimeRange = "month"
	TimeRangeAll    TimeRange = "all"
)

func (k ConversationKind) Valid() bool {
	return k == ConversationDirect || k == ConversationGroup
}

func (s Strategy) Valid() bool {
	return s == StrategyVector || s == StrategyKeyword || s == StrategyHybrid
}

func (r TimeRange) Valid() bool {
	switch r {
	case TimeRangeRecent, TimeRangeDay, TimeRangeWeek, TimeRangeMonth, TimeRangeAll:
		return true
	}
	return false
}

// Pool is the candidate budget for keyword matching and recency fetches.
func (r TimeRange) Pool() int {
	switch r {
	case TimeRangeDay:
		return 100
	case TimeRangeWeek:
		return 200
	case TimeRangeMonth:
		return 300
	case TimeRangeAll:
		return 500
	default:
		return 50
	}
}

// Cutoff returns the oldest admissible timestamp, or false when the range is unbounded.
func (r TimeRange) Cutoff(now time.Time) (time.Time, bool) {
	switch r {
	case TimeRangeDay:
		return now.Add(-24 * time.Hour), true
	case TimeRangeWeek:
		return now.Add(-7 * 24 * time.Hour), true
	case TimeRangeMonth:
		return now.Add(-30 * 24 * time.Hour), true
	default:
		return time.Time{}, false
	}
}

type RecordMetadata struct {
	SenderID         string           `json:"sender_id"`
	SenderName       string           `json:"sender_name"`
	Timestamp        time.Time        `json:"timestamp"`
	ConversationKind ConversationKind `json:"conversation_kind"`
	ConversationID   string           `json:"conversation_id"`
	MessageKind      MessageKind      `json:"message_kind"`
}

type IndexedRecord struct {
	ID        string         `json:"id"`
	Embedding []float32      `json:"embedding"`
	Text      string         `json:"text"`
	Metadata  RecordMetadata `json:"metadata"`
}

type IngestionItem struct {
	ID               string           `json:"id"`
	Text             string           `json:"text"`
	SenderID         string           `json:"sender_id"`
	SenderName       string           `json:"sender_name"`
	ConversationID   string           `json:"conversation_id"`
	ConversationKind ConversationKind `json:"conversation_kind"`
	Timestamp        time.Time        `json:"timestamp"`
	MessageKind      MessageKind      `json:"message_kind"`
}

func (i IngestionItem) Metadata() RecordMetadata {
	return RecordMetadata{
		SenderID:         i.SenderID,
		SenderName:       i.SenderName,
		Timestamp:        i.Timestamp,
		ConversationKind: i.ConversationKind,
		ConversationID:   i.ConversationID,
		MessageKind:      i.MessageKind,
	}
}

// Message is the read model served by the external message store.
type Message struct {
	ID               string           `json:"id"`
	Content          string           `json:"content"`
	SenderID         string           `json:"sender_id"`
	SenderName       string           `json:"sender_name"`
	Timestamp        time.Time        `json:"timestamp"`
	MessageKind      MessageKind      `json:"message_kind"`
	ConversationKind ConversationKind `json:"conversation_kind"`
	ConversationID   string           `json:"conversation_id"`
}

func (m Message) Metadata() RecordMetadata {
	return RecordMetadata{
		SenderID:         m.SenderID,
		SenderName:       m.SenderName,
		Timestamp:        m.Timestamp,
		ConversationKind: m.ConversationKind,
		ConversationID:   m.ConversationID,
		MessageKind:      m.MessageKind,
	}
}

func (m Message) IngestionItem() IngestionItem {
	return IngestionItem{
		ID:               m.ID,
		Text:             m.Content,
		SenderID:         m.SenderID,
		SenderName:       m.SenderName,
		ConversationID:   m.ConversationID,
		ConversationKind: m.ConversationKind,
		Timestamp:        m.Timestamp,
		MessageKind:      m.MessageKind,
	}
}

// Scope narrows a search to a conversation. Empty fields match anything.
type Scope struct {
	Kind           ConversationKind
	ConversationID string
}

// Matches ignores the kind of records whose conversation kind was never resolved.
func (s Scope) Matches(md RecordMetadata) bool {
	if s.Kind != "" && md.ConversationKind != "" && md.ConversationKind != s.Kind {
		return false
	}
	if s.ConversationID != "" && md.ConversationID != s.ConversationID {
		return false
	}
	return true
}

func (s Scope) IsZero() bool {
	return s.Kind == "" && s.ConversationID == ""
}

type RetrievalQuery struct {
	Query            string           `json:"query"`
	ConversationKind ConversationKind `json:"conversation_kind,omitempty"`
	ConversationID   string           `json:"conversation_id,omitempty"`
	TopK             int              `json:"top_k"`
	Strategy         Strategy         `json:"strategy,omitempty"`
	TimeRange        TimeRange        `json:"time_range,omitempty"`
}

func (q RetrievalQuery) Scope() Scope {
	return Scope{Kind: q.ConversationKind, ConversationID: strings.TrimSpace(q.ConversationID)}
}

type RetrievalResult struct {
	Content   string         `json:"content"`
	Metadata  RecordMetadata `json:"metadata"`
	Relevance float64        `json:"relevance"`
}

type RetrievalResponse struct {
	Documents []string          `json:"documents"`
	Sources   []RetrievalResult `json:"sources"`
}

func EmptyResponse() RetrievalResponse {
	return RetrievalResponse{Documents: []string{}, Sources: []RetrievalResult{}}
}

type ContextResponse struct {
	Context string            `json:"context"`
	Sources []RetrievalResult `json:"sources"`
}

type BatchResult struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

type StoreStats struct {
	Count int  `json:"count"`
	Ready bool `json:"ready"`
}

type Stats struct {
	Count          int    `json:"count"`
	Ready          bool   `json:"ready"`
	QueueLength    int    `json:"queue_length"`
	EmbeddingMode  string `json:"embedding_mode"`
	EmbeddingModel string `json:"embedding_model"`
	StorageType    string `json:"storage_type"`
	Running        bool   `json:"running"`
	Indexed        int64  `json:"indexed"`
	Failed         int64  `json:"failed"`
	Dropped        int64  `json:"dropped"`
}
