package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	commonlog "msg_rag/server/common/log"
	"msg_rag/server/ragman/domain"
)

const defaultContextTopK = 30

type Options struct {
	Indexer          IndexerOptions
	Retrieval        RetrievalOptions
	MaxContextLength int
	RecentLines      int
	ContextTopK      int
}

type ContextRequest struct {
	Query            string
	ConversationKind domain.ConversationKind
	ConversationID   string
	TimeRange        domain.TimeRange
	TopK             int
	RecentLimit      int
	MaxLength        int
}

type snapshotter interface {
	Snapshot(ctx context.Context) error
}

// RAGService owns one store, one indexer and one retriever and is the only
// entry point used by the HTTP handlers, the event consumer and ragctl.
type RAGService struct {
	store     VectorStore
	embedder  Embedder
	source    MessageSource
	indexer   *MessageIndexer
	retriever *Retriever
	opts      Options
}

func NewRAGService(store VectorStore, embedder Embedder, source MessageSource, opts Options) *RAGService {
	if opts.MaxContextLength <= 0 {
		opts.MaxContextLength = DefaultMaxContextLength
	}
	if opts.RecentLines <= 0 {
		opts.RecentLines = DefaultRecentLines
	}
	if opts.ContextTopK <= 0 {
		opts.ContextTopK = defaultContextTopK
	}
	return &RAGService{
		store:     store,
		embedder:  embedder,
		source:    source,
		indexer:   NewMessageIndexer(store, embedder, source, opts.Indexer),
		retriever: NewRetriever(store, embedder, source, opts.Retrieval),
		opts:      opts,
	}
}

func (s *RAGService) Start(ctx context.Context) error {
	return s.indexer.Start(ctx)
}

// Close stops the indexer and persists the store when it supports snapshots.
func (s *RAGService) Close(ctx context.Context) error {
	s.indexer.Stop()
	return s.Snapshot(ctx)
}

// Snapshot persists the store. Stores without snapshot support are skipped.
func (s *RAGService) Snapshot(ctx context.Context) error {
	snap, ok := s.store.(snapshotter)
	if !ok || !s.store.Ready() {
		return nil
	}
	if err := snap.Snapshot(ctx); err != nil {
		return fmt.Errorf("snapshot vector store: %w", err)
	}
	return nil
}

func (s *RAGService) Enqueue(item domain.IngestionItem) bool {
	return s.indexer.Enqueue(item)
}

func (s *RAGService) IndexNow(ctx context.Context, item domain.IngestionItem) (string, bool, error) {
	return s.indexer.IndexNow(ctx, item)
}

func (s *RAGService) IndexHistorical(ctx context.Context, opts HistoricalOptions) (domain.BatchResult, error) {
	return s.indexer.IndexHistorical(ctx, opts)
}

func (s *RAGService) Retrieve(ctx context.Context, q domain.RetrievalQuery) (domain.RetrievalResponse, error) {
	return s.retriever.Retrieve(ctx, q)
}

// BuildContext runs a hybrid retrieval and renders it together with the latest
// messages of the conversation into a bounded context block.
func (s *RAGService) BuildContext(ctx context.Context, req ContextRequest) (domain.ContextResponse, error) {
	topK := req.TopK
	if topK <= 0 {
		topK = s.opts.ContextTopK
	}
	maxLength := req.MaxLength
	if maxLength <= 0 {
		maxLength = s.opts.MaxContextLength
	}
	recentLimit := req.RecentLimit
	if recentLimit <= 0 {
		recentLimit = s.opts.RecentLines
	}

	resp, err := s.retriever.Retrieve(ctx, domain.RetrievalQuery{
		Query:            req.Query,
		ConversationKind: req.ConversationKind,
		ConversationID:   req.ConversationID,
		TopK:             topK,
		Strategy:         domain.StrategyHybrid,
		TimeRange:        req.TimeRange,
	})
	if err != nil {
		return domain.ContextResponse{}, err
	}

	recent := s.recentMessages(ctx, req.ConversationKind, req.ConversationID, recentLimit)
	return domain.ContextResponse{
		Context: AssembleContext(resp.Documents, recent, maxLength, recentLimit),
		Sources: resp.Sources,
	}, nil
}

// recentMessages returns up to limit text messages in chronological order.
func (s *RAGService) recentMessages(ctx context.Context, kind domain.ConversationKind, conversationID string, limit int) []domain.Message {
	if s.source == nil || strings.TrimSpace(conversationID) == "" {
		return nil
	}
	msgs, err := s.source.FindRecent(ctx, kind, conversationID, limit)
	if err != nil {
		if ctx.Err() == nil {
			commonlog.Warnf("event=rag_context action=recent status=degraded conversation_id=%s err=%v", conversationID, err)
		}
		return nil
	}
	out := make([]domain.Message, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if strings.TrimSpace(m.Content) == "" || (m.MessageKind != "" && m.MessageKind != domain.MessageKindText) {
			continue
		}
		out = append(out, m)
	}
	return out
}

func (s *RAGService) Delete(ctx context.Context, id string) (bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return false, fmt.Errorf("%w: empty id", ErrInvalidRecord)
	}
	dequeued := s.indexer.Forget(id)
	deleted, err := s.store.Delete(ctx, id)
	if err != nil {
		return false, err
	}
	commonlog.Infof("event=rag_delete status=ok id=%s deleted=%t dequeued=%d", id, deleted, dequeued)
	return deleted || dequeued > 0, nil
}

// ResolveConversationKind looks the conversation up in the message source.
// It returns an empty kind when the source is absent or does not know it.
func (s *RAGService) ResolveConversationKind(ctx context.Context, conversationID string) (domain.ConversationKind, error) {
	if s.source == nil || strings.TrimSpace(conversationID) == "" {
		return "", nil
	}
	msgs, err := s.source.FindRecent(ctx, "", conversationID, 1)
	if err != nil {
		return "", fmt.Errorf("resolve conversation kind %s: %w", conversationID, err)
	}
	if len(msgs) == 0 || !msgs[0].ConversationKind.Valid() {
		return "", nil
	}
	return msgs[0].ConversationKind, nil
}

func (s *RAGService) Stats(ctx context.Context) domain.Stats {
	store := s.store.Stats(ctx)
	idx := s.indexer.Stats()
	return domain.Stats{
		Count:          store.Count,
		Ready:          store.Ready,
		QueueLength:    idx.QueueLength,
		EmbeddingMode:  s.embedder.Mode(),
		EmbeddingModel: s.embedder.Model(),
		StorageType:    s.store.Type(),
		Running:        idx.Running,
		Indexed:        idx.Indexed,
		Failed:         idx.Failed,
		Dropped:        idx.Dropped,
	}
}

// IsClientError reports whether err came from malformed caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidQuery) || errors.Is(err, ErrInvalidItem) || errors.Is(err, ErrInvalidRecord)
}
