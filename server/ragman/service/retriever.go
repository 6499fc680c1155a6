package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	commonlog "msg_rag/server/common/log"
	"msg_rag/server/ragman/domain"
)

const minFetchK = 20

type RetrievalOptions struct {
	HybridWeight        float64
	MinRelevanceVector  float64
	MinRelevanceKeyword float64
	MinRelevanceHybrid  float64
	RecencyBaseline     float64
	DedupPrefix         int
}

func DefaultRetrievalOptions() RetrievalOptions {
	return RetrievalOptions{
		HybridWeight:        0.7,
		MinRelevanceVector:  0.3,
		MinRelevanceKeyword: 0.2,
		MinRelevanceHybrid:  0.1,
		RecencyBaseline:     0.3,
		DedupPrefix:         50,
	}
}

func (o RetrievalOptions) minRelevance(s domain.Strategy) float64 {
	switch s {
	case domain.StrategyVector:
		return o.MinRelevanceVector
	case domain.StrategyKeyword:
		return o.MinRelevanceKeyword
	default:
		return o.MinRelevanceHybrid
	}
}

type candidate struct {
	content   string
	metadata  domain.RecordMetadata
	relevance float64
}

// Retriever blends vector similarity, keyword overlap and recency into one
// ranked, deduplicated result list.
type Retriever struct {
	store    VectorStore
	embedder Embedder
	source   MessageSource
	opts     RetrievalOptions
	now      func() time.Time
}

func NewRetriever(store VectorStore, embedder Embedder, source MessageSource, opts RetrievalOptions) *Retriever {
	if opts.DedupPrefix <= 0 {
		opts.DedupPrefix = DefaultRetrievalOptions().DedupPrefix
	}
	return &Retriever{store: store, embedder: embedder, source: source, opts: opts, now: time.Now}
}

func normalizeQuery(q domain.RetrievalQuery) (domain.RetrievalQuery, error) {
	if q.Strategy == "" {
		q.Strategy = domain.StrategyHybrid
	}
	if q.TimeRange == "" {
		q.TimeRange = domain.TimeRangeRecent
	}
	if !q.Strategy.Valid() {
		return q, fmt.Errorf("%w: unknown strategy %q", ErrInvalidQuery, q.Strategy)
	}
	if !q.TimeRange.Valid() {
		return q, fmt.Errorf("%w: unknown time range %q", ErrInvalidQuery, q.TimeRange)
	}
	if q.ConversationKind != "" && !q.ConversationKind.Valid() {
		return q, fmt.Errorf("%w: unknown conversation kind %q", ErrInvalidQuery, q.ConversationKind)
	}
	if q.TopK <= 0 {
		return q, fmt.Errorf("%w: top_k must be positive", ErrInvalidQuery)
	}
	return q, nil
}

// Retrieve returns an empty response for a blank query or a cancelled context.
// Only malformed queries produce an error.
func (r *Retriever) Retrieve(ctx context.Context, q domain.RetrievalQuery) (domain.RetrievalResponse, error) {
	if strings.TrimSpace(q.Query) == "" {
		return domain.EmptyResponse(), nil
	}
	q, err := normalizeQuery(q)
	if err != nil {
		return domain.RetrievalResponse{}, err
	}

	start := time.Now()
	scope := q.Scope()
	cutoff, bounded := q.TimeRange.Cutoff(r.now())
	if !bounded {
		cutoff = time.Time{}
	}
	fetchK := max(q.TopK*4, minFetchK)
	pool := q.TimeRange.Pool()

	strategy := q.Strategy
	var merged []candidate
	switch strategy {
	case domain.StrategyVector:
		merged, err = r.vectorSearch(ctx, q.Query, scope, cutoff, fetchK)
		if errors.Is(err, ErrStoreNotReady) {
			commonlog.Warnf("event=rag_retrieve status=fallback from=vector to=keyword reason=store_not_ready")
			strategy = domain.StrategyKeyword
			merged = r.keywordSearch(ctx, q.Query, scope, cutoff, pool)
		}
	case domain.StrategyKeyword:
		merged = r.keywordSearch(ctx, q.Query, scope, cutoff, pool)
	default:
		merged = r.hybridSearch(ctx, q.Query, scope, cutoff, fetchK, pool)
	}
	if ctx.Err() != nil {
		commonlog.Debugf("event=rag_retrieve status=cancelled strategy=%s", q.Strategy)
		return domain.EmptyResponse(), nil
	}

	results := r.rank(merged, r.opts.minRelevance(strategy), q.TopK)
	commonlog.Infof("event=rag_retrieve status=ok strategy=%s effective=%s time_range=%s candidates=%d results=%d latency_ms=%d",
		q.Strategy, strategy, q.TimeRange, len(merged), len(results.Sources), time.Since(start).Milliseconds())
	return results, nil
}

func (r *Retriever) rank(cands []candidate, minRelevance float64, topK int) domain.RetrievalResponse {
	kept := make([]candidate, 0, len(cands))
	for _, c := range cands {
		if c.relevance >= minRelevance {
			kept = append(kept, c)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].relevance != kept[j].relevance {
			return kept[i].relevance > kept[j].relevance
		}
		if !kept[i].metadata.Timestamp.Equal(kept[j].metadata.Timestamp) {
			return kept[i].metadata.Timestamp.After(kept[j].metadata.Timestamp)
		}
		return kept[i].content < kept[j].content
	})
	if len(kept) > topK {
		kept = kept[:topK]
	}

	resp := domain.RetrievalResponse{
		Documents: make([]string, 0, len(kept)),
		Sources:   make([]domain.RetrievalResult, 0, len(kept)),
	}
	for _, c := range kept {
		resp.Documents = append(resp.Documents, c.content)
		resp.Sources = append(resp.Sources, domain.RetrievalResult{
			Content:   c.content,
			Metadata:  c.metadata,
			Relevance: math.Min(1, c.relevance),
		})
	}
	return resp
}

// vectorSearch returns ErrStoreNotReady untouched so callers can fall back.
func (r *Retriever) vectorSearch(ctx context.Context, query string, scope domain.Scope, cutoff time.Time, fetchK int) ([]candidate, error) {
	if !r.store.Ready() {
		return nil, ErrStoreNotReady
	}
	emb, ok := r.embedder.Embed(ctx, query)
	if !ok {
		return nil, nil
	}
	hits, err := r.store.Search(ctx, emb.Vector, scope, fetchK)
	if err != nil {
		if !errors.Is(err, ErrStoreNotReady) && ctx.Err() == nil {
			commonlog.Warnf("event=rag_retrieve action=vector status=degraded err=%v", err)
		}
		return nil, err
	}
	out := make([]candidate, 0, len(hits))
	for _, h := range hits {
		if !cutoff.IsZero() && h.Record.Metadata.Timestamp.Before(cutoff) {
			continue
		}
		if h.Similarity <= 0 {
			continue
		}
		out = append(out, candidate{content: h.Record.Text, metadata: h.Record.Metadata, relevance: h.Similarity})
	}
	return out, nil
}

func (r *Retriever) keywordSearch(ctx context.Context, query string, scope domain.Scope, cutoff time.Time, pool int) []candidate {
	if r.source == nil {
		return nil
	}
	keywords := ExtractKeywords(query)
	if len(keywords) == 0 {
		return nil
	}
	msgs, err := r.source.FindByConversation(ctx, scope.Kind, scope.ConversationID, MessageQuery{Since: cutoff, Limit: pool, Keywords: keywords})
	if err != nil {
		if ctx.Err() == nil {
			commonlog.Warnf("event=rag_retrieve action=keyword status=degraded err=%v", err)
		}
		return nil
	}
	out := make([]candidate, 0, len(msgs))
	for _, m := range msgs {
		if m.MessageKind != "" && m.MessageKind != domain.MessageKindText {
			continue
		}
		if rel := KeywordRelevance(m.Content, keywords); rel > 0 {
			out = append(out, candidate{content: m.Content, metadata: m.Metadata(), relevance: rel})
		}
	}
	return out
}

func (r *Retriever) recencySearch(ctx context.Context, scope domain.Scope, cutoff time.Time, pool int) []candidate {
	if r.source == nil || scope.ConversationID == "" {
		return nil
	}
	var (
		msgs []domain.Message
		err  error
	)
	if cutoff.IsZero() {
		msgs, err = r.source.FindRecent(ctx, scope.Kind, scope.ConversationID, pool)
	} else {
		msgs, err = r.source.FindByConversation(ctx, scope.Kind, scope.ConversationID, MessageQuery{Since: cutoff, Limit: pool})
	}
	if err != nil {
		if ctx.Err() == nil {
			commonlog.Warnf("event=rag_retrieve action=recency status=degraded err=%v", err)
		}
		return nil
	}
	out := make([]candidate, 0, len(msgs))
	for _, m := range msgs {
		if strings.TrimSpace(m.Content) == "" || (m.MessageKind != "" && m.MessageKind != domain.MessageKindText) {
			continue
		}
		out = append(out, candidate{content: m.Content, metadata: m.Metadata(), relevance: r.opts.RecencyBaseline})
	}
	return out
}

func (r *Retriever) hybridSearch(ctx context.Context, query string, scope domain.Scope, cutoff time.Time, fetchK, pool int) []candidate {
	var vectorHits, keywordHits, recentHits []candidate
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hits, err := r.vectorSearch(gctx, query, scope, cutoff, fetchK)
		if err == nil {
			vectorHits = hits
		}
		return nil
	})
	g.Go(func() error {
		keywordHits = r.keywordSearch(gctx, query, scope, cutoff, pool)
		return nil
	})
	g.Go(func() error {
		recentHits = r.recencySearch(gctx, scope, cutoff, pool)
		return nil
	})
	_ = g.Wait()

	return r.merge(vectorHits, keywordHits, recentHits)
}

// merge sums weighted vector and keyword relevance per dedup key. Recency
// candidates only fill keys nobody else produced. Each source counts once per key.
func (r *Retriever) merge(vectorHits, keywordHits, recentHits []candidate) []candidate {
	merged := make([]candidate, 0, len(vectorHits)+len(keywordHits)+len(recentHits))
	index := map[string]int{}

	vectorSeen := map[string]struct{}{}
	for _, c := range vectorHits {
		key := dedupKey(c.content, r.opts.DedupPrefix)
		if _, ok := vectorSeen[key]; ok {
			continue
		}
		vectorSeen[key] = struct{}{}
		c.relevance *= r.opts.HybridWeight
		index[key] = len(merged)
		merged = append(merged, c)
	}

	keywordSeen := map[string]struct{}{}
	for _, c := range keywordHits {
		key := dedupKey(c.content, r.opts.DedupPrefix)
		if _, ok := keywordSeen[key]; ok {
			continue
		}
		keywordSeen[key] = struct{}{}
		weighted := c.relevance * (1 - r.opts.HybridWeight)
		if i, ok := index[key]; ok {
			merged[i].relevance += weighted
			continue
		}
		c.relevance = weighted
		index[key] = len(merged)
		merged = append(merged, c)
	}

	for _, c := range recentHits {
		key := dedupKey(c.content, r.opts.DedupPrefix)
		if _, ok := index[key]; ok {
			continue
		}
		index[key] = len(merged)
		merged = append(merged, c)
	}
	return merged
}

// dedupKey is the lowercased, whitespace-collapsed first n runes of content.
func dedupKey(content string, n int) string {
	collapsed := strings.ToLower(strings.Join(strings.Fields(content), " "))
	runes := []rune(collapsed)
	if len(runes) > n {
		runes = runes[:n]
	}
	return string(runes)
}
