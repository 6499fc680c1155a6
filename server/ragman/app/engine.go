package app

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/time/rate"

	"msg_rag/server/common/infra/cache"
	"msg_rag/server/common/infra/db"
	commondbman "msg_rag/server/common/infra/dbman"
	"msg_rag/server/common/infra/object"
	commonlog "msg_rag/server/common/log"
	"msg_rag/server/ragman/service"
)

// Engine is the RAG service plus the backing clients it was built from.
// Both the HTTP server and ragctl construct one through BuildEngine.
type Engine struct {
	RAG     *service.RAGService
	closers []func()
}

func BuildEngine(ctx context.Context, cfg Config) (*Engine, error) {
	e := &Engine{}
	ok := false
	defer func() {
		if !ok {
			e.closeClients()
		}
	}()

	embedder, err := e.buildEmbedder(ctx, cfg)
	if err != nil {
		return nil, err
	}
	store, err := e.buildStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	source, err := e.buildSource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	e.RAG = service.NewRAGService(store, embedder, source, service.Options{
		Indexer: service.IndexerOptions{
			BatchSize:       cfg.IndexBatchSize,
			Interval:        cfg.IndexInterval,
			QueueCapacity:   cfg.IndexQueueCapacity,
			HistoricalChunk: cfg.HistoricalChunk,
			Concurrency:     cfg.IndexConcurrency,
		},
		Retrieval: service.RetrievalOptions{
			HybridWeight:        cfg.HybridWeight,
			MinRelevanceVector:  cfg.MinRelevanceVector,
			MinRelevanceKeyword: cfg.MinRelevanceKeyword,
			MinRelevanceHybrid:  cfg.MinRelevanceHybrid,
			RecencyBaseline:     cfg.RecencyBaseline,
			DedupPrefix:         cfg.DedupPrefix,
		},
		MaxContextLength: cfg.MaxContextLength,
		RecentLines:      cfg.RecentLines,
		ContextTopK:      cfg.ContextTopK,
	})
	commonlog.Infof("event=rag_engine action=build status=ok store=%s embedding_mode=%s source=%s",
		store.Type(), embedder.Mode(), cfg.MessageSource)
	ok = true
	return e, nil
}

func (e *Engine) buildEmbedder(ctx context.Context, cfg Config) (*service.EmbeddingProvider, error) {
	opts := service.EmbeddingOptions{Dim: cfg.EmbeddingDim, Timeout: cfg.EmbeddingTimeout}
	if strings.TrimSpace(cfg.EmbeddingEndpoint) == "" {
		return service.NewEmbeddingProvider(opts), nil
	}

	opts.Remote = service.NewHTTPEmbedder(cfg.EmbeddingEndpoint, cfg.EmbeddingAPIKey, cfg.EmbeddingModel, cfg.EmbeddingDim, cfg.EmbeddingTimeout)
	if cfg.EmbeddingRPS > 0 {
		opts.Limiter = rate.NewLimiter(rate.Limit(cfg.EmbeddingRPS), max(cfg.EmbeddingBurst, 1))
	}
	if cfg.EmbeddingCacheOn {
		redisClient := cache.NewClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := cache.Ping(ctx, redisClient); err != nil {
			_ = redisClient.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		e.onClose(func() { _ = redisClient.Close() })
		opts.Cache = service.NewRedisEmbeddingCache(redisClient, cfg.EmbeddingCacheTTL)
	}
	return service.NewEmbeddingProvider(opts), nil
}

func (e *Engine) buildStore(ctx context.Context, cfg Config) (service.VectorStore, error) {
	switch cfg.StoreBackend {
	case StoreQdrant:
		store, err := service.NewQdrantStore(cfg.QdrantAddr, cfg.QdrantCollection, cfg.EmbeddingDim)
		if err != nil {
			return nil, fmt.Errorf("initialize qdrant: %w", err)
		}
		e.onClose(func() { _ = store.Close() })
		return store, nil
	case StoreMemory, "":
		if !cfg.SnapshotEnabled {
			return service.NewMemoryStore(cfg.EmbeddingDim, nil), nil
		}
		minioClient, err := object.NewClient(cfg.MinIOEndpoint, cfg.MinIOAccessKey, cfg.MinIOSecretKey, cfg.MinIOUseSSL)
		if err != nil {
			return nil, fmt.Errorf("initialize minio: %w", err)
		}
		if err := object.EnsureBucket(ctx, minioClient, cfg.SnapshotBucket); err != nil {
			return nil, fmt.Errorf("ensure snapshot bucket: %w", err)
		}
		snap := service.NewMinIOSnapshotStore(minioClient, cfg.SnapshotBucket, cfg.SnapshotKey)
		return service.NewMemoryStore(cfg.EmbeddingDim, snap), nil
	default:
		return nil, fmt.Errorf("unknown vector store %q", cfg.StoreBackend)
	}
}

func (e *Engine) buildSource(ctx context.Context, cfg Config) (service.MessageSource, error) {
	switch cfg.MessageSource {
	case SourcePostgres, "":
		pool, err := db.NewPool(ctx, cfg.PostgresDSN, db.PoolOptions{MaxConns: int32(cfg.PostgresMaxConns)})
		if err != nil {
			return nil, fmt.Errorf("initialize postgres: %w", err)
		}
		e.onClose(pool.Close)
		return service.NewPGMessageStore(pool), nil
	case SourceDBMan:
		client := commondbman.NewClient(commondbman.Options{
			Timeout:          cfg.DBManTimeout,
			FailThreshold:    cfg.DBManFailThreshold,
			EndpointCooldown: cfg.DBManEndpointCooldown,
		}, cfg.DBManEndpoints...)
		return service.NewDBManMessageStore(client), nil
	case SourceNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown message source %q", cfg.MessageSource)
	}
}

func (e *Engine) onClose(fn func()) {
	e.closers = append(e.closers, fn)
}

func (e *Engine) closeClients() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	e.closers = nil
}

// Close stops the indexer, persists the store and releases every client.
func (e *Engine) Close(ctx context.Context) error {
	var err error
	if e.RAG != nil {
		err = e.RAG.Close(ctx)
	}
	e.closeClients()
	return err
}
