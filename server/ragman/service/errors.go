package service

import "errors"

var (
	ErrStoreNotReady        = errors.New("vector store is not ready")
	ErrInvalidQuery         = errors.New("invalid retrieval query")
	ErrInvalidRecord        = errors.New("invalid indexed record")
	ErrInvalidItem          = errors.New("invalid ingestion item")
	ErrEmbeddingUnavailable = errors.New("embedding provider unavailable")
	ErrIndexerNotRunning    = errors.New("message indexer is not running")
)
