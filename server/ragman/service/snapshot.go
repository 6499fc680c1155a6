package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/minio/minio-go/v7"

	"msg_rag/server/common/infra/object"
	"msg_rag/server/ragman/domain"
)

const snapshotContentType = "application/json"

type snapshotFile struct {
	Version int                    `json:"version"`
	Records []domain.IndexedRecord `json:"records"`
}

// MinIOSnapshotStore keeps the MemoryStore contents as one JSON object.
type MinIOSnapshotStore struct {
	client *minio.Client
	bucket string
	key    string
}

func NewMinIOSnapshotStore(client *minio.Client, bucket, key string) *MinIOSnapshotStore {
	return &MinIOSnapshotStore{client: client, bucket: bucket, key: key}
}

func (s *MinIOSnapshotStore) Load(ctx context.Context) ([]domain.IndexedRecord, error) {
	if err := object.EnsureBucket(ctx, s.client, s.bucket); err != nil {
		return nil, fmt.Errorf("ensure snapshot bucket: %w", err)
	}
	raw, err := object.GetBytes(ctx, s.client, s.bucket, s.key)
	if errors.Is(err, object.ErrObjectNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeSnapshot(raw)
}

func (s *MinIOSnapshotStore) Save(ctx context.Context, records []domain.IndexedRecord) error {
	raw, err := encodeSnapshot(records)
	if err != nil {
		return err
	}
	return object.PutBytes(ctx, s.client, s.bucket, s.key, snapshotContentType, raw)
}

func encodeSnapshot(records []domain.IndexedRecord) ([]byte, error) {
	raw, err := json.Marshal(snapshotFile{Version: 1, Records: records})
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return raw, nil
}

func decodeSnapshot(raw []byte) ([]domain.IndexedRecord, error) {
	var file snapshotFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if file.Version != 1 {
		return nil, fmt.Errorf("decode snapshot: unsupported version %d", file.Version)
	}
	return file.Records, nil
}
