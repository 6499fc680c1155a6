package service

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	commonlog "msg_rag/server/common/log"
	"msg_rag/server/ragman/domain"
)

var recordNamespace = uuid.MustParse("6f1c3c52-8f1e-4b8e-9b7a-2f3c1d0e5a11")

const (
	payloadRecordID         = "record_id"
	payloadText             = "text"
	payloadSenderID         = "sender_id"
	payloadSenderName       = "sender_name"
	payloadTimestamp        = "timestamp_ms"
	payloadConversationKind = "conversation_kind"
	payloadConversationID   = "conversation_id"
	payloadMessageKind      = "message_kind"
)

// QdrantStore is the ANN-backed VectorStore. Record ids are mapped to
// name-based UUIDs; the original id travels in the payload.
type QdrantStore struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
	collection  string
	dim         int
	ready       atomic.Bool
}

func NewQdrantStore(addr, collection string, dim int) (*QdrantStore, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial qdrant %s: %w", addr, err)
	}
	return &QdrantStore{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		collection:  collection,
		dim:         dim,
	}, nil
}

func (s *QdrantStore) Close() error {
	return s.conn.Close()
}

func (s *QdrantStore) Type() string {
	return "qdrant"
}

func (s *QdrantStore) Init(ctx context.Context) error {
	if s.ready.Load() {
		return nil
	}
	list, err := s.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("list qdrant collections: %w", err)
	}
	exists := false
	for _, c := range list.GetCollections() {
		if c.GetName() == s.collection {
			exists = true
			break
		}
	}
	if !exists {
		_, err = s.collections.Create(ctx, &pb.CreateCollection{
			CollectionName: s.collection,
			VectorsConfig: &pb.VectorsConfig{
				Config: &pb.VectorsConfig_Params{
					Params: &pb.VectorParams{Size: uint64(s.dim), Distance: pb.Distance_Cosine},
				},
			},
		})
		if err != nil {
			return fmt.Errorf("create qdrant collection %s: %w", s.collection, err)
		}
		commonlog.Infof("event=rag_store_init action=create_collection status=ok collection=%s dim=%d", s.collection, s.dim)
	}
	s.ready.Store(true)
	return nil
}

func (s *QdrantStore) Ready() bool {
	return s.ready.Load()
}

func (s *QdrantStore) Add(ctx context.Context, rec domain.IndexedRecord) (bool, error) {
	if err := validateRecord(rec, s.dim); err != nil {
		return false, err
	}
	if !s.ready.Load() {
		return false, ErrStoreNotReady
	}
	exists, err := s.exists(ctx, rec.ID)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	wait := true
	_, err = s.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: s.collection,
		Wait:           &wait,
		Points: []*pb.PointStruct{{
			Id:      pointID(rec.ID),
			Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: rec.Embedding}}},
			Payload: recordPayload(rec),
		}},
	})
	if err != nil {
		return false, fmt.Errorf("upsert qdrant point id=%s: %w", rec.ID, err)
	}
	return true, nil
}

func (s *QdrantStore) Search(ctx context.Context, embedding []float32, scope domain.Scope, topK int) ([]ScoredRecord, error) {
	if !s.ready.Load() {
		return nil, ErrStoreNotReady
	}
	if topK <= 0 {
		return []ScoredRecord{}, nil
	}
	req := &pb.SearchPoints{
		CollectionName: s.collection,
		Vector:         embedding,
		Limit:          uint64(topK),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
		WithVectors:    &pb.WithVectorsSelector{SelectorOptions: &pb.WithVectorsSelector_Enable{Enable: true}},
		Filter:         scopeFilter(scope),
	}
	resp, err := s.points.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search qdrant: %w", err)
	}

	hits := make([]ScoredRecord, 0, len(resp.GetResult()))
	for _, r := range resp.GetResult() {
		rec := recordFromPayload(r.GetPayload())
		rec.Embedding = r.GetVectors().GetVector().GetData()
		sim := math.Max(-1, math.Min(1, float64(r.GetScore())))
		hits = append(hits, ScoredRecord{Record: rec, Similarity: sim})
	}
	sortScored(hits)
	return hits, nil
}

func (s *QdrantStore) Delete(ctx context.Context, id string) (bool, error) {
	if !s.ready.Load() {
		return false, nil
	}
	exists, err := s.exists(ctx, id)
	if err != nil || !exists {
		return false, err
	}
	wait := true
	_, err = s.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: s.collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{Points: &pb.PointsIdsList{Ids: []*pb.PointId{pointID(id)}}},
		},
	})
	if err != nil {
		return false, fmt.Errorf("delete qdrant point id=%s: %w", id, err)
	}
	return true, nil
}

func (s *QdrantStore) Stats(ctx context.Context) domain.StoreStats {
	if !s.ready.Load() {
		return domain.StoreStats{}
	}
	exact := true
	resp, err := s.points.Count(ctx, &pb.CountPoints{CollectionName: s.collection, Exact: &exact})
	if err != nil {
		commonlog.Warnf("event=rag_store_stats status=error store=qdrant err=%v", err)
		return domain.StoreStats{Ready: true}
	}
	return domain.StoreStats{Count: int(resp.GetResult().GetCount()), Ready: true}
}

func (s *QdrantStore) exists(ctx context.Context, id string) (bool, error) {
	resp, err := s.points.Get(ctx, &pb.GetPoints{
		CollectionName: s.collection,
		Ids:            []*pb.PointId{pointID(id)},
	})
	if err != nil {
		return false, fmt.Errorf("get qdrant point id=%s: %w", id, err)
	}
	return len(resp.GetResult()) > 0, nil
}

func pointID(recordID string) *pb.PointId {
	return &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: uuid.NewSHA1(recordNamespace, []byte(recordID)).String()}}
}

func scopeFilter(scope domain.Scope) *pb.Filter {
	var must []*pb.Condition
	if scope.Kind != "" {
		// records with an unresolved kind carry "" and stay in scope
		must = append(must, fieldMatchAny(payloadConversationKind, string(scope.Kind), ""))
	}
	if scope.ConversationID != "" {
		must = append(must, fieldMatch(payloadConversationID, scope.ConversationID))
	}
	if len(must) == 0 {
		return nil
	}
	return &pb.Filter{Must: must}
}

func fieldMatch(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key:   key,
				Match: &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: value}},
			},
		},
	}
}

func fieldMatchAny(key string, values ...string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key:   key,
				Match: &pb.Match{MatchValue: &pb.Match_Keywords{Keywords: &pb.RepeatedStrings{Strings: values}}},
			},
		},
	}
}

func stringValue(v string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: v}}
}

func recordPayload(rec domain.IndexedRecord) map[string]*pb.Value {
	md := rec.Metadata
	return map[string]*pb.Value{
		payloadRecordID:         stringValue(rec.ID),
		payloadText:             stringValue(rec.Text),
		payloadSenderID:         stringValue(md.SenderID),
		payloadSenderName:       stringValue(md.SenderName),
		payloadTimestamp:        {Kind: &pb.Value_IntegerValue{IntegerValue: md.Timestamp.UnixMilli()}},
		payloadConversationKind: stringValue(string(md.ConversationKind)),
		payloadConversationID:   stringValue(md.ConversationID),
		payloadMessageKind:      stringValue(string(md.MessageKind)),
	}
}

func recordFromPayload(payload map[string]*pb.Value) domain.IndexedRecord {
	get := func(key string) string { return payload[key].GetStringValue() }
	return domain.IndexedRecord{
		ID:   get(payloadRecordID),
		Text: get(payloadText),
		Metadata: domain.RecordMetadata{
			SenderID:         get(payloadSenderID),
			SenderName:       get(payloadSenderName),
			Timestamp:        time.UnixMilli(payload[payloadTimestamp].GetIntegerValue()).UTC(),
			ConversationKind: domain.ConversationKind(get(payloadConversationKind)),
			ConversationID:   get(payloadConversationID),
			MessageKind:      domain.MessageKind(get(payloadMessageKind)),
		},
	}
}
