package api

import (
	"msg_rag/server/common/transport/httpresp"
	"msg_rag/server/ragman/domain"
)

const (
	ErrInvalidRequestBody = httpresp.ErrInvalidRequestBody
	ErrInternal           = httpresp.ErrInternal
	ErrNotFound           = httpresp.ErrNotFound
	ErrSinceMustBeRFC3339 = httpresp.ErrSinceMustBeRFC3339
)

type ErrorResponse = httpresp.ErrorResponse
type IDResponse = httpresp.IDResponse

type HealthResponse struct {
	Status string `json:"status"`
}

type EnqueueResponse struct {
	Queued      bool `json:"queued"`
	QueueLength int  `json:"queue_length"`
}

type IndexResponse struct {
	ID      string `json:"id,omitempty"`
	Indexed bool   `json:"indexed"`
}

type RetrieveResponse = domain.RetrievalResponse
type ContextResponse = domain.ContextResponse
type StatsResponse = domain.Stats
type HistoricalResponse = domain.BatchResult

func NewErrorResponse(message string) ErrorResponse {
	return httpresp.NewErrorResponse(message)
}

func NewIDResponse(id string) IDResponse {
	return httpresp.NewIDResponse(id)
}

func NewHealthResponse(status string) HealthResponse {
	return HealthResponse{Status: status}
}

func NewEnqueueResponse(queued bool, queueLength int) EnqueueResponse {
	return EnqueueResponse{Queued: queued, QueueLength: queueLength}
}

func NewIndexResponse(id string, indexed bool) IndexResponse {
	return IndexResponse{ID: id, Indexed: indexed}
}
