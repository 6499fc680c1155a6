package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	commonauth "msg_rag/server/common/auth"
	commonlog "msg_rag/server/common/log"
	"msg_rag/server/common/middleware"
	"msg_rag/server/ragman/domain"
	"msg_rag/server/ragman/service"
)

const (
	RoleAdmin = "admin"

	defaultTopK = 5
)

type Handler struct {
	rag  *service.RAGService
	auth *commonauth.Service
}

func NewHandler(rag *service.RAGService, jwtSecret string, jwtTTLMinutes int) *Handler {
	auth := commonauth.NewService(jwtSecret, jwtTTLMinutes)
	return &Handler{rag: rag, auth: auth}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, NewHealthResponse("ok")) })

	api := r.Group("/api/v1/rag")
	api.Use(middleware.AuthRequired(h.auth))
	{
		api.POST("/retrieve", h.retrieve)
		api.POST("/context", h.buildContext)
		api.GET("/stats", h.stats)
		api.POST("/messages/enqueue", h.enqueue)
		api.POST("/messages/index", h.indexNow)
		api.POST("/messages/historical", middleware.RequireRoles(RoleAdmin), h.indexHistorical)
		api.DELETE("/messages/:id", middleware.RequireRoles(RoleAdmin), h.deleteMessage)
	}
}

func (h *Handler) retrieve(c *gin.Context) {
	var req domain.RetrievalQuery
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(ErrInvalidRequestBody))
		return
	}
	if req.TopK <= 0 {
		req.TopK = defaultTopK
	}
	resp, err := h.rag.Retrieve(c.Request.Context(), req)
	if err != nil {
		respondServiceError(c, "retrieve", err)
		return
	}
	c.JSON(http.StatusOK, RetrieveResponse(resp))
}

func (h *Handler) buildContext(c *gin.Context) {
	var req struct {
		Query            string                  `json:"query"`
		ConversationKind domain.ConversationKind `json:"conversation_kind"`
		ConversationID   string                  `json:"conversation_id"`
		TimeRange        domain.TimeRange        `json:"time_range"`
		TopK             int                     `json:"top_k"`
		RecentLimit      int                     `json:"recent_limit"`
		MaxLength        int                     `json:"max_length"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(ErrInvalidRequestBody))
		return
	}
	resp, err := h.rag.BuildContext(c.Request.Context(), service.ContextRequest{
		Query:            req.Query,
		ConversationKind: req.ConversationKind,
		ConversationID:   req.ConversationID,
		TimeRange:        req.TimeRange,
		TopK:             req.TopK,
		RecentLimit:      req.RecentLimit,
		MaxLength:        req.MaxLength,
	})
	if err != nil {
		respondServiceError(c, "context", err)
		return
	}
	c.JSON(http.StatusOK, ContextResponse(resp))
}

func (h *Handler) stats(c *gin.Context) {
	c.JSON(http.StatusOK, StatsResponse(h.rag.Stats(c.Request.Context())))
}

func (h *Handler) enqueue(c *gin.Context) {
	var item domain.IngestionItem
	if err := c.ShouldBindJSON(&item); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(ErrInvalidRequestBody))
		return
	}
	queued := h.rag.Enqueue(item)
	c.JSON(http.StatusAccepted, NewEnqueueResponse(queued, h.rag.Stats(c.Request.Context()).QueueLength))
}

func (h *Handler) indexNow(c *gin.Context) {
	var item domain.IngestionItem
	if err := c.ShouldBindJSON(&item); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(ErrInvalidRequestBody))
		return
	}
	id, indexed, err := h.rag.IndexNow(c.Request.Context(), item)
	if err != nil {
		respondServiceError(c, "index", err)
		return
	}
	c.JSON(http.StatusOK, NewIndexResponse(id, indexed))
}

func (h *Handler) indexHistorical(c *gin.Context) {
	var req struct {
		Limit int    `json:"limit"`
		Since string `json:"since"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(ErrInvalidRequestBody))
		return
	}
	opts := service.HistoricalOptions{Limit: req.Limit}
	if since := strings.TrimSpace(req.Since); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			c.JSON(http.StatusBadRequest, NewErrorResponse(ErrSinceMustBeRFC3339))
			return
		}
		opts.Since = t
	}
	result, err := h.rag.IndexHistorical(c.Request.Context(), opts)
	if err != nil {
		respondServiceError(c, "historical", err)
		return
	}
	c.JSON(http.StatusOK, HistoricalResponse(result))
}

func (h *Handler) deleteMessage(c *gin.Context) {
	id := c.Param("id")
	deleted, err := h.rag.Delete(c.Request.Context(), id)
	if err != nil {
		respondServiceError(c, "delete", err)
		return
	}
	if !deleted {
		c.JSON(http.StatusNotFound, NewErrorResponse(ErrNotFound))
		return
	}
	c.JSON(http.StatusOK, NewIDResponse(id))
}

func respondServiceError(c *gin.Context, action string, err error) {
	if service.IsClientError(err) {
		c.JSON(http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	commonlog.Errorf("event=rag_api action=%s status=failed user_id=%s err=%v", action, c.GetString(middleware.ContextUserID), err)
	c.JSON(http.StatusInternalServerError, NewErrorResponse(ErrInternal))
}
