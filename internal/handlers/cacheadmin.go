package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/openmuse/gallery-backend/internal/cache"
	"github.com/openmuse/gallery-backend/internal/http/response"
	"github.com/openmuse/gallery-backend/internal/pkg/apperr"
	"github.com/openmuse/gallery-backend/internal/platform/logger"
)

// CacheAdminHandler is the write-path invalidation surface. Entity
// mutations in the surrounding product call it at (or immediately after)
// commit.
type CacheAdminHandler struct {
	cache cache.Cache
	log   *logger.Logger
}

func NewCacheAdminHandler(c cache.Cache, baseLog *logger.Logger) *CacheAdminHandler {
	return &CacheAdminHandler{cache: c, log: baseLog.With("handler", "CacheAdminHandler")}
}

type invalidateRequest struct {
	Keys    []string `json:"keys"`
	Pattern string   `json:"pattern"`
}

func (h *CacheAdminHandler) Invalidate(c *gin.Context) {
	var req invalidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_body", apperr.ErrInvalidArgument)
		return
	}
	if len(req.Keys) == 0 && req.Pattern == "" {
		response.RespondError(c, http.StatusBadRequest, "empty_invalidation", apperr.ErrInvalidArgument)
		return
	}

	var patternRemoved int64
	if len(req.Keys) > 0 {
		h.cache.Del(c.Request.Context(), req.Keys...)
	}
	if req.Pattern != "" {
		patternRemoved = h.cache.InvalidatePattern(c.Request.Context(), req.Pattern)
	}
	response.RespondOK(c, gin.H{
		"keys_deleted":    len(req.Keys),
		"pattern_removed": patternRemoved,
	})
}

func (h *CacheAdminHandler) Metrics(c *gin.Context) {
	metrics, err := h.cache.CurrentMetrics(c.Request.Context())
	if err != nil {
		h.log.Warn("cache metrics read failed", "error", err)
		response.RespondError(c, http.StatusInternalServerError, "metrics_read_failed", err)
		return
	}
	response.RespondOK(c, metrics)
}

func (h *CacheAdminHandler) ResetMetrics(c *gin.Context) {
	h.cache.ResetMetrics(c.Request.Context())
	response.RespondOK(c, gin.H{"reset": true})
}
