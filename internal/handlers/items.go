package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/openmuse/gallery-backend/internal/cache"
	"github.com/openmuse/gallery-backend/internal/config"
	"github.com/openmuse/gallery-backend/internal/counters"
	"github.com/openmuse/gallery-backend/internal/http/response"
	"github.com/openmuse/gallery-backend/internal/middleware"
	"github.com/openmuse/gallery-backend/internal/pkg/apperr"
	"github.com/openmuse/gallery-backend/internal/platform/envutil"
	"github.com/openmuse/gallery-backend/internal/platform/logger"
	"github.com/openmuse/gallery-backend/internal/store"
	"github.com/openmuse/gallery-backend/internal/types"
)

type ItemHandler struct {
	engine counters.Engine
	sel    *store.Selector
	cache  cache.Cache
	flags  config.FeatureFlagSet
	ttl    time.Duration
	log    *logger.Logger
}

func NewItemHandler(engine counters.Engine, sel *store.Selector, c cache.Cache, flags config.FeatureFlagSet, baseLog *logger.Logger) *ItemHandler {
	return &ItemHandler{
		engine: engine,
		sel:    sel,
		cache:  c,
		flags:  flags,
		ttl:    envutil.Duration("CACHE_TTL_SECONDS", 300, time.Second),
		log:    baseLog.With("handler", "ItemHandler"),
	}
}

type trackRequest struct {
	Kind string `json:"kind" binding:"required"`
}

// Track ingests one view/copy event. The write is buffered and
// best-effort: a storage failure is logged, never shown to the visitor.
func (h *ItemHandler) Track(c *gin.Context) {
	itemID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_item_id", apperr.ErrInvalidArgument)
		return
	}
	var req trackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_body", apperr.ErrInvalidArgument)
		return
	}
	kind := types.CounterKind(req.Kind)
	if !kind.Valid() {
		response.RespondError(c, http.StatusBadRequest, "invalid_kind",
			fmt.Errorf("%w: kind must be view or copy", apperr.ErrInvalidArgument))
		return
	}

	h.engine.Record(c.Request.Context(), itemID, kind, c.GetString(middleware.ActorIDKey))
	c.JSON(http.StatusAccepted, gin.H{"accepted": true})
}

// GetItem reads through the cache unless realtime counters are flagged
// on, in which case the selector is hit directly.
func (h *ItemHandler) GetItem(c *gin.Context) {
	itemID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_item_id", apperr.ErrInvalidArgument)
		return
	}

	if h.flags.RealtimeEnabled {
		rec, err := h.sel.GetItem(c.Request.Context(), itemID)
		if err != nil {
			h.log.Error("item read failed", "item_id", itemID, "error", err)
			response.RespondError(c, http.StatusInternalServerError, "read_failed", err)
			return
		}
		if !rec.Exists {
			response.RespondError(c, http.StatusNotFound, "not_found", apperr.ErrNotFound)
			return
		}
		response.RespondOK(c, rec)
		return
	}

	raw, err := h.cache.GetOrFetch(c.Request.Context(), itemCacheKey(itemID), h.ttl, func(ctx context.Context) (interface{}, error) {
		rec, err := h.sel.GetItem(ctx, itemID)
		if err != nil {
			return nil, err
		}
		if !rec.Exists {
			return nil, apperr.ErrNotFound
		}
		return rec, nil
	})
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			response.RespondError(c, http.StatusNotFound, "not_found", apperr.ErrNotFound)
			return
		}
		h.log.Error("item read failed", "item_id", itemID, "error", err)
		response.RespondError(c, http.StatusInternalServerError, "read_failed", err)
		return
	}
	c.Data(http.StatusOK, "application/json", raw)
}

func (h *ItemHandler) ListItems(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	records, err := h.sel.ListItems(c.Request.Context(), limit, offset)
	if err != nil {
		h.log.Error("item list failed", "error", err)
		response.RespondError(c, http.StatusInternalServerError, "list_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"items": records})
}

// InvalidateItem drops an item's cache entry. Entity-mutating operations
// call this at commit time.
func (h *ItemHandler) InvalidateItem(ctx context.Context, itemID uuid.UUID) {
	h.cache.Del(ctx, itemCacheKey(itemID))
}

func itemCacheKey(itemID uuid.UUID) string {
	return "item:" + itemID.String()
}
