package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/openmuse/gallery-backend/internal/divergence"
	"github.com/openmuse/gallery-backend/internal/health"
	"github.com/openmuse/gallery-backend/internal/http/response"
	"github.com/openmuse/gallery-backend/internal/platform/logger"
)

type HealthHandler struct {
	collector *health.Collector
	div       *divergence.Logger
	log       *logger.Logger
}

func NewHealthHandler(collector *health.Collector, div *divergence.Logger, baseLog *logger.Logger) *HealthHandler {
	return &HealthHandler{
		collector: collector,
		div:       div,
		log:       baseLog.With("handler", "HealthHandler"),
	}
}

func (h *HealthHandler) HealthCheck(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

// MigrationHealth composes the full migration-readiness document.
func (h *HealthHandler) MigrationHealth(c *gin.Context) {
	report := h.collector.Report(c.Request.Context())
	response.RespondOK(c, report)
}

// RecentDivergence lists the newest divergence records for inspection.
func (h *HealthHandler) RecentDivergence(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	records, err := h.div.Recent(c.Request.Context(), limit)
	if err != nil {
		h.log.Error("divergence listing failed", "error", err)
		response.RespondError(c, http.StatusInternalServerError, "divergence_read_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"records": records})
}
