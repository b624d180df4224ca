package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"printer-timelapse-backend/internal/model"
	"printer-timelapse-backend/internal/monitor"
)

const (
	defaultBatchLimit = 20
	maxBatchLimit     = 200
)

type statusResponse struct {
	monitor.Status
	LastBatch *model.TransferBatch `json:"lastBatch"`
}

// GetStatus handles GET /api/status.
func (h *Handler) GetStatus(c *gin.Context) {
	resp := statusResponse{Status: h.status.Snapshot()}

	latest, err := h.store.LatestBatch(c.Request.Context())
	switch {
	case err == nil:
		resp.LastBatch = latest
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		h.log.Error("failed to load latest batch", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve latest batch"})
		return
	}

	c.JSON(http.StatusOK, resp)
}

// ListBatches handles GET /api/batches?limit=N, newest first.
func (h *Handler) ListBatches(c *gin.Context) {
	limit := defaultBatchLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
			return
		}
		limit = min(n, maxBatchLimit)
	}

	batches, err := h.store.ListBatches(c.Request.Context(), limit)
	if err != nil {
		h.log.Error("failed to list batches", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve batches"})
		return
	}
	if batches == nil {
		batches = []model.TransferBatch{}
	}
	c.JSON(http.StatusOK, batches)
}

// GetBatch handles GET /api/batches/:id including per-file outcomes.
func (h *Handler) GetBatch(c *gin.Context) {
	batch, err := h.store.GetBatch(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "batch not found"})
			return
		}
		h.log.Error("failed to load batch", zap.String("batch_id", c.Param("id")), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve batch"})
		return
	}
	c.JSON(http.StatusOK, batch)
}

// PostDownload handles POST /api/downloads. The batch runs on the event
// consumer, after anything already queued.
func (h *Handler) PostDownload(c *gin.Context) {
	if !h.trigger.SubmitManual() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event queue is full"})
		return
	}
	h.log.Info("manual download queued", zap.String("client_ip", c.ClientIP()))
	c.JSON(http.StatusAccepted, gin.H{"queued": true})
}

// Healthz reports whether the database is reachable.
func (h *Handler) Healthz(c *gin.Context) {
	db := h.store.DB()
	if db == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	sqlDB, err := db.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
