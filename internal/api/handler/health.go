package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mangalm/invoice-ingest/internal/pipeline"
	"gorm.io/gorm"
)

// HealthHandler reports process health: database reachability, worker pool
// availability, breaker states, and the latest metrics snapshot.
type HealthHandler struct {
	db      *gorm.DB
	metrics *pipeline.Aggregator
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(db *gorm.DB, metrics *pipeline.Aggregator) *HealthHandler {
	return &HealthHandler{db: db, metrics: metrics}
}

// Health returns the health status of the service.
func (h *HealthHandler) Health(c *gin.Context) {
	status := "ok"
	code := http.StatusOK

	dbStatus := "ok"
	if sqlDB, err := h.db.DB(); err != nil {
		dbStatus = err.Error()
	} else if err := sqlDB.PingContext(c.Request.Context()); err != nil {
		dbStatus = err.Error()
	}
	if dbStatus != "ok" {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	snap := h.metrics.Snapshot()
	if snap.Pool.Size > 0 && snap.Pool.Busy >= snap.Pool.Size && snap.Pool.QueueDepth > 0 {
		status = "busy"
	}

	c.JSON(code, gin.H{
		"status":   status,
		"database": dbStatus,
		"snapshot": snap,
	})
}
