package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mangalm/invoice-ingest/internal/api/middleware"
	"github.com/mangalm/invoice-ingest/internal/pipeline"
	"github.com/mangalm/invoice-ingest/internal/repository"
)

// JobHandler exposes the job lifecycle over HTTP.
type JobHandler struct {
	orch *pipeline.Orchestrator
	errs *repository.ErrorRepository
}

// NewJobHandler creates a new job handler.
func NewJobHandler(orch *pipeline.Orchestrator, errs *repository.ErrorRepository) *JobHandler {
	return &JobHandler{orch: orch, errs: errs}
}

// SubmitRequest is the submission payload for POST /api/v1/jobs.
type SubmitRequest struct {
	SourceRef       string `json:"source_ref" binding:"required"`
	Priority        int    `json:"priority"`
	ChunkSize       int    `json:"chunk_size"`
	MaxRetries      int    `json:"max_retries"`
	SkipOnDuplicate *bool  `json:"skip_on_duplicate"`
	TotalRows       int    `json:"total_rows"`
}

// Submit accepts a new ingestion job and schedules it asynchronously.
func (h *JobHandler) Submit(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	if req.ChunkSize < 0 || req.MaxRetries < 0 || req.TotalRows < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "negative values are not allowed"})
		return
	}

	job, err := h.orch.Submit(c.Request.Context(), pipeline.SubmitOptions{
		SourceRef:       req.SourceRef,
		Priority:        req.Priority,
		ChunkSize:       req.ChunkSize,
		MaxRetries:      req.MaxRetries,
		SkipOnDuplicate: req.SkipOnDuplicate,
		TotalRows:       req.TotalRows,
	})
	if err != nil {
		if errors.Is(err, pipeline.ErrShuttingDown) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		middleware.GetLogger(c).WithError(err).Error("Failed to submit job")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to submit job"})
		return
	}

	c.JSON(http.StatusAccepted, job)
}

// Get returns the live status of a job.
func (h *JobHandler) Get(c *gin.Context) {
	view, err := h.orch.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, pipeline.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		middleware.GetLogger(c).WithError(err).Error("Failed to load job status")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load job"})
		return
	}
	c.JSON(http.StatusOK, view)
}

// Cancel requests cancellation of a running job.
func (h *JobHandler) Cancel(c *gin.Context) {
	err := h.orch.Cancel(c.Request.Context(), c.Param("id"))
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"status": "cancelling"})
	case errors.Is(err, pipeline.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
	case errors.Is(err, pipeline.ErrJobNotCancelable):
		c.JSON(http.StatusConflict, gin.H{"error": "job already finished"})
	default:
		middleware.GetLogger(c).WithError(err).Error("Failed to cancel job")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel job"})
	}
}

// Errors lists the processing errors recorded for a job, newest first.
func (h *JobHandler) Errors(c *gin.Context) {
	jobID := c.Param("id")
	if _, err := h.orch.GetStatus(c.Request.Context(), jobID); err != nil {
		if errors.Is(err, pipeline.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load job"})
		return
	}

	limit := parseIntQuery(c, "limit", 50)
	if limit > 500 {
		limit = 500
	}
	offset := parseIntQuery(c, "offset", 0)

	perrs, err := h.errs.ListByJob(c.Request.Context(), jobID, limit, offset)
	if err != nil {
		middleware.GetLogger(c).WithError(err).Error("Failed to list processing errors")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list errors"})
		return
	}
	total, err := h.errs.CountByJob(c.Request.Context(), jobID)
	if err != nil {
		middleware.GetLogger(c).WithError(err).Error("Failed to count processing errors")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list errors"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"errors": perrs,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func parseIntQuery(c *gin.Context, key string, def int) int {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	return v
}
