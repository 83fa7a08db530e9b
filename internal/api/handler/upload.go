package handler

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"io"
	"net/http"
	"path"

	"github.com/gin-gonic/gin"
	"github.com/mangalm/invoice-ingest/internal/api/middleware"
	"github.com/mangalm/invoice-ingest/internal/storage"
)

// maxUploadBytes bounds source file uploads at 256 MiB.
const maxUploadBytes = 256 << 20

// UploadHandler accepts source CSV uploads and stores them under a
// content-addressed key. The returned obj:// reference is what job
// submissions use as sourceRef.
type UploadHandler struct {
	store storage.ObjectStorage
}

// NewUploadHandler creates a new upload handler. store may be nil when object
// storage is not configured; uploads are then rejected.
func NewUploadHandler(store storage.ObjectStorage) *UploadHandler {
	return &UploadHandler{store: store}
}

// Upload serves POST /api/v1/uploads with a multipart "file" field.
func (h *UploadHandler) Upload(c *gin.Context) {
	if h.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "object storage is not configured"})
		return
	}

	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing file field"})
		return
	}
	if fh.Size > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	}

	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read upload"})
		return
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxUploadBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read upload"})
		return
	}
	if len(data) > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	}

	// Content-addressed key: identical files land on the same object, so
	// re-uploading a file is a no-op at the storage layer.
	sum := md5.Sum(data)
	key := "sources/" + hex.EncodeToString(sum[:]) + path.Ext(fh.Filename)

	exists, err := h.store.Exists(c.Request.Context(), key)
	if err != nil {
		middleware.GetLogger(c).WithError(err).Error("Failed to check object existence")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store upload"})
		return
	}
	if !exists {
		if err := h.store.Upload(c.Request.Context(), key, bytes.NewReader(data), int64(len(data)), "text/csv"); err != nil {
			middleware.GetLogger(c).WithError(err).Error("Failed to store upload")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store upload"})
			return
		}
	}

	c.JSON(http.StatusCreated, gin.H{
		"source_ref": "obj://" + key,
		"size":       len(data),
		"existing":   exists,
	})
}
