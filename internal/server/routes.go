package server

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/mwhitten/ingestd/internal/models"
	"github.com/mwhitten/ingestd/internal/operation"
	"github.com/mwhitten/ingestd/internal/orchestrator"
	"github.com/mwhitten/ingestd/internal/pipeline"
)

// registerRoutes sets up the operations API on the Gin router.
func registerRoutes(router *gin.Engine, orch *orchestrator.Orchestrator, ops *operation.Store) {
	router.GET("/healthz", handleHealth())
	router.GET("/operations/status", handleStatus(ops))
	router.POST("/operations/sync", handleSync(orch))
	router.POST("/operations/upload", handleUpload(orch))
	router.POST("/operations/delete", handleDelete(orch))
	router.POST("/operations/process-pending", handleProcessPending(orch))
}

func handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// handleStatus returns the latest operation, or the idle sentinel when
// no operation has ever run. Terminal rows are immutable, so repeated
// calls after a terminal state return identical bodies.
func handleStatus(ops *operation.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		op, err := ops.Latest()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if op == nil {
			c.JSON(http.StatusOK, gin.H{
				"id":              nil,
				"operationType":   nil,
				"currentStatus":   string(operation.StatusIdle),
				"progressDetails": "",
				"errorMessage":    "",
				"startedAt":       nil,
				"updatedAt":       nil,
				"endedAt":         nil,
			})
			return
		}
		c.JSON(http.StatusOK, op)
	}
}

func handleSync(orch *orchestrator.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		op, err := orch.Start(operation.TypeSyncAndProcess, orchestrator.Input{})
		if err != nil {
			respondStartError(c, err)
			return
		}
		accepted(c, op, "Source sync and processing initiated.")
	}
}

func handleProcessPending(orch *orchestrator.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		op, err := orch.Start(operation.TypeProcessPending, orchestrator.Input{})
		if err != nil {
			respondStartError(c, err)
			return
		}
		accepted(c, op, "Processing of pending documents initiated.")
	}
}

func handleUpload(orch *orchestrator.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		form, err := c.MultipartForm()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid multipart form: %v", err)})
			return
		}
		files := form.File["files"]
		if len(files) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "at least one file is required"})
			return
		}

		uploads, err := spoolUploads(files)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		op, err := orch.Start(operation.TypeManualUploadAndProcess, orchestrator.Input{Uploads: uploads})
		if err != nil {
			removeSpooled(uploads)
			respondStartError(c, err)
			return
		}
		accepted(c, op, fmt.Sprintf("Manual upload and processing initiated for %d files.", len(uploads)))
	}
}

func handleDelete(orch *orchestrator.Orchestrator) gin.HandlerFunc {
	type deleteRequest struct {
		DocumentIDs []string `json:"documentIds"`
	}
	return func(c *gin.Context) {
		var req deleteRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request body: %v", err)})
			return
		}
		op, err := orch.Start(operation.TypeDeletionAndProcess, orchestrator.Input{DocumentIDs: req.DocumentIDs})
		if err != nil {
			respondStartError(c, err)
			return
		}
		accepted(c, op, fmt.Sprintf("Deletion and processing initiated for %d documents.", len(req.DocumentIDs)))
	}
}

// accepted writes the 202 response: the operation fields plus a message
// and the operation id the client will poll for.
func accepted(c *gin.Context, op *models.Operation, msg string) {
	c.JSON(http.StatusAccepted, gin.H{
		"message":         msg,
		"operationId":     op.ID,
		"id":              op.ID,
		"operationType":   op.OperationType,
		"currentStatus":   op.CurrentStatus,
		"progressDetails": op.ProgressDetails,
		"errorMessage":    op.ErrorMessage,
		"startedAt":       op.StartedAt,
		"updatedAt":       op.UpdatedAt,
		"endedAt":         op.EndedAt,
	})
}

// respondStartError maps orchestrator errors onto the HTTP surface:
// validation to 400, an active-operation conflict to 429, everything
// else to 500.
func respondStartError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, operation.ErrConflict):
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":   err.Error(),
			"details": "An operation of this type is already active.",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// spoolUploads copies multipart files to temp files so the request body
// can be released before the background pipeline stages them.
func spoolUploads(files []*multipart.FileHeader) ([]pipeline.Upload, error) {
	uploads := make([]pipeline.Upload, 0, len(files))
	for _, fh := range files {
		u, err := spoolOne(fh)
		if err != nil {
			removeSpooled(uploads)
			return nil, err
		}
		uploads = append(uploads, u)
	}
	return uploads, nil
}

func spoolOne(fh *multipart.FileHeader) (pipeline.Upload, error) {
	src, err := fh.Open()
	if err != nil {
		return pipeline.Upload{}, fmt.Errorf("open upload %s: %w", fh.Filename, err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp("", "ingestd-upload-*")
	if err != nil {
		return pipeline.Upload{}, fmt.Errorf("spool upload %s: %w", fh.Filename, err)
	}
	defer tmp.Close()

	if _, err := io.Copy(tmp, src); err != nil {
		os.Remove(tmp.Name())
		return pipeline.Upload{}, fmt.Errorf("spool upload %s: %w", fh.Filename, err)
	}

	return pipeline.Upload{
		FileName:    fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		SizeBytes:   fh.Size,
		TempPath:    tmp.Name(),
	}, nil
}

func removeSpooled(uploads []pipeline.Upload) {
	for _, u := range uploads {
		os.Remove(u.TempPath)
	}
}
