package api

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"

	"mahjong_analysis/backend/go/internal/analysis_service/objectstore"
	"mahjong_analysis/backend/go/internal/analysis_service/registry"
	"mahjong_analysis/backend/go/internal/analysis_service/service"
	"mahjong_analysis/backend/go/internal/config"
	"mahjong_analysis/backend/go/internal/models"
	"mahjong_analysis/backend/go/pkg/logger"

	"github.com/gin-gonic/gin"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// API provides handlers for the analysis service.
type API struct {
	service *service.AnalysisService
	app     config.AppInfo
	logger  *logger.Logger
}

// NewAPI creates a new API handler.
func NewAPI(svc *service.AnalysisService, app config.AppInfo, logger *logger.Logger) *API {
	return &API{service: svc, app: app, logger: logger}
}

// IndexHandler describes the service and its endpoints.
func (a *API) IndexHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":    a.app.Name,
		"version": a.app.Version,
		"endpoints": gin.H{
			"health":              "GET /health",
			"create_analysis":     "POST /analysis",
			"get_analysis_status": "GET /analysis/<task_id>",
			"get_result":          "GET /analysis/<task_id>/result",
			"download_result":     "GET /analysis/<task_id>/download",
			"export_scores":       "GET /analysis/<task_id>/export",
			"list_tasks":          "GET /tasks",
			"list_objects":        "GET /object-store/list?path=<path>",
		},
	})
}

// HealthHandler is a static liveness probe.
func (a *API) HealthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"message": "Mahjong Analysis API is running",
	})
}

// CreateAnalysisHandler registers a task and schedules it.
func (a *API) CreateAnalysisHandler(c *gin.Context) {
	var req models.CreateAnalysisRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		a.logger.WithError(models.ErrorInfo{Message: err.Error()}).Warn("Invalid request payload")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request payload"})
		return
	}

	task, err := a.service.Submit(req)
	if err != nil {
		a.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"task_id":         task.ID,
		"status":          task.Status,
		"force_reanalyze": task.ForceReanalyze,
		"message":         "Task created",
	})
}

// GetAnalysisHandler returns the full task record.
func (a *API) GetAnalysisHandler(c *gin.Context) {
	task, err := a.service.Get(c.Param("task_id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// GetResultHandler returns the report of a completed task.
func (a *API) GetResultHandler(c *gin.Context) {
	result, err := a.service.Result(c.Param("task_id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// DownloadResultHandler sends the report as a text attachment.
func (a *API) DownloadResultHandler(c *gin.Context) {
	result, err := a.service.Result(c.Param("task_id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(result.ResultPath)))
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(result.Content))
}

// ExportHandler sends the merged findings as an xlsx score sheet.
func (a *API) ExportHandler(c *gin.Context) {
	id := c.Param("task_id")
	data, err := a.service.Export(id)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+".xlsx"))
	c.Data(http.StatusOK, xlsxContentType, data)
}

// ListTasksHandler lists tasks in creation order.
func (a *API) ListTasksHandler(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	tasks, err := a.service.List(c.Query("status"), limit)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "total": len(tasks)})
}

// ListObjectsHandler lists one level of the remote store.
func (a *API) ListObjectsHandler(c *gin.Context) {
	listing, err := a.service.ListObjects(c.Request.Context(), c.Query("path"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, listing)
}

// writeError maps service errors to HTTP status codes. Unexpected errors are
// logged and reported as 500.
func (a *API) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, registry.ErrNotFound),
		errors.Is(err, service.ErrResultMissing),
		errors.Is(err, objectstore.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, registry.ErrInvalidTask),
		errors.Is(err, registry.ErrInvalidStatus),
		errors.Is(err, service.ErrNotCompleted):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrSchedulerClosed):
		status = http.StatusServiceUnavailable
	}

	if status >= http.StatusInternalServerError {
		a.logger.WithError(models.ErrorInfo{
			Message:    err.Error(),
			StatusCode: status,
		}).Error("Request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
