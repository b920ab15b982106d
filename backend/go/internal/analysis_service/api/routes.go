package api

import (
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers all the routes for the analysis service.
func RegisterRoutes(router *gin.Engine, api *API) {
	router.GET("/", api.IndexHandler)
	router.GET("/health", api.HealthHandler)

	analysis := router.Group("/analysis")
	{
		analysis.POST("", api.CreateAnalysisHandler)
		analysis.GET("/:task_id", api.GetAnalysisHandler)
		analysis.GET("/:task_id/result", api.GetResultHandler)
		analysis.GET("/:task_id/download", api.DownloadResultHandler)
		analysis.GET("/:task_id/export", api.ExportHandler)
	}

	router.GET("/tasks", api.ListTasksHandler)

	// /cos/list is kept for clients written against the COS-only deployment.
	router.GET("/object-store/list", api.ListObjectsHandler)
	router.GET("/cos/list", api.ListObjectsHandler)
}
