package api

import (
	"github.com/gin-gonic/gin"

	"github.com/siteswarm/siteswarm/internal/common/logger"
	"github.com/siteswarm/siteswarm/internal/gateway/websocket"
)

// SetupRoutes configures the run API routes and the event-stream endpoint
func SetupRoutes(router *gin.Engine, service *Service, wsHandler *websocket.Handler, log *logger.Logger) {
	handler := NewHandler(service, log)

	v1 := router.Group("/api/v1")
	{
		runs := v1.Group("/runs")
		{
			runs.POST("", handler.CreateRun)
			runs.GET("", handler.ListRuns)
			runs.GET("/:runId", handler.GetRun)
			runs.POST("/:runId/cancel", handler.CancelRun)
		}
	}

	if wsHandler != nil {
		router.GET("/ws", wsHandler.HandleConnection)
	}
}
