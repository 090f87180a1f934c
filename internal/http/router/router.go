package router

import (
	"github.com/gin-gonic/gin"

	"lsh.app/jobd/internal/http/handler"
	"lsh.app/jobd/internal/http/middleware"
)

type RouterConfig struct {
	// APIKey guards /api/v1 when set.
	APIKey string
}

func SetupRoutes(router *gin.Engine, dispatcher handler.Dispatcher, subscribe handler.SubscribeFunc, cfg RouterConfig) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	v1 := router.Group("/api/v1")
	v1.Use(middleware.APIKey(cfg.APIKey))
	{
		jobHandler := handler.NewJobHandler(dispatcher)
		v1.GET("/status", jobHandler.Status)
		v1.GET("/schema", jobHandler.Schema)
		JobRouter(v1.Group("/jobs"), jobHandler)

		eventsHandler := handler.NewEventsHandler(subscribe)
		v1.GET("/events", eventsHandler.Stream)
	}
}

func JobRouter(rg *gin.RouterGroup, h *handler.JobHandler) {
	rg.GET("", h.List)
	rg.POST("", h.Create)
	rg.GET("/:id", h.Get)
	rg.PATCH("/:id", h.Update)
	rg.DELETE("/:id", h.Remove)
	rg.POST("/:id/start", h.Start)
	rg.POST("/:id/trigger", h.Trigger)
	rg.POST("/:id/stop", h.Stop)
	rg.POST("/:id/enable", h.Enable)
	rg.POST("/:id/disable", h.Disable)
	rg.GET("/:id/executions", h.Executions)
}
