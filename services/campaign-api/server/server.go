package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Mutter0815/campaign-engine/internal/tracking"
	"github.com/Mutter0815/campaign-engine/pkg/metrics"
)

func NewHTTPServer(addr string, h *Handlers) *http.Server {
	r := gin.New()
	r.Use(gin.Recovery(), RequestID(), Observability())

	r.GET("/healthz", h.Healthz)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	r.GET("/docs", h.SwaggerUI)
	r.GET("/docs/campaign-api/openapi.yaml", h.OpenAPI)

	cg := r.Group("/campaigns")
	cg.POST("", h.CreateCampaign)
	cg.GET("/:id", h.GetCampaign)
	cg.PUT("/:id/follow-ups", h.SetFollowUps)
	cg.POST("/:id/launch", h.Launch)
	cg.POST("/:id/pause", h.Pause)
	cg.POST("/:id/resume", h.Resume)
	cg.POST("/:id/cancel", h.Cancel)
	cg.GET("/:id/progress", h.Progress)
	cg.GET("/:id/messages", h.Messages)
	cg.POST("/:id/engagements", h.RecordEngagement)

	r.GET(tracking.OpenPath+":id", h.TrackOpen)
	r.GET(tracking.ClickPath+":id", h.TrackClick)

	return &http.Server{
		Addr:    addr,
		Handler: r,
	}
}
