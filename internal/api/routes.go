package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"smartpark-worker-go/internal/api/middleware"
)

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recovery())

	s.router.Use(middleware.RequestID())

	s.router.Use(middleware.Logger())

	s.router.Use(middleware.CORS())
}

func (s *Server) setupRoutes() {
	s.router.GET("/", s.healthHandler.WorkerInfo)
	s.router.GET("/health", s.healthHandler.HealthCheck)

	s.router.GET("/modes", s.detectionHandler.GetModes)
	s.router.POST("/modes", s.detectionHandler.SwitchMode)
	s.router.GET("/results", s.detectionHandler.GetResults)
	s.router.GET("/zones", s.detectionHandler.GetZones)

	stats := s.router.Group("/stats")
	{
		stats.GET("", s.systemHandler.GetStats)
		stats.GET("/performance", s.systemHandler.GetPerformance)
	}

	threshold := s.router.Group("/threshold")
	{
		threshold.POST("", s.tuningHandler.SetThreshold)
		threshold.POST("/calibrate", s.tuningHandler.Calibrate)
	}

	object := s.router.Group("/object")
	{
		object.POST("/confidence", s.tuningHandler.SetConfidence)
		object.POST("/model", s.tuningHandler.SwapModel)
	}

	s.router.GET("/debug/frame", s.frameHandler.GetDebugFrame)
	s.router.GET("/debug/stream", s.frameHandler.StreamFrames)
	s.router.POST("/snapshots", s.frameHandler.TakeSnapshot)

	if s.registry != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	}
}
