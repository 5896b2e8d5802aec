package handlers

import (
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"smartpark-worker-go/internal/models"
	"smartpark-worker-go/internal/services/performance"
)

// PerformanceReporter compares detection modes over a time window
type PerformanceReporter interface {
	CompareModes(window time.Duration) []performance.Comparison
	BestMode(criteria string, window time.Duration) (models.DetectionMode, bool)
	RealTimeStats() performance.RealTime
}

// CaptureReporter reports frame acquisition counters
type CaptureReporter interface {
	Stats() map[string]interface{}
}

// SystemHandler handles statistics endpoints
type SystemHandler struct {
	WorkerID string
	pipeline Pipeline
	tracker  PerformanceReporter
	capture  CaptureReporter
}

// NewSystemHandler creates a new system handler. A nil tracker disables /stats/performance
// and a nil capture omits the capture section of /stats.
func NewSystemHandler(workerID string, pipeline Pipeline, tracker PerformanceReporter, capture CaptureReporter) *SystemHandler {
	return &SystemHandler{
		WorkerID: workerID,
		pipeline: pipeline,
		tracker:  tracker,
		capture:  capture,
	}
}

type PerformanceResponse struct {
	WindowMinutes int                      `json:"window_minutes"`
	Comparison    []performance.Comparison `json:"comparison"`
	BestMode      map[string]string        `json:"best_mode"`
	Current       performance.RealTime     `json:"current"`
}

// @Summary Get worker stats
// @Description Orchestrator statistics with per-detector, sink, capture and runtime details
// @Tags system
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /stats [get]
func (h *SystemHandler) GetStats(c *gin.Context) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	resp := gin.H{
		"success":   true,
		"worker_id": h.WorkerID,
		"stats":     h.pipeline.Statistics(),
		"runtime": gin.H{
			"memory_mb":  m.Alloc / 1024 / 1024,
			"cpu_cores":  runtime.NumCPU(),
			"goroutines": runtime.NumGoroutine(),
			"go_version": runtime.Version(),
		},
		"timestamp": time.Now().Unix(),
	}
	if h.capture != nil {
		resp["capture"] = h.capture.Stats()
	}
	c.JSON(http.StatusOK, resp)
}

// @Summary Mode performance comparison
// @Description Compare detection modes over the last N minutes and pick the best by fps, accuracy and processing time
// @Tags system
// @Produce json
// @Param minutes query int false "Window in minutes" default(5)
// @Success 200 {object} PerformanceResponse
// @Failure 400 {object} ErrorResponse
// @Failure 503 {object} ErrorResponse
// @Router /stats/performance [get]
func (h *SystemHandler) GetPerformance(c *gin.Context) {
	if h.tracker == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "performance tracking disabled"})
		return
	}

	minutes, err := strconv.Atoi(c.DefaultQuery("minutes", "5"))
	if err != nil || minutes <= 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "minutes must be a positive integer"})
		return
	}
	window := time.Duration(minutes) * time.Minute

	best := make(map[string]string, 3)
	for _, criteria := range []string{performance.CriteriaFPS, performance.CriteriaAccuracy, performance.CriteriaProcessingTime} {
		if mode, ok := h.tracker.BestMode(criteria, window); ok {
			best[criteria] = mode.String()
		}
	}

	comparison := h.tracker.CompareModes(window)
	if comparison == nil {
		comparison = []performance.Comparison{}
	}

	c.JSON(http.StatusOK, PerformanceResponse{
		WindowMinutes: minutes,
		Comparison:    comparison,
		BestMode:      best,
		Current:       h.tracker.RealTimeStats(),
	})
}
