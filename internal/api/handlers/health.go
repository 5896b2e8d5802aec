package handlers

import (
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"gocv.io/x/gocv"

	"smartpark-worker-go/internal/models"
)

// Pipeline is the detection state the API reads and steers
type Pipeline interface {
	CurrentMode() models.DetectionMode
	AvailableModes() []models.DetectionMode
	SwitchMode(mode models.DetectionMode) bool
	LastResults() models.ZoneResults
	Zones() []models.Zone
	Statistics() map[string]interface{}
	FrameCount() int64
	Uptime() time.Duration
	DebugFrame(showInfo bool) (gocv.Mat, bool)
}

// ConnectionChecker is implemented by sinks that know whether their peer is reachable
type ConnectionChecker interface {
	IsConnected() bool
}

type HealthHandler struct {
	WorkerID     string
	HardwareCode string
	Version      string
	pipeline     Pipeline
	sinks        map[string]ConnectionChecker
}

func NewHealthHandler(workerID, hardwareCode, version string, pipeline Pipeline, sinks map[string]ConnectionChecker) *HealthHandler {
	return &HealthHandler{
		WorkerID:     workerID,
		HardwareCode: hardwareCode,
		Version:      version,
		pipeline:     pipeline,
		sinks:        sinks,
	}
}

type HealthResponse struct {
	Status       string          `json:"status" example:"healthy"`
	WorkerID     string          `json:"worker_id" example:"smartpark-worker-1"`
	HardwareCode string          `json:"hardware_code" example:"CAM-DEMO-01"`
	Mode         string          `json:"mode" example:"hybrid"`
	FrameCount   int64           `json:"frame_count"`
	Uptime       float64         `json:"uptime_seconds"`
	Sinks        map[string]bool `json:"sinks"`
}

type WorkerInfoResponse struct {
	WorkerID     string   `json:"worker_id" example:"smartpark-worker-1"`
	HardwareCode string   `json:"hardware_code" example:"CAM-DEMO-01"`
	Status       string   `json:"status" example:"running"`
	Version      string   `json:"version" example:"1.0.0"`
	Modes        []string `json:"modes"`
	Capabilities []string `json:"capabilities"`
}

// @Summary Health check
// @Description Report sink connectivity, the active detection mode and the frame count.
// @Description Status is "degraded" when any sink has lost its connection.
// @Tags health
// @Produce json
// @Success 200 {object} HealthResponse
// @Router /health [get]
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	status := "healthy"
	sinks := make(map[string]bool, len(h.sinks))
	for name, sink := range h.sinks {
		connected := sink.IsConnected()
		sinks[name] = connected
		if !connected {
			status = "degraded"
		}
	}

	c.JSON(http.StatusOK, HealthResponse{
		Status:       status,
		WorkerID:     h.WorkerID,
		HardwareCode: h.HardwareCode,
		Mode:         h.pipeline.CurrentMode().String(),
		FrameCount:   h.pipeline.FrameCount(),
		Uptime:       h.pipeline.Uptime().Seconds(),
		Sinks:        sinks,
	})
}

// @Summary Worker information
// @Description Get basic worker information and capabilities
// @Tags health
// @Produce json
// @Success 200 {object} WorkerInfoResponse
// @Router / [get]
func (h *HealthHandler) WorkerInfo(c *gin.Context) {
	modes := modeNames(h.pipeline.AvailableModes())
	capabilities := []string{"slot_occupancy", "status_events", "debug_frames"}
	if len(h.sinks) > 0 {
		names := make([]string, 0, len(h.sinks))
		for name := range h.sinks {
			names = append(names, name+"_sink")
		}
		sort.Strings(names)
		capabilities = append(capabilities, names...)
	}

	c.JSON(http.StatusOK, WorkerInfoResponse{
		WorkerID:     h.WorkerID,
		HardwareCode: h.HardwareCode,
		Status:       "running",
		Version:      h.Version,
		Modes:        modes,
		Capabilities: capabilities,
	})
}

func modeNames(modes []models.DetectionMode) []string {
	names := make([]string, len(modes))
	for i, m := range modes {
		names[i] = m.String()
	}
	return names
}
