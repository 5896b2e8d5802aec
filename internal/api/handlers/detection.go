package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"smartpark-worker-go/internal/logging"
	"smartpark-worker-go/internal/models"
)

// DetectionHandler exposes modes, results and zones
type DetectionHandler struct {
	pipeline Pipeline
}

func NewDetectionHandler(pipeline Pipeline) *DetectionHandler {
	return &DetectionHandler{pipeline: pipeline}
}

type ModesResponse struct {
	CurrentMode    string   `json:"current_mode" example:"threshold"`
	AvailableModes []string `json:"available_modes"`
}

type ModeRequest struct {
	Mode string `json:"mode" binding:"required" example:"hybrid"`
}

type ModeSwitchResponse struct {
	Success      bool   `json:"success"`
	PreviousMode string `json:"previous_mode" example:"threshold"`
	CurrentMode  string `json:"current_mode" example:"hybrid"`
}

type SlotSummary struct {
	Total    int `json:"total"`
	Free     int `json:"free"`
	Occupied int `json:"occupied"`
	Unknown  int `json:"unknown"`
}

type ResultsResponse struct {
	Mode       string             `json:"mode"`
	FrameCount int64              `json:"frame_count"`
	Timestamp  time.Time          `json:"timestamp"`
	Summary    SlotSummary        `json:"summary"`
	Zones      models.ZoneResults `json:"zones"`
}

type ZoneResponse struct {
	models.Zone
	BBox   [4]int `json:"bbox"`
	Center [2]int `json:"center"`
	Area   int    `json:"area"`
}

// @Summary Detection modes
// @Description Get the active detection mode and the modes whose detectors are loaded
// @Tags detection
// @Produce json
// @Success 200 {object} ModesResponse
// @Router /modes [get]
func (h *DetectionHandler) GetModes(c *gin.Context) {
	c.JSON(http.StatusOK, ModesResponse{
		CurrentMode:    h.pipeline.CurrentMode().String(),
		AvailableModes: modeNames(h.pipeline.AvailableModes()),
	})
}

// @Summary Switch detection mode
// @Description Activate threshold, object or hybrid detection. "yolo" is accepted for object.
// @Tags detection
// @Accept json
// @Produce json
// @Param request body ModeRequest true "Target mode"
// @Success 200 {object} ModeSwitchResponse
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /modes [post]
func (h *DetectionHandler) SwitchMode(c *gin.Context) {
	var req ModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	mode, err := models.ParseDetectionMode(req.Mode)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	previous := h.pipeline.CurrentMode()
	if !h.pipeline.SwitchMode(mode) {
		c.JSON(http.StatusConflict, ErrorResponse{
			Error:   "detection mode unavailable",
			Details: modeNames(h.pipeline.AvailableModes()),
		})
		return
	}

	logging.Info(c).Str("old", previous.String()).Str("new", mode.String()).Msg("Detection mode switched via API")
	c.JSON(http.StatusOK, ModeSwitchResponse{
		Success:      true,
		PreviousMode: previous.String(),
		CurrentMode:  mode.String(),
	})
}

// @Summary Latest results
// @Description Get the verdict of every zone from the most recent frame
// @Tags detection
// @Produce json
// @Success 200 {object} ResultsResponse
// @Router /results [get]
func (h *DetectionHandler) GetResults(c *gin.Context) {
	results := h.pipeline.LastResults()
	total, free, occupied := results.Counts()

	c.JSON(http.StatusOK, ResultsResponse{
		Mode:       h.pipeline.CurrentMode().String(),
		FrameCount: h.pipeline.FrameCount(),
		Timestamp:  time.Now().UTC(),
		Summary: SlotSummary{
			Total:    total,
			Free:     free,
			Occupied: occupied,
			Unknown:  total - free - occupied,
		},
		Zones: results,
	})
}

// @Summary Configured zones
// @Description List the monitored parking zones with their geometry
// @Tags detection
// @Produce json
// @Success 200 {array} ZoneResponse
// @Router /zones [get]
func (h *DetectionHandler) GetZones(c *gin.Context) {
	zones := h.pipeline.Zones()
	out := make([]ZoneResponse, 0, len(zones))
	for _, z := range zones {
		x1, y1, x2, y2 := z.BBox()
		cx, cy := z.Center()
		out = append(out, ZoneResponse{
			Zone:   z,
			BBox:   [4]int{x1, y1, x2, y2},
			Center: [2]int{cx, cy},
			Area:   z.Area(),
		})
	}
	c.JSON(http.StatusOK, out)
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error   string      `json:"error" example:"detection mode unavailable"`
	Details interface{} `json:"details,omitempty"`
}
