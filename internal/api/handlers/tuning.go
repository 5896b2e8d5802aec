package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gocv.io/x/gocv"

	"smartpark-worker-go/internal/logging"
	"smartpark-worker-go/internal/models"
	"smartpark-worker-go/internal/services/threshold"
)

const maxCalibrationImages = 50

// ThresholdTuner is the runtime surface of the threshold detector
type ThresholdTuner interface {
	Threshold() int
	UpdateThreshold(newThreshold int)
	Calibrate(samples []threshold.CalibrationSample) (int, float64)
}

// ObjectTuner is the runtime surface of the object detector
type ObjectTuner interface {
	Confidence() float64
	UpdateConfidence(confidence float64) float64
	ModelPath() string
	SwapModel(path string) error
}

// TuningHandler adjusts detector parameters at runtime. Nil tuners answer 409.
type TuningHandler struct {
	pipeline  Pipeline
	threshold ThresholdTuner
	object    ObjectTuner
}

func NewTuningHandler(pipeline Pipeline, thresholdTuner ThresholdTuner, objectTuner ObjectTuner) *TuningHandler {
	return &TuningHandler{
		pipeline:  pipeline,
		threshold: thresholdTuner,
		object:    objectTuner,
	}
}

type ThresholdRequest struct {
	Threshold int `json:"threshold" binding:"required,gt=0" example:"3000"`
}

type ThresholdResponse struct {
	Success      bool `json:"success"`
	OldThreshold int  `json:"old_threshold"`
	Threshold    int  `json:"threshold"`
}

type CalibrationResponse struct {
	Success   bool    `json:"success"`
	Threshold int     `json:"threshold"`
	Accuracy  float64 `json:"accuracy"`
	Samples   int     `json:"samples"`
}

type ConfidenceRequest struct {
	Confidence *float64 `json:"confidence" binding:"required" example:"0.5"`
}

type ConfidenceResponse struct {
	Success       bool    `json:"success"`
	OldConfidence float64 `json:"old_confidence"`
	Confidence    float64 `json:"confidence"`
}

type ModelRequest struct {
	ModelPath string `json:"model_path" binding:"required" example:"models/yolov8n.onnx"`
}

type ModelResponse struct {
	Success   bool   `json:"success"`
	ModelPath string `json:"model_path"`
}

// @Summary Set pixel threshold
// @Description Change the occupied pixel count threshold. Applies from the next frame.
// @Tags tuning
// @Accept json
// @Produce json
// @Param request body ThresholdRequest true "New threshold"
// @Success 200 {object} ThresholdResponse
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /threshold [post]
func (h *TuningHandler) SetThreshold(c *gin.Context) {
	if h.threshold == nil {
		c.JSON(http.StatusConflict, ErrorResponse{Error: "threshold detector unavailable"})
		return
	}

	var req ThresholdRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	old := h.threshold.Threshold()
	h.threshold.UpdateThreshold(req.Threshold)
	c.JSON(http.StatusOK, ThresholdResponse{Success: true, OldThreshold: old, Threshold: req.Threshold})
}

// @Summary Calibrate pixel threshold
// @Description Upload labelled frames and search for the threshold with the best accuracy.
// @Description "labels" is a JSON array with one object per image mapping zone code to "free" or "occupied".
// @Tags tuning
// @Accept multipart/form-data
// @Produce json
// @Param images formData file true "Calibration frames"
// @Param labels formData string true "Per-image zone labels"
// @Success 200 {object} CalibrationResponse
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /threshold/calibrate [post]
func (h *TuningHandler) Calibrate(c *gin.Context) {
	if h.threshold == nil {
		c.JSON(http.StatusConflict, ErrorResponse{Error: "threshold detector unavailable"})
		return
	}

	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	files := form.File["images"]
	if len(files) == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "at least one image is required"})
		return
	}
	if len(files) > maxCalibrationImages {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("at most %d images are accepted", maxCalibrationImages)})
		return
	}

	var labels []map[string]string
	if err := json.Unmarshal([]byte(c.PostForm("labels")), &labels); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "labels must be a JSON array of zone code to status objects"})
		return
	}
	if len(labels) != len(files) {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("got %d label sets for %d images", len(labels), len(files))})
		return
	}

	samples, err := buildSamples(files, labels, h.pipeline.Zones())
	defer func() {
		for _, s := range samples {
			s.Frame.Close()
		}
	}()
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	best, accuracy := h.threshold.Calibrate(samples)
	logging.Info(c).Int("threshold", best).Float64("accuracy", accuracy).Int("samples", len(samples)).Msg("Calibration requested via API")

	c.JSON(http.StatusOK, CalibrationResponse{
		Success:   true,
		Threshold: best,
		Accuracy:  accuracy,
		Samples:   len(samples),
	})
}

// buildSamples decodes each upload and keeps the zones its label set names, in zone order
func buildSamples(files []*multipart.FileHeader, labels []map[string]string, zones []models.Zone) ([]threshold.CalibrationSample, error) {
	samples := make([]threshold.CalibrationSample, 0, len(files))
	for i, fh := range files {
		data, err := readUpload(fh)
		if err != nil {
			return samples, fmt.Errorf("image %s: %w", fh.Filename, err)
		}
		frame, err := gocv.IMDecode(data, gocv.IMReadColor)
		if err != nil || frame.Empty() {
			frame.Close()
			return samples, fmt.Errorf("image %s could not be decoded", fh.Filename)
		}

		sample := threshold.CalibrationSample{Frame: frame}
		for _, zone := range zones {
			raw, ok := labels[i][zone.Code]
			if !ok {
				continue
			}
			status := models.SlotStatus(strings.ToUpper(raw))
			if status != models.SlotStatusFree && status != models.SlotStatusOccupied {
				samples = append(samples, sample)
				return samples, fmt.Errorf("image %s: zone %s has invalid label %q", fh.Filename, zone.Code, raw)
			}
			sample.Zones = append(sample.Zones, zone)
			sample.Expected = append(sample.Expected, status)
		}
		samples = append(samples, sample)
	}
	return samples, nil
}

func readUpload(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// @Summary Set object confidence
// @Description Change the inference confidence threshold, clamped to [0, 1]
// @Tags tuning
// @Accept json
// @Produce json
// @Param request body ConfidenceRequest true "New confidence"
// @Success 200 {object} ConfidenceResponse
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /object/confidence [post]
func (h *TuningHandler) SetConfidence(c *gin.Context) {
	if h.object == nil {
		c.JSON(http.StatusConflict, ErrorResponse{Error: "object detector unavailable"})
		return
	}

	var req ConfidenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	old := h.object.Confidence()
	applied := h.object.UpdateConfidence(*req.Confidence)
	c.JSON(http.StatusOK, ConfidenceResponse{Success: true, OldConfidence: old, Confidence: applied})
}

// @Summary Swap object model
// @Description Load a new model file. The active model stays in place when loading fails.
// @Tags tuning
// @Accept json
// @Produce json
// @Param request body ModelRequest true "Model path"
// @Success 200 {object} ModelResponse
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Router /object/model [post]
func (h *TuningHandler) SwapModel(c *gin.Context) {
	if h.object == nil {
		c.JSON(http.StatusConflict, ErrorResponse{Error: "object detector unavailable"})
		return
	}

	var req ModelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	if err := h.object.SwapModel(req.ModelPath); err != nil {
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{
			Error:   err.Error(),
			Details: gin.H{"active_model": h.object.ModelPath()},
		})
		return
	}
	c.JSON(http.StatusOK, ModelResponse{Success: true, ModelPath: h.object.ModelPath()})
}
