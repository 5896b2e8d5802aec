package orchestrator

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gocv.io/x/gocv"

	"smartpark-worker-go/internal/models"
	"smartpark-worker-go/internal/rendering"
	"smartpark-worker-go/internal/services/fusion"
)

// HybridDetector runs the threshold and object detectors one after the other and
// fuses their results per zone
type HybridDetector struct {
	threshold FrameDetector
	object    FrameDetector
	engine    *fusion.Engine
	logger    zerolog.Logger
}

// NewHybridDetector composes two detectors with a fusion engine
func NewHybridDetector(threshold, object FrameDetector, engine *fusion.Engine, logger zerolog.Logger) (*HybridDetector, error) {
	if threshold == nil || object == nil {
		return nil, fmt.Errorf("hybrid detection requires both detectors: %w", ErrModeUnavailable)
	}
	if engine == nil {
		return nil, fmt.Errorf("hybrid detection requires a fusion engine: %w", ErrModeUnavailable)
	}
	return &HybridDetector{threshold: threshold, object: object, engine: engine, logger: logger}, nil
}

// Mode identifies this detector in the orchestrator
func (h *HybridDetector) Mode() models.DetectionMode {
	return models.DetectionModeHybrid
}

// ProcessFrame runs both detectors and fuses the results. A panic inside fusion marks
// every zone UNKNOWN with primary method "error".
func (h *HybridDetector) ProcessFrame(frame gocv.Mat, zones []models.Zone) (results models.ZoneResults, err error) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			perr := fmt.Errorf("panic during hybrid detection: %v", r)
			h.logger.Error().Err(perr).Msg("Hybrid detection failed")
			results = models.UnknownResults(zones, models.DetectionModeHybrid, perr)
			for code, res := range results {
				res.PrimaryMethod = "error"
				results[code] = res
			}
			err = nil
		}
	}()

	h.logger.Debug().Msg("Running threshold detection")
	thresholdResults, err := h.threshold.ProcessFrame(frame, zones)
	if err != nil {
		return nil, fmt.Errorf("threshold stage: %w", err)
	}

	h.logger.Debug().Msg("Running object detection")
	objectResults, err := h.object.ProcessFrame(frame, zones)
	if err != nil {
		return nil, fmt.Errorf("object stage: %w", err)
	}

	results = h.engine.FuseAll(zones, thresholdResults, objectResults)
	elapsed := time.Since(start)
	for code, res := range results {
		res.ProcessingTime = elapsed
		results[code] = res
	}
	return results, nil
}

// Stats reports the fusion counters with both detectors' stats nested
func (h *HybridDetector) Stats() map[string]interface{} {
	stats := h.engine.Stats()
	stats["detector_type"] = "hybrid"
	stats["threshold_stats"] = h.threshold.Stats()
	stats["object_stats"] = h.object.Stats()
	return stats
}

// RenderDebug draws fused zone verdicts and the object detections
func (h *HybridDetector) RenderDebug(frame gocv.Mat, zones []models.Zone, results models.ZoneResults) gocv.Mat {
	if frame.Empty() {
		return gocv.NewMat()
	}
	debug := frame.Clone()
	rendering.DrawZones(&debug, zones, results, false)
	if src, ok := h.object.(interface {
		LastDetections() []models.VehicleDetection
	}); ok {
		rendering.DrawDetections(&debug, src.LastDetections())
	}
	return debug
}
