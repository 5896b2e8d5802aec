package objectdetect

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gocv.io/x/gocv"

	"smartpark-worker-go/internal/models"
	"smartpark-worker-go/internal/rendering"
)

const statsAlpha = 0.1

// Detector judges zones by attributing vehicle detections to them
type Detector struct {
	source ModelSource
	logger zerolog.Logger

	// inferMu is held across Infer; a model is only closed while holding it
	inferMu sync.Mutex

	mu                sync.RWMutex
	cfg               Config
	model             Model
	lastDetections    []models.VehicleDetection
	totalDetections   int64
	totalVehicles     int64
	avgProcessingTime time.Duration
}

// New loads the configured model. A load failure is returned so the caller can treat
// object detection as unavailable.
func New(cfg Config, source ModelSource, logger zerolog.Logger) (*Detector, error) {
	if source == nil {
		source = ONNXSource{}
	}
	if len(cfg.VehicleClasses) == 0 {
		cfg.VehicleClasses = DefaultVehicleClasses()
	}

	model, err := source.Load(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load object detection model: %w", err)
	}

	logger.Info().
		Str("model", cfg.ModelPath).
		Float64("confidence", cfg.Confidence).
		Float64("iou", cfg.IOU).
		Str("device", cfg.Device).
		Msg("Object detector initialized")

	return &Detector{
		source: source,
		logger: logger,
		cfg:    cfg,
		model:  model,
	}, nil
}

// Mode identifies this detector in the orchestrator
func (d *Detector) Mode() models.DetectionMode {
	return models.DetectionModeObject
}

// ProcessFrame runs inference once over the whole frame and judges each zone.
// Inference failures mark every zone UNKNOWN and are never returned.
func (d *Detector) ProcessFrame(frame gocv.Mat, zones []models.Zone) (results models.ZoneResults, err error) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			perr := fmt.Errorf("panic during object detection: %v", r)
			d.logger.Error().Err(perr).Msg("Frame processing failed")
			results = models.UnknownResults(zones, models.DetectionModeObject, perr)
			err = nil
		}
	}()

	if frame.Empty() {
		return models.UnknownResults(zones, models.DetectionModeObject, errors.New("empty frame")), nil
	}

	cfg, raw, ierr := d.infer(frame)
	if ierr != nil {
		d.logger.Error().Err(ierr).Msg("Inference failed")
		return models.UnknownResults(zones, models.DetectionModeObject, ierr), nil
	}
	vehicles := FilterVehicles(raw, cfg.VehicleClasses)
	elapsed := time.Since(start)

	results = JudgeZones(vehicles, zones, cfg.OverlapThreshold, cfg.FreeConfidence)
	for code, res := range results {
		res.ProcessingTime = elapsed
		results[code] = res
	}

	d.mu.Lock()
	d.lastDetections = vehicles
	d.totalDetections++
	d.totalVehicles += int64(len(vehicles))
	if d.avgProcessingTime == 0 {
		d.avgProcessingTime = elapsed
	} else {
		d.avgProcessingTime = time.Duration(statsAlpha*float64(elapsed) + (1-statsAlpha)*float64(d.avgProcessingTime))
	}
	d.mu.Unlock()

	d.logger.Debug().Int("vehicles", len(vehicles)).Dur("elapsed", elapsed).Msg("Object detection complete")
	return results, nil
}

// infer runs the active model while holding inferMu so a swap or Close cannot
// release it mid-inference
func (d *Detector) infer(frame gocv.Mat) (Config, []RawDetection, error) {
	d.inferMu.Lock()
	defer d.inferMu.Unlock()

	d.mu.RLock()
	cfg := d.cfg
	model := d.model
	d.mu.RUnlock()

	if model == nil {
		return cfg, nil, errors.New("object detector closed")
	}
	raw, err := model.Infer(frame, cfg.inferParams())
	return cfg, raw, err
}

// JudgeZones turns the filtered detections into a result per zone
func JudgeZones(vehicles []models.VehicleDetection, zones []models.Zone, overlapThreshold, freeConfidence float64) models.ZoneResults {
	results := make(models.ZoneResults, len(zones))
	for _, zone := range zones {
		matched := AttributeToZone(vehicles, zone, overlapThreshold)
		if len(matched) == 0 {
			results[zone.Code] = models.DetectionResult{
				Status:     models.SlotStatusFree,
				Confidence: freeConfidence,
				ZoneID:     zone.ID,
				Method:     models.DetectionModeObject,
			}
			continue
		}

		best := matched[0]
		for _, v := range matched[1:] {
			if v.Confidence > best.Confidence {
				best = v
			}
		}

		results[zone.Code] = models.DetectionResult{
			Status:       models.SlotStatusOccupied,
			Confidence:   best.Confidence,
			ZoneID:       zone.ID,
			Method:       models.DetectionModeObject,
			VehicleType:  best.ClassName,
			VehicleCount: len(matched),
			Detections:   matched,
		}
	}
	return results
}

// LastDetections returns a copy of the vehicles found in the last frame
func (d *Detector) LastDetections() []models.VehicleDetection {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]models.VehicleDetection, len(d.lastDetections))
	copy(out, d.lastDetections)
	return out
}

// Confidence returns the current confidence threshold
func (d *Detector) Confidence() float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg.Confidence
}

// UpdateConfidence sets the inference confidence threshold, clamped to [0, 1]
func (d *Detector) UpdateConfidence(confidence float64) float64 {
	confidence = max(0, min(1, confidence))

	d.mu.Lock()
	old := d.cfg.Confidence
	d.cfg.Confidence = confidence
	d.mu.Unlock()

	d.logger.Info().Float64("old", old).Float64("new", confidence).Msg("Confidence threshold updated")
	return confidence
}

// ModelPath returns the path of the active model
func (d *Detector) ModelPath() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg.ModelPath
}

// SwapModel loads a new model. On failure the previous model stays active.
func (d *Detector) SwapModel(path string) error {
	model, err := d.source.Load(path)
	if err != nil {
		d.logger.Error().Err(err).Str("model", path).Str("active", d.ModelPath()).Msg("Model swap failed, keeping active model")
		return fmt.Errorf("failed to load model %s: %w", path, err)
	}

	d.mu.Lock()
	old := d.model
	oldPath := d.cfg.ModelPath
	d.model = model
	d.cfg.ModelPath = path
	d.mu.Unlock()

	if old != nil {
		// Frames already inside Infer finish on the old model first
		d.inferMu.Lock()
		cerr := old.Close()
		d.inferMu.Unlock()
		if cerr != nil {
			d.logger.Warn().Err(cerr).Str("model", oldPath).Msg("Failed to close previous model")
		}
	}

	d.logger.Info().Str("old", oldPath).Str("new", path).Msg("Model swapped")
	return nil
}

// RenderDebug draws zones and the last detections onto a copy of the frame
func (d *Detector) RenderDebug(frame gocv.Mat, zones []models.Zone, results models.ZoneResults) gocv.Mat {
	if frame.Empty() {
		return gocv.NewMat()
	}
	debug := frame.Clone()
	rendering.DrawZones(&debug, zones, results, false)
	rendering.DrawDetections(&debug, d.LastDetections())
	return debug
}

// Stats reports counters and the active configuration
func (d *Detector) Stats() map[string]interface{} {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return map[string]interface{}{
		"detector_type":       "object",
		"model_path":          d.cfg.ModelPath,
		"confidence":          d.cfg.Confidence,
		"iou":                 d.cfg.IOU,
		"device":              d.cfg.Device,
		"image_size":          d.cfg.ImageSize,
		"total_detections":    d.totalDetections,
		"total_vehicles":      d.totalVehicles,
		"avg_processing_time": d.avgProcessingTime.Seconds(),
	}
}

// Close releases the model
func (d *Detector) Close() error {
	d.inferMu.Lock()
	defer d.inferMu.Unlock()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.model == nil {
		return nil
	}
	err := d.model.Close()
	d.model = nil
	return err
}
