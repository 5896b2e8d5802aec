package threshold

import (
	"errors"
	"fmt"
	"image"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gocv.io/x/gocv"

	"smartpark-worker-go/internal/models"
	"smartpark-worker-go/internal/rendering"
)

var (
	ErrEmptyFrame      = errors.New("empty frame")
	ErrPreprocessEmpty = errors.New("preprocessing produced an empty image")
)

const (
	maxConfidence = 0.95
	minConfidence = 0.1
	statsAlpha    = 0.1
)

// Detector decides occupancy from the amount of foreground texture inside each zone
type Detector struct {
	cfg    Config
	method gocv.AdaptiveThresholdType
	thType gocv.ThresholdType
	logger zerolog.Logger

	mu                sync.RWMutex
	threshold         int
	kernel            gocv.Mat
	lastProcessed     gocv.Mat
	totalDetections   int64
	avgProcessingTime time.Duration
}

// New validates the configuration and allocates the dilation kernel
func New(cfg Config, logger zerolog.Logger) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid threshold config: %w", err)
	}

	method, _ := adaptiveMethod(cfg.AdaptiveMethod)
	thType, _ := thresholdType(cfg.ThresholdType)

	d := &Detector{
		cfg:           cfg,
		method:        method,
		thType:        thType,
		logger:        logger,
		threshold:     cfg.Threshold,
		kernel:        gocv.Ones(cfg.DilateKernelSize, cfg.DilateKernelSize, gocv.MatTypeCV8U),
		lastProcessed: gocv.NewMat(),
	}

	logger.Info().
		Int("threshold", cfg.Threshold).
		Float64("scale_factor", cfg.ScaleFactor).
		Msg("Threshold detector initialized")

	return d, nil
}

// Mode identifies this detector in the orchestrator
func (d *Detector) Mode() models.DetectionMode {
	return models.DetectionModeThreshold
}

// Threshold returns the pixel count above which a zone is occupied
func (d *Detector) Threshold() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.threshold
}

// UpdateThreshold takes effect from the next frame
func (d *Detector) UpdateThreshold(newThreshold int) {
	d.mu.Lock()
	old := d.threshold
	d.threshold = newThreshold
	d.mu.Unlock()

	d.logger.Info().Int("old", old).Int("new", newThreshold).Msg("Threshold updated")
}

// ProcessFrame judges every zone. Zone rectangles are read in the coordinate space of
// the resized frame. Processing failures mark every zone UNKNOWN and are never returned.
func (d *Detector) ProcessFrame(frame gocv.Mat, zones []models.Zone) (results models.ZoneResults, err error) {
	start := time.Now()
	threshold := d.Threshold()

	defer func() {
		if r := recover(); r != nil {
			perr := fmt.Errorf("panic during threshold detection: %v", r)
			d.logger.Error().Err(perr).Msg("Frame processing failed")
			results = unknownResults(zones, threshold, perr)
			err = nil
		}
	}()

	processed, perr := d.preprocess(frame)
	if perr != nil {
		processed.Close()
		d.logger.Error().Err(perr).Msg("Frame processing failed")
		return unknownResults(zones, threshold, perr), nil
	}

	results = make(models.ZoneResults, len(zones))
	for _, zone := range zones {
		zoneStart := time.Now()
		count := CountZonePixels(processed, zone)
		status, confidence := ClassifyPixelCount(count, threshold)

		results[zone.Code] = models.DetectionResult{
			Status:         status,
			Confidence:     confidence,
			ZoneID:         zone.ID,
			Method:         models.DetectionModeThreshold,
			ProcessingTime: time.Since(zoneStart),
			PixelCount:     count,
			ThresholdUsed:  threshold,
		}
	}

	elapsed := time.Since(start)
	d.mu.Lock()
	d.lastProcessed.Close()
	d.lastProcessed = processed
	d.updateStatsLocked(elapsed)
	d.mu.Unlock()

	d.logger.Debug().Dur("elapsed", elapsed).Int("zones", len(zones)).Msg("Threshold detection complete")
	return results, nil
}

// preprocess runs resize, grayscale, adaptive threshold, median blur and dilation.
// The returned mat is owned by the caller.
func (d *Detector) preprocess(frame gocv.Mat) (gocv.Mat, error) {
	if frame.Empty() {
		return gocv.NewMat(), ErrEmptyFrame
	}

	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(frame, &resized, image.Point{}, d.cfg.ScaleFactor, d.cfg.ScaleFactor, gocv.InterpolationArea)
	if resized.Empty() {
		return gocv.NewMat(), fmt.Errorf("resize: %w", ErrPreprocessEmpty)
	}

	gray := gocv.NewMat()
	defer gray.Close()
	switch resized.Channels() {
	case 1:
		resized.CopyTo(&gray)
	case 4:
		gocv.CvtColor(resized, &gray, gocv.ColorBGRAToGray)
	default:
		gocv.CvtColor(resized, &gray, gocv.ColorBGRToGray)
	}
	if gray.Empty() {
		return gocv.NewMat(), fmt.Errorf("grayscale: %w", ErrPreprocessEmpty)
	}

	binary := gocv.NewMat()
	defer binary.Close()
	gocv.AdaptiveThreshold(gray, &binary, float32(d.cfg.AdaptiveMaxValue), d.method, d.thType,
		d.cfg.BlockSize, float32(d.cfg.CConstant))

	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.MedianBlur(binary, &blurred, d.cfg.MedianBlurKsize)

	dilated := blurred.Clone()
	for i := 0; i < d.cfg.DilateIterations; i++ {
		next := gocv.NewMat()
		gocv.Dilate(dilated, &next, d.kernel)
		dilated.Close()
		dilated = next
	}
	if dilated.Empty() {
		return dilated, fmt.Errorf("threshold pipeline: %w", ErrPreprocessEmpty)
	}

	return dilated, nil
}

// CountZonePixels counts non-zero pixels of the zone rectangle clipped to the image
func CountZonePixels(processed gocv.Mat, zone models.Zone) int {
	bounds := image.Rect(0, 0, processed.Cols(), processed.Rows())
	rect := zone.Rect().Intersect(bounds)
	if rect.Empty() {
		return 0
	}

	roi := processed.Region(rect)
	defer roi.Close()
	return gocv.CountNonZero(roi)
}

// ClassifyPixelCount maps a foreground pixel count to a status and confidence.
// Confidence grows with the distance from the threshold, capped at 0.95 and floored at 0.1.
func ClassifyPixelCount(count, threshold int) (models.SlotStatus, float64) {
	if threshold <= 0 {
		threshold = 1
	}
	t := float64(threshold)
	c := float64(count)

	var status models.SlotStatus
	var confidence float64
	if count > threshold {
		status = models.SlotStatusOccupied
		confidence = math.Min(maxConfidence, 0.5+(c-t)/(t*2))
	} else {
		status = models.SlotStatusFree
		confidence = math.Min(maxConfidence, 0.5+(t-c)/t)
	}

	return status, math.Max(minConfidence, confidence)
}

// ProcessedFrame returns a copy of the last binary image, or an empty mat before the first frame
func (d *Detector) ProcessedFrame() gocv.Mat {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastProcessed.Clone()
}

// RenderDebug draws zones with pixel counts onto a resized copy of the frame
func (d *Detector) RenderDebug(frame gocv.Mat, zones []models.Zone, results models.ZoneResults) gocv.Mat {
	debug := gocv.NewMat()
	if frame.Empty() {
		return debug
	}
	gocv.Resize(frame, &debug, image.Point{}, d.cfg.ScaleFactor, d.cfg.ScaleFactor, gocv.InterpolationArea)
	rendering.DrawZones(&debug, zones, results, true)
	return debug
}

func (d *Detector) updateStatsLocked(elapsed time.Duration) {
	d.totalDetections++
	if d.avgProcessingTime == 0 {
		d.avgProcessingTime = elapsed
		return
	}
	d.avgProcessingTime = time.Duration(statsAlpha*float64(elapsed) + (1-statsAlpha)*float64(d.avgProcessingTime))
}

// Stats reports counters and the active configuration
func (d *Detector) Stats() map[string]interface{} {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return map[string]interface{}{
		"detector_type":       "threshold",
		"threshold":           d.threshold,
		"scale_factor":        d.cfg.ScaleFactor,
		"total_detections":    d.totalDetections,
		"avg_processing_time": d.avgProcessingTime.Seconds(),
		"config": map[string]interface{}{
			"adaptive_threshold_max_val": d.cfg.AdaptiveMaxValue,
			"adaptive_threshold_method":  d.cfg.AdaptiveMethod,
			"threshold_type":             d.cfg.ThresholdType,
			"block_size":                 d.cfg.BlockSize,
			"c_constant":                 d.cfg.CConstant,
			"median_blur_ksize":          d.cfg.MedianBlurKsize,
			"dilate_kernel_size":         d.cfg.DilateKernelSize,
			"dilate_iterations":          d.cfg.DilateIterations,
		},
	}
}

// Close releases native memory
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastProcessed.Close()
	return d.kernel.Close()
}

func unknownResults(zones []models.Zone, threshold int, err error) models.ZoneResults {
	results := models.UnknownResults(zones, models.DetectionModeThreshold, err)
	for code, res := range results {
		res.ThresholdUsed = threshold
		results[code] = res
	}
	return results
}
