package performance

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"smartpark-worker-go/internal/metrics"
	"smartpark-worker-go/internal/models"
)

const (
	DefaultHistorySize = 1000
	fpsWindow          = 30
	activeWindow       = 10 * time.Second
)

// Criteria used by BestMode
const (
	CriteriaFPS            = "fps"
	CriteriaAccuracy       = "accuracy"
	CriteriaProcessingTime = "processing_time"
)

// Record is the metrics of one processed frame
type Record struct {
	Timestamp      time.Time            `json:"timestamp"`
	Mode           models.DetectionMode `json:"mode"`
	ProcessingTime float64              `json:"processing_time"`
	FPS            float64              `json:"fps"`
	TotalSlots     int                  `json:"total_slots"`
	OccupiedSlots  int                  `json:"occupied_slots"`
	FreeSlots      int                  `json:"free_slots"`
	ConfidenceAvg  float64              `json:"confidence_avg"`
	ConfidenceMin  float64              `json:"confidence_min"`
	ConfidenceMax  float64              `json:"confidence_max"`
}

// Summary aggregates a mode's records inside a time window
type Summary struct {
	Mode              models.DetectionMode `json:"mode"`
	PeriodMinutes     float64              `json:"period_minutes"`
	TotalDetections   int                  `json:"total_detections"`
	AvgProcessingTime float64              `json:"avg_processing_time"`
	MaxProcessingTime float64              `json:"max_processing_time"`
	MinProcessingTime float64              `json:"min_processing_time"`
	AvgFPS            float64              `json:"avg_fps"`
	MaxFPS            float64              `json:"max_fps"`
	MinFPS            float64              `json:"min_fps"`
	AvgConfidence     float64              `json:"avg_confidence"`
	ErrorCount        int                  `json:"error_count"`
	CurrentFPS        float64              `json:"current_fps"`
}

// Comparison ranks one mode against the others
type Comparison struct {
	Mode              models.DetectionMode `json:"mode"`
	AvgFPS            float64              `json:"avg_fps"`
	AvgProcessingTime float64              `json:"avg_processing_time"`
	AvgAccuracy       float64              `json:"avg_accuracy"`
	AvgConfidence     float64              `json:"avg_confidence"`
	TotalDetections   int                  `json:"total_detections"`
	ErrorCount        int                  `json:"error_count"`
	UptimePercentage  float64              `json:"uptime_percentage"`
}

// ModeRealTime is the live state of a mode
type ModeRealTime struct {
	CurrentFPS    float64   `json:"current_fps"`
	ErrorCount    int       `json:"error_count"`
	LastDetection time.Time `json:"last_detection"`
	IsActive      bool      `json:"is_active"`
}

// RealTime is the live state of every tracked mode
type RealTime struct {
	Timestamp   time.Time                             `json:"timestamp"`
	ActiveModes []models.DetectionMode                `json:"active_modes"`
	Modes       map[models.DetectionMode]ModeRealTime `json:"modes"`
}

// Tracker keeps a bounded history of frame metrics per detection mode
type Tracker struct {
	logger      zerolog.Logger
	metrics     *metrics.SmartParkMetrics
	historySize int
	now         func() time.Time

	mu         sync.RWMutex
	history    map[models.DetectionMode][]Record
	frameTimes map[models.DetectionMode][]time.Time
	currentFPS map[models.DetectionMode]float64
	errors     map[models.DetectionMode]int
	startTimes map[models.DetectionMode]time.Time
}

// NewTracker creates a tracker. m may be nil when Prometheus export is disabled.
func NewTracker(historySize int, m *metrics.SmartParkMetrics, logger zerolog.Logger) *Tracker {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &Tracker{
		logger:      logger,
		metrics:     m,
		historySize: historySize,
		now:         time.Now,
		history:     make(map[models.DetectionMode][]Record),
		frameTimes:  make(map[models.DetectionMode][]time.Time),
		currentFPS:  make(map[models.DetectionMode]float64),
		errors:      make(map[models.DetectionMode]int),
		startTimes:  make(map[models.DetectionMode]time.Time),
	}
}

// StartModeTracking marks the moment a mode became active
func (t *Tracker) StartModeTracking(mode models.DetectionMode) {
	t.mu.Lock()
	t.startTimes[mode] = t.now()
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.SetActiveMode(mode.String(), lo.Map(models.AllDetectionModes, func(m models.DetectionMode, _ int) string {
			return m.String()
		}))
	}
	t.logger.Info().Str("mode", mode.String()).Msg("Started mode tracking")
}

// LogDetection records one processed frame and returns the record
func (t *Tracker) LogDetection(mode models.DetectionMode, processingTime time.Duration, results models.ZoneResults) Record {
	now := t.now()

	t.mu.Lock()
	times := append(t.frameTimes[mode], now)
	if len(times) > fpsWindow {
		times = times[len(times)-fpsWindow:]
	}
	t.frameTimes[mode] = times

	fps := 0.0
	if len(times) > 1 {
		span := times[len(times)-1].Sub(times[0]).Seconds()
		fps = float64(len(times)) / max(span, 0.001)
	}
	t.currentFPS[mode] = fps

	rec := Record{
		Timestamp:      now,
		Mode:           mode,
		ProcessingTime: processingTime.Seconds(),
		FPS:            fps,
	}
	rec.TotalSlots, rec.FreeSlots, rec.OccupiedSlots = results.Counts()
	// Anything not occupied is reported as free, unknown included
	rec.FreeSlots = rec.TotalSlots - rec.OccupiedSlots

	if len(results) > 0 {
		sum := 0.0
		rec.ConfidenceMin = 1
		for _, res := range results {
			sum += res.Confidence
			rec.ConfidenceMin = min(rec.ConfidenceMin, res.Confidence)
			rec.ConfidenceMax = max(rec.ConfidenceMax, res.Confidence)
		}
		rec.ConfidenceAvg = sum / float64(len(results))
	}

	hist := append(t.history[mode], rec)
	if len(hist) > t.historySize {
		hist = hist[len(hist)-t.historySize:]
	}
	t.history[mode] = hist
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.RecordFrame(mode.String(), rec.ProcessingTime, fps)
		_, free, occupied := results.Counts()
		t.metrics.SetSlotCounts(free, occupied, rec.TotalSlots-free-occupied)
		for code, res := range results {
			t.metrics.SetZone(code, res.Status.String(), res.Confidence)
			if res.Method == models.DetectionModeHybrid && res.PrimaryMethod != "" {
				t.metrics.IncrementFusionDecision(res.PrimaryMethod)
			}
		}
	}

	t.logger.Debug().
		Str("mode", mode.String()).
		Float64("fps", fps).
		Float64("accuracy", rec.ConfidenceAvg).
		Float64("processing_time", rec.ProcessingTime).
		Int("total_slots", rec.TotalSlots).
		Int("occupied_slots", rec.OccupiedSlots).
		Int("free_slots", rec.FreeSlots).
		Msg("Detection metrics")

	return rec
}

// LogError counts an error for a mode
func (t *Tracker) LogError(mode models.DetectionMode, errorType, message string) {
	t.mu.Lock()
	t.errors[mode]++
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.IncrementDetectorErrors(mode.String(), errorType)
	}
	t.logger.Error().Str("mode", mode.String()).Str("type", errorType).Msg(message)
}

// ErrorCount returns the number of errors logged for a mode
func (t *Tracker) ErrorCount(mode models.DetectionMode) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.errors[mode]
}

// CurrentFPS returns the latest FPS of a mode
func (t *Tracker) CurrentFPS(mode models.DetectionMode) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.currentFPS[mode]
}

// Latest returns the last record of a mode
func (t *Tracker) Latest(mode models.DetectionMode) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	hist := t.history[mode]
	if len(hist) == 0 {
		return Record{}, false
	}
	return hist[len(hist)-1], true
}

// ModeSummary aggregates the records of a mode inside the window
func (t *Tracker) ModeSummary(mode models.DetectionMode, window time.Duration) (Summary, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.summaryLocked(mode, window)
}

func (t *Tracker) summaryLocked(mode models.DetectionMode, window time.Duration) (Summary, bool) {
	cutoff := t.now().Add(-window)
	recent := lo.Filter(t.history[mode], func(r Record, _ int) bool {
		return !r.Timestamp.Before(cutoff)
	})
	if len(recent) == 0 {
		return Summary{}, false
	}

	s := Summary{
		Mode:              mode,
		PeriodMinutes:     window.Minutes(),
		TotalDetections:   len(recent),
		MinProcessingTime: recent[0].ProcessingTime,
		MaxProcessingTime: recent[0].ProcessingTime,
		MinFPS:            recent[0].FPS,
		MaxFPS:            recent[0].FPS,
		ErrorCount:        t.errors[mode],
		CurrentFPS:        t.currentFPS[mode],
	}
	for _, r := range recent {
		s.AvgProcessingTime += r.ProcessingTime
		s.AvgFPS += r.FPS
		s.AvgConfidence += r.ConfidenceAvg
		s.MinProcessingTime = min(s.MinProcessingTime, r.ProcessingTime)
		s.MaxProcessingTime = max(s.MaxProcessingTime, r.ProcessingTime)
		s.MinFPS = min(s.MinFPS, r.FPS)
		s.MaxFPS = max(s.MaxFPS, r.FPS)
	}
	n := float64(len(recent))
	s.AvgProcessingTime /= n
	s.AvgFPS /= n
	s.AvgConfidence /= n
	return s, true
}

// CompareModes ranks every mode with records in the window, fastest first
func (t *Tracker) CompareModes(window time.Duration) []Comparison {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := t.now()
	var comparisons []Comparison
	for mode := range t.history {
		s, ok := t.summaryLocked(mode, window)
		if !ok {
			continue
		}

		start, ok := t.startTimes[mode]
		if !ok {
			start = now
		}
		total := max(now.Sub(start).Seconds(), 0.001)
		uptime := float64(s.TotalDetections) * s.AvgProcessingTime / total * 100

		comparisons = append(comparisons, Comparison{
			Mode:              mode,
			AvgFPS:            s.AvgFPS,
			AvgProcessingTime: s.AvgProcessingTime,
			AvgAccuracy:       s.AvgConfidence,
			AvgConfidence:     s.AvgConfidence,
			TotalDetections:   s.TotalDetections,
			ErrorCount:        s.ErrorCount,
			UptimePercentage:  min(uptime, 100),
		})
	}

	sort.SliceStable(comparisons, func(i, j int) bool {
		if comparisons[i].AvgFPS == comparisons[j].AvgFPS {
			return comparisons[i].Mode < comparisons[j].Mode
		}
		return comparisons[i].AvgFPS > comparisons[j].AvgFPS
	})
	return comparisons
}

// BestMode picks a mode by fps, accuracy or processing_time over the window.
// Unknown criteria fall back to the fastest mode.
func (t *Tracker) BestMode(criteria string, window time.Duration) (models.DetectionMode, bool) {
	comparisons := t.CompareModes(window)
	if len(comparisons) == 0 {
		return "", false
	}

	best := comparisons[0]
	for _, c := range comparisons[1:] {
		switch criteria {
		case CriteriaAccuracy:
			if c.AvgAccuracy > best.AvgAccuracy {
				best = c
			}
		case CriteriaProcessingTime:
			if c.AvgProcessingTime < best.AvgProcessingTime {
				best = c
			}
		}
	}
	return best.Mode, true
}

// RealTimeStats reports the live FPS and activity of every mode
func (t *Tracker) RealTimeStats() RealTime {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := t.now()
	rt := RealTime{
		Timestamp: now,
		Modes:     make(map[models.DetectionMode]ModeRealTime, len(t.currentFPS)),
	}
	for mode, fps := range t.currentFPS {
		rt.ActiveModes = append(rt.ActiveModes, mode)
		state := ModeRealTime{CurrentFPS: fps, ErrorCount: t.errors[mode]}
		if hist := t.history[mode]; len(hist) > 0 {
			state.LastDetection = hist[len(hist)-1].Timestamp
			state.IsActive = now.Sub(state.LastDetection) < activeWindow
		}
		rt.Modes[mode] = state
	}
	sort.Slice(rt.ActiveModes, func(i, j int) bool { return rt.ActiveModes[i] < rt.ActiveModes[j] })
	return rt
}

type exportMode struct {
	Metrics    []Record `json:"metrics"`
	Summary    *Summary `json:"summary,omitempty"`
	ErrorCount int      `json:"error_count"`
}

type exportFile struct {
	ExportTimestamp time.Time                           `json:"export_timestamp"`
	PeriodHours     float64                             `json:"period_hours"`
	Modes           map[models.DetectionMode]exportMode `json:"modes"`
}

// Export writes the records of one mode, or all modes when mode is empty, to a JSON file
func (t *Tracker) Export(path string, mode models.DetectionMode, window time.Duration) error {
	t.mu.RLock()
	now := t.now()
	cutoff := now.Add(-window)
	out := exportFile{
		ExportTimestamp: now,
		PeriodHours:     window.Hours(),
		Modes:           make(map[models.DetectionMode]exportMode),
	}

	modes := lo.Keys(t.history)
	if mode != "" {
		modes = []models.DetectionMode{mode}
	}
	for _, m := range modes {
		hist, ok := t.history[m]
		if !ok {
			continue
		}
		entry := exportMode{
			Metrics: lo.Filter(hist, func(r Record, _ int) bool {
				return !r.Timestamp.Before(cutoff)
			}),
			ErrorCount: t.errors[m],
		}
		if s, ok := t.summaryLocked(m, window); ok {
			entry.Summary = &s
		}
		out.Modes[m] = entry
	}
	t.mu.RUnlock()

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode metrics: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write metrics export: %w", err)
	}

	t.logger.Info().Str("path", path).Int("modes", len(out.Modes)).Msg("Metrics exported")
	return nil
}
