package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"gocv.io/x/gocv"

	"smartpark-worker-go/internal/logging"
	"smartpark-worker-go/internal/metrics"
	"smartpark-worker-go/internal/models"
	"smartpark-worker-go/internal/services/fusion"
	"smartpark-worker-go/internal/services/performance"
)

var (
	ErrNoZones         = errors.New("no parking zones configured")
	ErrModeUnavailable = errors.New("detection mode unavailable")
)

// FrameDetector judges every zone of one frame
type FrameDetector interface {
	Mode() models.DetectionMode
	ProcessFrame(frame gocv.Mat, zones []models.Zone) (models.ZoneResults, error)
	Stats() map[string]interface{}
}

// DebugRenderer is implemented by detectors that can annotate a frame
type DebugRenderer interface {
	RenderDebug(frame gocv.Mat, zones []models.Zone, results models.ZoneResults) gocv.Mat
}

// StatusChangeCallback receives every transition found in one frame
type StatusChangeCallback func(changes []models.StatusChangeEvent)

// Options configures an Orchestrator. A nil detector marks its mode unavailable.
type Options struct {
	Zones          []models.Zone
	InitialMode    models.DetectionMode
	Threshold      FrameDetector
	Object         FrameDetector
	Fusion         *fusion.Engine
	Sink           models.EventSink
	SinkName       string
	Heartbeat      models.HeartbeatSender
	VehicleTypeIDs map[string]int
	Tracker        *performance.Tracker
	Metrics        *metrics.SmartParkMetrics
	ExportDir      string
	Logger         zerolog.Logger
}

type callbackEntry struct {
	id int
	cb StatusChangeCallback
}

// Orchestrator owns the active detection mode and the per-zone state between frames
type Orchestrator struct {
	zones          []models.Zone
	detectors      map[models.DetectionMode]FrameDetector
	sink           models.EventSink
	sinkName       string
	heartbeat      models.HeartbeatSender
	vehicleTypeIDs map[string]int
	tracker        *performance.Tracker
	metrics        *metrics.SmartParkMetrics
	exportDir      string
	logger         zerolog.Logger
	startTime      time.Time

	mu             sync.RWMutex
	mode           models.DetectionMode
	previous       models.ZoneResults
	lastFrame      gocv.Mat
	frameCount     int64
	lastDetection  time.Time
	sinkSent       int64
	sinkFailed     int64
	callbacks      []callbackEntry
	nextCallbackID int
}

// New builds the mode table and validates the initial mode. Hybrid is available only
// when both detectors and a fusion engine exist.
func New(opts Options) (*Orchestrator, error) {
	if len(opts.Zones) == 0 {
		return nil, ErrNoZones
	}

	detectors := make(map[models.DetectionMode]FrameDetector)
	if opts.Threshold != nil {
		detectors[models.DetectionModeThreshold] = opts.Threshold
	}
	if opts.Object != nil {
		detectors[models.DetectionModeObject] = opts.Object
	}
	if opts.Threshold != nil && opts.Object != nil && opts.Fusion != nil {
		hybrid, err := NewHybridDetector(opts.Threshold, opts.Object, opts.Fusion, opts.Logger)
		if err != nil {
			return nil, err
		}
		detectors[models.DetectionModeHybrid] = hybrid
	}

	if _, ok := detectors[opts.InitialMode]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrModeUnavailable, opts.InitialMode)
	}

	sinkName := opts.SinkName
	if sinkName == "" {
		sinkName = "backend"
	}

	o := &Orchestrator{
		zones:          opts.Zones,
		detectors:      detectors,
		sink:           opts.Sink,
		sinkName:       sinkName,
		heartbeat:      opts.Heartbeat,
		vehicleTypeIDs: opts.VehicleTypeIDs,
		tracker:        opts.Tracker,
		metrics:        opts.Metrics,
		exportDir:      opts.ExportDir,
		logger:         opts.Logger,
		startTime:      time.Now(),
		mode:           opts.InitialMode,
		previous:       make(models.ZoneResults),
		lastFrame:      gocv.NewMat(),
	}

	if o.tracker != nil {
		o.tracker.StartModeTracking(opts.InitialMode)
	}

	o.logger.Info().
		Str("mode", opts.InitialMode.String()).
		Strs("available_modes", o.availableModeNames()).
		Int("zones", len(opts.Zones)).
		Msg("Detection orchestrator initialized")

	return o, nil
}

// ProcessFrame judges the frame with the active mode, reports transitions and stores
// the new per-zone state. Only detector errors are returned.
func (o *Orchestrator) ProcessFrame(ctx context.Context, frame gocv.Mat, sendDownstream bool) (models.ZoneResults, error) {
	o.mu.RLock()
	mode := o.mode
	detector := o.detectors[mode]
	previous := o.previous
	o.mu.RUnlock()

	logger := logging.WithMode(o.logger, mode)

	start := time.Now()
	results, err := detector.ProcessFrame(frame, o.zones)
	if err != nil {
		logger.Debug().Err(err).Msg("Frame detection failed")
		if o.tracker != nil {
			o.tracker.LogError(mode, "processing_error", err.Error())
		}
		return nil, fmt.Errorf("%s detection failed: %w", mode, err)
	}
	elapsed := time.Since(start)

	now := time.Now()
	changes := DiffStatuses(previous, results, now)

	if sendDownstream && o.sink != nil && len(changes) > 0 {
		o.sendChanges(ctx, logger, changes)
	}

	if o.tracker != nil {
		o.tracker.LogDetection(mode, elapsed, results)
	}
	if o.metrics != nil {
		for _, change := range changes {
			o.metrics.IncrementStatusChanges(change.ZoneCode, change.CurrentStatus.String())
		}
	}

	if len(changes) > 0 {
		o.notify(changes)
	}

	o.mu.Lock()
	o.previous = results.Clone()
	o.lastFrame.Close()
	o.lastFrame = frame.Clone()
	o.frameCount++
	o.lastDetection = now
	o.mu.Unlock()

	return results, nil
}

func (o *Orchestrator) sendChanges(ctx context.Context, logger zerolog.Logger, changes []models.StatusChangeEvent) {
	var sent, failed int64
	for _, change := range changes {
		event := models.SlotStatusEvent{
			SlotID:        change.ZoneID,
			Status:        change.CurrentStatus,
			Confidence:    change.Confidence,
			VehicleTypeID: o.vehicleTypeID(change.VehicleType),
			Timestamp:     change.Timestamp,
		}

		zoneLogger := logging.WithZone(logger, change.ZoneCode)
		if err := o.sink.SendSlotStatus(ctx, event); err != nil {
			failed++
			if o.metrics != nil {
				o.metrics.IncrementSinkErrors(o.sinkName)
			}
			zoneLogger.Warn().Err(err).
				Int("slot_id", change.ZoneID).
				Str("status", change.CurrentStatus.String()).
				Msg("Failed to send status change")
			continue
		}

		sent++
		zoneLogger.Debug().
			Int("slot_id", change.ZoneID).
			Str("status", change.CurrentStatus.String()).
			Msg("Status change sent")
	}

	o.mu.Lock()
	o.sinkSent += sent
	o.sinkFailed += failed
	o.mu.Unlock()
}

func (o *Orchestrator) vehicleTypeID(vehicleType string) *int {
	if vehicleType == "" {
		return nil
	}
	id, ok := o.vehicleTypeIDs[vehicleType]
	if !ok {
		return nil
	}
	return &id
}

func (o *Orchestrator) notify(changes []models.StatusChangeEvent) {
	o.mu.RLock()
	callbacks := make([]callbackEntry, len(o.callbacks))
	copy(callbacks, o.callbacks)
	o.mu.RUnlock()

	for _, entry := range callbacks {
		o.runCallback(entry, changes)
	}
}

func (o *Orchestrator) runCallback(entry callbackEntry, changes []models.StatusChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error().Int("callback", entry.id).Interface("panic", r).Msg("Status change callback failed")
		}
	}()
	entry.cb(changes)
}

// AddStatusChangeCallback registers cb and returns a handle for removal
func (o *Orchestrator) AddStatusChangeCallback(cb StatusChangeCallback) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nextCallbackID++
	o.callbacks = append(o.callbacks, callbackEntry{id: o.nextCallbackID, cb: cb})
	return o.nextCallbackID
}

// RemoveStatusChangeCallback unregisters a callback by handle
func (o *Orchestrator) RemoveStatusChangeCallback(handle int) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, entry := range o.callbacks {
		if entry.id == handle {
			o.callbacks = append(o.callbacks[:i], o.callbacks[i+1:]...)
			return true
		}
	}
	return false
}

// SwitchMode activates mode. It returns false and keeps the current mode when the
// mode's detector is unavailable.
func (o *Orchestrator) SwitchMode(mode models.DetectionMode) bool {
	if _, ok := o.detectors[mode]; !ok {
		o.logger.Error().Str("mode", mode.String()).Msg("Detector not available")
		return false
	}

	o.mu.Lock()
	old := o.mode
	o.mode = mode
	o.mu.Unlock()

	if o.tracker != nil {
		o.tracker.StartModeTracking(mode)
	}
	o.logger.Info().Str("old", old.String()).Str("new", mode.String()).Msg("Detection mode changed")
	return true
}

// SwitchModeByName parses name case-insensitively ("yolo" means object) and switches
func (o *Orchestrator) SwitchModeByName(name string) bool {
	mode, err := models.ParseDetectionMode(name)
	if err != nil {
		o.logger.Error().Err(err).Msg("Invalid detection mode")
		return false
	}
	return o.SwitchMode(mode)
}

// CurrentMode returns the active mode
func (o *Orchestrator) CurrentMode() models.DetectionMode {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.mode
}

// AvailableModes lists the modes whose detectors exist, in canonical order
func (o *Orchestrator) AvailableModes() []models.DetectionMode {
	return lo.Filter(models.AllDetectionModes, func(m models.DetectionMode, _ int) bool {
		_, ok := o.detectors[m]
		return ok
	})
}

func (o *Orchestrator) availableModeNames() []string {
	return lo.Map(o.AvailableModes(), func(m models.DetectionMode, _ int) string {
		return m.String()
	})
}

// Detector returns the detector behind a mode
func (o *Orchestrator) Detector(mode models.DetectionMode) (FrameDetector, bool) {
	d, ok := o.detectors[mode]
	return d, ok
}

// Zones returns the monitored zones
func (o *Orchestrator) Zones() []models.Zone {
	out := make([]models.Zone, len(o.zones))
	copy(out, o.zones)
	return out
}

// LastResults returns a copy of the latest per-zone results
func (o *Orchestrator) LastResults() models.ZoneResults {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.previous.Clone()
}

// FrameCount returns the number of frames processed successfully
func (o *Orchestrator) FrameCount() int64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.frameCount
}

// Uptime returns the time since construction
func (o *Orchestrator) Uptime() time.Duration {
	return time.Since(o.startTime)
}

// Statistics reports mode, counters and per-detector stats
func (o *Orchestrator) Statistics() map[string]interface{} {
	o.mu.RLock()
	stats := map[string]interface{}{
		"current_mode":                 o.mode.String(),
		"available_modes":              o.availableModeNames(),
		"frame_count":                  o.frameCount,
		"uptime":                       time.Since(o.startTime).Seconds(),
		"api_enabled":                  o.sink != nil,
		"performance_tracking_enabled": o.tracker != nil,
		"sink": map[string]interface{}{
			"name":   o.sinkName,
			"sent":   o.sinkSent,
			"failed": o.sinkFailed,
		},
		"status_change_callbacks": len(o.callbacks),
	}
	o.mu.RUnlock()

	detectorStats := make(map[string]interface{}, len(o.detectors))
	for mode, det := range o.detectors {
		detectorStats[mode.String()] = det.Stats()
	}
	stats["detectors"] = detectorStats

	if s, ok := o.sink.(interface{ Statistics() map[string]interface{} }); ok {
		stats["api"] = s.Statistics()
	}

	if o.tracker != nil {
		stats["performance"] = map[string]interface{}{
			"mode_comparison": o.tracker.CompareModes(5 * time.Minute),
			"current_metrics": o.tracker.RealTimeStats(),
		}
	}
	return stats
}

// Heartbeat reports liveness through the configured heartbeat sender
func (o *Orchestrator) Heartbeat(ctx context.Context) error {
	if o.heartbeat == nil {
		return nil
	}

	o.mu.RLock()
	data := map[string]interface{}{
		"current_mode": o.mode.String(),
		"frame_count":  o.frameCount,
		"uptime":       time.Since(o.startTime).Seconds(),
	}
	if !o.lastDetection.IsZero() {
		data["last_detection_time"] = o.lastDetection.UTC().Format(time.RFC3339)
	} else {
		data["last_detection_time"] = nil
	}
	o.mu.RUnlock()

	if err := o.heartbeat.SendHeartbeat(ctx, data); err != nil {
		return fmt.Errorf("heartbeat failed: %w", err)
	}
	return nil
}

// Close releases the retained frame and exports the final performance metrics
func (o *Orchestrator) Close() error {
	o.logger.Info().Msg("Closing detection orchestrator")

	var err error
	if o.tracker != nil && o.exportDir != "" {
		path := filepath.Join(o.exportDir, fmt.Sprintf("final_metrics_%s.json", time.Now().Format("20060102_150405")))
		if exportErr := o.tracker.Export(path, "", time.Hour); exportErr != nil {
			o.logger.Warn().Err(exportErr).Msg("Failed to export final metrics")
			err = exportErr
		}
	}

	o.mu.Lock()
	o.lastFrame.Close()
	o.mu.Unlock()
	return err
}
