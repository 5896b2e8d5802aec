// Package metrics provides the Prometheus metrics of the SmartPark worker.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// SmartParkMetrics contains the detection, fusion and delivery metrics of one worker.
type SmartParkMetrics struct {
	FramesProcessed   *prometheus.CounterVec
	ProcessingSeconds *prometheus.HistogramVec
	CurrentFPS        *prometheus.GaugeVec
	ZoneStatus        *prometheus.GaugeVec
	ZoneConfidence    *prometheus.GaugeVec
	SlotsByStatus     *prometheus.GaugeVec
	StatusChanges     *prometheus.CounterVec
	SinkErrors        *prometheus.CounterVec
	DetectorErrors    *prometheus.CounterVec
	FusionDecisions   *prometheus.CounterVec
	ActiveMode        *prometheus.GaugeVec
	registry          *prometheus.Registry
}

// NewSmartParkMetrics creates the metrics and registers them on the given registry.
func NewSmartParkMetrics(registry *prometheus.Registry) (*SmartParkMetrics, error) {
	m := &SmartParkMetrics{registry: registry}
	if err := m.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize smartpark metrics: %w", err)
	}
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register smartpark metrics: %w", err)
	}
	return m, nil
}

func (m *SmartParkMetrics) initMetrics() error {
	m.FramesProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "smartpark_frames_processed_total",
		Help: "Total number of frames processed per detection mode",
	}, []string{"mode"})

	m.ProcessingSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "smartpark_frame_processing_seconds",
		Help:    "Time spent judging one frame, per detection mode",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
	}, []string{"mode"})

	m.CurrentFPS = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "smartpark_fps",
		Help: "Frames per second over the last 30 frames, per detection mode",
	}, []string{"mode"})

	m.ZoneStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "smartpark_zone_occupied",
		Help: "Zone occupancy (1 occupied, 0 free, -1 unknown)",
	}, []string{"zone"})

	m.ZoneConfidence = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "smartpark_zone_confidence",
		Help: "Confidence of the latest zone verdict",
	}, []string{"zone"})

	m.SlotsByStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "smartpark_slots",
		Help: "Number of slots per status in the latest frame",
	}, []string{"status"})

	m.StatusChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "smartpark_status_changes_total",
		Help: "Total number of zone status transitions",
	}, []string{"zone", "status"})

	m.SinkErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "smartpark_sink_errors_total",
		Help: "Total number of failed downstream deliveries",
	}, []string{"sink"})

	m.DetectorErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "smartpark_detector_errors_total",
		Help: "Total number of detector errors per mode and type",
	}, []string{"mode", "type"})

	m.FusionDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "smartpark_fusion_decisions_total",
		Help: "Hybrid verdicts per primary method",
	}, []string{"primary_method"})

	m.ActiveMode = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "smartpark_active_mode",
		Help: "1 for the active detection mode, 0 otherwise",
	}, []string{"mode"})

	return nil
}

// RecordFrame records one processed frame.
func (m *SmartParkMetrics) RecordFrame(mode string, seconds, fps float64) {
	m.FramesProcessed.WithLabelValues(mode).Inc()
	m.ProcessingSeconds.WithLabelValues(mode).Observe(seconds)
	m.CurrentFPS.WithLabelValues(mode).Set(fps)
}

// SetZone records the latest verdict of a zone.
func (m *SmartParkMetrics) SetZone(zone, status string, confidence float64) {
	value := -1.0
	switch status {
	case "OCCUPIED":
		value = 1
	case "FREE":
		value = 0
	}
	m.ZoneStatus.WithLabelValues(zone).Set(value)
	m.ZoneConfidence.WithLabelValues(zone).Set(confidence)
}

// SetSlotCounts records the slot totals of the latest frame.
func (m *SmartParkMetrics) SetSlotCounts(free, occupied, unknown int) {
	m.SlotsByStatus.WithLabelValues("FREE").Set(float64(free))
	m.SlotsByStatus.WithLabelValues("OCCUPIED").Set(float64(occupied))
	m.SlotsByStatus.WithLabelValues("UNKNOWN").Set(float64(unknown))
}

// IncrementStatusChanges counts a transition into status.
func (m *SmartParkMetrics) IncrementStatusChanges(zone, status string) {
	m.StatusChanges.WithLabelValues(zone, status).Inc()
}

// IncrementSinkErrors counts a failed delivery.
func (m *SmartParkMetrics) IncrementSinkErrors(sink string) {
	m.SinkErrors.WithLabelValues(sink).Inc()
}

// IncrementDetectorErrors counts a detector failure.
func (m *SmartParkMetrics) IncrementDetectorErrors(mode, errorType string) {
	m.DetectorErrors.WithLabelValues(mode, errorType).Inc()
}

// IncrementFusionDecision counts one hybrid verdict.
func (m *SmartParkMetrics) IncrementFusionDecision(primaryMethod string) {
	m.FusionDecisions.WithLabelValues(primaryMethod).Inc()
}

// SetActiveMode marks mode active and every other listed mode inactive.
func (m *SmartParkMetrics) SetActiveMode(active string, all []string) {
	for _, mode := range all {
		value := 0.0
		if mode == active {
			value = 1
		}
		m.ActiveMode.WithLabelValues(mode).Set(value)
	}
}

// Collect implements the prometheus.Collector interface.
func (m *SmartParkMetrics) Collect(ch chan<- prometheus.Metric) {
	m.FramesProcessed.Collect(ch)
	m.ProcessingSeconds.Collect(ch)
	m.CurrentFPS.Collect(ch)
	m.ZoneStatus.Collect(ch)
	m.ZoneConfidence.Collect(ch)
	m.SlotsByStatus.Collect(ch)
	m.StatusChanges.Collect(ch)
	m.SinkErrors.Collect(ch)
	m.DetectorErrors.Collect(ch)
	m.FusionDecisions.Collect(ch)
	m.ActiveMode.Collect(ch)
}

// Describe implements the prometheus.Collector interface.
func (m *SmartParkMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.FramesProcessed.Describe(ch)
	m.ProcessingSeconds.Describe(ch)
	m.CurrentFPS.Describe(ch)
	m.ZoneStatus.Describe(ch)
	m.ZoneConfidence.Describe(ch)
	m.SlotsByStatus.Describe(ch)
	m.StatusChanges.Describe(ch)
	m.SinkErrors.Describe(ch)
	m.DetectorErrors.Describe(ch)
	m.FusionDecisions.Describe(ch)
	m.ActiveMode.Describe(ch)
}

// Registry returns the registry the metrics are registered on.
func (m *SmartParkMetrics) Registry() *prometheus.Registry {
	return m.registry
}
