package models

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// SlotStatus is the occupancy verdict for a zone
type SlotStatus string

const (
	SlotStatusFree     SlotStatus = "FREE"
	SlotStatusOccupied SlotStatus = "OCCUPIED"
	SlotStatusUnknown  SlotStatus = "UNKNOWN"
)

// String returns the string representation of SlotStatus
func (s SlotStatus) String() string {
	return string(s)
}

// IsValid checks if the slot status is one of the known values
func (s SlotStatus) IsValid() bool {
	switch s {
	case SlotStatusFree, SlotStatusOccupied, SlotStatusUnknown:
		return true
	default:
		return false
	}
}

// DetectionMode selects which detector pipeline judges occupancy
type DetectionMode string

const (
	DetectionModeThreshold DetectionMode = "threshold"
	DetectionModeObject    DetectionMode = "object"
	DetectionModeHybrid    DetectionMode = "hybrid"
)

// AllDetectionModes lists the modes in their canonical order
var AllDetectionModes = []DetectionMode{DetectionModeThreshold, DetectionModeObject, DetectionModeHybrid}

// String returns the string representation of DetectionMode
func (m DetectionMode) String() string {
	return string(m)
}

// IsValid checks if the mode is one of the known values
func (m DetectionMode) IsValid() bool {
	switch m {
	case DetectionModeThreshold, DetectionModeObject, DetectionModeHybrid:
		return true
	default:
		return false
	}
}

// ParseDetectionMode parses a mode name case-insensitively. "yolo" is accepted for object.
func ParseDetectionMode(name string) (DetectionMode, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "threshold":
		return DetectionModeThreshold, nil
	case "object", "yolo":
		return DetectionModeObject, nil
	case "hybrid":
		return DetectionModeHybrid, nil
	default:
		return "", fmt.Errorf("invalid detection mode %q", name)
	}
}

// VehicleDetection is one vehicle found by the object detector
type VehicleDetection struct {
	BBox       [4]float64 `json:"bbox"`
	Confidence float64    `json:"confidence"`
	ClassID    int        `json:"class_id"`
	ClassName  string     `json:"class_name"`
	Center     [2]float64 `json:"center"`
}

// DetectionResult is the verdict for a single zone in a single frame.
// Detector specific fields are left zero by detectors that do not produce them.
type DetectionResult struct {
	Status         SlotStatus    `json:"status"`
	Confidence     float64       `json:"confidence"`
	ZoneID         int           `json:"zone_id"`
	Method         DetectionMode `json:"method"`
	ProcessingTime time.Duration `json:"processing_time"`
	Error          string        `json:"error,omitempty"`

	// Threshold
	PixelCount    int `json:"pixel_count,omitempty"`
	ThresholdUsed int `json:"threshold_used,omitempty"`

	// Object
	VehicleType  string             `json:"vehicle_type,omitempty"`
	VehicleCount int                `json:"vehicle_count,omitempty"`
	Detections   []VehicleDetection `json:"detections,omitempty"`

	// Hybrid
	Consensus       bool             `json:"consensus,omitempty"`
	PrimaryMethod   string           `json:"primary_method,omitempty"`
	FusionStrategy  string           `json:"fusion_strategy,omitempty"`
	ThresholdResult *DetectionResult `json:"threshold_result,omitempty"`
	ObjectResult    *DetectionResult `json:"object_result,omitempty"`
}

// ZoneResults maps zone code to its result for one frame
type ZoneResults map[string]DetectionResult

// Counts returns total, free and occupied slot counts
func (r ZoneResults) Counts() (total, free, occupied int) {
	for _, res := range r {
		total++
		switch res.Status {
		case SlotStatusFree:
			free++
		case SlotStatusOccupied:
			occupied++
		}
	}
	return total, free, occupied
}

// Clone returns a shallow copy that can be mutated without touching r
func (r ZoneResults) Clone() ZoneResults {
	out := make(ZoneResults, len(r))
	for code, res := range r {
		out[code] = res
	}
	return out
}

// UnknownResults builds the all-UNKNOWN result map used when a detector cannot judge a frame
func UnknownResults(zones []Zone, method DetectionMode, err error) ZoneResults {
	results := make(ZoneResults, len(zones))
	for _, zone := range zones {
		res := DetectionResult{
			Status: SlotStatusUnknown,
			ZoneID: zone.ID,
			Method: method,
		}
		if err != nil {
			res.Error = err.Error()
		}
		results[zone.Code] = res
	}
	return results
}

// StatusChangeEvent records a zone whose status changed since the previous frame
type StatusChangeEvent struct {
	ZoneCode       string     `json:"zone_code"`
	ZoneID         int        `json:"zone_id"`
	PreviousStatus SlotStatus `json:"previous_status"`
	CurrentStatus  SlotStatus `json:"current_status"`
	Confidence     float64    `json:"confidence"`
	VehicleType    string     `json:"vehicle_type,omitempty"`
	Timestamp      time.Time  `json:"timestamp"`
}

// SlotStatusEvent is what an event sink receives for one changed slot
type SlotStatusEvent struct {
	SlotID        int        `json:"slot_id"`
	Status        SlotStatus `json:"status"`
	Confidence    float64    `json:"confidence"`
	VehicleTypeID *int       `json:"vehicle_type_id,omitempty"`
	Timestamp     time.Time  `json:"timestamp"`
}

// EventSink accepts slot status events for downstream delivery
type EventSink interface {
	SendSlotStatus(ctx context.Context, event SlotStatusEvent) error
}

// HeartbeatSender reports worker liveness downstream
type HeartbeatSender interface {
	SendHeartbeat(ctx context.Context, data map[string]interface{}) error
}

// MessagePublisher interface for publishing events on a bus
type MessagePublisher interface {
	Publish(subject string, data interface{}) error
}
