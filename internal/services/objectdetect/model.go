package objectdetect

import (
	"gocv.io/x/gocv"
)

// InferParams are the per-call inference settings
type InferParams struct {
	Confidence    float64
	IOU           float64
	Device        string
	ImageSize     int
	MaxDetections int
}

// RawDetection is a model output box in frame pixels, before class filtering
type RawDetection struct {
	BBox       [4]float64
	Confidence float64
	ClassID    int
}

// Model is a loaded detector that can be run over a frame
type Model interface {
	Infer(frame gocv.Mat, params InferParams) ([]RawDetection, error)
	Close() error
}

// ModelSource loads a model from a path or identifier
type ModelSource interface {
	Load(path string) (Model, error)
}

// Config holds the object detector settings
type Config struct {
	ModelPath        string         `json:"model_path"`
	Confidence       float64        `json:"confidence"`
	IOU              float64        `json:"iou"`
	Device           string         `json:"device"`
	ImageSize        int            `json:"image_size"`
	MaxDetections    int            `json:"max_detections"`
	VehicleClasses   map[int]string `json:"vehicle_classes"`
	OverlapThreshold float64        `json:"overlap_threshold"`
	FreeConfidence   float64        `json:"free_confidence"`
}

// DefaultVehicleClasses are the COCO ids kept as vehicles
func DefaultVehicleClasses() map[int]string {
	return map[int]string{
		2: "car",
		3: "motorcycle",
		5: "bus",
		7: "truck",
	}
}

// DefaultConfig returns the detector defaults
func DefaultConfig() Config {
	return Config{
		ModelPath:        "models/yolov8n.onnx",
		Confidence:       0.5,
		IOU:              0.45,
		Device:           "cpu",
		ImageSize:        640,
		MaxDetections:    300,
		VehicleClasses:   DefaultVehicleClasses(),
		OverlapThreshold: 0.3,
		FreeConfidence:   0.95,
	}
}

func (c Config) inferParams() InferParams {
	return InferParams{
		Confidence:    c.Confidence,
		IOU:           c.IOU,
		Device:        c.Device,
		ImageSize:     c.ImageSize,
		MaxDetections: c.MaxDetections,
	}
}
