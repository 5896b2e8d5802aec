package objectdetect

import (
	"errors"
	"fmt"
	"image"
	"os"
	"strings"

	"gocv.io/x/gocv"
)

// ONNXSource loads YOLOv8 ONNX exports through the OpenCV DNN module
type ONNXSource struct{}

// Load reads the network and selects the compute backend on first inference
func (ONNXSource) Load(path string) (Model, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("model file %s: %w", path, err)
	}

	net := gocv.ReadNetFromONNX(path)
	if net.Empty() {
		return nil, fmt.Errorf("failed to read ONNX model %s", path)
	}
	return &onnxModel{net: net}, nil
}

type onnxModel struct {
	net    gocv.Net
	device string
}

func (m *onnxModel) configureDevice(device string) {
	if device == m.device {
		return
	}
	if strings.HasPrefix(strings.ToLower(device), "cuda") {
		m.net.SetPreferableBackend(gocv.NetBackendCUDA)
		m.net.SetPreferableTarget(gocv.NetTargetCUDA)
	} else {
		m.net.SetPreferableBackend(gocv.NetBackendDefault)
		m.net.SetPreferableTarget(gocv.NetTargetCPU)
	}
	m.device = device
}

// Infer runs one forward pass and decodes the YOLOv8 head
func (m *onnxModel) Infer(frame gocv.Mat, params InferParams) ([]RawDetection, error) {
	if frame.Empty() {
		return nil, errors.New("empty frame")
	}
	m.configureDevice(params.Device)

	size := params.ImageSize
	if size <= 0 {
		size = 640
	}

	blob := gocv.BlobFromImage(frame, 1.0/255.0, image.Pt(size, size), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	m.net.SetInput(blob, "")
	output := m.net.Forward("")
	defer output.Close()
	if output.Empty() {
		return nil, errors.New("model returned no output")
	}

	dims := output.Size()
	if len(dims) != 3 || dims[1] < 5 {
		return nil, fmt.Errorf("unexpected output shape %v", dims)
	}

	data, err := output.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("failed to read model output: %w", err)
	}

	scaleX := float64(frame.Cols()) / float64(size)
	scaleY := float64(frame.Rows()) / float64(size)
	candidates := DecodeYOLOv8(data, dims[1], dims[2], params.Confidence, scaleX, scaleY)

	kept := NMS(candidates, params.IOU)
	if params.MaxDetections > 0 && len(kept) > params.MaxDetections {
		kept = kept[:params.MaxDetections]
	}
	return kept, nil
}

func (m *onnxModel) Close() error {
	return m.net.Close()
}

// DecodeYOLOv8 reads a [1, 4+classes, anchors] tensor laid out row-major. Each anchor
// holds cx, cy, w, h in input pixels followed by per-class scores.
func DecodeYOLOv8(data []float32, rows, anchors int, confThreshold, scaleX, scaleY float64) []RawDetection {
	if rows < 5 || len(data) < rows*anchors {
		return nil
	}

	numClasses := rows - 4
	var dets []RawDetection
	for i := 0; i < anchors; i++ {
		bestClass := -1
		bestScore := float32(0)
		for c := 0; c < numClasses; c++ {
			score := data[(4+c)*anchors+i]
			if score > bestScore {
				bestScore = score
				bestClass = c
			}
		}
		if bestClass < 0 || float64(bestScore) < confThreshold {
			continue
		}

		cx := float64(data[i])
		cy := float64(data[anchors+i])
		w := float64(data[2*anchors+i])
		h := float64(data[3*anchors+i])

		dets = append(dets, RawDetection{
			BBox: [4]float64{
				(cx - w/2) * scaleX,
				(cy - h/2) * scaleY,
				(cx + w/2) * scaleX,
				(cy + h/2) * scaleY,
			},
			Confidence: float64(bestScore),
			ClassID:    bestClass,
		})
	}
	return dets
}
