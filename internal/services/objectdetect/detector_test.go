package objectdetect

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"smartpark-worker-go/internal/models"
)

type fakeModel struct {
	dets   []RawDetection
	err    error
	panics bool
	closed bool
	params InferParams
}

func (m *fakeModel) Infer(_ gocv.Mat, params InferParams) ([]RawDetection, error) {
	if m.panics {
		panic("native crash")
	}
	m.params = params
	return m.dets, m.err
}

func (m *fakeModel) Close() error {
	m.closed = true
	return nil
}

type fakeSource struct {
	models map[string]*fakeModel
}

func (s *fakeSource) Load(path string) (Model, error) {
	m, ok := s.models[path]
	if !ok {
		return nil, errors.New("no such model")
	}
	return m, nil
}

func newTestDetector(t *testing.T, model *fakeModel) (*Detector, *fakeSource) {
	t.Helper()
	source := &fakeSource{models: map[string]*fakeModel{"base.onnx": model}}
	cfg := DefaultConfig()
	cfg.ModelPath = "base.onnx"
	d, err := New(cfg, source, zerolog.Nop())
	require.NoError(t, err)
	return d, source
}

func testFrame() gocv.Mat {
	return gocv.NewMatWithSize(100, 100, gocv.MatTypeCV8UC3)
}

var testZones = []models.Zone{
	{Code: "A1", ID: 1, X: 0, Y: 0, Width: 100, Height: 100},
	{Code: "A2", ID: 2, X: 200, Y: 0, Width: 100, Height: 100},
}

func TestNewFailsWhenModelMissing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ModelPath = "missing.onnx"
	_, err := New(cfg, &fakeSource{}, zerolog.Nop())
	assert.Error(t, err)
}

func TestProcessFrameAttributesDetections(t *testing.T) {
	model := &fakeModel{dets: []RawDetection{
		{BBox: [4]float64{10, 10, 60, 60}, Confidence: 0.7, ClassID: 2},
		{BBox: [4]float64{20, 20, 80, 80}, Confidence: 0.9, ClassID: 7},
		{BBox: [4]float64{30, 30, 50, 50}, Confidence: 0.99, ClassID: 0}, // person
	}}
	d, _ := newTestDetector(t, model)
	frame := testFrame()
	defer frame.Close()

	results, err := d.ProcessFrame(frame, testZones)
	require.NoError(t, err)

	a1 := results["A1"]
	assert.Equal(t, models.SlotStatusOccupied, a1.Status)
	assert.InDelta(t, 0.9, a1.Confidence, 1e-9)
	assert.Equal(t, "truck", a1.VehicleType)
	assert.Equal(t, 2, a1.VehicleCount)
	assert.Len(t, a1.Detections, 2)

	a2 := results["A2"]
	assert.Equal(t, models.SlotStatusFree, a2.Status)
	assert.InDelta(t, 0.95, a2.Confidence, 1e-9)
	assert.Equal(t, 2, a2.ZoneID)

	assert.Len(t, d.LastDetections(), 2)
	assert.InDelta(t, 0.5, model.params.Confidence, 1e-9)
}

func TestProcessFrameInferenceErrorIsUnknown(t *testing.T) {
	d, _ := newTestDetector(t, &fakeModel{err: errors.New("cuda out of memory")})
	frame := testFrame()
	defer frame.Close()

	results, err := d.ProcessFrame(frame, testZones)
	require.NoError(t, err)
	for _, zone := range testZones {
		assert.Equal(t, models.SlotStatusUnknown, results[zone.Code].Status)
		assert.Equal(t, "cuda out of memory", results[zone.Code].Error)
	}
}

func TestProcessFramePanicIsUnknown(t *testing.T) {
	d, _ := newTestDetector(t, &fakeModel{panics: true})
	frame := testFrame()
	defer frame.Close()

	results, err := d.ProcessFrame(frame, testZones)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, models.SlotStatusUnknown, results["A1"].Status)
}

func TestAttributeToZone(t *testing.T) {
	zone := models.Zone{Code: "A1", X: 100, Y: 100, Width: 100, Height: 100}

	tests := []struct {
		name string
		bbox [4]float64
		want bool
	}{
		{"center inside", [4]float64{120, 120, 180, 180}, true},
		{"center on edge", [4]float64{150, 50, 250, 150}, true},
		{"large overlap, center outside", [4]float64{30, 100, 160, 200}, true},
		{"small overlap, center outside", [4]float64{10, 10, 110, 110}, false},
		{"far away", [4]float64{400, 400, 450, 450}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vehicles := FilterVehicles([]RawDetection{{BBox: tt.bbox, Confidence: 0.8, ClassID: 2}}, DefaultVehicleClasses())
			matched := AttributeToZone(vehicles, zone, 0.3)
			assert.Equal(t, tt.want, len(matched) == 1)
		})
	}
}

func TestNMS(t *testing.T) {
	dets := []RawDetection{
		{BBox: [4]float64{0, 0, 10, 10}, Confidence: 0.6, ClassID: 2},
		{BBox: [4]float64{1, 1, 11, 11}, Confidence: 0.9, ClassID: 2},
		{BBox: [4]float64{1, 1, 11, 11}, Confidence: 0.8, ClassID: 7},
		{BBox: [4]float64{50, 50, 60, 60}, Confidence: 0.5, ClassID: 2},
	}

	kept := NMS(dets, 0.45)
	require.Len(t, kept, 3)
	assert.InDelta(t, 0.9, kept[0].Confidence, 1e-9)
	assert.Equal(t, 7, kept[1].ClassID, "other classes are not suppressed")
	assert.InDelta(t, 0.5, kept[2].Confidence, 1e-9)

	assert.Nil(t, NMS(nil, 0.45))
}

func TestDecodeYOLOv8(t *testing.T) {
	// 2 classes, 2 anchors: rows are cx, cy, w, h, class0, class1
	data := []float32{
		100, 300,
		100, 300,
		20, 40,
		40, 20,
		0.1, 0.2,
		0.8, 0.3,
	}

	dets := DecodeYOLOv8(data, 6, 2, 0.5, 2, 0.5)
	require.Len(t, dets, 1)
	assert.Equal(t, 1, dets[0].ClassID)
	assert.InDelta(t, 0.8, dets[0].Confidence, 1e-6)
	assert.InDeltaSlice(t, []float64{180, 40, 220, 60}, dets[0].BBox[:], 1e-6)
}

func TestUpdateConfidenceClamps(t *testing.T) {
	d, _ := newTestDetector(t, &fakeModel{})
	assert.Equal(t, 1.0, d.UpdateConfidence(1.7))
	assert.Equal(t, 0.0, d.UpdateConfidence(-0.2))
	assert.Equal(t, 0.35, d.UpdateConfidence(0.35))
	assert.Equal(t, 0.35, d.Confidence())
}

func TestSwapModel(t *testing.T) {
	base := &fakeModel{}
	d, source := newTestDetector(t, base)

	err := d.SwapModel("missing.onnx")
	assert.Error(t, err)
	assert.Equal(t, "base.onnx", d.ModelPath())
	assert.False(t, base.closed)

	next := &fakeModel{}
	source.models["next.onnx"] = next
	require.NoError(t, d.SwapModel("next.onnx"))
	assert.Equal(t, "next.onnx", d.ModelPath())
	assert.True(t, base.closed)
}

// blockingModel parks inside Infer until released and records a Close that
// arrives while inference is still running
type blockingModel struct {
	entered           chan struct{}
	release           chan struct{}
	inInfer           atomic.Bool
	closed            atomic.Bool
	closedDuringInfer atomic.Bool
}

func newBlockingModel() *blockingModel {
	return &blockingModel{entered: make(chan struct{}), release: make(chan struct{})}
}

func (m *blockingModel) Infer(gocv.Mat, InferParams) ([]RawDetection, error) {
	m.inInfer.Store(true)
	close(m.entered)
	<-m.release
	m.inInfer.Store(false)
	return nil, nil
}

func (m *blockingModel) Close() error {
	if m.inInfer.Load() {
		m.closedDuringInfer.Store(true)
	}
	m.closed.Store(true)
	return nil
}

type sourceFunc func(path string) (Model, error)

func (f sourceFunc) Load(path string) (Model, error) { return f(path) }

func TestSwapModelWaitsForInFlightInference(t *testing.T) {
	old := newBlockingModel()
	next := &fakeModel{}
	source := sourceFunc(func(path string) (Model, error) {
		if path == "next.onnx" {
			return next, nil
		}
		return old, nil
	})

	cfg := DefaultConfig()
	cfg.ModelPath = "base.onnx"
	d, err := New(cfg, source, zerolog.Nop())
	require.NoError(t, err)

	frame := testFrame()
	defer frame.Close()

	processed := make(chan models.ZoneResults, 1)
	go func() {
		results, _ := d.ProcessFrame(frame, testZones)
		processed <- results
	}()
	<-old.entered

	swapped := make(chan error, 1)
	go func() { swapped <- d.SwapModel("next.onnx") }()

	require.Eventually(t, func() bool { return d.ModelPath() == "next.onnx" }, time.Second, 5*time.Millisecond)
	select {
	case <-swapped:
		t.Fatal("swap returned while the old model was still inferring")
	case <-time.After(50 * time.Millisecond):
	}
	assert.False(t, old.closed.Load())

	close(old.release)
	require.NoError(t, <-swapped)
	results := <-processed

	assert.True(t, old.closed.Load())
	assert.False(t, old.closedDuringInfer.Load())
	assert.Equal(t, models.SlotStatusFree, results["A1"].Status)
}

func TestProcessFrameAfterClose(t *testing.T) {
	d, _ := newTestDetector(t, &fakeModel{})
	require.NoError(t, d.Close())

	frame := testFrame()
	defer frame.Close()

	results, err := d.ProcessFrame(frame, testZones)
	require.NoError(t, err)
	assert.Equal(t, models.SlotStatusUnknown, results["A1"].Status)
}
