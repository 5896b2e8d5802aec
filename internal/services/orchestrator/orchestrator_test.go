package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"smartpark-worker-go/internal/models"
	"smartpark-worker-go/internal/services/fusion"
	"smartpark-worker-go/internal/services/performance"
)

// scriptedDetector returns queued results, one per frame
type scriptedDetector struct {
	mode   models.DetectionMode
	frames []models.ZoneResults
	err    error
	calls  int
}

func (d *scriptedDetector) Mode() models.DetectionMode { return d.mode }

func (d *scriptedDetector) ProcessFrame(_ gocv.Mat, _ []models.Zone) (models.ZoneResults, error) {
	if d.err != nil {
		return nil, d.err
	}
	res := d.frames[min(d.calls, len(d.frames)-1)]
	d.calls++
	return res, nil
}

func (d *scriptedDetector) Stats() map[string]interface{} {
	return map[string]interface{}{"calls": d.calls}
}

type recordingSink struct {
	mu     sync.Mutex
	events []models.SlotStatusEvent
	err    error
}

func (s *recordingSink) SendSlotStatus(_ context.Context, ev models.SlotStatusEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

type recordingHeartbeat struct {
	data map[string]interface{}
}

func (h *recordingHeartbeat) SendHeartbeat(_ context.Context, data map[string]interface{}) error {
	h.data = data
	return nil
}

var testZones = []models.Zone{
	{Code: "A1", ID: 11, X: 0, Y: 0, Width: 10, Height: 10},
	{Code: "A2", ID: 12, X: 20, Y: 0, Width: 10, Height: 10},
}

func result(status models.SlotStatus, zoneID int) models.DetectionResult {
	return models.DetectionResult{Status: status, Confidence: 0.9, ZoneID: zoneID}
}

func frames(pairs ...[2]models.SlotStatus) []models.ZoneResults {
	out := make([]models.ZoneResults, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, models.ZoneResults{"A1": result(p[0], 11), "A2": result(p[1], 12)})
	}
	return out
}

func newThresholdOnly(t *testing.T, det *scriptedDetector, sink models.EventSink) *Orchestrator {
	t.Helper()
	o, err := New(Options{
		Zones:       testZones,
		InitialMode: models.DetectionModeThreshold,
		Threshold:   det,
		Sink:        sink,
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { o.Close() })
	return o
}

const (
	free     = models.SlotStatusFree
	occupied = models.SlotStatusOccupied
	unknown  = models.SlotStatusUnknown
)

func TestDiffStatuses(t *testing.T) {
	at := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

	t.Run("free to occupied", func(t *testing.T) {
		changes := DiffStatuses(
			models.ZoneResults{"A1": {Status: free, ZoneID: 1}},
			models.ZoneResults{"A1": {Status: occupied, ZoneID: 1, Confidence: 0.8, VehicleType: "car"}},
			at,
		)
		require.Len(t, changes, 1)
		assert.Equal(t, models.StatusChangeEvent{
			ZoneCode:       "A1",
			ZoneID:         1,
			PreviousStatus: free,
			CurrentStatus:  occupied,
			Confidence:     0.8,
			VehicleType:    "car",
			Timestamp:      at,
		}, changes[0])
	})

	t.Run("change into unknown is ignored", func(t *testing.T) {
		changes := DiffStatuses(
			models.ZoneResults{"A1": {Status: free}},
			models.ZoneResults{"A1": {Status: unknown}},
			at,
		)
		assert.Empty(t, changes)
	})

	t.Run("change out of unknown is reported", func(t *testing.T) {
		changes := DiffStatuses(
			models.ZoneResults{"A1": {Status: unknown}},
			models.ZoneResults{"A1": {Status: free}},
			at,
		)
		require.Len(t, changes, 1)
		assert.Equal(t, unknown, changes[0].PreviousStatus)
	})

	t.Run("new zone has no previous status", func(t *testing.T) {
		changes := DiffStatuses(models.ZoneResults{}, models.ZoneResults{"A1": {Status: occupied}}, at)
		assert.Empty(t, changes)
	})

	t.Run("ordered by zone code", func(t *testing.T) {
		changes := DiffStatuses(
			models.ZoneResults{"B2": {Status: free}, "A1": {Status: free}},
			models.ZoneResults{"B2": {Status: occupied}, "A1": {Status: occupied}},
			at,
		)
		require.Len(t, changes, 2)
		assert.Equal(t, "A1", changes[0].ZoneCode)
		assert.Equal(t, "B2", changes[1].ZoneCode)
	})
}

func TestNewValidation(t *testing.T) {
	det := &scriptedDetector{mode: models.DetectionModeThreshold, frames: frames([2]models.SlotStatus{free, free})}

	_, err := New(Options{InitialMode: models.DetectionModeThreshold, Threshold: det, Logger: zerolog.Nop()})
	assert.ErrorIs(t, err, ErrNoZones)

	_, err = New(Options{Zones: testZones, InitialMode: models.DetectionModeObject, Threshold: det, Logger: zerolog.Nop()})
	assert.ErrorIs(t, err, ErrModeUnavailable)

	_, err = New(Options{Zones: testZones, InitialMode: models.DetectionModeHybrid, Threshold: det, Logger: zerolog.Nop()})
	assert.ErrorIs(t, err, ErrModeUnavailable, "hybrid needs both detectors")
}

func TestProcessFrameSendsOneEventPerChange(t *testing.T) {
	det := &scriptedDetector{
		mode: models.DetectionModeThreshold,
		frames: frames(
			[2]models.SlotStatus{free, free},
			[2]models.SlotStatus{occupied, occupied},
			[2]models.SlotStatus{occupied, unknown},
		),
	}
	sink := &recordingSink{}
	o := newThresholdOnly(t, det, sink)
	frame := gocv.NewMat()
	defer frame.Close()
	ctx := context.Background()

	_, err := o.ProcessFrame(ctx, frame, true)
	require.NoError(t, err)
	assert.Empty(t, sink.events, "first frame has nothing to compare with")

	_, err = o.ProcessFrame(ctx, frame, true)
	require.NoError(t, err)
	require.Len(t, sink.events, 2)
	assert.Equal(t, 11, sink.events[0].SlotID)
	assert.Equal(t, occupied, sink.events[0].Status)
	assert.Equal(t, 12, sink.events[1].SlotID)

	results, err := o.ProcessFrame(ctx, frame, true)
	require.NoError(t, err)
	assert.Len(t, sink.events, 2, "unknown is not reported")
	assert.Equal(t, unknown, results["A2"].Status)
	assert.Equal(t, unknown, o.LastResults()["A2"].Status)
	assert.Equal(t, int64(3), o.FrameCount())
}

func TestProcessFrameWithoutSendDownstream(t *testing.T) {
	det := &scriptedDetector{
		mode:   models.DetectionModeThreshold,
		frames: frames([2]models.SlotStatus{free, free}, [2]models.SlotStatus{occupied, free}),
	}
	sink := &recordingSink{}
	o := newThresholdOnly(t, det, sink)
	frame := gocv.NewMat()
	defer frame.Close()

	var got []models.StatusChangeEvent
	o.AddStatusChangeCallback(func(changes []models.StatusChangeEvent) { got = changes })

	for i := 0; i < 2; i++ {
		_, err := o.ProcessFrame(context.Background(), frame, false)
		require.NoError(t, err)
	}
	assert.Empty(t, sink.events)
	require.Len(t, got, 1, "callbacks still run")
}

func TestSinkFailureDoesNotAffectResults(t *testing.T) {
	det := &scriptedDetector{
		mode:   models.DetectionModeThreshold,
		frames: frames([2]models.SlotStatus{free, free}, [2]models.SlotStatus{occupied, free}),
	}
	sink := &recordingSink{err: errors.New("backend down")}
	o := newThresholdOnly(t, det, sink)
	frame := gocv.NewMat()
	defer frame.Close()

	_, err := o.ProcessFrame(context.Background(), frame, true)
	require.NoError(t, err)
	results, err := o.ProcessFrame(context.Background(), frame, true)
	require.NoError(t, err)

	assert.Equal(t, occupied, results["A1"].Status)
	assert.Equal(t, occupied, o.LastResults()["A1"].Status, "state reflects detection, not delivery")
	sinkStats := o.Statistics()["sink"].(map[string]interface{})
	assert.Equal(t, int64(1), sinkStats["failed"])
}

func TestSinkFailureLogTaggedWithZoneAndMode(t *testing.T) {
	det := &scriptedDetector{
		mode:   models.DetectionModeThreshold,
		frames: frames([2]models.SlotStatus{free, free}, [2]models.SlotStatus{occupied, free}),
	}
	var buf bytes.Buffer
	o, err := New(Options{
		Zones:       testZones,
		InitialMode: models.DetectionModeThreshold,
		Threshold:   det,
		Sink:        &recordingSink{err: errors.New("backend down")},
		Logger:      zerolog.New(&buf),
	})
	require.NoError(t, err)
	defer o.Close()
	frame := gocv.NewMat()
	defer frame.Close()

	for i := 0; i < 2; i++ {
		_, err := o.ProcessFrame(context.Background(), frame, true)
		require.NoError(t, err)
	}

	var warning map[string]interface{}
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(line, &entry))
		if entry["message"] == "Failed to send status change" {
			warning = entry
		}
	}
	require.NotNil(t, warning)
	assert.Equal(t, "A1", warning["zone"])
	assert.Equal(t, "threshold", warning["mode"])
	assert.Equal(t, "backend down", warning["error"])
}

func TestProcessFrameResultsDetachedFromState(t *testing.T) {
	det := &scriptedDetector{
		mode:   models.DetectionModeThreshold,
		frames: frames([2]models.SlotStatus{free, free}, [2]models.SlotStatus{free, free}),
	}
	sink := &recordingSink{}
	o := newThresholdOnly(t, det, sink)
	frame := gocv.NewMat()
	defer frame.Close()

	results, err := o.ProcessFrame(context.Background(), frame, true)
	require.NoError(t, err)
	results["A1"] = result(occupied, 11)
	delete(results, "A2")

	assert.Equal(t, free, o.LastResults()["A1"].Status)
	assert.Len(t, o.LastResults(), 2)

	_, err = o.ProcessFrame(context.Background(), frame, true)
	require.NoError(t, err)
	assert.Empty(t, sink.events, "caller edits must not create transitions")
}

func TestCallbackPanicIsContained(t *testing.T) {
	det := &scriptedDetector{
		mode:   models.DetectionModeThreshold,
		frames: frames([2]models.SlotStatus{free, free}, [2]models.SlotStatus{occupied, free}),
	}
	o := newThresholdOnly(t, det, nil)
	frame := gocv.NewMat()
	defer frame.Close()

	o.AddStatusChangeCallback(func([]models.StatusChangeEvent) { panic("bad callback") })
	called := 0
	handle := o.AddStatusChangeCallback(func([]models.StatusChangeEvent) { called++ })

	for i := 0; i < 2; i++ {
		_, err := o.ProcessFrame(context.Background(), frame, true)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, called)

	assert.True(t, o.RemoveStatusChangeCallback(handle))
	assert.False(t, o.RemoveStatusChangeCallback(handle))
}

func TestDetectorErrorPropagates(t *testing.T) {
	det := &scriptedDetector{mode: models.DetectionModeThreshold, err: errors.New("camera unplugged")}
	tracker := performance.NewTracker(10, nil, zerolog.Nop())
	o, err := New(Options{
		Zones:       testZones,
		InitialMode: models.DetectionModeThreshold,
		Threshold:   det,
		Tracker:     tracker,
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, err)
	defer o.Close()

	frame := gocv.NewMat()
	defer frame.Close()
	_, err = o.ProcessFrame(context.Background(), frame, true)
	require.Error(t, err)
	assert.ErrorContains(t, err, "camera unplugged")
	assert.Equal(t, int64(0), o.FrameCount())
	assert.Equal(t, 1, tracker.ErrorCount(models.DetectionModeThreshold))
}

func TestSwitchMode(t *testing.T) {
	det := &scriptedDetector{mode: models.DetectionModeThreshold, frames: frames([2]models.SlotStatus{free, free})}
	o := newThresholdOnly(t, det, nil)

	assert.False(t, o.SwitchModeByName("yolo"), "object detector was never initialized")
	assert.Equal(t, models.DetectionModeThreshold, o.CurrentMode())

	assert.False(t, o.SwitchModeByName("radar"))
	assert.False(t, o.SwitchMode(models.DetectionModeHybrid))
	assert.True(t, o.SwitchModeByName("THRESHOLD"))
	assert.Equal(t, []models.DetectionMode{models.DetectionModeThreshold}, o.AvailableModes())
}

func TestHybridMode(t *testing.T) {
	threshold := &scriptedDetector{
		mode: models.DetectionModeThreshold,
		frames: []models.ZoneResults{{
			"A1": {Status: occupied, Confidence: 0.9, ZoneID: 11},
			"A2": {Status: free, Confidence: 0.95, ZoneID: 12},
		}},
	}
	object := &scriptedDetector{
		mode: models.DetectionModeObject,
		frames: []models.ZoneResults{{
			"A1": {Status: occupied, Confidence: 0.9, ZoneID: 11, VehicleType: "car"},
			"A2": {Status: occupied, Confidence: 0.85, ZoneID: 12, VehicleType: "truck"},
		}},
	}
	engine, err := fusion.New(fusion.DefaultConfig(), zerolog.Nop())
	require.NoError(t, err)

	o, err := New(Options{
		Zones:          testZones,
		InitialMode:    models.DetectionModeThreshold,
		Threshold:      threshold,
		Object:         object,
		Fusion:         engine,
		VehicleTypeIDs: map[string]int{"car": 1},
		Logger:         zerolog.Nop(),
	})
	require.NoError(t, err)
	defer o.Close()

	assert.Equal(t, models.AllDetectionModes, o.AvailableModes())
	require.True(t, o.SwitchModeByName("hybrid"))

	frame := gocv.NewMat()
	defer frame.Close()
	results, err := o.ProcessFrame(context.Background(), frame, false)
	require.NoError(t, err)

	assert.Equal(t, occupied, results["A1"].Status)
	assert.True(t, results["A1"].Consensus)
	assert.Equal(t, fusion.PrimaryConsensus, results["A1"].PrimaryMethod)
	assert.Equal(t, occupied, results["A2"].Status)
	assert.Equal(t, fusion.PrimaryObject, results["A2"].PrimaryMethod)
	assert.Equal(t, 1, threshold.calls)
	assert.Equal(t, 1, object.calls)

	require.True(t, o.SwitchModeByName("yolo"))
	assert.Equal(t, models.DetectionModeObject, o.CurrentMode())
}

func TestVehicleTypeIDMapping(t *testing.T) {
	det := &scriptedDetector{
		mode: models.DetectionModeObject,
		frames: []models.ZoneResults{
			{"A1": {Status: free, ZoneID: 11}, "A2": {Status: free, ZoneID: 12}},
			{"A1": {Status: occupied, ZoneID: 11, VehicleType: "bus"}, "A2": {Status: occupied, ZoneID: 12, VehicleType: "car"}},
		},
	}
	sink := &recordingSink{}
	o, err := New(Options{
		Zones:          testZones,
		InitialMode:    models.DetectionModeObject,
		Object:         det,
		Sink:           sink,
		VehicleTypeIDs: map[string]int{"car": 3},
		Logger:         zerolog.Nop(),
	})
	require.NoError(t, err)
	defer o.Close()

	frame := gocv.NewMat()
	defer frame.Close()
	for i := 0; i < 2; i++ {
		_, err := o.ProcessFrame(context.Background(), frame, true)
		require.NoError(t, err)
	}

	require.Len(t, sink.events, 2)
	assert.Nil(t, sink.events[0].VehicleTypeID, "bus has no configured id")
	require.NotNil(t, sink.events[1].VehicleTypeID)
	assert.Equal(t, 3, *sink.events[1].VehicleTypeID)
}

func TestHeartbeat(t *testing.T) {
	det := &scriptedDetector{mode: models.DetectionModeThreshold, frames: frames([2]models.SlotStatus{free, free})}
	hb := &recordingHeartbeat{}
	o, err := New(Options{
		Zones:       testZones,
		InitialMode: models.DetectionModeThreshold,
		Threshold:   det,
		Heartbeat:   hb,
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, err)
	defer o.Close()

	require.NoError(t, o.Heartbeat(context.Background()))
	assert.Equal(t, "threshold", hb.data["current_mode"])
	assert.Nil(t, hb.data["last_detection_time"])
}

func TestDebugFrameBeforeFirstFrame(t *testing.T) {
	det := &scriptedDetector{mode: models.DetectionModeThreshold, frames: frames([2]models.SlotStatus{free, free})}
	o := newThresholdOnly(t, det, nil)

	mat, ok := o.DebugFrame(true)
	defer mat.Close()
	assert.False(t, ok)
}
