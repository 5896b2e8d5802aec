package sink

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartpark-worker-go/internal/models"
)

type recordingPublisher struct {
	subjects []string
	messages []interface{}
	err      error
}

func (p *recordingPublisher) Publish(subject string, data interface{}) error {
	if p.err != nil {
		return p.err
	}
	p.subjects = append(p.subjects, subject)
	p.messages = append(p.messages, data)
	return nil
}

type stubSink struct {
	calls int
	err   error
}

func (s *stubSink) SendSlotStatus(context.Context, models.SlotStatusEvent) error {
	s.calls++
	return s.err
}

func TestPublisherSinkBuildsMessage(t *testing.T) {
	pub := &recordingPublisher{}
	s := NewPublisherSink(pub, "smartpark.slots", "CAM-01")
	vt := 2
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	err := s.SendSlotStatus(context.Background(), models.SlotStatusEvent{
		SlotID:        7,
		Status:        models.SlotStatusOccupied,
		Confidence:    0.91,
		VehicleTypeID: &vt,
		Timestamp:     at,
	})
	require.NoError(t, err)
	require.Len(t, pub.messages, 1)
	assert.Equal(t, "smartpark.slots", pub.subjects[0])
	assert.Equal(t, "smartpark.slots", s.Subject())

	msg, ok := pub.messages[0].(SlotEventMessage)
	require.True(t, ok)
	_, err = uuid.Parse(msg.EventID)
	assert.NoError(t, err)
	assert.Equal(t, "CAM-01", msg.HardwareCode)
	assert.Equal(t, 7, msg.SlotID)
	assert.Equal(t, models.SlotStatusOccupied, msg.Status)
	assert.InDelta(t, 0.91, msg.Confidence, 1e-9)
	require.NotNil(t, msg.VehicleTypeID)
	assert.Equal(t, 2, *msg.VehicleTypeID)
	assert.Equal(t, at, msg.Timestamp)
}

func TestPublisherSinkUniqueEventIDs(t *testing.T) {
	pub := &recordingPublisher{}
	s := NewPublisherSink(pub, "slots", "CAM-01")
	ev := models.SlotStatusEvent{SlotID: 1, Status: models.SlotStatusFree}

	require.NoError(t, s.SendSlotStatus(context.Background(), ev))
	require.NoError(t, s.SendSlotStatus(context.Background(), ev))

	first := pub.messages[0].(SlotEventMessage)
	second := pub.messages[1].(SlotEventMessage)
	assert.NotEqual(t, first.EventID, second.EventID)
	assert.False(t, first.Timestamp.IsZero())
}

func TestPublisherSinkErrors(t *testing.T) {
	boom := errors.New("not connected")
	s := NewPublisherSink(&recordingPublisher{err: boom}, "slots", "CAM-01")

	err := s.SendSlotStatus(context.Background(), models.SlotStatusEvent{SlotID: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "slots")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = NewPublisherSink(&recordingPublisher{}, "slots", "CAM-01").SendSlotStatus(ctx, models.SlotStatusEvent{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFanout(t *testing.T) {
	errA := errors.New("a down")
	errB := errors.New("b down")

	tests := []struct {
		name    string
		sinks   []*stubSink
		wantErr []error
	}{
		{name: "all_ok", sinks: []*stubSink{{}, {}}},
		{name: "one_fails", sinks: []*stubSink{{err: errA}, {}}, wantErr: []error{errA}},
		{name: "both_fail", sinks: []*stubSink{{err: errA}, {err: errB}}, wantErr: []error{errA, errB}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f Fanout
			for _, s := range tt.sinks {
				f = append(f, s)
			}

			err := f.SendSlotStatus(context.Background(), models.SlotStatusEvent{SlotID: 1})
			for _, s := range tt.sinks {
				assert.Equal(t, 1, s.calls, "every sink receives the event")
			}
			if len(tt.wantErr) == 0 {
				assert.NoError(t, err)
				return
			}
			for _, want := range tt.wantErr {
				assert.ErrorIs(t, err, want)
			}
		})
	}
}

func TestEmptyFanout(t *testing.T) {
	var f Fanout
	assert.NoError(t, f.SendSlotStatus(context.Background(), models.SlotStatusEvent{}))
	assert.NoError(t, Fanout{nil}.SendSlotStatus(context.Background(), models.SlotStatusEvent{}))
	assert.Equal(t, 0, f.Statistics()["sinks"])
}

func TestSlotEventMessagePartitionKey(t *testing.T) {
	msg := SlotEventMessage{HardwareCode: "CAM-01", SlotID: 12}
	assert.Equal(t, "CAM-01/12", msg.PartitionKey())
}
