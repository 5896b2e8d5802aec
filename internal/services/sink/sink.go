package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"smartpark-worker-go/internal/models"
)

// SlotEventMessage is the bus payload for one slot status change
type SlotEventMessage struct {
	EventID       string            `json:"event_id"`
	HardwareCode  string            `json:"hardware_code"`
	SlotID        int               `json:"slot_id"`
	Status        models.SlotStatus `json:"status"`
	Confidence    float64           `json:"confidence"`
	VehicleTypeID *int              `json:"vehicle_type_id,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}

// PartitionKey keeps the events of one slot on one Kafka partition
func (m SlotEventMessage) PartitionKey() string {
	return fmt.Sprintf("%s/%d", m.HardwareCode, m.SlotID)
}

// PublisherSink turns slot events into bus messages on a fixed subject
type PublisherSink struct {
	publisher    models.MessagePublisher
	subject      string
	hardwareCode string
}

// NewPublisherSink wraps a publisher. The subject is a NATS subject, MQTT topic or Kafka topic.
func NewPublisherSink(publisher models.MessagePublisher, subject, hardwareCode string) *PublisherSink {
	return &PublisherSink{publisher: publisher, subject: subject, hardwareCode: hardwareCode}
}

// SendSlotStatus publishes the event
func (s *PublisherSink) SendSlotStatus(ctx context.Context, event models.SlotStatusEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	msg := SlotEventMessage{
		EventID:       uuid.NewString(),
		HardwareCode:  s.hardwareCode,
		SlotID:        event.SlotID,
		Status:        event.Status,
		Confidence:    event.Confidence,
		VehicleTypeID: event.VehicleTypeID,
		Timestamp:     ts.UTC(),
	}
	if err := s.publisher.Publish(s.subject, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", s.subject, err)
	}
	return nil
}

// Subject returns the destination the sink publishes to
func (s *PublisherSink) Subject() string {
	return s.subject
}

// Fanout delivers each event to every sink
type Fanout []models.EventSink

// SendSlotStatus sends to all sinks and joins their errors. An empty fanout does nothing.
func (f Fanout) SendSlotStatus(ctx context.Context, event models.SlotStatusEvent) error {
	var errs []error
	for _, s := range f {
		if s == nil {
			continue
		}
		if err := s.SendSlotStatus(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Statistics merges the statistics of the sinks that report any
func (f Fanout) Statistics() map[string]interface{} {
	stats := map[string]interface{}{"sinks": len(f)}
	for i, s := range f {
		if r, ok := s.(interface{ Statistics() map[string]interface{} }); ok {
			stats[fmt.Sprintf("sink_%d", i)] = r.Statistics()
		}
	}
	return stats
}
