// Package events publishes provisioning audit events.
package events

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	kafka "github.com/segmentio/kafka-go"
)

// Event types emitted by the provisioning workflows.
const (
	TypeUserOnboarded = "user_onboarded"
	TypeDeviceAdded   = "device_added"
	TypeDeviceRevoked = "device_revoked"
	TypeUserDeleted   = "user_deleted"
)

// Event is a single audit record.
type Event struct {
	Type      string    `json:"type"`
	UID       string    `json:"uid"`
	DeviceID  string    `json:"device_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Sink receives audit events. Publishing is best effort, failures must
// not abort the workflow that emitted the event.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// NopSink discards all events.
type NopSink struct{}

// Publish discards the event.
func (NopSink) Publish(ctx context.Context, ev Event) error { return nil }

// KafkaSink writes events to a Kafka topic, keyed by uid so that a
// user's events stay ordered within a partition.
type KafkaSink struct {
	writer *kafka.Writer
}

// NewKafkaSink creates a sink writing to the given brokers and topic.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		},
	}
}

// Publish writes the event.
func (s *KafkaSink) Publish(ctx context.Context, ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	value, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.UID),
		Value: value,
	})
}

// Close flushes and closes the underlying writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
