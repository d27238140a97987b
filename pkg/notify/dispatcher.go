// Package notify publishes lifecycle events to interested collaborators.
// Dispatch is best-effort: failures are logged and never surfaced to the
// operation that triggered them.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/clinforge/edc/pkg/common/logger"
	"github.com/clinforge/edc/pkg/common/models"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

type Dispatcher interface {
	FormEvent(ctx context.Context, event models.LifecycleEvent) error
}

type KafkaDispatcher struct {
	writer *kafka.Writer
}

func NewKafkaDispatcher(brokers []string, topic string) *KafkaDispatcher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		BatchSize:    1,
		BatchTimeout: 10 * time.Millisecond,
	}
	return &KafkaDispatcher{writer: writer}
}

func (d *KafkaDispatcher) FormEvent(ctx context.Context, event models.LifecycleEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	eventBytes, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal lifecycle event: %w", err)
	}

	message := kafka.Message{
		Key:   []byte(event.CRFInstanceID.String()),
		Value: eventBytes,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(event.Type)},
		},
	}

	if err := d.writer.WriteMessages(ctx, message); err != nil {
		return err
	}

	logger.Log.WithFields(map[string]interface{}{
		"event_id":   event.ID,
		"event_type": event.Type,
		"topic":      d.writer.Topic,
	}).Debug("Lifecycle event published")
	return nil
}

func (d *KafkaDispatcher) Close() error {
	return d.writer.Close()
}

// Noop drops every event. Used when notifications are disabled and in tests.
type Noop struct{}

func (Noop) FormEvent(context.Context, models.LifecycleEvent) error { return nil }
