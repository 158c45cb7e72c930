package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/amialive/amialive/internal/config"
	"github.com/amialive/amialive/internal/feed"
)

// KafkaMirror publishes public activity events to a Kafka topic so
// external consumers (dashboards, archives) can follow the experiment
// without hitting the public API.
type KafkaMirror struct {
	writer *kafka.Writer
}

// NewKafkaMirror builds a mirror, or nil when no brokers are configured.
func NewKafkaMirror(cfg config.KafkaConfig) *KafkaMirror {
	if !cfg.Enabled() {
		return nil
	}
	return &KafkaMirror{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.LeastBytes{},
			BatchTimeout: 250 * time.Millisecond,
			Async:        true,
		},
	}
}

// Publish mirrors one event. Keys by life number so one life's events
// stay ordered within a partition.
func (m *KafkaMirror) Publish(ctx context.Context, e feed.Event) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	err = m.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatInt(e.LifeNumber, 10)),
		Value: value,
	})
	if err != nil {
		return fmt.Errorf("write to kafka: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (m *KafkaMirror) Close() error {
	return m.writer.Close()
}
