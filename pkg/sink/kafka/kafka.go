// Package kafka publishes domain events to a kafka topic, keyed by the
// repository DID so each repository's events stay in one partition.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/biosky/ingester/pkg/models"
	"github.com/biosky/ingester/pkg/sink"
	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

const (
	DefaultTopic   = "biosky-events"
	DefaultTimeout = 10 * time.Second
)

type Config struct {
	// Brokers is the bootstrap.servers list, e.g. "broker1:9092,broker2:9092".
	Brokers string
	Topic   string
	// Timeout bounds the wait for each delivery report.
	Timeout time.Duration
	// Extra is merged into the producer configuration.
	Extra kafka.ConfigMap
}

type Sink struct {
	config   Config
	producer *kafka.Producer
}

func New(cfg Config) (*Sink, error) {
	if cfg.Brokers == "" {
		return nil, errors.New("kafka sink requires brokers")
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	conf := kafka.ConfigMap{
		"bootstrap.servers": cfg.Brokers,
		"acks":              "all",
		"compression.type":  "zstd",
	}
	for k, v := range cfg.Extra {
		conf[k] = v
	}

	producer, err := kafka.NewProducer(&conf)
	if err != nil {
		return nil, fmt.Errorf("kafka: failed to create producer: %w", err)
	}

	s := &Sink{config: cfg, producer: producer}
	go s.drainEvents()
	return s, nil
}

// drainEvents consumes producer-level events (errors, stats) that are not
// delivery reports, which librdkafka requires to avoid blocking.
func (s *Sink) drainEvents() {
	for range s.producer.Events() {
	}
}

// Publish produces evt and waits for its delivery report.
func (s *Sink) Publish(ctx context.Context, evt *models.Event) error {
	body, err := sink.Encode(evt)
	if err != nil {
		return fmt.Errorf("kafka: %w", err)
	}

	delivery := make(chan kafka.Event, 1)
	err = s.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &s.config.Topic, Partition: kafka.PartitionAny},
		Key:            []byte(evt.Did),
		Value:          body,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(evt.Kind)},
			{Key: "action", Value: []byte(evt.Action)},
		},
	}, delivery)
	if err != nil {
		return fmt.Errorf("kafka: failed to produce: %w", err)
	}

	timer := time.NewTimer(s.config.Timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("kafka: context canceled awaiting delivery: %w", ctx.Err())
	case <-timer.C:
		return fmt.Errorf("kafka: no delivery report after %s", s.config.Timeout)
	case e := <-delivery:
		m, ok := e.(*kafka.Message)
		if !ok {
			return fmt.Errorf("kafka: unexpected delivery event %v", e)
		}
		if m.TopicPartition.Error != nil {
			return fmt.Errorf("kafka: delivery failed: %w", m.TopicPartition.Error)
		}
		return nil
	}
}

// Close flushes outstanding messages before shutting the producer down.
func (s *Sink) Close() error {
	remaining := s.producer.Flush(int(s.config.Timeout / time.Millisecond))
	s.producer.Close()
	if remaining > 0 {
		return fmt.Errorf("kafka: %d messages not delivered before close", remaining)
	}
	return nil
}

var _ sink.Sink = (*Sink)(nil)
