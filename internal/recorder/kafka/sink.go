// Package kafka publishes answer records to a Kafka topic for downstream
// analytics and persistence.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/davidbz/docqa/internal/domain"
	"github.com/davidbz/docqa/internal/observability"
)

// Config contains the Kafka sink settings.
type Config struct {
	Brokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	Topic   string   `env:"KAFKA_TOPIC"   envDefault:"docqa.answers"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Sink writes each record as a JSON message keyed by document id, so all
// answers about one document land on the same partition.
type Sink struct {
	writer messageWriter
	topic  string
}

// NewSink creates a sink writing to cfg.Topic.
func NewSink(cfg *Config) (*Sink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one kafka broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka topic is required")
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}

	return newSink(writer, cfg.Topic), nil
}

func newSink(writer messageWriter, topic string) *Sink {
	return &Sink{writer: writer, topic: topic}
}

// Write publishes record.
func (s *Sink) Write(ctx context.Context, record *domain.AnswerRecord) error {
	value, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal answer record: %w", err)
	}

	err = s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(record.DocumentID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "user_id", Value: []byte(record.UserID)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to write answer record to %s: %w", s.topic, err)
	}

	observability.FromContext(ctx).Debug("answer record published",
		observability.String("topic", s.topic))
	return nil
}

// Close flushes and closes the writer.
func (s *Sink) Close() error {
	return s.writer.Close()
}
