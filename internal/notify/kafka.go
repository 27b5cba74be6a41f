package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is the subset of *kafka.Writer the sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes envelopes keyed by entity id so events for one design
// or product stay on one partition.
type KafkaSink struct {
	Writer MessageWriter
	Topic  string
}

func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		WriteTimeout:           10 * time.Second,
		AllowAutoTopicCreation: true,
	}
	return &KafkaSink{Writer: w, Topic: topic}, nil
}

func (s *KafkaSink) Name() string { return "kafka:" + s.Topic }

func (s *KafkaSink) Deliver(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	ts, err := time.Parse(time.RFC3339, env.TS)
	if err != nil {
		ts = time.Now()
	}
	msg := kafka.Message{
		Topic: s.Topic,
		Key:   []byte(env.EntityKind + ":" + env.EntityID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(env.Type)},
			{Key: "event-id", Value: []byte(fmt.Sprintf("%d", env.ID))},
		},
		Time: ts,
	}
	if err := s.Writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish event %d: %w", env.ID, err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	return s.Writer.Close()
}
