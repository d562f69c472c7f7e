package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/tbourn/physio-sync/internal/domain"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSubmitter publishes each record as one message keyed by its id. The
// topic is expected to be compacted, so redeliveries collapse on the key at
// the consumer.
type KafkaSubmitter struct {
	topic  string
	writer messageWriter
}

// NewKafkaSubmitter builds a synchronous producer that waits for all
// in-sync replicas.
func NewKafkaSubmitter(brokers []string, topic string) (*KafkaSubmitter, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka: at least one broker is required")
	}
	if topic == "" {
		return nil, errors.New("kafka: topic is required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Snappy,
		Async:        false,
	}
	return &KafkaSubmitter{topic: topic, writer: w}, nil
}

// Submit writes s and returns "<topic>/<id>" as the remote id.
func (k *KafkaSubmitter) Submit(ctx context.Context, s domain.Submission) (domain.Ack, error) {
	value, err := json.Marshal(s)
	if err != nil {
		return domain.Ack{}, fmt.Errorf("kafka: encode submission: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(s.ID),
		Value: value,
		Time:  time.Now().UTC(),
		Headers: []kafka.Header{
			{Key: "owner_id", Value: []byte(s.OwnerID)},
			{Key: "kind", Value: []byte(s.Kind)},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return domain.Ack{}, fmt.Errorf("kafka: write %s: %w", s.ID, err)
	}
	return domain.Ack{RemoteID: k.topic + "/" + s.ID}, nil
}

// Close flushes and releases the writer.
func (k *KafkaSubmitter) Close() error { return k.writer.Close() }
