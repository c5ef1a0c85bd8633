// Package eventbus publishes captured messages to Kafka.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/and161185/tgcollector/internal/model"
)

// EventMessageCaptured is the type of events emitted for every enqueued message.
const EventMessageCaptured = "message.captured"

// Publisher delivers messages at least once.
type Publisher interface {
	Publish(ctx context.Context, m model.QueuedMessage) error
	Close() error
}

// Event is the JSON value written to the topic.
type Event struct {
	ID         uuid.UUID           `json:"id"`
	Type       string              `json:"type"`
	OccurredAt time.Time           `json:"occurred_at"`
	Message    model.QueuedMessage `json:"message"`
}

type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka is a Publisher over a kafka-go Writer. Messages of one session share a key and partition.
type Kafka struct {
	w   writer
	log *zap.Logger
	now func() time.Time
}

// Config selects brokers and topic.
type Config struct {
	Brokers []string
	Topic   string
	// Async makes Publish return before the broker acknowledges; failures are logged by the writer completion.
	Async bool
}

// NewKafka builds a Kafka publisher.
func NewKafka(cfg Config, log *zap.Logger) (*Kafka, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, errors.New("eventbus: brokers and topic are required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		Async:                  cfg.Async,
		AllowAutoTopicCreation: true,
		BatchTimeout:           50 * time.Millisecond,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				log.Warn("kafka delivery failed", zap.Int("messages", len(msgs)), zap.Error(err))
			}
		},
	}
	return newKafka(w, log), nil
}

func newKafka(w writer, log *zap.Logger) *Kafka {
	return &Kafka{w: w, log: log, now: time.Now}
}

func (k *Kafka) Publish(ctx context.Context, m model.QueuedMessage) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("eventbus: event id: %w", err)
	}
	val, err := json.Marshal(Event{ID: id, Type: EventMessageCaptured, OccurredAt: k.now().UTC(), Message: m})
	if err != nil {
		return fmt.Errorf("eventbus: encode: %w", err)
	}
	err = k.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(m.QueueKey()),
		Value: val,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(EventMessageCaptured)},
		},
	})
	if err != nil {
		return fmt.Errorf("eventbus: write: %w", err)
	}
	return nil
}

func (k *Kafka) Close() error { return k.w.Close() }

// Nop discards events. It is used when no brokers are configured.
type Nop struct{}

func (Nop) Publish(context.Context, model.QueuedMessage) error { return nil }
func (Nop) Close() error                                       { return nil }
