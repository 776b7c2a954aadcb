package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// ErrKafkaBrokersRequired is returned when no broker address is configured.
var ErrKafkaBrokersRequired = errors.New("messaging: kafka brokers are required")

// KafkaConfig configures the Kafka publisher.
type KafkaConfig struct {
	Brokers      []string
	BatchTimeout time.Duration
	RequiredAcks kafka.RequiredAcks
}

// Kafka publishes with one lazily created writer per topic.
type Kafka struct {
	cfg KafkaConfig

	mu      sync.Mutex
	writers map[string]*kafka.Writer
	closed  bool
}

func NewKafka(cfg KafkaConfig) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, ErrKafkaBrokersRequired
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}
	if cfg.RequiredAcks == 0 {
		cfg.RequiredAcks = kafka.RequireAll
	}

	return &Kafka{cfg: cfg, writers: map[string]*kafka.Writer{}}, nil
}

func (k *Kafka) writer(topic string) (*kafka.Writer, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.closed {
		return nil, ErrClosed
	}

	if w, ok := k.writers[topic]; ok {
		return w, nil
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(k.cfg.Brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           k.cfg.BatchTimeout,
		RequiredAcks:           k.cfg.RequiredAcks,
		AllowAutoTopicCreation: true,
	}
	k.writers[topic] = w

	return w, nil
}

func (k *Kafka) Publish(ctx context.Context, destination string, msg Message) (PublishResult, error) {
	if destination == "" {
		return PublishResult{}, ErrDestinationRequired
	}

	w, err := k.writer(destination)
	if err != nil {
		return PublishResult{}, err
	}

	kmsg := kafka.Message{Key: msg.Key, Value: msg.Body, Time: time.Now()}
	for _, h := range msg.Headers {
		if h.Key != "" {
			kmsg.Headers = append(kmsg.Headers, kafka.Header{Key: h.Key, Value: h.Value})
		}
	}

	if err := w.WriteMessages(ctx, kmsg); err != nil {
		return PublishResult{}, fmt.Errorf("messaging: kafka publish: %w", err)
	}

	return PublishResult{Destination: destination, Timestamp: kmsg.Time}, nil
}

// Close flushes and closes every writer.
func (k *Kafka) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.closed {
		return nil
	}
	k.closed = true

	var errs []error
	for _, w := range k.writers {
		errs = append(errs, w.Close())
	}
	k.writers = nil

	return errors.Join(errs...)
}
