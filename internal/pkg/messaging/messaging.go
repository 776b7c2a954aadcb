package messaging

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrDestinationRequired is returned when the topic or subject is empty.
	ErrDestinationRequired = errors.New("messaging: destination is required")
	// ErrClosed is returned when publishing on a closed client.
	ErrClosed = errors.New("messaging: client is closed")
)

// Publisher sends messages to a topic (Kafka) or subject (NATS).
type Publisher interface {
	io.Closer
	Publish(ctx context.Context, destination string, msg Message) (PublishResult, error)
}

// Message is a broker-agnostic outgoing message.
type Message struct {
	// Key selects the Kafka partition. NATS ignores it.
	Key     []byte
	Body    []byte
	Headers []Header
}

// Header supports duplicate keys and binary values.
type Header struct {
	Key   string
	Value []byte
}

// PublishResult carries broker metadata about a published message.
type PublishResult struct {
	Destination string
	Timestamp   time.Time
}
