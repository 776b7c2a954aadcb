package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// ErrNATSURLRequired is returned when the NATS server URL is missing.
var ErrNATSURLRequired = errors.New("messaging: nats url is required")

// NATSConfig configures the NATS publisher.
type NATSConfig struct {
	URL     string
	Options []nats.Option
}

// NATS publishes on a single connection.
type NATS struct {
	conn *nats.Conn
}

func NewNATS(cfg NATSConfig) (*NATS, error) {
	if cfg.URL == "" {
		return nil, ErrNATSURLRequired
	}

	conn, err := nats.Connect(cfg.URL, cfg.Options...)
	if err != nil {
		return nil, fmt.Errorf("messaging: nats connect: %w", err)
	}

	return &NATS{conn: conn}, nil
}

func (n *NATS) Publish(ctx context.Context, destination string, msg Message) (PublishResult, error) {
	if destination == "" {
		return PublishResult{}, ErrDestinationRequired
	}
	if n.conn.IsClosed() {
		return PublishResult{}, ErrClosed
	}

	nmsg := nats.NewMsg(destination)
	nmsg.Data = msg.Body
	for _, h := range msg.Headers {
		if h.Key != "" {
			nmsg.Header.Add(h.Key, string(h.Value))
		}
	}

	if err := n.conn.PublishMsg(nmsg); err != nil {
		return PublishResult{}, fmt.Errorf("messaging: nats publish: %w", err)
	}
	flush := n.conn.Flush
	if _, ok := ctx.Deadline(); ok {
		flush = func() error { return n.conn.FlushWithContext(ctx) }
	}
	if err := flush(); err != nil {
		return PublishResult{}, fmt.Errorf("messaging: nats flush: %w", err)
	}

	return PublishResult{Destination: destination, Timestamp: time.Now()}, nil
}

// Close drains pending messages and closes the connection.
func (n *NATS) Close() error {
	if n.conn.IsClosed() {
		return nil
	}
	return n.conn.Drain()
}
