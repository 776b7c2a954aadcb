package mq

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/shandysiswandi/authcore/internal/identity/entity"
	"github.com/shandysiswandi/authcore/internal/pkg/instrument"
	"github.com/shandysiswandi/authcore/internal/pkg/messaging"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const keyOfCorrelationID string = "cID"

// SecurityEventMessage is the wire form of entity.SecurityEvent.
type SecurityEventMessage struct {
	ID           string    `json:"id"`
	Kind         string    `json:"kind"`
	AccountID    int64     `json:"account_id"`
	TokenVersion int64     `json:"token_version"`
	Detail       string    `json:"detail,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

type Messaging struct {
	client messaging.Publisher
	topic  string
	ins    instrument.Instrumentation
}

func NewMessaging(client messaging.Publisher, topic string, ins instrument.Instrumentation) *Messaging {
	return &Messaging{client: client, topic: topic, ins: ins}
}

// PublishSecurityEvent keys the message by account so a consumer sees one
// account's events in order.
func (m *Messaging) PublishSecurityEvent(ctx context.Context, ev entity.SecurityEvent) error {
	ctx, span := m.ins.Tracer("identity.outbound.mq").Start(ctx, "PublishSecurityEvent")
	defer span.End()

	span.SetAttributes(attribute.String("event.kind", string(ev.Kind)))

	body, err := json.Marshal(SecurityEventMessage{
		ID:           ev.ID,
		Kind:         string(ev.Kind),
		AccountID:    ev.AccountID,
		TokenVersion: ev.TokenVersion,
		Detail:       ev.Detail,
		OccurredAt:   ev.OccurredAt,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	cID := instrument.GetCorrelationID(ctx)
	if _, err := m.client.Publish(ctx, m.topic, messaging.Message{
		Key:     []byte(strconv.FormatInt(ev.AccountID, 10)),
		Body:    body,
		Headers: []messaging.Header{{Key: keyOfCorrelationID, Value: []byte(cID)}},
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	return nil
}
