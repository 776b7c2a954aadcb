package sender

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shandysiswandi/authcore/internal/identity/entity"
	"github.com/shandysiswandi/authcore/internal/pkg/instrument"
	"github.com/shandysiswandi/authcore/internal/pkg/messaging"
)

const keyOfCorrelationID = "cID"

var ErrTopicRequired = errors.New("sender: sms topic is required")

// SMSMessage is the payload an SMS gateway consumes from the topic.
type SMSMessage struct {
	To      string `json:"to"`
	Body    string `json:"body"`
	Purpose string `json:"purpose"`
}

// SMS hands codes to an SMS gateway through the message broker.
type SMS struct {
	client messaging.Publisher
	topic  string
	d      deliverer
}

func NewSMS(client messaging.Publisher, topic string, opts Options, ins instrument.Instrumentation) (*SMS, error) {
	if topic == "" {
		return nil, ErrTopicRequired
	}

	return &SMS{client: client, topic: topic, d: newDeliverer("SendSMSCode", opts, ins)}, nil
}

func (s *SMS) SendCode(ctx context.Context, destination, code string, purpose entity.Purpose) error {
	body, err := json.Marshal(SMSMessage{
		To:      destination,
		Body:    fmt.Sprintf("%s: %s", subjectFor(purpose), code),
		Purpose: purpose.String(),
	})
	if err != nil {
		return err
	}

	msg := messaging.Message{
		Key:     []byte(destination),
		Body:    body,
		Headers: []messaging.Header{{Key: keyOfCorrelationID, Value: []byte(instrument.GetCorrelationID(ctx))}},
	}

	return s.d.deliver(ctx, func(ctx context.Context) error {
		_, err := s.client.Publish(ctx, s.topic, msg)
		if errors.Is(err, messaging.ErrDestinationRequired) || errors.Is(err, messaging.ErrClosed) {
			return permanent(err)
		}
		return err
	})
}
