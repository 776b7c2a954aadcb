package sender

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shandysiswandi/authcore/internal/identity/entity"
	"github.com/shandysiswandi/authcore/internal/pkg/instrument"
	"github.com/shandysiswandi/authcore/internal/pkg/mail"
	"github.com/shandysiswandi/authcore/internal/pkg/messaging"
	"github.com/stretchr/testify/require"
)

var fastRetry = Options{RetryMax: 2, RetryBase: time.Millisecond}

type fakeMail struct {
	mu    sync.Mutex
	fails []error
	sent  []mail.Message
}

func (f *fakeMail) Send(_ context.Context, msg mail.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.fails) > 0 {
		err := f.fails[0]
		f.fails = f.fails[1:]
		return err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeMail) Close() error { return nil }

type fakePublisher struct {
	mu    sync.Mutex
	calls int
	fails []error
	dest  string
	msgs  []messaging.Message
}

func (f *fakePublisher) Publish(_ context.Context, dest string, msg messaging.Message) (messaging.PublishResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	if len(f.fails) > 0 {
		err := f.fails[0]
		f.fails = f.fails[1:]
		return messaging.PublishResult{}, err
	}
	f.dest = dest
	f.msgs = append(f.msgs, msg)
	return messaging.PublishResult{Destination: dest, Timestamp: time.Now()}, nil
}

func (f *fakePublisher) Close() error { return nil }

func TestEmailSendCode(t *testing.T) {
	// Arrange
	client := &fakeMail{fails: []error{errors.New("421 try again later")}}
	e, err := NewEmail(client, "no-reply@authcore.dev", fastRetry, instrument.NewNoop())
	require.NoError(t, err)

	// Act
	err = e.SendCode(context.Background(), "jane@example.com", "482913", entity.PurposePasswordReset)

	// Assert
	require.NoError(t, err)
	require.Len(t, client.sent, 1)
	msg := client.sent[0]
	require.Equal(t, []string{"jane@example.com"}, msg.To)
	require.Equal(t, "Your password reset code", msg.Subject)
	require.Contains(t, msg.TextBody, "482913")
	require.Contains(t, msg.HTMLBody, "<strong>482913</strong>")
}

func TestEmailSendCodeGivesUp(t *testing.T) {
	t.Run("retries exhausted", func(t *testing.T) {
		down := errors.New("dial tcp: connection refused")
		client := &fakeMail{fails: []error{down, down, down}}
		e, err := NewEmail(client, "no-reply@authcore.dev", fastRetry, instrument.NewNoop())
		require.NoError(t, err)

		err = e.SendCode(context.Background(), "jane@example.com", "482913", entity.PurposeVerification)

		require.ErrorIs(t, err, down)
		require.Empty(t, client.fails)
	})

	t.Run("permanent failure is not retried", func(t *testing.T) {
		client := &fakeMail{fails: []error{mail.ErrNoRecipients, nil}}
		e, err := NewEmail(client, "no-reply@authcore.dev", fastRetry, instrument.NewNoop())
		require.NoError(t, err)

		err = e.SendCode(context.Background(), "", "482913", entity.PurposeVerification)

		require.ErrorIs(t, err, mail.ErrNoRecipients)
		require.Len(t, client.fails, 1)
	})

	t.Run("missing from", func(t *testing.T) {
		_, err := NewEmail(&fakeMail{}, "", fastRetry, instrument.NewNoop())
		require.ErrorIs(t, err, ErrFromRequired)
	})
}

func TestSMSSendCode(t *testing.T) {
	// Arrange
	pub := &fakePublisher{fails: []error{errors.New("nats: timeout")}}
	s, err := NewSMS(pub, "notification.sms.send", fastRetry, instrument.NewNoop())
	require.NoError(t, err)
	ctx := instrument.SetCorrelationID(context.Background(), "corr-1")

	// Act
	err = s.SendCode(ctx, "+11234567890", "482913", entity.PurposePhoneVerification)

	// Assert
	require.NoError(t, err)
	require.Equal(t, 2, pub.calls)
	require.Equal(t, "notification.sms.send", pub.dest)
	require.Len(t, pub.msgs, 1)

	msg := pub.msgs[0]
	require.Equal(t, []byte("+11234567890"), msg.Key)
	require.Equal(t, []messaging.Header{{Key: "cID", Value: []byte("corr-1")}}, msg.Headers)

	var body SMSMessage
	require.NoError(t, json.Unmarshal(msg.Body, &body))
	require.Equal(t, "+11234567890", body.To)
	require.Equal(t, "phone verification", body.Purpose)
	require.Contains(t, body.Body, "482913")
}

func TestSMSSendCodeClosedPublisher(t *testing.T) {
	pub := &fakePublisher{fails: []error{messaging.ErrClosed}}
	s, err := NewSMS(pub, "notification.sms.send", fastRetry, instrument.NewNoop())
	require.NoError(t, err)

	err = s.SendCode(context.Background(), "+11234567890", "482913", entity.PurposeVerification)

	require.ErrorIs(t, err, messaging.ErrClosed)
	require.Equal(t, 1, pub.calls)

	_, err = NewSMS(pub, "", fastRetry, instrument.NewNoop())
	require.ErrorIs(t, err, ErrTopicRequired)
}

func TestDeliverThrottles(t *testing.T) {
	// Arrange
	d := newDeliverer("test", Options{SendsPerSecond: 1, Burst: 1}, instrument.NewNoop())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// Act
	first := d.deliver(ctx, func(context.Context) error { return nil })
	second := d.deliver(ctx, func(context.Context) error { return nil })

	// Assert
	require.NoError(t, first)
	require.Error(t, second)
}
