package sender

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"

	"github.com/shandysiswandi/authcore/internal/identity/entity"
	"github.com/shandysiswandi/authcore/internal/pkg/instrument"
	"github.com/shandysiswandi/authcore/internal/pkg/mail"
)

var ErrFromRequired = errors.New("sender: email from address is required")

var codeHTML = template.Must(template.New("code").Option("missingkey=zero").Parse(
	`<p>{{.Intro}}</p><p style="font-size:24px;letter-spacing:4px"><strong>{{.Code}}</strong></p>` +
		`<p>If you did not request this, you can ignore this email.</p>`,
))

type codeView struct {
	Intro string
	Code  string
}

func subjectFor(p entity.Purpose) string {
	switch p {
	case entity.PurposeEmailVerification:
		return "Verify your email address"
	case entity.PurposePasswordReset:
		return "Your password reset code"
	case entity.PurposeMFASetup, entity.PurposeMFAAdditionalSetup:
		return "Confirm your two-factor method"
	case entity.PurposeEmailUpdate:
		return "Confirm your new email address"
	default:
		return "Your verification code"
	}
}

// Email sends codes through a mail provider.
type Email struct {
	client mail.Mail
	from   string
	d      deliverer
}

func NewEmail(client mail.Mail, from string, opts Options, ins instrument.Instrumentation) (*Email, error) {
	if from == "" {
		return nil, ErrFromRequired
	}

	return &Email{client: client, from: from, d: newDeliverer("SendEmailCode", opts, ins)}, nil
}

func (e *Email) SendCode(ctx context.Context, destination, code string, purpose entity.Purpose) error {
	subject := subjectFor(purpose)

	var html bytes.Buffer
	if err := codeHTML.Execute(&html, codeView{Intro: subject + ":", Code: code}); err != nil {
		return err
	}

	msg := mail.Message{
		From:     e.from,
		To:       []string{destination},
		Subject:  subject,
		TextBody: fmt.Sprintf("%s: %s\n\nIf you did not request this, you can ignore this email.\n", subject, code),
		HTMLBody: html.String(),
	}

	return e.d.deliver(ctx, func(ctx context.Context) error {
		err := e.client.Send(ctx, msg)
		if errors.Is(err, mail.ErrNoRecipients) || errors.Is(err, mail.ErrNoSender) {
			return permanent(err)
		}
		return err
	})
}
