// Package mail delivers email. The identity core uses it to send one-time
// codes; callers depend on the Mail interface only.
package mail

import (
	"context"
	"io"
)

// Message is a provider-agnostic email.
type Message struct {
	From     string
	To       []string
	Subject  string
	TextBody string
	HTMLBody string
}

// Mail abstracts an email provider.
type Mail interface {
	io.Closer
	Send(ctx context.Context, msg Message) error
}
