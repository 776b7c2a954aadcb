package mail

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrSMTPHostPortRequired is returned when Host/Port are missing.
	ErrSMTPHostPortRequired = errors.New("mail: smtp host and port are required")
	// ErrNoRecipients is returned when To is empty.
	ErrNoRecipients = errors.New("mail: no recipients provided")
	// ErrNoSender is returned when both Message.From and the configured default From are empty.
	ErrNoSender = errors.New("mail: no sender provided")
)

// SMTPConfig configures the SMTP implementation.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// StartTLS upgrades the connection when the server offers it.
	StartTLS bool
}

// SMTP sends mail over net/smtp. Every Send dials a fresh connection bounded by ctx.
type SMTP struct {
	addr     string
	host     string
	from     string
	auth     smtp.Auth
	startTLS bool
}

func NewSMTP(cfg SMTPConfig) (*SMTP, error) {
	if cfg.Host == "" || cfg.Port == 0 {
		return nil, ErrSMTPHostPortRequired
	}

	var auth smtp.Auth
	if cfg.Username != "" && cfg.Password != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}

	return &SMTP{
		addr:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		host:     cfg.Host,
		from:     cfg.From,
		auth:     auth,
		startTLS: cfg.StartTLS,
	}, nil
}

func (s *SMTP) Send(ctx context.Context, msg Message) error {
	if len(msg.To) == 0 {
		return ErrNoRecipients
	}
	if msg.From == "" {
		msg.From = s.from
	}
	if msg.From == "" {
		return ErrNoSender
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("mail: dial: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(30 * time.Second))
	}

	c, err := smtp.NewClient(conn, s.host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("mail: handshake: %w", err)
	}
	defer c.Close()

	if s.startTLS {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(&tls.Config{ServerName: s.host, MinVersion: tls.VersionTLS12}); err != nil {
				return fmt.Errorf("mail: starttls: %w", err)
			}
		}
	}
	if s.auth != nil {
		if err := c.Auth(s.auth); err != nil {
			return fmt.Errorf("mail: auth: %w", err)
		}
	}

	if err := c.Mail(msg.From); err != nil {
		return err
	}
	for _, rcpt := range msg.To {
		if err := c.Rcpt(rcpt); err != nil {
			return err
		}
	}

	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(compose(msg)); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	return c.Quit()
}

func (s *SMTP) Close() error {
	return nil
}

func compose(msg Message) []byte {
	body, contentType := renderBody(msg)

	var sb strings.Builder
	fmt.Fprintf(&sb, "From: %s\r\n", msg.From)
	fmt.Fprintf(&sb, "To: %s\r\n", strings.Join(msg.To, ", "))
	fmt.Fprintf(&sb, "Subject: %s\r\n", msg.Subject)
	sb.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&sb, "Content-Type: %s\r\n\r\n", contentType)
	sb.WriteString(body)

	return []byte(sb.String())
}

func renderBody(msg Message) (string, string) {
	switch {
	case msg.HTMLBody != "" && msg.TextBody != "":
		boundary := boundary()
		var sb strings.Builder
		fmt.Fprintf(&sb, "--%s\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s\r\n", boundary, msg.TextBody)
		fmt.Fprintf(&sb, "--%s\r\nContent-Type: text/html; charset=UTF-8\r\n\r\n%s\r\n", boundary, msg.HTMLBody)
		fmt.Fprintf(&sb, "--%s--", boundary)
		return sb.String(), "multipart/alternative; boundary=" + boundary
	case msg.HTMLBody != "":
		return msg.HTMLBody, "text/html; charset=UTF-8"
	default:
		return msg.TextBody, "text/plain; charset=UTF-8"
	}
}

func boundary() string {
	var b [12]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "authcore-boundary"
	}
	return "authcore-" + hex.EncodeToString(b[:])
}
