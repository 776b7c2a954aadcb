package entity

import "time"

// SecurityEventKind names an account-level security transition.
type SecurityEventKind string

const (
	EventAccountLocked   SecurityEventKind = "account_locked"
	EventSessionsRevoked SecurityEventKind = "sessions_revoked"
	EventPasswordChanged SecurityEventKind = "password_changed"
	EventPasswordReset   SecurityEventKind = "password_reset"
	EventMFAEnabled      SecurityEventKind = "mfa_enabled"
	EventMFADisabled     SecurityEventKind = "mfa_disabled"
)

// SecurityEvent is published after the state change it describes has been committed.
type SecurityEvent struct {
	ID           string
	Kind         SecurityEventKind
	AccountID    int64
	TokenVersion int64
	Detail       string
	OccurredAt   time.Time
}
