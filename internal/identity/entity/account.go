package entity

import (
	"math"
	"strings"
	"time"
)

// Account is the identity record the credential, MFA and session flows act on.
type Account struct {
	ID          int64
	Email       string
	Phone       string
	CountryCode string
	// PasswordHash is empty for accounts created through a social provider.
	PasswordHash  string
	EmailVerified bool
	PhoneVerified bool
	LoginAttempts int32
	LockedUntil   *time.Time
	TokenVersion  int64
	MFAEnabled    bool
	MFAMethods    MethodSet
	// MFASecret is the sealed authenticator seed, set only when auth_app is enrolled.
	MFASecret []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (a *Account) HasPassword() bool {
	return a.PasswordHash != ""
}

// LockRemaining reports how long the account stays locked at now, or zero when it is not locked.
func (a *Account) LockRemaining(now time.Time) time.Duration {
	if a.LockedUntil == nil || !a.LockedUntil.After(now) {
		return 0
	}
	return a.LockedUntil.Sub(now)
}

// FullPhone is the dialable form used as an SMS destination.
func (a *Account) FullPhone() string {
	return a.CountryCode + a.Phone
}

// Destination returns where a code for channel is delivered.
func (a *Account) Destination(ch Channel) string {
	switch ch {
	case ChannelEmail:
		return a.Email
	case ChannelSMS:
		return a.FullPhone()
	default:
		return ""
	}
}

// IsVerified reports whether the contact behind channel has been confirmed.
// auth_app has no contact and always reports true.
func (a *Account) IsVerified(ch Channel) bool {
	switch ch {
	case ChannelEmail:
		return a.EmailVerified
	case ChannelSMS:
		return a.PhoneVerified
	default:
		return true
	}
}

// FallbackMethods derives a method set from verification flags and the
// presence of an authenticator seed.
func (a *Account) FallbackMethods() MethodSet {
	var ms MethodSet
	if a.EmailVerified {
		ms = ms.Add(ChannelEmail)
	}
	if a.PhoneVerified {
		ms = ms.Add(ChannelSMS)
	}
	if len(a.MFASecret) > 0 {
		ms = ms.Add(ChannelAuthApp)
	}
	return ms
}

// LoginFailure is the counter state after a rejected password.
type LoginFailure struct {
	Attempts    int32
	LockedUntil *time.Time
}

func (f LoginFailure) Locked(now time.Time) bool {
	return f.LockedUntil != nil && f.LockedUntil.After(now)
}

// Minutes rounds d up to whole minutes, never below one.
func Minutes(d time.Duration) int {
	m := int(math.Ceil(d.Minutes()))
	if m < 1 {
		return 1
	}
	return m
}

// NormalizeEmail is the canonical stored and looked up form of an email.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NormalizeCountryCode turns "1", "+1" or " +1 " into "+1".
func NormalizeCountryCode(cc string) string {
	d := PhoneDigits(cc)
	if d == "" {
		return ""
	}
	return "+" + d
}

// PhoneDigits keeps only the ASCII digits of s.
func PhoneDigits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// PhoneKey is the digits-only concatenation of country code and phone, the
// indexed key that matches an identifier typed with or without its prefix.
func PhoneKey(countryCode, phone string) string {
	return PhoneDigits(countryCode + phone)
}
