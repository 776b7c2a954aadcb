package entity

import (
	"errors"
	"time"
)

var (
	ErrUnknownChannel = errors.New("identity: unknown channel")
	ErrUnknownPurpose = errors.New("identity: unknown purpose")
)

// Channel is the delivery channel of a one-time code, and also an MFA method.
type Channel string

const (
	ChannelEmail   Channel = "email"
	ChannelSMS     Channel = "sms"
	ChannelAuthApp Channel = "auth_app"
)

func (c Channel) String() string {
	return string(c)
}

func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelAuthApp:
		return true
	default:
		return false
	}
}

// IsContact reports whether codes on this channel are delivered to a contact.
func (c Channel) IsContact() bool {
	return c == ChannelEmail || c == ChannelSMS
}

func ParseChannel(raw string) (Channel, error) {
	c := Channel(raw)
	if !c.Valid() {
		return "", ErrUnknownChannel
	}
	return c, nil
}

// Purpose tags what a one-time code proves.
type Purpose string

const (
	PurposeEmailVerification  Purpose = "email verification"
	PurposePhoneVerification  Purpose = "phone verification"
	PurposePasswordReset      Purpose = "password_reset"
	PurposeMFASetup           Purpose = "2fa_setup"
	PurposeMFAAdditionalSetup Purpose = "2fa_additional_setup"
	PurposeEmailUpdate        Purpose = "email update"
	PurposePhoneUpdate        Purpose = "phone update"
	PurposeVerification       Purpose = "verification"
)

func (p Purpose) String() string {
	return string(p)
}

func (p Purpose) Valid() bool {
	switch p {
	case PurposeEmailVerification, PurposePhoneVerification, PurposePasswordReset,
		PurposeMFASetup, PurposeMFAAdditionalSetup, PurposeEmailUpdate,
		PurposePhoneUpdate, PurposeVerification:
		return true
	default:
		return false
	}
}

func ParsePurpose(raw string) (Purpose, error) {
	p := Purpose(raw)
	if !p.Valid() {
		return "", ErrUnknownPurpose
	}
	return p, nil
}

// ContactVerificationPurpose is the purpose of codes that confirm a contact on ch.
func ContactVerificationPurpose(ch Channel) Purpose {
	if ch == ChannelSMS {
		return PurposePhoneVerification
	}
	return PurposeEmailVerification
}

// OneTimeCode is a single verification artifact.
//
// Code holds a keyed digest, never the plain value. Secret is the sealed
// authenticator seed and is set only on auth_app enrollment records.
type OneTimeCode struct {
	ID        int64
	AccountID int64
	Code      string
	Secret    []byte
	Channel   Channel
	Purpose   Purpose
	ExpiresAt time.Time
	Used      bool
	CreatedAt time.Time
}

// Expired reports whether the code is no longer usable at now.
func (c *OneTimeCode) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}
