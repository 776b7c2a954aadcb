package config

import (
	"io"
	"time"
)

// Config is the read side of the service configuration.
//
// Missing keys resolve to the defaults registered by the implementation, or to
// the zero value when no default exists.
type Config interface {
	io.Closer

	GetBool(key string) bool
	GetString(key string) string
	GetInt(key string) int
	GetInt32(key string) int32
	GetInt64(key string) int64
	GetUint(key string) uint
	GetFloat64(key string) float64

	// GetMillisecond, GetSecond, GetMinute, GetHour and GetDay read an integer and scale it to a duration.
	GetMillisecond(key string) time.Duration
	GetSecond(key string) time.Duration
	GetMinute(key string) time.Duration
	GetHour(key string) time.Duration
	GetDay(key string) time.Duration

	// GetBinary decodes a base64 encoded value.
	GetBinary(key string) []byte

	// GetArray splits a comma separated value, dropping empty elements.
	GetArray(key string) []string
}

// Defaults are applied to every Viper instance before any source is read.
var Defaults = map[string]any{
	"app.max_goroutine": 0,
	"app.tz":            "UTC",

	"modules.identity.enabled":                   true,
	"modules.identity.otp_ttl_minutes":           2,
	"modules.identity.otp_length":                6,
	"modules.identity.enrollment_ttl_minutes":    10,
	"modules.identity.totp_tolerance_steps":      2,
	"modules.identity.lockout_threshold":         5,
	"modules.identity.lockout_minutes":           30,
	"modules.identity.password_reset_per_hour":   3,
	"modules.identity.verification_per_hour":     5,
	"modules.identity.resend_cooldown_minutes":   5,
	"modules.identity.transport_timeout_seconds": 10,
	"modules.identity.sweep_interval_minutes":    5,
	"modules.identity.code_retention_minutes":    60,
	"modules.identity.security_events_topic":     "identity.security.events",
	"modules.identity.sms_topic":                 "notification.sms.send",
	"modules.identity.auto_migrate":              true,

	"jwt.issuer":                "authcore",
	"jwt.access_ttl_minutes":    15,
	"jwt.refresh_ttl_days":      7,
	"jwt.challenge_ttl_minutes": 10,

	"hash.password.algorithm": "bcrypt",
	"hash.bcrypt.cost":        12,

	"mfa.totp.period":     30,
	"mfa.totp.issuer":     "authcore",
	"mfa.totp.image_size": 256,

	"messaging.driver":                 "nats",
	"messaging.kafka.required_acks":    -1,
	"messaging.kafka.batch_timeout_ms": 10,
	"transport.sends_per_second":       20,
	"transport.retry_max":              2,
	"transport.retry_base_ms":          200,
	"transport.burst":                  5,

	"instrument.enabled":                 false,
	"instrument.service_name":            "authcore",
	"instrument.metric_interval_seconds": 15,
	"instrument.log_mask_fields":         "password,code,secret,token,refresh_token,access_token",
}
