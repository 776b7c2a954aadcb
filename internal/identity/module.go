package identity

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shandysiswandi/authcore/internal/identity/outbound/db"
	"github.com/shandysiswandi/authcore/internal/identity/outbound/mq"
	"github.com/shandysiswandi/authcore/internal/identity/outbound/sender"
	"github.com/shandysiswandi/authcore/internal/identity/usecase"
	"github.com/shandysiswandi/authcore/internal/pkg/clock"
	"github.com/shandysiswandi/authcore/internal/pkg/config"
	"github.com/shandysiswandi/authcore/internal/pkg/goroutine"
	"github.com/shandysiswandi/authcore/internal/pkg/hash"
	"github.com/shandysiswandi/authcore/internal/pkg/instrument"
	"github.com/shandysiswandi/authcore/internal/pkg/jwt"
	"github.com/shandysiswandi/authcore/internal/pkg/mail"
	"github.com/shandysiswandi/authcore/internal/pkg/messaging"
	"github.com/shandysiswandi/authcore/internal/pkg/otp"
	"github.com/shandysiswandi/authcore/internal/pkg/ratelimit"
	"github.com/shandysiswandi/authcore/internal/pkg/sealer"
	"github.com/shandysiswandi/authcore/internal/pkg/uid"
	"github.com/shandysiswandi/authcore/internal/pkg/validator"
)

type Dependency struct {
	DBConn     *pgxpool.Pool              `validate:"required"`
	CacheConn  *redis.Client              `validate:"required"`
	Goroutine  *goroutine.Manager         `validate:"required"`
	Messaging  messaging.Publisher        `validate:"required"`
	Mail       mail.Mail                  `validate:"required"`
	Config     config.Config              `validate:"required"`
	Instrument instrument.Instrumentation `validate:"required"`
	UID        uid.NumberID               `validate:"required"`
	UUID       uid.StringID               `validate:"required"`
	Password   hash.Hash                  `validate:"required"`
	Digest     hash.Hash                  `validate:"required"`
	Sealer     sealer.Sealer              `validate:"required"`
	Clock      clock.Clocker              `validate:"required"`
	Totp       otp.OTP                    `validate:"required"`
	Validator  validator.Validator        `validate:"required"`
	JWT        jwt.JWT                    `validate:"required"`
}

// New builds the identity core on top of its adapters. Migrations run first
// when modules.identity.auto_migrate is set.
func New(dep Dependency) (*usecase.Usecase, error) {
	if err := dep.Validator.Validate(dep); err != nil {
		return nil, err
	}

	if dep.Config.GetBool("modules.identity.auto_migrate") {
		if err := db.ApplyMigrations(dep.DBConn); err != nil {
			return nil, err
		}
	}

	opts := sender.Options{
		SendsPerSecond: dep.Config.GetFloat64("transport.sends_per_second"),
		Burst:          dep.Config.GetInt("transport.burst"),
		RetryMax:       uint64(dep.Config.GetUint("transport.retry_max")),
		RetryBase:      dep.Config.GetMillisecond("transport.retry_base_ms"),
	}

	emailSender, err := sender.NewEmail(dep.Mail, dep.Config.GetString("mail.from"), opts, dep.Instrument)
	if err != nil {
		return nil, err
	}

	smsSender, err := sender.NewSMS(dep.Messaging, dep.Config.GetString("modules.identity.sms_topic"), opts, dep.Instrument)
	if err != nil {
		return nil, err
	}

	repoMsg := mq.NewMessaging(dep.Messaging, dep.Config.GetString("modules.identity.security_events_topic"), dep.Instrument)

	return usecase.New(usecase.Dependency{
		RepoDB:        db.NewDB(dep.DBConn, dep.Instrument),
		RepoMessaging: repoMsg,
		EmailSender:   emailSender,
		SMSSender:     smsSender,
		Limiter:       ratelimit.NewRedis(dep.CacheConn),
		Validator:     dep.Validator,
		Config:        dep.Config,
		Password:      dep.Password,
		Digest:        dep.Digest,
		Sealer:        dep.Sealer,
		UID:           dep.UID,
		UUID:          dep.UUID,
		Totp:          dep.Totp,
		Clock:         dep.Clock,
		JWT:           dep.JWT,
		Instrument:    dep.Instrument,
		Goroutine:     dep.Goroutine,
	}), nil
}
