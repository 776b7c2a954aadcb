package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shandysiswandi/authcore/internal/identity/entity"
	"github.com/shandysiswandi/authcore/internal/pkg/clock"
	"github.com/shandysiswandi/authcore/internal/pkg/config"
	"github.com/shandysiswandi/authcore/internal/pkg/goerror"
	"github.com/shandysiswandi/authcore/internal/pkg/goroutine"
	"github.com/shandysiswandi/authcore/internal/pkg/hash"
	"github.com/shandysiswandi/authcore/internal/pkg/instrument"
	"github.com/shandysiswandi/authcore/internal/pkg/jwt"
	"github.com/shandysiswandi/authcore/internal/pkg/otp"
	"github.com/shandysiswandi/authcore/internal/pkg/ratelimit"
	"github.com/shandysiswandi/authcore/internal/pkg/sealer"
	"github.com/shandysiswandi/authcore/internal/pkg/uid"
	"github.com/shandysiswandi/authcore/internal/pkg/validator"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

// dummyPassword is hashed once so unknown identifiers cost the same as a wrong password.
const dummyPassword = "authcore-timing-equaliser"

type repoDB interface {
	GetAccountByID(ctx context.Context, id int64) (*entity.Account, error)
	GetAccountByEmail(ctx context.Context, email string) (*entity.Account, error)
	GetAccountByPhone(ctx context.Context, phone string) (*entity.Account, error)
	GetAccountByPhoneCountry(ctx context.Context, phone, countryCode string) (*entity.Account, error)
	GetAccountByPhoneKey(ctx context.Context, digits string) (*entity.Account, error)

	CreateAccount(ctx context.Context, acc entity.Account) error
	RecordLoginFailure(ctx context.Context, id int64, threshold int, lockUntil, now time.Time) (*entity.LoginFailure, error)
	RecordLoginSuccess(ctx context.Context, id int64, now time.Time) error
	MarkContactVerified(ctx context.Context, id int64, ch entity.Channel, now time.Time) error
	UpdatePassword(ctx context.Context, id int64, hash string, clearLockout bool, now time.Time) (int64, error)
	BumpTokenVersion(ctx context.Context, id int64, now time.Time) (int64, error)
	AddMFAMethod(ctx context.Context, id int64, method entity.Channel, sealedSecret []byte, now time.Time) (entity.MethodSet, error)
	DisableMFA(ctx context.Context, id int64, now time.Time) error

	CreateCode(ctx context.Context, code entity.OneTimeCode) error
	ConsumeCode(ctx context.Context, accountID int64, ch entity.Channel, p entity.Purpose, digest string) (*entity.OneTimeCode, error)
	GetLatestUnusedCode(ctx context.Context, accountID int64, ch entity.Channel, p entity.Purpose) (*entity.OneTimeCode, error)
	MarkCodeUsed(ctx context.Context, id int64) (bool, error)
	CountCodesSince(ctx context.Context, accountID int64, ch entity.Channel, p entity.Purpose, since time.Time) (int, error)
	DeleteExpiredCodes(ctx context.Context, accountID int64, now, createdBefore time.Time) (int64, error)
	DeleteAllExpiredCodes(ctx context.Context, now, createdBefore time.Time) (int64, error)
}

type repoMessaging interface {
	PublishSecurityEvent(ctx context.Context, ev entity.SecurityEvent) error
}

// codeSender delivers a plain code to a contact.
type codeSender interface {
	SendCode(ctx context.Context, destination, code string, purpose entity.Purpose) error
}

type Usecase struct {
	repoDB        repoDB
	repoMessaging repoMessaging
	senders       map[entity.Channel]codeSender
	limiter       ratelimit.Limiter
	validator     validator.Validator
	cfg           config.Config
	password      hash.Hash
	digest        hash.Hash
	sealer        sealer.Sealer
	uid           uid.NumberID
	uuid          uid.StringID
	totp          otp.OTP
	clock         clock.Clocker
	jwt           jwt.JWT
	ins           instrument.Instrumentation
	goroutine     *goroutine.Manager

	dummyHash string

	loginFailures   metric.Int64Counter
	lockouts        metric.Int64Counter
	codesIssued     metric.Int64Counter
	codesRejected   metric.Int64Counter
	sessionsRevoked metric.Int64Counter
}

type Dependency struct {
	RepoDB        repoDB
	RepoMessaging repoMessaging
	EmailSender   codeSender
	SMSSender     codeSender
	Limiter       ratelimit.Limiter
	Validator     validator.Validator
	Config        config.Config
	Password      hash.Hash
	Digest        hash.Hash
	Sealer        sealer.Sealer
	UID           uid.NumberID
	UUID          uid.StringID
	Totp          otp.OTP
	Clock         clock.Clocker
	JWT           jwt.JWT
	Instrument    instrument.Instrumentation
	Goroutine     *goroutine.Manager
}

func New(dep Dependency) *Usecase {
	s := &Usecase{
		repoDB:        dep.RepoDB,
		repoMessaging: dep.RepoMessaging,
		senders: map[entity.Channel]codeSender{
			entity.ChannelEmail: dep.EmailSender,
			entity.ChannelSMS:   dep.SMSSender,
		},
		limiter:   dep.Limiter,
		validator: dep.Validator,
		cfg:       dep.Config,
		password:  dep.Password,
		digest:    dep.Digest,
		sealer:    dep.Sealer,
		uid:       dep.UID,
		uuid:      dep.UUID,
		totp:      dep.Totp,
		clock:     dep.Clock,
		jwt:       dep.JWT,
		ins:       dep.Instrument,
		goroutine: dep.Goroutine,
	}

	if h, err := s.password.Hash(dummyPassword); err == nil {
		s.dummyHash = string(h)
	}

	meter := s.ins.Meter("identity.usecase")
	s.loginFailures = newCounter(meter, "identity.login.failures", "Rejected password attempts.")
	s.lockouts = newCounter(meter, "identity.account.lockouts", "Accounts locked after repeated failures.")
	s.codesIssued = newCounter(meter, "identity.otp.issued", "One-time codes issued.")
	s.codesRejected = newCounter(meter, "identity.otp.rejected", "One-time codes rejected.")
	s.sessionsRevoked = newCounter(meter, "identity.sessions.revoked", "Token version bumps.")

	return s
}

func newCounter(m metric.Meter, name, desc string) metric.Int64Counter {
	c, err := m.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		slog.Warn("failed to create counter, using noop", "name", name, "error", err)
		return metricnoop.Int64Counter{}
	}
	return c
}

func (s *Usecase) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return s.ins.Tracer("identity.usecase").Start(ctx, name)
}

// authenticated returns the caller's access claims.
func (s *Usecase) authenticated(ctx context.Context) (*jwt.Claims, error) {
	clm := jwt.GetAuth(ctx)
	if clm == nil || clm.AccountID == 0 {
		return nil, goerror.NewBusiness("authentication required", goerror.CodeUnauthorized)
	}
	return clm, nil
}

// loadAccount fetches the account behind an already authenticated id.
func (s *Usecase) loadAccount(ctx context.Context, id int64) (*entity.Account, error) {
	acc, err := s.repoDB.GetAccountByID(ctx, id)
	if errors.Is(err, goerror.ErrNotFound) {
		slog.WarnContext(ctx, "account not found", "account_id", id)
		return nil, goerror.NewBusiness("account not found", goerror.CodeNotFound)
	}
	if err != nil {
		slog.ErrorContext(ctx, "failed to repo get account by id", "account_id", id, "error", err)
		return nil, goerror.NewTransient(err)
	}
	return acc, nil
}

// confirmPassword re-checks the password before a sensitive change.
func (s *Usecase) confirmPassword(ctx context.Context, acc *entity.Account, password string) error {
	if !acc.HasPassword() {
		slog.WarnContext(ctx, "password confirmation on account without password", "account_id", acc.ID)
		return goerror.NewBusiness("account has no password, sign in with your provider", goerror.CodeForbidden)
	}

	if !s.password.Verify(acc.PasswordHash, password) {
		slog.WarnContext(ctx, "password confirmation mismatch", "account_id", acc.ID)
		return goerror.NewBusiness("invalid password", goerror.CodeUnauthorized)
	}

	return nil
}

// publishEvent sends ev in the background. Failures are only logged.
func (s *Usecase) publishEvent(ctx context.Context, kind entity.SecurityEventKind, accountID, version int64, detail string) {
	ev := entity.SecurityEvent{
		ID:           s.uuid.Generate(),
		Kind:         kind,
		AccountID:    accountID,
		TokenVersion: version,
		Detail:       detail,
		OccurredAt:   s.clock.Now(),
	}

	bg := context.WithoutCancel(ctx)
	ok := s.goroutine.Go(bg, func(ctx context.Context) error {
		if err := s.repoMessaging.PublishSecurityEvent(ctx, ev); err != nil {
			slog.ErrorContext(ctx, "failed to publish security event", "kind", ev.Kind, "account_id", accountID, "error", err)
		}
		return nil
	})
	if !ok {
		slog.WarnContext(ctx, "security event dropped, goroutine manager unavailable", "kind", ev.Kind, "account_id", accountID)
	}
}
