package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shandysiswandi/authcore/internal/identity/entity"
	"github.com/shandysiswandi/authcore/internal/pkg/goerror"
)

const genericResendMessage = "if an account exists for this identifier, a verification code has been sent"

type RegisterInput struct {
	Email       string `validate:"required,email,max=255"`
	Phone       string `validate:"required,min=4,max=20"`
	CountryCode string `validate:"required,min=1,max=5"`
	Password    string `validate:"required,password"`
}

type RegisterOutput struct {
	AccountID int64
}

// Register creates the account and sends both contact verification codes.
// A failed dispatch does not undo the registration.
func (s *Usecase) Register(ctx context.Context, in RegisterInput) (*RegisterOutput, error) {
	ctx, span := s.startSpan(ctx, "Register")
	defer span.End()

	if err := s.validator.Validate(in); err != nil {
		return nil, goerror.NewInvalidInput(err)
	}

	email := entity.NormalizeEmail(in.Email)
	phone := entity.PhoneDigits(in.Phone)
	cc := entity.NormalizeCountryCode(in.CountryCode)
	if phone == "" || cc == "" {
		return nil, goerror.NewInvalidInput(nil, "phone", "phone and country code must contain digits")
	}

	if _, err := s.repoDB.GetAccountByEmail(ctx, email); err == nil {
		slog.WarnContext(ctx, "registration with taken email")
		return nil, goerror.NewBusiness("email is already registered", goerror.CodeConflict)
	} else if !errors.Is(err, goerror.ErrNotFound) {
		slog.ErrorContext(ctx, "failed to repo get account by email", "error", err)
		return nil, goerror.NewTransient(err)
	}

	if _, err := s.repoDB.GetAccountByPhoneCountry(ctx, phone, cc); err == nil {
		slog.WarnContext(ctx, "registration with taken phone")
		return nil, goerror.NewBusiness("phone is already registered", goerror.CodeConflict)
	} else if !errors.Is(err, goerror.ErrNotFound) {
		slog.ErrorContext(ctx, "failed to repo get account by phone", "error", err)
		return nil, goerror.NewTransient(err)
	}

	hashed, err := s.password.Hash(in.Password)
	if err != nil {
		slog.ErrorContext(ctx, "failed to hash password", "error", err)
		return nil, goerror.NewServer(err)
	}

	now := s.clock.Now()
	acc := entity.Account{
		ID:           s.uid.Generate(),
		Email:        email,
		Phone:        phone,
		CountryCode:  cc,
		PasswordHash: string(hashed),
		TokenVersion: 1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.repoDB.CreateAccount(ctx, acc); errors.Is(err, goerror.ErrConflict) {
		return nil, goerror.NewBusiness("email or phone is already registered", goerror.CodeConflict)
	} else if err != nil {
		slog.ErrorContext(ctx, "failed to repo create account", "error", err)
		return nil, goerror.NewTransient(err)
	}

	for _, ch := range []entity.Channel{entity.ChannelEmail, entity.ChannelSMS} {
		if _, err := s.issueCode(ctx, &acc, ch, entity.ContactVerificationPurpose(ch)); err != nil {
			slog.WarnContext(ctx, "verification code dispatch failed at registration", "account_id", acc.ID, "channel", ch, "error", err)
		}
	}

	return &RegisterOutput{AccountID: acc.ID}, nil
}

type VerifyContactInput struct {
	Identifier string `validate:"required,identifier"`
	Channel    string `validate:"required,oneof=email sms"`
	Code       string `validate:"required,numeric,min=4,max=10"`
}

func (s *Usecase) VerifyContact(ctx context.Context, in VerifyContactInput) (*GenericOutput, error) {
	ctx, span := s.startSpan(ctx, "VerifyContact")
	defer span.End()

	if err := s.validator.Validate(in); err != nil {
		return nil, goerror.NewInvalidInput(err)
	}

	ch := entity.Channel(in.Channel)
	perHour := s.cfg.GetInt("modules.identity.verification_per_hour")

	acc, err := s.resolve(ctx, in.Identifier)
	if errors.Is(err, goerror.ErrNotFound) {
		slog.WarnContext(ctx, "contact verification for unknown identifier", "channel", ch)
		if err := s.allow(ctx, unknownKey("verify", in.Identifier, ch), perHour, time.Hour); err != nil {
			return nil, err
		}
		return nil, errInvalidCode
	}
	if err != nil {
		return nil, goerror.NewTransient(err)
	}

	if acc.IsVerified(ch) {
		return &GenericOutput{Message: ch.String() + " already verified"}, nil
	}

	limitKey := fmt.Sprintf("verify:%d:%s", acc.ID, ch)
	if err := s.allow(ctx, limitKey, perHour, time.Hour); err != nil {
		return nil, err
	}

	if _, _, err := s.verifyCode(ctx, acc.ID, in.Code, ch, entity.ContactVerificationPurpose(ch)); err != nil {
		return nil, err
	}

	if err := s.repoDB.MarkContactVerified(ctx, acc.ID, ch, s.clock.Now()); err != nil {
		slog.ErrorContext(ctx, "failed to repo mark contact verified", "account_id", acc.ID, "channel", ch, "error", err)
		return nil, goerror.NewTransient(err)
	}

	s.clearLimit(ctx, limitKey)

	return &GenericOutput{Message: ch.String() + " verified"}, nil
}

type ResendVerificationInput struct {
	Identifier string `validate:"required,identifier"`
	Channel    string `validate:"required,oneof=email sms"`
}

func (s *Usecase) ResendVerification(ctx context.Context, in ResendVerificationInput) (*GenericOutput, error) {
	ctx, span := s.startSpan(ctx, "ResendVerification")
	defer span.End()

	if err := s.validator.Validate(in); err != nil {
		return nil, goerror.NewInvalidInput(err)
	}

	out := &GenericOutput{Message: genericResendMessage}

	ch := entity.Channel(in.Channel)
	acc, err := s.resolve(ctx, in.Identifier)
	if errors.Is(err, goerror.ErrNotFound) {
		slog.InfoContext(ctx, "resend for unknown identifier", "channel", ch)
		return out, nil
	}
	if err != nil {
		return nil, goerror.NewTransient(err)
	}

	if acc.IsVerified(ch) {
		return out, nil
	}

	if !s.claimCooldown(ctx, fmt.Sprintf("resend:%d:%s", acc.ID, ch), s.cfg.GetMinute("modules.identity.resend_cooldown_minutes")) {
		return out, nil
	}

	if _, err := s.issueCode(ctx, acc, ch, entity.ContactVerificationPurpose(ch)); err != nil {
		return nil, err
	}

	return out, nil
}

// allow applies a fixed-window cap. Limiter failures are logged and let through.
func (s *Usecase) allow(ctx context.Context, key string, limit int, window time.Duration) error {
	res, err := s.limiter.Allow(ctx, key, limit, window)
	if err != nil {
		slog.WarnContext(ctx, "rate limiter unavailable, allowing", "key", key, "error", err)
		return nil
	}

	if !res.Allowed {
		slog.WarnContext(ctx, "rate limit reached", "key", key, "count", res.Count)
		return goerror.NewBusiness(
			fmt.Sprintf("too many attempts, try again in %d minutes", entity.Minutes(res.RetryAfter)),
			goerror.CodeTooManyRequest,
		)
	}

	return nil
}

// clearLimit forgets a fixed-window counter after the guarded action succeeded.
func (s *Usecase) clearLimit(ctx context.Context, key string) {
	if err := s.limiter.Reset(ctx, key); err != nil {
		slog.WarnContext(ctx, "failed to reset rate limit", "key", key, "error", err)
	}
}

// claimCooldown reports whether key was free and is now claimed for ttl.
// Limiter failures are logged and let through.
func (s *Usecase) claimCooldown(ctx context.Context, key string, ttl time.Duration) bool {
	ok, remaining, err := s.limiter.Cooldown(ctx, key, ttl)
	if err != nil {
		slog.WarnContext(ctx, "rate limiter unavailable, allowing", "key", key, "error", err)
		return true
	}

	if !ok {
		slog.WarnContext(ctx, "cooldown active, request suppressed", "key", key, "remaining_minutes", entity.Minutes(remaining))
	}

	return ok
}
