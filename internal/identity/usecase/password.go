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

// genericResetMessage is answered whether or not the identifier exists.
const genericResetMessage = "if an account exists for this identifier, a reset code has been sent"

type ChangePasswordInput struct {
	CurrentPassword string `validate:"required"`
	NewPassword     string `validate:"required,password,nefield=CurrentPassword"`
}

type PasswordOutput struct {
	TokenVersion int64
}

func (s *Usecase) ChangePassword(ctx context.Context, in ChangePasswordInput) (*PasswordOutput, error) {
	ctx, span := s.startSpan(ctx, "ChangePassword")
	defer span.End()

	clm, err := s.authenticated(ctx)
	if err != nil {
		return nil, err
	}

	if err := s.validator.Validate(in); err != nil {
		return nil, goerror.NewInvalidInput(err)
	}

	acc, err := s.loadAccount(ctx, clm.AccountID)
	if err != nil {
		return nil, err
	}

	if err := s.confirmPassword(ctx, acc, in.CurrentPassword); err != nil {
		return nil, err
	}

	version, err := s.storePassword(ctx, acc.ID, in.NewPassword, false)
	if err != nil {
		return nil, err
	}

	s.publishEvent(ctx, entity.EventPasswordChanged, acc.ID, version, "self_service")

	return &PasswordOutput{TokenVersion: version}, nil
}

type AdminSetPasswordInput struct {
	AccountID   int64  `validate:"required,gt=0"`
	NewPassword string `validate:"required,password"`
}

// AdminSetPassword replaces another account's password. Authorization of the
// caller happens upstream; the caller must still be authenticated.
func (s *Usecase) AdminSetPassword(ctx context.Context, in AdminSetPasswordInput) (*PasswordOutput, error) {
	ctx, span := s.startSpan(ctx, "AdminSetPassword")
	defer span.End()

	clm, err := s.authenticated(ctx)
	if err != nil {
		return nil, err
	}

	if err := s.validator.Validate(in); err != nil {
		return nil, goerror.NewInvalidInput(err)
	}

	acc, err := s.loadAccount(ctx, in.AccountID)
	if err != nil {
		return nil, err
	}

	version, err := s.storePassword(ctx, acc.ID, in.NewPassword, true)
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "password set by admin", "account_id", acc.ID, "actor_id", clm.AccountID)
	s.publishEvent(ctx, entity.EventPasswordChanged, acc.ID, version, "admin")

	return &PasswordOutput{TokenVersion: version}, nil
}

type ForgotPasswordInput struct {
	Identifier string `validate:"required,identifier"`
	Channel    string `validate:"omitempty,oneof=email sms"`
}

type GenericOutput struct {
	Message string
}

func (s *Usecase) ForgotPassword(ctx context.Context, in ForgotPasswordInput) (*GenericOutput, error) {
	ctx, span := s.startSpan(ctx, "ForgotPassword")
	defer span.End()

	if err := s.validator.Validate(in); err != nil {
		return nil, goerror.NewInvalidInput(err)
	}

	out := &GenericOutput{Message: genericResetMessage}

	acc, err := s.resolve(ctx, in.Identifier)
	if errors.Is(err, goerror.ErrNotFound) {
		slog.InfoContext(ctx, "password reset for unknown identifier")
		return out, nil
	}
	if err != nil {
		return nil, goerror.NewTransient(err)
	}

	ch := entity.ChannelEmail
	if in.Channel != "" {
		ch = entity.Channel(in.Channel)
	}

	if !acc.IsVerified(ch) {
		slog.InfoContext(ctx, "password reset to unverified contact skipped", "account_id", acc.ID, "channel", ch)
		return out, nil
	}

	since := s.clock.Now().Add(-time.Hour)
	limit := s.cfg.GetInt("modules.identity.password_reset_per_hour")
	if s.countRecent(ctx, acc.ID, ch, entity.PurposePasswordReset, since) >= limit {
		slog.WarnContext(ctx, "password reset hourly cap reached, request suppressed", "account_id", acc.ID, "channel", ch)
		return out, nil
	}

	if _, err := s.issueCode(ctx, acc, ch, entity.PurposePasswordReset); err != nil {
		return nil, err
	}

	return out, nil
}

type ResetPasswordInput struct {
	Identifier  string `validate:"required,identifier"`
	Channel     string `validate:"omitempty,oneof=email sms"`
	Code        string `validate:"required,numeric,min=4,max=10"`
	NewPassword string `validate:"required,password"`
}

// ResetPassword completes a reset: it consumes the code, stores the new
// password, clears the lockout and revokes every session.
func (s *Usecase) ResetPassword(ctx context.Context, in ResetPasswordInput) (*PasswordOutput, error) {
	ctx, span := s.startSpan(ctx, "ResetPassword")
	defer span.End()

	if err := s.validator.Validate(in); err != nil {
		return nil, goerror.NewInvalidInput(err)
	}

	ch := entity.ChannelEmail
	if in.Channel != "" {
		ch = entity.Channel(in.Channel)
	}
	perHour := s.cfg.GetInt("modules.identity.verification_per_hour")

	acc, err := s.resolve(ctx, in.Identifier)
	if errors.Is(err, goerror.ErrNotFound) {
		slog.WarnContext(ctx, "password reset completion for unknown identifier")
		if err := s.allow(ctx, unknownKey("reset", in.Identifier, ch), perHour, time.Hour); err != nil {
			return nil, err
		}
		return nil, errInvalidCode
	}
	if err != nil {
		return nil, goerror.NewTransient(err)
	}

	limitKey := fmt.Sprintf("reset:%d:%s", acc.ID, ch)
	if err := s.allow(ctx, limitKey, perHour, time.Hour); err != nil {
		return nil, err
	}

	if _, _, err := s.verifyCode(ctx, acc.ID, in.Code, ch, entity.PurposePasswordReset); err != nil {
		return nil, err
	}

	version, err := s.storePassword(ctx, acc.ID, in.NewPassword, true)
	if err != nil {
		return nil, err
	}

	s.clearLimit(ctx, limitKey)

	s.publishEvent(ctx, entity.EventPasswordReset, acc.ID, version, ch.String())

	return &PasswordOutput{TokenVersion: version}, nil
}

// storePassword hashes and saves password and bumps the token version.
func (s *Usecase) storePassword(ctx context.Context, accountID int64, password string, clearLockout bool) (int64, error) {
	hashed, err := s.password.Hash(password)
	if err != nil {
		slog.ErrorContext(ctx, "failed to hash password", "account_id", accountID, "error", err)
		return 0, goerror.NewServer(err)
	}

	version, err := s.repoDB.UpdatePassword(ctx, accountID, string(hashed), clearLockout, s.clock.Now())
	if errors.Is(err, goerror.ErrNotFound) {
		return 0, goerror.NewBusiness("account not found", goerror.CodeNotFound)
	}
	if err != nil {
		slog.ErrorContext(ctx, "failed to repo update password", "account_id", accountID, "error", err)
		return 0, goerror.NewTransient(err)
	}

	s.sessionsRevoked.Add(ctx, 1)

	return version, nil
}
