package usecase

import (
	"context"
	"errors"
	"log/slog"

	"github.com/shandysiswandi/authcore/internal/identity/entity"
	"github.com/shandysiswandi/authcore/internal/pkg/goerror"
	"github.com/shandysiswandi/authcore/internal/pkg/jwt"
)

type GenerateTokensInput struct {
	AccountID int64 `validate:"required,gt=0"`
}

type TokenOutput struct {
	AccessToken  string
	RefreshToken string
}

// GenerateTokens issues an access and a refresh token bound to the account's
// current token version.
func (s *Usecase) GenerateTokens(ctx context.Context, in GenerateTokensInput) (*TokenOutput, error) {
	ctx, span := s.startSpan(ctx, "GenerateTokens")
	defer span.End()

	if err := s.validator.Validate(in); err != nil {
		return nil, goerror.NewInvalidInput(err)
	}

	acc, err := s.loadAccount(ctx, in.AccountID)
	if err != nil {
		return nil, err
	}

	return s.generateTokens(ctx, acc)
}

func (s *Usecase) generateTokens(ctx context.Context, acc *entity.Account) (*TokenOutput, error) {
	access, err := s.jwt.GenerateAccess(jwt.Subject{
		AccountID:     acc.ID,
		Email:         acc.Email,
		Phone:         acc.FullPhone(),
		EmailVerified: acc.EmailVerified,
		PhoneVerified: acc.PhoneVerified,
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to generate access token", "account_id", acc.ID, "error", err)
		return nil, goerror.NewServer(err)
	}

	refresh, err := s.jwt.GenerateRefresh(acc.ID, acc.TokenVersion)
	if err != nil {
		slog.ErrorContext(ctx, "failed to generate refresh token", "account_id", acc.ID, "error", err)
		return nil, goerror.NewServer(err)
	}

	return &TokenOutput{AccessToken: access, RefreshToken: refresh}, nil
}

type RefreshTokenInput struct {
	RefreshToken string `validate:"required"`
}

var errRevoked = goerror.NewBusiness("refresh token is invalid or revoked", goerror.CodeUnauthorized)

func (s *Usecase) RefreshToken(ctx context.Context, in RefreshTokenInput) (*TokenOutput, error) {
	ctx, span := s.startSpan(ctx, "RefreshToken")
	defer span.End()

	if err := s.validator.Validate(in); err != nil {
		return nil, goerror.NewInvalidInput(err)
	}

	clm, err := s.jwt.VerifyRefresh(in.RefreshToken)
	if err != nil {
		slog.WarnContext(ctx, "refresh token rejected", "error", err)
		return nil, errRevoked
	}

	acc, err := s.repoDB.GetAccountByID(ctx, clm.AccountID)
	if errors.Is(err, goerror.ErrNotFound) {
		slog.WarnContext(ctx, "refresh token for missing account", "account_id", clm.AccountID)
		return nil, errRevoked
	}
	if err != nil {
		slog.ErrorContext(ctx, "failed to repo get account by id", "account_id", clm.AccountID, "error", err)
		return nil, goerror.NewTransient(err)
	}

	if clm.TokenVersion != acc.TokenVersion {
		slog.WarnContext(ctx, "refresh token version revoked", "account_id", acc.ID,
			"token_version", clm.TokenVersion, "current_version", acc.TokenVersion)
		return nil, errRevoked
	}

	return s.generateTokens(ctx, acc)
}

type LogoutAllOutput struct {
	TokenVersion int64
}

// LogoutAll revokes every refresh token of the caller.
func (s *Usecase) LogoutAll(ctx context.Context) (*LogoutAllOutput, error) {
	ctx, span := s.startSpan(ctx, "LogoutAll")
	defer span.End()

	clm, err := s.authenticated(ctx)
	if err != nil {
		return nil, err
	}

	version, err := s.repoDB.BumpTokenVersion(ctx, clm.AccountID, s.clock.Now())
	if errors.Is(err, goerror.ErrNotFound) {
		return nil, goerror.NewBusiness("account not found", goerror.CodeNotFound)
	}
	if err != nil {
		slog.ErrorContext(ctx, "failed to repo bump token version", "account_id", clm.AccountID, "error", err)
		return nil, goerror.NewTransient(err)
	}

	s.sessionsRevoked.Add(ctx, 1)
	s.publishEvent(ctx, entity.EventSessionsRevoked, clm.AccountID, version, "logout_all")

	return &LogoutAllOutput{TokenVersion: version}, nil
}
