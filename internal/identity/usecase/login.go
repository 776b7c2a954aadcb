package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shandysiswandi/authcore/internal/identity/entity"
	"github.com/shandysiswandi/authcore/internal/pkg/goerror"
)

type LoginInput struct {
	Identifier string `validate:"required,identifier"`
	Password   string `validate:"required"`
}

type LoginOutput struct {
	MFARequired      bool
	ChallengeToken   string
	AvailableMethods []string
	//
	AccessToken  string
	RefreshToken string
}

var errBadCredentials = goerror.NewBusiness("invalid identifier or password", goerror.CodeUnauthorized)

func (s *Usecase) Login(ctx context.Context, in LoginInput) (*LoginOutput, error) {
	ctx, span := s.startSpan(ctx, "Login")
	defer span.End()

	if err := s.validator.Validate(in); err != nil {
		return nil, goerror.NewInvalidInput(err)
	}

	acc, err := s.resolve(ctx, in.Identifier)
	if errors.Is(err, goerror.ErrNotFound) {
		s.password.Verify(s.dummyHash, in.Password)
		slog.WarnContext(ctx, "login for unknown identifier")
		return nil, errBadCredentials
	}
	if err != nil {
		return nil, goerror.NewTransient(err)
	}

	now := s.clock.Now()
	if remaining := acc.LockRemaining(now); remaining > 0 {
		slog.WarnContext(ctx, "login on locked account", "account_id", acc.ID)
		return nil, lockedError(entity.Minutes(remaining))
	}

	if !acc.HasPassword() {
		slog.WarnContext(ctx, "password login on social-only account", "account_id", acc.ID)
		return nil, goerror.NewBusiness("account has no password, sign in with your provider", goerror.CodeForbidden)
	}

	if !s.password.Verify(acc.PasswordHash, in.Password) {
		return nil, s.recordFailure(ctx, acc)
	}

	if err := s.repoDB.RecordLoginSuccess(ctx, acc.ID, now); err != nil {
		slog.ErrorContext(ctx, "failed to repo reset login attempts", "account_id", acc.ID, "error", err)
		return nil, goerror.NewTransient(err)
	}

	if !acc.EmailVerified {
		slog.WarnContext(ctx, "login with unverified email", "account_id", acc.ID)
		return nil, goerror.NewBusiness("email not verified", goerror.CodeForbidden)
	}

	if !acc.PhoneVerified {
		slog.WarnContext(ctx, "login with unverified phone", "account_id", acc.ID)
		return nil, goerror.NewBusiness("phone not verified", goerror.CodeForbidden)
	}

	return s.completeLogin(ctx, acc)
}

func (s *Usecase) recordFailure(ctx context.Context, acc *entity.Account) error {
	attempts, err := s.countFailure(ctx, acc)
	if err != nil {
		return err
	}

	slog.WarnContext(ctx, "password mismatch", "account_id", acc.ID, "attempts", attempts)
	return errBadCredentials
}

// countFailure adds one failed attempt to the lockout counter. It returns a
// Locked error once the attempt reaches the threshold.
func (s *Usecase) countFailure(ctx context.Context, acc *entity.Account) (int32, error) {
	now := s.clock.Now()
	threshold := s.cfg.GetInt("modules.identity.lockout_threshold")
	lockUntil := now.Add(s.cfg.GetMinute("modules.identity.lockout_minutes"))

	s.loginFailures.Add(ctx, 1)

	fail, err := s.repoDB.RecordLoginFailure(ctx, acc.ID, threshold, lockUntil, now)
	if err != nil {
		slog.ErrorContext(ctx, "failed to repo record login failure", "account_id", acc.ID, "error", err)
		return 0, goerror.NewTransient(err)
	}

	if fail.Locked(now) {
		slog.WarnContext(ctx, "account locked after failed logins", "account_id", acc.ID, "attempts", fail.Attempts)
		s.lockouts.Add(ctx, 1)
		s.publishEvent(ctx, entity.EventAccountLocked, acc.ID, acc.TokenVersion, fmt.Sprintf("attempts=%d", fail.Attempts))
		return fail.Attempts, lockedError(entity.Minutes(fail.LockedUntil.Sub(now)))
	}

	return fail.Attempts, nil
}

func lockedError(minutes int) error {
	return goerror.NewBusiness(fmt.Sprintf("account is locked, try again in %d minutes", minutes), goerror.CodeLocked)
}

// completeLogin either issues tokens or, when MFA is on, a challenge.
func (s *Usecase) completeLogin(ctx context.Context, acc *entity.Account) (*LoginOutput, error) {
	if acc.MFAEnabled {
		methods, err := s.effectiveMethods(ctx, acc)
		if err != nil {
			return nil, err
		}

		if !methods.Empty() {
			token, err := s.jwt.GenerateChallenge(acc.ID)
			if err != nil {
				slog.ErrorContext(ctx, "failed to generate challenge token", "account_id", acc.ID, "error", err)
				return nil, goerror.NewServer(err)
			}

			return &LoginOutput{
				MFARequired:      true,
				ChallengeToken:   token,
				AvailableMethods: methods.Strings(),
			}, nil
		}
	}

	tokens, err := s.generateTokens(ctx, acc)
	if err != nil {
		return nil, err
	}

	return &LoginOutput{AccessToken: tokens.AccessToken, RefreshToken: tokens.RefreshToken}, nil
}

// effectiveMethods returns the enrolled methods of an MFA account. An empty
// set falls back to what the account can still receive. When nothing is
// left MFA is switched off and an empty set is returned.
func (s *Usecase) effectiveMethods(ctx context.Context, acc *entity.Account) (entity.MethodSet, error) {
	if !acc.MFAMethods.Empty() {
		return acc.MFAMethods, nil
	}

	fallback := acc.FallbackMethods()
	if !fallback.Empty() {
		slog.WarnContext(ctx, "mfa enabled without methods, using fallback", "account_id", acc.ID, "methods", fallback.String())
		return fallback, nil
	}

	slog.WarnContext(ctx, "mfa enabled without any usable method, disabling", "account_id", acc.ID)
	if err := s.repoDB.DisableMFA(ctx, acc.ID, s.clock.Now()); err != nil {
		slog.ErrorContext(ctx, "failed to repo disable mfa", "account_id", acc.ID, "error", err)
		return nil, goerror.NewTransient(err)
	}
	acc.MFAEnabled = false
	s.publishEvent(ctx, entity.EventMFADisabled, acc.ID, acc.TokenVersion, "self_heal")

	return nil, nil
}

type LoginWithProviderInput struct {
	Provider      string `validate:"required,max=50"`
	Subject       string `validate:"required,max=255"`
	Email         string `validate:"required,email"`
	EmailVerified bool
}

// LoginWithProvider signs in with an identity an upstream provider has already
// attested. Unknown emails get a social-only account without a password.
func (s *Usecase) LoginWithProvider(ctx context.Context, in LoginWithProviderInput) (*LoginOutput, error) {
	ctx, span := s.startSpan(ctx, "LoginWithProvider")
	defer span.End()

	if err := s.validator.Validate(in); err != nil {
		return nil, goerror.NewInvalidInput(err)
	}

	if !in.EmailVerified {
		slog.WarnContext(ctx, "provider attestation without verified email", "provider", in.Provider)
		return nil, goerror.NewBusiness("provider did not verify the email", goerror.CodeForbidden)
	}

	email := entity.NormalizeEmail(in.Email)
	acc, err := s.repoDB.GetAccountByEmail(ctx, email)
	if errors.Is(err, goerror.ErrNotFound) {
		acc, err = s.createSocialAccount(ctx, email)
	}
	if err != nil {
		var ge *goerror.Error
		if errors.As(err, &ge) {
			return nil, err
		}
		slog.ErrorContext(ctx, "failed to repo get account by email", "provider", in.Provider, "error", err)
		return nil, goerror.NewTransient(err)
	}

	if !acc.EmailVerified {
		if err := s.repoDB.MarkContactVerified(ctx, acc.ID, entity.ChannelEmail, s.clock.Now()); err != nil {
			slog.ErrorContext(ctx, "failed to repo mark email verified", "account_id", acc.ID, "error", err)
			return nil, goerror.NewTransient(err)
		}
		acc.EmailVerified = true
	}

	slog.InfoContext(ctx, "provider login", "account_id", acc.ID, "provider", in.Provider)

	return s.completeLogin(ctx, acc)
}

func (s *Usecase) createSocialAccount(ctx context.Context, email string) (*entity.Account, error) {
	now := s.clock.Now()
	acc := entity.Account{
		ID:            s.uid.Generate(),
		Email:         email,
		EmailVerified: true,
		TokenVersion:  1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.repoDB.CreateAccount(ctx, acc); errors.Is(err, goerror.ErrConflict) {
		return nil, goerror.NewBusiness("account already exists", goerror.CodeConflict)
	} else if err != nil {
		slog.ErrorContext(ctx, "failed to repo create social account", "error", err)
		return nil, goerror.NewTransient(err)
	}

	return &acc, nil
}
