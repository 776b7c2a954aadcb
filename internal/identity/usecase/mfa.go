package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shandysiswandi/authcore/internal/identity/entity"
	"github.com/shandysiswandi/authcore/internal/pkg/goerror"
	"github.com/shandysiswandi/authcore/internal/pkg/sealer"
)

type SetupMFAInput struct {
	Password string `validate:"required"`
	Method   string `validate:"required,channel"`
}

type SetupMFAOutput struct {
	Method string
	CodeID int64
	// Secret, URI and Image are set for auth_app only.
	Secret string
	URI    string
	Image  []byte
}

// SetupMFA starts first-time enrollment of a method.
func (s *Usecase) SetupMFA(ctx context.Context, in SetupMFAInput) (*SetupMFAOutput, error) {
	ctx, span := s.startSpan(ctx, "SetupMFA")
	defer span.End()

	return s.startEnrollment(ctx, in, false)
}

type VerifyMFAInput struct {
	Method string `validate:"required,channel"`
	Code   string `validate:"required,numeric,min=4,max=10"`
}

type VerifyMFAOutput struct {
	Methods []string
}

// VerifySetupMFA confirms first-time enrollment and turns MFA on.
func (s *Usecase) VerifySetupMFA(ctx context.Context, in VerifyMFAInput) (*VerifyMFAOutput, error) {
	ctx, span := s.startSpan(ctx, "VerifySetupMFA")
	defer span.End()

	return s.finishEnrollment(ctx, in, false)
}

type AddMFAMethodInput struct {
	Password string `validate:"required"`
	Method   string `validate:"required,channel"`
}

// AddMFAMethod starts enrollment of an extra method on an MFA account.
func (s *Usecase) AddMFAMethod(ctx context.Context, in AddMFAMethodInput) (*SetupMFAOutput, error) {
	ctx, span := s.startSpan(ctx, "AddMFAMethod")
	defer span.End()

	return s.startEnrollment(ctx, SetupMFAInput(in), true)
}

// VerifyAddMFAMethod appends the confirmed method to the enrolled set.
func (s *Usecase) VerifyAddMFAMethod(ctx context.Context, in VerifyMFAInput) (*VerifyMFAOutput, error) {
	ctx, span := s.startSpan(ctx, "VerifyAddMFAMethod")
	defer span.End()

	return s.finishEnrollment(ctx, in, true)
}

func enrollmentPurpose(additional bool) entity.Purpose {
	if additional {
		return entity.PurposeMFAAdditionalSetup
	}
	return entity.PurposeMFASetup
}

// checkEnrollable enforces the MFA state each enrollment flavour expects.
func checkEnrollable(acc *entity.Account, method entity.Channel, additional bool) error {
	if !additional && acc.MFAEnabled {
		return goerror.NewBusiness("mfa is already enabled", goerror.CodeConflict)
	}

	if additional {
		if !acc.MFAEnabled {
			return goerror.NewBusiness("mfa is not enabled", goerror.CodeForbidden)
		}
		if acc.MFAMethods.Has(method) {
			return goerror.NewBusiness(fmt.Sprintf("%s is already enabled", method), goerror.CodeConflict)
		}
	}

	return nil
}

func (s *Usecase) startEnrollment(ctx context.Context, in SetupMFAInput, additional bool) (*SetupMFAOutput, error) {
	clm, err := s.authenticated(ctx)
	if err != nil {
		return nil, err
	}

	if err := s.validator.Validate(in); err != nil {
		return nil, goerror.NewInvalidInput(err)
	}

	method, err := entity.ParseChannel(in.Method)
	if err != nil {
		return nil, goerror.NewInvalidInput(nil, "method", "unsupported method")
	}

	acc, err := s.loadAccount(ctx, clm.AccountID)
	if err != nil {
		return nil, err
	}

	if err := s.confirmPassword(ctx, acc, in.Password); err != nil {
		return nil, err
	}

	if err := checkEnrollable(acc, method, additional); err != nil {
		slog.WarnContext(ctx, "mfa enrollment refused", "account_id", acc.ID, "method", method, "error", err)
		return nil, err
	}

	if !acc.IsVerified(method) {
		slog.WarnContext(ctx, "mfa method prerequisite not met", "account_id", acc.ID, "method", method)
		return nil, goerror.NewBusiness(fmt.Sprintf("%s must be verified before enabling it for mfa", method), goerror.CodeForbidden)
	}

	issued, err := s.issueCode(ctx, acc, method, enrollmentPurpose(additional))
	if err != nil {
		return nil, err
	}

	return &SetupMFAOutput{
		Method: method.String(),
		CodeID: issued.CodeID,
		Secret: issued.Secret,
		URI:    issued.URI,
		Image:  issued.Image,
	}, nil
}

func (s *Usecase) finishEnrollment(ctx context.Context, in VerifyMFAInput, additional bool) (*VerifyMFAOutput, error) {
	clm, err := s.authenticated(ctx)
	if err != nil {
		return nil, err
	}

	if err := s.validator.Validate(in); err != nil {
		return nil, goerror.NewInvalidInput(err)
	}

	method, err := entity.ParseChannel(in.Method)
	if err != nil {
		return nil, goerror.NewInvalidInput(nil, "method", "unsupported method")
	}

	acc, err := s.loadAccount(ctx, clm.AccountID)
	if err != nil {
		return nil, err
	}

	if err := checkEnrollable(acc, method, additional); err != nil {
		slog.WarnContext(ctx, "mfa enrollment confirmation refused", "account_id", acc.ID, "method", method, "error", err)
		return nil, err
	}

	_, secret, err := s.verifyCode(ctx, acc.ID, in.Code, method, enrollmentPurpose(additional))
	if err != nil {
		return nil, err
	}

	var sealed []byte
	if method == entity.ChannelAuthApp {
		sealed, err = s.sealer.Seal([]byte(secret), sealer.Scope{AccountID: acc.ID, Purpose: sealer.PurposeAccountSeed})
		if err != nil {
			slog.ErrorContext(ctx, "failed to seal account secret", "account_id", acc.ID, "error", err)
			return nil, goerror.NewServer(err)
		}
	}

	methods, err := s.repoDB.AddMFAMethod(ctx, acc.ID, method, sealed, s.clock.Now())
	if err != nil {
		slog.ErrorContext(ctx, "failed to repo add mfa method", "account_id", acc.ID, "method", method, "error", err)
		return nil, goerror.NewTransient(err)
	}

	slog.InfoContext(ctx, "mfa method enabled", "account_id", acc.ID, "method", method, "methods", methods.String())
	s.publishEvent(ctx, entity.EventMFAEnabled, acc.ID, acc.TokenVersion, method.String())

	return &VerifyMFAOutput{Methods: methods.Strings()}, nil
}

type DisableMFAInput struct {
	Password string `validate:"required"`
}

func (s *Usecase) DisableMFA(ctx context.Context, in DisableMFAInput) error {
	ctx, span := s.startSpan(ctx, "DisableMFA")
	defer span.End()

	clm, err := s.authenticated(ctx)
	if err != nil {
		return err
	}

	if err := s.validator.Validate(in); err != nil {
		return goerror.NewInvalidInput(err)
	}

	acc, err := s.loadAccount(ctx, clm.AccountID)
	if err != nil {
		return err
	}

	if err := s.confirmPassword(ctx, acc, in.Password); err != nil {
		return err
	}

	if !acc.MFAEnabled {
		return goerror.NewBusiness("mfa is not enabled", goerror.CodeForbidden)
	}

	if err := s.repoDB.DisableMFA(ctx, acc.ID, s.clock.Now()); err != nil {
		slog.ErrorContext(ctx, "failed to repo disable mfa", "account_id", acc.ID, "error", err)
		return goerror.NewTransient(err)
	}

	s.publishEvent(ctx, entity.EventMFADisabled, acc.ID, acc.TokenVersion, "user")

	return nil
}

type RegenerateAuthenticatorInput struct {
	Password string `validate:"required"`
}

// RegenerateAuthenticator replaces a lost setup QR code with a fresh seed
// while auth_app enrollment is still pending.
func (s *Usecase) RegenerateAuthenticator(ctx context.Context, in RegenerateAuthenticatorInput) (*SetupMFAOutput, error) {
	ctx, span := s.startSpan(ctx, "RegenerateAuthenticator")
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

	if err := s.confirmPassword(ctx, acc, in.Password); err != nil {
		return nil, err
	}

	if acc.MFAMethods.Has(entity.ChannelAuthApp) {
		return nil, goerror.NewBusiness("auth_app is already enabled", goerror.CodeConflict)
	}

	issued, err := s.generateSecretFor2FA(ctx, acc, enrollmentPurpose(acc.MFAEnabled))
	if err != nil {
		return nil, err
	}

	return &SetupMFAOutput{
		Method: entity.ChannelAuthApp.String(),
		CodeID: issued.CodeID,
		Secret: issued.Secret,
		URI:    issued.URI,
		Image:  issued.Image,
	}, nil
}

type SendLoginCodeInput struct {
	ChallengeToken string `validate:"required"`
	Method         string `validate:"required,oneof=email sms"`
}

// SendLoginCode delivers a second-factor code for a pending MFA challenge.
func (s *Usecase) SendLoginCode(ctx context.Context, in SendLoginCodeInput) (*GenericOutput, error) {
	ctx, span := s.startSpan(ctx, "SendLoginCode")
	defer span.End()

	if err := s.validator.Validate(in); err != nil {
		return nil, goerror.NewInvalidInput(err)
	}

	acc, methods, err := s.challengedAccount(ctx, in.ChallengeToken)
	if err != nil {
		return nil, err
	}

	method := entity.Channel(in.Method)
	if !methods.Has(method) {
		return nil, goerror.NewBusiness(fmt.Sprintf("%s is not an enabled mfa method", method), goerror.CodeForbidden)
	}

	if err := s.allow(ctx, fmt.Sprintf("mfa_login:%d", acc.ID),
		s.cfg.GetInt("modules.identity.verification_per_hour"), time.Hour); err != nil {
		return nil, err
	}

	if _, err := s.issueCode(ctx, acc, method, entity.PurposeVerification); err != nil {
		return nil, err
	}

	return &GenericOutput{Message: "code sent via " + method.String()}, nil
}

type LoginMFAInput struct {
	ChallengeToken string `validate:"required"`
	Method         string `validate:"required,channel"`
	Code           string `validate:"required,numeric,min=4,max=10"`
}

// LoginMFA answers an MFA challenge and issues tokens.
func (s *Usecase) LoginMFA(ctx context.Context, in LoginMFAInput) (*TokenOutput, error) {
	ctx, span := s.startSpan(ctx, "LoginMFA")
	defer span.End()

	if err := s.validator.Validate(in); err != nil {
		return nil, goerror.NewInvalidInput(err)
	}

	acc, methods, err := s.challengedAccount(ctx, in.ChallengeToken)
	if err != nil {
		return nil, err
	}

	method := entity.Channel(in.Method)
	if !methods.Has(method) {
		return nil, goerror.NewBusiness(fmt.Sprintf("%s is not an enabled mfa method", method), goerror.CodeForbidden)
	}

	limitKey := fmt.Sprintf("mfa_verify:%d", acc.ID)
	if err := s.allow(ctx, limitKey, s.cfg.GetInt("modules.identity.verification_per_hour"), time.Hour); err != nil {
		return nil, err
	}

	if err := s.verifySecondFactor(ctx, acc, method, in.Code); err != nil {
		if !errors.Is(err, errInvalidCode) {
			return nil, err
		}
		if _, lockErr := s.countFailure(ctx, acc); lockErr != nil {
			return nil, lockErr
		}
		return nil, err
	}

	s.clearLimit(ctx, limitKey)

	if err := s.repoDB.RecordLoginSuccess(ctx, acc.ID, s.clock.Now()); err != nil {
		slog.ErrorContext(ctx, "failed to repo reset login attempts", "account_id", acc.ID, "error", err)
		return nil, goerror.NewTransient(err)
	}

	return s.generateTokens(ctx, acc)
}

func (s *Usecase) verifySecondFactor(ctx context.Context, acc *entity.Account, method entity.Channel, code string) error {
	if method == entity.ChannelAuthApp {
		return s.verifyAccountTOTP(ctx, acc, code)
	}

	_, _, err := s.verifyCode(ctx, acc.ID, code, method, entity.PurposeVerification)
	return err
}

var errChallenge = goerror.NewBusiness("mfa challenge is invalid or expired", goerror.CodeUnauthorized)

// challengedAccount resolves the account behind a challenge token and the
// methods it may answer with.
func (s *Usecase) challengedAccount(ctx context.Context, token string) (*entity.Account, entity.MethodSet, error) {
	clm, err := s.jwt.VerifyChallenge(token)
	if err != nil {
		slog.WarnContext(ctx, "challenge token rejected", "error", err)
		return nil, nil, errChallenge
	}

	acc, err := s.repoDB.GetAccountByID(ctx, clm.AccountID)
	if errors.Is(err, goerror.ErrNotFound) {
		return nil, nil, errChallenge
	}
	if err != nil {
		slog.ErrorContext(ctx, "failed to repo get account by id", "account_id", clm.AccountID, "error", err)
		return nil, nil, goerror.NewTransient(err)
	}

	if remaining := acc.LockRemaining(s.clock.Now()); remaining > 0 {
		return nil, nil, lockedError(entity.Minutes(remaining))
	}

	if !acc.MFAEnabled {
		slog.WarnContext(ctx, "challenge for account without mfa", "account_id", acc.ID)
		return nil, nil, errChallenge
	}

	methods, err := s.effectiveMethods(ctx, acc)
	if err != nil {
		return nil, nil, err
	}
	if methods.Empty() {
		return nil, nil, errChallenge
	}

	return acc, methods, nil
}

func (s *Usecase) verifyAccountTOTP(ctx context.Context, acc *entity.Account, code string) error {
	if len(acc.MFASecret) == 0 {
		slog.WarnContext(ctx, "auth_app login without stored secret", "account_id", acc.ID)
		return errInvalidCode
	}

	secret, err := s.sealer.Open(acc.MFASecret, sealer.Scope{AccountID: acc.ID, Purpose: sealer.PurposeAccountSeed})
	if err != nil {
		slog.ErrorContext(ctx, "failed to open account secret", "account_id", acc.ID, "error", err)
		return goerror.NewServer(err)
	}

	if !s.totp.Verify(string(secret), code, s.clock.Now(), s.cfg.GetUint("modules.identity.totp_tolerance_steps")) {
		slog.WarnContext(ctx, "authenticator code mismatch on login", "account_id", acc.ID)
		s.rejectCode(ctx, entity.ChannelAuthApp, "mismatch")
		return errInvalidCode
	}

	return nil
}
