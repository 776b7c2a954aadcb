package usecase

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"time"

	"github.com/shandysiswandi/authcore/internal/identity/entity"
	"github.com/shandysiswandi/authcore/internal/pkg/goerror"
	"github.com/shandysiswandi/authcore/internal/pkg/otp"
	"github.com/shandysiswandi/authcore/internal/pkg/sealer"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type IssueCodeInput struct {
	AccountID int64  `validate:"required,gt=0"`
	Channel   string `validate:"required,channel"`
	Purpose   string `validate:"required"`
}

type IssueCodeOutput struct {
	Success bool
	CodeID  int64
	// Secret, URI and Image are set only for auth_app.
	Secret string
	URI    string
	Image  []byte
}

// ImageBase64 is the provisioning image ready for a data URI.
func (o *IssueCodeOutput) ImageBase64() string {
	if o == nil || len(o.Image) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(o.Image)
}

func (s *Usecase) IssueCode(ctx context.Context, in IssueCodeInput) (*IssueCodeOutput, error) {
	ctx, span := s.startSpan(ctx, "IssueCode")
	defer span.End()

	if err := s.validator.Validate(in); err != nil {
		return nil, goerror.NewInvalidInput(err)
	}

	purpose, err := entity.ParsePurpose(in.Purpose)
	if err != nil {
		return nil, goerror.NewInvalidInput(nil, "purpose", "unsupported purpose")
	}

	acc, err := s.loadAccount(ctx, in.AccountID)
	if err != nil {
		return nil, err
	}

	return s.issueCode(ctx, acc, entity.Channel(in.Channel), purpose)
}

type GenerateSecretFor2FAInput struct {
	AccountID int64  `validate:"required,gt=0"`
	Purpose   string `validate:"omitempty"`
}

// GenerateSecretFor2FA always creates a fresh seed and enrollment record,
// whatever the current enrollment state.
func (s *Usecase) GenerateSecretFor2FA(ctx context.Context, in GenerateSecretFor2FAInput) (*IssueCodeOutput, error) {
	ctx, span := s.startSpan(ctx, "GenerateSecretFor2FA")
	defer span.End()

	if err := s.validator.Validate(in); err != nil {
		return nil, goerror.NewInvalidInput(err)
	}

	purpose := entity.PurposeMFASetup
	if in.Purpose != "" {
		p, err := entity.ParsePurpose(in.Purpose)
		if err != nil {
			return nil, goerror.NewInvalidInput(nil, "purpose", "unsupported purpose")
		}
		purpose = p
	}

	acc, err := s.loadAccount(ctx, in.AccountID)
	if err != nil {
		return nil, err
	}

	return s.generateSecretFor2FA(ctx, acc, purpose)
}

func (s *Usecase) issueCode(ctx context.Context, acc *entity.Account, ch entity.Channel, purpose entity.Purpose) (*IssueCodeOutput, error) {
	now := s.clock.Now()
	s.sweepAccountCodes(ctx, acc.ID, now)

	if ch == entity.ChannelAuthApp {
		return s.generateSecretFor2FA(ctx, acc, purpose)
	}

	sender, ok := s.senders[ch]
	if !ok || sender == nil {
		return nil, goerror.NewInvalidInput(nil, "channel", "unsupported channel")
	}

	destination := acc.Destination(ch)
	if destination == "" {
		slog.WarnContext(ctx, "account has no destination for channel", "account_id", acc.ID, "channel", ch)
		return nil, goerror.NewBusiness("no "+ch.String()+" contact on account", goerror.CodeForbidden)
	}

	code, err := otp.RandomDigits(s.cfg.GetInt("modules.identity.otp_length"))
	if err != nil {
		slog.ErrorContext(ctx, "failed to generate code", "account_id", acc.ID, "error", err)
		return nil, goerror.NewServer(err)
	}

	digest, err := s.digest.Hash(code)
	if err != nil {
		slog.ErrorContext(ctx, "failed to digest code", "account_id", acc.ID, "error", err)
		return nil, goerror.NewServer(err)
	}

	rec := entity.OneTimeCode{
		ID:        s.uid.Generate(),
		AccountID: acc.ID,
		Code:      string(digest),
		Channel:   ch,
		Purpose:   purpose,
		ExpiresAt: now.Add(s.cfg.GetMinute("modules.identity.otp_ttl_minutes")),
		CreatedAt: now,
	}
	if err := s.repoDB.CreateCode(ctx, rec); err != nil {
		slog.ErrorContext(ctx, "failed to repo create code", "account_id", acc.ID, "channel", ch, "error", err)
		return nil, goerror.NewTransient(err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.GetSecond("modules.identity.transport_timeout_seconds"))
	defer cancel()

	if err := sender.SendCode(sendCtx, destination, code, purpose); err != nil {
		slog.ErrorContext(ctx, "failed to send code", "account_id", acc.ID, "channel", ch, "purpose", purpose, "error", err)
		return nil, goerror.NewTransient(err)
	}

	s.codesIssued.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", ch.String())))

	return &IssueCodeOutput{Success: true, CodeID: rec.ID}, nil
}

func (s *Usecase) generateSecretFor2FA(ctx context.Context, acc *entity.Account, purpose entity.Purpose) (*IssueCodeOutput, error) {
	now := s.clock.Now()

	label := acc.Email
	if label == "" {
		label = acc.FullPhone()
	}

	secret, uri, err := s.totp.NewSecret(label)
	if err != nil {
		slog.ErrorContext(ctx, "failed to generate totp secret", "account_id", acc.ID, "error", err)
		return nil, goerror.NewServer(err)
	}

	current, err := s.totp.CurrentCode(secret, now)
	if err != nil {
		slog.ErrorContext(ctx, "failed to derive totp code", "account_id", acc.ID, "error", err)
		return nil, goerror.NewServer(err)
	}

	digest, err := s.digest.Hash(current)
	if err != nil {
		slog.ErrorContext(ctx, "failed to digest totp code", "account_id", acc.ID, "error", err)
		return nil, goerror.NewServer(err)
	}

	sealed, err := s.sealer.Seal([]byte(secret), sealer.Scope{AccountID: acc.ID, Purpose: sealer.PurposeEnrollmentSeed})
	if err != nil {
		slog.ErrorContext(ctx, "failed to seal totp secret", "account_id", acc.ID, "error", err)
		return nil, goerror.NewServer(err)
	}

	rec := entity.OneTimeCode{
		ID:        s.uid.Generate(),
		AccountID: acc.ID,
		Code:      string(digest),
		Secret:    sealed,
		Channel:   entity.ChannelAuthApp,
		Purpose:   purpose,
		ExpiresAt: now.Add(s.cfg.GetMinute("modules.identity.enrollment_ttl_minutes")),
		CreatedAt: now,
	}
	if err := s.repoDB.CreateCode(ctx, rec); err != nil {
		slog.ErrorContext(ctx, "failed to repo create enrollment code", "account_id", acc.ID, "error", err)
		return nil, goerror.NewTransient(err)
	}

	img, err := s.totp.RenderProvisioningImage(uri)
	if err != nil {
		slog.ErrorContext(ctx, "failed to render provisioning image", "account_id", acc.ID, "error", err)
		return nil, goerror.NewServer(err)
	}

	s.codesIssued.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", entity.ChannelAuthApp.String())))

	return &IssueCodeOutput{Success: true, CodeID: rec.ID, Secret: secret, URI: uri, Image: img}, nil
}

type VerifyCodeInput struct {
	AccountID int64  `validate:"required,gt=0"`
	Code      string `validate:"required,numeric,min=4,max=10"`
	Channel   string `validate:"required,channel"`
	// Purpose restricts the match to records issued for it. Empty matches any.
	Purpose string `validate:"omitempty"`
}

type VerifyCodeOutput struct {
	Valid bool
	Code  *entity.OneTimeCode
	// Secret is the opened authenticator seed of an auth_app record.
	Secret string
}

func (s *Usecase) VerifyCode(ctx context.Context, in VerifyCodeInput) (*VerifyCodeOutput, error) {
	ctx, span := s.startSpan(ctx, "VerifyCode")
	defer span.End()

	if err := s.validator.Validate(in); err != nil {
		return nil, goerror.NewInvalidInput(err)
	}

	var purpose entity.Purpose
	if in.Purpose != "" {
		p, err := entity.ParsePurpose(in.Purpose)
		if err != nil {
			return nil, goerror.NewInvalidInput(nil, "purpose", "unsupported purpose")
		}
		purpose = p
	}

	rec, secret, err := s.verifyCode(ctx, in.AccountID, in.Code, entity.Channel(in.Channel), purpose)
	if err != nil {
		return nil, err
	}

	return &VerifyCodeOutput{Valid: true, Code: rec, Secret: secret}, nil
}

var errInvalidCode = goerror.NewBusiness("invalid or expired code", goerror.CodeUnauthorized)

// verifyCode consumes the matching record issued for purpose, or for any
// purpose when it is empty. For auth_app it also returns the opened seed.
func (s *Usecase) verifyCode(ctx context.Context, accountID int64, code string, ch entity.Channel, purpose entity.Purpose) (*entity.OneTimeCode, string, error) {
	now := s.clock.Now()

	if ch == entity.ChannelAuthApp {
		return s.verifyAuthAppCode(ctx, accountID, code, purpose, now)
	}

	digest, err := s.digest.Hash(code)
	if err != nil {
		slog.ErrorContext(ctx, "failed to digest code", "account_id", accountID, "error", err)
		return nil, "", goerror.NewServer(err)
	}

	rec, err := s.repoDB.ConsumeCode(ctx, accountID, ch, purpose, string(digest))
	if errors.Is(err, goerror.ErrNotFound) {
		slog.WarnContext(ctx, "code not found or already used", "account_id", accountID, "channel", ch, "purpose", purpose)
		s.rejectCode(ctx, ch, "unknown")
		return nil, "", errInvalidCode
	}
	if err != nil {
		slog.ErrorContext(ctx, "failed to repo consume code", "account_id", accountID, "channel", ch, "error", err)
		return nil, "", goerror.NewTransient(err)
	}

	if rec.Expired(now) {
		slog.WarnContext(ctx, "expired code consumed", "account_id", accountID, "channel", ch, "purpose", rec.Purpose)
		s.rejectCode(ctx, ch, "expired")
		return nil, "", errInvalidCode
	}

	return rec, "", nil
}

func (s *Usecase) verifyAuthAppCode(ctx context.Context, accountID int64, code string, purpose entity.Purpose, now time.Time) (*entity.OneTimeCode, string, error) {
	rec, err := s.repoDB.GetLatestUnusedCode(ctx, accountID, entity.ChannelAuthApp, purpose)
	if errors.Is(err, goerror.ErrNotFound) {
		slog.WarnContext(ctx, "no pending authenticator enrollment", "account_id", accountID)
		s.rejectCode(ctx, entity.ChannelAuthApp, "unknown")
		return nil, "", errInvalidCode
	}
	if err != nil {
		slog.ErrorContext(ctx, "failed to repo get latest code", "account_id", accountID, "error", err)
		return nil, "", goerror.NewTransient(err)
	}

	if rec.Expired(now) {
		slog.WarnContext(ctx, "authenticator enrollment expired", "account_id", accountID, "code_id", rec.ID)
		s.rejectCode(ctx, entity.ChannelAuthApp, "expired")
		return nil, "", errInvalidCode
	}

	secret, err := s.sealer.Open(rec.Secret, sealer.Scope{AccountID: accountID, Purpose: sealer.PurposeEnrollmentSeed})
	if err != nil {
		slog.ErrorContext(ctx, "failed to open enrollment secret", "account_id", accountID, "code_id", rec.ID, "error", err)
		return nil, "", goerror.NewServer(err)
	}

	if !s.totp.Verify(string(secret), code, now, s.cfg.GetUint("modules.identity.totp_tolerance_steps")) {
		slog.WarnContext(ctx, "authenticator code mismatch", "account_id", accountID, "code_id", rec.ID)
		s.rejectCode(ctx, entity.ChannelAuthApp, "mismatch")
		return nil, "", errInvalidCode
	}

	marked, err := s.repoDB.MarkCodeUsed(ctx, rec.ID)
	if err != nil {
		slog.ErrorContext(ctx, "failed to repo mark code used", "account_id", accountID, "code_id", rec.ID, "error", err)
		return nil, "", goerror.NewTransient(err)
	}
	if !marked {
		slog.WarnContext(ctx, "enrollment record consumed concurrently", "account_id", accountID, "code_id", rec.ID)
		s.rejectCode(ctx, entity.ChannelAuthApp, "replayed")
		return nil, "", errInvalidCode
	}

	rec.Used = true
	return rec, string(secret), nil
}

func (s *Usecase) rejectCode(ctx context.Context, ch entity.Channel, reason string) {
	s.codesRejected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("channel", ch.String()),
		attribute.String("reason", reason),
	))
}

type CountRecentInput struct {
	AccountID int64  `validate:"required,gt=0"`
	Channel   string `validate:"required,channel"`
	Purpose   string `validate:"required"`
	Since     time.Time
}

type CountRecentOutput struct {
	Count int
}

func (s *Usecase) CountRecent(ctx context.Context, in CountRecentInput) (*CountRecentOutput, error) {
	ctx, span := s.startSpan(ctx, "CountRecent")
	defer span.End()

	if err := s.validator.Validate(in); err != nil {
		return nil, goerror.NewInvalidInput(err)
	}

	return &CountRecentOutput{
		Count: s.countRecent(ctx, in.AccountID, entity.Channel(in.Channel), entity.Purpose(in.Purpose), in.Since),
	}, nil
}

// countRecent fails open: a counting error is logged and reported as zero.
func (s *Usecase) countRecent(ctx context.Context, accountID int64, ch entity.Channel, p entity.Purpose, since time.Time) int {
	n, err := s.repoDB.CountCodesSince(ctx, accountID, ch, p, since)
	if err != nil {
		slog.WarnContext(ctx, "failed to repo count recent codes", "account_id", accountID, "channel", ch, "purpose", p, "error", err)
		return 0
	}
	return n
}

// retentionCutoff keeps expired codes around long enough for the hourly caps to count them.
func (s *Usecase) retentionCutoff(now time.Time) time.Time {
	return now.Add(-s.cfg.GetMinute("modules.identity.code_retention_minutes"))
}

// sweepAccountCodes is best effort.
func (s *Usecase) sweepAccountCodes(ctx context.Context, accountID int64, now time.Time) {
	if _, err := s.repoDB.DeleteExpiredCodes(ctx, accountID, now, s.retentionCutoff(now)); err != nil {
		slog.WarnContext(ctx, "failed to repo delete expired codes", "account_id", accountID, "error", err)
	}
}

type SweepExpiredCodesOutput struct {
	Deleted int64
}

// SweepExpiredCodes removes every expired code. The app runs it on a timer.
func (s *Usecase) SweepExpiredCodes(ctx context.Context) (*SweepExpiredCodesOutput, error) {
	ctx, span := s.startSpan(ctx, "SweepExpiredCodes")
	defer span.End()

	now := s.clock.Now()
	n, err := s.repoDB.DeleteAllExpiredCodes(ctx, now, s.retentionCutoff(now))
	if err != nil {
		slog.WarnContext(ctx, "failed to repo sweep expired codes", "error", err)
		return nil, goerror.NewTransient(err)
	}

	if n > 0 {
		slog.InfoContext(ctx, "expired codes swept", "deleted", n)
	}

	return &SweepExpiredCodesOutput{Deleted: n}, nil
}
