package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shandysiswandi/authcore/internal/identity/entity"
	"github.com/shandysiswandi/authcore/internal/pkg/goerror"
)

const accountColumns = `id, email, phone, country_code, COALESCE(password_hash, ''), email_verified,
	phone_verified, login_attempts, locked_until, token_version, mfa_enabled, mfa_methods,
	mfa_secret, created_at, updated_at`

func scanAccount(row pgx.Row) (*entity.Account, error) {
	var (
		acc     entity.Account
		methods string
	)

	if err := row.Scan(
		&acc.ID,
		&acc.Email,
		&acc.Phone,
		&acc.CountryCode,
		&acc.PasswordHash,
		&acc.EmailVerified,
		&acc.PhoneVerified,
		&acc.LoginAttempts,
		&acc.LockedUntil,
		&acc.TokenVersion,
		&acc.MFAEnabled,
		&methods,
		&acc.MFASecret,
		&acc.CreatedAt,
		&acc.UpdatedAt,
	); err != nil {
		return nil, err
	}

	acc.MFAMethods = entity.ParseMethodSet(methods)
	return &acc, nil
}

func (s *DB) getAccount(ctx context.Context, where string, args ...any) (*entity.Account, error) {
	row := s.conn.QueryRow(ctx, `SELECT `+accountColumns+` FROM identity_accounts WHERE `+where, args...)

	acc, err := scanAccount(row)
	if err != nil {
		return nil, s.mapError(err)
	}

	return acc, nil
}

func (s *DB) GetAccountByID(ctx context.Context, id int64) (_ *entity.Account, err error) {
	ctx, span := s.startSpan(ctx, "GetAccountByID")
	defer func() { s.endSpan(span, err) }()

	return s.getAccount(ctx, `id = $1`, id)
}

func (s *DB) GetAccountByEmail(ctx context.Context, email string) (_ *entity.Account, err error) {
	ctx, span := s.startSpan(ctx, "GetAccountByEmail")
	defer func() { s.endSpan(span, err) }()

	return s.getAccount(ctx, `lower(email) = lower($1)`, email)
}

func (s *DB) GetAccountByPhone(ctx context.Context, phone string) (_ *entity.Account, err error) {
	ctx, span := s.startSpan(ctx, "GetAccountByPhone")
	defer func() { s.endSpan(span, err) }()

	return s.getAccount(ctx, `phone <> '' AND phone = $1 ORDER BY id LIMIT 1`, phone)
}

func (s *DB) GetAccountByPhoneCountry(ctx context.Context, phone, countryCode string) (_ *entity.Account, err error) {
	ctx, span := s.startSpan(ctx, "GetAccountByPhoneCountry")
	defer func() { s.endSpan(span, err) }()

	return s.getAccount(ctx, `phone <> '' AND phone = $1 AND country_code = $2`, phone, countryCode)
}

// GetAccountByPhoneKey matches digits against the stored phone alone or
// prefixed with its country code, ignoring any formatting characters.
func (s *DB) GetAccountByPhoneKey(ctx context.Context, digits string) (_ *entity.Account, err error) {
	ctx, span := s.startSpan(ctx, "GetAccountByPhoneKey")
	defer func() { s.endSpan(span, err) }()

	return s.getAccount(ctx, `phone <> '' AND (phone_digits = $1 OR phone_key = $1) ORDER BY id LIMIT 1`, digits)
}

func (s *DB) CreateAccount(ctx context.Context, acc entity.Account) (err error) {
	ctx, span := s.startSpan(ctx, "CreateAccount")
	defer func() { s.endSpan(span, err) }()

	_, err = s.conn.Exec(ctx, `
		INSERT INTO identity_accounts (
			id, email, phone, country_code, password_hash, email_verified, phone_verified,
			token_version, mfa_enabled, mfa_methods, mfa_secret, created_at, updated_at
		) VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9, $10, $11, $12, $13)`,
		acc.ID,
		acc.Email,
		acc.Phone,
		acc.CountryCode,
		acc.PasswordHash,
		acc.EmailVerified,
		acc.PhoneVerified,
		acc.TokenVersion,
		acc.MFAEnabled,
		acc.MFAMethods.String(),
		acc.MFASecret,
		acc.CreatedAt,
		acc.UpdatedAt,
	)

	return s.mapError(err)
}

// RecordLoginFailure counts a failed attempt in one statement. A lapsed lock
// restarts the counter at 1 and reaching threshold sets locked_until.
func (s *DB) RecordLoginFailure(ctx context.Context, id int64, threshold int, lockUntil, now time.Time) (_ *entity.LoginFailure, err error) {
	ctx, span := s.startSpan(ctx, "RecordLoginFailure")
	defer func() { s.endSpan(span, err) }()

	var out entity.LoginFailure
	err = s.conn.QueryRow(ctx, `
		UPDATE identity_accounts SET
			login_attempts = CASE
				WHEN locked_until IS NOT NULL AND locked_until <= $4 THEN 1
				ELSE login_attempts + 1
			END,
			locked_until = CASE
				WHEN (CASE WHEN locked_until IS NOT NULL AND locked_until <= $4 THEN 1 ELSE login_attempts + 1 END) >= $2 THEN $3
				WHEN locked_until IS NOT NULL AND locked_until <= $4 THEN NULL
				ELSE locked_until
			END,
			updated_at = $4
		WHERE id = $1
		RETURNING login_attempts, locked_until`,
		id, threshold, lockUntil, now,
	).Scan(&out.Attempts, &out.LockedUntil)
	if err != nil {
		return nil, s.mapError(err)
	}

	return &out, nil
}

func (s *DB) exec(ctx context.Context, sql string, args ...any) error {
	tag, err := s.conn.Exec(ctx, sql, args...)
	if err != nil {
		return s.mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return goerror.ErrNotFound
	}
	return nil
}

func (s *DB) RecordLoginSuccess(ctx context.Context, id int64, now time.Time) (err error) {
	ctx, span := s.startSpan(ctx, "RecordLoginSuccess")
	defer func() { s.endSpan(span, err) }()

	return s.exec(ctx, `
		UPDATE identity_accounts SET login_attempts = 0, locked_until = NULL, updated_at = $2
		WHERE id = $1`, id, now)
}

func (s *DB) MarkContactVerified(ctx context.Context, id int64, ch entity.Channel, now time.Time) (err error) {
	ctx, span := s.startSpan(ctx, "MarkContactVerified")
	defer func() { s.endSpan(span, err) }()

	switch ch {
	case entity.ChannelEmail:
		return s.exec(ctx, `UPDATE identity_accounts SET email_verified = TRUE, updated_at = $2 WHERE id = $1`, id, now)
	case entity.ChannelSMS:
		return s.exec(ctx, `UPDATE identity_accounts SET phone_verified = TRUE, updated_at = $2 WHERE id = $1`, id, now)
	default:
		return entity.ErrUnknownChannel
	}
}

// UpdatePassword stores a new hash and bumps token_version so every refresh
// token issued before the change stops working.
func (s *DB) UpdatePassword(ctx context.Context, id int64, hash string, clearLockout bool, now time.Time) (_ int64, err error) {
	ctx, span := s.startSpan(ctx, "UpdatePassword")
	defer func() { s.endSpan(span, err) }()

	var version int64
	err = s.conn.QueryRow(ctx, `
		UPDATE identity_accounts SET
			password_hash = $2,
			token_version = token_version + 1,
			login_attempts = CASE WHEN $3::BOOLEAN THEN 0 ELSE login_attempts END,
			locked_until = CASE WHEN $3::BOOLEAN THEN NULL ELSE locked_until END,
			updated_at = $4
		WHERE id = $1
		RETURNING token_version`,
		id, hash, clearLockout, now,
	).Scan(&version)
	if err != nil {
		return 0, s.mapError(err)
	}

	return version, nil
}

func (s *DB) BumpTokenVersion(ctx context.Context, id int64, now time.Time) (_ int64, err error) {
	ctx, span := s.startSpan(ctx, "BumpTokenVersion")
	defer func() { s.endSpan(span, err) }()

	var version int64
	err = s.conn.QueryRow(ctx, `
		UPDATE identity_accounts SET token_version = token_version + 1, updated_at = $2
		WHERE id = $1
		RETURNING token_version`, id, now).Scan(&version)
	if err != nil {
		return 0, s.mapError(err)
	}

	return version, nil
}

// AddMFAMethod appends method to the enrolled set under a row lock and turns
// MFA on. A nil sealedSecret keeps the stored authenticator seed.
func (s *DB) AddMFAMethod(ctx context.Context, id int64, method entity.Channel, sealedSecret []byte, now time.Time) (_ entity.MethodSet, err error) {
	ctx, span := s.startSpan(ctx, "AddMFAMethod")
	defer func() { s.endSpan(span, err) }()

	var methods entity.MethodSet
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		var raw string
		if err := tx.QueryRow(ctx, `SELECT mfa_methods FROM identity_accounts WHERE id = $1 FOR UPDATE`, id).Scan(&raw); err != nil {
			return err
		}

		methods = entity.ParseMethodSet(raw).Add(method)

		_, err := tx.Exec(ctx, `
			UPDATE identity_accounts SET
				mfa_enabled = TRUE,
				mfa_methods = $2,
				mfa_secret = COALESCE($3, mfa_secret),
				updated_at = $4
			WHERE id = $1`, id, methods.String(), sealedSecret, now)
		return err
	})
	if err != nil {
		return nil, s.mapError(err)
	}

	return methods, nil
}

func (s *DB) DisableMFA(ctx context.Context, id int64, now time.Time) (err error) {
	ctx, span := s.startSpan(ctx, "DisableMFA")
	defer func() { s.endSpan(span, err) }()

	return s.exec(ctx, `
		UPDATE identity_accounts SET mfa_enabled = FALSE, mfa_methods = '', mfa_secret = NULL, updated_at = $2
		WHERE id = $1`, id, now)
}
