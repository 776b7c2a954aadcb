package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shandysiswandi/authcore/internal/identity/entity"
)

const codeColumns = `id, account_id, code, secret, channel, purpose, expires_at, used, created_at`

func scanCode(row pgx.Row) (*entity.OneTimeCode, error) {
	var (
		c       entity.OneTimeCode
		channel string
		purpose string
	)

	if err := row.Scan(
		&c.ID,
		&c.AccountID,
		&c.Code,
		&c.Secret,
		&channel,
		&purpose,
		&c.ExpiresAt,
		&c.Used,
		&c.CreatedAt,
	); err != nil {
		return nil, err
	}

	c.Channel = entity.Channel(channel)
	c.Purpose = entity.Purpose(purpose)
	return &c, nil
}

func (s *DB) CreateCode(ctx context.Context, code entity.OneTimeCode) (err error) {
	ctx, span := s.startSpan(ctx, "CreateCode")
	defer func() { s.endSpan(span, err) }()

	_, err = s.conn.Exec(ctx, `
		INSERT INTO identity_one_time_codes (id, account_id, code, secret, channel, purpose, expires_at, used, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		code.ID,
		code.AccountID,
		code.Code,
		code.Secret,
		code.Channel.String(),
		code.Purpose.String(),
		code.ExpiresAt,
		code.Used,
		code.CreatedAt,
	)

	return s.mapError(err)
}

// ConsumeCode marks the newest unused matching record as used and returns it.
// An empty purpose matches any purpose. Expiry is left to the caller so an
// expired code is still burned.
func (s *DB) ConsumeCode(ctx context.Context, accountID int64, ch entity.Channel, p entity.Purpose, digest string) (_ *entity.OneTimeCode, err error) {
	ctx, span := s.startSpan(ctx, "ConsumeCode")
	defer func() { s.endSpan(span, err) }()

	row := s.conn.QueryRow(ctx, `
		UPDATE identity_one_time_codes SET used = TRUE
		WHERE id = (
			SELECT id FROM identity_one_time_codes
			WHERE account_id = $1 AND channel = $2 AND code = $3 AND used = FALSE
				AND ($4::TEXT = '' OR purpose = $4::TEXT)
			ORDER BY created_at DESC, id DESC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		) AND used = FALSE
		RETURNING `+codeColumns,
		accountID, ch.String(), digest, p.String(),
	)

	code, err := scanCode(row)
	if err != nil {
		return nil, s.mapError(err)
	}

	return code, nil
}

func (s *DB) GetLatestUnusedCode(ctx context.Context, accountID int64, ch entity.Channel, p entity.Purpose) (_ *entity.OneTimeCode, err error) {
	ctx, span := s.startSpan(ctx, "GetLatestUnusedCode")
	defer func() { s.endSpan(span, err) }()

	row := s.conn.QueryRow(ctx, `
		SELECT `+codeColumns+` FROM identity_one_time_codes
		WHERE account_id = $1 AND channel = $2 AND used = FALSE
			AND ($3::TEXT = '' OR purpose = $3::TEXT)
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, accountID, ch.String(), p.String())

	code, err := scanCode(row)
	if err != nil {
		return nil, s.mapError(err)
	}

	return code, nil
}

// MarkCodeUsed reports false when another caller used the record first.
func (s *DB) MarkCodeUsed(ctx context.Context, id int64) (_ bool, err error) {
	ctx, span := s.startSpan(ctx, "MarkCodeUsed")
	defer func() { s.endSpan(span, err) }()

	tag, err := s.conn.Exec(ctx, `UPDATE identity_one_time_codes SET used = TRUE WHERE id = $1 AND used = FALSE`, id)
	if err != nil {
		return false, s.mapError(err)
	}

	return tag.RowsAffected() == 1, nil
}

func (s *DB) CountCodesSince(ctx context.Context, accountID int64, ch entity.Channel, p entity.Purpose, since time.Time) (_ int, err error) {
	ctx, span := s.startSpan(ctx, "CountCodesSince")
	defer func() { s.endSpan(span, err) }()

	var n int
	err = s.conn.QueryRow(ctx, `
		SELECT COUNT(*) FROM identity_one_time_codes
		WHERE account_id = $1 AND channel = $2 AND purpose = $3 AND created_at >= $4`,
		accountID, ch.String(), p.String(), since,
	).Scan(&n)
	if err != nil {
		return 0, s.mapError(err)
	}

	return n, nil
}

func (s *DB) DeleteExpiredCodes(ctx context.Context, accountID int64, now, createdBefore time.Time) (_ int64, err error) {
	ctx, span := s.startSpan(ctx, "DeleteExpiredCodes")
	defer func() { s.endSpan(span, err) }()

	tag, err := s.conn.Exec(ctx, `
		DELETE FROM identity_one_time_codes
		WHERE account_id = $1 AND expires_at <= $2 AND created_at < $3`, accountID, now, createdBefore)
	if err != nil {
		return 0, s.mapError(err)
	}

	return tag.RowsAffected(), nil
}

func (s *DB) DeleteAllExpiredCodes(ctx context.Context, now, createdBefore time.Time) (_ int64, err error) {
	ctx, span := s.startSpan(ctx, "DeleteAllExpiredCodes")
	defer func() { s.endSpan(span, err) }()

	tag, err := s.conn.Exec(ctx, `
		DELETE FROM identity_one_time_codes
		WHERE expires_at <= $1 AND created_at < $2`, now, createdBefore)
	if err != nil {
		return 0, s.mapError(err)
	}

	return tag.RowsAffected(), nil
}
