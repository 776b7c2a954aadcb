package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
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
	"github.com/stretchr/testify/require"
)

const testPassword = "Password#1"

var errRepoDown = errors.New("connection refused")

// fakeRepo mirrors the SQL semantics of outbound/db in memory.
type fakeRepo struct {
	mu       sync.Mutex
	accounts map[int64]*entity.Account
	codes    []*entity.OneTimeCode

	countErr error
	sweepErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{accounts: map[int64]*entity.Account{}}
}

func cloneAccount(a *entity.Account) *entity.Account {
	c := *a
	c.MFAMethods = slices.Clone(a.MFAMethods)
	c.MFASecret = bytes.Clone(a.MFASecret)
	if a.LockedUntil != nil {
		t := *a.LockedUntil
		c.LockedUntil = &t
	}
	return &c
}

func cloneCode(c *entity.OneTimeCode) *entity.OneTimeCode {
	out := *c
	out.Secret = bytes.Clone(c.Secret)
	return &out
}

func (r *fakeRepo) account(id int64) *entity.Account {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneAccount(r.accounts[id])
}

func (r *fakeRepo) find(match func(a *entity.Account) bool) (*entity.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]int64, 0, len(r.accounts))
	for id := range r.accounts {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	for _, id := range ids {
		if a := r.accounts[id]; match(a) {
			return cloneAccount(a), nil
		}
	}
	return nil, goerror.ErrNotFound
}

func (r *fakeRepo) GetAccountByID(_ context.Context, id int64) (*entity.Account, error) {
	return r.find(func(a *entity.Account) bool { return a.ID == id })
}

func (r *fakeRepo) GetAccountByEmail(_ context.Context, email string) (*entity.Account, error) {
	return r.find(func(a *entity.Account) bool { return strings.EqualFold(a.Email, email) })
}

func (r *fakeRepo) GetAccountByPhone(_ context.Context, phone string) (*entity.Account, error) {
	return r.find(func(a *entity.Account) bool { return a.Phone != "" && a.Phone == phone })
}

func (r *fakeRepo) GetAccountByPhoneCountry(_ context.Context, phone, cc string) (*entity.Account, error) {
	return r.find(func(a *entity.Account) bool { return a.Phone != "" && a.Phone == phone && a.CountryCode == cc })
}

func (r *fakeRepo) GetAccountByPhoneKey(_ context.Context, digits string) (*entity.Account, error) {
	return r.find(func(a *entity.Account) bool {
		return a.Phone != "" && (entity.PhoneDigits(a.Phone) == digits || entity.PhoneKey(a.CountryCode, a.Phone) == digits)
	})
}

func (r *fakeRepo) CreateAccount(_ context.Context, acc entity.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, a := range r.accounts {
		if strings.EqualFold(a.Email, acc.Email) ||
			(acc.Phone != "" && a.Phone == acc.Phone && a.CountryCode == acc.CountryCode) {
			return goerror.ErrConflict
		}
	}
	r.accounts[acc.ID] = cloneAccount(&acc)
	return nil
}

func (r *fakeRepo) update(id int64, f func(a *entity.Account)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.accounts[id]
	if !ok {
		return goerror.ErrNotFound
	}
	f(a)
	return nil
}

func (r *fakeRepo) RecordLoginFailure(_ context.Context, id int64, threshold int, lockUntil, now time.Time) (*entity.LoginFailure, error) {
	var out entity.LoginFailure
	err := r.update(id, func(a *entity.Account) {
		lapsed := a.LockedUntil != nil && !a.LockedUntil.After(now)
		attempts := a.LoginAttempts + 1
		if lapsed {
			attempts = 1
		}

		switch {
		case int(attempts) >= threshold:
			a.LockedUntil = &lockUntil
		case lapsed:
			a.LockedUntil = nil
		}
		a.LoginAttempts = attempts
		a.UpdatedAt = now

		out.Attempts = a.LoginAttempts
		if a.LockedUntil != nil {
			t := *a.LockedUntil
			out.LockedUntil = &t
		}
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *fakeRepo) RecordLoginSuccess(_ context.Context, id int64, now time.Time) error {
	return r.update(id, func(a *entity.Account) {
		a.LoginAttempts = 0
		a.LockedUntil = nil
		a.UpdatedAt = now
	})
}

func (r *fakeRepo) MarkContactVerified(_ context.Context, id int64, ch entity.Channel, now time.Time) error {
	return r.update(id, func(a *entity.Account) {
		switch ch {
		case entity.ChannelEmail:
			a.EmailVerified = true
		case entity.ChannelSMS:
			a.PhoneVerified = true
		}
		a.UpdatedAt = now
	})
}

func (r *fakeRepo) UpdatePassword(_ context.Context, id int64, hash string, clearLockout bool, now time.Time) (int64, error) {
	var version int64
	err := r.update(id, func(a *entity.Account) {
		a.PasswordHash = hash
		a.TokenVersion++
		if clearLockout {
			a.LoginAttempts = 0
			a.LockedUntil = nil
		}
		a.UpdatedAt = now
		version = a.TokenVersion
	})
	return version, err
}

func (r *fakeRepo) BumpTokenVersion(_ context.Context, id int64, now time.Time) (int64, error) {
	var version int64
	err := r.update(id, func(a *entity.Account) {
		a.TokenVersion++
		a.UpdatedAt = now
		version = a.TokenVersion
	})
	return version, err
}

func (r *fakeRepo) AddMFAMethod(_ context.Context, id int64, method entity.Channel, sealed []byte, now time.Time) (entity.MethodSet, error) {
	var out entity.MethodSet
	err := r.update(id, func(a *entity.Account) {
		a.MFAEnabled = true
		a.MFAMethods = a.MFAMethods.Add(method)
		if len(sealed) > 0 {
			a.MFASecret = bytes.Clone(sealed)
		}
		a.UpdatedAt = now
		out = slices.Clone(a.MFAMethods)
	})
	return out, err
}

func (r *fakeRepo) DisableMFA(_ context.Context, id int64, now time.Time) error {
	return r.update(id, func(a *entity.Account) {
		a.MFAEnabled = false
		a.MFAMethods = nil
		a.MFASecret = nil
		a.UpdatedAt = now
	})
}

func (r *fakeRepo) CreateCode(_ context.Context, code entity.OneTimeCode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codes = append(r.codes, cloneCode(&code))
	return nil
}

// latest returns the newest unused code matching f, by created_at then id.
func (r *fakeRepo) latest(f func(c *entity.OneTimeCode) bool) *entity.OneTimeCode {
	var best *entity.OneTimeCode
	for _, c := range r.codes {
		if c.Used || !f(c) {
			continue
		}
		if best == nil || c.CreatedAt.After(best.CreatedAt) ||
			(c.CreatedAt.Equal(best.CreatedAt) && c.ID > best.ID) {
			best = c
		}
	}
	return best
}

func (r *fakeRepo) ConsumeCode(_ context.Context, accountID int64, ch entity.Channel, p entity.Purpose, digest string) (*entity.OneTimeCode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.latest(func(c *entity.OneTimeCode) bool {
		return c.AccountID == accountID && c.Channel == ch && c.Code == digest && (p == "" || c.Purpose == p)
	})
	if c == nil {
		return nil, goerror.ErrNotFound
	}
	c.Used = true
	return cloneCode(c), nil
}

func (r *fakeRepo) GetLatestUnusedCode(_ context.Context, accountID int64, ch entity.Channel, p entity.Purpose) (*entity.OneTimeCode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.latest(func(c *entity.OneTimeCode) bool {
		return c.AccountID == accountID && c.Channel == ch && (p == "" || c.Purpose == p)
	})
	if c == nil {
		return nil, goerror.ErrNotFound
	}
	return cloneCode(c), nil
}

func (r *fakeRepo) MarkCodeUsed(_ context.Context, id int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.codes {
		if c.ID == id && !c.Used {
			c.Used = true
			return true, nil
		}
	}
	return false, nil
}

func (r *fakeRepo) CountCodesSince(_ context.Context, accountID int64, ch entity.Channel, p entity.Purpose, since time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.countErr != nil {
		return 0, r.countErr
	}

	n := 0
	for _, c := range r.codes {
		if c.AccountID == accountID && c.Channel == ch && c.Purpose == p && !c.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (r *fakeRepo) deleteExpired(now, createdBefore time.Time, f func(c *entity.OneTimeCode) bool) int64 {
	kept := r.codes[:0]
	var n int64
	for _, c := range r.codes {
		if f(c) && !now.Before(c.ExpiresAt) && c.CreatedAt.Before(createdBefore) {
			n++
			continue
		}
		kept = append(kept, c)
	}
	r.codes = kept
	return n
}

func (r *fakeRepo) DeleteExpiredCodes(_ context.Context, accountID int64, now, createdBefore time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sweepErr != nil {
		return 0, r.sweepErr
	}
	return r.deleteExpired(now, createdBefore, func(c *entity.OneTimeCode) bool { return c.AccountID == accountID }), nil
}

func (r *fakeRepo) DeleteAllExpiredCodes(_ context.Context, now, createdBefore time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sweepErr != nil {
		return 0, r.sweepErr
	}
	return r.deleteExpired(now, createdBefore, func(*entity.OneTimeCode) bool { return true }), nil
}

// codeByID returns a stored code, including used ones.
func (r *fakeRepo) codeByID(id int64) *entity.OneTimeCode {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.codes {
		if c.ID == id {
			return cloneCode(c)
		}
	}
	return nil
}

type sentCode struct {
	Destination string
	Code        string
	Purpose     entity.Purpose
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentCode
	err  error
}

func (f *fakeSender) SendCode(_ context.Context, destination, code string, purpose entity.Purpose) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentCode{Destination: destination, Code: code, Purpose: purpose})
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeSender) last(t *testing.T) sentCode {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.sent, "no code sent")
	return f.sent[len(f.sent)-1]
}

type fakePublisher struct {
	mu     sync.Mutex
	events []entity.SecurityEvent
}

func (f *fakePublisher) PublishSecurityEvent(_ context.Context, ev entity.SecurityEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakePublisher) kinds() []entity.SecurityEventKind {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]entity.SecurityEventKind, 0, len(f.events))
	for _, ev := range f.events {
		out = append(out, ev.Kind)
	}
	return out
}

type fixture struct {
	uc    *Usecase
	repo  *fakeRepo
	email *fakeSender
	sms   *fakeSender
	pub   *fakePublisher
	clk   *clock.Fixed
	jwt   *jwt.HS512
	totp  *otp.TOTP
	gm    *goroutine.Manager
	mr    *miniredis.Miniredis
	pw    hash.Hash
	cfg   *config.Viper
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clk := clock.NewFixed(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))

	cfg, err := config.NewViperFromBytes("yaml", []byte("modules:\n  identity:\n    transport_timeout_seconds: 1\n"))
	require.NoError(t, err)

	v, err := validator.NewV10Validator()
	require.NoError(t, err)

	signer, err := jwt.NewHS512(jwt.Config{
		Secret:       []byte(strings.Repeat("s", 64)),
		Issuer:       "authcore-test",
		AccessTTL:    15 * time.Minute,
		RefreshTTL:   7 * 24 * time.Hour,
		ChallengeTTL: 10 * time.Minute,
		Clock:        clk,
		UUID:         uid.NewUUID(),
	})
	require.NoError(t, err)

	seal, err := sealer.NewAESGCM(bytes.Repeat([]byte{9}, 32))
	require.NoError(t, err)

	sf, err := uid.NewSnowflakeNode(1)
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	f := &fixture{
		repo:  newFakeRepo(),
		email: &fakeSender{},
		sms:   &fakeSender{},
		pub:   &fakePublisher{},
		clk:   clk,
		jwt:   signer,
		totp:  otp.NewTOTP("authcore-test", 30, 200),
		gm:    goroutine.NewManager(8),
		mr:    mr,
		pw:    hash.NewBcrypt(4, ""),
		cfg:   cfg,
	}

	f.uc = New(Dependency{
		RepoDB:        f.repo,
		RepoMessaging: f.pub,
		EmailSender:   f.email,
		SMSSender:     f.sms,
		Limiter:       ratelimit.NewRedis(rdb),
		Validator:     v,
		Config:        cfg,
		Password:      f.pw,
		Digest:        hash.NewHMACSHA256("digest-key"),
		Sealer:        seal,
		UID:           sf,
		UUID:          uid.NewUUID(),
		Totp:          f.totp,
		Clock:         clk,
		JWT:           signer,
		Instrument:    instrument.NewNoop(),
		Goroutine:     f.gm,
	})

	return f
}

// seedAccount stores a verified password account; mutate adjusts it before saving.
func (f *fixture) seedAccount(t *testing.T, mutate func(a *entity.Account)) *entity.Account {
	t.Helper()

	hashed, err := f.pw.Hash(testPassword)
	require.NoError(t, err)

	now := f.clk.Now()
	acc := entity.Account{
		ID:            int64(len(f.repo.accounts) + 1000),
		Email:         "jane@example.com",
		Phone:         "1234567890",
		CountryCode:   "+1",
		PasswordHash:  string(hashed),
		EmailVerified: true,
		PhoneVerified: true,
		TokenVersion:  1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if mutate != nil {
		mutate(&acc)
	}

	require.NoError(t, f.repo.CreateAccount(context.Background(), acc))
	return &acc
}

// limitKey is the redis key holding a fixed-window counter.
func limitKey(format string, args ...any) string {
	return "ratelimit:" + fmt.Sprintf(format, args...)
}

func authCtx(accountID int64) context.Context {
	return jwt.SetAuth(context.Background(), jwt.Claims{AccountID: accountID})
}

// events waits for background publishing to finish.
func (f *fixture) events(t *testing.T) []entity.SecurityEventKind {
	t.Helper()
	require.NoError(t, f.gm.Wait())
	return f.pub.kinds()
}

func requireCode(t *testing.T, err error, code goerror.Code) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, code.String(), goerror.CodeOf(err).String(), "error: %v", err)
}
