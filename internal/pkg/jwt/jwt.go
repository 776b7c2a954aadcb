package jwt

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidSigningMethod is returned when the JWT signing method is not supported.
	ErrInvalidSigningMethod = errors.New("invalid JWT signing method")

	// ErrSigningKeyTooShort is returned when the HS512 signing key is less than 64 bytes.
	ErrSigningKeyTooShort = errors.New("HS512 signing key must be at least 64 bytes (512 bits)")

	// ErrTokenExpired is returned when the JWT token has expired.
	ErrTokenExpired = errors.New("JWT token has expired")

	// ErrInvalidToken is returned when the token is malformed or fails validation.
	ErrInvalidToken = errors.New("invalid token")
)

// Audiences per token kind.
const (
	AudienceAccess    = "authcore:access"
	AudienceRefresh   = "authcore:refresh"
	AudienceChallenge = "authcore:mfa_challenge"
)

// JWT issues and verifies access, refresh and MFA challenge tokens.
type JWT interface {
	GenerateAccess(sub Subject) (string, error)
	GenerateRefresh(accountID, tokenVersion int64) (string, error)
	GenerateChallenge(accountID int64) (string, error)

	VerifyAccess(token string) (Claims, error)
	VerifyRefresh(token string) (RefreshClaims, error)
	VerifyChallenge(token string) (ChallengeClaims, error)
}

type clocker interface {
	Now() time.Time
}

type generator interface {
	Generate() string
}

type jwtContextKey struct{}

// Config defines the inputs for building a JWT implementation.
type Config struct {
	Secret       []byte
	Issuer       string
	AccessTTL    time.Duration
	RefreshTTL   time.Duration
	ChallengeTTL time.Duration
	Clock        clocker
	UUID         generator
}

// Subject is the identity embedded into an access token.
type Subject struct {
	AccountID     int64
	Email         string
	Phone         string
	EmailVerified bool
	PhoneVerified bool
}

// Claims are the access token claims.
type Claims struct {
	jwt.RegisteredClaims
	AccountID     int64  `json:"account_id,string"`
	Email         string `json:"email,omitempty"`
	Phone         string `json:"phone,omitempty"`
	EmailVerified bool   `json:"email_verified"`
	PhoneVerified bool   `json:"phone_verified"`
}

// RefreshClaims are the refresh token claims. TokenVersion must equal the
// account's stored version for the token to be honored.
type RefreshClaims struct {
	jwt.RegisteredClaims
	AccountID    int64 `json:"account_id,string"`
	TokenVersion int64 `json:"ver"`
}

// ChallengeClaims identify the account that passed the password step.
type ChallengeClaims struct {
	jwt.RegisteredClaims
	AccountID int64 `json:"account_id,string"`
}

// GetAuth returns the access claims stored in the context, if any.
func GetAuth(ctx context.Context) *Claims {
	clm, ok := ctx.Value(jwtContextKey{}).(Claims)
	if !ok {
		return nil
	}

	return &clm
}

// SetAuth stores access claims in the context.
func SetAuth(ctx context.Context, clm Claims) context.Context {
	return context.WithValue(ctx, jwtContextKey{}, clm)
}
