package jwt

import (
	"errors"
	"strconv"
	"time"

	libJWT "github.com/golang-jwt/jwt/v5"
)

// HS512 implements JWT with a shared HMAC secret.
type HS512 struct {
	secret       []byte
	issuer       string
	accessTTL    time.Duration
	refreshTTL   time.Duration
	challengeTTL time.Duration
	clock        clocker
	uuid         generator
}

// NewHS512 validates cfg and returns an HS512 signer.
func NewHS512(cfg Config) (*HS512, error) {
	if len(cfg.Secret) < 64 {
		return nil, ErrSigningKeyTooShort
	}

	return &HS512{
		secret:       cfg.Secret,
		issuer:       cfg.Issuer,
		accessTTL:    cfg.AccessTTL,
		refreshTTL:   cfg.RefreshTTL,
		challengeTTL: cfg.ChallengeTTL,
		clock:        cfg.Clock,
		uuid:         cfg.UUID,
	}, nil
}

func (s *HS512) registered(accountID int64, audience string, ttl time.Duration) libJWT.RegisteredClaims {
	now := s.clock.Now()

	return libJWT.RegisteredClaims{
		ID:        s.uuid.Generate(),
		Subject:   strconv.FormatInt(accountID, 10),
		Issuer:    s.issuer,
		Audience:  libJWT.ClaimStrings{audience},
		IssuedAt:  libJWT.NewNumericDate(now),
		NotBefore: libJWT.NewNumericDate(now),
		ExpiresAt: libJWT.NewNumericDate(now.Add(ttl)),
	}
}

func (s *HS512) sign(claims libJWT.Claims) (string, error) {
	return libJWT.NewWithClaims(libJWT.SigningMethodHS512, claims).SignedString(s.secret)
}

func (s *HS512) GenerateAccess(sub Subject) (string, error) {
	return s.sign(Claims{
		RegisteredClaims: s.registered(sub.AccountID, AudienceAccess, s.accessTTL),
		AccountID:        sub.AccountID,
		Email:            sub.Email,
		Phone:            sub.Phone,
		EmailVerified:    sub.EmailVerified,
		PhoneVerified:    sub.PhoneVerified,
	})
}

func (s *HS512) GenerateRefresh(accountID, tokenVersion int64) (string, error) {
	return s.sign(RefreshClaims{
		RegisteredClaims: s.registered(accountID, AudienceRefresh, s.refreshTTL),
		AccountID:        accountID,
		TokenVersion:     tokenVersion,
	})
}

func (s *HS512) GenerateChallenge(accountID int64) (string, error) {
	return s.sign(ChallengeClaims{
		RegisteredClaims: s.registered(accountID, AudienceChallenge, s.challengeTTL),
		AccountID:        accountID,
	})
}

func (s *HS512) VerifyAccess(token string) (Claims, error) {
	var claims Claims
	if err := s.parse(token, AudienceAccess, &claims); err != nil {
		return Claims{}, err
	}
	return claims, nil
}

func (s *HS512) VerifyRefresh(token string) (RefreshClaims, error) {
	var claims RefreshClaims
	if err := s.parse(token, AudienceRefresh, &claims); err != nil {
		return RefreshClaims{}, err
	}
	return claims, nil
}

func (s *HS512) VerifyChallenge(token string) (ChallengeClaims, error) {
	var claims ChallengeClaims
	if err := s.parse(token, AudienceChallenge, &claims); err != nil {
		return ChallengeClaims{}, err
	}
	return claims, nil
}

func (s *HS512) parse(token, audience string, claims libJWT.Claims) error {
	parsed, err := libJWT.ParseWithClaims(token, claims,
		func(t *libJWT.Token) (any, error) {
			if t.Method != libJWT.SigningMethodHS512 {
				return nil, ErrInvalidSigningMethod
			}
			return s.secret, nil
		},
		libJWT.WithIssuer(s.issuer),
		libJWT.WithAudience(audience),
		libJWT.WithValidMethods([]string{libJWT.SigningMethodHS512.Alg()}),
		libJWT.WithIssuedAt(),
		libJWT.WithExpirationRequired(),
		libJWT.WithTimeFunc(s.clock.Now),
	)
	if err != nil {
		if errors.Is(err, libJWT.ErrTokenExpired) {
			return ErrTokenExpired
		}
		return errors.Join(ErrInvalidToken, err)
	}

	if !parsed.Valid {
		return ErrInvalidToken
	}

	return nil
}
