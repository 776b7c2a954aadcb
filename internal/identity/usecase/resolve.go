package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/shandysiswandi/authcore/internal/identity/entity"
	"github.com/shandysiswandi/authcore/internal/pkg/goerror"
)

type ResolveIdentifierInput struct {
	Identifier string `validate:"required,identifier"`
}

type ResolveIdentifierOutput struct {
	Account *entity.Account
}

// ResolveIdentifier finds the account behind an email or phone identifier.
// Every miss surfaces as the same NotFound whichever lookup was last tried.
func (s *Usecase) ResolveIdentifier(ctx context.Context, in ResolveIdentifierInput) (*ResolveIdentifierOutput, error) {
	ctx, span := s.startSpan(ctx, "ResolveIdentifier")
	defer span.End()

	if err := s.validator.Validate(in); err != nil {
		return nil, goerror.NewInvalidInput(err)
	}

	acc, err := s.resolve(ctx, in.Identifier)
	if errors.Is(err, goerror.ErrNotFound) {
		return nil, goerror.NewBusiness("account not found", goerror.CodeNotFound)
	}
	if err != nil {
		return nil, goerror.NewTransient(err)
	}

	return &ResolveIdentifierOutput{Account: acc}, nil
}

type lookupFunc func(ctx context.Context) (*entity.Account, error)

// resolve tries the lookups in order and stops at the first hit. It returns
// goerror.ErrNotFound when none matches.
func (s *Usecase) resolve(ctx context.Context, identifier string) (*entity.Account, error) {
	raw := strings.TrimSpace(identifier)
	if raw == "" {
		return nil, goerror.ErrNotFound
	}

	lookups := []lookupFunc{
		func(ctx context.Context) (*entity.Account, error) {
			return s.repoDB.GetAccountByEmail(ctx, entity.NormalizeEmail(raw))
		},
	}

	if looksLikePhone(raw) {
		lookups = append(lookups, func(ctx context.Context) (*entity.Account, error) {
			return s.repoDB.GetAccountByPhone(ctx, raw)
		})

		if rest, ok := strings.CutPrefix(raw, "+"); ok {
			for n := 1; n <= 4 && n < len(rest); n++ {
				cc, local := "+"+rest[:n], rest[n:]
				if !isDigits(rest[:n]) {
					break
				}
				lookups = append(lookups, func(ctx context.Context) (*entity.Account, error) {
					return s.repoDB.GetAccountByPhoneCountry(ctx, local, cc)
				})
			}

			lookups = append(lookups, func(ctx context.Context) (*entity.Account, error) {
				return s.repoDB.GetAccountByPhone(ctx, rest)
			})
		}

		if digits := entity.PhoneDigits(raw); digits != "" {
			lookups = append(lookups, func(ctx context.Context) (*entity.Account, error) {
				return s.repoDB.GetAccountByPhoneKey(ctx, digits)
			})
		}
	}

	for _, lookup := range lookups {
		acc, err := lookup(ctx)
		if errors.Is(err, goerror.ErrNotFound) {
			continue
		}
		if err != nil {
			slog.ErrorContext(ctx, "failed to repo resolve identifier", "error", err)
			return nil, err
		}
		return acc, nil
	}

	return nil, goerror.ErrNotFound
}

// looksLikePhone accepts "+" followed by digits, or digits only. Spaces,
// dashes and parentheses are tolerated.
// unknownKey builds a limiter key for an identifier that matched no account,
// so misses are capped like hits.
func unknownKey(prefix, identifier string, ch entity.Channel) string {
	return prefix + ":unknown:" + strings.ToLower(strings.TrimSpace(identifier)) + ":" + ch.String()
}

func looksLikePhone(s string) bool {
	s = strings.TrimPrefix(s, "+")
	digits := 0
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == ' ' || r == '-' || r == '(' || r == ')':
		default:
			return false
		}
	}
	return digits > 0
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
