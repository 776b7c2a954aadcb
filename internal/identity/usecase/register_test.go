package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shandysiswandi/authcore/internal/identity/entity"
	"github.com/shandysiswandi/authcore/internal/pkg/goerror"
	"github.com/stretchr/testify/require"
)

func validRegistration() RegisterInput {
	return RegisterInput{
		Email:       "Sam@Example.com",
		Phone:       "(555) 010-2000",
		CountryCode: "44",
		Password:    testPassword,
	}
}

func TestRegister(t *testing.T) {
	// Arrange
	f := newFixture(t)

	// Act
	out, err := f.uc.Register(context.Background(), validRegistration())

	// Assert
	require.NoError(t, err)

	stored := f.repo.account(out.AccountID)
	require.Equal(t, "sam@example.com", stored.Email)
	require.Equal(t, "5550102000", stored.Phone)
	require.Equal(t, "+44", stored.CountryCode)
	require.Equal(t, int64(1), stored.TokenVersion)
	require.Zero(t, stored.LoginAttempts)
	require.False(t, stored.EmailVerified)

	require.Equal(t, entity.PurposeEmailVerification, f.email.last(t).Purpose)
	require.Equal(t, entity.PurposePhoneVerification, f.sms.last(t).Purpose)
	require.Equal(t, "+445550102000", f.sms.last(t).Destination)
}

func TestRegisterDispatchFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.email.err = errors.New("smtp down")
	f.sms.err = errors.New("broker down")

	out, err := f.uc.Register(context.Background(), validRegistration())

	require.NoError(t, err)
	require.NotZero(t, out.AccountID)
	require.Len(t, f.repo.codes, 2)
}

func TestRegisterConflicts(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, nil)

	in := validRegistration()
	in.Email = "JANE@example.com"
	_, err := f.uc.Register(context.Background(), in)
	requireCode(t, err, goerror.CodeConflict)

	in = validRegistration()
	in.Phone = "123-456-7890"
	in.CountryCode = "+1"
	_, err = f.uc.Register(context.Background(), in)
	requireCode(t, err, goerror.CodeConflict)

	in = validRegistration()
	in.Password = "short"
	_, err = f.uc.Register(context.Background(), in)
	requireCode(t, err, goerror.CodeInvalidInput)
}

func TestVerifyContact(t *testing.T) {
	// Arrange
	f := newFixture(t)
	ctx := context.Background()
	out, err := f.uc.Register(ctx, validRegistration())
	require.NoError(t, err)

	// Act
	emailRes, emailErr := f.uc.VerifyContact(ctx, VerifyContactInput{Identifier: "sam@example.com", Channel: "email", Code: f.email.last(t).Code})
	_, smsErr := f.uc.VerifyContact(ctx, VerifyContactInput{Identifier: "+445550102000", Channel: "sms", Code: f.sms.last(t).Code})

	// Assert
	require.NoError(t, emailErr)
	require.Equal(t, "email verified", emailRes.Message)
	require.NoError(t, smsErr)

	stored := f.repo.account(out.AccountID)
	require.True(t, stored.EmailVerified)
	require.True(t, stored.PhoneVerified)

	_, err = f.uc.Login(ctx, LoginInput{Identifier: "sam@example.com", Password: testPassword})
	require.NoError(t, err)
}

func TestVerifyContactRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.uc.Register(ctx, validRegistration())
	require.NoError(t, err)

	_, err = f.uc.VerifyContact(ctx, VerifyContactInput{Identifier: "ghost@example.com", Channel: "email", Code: "123456"})
	requireCode(t, err, goerror.CodeUnauthorized)

	// an sms code cannot verify the email even if typed in
	_, err = f.uc.VerifyContact(ctx, VerifyContactInput{Identifier: "sam@example.com", Channel: "email", Code: f.sms.last(t).Code})
	requireCode(t, err, goerror.CodeUnauthorized)
}

func TestVerifyContactHourlyCap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.uc.Register(ctx, validRegistration())
	require.NoError(t, err)

	for range 5 {
		_, err = f.uc.VerifyContact(ctx, VerifyContactInput{Identifier: "sam@example.com", Channel: "email", Code: "000000"})
		requireCode(t, err, goerror.CodeUnauthorized)
	}

	_, err = f.uc.VerifyContact(ctx, VerifyContactInput{Identifier: "sam@example.com", Channel: "email", Code: f.email.last(t).Code})
	requireCode(t, err, goerror.CodeTooManyRequest)
}

func TestVerifyContactClearsAttemptCounter(t *testing.T) {
	// Arrange
	f := newFixture(t)
	ctx := context.Background()
	out, err := f.uc.Register(ctx, validRegistration())
	require.NoError(t, err)

	for range 4 {
		_, err = f.uc.VerifyContact(ctx, VerifyContactInput{Identifier: "sam@example.com", Channel: "email", Code: "000000"})
		requireCode(t, err, goerror.CodeUnauthorized)
	}
	require.True(t, f.mr.Exists(limitKey("verify:%d:email", out.AccountID)))

	// Act
	_, err = f.uc.VerifyContact(ctx, VerifyContactInput{Identifier: "sam@example.com", Channel: "email", Code: f.email.last(t).Code})

	// Assert
	require.NoError(t, err)
	require.False(t, f.mr.Exists(limitKey("verify:%d:email", out.AccountID)))
}

func TestVerifyContactUnknownIdentifierCap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for range 5 {
		_, err := f.uc.VerifyContact(ctx, VerifyContactInput{Identifier: "nobody@example.com", Channel: "email", Code: "000000"})
		requireCode(t, err, goerror.CodeUnauthorized)
	}

	_, err := f.uc.VerifyContact(ctx, VerifyContactInput{Identifier: "nobody@example.com", Channel: "email", Code: "000000"})
	requireCode(t, err, goerror.CodeTooManyRequest)
}

func TestResendVerification(t *testing.T) {
	// Arrange
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.uc.Register(ctx, validRegistration())
	require.NoError(t, err)
	in := ResendVerificationInput{Identifier: "sam@example.com", Channel: "email"}

	// Act
	first, firstErr := f.uc.ResendVerification(ctx, in)
	second, secondErr := f.uc.ResendVerification(ctx, in)
	unknown, unknownErr := f.uc.ResendVerification(ctx, ResendVerificationInput{Identifier: "nobody@example.com", Channel: "email"})

	// Assert
	require.NoError(t, firstErr)
	require.Equal(t, genericResendMessage, first.Message)
	require.NoError(t, secondErr)
	require.NoError(t, unknownErr)
	require.Equal(t, unknown, second)
	require.Equal(t, 2, f.email.count())

	f.mr.FastForward(5 * time.Minute)
	_, err = f.uc.ResendVerification(ctx, in)
	require.NoError(t, err)
	require.Equal(t, 3, f.email.count())
}

func TestResendVerificationGenericAnswers(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, nil)

	out, err := f.uc.ResendVerification(context.Background(), ResendVerificationInput{Identifier: "ghost@example.com", Channel: "sms"})
	require.NoError(t, err)
	require.Equal(t, genericResendMessage, out.Message)

	out, err = f.uc.ResendVerification(context.Background(), ResendVerificationInput{Identifier: "jane@example.com", Channel: "sms"})
	require.NoError(t, err)
	require.Equal(t, genericResendMessage, out.Message)
	require.Zero(t, f.sms.count())
}

func TestLimiterFailureFailsOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.uc.Register(ctx, validRegistration())
	require.NoError(t, err)

	f.mr.Close()

	_, err = f.uc.ResendVerification(ctx, ResendVerificationInput{Identifier: "sam@example.com", Channel: "sms"})
	require.NoError(t, err)
	require.Equal(t, 2, f.sms.count())
}
