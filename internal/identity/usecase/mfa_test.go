package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/shandysiswandi/authcore/internal/identity/entity"
	"github.com/shandysiswandi/authcore/internal/pkg/goerror"
	"github.com/stretchr/testify/require"
)

func TestSetupMFAWithAuthApp(t *testing.T) {
	// Arrange
	f := newFixture(t)
	acc := f.seedAccount(t, nil)
	ctx := authCtx(acc.ID)

	// Act
	setup, err := f.uc.SetupMFA(ctx, SetupMFAInput{Password: testPassword, Method: "auth_app"})
	require.NoError(t, err)

	code, err := f.totp.CurrentCode(setup.Secret, f.clk.Now())
	require.NoError(t, err)

	out, err := f.uc.VerifySetupMFA(ctx, VerifyMFAInput{Method: "auth_app", Code: code})

	// Assert
	require.NoError(t, err)
	require.Equal(t, []string{"auth_app"}, out.Methods)
	require.Equal(t, "auth_app", setup.Method)
	require.NotEmpty(t, setup.Image)

	stored := f.repo.account(acc.ID)
	require.True(t, stored.MFAEnabled)
	require.NotEmpty(t, stored.MFASecret)
	require.NotEqual(t, []byte(setup.Secret), stored.MFASecret)
	require.Equal(t, []entity.SecurityEventKind{entity.EventMFAEnabled}, f.events(t))

	_, err = f.uc.SetupMFA(ctx, SetupMFAInput{Password: testPassword, Method: "email"})
	requireCode(t, err, goerror.CodeConflict)
}

func TestAddMFAMethodKeepsExistingMethods(t *testing.T) {
	// Arrange
	f := newFixture(t)
	acc := f.seedAccount(t, nil)
	ctx := authCtx(acc.ID)

	setup, err := f.uc.SetupMFA(ctx, SetupMFAInput{Password: testPassword, Method: "auth_app"})
	require.NoError(t, err)
	code, err := f.totp.CurrentCode(setup.Secret, f.clk.Now())
	require.NoError(t, err)
	_, err = f.uc.VerifySetupMFA(ctx, VerifyMFAInput{Method: "auth_app", Code: code})
	require.NoError(t, err)
	secret := f.repo.account(acc.ID).MFASecret

	// Act
	added, err := f.uc.AddMFAMethod(ctx, AddMFAMethodInput{Password: testPassword, Method: "email"})
	require.NoError(t, err)
	sent := f.email.last(t)

	out, err := f.uc.VerifyAddMFAMethod(ctx, VerifyMFAInput{Method: "email", Code: sent.Code})

	// Assert
	require.NoError(t, err)
	require.Equal(t, "email", added.Method)
	require.Empty(t, added.Secret)
	require.Equal(t, entity.PurposeMFAAdditionalSetup, sent.Purpose)
	require.Equal(t, []string{"auth_app", "email"}, out.Methods)
	require.Equal(t, secret, f.repo.account(acc.ID).MFASecret)

	_, err = f.uc.AddMFAMethod(ctx, AddMFAMethodInput{Password: testPassword, Method: "email"})
	requireCode(t, err, goerror.CodeConflict)
	require.Equal(t, entity.MethodSet{entity.ChannelAuthApp, entity.ChannelEmail}, f.repo.account(acc.ID).MFAMethods)
}

func TestAddMFAMethodAlreadyEnabled(t *testing.T) {
	// Arrange
	f := newFixture(t)
	acc := f.seedAccount(t, func(a *entity.Account) {
		a.MFAEnabled = true
		a.MFAMethods = entity.MethodSet{entity.ChannelEmail}
	})

	// Act
	_, err := f.uc.AddMFAMethod(authCtx(acc.ID), AddMFAMethodInput{Password: testPassword, Method: "email"})

	// Assert
	requireCode(t, err, goerror.CodeConflict)
	require.Equal(t, "email is already enabled", err.Error())
	require.Zero(t, f.email.count())
	require.Equal(t, entity.MethodSet{entity.ChannelEmail}, f.repo.account(acc.ID).MFAMethods)
}

func TestStartEnrollmentRejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(a *entity.Account)
		ctx     func(id int64) context.Context
		add     bool
		in      SetupMFAInput
		want    goerror.Code
		wantMsg string
	}{
		{
			name: "unauthenticated",
			ctx:  func(int64) context.Context { return context.Background() },
			in:   SetupMFAInput{Password: testPassword, Method: "email"},
			want: goerror.CodeUnauthorized,
		},
		{
			name: "wrong password",
			in:   SetupMFAInput{Password: "WrongPass#1", Method: "email"},
			want: goerror.CodeUnauthorized,
		},
		{
			name: "unknown method",
			in:   SetupMFAInput{Password: testPassword, Method: "pigeon"},
			want: goerror.CodeInvalidInput,
		},
		{
			name:    "phone not verified",
			mutate:  func(a *entity.Account) { a.PhoneVerified = false },
			in:      SetupMFAInput{Password: testPassword, Method: "sms"},
			want:    goerror.CodeForbidden,
			wantMsg: "sms must be verified before enabling it for mfa",
		},
		{
			name:    "add without mfa",
			add:     true,
			in:      SetupMFAInput{Password: testPassword, Method: "sms"},
			want:    goerror.CodeForbidden,
			wantMsg: "mfa is not enabled",
		},
		{
			name: "setup twice",
			mutate: func(a *entity.Account) {
				a.MFAEnabled = true
				a.MFAMethods = entity.MethodSet{entity.ChannelSMS}
			},
			in:      SetupMFAInput{Password: testPassword, Method: "email"},
			want:    goerror.CodeConflict,
			wantMsg: "mfa is already enabled",
		},
		{
			name:   "social account",
			mutate: func(a *entity.Account) { a.PasswordHash = "" },
			in:     SetupMFAInput{Password: testPassword, Method: "email"},
			want:   goerror.CodeForbidden,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			f := newFixture(t)
			acc := f.seedAccount(t, tt.mutate)
			ctx := authCtx(acc.ID)
			if tt.ctx != nil {
				ctx = tt.ctx(acc.ID)
			}

			// Act
			var err error
			if tt.add {
				_, err = f.uc.AddMFAMethod(ctx, AddMFAMethodInput(tt.in))
			} else {
				_, err = f.uc.SetupMFA(ctx, tt.in)
			}

			// Assert
			requireCode(t, err, tt.want)
			if tt.wantMsg != "" {
				require.Equal(t, tt.wantMsg, err.Error())
			}
			require.Zero(t, f.email.count()+f.sms.count())
			require.Empty(t, f.repo.codes)
		})
	}
}

func TestVerifySetupMFARejectsOtherPurpose(t *testing.T) {
	// Arrange
	f := newFixture(t)
	acc := f.seedAccount(t, nil)

	_, err := f.uc.IssueCode(context.Background(), IssueCodeInput{AccountID: acc.ID, Channel: "email", Purpose: "verification"})
	require.NoError(t, err)

	// Act
	_, err = f.uc.VerifySetupMFA(authCtx(acc.ID), VerifyMFAInput{Method: "email", Code: f.email.last(t).Code})

	// Assert
	requireCode(t, err, goerror.CodeUnauthorized)
	require.False(t, f.repo.account(acc.ID).MFAEnabled)
}

func TestDisableMFA(t *testing.T) {
	// Arrange
	f := newFixture(t)
	acc := f.seedAccount(t, func(a *entity.Account) {
		a.MFAEnabled = true
		a.MFAMethods = entity.MethodSet{entity.ChannelEmail, entity.ChannelAuthApp}
		a.MFASecret = []byte("sealed")
	})
	ctx := authCtx(acc.ID)

	// Act
	err := f.uc.DisableMFA(ctx, DisableMFAInput{Password: "WrongPass#1"})
	requireCode(t, err, goerror.CodeUnauthorized)

	err = f.uc.DisableMFA(ctx, DisableMFAInput{Password: testPassword})

	// Assert
	require.NoError(t, err)
	stored := f.repo.account(acc.ID)
	require.False(t, stored.MFAEnabled)
	require.True(t, stored.MFAMethods.Empty())
	require.Empty(t, stored.MFASecret)

	err = f.uc.DisableMFA(ctx, DisableMFAInput{Password: testPassword})
	requireCode(t, err, goerror.CodeForbidden)
	require.Equal(t, []entity.SecurityEventKind{entity.EventMFADisabled}, f.events(t))
}

func TestRegenerateAuthenticator(t *testing.T) {
	// Arrange
	f := newFixture(t)
	acc := f.seedAccount(t, nil)
	ctx := authCtx(acc.ID)

	first, err := f.uc.SetupMFA(ctx, SetupMFAInput{Password: testPassword, Method: "auth_app"})
	require.NoError(t, err)

	// Act
	second, err := f.uc.RegenerateAuthenticator(ctx, RegenerateAuthenticatorInput{Password: testPassword})

	// Assert
	require.NoError(t, err)
	require.NotEqual(t, first.Secret, second.Secret)
	require.Equal(t, entity.PurposeMFASetup, f.repo.codeByID(second.CodeID).Purpose)

	code, err := f.totp.CurrentCode(second.Secret, f.clk.Now())
	require.NoError(t, err)
	out, err := f.uc.VerifySetupMFA(ctx, VerifyMFAInput{Method: "auth_app", Code: code})
	require.NoError(t, err)
	require.Equal(t, []string{"auth_app"}, out.Methods)

	_, err = f.uc.RegenerateAuthenticator(ctx, RegenerateAuthenticatorInput{Password: testPassword})
	requireCode(t, err, goerror.CodeConflict)
}

func TestLoginMFAWithEmailCode(t *testing.T) {
	// Arrange
	f := newFixture(t)
	acc := f.seedAccount(t, func(a *entity.Account) {
		a.MFAEnabled = true
		a.MFAMethods = entity.MethodSet{entity.ChannelEmail}
	})
	ctx := context.Background()

	login, err := f.uc.Login(ctx, LoginInput{Identifier: "jane@example.com", Password: testPassword})
	require.NoError(t, err)
	require.True(t, login.MFARequired)

	// Act
	sent, err := f.uc.SendLoginCode(ctx, SendLoginCodeInput{ChallengeToken: login.ChallengeToken, Method: "email"})
	require.NoError(t, err)
	code := f.email.last(t)

	out, err := f.uc.LoginMFA(ctx, LoginMFAInput{ChallengeToken: login.ChallengeToken, Method: "email", Code: code.Code})

	// Assert
	require.NoError(t, err)
	require.Equal(t, "code sent via email", sent.Message)
	require.Equal(t, entity.PurposeVerification, code.Purpose)

	clm, err := f.jwt.VerifyAccess(out.AccessToken)
	require.NoError(t, err)
	require.Equal(t, acc.ID, clm.AccountID)

	_, err = f.uc.LoginMFA(ctx, LoginMFAInput{ChallengeToken: login.ChallengeToken, Method: "email", Code: code.Code})
	requireCode(t, err, goerror.CodeUnauthorized)

	_, err = f.uc.SendLoginCode(ctx, SendLoginCodeInput{ChallengeToken: login.ChallengeToken, Method: "sms"})
	requireCode(t, err, goerror.CodeForbidden)
}

func TestLoginMFAWithAuthApp(t *testing.T) {
	// Arrange
	f := newFixture(t)
	acc := f.seedAccount(t, nil)

	setup, err := f.uc.SetupMFA(authCtx(acc.ID), SetupMFAInput{Password: testPassword, Method: "auth_app"})
	require.NoError(t, err)
	code, err := f.totp.CurrentCode(setup.Secret, f.clk.Now())
	require.NoError(t, err)
	_, err = f.uc.VerifySetupMFA(authCtx(acc.ID), VerifyMFAInput{Method: "auth_app", Code: code})
	require.NoError(t, err)

	f.clk.Advance(2 * time.Minute)
	ctx := context.Background()
	login, err := f.uc.Login(ctx, LoginInput{Identifier: "jane@example.com", Password: testPassword})
	require.NoError(t, err)
	require.Equal(t, []string{"auth_app"}, login.AvailableMethods)

	// Act
	_, err = f.uc.LoginMFA(ctx, LoginMFAInput{ChallengeToken: login.ChallengeToken, Method: "auth_app", Code: code})
	requireCode(t, err, goerror.CodeUnauthorized)

	code, err = f.totp.CurrentCode(setup.Secret, f.clk.Now())
	require.NoError(t, err)
	out, err := f.uc.LoginMFA(ctx, LoginMFAInput{ChallengeToken: login.ChallengeToken, Method: "auth_app", Code: code})

	// Assert
	require.NoError(t, err)
	require.NotEmpty(t, out.RefreshToken)

	_, err = f.uc.SendLoginCode(ctx, SendLoginCodeInput{ChallengeToken: login.ChallengeToken, Method: "auth_app"})
	requireCode(t, err, goerror.CodeInvalidInput)
}

func TestChallengeRejections(t *testing.T) {
	// Arrange
	f := newFixture(t)
	acc := f.seedAccount(t, func(a *entity.Account) {
		a.MFAEnabled = true
		a.MFAMethods = entity.MethodSet{entity.ChannelEmail}
	})
	ctx := context.Background()

	login, err := f.uc.Login(ctx, LoginInput{Identifier: "jane@example.com", Password: testPassword})
	require.NoError(t, err)
	access, err := f.uc.GenerateTokens(ctx, GenerateTokensInput{AccountID: acc.ID})
	require.NoError(t, err)

	// Act + Assert
	_, err = f.uc.SendLoginCode(ctx, SendLoginCodeInput{ChallengeToken: "garbage", Method: "email"})
	requireCode(t, err, goerror.CodeUnauthorized)

	_, err = f.uc.SendLoginCode(ctx, SendLoginCodeInput{ChallengeToken: access.AccessToken, Method: "email"})
	requireCode(t, err, goerror.CodeUnauthorized)

	lock := f.clk.Now().Add(10 * time.Minute)
	require.NoError(t, f.repo.update(acc.ID, func(a *entity.Account) { a.LockedUntil = &lock }))
	_, err = f.uc.SendLoginCode(ctx, SendLoginCodeInput{ChallengeToken: login.ChallengeToken, Method: "email"})
	requireCode(t, err, goerror.CodeLocked)

	f.clk.Advance(11 * time.Minute)
	_, err = f.uc.SendLoginCode(ctx, SendLoginCodeInput{ChallengeToken: login.ChallengeToken, Method: "email"})
	requireCode(t, err, goerror.CodeUnauthorized)
	require.Zero(t, f.email.count())
}

func TestLoginMFAWrongCodesLockAccount(t *testing.T) {
	// Arrange
	f := newFixture(t)
	acc := f.seedAccount(t, func(a *entity.Account) {
		a.MFAEnabled = true
		a.MFAMethods = entity.MethodSet{entity.ChannelEmail}
	})
	ctx := context.Background()

	login, err := f.uc.Login(ctx, LoginInput{Identifier: "jane@example.com", Password: testPassword})
	require.NoError(t, err)
	_, err = f.uc.SendLoginCode(ctx, SendLoginCodeInput{ChallengeToken: login.ChallengeToken, Method: "email"})
	require.NoError(t, err)
	code := f.email.last(t).Code

	// Act
	for range 4 {
		_, err = f.uc.LoginMFA(ctx, LoginMFAInput{ChallengeToken: login.ChallengeToken, Method: "email", Code: "000000"})
		requireCode(t, err, goerror.CodeUnauthorized)
	}
	_, fifthErr := f.uc.LoginMFA(ctx, LoginMFAInput{ChallengeToken: login.ChallengeToken, Method: "email", Code: "000000"})
	_, correctErr := f.uc.LoginMFA(ctx, LoginMFAInput{ChallengeToken: login.ChallengeToken, Method: "email", Code: code})

	// Assert
	requireCode(t, fifthErr, goerror.CodeLocked)
	requireCode(t, correctErr, goerror.CodeLocked)
	require.NotNil(t, f.repo.account(acc.ID).LockedUntil)
	require.Contains(t, f.events(t), entity.EventAccountLocked)
}

func TestLoginMFAAttemptCap(t *testing.T) {
	// Arrange
	f := newFixture(t)
	f.cfg.Set("modules.identity.lockout_threshold", 100)
	f.seedAccount(t, func(a *entity.Account) {
		a.MFAEnabled = true
		a.MFAMethods = entity.MethodSet{entity.ChannelSMS}
	})
	ctx := context.Background()

	login, err := f.uc.Login(ctx, LoginInput{Identifier: "jane@example.com", Password: testPassword})
	require.NoError(t, err)
	_, err = f.uc.SendLoginCode(ctx, SendLoginCodeInput{ChallengeToken: login.ChallengeToken, Method: "sms"})
	require.NoError(t, err)

	for range 5 {
		_, err = f.uc.LoginMFA(ctx, LoginMFAInput{ChallengeToken: login.ChallengeToken, Method: "sms", Code: "000000"})
		requireCode(t, err, goerror.CodeUnauthorized)
	}

	// Act
	_, err = f.uc.LoginMFA(ctx, LoginMFAInput{ChallengeToken: login.ChallengeToken, Method: "sms", Code: f.sms.last(t).Code})

	// Assert
	requireCode(t, err, goerror.CodeTooManyRequest)
}

func TestLoginMFASuccessResetsCounters(t *testing.T) {
	// Arrange
	f := newFixture(t)
	acc := f.seedAccount(t, func(a *entity.Account) {
		a.MFAEnabled = true
		a.MFAMethods = entity.MethodSet{entity.ChannelEmail}
	})
	ctx := context.Background()

	login, err := f.uc.Login(ctx, LoginInput{Identifier: "jane@example.com", Password: testPassword})
	require.NoError(t, err)
	_, err = f.uc.SendLoginCode(ctx, SendLoginCodeInput{ChallengeToken: login.ChallengeToken, Method: "email"})
	require.NoError(t, err)

	for range 2 {
		_, err = f.uc.LoginMFA(ctx, LoginMFAInput{ChallengeToken: login.ChallengeToken, Method: "email", Code: "000000"})
		requireCode(t, err, goerror.CodeUnauthorized)
	}
	require.Equal(t, int32(2), f.repo.account(acc.ID).LoginAttempts)

	// Act
	out, err := f.uc.LoginMFA(ctx, LoginMFAInput{ChallengeToken: login.ChallengeToken, Method: "email", Code: f.email.last(t).Code})

	// Assert
	require.NoError(t, err)
	require.NotEmpty(t, out.AccessToken)
	require.Zero(t, f.repo.account(acc.ID).LoginAttempts)
	require.False(t, f.mr.Exists(limitKey("mfa_verify:%d", acc.ID)))
}

func TestVerifySetupMFAKeepsOtherPurposeCode(t *testing.T) {
	// Arrange
	f := newFixture(t)
	acc := f.seedAccount(t, nil)
	ctx := authCtx(acc.ID)

	_, err := f.uc.IssueCode(context.Background(), IssueCodeInput{AccountID: acc.ID, Channel: "email", Purpose: "password_reset"})
	require.NoError(t, err)
	resetCode := f.email.last(t).Code

	// Act
	_, err = f.uc.VerifySetupMFA(ctx, VerifyMFAInput{Method: "email", Code: resetCode})

	// Assert
	requireCode(t, err, goerror.CodeUnauthorized)

	_, err = f.uc.ResetPassword(context.Background(), ResetPasswordInput{Identifier: "jane@example.com", Code: resetCode, NewPassword: "Reset#Pass1"})
	require.NoError(t, err)
}
