package app

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shandysiswandi/authcore/internal/identity/usecase"
	"github.com/shandysiswandi/authcore/internal/pkg/clock"
	"github.com/shandysiswandi/authcore/internal/pkg/config"
	"github.com/shandysiswandi/authcore/internal/pkg/goroutine"
	"github.com/shandysiswandi/authcore/internal/pkg/hash"
	"github.com/shandysiswandi/authcore/internal/pkg/instrument"
	"github.com/shandysiswandi/authcore/internal/pkg/jwt"
	"github.com/shandysiswandi/authcore/internal/pkg/mail"
	"github.com/shandysiswandi/authcore/internal/pkg/messaging"
	"github.com/shandysiswandi/authcore/internal/pkg/otp"
	"github.com/shandysiswandi/authcore/internal/pkg/sealer"
	"github.com/shandysiswandi/authcore/internal/pkg/uid"
	"github.com/shandysiswandi/authcore/internal/pkg/validator"
)

// App wires dependencies and manages service lifecycle.
type App struct {
	ctx    context.Context
	cancel context.CancelFunc

	// configuration
	config config.Config
	ins    instrument.Instrumentation

	// libraries
	goroutine *goroutine.Manager
	validator validator.Validator
	clock     clock.Clocker
	password  hash.Hash
	digest    hash.Hash
	uid       uid.NumberID
	uuid      uid.StringID
	totp      otp.OTP
	jwt       jwt.JWT
	sealer    sealer.Sealer

	// resources
	dbConn    *pgxpool.Pool
	cacheConn *redis.Client
	mail      mail.Mail
	messaging messaging.Publisher

	// modules
	identity *usecase.Usecase

	//
	closers []struct {
		name string
		fn   func(context.Context) error
	}
}

// New initializes the application with default wiring and returns an App instance.
func New() *App {
	ctx, cancel := context.WithCancel(context.Background())
	app := &App{
		ctx:    ctx,
		cancel: cancel,
	}

	app.initConfig()
	app.initInstrument()
	app.initLibraries()
	app.initJWT()
	app.initDatabase()
	app.initCache()
	app.initMail()
	app.initMessaging()
	app.initModules()
	app.initClosers()

	return app
}

// Identity exposes the identity core to the transport embedding this process.
func (a *App) Identity() *usecase.Usecase {
	return a.identity
}
