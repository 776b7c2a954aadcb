package app

import (
	"log/slog"
	"os"

	"github.com/shandysiswandi/authcore/internal/identity"
)

func (a *App) initModules() {
	if !a.config.GetBool("modules.identity.enabled") {
		return
	}

	uc, err := identity.New(identity.Dependency{
		DBConn:     a.dbConn,
		CacheConn:  a.cacheConn,
		Goroutine:  a.goroutine,
		Messaging:  a.messaging,
		Mail:       a.mail,
		Config:     a.config,
		Instrument: a.ins,
		UID:        a.uid,
		UUID:       a.uuid,
		Password:   a.password,
		Digest:     a.digest,
		Sealer:     a.sealer,
		Clock:      a.clock,
		Totp:       a.totp,
		Validator:  a.validator,
		JWT:        a.jwt,
	})
	if err != nil {
		slog.Error("failed to init module identity", "error", err)
		os.Exit(1)
	}

	a.identity = uc
}
