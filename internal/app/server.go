package app

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// Start launches background jobs and returns a channel closed on shutdown.
func (a *App) Start() <-chan struct{} {
	terminateChan := make(chan struct{})

	if a.identity != nil {
		interval := a.config.GetMinute("modules.identity.sweep_interval_minutes")
		if !a.goroutine.Go(a.ctx, func(ctx context.Context) error { return a.sweepCodes(ctx, interval) }) {
			slog.Error("failed to start expired code sweeper")
		}
	}

	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
		defer signal.Stop(sigint)

		<-sigint

		if a.cancel != nil {
			a.cancel()
		}

		close(terminateChan)

		slog.Info("application gracefully shutdown")
	}()

	return terminateChan
}

// sweepCodes deletes expired one-time codes every interval until ctx ends.
func (a *App) sweepCodes(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		slog.InfoContext(ctx, "expired code sweeper disabled")
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			out, err := a.identity.SweepExpiredCodes(ctx)
			if err != nil {
				slog.WarnContext(ctx, "expired code sweep failed", "error", err)
				continue
			}
			if out.Deleted > 0 {
				slog.InfoContext(ctx, "expired codes swept", "deleted", out.Deleted)
			}
		}
	}
}

// Stop cancels background jobs and closes resources.
func (a *App) Stop(ctx context.Context) {
	if a.cancel != nil {
		a.cancel()
	}

	slog.InfoContext(ctx, "waiting for all goroutine to finish")
	if err := a.goroutine.Wait(); err != nil {
		slog.ErrorContext(ctx, "error from goroutines executions", "error", err)
	}
	slog.InfoContext(ctx, "all goroutines have finished successfully")

	for _, closer := range a.closers {
		if err := closer.fn(ctx); err != nil {
			slog.ErrorContext(ctx, "failed to close resources", "name", closer.name, "error", err)
		}
	}
}
