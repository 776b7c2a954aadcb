// Package sender delivers one-time codes over email and SMS. Both channels
// share a token-bucket throttle and retry transient failures with a capped
// Fibonacci backoff.
package sender

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/shandysiswandi/authcore/internal/pkg/instrument"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"
)

const maxBackoff = 5 * time.Second

// Options tunes throttling and retries for a sender.
type Options struct {
	SendsPerSecond float64
	Burst          int
	RetryMax       uint64
	RetryBase      time.Duration
}

// errPermanent marks a failure that a retry cannot fix.
type errPermanent struct{ err error }

func (e errPermanent) Error() string { return e.err.Error() }
func (e errPermanent) Unwrap() error { return e.err }

func permanent(err error) error { return errPermanent{err: err} }

type deliverer struct {
	name    string
	limiter *rate.Limiter
	opts    Options
	ins     instrument.Instrumentation
}

func newDeliverer(name string, opts Options, ins instrument.Instrumentation) deliverer {
	limit := rate.Inf
	if opts.SendsPerSecond > 0 {
		limit = rate.Limit(opts.SendsPerSecond)
	}
	if opts.Burst < 1 {
		opts.Burst = 1
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 200 * time.Millisecond
	}

	return deliverer{
		name:    name,
		limiter: rate.NewLimiter(limit, opts.Burst),
		opts:    opts,
		ins:     ins,
	}
}

// deliver waits for a send slot and runs send until it succeeds, fails
// permanently or runs out of retries.
func (d deliverer) deliver(ctx context.Context, send func(ctx context.Context) error) error {
	ctx, span := d.ins.Tracer("identity.outbound.sender").Start(ctx, d.name)
	defer span.End()

	if err := d.limiter.Wait(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	b := retry.NewFibonacci(d.opts.RetryBase)
	b = retry.WithMaxRetries(d.opts.RetryMax, b)
	b = retry.WithCappedDuration(maxBackoff, b)

	err := retry.Do(ctx, b, func(ctx context.Context) error {
		err := send(ctx)
		if err == nil {
			return nil
		}

		var perm errPermanent
		if errors.As(err, &perm) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return retry.RetryableError(err)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	return nil
}
