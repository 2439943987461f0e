// Package retry runs remote calls with bounded, classified retries.
//
// Only transient failures (network errors, timeouts, throttling, 5xx) are
// retried, with exponential backoff under an overall time ceiling. Terminal
// failures come back unchanged after the first attempt. An expired credential
// gets exactly one refresh-and-retry when the caller supplies a Refresher.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/roach88/docmirror/internal/storage"
)

// Defaults used by New.
const (
	DefaultMaxAttempts    = 4
	DefaultBaseBackoff    = 500 * time.Millisecond
	DefaultMaxBackoff     = 8 * time.Second
	DefaultMaxElapsed     = 2 * time.Minute
	DefaultAttemptTimeout = 60 * time.Second
)

// ErrRetryExhausted is matched by errors.Is on every ExhaustedError.
var ErrRetryExhausted = errors.New("retry exhausted")

// ExhaustedError is returned when a transient failure persisted through
// every permitted attempt. Err is the last observed failure.
type ExhaustedError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: retry exhausted after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrRetryExhausted) hold.
func (e *ExhaustedError) Is(target error) bool { return target == ErrRetryExhausted }

// Executor holds the retry policy. The zero value is not usable; use New.
type Executor struct {
	MaxAttempts    int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	MaxElapsed     time.Duration // ceiling across all attempts and waits
	AttemptTimeout time.Duration // bound on each individual call
	Jitter         float64       // backoff randomization factor, 0 disables

	logger *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithMaxAttempts sets the total number of attempts (first call included).
func WithMaxAttempts(n int) Option { return func(e *Executor) { e.MaxAttempts = n } }

// WithBackoff sets the base and maximum wait between attempts.
func WithBackoff(base, max time.Duration) Option {
	return func(e *Executor) {
		e.BaseBackoff = base
		e.MaxBackoff = max
	}
}

// WithMaxElapsed sets the overall ceiling for one Do call.
func WithMaxElapsed(d time.Duration) Option { return func(e *Executor) { e.MaxElapsed = d } }

// WithAttemptTimeout bounds every individual attempt.
func WithAttemptTimeout(d time.Duration) Option { return func(e *Executor) { e.AttemptTimeout = d } }

// WithJitter sets the backoff randomization factor.
func WithJitter(f float64) Option { return func(e *Executor) { e.Jitter = f } }

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(l *slog.Logger) Option { return func(e *Executor) { e.logger = l } }

// New builds an Executor from the defaults and opts.
func New(opts ...Option) *Executor {
	e := &Executor{
		MaxAttempts:    DefaultMaxAttempts,
		BaseBackoff:    DefaultBaseBackoff,
		MaxBackoff:     DefaultMaxBackoff,
		MaxElapsed:     DefaultMaxElapsed,
		AttemptTimeout: DefaultAttemptTimeout,
		Jitter:         0.2,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.MaxAttempts < 1 {
		e.MaxAttempts = 1
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// CallOption configures a single Do call.
type CallOption func(*callOptions)

type callOptions struct {
	refresher storage.Refresher
}

// WithRefresher lets an expired-credential failure trigger one refresh and retry.
// A nil refresher is ignored.
func WithRefresher(r storage.Refresher) CallOption {
	return func(c *callOptions) { c.refresher = r }
}

// RefresherOf returns v as a Refresher when it implements one.
func RefresherOf(v any) storage.Refresher {
	r, _ := v.(storage.Refresher)
	return r
}

// Do runs fn until it succeeds, fails terminally, or the policy is used up.
func (e *Executor) Do(ctx context.Context, op string, fn func(ctx context.Context) error, opts ...CallOption) error {
	var call callOptions
	for _, opt := range opts {
		opt(&call)
	}

	// Attempts inherit this deadline, so no call outlives the ceiling.
	if e.MaxElapsed > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.MaxElapsed)
		defer cancel()
	}

	var (
		attempts  int
		lastErr   error
		terminal  bool
		refreshed bool
	)

	operation := func() error {
		attempts++
		actx, cancel := e.attemptContext(ctx)
		err := fn(actx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err

		switch {
		case storage.IsAuthExpired(err):
			if refreshed || call.refresher == nil {
				terminal = true
				return backoff.Permanent(err)
			}
			refreshed = true
			if rerr := call.refresher.RefreshCredentials(ctx); rerr != nil {
				lastErr = fmt.Errorf("refresh credentials: %w", rerr)
				terminal = true
				return backoff.Permanent(lastErr)
			}
			e.logger.Debug("credentials refreshed, retrying once", "op", op)
			return err
		case storage.IsTransient(err):
			return err
		default:
			terminal = true
			return backoff.Permanent(err)
		}
	}

	notify := func(err error, wait time.Duration) {
		e.logger.Debug("retrying remote call", "op", op, "attempt", attempts, "wait", wait, "error", err)
	}

	if err := backoff.RetryNotify(operation, e.policy(ctx), notify); err == nil {
		return nil
	}
	if terminal {
		return lastErr
	}
	return &ExhaustedError{Op: op, Attempts: attempts, Err: lastErr}
}

// Value is Do for calls that produce a result.
func Value[T any](ctx context.Context, e *Executor, op string, fn func(ctx context.Context) (T, error), opts ...CallOption) (T, error) {
	var out T
	err := e.Do(ctx, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	}, opts...)
	return out, err
}

func (e *Executor) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.AttemptTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.AttemptTimeout)
}

func (e *Executor) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.BaseBackoff
	b.MaxInterval = e.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = e.Jitter
	b.MaxElapsedTime = e.MaxElapsed
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(e.MaxAttempts-1)), ctx)
}
