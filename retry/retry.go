// Package retry wraps individual service-facade calls so that transient
// connection-loss failures are retried with backoff once the session is
// confirmed re-established. Every other error propagates unchanged.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/jathurchan/treekeeper/clock"
	"github.com/jathurchan/treekeeper/facade"
	"github.com/jathurchan/treekeeper/logger"
	"github.com/jathurchan/treekeeper/types"
)

const (
	// Default number of retry attempts after the first failure.
	defaultMaxRetries = 5

	// Default initial backoff duration between retries.
	defaultInitialBackoff = 100 * time.Millisecond

	// Default maximum backoff duration.
	defaultMaxBackoff = 5 * time.Second

	// Default multiplier for exponential backoff.
	defaultBackoffMultiplier = 2.0

	// Default jitter factor to randomize backoff durations.
	defaultJitterFactor = 0.1

	// Session-state polls per second while waiting out an outage, and the
	// interval after which the wait re-checks state even without a
	// session notification.
	defaultProbesPerSecond = 20
	sessionPollInterval    = 250 * time.Millisecond
)

// Policy controls retry behavior for transient failures.
type Policy struct {
	// MaxRetries is the number of attempts made after the first failure.
	MaxRetries int

	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps the exponentially growing delay.
	MaxBackoff time.Duration

	// Multiplier grows the delay between consecutive retries.
	Multiplier float64

	// JitterFactor randomizes each delay by ±factor.
	JitterFactor float64
}

// DefaultPolicy returns the retry policy used unless overridden.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:     defaultMaxRetries,
		InitialBackoff: defaultInitialBackoff,
		MaxBackoff:     defaultMaxBackoff,
		Multiplier:     defaultBackoffMultiplier,
		JitterFactor:   defaultJitterFactor,
	}
}

// Retrier retries facade calls across connection loss. It never retries
// while the session is still down: it waits for the facade to report
// Connected first, pacing its state probes with a token bucket.
type Retrier struct {
	svc     facade.Service
	policy  Policy
	clock   clock.Clock
	rand    clock.Rand
	limiter *rate.Limiter
	log     logger.Logger
}

// Option configures a Retrier.
type Option func(*Retrier)

// WithPolicy overrides the retry policy.
func WithPolicy(p Policy) Option {
	return func(r *Retrier) { r.policy = p }
}

// WithLogger overrides the logger.
func WithLogger(l logger.Logger) Option {
	return func(r *Retrier) { r.log = l }
}

// WithClock overrides the clock, typically for tests.
func WithClock(c clock.Clock) Option {
	return func(r *Retrier) { r.clock = c }
}

// WithRand overrides the jitter randomness source.
func WithRand(rnd clock.Rand) Option {
	return func(r *Retrier) { r.rand = rnd }
}

// New creates a Retrier over the given facade.
func New(svc facade.Service, opts ...Option) *Retrier {
	r := &Retrier{
		svc:     svc,
		policy:  DefaultPolicy(),
		clock:   clock.New(),
		rand:    clock.NewRand(),
		limiter: rate.NewLimiter(rate.Limit(defaultProbesPerSecond), 1),
		log:     logger.NewNoOpLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Do runs op, retrying on ErrConnectionLoss until it succeeds, a
// non-transient error occurs, the context ends, or the attempt budget is
// spent. op must be idempotent; use DoCreate for creates.
func (r *Retrier) Do(ctx context.Context, op func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= r.policy.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if attempt > 0 {
			if err := r.backoff(ctx, attempt); err != nil {
				return err
			}
			if err := r.AwaitSession(ctx); err != nil {
				return err
			}
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, facade.ErrConnectionLoss) {
			return err
		}
		lastErr = err
		r.log.Debugw("transient failure, will retry", "attempt", attempt)
	}
	return fmt.Errorf("gave up after %d attempts: %w", r.policy.MaxRetries+1, lastErr)
}

// DoCreate runs a create whose side effect may have landed even though the
// call reported connection loss. Before every retry, check is consulted: if
// it finds the created node (for example by its unique token among the lock
// path's children), its result is returned and no duplicate is created.
// Creates are not idempotent, so retrying without the check is never safe.
func (r *Retrier) DoCreate(
	ctx context.Context,
	create func(context.Context) (string, error),
	check func(context.Context) (string, bool, error),
) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= r.policy.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if attempt > 0 {
			if err := r.backoff(ctx, attempt); err != nil {
				return "", err
			}
			if err := r.AwaitSession(ctx); err != nil {
				return "", err
			}
			name, ok, err := check(ctx)
			if err != nil {
				return "", err
			}
			if ok {
				return name, nil
			}
		}

		name, err := create(ctx)
		if err == nil {
			return name, nil
		}
		if !errors.Is(err, facade.ErrConnectionLoss) {
			return "", err
		}
		lastErr = err
		r.log.Debugw("create reported connection loss, will verify before retrying", "attempt", attempt)
	}
	return "", fmt.Errorf("gave up after %d attempts: %w", r.policy.MaxRetries+1, lastErr)
}

// AwaitSession blocks until the facade reports a connected session, pacing
// state probes with the rate limiter and waking early on session
// notifications.
func (r *Retrier) AwaitSession(ctx context.Context) error {
	if r.svc.State() == types.StateConnected {
		return nil
	}

	events, cancel := r.svc.SubscribeSession()
	defer cancel()

	for {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
		if r.svc.State() == types.StateConnected {
			return nil
		}
		select {
		case ev := <-events:
			if ev.State == types.StateConnected {
				return nil
			}
		case <-r.clock.After(sessionPollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// backoff sleeps the exponential, jittered delay for the given attempt.
func (r *Retrier) backoff(ctx context.Context, attempt int) error {
	delay := float64(r.policy.InitialBackoff)
	for i := 1; i < attempt; i++ {
		delay *= r.policy.Multiplier
	}
	if delay > float64(r.policy.MaxBackoff) {
		delay = float64(r.policy.MaxBackoff)
	}
	if r.policy.JitterFactor > 0 {
		jitter := (r.rand.Float64()*2 - 1) * r.policy.JitterFactor * delay
		delay += jitter
	}
	if delay <= 0 {
		return nil
	}

	select {
	case <-r.clock.After(time.Duration(delay)):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
