package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultMaxAttempts    = 4
	defaultBaseDelay      = time.Second
	defaultMaxDelay       = 30 * time.Second
	defaultJitterFraction = 0.25
	defaultAttemptTimeout = 120 * time.Second

	// maxJitterFraction keeps the delay schedule non-decreasing:
	// base*2^(a+1)*(1-j) >= base*2^a*(1+j) holds for j <= 1/3.
	maxJitterFraction = 1.0 / 3.0
)

// RetryPolicy bounds the retries of one logical request.
//
// MaxAttempts is the total number of attempts, including the initial try.
type RetryPolicy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	JitterFraction float64
	AttemptTimeout time.Duration // Per-attempt deadline. 0 = none.
}

// DefaultRetryPolicy returns 4 attempts (one try plus three retries),
// 1s base, 30s cap, 25% jitter, and a 120s per-attempt timeout.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    defaultMaxAttempts,
		BaseDelay:      defaultBaseDelay,
		MaxDelay:       defaultMaxDelay,
		JitterFraction: defaultJitterFraction,
		AttemptTimeout: defaultAttemptTimeout,
	}
}

// Validate checks the policy invariants.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.BaseDelay < 0 {
		return fmt.Errorf("base delay must not be negative")
	}
	if p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("max delay %s is below base delay %s", p.MaxDelay, p.BaseDelay)
	}
	if p.JitterFraction < 0 || p.JitterFraction > maxJitterFraction {
		return fmt.Errorf("jitter fraction must be within [0, 1/3], got %g", p.JitterFraction)
	}
	return nil
}

// Delay returns the wait before the retry that follows the failed attempt
// with 0-based index attempt. r is a uniform draw in [0, 1) that selects the
// jitter; passing 0.5 yields the un-jittered schedule.
//
//	delay = min(base * 2^attempt * (1 + j*(2r-1)), max)
func (p RetryPolicy) Delay(attempt int, r float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if r < 0 {
		r = 0
	}
	if r >= 1 {
		r = math.Nextafter(1, 0)
	}
	d := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	d *= 1 + p.JitterFraction*(2*r-1)
	if ceiling := float64(p.MaxDelay); d > ceiling {
		d = ceiling
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Schedule returns the delays between consecutive attempts for a fixed
// jitter draw. It has MaxAttempts-1 entries.
func (p RetryPolicy) Schedule(r float64) []time.Duration {
	if p.MaxAttempts <= 1 {
		return nil
	}
	out := make([]time.Duration, 0, p.MaxAttempts-1)
	for a := 0; a < p.MaxAttempts-1; a++ {
		out = append(out, p.Delay(a, r))
	}
	return out
}

// Retrier executes an operation under a RetryPolicy.
type Retrier struct {
	policy  RetryPolicy
	limiter *rate.Limiter
	sleep   func(ctx context.Context, d time.Duration) error
	rand    func() float64
	onRetry func(attempt int, err error, delay time.Duration)
	logger  *slog.Logger
}

// RetrierOption configures a Retrier.
type RetrierOption func(*Retrier)

// WithSleep replaces the effectful sleep (tests inject a recorder).
func WithSleep(fn func(ctx context.Context, d time.Duration) error) RetrierOption {
	return func(r *Retrier) { r.sleep = fn }
}

// WithRand replaces the jitter source.
func WithRand(fn func() float64) RetrierOption {
	return func(r *Retrier) { r.rand = fn }
}

// WithRateLimit throttles attempts to perMinute requests per minute.
// 0 disables throttling.
func WithRateLimit(perMinute int) RetrierOption {
	return func(r *Retrier) {
		if perMinute > 0 {
			r.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
		}
	}
}

// WithOnRetry registers a hook invoked before each backoff sleep.
func WithOnRetry(fn func(attempt int, err error, delay time.Duration)) RetrierOption {
	return func(r *Retrier) { r.onRetry = fn }
}

// NewRetrier creates a Retrier. An invalid policy falls back to the default.
func NewRetrier(policy RetryPolicy, logger *slog.Logger, opts ...RetrierOption) *Retrier {
	if err := policy.Validate(); err != nil {
		policy = DefaultRetryPolicy()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	r := &Retrier{
		policy: policy,
		sleep:  sleepContext,
		rand:   rand.Float64,
		logger: logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the effective policy.
func (r *Retrier) Policy() RetryPolicy { return r.policy }

// Do runs op until it succeeds, returns a non-retryable error, or the policy
// is exhausted. op receives a per-attempt context and the 1-based attempt
// number.
//
// Only *TransportError values with Retryable() == true are retried. Any other
// error (including malformed responses) is returned as-is immediately.
// Exhaustion yields *ExhaustedError carrying the last cause.
func (r *Retrier) Do(ctx context.Context, op func(ctx context.Context, attempt int) error) error {
	var last error
	var prev time.Duration
	for attempt := 0; attempt < r.policy.MaxAttempts; attempt++ {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		err := r.attempt(ctx, op, attempt+1)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var te *TransportError
		if !errors.As(err, &te) || !te.Retryable() {
			return err
		}
		last = err

		if attempt+1 >= r.policy.MaxAttempts {
			break
		}

		// A server Retry-After raises the delay; it never drops below the
		// previous one.
		delay := min(max(r.policy.Delay(attempt, r.rand()), te.RetryAfter, prev), r.policy.MaxDelay)
		prev = delay
		r.logger.WarnContext(ctx, "transport attempt failed, retrying",
			slog.Int("attempt", attempt+1),
			slog.Int("max_attempts", r.policy.MaxAttempts),
			slog.String("kind", te.Kind.String()),
			slog.Int("status", te.StatusCode),
			slog.Duration("delay", delay),
		)
		if r.onRetry != nil {
			r.onRetry(attempt+1, err, delay)
		}
		if err := r.sleep(ctx, delay); err != nil {
			return err
		}
	}
	return &ExhaustedError{Attempts: r.policy.MaxAttempts, Last: last}
}

func (r *Retrier) attempt(ctx context.Context, op func(ctx context.Context, attempt int) error, n int) error {
	if r.policy.AttemptTimeout <= 0 {
		return op(ctx, n)
	}
	actx, cancel := context.WithTimeout(ctx, r.policy.AttemptTimeout)
	defer cancel()
	return op(actx, n)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
