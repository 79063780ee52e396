package llm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sleepRecorder struct {
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func testPolicy(maxAttempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    maxAttempts,
		BaseDelay:      time.Second,
		MaxDelay:       30 * time.Second,
		JitterFraction: 0.25,
	}
}

func newTestRetrier(p RetryPolicy, rec *sleepRecorder, r float64) *Retrier {
	return NewRetrier(p, discardLogger(),
		WithSleep(rec.sleep),
		WithRand(func() float64 { return r }),
	)
}

func TestRetryPolicy_DelayWithoutJitter(t *testing.T) {
	p := testPolicy(10)
	want := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second}
	for attempt, w := range want {
		if got := p.Delay(attempt, 0.5); got != w {
			t.Errorf("Delay(%d, 0.5) = %s, want %s", attempt, got, w)
		}
	}
}

func TestRetryPolicy_DelayBoundedAndNonDecreasing(t *testing.T) {
	p := testPolicy(12)
	draws := []float64{0, 0.1, 0.25, 0.5, 0.75, 0.9, 0.999999}

	for attempt := 0; attempt < 11; attempt++ {
		for _, r1 := range draws {
			d1 := p.Delay(attempt, r1)
			if d1 > p.MaxDelay {
				t.Fatalf("Delay(%d, %g) = %s exceeds max %s", attempt, r1, d1, p.MaxDelay)
			}
			for _, r2 := range draws {
				d2 := p.Delay(attempt+1, r2)
				if d2 < d1 {
					t.Fatalf("Delay(%d, %g) = %s < Delay(%d, %g) = %s", attempt+1, r2, d2, attempt, r1, d1)
				}
			}
		}
	}
}

func TestRetryPolicy_DelayJitterRange(t *testing.T) {
	p := testPolicy(4)
	lo := p.Delay(1, 0)
	hi := p.Delay(1, 0.999999)
	if lo != 1500*time.Millisecond {
		t.Errorf("expected lower jitter bound 1.5s, got %s", lo)
	}
	if hi <= 2*time.Second || hi > 2500*time.Millisecond {
		t.Errorf("expected upper jitter bound close to 2.5s, got %s", hi)
	}
}

func TestRetryPolicy_Validate(t *testing.T) {
	tests := []struct {
		name    string
		policy  RetryPolicy
		wantErr bool
	}{
		{"default", DefaultRetryPolicy(), false},
		{"zero attempts", RetryPolicy{MaxAttempts: 0, MaxDelay: time.Second}, true},
		{"max below base", RetryPolicy{MaxAttempts: 1, BaseDelay: 2 * time.Second, MaxDelay: time.Second}, true},
		{"jitter too large", RetryPolicy{MaxAttempts: 1, MaxDelay: time.Second, JitterFraction: 0.5}, true},
		{"negative jitter", RetryPolicy{MaxAttempts: 1, MaxDelay: time.Second, JitterFraction: -0.1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRetryPolicy_Schedule(t *testing.T) {
	if got := testPolicy(1).Schedule(0.5); len(got) != 0 {
		t.Errorf("expected empty schedule for a single attempt, got %v", got)
	}
	got := testPolicy(4).Schedule(0.5)
	if len(got) != 3 {
		t.Fatalf("expected 3 delays, got %d", len(got))
	}
	if got[2] != 4*time.Second {
		t.Errorf("expected third delay 4s, got %s", got[2])
	}
}

func TestRetrier_ClientErrorsNeverRetried(t *testing.T) {
	for status := 400; status < 500; status++ {
		if status == http.StatusTooManyRequests {
			continue
		}
		rec := &sleepRecorder{}
		r := newTestRetrier(testPolicy(5), rec, 0.5)
		calls := 0
		err := r.Do(context.Background(), func(context.Context, int) error {
			calls++
			return ErrorFromStatus(status, "bad", nil)
		})
		if calls != 1 {
			t.Fatalf("status %d: expected 1 call, got %d", status, calls)
		}
		if len(rec.delays) != 0 {
			t.Fatalf("status %d: expected no sleeps, got %v", status, rec.delays)
		}
		var te *TransportError
		if !errors.As(err, &te) || te.Kind != KindClientError {
			t.Fatalf("status %d: expected client error, got %v", status, err)
		}
	}
}

func TestRetrier_RetryableErrorsExhaust(t *testing.T) {
	failures := map[string]func() error{
		"429": func() error { return ErrorFromStatus(http.StatusTooManyRequests, "slow down", nil) },
		"500": func() error { return ErrorFromStatus(http.StatusInternalServerError, "", nil) },
		"502": func() error { return ErrorFromStatus(http.StatusBadGateway, "", nil) },
		"503": func() error { return ErrorFromStatus(http.StatusServiceUnavailable, "", nil) },
		"network": func() error {
			return &TransportError{Kind: KindNetwork, Err: errors.New("connection refused")}
		},
	}

	for name, fail := range failures {
		t.Run(name, func(t *testing.T) {
			rec := &sleepRecorder{}
			p := testPolicy(3)
			r := newTestRetrier(p, rec, 0.9)
			calls := 0
			err := r.Do(context.Background(), func(context.Context, int) error {
				calls++
				return fail()
			})
			if calls != p.MaxAttempts {
				t.Errorf("expected %d calls, got %d", p.MaxAttempts, calls)
			}
			var ex *ExhaustedError
			if !errors.As(err, &ex) {
				t.Fatalf("expected ExhaustedError, got %v", err)
			}
			if ex.Attempts != p.MaxAttempts {
				t.Errorf("expected %d attempts recorded, got %d", p.MaxAttempts, ex.Attempts)
			}
			var te *TransportError
			if !errors.As(err, &te) {
				t.Errorf("expected last cause to be a TransportError, got %v", ex.Last)
			}
			if len(rec.delays) != p.MaxAttempts-1 {
				t.Fatalf("expected %d sleeps, got %d", p.MaxAttempts-1, len(rec.delays))
			}
			for i := 1; i < len(rec.delays); i++ {
				if rec.delays[i] < rec.delays[i-1] {
					t.Errorf("delays decreased: %v", rec.delays)
				}
			}
			for _, d := range rec.delays {
				if d > p.MaxDelay {
					t.Errorf("delay %s exceeds max %s", d, p.MaxDelay)
				}
			}
		})
	}
}

func TestRetrier_SucceedsAfterTransientFailures(t *testing.T) {
	rec := &sleepRecorder{}
	r := newTestRetrier(testPolicy(4), rec, 0.5)
	var attempts []int
	err := r.Do(context.Background(), func(_ context.Context, attempt int) error {
		attempts = append(attempts, attempt)
		if attempt < 3 {
			return ErrorFromStatus(http.StatusServiceUnavailable, "", nil)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(attempts) != 3 || attempts[0] != 1 || attempts[2] != 3 {
		t.Errorf("unexpected attempt numbers: %v", attempts)
	}
	if len(rec.delays) != 2 || rec.delays[0] != time.Second || rec.delays[1] != 2*time.Second {
		t.Errorf("unexpected delays: %v", rec.delays)
	}
}

func TestRetrier_MalformedResponseNotRetried(t *testing.T) {
	rec := &sleepRecorder{}
	r := newTestRetrier(testPolicy(4), rec, 0.5)
	calls := 0
	err := r.Do(context.Background(), func(context.Context, int) error {
		calls++
		return &MalformedResponseError{Reason: "no choices"}
	})
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if !errors.Is(err, ErrMalformedResponse) {
		t.Errorf("expected malformed response error, got %v", err)
	}
}

func TestRetrier_HonorsRetryAfterWithinCap(t *testing.T) {
	rec := &sleepRecorder{}
	p := testPolicy(3)
	p.MaxDelay = 10 * time.Second
	r := newTestRetrier(p, rec, 0.5)
	_ = r.Do(context.Background(), func(_ context.Context, attempt int) error {
		te := ErrorFromStatus(http.StatusTooManyRequests, "", nil)
		if attempt == 1 {
			te.RetryAfter = 5 * time.Second
		} else {
			te.RetryAfter = time.Minute
		}
		return te
	})
	if len(rec.delays) != 2 {
		t.Fatalf("expected 2 sleeps, got %v", rec.delays)
	}
	if rec.delays[0] != 5*time.Second {
		t.Errorf("expected Retry-After of 5s to be honored, got %s", rec.delays[0])
	}
	if rec.delays[1] != 10*time.Second {
		t.Errorf("expected Retry-After capped at 10s, got %s", rec.delays[1])
	}
}

func TestRetrier_RetryAfterKeepsDelaysNonDecreasing(t *testing.T) {
	rec := &sleepRecorder{}
	p := testPolicy(4)
	p.JitterFraction = 0
	r := newTestRetrier(p, rec, 0.5)
	_ = r.Do(context.Background(), func(_ context.Context, attempt int) error {
		if attempt == 1 {
			te := ErrorFromStatus(http.StatusTooManyRequests, "", nil)
			te.RetryAfter = 20 * time.Second
			return te
		}
		return ErrorFromStatus(http.StatusServiceUnavailable, "", nil)
	})
	want := []time.Duration{20 * time.Second, 20 * time.Second, 20 * time.Second}
	if len(rec.delays) != len(want) {
		t.Fatalf("expected %d sleeps, got %v", len(want), rec.delays)
	}
	for i, d := range want {
		if rec.delays[i] != d {
			t.Errorf("delay %d: got %s, want %s", i, rec.delays[i], d)
		}
	}
}

func TestRetrier_ContextCancelledStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := NewRetrier(testPolicy(5), discardLogger(),
		WithSleep(func(ctx context.Context, _ time.Duration) error {
			cancel()
			return ctx.Err()
		}),
	)
	calls := 0
	err := r.Do(ctx, func(context.Context, int) error {
		calls++
		return ErrorFromStatus(http.StatusBadGateway, "", nil)
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call before cancellation, got %d", calls)
	}
}

func TestRetrier_PerAttemptTimeout(t *testing.T) {
	p := testPolicy(1)
	p.AttemptTimeout = time.Minute
	r := NewRetrier(p, discardLogger())
	err := r.Do(context.Background(), func(ctx context.Context, _ int) error {
		if _, ok := ctx.Deadline(); !ok {
			t.Error("expected per-attempt deadline on context")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRetrier_OnRetryHook(t *testing.T) {
	rec := &sleepRecorder{}
	var hooked []int
	r := NewRetrier(testPolicy(3), discardLogger(),
		WithSleep(rec.sleep),
		WithOnRetry(func(attempt int, _ error, _ time.Duration) { hooked = append(hooked, attempt) }),
	)
	_ = r.Do(context.Background(), func(context.Context, int) error {
		return ErrorFromStatus(http.StatusInternalServerError, "", nil)
	})
	if len(hooked) != 2 || hooked[0] != 1 || hooked[1] != 2 {
		t.Errorf("expected hook for attempts 1 and 2, got %v", hooked)
	}
}

func TestNewRetrier_InvalidPolicyFallsBack(t *testing.T) {
	r := NewRetrier(RetryPolicy{}, nil)
	if r.Policy() != DefaultRetryPolicy() {
		t.Errorf("expected default policy, got %+v", r.Policy())
	}
}
