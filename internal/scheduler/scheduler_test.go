package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func newTestScheduler(t *testing.T, opts ...Option) (*Scheduler, *time.Time) {
	t.Helper()
	s := New(nil, opts...)
	clock := time.Date(2026, 3, 14, 9, 0, 30, 0, time.UTC)
	s.now = func() time.Time { return clock }
	return s, &clock
}

func TestAdd_InvalidExpression(t *testing.T) {
	s := New(nil)
	if err := s.Add("bad", "not a cron", func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected error for invalid expression")
	}
}

func TestTick_FiresDueJobsOnce(t *testing.T) {
	s, clock := newTestScheduler(t)
	var fired atomic.Int32
	if err := s.Add("prune", "*/5 * * * *", func(context.Context) error {
		fired.Add(1)
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	s.Tick(context.Background())
	s.Wait()
	if fired.Load() != 0 {
		t.Fatalf("fired before due: %d", fired.Load())
	}

	*clock = time.Date(2026, 3, 14, 9, 5, 0, 0, time.UTC)
	s.Tick(context.Background())
	s.Wait()
	s.Tick(context.Background())
	s.Wait()
	if fired.Load() != 1 {
		t.Errorf("fired = %d, want 1", fired.Load())
	}

	*clock = time.Date(2026, 3, 14, 9, 10, 0, 0, time.UTC)
	s.Tick(context.Background())
	s.Wait()
	if fired.Load() != 2 {
		t.Errorf("fired = %d, want 2", fired.Load())
	}
}

func TestTick_SkipsOverlappingRun(t *testing.T) {
	s, clock := newTestScheduler(t)
	release := make(chan struct{})
	var fired atomic.Int32
	if err := s.Add("slow", "@every 1m", func(context.Context) error {
		fired.Add(1)
		<-release
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	*clock = clock.Add(time.Minute)
	s.Tick(context.Background())
	*clock = clock.Add(time.Minute)
	s.Tick(context.Background())
	close(release)
	s.Wait()

	if fired.Load() != 1 {
		t.Errorf("fired = %d, want 1 (second slot skipped)", fired.Load())
	}
}

func TestTick_RecordsFailures(t *testing.T) {
	reg := prometheus.NewRegistry()
	s, clock := newTestScheduler(t, WithMetrics(NewMetrics(reg)))
	if err := s.Add("broken", "@hourly", func(context.Context) error {
		return errors.New("disk full")
	}); err != nil {
		t.Fatal(err)
	}

	*clock = clock.Add(time.Hour)
	s.Tick(context.Background())
	s.Wait()

	m := &dto.Metric{}
	if err := s.metrics.JobsFailed.WithLabelValues("broken").Write(m); err != nil {
		t.Fatal(err)
	}
	if got := m.GetCounter().GetValue(); got != 1 {
		t.Errorf("jobs_failed_total = %v, want 1", got)
	}
}

func TestStart_StopsOnCancel(t *testing.T) {
	s := New(nil, WithPollInterval(time.Millisecond))
	var fired atomic.Int32
	if err := s.Add("fast", "@every 1s", func(context.Context) error {
		fired.Add(1)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	stop := s.Start(context.Background())
	deadline := time.Now().Add(3 * time.Second)
	for fired.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	stop()
	if fired.Load() == 0 {
		t.Error("job never fired")
	}
}

func TestComputeNextRunFrom(t *testing.T) {
	from := time.Date(2026, 3, 14, 9, 2, 0, 0, time.UTC)
	next, err := ComputeNextRunFrom("*/5 * * * *", from)
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2026, 3, 14, 9, 5, 0, 0, time.UTC); !next.Equal(want) {
		t.Errorf("next = %s, want %s", next, want)
	}
}
