// Package scheduler runs periodic maintenance jobs on cron expressions,
// such as pruning finished runs and expiring old generated scripts.
//
// Jobs never overlap themselves: a job still running when it comes due
// again is skipped for that slot.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const defaultPollInterval = 15 * time.Second

// JobFunc does one unit of maintenance.
type JobFunc func(ctx context.Context) error

type job struct {
	name     string
	expr     string
	schedule cron.Schedule
	fn       JobFunc
	next     time.Time
	running  bool
}

// Scheduler polls its jobs and fires the ones that are due.
type Scheduler struct {
	mu      sync.Mutex
	jobs    []*job
	parser  cron.Parser
	poll    time.Duration
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time
	wg      sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithPollInterval sets how often due jobs are checked. Default 15s.
func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.poll = d
		}
	}
}

// WithMetrics records job outcomes.
func WithMetrics(m *Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// New creates a Scheduler with no jobs.
func New(logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Scheduler{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		poll:   defaultPollInterval,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers fn under name. expr is a five-field cron expression or a
// descriptor such as "@hourly" or "@every 5m".
func (s *Scheduler) Add(name, expr string, fn JobFunc) error {
	sched, err := s.parser.Parse(expr)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q for %s: %w", expr, name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, &job{
		name:     name,
		expr:     expr,
		schedule: sched,
		fn:       fn,
		next:     sched.Next(s.now()),
	})
	return nil
}

// ComputeNextRunFrom returns the next activation of expr after from.
func ComputeNextRunFrom(expr string, from time.Time) (time.Time, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched.Next(from), nil
}

// Start begins the scheduler loop. The returned function stops it and
// waits for running jobs to return.
func (s *Scheduler) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	count := len(s.jobs)
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.InfoContext(ctx, "maintenance scheduler started",
			slog.String("poll_interval", s.poll.String()),
			slog.Int("jobs", count),
		)

		ticker := time.NewTicker(s.poll)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("maintenance scheduler stopped")
				return
			case <-ticker.C:
				s.Tick(ctx)
			}
		}
	}()

	return func() {
		cancel()
		s.wg.Wait()
	}
}

// Tick fires every due job once and advances its next run.
func (s *Scheduler) Tick(ctx context.Context) {
	began := time.Now()
	start := s.now()

	s.mu.Lock()
	var due []*job
	for _, j := range s.jobs {
		if j.next.After(start) {
			continue
		}
		j.next = j.schedule.Next(start)
		if j.running {
			s.logger.WarnContext(ctx, "maintenance job still running, skipping", slog.String("job", j.name))
			continue
		}
		j.running = true
		due = append(due, j)
	}
	s.mu.Unlock()

	for _, j := range due {
		s.wg.Add(1)
		go func(j *job) {
			defer s.wg.Done()
			s.fire(ctx, j)
		}(j)
	}

	if s.metrics != nil {
		s.metrics.TickDuration.Observe(time.Since(began).Seconds())
	}
}

func (s *Scheduler) fire(ctx context.Context, j *job) {
	defer func() {
		s.mu.Lock()
		j.running = false
		s.mu.Unlock()
	}()

	if s.metrics != nil {
		s.metrics.JobsFired.WithLabelValues(j.name).Inc()
	}
	s.logger.DebugContext(ctx, "firing maintenance job", slog.String("job", j.name))
	if err := j.fn(ctx); err != nil {
		if s.metrics != nil {
			s.metrics.JobsFailed.WithLabelValues(j.name).Inc()
		}
		s.logger.ErrorContext(ctx, "maintenance job failed",
			slog.String("job", j.name),
			slog.String("error", err.Error()),
		)
	}
}

// Wait blocks until every fired job has returned. Used by tests driving
// Tick directly.
func (s *Scheduler) Wait() { s.wg.Wait() }
