package ws

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jkaninda/pymakebot/internal/pipeline"
)

// RunState is the lifecycle state of one execution as seen on the stream.
type RunState string

const (
	RunPreparing RunState = "preparing"
	RunRunning   RunState = "running"
	RunCleaning  RunState = "cleaning"
	RunDone      RunState = "done"
	RunFailed    RunState = "failed"
)

func (s RunState) terminal() bool { return s == RunDone || s == RunFailed }

// TrackedRun holds what the dashboard knows about one execution.
type TrackedRun struct {
	RunID       string    `json:"run_id"`
	State       RunState  `json:"state"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
	FellBack    bool      `json:"fell_back,omitempty"`
	Summary     string    `json:"summary,omitempty"`
}

// Finished reports whether the run is done or failed.
func (r TrackedRun) Finished() bool { return r.State.terminal() }

// RunTracker follows executions through the pipeline event stream.
type RunTracker struct {
	mu     sync.RWMutex
	runs   map[string]*TrackedRun
	logger *slog.Logger
	now    func() time.Time
}

// NewRunTracker creates an empty tracker.
func NewRunTracker(logger *slog.Logger) *RunTracker {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &RunTracker{
		runs:   make(map[string]*TrackedRun),
		logger: logger,
		now:    time.Now,
	}
}

// Observe updates the tracked run an event belongs to. Events without a run
// ID are ignored.
func (t *RunTracker) Observe(ev pipeline.Event) {
	if ev.RunID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	run, ok := t.runs[ev.RunID]
	if !ok {
		run = &TrackedRun{RunID: ev.RunID, State: RunPreparing, StartedAt: t.now()}
		t.runs[ev.RunID] = run
	}

	switch ev.Type {
	case pipeline.EventState:
		next := RunState(ev.Content)
		if run.State.terminal() && !next.terminal() {
			t.logger.Warn("state event after run ended",
				slog.String("run_id", ev.RunID),
				slog.String("current_state", string(run.State)),
				slog.String("state", ev.Content),
			)
			return
		}
		switch next {
		case RunPreparing, RunRunning, RunCleaning:
			run.State = next
		case RunDone, RunFailed:
			run.State = next
			run.CompletedAt = t.now()
			t.logger.Debug("run completed",
				slog.String("run_id", ev.RunID),
				slog.String("state", ev.Content),
				slog.String("total_duration", run.CompletedAt.Sub(run.StartedAt).String()),
			)
		}
	case pipeline.EventFallback:
		run.FellBack = true
	case pipeline.EventExecutionFinished:
		run.Summary = ev.Content
	}
}

// Get returns a copy of the tracked run.
func (t *RunTracker) Get(runID string) (TrackedRun, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	run, ok := t.runs[runID]
	if !ok {
		return TrackedRun{}, false
	}
	return *run, true
}

// List returns copies of every tracked run, newest first.
func (t *RunTracker) List() []TrackedRun {
	t.mu.RLock()
	out := make([]TrackedRun, 0, len(t.runs))
	for _, run := range t.runs {
		out = append(out, *run)
	}
	t.mu.RUnlock()
	slices.SortFunc(out, func(a, b TrackedRun) int { return b.StartedAt.Compare(a.StartedAt) })
	return out
}

// ActiveCount returns the number of runs not yet done or failed.
func (t *RunTracker) ActiveCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	count := 0
	for _, run := range t.runs {
		if !run.State.terminal() {
			count++
		}
	}
	return count
}

// CleanCompleted removes finished runs older than maxAge.
func (t *RunTracker) CleanCompleted(maxAge time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	deadline := t.now().Add(-maxAge)
	cleaned := 0
	for id, run := range t.runs {
		if run.State.terminal() && run.CompletedAt.Before(deadline) {
			delete(t.runs, id)
			cleaned++
		}
	}
	return cleaned
}
