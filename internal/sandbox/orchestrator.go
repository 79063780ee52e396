package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jkaninda/pymakebot/internal/deps"
	"github.com/jkaninda/pymakebot/internal/execmode"
)

// EventKind identifies an orchestrator notification.
type EventKind string

const (
	EventState    EventKind = "state"
	EventFallback EventKind = "fallback"
	EventInstall  EventKind = "install"
)

// Event is emitted to the observer during a run.
type Event struct {
	Kind    EventKind
	RunID   string
	State   State
	Message string
}

// allowedTransitions is the lifecycle graph. Failed is reachable from every
// non-terminal state.
var allowedTransitions = map[State][]State{
	StateIdle:      {StatePreparing, StateFailed},
	StatePreparing: {StateRunning, StateCleaning, StateFailed},
	StateRunning:   {StateCleaning, StateFailed},
	StateCleaning:  {StateDone, StateFailed},
}

// Runner executes one request to completion. *Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)
}

var _ Runner = (*Orchestrator)(nil)

// Orchestrator owns the execution lifecycle of one program: it picks the
// isolation target, prepares it, delegates to the Supervisor, and releases
// everything it acquired.
type Orchestrator struct {
	supervisor *Supervisor
	runtime    Runtime
	installer  deps.Installer
	useVenv    bool
	newRunID   func() string
	observer   func(Event)
	logger     *slog.Logger
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithRuntime enables container isolation. Without one every run is Host.
func WithRuntime(r Runtime) OrchestratorOption {
	return func(o *Orchestrator) { o.runtime = r }
}

// WithInstaller overrides the host package installer.
func WithInstaller(i deps.Installer) OrchestratorOption {
	return func(o *Orchestrator) { o.installer = i }
}

// WithVenv runs host executions in a throwaway virtual environment.
func WithVenv(enabled bool) OrchestratorOption {
	return func(o *Orchestrator) { o.useVenv = enabled }
}

// WithObserver receives lifecycle events. It is called synchronously.
func WithObserver(fn func(Event)) OrchestratorOption {
	return func(o *Orchestrator) { o.observer = fn }
}

// WithRunID overrides run ID generation.
func WithRunID(fn func() string) OrchestratorOption {
	return func(o *Orchestrator) { o.newRunID = fn }
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(supervisor *Supervisor, logger *slog.Logger, opts ...OrchestratorOption) *Orchestrator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	o := &Orchestrator{
		supervisor: supervisor,
		logger:     logger,
		newRunID:   func() string { return ulid.Make().String() },
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.installer == nil {
		o.installer = deps.NewHostInstaller(logger)
	}
	return o
}

// Supervisor returns the underlying supervisor.
func (o *Orchestrator) Supervisor() *Supervisor { return o.supervisor }

// ResolveIsolation decides the target for one execution. A container
// request degrades to Host when the runtime is unavailable; the returned
// error then explains why and the isolation is still usable.
func (o *Orchestrator) ResolveIsolation(ctx context.Context, requested Isolation) (Isolation, error) {
	if requested != IsolationContainer {
		return IsolationHost, nil
	}
	if o.runtime == nil {
		return IsolationHost, &SandboxError{Kind: RuntimeUnavailable, Err: errors.New("no container runtime configured")}
	}
	if err := o.runtime.Available(ctx); err != nil {
		return IsolationHost, err
	}
	return IsolationContainer, nil
}

// run is the per-execution state.
type run struct {
	o      *Orchestrator
	id     string
	state  State
	trace  []State
	logger *slog.Logger
}

func (r *run) transition(ctx context.Context, next State) {
	if r.state.Terminal() {
		return
	}
	ok := false
	for _, s := range allowedTransitions[r.state] {
		if s == next {
			ok = true
			break
		}
	}
	if !ok {
		// Programming error; record the failure rather than an illegal edge.
		r.logger.ErrorContext(ctx, "illegal sandbox transition",
			slog.String("from", r.state.String()),
			slog.String("to", next.String()),
		)
		next = StateFailed
	}
	r.logger.DebugContext(ctx, "sandbox state",
		slog.String("from", r.state.String()),
		slog.String("to", next.String()),
	)
	r.state = next
	r.trace = append(r.trace, next)
	r.o.emit(Event{Kind: EventState, RunID: r.id, State: next})
}

func (o *Orchestrator) emit(ev Event) {
	if o.observer != nil {
		o.observer(ev)
	}
}

// Run executes req to completion. The isolation target is resolved once; a
// container that is unavailable degrades to Host with a warning. Every
// resource acquired for the run (container, venv, temp script) is released
// before Run returns, on every path.
func (o *Orchestrator) Run(ctx context.Context, req ExecutionRequest) (result *ExecutionResult, err error) {
	r := &run{o: o, id: o.newRunID(), state: StateIdle, trace: []State{StateIdle}}
	r.logger = o.logger.With(slog.String("run_id", r.id))

	r.transition(ctx, StatePreparing)

	var cleanups []func()
	defer func() {
		if r.state != StateFailed {
			r.transition(ctx, StateCleaning)
		}
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
		if err != nil {
			r.transition(ctx, StateFailed)
		} else {
			r.transition(ctx, StateDone)
		}
		if result != nil {
			result.RunID = r.id
			result.States = append([]State(nil), r.trace...)
		}
		r.logger.InfoContext(ctx, "sandbox run finished",
			slog.String("state", r.state.String()),
			slog.Any("trace", stateNames(r.trace)),
		)
	}()

	scriptPath := req.ScriptPath
	if scriptPath == "" {
		if req.Code == "" {
			return nil, errors.New("execution request has neither a script path nor code")
		}
		dir, werr := os.MkdirTemp("", "pymakebot-run-*")
		if werr != nil {
			return nil, fmt.Errorf("creating run dir: %w", werr)
		}
		cleanups = append(cleanups, func() { os.RemoveAll(dir) })
		scriptPath = filepath.Join(dir, "script.py")
		if werr := os.WriteFile(scriptPath, []byte(req.Code), 0o644); werr != nil {
			return nil, fmt.Errorf("writing run script: %w", werr)
		}
	}
	scriptPath, err = filepath.Abs(scriptPath)
	if err != nil {
		return nil, fmt.Errorf("resolving script path: %w", err)
	}

	isolation, resolveErr := o.ResolveIsolation(ctx, req.Isolation)
	fellBack := req.Isolation == IsolationContainer && isolation == IsolationHost
	if fellBack {
		msg := "container runtime unavailable, running on host"
		if resolveErr != nil {
			msg += ": " + resolveErr.Error()
		}
		r.logger.WarnContext(ctx, msg)
		o.emit(Event{Kind: EventFallback, RunID: r.id, State: r.state, Message: msg})
	}

	if isolation == IsolationContainer {
		result, err = o.runContainer(ctx, r, &cleanups, req, scriptPath)
	} else {
		result, err = o.runHost(ctx, r, &cleanups, req, scriptPath)
	}
	if result != nil {
		result.FellBack = fellBack
	}
	return result, err
}

func (o *Orchestrator) runContainer(ctx context.Context, r *run, cleanups *[]func(), req ExecutionRequest, scriptPath string) (*ExecutionResult, error) {
	h, err := o.runtime.Create(ctx, r.id, filepath.Dir(scriptPath), len(req.Packages) > 0)
	if err != nil {
		return nil, err
	}
	*cleanups = append(*cleanups, func() {
		if rerr := o.runtime.Remove(ctx, h); rerr != nil {
			r.logger.WarnContext(ctx, "sandbox instance removal failed",
				slog.String("container", h.Name),
				slog.String("error", rerr.Error()),
			)
		}
	})

	if err := o.runtime.Start(ctx, h); err != nil {
		return nil, err
	}

	var installed []string
	var installMsg string
	if len(req.Packages) > 0 || h.Networked {
		o.emit(Event{Kind: EventInstall, RunID: r.id, State: r.state, Message: fmt.Sprintf("installing %v", req.Packages)})
		if ierr := o.runtime.Install(ctx, h, req.Packages); ierr != nil {
			var sbxErr *SandboxError
			if errors.As(ierr, &sbxErr) {
				// The instance could not be isolated again; do not run.
				return nil, ierr
			}
			installMsg = ierr.Error()
			r.logger.WarnContext(ctx, "package installation failed", slog.String("error", installMsg))
		} else {
			installed = req.Packages
		}
	}

	r.transition(ctx, StateRunning)
	inv := o.runtime.Invocation(h, filepath.Base(scriptPath), req.Mode)
	result, err := o.supervisor.Run(ctx, inv, req.Mode, captureTimeout(req))
	if err != nil {
		return nil, err
	}
	result.Isolation = IsolationContainer
	result.Container = h.Name
	result.Installed = installed
	result.InstallError = installMsg
	return result, nil
}

func (o *Orchestrator) runHost(ctx context.Context, r *run, cleanups *[]func(), req ExecutionRequest, scriptPath string) (*ExecutionResult, error) {
	interp, err := o.supervisor.ResolveInterpreter()
	if err != nil {
		return nil, err
	}

	inVenv := false
	if o.useVenv {
		venv, verr := CreateVenv(ctx, interp)
		if verr != nil {
			r.logger.WarnContext(ctx, "venv creation failed, using system interpreter", slog.String("error", verr.Error()))
		} else {
			*cleanups = append(*cleanups, func() {
				if rerr := venv.Remove(); rerr != nil {
					r.logger.WarnContext(ctx, "venv removal failed", slog.String("error", rerr.Error()))
				}
			})
			interp = venv.Python
			inVenv = true
		}
	}

	var installed []string
	var installMsg string
	if len(req.Packages) > 0 {
		o.emit(Event{Kind: EventInstall, RunID: r.id, State: r.state, Message: fmt.Sprintf("installing %v", req.Packages)})
		if ierr := o.installer.Install(ctx, interp, req.Packages, inVenv); ierr != nil {
			installMsg = ierr.Error()
			r.logger.WarnContext(ctx, "package installation failed", slog.String("error", installMsg))
		} else {
			installed = req.Packages
		}
	}

	r.transition(ctx, StateRunning)
	result, err := o.supervisor.ExecuteWith(ctx, interp, scriptPath, req.Mode, captureTimeout(req))
	if err != nil {
		return nil, err
	}
	result.Isolation = IsolationHost
	result.Installed = installed
	result.InstallError = installMsg
	return result, nil
}

func captureTimeout(req ExecutionRequest) time.Duration {
	if req.Mode == execmode.Interactive {
		return 0
	}
	return req.Timeout
}

func stateNames(states []State) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = s.String()
	}
	return out
}
