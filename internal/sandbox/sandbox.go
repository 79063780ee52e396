// Package sandbox runs generated Python programs, either directly on the
// host or inside an ephemeral hardened container, and always reclaims the
// resources it created for a run.
package sandbox

import (
	"fmt"
	"strings"
	"time"

	"github.com/jkaninda/pymakebot/internal/execmode"
)

// Isolation is where a program runs.
type Isolation int

const (
	IsolationHost Isolation = iota
	IsolationContainer
)

func (i Isolation) String() string {
	if i == IsolationContainer {
		return "container"
	}
	return "host"
}

// ParseIsolation maps "container"/"docker" to IsolationContainer and
// anything else to IsolationHost.
func ParseIsolation(s string) Isolation {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "container", "docker":
		return IsolationContainer
	default:
		return IsolationHost
	}
}

// ExecutionRequest describes one run.
type ExecutionRequest struct {
	// ScriptPath is the program on disk. The script directory is what gets
	// mounted into a container.
	ScriptPath string

	// Code is written to a private temp directory when ScriptPath is empty.
	// The directory is removed during Cleaning.
	Code string

	Mode execmode.Mode

	// Timeout applies to Captured runs only. Zero = no limit.
	Timeout time.Duration

	// Isolation is the requested target; the orchestrator may fall back.
	Isolation Isolation

	// Packages are pip distributions to install before running.
	Packages []string
}

// ExecutionResult is the outcome of one run.
type ExecutionResult struct {
	RunID  string
	Stdout string
	Stderr string

	// ExitCode is nil when the process was killed (timeout or signal) or
	// never reported a status.
	ExitCode *int

	Duration time.Duration
	TimedOut bool
	Mode     execmode.Mode

	// Isolation is the target actually used.
	Isolation Isolation
	// FellBack is set when Container was requested but Host was used.
	FellBack bool

	Interpreter string
	Container   string

	// Installed lists packages installed for this run. InstallError holds a
	// failed install; the run still proceeds.
	Installed    []string
	InstallError string

	// States is the orchestrator state trace for this run.
	States []State
}

// Success reports whether the program ran to completion with status 0.
func (r *ExecutionResult) Success() bool {
	return r != nil && r.ExitCode != nil && *r.ExitCode == 0
}

// State is a step of the orchestrator lifecycle.
type State int

const (
	StateIdle State = iota
	StatePreparing
	StateRunning
	StateCleaning
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePreparing:
		return "preparing"
	case StateRunning:
		return "running"
	case StateCleaning:
		return "cleaning"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == StateDone || s == StateFailed }

func intPtr(v int) *int { return &v }

// TimeoutError returns an *ExecutionError of kind Timeout when the run was
// killed by the watchdog, and nil otherwise.
func (r *ExecutionResult) TimeoutError() error {
	if r == nil || !r.TimedOut {
		return nil
	}
	return &ExecutionError{
		Kind:    Timeout,
		Program: r.Interpreter,
		Err:     fmt.Errorf("timed out after %s", r.Duration.Round(time.Second)),
	}
}
