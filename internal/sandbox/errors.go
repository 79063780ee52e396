package sandbox

import (
	"errors"
	"fmt"
)

var (
	// ErrInterpreterNotFound matches ExecutionError{Kind: InterpreterNotFound}.
	ErrInterpreterNotFound = errors.New("python interpreter not found")
	// ErrRuntimeUnavailable matches SandboxError{Kind: RuntimeUnavailable}.
	ErrRuntimeUnavailable = errors.New("container runtime unavailable")
)

// ExecutionErrorKind classifies a failure to run a program at all.
type ExecutionErrorKind int

const (
	InterpreterNotFound ExecutionErrorKind = iota + 1
	SpawnFailed
	// Timeout is never returned by Run; it is how a TimedOut result is
	// rendered as an error (see ExecutionResult.TimeoutError).
	Timeout
)

func (k ExecutionErrorKind) String() string {
	switch k {
	case InterpreterNotFound:
		return "interpreter_not_found"
	case SpawnFailed:
		return "spawn_failed"
	case Timeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// ExecutionError reports that the program could not be started. A program
// that starts and exits non-zero is a result, not an error.
type ExecutionError struct {
	Kind    ExecutionErrorKind
	Program string
	Err     error
}

func (e *ExecutionError) Error() string {
	switch e.Kind {
	case InterpreterNotFound:
		return fmt.Sprintf("no python interpreter found (tried %s)", e.Program)
	case Timeout:
		return fmt.Sprintf("%s: %v", e.Program, e.Err)
	}
	return fmt.Sprintf("failed to start %s: %v", e.Program, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

func (e *ExecutionError) Is(target error) bool {
	return target == ErrInterpreterNotFound && e.Kind == InterpreterNotFound
}

// SandboxErrorKind classifies a container-side failure.
type SandboxErrorKind int

const (
	RuntimeUnavailable SandboxErrorKind = iota + 1
	InstanceCreateFailed
)

func (k SandboxErrorKind) String() string {
	switch k {
	case RuntimeUnavailable:
		return "runtime_unavailable"
	case InstanceCreateFailed:
		return "instance_create_failed"
	default:
		return "unknown"
	}
}

// SandboxError reports that the isolated environment could not be provided.
type SandboxError struct {
	Kind SandboxErrorKind
	Err  error
}

func (e *SandboxError) Error() string {
	return fmt.Sprintf("sandbox %s: %v", e.Kind, e.Err)
}

func (e *SandboxError) Unwrap() error { return e.Err }

func (e *SandboxError) Is(target error) bool {
	return target == ErrRuntimeUnavailable && e.Kind == RuntimeUnavailable
}
