package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jkaninda/pymakebot/internal/execmode"
)

const (
	// maxOutputBytes caps stdout/stderr to prevent OOM from chatty programs.
	maxOutputBytes = 1 << 20 // 1 MB

	defaultPython  = "python3"
	fallbackPython = "python"

	// waitDelay bounds how long Wait blocks on pipes held open by
	// grandchildren after the process itself is gone.
	waitDelay = 2 * time.Second

	// InteractivePlaceholder stands in for stdout of an Interactive run.
	InteractivePlaceholder = "[Interactive mode - output displayed directly]"
)

// secretEnv never reaches a supervised program.
var secretEnv = []string{"HF_TOKEN", "LLM_API_KEY", "PYMAKEBOT_API_KEYS"}

// SupervisorConfig configures a Supervisor.
type SupervisorConfig struct {
	// Python is the primary interpreter name or path. Default "python3".
	Python string
	// Fallback is tried when Python does not resolve. Default "python".
	Fallback string

	// Terminal stdio for Interactive runs. Default os.Stdin/Stdout/Stderr.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// LookPath resolves executables. Default exec.LookPath.
	LookPath func(string) (string, error)
}

// Invocation is a resolved program to run.
type Invocation struct {
	Program string
	Args    []string
	Dir     string
	// Env replaces the mode's default environment when non-nil.
	Env []string
}

// Supervisor runs one program to completion, enforcing the Captured
// timeout with a watchdog that kills the whole process group.
type Supervisor struct {
	python   string
	fallback string
	stdin    io.Reader
	stdout   io.Writer
	stderr   io.Writer
	lookPath func(string) (string, error)
	logger   *slog.Logger
}

// NewSupervisor creates a Supervisor.
func NewSupervisor(cfg SupervisorConfig, logger *slog.Logger) *Supervisor {
	if cfg.Python == "" {
		cfg.Python = defaultPython
	}
	if cfg.Fallback == "" {
		cfg.Fallback = fallbackPython
	}
	if cfg.Stdin == nil {
		cfg.Stdin = os.Stdin
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	if cfg.LookPath == nil {
		cfg.LookPath = exec.LookPath
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Supervisor{
		python:   cfg.Python,
		fallback: cfg.Fallback,
		stdin:    cfg.Stdin,
		stdout:   cfg.Stdout,
		stderr:   cfg.Stderr,
		lookPath: cfg.LookPath,
		logger:   logger,
	}
}

// ResolveInterpreter returns the path of the primary interpreter, or of the
// fallback when the primary is absent.
func (s *Supervisor) ResolveInterpreter() (string, error) {
	for _, name := range []string{s.python, s.fallback} {
		if path, err := s.lookPath(name); err == nil {
			return path, nil
		}
	}
	return "", &ExecutionError{
		Kind:    InterpreterNotFound,
		Program: s.python + ", " + s.fallback,
	}
}

// Execute runs codePath with the resolved host interpreter.
func (s *Supervisor) Execute(ctx context.Context, codePath string, mode execmode.Mode, timeout time.Duration) (*ExecutionResult, error) {
	interp, err := s.ResolveInterpreter()
	if err != nil {
		return nil, err
	}
	return s.ExecuteWith(ctx, interp, codePath, mode, timeout)
}

// ExecuteWith runs codePath with a specific interpreter (e.g. a venv's).
func (s *Supervisor) ExecuteWith(ctx context.Context, interpreter, codePath string, mode execmode.Mode, timeout time.Duration) (*ExecutionResult, error) {
	abs, err := filepath.Abs(codePath)
	if err != nil {
		abs = codePath
	}
	return s.Run(ctx, Invocation{
		Program: interpreter,
		Args:    []string{abs},
		Dir:     filepath.Dir(abs),
	}, mode, timeout)
}

// Run starts inv and waits for it.
//
// Captured: stdin is closed, output is buffered (capped), and the program
// runs in its own process group. A non-zero timeout arms a watchdog; if it
// fires first the group is killed and the result has TimedOut set and a nil
// ExitCode. Interactive: stdio is the terminal and timeout is ignored.
//
// A non-zero exit is a result. Only a failure to start is an error.
func (s *Supervisor) Run(ctx context.Context, inv Invocation, mode execmode.Mode, timeout time.Duration) (*ExecutionResult, error) {
	if mode == execmode.Interactive {
		return s.runInteractive(ctx, inv)
	}
	return s.runCaptured(ctx, inv, timeout)
}

func (s *Supervisor) runCaptured(ctx context.Context, inv Invocation, timeout time.Duration) (*ExecutionResult, error) {
	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	cmd := exec.CommandContext(runCtx, inv.Program, inv.Args...)
	cmd.Dir = inv.Dir
	cmd.Env = inv.Env
	if cmd.Env == nil {
		cmd.Env = capturedEnv()
	}
	cmd.Stdin = nil // /dev/null

	// The child leads its own group so the watchdog reaches grandchildren.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = waitDelay

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}

	s.logger.InfoContext(ctx, "supervisor executing",
		slog.String("program", inv.Program),
		slog.Any("args", inv.Args),
		slog.String("mode", execmode.Captured.String()),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &ExecutionError{Kind: SpawnFailed, Program: inv.Program, Err: err}
	}
	waitErr := cmd.Wait()
	duration := time.Since(start)

	result := &ExecutionResult{
		Stdout:      stdoutBuf.String(),
		Stderr:      stderrBuf.String(),
		Duration:    duration,
		Mode:        execmode.Captured,
		Interpreter: inv.Program,
	}

	// Whichever finished first wins: a program that exited cleanly before
	// the kill landed is not a timeout.
	if waitErr != nil && timeout > 0 && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		result.TimedOut = true
		result.Stderr = appendLine(result.Stderr, timeoutNote(timeout))
		s.logger.WarnContext(ctx, "supervisor execution timed out",
			slog.String("program", inv.Program),
			slog.Duration("timeout", timeout),
			slog.Duration("duration", duration),
		)
		return result, nil
	}
	if waitErr != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}

	result.ExitCode = exitCode(cmd, waitErr)

	s.logger.InfoContext(ctx, "supervisor execution completed",
		slog.Any("exit_code", result.ExitCode),
		slog.Duration("duration", duration),
		slog.Int("stdout_bytes", stdoutBuf.Len()),
		slog.Int("stderr_bytes", stderrBuf.Len()),
	)
	return result, nil
}

func (s *Supervisor) runInteractive(ctx context.Context, inv Invocation) (*ExecutionResult, error) {
	cmd := exec.CommandContext(ctx, inv.Program, inv.Args...)
	cmd.Dir = inv.Dir
	cmd.Env = inv.Env
	if cmd.Env == nil {
		cmd.Env = interactiveEnv()
	}
	cmd.Stdin = s.stdin
	cmd.Stdout = s.stdout
	cmd.Stderr = s.stderr

	s.logger.InfoContext(ctx, "supervisor executing",
		slog.String("program", inv.Program),
		slog.Any("args", inv.Args),
		slog.String("mode", execmode.Interactive.String()),
	)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &ExecutionError{Kind: SpawnFailed, Program: inv.Program, Err: err}
	}
	waitErr := cmd.Wait()
	if waitErr != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}

	return &ExecutionResult{
		Stdout:      InteractivePlaceholder,
		ExitCode:    exitCode(cmd, waitErr),
		Duration:    time.Since(start),
		Mode:        execmode.Interactive,
		Interpreter: inv.Program,
	}, nil
}

// exitCode returns nil when the process was terminated by a signal.
func exitCode(cmd *exec.Cmd, waitErr error) *int {
	if waitErr == nil {
		return intPtr(0)
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return intPtr(code)
		}
		return nil
	}
	if cmd.ProcessState != nil && cmd.ProcessState.ExitCode() >= 0 {
		return intPtr(cmd.ProcessState.ExitCode())
	}
	return nil
}

func timeoutNote(timeout time.Duration) string {
	d := timeout.String()
	if timeout%time.Second == 0 {
		d = fmt.Sprintf("%d seconds", int(timeout/time.Second))
	}
	return fmt.Sprintf("Process timed out after %s. You can increase this with execution_timeout_secs in pymakebot.toml", d)
}

func appendLine(s, line string) string {
	if s == "" {
		return line
	}
	if !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	return s + line
}

// capturedEnv is a minimal environment. The caller's secrets and most of
// its environment are not inherited.
func capturedEnv() []string {
	path := os.Getenv("PATH")
	if path == "" {
		path = "/usr/local/bin:/usr/bin:/bin"
	}
	home := os.Getenv("HOME")
	if home == "" {
		home = os.TempDir()
	}
	return []string{
		"PATH=" + path,
		"HOME=" + home,
		"TMPDIR=" + os.TempDir(),
		"LANG=en_US.UTF-8",
		"TERM=dumb",
		"PYTHONUNBUFFERED=1",
		"PYTHONIOENCODING=utf-8",
		"MPLBACKEND=Agg",
	}
}

// interactiveEnv inherits the terminal session (DISPLAY, TERM, ...) minus
// credentials.
func interactiveEnv() []string {
	return filteredEnviron()
}

func filteredEnviron() []string {
	env := os.Environ()
	out := env[:0:0]
	for _, kv := range env {
		key, _, _ := strings.Cut(kv, "=")
		secret := false
		for _, s := range secretEnv {
			if key == s {
				secret = true
				break
			}
		}
		if !secret {
			out = append(out, kv)
		}
	}
	return out
}

// limitedWriter wraps a writer and discards everything past a byte limit.
// Writes always report full success so the copying goroutine keeps
// draining the pipe.
type limitedWriter struct {
	w         io.Writer
	remaining int
	truncated bool
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if lw.remaining <= 0 {
		lw.truncated = true
		return n, nil
	}
	if len(p) > lw.remaining {
		p = p[:lw.remaining]
		lw.truncated = true
	}
	written, err := lw.w.Write(p)
	lw.remaining -= written
	if err != nil {
		return written, err
	}
	return n, nil
}
