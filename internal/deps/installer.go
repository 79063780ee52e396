package deps

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// ErrNoPython is returned when no interpreter could run pip.
var ErrNoPython = errors.New("no python interpreter available for pip")

// InstallError reports a pip run that exited non-zero.
type InstallError struct {
	Python   string
	Packages []string
	Output   string
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("pip install %s failed with %s: %s",
		strings.Join(e.Packages, " "), e.Python, strings.TrimSpace(e.Output))
}

// Installer installs packages for a given interpreter. When pinned is set,
// python is the only acceptable target (a virtual environment) and no other
// interpreter may be tried in its place.
type Installer interface {
	Install(ctx context.Context, python string, packages []string, pinned bool) error
}

// HostInstaller runs "<python> -m pip install --quiet" on the host.
type HostInstaller struct {
	logger *slog.Logger
}

// NewHostInstaller creates a HostInstaller.
func NewHostInstaller(logger *slog.Logger) *HostInstaller {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &HostInstaller{logger: logger}
}

// Install tries python, then "python", stopping at the first interpreter
// that runs pip successfully. A pip failure from one interpreter does not
// stop the next from being tried; the last failure is returned. A pinned
// install only ever uses python.
func (h *HostInstaller) Install(ctx context.Context, python string, packages []string, pinned bool) error {
	if len(packages) == 0 {
		return nil
	}
	candidates := []string{python}
	if !pinned && python != "python" {
		candidates = append(candidates, "python")
	}

	var lastErr error = ErrNoPython
	for _, py := range candidates {
		if py == "" {
			continue
		}
		if _, err := exec.LookPath(py); err != nil {
			continue
		}
		args := append([]string{"-m", "pip", "install", "--quiet"}, packages...)
		cmd := exec.CommandContext(ctx, py, args...)
		var out bytes.Buffer
		cmd.Stdout = &out
		cmd.Stderr = &out

		h.logger.InfoContext(ctx, "installing packages",
			slog.String("python", py),
			slog.Any("packages", packages),
		)
		if err := cmd.Run(); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = &InstallError{Python: py, Packages: packages, Output: out.String()}
			h.logger.WarnContext(ctx, "pip install failed",
				slog.String("python", py),
				slog.String("error", err.Error()),
			)
			continue
		}
		return nil
	}
	return lastErr
}
