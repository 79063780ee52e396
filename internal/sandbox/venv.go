package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// Venv is a throwaway virtual environment for one host run.
type Venv struct {
	Dir    string
	Python string
}

// CreateVenv runs "<python> -m venv" in a fresh temp directory.
func CreateVenv(ctx context.Context, python string) (*Venv, error) {
	dir, err := os.MkdirTemp("", "pymakebot-venv-*")
	if err != nil {
		return nil, fmt.Errorf("creating venv dir: %w", err)
	}
	cmd := exec.CommandContext(ctx, python, "-m", "venv", dir)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("python -m venv: %s: %w", strings.TrimSpace(out.String()), err)
	}

	py := filepath.Join(dir, "bin", "python")
	if runtime.GOOS == "windows" {
		py = filepath.Join(dir, "Scripts", "python.exe")
	}
	if _, err := os.Stat(py); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("venv interpreter missing: %w", err)
	}
	return &Venv{Dir: dir, Python: py}, nil
}

// Remove deletes the environment.
func (v *Venv) Remove() error {
	if v == nil || v.Dir == "" {
		return nil
	}
	return os.RemoveAll(v.Dir)
}
