package deps

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"testing"
)

func TestScan(t *testing.T) {
	tests := []struct {
		name        string
		code        string
		detected    []string
		nonStandard []string
	}{
		{"simple", "import os\nimport sys", []string{"os", "sys"}, nil},
		{"from", "from pathlib import Path\nfrom os import path", []string{"os", "pathlib"}, nil},
		{
			"mixed",
			"import numpy\nfrom pandas import DataFrame\nimport requests",
			[]string{"numpy", "pandas", "requests"},
			[]string{"numpy", "pandas", "requests"},
		},
		{"duplicates", "import os\nfrom os import path\nimport os", []string{"os"}, nil},
		{"comments", "# import fake\nimport real\n# from fake import test", []string{"real"}, []string{"real"}},
		{"dotted", "import matplotlib.pyplot as plt\nfrom xml.etree import ElementTree", []string{"matplotlib", "xml"}, []string{"matplotlib"}},
		{"indented", "def f():\n    import yaml\n    return yaml", []string{"yaml"}, []string{"yaml"}},
		{"numpy only", "import numpy", []string{"numpy"}, []string{"numpy"}},
		{"none", "print('hi')", nil, nil},
		{"relative from is ignored", "from . import sibling", nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Scan(tt.code)
			if !slices.Equal(p.Detected, tt.detected) {
				t.Errorf("Detected = %v, want %v", p.Detected, tt.detected)
			}
			if !slices.Equal(p.NonStandard, tt.nonStandard) {
				t.Errorf("NonStandard = %v, want %v", p.NonStandard, tt.nonStandard)
			}
		})
	}
}

func TestScan_NoSideEffects(t *testing.T) {
	code := "import numpy\nimport os"
	a, b := Scan(code), Scan(code)
	if !slices.Equal(a.NonStandard, b.NonStandard) || !slices.Equal(a.Detected, b.Detected) {
		t.Error("Scan is not deterministic")
	}
}

func TestIsStdlib(t *testing.T) {
	for _, m := range []string{"os", "sys", "json", "datetime", "pathlib", "__future__", "_thread"} {
		if !IsStdlib(m) {
			t.Errorf("expected %q to be stdlib", m)
		}
	}
	for _, m := range []string{"numpy", "pandas", "requests", "flask", "django", "pygame"} {
		if IsStdlib(m) {
			t.Errorf("expected %q not to be stdlib", m)
		}
	}
}

func TestPlan_Packages(t *testing.T) {
	p := Scan("import cv2\nfrom PIL import Image\nimport numpy\nimport yaml")
	want := []string{"numpy", "opencv-python", "pillow", "pyyaml"}
	if got := p.Packages(); !slices.Equal(got, want) {
		t.Errorf("Packages() = %v, want %v", got, want)
	}
	if p.Empty() {
		t.Error("expected non-empty plan")
	}
	if !Scan("import os").Empty() {
		t.Error("expected stdlib-only plan to be empty")
	}
}

func TestHostInstaller_NoPackages(t *testing.T) {
	if err := NewHostInstaller(nil).Install(context.Background(), "python3", nil, false); err != nil {
		t.Errorf("expected nil for empty package list, got %v", err)
	}
}

func TestHostInstaller_NoInterpreter(t *testing.T) {
	t.Setenv("PATH", t.TempDir())
	err := NewHostInstaller(nil).Install(context.Background(), "python3", []string{"numpy"}, false)
	if !errors.Is(err, ErrNoPython) {
		t.Errorf("expected ErrNoPython, got %v", err)
	}
}

// pipStubs puts a "python" on PATH that records being run, and returns a
// separate interpreter whose pip always fails.
func pipStubs(t *testing.T) (failing, marker string) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available, skipping")
	}
	binDir := t.TempDir()
	marker = filepath.Join(t.TempDir(), "host-pip-ran")
	host := "#!/bin/sh\ntouch " + marker + "\n"
	if err := os.WriteFile(filepath.Join(binDir, "python"), []byte(host), 0o755); err != nil {
		t.Fatalf("write host python: %v", err)
	}
	failing = filepath.Join(t.TempDir(), "python")
	if err := os.WriteFile(failing, []byte("#!/bin/sh\nexit 1\n"), 0o755); err != nil {
		t.Fatalf("write failing python: %v", err)
	}
	t.Setenv("PATH", binDir+string(os.PathListSeparator)+os.Getenv("PATH"))
	return failing, marker
}

func TestHostInstaller_PinnedNeverFallsBack(t *testing.T) {
	failing, marker := pipStubs(t)

	err := NewHostInstaller(nil).Install(context.Background(), failing, []string{"requests"}, true)
	var ie *InstallError
	if !errors.As(err, &ie) || ie.Python != failing {
		t.Fatalf("expected install error from %s, got %v", failing, err)
	}
	if _, err := os.Stat(marker); err == nil {
		t.Error("expected host python to be left alone")
	}
}

func TestHostInstaller_UnpinnedFallsBack(t *testing.T) {
	failing, marker := pipStubs(t)

	if err := NewHostInstaller(nil).Install(context.Background(), failing, []string{"requests"}, false); err != nil {
		t.Fatalf("expected fallback to succeed, got %v", err)
	}
	if _, err := os.Stat(marker); err != nil {
		t.Errorf("expected host python to run pip: %v", err)
	}
}
