package sandbox

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/zeebo/blake3"
)

// ErrScriptNotFound is returned by Resolve for unknown scripts.
var ErrScriptNotFound = errors.New("script not found")

// Script is a program written to disk.
type Script struct {
	Path   string
	Name   string
	Digest string // BLAKE3-256, hex.
}

// ScriptInfo describes a stored script.
type ScriptInfo struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// ScriptStore writes generated programs as script_YYYYMMDD_HHMMSS.py into
// one directory.
type ScriptStore struct {
	dir string
	now func() time.Time

	mu   sync.Mutex
	last Script
}

// NewScriptStore creates the directory if needed.
func NewScriptStore(dir string) (*ScriptStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating script dir: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving script dir: %w", err)
	}
	return &ScriptStore{dir: abs, now: time.Now}, nil
}

// Dir returns the absolute script directory.
func (s *ScriptStore) Dir() string { return s.dir }

// Digest returns the hex BLAKE3-256 of code.
func Digest(code string) string {
	sum := blake3.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// Write stores code under a timestamped name. Writing the same code twice
// in a row returns the existing script instead of a copy.
func (s *ScriptStore) Write(code string) (Script, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	digest := Digest(code)
	if s.last.Digest == digest {
		if _, err := os.Stat(s.last.Path); err == nil {
			return s.last, nil
		}
	}

	base := "script_" + s.now().Format("20060102_150405")
	name := base + ".py"
	for i := 1; ; i++ {
		f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			name = fmt.Sprintf("%s_%d.py", base, i)
			continue
		}
		if err != nil {
			return Script{}, fmt.Errorf("creating script: %w", err)
		}
		if _, err := f.WriteString(code); err != nil {
			f.Close()
			return Script{}, fmt.Errorf("writing script: %w", err)
		}
		if err := f.Close(); err != nil {
			return Script{}, fmt.Errorf("closing script: %w", err)
		}
		break
	}

	s.last = Script{Path: filepath.Join(s.dir, name), Name: name, Digest: digest}
	return s.last, nil
}

// List returns the stored .py files, newest first.
func (s *ScriptStore) List() ([]ScriptInfo, error) {
	fsys := os.DirFS(s.dir)
	matches, err := doublestar.Glob(fsys, "**/*.py")
	if err != nil {
		return nil, fmt.Errorf("listing scripts: %w", err)
	}
	out := make([]ScriptInfo, 0, len(matches))
	for _, m := range matches {
		info, err := fs.Stat(fsys, m)
		if err != nil || info.IsDir() {
			continue
		}
		out = append(out, ScriptInfo{
			Name:    m,
			Path:    filepath.Join(s.dir, filepath.FromSlash(m)),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ModTime.Equal(out[j].ModTime) {
			return out[i].Name > out[j].Name
		}
		return out[i].ModTime.After(out[j].ModTime)
	})
	return out, nil
}

// Resolve maps a user-supplied name to a script path inside the store.
// Bare names, names without ".py", and paths already inside the directory
// are accepted; anything escaping the directory is rejected.
func (s *ScriptStore) Resolve(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrScriptNotFound
	}
	var candidate string
	if filepath.IsAbs(name) {
		candidate = filepath.Clean(name)
	} else if p := filepath.Clean(name); strings.HasPrefix(p, filepath.Base(s.dir)+string(filepath.Separator)) {
		candidate = filepath.Join(filepath.Dir(s.dir), p)
	} else {
		candidate = filepath.Join(s.dir, p)
	}
	if !strings.HasSuffix(candidate, ".py") {
		candidate += ".py"
	}

	rel, err := filepath.Rel(s.dir, candidate)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s is outside %s", ErrScriptNotFound, name, s.dir)
	}
	if info, err := os.Stat(candidate); err != nil || info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrScriptNotFound, name)
	}
	return candidate, nil
}

// Prune removes scripts last modified more than maxAge ago and returns how
// many were removed.
func (s *ScriptStore) Prune(maxAge time.Duration) (int, error) {
	scripts, err := s.List()
	if err != nil {
		return 0, err
	}
	cutoff := s.now().Add(-maxAge)
	removed := 0
	for _, sc := range scripts {
		if !sc.ModTime.Before(cutoff) {
			continue
		}
		if err := os.Remove(sc.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, fmt.Errorf("removing %s: %w", sc.Name, err)
		}
		removed++
	}
	return removed, nil
}

// Copy writes the script at src to dst (used by /save).
func Copy(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("reading %s: %w", src, err)
	}
	if dir := filepath.Dir(dst); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", dst, err)
	}
	return nil
}
