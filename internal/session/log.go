package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// Log tags.
const (
	TagAPIRequest       = "API REQUEST"
	TagAPIResponse      = "API RESPONSE"
	TagExecutionSuccess = "EXECUTION SUCCESS"
	TagExecutionFailed  = "EXECUTION FAILED"
	TagError            = "ERROR"
)

// responsePreview is how much of a model response is kept in the log.
const responsePreview = 200

// Log appends timestamped lines to a per-session text file. Each line is
// "[YYYY-MM-DD HH:MM:SS] TAG: text". Safe for concurrent use.
type Log struct {
	mu   sync.Mutex
	path string
	file *os.File
	now  func() time.Time
}

// OpenLog creates dir if needed and opens session_YYYYMMDD_HHMMSS.log in
// append-only mode.
func OpenLog(dir string) (*Log, error) {
	return openLog(dir, time.Now)
}

func openLog(dir string, now func() time.Time) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating log dir %s: %w", dir, err)
	}
	path := filepath.Join(dir, "session_"+now().Format("20060102_150405")+".log")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening session log %s: %w", path, err)
	}
	return &Log{path: path, file: f, now: now}, nil
}

// Path returns the log file path.
func (l *Log) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Write appends one tagged line. A nil Log discards.
func (l *Log) Write(tag, text string) error {
	if l == nil {
		return nil
	}
	line := fmt.Sprintf("[%s] %s: %s\n", l.now().Format("2006-01-02 15:04:05"), tag, text)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return os.ErrClosed
	}
	if _, err := l.file.WriteString(line); err != nil {
		return fmt.Errorf("writing session log: %w", err)
	}
	return nil
}

// Request logs a prompt sent to the model.
func (l *Log) Request(prompt string) error { return l.Write(TagAPIRequest, prompt) }

// Response logs a preview of the model's answer.
func (l *Log) Response(body string) error { return l.Write(TagAPIResponse, preview(body)) }

// Execution logs the outcome of a run.
func (l *Log) Execution(success bool, output string) error {
	if success {
		return l.Write(TagExecutionSuccess, output)
	}
	return l.Write(TagExecutionFailed, output)
}

// Error logs a failure.
func (l *Log) Error(err error) error {
	if err == nil {
		return nil
	}
	return l.Write(TagError, err.Error())
}

// Close closes the file. Further writes return os.ErrClosed.
func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// preview cuts s to responsePreview bytes on a rune boundary.
func preview(s string) string {
	if len(s) <= responsePreview {
		return s
	}
	cut := responsePreview
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return strings.TrimRight(s[:cut], "\n") + "..."
}
