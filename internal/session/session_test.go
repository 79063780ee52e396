package session

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
)

func fixedClock() func() time.Time {
	t := time.Date(2026, 3, 14, 9, 26, 53, 0, time.Local)
	return func() time.Time { return t }
}

func TestMetrics_SuccessRate(t *testing.T) {
	m := NewMetrics()
	if m.SuccessRate() != 0 {
		t.Errorf("expected 0 with no requests, got %v", m.SuccessRate())
	}

	for i := 0; i < 5; i++ {
		m.RecordRequest()
	}
	for i := 0; i < 3; i++ {
		m.RecordExecution(true)
	}
	m.RecordExecution(false)
	m.RecordAPIError()

	if got := m.SuccessRate(); got != 60 {
		t.Errorf("expected 60%%, got %v", got)
	}
	s := m.Snapshot()
	if s.TotalRequests != 5 || s.SuccessfulExecutions != 3 || s.FailedExecutions != 1 || s.APIErrors != 1 {
		t.Errorf("unexpected snapshot %+v", s)
	}

	m.Reset()
	if m.Snapshot() != (Stats{}) {
		t.Errorf("expected zero stats after reset, got %+v", m.Snapshot())
	}
}

func TestMetrics_Register(t *testing.T) {
	m := NewMetrics()
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}
	m.RecordRequest()
	m.RecordRequest()
	m.RecordExecution(true)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	values := map[string]float64{}
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			if c := metric.GetCounter(); c != nil {
				values[f.GetName()] = c.GetValue()
			}
			if g := metric.GetGauge(); g != nil {
				values[f.GetName()] = g.GetValue()
			}
		}
	}
	if values["pymakebot_session_requests_total"] != 2 {
		t.Errorf("requests = %v, want 2", values["pymakebot_session_requests_total"])
	}
	if values["pymakebot_session_success_rate_percent"] != 50 {
		t.Errorf("success rate = %v, want 50", values["pymakebot_session_success_rate_percent"])
	}

	if err := m.Register(reg); err == nil {
		t.Error("expected duplicate registration to fail")
	}
}

func TestLog_Format(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	l, err := openLog(dir, fixedClock())
	if err != nil {
		t.Fatalf("openLog: %v", err)
	}
	if filepath.Base(l.Path()) != "session_20260314_092653.log" {
		t.Errorf("unexpected log name %q", l.Path())
	}

	_ = l.Request("make a snake game")
	_ = l.Response(strings.Repeat("x", 250))
	_ = l.Execution(true, "hello")
	_ = l.Execution(false, "Traceback")
	_ = l.Error(errors.New("boom"))
	_ = l.Error(nil)
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(l.Path())
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 5 {
		t.Fatalf("expected 5 lines, got %d:\n%s", len(lines), data)
	}
	want := []string{
		"[2026-03-14 09:26:53] API REQUEST: make a snake game",
		"[2026-03-14 09:26:53] API RESPONSE: " + strings.Repeat("x", 200) + "...",
		"[2026-03-14 09:26:53] EXECUTION SUCCESS: hello",
		"[2026-03-14 09:26:53] EXECUTION FAILED: Traceback",
		"[2026-03-14 09:26:53] ERROR: boom",
	}
	for i, w := range want {
		if lines[i] != w {
			t.Errorf("line %d:\nexpected %q\n     got %q", i, w, lines[i])
		}
	}

	if err := l.Write(TagError, "late"); !errors.Is(err, os.ErrClosed) {
		t.Errorf("expected ErrClosed after Close, got %v", err)
	}
}

func TestLog_NilDiscards(t *testing.T) {
	var l *Log
	if err := l.Request("x"); err != nil {
		t.Errorf("expected nil log to discard, got %v", err)
	}
	if l.Path() != "" || l.Close() != nil {
		t.Error("expected nil log accessors to be no-ops")
	}
}

func TestPreview_RuneBoundary(t *testing.T) {
	s := strings.Repeat("a", 199) + "é" + "tail"
	got := preview(s)
	if !strings.HasSuffix(got, "...") || !utf8.ValidString(got) {
		t.Errorf("preview split a rune: %q", got)
	}
	if preview("short") != "short" {
		t.Error("short text should be unchanged")
	}
}

func TestSession_LastAndClear(t *testing.T) {
	s := New(10, nil)
	if s.ID == "" {
		t.Fatal("expected a session ID")
	}
	s.SetLast("print(1)", "generated/script.py")
	if s.LastCode() != "print(1)" || s.LastScript() != "generated/script.py" {
		t.Errorf("unexpected last %q %q", s.LastCode(), s.LastScript())
	}
	s.Metrics.RecordRequest()

	s.Clear()
	if s.LastCode() != "" || s.History.Len() != 0 {
		t.Error("expected clear to reset code and history")
	}
	if s.Metrics.Snapshot().TotalRequests != 1 {
		t.Error("expected counters to survive clear")
	}
	if New(10, nil).ID == s.ID {
		t.Error("expected unique session IDs")
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestNewWithID(t *testing.T) {
	s := NewWithID("fixed-id", 4, nil)
	if s.ID != "fixed-id" {
		t.Errorf("expected fixed-id, got %q", s.ID)
	}
	if s.History.Max() != 4 {
		t.Errorf("expected history bound 4, got %d", s.History.Max())
	}
	if New(4, nil).ID == New(4, nil).ID {
		t.Error("expected distinct generated IDs")
	}
}
