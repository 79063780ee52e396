package cli

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/jkaninda/pymakebot/internal/analysis"
	"github.com/jkaninda/pymakebot/internal/conversation"
	"github.com/jkaninda/pymakebot/internal/llm"
	"github.com/jkaninda/pymakebot/internal/pipeline"
	"github.com/jkaninda/pymakebot/internal/sandbox"
	"github.com/jkaninda/pymakebot/internal/session"
)

// script feeds queued lines to the REPL, then reports EOF.
type script struct {
	mu      sync.Mutex
	lines   []string
	prompts []string
	history []string
}

func (s *script) Prompt(p string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, p)
	if len(s.lines) == 0 {
		return "", io.EOF
	}
	line := s.lines[0]
	s.lines = s.lines[1:]
	return line, nil
}

func (s *script) AppendHistory(item string) { s.history = append(s.history, item) }
func (s *script) Close() error              { return nil }

type fakeProvider struct {
	replies []string
	reqs    []*llm.Request
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) SendMessage(_ context.Context, req *llm.Request) (*llm.Response, error) {
	f.reqs = append(f.reqs, req)
	content := "```python\nprint('default')\n```"
	if len(f.replies) > 0 {
		content, f.replies = f.replies[0], f.replies[1:]
	}
	return &llm.Response{Content: content, Attempts: 1}, nil
}

func (f *fakeProvider) lastUserMessage() string {
	if len(f.reqs) == 0 {
		return ""
	}
	msgs := f.reqs[len(f.reqs)-1].Messages
	return msgs[len(msgs)-1].Content
}

type fakeRunner struct {
	results []*sandbox.ExecutionResult
	got     []sandbox.ExecutionRequest
}

func (f *fakeRunner) Run(_ context.Context, req sandbox.ExecutionRequest) (*sandbox.ExecutionResult, error) {
	f.got = append(f.got, req)
	res := &sandbox.ExecutionResult{ExitCode: exit(0)}
	if len(f.results) > 0 {
		res, f.results = f.results[0], f.results[1:]
	}
	res.Mode = req.Mode
	return res, nil
}

func exit(code int) *int { return &code }

func fenced(code string) string { return "```python\n" + code + "\n```" }

type harness struct {
	gw       *Gateway
	in       *script
	out      *bytes.Buffer
	provider *fakeProvider
	runner   *fakeRunner
	pipeline *pipeline.Pipeline
	dir      string
}

func newHarness(t *testing.T, opts Options, lines ...string) *harness {
	t.Helper()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := sandbox.NewScriptStore(filepath.Join(dir, "generated"))
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{
		in:       &script{lines: lines},
		out:      &bytes.Buffer{},
		provider: &fakeProvider{},
		runner:   &fakeRunner{},
		dir:      dir,
	}
	noTools := func(string) (string, error) { return "", os.ErrNotExist }
	h.pipeline = pipeline.New(pipeline.Deps{
		Client:   conversation.NewClient(h.provider, conversation.Settings{}, logger),
		Session:  session.New(20, nil),
		Store:    store,
		Analyzer: analysis.New(logger, analysis.WithLookPath(noTools)),
		Runner:   h.runner,
	}, pipeline.Options{Python: "python3"}, logger)

	opts.Input = h.in
	opts.Output = h.out
	if opts.IsTerminal == nil {
		opts.IsTerminal = func() bool { return false }
	}
	h.gw = NewGateway(h.pipeline, opts, logger)
	return h
}

func (h *harness) run(t *testing.T) string {
	t.Helper()
	if err := h.gw.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return h.out.String()
}

func TestGenerateAndExecute(t *testing.T) {
	h := newHarness(t, Options{}, "print a greeting", "y")
	h.provider.replies = []string{fenced("print('hi')")}
	h.runner.results = []*sandbox.ExecutionResult{{Stdout: "hi\n", ExitCode: exit(0)}}

	out := h.run(t)

	if len(h.runner.got) != 1 {
		t.Fatalf("runner called %d times, want 1", len(h.runner.got))
	}
	for _, want := range []string{"Generated Code", "print('hi')", "Saved to", "Output", "hi", "Execution completed", "Session Statistics", "Total requests: 1", "Success rate: 100.0%"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if !slices.Equal(h.in.history, []string{"print a greeting"}) {
		t.Errorf("history = %v, confirmations must not be recorded", h.in.history)
	}
}

func TestDeclineExecution(t *testing.T) {
	h := newHarness(t, Options{}, "print a greeting", "n")
	h.provider.replies = []string{fenced("print('hi')")}

	out := h.run(t)

	if len(h.runner.got) != 0 {
		t.Fatalf("runner called %d times, want 0", len(h.runner.got))
	}
	if !strings.Contains(out, "Skipped") {
		t.Errorf("output missing skip notice:\n%s", out)
	}
}

func TestDependencyPrompt(t *testing.T) {
	code := fenced("import requests\nprint(requests.__version__)")

	t.Run("declined", func(t *testing.T) {
		h := newHarness(t, Options{}, "fetch", "y", "n")
		h.provider.replies = []string{code}
		h.run(t)
		if len(h.runner.got) != 1 {
			t.Fatalf("runner called %d times", len(h.runner.got))
		}
		if len(h.runner.got[0].Packages) != 0 {
			t.Errorf("Packages = %v, want none", h.runner.got[0].Packages)
		}
	})

	t.Run("auto install", func(t *testing.T) {
		h := newHarness(t, Options{AutoInstall: true}, "fetch", "y")
		h.provider.replies = []string{code}
		out := h.run(t)
		if len(h.runner.got) != 1 {
			t.Fatalf("runner called %d times", len(h.runner.got))
		}
		if !slices.Equal(h.runner.got[0].Packages, []string{"requests"}) {
			t.Errorf("Packages = %v, want [requests]", h.runner.got[0].Packages)
		}
		if !strings.Contains(out, "Installing automatically") {
			t.Errorf("output missing auto-install notice:\n%s", out)
		}
	})
}

func TestRuntimeRefineAndRerun(t *testing.T) {
	h := newHarness(t, Options{}, "divide", "y", "y", "y")
	h.provider.replies = []string{fenced("print(1/0)"), fenced("print(1)")}
	h.runner.results = []*sandbox.ExecutionResult{
		{Stderr: "ZeroDivisionError: division by zero\n", ExitCode: exit(1)},
		{Stdout: "1\n", ExitCode: exit(0)},
	}

	out := h.run(t)

	if len(h.runner.got) != 2 {
		t.Fatalf("runner called %d times, want 2", len(h.runner.got))
	}
	if msg := h.provider.lastUserMessage(); !strings.Contains(msg, "ZeroDivisionError") {
		t.Errorf("refine prompt = %q, want the stderr included", msg)
	}
	if !strings.Contains(out, "Execution failed with exit code 1") || !strings.Contains(out, "Execution completed") {
		t.Errorf("unexpected output:\n%s", out)
	}
	stats := h.pipeline.Session().Metrics.Snapshot()
	if stats.TotalRequests != 2 || stats.SuccessfulExecutions != 1 || stats.FailedExecutions != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestInteractiveAnnouncement(t *testing.T) {
	h := newHarness(t, Options{}, "ask my name", "y")
	h.provider.replies = []string{fenced("name = input('Name: ')\nprint(name)")}
	h.runner.results = []*sandbox.ExecutionResult{{}}

	out := h.run(t)

	if len(h.runner.got) != 1 {
		t.Fatalf("runner called %d times", len(h.runner.got))
	}
	if got := h.runner.got[0].Mode.String(); got != "interactive" {
		t.Errorf("mode = %s, want interactive", got)
	}
	for _, want := range []string{"Running interactively", "not a terminal", "Program finished"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestCommands(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "saved.py")
	h := newHarness(t, Options{Provider: ProviderInfo{Name: "ollama", Model: "codellama", Endpoint: "http://localhost:11434"}},
		"/help",
		"/provider",
		"/refine make it faster",
		"print a greeting", "n",
		"/save "+dst,
		"/list",
		"/history",
		"/stats",
		"/bogus",
		"/clear",
		"/history",
		"/quit",
		"never read",
	)
	h.provider.replies = []string{fenced("print('hi')")}

	out := h.run(t)

	for _, want := range []string{
		"/refine <instruction>",
		"Provider: ollama",
		"Model:    codellama",
		"Nothing to refine yet",
		"Saved to " + dst,
		"NAME",
		"[1] You:",
		"[2] Model:",
		"Unknown command /bogus",
		"Conversation history cleared",
		"No conversation yet",
		"Goodbye.",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q", want)
		}
	}
	data, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("saved file: %v", err)
	}
	if strings.TrimSpace(string(data)) != "print('hi')" {
		t.Errorf("saved = %q", data)
	}
	if len(h.in.lines) != 1 {
		t.Errorf("REPL kept reading after /quit")
	}
}

func TestRunStoredScript(t *testing.T) {
	h := newHarness(t, Options{}, "/run missing.py", "/run")
	out := h.run(t)
	if !strings.Contains(out, "Cannot run missing.py") || !strings.Contains(out, "Usage: /run <script>") {
		t.Errorf("unexpected output:\n%s", out)
	}

	stored, err := h.pipeline.Store().Write("print('stored')\n")
	if err != nil {
		t.Fatal(err)
	}
	h.in.lines = []string{"/run " + stored.Name, "y"}
	h.out.Reset()
	h.run(t)
	if len(h.runner.got) != 1 || h.runner.got[0].ScriptPath != stored.Path {
		t.Fatalf("runner got %+v, want %s", h.runner.got, stored.Path)
	}
}

func TestStop(t *testing.T) {
	h := newHarness(t, Options{}, "never read")
	if err := h.gw.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := h.gw.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	out := h.run(t)
	if !strings.Contains(out, "Shutting down") {
		t.Errorf("output = %q", out)
	}
	if len(h.in.lines) != 1 {
		t.Error("prompt was read after Stop")
	}
}

func TestHighlightKeepsSource(t *testing.T) {
	out := highlight("print('x')")
	if !strings.Contains(out, "print") || !strings.Contains(out, "\x1b[") {
		t.Errorf("highlight = %q", out)
	}
	if got := newStyles(false).err.Render("plain"); got != "plain" {
		t.Errorf("disabled style rendered %q", got)
	}
}
