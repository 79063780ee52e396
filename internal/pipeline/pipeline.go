// Package pipeline is the generate → check → run flow shared by the REPL,
// the one-shot commands, and the dashboard. It keeps the session counters
// and log in step with every generation and execution.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jkaninda/pymakebot/internal/analysis"
	"github.com/jkaninda/pymakebot/internal/conversation"
	"github.com/jkaninda/pymakebot/internal/deps"
	"github.com/jkaninda/pymakebot/internal/execmode"
	"github.com/jkaninda/pymakebot/internal/extract"
	"github.com/jkaninda/pymakebot/internal/observability"
	"github.com/jkaninda/pymakebot/internal/sandbox"
	"github.com/jkaninda/pymakebot/internal/session"
)

// ErrNoCode is returned when there is no program to prepare.
var ErrNoCode = errors.New("no python code to run")

// Options are the per-process pipeline settings taken from config.
type Options struct {
	Python    string // Interpreter used for the syntax check.
	Lint      bool
	Security  bool
	Isolation sandbox.Isolation
	Timeout   time.Duration // Captured runs only.
}

// Deps are the collaborators a Pipeline drives. Publisher and Metrics may
// be nil.
type Deps struct {
	Client    *conversation.Client
	Session   *session.Session
	Store     *sandbox.ScriptStore
	Analyzer  *analysis.Analyzer
	Runner    sandbox.Runner
	Publisher Publisher
	Metrics   *observability.MetricsCollector
}

// Pipeline is not safe for concurrent actions; callers serialize them.
type Pipeline struct {
	client    *conversation.Client
	session   *session.Session
	store     *sandbox.ScriptStore
	analyzer  *analysis.Analyzer
	runner    sandbox.Runner
	publisher Publisher
	metrics   *observability.MetricsCollector
	opts      Options
	logger    *slog.Logger
}

// New creates a Pipeline.
func New(d Deps, opts Options, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if d.Analyzer == nil {
		d.Analyzer = analysis.New(logger)
	}
	return &Pipeline{
		client:    d.Client,
		session:   d.Session,
		store:     d.Store,
		analyzer:  d.Analyzer,
		runner:    d.Runner,
		publisher: d.Publisher,
		metrics:   d.Metrics,
		opts:      opts,
		logger:    logger,
	}
}

func (p *Pipeline) Session() *session.Session        { return p.session }
func (p *Pipeline) Store() *sandbox.ScriptStore      { return p.store }
func (p *Pipeline) Client() *conversation.Client     { return p.client }
func (p *Pipeline) Analyzer() *analysis.Analyzer     { return p.analyzer }
func (p *Pipeline) Options() Options                 { return p.opts }
func (p *Pipeline) SetIsolation(i sandbox.Isolation) { p.opts.Isolation = i }

// Generation is a model answer with the program extracted from it.
type Generation struct {
	Reply *conversation.Reply
	Code  string
	// NoCode is set when the answer held no program; Code is then the
	// placeholder text.
	NoCode bool
}

// Generate sends prompt as a new request.
func (p *Pipeline) Generate(ctx context.Context, prompt string) (*Generation, error) {
	return p.generate(ctx, prompt, func() (*conversation.Reply, error) {
		return p.client.Generate(ctx, p.session.History, prompt)
	})
}

// Refine asks the model to revise the previous program.
func (p *Pipeline) Refine(ctx context.Context, instruction string) (*Generation, error) {
	return p.generate(ctx, "refine: "+instruction, func() (*conversation.Reply, error) {
		return p.client.Refine(ctx, p.session.History, instruction)
	})
}

// AutoRefine sends the fixed repair prompt for kind with the tool output in
// details.
func (p *Pipeline) AutoRefine(ctx context.Context, kind RefineKind, details string) (*Generation, error) {
	prompt := RefinePrompt(kind, details)
	p.logger.InfoContext(ctx, "auto-refine", slog.String("kind", kind.String()))
	return p.generate(ctx, prompt, func() (*conversation.Reply, error) {
		return p.client.Send(ctx, p.session.History, prompt)
	})
}

func (p *Pipeline) generate(ctx context.Context, logged string, call func() (*conversation.Reply, error)) (*Generation, error) {
	if p.client == nil {
		return nil, errors.New("no model client configured")
	}
	p.session.Metrics.RecordRequest()
	p.logWrite(p.session.Log.Request(logged))

	reply, err := call()
	if err != nil {
		if !errors.Is(err, conversation.ErrEmptyPrompt) {
			p.session.Metrics.RecordAPIError()
		}
		p.logWrite(p.session.Log.Error(err))
		p.publish(Event{Type: EventError, Content: err.Error()})
		return nil, err
	}
	p.logWrite(p.session.Log.Response(reply.Text))

	code := extract.Code(reply.Text)
	gen := &Generation{Reply: reply, Code: code, NoCode: extract.IsPlaceholder(code)}
	if !gen.NoCode {
		p.session.SetLast(code, "")
	}
	p.publish(Event{Type: EventGeneration, Content: code})
	return gen, nil
}

// Prepared is a program on disk with every pre-run check done.
type Prepared struct {
	Code   string
	Script sandbox.Script

	// SyntaxErr is a *analysis.SyntaxError when the program does not compile.
	SyntaxErr error

	Lint        *analysis.LintResult // nil when skipped or unavailable.
	LintErr     error
	Security    *analysis.SecurityResult // nil when skipped or unavailable.
	SecurityErr error

	Plan   deps.Plan
	Mode   execmode.Mode
	Marker string // Interactive marker that decided Mode.
}

// Packages returns the pip names of the third-party imports.
func (pr *Prepared) Packages() []string { return pr.Plan.Packages() }

// Prepare writes code to the script store and runs the static checks.
// Check failures are reported on Prepared, not as errors.
func (p *Pipeline) Prepare(ctx context.Context, code string) (*Prepared, error) {
	if strings.TrimSpace(code) == "" || extract.IsPlaceholder(code) {
		return nil, ErrNoCode
	}
	script, err := p.store.Write(code)
	if err != nil {
		return nil, err
	}
	p.session.SetLast(code, script.Path)
	p.logger.InfoContext(ctx, "script saved", slog.String("path", script.Path), slog.String("digest", script.Digest))
	return p.check(ctx, code, script), nil
}

// Load prepares an existing script, resolved inside the script store.
func (p *Pipeline) Load(ctx context.Context, name string) (*Prepared, error) {
	path, err := p.store.Resolve(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading script: %w", err)
	}
	code := string(data)
	if strings.TrimSpace(code) == "" {
		return nil, ErrNoCode
	}
	script := sandbox.Script{Path: path, Name: filepath.Base(path), Digest: sandbox.Digest(code)}
	p.session.SetLast(code, path)
	return p.check(ctx, code, script), nil
}

func (p *Pipeline) check(ctx context.Context, code string, script sandbox.Script) *Prepared {
	pr := &Prepared{Code: code, Script: script, Plan: deps.Scan(code)}
	pr.Mode, pr.Marker = execmode.ClassifyWithReason(code)

	if err := p.analyzer.SyntaxCheck(ctx, p.opts.Python, script.Path); err != nil {
		if errors.Is(err, analysis.ErrToolUnavailable) {
			p.logger.WarnContext(ctx, "syntax check skipped", slog.String("error", err.Error()))
			p.metrics.RecordCheck("syntax", "unavailable")
		} else {
			pr.SyntaxErr = err
			p.metrics.RecordCheck("syntax", "failed")
		}
	} else {
		p.metrics.RecordCheck("syntax", "passed")
	}

	if p.opts.Lint && pr.SyntaxErr == nil {
		pr.Lint, pr.LintErr = p.lintPath(ctx, script.Path)
	}
	if p.opts.Security && pr.SyntaxErr == nil {
		pr.Security, pr.SecurityErr = p.scanPath(ctx, script.Path)
	}
	return pr
}

func (p *Pipeline) lintPath(ctx context.Context, path string) (*analysis.LintResult, error) {
	res, err := p.analyzer.Lint(ctx, path)
	switch {
	case errors.Is(err, analysis.ErrToolUnavailable):
		p.logger.WarnContext(ctx, "linter unavailable", slog.String("error", err.Error()))
		p.metrics.RecordCheck("lint", "unavailable")
	case err != nil:
		p.logger.WarnContext(ctx, "lint failed", slog.String("error", err.Error()))
		p.metrics.RecordCheck("lint", "unavailable")
	case res.Passed:
		p.metrics.RecordCheck("lint", "passed")
	default:
		p.metrics.RecordCheck("lint", "failed")
	}
	return res, err
}

func (p *Pipeline) scanPath(ctx context.Context, path string) (*analysis.SecurityResult, error) {
	res, err := p.analyzer.SecurityScan(ctx, path)
	switch {
	case err != nil:
		p.logger.WarnContext(ctx, "security scan unavailable", slog.String("error", err.Error()))
		p.metrics.RecordCheck("security", "unavailable")
	case res.Passed:
		p.metrics.RecordCheck("security", "passed")
	default:
		p.metrics.RecordCheck("security", "failed")
	}
	return res, err
}

// LintCode lints code without saving it to the script store.
func (p *Pipeline) LintCode(ctx context.Context, code string) (*analysis.LintResult, error) {
	path, cleanup, err := tempScript(code)
	if err != nil {
		return nil, err
	}
	defer cleanup()
	return p.lintPath(ctx, path)
}

// ScanCode runs the security scan on code without saving it.
func (p *Pipeline) ScanCode(ctx context.Context, code string) (*analysis.SecurityResult, error) {
	path, cleanup, err := tempScript(code)
	if err != nil {
		return nil, err
	}
	defer cleanup()
	return p.scanPath(ctx, path)
}

func tempScript(code string) (string, func(), error) {
	if strings.TrimSpace(code) == "" {
		return "", nil, ErrNoCode
	}
	dir, err := os.MkdirTemp("", "pymakebot-check-*")
	if err != nil {
		return "", nil, fmt.Errorf("creating temp dir: %w", err)
	}
	path := filepath.Join(dir, "check.py")
	if err := os.WriteFile(path, []byte(code), 0o644); err != nil {
		os.RemoveAll(dir)
		return "", nil, fmt.Errorf("writing temp script: %w", err)
	}
	return path, func() { os.RemoveAll(dir) }, nil
}

// RunOptions tune one execution.
type RunOptions struct {
	// Install installs the program's third-party imports first.
	Install bool
	// Captured forces Captured mode regardless of classification.
	Captured bool
}

// Execute runs a prepared program through the configured runner and records
// the outcome. A non-nil error means the program could not be run at all.
func (p *Pipeline) Execute(ctx context.Context, pr *Prepared, ro RunOptions) (*sandbox.ExecutionResult, error) {
	if p.runner == nil {
		return nil, errors.New("no runner configured")
	}
	mode := pr.Mode
	if ro.Captured {
		mode = execmode.Captured
	}
	req := sandbox.ExecutionRequest{
		ScriptPath: pr.Script.Path,
		Mode:       mode,
		Timeout:    p.opts.Timeout,
		Isolation:  p.opts.Isolation,
	}
	if ro.Install {
		req.Packages = pr.Packages()
	}

	p.publish(Event{Type: EventExecutionStarted, Content: fmt.Sprintf("%s (%s, %s)", pr.Script.Name, mode, p.opts.Isolation)})
	p.logger.InfoContext(ctx, "executing script",
		slog.String("script", pr.Script.Path),
		slog.String("mode", mode.String()),
		slog.String("isolation", p.opts.Isolation.String()),
		slog.Any("packages", req.Packages),
	)

	res, err := p.runner.Run(ctx, req)
	if err != nil {
		p.session.Metrics.RecordExecution(false)
		p.logWrite(p.session.Log.Error(err))
		p.publish(Event{Type: EventExecutionFinished, Content: "error: " + err.Error()})
		return nil, err
	}

	if res.Stdout != "" {
		p.publish(Event{Type: EventOutput, RunID: res.RunID, Stream: "stdout", Content: res.Stdout})
	}
	if res.Stderr != "" {
		p.publish(Event{Type: EventOutput, RunID: res.RunID, Stream: "stderr", Content: res.Stderr})
	}

	success := res.Success()
	p.session.Metrics.RecordExecution(success)
	p.logWrite(p.session.Log.Execution(success, Summary(res)))
	p.publish(Event{Type: EventExecutionFinished, RunID: res.RunID, Content: Summary(res)})
	return res, nil
}

// Summary is a one-line outcome for logs and events.
func Summary(res *sandbox.ExecutionResult) string {
	switch {
	case res.TimedOut:
		return fmt.Sprintf("timed out after %s", res.Duration.Round(time.Millisecond))
	case res.ExitCode == nil:
		return fmt.Sprintf("%s mode finished in %s", res.Mode, res.Duration.Round(time.Millisecond))
	case res.Success():
		return fmt.Sprintf("exit 0 in %s", res.Duration.Round(time.Millisecond))
	default:
		return fmt.Sprintf("exit %d in %s: %s", *res.ExitCode, res.Duration.Round(time.Millisecond), firstLine(lastLines(res.Stderr, 1)))
	}
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// Clear forgets the conversation and last program.
func (p *Pipeline) Clear() {
	p.session.Clear()
	p.logger.Info("session cleared", slog.String("session_id", p.session.ID))
}

func (p *Pipeline) publish(ev Event) {
	if p.publisher == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	p.publisher.Publish(ev)
}

func (p *Pipeline) logWrite(err error) {
	if err != nil {
		p.logger.Warn("session log write failed", slog.String("error", err.Error()))
	}
}
