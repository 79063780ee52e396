// Package analysis runs static checks on generated programs: a compile-only
// syntax check, ruff lint, and a bandit security scan. Missing external
// tools are a soft failure (ErrToolUnavailable).
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// ErrToolUnavailable is returned when ruff or bandit is not installed.
var ErrToolUnavailable = errors.New("analysis tool unavailable")

// SyntaxError carries the compiler output for code that does not compile.
type SyntaxError struct {
	Output string
}

func (e *SyntaxError) Error() string {
	return "syntax error: " + strings.TrimSpace(e.Output)
}

// Severity of a lint diagnostic.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Diagnostic is one ruff finding.
type Diagnostic struct {
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Row      int      `json:"row"`
	Col      int      `json:"col"`
	Severity Severity `json:"severity"`
}

func (d Diagnostic) String() string {
	code := d.Code
	if code == "" {
		code = "syntax"
	}
	return fmt.Sprintf("%d:%d %s %s", d.Row, d.Col, code, d.Message)
}

// LintResult is the outcome of Lint.
type LintResult struct {
	Passed      bool         `json:"passed"`
	HasErrors   bool         `json:"has_errors"`
	Diagnostics []Diagnostic `json:"diagnostics"`
	Summary     string       `json:"summary"`
}

// Details renders the diagnostics one per line, for refinement prompts.
func (r *LintResult) Details() string {
	lines := make([]string, len(r.Diagnostics))
	for i, d := range r.Diagnostics {
		lines[i] = d.String()
	}
	return strings.Join(lines, "\n")
}

// Finding is one bandit issue.
type Finding struct {
	TestID     string `json:"test_id"`
	Message    string `json:"message"`
	Severity   string `json:"severity"`
	Confidence string `json:"confidence"`
	Line       int    `json:"line"`
}

// SecurityResult is the outcome of SecurityScan.
type SecurityResult struct {
	Passed          bool      `json:"passed"`
	HasHighSeverity bool      `json:"has_high_severity"`
	Findings        []Finding `json:"findings"`
	Summary         string    `json:"summary"`
}

// Analyzer runs the checks.
type Analyzer struct {
	ruff     string
	bandit   string
	lookPath func(string) (string, error)
	logger   *slog.Logger
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithRuff overrides the ruff executable.
func WithRuff(path string) Option { return func(a *Analyzer) { a.ruff = path } }

// WithBandit overrides the bandit executable.
func WithBandit(path string) Option { return func(a *Analyzer) { a.bandit = path } }

// WithLookPath overrides executable resolution.
func WithLookPath(fn func(string) (string, error)) Option {
	return func(a *Analyzer) { a.lookPath = fn }
}

// New creates an Analyzer.
func New(logger *slog.Logger, opts ...Option) *Analyzer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	a := &Analyzer{ruff: "ruff", bandit: "bandit", lookPath: exec.LookPath, logger: logger}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// LinterAvailable reports whether ruff resolves.
func (a *Analyzer) LinterAvailable() bool {
	_, err := a.lookPath(a.ruff)
	return err == nil
}

// ScannerAvailable reports whether bandit resolves.
func (a *Analyzer) ScannerAvailable() bool {
	_, err := a.lookPath(a.bandit)
	return err == nil
}

// SyntaxCheck compiles path with "<python> -m py_compile", trying python,
// then python3, then python. Invalid code yields *SyntaxError.
func (a *Analyzer) SyntaxCheck(ctx context.Context, python, path string) error {
	candidates := []string{python, "python3", "python"}
	seen := map[string]bool{}
	for _, name := range candidates {
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		bin, err := a.lookPath(name)
		if err != nil {
			continue
		}
		out, err := run(ctx, bin, "-m", "py_compile", path)
		if err == nil {
			return nil
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &SyntaxError{Output: out.stderr}
		}
		a.logger.DebugContext(ctx, "py_compile failed to start", slog.String("python", bin), slog.String("error", err.Error()))
	}
	return fmt.Errorf("syntax check: %w: no python interpreter", ErrToolUnavailable)
}

type ruffDiagnostic struct {
	Code     *string `json:"code"`
	Message  string  `json:"message"`
	Location struct {
		Row    int `json:"row"`
		Column int `json:"column"`
	} `json:"location"`
}

// Lint runs "ruff check --output-format=json --no-fix".
func (a *Analyzer) Lint(ctx context.Context, path string) (*LintResult, error) {
	bin, err := a.lookPath(a.ruff)
	if err != nil {
		return nil, fmt.Errorf("ruff: %w", ErrToolUnavailable)
	}
	out, err := run(ctx, bin, "check", "--output-format=json", "--no-fix", "--quiet", path)
	// ruff exits 1 when it reports diagnostics; anything else is a failure.
	if err != nil && exitStatus(err) != 1 {
		return nil, fmt.Errorf("ruff check: %s: %w", strings.TrimSpace(out.stderr), err)
	}
	return parseRuff([]byte(out.stdout))
}

func parseRuff(data []byte) (*LintResult, error) {
	var raw []ruffDiagnostic
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("decoding ruff output: %w", err)
		}
	}
	result := &LintResult{Diagnostics: make([]Diagnostic, 0, len(raw))}
	errorCount := 0
	for _, r := range raw {
		d := Diagnostic{Message: r.Message, Row: r.Location.Row, Col: r.Location.Column}
		if r.Code != nil {
			d.Code = *r.Code
		}
		d.Severity = severityOf(d.Code)
		if d.Severity == SeverityError {
			errorCount++
		}
		result.Diagnostics = append(result.Diagnostics, d)
	}
	result.HasErrors = errorCount > 0
	result.Passed = len(result.Diagnostics) == 0
	if result.Passed {
		result.Summary = "No lint issues found"
	} else {
		result.Summary = fmt.Sprintf("%d issue(s) found (%d error(s), %d warning(s))",
			len(result.Diagnostics), errorCount, len(result.Diagnostics)-errorCount)
	}
	return result, nil
}

// severityOf treats syntax errors (E9xx, or no code) and undefined names
// (F8xx) as errors.
func severityOf(code string) Severity {
	if code == "" || strings.HasPrefix(code, "E9") || strings.HasPrefix(code, "F8") {
		return SeverityError
	}
	return SeverityWarning
}

type banditReport struct {
	Results []struct {
		TestID     string `json:"test_id"`
		IssueText  string `json:"issue_text"`
		Severity   string `json:"issue_severity"`
		Confidence string `json:"issue_confidence"`
		LineNumber int    `json:"line_number"`
	} `json:"results"`
}

// SecurityScan runs "bandit -f json -q".
func (a *Analyzer) SecurityScan(ctx context.Context, path string) (*SecurityResult, error) {
	bin, err := a.lookPath(a.bandit)
	if err != nil {
		return nil, fmt.Errorf("bandit: %w", ErrToolUnavailable)
	}
	out, err := run(ctx, bin, "-f", "json", "-q", path)
	if err != nil && exitStatus(err) != 1 {
		return nil, fmt.Errorf("bandit: %s: %w", strings.TrimSpace(out.stderr), err)
	}
	return parseBandit([]byte(out.stdout))
}

func parseBandit(data []byte) (*SecurityResult, error) {
	var report banditReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("decoding bandit output: %w", err)
	}
	result := &SecurityResult{Findings: make([]Finding, 0, len(report.Results))}
	high := 0
	for _, r := range report.Results {
		f := Finding{
			TestID:     r.TestID,
			Message:    r.IssueText,
			Severity:   strings.ToUpper(r.Severity),
			Confidence: strings.ToUpper(r.Confidence),
			Line:       r.LineNumber,
		}
		if f.Severity == "HIGH" {
			high++
		}
		result.Findings = append(result.Findings, f)
	}
	result.HasHighSeverity = high > 0
	result.Passed = len(result.Findings) == 0
	if result.Passed {
		result.Summary = "No security issues found"
	} else {
		result.Summary = fmt.Sprintf("%d issue(s) found (%d high severity)", len(result.Findings), high)
	}
	return result, nil
}

type output struct {
	stdout string
	stderr string
}

func run(ctx context.Context, bin string, args ...string) (output, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return output{stdout: stdout.String(), stderr: stderr.String()}, err
}

func exitStatus(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
