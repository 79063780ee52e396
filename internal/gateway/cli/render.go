package cli

import (
	"fmt"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	chromaStyles "github.com/alecthomas/chroma/v2/styles"
	"github.com/charmbracelet/lipgloss"

	"github.com/jkaninda/pymakebot/internal/analysis"
	"github.com/jkaninda/pymakebot/internal/sandbox"
	"github.com/jkaninda/pymakebot/internal/session"
)

// style renders text, or passes it through when color is off.
type style struct {
	s       lipgloss.Style
	enabled bool
}

func (st style) Render(text string) string {
	if !st.enabled {
		return text
	}
	return st.s.Render(text)
}

type styles struct {
	color   bool
	prompt  style
	title   style
	info    style
	success style
	warn    style
	err     style
	muted   style
}

func newStyles(color bool) styles {
	mk := func(s lipgloss.Style) style { return style{s: s, enabled: color} }
	return styles{
		color:   color,
		prompt:  mk(lipgloss.NewStyle().Foreground(lipgloss.Color("14")).Bold(true)),
		title:   mk(lipgloss.NewStyle().Foreground(lipgloss.Color("14")).Bold(true)),
		info:    mk(lipgloss.NewStyle().Foreground(lipgloss.Color("12"))),
		success: mk(lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)),
		warn:    mk(lipgloss.NewStyle().Foreground(lipgloss.Color("11"))),
		err:     mk(lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)),
		muted:   mk(lipgloss.NewStyle().Foreground(lipgloss.Color("8"))),
	}
}

func (g *Gateway) println(s string) { fmt.Fprintln(g.out, s) }
func (g *Gateway) info(s string)    { g.println(g.style.info.Render(s)) }
func (g *Gateway) warn(s string)    { g.println(g.style.warn.Render("⚠ " + s)) }
func (g *Gateway) success(s string) { g.println(g.style.success.Render("✓ " + s)) }
func (g *Gateway) errorf(f string, a ...any) {
	g.println(g.style.err.Render("✗ " + fmt.Sprintf(f, a...)))
}

const rule = "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━"

func (g *Gateway) banner() {
	g.println(g.style.title.Render("pymakebot - natural language to Python"))
	g.println(g.style.muted.Render(fmt.Sprintf("provider %s, model %s", g.opts.Provider.Name, g.opts.Provider.Model)))
	g.println("Describe a program, or type /help for commands.")
	g.println("")
}

// showCode prints generated code, highlighted when color is on.
func (g *Gateway) showCode(code string) {
	g.println(g.style.title.Render("━━━━━━━━━━━━ Generated Code ━━━━━━━━━━━━"))
	if g.style.color {
		g.println(highlight(code))
	} else {
		g.println(code)
	}
	g.println(g.style.title.Render(rule))
}

// highlight applies chroma terminal highlighting to Python source.
func highlight(code string) string {
	lexer := lexers.Get("python")
	if lexer == nil {
		lexer = lexers.Fallback
	}
	lexer = chroma.Coalesce(lexer)

	style := chromaStyles.Get("monokai")
	if style == nil {
		style = chromaStyles.Fallback
	}
	formatter := formatters.Get("terminal256")
	if formatter == nil {
		formatter = formatters.Fallback
	}

	iterator, err := lexer.Tokenise(nil, code)
	if err != nil {
		return code
	}
	var buf strings.Builder
	if err := formatter.Format(&buf, style, iterator); err != nil {
		return code
	}
	return buf.String()
}

func (g *Gateway) showLint(res *analysis.LintResult) {
	if res.Passed {
		g.success(res.Summary)
		return
	}
	g.warn("Lint: " + res.Summary)
	for _, d := range res.Diagnostics {
		line := "  " + d.String()
		if d.Severity == analysis.SeverityError {
			g.println(g.style.err.Render(line))
		} else {
			g.println(g.style.warn.Render(line))
		}
	}
}

func (g *Gateway) showSecurity(res *analysis.SecurityResult) {
	if res.Passed {
		g.success(res.Summary)
		return
	}
	g.warn("Security: " + res.Summary)
	for _, f := range res.Findings {
		g.println(fmt.Sprintf("  line %d [%s/%s] %s: %s", f.Line, f.Severity, f.Confidence, f.TestID, f.Message))
	}
}

func (g *Gateway) showResult(res *sandbox.ExecutionResult) {
	if res.FellBack {
		g.warn("Container runtime unavailable; ran on the host instead.")
	}
	if res.InstallError != "" {
		g.warn("Dependency installation failed: " + res.InstallError)
	}
	if res.Stdout != "" {
		g.println(g.style.title.Render("━━━━━━━━━━━━━━━ Output ━━━━━━━━━━━━━━━━"))
		g.println(strings.TrimRight(res.Stdout, "\n"))
	}
	if res.Stderr != "" {
		g.println(g.style.err.Render("━━━━━━━━━━━━━━━ Errors ━━━━━━━━━━━━━━━━"))
		g.println(strings.TrimRight(res.Stderr, "\n"))
	}
	switch {
	case res.TimedOut:
		g.errorf("Execution timed out after %s", res.Duration.Round(1e6))
	case res.Success():
		g.success(fmt.Sprintf("Execution completed in %s", res.Duration.Round(1e6)))
	case res.ExitCode == nil:
		g.info(fmt.Sprintf("Program finished after %s", res.Duration.Round(1e6)))
	default:
		g.errorf("Execution failed with exit code %d", *res.ExitCode)
	}
}

func (g *Gateway) showStats(s session.Stats) {
	g.println("")
	g.println(g.style.title.Render("━━━━━━━━━ Session Statistics ━━━━━━━━━"))
	g.println(fmt.Sprintf("Total requests: %d", s.TotalRequests))
	g.println("Successful executions: " + g.style.success.Render(fmt.Sprint(s.SuccessfulExecutions)))
	g.println("Failed executions: " + g.style.err.Render(fmt.Sprint(s.FailedExecutions)))
	g.println("API errors: " + g.style.warn.Render(fmt.Sprint(s.APIErrors)))
	g.println(fmt.Sprintf("Success rate: %.1f%%", s.SuccessRate))
	g.println(g.style.title.Render(rule))
}

func (g *Gateway) printStats() {
	g.showStats(g.pipeline.Session().Metrics.Snapshot())
}
