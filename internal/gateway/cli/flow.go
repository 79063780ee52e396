package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jkaninda/pymakebot/internal/analysis"
	"github.com/jkaninda/pymakebot/internal/conversation"
	"github.com/jkaninda/pymakebot/internal/execmode"
	"github.com/jkaninda/pymakebot/internal/llm"
	"github.com/jkaninda/pymakebot/internal/pipeline"
	"github.com/jkaninda/pymakebot/internal/sandbox"
)

// maxAutoRefine bounds consecutive repair rounds for one prompt.
const maxAutoRefine = 3

// generateAndRun drives one prompt from generation to execution.
func (g *Gateway) generateAndRun(ctx context.Context, gen func() (*pipeline.Generation, error)) {
	code, ok := g.generated(gen())
	if !ok {
		return
	}
	pr, ok := g.prepare(ctx, code)
	if !ok {
		return
	}
	g.execute(ctx, pr, 0)
}

// generated reports a generation outcome and returns the code to continue with.
func (g *Gateway) generated(res *pipeline.Generation, err error) (string, bool) {
	if err != nil {
		g.generationError(err)
		return "", false
	}
	if res.NoCode {
		g.warn("The model did not return any code.")
		if res.Reply != nil && strings.TrimSpace(res.Reply.Text) != "" {
			g.println(res.Reply.Text)
		}
		return "", false
	}
	if res.Reply != nil && res.Reply.Attempts > 1 {
		g.info(fmt.Sprintf("Succeeded after %d attempts.", res.Reply.Attempts))
	}
	g.showCode(res.Code)
	return res.Code, true
}

func (g *Gateway) generationError(err error) {
	var exhausted *llm.ExhaustedError
	var transport *llm.TransportError
	switch {
	case errors.Is(err, conversation.ErrEmptyPrompt):
		g.warn("Nothing to send.")
	case errors.As(err, &exhausted):
		g.errorf("The model could not be reached after %d attempts: %v", exhausted.Attempts, exhausted.Last)
	case errors.As(err, &transport):
		g.errorf("The model rejected the request (%s): %v", transport.Kind, err)
	case errors.Is(err, llm.ErrMalformedResponse):
		g.errorf("The model returned an unreadable response.")
	case errors.Is(err, context.Canceled):
		g.warn("Cancelled.")
	default:
		g.errorf("Generation failed: %v", err)
	}
}

// prepare saves code and runs the static checks, offering repairs. It
// returns false when the user abandons the program.
func (g *Gateway) prepare(ctx context.Context, code string) (*pipeline.Prepared, bool) {
	for round := 0; ; round++ {
		pr, err := g.pipeline.Prepare(ctx, code)
		if err != nil {
			g.errorf("Could not save the script: %v", err)
			return nil, false
		}
		g.info("Saved to " + pr.Script.Path)

		if pr.SyntaxErr != nil {
			details := pr.SyntaxErr.Error()
			var se *analysis.SyntaxError
			if errors.As(pr.SyntaxErr, &se) {
				details = se.Output
			}
			g.errorf("Syntax check failed")
			g.println(details)
			if round >= maxAutoRefine || !g.confirm("Ask the model to fix the syntax error?", true) {
				return nil, false
			}
			next, ok := g.autoRefine(ctx, pipeline.RefineSyntax, details)
			if !ok {
				return nil, false
			}
			code = next
			continue
		}

		switch {
		case pr.Lint != nil:
			g.showLint(pr.Lint)
			if !pr.Lint.Passed && round < maxAutoRefine && g.confirm("Ask the model to fix the lint issues?", false) {
				next, ok := g.autoRefine(ctx, pipeline.RefineLint, pr.Lint.Details())
				if !ok {
					return nil, false
				}
				code = next
				continue
			}
		case pr.LintErr != nil && !errors.Is(pr.LintErr, analysis.ErrToolUnavailable):
			g.warn("Lint skipped: " + pr.LintErr.Error())
		}

		if pr.Security != nil {
			g.showSecurity(pr.Security)
			if pr.Security.HasHighSeverity && !g.confirm("High severity findings. Continue anyway?", false) {
				return nil, false
			}
		}
		return pr, true
	}
}

func (g *Gateway) autoRefine(ctx context.Context, kind pipeline.RefineKind, details string) (string, bool) {
	g.info("Asking the model for a fix...")
	return g.generated(g.pipeline.AutoRefine(ctx, kind, details))
}

// execute confirms and runs pr, then offers a runtime repair on failure.
func (g *Gateway) execute(ctx context.Context, pr *pipeline.Prepared, round int) {
	if !g.confirm("Execute this code?", true) {
		g.info("Skipped. The script stays at " + pr.Script.Path)
		return
	}

	install := false
	if pkgs := pr.Packages(); len(pkgs) > 0 {
		g.info("Third-party packages: " + strings.Join(pkgs, ", "))
		if g.opts.AutoInstall {
			install = true
			g.info("Installing automatically.")
		} else {
			install = g.confirm("Install them before running?", true)
		}
	}

	g.announceMode(pr)
	res, err := g.pipeline.Execute(ctx, pr, pipeline.RunOptions{Install: install})
	if err != nil {
		g.executionError(err)
		return
	}
	g.showResult(res)

	if res.Success() || res.TimedOut || strings.TrimSpace(res.Stderr) == "" || round >= maxAutoRefine {
		return
	}
	if !g.confirm("Ask the model to fix the runtime error?", true) {
		return
	}
	code, ok := g.autoRefine(ctx, pipeline.RefineRuntime, res.Stderr)
	if !ok {
		return
	}
	next, ok := g.prepare(ctx, code)
	if !ok {
		return
	}
	g.execute(ctx, next, round+1)
}

func (g *Gateway) announceMode(pr *pipeline.Prepared) {
	iso := g.pipeline.Options().Isolation
	if pr.Mode == execmode.Interactive {
		g.info(fmt.Sprintf("Running interactively (%s, detected %q). No time limit applies.", iso, pr.Marker))
		if !g.opts.IsTerminal() {
			g.warn("stdin is not a terminal; the program may not receive input.")
		}
		return
	}
	g.info(fmt.Sprintf("Running with captured output (%s, timeout %s).", iso, g.pipeline.Options().Timeout))
}

func (g *Gateway) executionError(err error) {
	var ee *sandbox.ExecutionError
	switch {
	case errors.Is(err, sandbox.ErrInterpreterNotFound):
		g.errorf("No Python interpreter found. Install python3 or set python_executable.")
	case errors.As(err, &ee):
		g.errorf("Execution failed (%s): %v", ee.Kind, ee.Err)
	default:
		g.errorf("Execution failed: %v", err)
	}
}
