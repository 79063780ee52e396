// Package cli implements the interactive REPL gateway for pymakebot.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/peterh/liner"
	"golang.org/x/term"

	"github.com/jkaninda/pymakebot/internal/pipeline"
)

const prompt = "pymakebot> "

// LineReader reads one line of user input. *liner.State satisfies it.
type LineReader interface {
	Prompt(p string) (string, error)
	AppendHistory(item string)
	Close() error
}

// ProviderInfo is what /provider prints.
type ProviderInfo struct {
	Name     string
	Model    string
	Endpoint string
	Fallback []string
}

// Options configure the REPL.
type Options struct {
	AutoInstall bool
	Provider    ProviderInfo
	// Color enables lipgloss styles and chroma highlighting.
	Color bool
	// HistoryFile persists line history between sessions. Empty disables.
	HistoryFile string
	// Input overrides the line editor (tests).
	Input LineReader
	// Output defaults to os.Stdout.
	Output io.Writer
	// IsTerminal reports whether stdin is a TTY. Defaults to x/term.
	IsTerminal func() bool
}

// Gateway is the interactive command-line interface.
type Gateway struct {
	pipeline *pipeline.Pipeline
	opts     Options
	in       LineReader
	out      io.Writer
	style    styles
	logger   *slog.Logger
	done     chan struct{} // closed by Stop to signal shutdown
}

// NewGateway creates a REPL over p.
func NewGateway(p *pipeline.Pipeline, opts Options, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	if opts.IsTerminal == nil {
		opts.IsTerminal = func() bool { return term.IsTerminal(int(os.Stdin.Fd())) }
	}
	return &Gateway{
		pipeline: p,
		opts:     opts,
		in:       opts.Input,
		out:      out,
		style:    newStyles(opts.Color),
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start runs the REPL. It blocks until ctx is cancelled, Stop is called,
// or the user quits, then prints the session statistics.
func (g *Gateway) Start(ctx context.Context) error {
	if g.in == nil {
		ed := newLineEditor(g.opts.HistoryFile)
		defer ed.Close()
		g.in = ed
	}

	g.banner()
	defer g.printStats()

	for {
		select {
		case <-ctx.Done():
			g.println("\nShutting down.")
			return nil
		case <-g.done:
			g.println("\nShutting down.")
			return nil
		default:
		}

		line, err := g.in.Prompt(g.style.prompt.Render(prompt))
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				g.println("")
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		g.in.AppendHistory(line)

		if strings.HasPrefix(line, "/") {
			if quit := g.command(ctx, line); quit {
				g.println("Goodbye.")
				return nil
			}
			continue
		}

		g.logger.DebugContext(ctx, "cli prompt", slog.String("session_id", g.pipeline.Session().ID))
		g.generateAndRun(ctx, func() (*pipeline.Generation, error) {
			g.info("Generating code...")
			return g.pipeline.Generate(ctx, line)
		})
	}
}

// Stop signals the REPL to shut down.
func (g *Gateway) Stop(_ context.Context) error {
	select {
	case <-g.done:
		// Already closed.
	default:
		close(g.done)
	}
	return nil
}

// confirm asks a yes/no question. def is the answer for an empty line.
func (g *Gateway) confirm(question string, def bool) bool {
	hint := " [y/N]: "
	if def {
		hint = " [Y/n]: "
	}
	answer, err := g.in.Prompt(question + hint)
	if err != nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "":
		return def
	case "y", "yes":
		return true
	default:
		return false
	}
}

// lineEditor wraps liner with a persisted history file.
type lineEditor struct {
	*liner.State
	historyFile string
}

func newLineEditor(historyFile string) *lineEditor {
	l := liner.NewLiner()
	l.SetCtrlCAborts(true)
	ed := &lineEditor{State: l, historyFile: historyFile}
	if historyFile != "" {
		if f, err := os.Open(historyFile); err == nil {
			_, _ = l.ReadHistory(f)
			f.Close()
		}
	}
	return ed
}

// Close saves history and restores the terminal.
func (e *lineEditor) Close() error {
	if e.historyFile != "" {
		if f, err := os.OpenFile(e.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600); err == nil {
			_, _ = e.WriteHistory(f)
			f.Close()
		}
	}
	return e.State.Close()
}
