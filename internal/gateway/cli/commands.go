package cli

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/jkaninda/pymakebot/internal/llm"
	"github.com/jkaninda/pymakebot/internal/pipeline"
	"github.com/jkaninda/pymakebot/internal/sandbox"
)

const helpText = `Commands:
  /help                  Show this help
  /quit, /exit           Leave pymakebot
  /clear                 Clear the conversation history
  /refine <instruction>  Ask the model to change the last program
  /save <file>           Copy the last script to <file>
  /history               Show the conversation turns
  /stats                 Show session statistics
  /list                  List generated scripts
  /run <script>          Check and run a generated script
  /provider              Show the model provider
  /lint                  Lint the last program

Anything else is sent to the model as a program description.`

// command handles a slash command. It returns true when the REPL should exit.
func (g *Gateway) command(ctx context.Context, line string) bool {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToLower(name) {
	case "/quit", "/exit":
		return true
	case "/help":
		g.println(helpText)
	case "/clear":
		g.pipeline.Clear()
		g.success("Conversation history cleared.")
	case "/refine":
		if arg == "" {
			g.warn("Usage: /refine <instruction>")
			return false
		}
		if g.pipeline.Session().LastCode() == "" {
			g.warn("Nothing to refine yet. Describe a program first.")
			return false
		}
		g.generateAndRun(ctx, func() (*pipeline.Generation, error) {
			g.info("Refining code...")
			return g.pipeline.Refine(ctx, arg)
		})
	case "/save":
		g.save(arg)
	case "/history":
		g.history()
	case "/stats":
		g.printStats()
	case "/list":
		g.list()
	case "/run":
		g.runScript(ctx, arg)
	case "/provider":
		g.provider()
	case "/lint":
		g.lint(ctx)
	default:
		g.warn(fmt.Sprintf("Unknown command %s. Type /help for the list.", name))
	}
	return false
}

func (g *Gateway) save(dst string) {
	if dst == "" {
		g.warn("Usage: /save <file>")
		return
	}
	src := g.pipeline.Session().LastScript()
	if src == "" {
		g.warn("No script to save yet.")
		return
	}
	if err := sandbox.Copy(src, dst); err != nil {
		g.errorf("Save failed: %v", err)
		return
	}
	g.success("Saved to " + dst)
}

func (g *Gateway) history() {
	turns := g.pipeline.Session().History.Turns()
	if len(turns) == 0 {
		g.info("No conversation yet.")
		return
	}
	for i, m := range turns {
		who := "You"
		st := g.style.info
		if m.Role == llm.RoleAssistant {
			who = "Model"
			st = g.style.success
		}
		g.println(st.Render(fmt.Sprintf("[%d] %s:", i+1, who)))
		g.println(preview(m.Content, 300))
	}
}

func preview(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n]) + "..."
}

func (g *Gateway) list() {
	scripts, err := g.pipeline.Store().List()
	if err != nil {
		g.errorf("Listing scripts failed: %v", err)
		return
	}
	if len(scripts) == 0 {
		g.info("No generated scripts in " + g.pipeline.Store().Dir())
		return
	}
	tw := tabwriter.NewWriter(g.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSIZE\tMODIFIED")
	for _, s := range scripts {
		fmt.Fprintf(tw, "%s\t%d\t%s\n", s.Name, s.Size, s.ModTime.Format("2006-01-02 15:04:05"))
	}
	tw.Flush()
}

func (g *Gateway) runScript(ctx context.Context, name string) {
	if name == "" {
		g.warn("Usage: /run <script>")
		return
	}
	pr, err := g.pipeline.Load(ctx, name)
	if err != nil {
		g.errorf("Cannot run %s: %v", name, err)
		return
	}
	g.showCode(pr.Code)
	if pr.SyntaxErr != nil {
		g.errorf("Syntax check failed: %v", pr.SyntaxErr)
		return
	}
	if pr.Lint != nil {
		g.showLint(pr.Lint)
	}
	if pr.Security != nil {
		g.showSecurity(pr.Security)
	}
	g.execute(ctx, pr, 0)
}

func (g *Gateway) provider() {
	p := g.opts.Provider
	g.println(fmt.Sprintf("Provider: %s", p.Name))
	g.println(fmt.Sprintf("Model:    %s", p.Model))
	g.println(fmt.Sprintf("Endpoint: %s", p.Endpoint))
	if len(p.Fallback) > 0 {
		g.println("Fallback: " + strings.Join(p.Fallback, ", "))
	}
}

func (g *Gateway) lint(ctx context.Context) {
	code := g.pipeline.Session().LastCode()
	if code == "" {
		g.warn("No code to lint yet.")
		return
	}
	res, err := g.pipeline.LintCode(ctx, code)
	if err != nil {
		g.warn("Lint unavailable: " + err.Error())
		return
	}
	g.showLint(res)
}
