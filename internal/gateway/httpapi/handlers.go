package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/pymakebot/internal/analysis"
	"github.com/jkaninda/pymakebot/internal/conversation"
	"github.com/jkaninda/pymakebot/internal/llm"
	"github.com/jkaninda/pymakebot/internal/pipeline"
	"github.com/jkaninda/pymakebot/internal/sandbox"
	"github.com/jkaninda/pymakebot/internal/session"
)

// ScriptResponse is one entry of GET /api/history.
type ScriptResponse = sandbox.ScriptInfo

// StatsResponse is the JSON response for GET /api/stats.
type StatsResponse struct {
	session.Stats
	SessionID      string `json:"session_id"`
	HistoryLength  int    `json:"history_length"`
	GeneratedDir   string `json:"generated_dir"`
	LastScriptPath string `json:"last_script_path,omitempty"`
}

// GenerateRequest is the JSON body for POST /api/generate.
type GenerateRequest struct {
	Prompt string `json:"prompt"`
}

// GenerateResponse is the JSON response for POST /api/generate.
type GenerateResponse struct {
	Code         string                   `json:"code"`
	ScriptPath   string                   `json:"script_path"`
	Mode         string                   `json:"mode"`
	Dependencies []string                 `json:"dependencies"`
	Attempts     int                      `json:"attempts,omitempty"`
	SyntaxError  string                   `json:"syntax_error,omitempty"`
	Lint         *analysis.LintResult     `json:"lint,omitempty"`
	Security     *analysis.SecurityResult `json:"security,omitempty"`
}

// RefineRequest is the JSON body for POST /api/refine.
type RefineRequest struct {
	Instruction string `json:"instruction"`
}

// ExecuteRequest is the JSON body for POST /api/execute. Exactly one of Code
// and Script is required.
type ExecuteRequest struct {
	Code    string `json:"code,omitempty"`
	Script  string `json:"script,omitempty"` // Name or path inside generated_dir.
	Install bool   `json:"install,omitempty"`
}

// ExecuteResponse is the JSON response for POST /api/execute.
type ExecuteResponse struct {
	RunID        string   `json:"run_id"`
	ScriptPath   string   `json:"script_path"`
	Success      bool     `json:"success"`
	Stdout       string   `json:"stdout"`
	Stderr       string   `json:"stderr"`
	ExitCode     *int     `json:"exit_code"`
	TimedOut     bool     `json:"timed_out"`
	DurationMs   int64    `json:"duration_ms"`
	Isolation    string   `json:"isolation"`
	FellBack     bool     `json:"fell_back,omitempty"`
	Installed    []string `json:"installed,omitempty"`
	InstallError string   `json:"install_error,omitempty"`
	Summary      string   `json:"summary"`
}

// CodeRequest is the JSON body for POST /api/lint and /api/security.
type CodeRequest struct {
	Code string `json:"code"`
}

// LintResponse is the JSON response for POST /api/lint.
type LintResponse = analysis.LintResult

// SecurityResponse is the JSON response for POST /api/security.
type SecurityResponse = analysis.SecurityResult

// StatusResponse acknowledges an action.
type StatusResponse struct {
	Status string `json:"status"`
}

func (g *Gateway) handleHistory(c *okapi.Context) error {
	scripts, err := g.pipeline.Store().List()
	if err != nil {
		g.logger.Error("listing scripts failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing scripts failed")
	}
	if scripts == nil {
		scripts = []sandbox.ScriptInfo{}
	}
	return c.OK(scripts)
}

func (g *Gateway) handleStats(c *okapi.Context) error {
	sess := g.pipeline.Session()
	return c.OK(StatsResponse{
		Stats:          sess.Metrics.Snapshot(),
		SessionID:      sess.ID,
		HistoryLength:  sess.History.Len(),
		GeneratedDir:   g.pipeline.Store().Dir(),
		LastScriptPath: sess.LastScript(),
	})
}

func (g *Gateway) handleGenerate(c *okapi.Context) error {
	var req GenerateRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return c.AbortBadRequest("prompt is required")
	}
	if err := g.limiter.Allow(clientKey(c.Request())); err != nil {
		return c.JSON(http.StatusTooManyRequests, ErrorBody{Error: err.Error()})
	}

	g.action.Lock()
	defer g.action.Unlock()

	ctx := c.Context()
	gen, err := g.pipeline.Generate(ctx, req.Prompt)
	if err != nil {
		return g.generationError(c, err)
	}
	return g.respondGenerated(c, gen)
}

func (g *Gateway) handleRefine(c *okapi.Context) error {
	var req RefineRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if strings.TrimSpace(req.Instruction) == "" {
		return c.AbortBadRequest("instruction is required")
	}
	if err := g.limiter.Allow(clientKey(c.Request())); err != nil {
		return c.JSON(http.StatusTooManyRequests, ErrorBody{Error: err.Error()})
	}

	g.action.Lock()
	defer g.action.Unlock()

	if g.pipeline.Session().LastCode() == "" {
		return c.JSON(http.StatusConflict, ErrorBody{Error: "no program to refine; generate one first"})
	}
	gen, err := g.pipeline.Refine(c.Context(), req.Instruction)
	if err != nil {
		return g.generationError(c, err)
	}
	return g.respondGenerated(c, gen)
}

// respondGenerated saves and checks a generation and writes the response.
func (g *Gateway) respondGenerated(c *okapi.Context, gen *pipeline.Generation) error {
	if gen.NoCode {
		return c.JSON(http.StatusUnprocessableEntity, ErrorBody{Error: "the model did not return any code"})
	}

	pr, err := g.pipeline.Prepare(c.Context(), gen.Code)
	if err != nil {
		g.logger.Error("saving script failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("saving script failed")
	}

	resp := GenerateResponse{
		Code:         pr.Code,
		ScriptPath:   pr.Script.Path,
		Mode:         pr.Mode.String(),
		Dependencies: pr.Packages(),
		Attempts:     gen.Reply.Attempts,
		Lint:         pr.Lint,
		Security:     pr.Security,
	}
	if pr.SyntaxErr != nil {
		resp.SyntaxError = syntaxDetails(pr.SyntaxErr)
	}
	return c.OK(resp)
}

func (g *Gateway) generationError(c *okapi.Context, err error) error {
	var exhausted *llm.ExhaustedError
	var transport *llm.TransportError
	switch {
	case errors.Is(err, conversation.ErrEmptyPrompt):
		return c.AbortBadRequest("prompt is required")
	case errors.As(err, &exhausted), errors.As(err, &transport), errors.Is(err, llm.ErrMalformedResponse):
		g.logger.Warn("generation failed", slog.String("error", err.Error()))
		return c.JSON(http.StatusBadGateway, ErrorBody{Error: err.Error()})
	default:
		g.logger.Error("generation failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("generation failed")
	}
}

// prepareExecution resolves the request to a checked program. It writes the
// error response itself and returns nil on failure.
func (g *Gateway) prepareExecution(c *okapi.Context, req ExecuteRequest) (*pipeline.Prepared, error) {
	ctx := c.Context()
	var (
		pr  *pipeline.Prepared
		err error
	)
	switch {
	case req.Script != "" && req.Code != "":
		return nil, c.AbortBadRequest("provide code or script, not both")
	case req.Script != "":
		pr, err = g.pipeline.Load(ctx, req.Script)
	case strings.TrimSpace(req.Code) != "":
		pr, err = g.pipeline.Prepare(ctx, req.Code)
	default:
		return nil, c.AbortBadRequest("code or script is required")
	}
	switch {
	case errors.Is(err, sandbox.ErrScriptNotFound):
		return nil, c.JSON(http.StatusNotFound, ErrorBody{Error: err.Error()})
	case errors.Is(err, pipeline.ErrNoCode):
		return nil, c.AbortBadRequest("no code to run")
	case err != nil:
		g.logger.Error("preparing script failed", slog.String("error", err.Error()))
		return nil, c.AbortInternalServerError("preparing script failed")
	}
	if pr.SyntaxErr != nil {
		return nil, c.JSON(http.StatusUnprocessableEntity, ErrorBody{Error: syntaxDetails(pr.SyntaxErr)})
	}
	return pr, nil
}

func (g *Gateway) handleExecute(c *okapi.Context) error {
	var req ExecuteRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	g.action.Lock()
	defer g.action.Unlock()

	pr, err := g.prepareExecution(c, req)
	if pr == nil {
		return err
	}
	res, err := g.run(c.Context(), pr, req)
	if err != nil {
		return g.executionError(c, err)
	}
	return c.OK(executeResponse(pr, res))
}

// run always captures output; the dashboard has no terminal to attach.
func (g *Gateway) run(ctx context.Context, pr *pipeline.Prepared, req ExecuteRequest) (*sandbox.ExecutionResult, error) {
	return g.pipeline.Execute(ctx, pr, pipeline.RunOptions{
		Install:  req.Install || g.config.AutoInstall,
		Captured: true,
	})
}

func (g *Gateway) executionError(c *okapi.Context, err error) error {
	if errors.Is(err, sandbox.ErrInterpreterNotFound) {
		return c.AbortServiceUnavailable("no python interpreter available")
	}
	g.logger.Error("execution failed", slog.String("error", err.Error()))
	return c.AbortInternalServerError("execution failed")
}

func executeResponse(pr *pipeline.Prepared, res *sandbox.ExecutionResult) ExecuteResponse {
	return ExecuteResponse{
		RunID:        res.RunID,
		ScriptPath:   pr.Script.Path,
		Success:      res.Success(),
		Stdout:       res.Stdout,
		Stderr:       res.Stderr,
		ExitCode:     res.ExitCode,
		TimedOut:     res.TimedOut,
		DurationMs:   res.Duration.Milliseconds(),
		Isolation:    res.Isolation.String(),
		FellBack:     res.FellBack,
		Installed:    res.Installed,
		InstallError: res.InstallError,
		Summary:      pipeline.Summary(res),
	}
}

func (g *Gateway) handleLint(c *okapi.Context) error {
	var req CodeRequest
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.Code) == "" {
		return c.AbortBadRequest("code is required")
	}

	g.action.Lock()
	defer g.action.Unlock()

	res, err := g.pipeline.LintCode(c.Context(), req.Code)
	if err != nil {
		return g.analysisError(c, "ruff", err)
	}
	return c.OK(res)
}

func (g *Gateway) handleSecurity(c *okapi.Context) error {
	var req CodeRequest
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.Code) == "" {
		return c.AbortBadRequest("code is required")
	}

	g.action.Lock()
	defer g.action.Unlock()

	res, err := g.pipeline.ScanCode(c.Context(), req.Code)
	if err != nil {
		return g.analysisError(c, "bandit", err)
	}
	return c.OK(res)
}

func (g *Gateway) analysisError(c *okapi.Context, tool string, err error) error {
	if errors.Is(err, analysis.ErrToolUnavailable) {
		return c.AbortServiceUnavailable(tool + " is not installed")
	}
	g.logger.Error("analysis failed", slog.String("tool", tool), slog.String("error", err.Error()))
	return c.AbortInternalServerError(tool + " failed")
}

func (g *Gateway) handleClear(c *okapi.Context) error {
	g.action.Lock()
	defer g.action.Unlock()

	g.pipeline.Clear()
	return c.OK(StatusResponse{Status: "cleared"})
}

func (g *Gateway) handleRuns(c *okapi.Context) error {
	return c.OK(g.runs.List())
}

func (g *Gateway) handleRun(c *okapi.Context) error {
	run, ok := g.runs.Get(c.Param("id"))
	if !ok {
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "run not found"})
	}
	return c.OK(run)
}

func syntaxDetails(err error) string {
	var se *analysis.SyntaxError
	if errors.As(err, &se) {
		return se.Output
	}
	return err.Error()
}
