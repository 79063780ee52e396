package httpapi

import (
	"github.com/jkaninda/okapi"
)

// SSEEvent represents a server-sent event for streamed executions.
type SSEEvent struct {
	Type    string           `json:"type"`              // "stdout", "stderr", "result", "done", "error"
	Content string           `json:"content,omitempty"` // Output text or error message.
	Result  *ExecuteResponse `json:"result,omitempty"`  // Set on "result".
}

// handleExecuteStream handles POST /api/execute/stream with SSE responses.
// The program runs to completion and its output is sent as events.
func (g *Gateway) handleExecuteStream(c *okapi.Context) error {
	var req ExecuteRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("Bad request", err)
	}

	g.action.Lock()
	defer g.action.Unlock()

	pr, err := g.prepareExecution(c, req)
	if pr == nil {
		return err
	}

	res, err := g.run(c.Context(), pr, req)
	if err != nil {
		c.SSEvent("error", SSEEvent{Type: "error", Content: err.Error()})
		return nil
	}

	if res.Stdout != "" {
		c.SSEvent("stdout", SSEEvent{Type: "stdout", Content: res.Stdout})
	}
	if res.Stderr != "" {
		c.SSEvent("stderr", SSEEvent{Type: "stderr", Content: res.Stderr})
	}
	resp := executeResponse(pr, res)
	c.SSEvent("result", SSEEvent{Type: "result", Result: &resp})
	c.SSEvent("done", SSEEvent{Type: "done"})
	return nil
}
