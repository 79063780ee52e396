package conversation

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/jkaninda/pymakebot/internal/llm"
)

// ErrEmptyPrompt is returned when the prompt or instruction is blank.
var ErrEmptyPrompt = errors.New("prompt is empty")

// refinePrefix frames a refinement so the model edits its last answer.
const refinePrefix = "Please refine the previous code: "

// Settings are the per-request generation parameters.
type Settings struct {
	SystemPrompt string
	Model        string
	MaxTokens    int
	Temperature  float64
}

// Reply is a successful generation.
type Reply struct {
	Text     string // Raw response body, before code extraction.
	Attempts int
	Usage    llm.Usage
	Provider string
}

// Client sends conversation turns to a provider and records completed
// exchanges in a History.
type Client struct {
	provider llm.Provider
	settings Settings
	logger   *slog.Logger
}

// NewClient creates a conversation client. An empty system prompt selects
// DefaultSystemPrompt.
func NewClient(provider llm.Provider, settings Settings, logger *slog.Logger) *Client {
	if settings.SystemPrompt == "" {
		settings.SystemPrompt = DefaultSystemPrompt
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{provider: provider, settings: settings, logger: logger}
}

// Provider returns the underlying provider.
func (c *Client) Provider() llm.Provider { return c.provider }

// Settings returns the generation parameters.
func (c *Client) Settings() Settings { return c.settings }

// Generate sends the history plus prompt as a new user turn. On success the
// user and assistant turns are committed to h and h is trimmed. On failure h
// is left exactly as it was and the error is a *llm.GenerationError.
func (c *Client) Generate(ctx context.Context, h *History, prompt string) (*Reply, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, ErrEmptyPrompt
	}
	return c.send(ctx, h, prompt)
}

// Refine asks the model to revise its previous answer according to
// instruction. History semantics match Generate.
func (c *Client) Refine(ctx context.Context, h *History, instruction string) (*Reply, error) {
	instruction = strings.TrimSpace(instruction)
	if instruction == "" {
		return nil, ErrEmptyPrompt
	}
	return c.send(ctx, h, refinePrefix+instruction)
}

// Send is Generate without the refinement framing or trimming of the
// prompt. The pipeline uses it for auto-refine prompts that carry tool output.
func (c *Client) Send(ctx context.Context, h *History, content string) (*Reply, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyPrompt
	}
	return c.send(ctx, h, content)
}

func (c *Client) send(ctx context.Context, h *History, content string) (*Reply, error) {
	userTurn := llm.Message{Role: llm.RoleUser, Content: content}

	// The candidate list is built from a snapshot; h is untouched until the
	// outcome is known.
	messages := append(h.Snapshot(), userTurn)
	req := &llm.Request{
		SystemPrompt: c.settings.SystemPrompt,
		Messages:     messages,
		Model:        c.settings.Model,
		MaxTokens:    c.settings.MaxTokens,
		Temperature:  c.settings.Temperature,
	}

	resp, err := c.provider.SendMessage(ctx, req)
	if err != nil {
		c.logger.WarnContext(ctx, "generation failed",
			slog.String("provider", c.provider.Name()),
			slog.String("error", err.Error()),
		)
		return nil, llm.NewGenerationError(err)
	}

	h.commit(userTurn, llm.Message{Role: llm.RoleAssistant, Content: resp.Content})

	c.logger.DebugContext(ctx, "generation succeeded",
		slog.String("provider", c.provider.Name()),
		slog.Int("attempts", resp.Attempts),
		slog.Int("history_len", h.Len()),
	)

	return &Reply{
		Text:     resp.Content,
		Attempts: resp.Attempts,
		Usage:    resp.Usage,
		Provider: c.provider.Name(),
	}, nil
}
