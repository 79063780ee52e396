// Package openai implements the LLM provider interface for OpenAI-compatible
// Chat Completions endpoints. The HuggingFace router, Ollama, and any custom
// server speaking the same wire format are all served by this client.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jkaninda/pymakebot/internal/llm"
)

const (
	completionsPath  = "/v1/chat/completions"
	defaultMaxTokens = 4096
	maxResponseBody  = 8 << 20
)

// Client implements llm.Provider over an OpenAI-compatible endpoint.
// Each SendMessage is one logical request; its attempts run through the
// configured Retrier.
type Client struct {
	apiKey     string
	model      string
	endpoint   string
	name       string
	httpClient *http.Client
	retrier    *llm.Retrier
	logger     *slog.Logger
}

// Option configures the client.
type Option func(*Client)

// WithEndpoint sets the full chat completions URL.
func WithEndpoint(url string) Option {
	return func(c *Client) { c.endpoint = url }
}

// WithBaseURL sets the server root; the completions path is appended.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.endpoint = strings.TrimRight(url, "/") + completionsPath }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithName overrides the provider name (e.g. "ollama").
func WithName(name string) Option {
	return func(c *Client) { c.name = name }
}

// WithRetrier sets the retrier used for every request.
func WithRetrier(r *llm.Retrier) Option {
	return func(c *Client) { c.retrier = r }
}

// NewClient creates an OpenAI-compatible provider. Without WithEndpoint the
// HuggingFace router is used. An empty apiKey sends no Authorization header.
func NewClient(apiKey, model string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		model:      model,
		endpoint:   HuggingFace.DefaultURL(),
		name:       string(HuggingFace),
		httpClient: http.DefaultClient,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.retrier == nil {
		c.retrier = llm.NewRetrier(llm.DefaultRetryPolicy(), logger)
	}
	return c
}

func (c *Client) Name() string { return c.name }

// Endpoint returns the chat completions URL the client posts to.
func (c *Client) Endpoint() string { return c.endpoint }

// SendMessage sends the conversation to the endpoint. Transport failures are
// retried per the retrier's policy; a 2xx body that cannot be interpreted is
// reported as *llm.MalformedResponseError and never retried.
func (c *Client) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	body, err := json.Marshal(c.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	var (
		resp     *llm.Response
		attempts int
	)
	err = c.retrier.Do(ctx, func(ctx context.Context, attempt int) error {
		attempts = attempt
		r, err := c.post(ctx, body)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	resp.Attempts = attempts

	c.logger.DebugContext(ctx, "llm request completed",
		slog.String("provider", c.name),
		slog.String("model", c.modelFor(req)),
		slog.Int("attempts", attempts),
		slog.Int("input_tokens", resp.Usage.InputTokens),
		slog.Int("output_tokens", resp.Usage.OutputTokens),
		slog.String("stop_reason", resp.StopReason),
	)
	return resp, nil
}

// post performs a single attempt.
func (c *Client) post(ctx context.Context, body []byte) (*llm.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &llm.TransportError{Kind: llm.KindNetwork, Err: err}
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		return nil, &llm.TransportError{Kind: llm.KindNetwork, StatusCode: httpResp.StatusCode, Err: err}
	}

	if te := llm.ErrorFromStatus(httpResp.StatusCode, string(respBody), httpResp.Header); te != nil {
		return nil, te
	}

	var apiResp apiResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, &llm.MalformedResponseError{Reason: "decoding JSON", Body: preview(respBody), Err: err}
	}
	if len(apiResp.Choices) == 0 {
		return nil, &llm.MalformedResponseError{Reason: "no choices in response", Body: preview(respBody)}
	}
	return toResponse(&apiResp), nil
}

func (c *Client) modelFor(req *llm.Request) string {
	if req.Model != "" {
		return req.Model
	}
	return c.model
}

func (c *Client) buildRequest(req *llm.Request) apiRequest {
	messages := make([]apiMessage, 0, len(req.Messages)+1)

	// The system prompt always leads.
	if req.SystemPrompt != "" {
		messages = append(messages, apiMessage{Role: string(llm.RoleSystem), Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		messages = append(messages, apiMessage{Role: string(m.Role), Content: m.Content})
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	temperature := req.Temperature

	return apiRequest{
		Model:       c.modelFor(req),
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: &temperature,
		Stream:      false,
	}
}

func toResponse(apiResp *apiResponse) *llm.Response {
	choice := apiResp.Choices[0]
	return &llm.Response{
		Content:    choice.Message.Content,
		StopReason: normalizeFinishReason(choice.FinishReason),
		Usage: llm.Usage{
			InputTokens:  apiResp.Usage.PromptTokens,
			OutputTokens: apiResp.Usage.CompletionTokens,
		},
	}
}

func normalizeFinishReason(reason string) string {
	switch reason {
	case "stop":
		return "end_turn"
	case "length":
		return "max_tokens"
	default:
		return reason
	}
}

func preview(b []byte) string {
	const n = 500
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// IsAuthError reports whether err is a 401/403 from the endpoint.
func IsAuthError(err error) bool {
	var te *llm.TransportError
	if !errors.As(err, &te) {
		return false
	}
	return te.StatusCode == http.StatusUnauthorized || te.StatusCode == http.StatusForbidden
}

// --- wire types (unexported) ---

type apiRequest struct {
	Model       string       `json:"model"`
	Messages    []apiMessage `json:"messages"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
	Temperature *float64     `json:"temperature,omitempty"`
	Stream      bool         `json:"stream"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiResponse struct {
	Choices []apiChoice `json:"choices"`
	Usage   apiUsage    `json:"usage"`
}

type apiChoice struct {
	Message      apiMessage `json:"message"`
	FinishReason string     `json:"finish_reason"`
}

type apiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}
