// Package llm defines the provider-agnostic interface for chat-completion
// backends, the transport error taxonomy, and the retrying transport.
package llm

import "context"

// Provider is the abstraction over any chat-completion backend
// (HuggingFace router, Ollama, any OpenAI-compatible server).
type Provider interface {
	// SendMessage sends a conversation to the model and returns its response.
	SendMessage(ctx context.Context, req *Request) (*Response, error)
	// Name returns the provider identifier (e.g. "huggingface").
	Name() string
}

// Request is one generation call. It is built once per call and never
// mutated after it has been handed to a Provider.
type Request struct {
	SystemPrompt string
	Messages     []Message
	Model        string  // Empty = provider default.
	MaxTokens    int     // 0 = provider default.
	Temperature  float64 // Sent as-is; 0 is a valid temperature.
}

// Message is a single turn in the conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Role identifies who sent a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Response is what the model returns.
type Response struct {
	Content    string
	Usage      Usage
	StopReason string // "end_turn", "max_tokens", or the raw finish reason.
	Attempts   int    // Transport attempts used to obtain this response.
}

// Usage tracks token consumption.
type Usage struct {
	InputTokens  int
	OutputTokens int
}
