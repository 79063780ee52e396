package openai

import (
	"fmt"
	"strings"
)

// Kind names a supported chat completions backend.
type Kind string

const (
	HuggingFace      Kind = "huggingface"
	Ollama           Kind = "ollama"
	OpenAICompatible Kind = "openai-compatible"
)

// ParseKind maps a configured provider name, including its aliases, to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "huggingface", "hf":
		return HuggingFace, nil
	case "ollama":
		return Ollama, nil
	case "openai-compatible", "openai", "custom":
		return OpenAICompatible, nil
	default:
		return "", fmt.Errorf("unknown provider %q (supported: huggingface, ollama, openai-compatible)", s)
	}
}

// DefaultURL returns the default chat completions URL. OpenAI-compatible
// servers have none.
func (k Kind) DefaultURL() string {
	switch k {
	case HuggingFace:
		return "https://router.huggingface.co/v1/chat/completions"
	case Ollama:
		return "http://localhost:11434/v1/chat/completions"
	default:
		return ""
	}
}

// DisplayName is the human-readable backend name.
func (k Kind) DisplayName() string {
	switch k {
	case HuggingFace:
		return "HuggingFace"
	case Ollama:
		return "Ollama (local)"
	case OpenAICompatible:
		return "OpenAI-compatible"
	default:
		return string(k)
	}
}

// TokenEnv is the environment variable holding the bearer token.
func (k Kind) TokenEnv() string {
	if k == HuggingFace {
		return "HF_TOKEN"
	}
	return "LLM_API_KEY"
}

// RequiresToken reports whether requests without a token are rejected
// before they are sent.
func (k Kind) RequiresToken() bool { return k == HuggingFace }

// ResolveURL returns the configured URL when set, otherwise the default.
// The HuggingFace router URL configured for another backend is treated as
// unset, so switching providers does not keep posting to HuggingFace.
func (k Kind) ResolveURL(configured string) (string, error) {
	configured = strings.TrimSpace(configured)
	if configured != "" && (k == HuggingFace || configured != HuggingFace.DefaultURL()) {
		return configured, nil
	}
	if def := k.DefaultURL(); def != "" {
		return def, nil
	}
	return "", fmt.Errorf("provider %s requires an explicit api_url", k.DisplayName())
}
