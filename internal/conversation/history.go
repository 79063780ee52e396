// Package conversation keeps the multi-turn message history and drives
// generation requests against an llm.Provider.
package conversation

import (
	"sync"

	"github.com/jkaninda/pymakebot/internal/llm"
)

// DefaultMaxMessages bounds the history when no limit is configured.
const DefaultMaxMessages = 20

// History is the ordered conversation. It changes only by appending a
// completed exchange and by trimming; callers see copies.
type History struct {
	mu       sync.RWMutex
	messages []llm.Message
	max      int
}

// NewHistory returns an empty history holding at most max messages.
// Values below 2 are raised to 2 so the latest exchange always fits.
func NewHistory(max int) *History {
	if max <= 0 {
		max = DefaultMaxMessages
	}
	if max < 2 {
		max = 2
	}
	return &History{max: max}
}

// Max returns the configured bound.
func (h *History) Max() int { return h.max }

// Len returns the number of stored messages.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.messages)
}

// Snapshot returns a copy of the messages in order.
func (h *History) Snapshot() []llm.Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]llm.Message, len(h.messages))
	copy(out, h.messages)
	return out
}

// Clear drops every message.
func (h *History) Clear() {
	h.mu.Lock()
	h.messages = nil
	h.mu.Unlock()
}

// commit appends a finished exchange and trims.
func (h *History) commit(msgs ...llm.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, msgs...)
	h.trimLocked()
}

// trimLocked evicts the oldest non-system messages until the bound holds.
// A user message leaves together with the assistant reply that follows it,
// so the history never opens on an orphaned reply. System messages and the
// final two messages are never evicted.
func (h *History) trimLocked() {
	for len(h.messages) > h.max {
		protectedFrom := len(h.messages) - 2
		victim := -1
		for i := 0; i < protectedFrom; i++ {
			if h.messages[i].Role != llm.RoleSystem {
				victim = i
				break
			}
		}
		if victim < 0 {
			return
		}
		end := victim + 1
		if h.messages[victim].Role == llm.RoleUser && end < protectedFrom &&
			h.messages[end].Role == llm.RoleAssistant {
			end++
		}
		h.messages = append(h.messages[:victim], h.messages[end:]...)
	}
}

// Turns returns the user/assistant pairs for display, oldest first.
func (h *History) Turns() []llm.Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]llm.Message, 0, len(h.messages))
	for _, m := range h.messages {
		if m.Role != llm.RoleSystem {
			out = append(out, m)
		}
	}
	return out
}
