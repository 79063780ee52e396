package pipeline

import (
	"time"

	"github.com/jkaninda/pymakebot/internal/sandbox"
)

// EventType names a pipeline notification.
type EventType string

const (
	EventGeneration        EventType = "generation"
	EventExecutionStarted  EventType = "execution_started"
	EventExecutionFinished EventType = "execution_finished"
	EventOutput            EventType = "output"
	EventState             EventType = "state"
	EventInstall           EventType = "install"
	EventFallback          EventType = "fallback"
	EventScriptCreated     EventType = "script_created"
	EventError             EventType = "error"
)

// Event is what the dashboard streams to its clients.
type Event struct {
	Type    EventType `json:"type"`
	RunID   string    `json:"run_id,omitempty"`
	Stream  string    `json:"stream,omitempty"` // "stdout" or "stderr" for EventOutput.
	Content string    `json:"content"`
	Time    time.Time `json:"time"`
}

// Publisher receives pipeline events. Implementations must not block.
type Publisher interface {
	Publish(Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Event)

func (f PublisherFunc) Publish(ev Event) { f(ev) }

// SandboxObserver converts orchestrator lifecycle events into pipeline
// events on pub. Pass it to sandbox.WithObserver.
func SandboxObserver(pub Publisher) func(sandbox.Event) {
	return func(ev sandbox.Event) {
		if pub == nil {
			return
		}
		out := Event{RunID: ev.RunID, Time: time.Now().UTC()}
		switch ev.Kind {
		case sandbox.EventFallback:
			out.Type, out.Content = EventFallback, ev.Message
		case sandbox.EventInstall:
			out.Type, out.Content = EventInstall, ev.Message
		default:
			out.Type, out.Content = EventState, ev.State.String()
		}
		pub.Publish(out)
	}
}
