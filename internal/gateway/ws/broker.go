package ws

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/jkaninda/pymakebot/internal/pipeline"
)

const (
	defaultBuffer = 256
	defaultReplay = 100
)

// Broker fans pipeline events out to stream subscribers. Publish never
// blocks: a subscriber whose buffer is full misses the event.
type Broker struct {
	mu      sync.RWMutex
	subs    map[uint64]chan pipeline.Event
	nextID  uint64
	buffer  int
	recent  []pipeline.Event // ring of the last replay events
	replay  int
	tracker *RunTracker
	dropped atomic.Uint64
	logger  *slog.Logger
}

var _ pipeline.Publisher = (*Broker)(nil)

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithBuffer sets the per-subscriber channel capacity.
func WithBuffer(n int) BrokerOption {
	return func(b *Broker) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithReplay sets how many recent events a new subscriber receives first.
// Zero disables replay.
func WithReplay(n int) BrokerOption {
	return func(b *Broker) {
		if n >= 0 {
			b.replay = n
		}
	}
}

// WithTracker feeds every published event to t.
func WithTracker(t *RunTracker) BrokerOption {
	return func(b *Broker) { b.tracker = t }
}

// NewBroker creates a broker.
func NewBroker(logger *slog.Logger, opts ...BrokerOption) *Broker {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	b := &Broker{
		subs:   make(map[uint64]chan pipeline.Event),
		buffer: defaultBuffer,
		replay: defaultReplay,
		logger: logger,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Publish delivers ev to every subscriber without blocking.
func (b *Broker) Publish(ev pipeline.Event) {
	if b.tracker != nil {
		b.tracker.Observe(ev)
	}

	b.mu.Lock()
	if b.replay > 0 {
		b.recent = append(b.recent, ev)
		if len(b.recent) > b.replay {
			b.recent = b.recent[len(b.recent)-b.replay:]
		}
	}
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			n := b.dropped.Add(1)
			b.logger.Debug("stream subscriber lagging, event dropped",
				slog.Uint64("subscriber", id),
				slog.String("type", string(ev.Type)),
				slog.Uint64("dropped_total", n),
			)
		}
	}
	b.mu.Unlock()
}

// Subscribe registers a subscriber. The channel first receives the replayed
// events, then live ones. cancel unregisters and closes the channel.
func (b *Broker) Subscribe() (events <-chan pipeline.Event, cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	capacity := b.buffer
	if len(b.recent) > capacity {
		capacity = len(b.recent)
	}
	ch := make(chan pipeline.Event, capacity)
	for _, ev := range b.recent {
		ch <- ev
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the number of live subscribers.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped for slow subscribers.
func (b *Broker) Dropped() uint64 { return b.dropped.Load() }

// Tracker returns the run tracker, or nil.
func (b *Broker) Tracker() *RunTracker { return b.tracker }
