package progress

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Event types. Every event carries exactly one of these in Type; complete
// and error are terminal for their channel.
const (
	TypeStatus   = "status"
	TypeProgress = "progress"
	TypeComplete = "complete"
	TypeError    = "error"
)

// HistorySize is the number of recent events a channel retains for
// late-joining consumers. Older events are evicted oldest-first.
const HistorySize = 50

// subscriberBuffer bounds each live subscriber's delivery queue. A
// subscriber that falls this far behind misses events; the cursor sequence
// makes the gap visible and the poll path can recover.
const subscriberBuffer = 256

// Event is one progress record. Cursor is assigned by the channel on emit
// and is strictly increasing within the channel; events are immutable once
// assigned.
type Event struct {
	Type    string         `json:"type"`
	Message string         `json:"message,omitempty"`
	Percent float64        `json:"percent,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`
	Cursor  int64          `json:"cursor"`
}

// Line renders the event as one newline-terminated NDJSON record.
func (e Event) Line() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// Subscriber receives live events for one channel. Events() is closed when
// the channel finishes. Always release with Registry.Unsubscribe.
type Subscriber struct {
	ch chan Event
}

// Events returns the live delivery queue.
func (s *Subscriber) Events() <-chan Event { return s.ch }

// Channel buffers progress events for one operation.
type Channel struct {
	mu        sync.Mutex
	history   []Event
	cursor    int64
	closed    bool
	subs      map[*Subscriber]struct{}
	lastTouch time.Time
}

func newChannel() *Channel {
	return &Channel{
		subs:      make(map[*Subscriber]struct{}),
		lastTouch: time.Now(),
	}
}

// Registry maps operation ids to progress channels. Channels are created
// lazily on first reference and removed once closed with no subscribers.
type Registry struct {
	mu       sync.Mutex
	channels map[string]*Channel
}

// NewRegistry creates an empty progress registry.
func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]*Channel)}
}

// Ensure returns the channel for id, creating it if needed.
func (r *Registry) Ensure(id string) *Channel {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.channels[id]
	if !ok {
		c = newChannel()
		r.channels[id] = c
	}
	c.mu.Lock()
	c.lastTouch = time.Now()
	c.mu.Unlock()
	return c
}

func (r *Registry) lookup(id string) (*Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.channels[id]
	return c, ok
}

// Emit appends an event to the channel for id, assigning the next cursor,
// and pushes it to live subscribers. Emitting with an empty id is a no-op:
// upstream code may report progress without an active listener.
func (r *Registry) Emit(id string, ev Event) {
	if id == "" {
		return
	}
	c := r.Ensure(id)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.cursor++
	ev.Cursor = c.cursor
	c.history = append(c.history, ev)
	if len(c.history) > HistorySize {
		c.history = c.history[len(c.history)-HistorySize:]
	}
	c.lastTouch = time.Now()

	// Delivery is non-blocking, so holding the lock here cannot stall the
	// emitting worker; it also keeps the close in Finish/Unsubscribe from
	// racing these sends.
	for s := range c.subs {
		select {
		case s.ch <- ev:
		default:
			// Slow consumer; it will see the cursor gap and can poll.
			log.Debug().Str("component", "progress").Str("operation", id).
				Int64("cursor", ev.Cursor).Msg("dropping event for slow subscriber")
		}
	}
}

// Subscribe attaches a live consumer to the channel for id and returns the
// buffered history for immediate replay. If the channel is already closed
// the subscriber's queue is closed right away; the history snapshot is
// still complete.
func (r *Registry) Subscribe(id string) (*Subscriber, []Event) {
	c := r.Ensure(id)

	c.mu.Lock()
	defer c.mu.Unlock()

	s := &Subscriber{ch: make(chan Event, subscriberBuffer)}
	snapshot := make([]Event, len(c.history))
	copy(snapshot, c.history)
	if c.closed {
		close(s.ch)
		return s, snapshot
	}
	c.subs[s] = struct{}{}
	return s, snapshot
}

// Unsubscribe detaches a live consumer. When the channel is closed and the
// last subscriber leaves, the channel is dropped from the registry.
func (r *Registry) Unsubscribe(id string, s *Subscriber) {
	c, ok := r.lookup(id)
	if !ok {
		return
	}

	c.mu.Lock()
	if _, attached := c.subs[s]; attached {
		delete(c.subs, s)
		close(s.ch)
	}
	remove := c.closed && len(c.subs) == 0
	c.mu.Unlock()

	if remove {
		r.mu.Lock()
		delete(r.channels, id)
		r.mu.Unlock()
	}
}

// EventsSince returns the buffered events with cursor strictly greater
// than after, the cursor to use on the next call, and whether the channel
// has finished. Unknown ids return no events and done=false so a poller
// can start before the operation registers.
func (r *Registry) EventsSince(id string, after int64) ([]Event, int64, bool) {
	c, ok := r.lookup(id)
	if !ok {
		return nil, after, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastTouch = time.Now()
	var out []Event
	next := after
	for _, ev := range c.history {
		if ev.Cursor > after {
			out = append(out, ev)
			next = ev.Cursor
		}
	}
	if len(out) == 0 && c.cursor > after {
		// Everything after the caller's cursor was evicted; jump past the
		// gap so the next poll does not re-report it.
		next = c.cursor
	}
	return out, next, c.closed
}

// Finish marks the channel closed and releases live subscribers by closing
// their queues. Closing twice is a no-op; emits after Finish are dropped.
func (r *Registry) Finish(id string) {
	c, ok := r.lookup(id)
	if !ok {
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.lastTouch = time.Now()
	for s := range c.subs {
		close(s.ch)
	}
	c.subs = make(map[*Subscriber]struct{})
	c.mu.Unlock()
}

// Drop removes the channel for id regardless of state, closing any live
// subscribers. Used when an operation id is reused: the successor run must
// not inherit a closed channel or a stale cursor sequence.
func (r *Registry) Drop(id string) {
	r.mu.Lock()
	c, ok := r.channels[id]
	delete(r.channels, id)
	r.mu.Unlock()
	if !ok {
		return
	}

	c.mu.Lock()
	if !c.closed {
		c.closed = true
		for s := range c.subs {
			close(s.ch)
		}
		c.subs = make(map[*Subscriber]struct{})
	}
	c.mu.Unlock()
}

// Sweep drops closed channels that have not been touched since cutoff.
// Needed for poll-only consumers, which never trigger the unsubscribe
// removal path. Returns the number of channels removed.
func (r *Registry) Sweep(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, c := range r.channels {
		c.mu.Lock()
		stale := c.closed && len(c.subs) == 0 && c.lastTouch.Before(cutoff)
		c.mu.Unlock()
		if stale {
			delete(r.channels, id)
			removed++
		}
	}
	return removed
}
