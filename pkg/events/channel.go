package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultBufferSize is the per-subscriber queue bound used when the channel
// is constructed with a non-positive size.
const DefaultBufferSize = 256

// Filter selects which events a subscription receives. A nil filter
// receives everything.
type Filter func(Event) bool

// TypeFilter returns a Filter matching any of the given event types.
func TypeFilter(types ...string) Filter {
	set := make(map[string]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return func(e Event) bool { return set[e.Type] }
}

// Channel is the process-wide event bus. Safe for concurrent producers;
// event order per producer is preserved within each subscription.
type Channel struct {
	mu      sync.Mutex
	subs    map[string]*Subscription
	buffer  int
	closed  bool
	dropped int64
}

// NewChannel creates a bus whose subscriptions buffer up to size events.
func NewChannel(size int) *Channel {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &Channel{
		subs:   make(map[string]*Subscription),
		buffer: size,
	}
}

// Publish fans the event out to all matching subscriptions. It never blocks:
// when a subscription's queue is full, droppable events (step.progress and
// streaming llm.response deltas) are shed first; lifecycle events are
// always enqueued. Missing ID/Timestamp fields are filled in.
func (c *Channel) Publish(evt Event) {
	if c == nil {
		return
	}
	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	subs := make([]*Subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		if s.filter != nil && !s.filter(evt) {
			continue
		}
		if !s.enqueue(evt, c.buffer) {
			c.mu.Lock()
			c.dropped++
			c.mu.Unlock()
		}
	}
}

// Dropped returns the number of events shed under backpressure since
// construction.
func (c *Channel) Dropped() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Subscribe registers a new subscription scoped to ctx. The subscription is
// closed when ctx is cancelled or Close is called on it, whichever first.
func (c *Channel) Subscribe(ctx context.Context, filter Filter) *Subscription {
	s := &Subscription{
		id:     uuid.New().String(),
		filter: filter,
		out:    make(chan Event),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		close(s.out)
		close(s.done)
		return s
	}
	c.subs[s.id] = s
	c.mu.Unlock()

	go s.pump()
	go func() {
		select {
		case <-ctx.Done():
			c.unsubscribe(s)
		case <-s.done:
		}
	}()
	s.closeFn = func() { c.unsubscribe(s) }
	return s
}

// Close shuts the bus down and closes every subscription.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := make([]*Subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.subs = make(map[string]*Subscription)
	c.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
}

func (c *Channel) unsubscribe(s *Subscription) {
	c.mu.Lock()
	_, ok := c.subs[s.id]
	delete(c.subs, s.id)
	c.mu.Unlock()
	if ok {
		s.close()
	}
}

// Subscription is one subscriber's view of the channel: a bounded queue
// drained through Events().
type Subscription struct {
	id     string
	filter Filter

	mu    sync.Mutex
	queue []Event

	out       chan Event
	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closeFn   func()
}

// Events returns the delivery stream. The channel is closed when the
// subscription ends.
func (s *Subscription) Events() <-chan Event { return s.out }

// Close detaches the subscription from the bus.
func (s *Subscription) Close() {
	if s.closeFn != nil {
		s.closeFn()
	} else {
		s.close()
	}
}

// droppable reports whether an event may be shed under backpressure:
// progress ticks and interim streaming deltas only.
func droppable(evt Event) bool {
	switch evt.Type {
	case EventTypeStepProgress:
		return true
	case EventTypeLLMResponse:
		if p, ok := evt.Payload.(LLMResponsePayload); ok {
			return p.FinishReason == FinishReasonStreaming
		}
	}
	return false
}

// enqueue appends evt to the queue, applying the drop policy at bound.
// Returns false if an event (incoming or queued) was shed.
func (s *Subscription) enqueue(evt Event, bound int) bool {
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return true
	default:
	}

	ok := true
	if len(s.queue) >= bound {
		if droppable(evt) {
			// Incoming event is low severity: drop it outright.
			s.mu.Unlock()
			return false
		}
		// Lifecycle event: make room by shedding the oldest droppable
		// queued event. If none exists the queue grows past the bound —
		// lifecycle events are never dropped.
		for i, q := range s.queue {
			if droppable(q) {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				ok = false
				break
			}
		}
	}
	s.queue = append(s.queue, evt)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return ok
}

// pump drains the queue into the out channel, preserving order.
func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		var evt Event
		have := len(s.queue) > 0
		if have {
			evt = s.queue[0]
			s.queue = s.queue[1:]
		}
		s.mu.Unlock()

		if have {
			select {
			case s.out <- evt:
				continue
			case <-s.done:
				return
			}
		}

		select {
		case <-s.notify:
		case <-s.done:
			return
		}
	}
}

func (s *Subscription) close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// LogDropped is a diagnostic helper hosts can defer at shutdown.
func (c *Channel) LogDropped() {
	if n := c.Dropped(); n > 0 {
		slog.Debug("Event channel shed low-severity events under backpressure", "dropped", n)
	}
}
