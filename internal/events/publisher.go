package events

import (
	"sync"
)

// GlobalTaskID subscribes to every task's events rather than one task's.
const GlobalTaskID = "*"

// defaultBufferSize is the per-subscriber channel buffer. Sized for a
// dashboard following a busy daemon: large enough to absorb a phase
// burst, small enough that an abandoned subscriber wastes little.
const defaultBufferSize = 100

// Publisher fans task lifecycle and phase events out to subscribers.
type Publisher interface {
	// Publish delivers an event to the task's subscribers and to global
	// ones. It never blocks.
	Publish(event Event)
	// Subscribe returns a channel receiving events for the given task
	// ID, or for all tasks when the ID is GlobalTaskID.
	Subscribe(taskID string) <-chan Event
	// Unsubscribe removes a subscription and closes its channel.
	Unsubscribe(taskID string, ch <-chan Event)
	// Close shuts the publisher down, closing every subscription.
	Close()
}

// MemoryPublisher is the in-process Publisher the daemon runs with. The
// WebSocket layer re-broadcasts from here to remote clients.
type MemoryPublisher struct {
	mu          sync.RWMutex
	subscribers map[string][]chan Event
	bufferSize  int
	closed      bool
}

// PublisherOption configures a MemoryPublisher.
type PublisherOption func(*MemoryPublisher)

// WithBufferSize overrides the per-subscriber buffer size.
func WithBufferSize(size int) PublisherOption {
	return func(p *MemoryPublisher) {
		p.bufferSize = size
	}
}

// NewMemoryPublisher creates an in-process publisher.
func NewMemoryPublisher(opts ...PublisherOption) *MemoryPublisher {
	p := &MemoryPublisher{
		subscribers: make(map[string][]chan Event),
		bufferSize:  defaultBufferSize,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish delivers the event to the task's subscribers and the global
// ones. Sends are non-blocking: a subscriber that stopped draining loses
// events rather than stalling the daemon.
func (p *MemoryPublisher) Publish(event Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return
	}

	p.fanOut(p.subscribers[event.TaskID], event)
	if event.TaskID != GlobalTaskID {
		p.fanOut(p.subscribers[GlobalTaskID], event)
	}
}

// fanOut offers the event to each channel, dropping on full buffers.
// Callers hold at least the read lock.
func (p *MemoryPublisher) fanOut(subs []chan Event, event Event) {
	for _, ch := range subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe registers a new subscription for the task ID. After Close it
// returns an already-closed channel, so ranging over it ends immediately.
func (p *MemoryPublisher) Subscribe(taskID string) <-chan Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	ch := make(chan Event, p.bufferSize)
	p.subscribers[taskID] = append(p.subscribers[taskID], ch)
	return ch
}

// Unsubscribe removes the subscription and closes its channel. Unknown
// channels are ignored.
func (p *MemoryPublisher) Unsubscribe(taskID string, ch <-chan Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	subs := p.subscribers[taskID]
	for i, sub := range subs {
		if sub == ch {
			p.subscribers[taskID] = append(subs[:i], subs[i+1:]...)
			close(sub)
			break
		}
	}

	if len(p.subscribers[taskID]) == 0 {
		delete(p.subscribers, taskID)
	}
}

// Close shuts the publisher down and closes every subscription channel.
// Publishing after Close is a no-op.
func (p *MemoryPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true

	for taskID, subs := range p.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(p.subscribers, taskID)
	}
}

// SubscriberCount reports how many subscriptions a task ID has.
func (p *MemoryPublisher) SubscriberCount(taskID string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subscribers[taskID])
}

// NopPublisher discards everything. Components take it when events are
// not wired, so they never nil-check their publisher.
type NopPublisher struct{}

// Publish does nothing.
func (p *NopPublisher) Publish(event Event) {}

// Subscribe returns an already-closed channel.
func (p *NopPublisher) Subscribe(taskID string) <-chan Event {
	ch := make(chan Event)
	close(ch)
	return ch
}

// Unsubscribe does nothing.
func (p *NopPublisher) Unsubscribe(taskID string, ch <-chan Event) {}

// Close does nothing.
func (p *NopPublisher) Close() {}

// NewNopPublisher creates a publisher that discards all events.
func NewNopPublisher() *NopPublisher {
	return &NopPublisher{}
}
