package events

import (
	"sync"
)

// GlobalSpecID is the special spec ID for subscribing to all spec events.
const GlobalSpecID = "*"

// Publisher defines the interface for event publishing.
type Publisher interface {
	// Publish sends an event to all subscribers of the spec.
	Publish(event Event)
	// Subscribe returns a channel that receives events for the given spec.
	// Use GlobalSpecID ("*") to receive events for all specs. New subscribers
	// receive only future events; there is no replay.
	Subscribe(specID string) <-chan Event
	// Unsubscribe removes a subscription channel.
	Unsubscribe(specID string, ch <-chan Event)
	// Close shuts down the publisher and all subscriptions.
	Close()
}

// MemoryPublisher is an in-memory implementation of Publisher.
type MemoryPublisher struct {
	subscribers map[string][]chan Event
	mu          sync.RWMutex
	bufferSize  int
	closed      bool
}

// PublisherOption configures a MemoryPublisher.
type PublisherOption func(*MemoryPublisher)

// WithBufferSize sets the channel buffer size for subscribers.
func WithBufferSize(size int) PublisherOption {
	return func(p *MemoryPublisher) {
		p.bufferSize = size
	}
}

// NewMemoryPublisher creates a new in-memory publisher.
func NewMemoryPublisher(opts ...PublisherOption) *MemoryPublisher {
	p := &MemoryPublisher{
		subscribers: make(map[string][]chan Event),
		bufferSize:  100,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish sends an event to all subscribers of the spec, plus global
// subscribers. Non-blocking: subscribers with full buffers miss the event
// rather than stalling the pipeline.
func (p *MemoryPublisher) Publish(event Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return
	}

	for _, ch := range p.subscribers[event.SpecID] {
		select {
		case ch <- event:
		default:
		}
	}

	if event.SpecID != GlobalSpecID {
		for _, ch := range p.subscribers[GlobalSpecID] {
			select {
			case ch <- event:
			default:
			}
		}
	}
}

// Subscribe returns a channel that receives events for the given spec.
func (p *MemoryPublisher) Subscribe(specID string) <-chan Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	ch := make(chan Event, p.bufferSize)
	p.subscribers[specID] = append(p.subscribers[specID], ch)
	return ch
}

// Unsubscribe removes a subscription channel and closes it.
func (p *MemoryPublisher) Unsubscribe(specID string, ch <-chan Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	subs := p.subscribers[specID]
	for i, sub := range subs {
		if sub == ch {
			p.subscribers[specID] = append(subs[:i], subs[i+1:]...)
			close(sub)
			break
		}
	}

	if len(p.subscribers[specID]) == 0 {
		delete(p.subscribers, specID)
	}
}

// Close shuts down the publisher and closes all subscription channels.
func (p *MemoryPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true

	for specID, subs := range p.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(p.subscribers, specID)
	}
}

// SubscriberCount returns the number of subscribers for a spec.
func (p *MemoryPublisher) SubscriberCount(specID string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subscribers[specID])
}

// NopPublisher is a no-op publisher for tests or when events are disabled.
type NopPublisher struct{}

// NewNopPublisher creates a no-op publisher.
func NewNopPublisher() *NopPublisher { return &NopPublisher{} }

// Publish does nothing.
func (p *NopPublisher) Publish(event Event) {}

// Subscribe returns a closed channel.
func (p *NopPublisher) Subscribe(specID string) <-chan Event {
	ch := make(chan Event)
	close(ch)
	return ch
}

// Unsubscribe does nothing.
func (p *NopPublisher) Unsubscribe(specID string, ch <-chan Event) {}

// Close does nothing.
func (p *NopPublisher) Close() {}
