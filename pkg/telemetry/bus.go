package telemetry

import (
	"sync"
)

// EventType discriminates bus events.
type EventType string

const (
	EventStatus   EventType = "status"
	EventProgress EventType = "progress"
	EventThought  EventType = "thought"
	EventComplete EventType = "complete"
)

// Event is one bus entry; exactly one payload field is set per Type.
type Event struct {
	Type     EventType
	Status   Status
	Progress Progress
	Thought  Thought
	Complete Complete
}

// Bus fans events out to subscribers over bounded queues. A slow
// subscriber never blocks the emitter: when its queue is full the oldest
// event is dropped and replaced with a telemetry-dropped status marker.
type Bus struct {
	mu        sync.Mutex
	subs      map[int]*subscriber
	nextID    int
	queueSize int
	closed    bool
}

type subscriber struct {
	ch      chan Event
	dropped bool
}

// NewBus creates a bus with the given per-subscriber queue size
// (minimum 256).
func NewBus(queueSize int) *Bus {
	if queueSize < 256 {
		queueSize = 256
	}
	return &Bus{
		subs:      make(map[int]*subscriber),
		queueSize: queueSize,
	}
}

// Subscribe registers a consumer. The returned cancel function
// unregisters it and closes the channel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	sub := &subscriber{ch: make(chan Event, b.queueSize)}
	b.subs[id] = sub

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
	}
	return sub.ch, cancel
}

// Publish delivers the event to every subscriber without blocking.
func (b *Bus) Publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	for _, sub := range b.subs {
		b.offer(sub, event)
	}
}

func (b *Bus) offer(sub *subscriber, event Event) {
	select {
	case sub.ch <- event:
		return
	default:
	}

	// Queue full: drop the oldest entry, then insert a drop marker
	// followed by the new event when room allows.
	select {
	case <-sub.ch:
	default:
	}
	if !sub.dropped {
		sub.dropped = true
		select {
		case sub.ch <- Event{Type: EventStatus, Status: Status{Stage: StageDropped, Message: "telemetry events dropped for slow consumer"}}:
		default:
		}
	}
	select {
	case sub.ch <- event:
	default:
	}
}

// Close unregisters all subscribers and closes their channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// EmitStatus implements Telemetry.
func (b *Bus) EmitStatus(status Status) {
	b.Publish(Event{Type: EventStatus, Status: status})
}

// EmitProgress implements Telemetry.
func (b *Bus) EmitProgress(progress Progress) {
	b.Publish(Event{Type: EventProgress, Progress: progress})
}

// EmitThought implements Telemetry.
func (b *Bus) EmitThought(thought Thought) {
	b.Publish(Event{Type: EventThought, Thought: thought})
}

// EmitComplete implements Telemetry.
func (b *Bus) EmitComplete(summary Complete) {
	b.Publish(Event{Type: EventComplete, Complete: summary})
}

var _ Telemetry = (*Bus)(nil)
