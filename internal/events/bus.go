package events

import (
	"sync"
	"time"
)

// Type identifies a change-notification stream.
type Type string

const (
	// TypeStatusChanged fires on every conscript lifecycle transition.
	TypeStatusChanged Type = "status_changed"
	// TypeNotification fires alongside transitions that warrant user attention.
	TypeNotification Type = "notification"
	// TypeProvisionOutput streams provisioning progress lines.
	TypeProvisionOutput Type = "provision_output"
	// TypeProgress fires when the orchestrator snapshot changes.
	TypeProgress Type = "progress"
)

// Event is one bus message.
type Event struct {
	Type Type
	At   time.Time
	Data map[string]any
}

// Subscriber receives events asynchronously.
type Subscriber func(Event)

// Bus is a non-blocking in-process pub/sub stream. Delivery is asynchronous
// via buffered channels; a full subscriber drops the event rather than
// stalling a transition.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Type][]chan Event
	bufferSize  int
}

func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Bus{
		subscribers: make(map[Type][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers fn for one event type and returns an unsubscribe
// function. fn runs on a dedicated goroutine; panics are swallowed so one bad
// subscriber cannot take down the stream.
func (b *Bus) Subscribe(t Type, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[t] = append(b.subscribers[t], ch)

	go func() {
		for ev := range ch {
			func() {
				defer func() { _ = recover() }()
				fn(ev)
			}()
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[t]
		for i, c := range subs {
			if c == ch {
				b.subscribers[t] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
}

// Publish delivers an event to all subscribers of t without blocking.
func (b *Bus) Publish(t Type, data map[string]any) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	ev := Event{Type: t, At: time.Now(), Data: data}
	for _, ch := range b.subscribers[t] {
		select {
		case ch <- ev:
		default:
		}
	}
}
