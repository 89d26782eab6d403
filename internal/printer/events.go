package printer

import (
	"sync"
	"time"
)

// EventType classifies manager notifications.
type EventType string

const (
	EventConnected       EventType = "connected"
	EventDisconnected    EventType = "disconnected"
	EventReconnecting    EventType = "reconnecting"
	EventReconnectFailed EventType = "reconnect_failed"
	EventRestoreFailed   EventType = "restore_failed"
	EventDeviceFound     EventType = "device_found"
	EventCommandFailed   EventType = "command_failed"
	EventQueueFull       EventType = "queue_full"
	EventHealthWarning   EventType = "health_warning"
	EventFlowAdjusted    EventType = "flow_adjusted"
	EventPowerModeChange EventType = "power_mode_change"
)

// Event is a structured notification. Err is set for failure events so a
// subscriber can distinguish "your command failed" from "the link is
// down" by Type.
type Event struct {
	Type     EventType
	DeviceID string
	Detail   string
	Err      error
	Time     time.Time
}

// eventBus fans events out to subscriber channels. Delivery is
// best-effort: a subscriber that stops draining loses events rather than
// stalling the scheduler.
type eventBus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func newEventBus() *eventBus {
	return &eventBus{subs: make(map[int]chan Event)}
}

// subscribe returns a buffered event channel and a cancel function that
// closes it.
func (b *eventBus) subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	b.mu.Lock()
	id := b.next
	b.next++
	ch := make(chan Event, buffer)
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

func (b *eventBus) publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// slow subscriber, drop
		}
	}
}

func (b *eventBus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
