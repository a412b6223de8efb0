package eventbus

import (
	"context"
	"sync"

	"pkt.systems/pslog"
	"pkt.systems/termwire/schema"
)

// EventType identifies the event payload.
type EventType string

const (
	// EventBinding carries binding lifecycle updates for one tab.
	EventBinding EventType = "binding"
	// EventSync carries session state changes, fanned out to every tab.
	EventSync EventType = "sync"
)

// Event represents a view-facing event. Raw terminal output never rides the
// bus: surfaces receive it directly so it cannot be dropped.
type Event struct {
	Type    EventType
	Binding schema.BindingEvent
	Sync    schema.SyncEvent
}

// Bus fans view events out to per-tab subscribers. Delivery is best effort:
// a full subscriber drops events rather than blocking the publisher, and
// views re-render from snapshots.
type Bus struct {
	mu    sync.Mutex
	subs  map[schema.TabID]map[chan Event]struct{}
	log   pslog.Logger
	depth int
}

// New constructs a Bus.
func New(logger pslog.Logger) *Bus {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Bus{
		subs:  make(map[schema.TabID]map[chan Event]struct{}),
		log:   logger,
		depth: 256,
	}
}

// Subscribe registers a subscriber for the tab and returns a channel + cancel.
// The subscriber receives binding events for its tab and all sync events.
func (b *Bus) Subscribe(tabID schema.TabID) (<-chan Event, func()) {
	if b == nil {
		return nil, func() {}
	}
	ch := make(chan Event, b.depth)
	b.mu.Lock()
	tabSubs := b.subs[tabID]
	if tabSubs == nil {
		tabSubs = make(map[chan Event]struct{})
		b.subs[tabID] = tabSubs
	}
	tabSubs[ch] = struct{}{}
	count := len(tabSubs)
	b.mu.Unlock()
	if b.log != nil {
		b.log.With("tab", tabID).Debug("eventbus subscribe", "subs", count)
	}
	return ch, func() {
		b.mu.Lock()
		if subs := b.subs[tabID]; subs != nil {
			delete(subs, ch)
			if len(subs) == 0 {
				delete(b.subs, tabID)
			}
		}
		b.mu.Unlock()
		close(ch)
		if b.log != nil {
			b.log.With("tab", tabID).Debug("eventbus unsubscribe")
		}
	}
}

// OnBindingEvent publishes a binding event to its tab's subscribers.
func (b *Bus) OnBindingEvent(event schema.BindingEvent) {
	b.publish(event.TabID, Event{Type: EventBinding, Binding: event})
}

// OnSyncEvent publishes a session state event to every subscriber.
func (b *Bus) OnSyncEvent(event schema.SyncEvent) {
	if b == nil {
		return
	}
	b.mu.Lock()
	var subs []chan Event
	for _, tabSubs := range b.subs {
		for sub := range tabSubs {
			subs = append(subs, sub)
		}
	}
	b.mu.Unlock()
	b.deliver(subs, Event{Type: EventSync, Sync: event}, "")
}

func (b *Bus) publish(tabID schema.TabID, event Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	tabSubs := b.subs[tabID]
	subs := make([]chan Event, 0, len(tabSubs))
	for sub := range tabSubs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()
	b.deliver(subs, event, tabID)
}

func (b *Bus) deliver(subs []chan Event, event Event, tabID schema.TabID) {
	if len(subs) == 0 {
		return
	}
	dropped := 0
	for _, sub := range subs {
		select {
		case sub <- event:
		default:
			dropped++
		}
	}
	if dropped > 0 && b.log != nil {
		log := b.log
		if tabID != "" {
			log = log.With("tab", tabID)
		}
		log.Trace("eventbus dropped", "count", dropped)
	}
}
