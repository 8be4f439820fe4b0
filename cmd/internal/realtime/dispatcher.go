package realtime

import (
	"sync"
)

// Dispatcher fans one event out to several consumers.
//
// A Channel keeps one listener per event name; a Dispatcher claims that
// listener slot for each event it serves and forwards to its own handlers
// in registration order.
type Dispatcher struct {
	ch *Channel

	mu       sync.Mutex
	handlers map[string][]subscription
	nextID   uint64
}

type subscription struct {
	id uint64
	h  Handler
}

// NewDispatcher constructs a Dispatcher over ch.
func NewDispatcher(ch *Channel) *Dispatcher {
	return &Dispatcher{ch: ch, handlers: make(map[string][]subscription)}
}

// Channel returns the underlying channel.
func (d *Dispatcher) Channel() *Channel { return d.ch }

// On subscribes h to event. The returned func unsubscribes; the channel
// listener is released once the last handler for event is gone.
// The channel listener is claimed and released under mu; Channel must not
// hold its own lock while delivering.
func (d *Dispatcher) On(event string, h Handler) (cancel func()) {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	if len(d.handlers[event]) == 0 {
		d.ch.AddListener(event, func(ev Event) { d.dispatch(ev) })
	}
	d.handlers[event] = append(d.handlers[event], subscription{id: id, h: h})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { d.remove(event, id) })
	}
}

func (d *Dispatcher) remove(event string, id uint64) {
	d.mu.Lock()
	subs := d.handlers[event]
	for i, s := range subs {
		if s.id == id {
			subs = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(d.handlers, event)
		d.ch.RemoveListener(event)
	} else {
		d.handlers[event] = subs
	}
	d.mu.Unlock()
}

func (d *Dispatcher) dispatch(ev Event) {
	d.mu.Lock()
	subs := append([]subscription(nil), d.handlers[ev.Name]...)
	d.mu.Unlock()

	for _, s := range subs {
		s.h(ev)
	}
}
