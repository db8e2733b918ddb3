package transport

import (
	"sync"

	"github.com/google/uuid"
)

type registration struct {
	id      string
	handler Handler
}

// registry keeps per-event handlers in registration order. Dispatch copies
// the handler list and runs it without holding the lock, so handlers may
// subscribe, unsubscribe or publish.
type registry struct {
	mu       sync.RWMutex
	handlers map[string][]registration
}

func (r *registry) Subscribe(event string, handler Handler) Subscription {
	sub := Subscription{id: uuid.NewString(), event: event}
	if handler == nil {
		return sub
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handlers == nil {
		r.handlers = make(map[string][]registration)
	}
	r.handlers[event] = append(r.handlers[event], registration{id: sub.id, handler: handler})
	return sub
}

func (r *registry) Unsubscribe(sub Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.handlers[sub.event]
	for i, reg := range current {
		if reg.id != sub.id {
			continue
		}
		next := make([]registration, 0, len(current)-1)
		next = append(next, current[:i]...)
		next = append(next, current[i+1:]...)
		if len(next) == 0 {
			delete(r.handlers, sub.event)
		} else {
			r.handlers[sub.event] = next
		}
		return
	}
}

func (r *registry) dispatch(event Event) bool {
	r.mu.RLock()
	handlers := r.handlers[event.Name]
	r.mu.RUnlock()

	for _, reg := range handlers {
		reg.handler(event)
	}
	return len(handlers) > 0
}

func (r *registry) subscriberCount(event string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[event])
}
