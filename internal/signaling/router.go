package signaling

import (
	"sync"
)

type Handler func(Event)

// Router fans events out to per-kind subscribers. Handlers run on the
// dispatching goroutine and must not block.
type Router struct {
	mu   sync.RWMutex
	next uint64
	subs map[Kind]map[uint64]Handler
}

// Subscribe registers h for kind. The returned function removes it and is
// safe to call more than once.
func (r *Router) Subscribe(kind Kind, h Handler) (unsubscribe func()) {
	r.mu.Lock()
	if r.subs == nil {
		r.subs = make(map[Kind]map[uint64]Handler)
	}
	if r.subs[kind] == nil {
		r.subs[kind] = make(map[uint64]Handler)
	}
	r.next++
	id := r.next
	r.subs[kind][id] = h
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs[kind], id)
			r.mu.Unlock()
		})
	}
}

// Dispatch delivers ev to every subscriber of its kind and reports how many
// handlers ran.
func (r *Router) Dispatch(ev Event) int {
	r.mu.RLock()
	handlers := make([]Handler, 0, len(r.subs[ev.Type]))
	for _, h := range r.subs[ev.Type] {
		handlers = append(handlers, h)
	}
	r.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
	return len(handlers)
}

// Subscribers reports the number of handlers registered for kind.
func (r *Router) Subscribers(kind Kind) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[kind])
}
