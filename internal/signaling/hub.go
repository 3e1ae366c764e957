package signaling

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrPeerOffline = errors.New("peer offline")
	ErrClosed      = errors.New("channel closed")
)

// Hub is an in-process relay. Each joined peer gets an Endpoint that behaves
// like a Client connected to a relay Server: events are routed by To, From is
// stamped with the sender, and an invite to an absent peer bounces back as
// rejected{reason: offline}.
type Hub struct {
	mu    sync.RWMutex
	peers map[string]*Endpoint
}

func NewHub() *Hub {
	return &Hub{peers: make(map[string]*Endpoint)}
}

// Join registers peerID, replacing any previous endpoint with that ID.
func (h *Hub) Join(peerID string) *Endpoint {
	ep := &Endpoint{hub: h, id: peerID}
	h.mu.Lock()
	h.peers[peerID] = ep
	h.mu.Unlock()
	return ep
}

func (h *Hub) leave(ep *Endpoint) {
	h.mu.Lock()
	if h.peers[ep.id] == ep {
		delete(h.peers, ep.id)
	}
	h.mu.Unlock()
}

func (h *Hub) route(from *Endpoint, ev Event) error {
	h.mu.RLock()
	to := h.peers[ev.To]
	h.mu.RUnlock()

	if to == nil {
		if ev.Type == KindInvite {
			from.Dispatch(Event{Type: KindRejected, CallID: ev.CallID, From: ev.To, To: from.id, Reason: ReasonOffline})
			return nil
		}
		return ErrPeerOffline
	}
	to.Dispatch(ev)
	return nil
}

type Endpoint struct {
	Router

	hub *Hub
	id  string

	mu     sync.Mutex
	closed bool
}

func (e *Endpoint) PeerID() string { return e.id }

func (e *Endpoint) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}

	ev.From = e.id
	if err := ev.Validate(); err != nil {
		return err
	}
	if ev.To == "" {
		return errors.New("event missing recipient")
	}
	return e.hub.route(e, ev)
}

// Dispatch delivers ev to local subscribers unless the endpoint has left.
func (e *Endpoint) Dispatch(ev Event) int {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return 0
	}
	return e.Router.Dispatch(ev)
}

func (e *Endpoint) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.hub.leave(e)
	return nil
}
