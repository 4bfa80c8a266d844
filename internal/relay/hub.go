package relay

import (
	"context"
	"sort"
	"sync"

	"github.com/rlavkvmflzk/metalic-combat-system-sub001/internal/docstore"
)

// Presence is the connected set and the elected authority.
type Presence struct {
	Peers     []docstore.User `json:"peers"`
	Authority string          `json:"authority"`
}

// Hub routes messages between attached endpoints. Each endpoint has its own
// FIFO queue drained by one goroutine, so messages from one sender arrive in
// call order.
type Hub struct {
	mu        sync.Mutex
	endpoints []*Endpoint
	taps      map[int]func(Message)
	watchers  map[int]func(Presence)
	nextID    int

	pendingMu sync.Mutex
	pendingCV *sync.Cond
	pending   int
}

func NewHub() *Hub {
	h := &Hub{
		taps:     map[int]func(Message){},
		watchers: map[int]func(Presence){},
	}
	h.pendingCV = sync.NewCond(&h.pendingMu)
	return h
}

// Endpoint is one attached peer.
type Endpoint struct {
	hub     *Hub
	user    docstore.User
	deliver func(Message)

	mu     sync.Mutex
	queue  []Message
	wake   chan struct{}
	done   chan struct{}
	closed bool
}

// Attach connects a user. deliver is called from the endpoint's goroutine,
// one message at a time.
func (h *Hub) Attach(user docstore.User, deliver func(Message)) *Endpoint {
	user.Active = true
	ep := &Endpoint{
		hub:     h,
		user:    user,
		deliver: deliver,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go ep.loop()

	h.mu.Lock()
	h.endpoints = append(h.endpoints, ep)
	p := h.presenceLocked()
	watchers := h.watcherFuncsLocked()
	h.mu.Unlock()

	for _, fn := range watchers {
		fn(p)
	}
	return ep
}

// Detach removes the endpoint. Queued messages are discarded.
func (ep *Endpoint) Detach() {
	h := ep.hub
	h.mu.Lock()
	found := false
	for i, e := range h.endpoints {
		if e == ep {
			h.endpoints = append(h.endpoints[:i], h.endpoints[i+1:]...)
			found = true
			break
		}
	}
	p := h.presenceLocked()
	watchers := h.watcherFuncsLocked()
	h.mu.Unlock()
	if !found {
		return
	}

	ep.mu.Lock()
	dropped := len(ep.queue)
	ep.queue = nil
	ep.closed = true
	ep.mu.Unlock()
	close(ep.done)
	h.done(dropped)

	for _, fn := range watchers {
		fn(p)
	}
}

func (ep *Endpoint) User() docstore.User { return ep.user }

// Send routes a message from this endpoint.
func (ep *Endpoint) Send(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ep.mu.Lock()
	closed := ep.closed
	ep.mu.Unlock()
	if closed {
		return ErrDetached
	}
	m.From = ep.user.ID
	return ep.hub.route(m)
}

func (h *Hub) route(m Message) error {
	h.mu.Lock()
	var targets []*Endpoint
	switch m.Scope {
	case ScopeAuthority:
		auth := h.presenceLocked().Authority
		for _, ep := range h.endpoints {
			if ep.user.ID == auth {
				targets = append(targets, ep)
				break
			}
		}
		if len(targets) == 0 {
			h.mu.Unlock()
			return ErrNoAuthority
		}
	default:
		m.Scope = ScopeAll
		targets = append(targets, h.endpoints...)
	}
	for _, ep := range targets {
		ep.enqueue(m)
	}
	taps := make([]func(Message), 0, len(h.taps))
	for _, id := range sortedKeys(h.taps) {
		taps = append(taps, h.taps[id])
	}
	h.mu.Unlock()

	for _, fn := range taps {
		fn(m)
	}
	return nil
}

func (ep *Endpoint) enqueue(m Message) {
	ep.mu.Lock()
	if ep.closed {
		ep.mu.Unlock()
		return
	}
	ep.hub.add(1)
	ep.queue = append(ep.queue, m)
	ep.mu.Unlock()
	select {
	case ep.wake <- struct{}{}:
	default:
	}
}

func (ep *Endpoint) loop() {
	for {
		select {
		case <-ep.done:
			return
		case <-ep.wake:
		}
		for {
			ep.mu.Lock()
			if ep.closed || len(ep.queue) == 0 {
				ep.mu.Unlock()
				break
			}
			m := ep.queue[0]
			ep.queue = ep.queue[1:]
			ep.mu.Unlock()

			ep.deliver(m)
			ep.hub.done(1)
		}
	}
}

// Tap observes every routed message. Taps run on the sender's goroutine.
func (h *Hub) Tap(fn func(Message)) (cancel func()) {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.taps[id] = fn
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.taps, id)
		h.mu.Unlock()
	}
}

// OnPresence is called with the new presence after every attach and detach.
func (h *Hub) OnPresence(fn func(Presence)) (cancel func()) {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.watchers[id] = fn
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.watchers, id)
		h.mu.Unlock()
	}
}

func (h *Hub) Presence() Presence {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.presenceLocked()
}

func (h *Hub) presenceLocked() Presence {
	byID := map[string]docstore.User{}
	for _, ep := range h.endpoints {
		byID[ep.user.ID] = ep.user
	}
	peers := make([]docstore.User, 0, len(byID))
	for _, u := range byID {
		peers = append(peers, u)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	return Presence{Peers: peers, Authority: Elect(peers)}
}

func (h *Hub) watcherFuncsLocked() []func(Presence) {
	out := make([]func(Presence), 0, len(h.watchers))
	for _, id := range sortedKeys(h.watchers) {
		out = append(out, h.watchers[id])
	}
	return out
}

func (h *Hub) add(n int) {
	h.pendingMu.Lock()
	h.pending += n
	h.pendingMu.Unlock()
}

func (h *Hub) done(n int) {
	if n == 0 {
		return
	}
	h.pendingMu.Lock()
	h.pending -= n
	if h.pending <= 0 {
		h.pending = 0
		h.pendingCV.Broadcast()
	}
	h.pendingMu.Unlock()
}

// Drain blocks until no message is queued or being delivered.
func (h *Hub) Drain() {
	h.pendingMu.Lock()
	for h.pending > 0 {
		h.pendingCV.Wait()
	}
	h.pendingMu.Unlock()
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
