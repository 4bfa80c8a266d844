// Package relay carries named messages between peers and elects the single
// authoritative peer allowed to apply privileged writes.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

var (
	ErrNoAuthority = errors.New("no authoritative peer connected")
	ErrDetached    = errors.New("relay endpoint detached")
	ErrQueueFull   = errors.New("relay outbox full")
	ErrOutboxDone  = errors.New("relay outbox stopped")
)

type Scope string

const (
	ScopeAll       Scope = "all"
	ScopeAuthority Scope = "authority"
)

// Message is one handler invocation in flight.
type Message struct {
	Name    string          `json:"name"`
	Scope   Scope           `json:"scope"`
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Handler runs a named invocation. from is the sending user id.
type Handler func(ctx context.Context, from string, payload json.RawMessage) error

type Relay interface {
	Self() string
	Register(name string, h Handler)
	// Broadcast invokes name on every connected peer, the sender included.
	Broadcast(ctx context.Context, name string, payload any) error
	// ToAuthority invokes name on the authoritative peer only.
	ToAuthority(ctx context.Context, name string, payload any) error
	IsAuthority() bool
	Authority() string
}

// Registry is a handler table shared by relay implementations.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handlers == nil {
		r.handlers = map[string]Handler{}
	}
	r.handlers[name] = h
}

// Dispatch runs the handler for m. Handler errors and panics are logged and
// never reach the caller.
func (r *Registry) Dispatch(ctx context.Context, m Message, log zerolog.Logger) {
	r.mu.RLock()
	h := r.handlers[m.Name]
	r.mu.RUnlock()
	if h == nil {
		log.Debug().Str("name", m.Name).Str("from", m.From).Msg("no handler registered")
		return
	}
	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Str("name", m.Name).Str("from", m.From).Msg("relay handler panicked")
		}
	}()
	if err := h(ctx, m.From, m.Payload); err != nil {
		log.Error().Err(err).Str("name", m.Name).Str("from", m.From).Msg("relay handler failed")
	}
}

// Encode marshals a payload unless it is already raw JSON.
func Encode(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	}
	return json.Marshal(payload)
}
