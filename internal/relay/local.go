package relay

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/rlavkvmflzk/metalic-combat-system-sub001/internal/docstore"
)

// Local is an in-process Relay attached to a Hub.
type Local struct {
	Registry

	hub *Hub
	ep  *Endpoint
	ctx context.Context
	log zerolog.Logger
}

// NewLocal attaches user to hub. Handlers run with ctx.
func NewLocal(ctx context.Context, hub *Hub, user docstore.User, logger zerolog.Logger) *Local {
	l := &Local{
		hub: hub,
		ctx: ctx,
		log: logger.With().Str("component", "relay").Str("user", user.ID).Logger(),
	}
	l.ep = hub.Attach(user, l.deliver)
	return l
}

func (l *Local) deliver(m Message) {
	l.Dispatch(l.ctx, m, l.log)
}

func (l *Local) Self() string { return l.ep.User().ID }

func (l *Local) Authority() string { return l.hub.Presence().Authority }

func (l *Local) IsAuthority() bool { return l.Authority() == l.Self() }

func (l *Local) Broadcast(ctx context.Context, name string, payload any) error {
	return l.send(ctx, ScopeAll, name, payload)
}

func (l *Local) ToAuthority(ctx context.Context, name string, payload any) error {
	return l.send(ctx, ScopeAuthority, name, payload)
}

func (l *Local) send(ctx context.Context, scope Scope, name string, payload any) error {
	raw, err := Encode(payload)
	if err != nil {
		return err
	}
	return l.ep.Send(ctx, Message{Name: name, Scope: scope, Payload: raw})
}

func (l *Local) Close() { l.ep.Detach() }
