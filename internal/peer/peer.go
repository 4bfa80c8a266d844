// Package peer drives the turn engine and the mirror syncer for one user
// connected to the shared store and relay.
package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rlavkvmflzk/metalic-combat-system-sub001/internal/combat"
	"github.com/rlavkvmflzk/metalic-combat-system-sub001/internal/docstore"
	"github.com/rlavkvmflzk/metalic-combat-system-sub001/internal/mirror"
	"github.com/rlavkvmflzk/metalic-combat-system-sub001/internal/relay"
)

const (
	HandlerAdvance  = "combat.advance"
	HandlerNotice   = "combat.notice"
	HandlerStart    = "combat.start"
	HandlerEnd      = "combat.end"
	HandlerPhases   = "combat.phases"
	HandlerPrevious = "combat.previous"
)

type Config struct {
	Phases          combat.Settings
	Mirror          mirror.Config
	Outbox          relay.OutboxConfig
	LedgerRetention time.Duration
	PurgeEvery      time.Duration
}

func DefaultConfig() Config {
	return Config{
		Phases:          combat.DefaultSettings(),
		Mirror:          mirror.DefaultConfig(),
		Outbox:          relay.DefaultOutboxConfig(),
		LedgerRetention: mirror.DefaultRetention,
		PurgeEvery:      time.Minute,
	}
}

// CombatRequest asks the authority to act on one combat on behalf of the
// sender. Enabled is only read by HandlerPhases.
type CombatRequest struct {
	CombatID string `json:"combat_id"`
	Enabled  bool   `json:"enabled,omitempty"`
}

// Result is the outcome of a turn operation. Transition is empty when the
// request was forwarded to the authority.
type Result struct {
	Forwarded  bool
	Transition combat.Transition
}

type Peer struct {
	store  docstore.Store
	relay  relay.Relay
	out    *relay.Outbox
	engine *combat.Engine
	syncer *mirror.Syncer
	perms  docstore.Permissions
	cfg    Config
	log    zerolog.Logger

	mu       sync.Mutex
	onNotice []func(combat.Notice)
}

func New(store docstore.Store, r relay.Relay, cfg Config, logger zerolog.Logger) *Peer {
	logger = logger.With().Str("peer", r.Self()).Logger()
	p := &Peer{
		store: store,
		relay: r,
		perms: docstore.Permissions{R: store},
		cfg:   cfg,
		log:   logger.With().Str("component", "peer").Logger(),
	}
	p.out = relay.NewOutbox(r, cfg.Outbox, logger)
	p.engine = combat.NewEngine(store, r.Self(), cfg.Phases, p, logger)
	p.syncer = mirror.NewSyncer(store, r, p.out, mirror.NewLedger(cfg.LedgerRetention), cfg.Mirror, logger)
	return p
}

func (p *Peer) Self() string { return p.relay.Self() }
func (p *Peer) Engine() *combat.Engine { return p.engine }
func (p *Peer) Syncer() *mirror.Syncer { return p.syncer }
func (p *Peer) Outbox() *relay.Outbox { return p.out }
func (p *Peer) Store() docstore.Store { return p.store }

// OnNotice registers a callback for phase notices received over the relay.
func (p *Peer) OnNotice(fn func(combat.Notice)) {
	p.mu.Lock()
	p.onNotice = append(p.onNotice, fn)
	p.mu.Unlock()
}

// Start wires the store hook and relay handlers and runs the background
// loops until ctx is done.
func (p *Peer) Start(ctx context.Context) {
	cancel := p.store.Subscribe(func(c docstore.Change) { p.syncer.OnChange(ctx, c) })
	p.relay.Register(HandlerAdvance, p.handleAdvance)
	p.relay.Register(HandlerNotice, p.handleNotice)
	p.relay.Register(HandlerStart, p.handleStart)
	p.relay.Register(HandlerEnd, p.handleEnd)
	p.relay.Register(HandlerPhases, p.handlePhases)
	p.relay.Register(HandlerPrevious, p.handlePrevious)
	p.syncer.Register()

	go p.out.Run(ctx)
	go p.syncer.Run(ctx, p.cfg.PurgeEvery)
	go func() {
		<-ctx.Done()
		cancel()
	}()
	p.log.Info().Bool("authority", p.relay.IsAuthority()).Msg("peer started")
}

// Announce broadcasts a phase notice to every peer.
func (p *Peer) Announce(_ context.Context, n combat.Notice) {
	if err := p.out.Offer(relay.ScopeAll, HandlerNotice, n); err != nil {
		p.log.Warn().Err(err).Str("combat", n.CombatID).Msg("notice dropped")
	}
}

// Flush waits for queued outbound messages.
func (p *Peer) Flush(ctx context.Context) error { return p.out.Flush(ctx) }

// AdvanceTurn advances the combat. The authority applies it; every other
// peer checks the guard locally and forwards the request.
func (p *Peer) AdvanceTurn(ctx context.Context, combatID string) (Result, error) {
	self := p.relay.Self()
	if p.relay.IsAuthority() {
		tr, err := p.engine.Advance(ctx, combatID, self)
		return Result{Transition: tr}, err
	}
	cb, ok := p.store.Combat(combatID)
	if !ok {
		return Result{}, fmt.Errorf("%w: combat %s", docstore.ErrNotFound, combatID)
	}
	if err := p.engine.CanAdvance(cb, self); err != nil {
		p.log.Warn().Str("combat", combatID).Msg("advance rejected locally")
		return Result{}, err
	}
	return p.forward(ctx, HandlerAdvance, CombatRequest{CombatID: combatID})
}

// StartCombat, EndCombat, SetPhases and PreviousTurn are privileged. A
// privileged peer that is not the authority forwards them so every combat
// write still comes from the authority.

func (p *Peer) StartCombat(ctx context.Context, combatID string) (Result, error) {
	if err := p.requirePrivileged("start combat"); err != nil {
		return Result{}, err
	}
	if !p.relay.IsAuthority() {
		return p.forward(ctx, HandlerStart, CombatRequest{CombatID: combatID})
	}
	tr, err := p.engine.Start(ctx, combatID, p.relay.Self())
	return Result{Transition: tr}, err
}

func (p *Peer) EndCombat(ctx context.Context, combatID string) (Result, error) {
	if err := p.requirePrivileged("end combat"); err != nil {
		return Result{}, err
	}
	if !p.relay.IsAuthority() {
		return p.forward(ctx, HandlerEnd, CombatRequest{CombatID: combatID})
	}
	return Result{}, p.engine.End(ctx, combatID, p.relay.Self())
}

func (p *Peer) SetPhases(ctx context.Context, combatID string, enabled bool) (Result, error) {
	if err := p.requirePrivileged("set phases"); err != nil {
		return Result{}, err
	}
	if !p.relay.IsAuthority() {
		return p.forward(ctx, HandlerPhases, CombatRequest{CombatID: combatID, Enabled: enabled})
	}
	return Result{}, p.engine.SetPhases(ctx, combatID, p.relay.Self(), enabled)
}

func (p *Peer) PreviousTurn(ctx context.Context, combatID string) (Result, error) {
	if err := p.requirePrivileged("previous turn"); err != nil {
		return Result{}, err
	}
	if !p.relay.IsAuthority() {
		return p.forward(ctx, HandlerPrevious, CombatRequest{CombatID: combatID})
	}
	tr, err := p.engine.Previous(ctx, combatID, p.relay.Self())
	return Result{Transition: tr}, err
}

func (p *Peer) forward(ctx context.Context, handler string, req CombatRequest) (Result, error) {
	if err := p.relay.ToAuthority(ctx, handler, req); err != nil {
		return Result{}, fmt.Errorf("forward %s: %w", handler, err)
	}
	p.log.Debug().Str("combat", req.CombatID).Str("handler", handler).Msg("forwarded to authority")
	return Result{Forwarded: true}, nil
}

func (p *Peer) requirePrivileged(what string) error {
	if !p.perms.IsPrivileged(p.relay.Self()) {
		return fmt.Errorf("%w: %s requires a privileged user", combat.ErrPermissionDenied, what)
	}
	return nil
}

// decodeForAuthority returns ok=false when this peer is not the authority;
// requests that arrive during an election change are dropped.
func (p *Peer) decodeForAuthority(handler string, payload json.RawMessage) (CombatRequest, bool, error) {
	var req CombatRequest
	if !p.relay.IsAuthority() {
		return req, false, nil
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return req, false, fmt.Errorf("decode %s request: %w", handler, err)
	}
	return req, true, nil
}

// The engine re-checks the guard against from, not against this peer.

func (p *Peer) handleAdvance(ctx context.Context, from string, payload json.RawMessage) error {
	req, ok, err := p.decodeForAuthority(HandlerAdvance, payload)
	if !ok {
		return err
	}
	_, err = p.engine.Advance(ctx, req.CombatID, from)
	return err
}

func (p *Peer) handleStart(ctx context.Context, from string, payload json.RawMessage) error {
	req, ok, err := p.decodeForAuthority(HandlerStart, payload)
	if !ok {
		return err
	}
	_, err = p.engine.Start(ctx, req.CombatID, from)
	return err
}

func (p *Peer) handleEnd(ctx context.Context, from string, payload json.RawMessage) error {
	req, ok, err := p.decodeForAuthority(HandlerEnd, payload)
	if !ok {
		return err
	}
	return p.engine.End(ctx, req.CombatID, from)
}

func (p *Peer) handlePhases(ctx context.Context, from string, payload json.RawMessage) error {
	req, ok, err := p.decodeForAuthority(HandlerPhases, payload)
	if !ok {
		return err
	}
	return p.engine.SetPhases(ctx, req.CombatID, from, req.Enabled)
}

func (p *Peer) handlePrevious(ctx context.Context, from string, payload json.RawMessage) error {
	req, ok, err := p.decodeForAuthority(HandlerPrevious, payload)
	if !ok {
		return err
	}
	_, err = p.engine.Previous(ctx, req.CombatID, from)
	return err
}

func (p *Peer) handleNotice(_ context.Context, from string, payload json.RawMessage) error {
	var n combat.Notice
	if err := json.Unmarshal(payload, &n); err != nil {
		return fmt.Errorf("decode notice: %w", err)
	}
	p.log.Info().Str("combat", n.CombatID).Int("round", n.Round).Str("from", from).Msg(n.Label)
	p.mu.Lock()
	fns := append([]func(combat.Notice){}, p.onNotice...)
	p.mu.Unlock()
	for _, fn := range fns {
		fn(n)
	}
	return nil
}
