package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/rlavkvmflzk/metalic-combat-system-sub001/internal/docstore"
	"github.com/rlavkvmflzk/metalic-combat-system-sub001/internal/relay"
)

const (
	HandlerItem       = "mirror.item"
	HandlerAttributes = "mirror.attributes"
)

type ItemMessage struct {
	Source string        `json:"source"`
	Target string        `json:"target"`
	Action Action        `json:"action"`
	Item   docstore.Item `json:"item"`
}

// Origin is the id shared by an original item and all of its mirrors.
func (m ItemMessage) Origin() string {
	if m.Item.OriginID != "" {
		return m.Item.OriginID
	}
	return m.Item.ID
}

func (m ItemMessage) Key() Key {
	return Key{Source: m.Source, Item: m.Item.ID, Target: m.Target, Action: m.Action, Revision: m.Item.Revision}
}

type AttributeMessage struct {
	Source     string         `json:"source"`
	Target     string         `json:"target"`
	Attributes map[string]int `json:"attributes"`
	Revision   uint64         `json:"revision"`
}

func (m AttributeMessage) Key() Key {
	return Key{Source: m.Source, Target: m.Target, Action: ActionAttributes, Revision: m.Revision}
}

// Sender queues outbound relay messages.
type Sender interface {
	Offer(scope relay.Scope, name string, payload any) error
}

type Config struct {
	Categories []string
	Attributes []string
}

func DefaultConfig() Config {
	return Config{Categories: DefaultCategories, Attributes: DefaultAttributes}
}

// Syncer keeps mirrored items and attributes in step across linked actors.
// Every peer propagates its own user's changes; only the authority applies.
type Syncer struct {
	store  docstore.Store
	relay  relay.Relay
	out    Sender
	ledger *Ledger
	perms  docstore.Permissions
	cfg    Config
	log    zerolog.Logger
	now    func() time.Time

	syncing atomic.Bool
}

func NewSyncer(store docstore.Store, r relay.Relay, out Sender, ledger *Ledger, cfg Config, logger zerolog.Logger) *Syncer {
	if ledger == nil {
		ledger = NewLedger(DefaultRetention)
	}
	return &Syncer{
		store:  store,
		relay:  r,
		out:    out,
		ledger: ledger,
		perms:  docstore.Permissions{R: store},
		cfg:    cfg,
		log:    logger.With().Str("component", "mirror").Logger(),
		now:    time.Now,
	}
}

func (s *Syncer) Ledger() *Ledger { return s.ledger }

// Register installs the apply handlers on the relay.
func (s *Syncer) Register() {
	s.relay.Register(HandlerItem, s.HandleItem)
	s.relay.Register(HandlerAttributes, s.HandleAttributes)
}

// OnChange propagates a committed change made by this peer's user.
func (s *Syncer) OnChange(ctx context.Context, c docstore.Change) {
	if s.syncing.Load() || c.Op.Options.SyncOrigin {
		return
	}
	if c.Op.UserID == "" || c.Op.UserID != s.relay.Self() {
		return
	}

	switch c.Op.Kind {
	case docstore.OpCreateItems, docstore.OpUpdateItems, docstore.OpDeleteItems:
	case docstore.OpPatchActor:
		if len(EligibleAttributes(c.Changed, s.cfg.Attributes)) == 0 {
			return
		}
	default:
		return
	}
	if !s.perms.CanControl(c.Op.UserID, c.Op.ActorID) {
		s.log.Debug().Str("user", c.Op.UserID).Str("actor", c.Op.ActorID).Msg("change not propagated: no control")
		return
	}
	targets := Targets(s.store, c.Op.ActorID)
	if len(targets) == 0 {
		return
	}

	if c.Op.Kind == docstore.OpPatchActor {
		attrs := map[string]int{}
		var rev uint64
		if c.Op.Actor != nil {
			rev = c.Op.Actor.Revision
			for _, k := range EligibleAttributes(c.Changed, s.cfg.Attributes) {
				attrs[k] = c.Op.Actor.Attributes[k]
			}
		}
		for _, t := range targets {
			s.offer(HandlerAttributes, AttributeMessage{Source: c.Op.ActorID, Target: t, Attributes: attrs, Revision: rev})
		}
		return
	}

	action := ActionCreate
	switch c.Op.Kind {
	case docstore.OpUpdateItems:
		action = ActionUpdate
	case docstore.OpDeleteItems:
		action = ActionDelete
	}
	for _, it := range c.Op.Items {
		if !Eligible(it, s.cfg.Categories) {
			continue
		}
		for _, t := range targets {
			s.offer(HandlerItem, ItemMessage{Source: c.Op.ActorID, Target: t, Action: action, Item: it})
		}
	}
}

func (s *Syncer) offer(name string, msg any) {
	if err := s.out.Offer(relay.ScopeAll, name, msg); err != nil {
		s.log.Warn().Err(err).Str("name", name).Msg("mirror message dropped")
	}
}

// accept runs the checks shared by both handlers. It reports false when the
// message must be ignored.
func (s *Syncer) accept(from, source, target string, key Key) bool {
	if !s.relay.IsAuthority() {
		return false
	}
	if !s.perms.CanControl(from, source) {
		s.log.Warn().Str("from", from).Str("source", source).Msg("mirror message rejected: no control")
		return false
	}
	linked := false
	for _, t := range Targets(s.store, source) {
		if t == target {
			linked = true
			break
		}
	}
	if !linked {
		s.log.Warn().Str("source", source).Str("target", target).Msg("mirror message rejected: not linked")
		return false
	}
	if s.ledger.Seen(key, s.now()) {
		s.log.Debug().Interface("key", key).Msg("duplicate mirror message")
		return false
	}
	return true
}

func (s *Syncer) HandleItem(ctx context.Context, from string, payload json.RawMessage) error {
	var msg ItemMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("decode item message: %w", err)
	}
	if !s.accept(from, msg.Source, msg.Target, msg.Key()) {
		return nil
	}
	s.syncing.Store(true)
	defer s.syncing.Store(false)

	err := s.applyItem(ctx, msg)
	if errors.Is(err, docstore.ErrNotFound) {
		s.log.Info().Err(err).Str("target", msg.Target).Str("action", string(msg.Action)).Msg("mirror target gone")
		return nil
	}
	return err
}

func (s *Syncer) applyItem(ctx context.Context, msg ItemMessage) error {
	if _, ok := s.store.Actor(msg.Target); !ok {
		return fmt.Errorf("%w: actor %s", docstore.ErrNotFound, msg.Target)
	}
	origin := msg.Origin()
	mirror, found := findMirror(s.store.Items(msg.Target), origin)
	op := docstore.Op{
		UserID:  s.relay.Self(),
		ActorID: msg.Target,
		Options: docstore.Options{SyncOrigin: true},
	}

	switch msg.Action {
	case ActionCreate:
		if found {
			return nil
		}
		it := msg.Item.Clone()
		it.ID, it.Seq, it.Revision = "", 0, 0
		it.ActorID = msg.Target
		it.OriginID = origin
		it.Synced = true
		op.Kind = docstore.OpCreateItems
		op.Items = []docstore.Item{it}

	case ActionUpdate:
		if !found {
			return fmt.Errorf("%w: mirror of %s on %s", docstore.ErrNotFound, origin, msg.Target)
		}
		it := msg.Item.Clone()
		it.ID = mirror.ID
		it.ActorID = msg.Target
		it.OriginID = origin
		it.Synced = true
		op.Kind = docstore.OpUpdateItems
		op.Items = []docstore.Item{it}

	case ActionDelete:
		if !found {
			return fmt.Errorf("%w: mirror of %s on %s", docstore.ErrNotFound, origin, msg.Target)
		}
		op.Kind = docstore.OpDeleteItems
		op.IDs = []string{mirror.ID}

	default:
		return fmt.Errorf("unknown mirror action %q", msg.Action)
	}

	if _, err := s.store.Commit(ctx, op); err != nil {
		return fmt.Errorf("apply %s on %s: %w", msg.Action, msg.Target, err)
	}
	s.log.Debug().Str("source", msg.Source).Str("target", msg.Target).Str("action", string(msg.Action)).Str("origin", origin).Msg("mirror applied")
	return nil
}

func (s *Syncer) HandleAttributes(ctx context.Context, from string, payload json.RawMessage) error {
	var msg AttributeMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("decode attribute message: %w", err)
	}
	if !s.accept(from, msg.Source, msg.Target, msg.Key()) {
		return nil
	}
	attrs := map[string]int{}
	for _, k := range EligibleAttributes(keys(msg.Attributes), s.cfg.Attributes) {
		attrs[k] = msg.Attributes[k]
	}
	if len(attrs) == 0 {
		return nil
	}

	s.syncing.Store(true)
	defer s.syncing.Store(false)
	_, err := s.store.Commit(ctx, docstore.Op{
		Kind:       docstore.OpPatchActor,
		UserID:     s.relay.Self(),
		ActorID:    msg.Target,
		Attributes: attrs,
		Options:    docstore.Options{SyncOrigin: true},
	})
	if errors.Is(err, docstore.ErrNotFound) {
		s.log.Info().Str("target", msg.Target).Msg("attribute target gone")
		return nil
	}
	return err
}

// Run purges the ledger until ctx is done.
func (s *Syncer) Run(ctx context.Context, purgeEvery time.Duration) {
	s.ledger.Run(ctx, purgeEvery)
}

func findMirror(items []docstore.Item, origin string) (docstore.Item, bool) {
	for _, it := range items {
		if it.OriginID == origin {
			return it, true
		}
	}
	return docstore.Item{}, false
}

func keys(m map[string]int) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
