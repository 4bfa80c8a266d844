package combat

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/rlavkvmflzk/metalic-combat-system-sub001/internal/docstore"
)

var ErrPhasesDisabled = errors.New("turn phases are disabled")

// Notice is a phase announcement.
type Notice struct {
	CombatID string    `json:"combat_id"`
	Phase    PhaseKind `json:"phase"`
	Label    string    `json:"label"`
	Round    int       `json:"round"`
}

type Notifier interface {
	Announce(ctx context.Context, n Notice)
}

// Transition describes a committed advance.
type Transition struct {
	CombatID    string
	Round       int
	FromTurn    int
	ToTurn      int
	Kind        TransitionKind
	Phase       PhaseKind
	Current     string
	RequestedBy string
	Notice      PhaseKind
}

// Engine applies turn decisions to the store. Every write is made as self.
type Engine struct {
	store    docstore.Store
	perms    docstore.Permissions
	self     string
	settings Settings
	notifier Notifier
	log      zerolog.Logger

	mu sync.Mutex
}

func NewEngine(store docstore.Store, self string, settings Settings, notifier Notifier, logger zerolog.Logger) *Engine {
	return &Engine{
		store:    store,
		perms:    docstore.Permissions{R: store},
		self:     self,
		settings: settings,
		notifier: notifier,
		log:      logger.With().Str("component", "combat").Logger(),
	}
}

func (e *Engine) Settings() Settings { return e.settings }

// PhasesActive reports whether advances on cb go through the phase machine.
func (e *Engine) PhasesActive(cb docstore.Combat) bool {
	return e.settings.Enabled && cb.PhasesEnabled && HasAllMarkers(cb)
}

// CanAdvance checks that userID owns the actor holding the turn or is
// privileged.
func (e *Engine) CanAdvance(cb docstore.Combat, userID string) error {
	if e.perms.IsPrivileged(userID) {
		return nil
	}
	cur, ok := cb.Current()
	if ok && cur.ActorID != "" && e.perms.Owns(userID, cur.ActorID) {
		return nil
	}
	return fmt.Errorf("%w: user %s cannot advance combat %s", ErrPermissionDenied, userID, cb.ID)
}

func (e *Engine) requirePrivileged(userID, what string) error {
	if !e.perms.IsPrivileged(userID) {
		return fmt.Errorf("%w: %s requires a privileged user", ErrPermissionDenied, what)
	}
	return nil
}

func (e *Engine) combat(id string) (docstore.Combat, error) {
	cb, ok := e.store.Combat(id)
	if !ok {
		return docstore.Combat{}, fmt.Errorf("%w: combat %s", docstore.ErrNotFound, id)
	}
	return cb, nil
}

// Advance moves the turn forward on behalf of userID.
func (e *Engine) Advance(ctx context.Context, combatID, userID string) (Transition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cb, err := e.combat(combatID)
	if err != nil {
		return Transition{}, err
	}
	if err := e.CanAdvance(cb, userID); err != nil {
		e.log.Warn().Str("combat", combatID).Str("user", userID).Msg("advance rejected")
		return Transition{}, err
	}
	if !cb.Started {
		return Transition{}, fmt.Errorf("%w: %s", ErrNotStarted, combatID)
	}

	turns := cb.Turns()
	var d Decision
	if e.PhasesActive(cb) {
		d, err = Next(turns, cb.Turn, cb.Flag(CursorFlag))
	} else {
		d, err = NextLinear(turns, cb.Turn)
	}
	if err != nil {
		return Transition{}, fmt.Errorf("advance %s: %w", combatID, err)
	}
	return e.apply(ctx, cb, d, userID)
}

func (e *Engine) apply(ctx context.Context, cb docstore.Combat, d Decision, userID string) (Transition, error) {
	round := cb.Round
	kind := KindTurn
	if d.AdvanceRound {
		round++
		kind = KindRound
	}
	patch := &docstore.CombatPatch{Turn: &d.Turn, Round: &round}
	switch d.Cursor {
	case CursorSet:
		patch.Flags = map[string]string{CursorFlag: d.CursorID}
	case CursorClear:
		patch.Flags = map[string]string{CursorFlag: ""}
	}

	change, err := e.store.Commit(ctx, docstore.Op{
		Kind:     docstore.OpPatchCombat,
		UserID:   e.self,
		CombatID: cb.ID,
		Patch:    patch,
	})
	if err != nil {
		return Transition{}, fmt.Errorf("commit advance %s: %w", cb.ID, err)
	}
	after := cb
	if change.Op.Combat != nil {
		after = *change.Op.Combat
	}

	tr := Transition{
		CombatID:    cb.ID,
		Round:       after.Round,
		FromTurn:    cb.Turn,
		ToTurn:      after.Turn,
		Kind:        kind,
		RequestedBy: userID,
		Notice:      d.Notice,
	}
	if cur, ok := after.Current(); ok {
		tr.Current = cur.ID
		tr.Phase = PhaseKind(cur.Phase)
	}

	if n, err := Recover(ctx, e.store, after, kind, e.self); err != nil {
		e.log.Error().Err(err).Str("combat", cb.ID).Msg("limited-use recovery failed")
	} else if n > 0 {
		e.log.Debug().Str("combat", cb.ID).Int("items", n).Str("kind", string(kind)).Msg("limited uses restored")
	}
	if d.Notice != "" {
		e.announce(ctx, after, d.Notice)
	}
	e.log.Info().
		Str("combat", cb.ID).
		Int("round", tr.Round).
		Int("from", tr.FromTurn).
		Int("to", tr.ToTurn).
		Str("phase", string(tr.Phase)).
		Str("by", userID).
		Msg("turn advanced")
	return tr, nil
}

func (e *Engine) announce(ctx context.Context, cb docstore.Combat, k PhaseKind) {
	if e.notifier == nil {
		return
	}
	e.notifier.Announce(ctx, Notice{CombatID: cb.ID, Phase: k, Label: e.settings.Label(k), Round: cb.Round})
}

// Previous steps back one entry without touching the round cursor.
func (e *Engine) Previous(ctx context.Context, combatID, userID string) (Transition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requirePrivileged(userID, "previous turn"); err != nil {
		return Transition{}, err
	}
	cb, err := e.combat(combatID)
	if err != nil {
		return Transition{}, err
	}
	turn, round, err := PreviousLinear(cb.Turns(), cb.Turn, cb.Round)
	if err != nil {
		return Transition{}, err
	}
	change, err := e.store.Commit(ctx, docstore.Op{
		Kind:     docstore.OpPatchCombat,
		UserID:   e.self,
		CombatID: cb.ID,
		Patch:    &docstore.CombatPatch{Turn: &turn, Round: &round},
	})
	if err != nil {
		return Transition{}, fmt.Errorf("commit previous %s: %w", cb.ID, err)
	}
	after := *change.Op.Combat
	tr := Transition{CombatID: cb.ID, Round: after.Round, FromTurn: cb.Turn, ToTurn: after.Turn, Kind: KindTurn, RequestedBy: userID}
	if cur, ok := after.Current(); ok {
		tr.Current = cur.ID
		tr.Phase = PhaseKind(cur.Phase)
	}
	return tr, nil
}

// Start begins the combat: markers are rebuilt when phases are enabled, the
// cursor is cleared and the turn is placed on Setup.
func (e *Engine) Start(ctx context.Context, combatID, userID string) (Transition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requirePrivileged(userID, "start combat"); err != nil {
		return Transition{}, err
	}
	cb, err := e.combat(combatID)
	if err != nil {
		return Transition{}, err
	}
	enabled := e.settings.Enabled
	if enabled {
		if cb, err = e.replaceMarkers(ctx, cb, true); err != nil {
			return Transition{}, err
		}
	}

	turn := 0
	if enabled {
		if i, ok := MarkerIndex(cb.Turns())[PhaseSetup]; ok {
			turn = i
		}
	}
	round := 1
	started := true
	change, err := e.store.Commit(ctx, docstore.Op{
		Kind:     docstore.OpPatchCombat,
		UserID:   e.self,
		CombatID: cb.ID,
		Patch: &docstore.CombatPatch{
			Turn:          &turn,
			Round:         &round,
			Started:       &started,
			PhasesEnabled: &enabled,
			Flags:         map[string]string{CursorFlag: ""},
		},
	})
	if err != nil {
		return Transition{}, fmt.Errorf("commit start %s: %w", cb.ID, err)
	}
	after := *change.Op.Combat
	tr := Transition{CombatID: cb.ID, Round: after.Round, FromTurn: cb.Turn, ToTurn: after.Turn, Kind: KindRound, RequestedBy: userID}
	if cur, ok := after.Current(); ok {
		tr.Current = cur.ID
		tr.Phase = PhaseKind(cur.Phase)
	}
	if enabled {
		tr.Notice = PhaseSetup
		e.announce(ctx, after, PhaseSetup)
	}
	e.log.Info().Str("combat", cb.ID).Bool("phases", enabled).Msg("combat started")
	return tr, nil
}

// End restores every limited use, removes markers and deletes the combat.
func (e *Engine) End(ctx context.Context, combatID, userID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requirePrivileged(userID, "end combat"); err != nil {
		return err
	}
	cb, err := e.combat(combatID)
	if err != nil {
		return err
	}
	if _, err := Recover(ctx, e.store, cb, KindEnd, e.self); err != nil {
		e.log.Error().Err(err).Str("combat", cb.ID).Msg("end-of-combat recovery failed")
	}
	if ids := MarkerIDs(cb); len(ids) > 0 {
		if _, err := e.store.Commit(ctx, docstore.Op{Kind: docstore.OpDeleteCombatants, UserID: e.self, CombatID: cb.ID, IDs: ids}); err != nil {
			return fmt.Errorf("remove markers %s: %w", cb.ID, err)
		}
	}
	if cb.Flag(CursorFlag) != "" {
		if _, err := e.store.Commit(ctx, docstore.Op{
			Kind:     docstore.OpPatchCombat,
			UserID:   e.self,
			CombatID: cb.ID,
			Patch:    &docstore.CombatPatch{Flags: map[string]string{CursorFlag: ""}},
		}); err != nil {
			return fmt.Errorf("clear cursor %s: %w", cb.ID, err)
		}
	}
	if _, err := e.store.Commit(ctx, docstore.Op{Kind: docstore.OpDeleteCombat, UserID: e.self, CombatID: cb.ID}); err != nil {
		return fmt.Errorf("delete combat %s: %w", cb.ID, err)
	}
	e.log.Info().Str("combat", cb.ID).Msg("combat ended")
	return nil
}

// SetPhases turns the phase markers on or off for one combat.
func (e *Engine) SetPhases(ctx context.Context, combatID, userID string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requirePrivileged(userID, "set phases"); err != nil {
		return err
	}
	if enabled && !e.settings.Enabled {
		return ErrPhasesDisabled
	}
	cb, err := e.combat(combatID)
	if err != nil {
		return err
	}
	cb, err = e.replaceMarkers(ctx, cb, enabled)
	if err != nil {
		return err
	}
	if cb.PhasesEnabled == enabled {
		return nil
	}
	_, err = e.store.Commit(ctx, docstore.Op{
		Kind:     docstore.OpPatchCombat,
		UserID:   e.self,
		CombatID: cb.ID,
		Patch:    &docstore.CombatPatch{PhasesEnabled: &enabled},
	})
	if err != nil {
		return fmt.Errorf("set phases %s: %w", cb.ID, err)
	}
	return nil
}

// replaceMarkers deletes every existing marker in one batch and, when create
// is set, inserts the full set in a second batch.
func (e *Engine) replaceMarkers(ctx context.Context, cb docstore.Combat, create bool) (docstore.Combat, error) {
	if ids := MarkerIDs(cb); len(ids) > 0 {
		change, err := e.store.Commit(ctx, docstore.Op{Kind: docstore.OpDeleteCombatants, UserID: e.self, CombatID: cb.ID, IDs: ids})
		if err != nil {
			return cb, fmt.Errorf("remove markers %s: %w", cb.ID, err)
		}
		cb = *change.Op.Combat
	}
	if !create {
		return cb, nil
	}
	change, err := e.store.Commit(ctx, docstore.Op{
		Kind:       docstore.OpCreateCombatants,
		UserID:     e.self,
		CombatID:   cb.ID,
		Combatants: MarkerCombatants(e.settings),
	})
	if err != nil {
		return cb, fmt.Errorf("create markers %s: %w", cb.ID, err)
	}
	return *change.Op.Combat, nil
}
