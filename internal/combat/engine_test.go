package combat

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/rlavkvmflzk/metalic-combat-system-sub001/internal/docstore"
)

type noticeRecorder struct {
	notices []Notice
}

func (r *noticeRecorder) Announce(_ context.Context, n Notice) {
	r.notices = append(r.notices, n)
}

func (r *noticeRecorder) phases() []PhaseKind {
	var out []PhaseKind
	for _, n := range r.notices {
		out = append(out, n.Phase)
	}
	return out
}

type fixture struct {
	store    *docstore.Memory
	engine   *Engine
	notices  *noticeRecorder
	combatID string
}

// newFixture seeds gm, p1 and p2, actors a (p1), b (p2), c (unowned) and a
// combat holding A(10), B(10), C(5).
func newFixture(t *testing.T, settings Settings) *fixture {
	t.Helper()
	ctx := context.Background()
	m := docstore.NewMemory()
	for _, u := range []docstore.User{
		{ID: "gm", Role: docstore.RoleGameMaster, Active: true},
		{ID: "p1", Role: docstore.RolePlayer, Active: true},
		{ID: "p2", Role: docstore.RolePlayer, Active: true},
	} {
		u := u
		if _, err := m.Commit(ctx, docstore.Op{Kind: docstore.OpUpsertUser, User: &u}); err != nil {
			t.Fatalf("seed user: %v", err)
		}
	}
	for _, a := range []docstore.Actor{
		{ID: "a", Name: "A", Kind: docstore.ActorPilot, Owners: []string{"p1"}},
		{ID: "b", Name: "B", Kind: docstore.ActorPilot, Owners: []string{"p2"}},
		{ID: "c", Name: "C", Kind: docstore.ActorNPC},
	} {
		a := a
		if _, err := m.Commit(ctx, docstore.Op{Kind: docstore.OpCreateActor, Actor: &a}); err != nil {
			t.Fatalf("seed actor: %v", err)
		}
	}
	c, err := m.Commit(ctx, docstore.Op{Kind: docstore.OpCreateCombat, Combat: &docstore.Combat{Combatants: []docstore.Combatant{
		{Name: "A", ActorID: "a", Initiative: ptr(10)},
		{Name: "B", ActorID: "b", Initiative: ptr(10)},
		{Name: "C", ActorID: "c", Initiative: ptr(5)},
	}}})
	if err != nil {
		t.Fatalf("seed combat: %v", err)
	}
	rec := &noticeRecorder{}
	return &fixture{
		store:    m,
		engine:   NewEngine(m, "gm", settings, rec, zerolog.Nop()),
		notices:  rec,
		combatID: c.Op.CombatID,
	}
}

func (f *fixture) combat(t *testing.T) docstore.Combat {
	t.Helper()
	cb, ok := f.store.Combat(f.combatID)
	if !ok {
		t.Fatalf("combat %s missing", f.combatID)
	}
	return cb
}

func (f *fixture) currentName(t *testing.T) string {
	t.Helper()
	cur, ok := f.combat(t).Current()
	if !ok {
		t.Fatalf("no current combatant")
	}
	return cur.Name
}

func (f *fixture) advance(t *testing.T, user string) Transition {
	t.Helper()
	tr, err := f.engine.Advance(context.Background(), f.combatID, user)
	if err != nil {
		t.Fatalf("advance as %s: %v", user, err)
	}
	return tr
}

func TestEngine_FullRoundWithPhases(t *testing.T) {
	f := newFixture(t, DefaultSettings())
	if _, err := f.engine.Start(context.Background(), f.combatID, "gm"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := f.currentName(t); got != "Setup Phase" {
		t.Fatalf("start should land on setup, got %s", got)
	}

	var got []string
	var cursors []string
	for i := 0; i < 11; i++ {
		f.advance(t, "gm")
		got = append(got, f.currentName(t))
		cursors = append(cursors, f.combat(t).Flag(CursorFlag))
	}
	want := []string{
		"Initiative Phase", "A",
		"Initiative Phase", "B",
		"Initiative Phase", "C",
		"Initiative Phase", "Cleanup Phase",
		"Setup Phase", "Initiative Phase", "A",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("turn sequence (-want +got):\n%s", diff)
	}

	cb := f.combat(t)
	idOf := map[string]string{}
	for _, c := range cb.Combatants {
		idOf[c.Name] = c.ID
	}
	wantCursors := []string{"", "", idOf["A"], idOf["A"], idOf["B"], idOf["B"], idOf["C"], "", "", "", ""}
	if diff := cmp.Diff(wantCursors, cursors); diff != "" {
		t.Fatalf("cursor history (-want +got):\n%s", diff)
	}
	if cb.Round != 2 {
		t.Fatalf("expected round 2, got %d", cb.Round)
	}

	wantNotices := []PhaseKind{
		PhaseSetup, PhaseInitiative, PhaseInitiative, PhaseInitiative,
		PhaseInitiative, PhaseCleanup, PhaseSetup, PhaseInitiative,
	}
	if diff := cmp.Diff(wantNotices, f.notices.phases()); diff != "" {
		t.Fatalf("notices (-want +got):\n%s", diff)
	}
}

func TestEngine_AdvanceGuard(t *testing.T) {
	f := newFixture(t, Settings{Enabled: false})
	ctx := context.Background()
	if _, err := f.engine.Start(ctx, f.combatID, "gm"); err != nil {
		t.Fatalf("start: %v", err)
	}
	before := f.combat(t)

	_, err := f.engine.Advance(ctx, f.combatID, "p2")
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected permission denied for p2, got %v", err)
	}
	if diff := cmp.Diff(before, f.combat(t)); diff != "" {
		t.Fatalf("rejected advance mutated combat:\n%s", diff)
	}

	// p1 owns A, which holds the turn.
	tr := f.advance(t, "p1")
	if tr.RequestedBy != "p1" || f.currentName(t) != "B" {
		t.Fatalf("owner advance: %+v current=%s", tr, f.currentName(t))
	}
	if _, err := f.engine.Advance(ctx, f.combatID, "p1"); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("p1 should not advance B's turn, got %v", err)
	}
}

func TestEngine_PhaseMarkersAllOrNothing(t *testing.T) {
	f := newFixture(t, DefaultSettings())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := f.engine.SetPhases(ctx, f.combatID, "gm", true); err != nil {
			t.Fatalf("enable #%d: %v", i, err)
		}
		cb := f.combat(t)
		if !HasAllMarkers(cb) || len(MarkerIDs(cb)) != 3 || !cb.PhasesEnabled {
			t.Fatalf("enable #%d: markers=%d enabled=%v", i, len(MarkerIDs(cb)), cb.PhasesEnabled)
		}
	}
	if err := f.engine.SetPhases(ctx, f.combatID, "gm", false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	cb := f.combat(t)
	if len(MarkerIDs(cb)) != 0 || cb.PhasesEnabled {
		t.Fatalf("disable left markers=%d enabled=%v", len(MarkerIDs(cb)), cb.PhasesEnabled)
	}
	if len(cb.Combatants) != 3 {
		t.Fatalf("regular combatants lost: %+v", cb.Combatants)
	}
	if err := f.engine.SetPhases(ctx, f.combatID, "p1", true); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
}

func TestEngine_DisabledFallsBackToLinear(t *testing.T) {
	f := newFixture(t, Settings{Enabled: false})
	ctx := context.Background()
	if _, err := f.engine.Start(ctx, f.combatID, "gm"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if HasAllMarkers(f.combat(t)) {
		t.Fatalf("markers created while disabled")
	}
	var got []string
	for i := 0; i < 4; i++ {
		f.advance(t, "gm")
		got = append(got, f.currentName(t))
	}
	if diff := cmp.Diff([]string{"B", "C", "A", "B"}, got); diff != "" {
		t.Fatalf("linear order (-want +got):\n%s", diff)
	}
	if r := f.combat(t).Round; r != 2 {
		t.Fatalf("expected round 2, got %d", r)
	}
	if len(f.notices.notices) != 0 {
		t.Fatalf("unexpected notices: %+v", f.notices.notices)
	}
	if err := f.engine.SetPhases(ctx, f.combatID, "gm", true); !errors.Is(err, ErrPhasesDisabled) {
		t.Fatalf("expected ErrPhasesDisabled, got %v", err)
	}
}

func addUses(t *testing.T, m *docstore.Memory, actorID string, uses ...docstore.LimitedUse) []string {
	t.Helper()
	var items []docstore.Item
	for i := range uses {
		u := uses[i]
		items = append(items, docstore.Item{Name: string(u.Cadence), Uses: &u})
	}
	c, err := m.Commit(context.Background(), docstore.Op{Kind: docstore.OpCreateItems, ActorID: actorID, Items: items})
	if err != nil {
		t.Fatalf("add items: %v", err)
	}
	var ids []string
	for _, it := range c.Op.Items {
		ids = append(ids, it.ID)
	}
	return ids
}

func usesOf(t *testing.T, m *docstore.Memory, actorID, itemID string) int {
	t.Helper()
	it, ok := m.Item(actorID, itemID)
	if !ok {
		t.Fatalf("item %s missing", itemID)
	}
	return it.Uses.Value
}

func spend(t *testing.T, m *docstore.Memory, actorID, itemID string) {
	t.Helper()
	it, _ := m.Item(actorID, itemID)
	it.Uses.Value = 0
	if _, err := m.Commit(context.Background(), docstore.Op{Kind: docstore.OpUpdateItems, ActorID: actorID, Items: []docstore.Item{it}}); err != nil {
		t.Fatalf("spend: %v", err)
	}
}

func TestEngine_RecoveryCadence(t *testing.T) {
	f := newFixture(t, Settings{Enabled: false})
	ctx := context.Background()
	ids := addUses(t, f.store, "a",
		docstore.LimitedUse{Value: 0, Max: 2, Cadence: docstore.CadenceTurn},
		docstore.LimitedUse{Value: 1, Max: 3, Cadence: docstore.CadenceRound},
		docstore.LimitedUse{Value: 0, Max: 1, Cadence: docstore.CadenceScene},
	)
	perTurn, perRound, perScene := ids[0], ids[1], ids[2]
	if _, err := f.engine.Start(ctx, f.combatID, "gm"); err != nil {
		t.Fatalf("start: %v", err)
	}

	tr := f.advance(t, "gm") // A -> B, same round
	if tr.Kind != KindTurn {
		t.Fatalf("expected turn transition, got %s", tr.Kind)
	}
	if usesOf(t, f.store, "a", perTurn) != 2 {
		t.Fatalf("per-turn counter not restored on turn change")
	}
	if usesOf(t, f.store, "a", perRound) != 1 {
		t.Fatalf("per-round counter restored on same-round turn change")
	}

	spend(t, f.store, "a", perTurn)
	f.advance(t, "gm")      // B -> C
	tr = f.advance(t, "gm") // C -> A, round 2
	if tr.Kind != KindRound {
		t.Fatalf("expected round transition, got %s", tr.Kind)
	}
	if usesOf(t, f.store, "a", perRound) != 3 || usesOf(t, f.store, "a", perTurn) != 2 {
		t.Fatalf("round change did not restore per-round and per-turn counters")
	}
	if usesOf(t, f.store, "a", perScene) != 0 {
		t.Fatalf("per-scene counter restored before combat end")
	}

	if err := f.engine.End(ctx, f.combatID, "gm"); err != nil {
		t.Fatalf("end: %v", err)
	}
	if usesOf(t, f.store, "a", perScene) != 1 {
		t.Fatalf("combat end did not restore per-scene counter")
	}
	if _, ok := f.store.Combat(f.combatID); ok {
		t.Fatalf("combat not deleted on end")
	}
}

func TestEngine_EndRemovesMarkersAndCursor(t *testing.T) {
	f := newFixture(t, DefaultSettings())
	ctx := context.Background()
	var seen []docstore.OpKind
	f.store.Subscribe(func(c docstore.Change) {
		if c.Op.CombatID == f.combatID {
			seen = append(seen, c.Op.Kind)
		}
	})
	if _, err := f.engine.Start(ctx, f.combatID, "gm"); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.advance(t, "gm")
	f.advance(t, "gm")
	f.advance(t, "gm") // A -> Initiative sets the cursor
	seen = nil

	if err := f.engine.End(ctx, f.combatID, "p1"); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	if err := f.engine.End(ctx, f.combatID, "gm"); err != nil {
		t.Fatalf("end: %v", err)
	}
	want := []docstore.OpKind{docstore.OpDeleteCombatants, docstore.OpPatchCombat, docstore.OpDeleteCombat}
	if diff := cmp.Diff(want, seen); diff != "" {
		t.Fatalf("end ops (-want +got):\n%s", diff)
	}
}

func TestEngine_PreviousIsPrivileged(t *testing.T) {
	f := newFixture(t, Settings{Enabled: false})
	ctx := context.Background()
	if _, err := f.engine.Start(ctx, f.combatID, "gm"); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.advance(t, "gm")
	if _, err := f.engine.Previous(ctx, f.combatID, "p2"); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	if _, err := f.engine.Previous(ctx, f.combatID, "gm"); err != nil {
		t.Fatalf("previous: %v", err)
	}
	if got := f.currentName(t); got != "A" {
		t.Fatalf("expected A after previous, got %s", got)
	}
}
