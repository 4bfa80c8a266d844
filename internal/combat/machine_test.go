package combat

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/rlavkvmflzk/metalic-combat-system-sub001/internal/docstore"
)

func ptr(v float64) *float64 { return &v }

func regular(id string, init float64) docstore.Combatant {
	return docstore.Combatant{ID: id, Name: id, Initiative: ptr(init)}
}

func marker(k PhaseKind, prio float64) docstore.Combatant {
	return docstore.Combatant{ID: string(k), Name: string(k), Phase: string(k), Initiative: ptr(prio)}
}

func indexOf(turns []docstore.Combatant, id string) int {
	for i, c := range turns {
		if c.ID == id {
			return i
		}
	}
	return -1
}

// walk advances from Initiative with an empty cursor until Setup reappears
// and returns the ids holding the turn after each step.
func walk(t *testing.T, turns []docstore.Combatant, limit int) []string {
	t.Helper()
	cur := indexOf(turns, string(PhaseInitiative))
	cursor := ""
	var visited []string
	for i := 0; i < limit; i++ {
		d, err := Next(turns, cur, cursor)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		switch d.Cursor {
		case CursorSet:
			cursor = d.CursorID
		case CursorClear:
			cursor = ""
		}
		cur = d.Turn
		visited = append(visited, turns[cur].ID)
		if turns[cur].Phase == string(PhaseSetup) {
			return visited
		}
	}
	t.Fatalf("setup not reached after %d steps: %v", limit, visited)
	return nil
}

func TestNext_TieGroupThenLowerPriorityThenCleanup(t *testing.T) {
	turns := []docstore.Combatant{
		marker(PhaseSetup, 1000),
		marker(PhaseInitiative, 999),
		regular("A", 10),
		regular("B", 10),
		regular("C", 5),
		marker(PhaseCleanup, -1000),
	}
	got := walk(t, turns, 20)
	want := []string{"A", "initiative", "B", "initiative", "C", "initiative", "cleanup", "setup"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("visit order (-want +got):\n%s", diff)
	}
}

func TestNext_DistinctPrioritiesDescendThenCleanupOnce(t *testing.T) {
	turns := []docstore.Combatant{
		marker(PhaseSetup, 1000),
		marker(PhaseInitiative, 999),
		regular("w", 40),
		regular("x", 30),
		regular("y", 20),
		regular("z", 10),
		marker(PhaseCleanup, -1000),
	}
	visited := walk(t, turns, 50)
	var regulars []string
	cleanups := 0
	for _, id := range visited {
		switch id {
		case "cleanup":
			cleanups++
		case "initiative", "setup":
		default:
			regulars = append(regulars, id)
		}
	}
	if diff := cmp.Diff([]string{"w", "x", "y", "z"}, regulars); diff != "" {
		t.Fatalf("regular order (-want +got):\n%s", diff)
	}
	if cleanups != 1 {
		t.Fatalf("expected cleanup once, got %d (%v)", cleanups, visited)
	}
}

func TestNext_SkipsDefeatedAndUnrolled(t *testing.T) {
	turns := []docstore.Combatant{
		marker(PhaseSetup, 1000),
		marker(PhaseInitiative, 999),
		{ID: "down", Initiative: ptr(20), Defeated: true},
		regular("up", 10),
		marker(PhaseCleanup, -1000),
		{ID: "unrolled"},
	}
	got := walk(t, turns, 10)
	want := []string{"up", "initiative", "cleanup", "setup"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("visit order (-want +got):\n%s", diff)
	}
}

func TestNext_CleanupAdvancesRound(t *testing.T) {
	turns := []docstore.Combatant{
		marker(PhaseSetup, 1000),
		marker(PhaseInitiative, 999),
		regular("A", 1),
		marker(PhaseCleanup, -1000),
	}
	d, err := Next(turns, 3, "")
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if d.Turn != 0 || !d.AdvanceRound || d.Notice != PhaseSetup {
		t.Fatalf("unexpected decision: %+v", d)
	}
	d, err = Next(turns, 0, "")
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if d.Turn != 1 || d.AdvanceRound || d.Notice != PhaseInitiative {
		t.Fatalf("unexpected decision from setup: %+v", d)
	}
}

func TestNext_StaleCursorRestartsFromTop(t *testing.T) {
	turns := []docstore.Combatant{
		marker(PhaseInitiative, 999),
		regular("A", 10),
		regular("B", 5),
		marker(PhaseCleanup, -1000),
	}
	d, err := Next(turns, 0, "gone")
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if turns[d.Turn].ID != "A" {
		t.Fatalf("expected A, got %s", turns[d.Turn].ID)
	}
}

func TestNext_MissingMarker(t *testing.T) {
	turns := []docstore.Combatant{
		marker(PhaseInitiative, 999),
		regular("A", 10),
	}
	_, err := Next(turns, 0, "A")
	if !errors.Is(err, ErrMissingMarker) {
		t.Fatalf("expected ErrMissingMarker, got %v", err)
	}
}

func TestNextLinear_WrapsAndSkipsDefeated(t *testing.T) {
	turns := []docstore.Combatant{
		regular("A", 3),
		{ID: "B", Initiative: ptr(2), Defeated: true},
		regular("C", 1),
	}
	d, err := NextLinear(turns, 0)
	if err != nil || d.Turn != 2 || d.AdvanceRound {
		t.Fatalf("expected C same round, got %+v err=%v", d, err)
	}
	d, err = NextLinear(turns, 2)
	if err != nil || d.Turn != 0 || !d.AdvanceRound {
		t.Fatalf("expected wrap to A, got %+v err=%v", d, err)
	}
}

func TestPreviousLinear(t *testing.T) {
	turns := []docstore.Combatant{regular("A", 2), regular("B", 1)}
	cases := []struct {
		cur, round          int
		wantTurn, wantRound int
	}{
		{1, 1, 0, 1},
		{0, 2, 1, 1},
		{0, 1, 0, 1},
	}
	for _, tc := range cases {
		turn, round, err := PreviousLinear(turns, tc.cur, tc.round)
		if err != nil {
			t.Fatalf("previous: %v", err)
		}
		if turn != tc.wantTurn || round != tc.wantRound {
			t.Fatalf("from (%d,%d): got (%d,%d), want (%d,%d)", tc.cur, tc.round, turn, round, tc.wantTurn, tc.wantRound)
		}
	}
}
