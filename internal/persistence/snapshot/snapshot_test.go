package snapshot

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/rlavkvmflzk/metalic-combat-system-sub001/internal/docstore"
)

func sampleState() docstore.State {
	zero := 0.0
	ten := 10.0
	return docstore.State{
		Seq:   42,
		Users: []docstore.User{{ID: "gm", Name: "GM", Role: docstore.RoleGameMaster}},
		Actors: []docstore.Actor{
			{ID: "a", Name: "Ace", Kind: docstore.ActorPilot, Owners: []string{"p1"}, Attributes: map[string]int{"hp": 30}, Revision: 3},
		},
		Items: []docstore.Item{
			{ID: "i1", ActorID: "a", Name: "Beam Saber", Category: "specialty", Uses: &docstore.LimitedUse{Value: 0, Max: 1, Cadence: docstore.CadenceRound}, Seq: 1, Revision: 2},
		},
		Combats: []docstore.Combat{{
			ID:      "c1",
			Round:   2,
			Started: true,
			Flags:   map[string]string{"round_cursor": "x"},
			Combatants: []docstore.Combatant{
				{ID: "x", Name: "Ace", ActorID: "a", Initiative: &zero, Seq: 2},
				{ID: "y", Name: "Setup Phase", Initiative: &ten, Phase: "setup", Seq: 3},
				{ID: "z", Name: "Unrolled", Seq: 4},
			},
			Revision: 7,
		}},
	}
}

func TestSnapshot_RoundTripKeepsZeroInitiative(t *testing.T) {
	dir := t.TempDir()
	st := sampleState()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	path := Path(dir, st.Seq)
	if err := WriteSnapshot(path, New("table", st, at)); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := ReadSnapshot(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if diff := cmp.Diff(st, got.State); diff != "" {
		t.Fatalf("state mismatch (-want +got):\n%s", diff)
	}
	if got.Header.Seq != 42 || got.Header.Items != 1 || !got.Header.TakenAt.Equal(at) {
		t.Fatalf("header: %+v", got.Header)
	}
	if ini := got.State.Combats[0].Combatants[0].Initiative; ini == nil || *ini != 0 {
		t.Fatalf("zero initiative lost: %v", ini)
	}

	h, err := ReadHeader(path)
	if err != nil {
		t.Fatalf("header: %v", err)
	}
	if diff := cmp.Diff(got.Header, h); diff != "" {
		t.Fatalf("ReadHeader mismatch (-want +got):\n%s", diff)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind: %v", err)
	}
}

func TestSnapshot_LatestAndPrune(t *testing.T) {
	dir := t.TempDir()
	if _, ok, err := Latest(filepath.Join(dir, "missing")); err != nil || ok {
		t.Fatalf("missing dir: ok=%v err=%v", ok, err)
	}
	for _, seq := range []uint64{9, 100, 12} {
		st := docstore.State{Seq: seq}
		if err := WriteSnapshot(Path(dir, seq), New("table", st, time.Now())); err != nil {
			t.Fatalf("write %d: %v", seq, err)
		}
	}
	latest, ok, err := Latest(dir)
	if err != nil || !ok {
		t.Fatalf("latest: ok=%v err=%v", ok, err)
	}
	if latest != Path(dir, 100) {
		t.Fatalf("latest=%s", latest)
	}

	removed, err := Prune(dir, 1)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 2 {
		t.Fatalf("removed=%d want 2", removed)
	}
	all, _ := List(dir)
	if diff := cmp.Diff([]string{Path(dir, 100)}, all); diff != "" {
		t.Fatalf("remaining (-want +got):\n%s", diff)
	}
}
