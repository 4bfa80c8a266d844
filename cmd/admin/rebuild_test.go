package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/rlavkvmflzk/metalic-combat-system-sub001/internal/docstore"
	persistlog "github.com/rlavkvmflzk/metalic-combat-system-sub001/internal/persistence/log"
)

func journalFixture(t *testing.T) (tableDir string, live *docstore.Memory) {
	t.Helper()
	ctx := context.Background()
	tableDir = t.TempDir()
	live = docstore.NewMemory()
	cl := persistlog.NewChangeLogger(tableDir)
	live.Subscribe(func(c docstore.Change) {
		if err := cl.WriteChange(c); err != nil {
			t.Errorf("journal: %v", err)
		}
	})
	commit := func(op docstore.Op) {
		t.Helper()
		if _, err := live.Commit(ctx, op); err != nil {
			t.Fatalf("commit %s: %v", op.Kind, err)
		}
	}
	commit(docstore.Op{Kind: docstore.OpUpsertUser, User: &docstore.User{ID: "gm", Name: "GM", Role: docstore.RoleGameMaster}})
	commit(docstore.Op{Kind: docstore.OpCreateActor, UserID: "gm", Actor: &docstore.Actor{ID: "a", Name: "Rin", Kind: docstore.ActorPilot, Attributes: map[string]int{"hp": 10}}})
	commit(docstore.Op{Kind: docstore.OpPatchActor, UserID: "gm", ActorID: "a", Attributes: map[string]int{"hp": 7}})
	if err := cl.Close(); err != nil {
		t.Fatalf("close journal: %v", err)
	}
	return tableDir, live
}

func TestReplayJournal_RebuildsLiveState(t *testing.T) {
	tableDir, live := journalFixture(t)

	m := docstore.NewMemory()
	applied, skipped, err := replayJournal(m, filepath.Join(tableDir, "changes"), 0)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if applied != 3 || skipped != 0 {
		t.Fatalf("applied=%d skipped=%d", applied, skipped)
	}
	if m.Seq() != live.Seq() {
		t.Fatalf("seq=%d want %d", m.Seq(), live.Seq())
	}
	a, ok := m.Actor("a")
	if !ok {
		t.Fatalf("actor missing after replay")
	}
	if diff := cmp.Diff(map[string]int{"hp": 7}, a.Attributes); diff != "" {
		t.Fatalf("attributes (-want +got):\n%s", diff)
	}
}

func TestReplayJournal_StopsAtSeq(t *testing.T) {
	tableDir, _ := journalFixture(t)

	m := docstore.NewMemory()
	applied, skipped, err := replayJournal(m, filepath.Join(tableDir, "changes"), 2)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if applied != 2 || skipped != 1 {
		t.Fatalf("applied=%d skipped=%d", applied, skipped)
	}
	a, _ := m.Actor("a")
	if a.Attributes["hp"] != 10 {
		t.Fatalf("hp=%d want 10 before the patch", a.Attributes["hp"])
	}
}

func TestReplayJournal_EmptyDir(t *testing.T) {
	if _, _, err := replayJournal(docstore.NewMemory(), t.TempDir(), 0); err == nil {
		t.Fatalf("expected an error for a directory without a journal")
	}
}
