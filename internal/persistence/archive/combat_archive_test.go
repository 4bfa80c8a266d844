package archive

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rlavkvmflzk/metalic-combat-system-sub001/internal/docstore"
)

func TestArchiveCombat_WritesDocumentSnapshotAndMeta(t *testing.T) {
	dataDir := t.TempDir()
	snap := filepath.Join(dataDir, "snapshots", "00000000000000000007.snap.zst")
	if err := os.MkdirAll(filepath.Dir(snap), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(snap, []byte("snap"), 0o644); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	cb := docstore.Combat{ID: "c1", Round: 4, Combatants: []docstore.Combatant{{ID: "x", Name: "Ace"}, {ID: "y", Name: "Blaze"}}}
	ch := docstore.Change{Seq: 9, Op: docstore.Op{Kind: docstore.OpDeleteCombat, UserID: "gm", CombatID: "c1", Combat: &cb}}
	dir, err := ArchiveCombat(dataDir, ch, snap, time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if dir != Dir(dataDir, "c1") {
		t.Fatalf("dir=%s", dir)
	}

	meta, err := ReadMeta(dir)
	if err != nil {
		t.Fatalf("meta: %v", err)
	}
	if meta.Rounds != 4 || meta.Combatants != 2 || meta.EndedSeq != 9 || meta.EndedBy != "gm" || meta.Snapshot != filepath.Base(snap) {
		t.Fatalf("meta=%+v", meta)
	}
	b, err := os.ReadFile(filepath.Join(dir, "combat.json"))
	if err != nil {
		t.Fatalf("combat.json: %v", err)
	}
	var got docstore.Combat
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("decode combat: %v", err)
	}
	if got.ID != "c1" || len(got.Combatants) != 2 {
		t.Fatalf("combat=%+v", got)
	}
	if b, _ := os.ReadFile(filepath.Join(dir, filepath.Base(snap))); string(b) != "snap" {
		t.Fatalf("snapshot copy=%q", b)
	}
}

func TestArchiveCombat_RejectsOtherChanges(t *testing.T) {
	_, err := ArchiveCombat(t.TempDir(), docstore.Change{Seq: 1, Op: docstore.Op{Kind: docstore.OpPatchCombat}}, "", time.Now())
	if err == nil {
		t.Fatalf("expected error")
	}
}
