package archive

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rlavkvmflzk/metalic-combat-system-sub001/internal/docstore"
)

type CombatArchiveMeta struct {
	CombatID   string `json:"combat_id"`
	Rounds     int    `json:"rounds"`
	Combatants int    `json:"combatants"`
	EndedSeq   uint64 `json:"ended_seq"`
	EndedBy    string `json:"ended_by,omitempty"`
	Snapshot   string `json:"snapshot,omitempty"`
	CreatedAt  string `json:"created_at"`
}

// Dir is where an ended combat is archived.
func Dir(dataDir, combatID string) string {
	return filepath.Join(dataDir, "archives", "combat_"+combatID)
}

// ArchiveCombat stores an ended combat under dataDir/archives/combat_<id>/:
// the combat document as it was at deletion, a copy of the latest snapshot
// when one is given, and a meta.json. The delete_combat change carries the
// deleted combat in Op.Combat.
func ArchiveCombat(dataDir string, c docstore.Change, snapshotPath string, now time.Time) (string, error) {
	if c.Op.Kind != docstore.OpDeleteCombat || c.Op.Combat == nil {
		return "", fmt.Errorf("archive: change %d is not a combat deletion", c.Seq)
	}
	cb := c.Op.Combat
	dir := Dir(dataDir, cb.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	b, err := json.MarshalIndent(cb, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, "combat.json"), b, 0o644); err != nil {
		return "", err
	}

	meta := CombatArchiveMeta{
		CombatID:   cb.ID,
		Rounds:     cb.Round,
		Combatants: len(cb.Combatants),
		EndedSeq:   c.Seq,
		EndedBy:    c.Op.UserID,
		CreatedAt:  now.UTC().Format(time.RFC3339Nano),
	}
	if snapshotPath != "" {
		dst := filepath.Join(dir, filepath.Base(snapshotPath))
		if err := copyFile(snapshotPath, dst); err != nil {
			return "", err
		}
		meta.Snapshot = filepath.Base(dst)
	}
	if b, err := json.MarshalIndent(meta, "", "  "); err == nil {
		_ = os.WriteFile(filepath.Join(dir, "meta.json"), b, 0o644)
	}
	return dir, nil
}

// ReadMeta loads meta.json from an archive directory.
func ReadMeta(dir string) (CombatArchiveMeta, error) {
	var m CombatArchiveMeta
	b, err := os.ReadFile(filepath.Join(dir, "meta.json"))
	if err != nil {
		return m, err
	}
	err = json.Unmarshal(b, &m)
	return m, err
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
