package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rlavkvmflzk/metalic-combat-system-sub001/internal/docstore"
	persistlog "github.com/rlavkvmflzk/metalic-combat-system-sub001/internal/persistence/log"
	"github.com/rlavkvmflzk/metalic-combat-system-sub001/internal/persistence/snapshot"
)

func inspectCmd(f *adminFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect [snapshot]",
		Short: "Print a snapshot header (latest when no path is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) > 0 {
				path = args[0]
			} else {
				latest, ok, err := snapshot.Latest(filepath.Join(f.tableDir(), "snapshots"))
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("no snapshot in %s", f.tableDir())
				}
				path = latest
			}
			h, err := snapshot.ReadHeader(path)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				Path string `json:"path"`
				snapshot.Header
			}{path, h})
		},
	}
}

func rebuildCmd(f *adminFlags) *cobra.Command {
	var (
		snapPath string
		toSeq    uint64
		outPath  string
	)
	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Replay the change journal onto a snapshot and write the result",
		RunE: func(cmd *cobra.Command, _ []string) error {
			tableDir := f.tableDir()
			m := docstore.NewMemory()
			base := strings.TrimSpace(snapPath)
			if base != "" {
				snap, err := snapshot.ReadSnapshot(base)
				if err != nil {
					return fmt.Errorf("read snapshot: %w", err)
				}
				m.Load(snap.State)
			}
			applied, skipped, err := replayJournal(m, filepath.Join(tableDir, "changes"), toSeq)
			if err != nil {
				return err
			}
			if strings.TrimSpace(outPath) == "" {
				// Outside snapshots/ so the server's Latest and Prune ignore it.
				outPath = filepath.Join(tableDir, fmt.Sprintf("rebuild-%d.snap.zst", m.Seq()))
			}
			if err := snapshot.WriteSnapshot(outPath, snapshot.New(f.tableID, m.State(), time.Now())); err != nil {
				return fmt.Errorf("write snapshot: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rebuild ok: base=%q seq=%d applied=%d skipped=%d out=%s\n",
				filepath.Base(base), m.Seq(), applied, skipped, outPath)
			return nil
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&snapPath, "snapshot", "", "snapshot to start from (empty starts from an empty store)")
	fl.Uint64Var(&toSeq, "to-seq", 0, "stop after this seq (0 replays everything)")
	fl.StringVar(&outPath, "out", "", "output snapshot path (load it with mcs-server --snapshot)")
	return cmd
}

// replayJournal applies journaled changes newer than the store's seq, in
// file order, up to toSeq when it is non-zero.
func replayJournal(m *docstore.Memory, dir string, toSeq uint64) (applied, skipped int, err error) {
	files, err := persistlog.Files(dir, "changes")
	if err != nil {
		return 0, 0, err
	}
	if len(files) == 0 {
		return 0, 0, fmt.Errorf("no change journal in %s", dir)
	}
	for _, path := range files {
		err := persistlog.ReadLines(path, func(line []byte) error {
			var c docstore.Change
			if err := json.Unmarshal(line, &c); err != nil {
				return fmt.Errorf("%s: unmarshal: %w", filepath.Base(path), err)
			}
			if c.Seq <= m.Seq() || (toSeq > 0 && c.Seq > toSeq) {
				skipped++
				return nil
			}
			if err := m.ApplyChange(c); err != nil {
				return err
			}
			applied++
			return nil
		})
		if err != nil {
			return applied, skipped, err
		}
	}
	return applied, skipped, nil
}
