package main

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rlavkvmflzk/metalic-combat-system-sub001/internal/persistence/indexdb"
)

func dbCmd(f *adminFlags) *cobra.Command {
	var (
		dbPath   string
		limit    int
		combatID string
		kind     string
	)
	cmd := &cobra.Command{
		Use:       "db [turns|notices|snapshots|changes]",
		Short:     "Query the sqlite read-model index",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"turns", "notices", "snapshots", "changes"},
		RunE: func(cmd *cobra.Command, args []string) error {
			q := "snapshots"
			if len(args) > 0 {
				q = strings.TrimSpace(args[0])
			}
			path := strings.TrimSpace(dbPath)
			if path == "" {
				path = filepath.Join(f.tableDir(), "index", "table.sqlite")
			}
			r, err := indexdb.OpenReader(path)
			if err != nil {
				return fmt.Errorf("open %s: %w", path, err)
			}
			defer r.Close()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			switch q {
			case "turns":
				rows, err := r.RecentTurns(ctx, combatID, limit)
				if err != nil {
					return err
				}
				for _, row := range rows {
					_ = enc.Encode(row)
				}
			case "notices":
				rows, err := r.RecentNotices(ctx, limit)
				if err != nil {
					return err
				}
				for _, row := range rows {
					_ = enc.Encode(row)
				}
			case "snapshots":
				rows, err := r.Snapshots(ctx, limit)
				if err != nil {
					return err
				}
				for _, row := range rows {
					_ = enc.Encode(row)
				}
			case "changes":
				n, err := r.CountChanges(ctx, kind)
				if err != nil {
					return err
				}
				_ = enc.Encode(map[string]any{"kind": kind, "count": n})
			default:
				return fmt.Errorf("unknown query %q", q)
			}
			return nil
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&dbPath, "db", "", "sqlite db path (defaults to the table's index)")
	fl.IntVar(&limit, "limit", 20, "result limit")
	fl.StringVar(&combatID, "combat", "", "combat id filter (turns)")
	fl.StringVar(&kind, "kind", "", "change kind filter (changes)")
	return cmd
}
