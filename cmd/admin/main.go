package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

type adminFlags struct {
	dataDir string
	tableID string
}

func (f adminFlags) tableDir() string {
	return filepath.Join(f.dataDir, "tables", f.tableID)
}

func main() {
	var f adminFlags
	root := &cobra.Command{
		Use:           "mcs-admin",
		Short:         "Operator tools for a combat table's runtime data",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&f.dataDir, "data", "./data", "runtime data directory")
	pf.StringVar(&f.tableID, "table", "table", "table id (server.table_id)")

	root.AddCommand(
		listCmd(&f),
		dbCmd(&f),
		inspectCmd(&f),
		rebuildCmd(&f),
		stateCmd(),
		snapshotCmd(),
	)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func listCmd(f *adminFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tables in the data directory",
		RunE: func(cmd *cobra.Command, _ []string) error {
			entries, err := os.ReadDir(filepath.Join(f.dataDir, "tables"))
			if err != nil {
				return err
			}
			for _, e := range entries {
				if e.IsDir() {
					fmt.Fprintln(cmd.OutOrStdout(), e.Name())
				}
			}
			return nil
		},
	}
}
