package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/rlavkvmflzk/metalic-combat-system-sub001/internal/persistence/indexdb"
)

// openRuntimeIndex returns a nil index when indexing is disabled; every
// SQLiteIndex method is a no-op on nil.
func openRuntimeIndex(tableDir string, disableDB bool, log zerolog.Logger) (*indexdb.SQLiteIndex, error) {
	if disableDB {
		log.Info().Msg("index disabled")
		return nil, nil
	}
	backend := strings.ToLower(strings.TrimSpace(os.Getenv("MCS_INDEX_BACKEND")))
	if backend == "" {
		backend = "sqlite"
	}
	switch backend {
	case "none", "off", "disabled":
		return nil, nil
	case "sqlite":
		return indexdb.OpenSQLite(indexPath(tableDir))
	default:
		return nil, fmt.Errorf("unsupported MCS_INDEX_BACKEND: %s", backend)
	}
}

func indexPath(tableDir string) string {
	return filepath.Join(tableDir, "index", "table.sqlite")
}
