package logging

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func TestNew_JSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// A regular file is never a terminal, so auto picks JSON.
	log := New(f, zerolog.InfoLevel, "auto", "mcs-test")
	log.Debug().Msg("hidden")
	log.Info().Str("component", "x").Msg("shown")
	_ = f.Close()

	rf, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rf.Close()
	var lines []map[string]any
	sc := bufio.NewScanner(rf)
	for sc.Scan() {
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("not json: %q", sc.Text())
		}
		lines = append(lines, m)
	}
	if len(lines) != 1 {
		t.Fatalf("lines=%v", lines)
	}
	if lines[0]["service"] != "mcs-test" || lines[0]["component"] != "x" || lines[0]["message"] != "shown" {
		t.Fatalf("line=%v", lines[0])
	}
}
