package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/rlavkvmflzk/metalic-combat-system-sub001/internal/docstore"
	"github.com/rlavkvmflzk/metalic-combat-system-sub001/internal/mirror"
)

func TestLoad_TableYAML(t *testing.T) {
	cfg, err := Load("../../configs/table.yaml")
	if err != nil {
		t.Fatalf("load table.yaml: %v", err)
	}
	if cfg.Server.TableID != "metalic-demo" || cfg.Server.SnapshotEvery != 5*time.Minute {
		t.Fatalf("server: %+v", cfg.Server)
	}
	if diff := cmp.Diff(mirror.DefaultAttributes, cfg.PeerConfig().Mirror.Attributes); diff != "" {
		t.Fatalf("mirror attributes (-want +got):\n%s", diff)
	}
	if len(cfg.Seed.Users) != 3 || len(cfg.Seed.Actors) != 4 || len(cfg.Seed.Combats) != 1 {
		t.Fatalf("seed: %+v", cfg.Seed)
	}
	ps := cfg.PhaseSettings()
	if !ps.Enabled || ps.SetupLabel != "Setup Phase" || ps.CleanupPriority != -1000 {
		t.Fatalf("phases: %+v", ps)
	}
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg := defaults()
	if err := ApplyEnv(&cfg, map[string]string{}); err != nil {
		t.Fatalf("env: %v", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate defaults: %v", err)
	}
	if cfg.Server.Addr != ":8080" || !cfg.Phases.Enabled || cfg.Mirror.LedgerRetention != mirror.DefaultRetention {
		t.Fatalf("defaults: %+v", cfg)
	}
}

func TestApplyEnv_OverridesOnlySetVariables(t *testing.T) {
	cfg := defaults()
	err := ApplyEnv(&cfg, map[string]string{
		"MCS_ADDR":           "127.0.0.1:9000",
		"MCS_DISABLE_DB":     "true",
		"MCS_PHASES_ENABLED": "false",
		"MCS_LOG_LEVEL":      "DEBUG",
	})
	if err != nil {
		t.Fatalf("env: %v", err)
	}
	cfg.Normalize()
	if cfg.Server.Addr != "127.0.0.1:9000" || !cfg.Server.DisableDB || cfg.Phases.Enabled {
		t.Fatalf("overrides not applied: %+v", cfg.Server)
	}
	if cfg.Server.DataDir != "./data" {
		t.Fatalf("unset variable changed data_dir: %q", cfg.Server.DataDir)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("level=%q", cfg.Log.Level)
	}

	if err := ApplyEnv(&cfg, map[string]string{"MCS_DISABLE_DB": "maybe"}); err == nil {
		t.Fatalf("expected parse error for bad bool")
	}
}

func TestNormalize_PartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.yaml")
	body := "mirror:\n  categories: [\" Specialty \", specialty, Bless]\n  ledger_retention: 0s\nlog:\n  level: \"\"\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := cmp.Diff([]string{"specialty", "bless"}, cfg.Mirror.Categories); diff != "" {
		t.Fatalf("categories (-want +got):\n%s", diff)
	}
	if cfg.Mirror.LedgerRetention != mirror.DefaultRetention || cfg.Log.Level != "info" {
		t.Fatalf("zero values not refilled: %+v %+v", cfg.Mirror, cfg.Log)
	}
}

func TestValidate_Rejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"priority order", func(c *Config) { c.Phases.InitiativePriority = 2000 }, "priorities"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"unknown role", func(c *Config) { c.Seed.Users = []SeedUser{{ID: "x", Role: "king"}} }, "unknown role"},
		{"owner not seeded", func(c *Config) {
			c.Seed.Actors = []SeedActor{{ID: "a", Kind: "pilot", Owners: []string{"ghost"}}}
		}, "not a seeded user"},
		{"guardian without pilot", func(c *Config) {
			c.Seed.Actors = []SeedActor{{ID: "g", Kind: "guardian", PilotID: "nobody"}}
		}, "pilot_id"},
		{"bad cadence", func(c *Config) {
			c.Seed.Actors = []SeedActor{{ID: "a", Kind: "pilot", Items: []SeedItem{{Name: "x", Uses: &SeedUses{Cadence: "weekly"}}}}}
		}, "cadence"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaults()
			tc.mutate(&cfg)
			cfg.Normalize()
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("got %v, want error containing %q", err, tc.want)
			}
		})
	}
}

func TestSeed_ApplyBuildsStore(t *testing.T) {
	cfg, err := Load("../../configs/table.yaml")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	m := docstore.NewMemory()
	if err := cfg.Seed.Apply(context.Background(), m); err != nil {
		t.Fatalf("apply: %v", err)
	}
	gm, ok := m.User("gm")
	if !ok || gm.Role != docstore.RoleGameMaster {
		t.Fatalf("gm=%+v ok=%v", gm, ok)
	}
	g, ok := m.Actor("rin-guardian")
	if !ok || g.PilotID != "rin-pilot" || g.Kind != docstore.ActorGuardian {
		t.Fatalf("guardian=%+v", g)
	}
	items := m.Items("rin-pilot")
	if len(items) != 2 || items[0].Uses == nil || items[0].Uses.Cadence != docstore.CadenceRound {
		t.Fatalf("items=%+v", items)
	}
	cb, ok := m.Combat("opening")
	if !ok || len(cb.Combatants) != 3 {
		t.Fatalf("combat=%+v", cb)
	}
	var names []string
	for _, c := range cb.Turns() {
		names = append(names, c.Name)
	}
	if diff := cmp.Diff([]string{"Rin Aoba", "Kai Stern", "Hostile Drone"}, names); diff != "" {
		t.Fatalf("turn order (-want +got):\n%s", diff)
	}
}
