package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/rlavkvmflzk/metalic-combat-system-sub001/internal/combat"
	"github.com/rlavkvmflzk/metalic-combat-system-sub001/internal/docstore"
	"github.com/rlavkvmflzk/metalic-combat-system-sub001/internal/mirror"
	"github.com/rlavkvmflzk/metalic-combat-system-sub001/internal/peer"
	"github.com/rlavkvmflzk/metalic-combat-system-sub001/internal/relay"
	"github.com/rlavkvmflzk/metalic-combat-system-sub001/internal/transport/ws"
)

type Config struct {
	Server ServerConfig `yaml:"server"`
	Log    LogConfig    `yaml:"log"`
	Phases PhasesConfig `yaml:"phases"`
	Mirror MirrorConfig `yaml:"mirror"`
	Seed   SeedConfig   `yaml:"seed"`
}

type ServerConfig struct {
	Addr          string        `yaml:"addr"`
	TableID       string        `yaml:"table_id"`
	DataDir       string        `yaml:"data_dir"`
	DisableDB     bool          `yaml:"disable_db"`
	SnapshotEvery time.Duration `yaml:"snapshot_every"`
	SnapshotKeep  int           `yaml:"snapshot_keep"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	QueueSize     int           `yaml:"queue_size"`
	DocRate       float64       `yaml:"doc_rate"`
	DocBurst      int           `yaml:"doc_burst"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	// Format is auto, console or json. auto picks console on a terminal.
	Format string `yaml:"format"`
}

type PhasesConfig struct {
	Enabled            bool    `yaml:"enabled"`
	SetupPriority      float64 `yaml:"setup_priority"`
	InitiativePriority float64 `yaml:"initiative_priority"`
	CleanupPriority    float64 `yaml:"cleanup_priority"`
	SetupLabel         string  `yaml:"setup_label"`
	InitiativeLabel    string  `yaml:"initiative_label"`
	CleanupLabel       string  `yaml:"cleanup_label"`
}

type MirrorConfig struct {
	Categories      []string      `yaml:"categories"`
	Attributes      []string      `yaml:"attributes"`
	LedgerRetention time.Duration `yaml:"ledger_retention"`
	PurgeEvery      time.Duration `yaml:"purge_every"`
	SendRate        float64       `yaml:"send_rate"`
	SendBurst       int           `yaml:"send_burst"`
	QueueSize       int           `yaml:"queue_size"`
}

// envOverrides are deploy-time knobs. Unset variables leave the file value.
type envOverrides struct {
	Addr          *string `env:"MCS_ADDR"`
	DataDir       *string `env:"MCS_DATA_DIR"`
	TableID       *string `env:"MCS_TABLE_ID"`
	DisableDB     *bool   `env:"MCS_DISABLE_DB"`
	LogLevel      *string `env:"MCS_LOG_LEVEL"`
	LogFormat     *string `env:"MCS_LOG_FORMAT"`
	PhasesEnabled *bool   `env:"MCS_PHASES_ENABLED"`
}

// Load reads path (optional), applies environment overrides, then
// normalizes and validates.
func Load(path string) (Config, error) {
	cfg := defaults()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("%s: %w", path, err)
		}
	}
	if err := ApplyEnv(&cfg, nil); err != nil {
		return cfg, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overlays MCS_* variables. environ replaces the process
// environment when non-nil.
func ApplyEnv(cfg *Config, environ map[string]string) error {
	var ov envOverrides
	opts := env.Options{}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&ov, opts); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	if ov.Addr != nil {
		cfg.Server.Addr = *ov.Addr
	}
	if ov.DataDir != nil {
		cfg.Server.DataDir = *ov.DataDir
	}
	if ov.TableID != nil {
		cfg.Server.TableID = *ov.TableID
	}
	if ov.DisableDB != nil {
		cfg.Server.DisableDB = *ov.DisableDB
	}
	if ov.LogLevel != nil {
		cfg.Log.Level = *ov.LogLevel
	}
	if ov.LogFormat != nil {
		cfg.Log.Format = *ov.LogFormat
	}
	if ov.PhasesEnabled != nil {
		cfg.Phases.Enabled = *ov.PhasesEnabled
	}
	return nil
}

func defaults() Config {
	ph := combat.DefaultSettings()
	out := relay.DefaultOutboxConfig()
	wsOpts := ws.DefaultOptions()
	return Config{
		Server: ServerConfig{
			Addr:          ":8080",
			TableID:       "table",
			DataDir:       "./data",
			SnapshotEvery: 5 * time.Minute,
			SnapshotKeep:  12,
			ReadTimeout:   wsOpts.ReadTimeout,
			WriteTimeout:  wsOpts.WriteTimeout,
			QueueSize:     wsOpts.QueueSize,
			DocRate:       wsOpts.DocRate,
			DocBurst:      wsOpts.DocBurst,
		},
		Log: LogConfig{Level: "info", Format: "auto"},
		Phases: PhasesConfig{
			Enabled:            ph.Enabled,
			SetupPriority:      ph.SetupPriority,
			InitiativePriority: ph.InitiativePriority,
			CleanupPriority:    ph.CleanupPriority,
			SetupLabel:         ph.SetupLabel,
			InitiativeLabel:    ph.InitiativeLabel,
			CleanupLabel:       ph.CleanupLabel,
		},
		Mirror: MirrorConfig{
			Categories:      append([]string(nil), mirror.DefaultCategories...),
			Attributes:      append([]string(nil), mirror.DefaultAttributes...),
			LedgerRetention: mirror.DefaultRetention,
			PurgeEvery:      time.Minute,
			SendRate:        out.Rate,
			SendBurst:       out.Burst,
			QueueSize:       out.Queue,
		},
	}
}

// Normalize fills zero values left by a partial file.
func (c *Config) Normalize() {
	def := defaults()
	c.Server.Addr = strings.TrimSpace(c.Server.Addr)
	if c.Server.Addr == "" {
		c.Server.Addr = def.Server.Addr
	}
	if strings.TrimSpace(c.Server.TableID) == "" {
		c.Server.TableID = def.Server.TableID
	}
	if strings.TrimSpace(c.Server.DataDir) == "" {
		c.Server.DataDir = def.Server.DataDir
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = def.Server.ReadTimeout
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = def.Server.WriteTimeout
	}
	if c.Server.QueueSize <= 0 {
		c.Server.QueueSize = def.Server.QueueSize
	}
	if c.Server.DocBurst <= 0 {
		c.Server.DocBurst = def.Server.DocBurst
	}

	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	if c.Log.Format == "" {
		c.Log.Format = def.Log.Format
	}

	if strings.TrimSpace(c.Phases.SetupLabel) == "" {
		c.Phases.SetupLabel = def.Phases.SetupLabel
	}
	if strings.TrimSpace(c.Phases.InitiativeLabel) == "" {
		c.Phases.InitiativeLabel = def.Phases.InitiativeLabel
	}
	if strings.TrimSpace(c.Phases.CleanupLabel) == "" {
		c.Phases.CleanupLabel = def.Phases.CleanupLabel
	}

	c.Mirror.Categories = normalizeList(c.Mirror.Categories)
	c.Mirror.Attributes = normalizeList(c.Mirror.Attributes)
	if c.Mirror.LedgerRetention <= 0 {
		c.Mirror.LedgerRetention = def.Mirror.LedgerRetention
	}
	if c.Mirror.PurgeEvery <= 0 {
		c.Mirror.PurgeEvery = def.Mirror.PurgeEvery
	}
	if c.Mirror.SendBurst <= 0 {
		c.Mirror.SendBurst = def.Mirror.SendBurst
	}
	if c.Mirror.QueueSize <= 0 {
		c.Mirror.QueueSize = def.Mirror.QueueSize
	}

	c.Seed.normalize()
}

func (c Config) Validate() error {
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch c.Log.Format {
	case "auto", "console", "json":
	default:
		return fmt.Errorf("log.format: unknown format %q", c.Log.Format)
	}
	if c.Server.SnapshotEvery < 0 {
		return fmt.Errorf("server.snapshot_every must be >= 0")
	}
	if c.Server.DocRate < 0 || c.Mirror.SendRate < 0 {
		return fmt.Errorf("rates must be >= 0")
	}
	p := c.Phases
	if !(p.SetupPriority > p.InitiativePriority && p.InitiativePriority > p.CleanupPriority) {
		return fmt.Errorf("phases: priorities must satisfy setup > initiative > cleanup (got %v, %v, %v)",
			p.SetupPriority, p.InitiativePriority, p.CleanupPriority)
	}
	return c.Seed.validate()
}

func normalizeList(in []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// LogLevel is the parsed zerolog level; Validate guarantees it parses.
func (c Config) LogLevel() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.Log.Level)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

func (c Config) PhaseSettings() combat.Settings {
	return combat.Settings{
		Enabled:            c.Phases.Enabled,
		SetupPriority:      c.Phases.SetupPriority,
		InitiativePriority: c.Phases.InitiativePriority,
		CleanupPriority:    c.Phases.CleanupPriority,
		SetupLabel:         c.Phases.SetupLabel,
		InitiativeLabel:    c.Phases.InitiativeLabel,
		CleanupLabel:       c.Phases.CleanupLabel,
	}
}

func (c Config) PeerConfig() peer.Config {
	return peer.Config{
		Phases: c.PhaseSettings(),
		Mirror: mirror.Config{
			Categories: append([]string(nil), c.Mirror.Categories...),
			Attributes: append([]string(nil), c.Mirror.Attributes...),
		},
		Outbox: relay.OutboxConfig{
			Rate:  c.Mirror.SendRate,
			Burst: c.Mirror.SendBurst,
			Queue: c.Mirror.QueueSize,
		},
		LedgerRetention: c.Mirror.LedgerRetention,
		PurgeEvery:      c.Mirror.PurgeEvery,
	}
}

func (c Config) WSOptions() ws.Options {
	return ws.Options{
		ReadTimeout:  c.Server.ReadTimeout,
		WriteTimeout: c.Server.WriteTimeout,
		QueueSize:    c.Server.QueueSize,
		DocRate:      c.Server.DocRate,
		DocBurst:     c.Server.DocBurst,
	}
}

// ParseRole maps a seed role name.
func ParseRole(s string) (docstore.Role, error) {
	r, ok := docstore.ParseRole(strings.ToLower(strings.TrimSpace(s)))
	if !ok {
		return docstore.RoleNone, fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}
