package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rlavkvmflzk/metalic-combat-system-sub001/internal/combat"
	"github.com/rlavkvmflzk/metalic-combat-system-sub001/internal/config"
	"github.com/rlavkvmflzk/metalic-combat-system-sub001/internal/docstore"
	"github.com/rlavkvmflzk/metalic-combat-system-sub001/internal/logging"
	"github.com/rlavkvmflzk/metalic-combat-system-sub001/internal/peer"
	"github.com/rlavkvmflzk/metalic-combat-system-sub001/internal/persistence/archive"
	persistlog "github.com/rlavkvmflzk/metalic-combat-system-sub001/internal/persistence/log"
	"github.com/rlavkvmflzk/metalic-combat-system-sub001/internal/persistence/snapshot"
	"github.com/rlavkvmflzk/metalic-combat-system-sub001/internal/protocol"
	"github.com/rlavkvmflzk/metalic-combat-system-sub001/internal/relay"
	"github.com/rlavkvmflzk/metalic-combat-system-sub001/internal/transport/ws"
)

type serverFlags struct {
	configPath string
	addr       string
	dataDir    string
	disableDB  bool
	snapPath   string
	loadLatest bool
	hostUser   string
	logLevel   string
}

func main() {
	var f serverFlags
	cmd := &cobra.Command{
		Use:           "mcs-server",
		Short:         "Combat table server: shared document store and message relay",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(f.configPath)
			if err != nil {
				return err
			}
			applyFlags(cmd, &cfg, f)
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger := logging.New(os.Stdout, cfg.LogLevel(), cfg.Log.Format, "mcs-server")
			ctx, cancel := signalContext()
			defer cancel()
			return run(ctx, cfg, f, logger)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.configPath, "config", "./configs/table.yaml", "table config path (empty for built-in defaults)")
	fl.StringVar(&f.addr, "addr", "", "http listen address (overrides server.addr)")
	fl.StringVar(&f.dataDir, "data", "", "runtime data directory (overrides server.data_dir)")
	fl.BoolVar(&f.disableDB, "disable-db", false, "disable the sqlite read-model index")
	fl.StringVar(&f.snapPath, "snapshot", "", "snapshot to load (optional)")
	fl.BoolVar(&f.loadLatest, "load-latest-snapshot", true, "load the latest snapshot from the data dir when --snapshot is empty")
	fl.StringVar(&f.hostUser, "host-user", "", "run an in-process peer for this user (e.g. the game master)")
	fl.StringVar(&f.logLevel, "log-level", "", "log level (overrides log.level)")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func applyFlags(cmd *cobra.Command, cfg *config.Config, f serverFlags) {
	if cmd.Flags().Changed("addr") {
		cfg.Server.Addr = f.addr
	}
	if cmd.Flags().Changed("data") {
		cfg.Server.DataDir = f.dataDir
	}
	if cmd.Flags().Changed("disable-db") {
		cfg.Server.DisableDB = f.disableDB
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = strings.ToLower(f.logLevel)
	}
}

func run(ctx context.Context, cfg config.Config, f serverFlags, logger zerolog.Logger) error {
	tableDir := filepath.Join(cfg.Server.DataDir, "tables", cfg.Server.TableID)
	snapDir := filepath.Join(tableDir, "snapshots")
	if err := os.MkdirAll(tableDir, 0o755); err != nil {
		return err
	}
	log := logger.With().Str("table", cfg.Server.TableID).Logger()

	// Optional read model; the journals below stay the source of truth.
	idx, err := openRuntimeIndex(tableDir, cfg.Server.DisableDB, log)
	if err != nil {
		return fmt.Errorf("open index: %w", err)
	}
	if idx != nil {
		defer idx.Close()
	}

	store := docstore.NewMemory()

	changeLog := persistlog.NewChangeLogger(tableDir)
	defer changeLog.Close()
	relayLog := persistlog.NewRelayLogger(tableDir)
	defer relayLog.Close()

	archiveCh := make(chan docstore.Change, 16)
	store.Subscribe(func(c docstore.Change) {
		if err := changeLog.WriteChange(c); err != nil {
			log.Warn().Err(err).Uint64("seq", c.Seq).Msg("change journal write failed")
		}
		idx.RecordChange(c)
		if c.Op.Kind == docstore.OpDeleteCombat {
			select {
			case archiveCh <- c:
			default:
				log.Warn().Str("combat", c.Op.CombatID).Msg("archive queue full, combat not archived")
			}
		}
	})

	// Subscribed first so seed commits land in the journal too.
	if err := bootstrapStore(ctx, store, cfg, f, snapDir, log); err != nil {
		return err
	}

	hub := relay.NewHub()
	hub.Tap(func(m relay.Message) {
		if err := relayLog.WriteMessage(m); err != nil {
			log.Warn().Err(err).Str("name", m.Name).Msg("relay journal write failed")
		}
		if m.Name == peer.HandlerNotice {
			var n combat.Notice
			if err := json.Unmarshal(m.Payload, &n); err == nil {
				idx.RecordNotice(m.From, n, time.Now())
			}
		}
	})
	hub.OnPresence(func(p relay.Presence) {
		log.Info().Int("peers", len(p.Peers)).Str("authority", p.Authority).Msg("presence changed")
	})

	if f.hostUser != "" {
		u, ok := store.User(f.hostUser)
		if !ok {
			return fmt.Errorf("host user %q is not in the store", f.hostUser)
		}
		local := relay.NewLocal(ctx, hub, u, log)
		defer local.Close()
		u.Active = true
		if _, err := store.Commit(ctx, docstore.Op{Kind: docstore.OpUpsertUser, User: &u}); err != nil {
			return fmt.Errorf("mark host user active: %w", err)
		}
		host := peer.New(store, local, cfg.PeerConfig(), log)
		host.Start(ctx)
		log.Info().Str("user", u.ID).Msg("in-process host peer running")
	}

	snaps := &snapshotter{
		store:   store,
		dir:     snapDir,
		tableID: cfg.Server.TableID,
		keep:    cfg.Server.SnapshotKeep,
		idx:     idx,
		log:     log,
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case c := <-archiveCh:
				path, _ := snaps.write(time.Now())
				dir, err := archive.ArchiveCombat(tableDir, c, path, time.Now())
				if err != nil {
					log.Warn().Err(err).Str("combat", c.Op.CombatID).Msg("archive combat failed")
					continue
				}
				round := 0
				if c.Op.Combat != nil {
					round = c.Op.Combat.Round
				}
				idx.RecordArchive(c.Op.CombatID, round, dir, time.Now())
				log.Info().Str("combat", c.Op.CombatID).Str("dir", dir).Msg("combat archived")
			}
		}
	}()
	if cfg.Server.SnapshotEvery > 0 {
		go snaps.loop(ctx, cfg.Server.SnapshotEvery)
	}

	validator, err := protocol.NewValidator()
	if err != nil {
		return fmt.Errorf("compile schemas: %w", err)
	}
	wsSrv := ws.NewServer(store, hub, validator, cfg.WSOptions(), log)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", metricsHandler(cfg.Server.TableID, store, hub, wsSrv, idx))
	mux.HandleFunc("/admin/v1/state", func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		resp := struct {
			TableID  string         `json:"table_id"`
			Presence relay.Presence `json:"presence"`
			State    docstore.State `json:"state"`
		}{
			TableID:  cfg.Server.TableID,
			Presence: hub.Presence(),
			State:    store.State(),
		}
		_ = json.NewEncoder(rw).Encode(resp)
	})
	mux.HandleFunc("/admin/v1/snapshot", func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		path, err := snaps.write(time.Now())
		rw.Header().Set("Content-Type", "application/json")
		if err != nil {
			rw.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "error": err.Error()})
			return
		}
		_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true, "path": path, "seq": store.Seq()})
	})
	mux.HandleFunc("/v1/ws", wsSrv.Handler())

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	log.Info().Str("addr", cfg.Server.Addr).Uint64("seq", store.Seq()).Msg("listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen: %w", err)
	}
	if _, err := snaps.write(time.Now()); err != nil {
		log.Warn().Err(err).Msg("final snapshot failed")
	}
	if err := idx.Flush(context.Background()); err != nil {
		log.Warn().Err(err).Msg("index flush failed")
	}
	log.Info().Msg("shut down")
	return nil
}

// bootstrapStore resumes from a snapshot when one is available and seeds a
// fresh store otherwise.
func bootstrapStore(ctx context.Context, store *docstore.Memory, cfg config.Config, f serverFlags, snapDir string, log zerolog.Logger) error {
	path := strings.TrimSpace(f.snapPath)
	if path == "" && f.loadLatest {
		latest, ok, err := snapshot.Latest(snapDir)
		if err != nil {
			return fmt.Errorf("find latest snapshot: %w", err)
		}
		if ok {
			path = latest
		}
	}
	if path != "" {
		snap, err := snapshot.ReadSnapshot(path)
		if err != nil {
			return fmt.Errorf("load snapshot %s: %w", path, err)
		}
		if snap.Header.TableID != "" && snap.Header.TableID != cfg.Server.TableID {
			return fmt.Errorf("snapshot %s belongs to table %q", path, snap.Header.TableID)
		}
		store.Load(snap.State)
		// Nobody is connected after a restart.
		for _, u := range store.Users() {
			if !u.Active {
				continue
			}
			u.Active = false
			if _, err := store.Commit(ctx, docstore.Op{Kind: docstore.OpUpsertUser, User: &u}); err != nil {
				return err
			}
		}
		log.Info().Str("path", path).Uint64("seq", snap.Header.Seq).Msg("resumed from snapshot")
		return nil
	}
	if err := cfg.Seed.Apply(ctx, store); err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	log.Info().Int("users", len(cfg.Seed.Users)).Int("actors", len(cfg.Seed.Actors)).Msg("seeded fresh store")
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func isLoopbackRemote(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(strings.Trim(host, "[]"))
	return ip != nil && ip.IsLoopback()
}
