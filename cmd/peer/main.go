package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rlavkvmflzk/metalic-combat-system-sub001/internal/combat"
	"github.com/rlavkvmflzk/metalic-combat-system-sub001/internal/config"
	"github.com/rlavkvmflzk/metalic-combat-system-sub001/internal/logging"
	"github.com/rlavkvmflzk/metalic-combat-system-sub001/internal/peer"
	"github.com/rlavkvmflzk/metalic-combat-system-sub001/internal/relay"
	"github.com/rlavkvmflzk/metalic-combat-system-sub001/internal/transport/ws"
)

type peerFlags struct {
	url        string
	user       string
	configPath string
	logLevel   string
	timeout    time.Duration
}

func main() {
	var f peerFlags
	root := &cobra.Command{
		Use:           "mcs-peer",
		Short:         "Connect to a combat table as one user",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&f.url, "url", "ws://localhost:8080/v1/ws", "ws url")
	pf.StringVar(&f.user, "user", "", "user id to connect as")
	pf.StringVar(&f.configPath, "config", "", "table config for phase and mirror settings (optional)")
	pf.StringVar(&f.logLevel, "log-level", "", "log level (overrides log.level)")
	pf.DurationVar(&f.timeout, "timeout", 10*time.Second, "timeout for one-shot commands")

	root.AddCommand(
		runCmd(&f),
		oneShot(&f, "advance", "Advance to the next turn (forwarded to the authority)", func(ctx context.Context, p *peer.Peer, id string) (string, error) {
			return report(p.AdvanceTurn(ctx, id))
		}),
		oneShot(&f, "start", "Start a combat", func(ctx context.Context, p *peer.Peer, id string) (string, error) {
			return report(p.StartCombat(ctx, id))
		}),
		oneShot(&f, "end", "End and delete a combat", func(ctx context.Context, p *peer.Peer, id string) (string, error) {
			res, err := p.EndCombat(ctx, id)
			if err != nil || res.Forwarded {
				return report(res, err)
			}
			return "ended", nil
		}),
		oneShot(&f, "previous", "Step back one turn", func(ctx context.Context, p *peer.Peer, id string) (string, error) {
			return report(p.PreviousTurn(ctx, id))
		}),
		phasesCmd(&f),
	)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig(f *peerFlags) (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return cfg, zerolog.Nop(), err
	}
	if f.logLevel != "" {
		cfg.Log.Level = strings.ToLower(f.logLevel)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, zerolog.Nop(), err
	}
	return cfg, logging.New(os.Stderr, cfg.LogLevel(), cfg.Log.Format, "mcs-peer"), nil
}

// connect dials the server and waits for the first presence update so the
// authority is known before the peer acts.
func connect(ctx context.Context, f *peerFlags) (*ws.Client, *peer.Peer, zerolog.Logger, error) {
	if strings.TrimSpace(f.user) == "" {
		return nil, nil, zerolog.Nop(), errors.New("missing --user")
	}
	cfg, logger, err := loadConfig(f)
	if err != nil {
		return nil, nil, logger, err
	}
	cl, err := ws.Dial(ctx, f.url, f.user, cfg.WSOptions(), logger)
	if err != nil {
		return nil, nil, logger, err
	}
	ready := make(chan struct{})
	var once bool
	cl.OnPeers(func(p relay.Presence) {
		if p.Authority != "" && !once {
			once = true
			close(ready)
		}
	})
	if cl.Presence().Authority == "" {
		select {
		case <-ready:
		case <-ctx.Done():
			_ = cl.Close()
			return nil, nil, logger, fmt.Errorf("waiting for presence: %w", ctx.Err())
		}
	}
	p := peer.New(cl, cl, cfg.PeerConfig(), logger)
	return cl, p, logger, nil
}

func runCmd(f *peerFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Stay connected, mirroring items and following turns",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			cl, p, logger, err := connect(ctx, f)
			if err != nil {
				return err
			}
			defer cl.Close()
			p.OnNotice(func(n combat.Notice) {
				fmt.Fprintf(cmd.OutOrStdout(), "[%s] round %d: %s\n", n.CombatID, n.Round, n.Label)
			})
			cl.OnPeers(func(pr relay.Presence) {
				logger.Info().Int("peers", len(pr.Peers)).Str("authority", pr.Authority).Msg("presence")
			})
			p.Start(ctx)
			select {
			case <-ctx.Done():
			case <-cl.Done():
				logger.Warn().Msg("connection closed by server")
			}
			flushCtx, flushCancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer flushCancel()
			return p.Flush(flushCtx)
		},
	}
}

func oneShot(f *peerFlags, use, short string, fn func(ctx context.Context, p *peer.Peer, combatID string) (string, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <combat-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
			defer cancel()
			cl, p, _, err := connect(ctx, f)
			if err != nil {
				return err
			}
			defer cl.Close()
			p.Start(ctx)
			out, err := fn(ctx, p, args[0])
			if err != nil {
				return err
			}
			if err := p.Flush(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
}

func phasesCmd(f *peerFlags) *cobra.Command {
	var enabled bool
	cmd := oneShot(f, "phases", "Turn combat phases on or off", func(ctx context.Context, p *peer.Peer, id string) (string, error) {
		res, err := p.SetPhases(ctx, id, enabled)
		if err != nil || res.Forwarded {
			return report(res, err)
		}
		return fmt.Sprintf("phases enabled=%v", enabled), nil
	})
	cmd.Flags().BoolVar(&enabled, "enabled", true, "enable phases")
	return cmd
}

func report(res peer.Result, err error) (string, error) {
	if err != nil {
		return "", err
	}
	if res.Forwarded {
		return "forwarded to authority", nil
	}
	return describe(res.Transition), nil
}

func describe(tr combat.Transition) string {
	s := fmt.Sprintf("combat=%s round=%d turn=%d->%d kind=%s", tr.CombatID, tr.Round, tr.FromTurn, tr.ToTurn, tr.Kind)
	if tr.Phase != "" {
		s += " phase=" + string(tr.Phase)
	}
	if tr.Current != "" {
		s += " current=" + tr.Current
	}
	return s
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
