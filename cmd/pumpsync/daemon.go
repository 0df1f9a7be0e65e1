package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/pumplink/pumpsync/internal/config"
	"github.com/pumplink/pumpsync/internal/engine"
	"github.com/pumplink/pumpsync/internal/statebus"
	"github.com/pumplink/pumpsync/internal/ui"
)

var daemonInterval time.Duration

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the sync daemon (foreground)",
	Long: `Run sync passes on a periodic tick until interrupted.

The daemon also serves the state replication bus: companion devices connect
to the peer listener and mirror pump state (connectivity, battery, insulin
on board) with last-write-wins semantics. Set peer_connect instead to
mirror from another device's listener.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		if daemonInterval > 0 {
			cfg.TickInterval = daemonInterval
		}

		var logSink io.Writer = os.Stderr
		if cfg.LogFile != "" {
			logSink = &lumberjack.Logger{
				Filename:   cfg.LogFile,
				MaxSize:    10, // MB
				MaxBackups: 3,
				MaxAge:     28, // days
			}
		}

		st := openStore(cfg)
		defer st.Close()

		o := buildOrchestrator(cfg, st, log.New(logSink, "[engine] ", log.LstdFlags))

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		bus, closeBus, err := openBus(ctx, cfg, logSink)
		if err != nil {
			fatalf("%v", err)
		}
		defer closeBus()

		d, err := engine.NewDaemon(o, &engine.DaemonConfig{
			TickInterval: cfg.TickInterval,
			Bus:          bus,
			Logger:       log.New(logSink, "[daemon] ", log.LstdFlags),
		})
		if err != nil {
			fatalf("failed to build daemon: %v", err)
		}

		fmt.Printf("%s Starting sync daemon (interval %v)\n", ui.RenderAccent("→"), cfg.TickInterval)
		fmt.Printf("   Spool:  %s\n", cfg.SpoolDir)
		fmt.Printf("   State:  %s\n", cfg.DatabasePath)
		fmt.Printf("   Remote: %s\n", cfg.BaseURL)
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		if err := d.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			fatalf("daemon stopped: %v", err)
		}
		fmt.Println("Sync daemon stopped")
	},
}

// openBus builds the state replication bus from the peer settings: a
// listening server, a client mirroring from another device, or a plain
// in-process bus when neither is configured.
func openBus(ctx context.Context, cfg *config.Config, logSink io.Writer) (statebus.Bus, func(), error) {
	logger := log.New(logSink, "[statebus] ", log.LstdFlags)

	switch {
	case cfg.PeerConnect != "":
		client, err := statebus.DialPeer(ctx, cfg.PeerConnect, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to peer %s: %w", cfg.PeerConnect, err)
		}
		return client, func() { client.Close() }, nil

	case cfg.PeerListen != "":
		srv := statebus.NewPeerServer(statebus.NewMemoryBus(), cfg.PeerListen, logger)
		if err := srv.Start(); err != nil {
			return nil, nil, fmt.Errorf("failed to start peer listener on %s: %w", cfg.PeerListen, err)
		}
		logger.Printf("Peer listener on ws://%s/state", srv.Addr())
		return srv, func() { srv.Stop() }, nil

	default:
		return statebus.NewMemoryBus(), func() {}, nil
	}
}

func init() {
	daemonCmd.Flags().DurationVar(&daemonInterval, "interval", 0,
		"tick interval (overrides config)")
	rootCmd.AddCommand(daemonCmd)
}
