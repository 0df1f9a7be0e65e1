// pumpsync mirrors an insulin pump's history log to a remote aggregation
// service and keeps companion devices' pump state in sync.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/pumplink/pumpsync/internal/config"
	"github.com/pumplink/pumpsync/internal/engine"
	"github.com/pumplink/pumpsync/internal/pump"
	"github.com/pumplink/pumpsync/internal/store"
	"github.com/pumplink/pumpsync/internal/upload"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "pumpsync",
	Short: "Incremental pump history synchronization",
	Long: `pumpsync uploads insulin pump history to a remote aggregation service.

It tracks a durable per-category watermark over the pump's sequence-numbered
event log, fetches only what is new each tick, heals transport gaps by
re-requesting missing sequence ranges, and uploads with idempotent
identifiers so retries never duplicate data.

Records enter through a spool directory written by the device bridge; state
for companion devices is mirrored over a WebSocket replication bus.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"config file (default "+config.DefaultPath()+")")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func loadConfig() *config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		fatalf("%v", err)
	}
	return cfg
}

// openStore opens the state database and ensures its schema exists.
func openStore(cfg *config.Config) *store.Store {
	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		fatalf("failed to open state database: %v", err)
	}
	if err := st.InitSchema(); err != nil {
		st.Close()
		fatalf("failed to initialize state database: %v", err)
	}
	return st
}

// buildOrchestrator wires the spool source, the upload client, and the
// store into an engine.
func buildOrchestrator(cfg *config.Config, st *store.Store, logger *log.Logger) *engine.Orchestrator {
	if cfg.BaseURL == "" {
		fatalf("base_url is not configured; edit %s or run 'pumpsync init'", config.DefaultPath())
	}

	source := pump.NewSpoolSource(cfg.SpoolDir, logger)
	sink := upload.NewClient(cfg.BaseURL, cfg.APISecret, nil)

	o, err := engine.New(engine.Config{
		Source: source,
		Sink:   sink,
		Store:  st,
		Device: cfg.Device,
		Logger: logger,
	})
	if err != nil {
		fatalf("failed to build sync engine: %v", err)
	}
	return o
}
