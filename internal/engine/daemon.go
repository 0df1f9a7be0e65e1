package engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/pumplink/pumpsync/internal/history"
	"github.com/pumplink/pumpsync/internal/statebus"
)

// DaemonConfig holds configuration for the sync daemon.
type DaemonConfig struct {
	// TickInterval is how often a sync pass runs.
	TickInterval time.Duration

	// Bus, when non-nil, receives connectivity and device-status values
	// after each pass so companion devices can mirror them.
	Bus statebus.Bus

	// Logger for daemon activity.
	Logger *log.Logger
}

// DefaultDaemonConfig returns sensible defaults.
func DefaultDaemonConfig() *DaemonConfig {
	return &DaemonConfig{
		TickInterval: 5 * time.Minute,
		Logger:       log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon runs sync passes on a periodic tick. It is not continuously
// syncing: between ticks nothing runs, and a pass that outlives the tick
// interval simply delays the next one (ticks never overlap).
type Daemon struct {
	orch   *Orchestrator
	config *DaemonConfig

	mu       sync.Mutex
	lastPass *PassResult
}

// NewDaemon wraps an orchestrator in a tick loop.
func NewDaemon(orch *Orchestrator, config *DaemonConfig) (*Daemon, error) {
	if orch == nil {
		return nil, fmt.Errorf("orchestrator cannot be nil")
	}
	if config == nil {
		config = DefaultDaemonConfig()
	}
	if config.TickInterval <= 0 {
		config.TickInterval = DefaultDaemonConfig().TickInterval
	}
	if config.Logger == nil {
		config.Logger = DefaultDaemonConfig().Logger
	}

	return &Daemon{orch: orch, config: config}, nil
}

// Start runs an immediate pass and then one pass per tick until ctx is
// cancelled. Pass failures are logged and retried on the next tick; Start
// only returns ctx's error.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Printf("Starting sync daemon (interval %v)", d.config.TickInterval)

	d.runOnce(ctx)

	ticker := time.NewTicker(d.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.config.Logger.Println("Sync daemon stopped")
			return ctx.Err()

		case <-ticker.C:
			d.runOnce(ctx)
		}
	}
}

// LastPass returns the most recent pass result, or nil before the first.
func (d *Daemon) LastPass() *PassResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastPass
}

func (d *Daemon) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	result, err := d.orch.RunPass(ctx)
	if err != nil {
		d.config.Logger.Printf("Sync pass aborted: %v", err)
		d.publishConnectivity(false)
		return
	}

	d.mu.Lock()
	d.lastPass = &result
	d.mu.Unlock()

	uploaded := 0
	for _, c := range result.Categories {
		uploaded += c.Uploaded
	}
	if failed := result.Failed(); len(failed) > 0 {
		for _, c := range failed {
			d.config.Logger.Printf("Category %s pending retry: %v", c.Type, c.Err)
		}
		d.config.Logger.Printf("Sync pass partial: uploaded=%d healed=%d failed=%d in %v",
			uploaded, result.Healed, len(failed), result.Duration.Round(time.Millisecond))
	} else {
		d.config.Logger.Printf("Sync pass complete: uploaded=%d healed=%d in %v",
			uploaded, result.Healed, result.Duration.Round(time.Millisecond))
	}

	d.publish(result)
}

// publish mirrors pass outcomes onto the state bus for companion devices.
func (d *Daemon) publish(result PassResult) {
	if d.config.Bus == nil {
		return
	}

	now := time.Now().UTC()

	// Connected means the device answered every fetch this pass.
	connected := true
	for _, c := range result.Categories {
		if c.Err != nil {
			connected = false
			break
		}
	}
	d.busPut(statebus.KeyConnected, statebus.BoolValue(connected), now)

	for _, c := range result.Categories {
		if c.Type == history.ProcessorDeviceStatus && c.Err == nil && c.Uploaded > 0 {
			d.busPut(statebus.KeyLastSync, statebus.TextValue(now.Format(time.RFC3339)), now)
		}
	}
}

func (d *Daemon) publishConnectivity(connected bool) {
	if d.config.Bus == nil {
		return
	}
	d.busPut(statebus.KeyConnected, statebus.BoolValue(connected), time.Now().UTC())
}

func (d *Daemon) busPut(key string, v statebus.Value, ts time.Time) {
	if err := d.config.Bus.Put(key, v, ts); err != nil {
		d.config.Logger.Printf("Warning: state bus put %s failed: %v", key, err)
	}
}
