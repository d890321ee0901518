package kernel

import (
	"context"
	"time"
)

// CleanupConfig holds configurable maintenance parameters.
type CleanupConfig struct {
	// Interval is how often to reap and replenish (default: 1 minute).
	Interval time.Duration `json:"interval" yaml:"interval"`
	// ProcessRetention is how long terminated processes stay visible to
	// Status (default: 5 minutes).
	ProcessRetention time.Duration `json:"process_retention" yaml:"process_retention"`
	// WakeInterval is how often scheduled wake triggers are checked (default: 100ms).
	WakeInterval time.Duration `json:"wake_interval" yaml:"wake_interval"`
}

// DefaultCleanupConfig returns default cleanup configuration.
func DefaultCleanupConfig() CleanupConfig {
	return CleanupConfig{
		Interval:         time.Minute,
		ProcessRetention: 5 * time.Minute,
		WakeInterval:     100 * time.Millisecond,
	}
}

// runMaintenance drives hibernation sweeps, wake triggers and cleanup until
// ctx is done.
func (k *Kernel) runMaintenance(ctx context.Context) error {
	cfg := k.config.Cleanup
	if cfg.WakeInterval <= 0 {
		cfg.WakeInterval = DefaultCleanupConfig().WakeInterval
	}
	cleanup := k.clock.NewTicker(cfg.Interval)
	defer cleanup.Stop()
	wakes := k.clock.NewTicker(cfg.WakeInterval)
	defer wakes.Stop()

	var sweeps <-chan time.Time
	if hc := k.hibernation.Config(); hc.Enabled && hc.SweepInterval > 0 {
		t := k.clock.NewTicker(hc.SweepInterval)
		defer t.Stop()
		sweeps = t.C()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sweeps:
			k.runSweepCycle(ctx)
		case now := <-wakes.C():
			k.hibernation.FireDue(ctx, now)
		case <-cleanup.C():
			k.runCleanupCycle(cfg)
		}
	}
}

func (k *Kernel) runSweepCycle(ctx context.Context) {
	err := SafeExecute(k.logger, "hibernation_sweep", func() error {
		_, err := k.hibernation.Sweep(ctx)
		return err
	})
	if err != nil && ctx.Err() == nil && k.logger != nil {
		k.logger.Warn("hibernation_sweep_failed", "error", err.Error())
	}
}

// runCleanupCycle performs a single cleanup cycle with panic recovery.
func (k *Kernel) runCleanupCycle(cfg CleanupConfig) {
	defer func() {
		if r := recover(); r != nil {
			if k.logger != nil {
				k.logger.Error("cleanup_panic_recovered", "error", r)
			}
		}
	}()

	// Reap terminated processes older than the retention period
	processCount := k.table.Reap(k.clock.Now(), cfg.ProcessRetention)

	// Top the context pool back up
	replenished := k.coldStart.Replenish()

	if k.logger != nil {
		k.logger.Debug("cleanup_cycle_completed",
			"processes_cleaned", processCount,
			"contexts_replenished", replenished,
		)
	}
}
