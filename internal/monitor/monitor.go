package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jmorland/veralock-core/internal/audit"
	"github.com/jmorland/veralock-core/internal/device"
)

// Default sweep schedules and heartbeat cutoff.
const (
	DefaultBatterySweep = "@every 15m"
	DefaultOfflineSweep = "@every 1m"
	DefaultOfflineAfter = 120 * time.Second
)

// DeviceStore is the interface the monitor needs from the device package.
type DeviceStore interface {
	ListBatteryLow(ctx context.Context) ([]device.Device, error)
	MarkOfflineStale(ctx context.Context, cutoff time.Time) ([]string, error)
}

// Auditor appends sweep findings to the audit chain.
type Auditor interface {
	Record(ctx context.Context, e *audit.Entry) error
}

// Telemetry receives battery measurement points. May be nil.
type Telemetry interface {
	WriteBatteryLevel(deviceID string, level int)
}

// Logger defines the logging interface used by the monitor.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options configures the sweep schedules.
type Options struct {
	// BatterySweep and OfflineSweep are cron specs. Empty values fall
	// back to the defaults.
	BatterySweep string
	OfflineSweep string
	// OfflineAfter is how long a device may go silent before the
	// offline sweep flags it.
	OfflineAfter time.Duration
}

func (o *Options) applyDefaults() {
	if o.BatterySweep == "" {
		o.BatterySweep = DefaultBatterySweep
	}
	if o.OfflineSweep == "" {
		o.OfflineSweep = DefaultOfflineSweep
	}
	if o.OfflineAfter <= 0 {
		o.OfflineAfter = DefaultOfflineAfter
	}
}

// Monitor owns the cron scheduler for the device sweeps.
type Monitor struct {
	cron      *cron.Cron
	devices   DeviceStore
	auditor   Auditor
	telemetry Telemetry
	logger    Logger
	opts      Options
	now       func() time.Time

	// lowReported suppresses repeat battery audits until a device
	// recovers above its threshold.
	lowReported map[string]bool
}

// New creates a device monitor.
//
// telemetry may be nil when time-series output is disabled.
func New(devices DeviceStore, auditor Auditor, telemetry Telemetry, opts Options, logger Logger) *Monitor {
	if logger == nil {
		logger = noopLogger{}
	}
	opts.applyDefaults()

	return &Monitor{
		cron:        cron.New(),
		devices:     devices,
		auditor:     auditor,
		telemetry:   telemetry,
		logger:      logger,
		opts:        opts,
		now:         time.Now,
		lowReported: make(map[string]bool),
	}
}

// Start schedules both sweeps and starts the cron runner.
func (m *Monitor) Start() error {
	if _, err := m.cron.AddFunc(m.opts.BatterySweep, m.BatterySweep); err != nil {
		return fmt.Errorf("scheduling battery sweep %q: %w", m.opts.BatterySweep, err)
	}
	if _, err := m.cron.AddFunc(m.opts.OfflineSweep, m.OfflineSweep); err != nil {
		return fmt.Errorf("scheduling offline sweep %q: %w", m.opts.OfflineSweep, err)
	}

	m.cron.Start()
	m.logger.Info("device monitor started",
		"battery_sweep", m.opts.BatterySweep,
		"offline_sweep", m.opts.OfflineSweep,
	)
	return nil
}

// Stop halts the scheduler and waits for running sweeps to finish.
func (m *Monitor) Stop() {
	ctx := m.cron.Stop()
	<-ctx.Done()
	m.logger.Info("device monitor stopped")
}

// BatterySweep audits devices at or below their battery threshold.
// Each device is reported once per low episode.
func (m *Monitor) BatterySweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	low, err := m.devices.ListBatteryLow(ctx)
	if err != nil {
		m.logger.Error("battery sweep failed", "error", err)
		return
	}

	seen := make(map[string]bool, len(low))
	for _, d := range low {
		seen[d.ID] = true
		if m.telemetry != nil {
			m.telemetry.WriteBatteryLevel(d.ID, d.BatteryLevel)
		}
		if m.lowReported[d.ID] {
			continue
		}

		entry := &audit.Entry{
			Action:       "device.battery_low",
			ResourceType: "device",
			ResourceID:   d.ID,
			Success:      false,
			Reason:       "battery_low",
			Details: map[string]any{
				"battery_level": d.BatteryLevel,
				"threshold":     d.BatteryLowThreshold,
			},
		}
		if err := m.auditor.Record(ctx, entry); err != nil {
			m.logger.Error("battery audit failed", "device_id", d.ID, "error", err)
			continue
		}
		m.lowReported[d.ID] = true
		m.logger.Warn("device battery low",
			"device_id", d.ID,
			"battery_level", d.BatteryLevel,
		)
	}

	// Devices that recovered become eligible for a fresh report.
	for id := range m.lowReported {
		if !seen[id] {
			delete(m.lowReported, id)
		}
	}
}

// OfflineSweep marks silent devices offline and audits each
// transition.
func (m *Monitor) OfflineSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := m.now().Add(-m.opts.OfflineAfter)
	transitioned, err := m.devices.MarkOfflineStale(ctx, cutoff)
	if err != nil {
		m.logger.Error("offline sweep failed", "error", err)
		return
	}

	for _, id := range transitioned {
		entry := &audit.Entry{
			Action:       "device.offline",
			ResourceType: "device",
			ResourceID:   id,
			Success:      false,
			Reason:       "heartbeat-stale",
		}
		if err := m.auditor.Record(ctx, entry); err != nil {
			m.logger.Error("offline audit failed", "device_id", id, "error", err)
			continue
		}
		m.logger.Warn("device marked offline", "device_id", id)
	}
}
