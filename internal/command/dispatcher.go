package command

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jmorland/veralock-core/internal/audit"
	"github.com/jmorland/veralock-core/internal/device"
	"github.com/jmorland/veralock-core/internal/infrastructure/mqtt"
)

// DefaultFallbackWindow is the per-action fallback window when none is
// configured.
const DefaultFallbackWindow = 5 * time.Second

// Publisher is the transport interface the dispatcher needs.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// DeviceStore is the interface the dispatcher and correlator need
// from the device package.
type DeviceStore interface {
	GetByID(ctx context.Context, id string) (*device.Device, error)
	SetLockStateTx(ctx context.Context, tx *sql.Tx, id string, state device.LockState, at time.Time) error
	RecordHeartbeat(ctx context.Context, id string, hb device.Heartbeat) error
}

// Auditor appends command lifecycle events to the audit chain.
type Auditor interface {
	Record(ctx context.Context, e *audit.Entry) error
	RecordWith(ctx context.Context, fn func(tx *sql.Tx) error, e *audit.Entry) error
}

// Telemetry receives command measurement points. May be nil.
type Telemetry interface {
	WriteLockState(deviceID, state, method string)
	WriteCommandLatency(deviceID, action, outcome string, latency time.Duration)
}

// Logger defines the logging interface used by the dispatcher and
// correlator.
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

// Windows holds the per-action fallback windows.
type Windows struct {
	Unlock time.Duration
	Lock   time.Duration
}

// window returns the fallback window for an action, defaulting when
// unset.
func (w Windows) window(action Action) time.Duration {
	var d time.Duration
	switch action {
	case ActionUnlock:
		d = w.Unlock
	case ActionLock:
		d = w.Lock
	}
	if d <= 0 {
		d = DefaultFallbackWindow
	}
	return d
}

// Dispatcher publishes signed commands and arms their fallback timers.
//
// Thread Safety: Issue is safe for concurrent use.
type Dispatcher struct {
	devices   DeviceStore
	commands  Repository
	transport Publisher
	auditor   Auditor
	telemetry Telemetry
	logger    Logger
	windows   Windows
	topics    mqtt.Topics
	now       func() time.Time

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewDispatcher creates a command dispatcher.
//
// telemetry may be nil when time-series output is disabled.
func NewDispatcher(devices DeviceStore, commands Repository, transport Publisher, auditor Auditor, telemetry Telemetry, windows Windows, logger Logger) *Dispatcher {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Dispatcher{
		devices:   devices,
		commands:  commands,
		transport: transport,
		auditor:   auditor,
		telemetry: telemetry,
		logger:    logger,
		windows:   windows,
		now:       time.Now,
		timers:    make(map[string]*time.Timer),
	}
}

// Issue signs and publishes a command to the device's command topic,
// records it in the sent state and arms its fallback timer. Dispatch
// is fire-and-forget: it returns as soon as the publish is accepted,
// without waiting for the device.
//
// A failed publish returns ErrTransportUnavailable and leaves no
// command row; the caller should retry.
func (d *Dispatcher) Issue(ctx context.Context, deviceID string, action Action, duration *int) (*Command, error) {
	if !action.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}

	dev, err := d.devices.GetByID(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("loading device %s: %w", deviceID, err)
	}

	nonce, err := newNonce()
	if err != nil {
		return nil, err
	}

	now := d.now()
	cmd := &Command{
		ID:              "cmd-" + uuid.NewString()[:8],
		DeviceID:        deviceID,
		Action:          action,
		Nonce:           nonce,
		DurationSeconds: duration,
		Signature:       Signature(dev.Secret, deviceID, now.Unix(), nonce, action),
		State:           StateSent,
		IssuedAt:        now,
	}

	payload, err := json.Marshal(wirePayload{
		Command:   string(action),
		Duration:  duration,
		Nonce:     nonce,
		Timestamp: now.Unix(),
		Signature: cmd.Signature,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding command payload: %w", err)
	}

	if err := d.transport.Publish(d.topics.DeviceCommand(deviceID), payload, 1, false); err != nil {
		d.logger.Warn("command publish failed", "device_id", deviceID, "action", action, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrTransportUnavailable, err)
	}

	if err := d.commands.Insert(ctx, cmd); err != nil {
		return nil, fmt.Errorf("recording command %s: %w", cmd.ID, err)
	}

	entry := &audit.Entry{
		Action:       "command.dispatched",
		ResourceType: "command",
		ResourceID:   cmd.ID,
		Success:      true,
		Details: map[string]any{
			"device_id": deviceID,
			"action":    string(action),
		},
	}
	if err := d.auditor.Record(ctx, entry); err != nil {
		return nil, fmt.Errorf("auditing dispatch of %s: %w", cmd.ID, err)
	}

	d.armFallback(cmd)

	d.logger.Info("command dispatched",
		"command_id", cmd.ID,
		"device_id", deviceID,
		"action", action,
	)

	return cmd, nil
}

// armFallback schedules the single-shot timer that resolves the
// command as timed_out if no acknowledgement wins the race first.
func (d *Dispatcher) armFallback(cmd *Command) {
	window := d.windows.window(cmd.Action)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.timers[cmd.ID] = time.AfterFunc(window, func() {
		d.fallbackFired(cmd.ID, cmd.DeviceID, cmd.Action, cmd.IssuedAt)
	})
}

// CancelFallback stops and forgets a command's fallback timer. Called
// by the correlator when a response wins the race. Stopping a timer
// that already fired is harmless; the state CAS has settled the race
// by then.
func (d *Dispatcher) CancelFallback(commandID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.timers[commandID]; ok {
		t.Stop()
		delete(d.timers, commandID)
	}
}

// Close stops all outstanding fallback timers.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, t := range d.timers {
		t.Stop()
		delete(d.timers, id)
	}
}

// fallbackFired resolves a command as timed_out. If the CAS loses to
// a response that arrived first, this is a no-op. On a win the
// requested state is force-applied so the operation completes locally,
// and the audit entry carries the degraded marker.
func (d *Dispatcher) fallbackFired(commandID, deviceID string, action Action, issuedAt time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	d.mu.Lock()
	delete(d.timers, commandID)
	d.mu.Unlock()

	now := d.now()
	won, err := d.commands.MarkTimedOut(ctx, commandID, now)
	if err != nil {
		d.logger.Error("fallback resolution failed", "command_id", commandID, "error", err)
		return
	}
	if !won {
		return
	}

	state := device.StateLocked
	if action == ActionUnlock {
		state = device.StateUnlocked
	}

	entry := &audit.Entry{
		Action:       "command.timed_out",
		ResourceType: "command",
		ResourceID:   commandID,
		Success:      false,
		Reason:       "no-device-ack",
		Details: map[string]any{
			"device_id": deviceID,
			"action":    string(action),
			"degraded":  "no-device-ack",
		},
	}
	err = d.auditor.RecordWith(ctx, func(tx *sql.Tx) error {
		return d.devices.SetLockStateTx(ctx, tx, deviceID, state, now)
	}, entry)
	if err != nil {
		d.logger.Error("fallback state apply failed",
			"command_id", commandID,
			"device_id", deviceID,
			"error", err,
		)
		return
	}

	d.logger.Warn("command timed out, state force-applied",
		"command_id", commandID,
		"device_id", deviceID,
		"action", action,
	)

	if d.telemetry != nil {
		d.telemetry.WriteLockState(deviceID, string(state), "fallback")
		d.telemetry.WriteCommandLatency(deviceID, string(action), "timed_out", now.Sub(issuedAt))
	}
}
