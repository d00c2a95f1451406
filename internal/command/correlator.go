package command

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmorland/veralock-core/internal/audit"
	"github.com/jmorland/veralock-core/internal/device"
	"github.com/jmorland/veralock-core/internal/infrastructure/mqtt"
)

// Subscriber is the transport interface the correlator needs.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
}

// messageClass is the typed set of inbound device message kinds. The
// topic channel segment selects the class; unknown channels are
// dropped before any payload parsing.
type messageClass int

const (
	classUnknown messageClass = iota
	classStatus
	classResponse
	classAlert
)

func classFromChannel(channel string) messageClass {
	switch channel {
	case "status":
		return classStatus
	case "response":
		return classResponse
	case "alert":
		return classAlert
	default:
		return classUnknown
	}
}

// statusMessage is a periodic device heartbeat.
type statusMessage struct {
	Online       *bool   `json:"online,omitempty"`
	BatteryLevel *int    `json:"battery_level,omitempty"`
	LockState    *string `json:"lock_state,omitempty"`
}

// responseMessage acknowledges a previously dispatched command.
type responseMessage struct {
	Command string `json:"command"`
	Success bool   `json:"success"`
	Method  string `json:"method,omitempty"`
}

// alertMessage reports an exceptional device condition.
type alertMessage struct {
	Type         string `json:"type"`
	BatteryLevel *int   `json:"battery_level,omitempty"`
}

// BatteryTelemetry extends Telemetry with the battery point the
// status and alert handlers emit. May be nil.
type BatteryTelemetry interface {
	Telemetry
	WriteBatteryLevel(deviceID string, level int)
}

// Correlator consumes device-originated MQTT traffic: heartbeats,
// command acknowledgements and alerts.
//
// A response resolves the oldest outstanding sent command for its
// (device, action) pair via the state CAS; late or unmatched
// responses are logged and change nothing. Alerts never mutate lock
// state.
type Correlator struct {
	devices    DeviceStore
	commands   Repository
	dispatcher *Dispatcher
	transport  Subscriber
	auditor    Auditor
	telemetry  BatteryTelemetry
	logger     Logger
	topics     mqtt.Topics
	now        func() time.Time
}

// NewCorrelator creates a response correlator.
//
// telemetry may be nil when time-series output is disabled.
func NewCorrelator(devices DeviceStore, commands Repository, dispatcher *Dispatcher, transport Subscriber, auditor Auditor, telemetry BatteryTelemetry, logger Logger) *Correlator {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Correlator{
		devices:    devices,
		commands:   commands,
		dispatcher: dispatcher,
		transport:  transport,
		auditor:    auditor,
		telemetry:  telemetry,
		logger:     logger,
		now:        time.Now,
	}
}

// Start subscribes to the device wildcard topics. Handlers run on the
// transport's delivery goroutines.
func (c *Correlator) Start() error {
	subs := []string{
		c.topics.AllDeviceStatus(),
		c.topics.AllDeviceResponses(),
		c.topics.AllDeviceAlerts(),
	}
	for _, topic := range subs {
		if err := c.transport.Subscribe(topic, 1, c.HandleMessage); err != nil {
			return fmt.Errorf("subscribing to %s: %w", topic, err)
		}
	}
	return nil
}

// HandleMessage routes an inbound message by its topic channel.
func (c *Correlator) HandleMessage(topic string, payload []byte) error {
	deviceID, ok := mqtt.DeviceIDFromTopic(topic)
	if !ok {
		c.logger.Warn("unparseable device topic", "topic", topic)
		return nil
	}
	channel, _ := mqtt.ChannelFromTopic(topic)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch classFromChannel(channel) {
	case classStatus:
		return c.handleStatus(ctx, deviceID, payload)
	case classResponse:
		return c.handleResponse(ctx, deviceID, payload)
	case classAlert:
		return c.handleAlert(ctx, deviceID, payload)
	default:
		c.logger.Warn("unknown device channel", "topic", topic, "channel", channel)
		return nil
	}
}

// handleStatus applies a heartbeat and audits offline-to-online
// transitions.
func (c *Correlator) handleStatus(ctx context.Context, deviceID string, payload []byte) error {
	var msg statusMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		c.logger.Warn("malformed status payload", "device_id", deviceID, "error", err)
		return nil
	}

	prev, err := c.devices.GetByID(ctx, deviceID)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			c.logger.Warn("status from unknown device", "device_id", deviceID)
			return nil
		}
		return fmt.Errorf("loading device %s: %w", deviceID, err)
	}

	online := true
	if msg.Online != nil {
		online = *msg.Online
	}

	hb := device.Heartbeat{Online: online, BatteryLevel: msg.BatteryLevel, At: c.now()}
	if msg.LockState != nil {
		state := device.LockState(*msg.LockState)
		if state.IsValid() {
			hb.LockState = &state
		}
	}
	if err := c.devices.RecordHeartbeat(ctx, deviceID, hb); err != nil {
		return fmt.Errorf("recording heartbeat for %s: %w", deviceID, err)
	}

	if online && !prev.Online {
		entry := &audit.Entry{
			Action:       "device.online",
			ResourceType: "device",
			ResourceID:   deviceID,
			Success:      true,
		}
		if err := c.auditor.Record(ctx, entry); err != nil {
			return fmt.Errorf("auditing online transition for %s: %w", deviceID, err)
		}
		c.logger.Info("device came online", "device_id", deviceID)
	}

	if c.telemetry != nil && msg.BatteryLevel != nil {
		c.telemetry.WriteBatteryLevel(deviceID, *msg.BatteryLevel)
	}

	return nil
}

// handleResponse settles the ack side of a command's resolution race.
func (c *Correlator) handleResponse(ctx context.Context, deviceID string, payload []byte) error {
	var msg responseMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		c.logger.Warn("malformed response payload", "device_id", deviceID, "error", err)
		return nil
	}

	action := Action(strings.ToLower(msg.Command))
	if !action.IsValid() {
		c.logger.Warn("response with unknown command", "device_id", deviceID, "command", msg.Command)
		return nil
	}

	method := msg.Method
	if method == "" {
		method = MethodApp
	}

	cmd, err := c.commands.OldestSent(ctx, deviceID, action)
	if err != nil {
		if errors.Is(err, ErrCommandNotFound) {
			c.logger.Info("unmatched device response",
				"device_id", deviceID,
				"action", action,
			)
			return nil
		}
		return fmt.Errorf("finding outstanding command for %s: %w", deviceID, err)
	}

	now := c.now()
	won, err := c.commands.ResolveAcked(ctx, cmd.ID, method, now)
	if err != nil {
		return fmt.Errorf("acking command %s: %w", cmd.ID, err)
	}
	if !won {
		// Fallback fired between the lookup and the CAS.
		c.logger.Info("late device response, command already resolved",
			"command_id", cmd.ID,
			"device_id", deviceID,
		)
		return nil
	}

	c.dispatcher.CancelFallback(cmd.ID)

	if !msg.Success {
		entry := &audit.Entry{
			Action:       "command.failed",
			ResourceType: "command",
			ResourceID:   cmd.ID,
			Success:      false,
			Reason:       "device-reported-failure",
			Details: map[string]any{
				"device_id": deviceID,
				"action":    string(action),
				"method":    method,
			},
		}
		if err := c.auditor.Record(ctx, entry); err != nil {
			return fmt.Errorf("auditing failed command %s: %w", cmd.ID, err)
		}
		c.logger.Warn("device reported command failure",
			"command_id", cmd.ID,
			"device_id", deviceID,
			"action", action,
		)
		return nil
	}

	state := device.StateLocked
	if action == ActionUnlock {
		state = device.StateUnlocked
	}

	entry := &audit.Entry{
		Action:       "command.acked",
		ResourceType: "command",
		ResourceID:   cmd.ID,
		Success:      true,
		Details: map[string]any{
			"device_id": deviceID,
			"action":    string(action),
			"method":    method,
		},
	}
	err = c.auditor.RecordWith(ctx, func(tx *sql.Tx) error {
		return c.devices.SetLockStateTx(ctx, tx, deviceID, state, now)
	}, entry)
	if err != nil {
		return fmt.Errorf("applying acked state for %s: %w", cmd.ID, err)
	}

	c.logger.Info("command acknowledged",
		"command_id", cmd.ID,
		"device_id", deviceID,
		"action", action,
		"method", method,
	)

	if c.telemetry != nil {
		c.telemetry.WriteLockState(deviceID, string(state), method)
		c.telemetry.WriteCommandLatency(deviceID, string(action), "acked", now.Sub(cmd.IssuedAt))
	}

	return nil
}

// handleAlert audits an alert without touching lock state. Tamper
// escalation is an external collaborator's concern.
func (c *Correlator) handleAlert(ctx context.Context, deviceID string, payload []byte) error {
	var msg alertMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		c.logger.Warn("malformed alert payload", "device_id", deviceID, "error", err)
		return nil
	}
	if msg.Type == "" {
		c.logger.Warn("alert without type", "device_id", deviceID)
		return nil
	}

	details := map[string]any{"type": msg.Type}
	if msg.BatteryLevel != nil {
		details["battery_level"] = *msg.BatteryLevel
	}

	entry := &audit.Entry{
		Action:       "device.alert",
		ResourceType: "device",
		ResourceID:   deviceID,
		Success:      false,
		Reason:       msg.Type,
		Details:      details,
	}
	if err := c.auditor.Record(ctx, entry); err != nil {
		return fmt.Errorf("auditing alert for %s: %w", deviceID, err)
	}

	c.logger.Warn("device alert", "device_id", deviceID, "type", msg.Type)

	if c.telemetry != nil && msg.Type == "battery_low" && msg.BatteryLevel != nil {
		c.telemetry.WriteBatteryLevel(deviceID, *msg.BatteryLevel)
	}

	return nil
}
