package access

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmorland/veralock-core/internal/audit"
	"github.com/jmorland/veralock-core/internal/credential"
	"github.com/jmorland/veralock-core/internal/device"
)

// DeviceStore is the interface the engine needs from the device package.
type DeviceStore interface {
	GetByID(ctx context.Context, id string) (*device.Device, error)
	RecordHeartbeat(ctx context.Context, id string, hb device.Heartbeat) error
	SetLockStateTx(ctx context.Context, tx *sql.Tx, id string, state device.LockState, at time.Time) error
}

// CredentialStore is the interface the engine needs from the credential package.
type CredentialStore interface {
	ListActive(ctx context.Context, deviceID string) ([]credential.Credential, error)
	IncrementUsageTx(ctx context.Context, tx *sql.Tx, id string) error
}

// Auditor appends decisions to the audit chain. RecordWith runs the
// given writes atomically with the appended entry.
type Auditor interface {
	Record(ctx context.Context, e *audit.Entry) error
	RecordWith(ctx context.Context, fn func(tx *sql.Tx) error, e *audit.Entry) error
}

// Telemetry receives per-decision measurement points. May be nil.
type Telemetry interface {
	WriteAccessDecision(deviceID, kind string, allowed bool, reason string)
}

// Logger defines the logging interface used by the engine.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Engine runs the verification pipeline.
//
// Thread Safety: Verify is safe for concurrent use. Requests for
// different devices proceed fully in parallel; the usage-cap race
// between concurrent requests for the same credential is resolved by
// the guarded SQL increment inside the allow transaction.
type Engine struct {
	devices     DeviceStore
	credentials CredentialStore
	verifier    *Verifier
	auditor     Auditor
	telemetry   Telemetry
	logger      Logger
	now         func() time.Time
}

// NewEngine creates an access decision engine.
//
// telemetry may be nil when time-series output is disabled.
func NewEngine(devices DeviceStore, credentials CredentialStore, verifier *Verifier, auditor Auditor, telemetry Telemetry, logger Logger) *Engine {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Engine{
		devices:     devices,
		credentials: credentials,
		verifier:    verifier,
		auditor:     auditor,
		telemetry:   telemetry,
		logger:      logger,
		now:         time.Now,
	}
}

// Verify runs a request through the pipeline and returns the terminal
// decision. Every decision, allowed or denied, is appended to the
// audit chain; if the append fails the decision fails with
// ErrAuditUnavailable and no state is mutated.
func (e *Engine) Verify(ctx context.Context, req Request) (*Decision, error) {
	if req.Signature == "" || req.Timestamp == 0 {
		return e.denied(ctx, req, StageReceived, ReasonMissingAuth)
	}

	dev, err := e.devices.GetByID(ctx, req.DeviceID)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			return e.denied(ctx, req, StageReceived, ReasonDeviceNotFound)
		}
		return nil, fmt.Errorf("loading device %s: %w", req.DeviceID, err)
	}

	if reason := e.verifier.Check(dev.Secret, req); reason != "" {
		return e.denied(ctx, req, StageReceived, reason)
	}

	// A validly signed NFC request proves the device is alive, so it
	// doubles as a heartbeat.
	if req.Kind == credential.KindNFC {
		hb := device.Heartbeat{Online: true, BatteryLevel: req.BatteryLevel, At: e.now()}
		if err := e.devices.RecordHeartbeat(ctx, req.DeviceID, hb); err != nil {
			e.logger.Warn("heartbeat refresh failed", "device_id", req.DeviceID, "error", err)
		}
	}

	creds, err := e.credentials.ListActive(ctx, req.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("loading credentials for %s: %w", req.DeviceID, err)
	}

	eval := credential.NewEvaluatorAt(e.now)
	result := eval.Evaluate(creds, req.Kind, req.Secret)

	if !result.Allowed {
		return e.deniedWithMatch(ctx, req, result)
	}

	return e.allow(ctx, req, result.Matched)
}

// allow applies the allow-path mutations in one transaction: guarded
// usage increment, device unlock stamp, audit append. A concurrent cap
// breach surfaces here as zero rows updated and flips the decision to
// a denial.
func (e *Engine) allow(ctx context.Context, req Request, matched *credential.Credential) (*Decision, error) {
	now := e.now()

	entry := &audit.Entry{
		Action:       "access.allowed",
		ResourceType: "device",
		ResourceID:   req.DeviceID,
		Success:      true,
		Details: map[string]any{
			"kind":            string(req.Kind),
			"credential_id":   matched.ID,
			"credential_name": matched.Name,
		},
	}

	err := e.auditor.RecordWith(ctx, func(tx *sql.Tx) error {
		if err := e.credentials.IncrementUsageTx(ctx, tx, matched.ID); err != nil {
			return err
		}
		return e.devices.SetLockStateTx(ctx, tx, req.DeviceID, device.StateUnlocked, now)
	}, entry)
	if err != nil {
		if errors.Is(err, credential.ErrUsageCapExceeded) {
			return e.denied(ctx, req, StageCredentialChecked, string(credential.ReasonUsageCapReached))
		}
		if errors.Is(err, audit.ErrAppendFailed) {
			return nil, fmt.Errorf("%w: %w", ErrAuditUnavailable, err)
		}
		return nil, fmt.Errorf("applying allow for %s: %w", req.DeviceID, err)
	}

	e.logger.Info("access allowed",
		"device_id", req.DeviceID,
		"kind", req.Kind,
		"credential_id", matched.ID,
	)
	e.writeTelemetry(req, true, "")

	return &Decision{
		Stage:   StageAllowed,
		Allowed: true,
		Command: CommandUnlock,
		Credential: &CredentialInfo{
			ID:   matched.ID,
			Name: matched.Name,
			Kind: matched.Kind,
		},
	}, nil
}

// deniedWithMatch audits a credential-stage denial, naming the matched
// credential when there was one.
func (e *Engine) deniedWithMatch(ctx context.Context, req Request, result credential.Result) (*Decision, error) {
	details := map[string]any{
		"kind":  string(req.Kind),
		"stage": string(StageCredentialChecked),
	}
	if result.Matched != nil {
		details["credential_id"] = result.Matched.ID
		details["credential_name"] = result.Matched.Name
	}
	return e.appendDenial(ctx, req, string(result.Reason), details)
}

// denied audits a denial at the given stage and returns the decision.
func (e *Engine) denied(ctx context.Context, req Request, stage Stage, reason string) (*Decision, error) {
	details := map[string]any{
		"kind":  string(req.Kind),
		"stage": string(stage),
	}
	return e.appendDenial(ctx, req, reason, details)
}

func (e *Engine) appendDenial(ctx context.Context, req Request, reason string, details map[string]any) (*Decision, error) {
	entry := &audit.Entry{
		Action:       "access.denied",
		ResourceType: "device",
		ResourceID:   req.DeviceID,
		Success:      false,
		Reason:       reason,
		Details:      details,
	}
	if err := e.auditor.Record(ctx, entry); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuditUnavailable, err)
	}

	e.logger.Info("access denied",
		"device_id", req.DeviceID,
		"kind", req.Kind,
		"reason", reason,
	)
	e.writeTelemetry(req, false, reason)

	return deny(reason), nil
}

func (e *Engine) writeTelemetry(req Request, allowed bool, reason string) {
	if e.telemetry == nil {
		return
	}
	e.telemetry.WriteAccessDecision(req.DeviceID, string(req.Kind), allowed, reason)
}
