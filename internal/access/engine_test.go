package access

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/jmorland/veralock-core/internal/audit"
	"github.com/jmorland/veralock-core/internal/credential"
	"github.com/jmorland/veralock-core/internal/device"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	// Each pool connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	schema := `
	CREATE TABLE devices (
		id              TEXT PRIMARY KEY,
		name            TEXT NOT NULL,
		secret          TEXT NOT NULL UNIQUE,
		lock_state      TEXT NOT NULL DEFAULT 'locked',
		online          INTEGER NOT NULL DEFAULT 0,
		battery_level   INTEGER NOT NULL DEFAULT 100,
		battery_low_threshold INTEGER NOT NULL DEFAULT 20,
		last_seen       TEXT,
		last_unlock     TEXT,
		last_lock       TEXT,
		created_at      TEXT NOT NULL,
		updated_at      TEXT NOT NULL
	) STRICT;

	CREATE TABLE credentials (
		id              TEXT PRIMARY KEY,
		device_id       TEXT NOT NULL,
		kind            TEXT NOT NULL,
		name            TEXT NOT NULL,
		secret_hash     TEXT NOT NULL,
		valid_from      TEXT NOT NULL,
		valid_until     TEXT,
		usage_count     INTEGER NOT NULL DEFAULT 0,
		max_usage       INTEGER,
		allowed_days    TEXT NOT NULL DEFAULT '[]',
		allowed_hours   TEXT NOT NULL DEFAULT '{}',
		is_active       INTEGER NOT NULL DEFAULT 1,
		created_at      TEXT NOT NULL,
		updated_at      TEXT NOT NULL
	) STRICT;

	CREATE TABLE audit_log (
		id            TEXT PRIMARY KEY,
		action        TEXT NOT NULL,
		resource_type TEXT NOT NULL,
		resource_id   TEXT NOT NULL DEFAULT '',
		success       INTEGER NOT NULL DEFAULT 1,
		reason        TEXT NOT NULL DEFAULT '',
		details       TEXT,
		previous_hash TEXT NOT NULL,
		current_hash  TEXT NOT NULL,
		created_at    TEXT NOT NULL
	) STRICT;
	`
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("creating schema: %v", err)
	}

	return db
}

type testFixture struct {
	db          *sql.DB
	engine      *Engine
	devices     *device.SQLiteRepository
	credentials *credential.SQLiteRepository
	chain       *audit.Chain
}

func setupEngine(t *testing.T) *testFixture {
	t.Helper()

	db := setupTestDB(t)
	devices := device.NewSQLiteRepository(db)
	credentials := credential.NewSQLiteRepository(db)
	chain := audit.NewChain(db)
	verifier := NewVerifierAt(DefaultReplayWindow, func() time.Time { return testNow })

	engine := NewEngine(devices, credentials, verifier, chain, nil, nil)
	engine.now = func() time.Time { return testNow }

	return &testFixture{
		db:          db,
		engine:      engine,
		devices:     devices,
		credentials: credentials,
		chain:       chain,
	}
}

func (f *testFixture) addDevice(t *testing.T, id, secret string) {
	t.Helper()
	d := &device.Device{
		ID:        id,
		Name:      "Test " + id,
		Secret:    secret,
		LockState: device.StateLocked,
	}
	if err := f.devices.Create(context.Background(), d); err != nil {
		t.Fatalf("creating device: %v", err)
	}
}

func (f *testFixture) addPIN(t *testing.T, id, deviceID, pin string, maxUsage *int) {
	t.Helper()
	hash, err := credential.HashPIN(pin)
	if err != nil {
		t.Fatalf("hashing pin: %v", err)
	}
	c := &credential.Credential{
		ID:         id,
		DeviceID:   deviceID,
		Kind:       credential.KindPIN,
		Name:       "pin " + id,
		SecretHash: hash,
		ValidFrom:  testNow.Add(-time.Hour),
		MaxUsage:   maxUsage,
		IsActive:   true,
	}
	if err := f.credentials.Create(context.Background(), c); err != nil {
		t.Fatalf("creating credential: %v", err)
	}
}

func pinRequest(deviceSecret, deviceID, pin string) Request {
	req := Request{
		DeviceID:  deviceID,
		Kind:      credential.KindPIN,
		Secret:    pin,
		Timestamp: testNow.Unix(),
	}
	req.Signature = Signature(deviceSecret, deviceID, req.Timestamp, pin)
	return req
}

func TestVerify_PINUsageCapEndToEnd(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	f.addDevice(t, "lock-front", "device-secret")
	maxUses := 1
	f.addPIN(t, "cred-1", "lock-front", "4821", &maxUses)

	// First attempt consumes the single use.
	decision, err := f.engine.Verify(ctx, pinRequest("device-secret", "lock-front", "4821"))
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !decision.Allowed || decision.Command != CommandUnlock {
		t.Fatalf("got allowed=%v command=%s, want allowed UNLOCK", decision.Allowed, decision.Command)
	}
	if decision.Stage != StageAllowed {
		t.Errorf("Stage = %s, want %s", decision.Stage, StageAllowed)
	}
	if decision.Credential == nil || decision.Credential.ID != "cred-1" {
		t.Errorf("Credential = %+v, want cred-1", decision.Credential)
	}

	d, err := f.devices.GetByID(ctx, "lock-front")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if d.LastUnlock == nil {
		t.Error("last_unlock not stamped")
	}
	c, err := f.credentials.GetByID(ctx, "cred-1")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if c.UsageCount != 1 {
		t.Errorf("usage_count = %d, want 1", c.UsageCount)
	}

	// Second attempt with the same PIN hits the cap.
	decision, err = f.engine.Verify(ctx, pinRequest("device-secret", "lock-front", "4821"))
	if err != nil {
		t.Fatalf("second Verify failed: %v", err)
	}
	if decision.Allowed {
		t.Fatal("second attempt allowed past the cap")
	}
	if decision.Reason != string(credential.ReasonUsageCapReached) {
		t.Errorf("Reason = %s, want usage-cap-reached", decision.Reason)
	}

	// Both decisions are on the chain and the chain verifies.
	result, err := f.chain.Verify(ctx)
	if err != nil {
		t.Fatalf("chain Verify failed: %v", err)
	}
	if !result.Valid || result.Entries != 2 {
		t.Errorf("got valid=%v entries=%d, want valid chain of 2", result.Valid, result.Entries)
	}
}

func TestVerify_VerifierDenials(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	f.addDevice(t, "lock-front", "device-secret")
	f.addPIN(t, "cred-1", "lock-front", "4821", nil)

	stale := testNow.Add(-time.Hour).Unix()

	tests := []struct {
		name string
		req  Request
		want string
	}{
		{
			"missing auth",
			Request{DeviceID: "lock-front", Kind: credential.KindPIN, Secret: "4821"},
			ReasonMissingAuth,
		},
		{
			"unknown device",
			pinRequest("device-secret", "lock-ghost", "4821"),
			ReasonDeviceNotFound,
		},
		{
			"signed with wrong secret",
			pinRequest("wrong-secret", "lock-front", "4821"),
			ReasonInvalidSignature,
		},
		{
			"stale timestamp",
			Request{
				DeviceID:  "lock-front",
				Kind:      credential.KindPIN,
				Secret:    "4821",
				Timestamp: stale,
				Signature: Signature("device-secret", "lock-front", stale, "4821"),
			},
			ReasonExpiredTimestamp,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := f.engine.Verify(ctx, tt.req)
			if err != nil {
				t.Fatalf("Verify failed: %v", err)
			}
			if decision.Allowed {
				t.Fatal("expected denial")
			}
			if decision.Reason != tt.want {
				t.Errorf("Reason = %s, want %s", decision.Reason, tt.want)
			}
			if decision.Command != CommandDeny {
				t.Errorf("Command = %s, want %s", decision.Command, CommandDeny)
			}
		})
	}

	// Denials must not touch credential usage.
	c, err := f.credentials.GetByID(ctx, "cred-1")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if c.UsageCount != 0 {
		t.Errorf("usage_count = %d after denials, want 0", c.UsageCount)
	}
}

func TestVerify_WrongPINDeniedNoMatch(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	f.addDevice(t, "lock-front", "device-secret")
	f.addPIN(t, "cred-1", "lock-front", "4821", nil)

	decision, err := f.engine.Verify(ctx, pinRequest("device-secret", "lock-front", "0000"))
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if decision.Allowed {
		t.Fatal("wrong PIN allowed")
	}
	if decision.Reason != string(credential.ReasonNoMatch) {
		t.Errorf("Reason = %s, want no-match", decision.Reason)
	}

	d, err := f.devices.GetByID(ctx, "lock-front")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if d.LockState != device.StateLocked {
		t.Errorf("lock_state = %s after denial, want locked", d.LockState)
	}
	if d.LastUnlock != nil {
		t.Error("last_unlock stamped on denial")
	}
}

func TestVerify_NFCRefreshesHeartbeat(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	f.addDevice(t, "lock-front", "device-secret")

	battery := 87
	req := Request{
		DeviceID:     "lock-front",
		Kind:         credential.KindNFC,
		Secret:       "04:A3:2B:1C",
		Timestamp:    testNow.Unix(),
		BatteryLevel: &battery,
	}
	req.Signature = Signature("device-secret", "lock-front", req.Timestamp, req.Secret)

	// No NFC credential registered: the decision is a denial, but the
	// valid signature still counts as a heartbeat.
	decision, err := f.engine.Verify(ctx, req)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if decision.Allowed {
		t.Fatal("unregistered UID allowed")
	}

	d, err := f.devices.GetByID(ctx, "lock-front")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if !d.Online {
		t.Error("device not marked online after signed NFC request")
	}
	if d.BatteryLevel != battery {
		t.Errorf("battery_level = %d, want %d", d.BatteryLevel, battery)
	}
	if d.LastSeen == nil {
		t.Error("last_seen not stamped")
	}
}

func TestVerify_NFCAllowFlow(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	f.addDevice(t, "lock-front", "device-secret")
	c := &credential.Credential{
		ID:         "cred-nfc",
		DeviceID:   "lock-front",
		Kind:       credential.KindNFC,
		Name:       "fob",
		SecretHash: credential.NormalizeUID("04:a3:2b:1c"),
		ValidFrom:  testNow.Add(-time.Hour),
		IsActive:   true,
	}
	if err := f.credentials.Create(ctx, c); err != nil {
		t.Fatalf("creating credential: %v", err)
	}

	req := Request{
		DeviceID:  "lock-front",
		Kind:      credential.KindNFC,
		Secret:    "04 a3 2b 1c",
		Timestamp: testNow.Unix(),
	}
	req.Signature = Signature("device-secret", "lock-front", req.Timestamp, req.Secret)

	decision, err := f.engine.Verify(ctx, req)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("got denial %s, want allow", decision.Reason)
	}
	if decision.Credential.ID != "cred-nfc" {
		t.Errorf("Credential.ID = %s, want cred-nfc", decision.Credential.ID)
	}
}

type failingAuditor struct{}

func (failingAuditor) Record(context.Context, *audit.Entry) error {
	return audit.ErrAppendFailed
}

func (failingAuditor) RecordWith(context.Context, func(tx *sql.Tx) error, *audit.Entry) error {
	return audit.ErrAppendFailed
}

func TestVerify_AuditFailureFailsClosed(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	f.addDevice(t, "lock-front", "device-secret")
	f.addPIN(t, "cred-1", "lock-front", "4821", nil)

	f.engine.auditor = failingAuditor{}

	_, err := f.engine.Verify(ctx, pinRequest("device-secret", "lock-front", "4821"))
	if !errors.Is(err, ErrAuditUnavailable) {
		t.Fatalf("expected ErrAuditUnavailable, got %v", err)
	}

	// The allow transaction must have rolled back: no usage consumed,
	// no unlock stamped.
	c, err := f.credentials.GetByID(ctx, "cred-1")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if c.UsageCount != 0 {
		t.Errorf("usage_count = %d, want 0 after failed audit", c.UsageCount)
	}
	d, err := f.devices.GetByID(ctx, "lock-front")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if d.LastUnlock != nil {
		t.Error("last_unlock stamped despite failed audit")
	}
}

func TestVerify_ConcurrentCapSingleWinner(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	f.addDevice(t, "lock-front", "device-secret")
	maxUses := 1
	f.addPIN(t, "cred-1", "lock-front", "4821", &maxUses)

	const attempts = 4
	type outcome struct {
		decision *Decision
		err      error
	}
	results := make(chan outcome, attempts)

	for i := 0; i < attempts; i++ {
		go func() {
			d, err := f.engine.Verify(ctx, pinRequest("device-secret", "lock-front", "4821"))
			results <- outcome{d, err}
		}()
	}

	allowed := 0
	for i := 0; i < attempts; i++ {
		r := <-results
		if r.err != nil {
			t.Fatalf("Verify failed: %v", r.err)
		}
		if r.decision.Allowed {
			allowed++
		}
	}

	if allowed != 1 {
		t.Errorf("allowed = %d concurrent attempts, want exactly 1", allowed)
	}

	c, err := f.credentials.GetByID(ctx, "cred-1")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if c.UsageCount != 1 {
		t.Errorf("usage_count = %d, want 1", c.UsageCount)
	}
}
