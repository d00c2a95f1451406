package command

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmorland/veralock-core/internal/audit"
	"github.com/jmorland/veralock-core/internal/device"
)

type fakeTransport struct {
	mu        sync.Mutex
	published []publishedMessage
	failWith  error
	handlers  map[string]func(topic string, payload []byte) error
}

type publishedMessage struct {
	topic   string
	payload []byte
	qos     byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string]func(string, []byte) error)}
}

func (f *fakeTransport) Publish(topic string, payload []byte, qos byte, retained bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.published = append(f.published, publishedMessage{topic, payload, qos})
	return nil
}

func (f *fakeTransport) last(t *testing.T) publishedMessage {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.published) == 0 {
		t.Fatal("nothing published")
	}
	return f.published[len(f.published)-1]
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

// waitFor polls until cond passes or the deadline expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

type dispatchFixture struct {
	dispatcher *Dispatcher
	transport  *fakeTransport
	devices    *device.SQLiteRepository
	commands   *SQLiteRepository
	chain      *audit.Chain
}

func setupDispatcher(t *testing.T, windows Windows) *dispatchFixture {
	t.Helper()

	db := setupTestDB(t)
	devices := device.NewSQLiteRepository(db)
	commands := NewSQLiteRepository(db)
	chain := audit.NewChain(db)
	transport := newFakeTransport()

	d := &device.Device{
		ID:        "lock-front",
		Name:      "Front Door",
		Secret:    "device-secret",
		LockState: device.StateLocked,
	}
	if err := devices.Create(context.Background(), d); err != nil {
		t.Fatalf("creating device: %v", err)
	}

	dispatcher := NewDispatcher(devices, commands, transport, chain, nil, windows, nil)
	t.Cleanup(dispatcher.Close)

	return &dispatchFixture{
		dispatcher: dispatcher,
		transport:  transport,
		devices:    devices,
		commands:   commands,
		chain:      chain,
	}
}

func TestIssue_PublishesSignedPayload(t *testing.T) {
	f := setupDispatcher(t, Windows{Unlock: time.Minute, Lock: time.Minute})
	ctx := context.Background()

	duration := 10
	cmd, err := f.dispatcher.Issue(ctx, "lock-front", ActionUnlock, &duration)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	msg := f.transport.last(t)
	if msg.topic != "device/lock-front/command" {
		t.Errorf("topic = %s, want device/lock-front/command", msg.topic)
	}
	if msg.qos != 1 {
		t.Errorf("qos = %d, want 1", msg.qos)
	}

	var wire wirePayload
	if err := json.Unmarshal(msg.payload, &wire); err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
	if wire.Command != "unlock" {
		t.Errorf("command = %s, want unlock", wire.Command)
	}
	if wire.Duration == nil || *wire.Duration != 10 {
		t.Errorf("duration = %v, want 10", wire.Duration)
	}
	if len(wire.Nonce) != 32 {
		t.Errorf("nonce length = %d, want 32 hex chars", len(wire.Nonce))
	}

	want := Signature("device-secret", "lock-front", wire.Timestamp, wire.Nonce, ActionUnlock)
	if wire.Signature != want {
		t.Error("payload signature does not verify against device secret")
	}

	// The command row is sent and audited.
	stored, err := f.commands.GetByID(ctx, cmd.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if stored.State != StateSent {
		t.Errorf("State = %s, want sent", stored.State)
	}

	logs, err := f.chain.List(ctx, audit.Filter{Action: "command.dispatched"})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if logs.Total != 1 {
		t.Errorf("dispatched audit entries = %d, want 1", logs.Total)
	}
}

func TestIssue_PublishFailureLeavesNoRow(t *testing.T) {
	f := setupDispatcher(t, Windows{})
	f.transport.failWith = errors.New("broker gone")

	_, err := f.dispatcher.Issue(context.Background(), "lock-front", ActionUnlock, nil)
	if !errors.Is(err, ErrTransportUnavailable) {
		t.Fatalf("expected ErrTransportUnavailable, got %v", err)
	}

	cmds, err := f.commands.ListByDevice(context.Background(), "lock-front", 10)
	if err != nil {
		t.Fatalf("ListByDevice failed: %v", err)
	}
	if len(cmds) != 0 {
		t.Errorf("command rows = %d after failed publish, want 0", len(cmds))
	}
}

func TestIssue_UnknownDevice(t *testing.T) {
	f := setupDispatcher(t, Windows{})

	_, err := f.dispatcher.Issue(context.Background(), "lock-ghost", ActionUnlock, nil)
	if !errors.Is(err, device.ErrDeviceNotFound) {
		t.Errorf("expected ErrDeviceNotFound, got %v", err)
	}
}

func TestIssue_InvalidAction(t *testing.T) {
	f := setupDispatcher(t, Windows{})

	_, err := f.dispatcher.Issue(context.Background(), "lock-front", Action("explode"), nil)
	if !errors.Is(err, ErrInvalidAction) {
		t.Errorf("expected ErrInvalidAction, got %v", err)
	}
}

func TestFallback_ForceAppliesStateWhenNoAck(t *testing.T) {
	f := setupDispatcher(t, Windows{Unlock: 30 * time.Millisecond})
	ctx := context.Background()

	cmd, err := f.dispatcher.Issue(ctx, "lock-front", ActionUnlock, nil)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		got, err := f.commands.GetByID(ctx, cmd.ID)
		return err == nil && got.State == StateTimedOut
	})

	got, err := f.commands.GetByID(ctx, cmd.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if !got.Degraded {
		t.Error("timed-out command not flagged degraded")
	}

	// The requested state was force-applied locally.
	waitFor(t, 2*time.Second, func() bool {
		d, err := f.devices.GetByID(ctx, "lock-front")
		return err == nil && d.LockState == device.StateUnlocked
	})

	logs, err := f.chain.List(ctx, audit.Filter{Action: "command.timed_out"})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if logs.Total != 1 {
		t.Fatalf("timed_out audit entries = %d, want 1", logs.Total)
	}
	if logs.Entries[0].Details["degraded"] != "no-device-ack" {
		t.Errorf("degraded detail = %v, want no-device-ack", logs.Entries[0].Details["degraded"])
	}
	if logs.Entries[0].Reason != "no-device-ack" {
		t.Errorf("Reason = %s, want no-device-ack", logs.Entries[0].Reason)
	}
}

func TestCancelFallback_PreventsTimeout(t *testing.T) {
	f := setupDispatcher(t, Windows{Unlock: 30 * time.Millisecond})
	ctx := context.Background()

	cmd, err := f.dispatcher.Issue(ctx, "lock-front", ActionUnlock, nil)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	f.dispatcher.CancelFallback(cmd.ID)
	time.Sleep(100 * time.Millisecond)

	got, err := f.commands.GetByID(ctx, cmd.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.State != StateSent {
		t.Errorf("State = %s after cancel, want sent", got.State)
	}
}

func TestWindows_Defaults(t *testing.T) {
	var w Windows
	if w.window(ActionUnlock) != DefaultFallbackWindow {
		t.Errorf("unset unlock window = %v, want default", w.window(ActionUnlock))
	}

	w = Windows{Unlock: 2 * time.Second, Lock: 3 * time.Second}
	if w.window(ActionUnlock) != 2*time.Second {
		t.Errorf("unlock window = %v, want 2s", w.window(ActionUnlock))
	}
	if w.window(ActionLock) != 3*time.Second {
		t.Errorf("lock window = %v, want 3s", w.window(ActionLock))
	}
}
