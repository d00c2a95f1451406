package command

import "time"

// Action is a device control verb.
type Action string

const (
	ActionLock   Action = "lock"
	ActionUnlock Action = "unlock"
)

// IsValid reports whether the action is a known verb.
func (a Action) IsValid() bool {
	return a == ActionLock || a == ActionUnlock
}

// State is a command's lifecycle state. A command starts sent and is
// resolved exactly once, to acked or timed_out.
type State string

const (
	StateSent     State = "sent"
	StateAcked    State = "acked"
	StateTimedOut State = "timed_out"
)

// Methods a device may report as the origin of an executed command.
const (
	MethodApp      = "app"
	MethodNFC      = "nfc"
	MethodPIN      = "pin"
	MethodPhysical = "physical"
)

// Command is one dispatched control operation.
type Command struct {
	ID       string `json:"id"`
	DeviceID string `json:"device_id"`
	Action   Action `json:"action"`
	Nonce    string `json:"nonce"`
	// DurationSeconds is the momentary-unlock hold time, nil for the
	// device default.
	DurationSeconds *int   `json:"duration_seconds,omitempty"`
	Signature       string `json:"-"`
	State           State  `json:"state"`
	// Method is the execution method the device reported in its
	// acknowledgement. Nil until acked.
	Method *string `json:"method,omitempty"`
	// Degraded marks a command resolved by the fallback timer rather
	// than a device acknowledgement.
	Degraded   bool       `json:"degraded"`
	IssuedAt   time.Time  `json:"issued_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// wirePayload is the JSON published to device/{id}/command.
type wirePayload struct {
	Command   string `json:"command"`
	Duration  *int   `json:"duration,omitempty"`
	Nonce     string `json:"nonce"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
}
