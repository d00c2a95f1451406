package device

import "time"

// LockState is the physical bolt position reported by or commanded to a lock.
type LockState string

// Valid lock states.
const (
	StateLocked   LockState = "locked"
	StateUnlocked LockState = "unlocked"
)

// IsValid reports whether the lock state is a recognised value.
func (s LockState) IsValid() bool {
	return s == StateLocked || s == StateUnlocked
}

// Device represents a physical lock enrolled with the core.
// This matches the database schema in migrations/20260114_090000_initial_schema.up.sql.
type Device struct {
	// Identity
	ID   string `json:"id"`
	Name string `json:"name"`

	// Secret is the per-device HMAC key shared with the firmware.
	// Never serialised in API responses.
	Secret string `json:"-"`

	// Current state
	LockState    LockState `json:"lock_state"`
	Online       bool      `json:"online"`
	BatteryLevel int       `json:"battery_level"`

	// BatteryLowThreshold is the percentage at or below which the
	// monitor raises a low-battery event.
	BatteryLowThreshold int `json:"battery_low_threshold"`

	// Activity timestamps
	LastSeen   *time.Time `json:"last_seen,omitempty"`
	LastUnlock *time.Time `json:"last_unlock,omitempty"`
	LastLock   *time.Time `json:"last_lock,omitempty"`

	// Timestamps
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BatteryLow reports whether the device's battery is at or below its
// configured threshold.
func (d *Device) BatteryLow() bool {
	return d.BatteryLevel <= d.BatteryLowThreshold
}

// Heartbeat is a status report from a lock device, received on the
// device/{id}/status topic. Optional fields are nil when the report
// omits them.
type Heartbeat struct {
	Online       bool
	BatteryLevel *int
	LockState    *LockState
	At           time.Time
}
