package credential

import (
	"strings"
	"time"
)

// Kind distinguishes PIN and NFC credentials. Both live in the same
// table and share the validity model; only secret matching differs.
type Kind string

// Valid credential kinds.
const (
	KindPIN Kind = "pin"
	KindNFC Kind = "nfc"
)

// IsValid reports whether the kind is a recognised value.
func (k Kind) IsValid() bool {
	return k == KindPIN || k == KindNFC
}

// HourWindow restricts a credential to a daily time-of-day range.
// Start and End are "HH:MM" in the core's local clock; both bounds
// are inclusive.
type HourWindow struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Credential is an access secret bound to one device.
//
// For PINs, SecretHash holds an argon2id PHC string. For NFC cards,
// SecretHash holds the normalised UID (uppercased, separators
// stripped); card UIDs are identifiers, not secrets, so they are
// stored matchable.
type Credential struct {
	ID       string `json:"id"`
	DeviceID string `json:"device_id"`
	Kind     Kind   `json:"kind"`
	Name     string `json:"name"`

	SecretHash string `json:"-"`

	// Validity window. ValidUntil nil means unbounded. The boundary
	// is inclusive: now == ValidUntil is still valid.
	ValidFrom  time.Time  `json:"valid_from"`
	ValidUntil *time.Time `json:"valid_until,omitempty"`

	// Usage tracking. MaxUsage nil means unlimited.
	UsageCount int  `json:"usage_count"`
	MaxUsage   *int `json:"max_usage,omitempty"`

	// Day/hour restriction mask. Empty AllowedDays means every day;
	// nil AllowedHours means any time of day.
	AllowedDays  []string    `json:"allowed_days,omitempty"`
	AllowedHours *HourWindow `json:"allowed_hours,omitempty"`

	IsActive bool `json:"is_active"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// uidReplacer strips the separators readers commonly include in card UIDs.
var uidReplacer = strings.NewReplacer(" ", "", ":", "", "-", "")

// NormalizeUID canonicalises an NFC UID for comparison: uppercase with
// spaces, colons and dashes removed. "04:a3:b2" and "04 A3 B2" both
// normalise to "04A3B2".
func NormalizeUID(uid string) string {
	return strings.ToUpper(uidReplacer.Replace(uid))
}

// dayNames maps time.Weekday to the three-letter names stored in
// allowed_days.
var dayNames = map[time.Weekday]string{
	time.Monday:    "mon",
	time.Tuesday:   "tue",
	time.Wednesday: "wed",
	time.Thursday:  "thu",
	time.Friday:    "fri",
	time.Saturday:  "sat",
	time.Sunday:    "sun",
}

// DayName returns the canonical three-letter name for a weekday.
func DayName(d time.Weekday) string {
	return dayNames[d]
}
