package credential

import (
	"strconv"
	"strings"
	"time"
)

// DenyReason explains why an evaluation refused a presented secret.
// Reasons are part of the wire contract: they appear in audit entries
// and verification responses.
type DenyReason string

// Denial reasons in precedence order. When a matched credential fails
// several checks at once, the first failing reason in this order is
// reported.
const (
	ReasonNoMatch         DenyReason = "no-match"
	ReasonUsageCapReached DenyReason = "usage-cap-reached"
	ReasonNotYetValid     DenyReason = "not-yet-valid"
	ReasonExpired         DenyReason = "expired"
	ReasonDayRestricted   DenyReason = "day-restricted"
	ReasonHourRestricted  DenyReason = "hour-restricted"
)

// Result is the outcome of evaluating a presented secret against a
// device's active credentials.
type Result struct {
	// Matched is the credential whose stored secret matched, valid or
	// not. Nil when no credential matched at all.
	Matched *Credential

	// Allowed is true when Matched is non-nil and currently valid.
	Allowed bool

	// Reason is set when Allowed is false.
	Reason DenyReason
}

// Evaluator matches a presented PIN or NFC UID against a device's
// active credentials and applies the validity predicate.
//
// The evaluator is pure: it never mutates credentials. The usage
// increment for an allowed match is the access engine's job, inside
// its transaction.
type Evaluator struct {
	now func() time.Time
}

// NewEvaluator creates an evaluator using the wall clock.
func NewEvaluator() *Evaluator {
	return &Evaluator{now: time.Now}
}

// NewEvaluatorAt creates an evaluator with an injected clock, for tests.
func NewEvaluatorAt(now func() time.Time) *Evaluator {
	return &Evaluator{now: now}
}

// Evaluate checks the presented secret against every credential of the
// given kind.
//
// Every credential is checked, not just the first: the first match
// that is currently valid wins. If secrets match but none are valid,
// the first match's first failing reason is returned. If nothing
// matches, the reason is no-match.
func (e *Evaluator) Evaluate(creds []Credential, kind Kind, secret string) Result {
	now := e.now()

	var firstMatch *Credential
	var firstReason DenyReason

	for i := range creds {
		c := &creds[i]
		if c.Kind != kind || !c.IsActive {
			continue
		}
		if !matchesSecret(c, kind, secret) {
			continue
		}

		reason, valid := firstFailingReason(c, now)
		if valid {
			return Result{Matched: c, Allowed: true}
		}
		if firstMatch == nil {
			firstMatch = c
			firstReason = reason
		}
	}

	if firstMatch != nil {
		return Result{Matched: firstMatch, Allowed: false, Reason: firstReason}
	}
	return Result{Allowed: false, Reason: ReasonNoMatch}
}

// matchesSecret compares the presented secret to the stored value.
// PINs verify against the argon2id hash; NFC UIDs compare normalised.
func matchesSecret(c *Credential, kind Kind, secret string) bool {
	switch kind {
	case KindPIN:
		ok, err := VerifyPIN(secret, c.SecretHash)
		return err == nil && ok
	case KindNFC:
		return NormalizeUID(secret) == c.SecretHash
	default:
		return false
	}
}

// firstFailingReason applies the validity predicate and returns the
// first failing check in precedence order, or valid=true if all pass.
func firstFailingReason(c *Credential, now time.Time) (reason DenyReason, valid bool) {
	if c.MaxUsage != nil && c.UsageCount >= *c.MaxUsage {
		return ReasonUsageCapReached, false
	}
	if now.Before(c.ValidFrom) {
		return ReasonNotYetValid, false
	}
	// Boundary: now == ValidUntil is still valid.
	if c.ValidUntil != nil && now.After(*c.ValidUntil) {
		return ReasonExpired, false
	}
	if len(c.AllowedDays) > 0 && !dayAllowed(c.AllowedDays, now) {
		return ReasonDayRestricted, false
	}
	if c.AllowedHours != nil && !hourAllowed(c.AllowedHours, now) {
		return ReasonHourRestricted, false
	}
	return "", true
}

// dayAllowed reports whether now's weekday appears in the allowed set.
func dayAllowed(days []string, now time.Time) bool {
	today := DayName(now.Weekday())
	for _, d := range days {
		if strings.EqualFold(strings.TrimSpace(d), today) {
			return true
		}
	}
	return false
}

// hourAllowed reports whether now's time of day falls inside the
// window, bounds inclusive. A window with start after end wraps
// midnight (22:00-06:00). Unparseable windows fail closed.
func hourAllowed(w *HourWindow, now time.Time) bool {
	start, ok := parseMinutes(w.Start)
	if !ok {
		return false
	}
	end, ok := parseMinutes(w.End)
	if !ok {
		return false
	}

	current := now.Hour()*60 + now.Minute()

	if start <= end {
		return current >= start && current <= end
	}
	// Overnight window
	return current >= start || current <= end
}

// parseMinutes converts "HH:MM" to minutes past midnight.
func parseMinutes(s string) (int, bool) {
	hh, mm, found := strings.Cut(strings.TrimSpace(s), ":")
	if !found {
		return 0, false
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, false
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}
