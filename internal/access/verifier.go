package access

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// DefaultReplayWindow bounds how far a request timestamp may drift
// from the core's clock, in either direction.
const DefaultReplayWindow = 300 * time.Second

// Signature computes the request signature a device must present:
// HMAC-SHA256 over "device_id:timestamp:payload_secret" keyed with the
// device's shared secret, hex-encoded.
func Signature(deviceSecret, deviceID string, timestamp int64, payloadSecret string) string {
	mac := hmac.New(sha256.New, []byte(deviceSecret))
	mac.Write([]byte(deviceID))
	mac.Write([]byte(":"))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte(":"))
	mac.Write([]byte(payloadSecret))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verifier checks request signatures and the replay window.
type Verifier struct {
	window time.Duration
	now    func() time.Time
}

// NewVerifier creates a verifier with the given replay window. A zero
// or negative window falls back to DefaultReplayWindow.
func NewVerifier(window time.Duration) *Verifier {
	if window <= 0 {
		window = DefaultReplayWindow
	}
	return &Verifier{window: window, now: time.Now}
}

// NewVerifierAt is NewVerifier with an injectable clock, for tests.
func NewVerifierAt(window time.Duration, now func() time.Time) *Verifier {
	v := NewVerifier(window)
	if now != nil {
		v.now = now
	}
	return v
}

// Check authenticates a request against the device's shared secret.
// It returns an empty string when the request is authentic, or one of
// the verifier denial reasons.
//
// The signature is compared before the timestamp window is inspected,
// so a caller without the secret cannot probe the window.
func (v *Verifier) Check(deviceSecret string, req Request) string {
	if req.Signature == "" || req.Timestamp == 0 {
		return ReasonMissingAuth
	}

	expected := Signature(deviceSecret, req.DeviceID, req.Timestamp, req.Secret)
	if !hmac.Equal([]byte(expected), []byte(req.Signature)) {
		return ReasonInvalidSignature
	}

	drift := v.now().Unix() - req.Timestamp
	if drift < 0 {
		drift = -drift
	}
	if time.Duration(drift)*time.Second > v.window {
		return ReasonExpiredTimestamp
	}

	return ""
}
