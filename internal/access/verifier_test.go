package access

import (
	"testing"
	"time"
)

var testNow = time.Date(2026, 1, 14, 14, 30, 0, 0, time.UTC)

func testVerifier() *Verifier {
	return NewVerifierAt(DefaultReplayWindow, func() time.Time { return testNow })
}

func signedRequest(deviceSecret string) Request {
	req := Request{
		DeviceID:  "lock-front",
		Secret:    "4821",
		Timestamp: testNow.Unix(),
	}
	req.Signature = Signature(deviceSecret, req.DeviceID, req.Timestamp, req.Secret)
	return req
}

func TestCheck_ValidSignature(t *testing.T) {
	v := testVerifier()
	req := signedRequest("device-secret")

	if reason := v.Check("device-secret", req); reason != "" {
		t.Errorf("Check = %q, want pass", reason)
	}
}

func TestCheck_DenialReasons(t *testing.T) {
	v := testVerifier()

	tests := []struct {
		name   string
		mutate func(*Request)
		want   string
	}{
		{
			"missing signature",
			func(r *Request) { r.Signature = "" },
			ReasonMissingAuth,
		},
		{
			"missing timestamp",
			func(r *Request) { r.Timestamp = 0 },
			ReasonMissingAuth,
		},
		{
			"wrong signature",
			func(r *Request) { r.Signature = "deadbeef" },
			ReasonInvalidSignature,
		},
		{
			"secret tampered after signing",
			func(r *Request) { r.Secret = "9999" },
			ReasonInvalidSignature,
		},
		{
			"timestamp tampered after signing",
			func(r *Request) { r.Timestamp++ },
			ReasonInvalidSignature,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := signedRequest("device-secret")
			tt.mutate(&req)
			if reason := v.Check("device-secret", req); reason != tt.want {
				t.Errorf("Check = %q, want %q", reason, tt.want)
			}
		})
	}
}

func TestCheck_ReplayWindow(t *testing.T) {
	v := testVerifier()

	tests := []struct {
		name   string
		offset time.Duration
		want   string
	}{
		{"exactly at window", -300 * time.Second, ""},
		{"one past window", -301 * time.Second, ReasonExpiredTimestamp},
		{"future within window", 300 * time.Second, ""},
		{"future past window", 301 * time.Second, ReasonExpiredTimestamp},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := testNow.Add(tt.offset).Unix()
			req := Request{
				DeviceID:  "lock-front",
				Secret:    "4821",
				Timestamp: ts,
				Signature: Signature("device-secret", "lock-front", ts, "4821"),
			}
			if reason := v.Check("device-secret", req); reason != tt.want {
				t.Errorf("Check = %q, want %q", reason, tt.want)
			}
		})
	}
}

// A stale signature must be reported as expired, not invalid: the
// signature itself is genuine, only the window has passed.
func TestCheck_StaleSignatureReportsExpired(t *testing.T) {
	v := testVerifier()
	ts := testNow.Add(-time.Hour).Unix()
	req := Request{
		DeviceID:  "lock-front",
		Secret:    "4821",
		Timestamp: ts,
		Signature: Signature("device-secret", "lock-front", ts, "4821"),
	}

	if reason := v.Check("device-secret", req); reason != ReasonExpiredTimestamp {
		t.Errorf("Check = %q, want %q", reason, ReasonExpiredTimestamp)
	}
}

func TestSignature_Deterministic(t *testing.T) {
	a := Signature("secret", "lock-front", 1760000000, "4821")
	b := Signature("secret", "lock-front", 1760000000, "4821")
	if a != b {
		t.Error("same inputs produced different signatures")
	}
	if len(a) != 64 {
		t.Errorf("signature length = %d, want 64 hex chars", len(a))
	}

	if Signature("other", "lock-front", 1760000000, "4821") == a {
		t.Error("different secrets produced the same signature")
	}
}
