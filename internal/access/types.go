package access

import (
	"github.com/jmorland/veralock-core/internal/credential"
)

// Stage identifies how far through the pipeline a request travelled.
type Stage string

const (
	StageReceived          Stage = "received"
	StageSignatureChecked  Stage = "signature_checked"
	StageCredentialChecked Stage = "credential_checked"
	StageAllowed           Stage = "allowed"
	StageDenied            Stage = "denied"
)

// Denial reasons produced by the verifier, before any credential is
// evaluated. Credential-level reasons come from the credential package.
const (
	ReasonMissingAuth      = "missing-auth"
	ReasonDeviceNotFound   = "not-found"
	ReasonInvalidSignature = "invalid-signature"
	ReasonExpiredTimestamp = "expired-timestamp"
)

// Commands returned to the requesting device.
const (
	CommandUnlock = "UNLOCK"
	CommandDeny   = "DENY"
)

// Request is a single verification attempt from a lock device.
type Request struct {
	DeviceID string
	Kind     credential.Kind
	// Secret is the presented PIN digits or raw NFC UID.
	Secret    string
	Timestamp int64
	Signature string
	// BatteryLevel piggybacks on NFC requests as a heartbeat field.
	BatteryLevel *int
}

// CredentialInfo is the caller-visible slice of a matched credential.
// It never carries the secret or its hash.
type CredentialInfo struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Kind credential.Kind `json:"kind"`
}

// Decision is the terminal outcome of a verification request.
type Decision struct {
	Stage      Stage           `json:"stage"`
	Allowed    bool            `json:"allowed"`
	Command    string          `json:"command"`
	Reason     string          `json:"reason,omitempty"`
	Credential *CredentialInfo `json:"credential_info,omitempty"`
}

func deny(reason string) *Decision {
	return &Decision{
		Stage:   StageDenied,
		Allowed: false,
		Command: CommandDeny,
		Reason:  reason,
	}
}
