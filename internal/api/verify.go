package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jmorland/veralock-core/internal/access"
	"github.com/jmorland/veralock-core/internal/credential"
)

// verifyPINRequest is the body a lock device posts on a PIN entry.
type verifyPINRequest struct {
	DeviceID  string `json:"device_id"`
	PINCode   string `json:"pin_code"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
}

// verifyNFCRequest is the body a lock device posts on an NFC tap. The
// optional battery level piggybacks as a heartbeat field.
type verifyNFCRequest struct {
	DeviceID     string `json:"device_id"`
	NFCUID       string `json:"nfc_uid"`
	BatteryLevel *int   `json:"battery_level,omitempty"`
	Timestamp    int64  `json:"timestamp"`
	Signature    string `json:"signature"`
}

// verifyResponse is the decision returned to the device.
type verifyResponse struct {
	AccessGranted  bool                   `json:"access_granted"`
	Command        string                 `json:"command"`
	Reason         string                 `json:"reason,omitempty"`
	CredentialInfo *access.CredentialInfo `json:"credential_info,omitempty"`
}

// handleVerifyPIN runs a PIN presentation through the access engine.
func (s *Server) handleVerifyPIN(w http.ResponseWriter, r *http.Request) {
	var body verifyPINRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if body.DeviceID == "" || body.PINCode == "" {
		writeBadRequest(w, "device_id and pin_code are required")
		return
	}

	s.runVerify(w, r, access.Request{
		DeviceID:  body.DeviceID,
		Kind:      credential.KindPIN,
		Secret:    body.PINCode,
		Timestamp: body.Timestamp,
		Signature: body.Signature,
	})
}

// handleVerifyNFC runs an NFC presentation through the access engine.
func (s *Server) handleVerifyNFC(w http.ResponseWriter, r *http.Request) {
	var body verifyNFCRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if body.DeviceID == "" || body.NFCUID == "" {
		writeBadRequest(w, "device_id and nfc_uid are required")
		return
	}

	s.runVerify(w, r, access.Request{
		DeviceID:     body.DeviceID,
		Kind:         credential.KindNFC,
		Secret:       body.NFCUID,
		Timestamp:    body.Timestamp,
		Signature:    body.Signature,
		BatteryLevel: body.BatteryLevel,
	})
}

// runVerify executes the verification and translates the decision.
// Denials are HTTP 200: the request itself succeeded, the device acts
// on the command field.
func (s *Server) runVerify(w http.ResponseWriter, r *http.Request, req access.Request) {
	decision, err := s.engine.Verify(r.Context(), req)
	if err != nil {
		if errors.Is(err, access.ErrAuditUnavailable) {
			writeUnavailable(w, "audit unavailable")
			return
		}
		s.logger.Error("verification failed",
			"device_id", req.DeviceID,
			"error", err,
			"request_id", r.Context().Value(ctxKeyRequestID),
		)
		writeInternalError(w, "verification failed")
		return
	}

	writeJSON(w, http.StatusOK, verifyResponse{
		AccessGranted:  decision.Allowed,
		Command:        decision.Command,
		Reason:         decision.Reason,
		CredentialInfo: decision.Credential,
	})
}
