package command

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
)

// Signature computes the command signature a device validates before
// acting: HMAC-SHA256 over "device_id:timestamp:nonce:action" keyed
// with the device's shared secret, hex-encoded.
func Signature(deviceSecret, deviceID string, timestamp int64, nonce string, action Action) string {
	mac := hmac.New(sha256.New, []byte(deviceSecret))
	mac.Write([]byte(deviceID))
	mac.Write([]byte(":"))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte(":"))
	mac.Write([]byte(nonce))
	mac.Write([]byte(":"))
	mac.Write([]byte(action))
	return hex.EncodeToString(mac.Sum(nil))
}

// newNonce returns 16 random bytes hex-encoded.
func newNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
