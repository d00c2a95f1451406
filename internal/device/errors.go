package device

import "errors"

// Sentinel errors for device operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrDeviceNotFound indicates the requested device does not exist.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrDeviceExists indicates a device with the same ID already exists.
	ErrDeviceExists = errors.New("device: already exists")

	// ErrInvalidLockState indicates an unrecognised lock state value.
	ErrInvalidLockState = errors.New("device: invalid lock state")
)
