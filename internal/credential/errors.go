package credential

import "errors"

// Sentinel errors for credential operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrCredentialNotFound indicates the requested credential does not exist.
	ErrCredentialNotFound = errors.New("credential: not found")

	// ErrCredentialExists indicates a credential with the same ID already exists.
	ErrCredentialExists = errors.New("credential: already exists")

	// ErrUsageCapExceeded indicates a guarded usage increment found the
	// cap already consumed, usually by a concurrent verification.
	ErrUsageCapExceeded = errors.New("credential: usage cap exceeded")

	// ErrInvalidKind indicates an unrecognised credential kind.
	ErrInvalidKind = errors.New("credential: invalid kind")
)
