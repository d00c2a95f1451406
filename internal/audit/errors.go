package audit

import "errors"

// Sentinel errors for audit operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrChainBroken indicates verification found an entry whose hash
	// does not match its recomputed value or whose previous_hash does
	// not link to its predecessor.
	ErrChainBroken = errors.New("audit: hash chain broken")

	// ErrAppendFailed indicates an entry could not be written. Callers
	// on the decision path must treat this as fatal for the decision.
	ErrAppendFailed = errors.New("audit: append failed")
)
