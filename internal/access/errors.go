package access

import "errors"

var (
	// ErrAuditUnavailable aborts a decision when the audit chain
	// cannot record it. Decisions never complete unaudited.
	ErrAuditUnavailable = errors.New("access: audit append failed")
)
