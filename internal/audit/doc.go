// Package audit provides the tamper-evident audit trail.
//
// Every trust-relevant event (verification decisions, command
// dispatch and resolution, device alerts) is appended as an Entry
// whose hash chains to the previous entry:
//
//	current_hash = hex(SHA-256(created_at ‖ action ‖ resource_type ‖
//	                           resource_id ‖ previous_hash))
//
// The first entry links to a genesis constant of 64 zeros. Because
// each hash covers the previous one, modifying any stored entry
// breaks verification of every entry after it.
//
// The table is append-only: there is no update or delete operation.
// Appends serialise through a mutex in Chain so two entries can never
// claim the same previous_hash. Callers whose own writes must land
// atomically with the audit entry use RecordWith, which runs them
// inside the append transaction. Verify replays the chain from
// genesis and reports the first broken link.
package audit
