// Package credential manages PIN and NFC access credentials.
//
// Both credential kinds share one model and one validity predicate:
// active flag, [valid_from, valid_until] window (until-boundary
// inclusive), optional usage cap, and an optional day/hour restriction
// mask. Only secret matching differs: PINs verify against an argon2id
// hash, NFC UIDs compare as normalised identifiers.
//
// The Evaluator is pure. It finds the matching credential and reports
// validity with a deterministic denial-reason precedence
// (usage-cap-reached, not-yet-valid, expired, day-restricted,
// hour-restricted). The usage increment happens separately, through
// the repository's guarded compare-and-increment, inside the access
// engine's transaction, which is what keeps concurrent verifications
// from breaching a usage cap.
package credential
