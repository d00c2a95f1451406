// Package access implements the verification pipeline for lock devices.
//
// A request moves through a fixed sequence of stages: received,
// signature_checked, credential_checked, then a terminal allowed or
// denied. The verifier authenticates the requesting device with an
// HMAC-SHA256 signature and a replay window; the engine then evaluates
// the presented credential, applies the allow-path mutations in a
// single transaction, and appends every outcome to the audit chain.
//
// Signature scheme: HMAC-SHA256(device_secret, device_id ":" timestamp
// ":" payload_secret), hex-encoded, compared in constant time. The
// timestamp window is only checked after the signature succeeds, so a
// caller without the secret learns nothing from timing.
//
// A denied decision never mutates device or credential state. An
// allowed decision increments credential usage, stamps the device's
// last_unlock and writes the audit entry atomically; if any of those
// fail, the whole decision fails closed.
package access
