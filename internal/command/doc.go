// Package command handles the outbound half of device control: signed
// lock/unlock dispatch over MQTT, correlation of device replies, and
// the fallback timer that keeps operations moving when a device never
// answers.
//
// Dispatch publishes a signed payload to device/{id}/command at QoS 1
// and records a Command row in the sent state. From there exactly one
// of two things resolves it: the correlator matches a device response
// and moves it to acked, or the per-command fallback timer fires and
// moves it to timed_out, force-applying the requested lock state with
// a degraded marker. The race between the two is settled by a single
// compare-and-swap on the command's state column, so a response
// landing at the same instant as the timer can never double-apply.
//
// Publish failure is an immediate dispatch failure: no Command row is
// written and the caller gets ErrTransportUnavailable to retry on.
package command
