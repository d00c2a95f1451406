package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteBatteryLevel records a device battery reading.
//
// The write is non-blocking; data is batched and sent asynchronously.
//
// Parameters:
//   - deviceID: Unique identifier for the lock (e.g., "lock-front-door")
//   - level: Battery percentage 0-100
func (c *Client) WriteBatteryLevel(deviceID string, level int) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"battery",
		map[string]string{
			"device_id": deviceID,
		},
		map[string]interface{}{
			"level": level,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteLockState records a lock state transition.
//
// Parameters:
//   - deviceID: Device identifier
//   - state: "locked" or "unlocked"
//   - method: How the transition happened ("pin", "nfc", "remote", "manual")
func (c *Client) WriteLockState(deviceID string, state string, method string) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"lock_state",
		map[string]string{
			"device_id": deviceID,
			"method":    method,
		},
		map[string]interface{}{
			"state":  state,
			"locked": state == "locked",
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteAccessDecision records the outcome of a verification attempt.
//
// Used for dashboards tracking allow/deny rates per device and
// credential kind. The reason tag is empty for allowed attempts.
//
// Parameters:
//   - deviceID: Device identifier
//   - kind: Credential kind ("pin" or "nfc")
//   - allowed: Whether access was granted
//   - reason: Denial reason, empty when allowed
func (c *Client) WriteAccessDecision(deviceID string, kind string, allowed bool, reason string) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"access_decision",
		map[string]string{
			"device_id": deviceID,
			"kind":      kind,
			"reason":    reason,
		},
		map[string]interface{}{
			"allowed": allowed,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteCommandLatency records how long a dispatched command took to resolve.
//
// Parameters:
//   - deviceID: Device identifier
//   - action: "lock" or "unlock"
//   - outcome: Final command state ("acked" or "timed_out")
//   - latency: Time from dispatch to resolution
func (c *Client) WriteCommandLatency(deviceID string, action string, outcome string, latency time.Duration) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"command_latency",
		map[string]string{
			"device_id": deviceID,
			"action":    action,
			"outcome":   outcome,
		},
		map[string]interface{}{
			"latency_ms": latency.Milliseconds(),
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for custom measurements that don't fit the helper methods.
//
// Parameters:
//   - measurement: The measurement name (table)
//   - tags: Key-value pairs for indexing (low cardinality)
//   - fields: Key-value pairs for the actual data
//
// Example:
//
//	client.WritePoint("system_stats",
//	    map[string]string{"host": "core-01"},
//	    map[string]interface{}{"cpu_percent": 45.2, "memory_mb": 512})
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WritePointWithTime writes a custom point with a specific timestamp.
//
// Use this when the timestamp is not "now" (e.g., delayed data).
//
// Parameters:
//   - measurement: The measurement name
//   - tags: Key-value pairs for indexing
//   - fields: Key-value pairs for the data
//   - timestamp: The exact time for this data point
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, timestamp)
	c.writeAPI.WritePoint(point)
}
