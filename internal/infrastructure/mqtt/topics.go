package mqtt

import (
	"fmt"
	"strings"
)

// Topic prefixes for the Veralock MQTT namespace.
//
// Lock devices speak the flat scheme: device/{device_id}/{channel}
// where channel is one of command, status, response or alert. The
// command channel is written by the core only; the remaining three are
// written by the devices and consumed by the core.
const (
	// TopicPrefixDevice is the base for all per-device topics.
	TopicPrefixDevice = "device"

	// TopicPrefixSystem is the base for service-level topics.
	TopicPrefixSystem = "veralock/system"
)

// Topics provides builders for Veralock MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	cmdTopic := topics.DeviceCommand("lock-front-door")
//	// Returns: "device/lock-front-door/command"
type Topics struct{}

// =============================================================================
// Device Topics
// =============================================================================

// DeviceCommand returns the topic for signed commands to a lock device.
//
// Example: device/lock-front-door/command
func (Topics) DeviceCommand(deviceID string) string {
	return fmt.Sprintf("%s/%s/command", TopicPrefixDevice, deviceID)
}

// DeviceStatus returns the topic for heartbeat/status reports from a device.
//
// Example: device/lock-front-door/status
func (Topics) DeviceStatus(deviceID string) string {
	return fmt.Sprintf("%s/%s/status", TopicPrefixDevice, deviceID)
}

// DeviceResponse returns the topic for command acknowledgements from a device.
//
// Example: device/lock-front-door/response
func (Topics) DeviceResponse(deviceID string) string {
	return fmt.Sprintf("%s/%s/response", TopicPrefixDevice, deviceID)
}

// DeviceAlert returns the topic for tamper and fault alerts from a device.
//
// Example: device/lock-front-door/alert
func (Topics) DeviceAlert(deviceID string) string {
	return fmt.Sprintf("%s/%s/alert", TopicPrefixDevice, deviceID)
}

// =============================================================================
// System Topics
// =============================================================================

// SystemStatus returns the service status topic (online/offline, LWT).
//
// Example: veralock/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}

// =============================================================================
// Wildcard Patterns for Subscriptions
// =============================================================================

// AllDeviceStatus returns a pattern matching status reports from every device.
//
// Pattern: device/+/status
func (Topics) AllDeviceStatus() string {
	return fmt.Sprintf("%s/+/status", TopicPrefixDevice)
}

// AllDeviceResponses returns a pattern matching command responses from every device.
//
// Pattern: device/+/response
func (Topics) AllDeviceResponses() string {
	return fmt.Sprintf("%s/+/response", TopicPrefixDevice)
}

// AllDeviceAlerts returns a pattern matching alerts from every device.
//
// Pattern: device/+/alert
func (Topics) AllDeviceAlerts() string {
	return fmt.Sprintf("%s/+/alert", TopicPrefixDevice)
}

// =============================================================================
// Topic Parsing
// =============================================================================

// DeviceIDFromTopic extracts the device ID from any per-device topic.
//
// Returns false if the topic does not follow the device/{id}/{channel}
// scheme or the ID segment is empty.
//
//	id, ok := mqtt.DeviceIDFromTopic("device/lock-front-door/status")
//	// id = "lock-front-door", ok = true
func DeviceIDFromTopic(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != TopicPrefixDevice || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// ChannelFromTopic extracts the channel segment (command, status,
// response, alert) from a per-device topic. Returns false for topics
// outside the device namespace.
func ChannelFromTopic(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != TopicPrefixDevice || parts[2] == "" {
		return "", false
	}
	return parts[2], true
}
