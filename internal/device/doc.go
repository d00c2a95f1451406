// Package device manages the registry of enrolled lock devices.
//
// A Device row holds the per-device HMAC secret, the last confirmed
// bolt position, and liveness/battery telemetry derived from MQTT
// status reports. The repository is the single writer for device
// state; the access engine, command correlator and monitor all go
// through it.
//
// # Architecture
//
//	MQTT status reports ──> Correlator ──> Repository.RecordHeartbeat
//	Confirmed responses ──> Correlator ──> Repository.SetLockState
//	Monitor sweeps      ──> Repository.ListBatteryLow / MarkOfflineStale
//
// Lock state transitions are only recorded when a device confirms
// them; dispatching a command does not change LockState.
package device
