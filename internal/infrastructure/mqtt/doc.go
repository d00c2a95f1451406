// Package mqtt provides MQTT client connectivity for Veralock Core.
//
// This package manages:
//   - Connection to Mosquitto broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for offline detection
//   - Connection health monitoring
//
// # Architecture
//
// Veralock uses MQTT as the command channel between the access-control
// core and the lock devices in the field. The broker (Mosquitto)
// decouples the core from device firmware.
//
//	Veralock Core ↔ MQTT Broker ↔ Lock Devices
//
// The core publishes signed commands to device/{id}/command and consumes
// device/{id}/status, device/{id}/response and device/{id}/alert.
//
// # Security Considerations
//
//   - TLS is required for production deployments (cfg.Broker.TLS=true)
//   - Credentials are validated against broker ACL
//   - Anonymous access is only for local development
//   - Command payloads carry their own HMAC signatures; MQTT transport
//     security is a second layer, not the only one
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	// Subscribe to all device status reports
//	err = client.Subscribe(mqtt.Topics{}.AllDeviceStatus(), 1,
//	    func(topic string, payload []byte) error {
//	        log.Printf("Received: %s = %s", topic, payload)
//	        return nil
//	    })
//
//	// Publish a signed command
//	topic := mqtt.Topics{}.DeviceCommand("lock-front-door")
//	client.Publish(topic, payload, 1, false)
package mqtt
