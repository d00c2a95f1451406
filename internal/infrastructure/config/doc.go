// Package config handles loading and validating Veralock Core configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Validation of required fields
//   - Default value handling
//
// Security Considerations:
//   - Sensitive values (broker passwords, API keys, InfluxDB tokens) should
//     be set via environment variables rather than the config file
//   - The config file should have restricted permissions (0600)
//   - The replay window bounds how long a captured request signature
//     remains exploitable; do not raise it without reason
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.MQTT.Broker.Host)
package config
