// Package config loads and validates the node configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with MQTTNODE_* environment variables
//   - Validation of every field, reported together
//   - Default values matching the reference device sizing
//
// Security Considerations:
//   - WiFi and broker passwords should be set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	creds, _ := cfg.Credentials()
package config
