// Package config handles loading and validating the sniffer bridge configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Validation of required fields
//   - Default value handling
//
// Security Considerations:
//   - Broker passwords and InfluxDB tokens should be set via environment variables
//   - The config file should have restricted permissions (0600)
//
// The environment names (MQTT_URL, SNIFFER_BIN, CAPTURE_TIMEOUT_MS, ...) are
// the ones used by existing sniffer container deployments, so an env-only
// run needs no YAML file at all:
//
//	cfg, err := config.Load("")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.MQTT.Broker.Host)
package config
