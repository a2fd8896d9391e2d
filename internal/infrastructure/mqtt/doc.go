// Package mqtt provides the broker connection for the sniffer bridge.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Synchronous and asynchronous publishing with QoS
//   - The retained {base_topic}/bridge/status topic and its Last Will
//   - Home Assistant discovery topic naming
//
// Decoded register values flow one way:
//
//	RS-485 bus → sniffer → bridge → MQTT broker → consumers
//
// PublishAsync is the boundary the capture session uses: its completion
// callback is the only signal that a register was delivered.
//
// # Security Considerations
//
//   - Use mqtts:// (cfg.Broker.TLS=true) when the broker is not on localhost
//   - Credentials should come from MQTT_USERNAME / MQTT_PASSWORD
package mqtt
