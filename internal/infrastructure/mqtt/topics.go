package mqtt

import "strings"

// DefaultBaseTopic is used when no base topic is configured.
const DefaultBaseTopic = "enervent"

// DefaultDiscoveryPrefix is the Home Assistant discovery root.
const DefaultDiscoveryPrefix = "homeassistant"

// Topics builds the bridge's own MQTT topics.
//
// Register state topics come from the register map, not from here; this
// type only covers the bridge status and Home Assistant discovery trees.
//
//	topics := mqtt.NewTopics("enervent")
//	topics.BridgeStatus() // "enervent/bridge/status"
type Topics struct {
	base string
}

// NewTopics returns a builder rooted at base. Surrounding slashes are
// trimmed; an empty base falls back to DefaultBaseTopic.
func NewTopics(base string) Topics {
	base = strings.Trim(base, "/")
	if base == "" {
		base = DefaultBaseTopic
	}
	return Topics{base: base}
}

// Base returns the configured base topic.
func (t Topics) Base() string {
	if t.base == "" {
		return DefaultBaseTopic
	}
	return t.base
}

// BridgeStatus returns the retained online/offline status topic.
//
// Example: enervent/bridge/status
func (t Topics) BridgeStatus() string {
	return t.Base() + "/bridge/status"
}

// Discovery returns a Home Assistant discovery config topic.
//
// Example: homeassistant/sensor/sensors_room1_temperature/config
func Discovery(prefix, component, objectID string) string {
	if prefix == "" {
		prefix = DefaultDiscoveryPrefix
	}
	if component == "" {
		component = "sensor"
	}
	return prefix + "/" + component + "/" + objectID + "/config"
}
