package modbus

import (
	"encoding/json"
	"regexp"

	"github.com/nerrad567/modbus-sniffer-bridge/internal/infrastructure/mqtt"
)

// DefaultComponent is the Home Assistant component used when a mapping
// sets no ha_component.
const DefaultComponent = "sensor"

var uniqueIDSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// DeviceInfo describes the physical device in discovery payloads.
type DeviceInfo struct {
	Identifiers  string `json:"identifiers"`
	Name         string `json:"name"`
	SWVersion    string `json:"sw_version"`
	Model        string `json:"model"`
	Manufacturer string `json:"manufacturer"`
}

// DiscoveryConfig is a Home Assistant MQTT discovery payload.
type DiscoveryConfig struct {
	Name        string     `json:"name"`
	StateTopic  string     `json:"state_topic"`
	UniqueID    string     `json:"unique_id"`
	QoS         byte       `json:"qos"`
	Device      DeviceInfo `json:"device"`
	DeviceClass string     `json:"device_class,omitempty"`
	Unit        string     `json:"unit_of_measurement,omitempty"`
}

// DiscoveryUniqueID returns the sanitised object id of an entry: its
// unique_id, else its resolved topic, else its register.
func DiscoveryUniqueID(entry *MappingEntry) string {
	id := entry.UniqueID
	if id == "" {
		id = entry.ResolvedTopic
	}
	if id == "" {
		id = entry.Address.String()
	}
	return uniqueIDSanitizer.ReplaceAllString(id, "_")
}

// BuildDiscovery returns the discovery topic and config for entry. The
// boolean is false when the entry has no state topic.
func (p *Publisher) BuildDiscovery(entry *MappingEntry, prefix string, device DeviceInfo) (string, DiscoveryConfig, bool) {
	stateTopic := entry.StateTopic()
	if stateTopic == "" {
		return "", DiscoveryConfig{}, false
	}

	component := entry.HAComponent
	if component == "" {
		component = DefaultComponent
	}
	uniq := DiscoveryUniqueID(entry)

	name := entry.Description
	if name == "" {
		name = entry.ResolvedTopic
	}
	if name == "" {
		name = entry.Address.String()
	}

	cfg := DiscoveryConfig{
		Name:        name,
		StateTopic:  stateTopic,
		UniqueID:    uniq,
		QoS:         p.QoS(entry),
		Device:      device,
		DeviceClass: entry.HADeviceClass,
		Unit:        entry.Unit,
	}
	return mqtt.Discovery(prefix, component, uniq), cfg, true
}

// PublishDiscovery publishes a retained discovery config for every entry
// of snap and returns how many were dispatched. Results are logged.
func (p *Publisher) PublishDiscovery(snap *Snapshot, prefix string, device DeviceInfo) int {
	sent := 0
	for _, entry := range snap.Entries() {
		topic, cfg, ok := p.BuildDiscovery(entry, prefix, device)
		if !ok {
			continue
		}
		payload, err := json.Marshal(cfg)
		if err != nil {
			p.logger.Error("encoding discovery config", "register", entry.Key, "error", err)
			continue
		}
		p.client.PublishAsync(topic, payload, cfg.QoS, true, func(err error) {
			if err != nil {
				p.logger.Error("mqtt discovery publish failed", "topic", topic, "error", err)
			}
		})
		sent++
	}
	p.logger.Info("published discovery configs", "count", sent, "prefix", prefix)
	return sent
}
