package modbus

import (
	"encoding/hex"

	"github.com/nerrad567/modbus-sniffer-bridge/internal/infrastructure/metrics"
)

// MQTTClient is the publish boundary. *mqtt.Client satisfies it.
type MQTTClient interface {
	// PublishAsync sends a message and reports the outcome through done,
	// always from another goroutine.
	PublishAsync(topic string, payload []byte, qos byte, retained bool, done func(error))

	// IsConnected returns true if connected to the broker.
	IsConnected() bool
}

// PublisherOptions configures a Publisher.
type PublisherOptions struct {
	// DefaultQoS and DefaultRetain apply to entries that set neither.
	DefaultQoS    byte
	DefaultRetain bool

	Logger  Logger
	Metrics *metrics.Metrics
}

// Publisher turns register values into MQTT messages.
type Publisher struct {
	client  MQTTClient
	qos     byte
	retain  bool
	logger  Logger
	metrics *metrics.Metrics
}

// NewPublisher creates a publisher on top of client.
func NewPublisher(client MQTTClient, opts PublisherOptions) *Publisher {
	return &Publisher{
		client:  client,
		qos:     opts.DefaultQoS,
		retain:  opts.DefaultRetain,
		logger:  orNop(opts.Logger),
		metrics: opts.Metrics,
	}
}

// QoS returns the QoS used for entry.
func (p *Publisher) QoS(entry *MappingEntry) byte {
	if entry.QoS != nil {
		return byte(*entry.QoS)
	}
	return p.qos
}

// Retain returns the retain flag used for entry.
func (p *Publisher) Retain(entry *MappingEntry) bool {
	if entry.Retain != nil {
		return *entry.Retain
	}
	return p.retain
}

// PublishRegister publishes value on the entry's state topic.
//
// The call does not block on the broker. onResult (may be nil) receives
// the outcome exactly once from another goroutine. Failures are logged
// and counted, never retried.
//
// Parameters:
//   - entry: the mapping the value belongs to
//   - value: the transformed value
//   - raw: the register bytes, for diagnostics
//   - onResult: completion callback
func (p *Publisher) PublishRegister(entry *MappingEntry, value any, raw []byte, onResult func(error)) {
	topic := entry.StateTopic()
	payload := FormatValue(value)

	p.logger.Debug("publishing register",
		"register", entry.Key, "topic", topic, "payload", string(payload), "raw", hex.EncodeToString(raw))

	p.client.PublishAsync(topic, payload, p.QoS(entry), p.Retain(entry), func(err error) {
		p.metrics.Publish(err)
		if err != nil {
			p.logger.Error("mqtt publish failed", "register", entry.Key, "topic", topic, "error", err)
		}
		if onResult != nil {
			onResult(err)
		}
	})
}
