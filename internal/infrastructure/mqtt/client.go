package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/modbus-sniffer-bridge/internal/infrastructure/config"
)

// Client is the bridge's publish-only broker connection.
//
// It announces the bridge on {base_topic}/bridge/status (retained, with a
// Last Will covering crashes) and publishes register values either
// synchronously or with a completion callback. Nothing is subscribed.
//
// Thread Safety: All methods are safe for concurrent use.
type Client struct {
	client pahomqtt.Client
	cfg    config.MQTTConfig
	topics Topics

	connected atomic.Bool

	// pending counts PublishAsync completions not yet delivered; Close
	// waits for it so no callback fires after shutdown.
	pending sync.WaitGroup

	published  atomic.Uint64
	failed     atomic.Uint64
	reconnects atomic.Uint64

	hookMu sync.RWMutex
	hooks  hooks
}

type hooks struct {
	onConnect    func()
	onDisconnect func(err error)
	logger       Logger
}

// Logger is the subset of logging.Logger the client uses.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Stats is a snapshot of the client's publish counters.
type Stats struct {
	Connected  bool   `json:"connected"`
	Published  uint64 `json:"published"`
	Failed     uint64 `json:"failed"`
	Reconnects uint64 `json:"reconnects"`
}

// Connect dials the broker and returns once the first connection is up.
//
// The Last Will on the status topic is registered before dialling; the
// retained "online" status is published from the connect handler, so it
// is repeated after every reconnect.
//
// Parameters:
//   - cfg: MQTT configuration
//
// Returns:
//   - *Client: Connected client
//   - error: ErrConnectionFailed if the broker is not reachable in time
func Connect(cfg config.MQTTConfig) (*Client, error) {
	c := &Client{cfg: cfg, topics: NewTopics(cfg.BaseTopic)}

	opts := buildClientOptions(cfg)
	configureLWT(opts, c.topics.BridgeStatus(), cfg.Broker.ClientID)
	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.onUp() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.onDown(err) })
	opts.SetReconnectingHandler(func(pahomqtt.Client, *pahomqtt.ClientOptions) {
		c.reconnects.Add(1)
		if l := c.currentHooks().logger; l != nil {
			l.Warn("MQTT reconnecting", "broker", brokerURL(cfg))
		}
	})

	c.client = pahomqtt.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// The connect handler runs on a paho goroutine and may lag behind.
	c.connected.Store(true)
	return c, nil
}

func (c *Client) onUp() {
	c.connected.Store(true)
	c.client.Publish(c.topics.BridgeStatus(), statusQoS, true, buildOnlinePayload(c.cfg.Broker.ClientID))

	if fn := c.currentHooks().onConnect; fn != nil {
		fn()
	}
}

func (c *Client) onDown(err error) {
	c.connected.Store(false)

	if fn := c.currentHooks().onDisconnect; fn != nil {
		fn(err)
	}
}

func (c *Client) currentHooks() hooks {
	c.hookMu.RLock()
	defer c.hookMu.RUnlock()
	return c.hooks
}

// Topics returns the topic builder bound to the configured base topic.
func (c *Client) Topics() Topics {
	return c.topics
}

// Close drains outstanding PublishAsync completions, replaces the
// retained status with a graceful "offline" and disconnects.
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}

	c.pending.Wait()

	if c.IsConnected() {
		token := c.client.Publish(c.topics.BridgeStatus(), statusQoS, true, buildOfflinePayload(c.cfg.Broker.ClientID))
		token.WaitTimeout(defaultPublishTimeout)
	}
	c.client.Disconnect(defaultDisconnectQuiesce)
	c.connected.Store(false)
	return nil
}

// HealthCheck reports ErrNotConnected while the broker link is down.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected reports whether the broker link is currently up.
func (c *Client) IsConnected() bool {
	if c == nil || c.client == nil {
		return false
	}
	return c.connected.Load() && c.client.IsConnected()
}

// Stats returns the publish counters.
func (c *Client) Stats() Stats {
	return Stats{
		Connected:  c.IsConnected(),
		Published:  c.published.Load(),
		Failed:     c.failed.Load(),
		Reconnects: c.reconnects.Load(),
	}
}

// SetOnConnect registers a callback run after every (re)connect.
func (c *Client) SetOnConnect(fn func()) {
	c.hookMu.Lock()
	c.hooks.onConnect = fn
	c.hookMu.Unlock()
}

// SetOnDisconnect registers a callback run when the connection drops.
func (c *Client) SetOnDisconnect(fn func(err error)) {
	c.hookMu.Lock()
	c.hooks.onDisconnect = fn
	c.hookMu.Unlock()
}

// SetLogger sets a logger for reconnect warnings and callback panics.
func (c *Client) SetLogger(logger Logger) {
	c.hookMu.Lock()
	c.hooks.logger = logger
	c.hookMu.Unlock()
}

// complete records the outcome of an async publish and hands it to done.
// A panicking callback is logged instead of killing the paho worker.
func (c *Client) complete(topic string, done func(error), err error) {
	if err != nil {
		c.failed.Add(1)
	} else {
		c.published.Add(1)
	}
	if done == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			if l := c.currentHooks().logger; l != nil {
				l.Error("MQTT publish callback panic recovered", "topic", topic, "panic", r)
			}
		}
	}()
	done(err)
}
