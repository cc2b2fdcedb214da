// Package mqtt receives anchor RSSI reports from the broker and publishes
// mode changes back to the anchors.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"

	"github.com/beacontrack/beacontrack/pkg"
	"github.com/beacontrack/beacontrack/pkg/logx"
	"github.com/beacontrack/beacontrack/pkg/retry"
)

// ErrNotConnected is returned by publishes while the broker is unreachable
var ErrNotConnected = errors.New("mqtt client not connected")

// Config holds MQTT configuration
type Config struct {
	Broker      string `json:"broker"`
	Port        int    `json:"port"`
	ClientID    string `json:"client_id"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	TopicPrefix string `json:"topic_prefix"`
	ModeTopic   string `json:"mode_topic"`
	QoS         int    `json:"qos"`
	Retain      bool   `json:"retain"`
	Enabled     bool   `json:"enabled"`
}

// DefaultConfig returns default MQTT configuration
func DefaultConfig() *Config {
	return &Config{
		Broker:      "localhost",
		Port:        1883,
		ClientID:    "beacontrackd",
		TopicPrefix: "receiver",
		ModeTopic:   "mode",
		QoS:         0,
		Retain:      false,
		Enabled:     false,
	}
}

// DropRecorder is told about samples the transport had to discard
type DropRecorder interface {
	SampleDropped(anchorID, reason string)
}

// Client subscribes to anchor reports and forwards them as samples
type Client struct {
	client MQTT.Client
	logger *logx.Logger
	config *Config
	runner *retry.Runner
	rec    DropRecorder

	samples chan<- pkg.Sample

	connected   atomic.Bool
	mu          sync.Mutex
	lastPublish time.Time
	received    atomic.Uint64
	dropped     atomic.Uint64
}

// NewClient creates a new MQTT client that delivers samples to out. rec
// may be nil.
func NewClient(config *Config, logger *logx.Logger, runner *retry.Runner, out chan<- pkg.Sample, rec DropRecorder) *Client {
	if runner == nil {
		runner = retry.NewRunner(retry.DefaultConfig())
	}
	return &Client{
		logger:  logger.With("component", "mqtt"),
		config:  config,
		runner:  runner,
		rec:     rec,
		samples: out,
	}
}

// SubscriptionTopic is the wildcard topic every anchor publishes under
func (c *Client) SubscriptionTopic() string {
	return strings.TrimSuffix(c.config.TopicPrefix, "/") + "/+"
}

// Connect establishes the broker connection, retrying with backoff. The
// anchor subscription is (re)created by the on-connect handler.
func (c *Client) Connect(ctx context.Context) error {
	if !c.config.Enabled {
		c.logger.Debug("MQTT client disabled")
		return nil
	}

	opts := MQTT.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", c.config.Broker, c.config.Port))
	opts.SetClientID(c.config.ClientID)

	if c.config.Username != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(1 * time.Minute)
	opts.SetCleanSession(true)

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetDefaultPublishHandler(c.onMessageReceived)

	c.client = MQTT.NewClient(opts)

	err := c.runner.Do(ctx, func(ctx context.Context) error {
		token := c.client.Connect()
		select {
		case <-token.Done():
		case <-ctx.Done():
			return retry.Permanent(ctx.Err())
		}
		if err := token.Error(); err != nil {
			c.logger.Warn("MQTT connect attempt failed", "broker", c.config.Broker, "error", err)
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	c.logger.Info("MQTT client connected", "broker", c.config.Broker, "port", c.config.Port)
	return nil
}

// Run connects and blocks until ctx is done, then disconnects
func (c *Client) Run(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}
	if err := c.Connect(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return c.Disconnect()
}

// Disconnect disconnects from MQTT broker
func (c *Client) Disconnect() error {
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(250)
		c.connected.Store(false)
		c.logger.Info("MQTT client disconnected")
	}
	return nil
}

// onConnect subscribes to the anchor topics on every (re)connect
func (c *Client) onConnect(client MQTT.Client) {
	c.connected.Store(true)
	c.logger.Info("MQTT connection established")

	topic := c.SubscriptionTopic()
	token := client.Subscribe(topic, byte(c.config.QoS), c.onMessageReceived)
	if token.Wait() && token.Error() != nil {
		c.logger.Error("MQTT subscribe failed", "topic", topic, "error", token.Error())
		return
	}
	c.logger.Info("MQTT subscription created", "topic", topic)
}

// onConnectionLost handles MQTT disconnection events
func (c *Client) onConnectionLost(client MQTT.Client, err error) {
	c.connected.Store(false)
	c.logger.Error("MQTT connection lost", "error", err)
}

// onMessageReceived turns an anchor report into a sample. It never blocks
// the paho router: when the ingest buffer is full the sample is dropped.
func (c *Client) onMessageReceived(client MQTT.Client, msg MQTT.Message) {
	anchorID, ok := anchorFromTopic(c.config.TopicPrefix, msg.Topic())
	if !ok {
		c.logger.Debug("Ignoring message on unexpected topic", "topic", msg.Topic())
		return
	}
	c.received.Add(1)

	sample := pkg.Sample{
		AnchorID: anchorID,
		Payload:  append([]byte(nil), msg.Payload()...),
		Received: time.Now(),
	}

	select {
	case c.samples <- sample:
	default:
		c.dropped.Add(1)
		if c.rec != nil {
			c.rec.SampleDropped(anchorID, pkg.DropBackpress)
		}
		c.logger.Warn("Ingest buffer full, dropping sample", "anchor", anchorID)
	}
}

// anchorFromTopic extracts the anchor ID from "<prefix>/<id>"
func anchorFromTopic(prefix, topic string) (string, bool) {
	prefix = strings.TrimSuffix(prefix, "/") + "/"
	if !strings.HasPrefix(topic, prefix) {
		return "", false
	}
	id := strings.TrimPrefix(topic, prefix)
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

// PublishMode publishes a mode change to the anchors. json.RawMessage and
// []byte payloads are sent as-is, anything else is JSON encoded.
func (c *Client) PublishMode(payload interface{}) error {
	if !c.config.Enabled || !c.IsConnected() {
		return ErrNotConnected
	}

	var data []byte
	switch p := payload.(type) {
	case json.RawMessage:
		data = p
	case []byte:
		data = p
	default:
		var err error
		if data, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
	}

	topic := c.config.ModeTopic
	token := c.client.Publish(topic, byte(c.config.QoS), c.config.Retain, data)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, token.Error())
	}

	c.mu.Lock()
	c.lastPublish = time.Now()
	c.mu.Unlock()
	c.logger.Debug("MQTT message published", "topic", topic, "size", len(data))
	return nil
}

// IsConnected returns whether the MQTT client is connected
func (c *Client) IsConnected() bool {
	return c.connected.Load() && c.client != nil && c.client.IsConnected()
}

// GetLastPublish returns the timestamp of the last publish
func (c *Client) GetLastPublish() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPublish
}

// Stats returns the received and dropped message counts
func (c *Client) Stats() (received, dropped uint64) {
	return c.received.Load(), c.dropped.Load()
}
