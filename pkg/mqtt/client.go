// Package mqtt shares markers through retained MQTT messages and receives
// device fixes from the broker.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"

	"github.com/empati/empati/pkg"
	"github.com/empati/empati/pkg/gps"
	"github.com/empati/empati/pkg/logx"
)

var (
	// ErrNotConnected is returned when the broker connection is not established
	ErrNotConnected = errors.New("mqtt client not connected")
	// ErrAlreadySubscribed is returned for a second marker subscription
	ErrAlreadySubscribed = errors.New("mqtt marker subscription already active")
)

// Config holds MQTT configuration
type Config struct {
	Broker      string `json:"broker"`
	Port        int    `json:"port"`
	ClientID    string `json:"client_id"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	TopicPrefix string `json:"topic_prefix"`
	QoS         int    `json:"qos"`
	Enabled     bool   `json:"enabled"`
}

// DefaultConfig returns default MQTT configuration
func DefaultConfig() *Config {
	return &Config{
		Broker:      "localhost",
		Port:        1883,
		ClientID:    "empatid",
		TopicPrefix: "empati",
		QoS:         1,
		Enabled:     false,
	}
}

// MarkerTopic is the retained topic holding one marker
func (c *Config) MarkerTopic(id string) string {
	return fmt.Sprintf("%s/markers/%s", c.TopicPrefix, id)
}

// MarkersFilter matches every marker topic
func (c *Config) MarkersFilter() string {
	return fmt.Sprintf("%s/markers/+", c.TopicPrefix)
}

// FixesTopic receives device fixes
func (c *Config) FixesTopic() string {
	return fmt.Sprintf("%s/fixes", c.TopicPrefix)
}

// FixSink accepts fixes and watch errors, such as gps.PushSource
type FixSink interface {
	Push(fix pkg.RawFix)
	Fail(err error)
}

// FixMessage is the payload published on the fixes topic. A message with
// Error set reports a watcher failure instead of a fix.
type FixMessage struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lng"`
	AccuracyM float64 `json:"accuracy"`
	Error     string  `json:"error,omitempty"` // "permission_denied", "timeout" or free text
}

// Client is a marker store backed by an MQTT broker
type Client struct {
	client MQTT.Client
	logger *logx.Logger
	config *Config

	mu          sync.RWMutex
	connected   bool
	markers     map[string]pkg.Marker
	onSnapshot  func([]pkg.Marker)
	onError     func(error)
	fixSink     FixSink
	lastMessage time.Time
}

// NewClient creates a new MQTT client
func NewClient(config *Config, logger *logx.Logger) *Client {
	return &Client{
		logger:  logger,
		config:  config,
		markers: make(map[string]pkg.Marker),
	}
}

// Name implements markers.Store
func (c *Client) Name() string {
	return "mqtt"
}

// Connect establishes connection to the MQTT broker
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

	client := MQTT.NewClient(opts)
	if err := wait(ctx, client.Connect()); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	c.mu.Lock()
	c.client = client
	c.connected = true
	c.mu.Unlock()

	c.logger.Info("MQTT client connected",
		"broker", c.config.Broker,
		"port", c.config.Port,
	)
	return nil
}

// Disconnect disconnects from the MQTT broker
func (c *Client) Disconnect() {
	c.mu.Lock()
	client := c.client
	c.connected = false
	c.mu.Unlock()

	if client != nil {
		client.Disconnect(250)
		c.logger.Info("MQTT client disconnected")
	}
}

// IsConnected returns whether the MQTT client is connected
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.client != nil && c.client.IsConnected()
}

// LastMessage returns when the last marker or fix message arrived
func (c *Client) LastMessage() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastMessage
}

// Subscribe implements markers.Store. Every marker message yields a full
// snapshot of the retained markers seen so far.
func (c *Client) Subscribe(ctx context.Context, onSnapshot func([]pkg.Marker), onError func(error)) (func(), error) {
	c.mu.Lock()
	if c.onSnapshot != nil {
		c.mu.Unlock()
		return nil, ErrAlreadySubscribed
	}
	client := c.client
	if client == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.onSnapshot, c.onError = onSnapshot, onError
	c.mu.Unlock()

	filter := c.config.MarkersFilter()
	if err := wait(ctx, client.Subscribe(filter, byte(c.config.QoS), c.handleMarkerMessage)); err != nil {
		c.mu.Lock()
		c.onSnapshot, c.onError = nil, nil
		c.mu.Unlock()
		return nil, fmt.Errorf("failed to subscribe to topic %s: %w", filter, err)
	}
	c.logger.Info("MQTT subscription created", "topic", filter)

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			c.onSnapshot, c.onError = nil, nil
			c.markers = make(map[string]pkg.Marker)
			c.mu.Unlock()

			if client.IsConnected() {
				client.Unsubscribe(filter).WaitTimeout(2 * time.Second)
			}
			c.logger.Info("MQTT subscription removed", "topic", filter)
		})
	}, nil
}

// Create implements markers.Store by publishing a retained marker message
func (c *Client) Create(ctx context.Context, m pkg.Marker) error {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()
	if client == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal marker: %w", err)
	}

	topic := c.config.MarkerTopic(m.ID)
	if err := wait(ctx, client.Publish(topic, byte(c.config.QoS), true, data)); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
	}

	c.logger.Debug("MQTT marker published", "topic", topic, "size", len(data))
	return nil
}

// ForwardFixes routes messages on the fixes topic into sink
func (c *Client) ForwardFixes(ctx context.Context, sink FixSink) error {
	c.mu.Lock()
	client := c.client
	c.fixSink = sink
	c.mu.Unlock()
	if client == nil {
		return ErrNotConnected
	}

	topic := c.config.FixesTopic()
	if err := wait(ctx, client.Subscribe(topic, byte(c.config.QoS), c.handleFixMessage)); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
	}
	c.logger.Info("MQTT subscription created", "topic", topic)
	return nil
}

func (c *Client) onConnect(client MQTT.Client) {
	c.mu.Lock()
	c.connected = true
	resubscribe := c.onSnapshot != nil
	fixes := c.fixSink != nil
	c.mu.Unlock()

	c.logger.Info("MQTT connection established")

	// clean sessions drop subscriptions on reconnect
	if resubscribe {
		client.Subscribe(c.config.MarkersFilter(), byte(c.config.QoS), c.handleMarkerMessage)
	}
	if fixes {
		client.Subscribe(c.config.FixesTopic(), byte(c.config.QoS), c.handleFixMessage)
	}
}

func (c *Client) onConnectionLost(client MQTT.Client, err error) {
	c.mu.Lock()
	c.connected = false
	onError := c.onError
	c.mu.Unlock()

	c.logger.Error("MQTT connection lost", "error", err)
	if onError != nil {
		onError(fmt.Errorf("mqtt connection lost: %w", err))
	}
}

func (c *Client) handleMarkerMessage(_ MQTT.Client, msg MQTT.Message) {
	id, ok := markerID(c.config.TopicPrefix, msg.Topic())
	if !ok {
		return
	}

	c.mu.Lock()
	c.lastMessage = time.Now()
	if len(msg.Payload()) == 0 {
		delete(c.markers, id)
	} else {
		m, err := decodeMarker(id, msg.Payload())
		if err != nil {
			c.mu.Unlock()
			c.logger.Warn("ignoring malformed marker message", "topic", msg.Topic(), "error", err)
			return
		}
		c.markers[id] = m
	}
	snapshot := make([]pkg.Marker, 0, len(c.markers))
	for _, m := range c.markers {
		snapshot = append(snapshot, m)
	}
	onSnapshot := c.onSnapshot
	c.mu.Unlock()

	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].ID < snapshot[j].ID })
	if onSnapshot != nil {
		onSnapshot(snapshot)
	}
}

func (c *Client) handleFixMessage(_ MQTT.Client, msg MQTT.Message) {
	c.mu.Lock()
	c.lastMessage = time.Now()
	sink := c.fixSink
	c.mu.Unlock()
	if sink == nil {
		return
	}

	var fm FixMessage
	if err := json.Unmarshal(msg.Payload(), &fm); err != nil {
		c.logger.Warn("ignoring malformed fix message", "topic", msg.Topic(), "error", err)
		return
	}

	if fm.Error != "" {
		sink.Fail(gps.ParseWatchError(fm.Error))
		return
	}
	sink.Push(pkg.RawFix{
		Latitude:  fm.Latitude,
		Longitude: fm.Longitude,
		AccuracyM: fm.AccuracyM,
	})
}

func markerID(prefix, topic string) (string, bool) {
	id, ok := strings.CutPrefix(topic, prefix+"/markers/")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

func decodeMarker(id string, payload []byte) (pkg.Marker, error) {
	var m pkg.Marker
	if err := json.Unmarshal(payload, &m); err != nil {
		return pkg.Marker{}, err
	}
	if m.ID == "" {
		m.ID = id
	}
	if m.ID != id {
		return pkg.Marker{}, fmt.Errorf("marker id %q does not match topic id %q", m.ID, id)
	}
	if m.CreatedAt <= 0 {
		return pkg.Marker{}, errors.New("marker has no timestamp")
	}
	return m, nil
}

func wait(ctx context.Context, token MQTT.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
