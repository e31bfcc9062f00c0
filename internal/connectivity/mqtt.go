package connectivity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// MQTTOptions configures the broker session used as a connectivity signal.
type MQTTOptions struct {
	Host     string
	Port     int
	Username string
	Password string
	ClientID string
	// StatusTopic, when set, carries explicit readings: "online", "offline"
	// or {"online": bool}.
	StatusTopic    string
	ConnectTimeout time.Duration
}

// MQTTSource drives a Monitor from an MQTT broker session. Connecting to the
// broker reads as Online and losing the connection reads as Offline.
type MQTTSource struct {
	opts    MQTTOptions
	monitor *Monitor
	logger  *slog.Logger
	client  MQTTClient
	// mu orders readings from the paho handlers against the connect result.
	mu sync.Mutex
	// Factory function for creating MQTT client
	clientFactory func(opts *mqtt.ClientOptions) MQTTClient
}

// NewMQTTSource creates a source feeding monitor.
func NewMQTTSource(opts MQTTOptions, monitor *Monitor, logger *slog.Logger) *MQTTSource {
	return NewMQTTSourceWithClient(opts, monitor, logger, func(o *mqtt.ClientOptions) MQTTClient {
		return &DefaultMQTTClient{client: mqtt.NewClient(o)}
	})
}

// NewMQTTSourceWithClient creates a source with a custom client factory (for testing)
func NewMQTTSourceWithClient(opts MQTTOptions, monitor *Monitor, logger *slog.Logger, clientFactory func(*mqtt.ClientOptions) MQTTClient) *MQTTSource {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Port == 0 {
		opts.Port = 1883
	}
	if opts.ClientID == "" {
		opts.ClientID = "storedesk-" + uuid.NewString()[:8]
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	return &MQTTSource{
		opts:          opts,
		monitor:       monitor,
		logger:        logger.With("component", "connectivity", "source", "mqtt"),
		clientFactory: clientFactory,
	}
}

// Start connects to the broker. A failed first connection reads as Offline
// and is returned; paho keeps reconnecting in the background.
func (s *MQTTSource) Start(_ context.Context) error {
	opts := mqtt.NewClientOptions()
	brokerURL := fmt.Sprintf("tcp://%s:%d", s.opts.Host, s.opts.Port)
	opts.AddBroker(brokerURL)
	opts.SetClientID(s.opts.ClientID)

	if s.opts.Username != "" {
		opts.SetUsername(s.opts.Username)
		opts.SetPassword(s.opts.Password)
	}

	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.logger.Warn("mqtt connection lost", "error", err)
		s.set(false)
	})

	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		s.logger.Info("mqtt connected")
		s.set(true)
		if err := s.subscribe(); err != nil {
			s.logger.Error("failed to subscribe", "error", err)
		}
	})

	s.client = s.clientFactory(opts)

	s.logger.Info("connecting to mqtt broker", "broker", brokerURL)
	token := s.client.Connect()
	if !token.WaitTimeout(s.opts.ConnectTimeout) {
		s.setOfflineUnlessConnected()
		return fmt.Errorf("connection timeout")
	}
	if err := token.Error(); err != nil {
		s.setOfflineUnlessConnected()
		return fmt.Errorf("connect to mqtt: %w", err)
	}
	return nil
}

func (s *MQTTSource) set(online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.monitor.Set(online)
}

// setOfflineUnlessConnected records a failed first connect. With connect
// retry on, paho may already have connected in the background.
func (s *MQTTSource) setOfflineUnlessConnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client.IsConnected() {
		return
	}
	s.monitor.Set(false)
}

// Stop disconnects from the broker.
func (s *MQTTSource) Stop() {
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(250)
	}
}

func (s *MQTTSource) subscribe() error {
	if s.opts.StatusTopic == "" {
		return nil
	}
	token := s.client.Subscribe(s.opts.StatusTopic, 1, s.handleStatus)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscribe timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe to %s: %w", s.opts.StatusTopic, err)
	}
	s.logger.Info("subscribed", "topic", s.opts.StatusTopic)
	return nil
}

// handleStatus applies an explicit reading published on the status topic.
func (s *MQTTSource) handleStatus(_ mqtt.Client, msg mqtt.Message) {
	online, ok := parseReading(msg.Payload())
	if !ok {
		s.logger.Warn("ignoring status payload", "topic", msg.Topic(), "payload", string(msg.Payload()))
		return
	}
	s.set(online)
}

func parseReading(payload []byte) (online bool, ok bool) {
	var body struct {
		Online *bool `json:"online"`
	}
	if err := json.Unmarshal(payload, &body); err == nil && body.Online != nil {
		return *body.Online, true
	}
	switch strings.ToLower(strings.TrimSpace(string(payload))) {
	case "online", "1", "true", "up":
		return true, true
	case "offline", "0", "false", "down":
		return false, true
	}
	return false, false
}
