package connector

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/devicehub/flowengine/internal/metrics"
	"github.com/devicehub/flowengine/pkg/types"
)

const defaultMQTTTimeout = 10 * time.Second

// MQTTConnector publishes payloads to a broker topic. The session is
// established lazily on first send and kept open across runs; paho
// handles reconnects internally.
type MQTTConnector struct {
	cfg types.MQTTConfig

	mu     sync.Mutex
	client mqtt.Client
}

// NewMQTT creates an MQTT connector for one broker/topic destination.
func NewMQTT(cfg types.MQTTConfig) *MQTTConnector {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultMQTTTimeout
	}
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("flowengine-%d", time.Now().UnixNano())
	}
	return &MQTTConnector{cfg: cfg}
}

func (c *MQTTConnector) Type() types.ConnectorType { return types.ConnectorTypeMQTT }

// connect returns the shared session, dialing the broker if needed.
func (c *MQTTConnector) connect() (mqtt.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil && c.client.IsConnectionOpen() {
		return c.client, nil
	}

	scheme := "tcp"
	if c.cfg.UseTLS {
		scheme = "ssl"
	}
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("%s://%s", scheme, c.cfg.Broker)).
		SetClientID(c.cfg.ClientID).
		SetConnectTimeout(c.cfg.Timeout).
		SetAutoReconnect(true)

	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}
	if c.cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(c.cfg.Timeout) {
		return nil, fmt.Errorf("connect to %s timed out after %s", c.cfg.Broker, c.cfg.Timeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", c.cfg.Broker, err)
	}

	c.client = client
	return client, nil
}

// Send publishes the payload as JSON to the configured topic. With
// QoS 0 acceptance by the client is success; with QoS 1 or 2 the
// broker acknowledgement is awaited under the connector timeout.
func (c *MQTTConnector) Send(ctx context.Context, payload any) Result {
	res := c.send(ctx, payload)
	metrics.ConnectorSends.WithLabelValues(string(types.ConnectorTypeMQTT), string(res.Kind)).Inc()
	return res
}

func (c *MQTTConnector) send(ctx context.Context, payload any) Result {
	if err := ctx.Err(); err != nil {
		return Result{Kind: ResultTimeout, Detail: err.Error()}
	}

	client, err := c.connect()
	if err != nil {
		return Result{Kind: ResultUnreachable, Detail: err.Error()}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Result{Kind: ResultProtocolError, Detail: fmt.Sprintf("encode payload: %v", err)}
	}

	token := client.Publish(c.cfg.Topic, c.cfg.QoS, false, body)
	if c.cfg.QoS == 0 {
		return Result{Kind: ResultOK}
	}

	if !token.WaitTimeout(c.cfg.Timeout) {
		return Result{Kind: ResultTimeout, Detail: fmt.Sprintf("publish to %q not acknowledged within %s", c.cfg.Topic, c.cfg.Timeout)}
	}
	if err := token.Error(); err != nil {
		return Result{Kind: ResultProtocolError, Detail: fmt.Sprintf("publish to %q: %v", c.cfg.Topic, err)}
	}
	return Result{Kind: ResultOK}
}

// Close tears down the broker session.
func (c *MQTTConnector) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		c.client.Disconnect(250)
		c.client = nil
	}
}
