// Package mqtt provides the MQTT transport: ordered, manually acknowledged subscriptions
// feeding the relay, and a connection pool for publishing commands and dead letters.
package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/ibs-source/telemetry-relay/internal/config"
	"github.com/ibs-source/telemetry-relay/internal/log"
	"github.com/ibs-source/telemetry-relay/internal/message"
)

// TransportName identifies deliveries coming from MQTT
const TransportName = "mqtt"

// admission retry schedule while the relay queue is full
const (
	admitInitialInterval = 10 * time.Millisecond
	admitMaxInterval     = 500 * time.Millisecond
)

// Client wraps one broker connection
type Client struct {
	client            mqtt.Client
	qos               byte
	writeTimeout      time.Duration
	subscribeTimeout  time.Duration
	disconnectTimeout uint
	admitTimeout      time.Duration
	log               *log.Logger
}

// ClientOption adjusts the paho options of one connection
type ClientOption func(*mqtt.ClientOptions)

// WithSubscriberSession makes the connection suitable for consuming: handlers run in
// arrival order, acks are sent by the relay after persistence and the session survives
// reconnects so unacknowledged messages are redelivered.
func WithSubscriberSession() ClientOption {
	return func(opts *mqtt.ClientOptions) {
		opts.SetOrderMatters(true)
		opts.SetAutoAckDisabled(true)
		opts.SetCleanSession(false)
	}
}

// NewClient connects to the broker
func NewClient(cfg *config.MQTTConfig, admitTimeout time.Duration, logger *log.Logger, options ...ClientOption) (*Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetWriteTimeout(cfg.WriteTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(cfg.MaxReconnectInterval)

	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetMessageChannelDepth(10000)
	opts.SetResumeSubs(true)
	opts.SetOrderMatters(false)
	opts.SetMaxResumePubInFlight(1000)

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		if err != nil {
			logger.Error("MQTT connection lost: %v", err)
		}
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		logger.Info("MQTT reconnecting...")
	})
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		logger.Info("MQTT client %s connected", cfg.ClientID)
	})

	if cfg.TLSEnabled {
		tlsConfig, err := newTLSConfig(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	for _, o := range options {
		o(opts)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		return nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT: %w", err)
	}

	return &Client{
		client:            client,
		qos:               cfg.QoS,
		writeTimeout:      cfg.WriteTimeout,
		subscribeTimeout:  cfg.SubscribeTimeout,
		disconnectTimeout: cfg.DisconnectTimeout,
		admitTimeout:      admitTimeout,
		log:               logger,
	}, nil
}

// newTLSConfig creates a TLS configuration from MQTT config
func newTLSConfig(cfg *config.MQTTConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: cfg.InsecureSkip, // #nosec G402 - configurable for testing environments
		MinVersion:         tls.VersionTLS12,
	}

	if cfg.CACert != "" {
		caCert, err := os.ReadFile(cfg.CACert)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA cert: %w", err)
		}

		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA cert")
		}
		tlsConfig.RootCAs = caCertPool
	}

	if cfg.ClientCert != "" && cfg.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCert, cfg.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load client cert/key: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

// Publish sends a payload to topic
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	token := c.client.Publish(topic, c.qos, false, payload)

	done := make(chan struct{})
	go func() {
		token.Wait()
		close(done)
	}()

	timer := time.NewTimer(c.writeTimeout)
	defer timer.Stop()

	select {
	case <-done:
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt publish to %s failed: %w", topic, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("mqtt publish to %s timeout", topic)
	}
}

// SubscribeDeliveries hands every message on topic to handle. The message is
// acknowledged to the broker only through Delivery.Ack.
func (c *Client) SubscribeDeliveries(topic string, handle message.Handler) error {
	return c.subscribe(topic, func(_ mqtt.Client, msg mqtt.Message) {
		c.deliver(msg, handle)
	})
}

// SubscribeAcks registers a callback for device command acknowledgments
func (c *Client) SubscribeAcks(topic string, handler func(message.CommandAck)) error {
	return c.subscribe(topic, func(_ mqtt.Client, msg mqtt.Message) {
		defer msg.Ack()
		ack, err := parseAck(msg.Topic(), msg.Payload())
		if err != nil {
			c.log.Warn("Ignoring malformed command ack on %s: %v", msg.Topic(), err)
			return
		}
		handler(ack)
	})
}

func (c *Client) subscribe(topic string, callback mqtt.MessageHandler) error {
	token := c.client.Subscribe(topic, c.qos, callback)
	if !token.WaitTimeout(c.subscribeTimeout) {
		return fmt.Errorf("mqtt subscription to %s timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	c.log.Info("Subscribed to %s", topic)
	return nil
}

// deliver admits msg, retrying while the relay queue is full. Blocking here stalls
// this connection, which is the flow control applied to the broker.
func (c *Client) deliver(msg mqtt.Message, handle message.Handler) {
	d := message.Delivery{
		Transport: TransportName,
		Topic:     msg.Topic(),
		Body:      message.RawBytes(msg.Payload()),
		Ack:       msg.Ack,
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = admitInitialInterval
	b.MaxInterval = admitMaxInterval
	b.MaxElapsedTime = c.admitTimeout

	err := backoff.Retry(func() error {
		err := handle(d)
		if err == nil || errors.Is(err, message.ErrQueueFull) {
			return err
		}
		return backoff.Permanent(err)
	}, b)

	switch {
	case err == nil:
	case errors.Is(err, message.ErrQueueFull):
		c.log.Warn("Relay queue still full after %s, leaving message %d on %s unacknowledged",
			c.admitTimeout, msg.MessageID(), msg.Topic())
	default:
		c.log.Error("Message %d on %s rejected: %v", msg.MessageID(), msg.Topic(), err)
	}
}

// Close disconnects from the MQTT broker
func (c *Client) Close() error {
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(c.disconnectTimeout)
	}
	return nil
}
