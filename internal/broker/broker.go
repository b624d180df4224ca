package broker

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"printer-timelapse-backend/config"
	"printer-timelapse-backend/internal/monitor"
)

// ConnectHandler is told about every connection attempt outcome.
type ConnectHandler interface {
	OnConnect(sub monitor.Subscriber, code byte)
}

// Sink receives message payloads from the subscription. It must not block.
type Sink interface {
	Submit(payload []byte) bool
}

// Client connects to the printer's MQTT broker and feeds report payloads into
// a Sink.
type Client struct {
	url     string
	timeout time.Duration
	handler ConnectHandler
	client  mqtt.Client
	log     *zap.Logger
}

// BrokerURL returns the paho server URL for cfg.
func BrokerURL(cfg config.MQTTConfig) string {
	scheme := "tcp"
	if cfg.UseTLS() {
		scheme = "ssl"
	}
	return scheme + "://" + net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
}

// TLSConfig returns the client TLS settings. Verification is only skipped
// when mqtt.insecure_skip_verify is set.
func TLSConfig(cfg config.MQTTConfig) *tls.Config {
	return &tls.Config{
		ServerName:         cfg.Host,
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // LAN printer with a self-signed certificate, opt-in only
		MinVersion:         tls.VersionTLS12,
	}
}

// NewOptions builds the paho options. Subscriptions are (re)established in
// the on-connect callback, so a reconnect resubscribes.
func NewOptions(cfg config.MQTTConfig, h ConnectHandler, sink Sink, log *zap.Logger) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(BrokerURL(cfg)).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetKeepAlive(time.Duration(cfg.KeepAliveSeconds) * time.Second).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetOrderMatters(true)
	if cfg.UseTLS() {
		opts.SetTLSConfig(TLSConfig(cfg))
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		log.Info("connected to broker", zap.String("broker", BrokerURL(cfg)))
		h.OnConnect(&subscriber{client: c, sink: sink, timeout: timeout}, 0)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn("broker connection lost", zap.Error(err))
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		log.Info("reconnecting to broker")
	})
	return opts
}

// New creates a client; call Connect to start it.
func New(cfg config.MQTTConfig, h ConnectHandler, sink Sink, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		url:     BrokerURL(cfg),
		timeout: cfg.ConnectTimeout,
		handler: h,
		client:  mqtt.NewClient(NewOptions(cfg, h, sink, log)),
		log:     log,
	}
}

// Connect performs the initial connection. A refused CONNACK is reported to
// the handler with its return code before the error is returned.
func (c *Client) Connect(ctx context.Context) error {
	tok := c.client.Connect()
	select {
	case <-tok.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := tok.Error(); err != nil {
		if ct, ok := tok.(*mqtt.ConnectToken); ok {
			if code := ct.ReturnCode(); code > 0 && code <= 5 {
				c.handler.OnConnect(nil, code)
			}
		}
		return fmt.Errorf("failed to connect to %s: %w", c.url, err)
	}
	return nil
}

// Close disconnects, allowing in-flight work a short grace period.
func (c *Client) Close() {
	c.client.Disconnect(250)
	c.log.Info("disconnected from broker")
}

type subscriber struct {
	client  mqtt.Client
	sink    Sink
	timeout time.Duration
}

func (s *subscriber) Subscribe(topic string, qos byte) error {
	tok := s.client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		s.sink.Submit(append([]byte(nil), msg.Payload()...))
	})
	if !tok.WaitTimeout(s.timeout) {
		return fmt.Errorf("subscribe to %s timed out after %s", topic, s.timeout)
	}
	return tok.Error()
}
