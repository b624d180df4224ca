package broker

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"printer-timelapse-backend/config"
	"printer-timelapse-backend/internal/monitor"
)

type mockHandler struct {
	codes []byte
	subs  []monitor.Subscriber
}

func (h *mockHandler) OnConnect(sub monitor.Subscriber, code byte) {
	h.codes = append(h.codes, code)
	h.subs = append(h.subs, sub)
}

type mockSink struct {
	payloads [][]byte
}

func (s *mockSink) Submit(payload []byte) bool {
	s.payloads = append(s.payloads, payload)
	return true
}

// doneToken is an already-completed token.
type doneToken struct {
	err error
}

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

// pendingToken never completes.
type pendingToken struct{ doneToken }

func (pendingToken) WaitTimeout(time.Duration) bool { return false }

type fakeMessage struct {
	mqtt.Message
	payload []byte
}

func (m fakeMessage) Payload() []byte { return m.payload }

// fakeClient overrides Subscribe; every other mqtt.Client method is unused.
type fakeClient struct {
	mqtt.Client
	token    mqtt.Token
	topic    string
	qos      byte
	callback mqtt.MessageHandler
}

func (c *fakeClient) Subscribe(topic string, qos byte, cb mqtt.MessageHandler) mqtt.Token {
	c.topic, c.qos, c.callback = topic, qos, cb
	return c.token
}

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Host: "192.168.1.50", Port: 8883, Username: "bblp", Password: "12345678",
		ClientID: "timelapsed", KeepAliveSeconds: 60, ConnectTimeout: 2 * time.Second,
	}
}

func TestBrokerURL(t *testing.T) {
	cfg := testConfig()
	assert.Equal(t, "ssl://192.168.1.50:8883", BrokerURL(cfg))
	plain := false
	cfg.TLS = &plain
	cfg.Port = 1883
	assert.Equal(t, "tcp://192.168.1.50:1883", BrokerURL(cfg))
	cfg.Host = "fe80::1"
	assert.Equal(t, "tcp://[fe80::1]:1883", BrokerURL(cfg))
}

func TestTLSConfig(t *testing.T) {
	cfg := testConfig()
	tc := TLSConfig(cfg)
	assert.False(t, tc.InsecureSkipVerify)
	assert.Equal(t, "192.168.1.50", tc.ServerName)
	assert.Equal(t, uint16(tls.VersionTLS12), tc.MinVersion)

	cfg.InsecureSkipVerify = true
	assert.True(t, TLSConfig(cfg).InsecureSkipVerify)
}

func TestNewOptions(t *testing.T) {
	opts := NewOptions(testConfig(), &mockHandler{}, &mockSink{}, zap.NewNop())

	require.Len(t, opts.Servers, 1)
	assert.Equal(t, "ssl://192.168.1.50:8883", opts.Servers[0].String())
	assert.Equal(t, "timelapsed", opts.ClientID)
	assert.Equal(t, "bblp", opts.Username)
	assert.Equal(t, "12345678", opts.Password)
	assert.Equal(t, int64(60), opts.KeepAlive)
	assert.Equal(t, 2*time.Second, opts.ConnectTimeout)
	assert.True(t, opts.AutoReconnect)
	require.NotNil(t, opts.TLSConfig)
	assert.False(t, opts.TLSConfig.InsecureSkipVerify)
	assert.NotNil(t, opts.OnConnect)
}

func TestNewOptions_OnConnectSubscribesThroughHandler(t *testing.T) {
	h := &mockHandler{}
	sink := &mockSink{}
	opts := NewOptions(testConfig(), h, sink, zap.NewNop())
	fc := &fakeClient{token: doneToken{}}

	opts.OnConnect(fc)

	require.Equal(t, []byte{0}, h.codes)
	require.NoError(t, h.subs[0].Subscribe("device/X/report", 1))
	assert.Equal(t, "device/X/report", fc.topic)
	assert.Equal(t, byte(1), fc.qos)

	payload := []byte(`{"print":{"gcode_state":"FINISH"}}`)
	fc.callback(fc, fakeMessage{payload: payload})
	require.Len(t, sink.payloads, 1)
	assert.Equal(t, payload, sink.payloads[0])
}

func TestSubscriber_Errors(t *testing.T) {
	s := &subscriber{client: &fakeClient{token: doneToken{err: errors.New("not authorized")}}, sink: &mockSink{}, timeout: time.Millisecond}
	assert.EqualError(t, s.Subscribe("t", 0), "not authorized")

	s = &subscriber{client: &fakeClient{token: pendingToken{}}, sink: &mockSink{}, timeout: time.Millisecond}
	assert.ErrorContains(t, s.Subscribe("t", 0), "timed out")
}

func TestClient_ConnectFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	require.NoError(t, ln.Close())

	cfg := testConfig()
	cfg.Host = addr.IP.String()
	cfg.Port = addr.Port
	plain := false
	cfg.TLS = &plain
	h := &mockHandler{}
	c := New(cfg, h, &mockSink{}, zap.NewNop())

	err = c.Connect(context.Background())
	assert.ErrorContains(t, err, "failed to connect to tcp://127.0.0.1:")
	assert.Empty(t, h.codes, "no CONNACK means no refusal code to report")
}
