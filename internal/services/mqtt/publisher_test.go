package mqtt

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeToken struct {
	completed bool
	err       error
}

func (t *fakeToken) Wait() bool                     { return t.completed }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return t.completed }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	if t.completed {
		close(ch)
	}
	return ch
}
func (t *fakeToken) Error() error { return t.err }

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

// fakeClient implements paho.Client for the calls the publisher makes
type fakeClient struct {
	connected    bool
	connectToken *fakeToken
	publishToken *fakeToken
	messages     []published
	disconnected bool
}

func (c *fakeClient) IsConnected() bool      { return c.connected }
func (c *fakeClient) IsConnectionOpen() bool { return c.connected }
func (c *fakeClient) Connect() paho.Token {
	if c.connectToken.completed && c.connectToken.err == nil {
		c.connected = true
	}
	return c.connectToken
}
func (c *fakeClient) Disconnect(uint) {
	c.disconnected = true
	c.connected = false
}
func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	c.messages = append(c.messages, published{topic: topic, qos: qos, retained: retained, payload: payload.([]byte)})
	return c.publishToken
}
func (c *fakeClient) Subscribe(string, byte, paho.MessageHandler) paho.Token {
	return &fakeToken{completed: true}
}
func (c *fakeClient) SubscribeMultiple(map[string]byte, paho.MessageHandler) paho.Token {
	return &fakeToken{completed: true}
}
func (c *fakeClient) Unsubscribe(...string) paho.Token        { return &fakeToken{completed: true} }
func (c *fakeClient) AddRoute(string, paho.MessageHandler)    {}
func (c *fakeClient) OptionsReader() paho.ClientOptionsReader { return paho.ClientOptionsReader{} }

func connectedClient() *fakeClient {
	return &fakeClient{
		connectToken: &fakeToken{completed: true},
		publishToken: &fakeToken{completed: true},
	}
}

func TestPublish(t *testing.T) {
	client := connectedClient()
	p := newPublisher(Config{Broker: "tcp://broker:1883", QoS: 1, Retain: true}, client, zerolog.Nop())
	require.NoError(t, p.connect())

	err := p.Publish("smartpark/slots", map[string]interface{}{"slot_id": 5, "status": "OCCUPIED"})
	require.NoError(t, err)
	require.Len(t, client.messages, 1)

	msg := client.messages[0]
	assert.Equal(t, "smartpark/slots", msg.topic)
	assert.Equal(t, byte(1), msg.qos)
	assert.True(t, msg.retained)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(msg.payload, &decoded))
	assert.Equal(t, "OCCUPIED", decoded["status"])

	stats := p.Statistics()
	assert.Equal(t, 1, stats["published"])
	assert.Equal(t, 0, stats["failed"])
	assert.Equal(t, true, stats["connected"])
}

func TestPublishWhenDisconnected(t *testing.T) {
	p := newPublisher(Config{}, connectedClient(), zerolog.Nop())

	err := p.Publish("smartpark/slots", map[string]int{"slot_id": 1})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, 1, p.Statistics()["failed"])
}

func TestPublishFailures(t *testing.T) {
	tests := []struct {
		name    string
		token   *fakeToken
		wantErr string
	}{
		{"timeout", &fakeToken{completed: false}, "publish timeout"},
		{"broker_error", &fakeToken{completed: true, err: errors.New("not authorized")}, "not authorized"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := connectedClient()
			client.publishToken = tt.token
			p := newPublisher(Config{}, client, zerolog.Nop())
			require.NoError(t, p.connect())

			err := p.Publish("smartpark/slots", map[string]int{"slot_id": 1})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Equal(t, 1, p.Statistics()["failed"])
		})
	}

	client := connectedClient()
	p := newPublisher(Config{}, client, zerolog.Nop())
	require.NoError(t, p.connect())
	assert.Error(t, p.Publish("smartpark/slots", make(chan int)))
	assert.Empty(t, client.messages)
}

func TestConnectFailures(t *testing.T) {
	client := connectedClient()
	client.connectToken = &fakeToken{completed: false}
	p := newPublisher(Config{ConnectTimeout: time.Millisecond}, client, zerolog.Nop())
	assert.ErrorContains(t, p.connect(), "connection timeout")

	client = connectedClient()
	client.connectToken = &fakeToken{completed: true, err: errors.New("bad credentials")}
	p = newPublisher(Config{}, client, zerolog.Nop())
	assert.ErrorContains(t, p.connect(), "bad credentials")
}

func TestClose(t *testing.T) {
	client := connectedClient()
	p := newPublisher(Config{}, client, zerolog.Nop())
	require.NoError(t, p.connect())

	p.Close()
	assert.True(t, client.disconnected)
	assert.False(t, p.IsConnected())
}
