// Package mqttpub mirrors decoded messages to an MQTT broker.
package mqttpub

import (
	"context"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	jsoniter "github.com/json-iterator/go"

	"github.com/kstaniek/go-sonic-server/internal/logging"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var ErrPublishTimeout = errors.New("mqtt publish timeout")

// Payload is the JSON document published for each decoded message.
type Payload struct {
	Text       string    `json:"text"`
	Digest     int64     `json:"digest"`
	Direction  string    `json:"direction"`
	ReceivedAt time.Time `json:"received_at"`
}

// Encode renders p as JSON.
func (p Payload) Encode() ([]byte, error) { return json.Marshal(p) }

// Options configures a Publisher.
type Options struct {
	Broker   string // tcp://host:1883
	Topic    string
	ClientID string
	QoS      byte
	Timeout  time.Duration
}

// Publisher owns a paho client.
type Publisher struct {
	client  mqtt.Client
	topic   string
	qos     byte
	timeout time.Duration
}

// Connect dials the broker. Auto-reconnect is enabled.
func Connect(o Options) (*Publisher, error) {
	if o.ClientID == "" {
		o.ClientID = fmt.Sprintf("sonic-server-%d", time.Now().Unix())
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(o.Broker)
	opts.SetClientID(o.ClientID)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetConnectTimeout(o.Timeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logging.L().Info("mqtt_connected", "broker", o.Broker, "topic", o.Topic)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logging.L().Warn("mqtt_connection_lost", "error", err)
	})
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(o.Timeout) {
		return nil, fmt.Errorf("mqtt connect %s: timeout", o.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", o.Broker, err)
	}
	return newPublisher(client, o), nil
}

func newPublisher(client mqtt.Client, o Options) *Publisher {
	return &Publisher{client: client, topic: o.Topic, qos: o.QoS, timeout: o.Timeout}
}

// Publish sends p to the configured topic and waits for the broker ack.
func (p *Publisher) Publish(ctx context.Context, pl Payload) error {
	b, err := pl.Encode()
	if err != nil {
		return err
	}
	token := p.client.Publish(p.topic, p.qos, false, b)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.timeout):
		return ErrPublishTimeout
	}
}

// Close disconnects, allowing 250ms for in-flight work.
func (p *Publisher) Close() { p.client.Disconnect(250) }
