package integration

import (
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"
)

// DefaultTopicPattern is used when MQTTConfig leaves the pattern empty
const DefaultTopicPattern = "uwb/session/{session_id}/{kind}"

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
)

// MQTTConfig configures the MQTT publisher
type MQTTConfig struct {
	BrokerURL    string
	ClientID     string
	Username     string
	Password     string
	TopicPattern string
	QoS          byte
	TLS          bool
}

// mqttClient is the part of mqtt.Client the publisher needs
type mqttClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTPublisher publishes to a topic derived from TopicPattern
type MQTTPublisher struct {
	client  mqttClient
	pattern string
	qos     byte
}

// NewMQTTPublisher connects to the broker
func NewMQTTPublisher(config MQTTConfig) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.BrokerURL)
	clientID := config.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("uwb-ranging-%d", time.Now().UnixNano())
	}
	opts.SetClientID(clientID)

	if config.Username != "" {
		opts.SetUsername(config.Username)
		opts.SetPassword(config.Password)
	}

	if config.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetKeepAlive(30 * time.Second)

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().Str("broker", config.BrokerURL).Msg("MQTT client connected")
	})

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Error().Err(err).Str("broker", config.BrokerURL).Msg("MQTT connection lost")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		client.Disconnect(0)
		return nil, fmt.Errorf("connect %s: timeout", config.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect %s: %w", config.BrokerURL, err)
	}

	return newMQTTPublisher(client, config.TopicPattern, config.QoS), nil
}

func newMQTTPublisher(client mqttClient, pattern string, qos byte) *MQTTPublisher {
	if pattern == "" {
		pattern = DefaultTopicPattern
	}
	return &MQTTPublisher{client: client, pattern: pattern, qos: qos}
}

// Topic expands the publisher's pattern for msg
func (p *MQTTPublisher) Topic(msg Message) string {
	topic := strings.ReplaceAll(p.pattern, "{session_id}", msg.SessionID.String())
	topic = strings.ReplaceAll(topic, "{kind}", string(msg.Kind))
	topic = strings.ReplaceAll(topic, "{role}", string(msg.Role))
	return topic
}

// Publish implements Publisher
func (p *MQTTPublisher) Publish(msg Message) error {
	data, err := encode(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	topic := p.Topic(msg)
	token := p.client.Publish(topic, p.qos, false, data)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}

	log.Debug().
		Str("topic", topic).
		Int("size", len(data)).
		Msg("Published to MQTT")
	return nil
}

// Close implements Publisher
func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
}
