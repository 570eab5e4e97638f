// Package telemetry carries unit and hospital pings over MQTT. Units publish
// to dispatch/pings/<entity_id>; the server subscribes with a wildcard.
package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"

	"github.com/ukydev/ambulance-dispatch/internal/models"
)

// TopicPrefix is the parent of every per-entity ping topic.
const TopicPrefix = "dispatch/pings/"

// DefaultTopic subscribes to every entity.
const DefaultTopic = TopicPrefix + "+"

// PingTopic returns the topic an entity publishes on.
func PingTopic(entityID string) string {
	return TopicPrefix + entityID
}

// ErrTopicMismatch is returned when a payload names a different entity than its topic.
var ErrTopicMismatch = errors.New("entity id does not match topic")

// PingSink applies decoded pings.
type PingSink interface {
	Ping(p models.Ping) error
}

// Ingestor decodes MQTT messages into pings.
type Ingestor struct {
	Sink   PingSink
	Logger *log.Entry
}

// NewIngestor returns an Ingestor feeding sink.
func NewIngestor(sink PingSink) *Ingestor {
	return &Ingestor{Sink: sink, Logger: log.WithField("component", "telemetry")}
}

// Decode parses a payload received on topic. The entity id may be omitted
// from the payload, in which case the topic supplies it.
func Decode(topic string, payload []byte) (models.Ping, error) {
	var p models.Ping
	if err := json.Unmarshal(payload, &p); err != nil {
		return models.Ping{}, fmt.Errorf("decode ping: %w", err)
	}
	fromTopic := strings.TrimPrefix(topic, TopicPrefix)
	if fromTopic == topic {
		fromTopic = ""
	}
	switch {
	case p.EntityID == "":
		p.EntityID = fromTopic
	case fromTopic != "" && p.EntityID != fromTopic:
		return models.Ping{}, fmt.Errorf("%s on %s: %w", p.EntityID, topic, ErrTopicMismatch)
	}
	if p.EntityID == "" {
		return models.Ping{}, fmt.Errorf("decode ping: entity_id is required")
	}
	if p.Kind == "" {
		p.Kind = models.KindAmbulance
	}
	return p, nil
}

// Handle decodes one message and applies it.
func (i *Ingestor) Handle(topic string, payload []byte) error {
	p, err := Decode(topic, payload)
	if err != nil {
		return err
	}
	return i.Sink.Ping(p)
}

// MessageHandler adapts Handle to the paho callback. Failures are logged;
// the broker connection stays up.
func (i *Ingestor) MessageHandler() mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		if err := i.Handle(msg.Topic(), msg.Payload()); err != nil {
			i.Logger.WithError(err).WithField("topic", msg.Topic()).Warn("Rejected ping")
		}
	}
}

// ClientOptions describes an MQTT connection.
type ClientOptions struct {
	Broker   string
	ClientID string
	Username string
	Password string
}

func (o ClientOptions) paho() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(o.Broker).
		SetClientID(o.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(false)
	if o.Username != "" {
		opts.SetUsername(o.Username).SetPassword(o.Password)
	}
	return opts
}

// Subscribe connects to the broker and routes topic to the ingestor. The
// subscription is renewed on every reconnect.
func (i *Ingestor) Subscribe(o ClientOptions, topic string) (mqtt.Client, error) {
	if topic == "" {
		topic = DefaultTopic
	}
	logger := i.Logger.WithFields(log.Fields{"broker": o.Broker, "topic": topic})
	opts := o.paho()
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		token := c.Subscribe(topic, 1, i.MessageHandler())
		if token.WaitTimeout(10*time.Second) && token.Error() != nil {
			logger.WithError(token.Error()).Error("MQTT subscribe failed")
			return
		}
		logger.Info("Subscribed to pings")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.WithError(err).Warn("MQTT connection lost")
	})
	client := mqtt.NewClient(opts)
	if err := wait(client.Connect(), 30*time.Second); err != nil {
		return nil, fmt.Errorf("connect mqtt %s: %w", o.Broker, err)
	}
	return client, nil
}

// Publisher sends pings from a unit or a simulator.
type Publisher struct {
	Client mqtt.Client
}

// Connect opens a publishing connection.
func Connect(o ClientOptions) (*Publisher, error) {
	client := mqtt.NewClient(o.paho())
	if err := wait(client.Connect(), 30*time.Second); err != nil {
		return nil, fmt.Errorf("connect mqtt %s: %w", o.Broker, err)
	}
	return &Publisher{Client: client}, nil
}

// Publish sends p on its entity topic.
func (p *Publisher) Publish(ping models.Ping) error {
	payload, err := json.Marshal(ping)
	if err != nil {
		return fmt.Errorf("encode ping: %w", err)
	}
	return wait(p.Client.Publish(PingTopic(ping.EntityID), 1, false, payload), 10*time.Second)
}

// Close disconnects after in-flight messages drain.
func (p *Publisher) Close() {
	p.Client.Disconnect(250)
}

func wait(t mqtt.Token, timeout time.Duration) error {
	if !t.WaitTimeout(timeout) {
		return fmt.Errorf("mqtt: timed out after %s", timeout)
	}
	return t.Error()
}
