package wallet

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTT publishes wallet messages to a broker under a per-agent topic
// (courier/wallet/<agent address>).
type MQTT struct {
	broker   string
	clientID string
	username string
	password string
	qos      byte
}

// NewMQTT creates an MQTT messenger.
func NewMQTT(broker, clientID, username, password string, qos int) *MQTT {
	q := byte(qos)
	if q > 2 {
		q = 0
	}
	if clientID == "" {
		clientID = "agent-courier"
	}
	return &MQTT{
		broker:   broker,
		clientID: clientID,
		username: username,
		password: password,
		qos:      q,
	}
}

// Name returns the channel name for logging.
func (m *MQTT) Name() string { return "mqtt" }

// Send connects, publishes the message JSON to the agent's topic, and
// disconnects.
func (m *MQTT) Send(ctx context.Context, msg Message) error {
	opts := mqtt.NewClientOptions().
		SetClientID(m.clientID).
		AddBroker(m.broker).
		SetConnectTimeout(10 * time.Second).
		SetWriteTimeout(10 * time.Second)
	if m.username != "" {
		opts.SetUsername(m.username)
		opts.SetPassword(m.password)
	}

	client := mqtt.NewClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("mqtt connect timeout")
	}
	if tok.Error() != nil {
		return fmt.Errorf("mqtt connect: %w", tok.Error())
	}
	defer client.Disconnect(250)

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal wallet message: %w", err)
	}

	topic := "courier/wallet/" + msg.Agent
	pub := client.Publish(topic, m.qos, false, body)
	if !pub.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("mqtt publish timeout")
	}
	if pub.Error() != nil {
		return fmt.Errorf("mqtt publish: %w", pub.Error())
	}
	return nil
}
