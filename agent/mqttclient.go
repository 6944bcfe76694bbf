package agent

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/trainlink/packet"
)

const mqttConnectTimeout = 10 * time.Second

// MQTTPublisher is the vehicle's side of the relay's broker bridge.
// Telemetry, status, and heartbeat publish to the train topics the relay
// subscribes to; commands come back on the vehicle's command topic. The
// broker is a reporting path, not a media path, so video never touches it.
type MQTTPublisher struct {
	brokerURL string
	trainID   string
	onCommand func([]byte)
	client    mqtt.Client
}

// NewMQTTPublisher connects to the broker at brokerURL, announces the
// vehicle online, and subscribes for commands. The broker's last-will
// flips the retained status to offline if the vehicle dies without
// saying goodbye. Commands are delivered to onCommand as full wire
// packets.
func NewMQTTPublisher(brokerURL, trainID string, onCommand func([]byte)) (*MQTTPublisher, error) {
	p := &MQTTPublisher{
		brokerURL: brokerURL,
		trainID:   trainID,
		onCommand: onCommand,
	}

	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(trainID).
		SetAutoReconnect(true).
		SetConnectTimeout(mqttConnectTimeout).
		SetWill(p.topic("status"), `{"status":"offline"}`, 1, true).
		SetOnConnectHandler(p.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logrus.WithFields(logrus.Fields{
				"function": "ConnectionLostHandler",
				"broker":   brokerURL,
				"error":    err,
			}).Warn("MQTT connection lost")
		})

	p.client = mqtt.NewClient(opts)

	token := p.client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("mqtt connect to %s timed out", brokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", brokerURL, err)
	}
	return p, nil
}

func (p *MQTTPublisher) topic(kind string) string {
	return fmt.Sprintf("train/%s/%s", p.trainID, kind)
}

// frameCommand restores the wire type tag on a command payload. The relay
// publishes broker commands bare, but the shared dispatch path expects
// full packets.
func frameCommand(payload []byte) []byte {
	wire := make([]byte, 1+len(payload))
	wire[0] = byte(packet.PacketCommand)
	copy(wire[1:], payload)
	return wire
}

// onConnect runs after every successful connect and reconnect: announce
// presence, then resubscribe for commands.
func (p *MQTTPublisher) onConnect(client mqtt.Client) {
	logrus.WithFields(logrus.Fields{
		"function": "onConnect",
		"broker":   p.brokerURL,
		"train_id": p.trainID,
	}).Info("Connected to MQTT broker")

	token := client.Publish(p.topic("status"), 1, true, `{"status":"online"}`)
	if !token.WaitTimeout(mqttConnectTimeout) || token.Error() != nil {
		logrus.WithFields(logrus.Fields{
			"function": "onConnect",
			"error":    token.Error(),
		}).Error("Failed to publish online status")
	}

	commandTopic := fmt.Sprintf("commands/%s/control", p.trainID)
	token = client.Subscribe(commandTopic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		if p.onCommand != nil {
			p.onCommand(frameCommand(msg.Payload()))
		}
	})
	if !token.WaitTimeout(mqttConnectTimeout) || token.Error() != nil {
		logrus.WithFields(logrus.Fields{
			"function": "onConnect",
			"topic":    commandTopic,
			"error":    token.Error(),
		}).Error("MQTT command subscription failed")
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "onConnect",
		"topic":    commandTopic,
	}).Info("Subscribed to command topic")
}

// Connected reports whether the broker link is up.
func (p *MQTTPublisher) Connected() bool {
	return p.client != nil && p.client.IsConnected()
}

// PublishTelemetry ships one telemetry record to the relay as bare JSON.
func (p *MQTTPublisher) PublishTelemetry(record any) error {
	if !p.Connected() {
		return fmt.Errorf("mqtt broker not connected")
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal telemetry: %w", err)
	}

	token := p.client.Publish(p.topic("telemetry"), 1, false, payload)
	if !token.WaitTimeout(mqttConnectTimeout) {
		return fmt.Errorf("telemetry publish timed out")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("telemetry publish failed: %w", err)
	}
	return nil
}

// Heartbeat publishes a best-effort liveness beacon at QoS 0.
func (p *MQTTPublisher) Heartbeat() {
	if !p.Connected() {
		return
	}
	p.client.Publish(p.topic("heartbeat"), 0, false,
		strconv.FormatInt(time.Now().UnixMilli(), 10))
}

// Close announces the vehicle offline and disconnects from the broker.
func (p *MQTTPublisher) Close() error {
	if p.client == nil {
		return nil
	}
	if p.client.IsConnected() {
		token := p.client.Publish(p.topic("status"), 1, true, `{"status":"offline"}`)
		token.WaitTimeout(time.Second)
	}
	p.client.Disconnect(250)
	return nil
}
