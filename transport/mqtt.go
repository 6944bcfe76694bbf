package transport

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/trainlink/packet"
)

// Topic layout. Telemetry, status, and heartbeat flow train to relay;
// commands flow relay to train.
const (
	topicTelemetryPattern = "train/+/telemetry"
	topicStatusPattern    = "train/+/status"
	topicHeartbeatPattern = "train/+/heartbeat"
)

const mqttConnectTimeout = 10 * time.Second

// trainStatus is the payload of the status topic. Trains publish it
// retained, with "offline" as their broker last-will.
type trainStatus struct {
	Status string `json:"status"`
}

const (
	statusOnline  = "online"
	statusOffline = "offline"
)

// MQTTListener bridges an external broker into the session registry.
// Trains seen on the bus are registered as reachable over MQTT so the
// router can fall back to publishing commands when no stream transport is
// up. Video never crosses this bridge.
type MQTTListener struct {
	brokerURL string
	clientID  string
	registrar Registrar

	mu        sync.RWMutex
	handlers  map[packet.PacketType]PacketHandler
	endpoints map[string]*mqttEndpoint

	client mqtt.Client
}

// NewMQTTListener creates a bridge to the broker at brokerURL, for
// example "tcp://localhost:1883".
func NewMQTTListener(brokerURL, clientID string, registrar Registrar) *MQTTListener {
	return &MQTTListener{
		brokerURL: brokerURL,
		clientID:  clientID,
		registrar: registrar,
		handlers:  make(map[packet.PacketType]PacketHandler),
		endpoints: make(map[string]*mqttEndpoint),
	}
}

// RegisterHandler installs the handler for one packet type. Must be called
// before Start.
func (l *MQTTListener) RegisterHandler(packetType packet.PacketType, handler PacketHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[packetType] = handler
}

// Start connects to the broker and subscribes to the train topics.
// Subscriptions are re-established on every reconnect.
func (l *MQTTListener) Start() error {
	opts := mqtt.NewClientOptions().
		AddBroker(l.brokerURL).
		SetClientID(l.clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(mqttConnectTimeout).
		SetOnConnectHandler(l.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logrus.WithFields(logrus.Fields{
				"function": "ConnectionLostHandler",
				"broker":   l.brokerURL,
				"error":    err,
			}).Warn("MQTT connection lost")
		})

	l.client = mqtt.NewClient(opts)

	token := l.client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return fmt.Errorf("mqtt connect to %s timed out", l.brokerURL)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect to %s: %w", l.brokerURL, err)
	}
	return nil
}

// Close removes every bridged train and disconnects from the broker.
func (l *MQTTListener) Close() error {
	l.mu.Lock()
	trainIDs := make([]string, 0, len(l.endpoints))
	for trainID := range l.endpoints {
		trainIDs = append(trainIDs, trainID)
	}
	l.endpoints = make(map[string]*mqttEndpoint)
	l.mu.Unlock()

	for _, trainID := range trainIDs {
		l.registrar.RemoveTrain(trainID, KindMQTT)
	}

	if l.client != nil {
		l.client.Disconnect(250)
	}
	return nil
}

// onConnect subscribes the train topics after each successful connect.
func (l *MQTTListener) onConnect(client mqtt.Client) {
	logrus.WithFields(logrus.Fields{
		"function": "onConnect",
		"broker":   l.brokerURL,
	}).Info("Connected to MQTT broker")

	subscriptions := []struct {
		topic string
		qos   byte
	}{
		{topicTelemetryPattern, 1},
		{topicStatusPattern, 1},
		{topicHeartbeatPattern, 0},
	}

	for _, sub := range subscriptions {
		token := client.Subscribe(sub.topic, sub.qos, l.onMessage)
		if token.WaitTimeout(mqttConnectTimeout) && token.Error() == nil {
			logrus.WithFields(logrus.Fields{
				"function": "onConnect",
				"topic":    sub.topic,
				"qos":      sub.qos,
			}).Info("Subscribed to MQTT topic")
		} else {
			logrus.WithFields(logrus.Fields{
				"function": "onConnect",
				"topic":    sub.topic,
				"error":    token.Error(),
			}).Error("MQTT subscription failed")
		}
	}
}

// onMessage routes one broker message by its topic segments.
func (l *MQTTListener) onMessage(_ mqtt.Client, msg mqtt.Message) {
	parts := strings.Split(msg.Topic(), "/")
	if len(parts) < 3 || parts[0] != "train" || parts[1] == "" {
		logrus.WithFields(logrus.Fields{
			"function": "onMessage",
			"topic":    msg.Topic(),
		}).Warn("Ignoring message with unexpected topic shape")
		return
	}
	trainID, messageType := parts[1], parts[2]

	switch messageType {
	case "telemetry":
		l.handleTelemetry(trainID, msg.Payload())
	case "status":
		l.handleStatus(trainID, msg.Payload())
	case "heartbeat":
		l.touch(trainID)
	default:
		logrus.WithFields(logrus.Fields{
			"function":     "onMessage",
			"train_id":     trainID,
			"message_type": messageType,
		}).Warn("Unknown train topic message type")
	}
}

// handleTelemetry validates a telemetry record and dispatches it like any
// inbound telemetry packet, so it fans out to subscribed consoles on their
// own transports.
func (l *MQTTListener) handleTelemetry(trainID string, payload []byte) {
	endpoint := l.ensureEndpoint(trainID)
	endpoint.Touch()

	if _, err := packet.DecodeTelemetry(payload); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleTelemetry",
			"train_id": trainID,
			"error":    err,
		}).Warn("Dropping malformed telemetry record")
		return
	}

	handler, ok := l.handlerFor(packet.PacketTelemetry)
	if !ok {
		return
	}
	pkt := &packet.Packet{PacketType: packet.PacketTelemetry, Data: payload}
	if err := handler(endpoint, pkt); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleTelemetry",
			"train_id": trainID,
			"error":    err,
		}).Warn("Telemetry handler failed")
	}
}

// handleStatus toggles the train's bridge presence.
func (l *MQTTListener) handleStatus(trainID string, payload []byte) {
	var status trainStatus
	if err := json.Unmarshal(payload, &status); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleStatus",
			"train_id": trainID,
			"error":    err,
		}).Warn("Dropping malformed status record")
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "handleStatus",
		"train_id": trainID,
		"status":   status.Status,
	}).Info("Train status update")

	if status.Status == statusOffline {
		l.mu.Lock()
		delete(l.endpoints, trainID)
		l.mu.Unlock()
		l.registrar.RemoveTrain(trainID, KindMQTT)
		return
	}
	l.touch(trainID)
}

// touch refreshes the train's presence, registering it on first sight.
func (l *MQTTListener) touch(trainID string) {
	l.ensureEndpoint(trainID).Touch()
}

// ensureEndpoint returns the bridged endpoint for a train, creating and
// registering it on first sight.
func (l *MQTTListener) ensureEndpoint(trainID string) *mqttEndpoint {
	l.mu.RLock()
	endpoint, ok := l.endpoints[trainID]
	l.mu.RUnlock()
	if ok {
		return endpoint
	}

	l.mu.Lock()
	if endpoint, ok = l.endpoints[trainID]; ok {
		l.mu.Unlock()
		return endpoint
	}
	endpoint = &mqttEndpoint{listener: l, trainID: trainID}
	endpoint.Touch()
	l.endpoints[trainID] = endpoint
	l.mu.Unlock()

	if err := l.registrar.AddTrain(trainID, endpoint); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "ensureEndpoint",
			"train_id": trainID,
			"error":    err,
		}).Error("Failed to register bridged train")
	}
	return endpoint
}

func (l *MQTTListener) handlerFor(packetType packet.PacketType) (PacketHandler, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	handler, ok := l.handlers[packetType]
	return handler, ok
}

// mqttEndpoint is a train's presence on the bus. Sends publish to the
// train's command topic; there is no per-endpoint connection to close.
type mqttEndpoint struct {
	listener *MQTTListener
	trainID  string

	lastActivity atomic.Int64
}

// ID returns the train id extracted from the topic.
func (e *mqttEndpoint) ID() string { return e.trainID }

// Role is always RoleTrain; consoles do not ride the bus.
func (e *mqttEndpoint) Role() Role { return RoleTrain }

// Kind returns KindMQTT.
func (e *mqttEndpoint) Kind() Kind { return KindMQTT }

// Send publishes a packet's payload to the train's command topic at QoS 1.
// The packet type tag stays off the bus; the topic identifies the lane.
func (e *mqttEndpoint) Send(pkt *packet.Packet) error {
	if pkt.PacketType == packet.PacketVideo {
		return fmt.Errorf("video cannot cross the mqtt bridge")
	}

	client := e.listener.client
	if client == nil || !client.IsConnected() {
		return fmt.Errorf("mqtt bridge not connected")
	}

	topic := fmt.Sprintf("commands/%s/control", e.trainID)
	token := client.Publish(topic, 1, false, pkt.Data)
	if !token.WaitTimeout(mqttConnectTimeout) {
		return fmt.Errorf("mqtt publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish to %s: %w", topic, err)
	}
	return nil
}

// SendDatagram always fails; the bus carries no media.
func (e *mqttEndpoint) SendDatagram([]byte) error {
	return fmt.Errorf("mqtt bridge has no datagram lane")
}

// LastActivity returns the arrival time of the most recent bus message.
func (e *mqttEndpoint) LastActivity() time.Time {
	return time.Unix(0, e.lastActivity.Load())
}

// Touch records bus activity now.
func (e *mqttEndpoint) Touch() {
	e.lastActivity.Store(time.Now().UnixNano())
}

// Close removes the train from the bridge. The broker connection is shared
// and stays up.
func (e *mqttEndpoint) Close(reason string) error {
	e.listener.mu.Lock()
	delete(e.listener.endpoints, e.trainID)
	e.listener.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Close",
		"train_id": e.trainID,
		"reason":   reason,
	}).Debug("Removing bridged train")

	e.listener.registrar.RemoveTrain(e.trainID, KindMQTT)
	return nil
}
