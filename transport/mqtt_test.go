package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/trainlink/packet"
)

// fakeMessage satisfies the broker client's message interface for
// dispatch tests without a live broker.
type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

const telemetryRecord = `{"train_id":"loco-7","timestamp":1700000000000,"speed":12,"status":"RUNNING"}`

func TestMQTTTelemetryRegistersAndDispatches(t *testing.T) {
	registrar := newFakeRegistrar()
	l := NewMQTTListener("tcp://localhost:1883", "relay-test", registrar)

	received := make(chan *packet.Packet, 1)
	l.RegisterHandler(packet.PacketTelemetry, func(from Endpoint, pkt *packet.Packet) error {
		assert.Equal(t, "loco-7", from.ID())
		assert.Equal(t, RoleTrain, from.Role())
		assert.Equal(t, KindMQTT, from.Kind())
		received <- pkt
		return nil
	})

	l.onMessage(nil, &fakeMessage{topic: "train/loco-7/telemetry", payload: []byte(telemetryRecord)})

	select {
	case pkt := <-received:
		assert.Equal(t, packet.PacketTelemetry, pkt.PacketType)
		assert.JSONEq(t, telemetryRecord, string(pkt.Data))
	default:
		t.Fatal("telemetry was not dispatched")
	}

	assert.Equal(t, []Kind{KindMQTT}, registrar.trainKinds("loco-7"))

	// A second record does not re-register the train
	l.onMessage(nil, &fakeMessage{topic: "train/loco-7/telemetry", payload: []byte(telemetryRecord)})
	assert.Len(t, registrar.trainKinds("loco-7"), 1)
}

func TestMQTTMalformedTelemetryDropped(t *testing.T) {
	registrar := newFakeRegistrar()
	l := NewMQTTListener("tcp://localhost:1883", "relay-test", registrar)

	received := make(chan *packet.Packet, 1)
	l.RegisterHandler(packet.PacketTelemetry, func(_ Endpoint, pkt *packet.Packet) error {
		received <- pkt
		return nil
	})

	l.onMessage(nil, &fakeMessage{topic: "train/loco-7/telemetry", payload: []byte(`{not json`)})

	select {
	case <-received:
		t.Fatal("malformed telemetry must not be dispatched")
	default:
	}
}

func TestMQTTStatusOfflineRemovesTrain(t *testing.T) {
	registrar := newFakeRegistrar()
	l := NewMQTTListener("tcp://localhost:1883", "relay-test", registrar)

	l.onMessage(nil, &fakeMessage{topic: "train/loco-7/status", payload: []byte(`{"status":"online"}`)})
	require.Equal(t, []Kind{KindMQTT}, registrar.trainKinds("loco-7"))

	l.onMessage(nil, &fakeMessage{topic: "train/loco-7/status", payload: []byte(`{"status":"offline"}`)})
	assert.Contains(t, registrar.removedIDs(), "train:loco-7")

	// The next heartbeat re-registers it
	l.onMessage(nil, &fakeMessage{topic: "train/loco-7/heartbeat", payload: []byte(`{"timestamp":1}`)})
	assert.Len(t, registrar.trainKinds("loco-7"), 2, "one add per first sight")
}

func TestMQTTIgnoresForeignTopics(t *testing.T) {
	registrar := newFakeRegistrar()
	l := NewMQTTListener("tcp://localhost:1883", "relay-test", registrar)

	for _, topic := range []string{"train/loco-7", "fleet/loco-7/telemetry", "train//telemetry", "commands/loco-7/control"} {
		l.onMessage(nil, &fakeMessage{topic: topic, payload: []byte(`{}`)})
	}

	assert.Empty(t, registrar.trainKinds("loco-7"))
}

func TestMQTTEndpointRefusesMedia(t *testing.T) {
	registrar := newFakeRegistrar()
	l := NewMQTTListener("tcp://localhost:1883", "relay-test", registrar)
	endpoint := l.ensureEndpoint("loco-7")

	err := endpoint.Send(&packet.Packet{PacketType: packet.PacketVideo, Data: []byte{1}})
	assert.Error(t, err)

	err = endpoint.SendDatagram([]byte{byte(packet.PacketVideo), 1})
	assert.Error(t, err)
}

func TestMQTTEndpointSendRequiresConnection(t *testing.T) {
	registrar := newFakeRegistrar()
	l := NewMQTTListener("tcp://localhost:1883", "relay-test", registrar)
	endpoint := l.ensureEndpoint("loco-7")

	// No broker connection in unit tests
	err := endpoint.Send(&packet.Packet{PacketType: packet.PacketCommand, Data: []byte(`{}`)})
	assert.Error(t, err)
}

func TestMQTTEndpointCloseRemoves(t *testing.T) {
	registrar := newFakeRegistrar()
	l := NewMQTTListener("tcp://localhost:1883", "relay-test", registrar)
	endpoint := l.ensureEndpoint("loco-7")

	require.NoError(t, endpoint.Close("test"))
	assert.Contains(t, registrar.removedIDs(), "train:loco-7")
}
