package transport

import (
	"errors"
	"time"

	"github.com/opd-ai/trainlink/packet"
)

// Kind identifies one of the coexisting transports of the fabric.
type Kind int

const (
	// KindWebSocket is the ordered reliable stream transport.
	KindWebSocket Kind = iota
	// KindQUIC is the multiplexed transport with an unreliable datagram lane.
	KindQUIC
	// KindWebTransport is the QUIC variant negotiated over HTTP/3.
	KindWebTransport
	// KindMQTT is the pub/sub telemetry bus.
	KindMQTT
)

// String returns the string representation of Kind.
func (k Kind) String() string {
	switch k {
	case KindWebSocket:
		return "websocket"
	case KindQUIC:
		return "quic"
	case KindWebTransport:
		return "webtransport"
	case KindMQTT:
		return "mqtt"
	default:
		return "unknown"
	}
}

// Rank returns the outbound preference order for multi-homed endpoints.
// Higher rank wins: QUIC over WebTransport over WebSocket over MQTT.
func (k Kind) Rank() int {
	switch k {
	case KindQUIC:
		return 4
	case KindWebTransport:
		return 3
	case KindWebSocket:
		return 2
	case KindMQTT:
		return 1
	default:
		return 0
	}
}

// SupportsDatagrams reports whether the transport has an unreliable lane.
func (k Kind) SupportsDatagrams() bool {
	return k == KindQUIC || k == KindWebTransport
}

// Role distinguishes the two endpoint variants.
type Role int

const (
	// RoleTrain produces video and telemetry and consumes commands.
	RoleTrain Role = iota
	// RoleConsole consumes media and produces commands.
	RoleConsole
)

// String returns the string representation of Role.
func (r Role) String() string {
	switch r {
	case RoleTrain:
		return "train"
	case RoleConsole:
		return "remote_control"
	default:
		return "unknown"
	}
}

// Endpoint is the runtime handle for one live connection on one transport.
//
// Implementations are owned by their listener; the registry and router hold
// them only through this interface. All methods are safe for concurrent use.
type Endpoint interface {
	// ID returns the train or console identifier presented at identification.
	ID() string

	// Role returns whether the peer is a train or a console.
	Role() Role

	// Kind returns the transport this endpoint lives on.
	Kind() Kind

	// Send enqueues a packet on the ordered reliable lane. Control packets
	// block when the outbound queue is full; video packets displace the
	// oldest queued video packet instead.
	Send(pkt *packet.Packet) error

	// SendDatagram enqueues pre-serialized wire bytes on the unreliable
	// lane. Transports without a datagram lane fall back to the reliable
	// lane with video drop policy.
	SendDatagram(wire []byte) error

	// LastActivity returns the arrival time of the most recent inbound
	// packet.
	LastActivity() time.Time

	// Touch records inbound activity now.
	Touch()

	// Close tears the connection down and cancels its tasks. Closing an
	// already closed endpoint is a no-op.
	Close(reason string) error
}

// PacketHandler processes one parsed inbound packet from an identified
// endpoint. Handlers must not block; the receiver loop calls them inline.
type PacketHandler func(from Endpoint, pkt *packet.Packet) error

// DatagramHandler processes one raw inbound datagram, passed unparsed so
// the fan-out path can forward the original bytes.
type DatagramHandler func(from Endpoint, wire []byte)

// Registrar is the slice of session state the transport listeners mutate.
// The session registry implements it; listeners never see the full registry.
type Registrar interface {
	// AddTrain registers a train endpoint. Idempotent per transport kind.
	AddTrain(trainID string, endpoint Endpoint) error

	// RemoveTrain removes a train's endpoint on one transport.
	RemoveTrain(trainID string, kind Kind)

	// AddConsole registers a console endpoint. Idempotent per transport kind.
	AddConsole(consoleID string, endpoint Endpoint) error

	// RemoveConsole removes a console's endpoint on one transport,
	// unbinding it when the last transport goes.
	RemoveConsole(consoleID string, kind Kind)

	// Bind attaches a console to a train. Returns an error for an unknown
	// train.
	Bind(consoleID, trainID string) error
}

// Listener is implemented by every transport acceptor.
type Listener interface {
	// RegisterHandler installs the handler for one packet type. Must be
	// called before Start.
	RegisterHandler(packetType packet.PacketType, handler PacketHandler)

	// Start begins accepting connections.
	Start() error

	// Close stops accepting and tears down every live endpoint.
	Close() error
}

// ErrClosed indicates an operation on a closed endpoint or queue.
var ErrClosed = errors.New("transport closed")

// ErrNotIdentified indicates traffic before the identification exchange.
var ErrNotIdentified = errors.New("endpoint not identified")
