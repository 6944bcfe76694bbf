// Package transport provides the relay's network listeners, one per wire
// protocol, behind a single Endpoint abstraction so routing never cares
// which protocol a peer arrived on.
//
// # Architecture
//
// Four transports coexist on the relay: a message-framed WebSocket stream,
// raw QUIC with an unreliable datagram lane, WebTransport for browsers
// negotiating h3 on the same UDP socket, and an MQTT bridge for telemetry.
// Each listener registers its identified connections with a Registrar and
// dispatches inbound packets through a shared handler table:
//
//	type Endpoint interface {
//	    ID() string
//	    Role() Role
//	    Kind() Kind
//	    Send(pkt *packet.Packet) error
//	    SendDatagram(wire []byte) error
//	    LastActivity() time.Time
//	    Touch()
//	    Close(reason string) error
//	}
//
// # Transport Selection
//
// Kinds are ranked for outbound preference: QUIC, then WebTransport, then
// WebSocket, then MQTT. Video rides the datagram lane where one exists and
// falls back to the stream's lossy queue lane otherwise; it never crosses
// the MQTT bridge.
//
// # Overload Behavior
//
// Every stream endpoint owns an Outbox with two lanes. The control lane
// blocks producers when full; the video lane displaces its oldest entry.
// A slow console therefore sees recent frames and loses old ones, while
// commands and telemetry are never silently dropped.
//
// # Liveness
//
// Receivers stamp LastActivity on every inbound packet. A Sweeper scans
// all endpoints once a second and closes any past its transport's idle
// deadline: 60 seconds for WebSocket, 30 for QUIC and WebTransport. The
// MQTT broker owns liveness for bridged trains. Stream endpoints probe
// their peers with a keepalive packet every 25 seconds.
//
// Design Philosophy:
// - One goroutine group per connection, cancelled together on any failure
// - Handlers are installed before Start and never change afterwards
// - Listeners own their endpoints; everyone else sees the Endpoint interface
// - Registration and deregistration are the listener's job, never the router's
package transport
