// Package trainlink implements a relay fabric for remotely driven model trains.
//
// A relay sits between trains in the field and the remote-control consoles
// that drive them. Trains connect over whichever transport their link
// supports, consoles bind to a train through the control API, and the relay
// forwards video, telemetry, and driving commands between the two sides
// while translating across transports. This package provides the main API
// facade that integrates all subsystems: the session registry, the packet
// router, the WebSocket/QUIC/WebTransport/MQTT listeners, WebRTC signaling,
// and the HTTP control surface.
//
// # Getting Started
//
// Create a relay with options, register callbacks, then start it:
//
//	options := trainlink.NewOptions()
//	options.HTTPAddr = "0.0.0.0:8000"
//	options.TLS = tlsConfig
//
//	relay, err := trainlink.New(options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	relay.OnTrainConnected(func(trainID string) {
//	    fmt.Printf("train %s is online\n", trainID)
//	})
//
//	relay.OnBind(func(consoleID, trainID string) {
//	    fmt.Printf("%s now drives %s\n", consoleID, trainID)
//	})
//
//	if err := relay.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	defer relay.Stop()
//
// # Core Types
//
// The package defines several core types:
//
//   - [Relay]: Main API facade integrating all relay subsystems
//   - [Options]: Configuration options for creating a new Relay
//
// # Transports
//
// Trains and consoles reach the relay over four transports, all carrying
// the same one-byte-type packet framing:
//
//   - WebSocket paths on the HTTP listener (/ws/train/{id},
//     /ws/remote_control/{id})
//   - QUIC with video on unreliable datagrams
//   - WebTransport, multiplexed with QUIC on the same UDP port via ALPN
//   - An MQTT bridge for telemetry-only trains, enabled by MQTTBrokerURL
//
// A train may hold several transports at once; the router picks the
// highest-ranked live one for each delivery, so video can ride QUIC
// datagrams while commands fall back to WebSocket.
//
// # Binding
//
// A console drives at most one train. Binding happens over HTTP:
//
//	POST /api/remote_control/{console_id}/train/{train_id}
//	DELETE /api/remote_control/{console_id}/train
//
// or in-band, by sending a MAP_CONNECTION:console:train text frame on any
// transport. Once bound, the console receives the train's video and
// telemetry and its commands are forwarded to the train.
//
// # Simulation Hooks
//
// Deployments without physical rolling stock can back consoles with a
// simulated train. The relay only signals the opportunity:
//
//	relay.OnFirstBindWithNoTrain(func() {
//	    // Start a simulated train process pointed at this relay.
//	})
//
//	relay.OnLastConsoleGone(func() {
//	    // Stop it again.
//	})
//
// OnFirstBindWithNoTrain fires when a bind names an absent train while no
// train at all is connected, once per drought; it re-arms when the last
// console leaves.
//
// # WebRTC Signaling
//
// For browser consoles that want a direct media path, the relay hosts a
// signaling hub under /ws/webrtc/ and mirrors it over plain HTTP at
// /api/webrtc/ for clients that cannot hold a second socket. The relay
// never touches the negotiated media itself.
//
// # Thread Safety
//
// The Relay struct is safe for concurrent use. Callbacks run on the
// router's event loop goroutine and therefore must not block; hand off to
// a channel or goroutine for anything slow.
//
// # Integration Architecture
//
// This package serves as the main integration point, orchestrating:
//
//   - [registry]: session registry and console-to-train bindings
//   - [router]: packet fan-out, relay-originated control, bandwidth meter
//   - [transport]: WebSocket, QUIC, WebTransport, and MQTT listeners
//   - [signaling]: WebRTC offer/answer/ICE relay rooms
//   - [api]: HTTP control surface, speed measurement, Prometheus metrics
//   - [packet]: wire framing, video fragmentation, JSON payloads
//   - [agent]: an embeddable train-side client, also used for simulation
package trainlink
