// Package agent implements the vehicle side of the relay fabric: the
// process that runs on (or for) a physical model train, holds a control
// connection to the relay, and turns console commands into motion while
// streaming video and telemetry back.
//
// An [Agent] owns exactly one control connection at a time, over
// WebSocket or QUIC, and keeps it alive with a fixed-cadence redial. On
// top of control it can open a WebRTC media lane on request, moving video
// peer-to-peer while commands keep flowing through the relay. An optional
// MQTT session reports telemetry and liveness through a broker.
//
// Everything the agent does reacts to packets or timers:
//
//   - Commands (speed, direction, power, streaming on and off, video
//     quality, network speed tests, protocol switches) execute against
//     the configured [Motor], [Encoder], and telemetry state, and each
//     one is appended to the command latency log.
//   - A mapping acknowledgement from the relay starts a clock sync burst
//     toward the console that just bound, so command latency can be
//     measured across unsynchronized clocks.
//   - Video frames from the [FrameSource] are fragmented to MTU-sized
//     packets and paced to the active bitrate.
//   - Telemetry ticks once a second and inertial samples every three
//     while streaming; host hardware is sampled alongside.
//
// Minimal use:
//
//	options := agent.NewOptions()
//	options.TrainID = "loco-7"
//	options.RelayHost = "relay.example:8000"
//
//	vehicle, err := agent.New(options)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := vehicle.Start(); err != nil {
//		log.Fatal(err)
//	}
//	defer vehicle.Stop()
//
// Start returns immediately; the relay connection lands in the
// background and is retried until it does, so a vehicle can boot before
// its relay.
package agent
