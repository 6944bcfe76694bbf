package agent

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/opd-ai/trainlink/limits"
	"github.com/opd-ai/trainlink/packet"
)

const (
	telemetryInterval     = time.Second
	imuInterval           = 3 * time.Second
	keepaliveInterval     = 25 * time.Second
	mqttHeartbeatInterval = 10 * time.Second

	reconnectDelay = 2 * time.Second
	dialTimeout    = 15 * time.Second

	// videoBurst is the pacer bucket size, enough for a short catch-up
	// after idle without defeating the rate limit.
	videoBurst = 32 << 10

	inboundQueueDepth  = 64
	frameQueueDepth    = 4
	videoJobQueueDepth = 2
	taskQueueDepth     = 16
)

// State is the agent's connection lifecycle phase.
type State int32

const (
	// StateDisconnected means no control connection and no dial running.
	StateDisconnected State = iota
	// StateIdentifying means a dial or greeting exchange is in flight.
	StateIdentifying
	// StateIdle means the control connection is up but video is paused.
	StateIdle
	// StateStreaming means video, telemetry, and IMU reports are flowing.
	StateStreaming
)

// String returns the string representation of State.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateIdentifying:
		return "identifying"
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// Options configures an Agent.
type Options struct {
	// TrainID identifies the vehicle across every transport.
	TrainID string
	// RelayHost is the relay's HTTP host:port, serving WebSocket
	// upgrades and the control API.
	RelayHost string
	// QUICAddr is the relay's QUIC listener host:port.
	QUICAddr string
	// Protocol is the initial control transport, WEBSOCKET or QUIC.
	// WEBRTC is reachable only via SWITCH_PROTOCOL once control is up.
	Protocol string
	// UseTLS dials wss and https instead of ws and http.
	UseTLS bool
	// TLS overrides the dialing TLS configuration. When nil, certificate
	// verification is skipped; the reference deployment runs self-signed.
	TLS *tls.Config

	// Source supplies encoded video frames.
	Source FrameSource
	// Encoder receives quality reconfigurations.
	Encoder Encoder
	// Motor receives drive commands.
	Motor Motor
	// Quality is the startup video quality preset.
	Quality string

	// MQTTBrokerURL enables the broker reporting path when non-empty,
	// for example "tcp://localhost:1883".
	MQTTBrokerURL string
	// LatencyLog appends a JSON line per executed command when non-empty.
	LatencyLog string
	// HardwareLog appends a JSON line per host sample when non-empty.
	HardwareLog string
}

// NewOptions returns defaults: a random vehicle id, a local relay, a
// synthetic video source, and high quality over WebSocket.
func NewOptions() *Options {
	return &Options{
		TrainID:   uuid.NewString(),
		RelayHost: "localhost:8000",
		QUICAddr:  "localhost:4437",
		Protocol:  packet.ProtocolWebSocket,
		Source:    NewSyntheticSource(30, 20<<10),
		Encoder:   NewPassthroughEncoder(),
		Motor:     NewLogMotor(),
		Quality:   QualityHigh,
	}
}

// recvError is a pump's report that its connection died.
type recvError struct {
	conn Conn
	err  error
}

// videoJob is one fragmented frame bound for a transport. The target is
// captured at fragmentation time so a protocol switch mid-queue cannot
// misroute packets.
type videoJob struct {
	conn    Conn
	lane    *WebRTCLane
	packets [][]byte
}

// Agent drives one vehicle against the relay. It keeps a control
// connection alive with retry, executes console commands, streams
// fragmented video at a paced bitrate, reports telemetry and inertial
// samples, answers clock sync, and logs per-command latency.
//
// All connection state lives on a single event loop goroutine; auxiliary
// goroutines (transport pumps, the frame source, the paced sender, dial
// loops) reach it through channels.
type Agent struct {
	options *Options

	clock     *ClockTable
	telemetry *TelemetrySimulator
	imu       *IMUSimulator
	hardware  *HardwareMonitor
	recorder  *LatencyRecorder
	headers   *HeaderCache
	pacer     *rate.Limiter
	tester    *SpeedTester
	mqtt      *MQTTPublisher

	state atomic.Int32

	// Loop-owned. Only the event loop goroutine touches these.
	conn          Conn
	lane          *WebRTCLane
	protocol      string
	sending       bool
	resumeSending bool
	connecting    bool
	testerBusy    bool
	quality       string
	frameID       uint32
	sequence      uint64

	inbound   chan []byte
	frames    chan Frame
	videoJobs chan videoJob
	connCh    chan Conn
	connErr   chan recvError
	tasks     chan func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// New creates an agent from options. Pass nil for defaults.
func New(options *Options) (*Agent, error) {
	if options == nil {
		options = NewOptions()
	}
	if options.TrainID == "" {
		return nil, errors.New("train id must not be empty")
	}
	if options.Source == nil || options.Encoder == nil || options.Motor == nil {
		return nil, errors.New("source, encoder, and motor must all be set")
	}

	protocol := strings.ToUpper(options.Protocol)
	if protocol != packet.ProtocolWebSocket && protocol != packet.ProtocolQUIC {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProtocol, options.Protocol)
	}

	quality := options.Quality
	if quality == "" {
		quality = QualityHigh
	}
	bitrate, ok := QualityBitrate(quality)
	if !ok {
		return nil, fmt.Errorf("unknown video quality %q", options.Quality)
	}

	return &Agent{
		options:   options,
		clock:     NewClockTable(),
		telemetry: NewTelemetrySimulator(options.TrainID),
		imu:       NewIMUSimulator(),
		headers:   &HeaderCache{},
		pacer:     rate.NewLimiter(rate.Limit(bitrate/8), videoBurst),
		tester:    NewSpeedTester(controlBaseURL(options)),
		protocol:  protocol,
		quality:   quality,
		sending:   true,
	}, nil
}

// controlBaseURL derives the relay's HTTP root from the dialing options.
func controlBaseURL(options *Options) string {
	scheme := "http"
	if options.UseTLS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, options.RelayHost)
}

// Start brings the agent online. It returns once the background
// machinery is running; the relay connection itself lands asynchronously
// and is retried until it does.
func (a *Agent) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return errors.New("agent already started")
	}

	bitrate, _ := QualityBitrate(a.quality)
	config := DefaultEncoderConfig()
	config.Bitrate = ClampBitrate(bitrate)
	if err := a.options.Encoder.Configure(config); err != nil {
		return fmt.Errorf("failed to configure encoder: %w", err)
	}

	if a.options.LatencyLog != "" {
		recorder, err := NewLatencyRecorder(a.options.LatencyLog)
		if err != nil {
			return err
		}
		a.recorder = recorder
	}

	hardware, err := NewHardwareMonitor(a.options.HardwareLog)
	if err != nil {
		a.recorder.Close()
		a.recorder = nil
		return err
	}
	a.hardware = hardware

	a.ctx, a.cancel = context.WithCancel(context.Background())
	a.inbound = make(chan []byte, inboundQueueDepth)
	a.frames = make(chan Frame, frameQueueDepth)
	a.videoJobs = make(chan videoJob, videoJobQueueDepth)
	a.connCh = make(chan Conn, 1)
	a.connErr = make(chan recvError, 1)
	a.tasks = make(chan func(), taskQueueDepth)

	if a.options.MQTTBrokerURL != "" {
		publisher, err := NewMQTTPublisher(a.options.MQTTBrokerURL, a.options.TrainID, a.deliverPacket)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Start",
				"broker":   a.options.MQTTBrokerURL,
				"error":    err,
			}).Error("Broker unreachable, continuing without MQTT reporting")
		} else {
			a.mqtt = publisher
		}
	}

	a.setState(StateIdentifying)
	a.startConnector()

	a.wg.Add(3)
	go a.run()
	go a.sourcePump()
	go a.videoSender()

	a.running = true
	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"train_id": a.options.TrainID,
		"protocol": a.protocol,
		"quality":  a.quality,
	}).Info("Agent started")
	return nil
}

// Stop takes the agent offline: the relay link, media lane, and broker
// session close, background goroutines drain, and log files flush.
func (a *Agent) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.running {
		return errors.New("agent not started")
	}

	a.cancel()
	a.wg.Wait()

	if a.mqtt != nil {
		a.mqtt.Close()
		a.mqtt = nil
	}
	a.options.Source.Close()
	a.recorder.Close()
	a.hardware.Close()

	a.running = false
	logrus.WithFields(logrus.Fields{
		"function": "Stop",
		"train_id": a.options.TrainID,
	}).Info("Agent stopped")
	return nil
}

// IsRunning reports whether the agent is between Start and Stop.
func (a *Agent) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// TrainID returns the vehicle's identity.
func (a *Agent) TrainID() string {
	return a.options.TrainID
}

// State returns the current lifecycle phase.
func (a *Agent) State() State {
	return State(a.state.Load())
}

func (a *Agent) setState(s State) {
	a.state.Store(int32(s))
}

// deliverPacket feeds a wire packet from an auxiliary path (broker
// command topic, WebRTC data channel) into the main dispatch queue.
func (a *Agent) deliverPacket(data []byte) {
	select {
	case a.inbound <- data:
	case <-a.ctx.Done():
	}
}

// enqueueTask runs a closure on the event loop goroutine. Returns false
// if the agent shut down first.
func (a *Agent) enqueueTask(task func()) bool {
	select {
	case a.tasks <- task:
		return true
	case <-a.ctx.Done():
		return false
	}
}

// startConnector launches one dial loop for the desired protocol.
func (a *Agent) startConnector() {
	if a.connecting {
		return
	}
	a.connecting = true
	a.wg.Add(1)
	go a.connector(a.protocol)
}

// run is the event loop. It owns the connection state; everything else
// reaches it through channels.
func (a *Agent) run() {
	defer a.wg.Done()

	statusTicker := time.NewTicker(telemetryInterval)
	imuTicker := time.NewTicker(imuInterval)
	keepaliveTicker := time.NewTicker(keepaliveInterval)
	heartbeatTicker := time.NewTicker(mqttHeartbeatInterval)
	defer statusTicker.Stop()
	defer imuTicker.Stop()
	defer keepaliveTicker.Stop()
	defer heartbeatTicker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			a.teardownConnections()
			return

		case conn := <-a.connCh:
			a.installConn(conn)

		case e := <-a.connErr:
			a.handleConnError(e)

		case data := <-a.inbound:
			a.handlePacket(data)

		case frame := <-a.frames:
			a.handleFrame(frame)

		case task := <-a.tasks:
			task()

		case <-statusTicker.C:
			a.hardware.Sample()
			a.clock.Expire()
			a.publishTelemetry()

		case <-imuTicker.C:
			a.publishIMU()

		case <-keepaliveTicker.C:
			a.publishKeepalive()

		case <-heartbeatTicker.C:
			if a.mqtt != nil {
				a.mqtt.Heartbeat()
			}
		}
	}
}

// teardownConnections closes the control connection and media lane on
// shutdown, unblocking their pumps.
func (a *Agent) teardownConnections() {
	if a.conn != nil {
		a.conn.Close()
		a.conn = nil
	}
	if a.lane != nil {
		a.lane.Close()
		a.lane = nil
	}
	a.setState(StateDisconnected)
}

// installConn adopts a freshly dialed control connection. A connection
// dialed for a protocol the agent has since switched away from is
// discarded and the dial restarted.
func (a *Agent) installConn(conn Conn) {
	a.connecting = false
	if conn.Protocol() != a.protocol {
		conn.Close()
		a.startConnector()
		return
	}

	a.conn = conn
	if a.resumeSending {
		a.sending = true
		a.resumeSending = false
	}
	if a.sending {
		a.setState(StateStreaming)
	} else {
		a.setState(StateIdle)
	}

	a.wg.Add(1)
	go a.receivePump(conn)

	logrus.WithFields(logrus.Fields{
		"function": "installConn",
		"train_id": a.options.TrainID,
		"protocol": conn.Protocol(),
		"state":    a.State().String(),
	}).Info("Control connection up")
}

// handleConnError reacts to a dead control connection. Errors from a
// connection that is no longer current are stale pump teardown and are
// ignored. A genuine loss pauses streaming until a console asks again.
func (a *Agent) handleConnError(e recvError) {
	if e.conn != a.conn {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "handleConnError",
		"train_id": a.options.TrainID,
		"protocol": e.conn.Protocol(),
		"error":    e.err,
	}).Warn("Control connection lost")

	a.conn.Close()
	a.conn = nil
	a.sending = false
	a.resumeSending = false
	a.setState(StateIdentifying)
	a.startConnector()
}

// handlePacket dispatches one inbound wire packet.
func (a *Agent) handlePacket(data []byte) {
	pkt, err := packet.ParsePacket(data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handlePacket",
			"error":    err,
		}).Warn("Dropping malformed packet")
		return
	}

	switch pkt.PacketType {
	case packet.PacketCommand:
		a.handleCommand(pkt.Data)
	case packet.PacketMapAck:
		a.handleMapAck(pkt.Data)
	case packet.PacketRTTTrain:
		a.handleRTTEcho(pkt.Data)
	case packet.PacketKeepalive:
		// Console keepalives need no reply.
	default:
		logrus.WithFields(logrus.Fields{
			"function":    "handlePacket",
			"packet_type": pkt.PacketType.String(),
		}).Warn("Unexpected packet type")
	}
}

// handleMapAck reacts to a console binding by launching the clock sync
// probe burst toward that console.
func (a *Agent) handleMapAck(payload []byte) {
	ack, err := packet.DecodeMapAck(payload)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleMapAck",
			"error":    err,
		}).Warn("Dropping malformed map acknowledgement")
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":          "handleMapAck",
		"remote_control_id": ack.RemoteControlID,
	}).Info("Console bound, starting clock sync")

	probes, err := a.clock.Begin(ack.RemoteControlID)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleMapAck",
			"error":    err,
		}).Error("Failed to build clock sync probes")
		return
	}
	for _, probe := range probes {
		a.sendControl(probe)
	}
}

// handleRTTEcho folds one echoed clock probe into the pending burst.
func (a *Agent) handleRTTEcho(payload []byte) {
	echo, err := packet.DecodeRTTTrain(payload)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleRTTEcho",
			"error":    err,
		}).Warn("Dropping malformed clock echo")
		return
	}
	a.clock.Observe(echo)
}

// handleCommand validates, logs, and executes one console command.
func (a *Agent) handleCommand(payload []byte) {
	cmd, err := packet.DecodeCommand(payload)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleCommand",
			"error":    err,
		}).Warn("Dropping malformed command")
		return
	}

	latency := a.clock.Latency(cmd.RemoteControlID, cmd.RemoteControlTimestamp)
	a.recorder.Record(CommandRecord{
		RemoteControlID: cmd.RemoteControlID,
		CommandID:       cmd.CommandID,
		Instruction:     cmd.Instruction,
		Latency:         latency,
		CreatedAt:       cmd.RemoteControlTimestamp,
		ReceivedAt:      time.Now().UnixMilli(),
		Size:            len(payload),
		TargetSpeed:     cmd.TargetSpeed,
		Direction:       cmd.Direction,
		Quality:         cmd.Quality,
	})

	logrus.WithFields(logrus.Fields{
		"function":          "handleCommand",
		"instruction":       cmd.Instruction,
		"remote_control_id": cmd.RemoteControlID,
		"latency_ms":        latency,
	}).Info("Command received")

	switch cmd.Instruction {
	case packet.InstructionChangeTargetSpeed:
		a.applyTargetSpeed(cmd)
	case packet.InstructionStopSendingData:
		a.setSending(false)
	case packet.InstructionStartSendingData:
		a.setSending(true)
	case packet.InstructionPowerOn:
		a.applyPower(StatusPowerOn, MaxSpeed)
	case packet.InstructionPowerOff:
		a.applyPower(StatusPowerOff, 0)
	case packet.InstructionChangeDirection:
		a.applyDirection(cmd)
	case packet.InstructionCalculateNetworkSpeed:
		a.launchSpeedtest()
	case packet.InstructionChangeVideoQuality:
		a.applyQuality(cmd)
	case packet.InstructionSwitchProtocol:
		a.switchProtocol(strings.ToUpper(cmd.Protocol))
	default:
		logrus.WithFields(logrus.Fields{
			"function":    "handleCommand",
			"instruction": cmd.Instruction,
		}).Warn("Unknown instruction")
	}
}

// applyTargetSpeed drives the simulator and motor to a new speed.
func (a *Agent) applyTargetSpeed(cmd *packet.Command) {
	if cmd.TargetSpeed == nil {
		logrus.WithFields(logrus.Fields{
			"function": "applyTargetSpeed",
		}).Warn("CHANGE_TARGET_SPEED without target_speed")
		return
	}

	if err := a.telemetry.SetSpeed(*cmd.TargetSpeed); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "applyTargetSpeed",
			"speed":    *cmd.TargetSpeed,
			"error":    err,
		}).Warn("Rejecting target speed")
		return
	}
	if err := a.options.Motor.SetSpeed(*cmd.TargetSpeed); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "applyTargetSpeed",
			"error":    err,
		}).Warn("Motor rejected speed change")
	}
}

// applyPower flips the drivetrain status. Powering on drives at the line
// limit; powering off stops the vehicle.
func (a *Agent) applyPower(status string, speed int) {
	a.telemetry.SetStatus(status)
	if err := a.telemetry.SetSpeed(speed); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "applyPower",
			"error":    err,
		}).Warn("Rejecting power speed")
		return
	}

	var err error
	if speed == 0 {
		err = a.options.Motor.Stop()
	} else {
		err = a.options.Motor.SetSpeed(speed)
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "applyPower",
			"status":   status,
			"error":    err,
		}).Warn("Motor rejected power change")
	}
}

// applyDirection validates and applies a direction change.
func (a *Agent) applyDirection(cmd *packet.Command) {
	if cmd.Direction != packet.DirectionForward && cmd.Direction != packet.DirectionBackward {
		logrus.WithFields(logrus.Fields{
			"function":  "applyDirection",
			"direction": cmd.Direction,
		}).Warn("Rejecting unknown direction")
		return
	}

	a.telemetry.SetDirection(cmd.Direction)
	if err := a.options.Motor.SetDirection(cmd.Direction); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "applyDirection",
			"error":    err,
		}).Warn("Motor rejected direction change")
	}
}

// setSending toggles streaming and the state it implies.
func (a *Agent) setSending(sending bool) {
	a.sending = sending
	if a.conn == nil {
		return
	}
	if sending {
		a.setState(StateStreaming)
	} else {
		a.setState(StateIdle)
	}
	logrus.WithFields(logrus.Fields{
		"function": "setSending",
		"state":    a.State().String(),
	}).Info("Streaming toggled")
}

// applyQuality reconfigures the encoder and the pacer for a preset.
func (a *Agent) applyQuality(cmd *packet.Command) {
	bitrate, ok := QualityBitrate(cmd.Quality)
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function": "applyQuality",
			"quality":  cmd.Quality,
		}).Warn("Unknown video quality")
		return
	}

	config := DefaultEncoderConfig()
	config.Bitrate = ClampBitrate(bitrate)
	if err := a.options.Encoder.Configure(config); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "applyQuality",
			"quality":  cmd.Quality,
			"error":    err,
		}).Warn("Encoder rejected quality change")
		return
	}

	a.quality = cmd.Quality
	a.pacer.SetLimit(rate.Limit(config.Bitrate / 8))
	logrus.WithFields(logrus.Fields{
		"function": "applyQuality",
		"quality":  cmd.Quality,
		"bitrate":  config.Bitrate,
	}).Info("Video quality changed")
}

// launchSpeedtest runs the throughput measurement off the event loop.
// One measurement runs at a time.
func (a *Agent) launchSpeedtest() {
	if a.testerBusy {
		logrus.WithFields(logrus.Fields{
			"function": "launchSpeedtest",
		}).Warn("Speed test already running")
		return
	}
	conn := a.conn
	if conn == nil {
		logrus.WithFields(logrus.Fields{
			"function": "launchSpeedtest",
		}).Warn("No control connection for speed test")
		return
	}

	a.testerBusy = true
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.runSpeedtest(conn)
		a.enqueueTask(func() { a.testerBusy = false })
	}()
}

// runSpeedtest measures both directions, bracketing each with marker
// packets so consoles can render progress, and ships the report after
// each leg: download figures after the download, the full report after
// the upload.
func (a *Agent) runSpeedtest(conn Conn) {
	ctx, cancel := context.WithTimeout(a.ctx, 2*time.Minute)
	defer cancel()

	report := packet.SpeedReport{
		Type:    "network_speed",
		TrainID: a.options.TrainID,
	}

	a.sendMarker(conn, packet.PacketDownloadStart)
	a.sendMarker(conn, packet.PacketDownloading)
	download, err := a.tester.Download(ctx)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "runSpeedtest",
			"error":    err,
		}).Warn("Download probe failed")
	} else {
		report.DownloadMbps = download
	}
	report.Timestamp = time.Now().UnixMilli()
	a.sendReport(conn, packet.PacketDownloadEnd, report)

	a.sendMarker(conn, packet.PacketUploadStart)
	a.sendMarker(conn, packet.PacketUploading)
	upload, err := a.tester.Upload(ctx)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "runSpeedtest",
			"error":    err,
		}).Warn("Upload probe failed")
	} else {
		report.UploadMbps = upload
	}
	report.Timestamp = time.Now().UnixMilli()
	a.sendReport(conn, packet.PacketUploadEnd, report)

	logrus.WithFields(logrus.Fields{
		"function":      "runSpeedtest",
		"download_mbps": report.DownloadMbps,
		"upload_mbps":   report.UploadMbps,
	}).Info("Speed test complete")
}

// sendMarker ships an empty bracket packet.
func (a *Agent) sendMarker(conn Conn, pt packet.PacketType) {
	wire, err := (&packet.Packet{PacketType: pt, Data: []byte{}}).Serialize()
	if err != nil {
		return
	}
	if err := conn.Send(wire); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "sendMarker",
			"packet_type": pt.String(),
			"error":       err,
		}).Debug("Marker send failed")
	}
}

// sendReport ships a speed report under the given bracket type.
func (a *Agent) sendReport(conn Conn, pt packet.PacketType, report packet.SpeedReport) {
	wire, err := packet.MarshalEnvelope(pt, report)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "sendReport",
			"error":    err,
		}).Error("Failed to marshal speed report")
		return
	}
	if err := conn.Send(wire); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "sendReport",
			"packet_type": pt.String(),
			"error":       err,
		}).Debug("Report send failed")
	}
}

// switchProtocol moves the vehicle to a different transport. WEBRTC opens
// a peer-to-peer media lane beside the control connection; WEBSOCKET and
// QUIC redial control, remembering whether the vehicle was streaming so
// the new transport resumes where the old one stopped.
func (a *Agent) switchProtocol(target string) {
	switch target {
	case packet.ProtocolWebRTC:
		a.openMediaLane()
	case packet.ProtocolWebSocket, packet.ProtocolQUIC:
		a.switchControl(target)
	default:
		logrus.WithFields(logrus.Fields{
			"function": "switchProtocol",
			"protocol": target,
		}).Warn("Unknown protocol")
	}
}

// openMediaLane dials the WebRTC lane off the event loop and installs it
// on completion. Control stays where it is.
func (a *Agent) openMediaLane() {
	if a.lane != nil {
		logrus.WithFields(logrus.Fields{
			"function": "openMediaLane",
		}).Debug("Media lane already open")
		return
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()

		ctx, cancel := context.WithTimeout(a.ctx, dialTimeout)
		defer cancel()
		lane, err := DialWebRTC(ctx, a.options, a.deliverPacket)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "openMediaLane",
				"error":    err,
			}).Warn("Failed to open media lane")
			return
		}

		installed := a.enqueueTask(func() {
			if a.lane != nil {
				lane.Close()
				return
			}
			a.lane = lane
			logrus.WithFields(logrus.Fields{
				"function": "openMediaLane",
				"train_id": a.options.TrainID,
			}).Info("Video moved to WebRTC lane")
		})
		if !installed {
			lane.Close()
		}
	}()
}

// switchControl redials the control connection on another transport,
// break before make. Leaving WEBRTC closes the media lane and returns
// video to the control transport.
func (a *Agent) switchControl(target string) {
	if a.lane != nil {
		a.lane.Close()
		a.lane = nil
	}
	if target == a.protocol && a.conn != nil {
		logrus.WithFields(logrus.Fields{
			"function": "switchControl",
			"protocol": target,
		}).Debug("Already on requested protocol")
		return
	}

	a.protocol = target
	if a.conn != nil {
		a.resumeSending = a.sending
		a.conn.Close()
		a.conn = nil
	}
	a.sending = false
	a.setState(StateIdentifying)
	a.startConnector()

	logrus.WithFields(logrus.Fields{
		"function": "switchControl",
		"protocol": target,
	}).Info("Switching control transport")
}

// handleFrame fragments one source frame and queues it for paced
// transmission. Frames arriving while the vehicle is not streaming, or
// while the sender is saturated, are dropped; video is only ever fresh.
func (a *Agent) handleFrame(frame Frame) {
	if a.State() != StateStreaming {
		return
	}

	prepared := a.headers.Prepare(frame.Data)
	a.frameID++
	packets, err := packet.FragmentFrame(a.frameID, uint64(frame.CapturedAt.UnixMilli()),
		a.options.TrainID, prepared, limits.DefaultMTU)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleFrame",
			"frame_id": a.frameID,
			"error":    err,
		}).Warn("Dropping unfragmentable frame")
		return
	}

	select {
	case a.videoJobs <- videoJob{conn: a.conn, lane: a.lane, packets: packets}:
		a.telemetry.NotifyFrameProcessed()
	default:
		logrus.WithFields(logrus.Fields{
			"function": "handleFrame",
			"frame_id": a.frameID,
		}).Debug("Sender saturated, dropping frame")
	}
}

// videoSender drains the job queue, pacing packets to the configured
// bitrate so a large frame cannot burst ahead of the link.
func (a *Agent) videoSender() {
	defer a.wg.Done()

	for {
		select {
		case <-a.ctx.Done():
			return
		case job := <-a.videoJobs:
			a.sendJob(job)
		}
	}
}

func (a *Agent) sendJob(job videoJob) {
	for _, data := range job.packets {
		if err := a.pacer.WaitN(a.ctx, len(data)); err != nil {
			return
		}

		var err error
		if job.lane != nil {
			err = job.lane.SendVideo(data)
		} else {
			err = job.conn.SendVideo(data)
		}
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "sendJob",
				"error":    err,
			}).Debug("Video send failed")
			return
		}
	}
}

// sourcePump pulls frames at the source's native pace and offers them to
// the event loop, dropping when the loop is behind.
func (a *Agent) sourcePump() {
	defer a.wg.Done()

	for {
		frame, err := a.options.Source.Next(a.ctx)
		if err != nil {
			if a.ctx.Err() != nil {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "sourcePump",
				"error":    err,
			}).Error("Frame source failed, video stops")
			return
		}

		select {
		case a.frames <- frame:
		default:
		}
	}
}

// receivePump reads one control connection until it dies and reports the
// failure to the event loop.
func (a *Agent) receivePump(conn Conn) {
	defer a.wg.Done()

	for {
		data, err := conn.Receive()
		if err != nil {
			select {
			case a.connErr <- recvError{conn: conn, err: err}:
			case <-a.ctx.Done():
			}
			return
		}

		select {
		case a.inbound <- data:
		case <-a.ctx.Done():
			return
		}
	}
}

// connector dials until a control connection lands or the agent stops.
// The relay being down is routine; the vehicle retries at a fixed
// cadence forever.
func (a *Agent) connector(protocol string) {
	defer a.wg.Done()

	for {
		dialCtx, cancel := context.WithTimeout(a.ctx, dialTimeout)
		conn, err := dialControl(dialCtx, a.options, protocol)
		cancel()

		if err == nil {
			select {
			case a.connCh <- conn:
			case <-a.ctx.Done():
				conn.Close()
			}
			return
		}

		if a.ctx.Err() != nil {
			return
		}
		logrus.WithFields(logrus.Fields{
			"function": "connector",
			"protocol": protocol,
			"error":    err,
		}).Warn("Relay unreachable, retrying")

		select {
		case <-time.After(reconnectDelay):
		case <-a.ctx.Done():
			return
		}
	}
}

// telemetryRecord is the outbound telemetry shape: the fabric record plus
// the host health block. Receivers that only know the fabric shape ignore
// the extra field.
type telemetryRecord struct {
	packet.Telemetry
	Hardware *HardwareSnapshot `json:"hardware,omitempty"`
}

// publishTelemetry ships one record while streaming, preferring the
// broker when it is up so the control lane stays light.
func (a *Agent) publishTelemetry() {
	if a.State() != StateStreaming {
		return
	}

	record := telemetryRecord{
		Telemetry: a.telemetry.Snapshot(),
		Hardware:  a.hardware.Latest(),
	}

	if a.mqtt != nil && a.mqtt.Connected() {
		if err := a.mqtt.PublishTelemetry(record); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "publishTelemetry",
				"error":    err,
			}).Warn("Telemetry publish failed")
		}
		return
	}

	wire, err := packet.MarshalEnvelope(packet.PacketTelemetry, record)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "publishTelemetry",
			"error":    err,
		}).Error("Failed to marshal telemetry")
		return
	}
	a.sendControl(wire)
}

// publishIMU ships one inertial sample while streaming.
func (a *Agent) publishIMU() {
	if a.State() != StateStreaming {
		return
	}

	wire, err := packet.MarshalEnvelope(packet.PacketIMU, a.imu.Sample())
	if err != nil {
		return
	}
	a.sendControl(wire)
}

// publishKeepalive beats on the active control connection. QUIC pings at
// the transport layer too, but those frames never reach the relay's
// receive loops, so only an application keepalive counts as activity for
// its idle sweep.
func (a *Agent) publishKeepalive() {
	if a.conn == nil {
		return
	}

	a.sequence++
	wire, err := packet.MarshalEnvelope(packet.PacketKeepalive, packet.Keepalive{
		Type:      "keepalive",
		Timestamp: time.Now().UnixMilli(),
		Sequence:  a.sequence,
	})
	if err != nil {
		return
	}
	a.sendControl(wire)
}

// sendControl writes one packet on the control connection, if one is up.
// Failures surface through the receive pump; here they only get a debug
// line to avoid double noise.
func (a *Agent) sendControl(data []byte) {
	if a.conn == nil {
		return
	}
	if err := a.conn.Send(data); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "sendControl",
			"error":    err,
		}).Debug("Control send failed")
	}
}
