package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// webrtcKeepaliveInterval paces the data channel keepalive that tells
// consoles the lane is alive between frames.
const webrtcKeepaliveInterval = 10 * time.Second

// defaultICEServers are the STUN servers used for candidate discovery.
var defaultICEServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
	{URLs: []string{"stun:stun1.l.google.com:19302"}},
}

// WebRTCLane is a peer-to-peer video path that supplements a control
// connection. The agent keeps commands and telemetry on the relay fabric
// and moves only video onto the lane, so losing a peer session never
// costs control of the vehicle.
//
// The lane negotiates through the relay's signaling hub: the agent
// publishes an offer, a console answers, and ICE candidates trickle both
// ways. Until the data channel opens, video handed to the lane is
// dropped.
type WebRTCLane struct {
	trainID string

	signal   *websocket.Conn
	signalMu sync.Mutex

	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	mu        sync.Mutex
	open      bool
	remoteSet bool
	pending   []webrtc.ICECandidateInit

	sequence  uint64
	done      chan struct{}
	closeOnce sync.Once
}

// DialWebRTC connects to the relay's signaling hub, publishes an offer
// with an unreliable "video" data channel, and returns the lane. Commands
// a console pushes down the data channel are handed to onPacket as full
// wire packets.
func DialWebRTC(ctx context.Context, options *Options, onPacket func([]byte)) (*WebRTCLane, error) {
	scheme := "ws"
	if options.UseTLS {
		scheme = "wss"
	}
	endpoint := url.URL{Scheme: scheme, Host: options.RelayHost, Path: "/ws/webrtc/train/" + options.TrainID}

	dialer := websocket.Dialer{
		HandshakeTimeout: wsHandshakeTimeout,
		TLSClientConfig:  clientTLSConfig(options),
	}
	signal, _, err := dialer.DialContext(ctx, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial signaling hub at %s: %w", endpoint.String(), err)
	}

	lane := &WebRTCLane{
		trainID: options.TrainID,
		signal:  signal,
		done:    make(chan struct{}),
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: defaultICEServers})
	if err != nil {
		signal.Close()
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	lane.pc = pc

	ordered := false
	var retransmits uint16
	dc, err := pc.CreateDataChannel("video", &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &retransmits,
	})
	if err != nil {
		lane.teardown()
		return nil, fmt.Errorf("failed to create data channel: %w", err)
	}
	lane.dc = dc

	dc.OnOpen(func() {
		lane.mu.Lock()
		lane.open = true
		lane.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "DialWebRTC",
			"train_id": lane.trainID,
		}).Info("WebRTC video channel open")
	})
	dc.OnClose(func() {
		lane.mu.Lock()
		lane.open = false
		lane.mu.Unlock()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if onPacket != nil {
			onPacket(msg.Data)
		}
	})

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		lane.sendSignal(map[string]any{
			"type":          "ice",
			"candidate":     init.Candidate,
			"sdpMid":        init.SDPMid,
			"sdpMLineIndex": init.SDPMLineIndex,
		})
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logrus.WithFields(logrus.Fields{
			"function": "OnConnectionStateChange",
			"train_id": lane.trainID,
			"state":    state.String(),
		}).Debug("WebRTC connection state changed")
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			lane.mu.Lock()
			lane.open = false
			lane.mu.Unlock()
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		lane.teardown()
		return nil, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		lane.teardown()
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	if err := lane.sendSignal(map[string]any{
		"type":          "offer",
		"trainClientId": options.TrainID,
		"sdp":           offer.SDP,
	}); err != nil {
		lane.teardown()
		return nil, fmt.Errorf("failed to publish offer: %w", err)
	}

	go lane.signalLoop()
	go lane.keepaliveLoop()
	return lane, nil
}

// sendSignal writes one message to the signaling socket. Callbacks from
// the peer connection and the dialing goroutine share the socket, hence
// the mutex.
func (l *WebRTCLane) sendSignal(msg any) error {
	l.signalMu.Lock()
	defer l.signalMu.Unlock()
	return l.signal.WriteJSON(msg)
}

// signalLoop pumps the signaling socket until it closes, applying answers
// and remote ICE candidates.
func (l *WebRTCLane) signalLoop() {
	for {
		_, raw, err := l.signal.ReadMessage()
		if err != nil {
			select {
			case <-l.done:
			default:
				logrus.WithFields(logrus.Fields{
					"function": "signalLoop",
					"train_id": l.trainID,
					"error":    err,
				}).Debug("Signaling socket closed")
			}
			return
		}

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &envelope); err != nil {
			continue
		}

		switch envelope.Type {
		case "answer":
			l.handleAnswer(raw)
		case "ice":
			l.handleICE(raw)
		case "ready":
			logrus.WithFields(logrus.Fields{
				"function": "signalLoop",
				"train_id": l.trainID,
			}).Debug("Signaling peer ready")
		}
	}
}

// handleAnswer applies a console's answer and flushes candidates that
// arrived before the remote description was in place.
func (l *WebRTCLane) handleAnswer(raw []byte) {
	var answer struct {
		SDP string `json:"sdp"`
	}
	if err := json.Unmarshal(raw, &answer); err != nil || answer.SDP == "" {
		logrus.WithFields(logrus.Fields{
			"function": "handleAnswer",
			"train_id": l.trainID,
		}).Warn("Dropping malformed answer")
		return
	}

	if err := l.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer.SDP,
	}); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleAnswer",
			"train_id": l.trainID,
			"error":    err,
		}).Warn("Failed to apply answer")
		return
	}

	l.mu.Lock()
	l.remoteSet = true
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()

	for _, candidate := range pending {
		if err := l.pc.AddICECandidate(candidate); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "handleAnswer",
				"train_id": l.trainID,
				"error":    err,
			}).Warn("Failed to add queued candidate")
		}
	}
}

// handleICE accepts a remote candidate in either of the shapes consoles
// produce: a flat message with the candidate string at the top level, or
// a nested candidate object from a browser's toJSON.
func (l *WebRTCLane) handleICE(raw []byte) {
	var flat struct {
		Candidate     json.RawMessage `json:"candidate"`
		SDPMid        *string         `json:"sdpMid"`
		SDPMLineIndex *uint16         `json:"sdpMLineIndex"`
	}
	if err := json.Unmarshal(raw, &flat); err != nil || len(flat.Candidate) == 0 {
		return
	}

	var init webrtc.ICECandidateInit
	var candidate string
	if err := json.Unmarshal(flat.Candidate, &candidate); err == nil {
		init = webrtc.ICECandidateInit{
			Candidate:     candidate,
			SDPMid:        flat.SDPMid,
			SDPMLineIndex: flat.SDPMLineIndex,
		}
	} else if err := json.Unmarshal(flat.Candidate, &init); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleICE",
			"train_id": l.trainID,
		}).Warn("Dropping unrecognized candidate shape")
		return
	}

	l.mu.Lock()
	if !l.remoteSet {
		l.pending = append(l.pending, init)
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	if err := l.pc.AddICECandidate(init); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleICE",
			"train_id": l.trainID,
			"error":    err,
		}).Warn("Failed to add candidate")
	}
}

// keepaliveLoop tells the console the lane is alive while the channel is
// open, even when no frames flow.
func (l *WebRTCLane) keepaliveLoop() {
	ticker := time.NewTicker(webrtcKeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.mu.Lock()
			open := l.open
			l.sequence++
			sequence := l.sequence
			l.mu.Unlock()
			if !open {
				continue
			}

			payload, err := json.Marshal(map[string]any{
				"type":          "keepalive",
				"protocol":      "webrtc",
				"trainClientId": l.trainID,
				"timestamp":     time.Now().UnixMilli(),
				"sequence":      sequence,
			})
			if err != nil {
				continue
			}
			if err := l.dc.SendText(string(payload)); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "keepaliveLoop",
					"train_id": l.trainID,
					"error":    err,
				}).Debug("Keepalive send failed")
			}
		}
	}
}

// Open reports whether the data channel is ready to carry video.
func (l *WebRTCLane) Open() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.open
}

// SendVideo ships one video packet down the data channel. Packets offered
// before a console has answered are dropped, not queued: stale frames are
// worthless by the time a session opens.
func (l *WebRTCLane) SendVideo(data []byte) error {
	if !l.Open() {
		return nil
	}
	return l.dc.Send(data)
}

// teardown closes the peer connection and signaling socket.
func (l *WebRTCLane) teardown() {
	if l.dc != nil {
		l.dc.Close()
	}
	if l.pc != nil {
		l.pc.Close()
	}
	l.signal.Close()
}

// Close shuts the lane down. Safe to call more than once.
func (l *WebRTCLane) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		l.teardown()
	})
	return nil
}
