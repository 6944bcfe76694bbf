package signaling

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	// sendQueueDepth bounds each peer's outbound queue. Signaling traffic
	// is a handful of messages per session; a full queue means a dead peer.
	sendQueueDepth = 32

	peerWriteTimeout = 10 * time.Second
)

// role distinguishes the two signaling sides. Distinct from the fabric's
// endpoint roles: a signaling client is usually a browser, not a console.
type role int

const (
	roleTrain role = iota
	roleClient
)

// String returns the string representation of role.
func (r role) String() string {
	if r == roleTrain {
		return "train"
	}
	return "client"
}

var signalingUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Browser clients connect from arbitrary control-panel origins.
		return true
	},
}

// peer is one live signaling connection. The send channel is never
// closed; done signals teardown to both loops.
type peer struct {
	hub     *Hub
	conn    *websocket.Conn
	trainID string
	role    role

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// HandleTrain upgrades a train's signaling connection and pumps it until
// disconnect. The caller extracts the train id from the request path.
func (h *Hub) HandleTrain(w http.ResponseWriter, r *http.Request, trainID string) {
	h.accept(w, r, trainID, roleTrain)
}

// HandleClient upgrades a web client's signaling connection and pumps it
// until disconnect.
func (h *Hub) HandleClient(w http.ResponseWriter, r *http.Request, trainID string) {
	h.accept(w, r, trainID, roleClient)
}

func (h *Hub) accept(w http.ResponseWriter, r *http.Request, trainID string, pr role) {
	if trainID == "" {
		http.Error(w, "missing train id", http.StatusBadRequest)
		return
	}

	conn, err := signalingUpgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "accept",
			"train_id": trainID,
			"role":     pr.String(),
			"error":    err,
		}).Warn("Signaling upgrade failed")
		return
	}

	p := &peer{
		hub:     h,
		conn:    conn,
		trainID: trainID,
		role:    pr,
		send:    make(chan []byte, sendQueueDepth),
		done:    make(chan struct{}),
	}

	if !h.add(p) {
		p.close("hub shutting down")
		return
	}

	go p.writeLoop()
	p.readLoop()
}

// readLoop parses inbound text messages and hands offer, answer, and ice
// messages to the hub. It owns peer teardown.
func (p *peer) readLoop() {
	defer func() {
		p.hub.remove(p)
		p.close("peer disconnected")
	}()

	for {
		messageType, raw, err := p.conn.ReadMessage()
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "readLoop",
				"train_id": p.trainID,
				"role":     p.role.String(),
				"error":    err,
			}).Debug("Signaling connection closed")
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &envelope); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "readLoop",
				"train_id": p.trainID,
				"role":     p.role.String(),
			}).Warn("Dropping malformed signaling message")
			continue
		}

		switch envelope.Type {
		case "offer", "answer", "ice":
			p.hub.forward(p, envelope.Type, raw)
		default:
			logrus.WithFields(logrus.Fields{
				"function": "readLoop",
				"train_id": p.trainID,
				"role":     p.role.String(),
				"type":     envelope.Type,
			}).Warn("Unknown signaling message type")
		}
	}
}

// writeLoop drains the send queue onto the socket.
func (p *peer) writeLoop() {
	for {
		select {
		case <-p.done:
			return
		case msg := <-p.send:
			if err := p.conn.SetWriteDeadline(time.Now().Add(peerWriteTimeout)); err != nil {
				p.close("write deadline failed")
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "writeLoop",
					"train_id": p.trainID,
					"role":     p.role.String(),
					"error":    err,
				}).Debug("Signaling write failed")
				p.close("write failed")
				return
			}
		}
	}
}

// trySend queues a message without blocking. A peer too slow to drain its
// queue is cut loose; its read loop handles the bookkeeping.
func (p *peer) trySend(msg []byte) {
	select {
	case <-p.done:
		return
	default:
	}

	select {
	case p.send <- msg:
	default:
		logrus.WithFields(logrus.Fields{
			"function": "trySend",
			"train_id": p.trainID,
			"role":     p.role.String(),
		}).Warn("Signaling peer queue full, disconnecting peer")
		go p.close("send queue full")
	}
}

// close shuts the socket down once. Both loops observe done; the read
// loop additionally unblocks on the socket error.
func (p *peer) close(reason string) {
	p.closeOnce.Do(func() {
		close(p.done)
		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		_ = p.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = p.conn.Close()
	})
}
