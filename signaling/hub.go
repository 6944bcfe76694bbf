// Package signaling implements the WebRTC signaling passthrough hub.
//
// The hub never touches media and never inspects SDP. Trains and web
// clients connect on separate WebSocket paths keyed by train id; any
// offer, answer, or ice message from one side is forwarded to every peer
// on the opposite side of the same train id. The hub's only jobs are peer
// bookkeeping, the ready handshake, and caching the latest train offer so
// the legacy HTTP path can replay it.
//
// Renegotiating a session through the hub moves video off the relay
// fabric entirely; the relay keeps carrying commands and telemetry.
package signaling

import (
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"
)

// RoomStatus describes one train's signaling room.
type RoomStatus struct {
	TrainConnected      bool `json:"trainConnected"`
	WebClientsConnected int  `json:"webClientsConnected"`
}

// room tracks the two signaling sides of one train id.
type room struct {
	trains    map[*peer]struct{}
	clients   map[*peer]struct{}
	lastOffer []byte
}

func newRoom() *room {
	return &room{
		trains:  make(map[*peer]struct{}),
		clients: make(map[*peer]struct{}),
	}
}

func (rm *room) empty() bool {
	return len(rm.trains) == 0 && len(rm.clients) == 0
}

func (rm *room) side(r role) map[*peer]struct{} {
	if r == roleTrain {
		return rm.trains
	}
	return rm.clients
}

// Hub is the signaling relay. One Hub serves every train id.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]*room
	closed bool
}

// NewHub creates an empty signaling hub.
func NewHub() *Hub {
	return &Hub{rooms: make(map[string]*room)}
}

// add registers a peer in its train's room and plays the ready handshake:
// a client arriving to a present train is told immediately, a train
// arriving wakes every waiting client.
func (h *Hub) add(p *peer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}

	rm, ok := h.rooms[p.trainID]
	if !ok {
		rm = newRoom()
		h.rooms[p.trainID] = rm
	}
	rm.side(p.role)[p] = struct{}{}

	switch p.role {
	case roleClient:
		if len(rm.trains) > 0 {
			p.trySend(readyMessage(p.trainID))
		}
	case roleTrain:
		ready := readyMessage(p.trainID)
		for client := range rm.clients {
			client.trySend(ready)
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "add",
		"train_id": p.trainID,
		"role":     p.role.String(),
	}).Info("Signaling peer registered")
	return true
}

// remove drops a peer, clears the cached offer when the last train leaves,
// and deletes the room once both sides are empty.
func (h *Hub) remove(p *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rm, ok := h.rooms[p.trainID]
	if !ok {
		return
	}

	side := rm.side(p.role)
	if _, ok := side[p]; !ok {
		return
	}
	delete(side, p)

	if p.role == roleTrain && len(rm.trains) == 0 {
		rm.lastOffer = nil
	}
	if rm.empty() {
		delete(h.rooms, p.trainID)
	}

	logrus.WithFields(logrus.Fields{
		"function": "remove",
		"train_id": p.trainID,
		"role":     p.role.String(),
	}).Info("Signaling peer unregistered")
}

// forward relays one signaling message to every peer on the opposite side
// of the sender's room. Messages toward clients gain a trainClientId field
// so a client multiplexing several trains can tell them apart; messages
// toward trains pass through untouched. Train offers are cached for the
// HTTP replay path.
func (h *Hub) forward(from *peer, msgType string, raw []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rm, ok := h.rooms[from.trainID]
	if !ok {
		return
	}

	var out []byte
	var targets map[*peer]struct{}
	if from.role == roleTrain {
		if msgType == "offer" {
			rm.lastOffer = append([]byte(nil), raw...)
		}
		out = withTrainClientID(raw, from.trainID)
		targets = rm.clients
	} else {
		out = raw
		targets = rm.trains
	}

	if len(targets) == 0 {
		logrus.WithFields(logrus.Fields{
			"function": "forward",
			"train_id": from.trainID,
			"type":     msgType,
			"from":     from.role.String(),
		}).Warn("No signaling peers on the opposite side")
		return
	}

	for target := range targets {
		target.trySend(out)
	}
}

// LatestOffer returns the most recent offer a train pushed through the
// hub, for replay over the HTTP signaling mirror.
func (h *Hub) LatestOffer(trainID string) ([]byte, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rm, ok := h.rooms[trainID]
	if !ok || rm.lastOffer == nil {
		return nil, false
	}
	return append([]byte(nil), rm.lastOffer...), true
}

// ForwardToTrains pushes a message from the HTTP signaling mirror to every
// train peer of a room, returning how many peers it reached.
func (h *Hub) ForwardToTrains(trainID string, raw []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rm, ok := h.rooms[trainID]
	if !ok {
		return 0
	}
	for target := range rm.trains {
		target.trySend(raw)
	}
	return len(rm.trains)
}

// StatusFor reports one train's room. The second return is false when no
// peer of either side is present.
func (h *Hub) StatusFor(trainID string) (RoomStatus, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rm, ok := h.rooms[trainID]
	if !ok {
		return RoomStatus{}, false
	}
	return RoomStatus{
		TrainConnected:      len(rm.trains) > 0,
		WebClientsConnected: len(rm.clients),
	}, true
}

// Status snapshots every active room.
func (h *Hub) Status() map[string]RoomStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := make(map[string]RoomStatus, len(h.rooms))
	for trainID, rm := range h.rooms {
		status[trainID] = RoomStatus{
			TrainConnected:      len(rm.trains) > 0,
			WebClientsConnected: len(rm.clients),
		}
	}
	return status
}

// Close tears down every peer and rejects new registrations.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true

	var peers []*peer
	for _, rm := range h.rooms {
		for p := range rm.trains {
			peers = append(peers, p)
		}
		for p := range rm.clients {
			peers = append(peers, p)
		}
	}
	h.rooms = make(map[string]*room)
	h.mu.Unlock()

	for _, p := range peers {
		p.close("hub shutting down")
	}
}

// withTrainClientID returns raw with a trainClientId field folded in. On
// any marshaling trouble the original bytes pass through unchanged.
func withTrainClientID(raw []byte, trainID string) []byte {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return raw
	}

	id, err := json.Marshal(trainID)
	if err != nil {
		return raw
	}
	doc["trainClientId"] = id

	out, err := json.Marshal(doc)
	if err != nil {
		return raw
	}
	return out
}

// readyMessage tells a client its train's signaling side is reachable.
func readyMessage(trainID string) []byte {
	msg, err := json.Marshal(map[string]string{
		"type":          "ready",
		"trainClientId": trainID,
		"message":       "Train client is connected and ready",
	})
	if err != nil {
		return []byte(`{"type":"ready"}`)
	}
	return msg
}
