package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
)

// The HTTP WebRTC endpoints mirror the signaling hub for consoles that
// negotiate over plain requests instead of holding a signaling socket. The
// console names itself; the bound train is resolved through the registry.

type webrtcRequest struct {
	RemoteControlID string          `json:"remote_control_id"`
	SDP             string          `json:"sdp,omitempty"`
	Candidate       json.RawMessage `json:"candidate,omitempty"`
}

type sessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type trainSignalingStatus struct {
	TrainClientID       string `json:"trainClientId"`
	TrainConnected      bool   `json:"trainConnected"`
	WebClientsConnected int    `json:"webClientsConnected"`
	Status              string `json:"status"`
}

func (s *Server) decodeWebRTCRequest(w http.ResponseWriter, r *http.Request) (webrtcRequest, bool) {
	var req webrtcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid JSON body")
		return req, false
	}
	if req.RemoteControlID == "" {
		writeDetail(w, http.StatusBadRequest, "remote_control_id is required")
		return req, false
	}
	return req, true
}

// boundTrain resolves the console's train or answers 404.
func (s *Server) boundTrain(w http.ResponseWriter, consoleID string) (string, bool) {
	trainID, ok := s.sessions.TrainOf(consoleID)
	if !ok {
		writeDetail(w, http.StatusNotFound, "remote control not bound to a train")
		return "", false
	}
	return trainID, true
}

// handleWebRTCOffer replays the bound train's most recent offer so the
// console can answer over HTTP.
func (s *Server) handleWebRTCOffer(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeWebRTCRequest(w, r)
	if !ok {
		return
	}
	trainID, ok := s.boundTrain(w, req.RemoteControlID)
	if !ok {
		return
	}

	raw, ok := s.hub.LatestOffer(trainID)
	if !ok {
		writeDetail(w, http.StatusNotFound, "no offer available from train")
		return
	}

	var offer sessionDescription
	if err := json.Unmarshal(raw, &offer); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleWebRTCOffer",
			"train_id": trainID,
			"error":    err,
		}).Error("Cached offer is not valid JSON")
		writeDetail(w, http.StatusInternalServerError, "stored offer unreadable")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"offer":  offer,
	})
}

func (s *Server) handleWebRTCAnswer(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeWebRTCRequest(w, r)
	if !ok {
		return
	}
	trainID, ok := s.boundTrain(w, req.RemoteControlID)
	if !ok {
		return
	}

	raw, err := json.Marshal(sessionDescription{Type: "answer", SDP: req.SDP})
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "failed to encode answer")
		return
	}
	s.forwardSignal(w, trainID, raw)
}

func (s *Server) handleWebRTCICECandidate(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeWebRTCRequest(w, r)
	if !ok {
		return
	}
	trainID, ok := s.boundTrain(w, req.RemoteControlID)
	if !ok {
		return
	}

	raw, err := json.Marshal(struct {
		Type      string          `json:"type"`
		Candidate json.RawMessage `json:"candidate"`
	}{Type: "ice", Candidate: req.Candidate})
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "failed to encode candidate")
		return
	}
	s.forwardSignal(w, trainID, raw)
}

func (s *Server) forwardSignal(w http.ResponseWriter, trainID string, raw []byte) {
	if delivered := s.hub.ForwardToTrains(trainID, raw); delivered == 0 {
		writeDetail(w, http.StatusNotFound, "train not connected to signaling")
		return
	}
	writeJSON(w, http.StatusOK, statusSuccess)
}

func (s *Server) handleWebRTCStatus(w http.ResponseWriter, r *http.Request) {
	trainID := chi.URLParam(r, "train_id")

	status, ok := s.hub.StatusFor(trainID)
	reply := trainSignalingStatus{
		TrainClientID: trainID,
		Status:        "inactive",
	}
	if ok {
		reply.TrainConnected = status.TrainConnected
		reply.WebClientsConnected = status.WebClientsConnected
		reply.Status = "active"
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) handleWebRTCStatusAll(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.Status())
}
