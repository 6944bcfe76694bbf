package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/trainlink/registry"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleListTrains returns every train currently reachable on at least one
// transport, as a sorted JSON array of ids.
func (s *Server) handleListTrains(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.ListTrains())
}

func (s *Server) handleBind(w http.ResponseWriter, r *http.Request) {
	consoleID := chi.URLParam(r, "console_id")
	trainID := chi.URLParam(r, "train_id")

	if err := s.sessions.Bind(consoleID, trainID); err != nil {
		if errors.Is(err, registry.ErrUnknownTrain) {
			writeDetail(w, http.StatusNotFound, "train not found")
			return
		}
		logrus.WithFields(logrus.Fields{
			"function":   "handleBind",
			"console_id": consoleID,
			"train_id":   trainID,
			"error":      err,
		}).Error("Bind failed")
		writeDetail(w, http.StatusInternalServerError, "bind failed")
		return
	}
	writeJSON(w, http.StatusOK, statusSuccess)
}

func (s *Server) handleUnbind(w http.ResponseWriter, r *http.Request) {
	s.sessions.Unbind(chi.URLParam(r, "console_id"))
	writeJSON(w, http.StatusOK, statusSuccess)
}

// handleStream is a placeholder kept for control panels that probe it
// before opening a video surface. It intentionally returns an empty 200.
func (s *Server) handleStream(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleSpeedtestDownload(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(s.downloadLen, 10))
	w.WriteHeader(http.StatusOK)

	remaining := s.downloadLen
	for remaining > 0 {
		n := int64(len(s.chunk))
		if n > remaining {
			n = remaining
		}
		if _, err := w.Write(s.chunk[:n]); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "handleSpeedtestDownload",
				"error":    err,
			}).Debug("Download measurement aborted by client")
			return
		}
		remaining -= n
	}
}

func (s *Server) handleSpeedtestUpload(w http.ResponseWriter, r *http.Request) {
	received, err := io.Copy(io.Discard, r.Body)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleSpeedtestUpload",
			"error":    err,
		}).Debug("Upload measurement aborted by client")
		writeDetail(w, http.StatusBadRequest, "failed to read upload body")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "received": received})
}
