// Package api exposes the relay's HTTP control surface: train discovery,
// console-to-train binding, speed test endpoints, the WebRTC signaling
// mirror, and the WebSocket upgrade paths for trains and consoles.
//
// Design philosophy: the API layer holds no session state of its own. Every
// handler is a thin translation between HTTP and the registry or signaling
// hub, so restarting the HTTP listener never loses a connection fact.
package api

import (
	"math/rand"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opd-ai/trainlink/registry"
	"github.com/opd-ai/trainlink/signaling"
	"github.com/opd-ai/trainlink/transport"
)

const (
	// DefaultSpeedtestMB is the download payload size when the deployment
	// does not configure one.
	DefaultSpeedtestMB = 8

	speedtestChunkSize = 256 << 10
)

// Config carries the collaborators a Server routes requests to. WS and Hub
// may be nil when the deployment disables the corresponding transport; the
// matching routes are then not mounted.
type Config struct {
	Sessions    *registry.Registry
	Hub         *signaling.Hub
	WS          *transport.WebSocketListener
	SpeedtestMB int
}

// Server is the HTTP control surface. Construct with New, mount Handler on
// an http.Server.
type Server struct {
	sessions *registry.Registry
	hub      *signaling.Hub
	ws       *transport.WebSocketListener

	downloadLen int64
	chunk       []byte
}

// New builds a Server. The speed test payload is generated once so the
// download handler only copies bytes.
func New(cfg Config) *Server {
	if cfg.SpeedtestMB <= 0 {
		cfg.SpeedtestMB = DefaultSpeedtestMB
	}

	chunk := make([]byte, speedtestChunkSize)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	rng.Read(chunk)

	return &Server{
		sessions:    cfg.Sessions,
		hub:         cfg.Hub,
		ws:          cfg.WS,
		downloadLen: int64(cfg.SpeedtestMB) << 20,
		chunk:       chunk,
	}
}

// Handler returns the fully wired router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/stream/{train_id}", s.handleStream)

	r.Route("/api", func(r chi.Router) {
		r.Get("/trains", s.handleListTrains)
		r.Post("/remote_control/{console_id}/train/{train_id}", s.handleBind)
		r.Delete("/remote_control/{console_id}/train", s.handleUnbind)
		r.Get("/speedtest/download", s.handleSpeedtestDownload)
		r.Post("/speedtest/upload", s.handleSpeedtestUpload)

		r.Route("/webrtc", func(r chi.Router) {
			r.Post("/offer", s.handleWebRTCOffer)
			r.Post("/answer", s.handleWebRTCAnswer)
			r.Post("/ice-candidate", s.handleWebRTCICECandidate)
			r.Get("/status", s.handleWebRTCStatusAll)
			r.Get("/status/{train_id}", s.handleWebRTCStatus)
		})
	})

	if s.ws != nil {
		r.Get("/ws/train/{train_id}", func(w http.ResponseWriter, req *http.Request) {
			s.ws.HandleTrain(w, req, chi.URLParam(req, "train_id"))
		})
		r.Get("/ws/remote_control/{console_id}", func(w http.ResponseWriter, req *http.Request) {
			s.ws.HandleConsole(w, req, chi.URLParam(req, "console_id"))
		})
	}
	if s.hub != nil {
		r.Get("/ws/webrtc/train/{train_id}", func(w http.ResponseWriter, req *http.Request) {
			s.hub.HandleTrain(w, req, chi.URLParam(req, "train_id"))
		})
		r.Get("/ws/webrtc/client/{train_id}", func(w http.ResponseWriter, req *http.Request) {
			s.hub.HandleClient(w, req, chi.URLParam(req, "train_id"))
		})
	}

	return r
}
