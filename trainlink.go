package trainlink

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/trainlink/api"
	"github.com/opd-ai/trainlink/registry"
	"github.com/opd-ai/trainlink/router"
	"github.com/opd-ai/trainlink/signaling"
	"github.com/opd-ai/trainlink/transport"
)

// drainTimeout bounds how long Stop waits for in-flight HTTP exchanges.
const drainTimeout = time.Second

// Options configures a Relay. Zero values fall back to NewOptions defaults
// where sensible; TLS is required when QUIC is enabled.
type Options struct {
	// HTTPAddr is the bind address of the control API, WebSocket paths,
	// and signaling hub.
	HTTPAddr string
	// QUICAddr is the bind address of the QUIC and WebTransport listener.
	QUICAddr string
	// MQTTBrokerURL enables the MQTT bridge when non-empty, e.g.
	// "tcp://broker.local:1883".
	MQTTBrokerURL string

	// TLS serves the HTTP listener when set and is mandatory for QUIC.
	TLS *tls.Config

	// SpeedtestMB sizes the download measurement payload.
	SpeedtestMB int

	EnableWS   bool
	EnableQUIC bool
}

// NewOptions returns the default relay configuration: WebSocket and QUIC
// enabled on the conventional ports, MQTT off.
func NewOptions() *Options {
	return &Options{
		HTTPAddr:    "0.0.0.0:8000",
		QUICAddr:    "0.0.0.0:4437",
		SpeedtestMB: api.DefaultSpeedtestMB,
		EnableWS:    true,
		EnableQUIC:  true,
	}
}

// Relay is the assembled fabric: session registry, router, transport
// listeners, signaling hub, and HTTP control surface. Create with New,
// register callbacks, then Start.
type Relay struct {
	options *Options

	sessions *registry.Registry
	router   *router.Router
	hub      *signaling.Hub
	sweeper  *transport.Sweeper

	ws   *transport.WebSocketListener
	quic *transport.QUICListener
	mqtt *transport.MQTTListener

	httpServer   *http.Server
	httpListener net.Listener

	mu      sync.Mutex
	running bool

	// simulationArmed gates onFirstBindWithNoTrain so the operational
	// layer is asked for a simulated train once per drought, not once per
	// rejected bind.
	simulationArmed bool
	consoleCount    int

	onTrainConnected       func(trainID string)
	onTrainDisconnected    func(trainID string)
	onBind                 func(consoleID, trainID string)
	onFirstBindWithNoTrain func()
	onLastConsoleGone      func()
}

// New assembles a Relay from options. Nothing touches the network until
// Start.
func New(options *Options) (*Relay, error) {
	if options == nil {
		options = NewOptions()
	}
	if options.EnableQUIC && options.TLS == nil {
		return nil, errors.New("quic listener requires a TLS config")
	}

	sessions := registry.New()
	relay := &Relay{
		options:         options,
		sessions:        sessions,
		router:          router.New(sessions),
		hub:             signaling.NewHub(),
		sweeper:         transport.NewSweeper(sessions.AllEndpoints),
		simulationArmed: true,
	}

	if options.EnableWS {
		relay.ws = transport.NewWebSocketListener(sessions)
		relay.router.Attach(relay.ws)
	}
	if options.EnableQUIC {
		relay.quic = transport.NewQUICListener(options.QUICAddr, options.TLS, sessions)
		relay.router.Attach(relay.quic)
	}
	if options.MQTTBrokerURL != "" {
		clientID := "trainlink-relay-" + uuid.NewString()[:8]
		relay.mqtt = transport.NewMQTTListener(options.MQTTBrokerURL, clientID, sessions)
		relay.router.Attach(relay.mqtt)
	}

	relay.router.SetHooks(router.Hooks{
		TrainConnected:    relay.trainConnected,
		TrainDisconnected: relay.trainDisconnected,
		Bound:             relay.bound,
		ConsoleAdded:      relay.consoleAdded,
		ConsoleRemoved:    relay.consoleRemoved,
	})
	sessions.SetBindRejectedHook(relay.bindRejected)

	apiServer := api.New(api.Config{
		Sessions:    sessions,
		Hub:         relay.hub,
		WS:          relay.ws,
		SpeedtestMB: options.SpeedtestMB,
	})
	relay.httpServer = &http.Server{
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return relay, nil
}

// Start binds the listeners and launches the routing tasks. Callbacks must
// already be registered.
func (r *Relay) Start() error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return errors.New("relay already started")
	}
	r.running = true
	r.mu.Unlock()

	r.router.Start()

	if r.ws != nil {
		if err := r.ws.Start(); err != nil {
			return fmt.Errorf("start websocket listener: %w", err)
		}
	}
	if r.quic != nil {
		if err := r.quic.Start(); err != nil {
			return fmt.Errorf("start quic listener: %w", err)
		}
	}
	if r.mqtt != nil {
		if err := r.mqtt.Start(); err != nil {
			return fmt.Errorf("start mqtt bridge: %w", err)
		}
	}

	listener, err := net.Listen("tcp", r.options.HTTPAddr)
	if err != nil {
		return fmt.Errorf("bind http listener on %s: %w", r.options.HTTPAddr, err)
	}
	if r.options.TLS != nil {
		listener = tls.NewListener(listener, r.options.TLS)
	}
	r.mu.Lock()
	r.httpListener = listener
	r.mu.Unlock()

	go func() {
		if err := r.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithFields(logrus.Fields{
				"function": "Start",
				"error":    err,
			}).Error("HTTP server exited")
		}
	}()

	r.sweeper.Start()

	logrus.WithFields(logrus.Fields{
		"function":  "Start",
		"http_addr": r.options.HTTPAddr,
		"websocket": r.ws != nil,
		"quic":      r.quic != nil,
		"mqtt":      r.mqtt != nil,
		"tls":       r.options.TLS != nil,
	}).Info("Relay started")
	return nil
}

// Stop shuts everything down: HTTP drains for up to a second, then the
// transports, router, and registry are torn down in dependency order.
func (r *Relay) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := r.httpServer.Shutdown(ctx); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Stop",
			"error":    err,
		}).Debug("HTTP drain incomplete, forcing close")
		_ = r.httpServer.Close()
	}

	r.sweeper.Close()
	if r.mqtt != nil {
		_ = r.mqtt.Close()
	}
	if r.quic != nil {
		_ = r.quic.Close()
	}
	if r.ws != nil {
		_ = r.ws.Close()
	}
	r.hub.Close()
	r.router.Close()
	r.sessions.Close()

	logrus.WithFields(logrus.Fields{
		"function": "Stop",
	}).Info("Relay stopped")
}

// IsRunning reports whether Start has been called and Stop has not.
func (r *Relay) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Sessions exposes the session registry, mainly for operational tooling
// and tests.
func (r *Relay) Sessions() *registry.Registry {
	return r.sessions
}

// HTTPAddr returns the bound address of the HTTP listener, or nil before
// Start. Useful when binding port 0.
func (r *Relay) HTTPAddr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.httpListener == nil {
		return nil
	}
	return r.httpListener.Addr()
}

// OnTrainConnected registers the callback invoked when a train becomes
// reachable on its first transport. Register before Start.
func (r *Relay) OnTrainConnected(callback func(trainID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onTrainConnected = callback
}

// OnTrainDisconnected registers the callback invoked when a train's last
// transport disconnects. Register before Start.
func (r *Relay) OnTrainDisconnected(callback func(trainID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onTrainDisconnected = callback
}

// OnBind registers the callback invoked after a console is attached to a
// train. Register before Start.
func (r *Relay) OnBind(callback func(consoleID, trainID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onBind = callback
}

// OnFirstBindWithNoTrain registers the hook the operational layer uses to
// start a simulated train: it fires when a bind names an absent train while
// no train at all is connected. Re-armed each time the last console leaves.
func (r *Relay) OnFirstBindWithNoTrain(callback func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onFirstBindWithNoTrain = callback
}

// OnLastConsoleGone registers the hook invoked when the last console
// disconnects, typically to stop a simulated train.
func (r *Relay) OnLastConsoleGone(callback func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onLastConsoleGone = callback
}

func (r *Relay) trainConnected(trainID string) {
	r.mu.Lock()
	callback := r.onTrainConnected
	r.mu.Unlock()
	if callback != nil {
		callback(trainID)
	}
}

func (r *Relay) trainDisconnected(trainID string) {
	r.mu.Lock()
	callback := r.onTrainDisconnected
	r.mu.Unlock()
	if callback != nil {
		callback(trainID)
	}
}

func (r *Relay) bound(consoleID, trainID string) {
	r.mu.Lock()
	callback := r.onBind
	r.mu.Unlock()
	if callback != nil {
		callback(consoleID, trainID)
	}
}

func (r *Relay) consoleAdded(string) {
	r.mu.Lock()
	r.consoleCount++
	r.mu.Unlock()
}

func (r *Relay) consoleRemoved(string) {
	r.mu.Lock()
	r.consoleCount--
	empty := r.consoleCount == 0
	if empty {
		r.simulationArmed = true
	}
	callback := r.onLastConsoleGone
	r.mu.Unlock()

	if empty && callback != nil {
		callback()
	}
}

// bindRejected turns a bind against an absent train into a simulation
// request when the fleet is entirely empty.
func (r *Relay) bindRejected(consoleID, trainID string) {
	if len(r.sessions.ListTrains()) > 0 {
		return
	}

	r.mu.Lock()
	armed := r.simulationArmed
	r.simulationArmed = false
	callback := r.onFirstBindWithNoTrain
	r.mu.Unlock()

	if !armed || callback == nil {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function":   "bindRejected",
		"console_id": consoleID,
		"train_id":   trainID,
	}).Info("No trains connected, requesting simulated train")
	callback()
}
