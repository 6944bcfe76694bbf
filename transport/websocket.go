package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/trainlink/limits"
	"github.com/opd-ai/trainlink/metrics"
	"github.com/opd-ai/trainlink/packet"
)

// wsWriteTimeout bounds a single frame write so one stuck peer cannot
// wedge its sender task.
const wsWriteTimeout = 10 * time.Second

// WebSocketListener accepts message-framed stream connections. It does not
// own an HTTP server; the API layer mounts HandleTrain and HandleConsole
// on its router and passes the path identifier in.
type WebSocketListener struct {
	registrar Registrar

	mu        sync.RWMutex
	handlers  map[packet.PacketType]PacketHandler
	endpoints map[*wsEndpoint]struct{}
	closed    bool

	upgrader websocket.Upgrader
}

// NewWebSocketListener creates a listener registering its endpoints with
// the given registrar.
func NewWebSocketListener(registrar Registrar) *WebSocketListener {
	return &WebSocketListener{
		registrar: registrar,
		handlers:  make(map[packet.PacketType]PacketHandler),
		endpoints: make(map[*wsEndpoint]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Consoles are browsers on arbitrary origins; identity comes
			// from the path, not the Origin header.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// RegisterHandler installs the handler for one packet type. Must be called
// before the first connection is accepted.
func (l *WebSocketListener) RegisterHandler(packetType packet.PacketType, handler PacketHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[packetType] = handler
}

// Start is a no-op; the listener accepts via HTTP handlers mounted by the
// API layer.
func (l *WebSocketListener) Start() error {
	return nil
}

// Close tears down every live connection and refuses new ones.
func (l *WebSocketListener) Close() error {
	l.mu.Lock()
	l.closed = true
	snapshot := make([]*wsEndpoint, 0, len(l.endpoints))
	for endpoint := range l.endpoints {
		snapshot = append(snapshot, endpoint)
	}
	l.mu.Unlock()

	for _, endpoint := range snapshot {
		_ = endpoint.Close("listener shutdown")
	}
	return nil
}

// HandleTrain upgrades an HTTP request into a train endpoint.
func (l *WebSocketListener) HandleTrain(w http.ResponseWriter, r *http.Request, trainID string) {
	l.accept(w, r, trainID, RoleTrain)
}

// HandleConsole upgrades an HTTP request into a console endpoint.
func (l *WebSocketListener) HandleConsole(w http.ResponseWriter, r *http.Request, consoleID string) {
	l.accept(w, r, consoleID, RoleConsole)
}

// accept upgrades the connection, registers the endpoint, and runs its
// task group until the connection dies.
func (l *WebSocketListener) accept(w http.ResponseWriter, r *http.Request, id string, role Role) {
	if id == "" {
		http.Error(w, "missing identifier", http.StatusBadRequest)
		return
	}
	l.mu.RLock()
	closed := l.closed
	l.mu.RUnlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "accept",
			"id":       id,
			"error":    err,
		}).Warn("WebSocket upgrade failed")
		return
	}

	endpoint := newWSEndpoint(l, conn, id, role)

	l.mu.Lock()
	l.endpoints[endpoint] = struct{}{}
	l.mu.Unlock()

	if err := l.register(endpoint); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "accept",
			"id":       id,
			"role":     role.String(),
			"error":    err,
		}).Error("Endpoint registration failed")
		_ = endpoint.Close("registration failed")
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "accept",
		"id":       id,
		"role":     role.String(),
		"remote":   r.RemoteAddr,
	}).Info("WebSocket endpoint connected")

	// Block the HTTP handler for the connection's lifetime, like any
	// upgraded socket handler.
	endpoint.run()
	l.drop(endpoint)
}

func (l *WebSocketListener) register(endpoint *wsEndpoint) error {
	if endpoint.role == RoleTrain {
		return l.registrar.AddTrain(endpoint.id, endpoint)
	}
	return l.registrar.AddConsole(endpoint.id, endpoint)
}

// drop removes a dead endpoint from the listener and the registrar.
func (l *WebSocketListener) drop(endpoint *wsEndpoint) {
	l.mu.Lock()
	delete(l.endpoints, endpoint)
	l.mu.Unlock()

	if endpoint.role == RoleTrain {
		l.registrar.RemoveTrain(endpoint.id, KindWebSocket)
	} else {
		l.registrar.RemoveConsole(endpoint.id, KindWebSocket)
	}

	logrus.WithFields(logrus.Fields{
		"function": "drop",
		"id":       endpoint.id,
		"role":     endpoint.role.String(),
	}).Info("WebSocket endpoint disconnected")
}

// handlerFor returns the registered handler for a packet type.
func (l *WebSocketListener) handlerFor(packetType packet.PacketType) (PacketHandler, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	handler, ok := l.handlers[packetType]
	return handler, ok
}

// wsEndpoint is one live WebSocket connection.
type wsEndpoint struct {
	listener *WebSocketListener
	conn     *websocket.Conn
	id       string
	role     Role

	outbox *Outbox
	ctx    context.Context
	cancel context.CancelFunc

	lastActivity atomic.Int64 // unix nanos
	closeOnce    sync.Once

	// writeMu serializes Close's control frame with the sender's writes.
	writeMu sync.Mutex
}

func newWSEndpoint(listener *WebSocketListener, conn *websocket.Conn, id string, role Role) *wsEndpoint {
	ctx, cancel := context.WithCancel(context.Background())
	endpoint := &wsEndpoint{
		listener: listener,
		conn:     conn,
		id:       id,
		role:     role,
		outbox:   NewOutbox(),
		ctx:      ctx,
		cancel:   cancel,
	}
	endpoint.Touch()
	return endpoint
}

// run drives the three connection tasks and returns when all have exited.
// Any task failing cancels the others.
func (e *wsEndpoint) run() {
	group, ctx := errgroup.WithContext(e.ctx)

	group.Go(func() error { return e.receiveLoop(ctx) })
	group.Go(func() error { return e.sendLoop(ctx) })
	group.Go(func() error {
		RunHeartbeat(ctx, e.outbox)
		return nil
	})

	err := group.Wait()
	if err != nil && !isExpectedClose(err) {
		logrus.WithFields(logrus.Fields{
			"function": "run",
			"id":       e.id,
			"error":    err,
		}).Warn("WebSocket task group exited with error")
	}
	_ = e.Close("connection tasks finished")
}

// receiveLoop reads packets until EOF or error and dispatches by type.
func (e *wsEndpoint) receiveLoop(ctx context.Context) error {
	// Bound inbound messages to the largest legal frame slice plus header
	e.conn.SetReadLimit(int64(limits.MaxEncodedFrame + packet.VideoHeaderSize))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		messageType, data, err := e.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("websocket read: %w", err)
		}
		if messageType != websocket.BinaryMessage {
			// Text frames carry nothing in this protocol
			continue
		}

		e.Touch()
		e.dispatch(data)
	}
}

// dispatch parses one wire message and hands it to the registered handler.
// Malformed or unknown packets are logged and dropped; the connection
// survives.
func (e *wsEndpoint) dispatch(data []byte) {
	pkt, err := packet.ParsePacket(data)
	if err != nil {
		metrics.IncCodecError(KindWebSocket.String())
		logrus.WithFields(logrus.Fields{
			"function": "dispatch",
			"id":       e.id,
			"error":    err,
		}).Warn("Dropping malformed packet")
		return
	}

	handler, ok := e.listener.handlerFor(pkt.PacketType)
	if !ok {
		metrics.IncUnknownType()
		logrus.WithFields(logrus.Fields{
			"function":    "dispatch",
			"id":          e.id,
			"packet_type": pkt.PacketType.String(),
		}).Debug("No handler for packet type, dropping")
		return
	}

	if err := handler(e, pkt); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "dispatch",
			"id":          e.id,
			"packet_type": pkt.PacketType.String(),
			"error":       err,
		}).Warn("Packet handler failed")
	}
}

// sendLoop drains the outbox onto the wire in order.
func (e *wsEndpoint) sendLoop(ctx context.Context) error {
	for {
		pkt, err := e.outbox.Next(ctx)
		if err != nil {
			return err
		}

		wire, err := pkt.Serialize()
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "sendLoop",
				"id":       e.id,
				"error":    err,
			}).Error("Failed to serialize outbound packet")
			continue
		}

		e.writeMu.Lock()
		_ = e.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		err = e.conn.WriteMessage(websocket.BinaryMessage, wire)
		e.writeMu.Unlock()
		if err != nil {
			return fmt.Errorf("websocket write: %w", err)
		}
	}
}

// ID returns the identifier presented in the connection path.
func (e *wsEndpoint) ID() string { return e.id }

// Role returns the endpoint's role.
func (e *wsEndpoint) Role() Role { return e.role }

// Kind returns KindWebSocket.
func (e *wsEndpoint) Kind() Kind { return KindWebSocket }

// Send enqueues a packet for the sender task. Video displaces the oldest
// queued video packet when the lane is full; everything else blocks.
func (e *wsEndpoint) Send(pkt *packet.Packet) error {
	if pkt.PacketType == packet.PacketVideo {
		return e.outbox.EnqueueVideo(pkt)
	}
	return e.outbox.EnqueueControl(e.ctx, pkt)
}

// SendDatagram delivers wire bytes on the lossy policy. WebSocket has no
// datagram lane, so the bytes ride the ordered stream with video drop
// semantics.
func (e *wsEndpoint) SendDatagram(wire []byte) error {
	pkt, err := packet.ParsePacket(wire)
	if err != nil {
		return fmt.Errorf("invalid datagram: %w", err)
	}
	return e.outbox.EnqueueVideo(pkt)
}

// LastActivity returns the arrival time of the most recent inbound packet.
func (e *wsEndpoint) LastActivity() time.Time {
	return time.Unix(0, e.lastActivity.Load())
}

// Touch records inbound activity now.
func (e *wsEndpoint) Touch() {
	e.lastActivity.Store(time.Now().UnixNano())
}

// Close cancels the task group and closes the socket. Idempotent.
func (e *wsEndpoint) Close(reason string) error {
	e.closeOnce.Do(func() {
		logrus.WithFields(logrus.Fields{
			"function": "Close",
			"id":       e.id,
			"reason":   reason,
		}).Debug("Closing WebSocket endpoint")

		// Best-effort close frame so browsers see a clean shutdown
		message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		e.writeMu.Lock()
		_ = e.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = e.conn.WriteMessage(websocket.CloseMessage, message)
		e.writeMu.Unlock()

		e.cancel()
		e.outbox.Close()
		_ = e.conn.Close()
	})
	return nil
}

// isExpectedClose reports whether an error is part of a normal teardown.
func isExpectedClose(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrClosed) {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
