package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/trainlink/metrics"
	"github.com/opd-ai/trainlink/packet"
)

// ALPNRaw is the ALPN token for direct stream use. Browsers negotiate h3
// instead and get a WebTransport session over the same socket. Dialing
// clients must offer this token to reach the raw endpoint.
const ALPNRaw = "trainlink"

// quicIdleTimeout matches the liveness sweep deadline so the library and
// the sweeper agree on when a silent peer is dead.
const quicIdleTimeout = 30 * time.Second

// identifyTimeout bounds how long a fresh connection may stall before its
// first stream message.
const identifyTimeout = 10 * time.Second

// session abstracts a raw QUIC connection and a WebTransport session so
// one endpoint implementation serves both.
type session interface {
	acceptStream(ctx context.Context) (io.ReadWriteCloser, error)
	sendDatagram(data []byte) error
	receiveDatagram(ctx context.Context) ([]byte, error)
	closeSession(reason string) error
}

// quicSession adapts quic.Connection.
type quicSession struct {
	conn quic.Connection
}

func (s quicSession) acceptStream(ctx context.Context) (io.ReadWriteCloser, error) {
	return s.conn.AcceptStream(ctx)
}

func (s quicSession) sendDatagram(data []byte) error {
	return s.conn.SendDatagram(data)
}

func (s quicSession) receiveDatagram(ctx context.Context) ([]byte, error) {
	return s.conn.ReceiveDatagram(ctx)
}

func (s quicSession) closeSession(reason string) error {
	return s.conn.CloseWithError(0, reason)
}

// QUICListener accepts multiplexed datagram connections on one UDP socket.
// Raw ALPN connections are handled directly; h3 connections are handed to
// the WebTransport server, whose sessions come back through handleSession
// with their own transport kind.
type QUICListener struct {
	addr      string
	tlsConf   *tls.Config
	registrar Registrar

	mu              sync.RWMutex
	handlers        map[packet.PacketType]PacketHandler
	datagramHandler DatagramHandler
	endpoints       map[*sessionEndpoint]struct{}

	listener  *quic.Listener
	wt        *webTransportServer
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
}

// NewQUICListener creates a listener for the given UDP address. The TLS
// config is cloned; ALPN tokens are set here.
func NewQUICListener(addr string, tlsConf *tls.Config, registrar Registrar) *QUICListener {
	ctx, cancel := context.WithCancel(context.Background())
	conf := tlsConf.Clone()
	conf.NextProtos = []string{http3.NextProtoH3, ALPNRaw}

	l := &QUICListener{
		addr:      addr,
		tlsConf:   conf,
		registrar: registrar,
		handlers:  make(map[packet.PacketType]PacketHandler),
		endpoints: make(map[*sessionEndpoint]struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
	l.wt = newWebTransportServer(l, conf)
	return l
}

// RegisterHandler installs the handler for one packet type. Must be called
// before Start.
func (l *QUICListener) RegisterHandler(packetType packet.PacketType, handler PacketHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[packetType] = handler
}

// RegisterDatagramHandler installs the raw datagram handler. Datagrams
// bypass packet parsing so the fan-out path forwards original bytes.
func (l *QUICListener) RegisterDatagramHandler(handler DatagramHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.datagramHandler = handler
}

// Start opens the UDP socket and begins accepting connections.
func (l *QUICListener) Start() error {
	var startErr error
	l.startOnce.Do(func() {
		listener, err := quic.ListenAddr(l.addr, l.tlsConf, &quic.Config{
			EnableDatagrams: true,
			MaxIdleTimeout:  quicIdleTimeout,
		})
		if err != nil {
			startErr = fmt.Errorf("failed to listen on %s: %w", l.addr, err)
			return
		}
		l.listener = listener

		logrus.WithFields(logrus.Fields{
			"function": "Start",
			"addr":     l.addr,
		}).Info("QUIC listener started")

		l.wg.Add(1)
		go l.acceptLoop()
	})
	return startErr
}

// Addr returns the bound UDP address once Start has succeeded.
func (l *QUICListener) Addr() net.Addr {
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// Close stops accepting, tears down every session, and waits for the
// accept loop to exit.
func (l *QUICListener) Close() error {
	l.cancel()
	if l.listener != nil {
		_ = l.listener.Close()
	}

	l.mu.Lock()
	snapshot := make([]*sessionEndpoint, 0, len(l.endpoints))
	for endpoint := range l.endpoints {
		snapshot = append(snapshot, endpoint)
	}
	l.mu.Unlock()

	for _, endpoint := range snapshot {
		_ = endpoint.Close("listener shutdown")
	}

	l.wg.Wait()
	return nil
}

// acceptLoop demuxes incoming connections by negotiated ALPN.
func (l *QUICListener) acceptLoop() {
	defer l.wg.Done()
	for {
		conn, err := l.listener.Accept(l.ctx)
		if err != nil {
			if l.ctx.Err() != nil {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "acceptLoop",
				"error":    err,
			}).Warn("QUIC accept failed")
			continue
		}

		proto := conn.ConnectionState().TLS.NegotiatedProtocol
		logrus.WithFields(logrus.Fields{
			"function": "acceptLoop",
			"remote":   conn.RemoteAddr().String(),
			"alpn":     proto,
		}).Debug("QUIC connection accepted")

		switch proto {
		case http3.NextProtoH3:
			l.wg.Add(1)
			go func() {
				defer l.wg.Done()
				l.wt.serveConn(conn)
			}()
		default:
			l.wg.Add(1)
			go func() {
				defer l.wg.Done()
				l.handleSession(quicSession{conn: conn}, KindQUIC)
			}()
		}
	}
}

// handleSession identifies the peer on its first stream and runs the
// endpoint until the session dies. Shared by raw QUIC and WebTransport.
func (l *QUICListener) handleSession(sess session, kind Kind) {
	acceptCtx, cancel := context.WithTimeout(l.ctx, identifyTimeout)
	stream, err := sess.acceptStream(acceptCtx)
	cancel()
	if err != nil {
		_ = sess.closeSession("no control stream")
		return
	}

	greeting, err := ReadFrame(stream)
	if err != nil {
		_ = sess.closeSession("identification read failed")
		return
	}
	role, id, err := ParseIdentification(greeting)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleSession",
			"error":    err,
		}).Warn("Rejecting unidentified session")
		_ = sess.closeSession("identification required")
		return
	}

	if err := WriteFrame(stream, HelloMessage(id)); err != nil {
		_ = sess.closeSession("hello write failed")
		return
	}

	endpoint := newSessionEndpoint(l, sess, stream, id, role, kind)

	l.mu.Lock()
	l.endpoints[endpoint] = struct{}{}
	l.mu.Unlock()

	if err := l.register(endpoint); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleSession",
			"id":       id,
			"error":    err,
		}).Error("Endpoint registration failed")
		_ = endpoint.Close("registration failed")
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":  "handleSession",
		"id":        id,
		"role":      role.String(),
		"transport": kind.String(),
	}).Info("Session endpoint connected")

	endpoint.run()
	l.drop(endpoint)
}

func (l *QUICListener) register(endpoint *sessionEndpoint) error {
	if endpoint.role == RoleTrain {
		return l.registrar.AddTrain(endpoint.id, endpoint)
	}
	return l.registrar.AddConsole(endpoint.id, endpoint)
}

func (l *QUICListener) drop(endpoint *sessionEndpoint) {
	l.mu.Lock()
	delete(l.endpoints, endpoint)
	l.mu.Unlock()

	if endpoint.role == RoleTrain {
		l.registrar.RemoveTrain(endpoint.id, endpoint.kind)
	} else {
		l.registrar.RemoveConsole(endpoint.id, endpoint.kind)
	}

	logrus.WithFields(logrus.Fields{
		"function":  "drop",
		"id":        endpoint.id,
		"role":      endpoint.role.String(),
		"transport": endpoint.kind.String(),
	}).Info("Session endpoint disconnected")
}

func (l *QUICListener) handlerFor(packetType packet.PacketType) (PacketHandler, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	handler, ok := l.handlers[packetType]
	return handler, ok
}

func (l *QUICListener) datagrams() DatagramHandler {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.datagramHandler
}

// sessionEndpoint is one identified QUIC or WebTransport session.
type sessionEndpoint struct {
	listener *QUICListener
	sess     session
	stream   io.ReadWriteCloser
	id       string
	role     Role
	kind     Kind

	outbox *Outbox
	ctx    context.Context
	cancel context.CancelFunc

	lastActivity atomic.Int64
	closeOnce    sync.Once
	writeMu      sync.Mutex
}

func newSessionEndpoint(l *QUICListener, sess session, stream io.ReadWriteCloser, id string, role Role, kind Kind) *sessionEndpoint {
	ctx, cancel := context.WithCancel(l.ctx)
	endpoint := &sessionEndpoint{
		listener: l,
		sess:     sess,
		stream:   stream,
		id:       id,
		role:     role,
		kind:     kind,
		outbox:   NewOutbox(),
		ctx:      ctx,
		cancel:   cancel,
	}
	endpoint.Touch()
	return endpoint
}

// run drives the session's tasks and returns when all have exited.
func (e *sessionEndpoint) run() {
	group, ctx := errgroup.WithContext(e.ctx)

	group.Go(func() error { return e.streamReceiveLoop() })
	group.Go(func() error { return e.datagramReceiveLoop(ctx) })
	group.Go(func() error { return e.sendLoop(ctx) })
	group.Go(func() error {
		RunHeartbeat(ctx, e.outbox)
		return nil
	})

	err := group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrClosed) {
		logrus.WithFields(logrus.Fields{
			"function": "run",
			"id":       e.id,
			"error":    err,
		}).Debug("Session task group exited")
	}
	_ = e.Close("session tasks finished")
}

// streamReceiveLoop reads control stream frames: bind requests and binary
// packets.
func (e *sessionEndpoint) streamReceiveLoop() error {
	for {
		message, err := ReadFrame(e.stream)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("control stream read: %w", err)
		}
		e.Touch()

		if consoleID, trainID, ok := ParseMapConnection(message); ok {
			e.handleBind(consoleID, trainID)
			continue
		}

		pkt, err := packet.ParsePacket(message)
		if err != nil {
			metrics.IncCodecError(e.kind.String())
			logrus.WithFields(logrus.Fields{
				"function": "streamReceiveLoop",
				"id":       e.id,
				"error":    err,
			}).Warn("Dropping malformed stream message")
			continue
		}

		handler, ok := e.listener.handlerFor(pkt.PacketType)
		if !ok {
			metrics.IncUnknownType()
			logrus.WithFields(logrus.Fields{
				"function":    "streamReceiveLoop",
				"id":          e.id,
				"packet_type": pkt.PacketType.String(),
			}).Debug("No handler for packet type, dropping")
			continue
		}
		if err := handler(e, pkt); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":    "streamReceiveLoop",
				"id":          e.id,
				"packet_type": pkt.PacketType.String(),
				"error":       err,
			}).Warn("Packet handler failed")
		}
	}
}

// handleBind applies a console's bind request.
func (e *sessionEndpoint) handleBind(consoleID, trainID string) {
	if e.role != RoleConsole || consoleID != e.id {
		logrus.WithFields(logrus.Fields{
			"function":   "handleBind",
			"id":         e.id,
			"console_id": consoleID,
		}).Warn("Ignoring bind request for foreign identity")
		return
	}
	if err := e.listener.registrar.Bind(consoleID, trainID); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "handleBind",
			"console_id": consoleID,
			"train_id":   trainID,
			"error":      err,
		}).Warn("Bind request failed")
	}
}

// datagramReceiveLoop pumps inbound video datagrams to the raw handler.
func (e *sessionEndpoint) datagramReceiveLoop(ctx context.Context) error {
	for {
		data, err := e.sess.receiveDatagram(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("datagram receive: %w", err)
		}
		e.Touch()

		if handler := e.listener.datagrams(); handler != nil {
			handler(e, data)
		}
	}
}

// sendLoop drains the outbox onto the control stream.
func (e *sessionEndpoint) sendLoop(ctx context.Context) error {
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
		err = WriteFrame(e.stream, wire)
		e.writeMu.Unlock()
		if err != nil {
			return fmt.Errorf("control stream write: %w", err)
		}
	}
}

// ID returns the identifier from the identification exchange.
func (e *sessionEndpoint) ID() string { return e.id }

// Role returns the endpoint's role.
func (e *sessionEndpoint) Role() Role { return e.role }

// Kind returns KindQUIC or KindWebTransport.
func (e *sessionEndpoint) Kind() Kind { return e.kind }

// Send enqueues a packet for the stream sender.
func (e *sessionEndpoint) Send(pkt *packet.Packet) error {
	if pkt.PacketType == packet.PacketVideo {
		return e.outbox.EnqueueVideo(pkt)
	}
	return e.outbox.EnqueueControl(e.ctx, pkt)
}

// SendDatagram pushes wire bytes straight onto the unreliable lane,
// bypassing the outbox. Oversized or momentarily unsendable datagrams are
// the caller's loss, matching the lane's semantics.
func (e *sessionEndpoint) SendDatagram(wire []byte) error {
	return e.sess.sendDatagram(wire)
}

// LastActivity returns the arrival time of the most recent inbound data.
func (e *sessionEndpoint) LastActivity() time.Time {
	return time.Unix(0, e.lastActivity.Load())
}

// Touch records inbound activity now.
func (e *sessionEndpoint) Touch() {
	e.lastActivity.Store(time.Now().UnixNano())
}

// Close cancels the task group and closes the session. Idempotent.
func (e *sessionEndpoint) Close(reason string) error {
	e.closeOnce.Do(func() {
		logrus.WithFields(logrus.Fields{
			"function":  "Close",
			"id":        e.id,
			"transport": e.kind.String(),
			"reason":    reason,
		}).Debug("Closing session endpoint")

		e.cancel()
		e.outbox.Close()
		_ = e.stream.Close()
		_ = e.sess.closeSession(reason)
	})
	return nil
}
