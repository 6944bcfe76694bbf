package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/trainlink/packet"
	"github.com/opd-ai/trainlink/transport"
)

// quicKeepAlivePeriod keeps the connection alive through NATs. Transport
// PING frames are invisible to the relay's idle accounting; application
// keepalives on the control stream cover that.
const quicKeepAlivePeriod = 10 * time.Second

// QUICConn is a control connection over raw QUIC. Control packets travel
// as length-prefixed frames on a bidirectional stream; video packets
// travel as unreliable datagrams.
type QUICConn struct {
	conn    quic.Connection
	stream  quic.Stream
	writeMu sync.Mutex
}

// DialQUIC connects to the relay's QUIC endpoint and performs the greeting
// exchange: the agent identifies itself on a fresh stream and the relay
// answers with a hello naming the registered ID.
func DialQUIC(ctx context.Context, options *Options) (*QUICConn, error) {
	tlsConf := clientTLSConfig(options)
	tlsConf.NextProtos = []string{transport.ALPNRaw}

	conn, err := quic.DialAddr(ctx, options.QUICAddr, tlsConf, &quic.Config{
		EnableDatagrams: true,
		KeepAlivePeriod: quicKeepAlivePeriod,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", options.QUICAddr, err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "stream open failed")
		return nil, fmt.Errorf("failed to open control stream: %w", err)
	}

	if err := transport.WriteFrame(stream, transport.IdentifyTrainMessage(options.TrainID)); err != nil {
		conn.CloseWithError(0, "identification failed")
		return nil, fmt.Errorf("failed to send identification: %w", err)
	}
	reply, err := transport.ReadFrame(stream)
	if err != nil {
		conn.CloseWithError(0, "greeting failed")
		return nil, fmt.Errorf("failed to read greeting reply: %w", err)
	}
	id, ok := transport.ParseHello(reply)
	if !ok || id != options.TrainID {
		conn.CloseWithError(0, "unexpected greeting")
		return nil, fmt.Errorf("relay answered greeting with %q", reply)
	}

	logrus.WithFields(logrus.Fields{
		"function": "DialQUIC",
		"addr":     options.QUICAddr,
		"train_id": options.TrainID,
	}).Info("QUIC control connection established")
	return &QUICConn{conn: conn, stream: stream}, nil
}

// Protocol returns packet.ProtocolQUIC.
func (c *QUICConn) Protocol() string { return packet.ProtocolQUIC }

// Send writes one control packet as a length-prefixed stream frame.
func (c *QUICConn) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return transport.WriteFrame(c.stream, data)
}

// SendVideo ships a video packet as an unreliable datagram.
func (c *QUICConn) SendVideo(data []byte) error {
	return c.conn.SendDatagram(data)
}

// Receive blocks until the next control frame arrives on the stream.
func (c *QUICConn) Receive() ([]byte, error) {
	return transport.ReadFrame(c.stream)
}

// Close terminates the connection, unblocking any Receive in flight.
func (c *QUICConn) Close() error {
	return c.conn.CloseWithError(0, "agent shutdown")
}
