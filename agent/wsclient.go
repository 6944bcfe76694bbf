package agent

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/trainlink/packet"
)

// wsHandshakeTimeout bounds the upgrade exchange.
const wsHandshakeTimeout = 10 * time.Second

// WSConn is a control connection over a WebSocket. The transport has no
// unreliable lane, so video shares the ordered stream with control
// traffic.
type WSConn struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// DialWS connects to the relay's train WebSocket endpoint. The URL path
// identifies the vehicle; no greeting exchange follows the upgrade.
func DialWS(ctx context.Context, options *Options) (*WSConn, error) {
	scheme := "ws"
	if options.UseTLS {
		scheme = "wss"
	}
	endpoint := url.URL{Scheme: scheme, Host: options.RelayHost, Path: "/ws/train/" + options.TrainID}

	dialer := websocket.Dialer{
		HandshakeTimeout: wsHandshakeTimeout,
		TLSClientConfig:  clientTLSConfig(options),
	}
	conn, _, err := dialer.DialContext(ctx, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", endpoint.String(), err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "DialWS",
		"endpoint": endpoint.String(),
	}).Info("WebSocket control connection established")
	return &WSConn{conn: conn}, nil
}

// Protocol returns packet.ProtocolWebSocket.
func (c *WSConn) Protocol() string { return packet.ProtocolWebSocket }

// Send writes one packet as a binary message.
func (c *WSConn) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

// SendVideo writes a video packet on the shared ordered stream.
func (c *WSConn) SendVideo(data []byte) error {
	return c.Send(data)
}

// Receive blocks until the next message arrives.
func (c *WSConn) Receive() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Close sends a close frame and tears down the connection, unblocking any
// Receive in flight.
func (c *WSConn) Close() error {
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(time.Second)
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
