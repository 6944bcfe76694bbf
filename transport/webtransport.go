package transport

import (
	"context"
	"crypto/tls"
	"io"
	"net/http"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"
	"github.com/sirupsen/logrus"
)

// webTransportServer terminates h3-negotiated connections from browsers
// and feeds the upgraded sessions back into the QUIC listener's endpoint
// handling. Browsers cannot open raw QUIC streams, so this is their road
// onto the datagram lane.
type webTransportServer struct {
	listener *QUICListener
	server   *webtransport.Server
}

func newWebTransportServer(l *QUICListener, tlsConf *tls.Config) *webTransportServer {
	mux := http.NewServeMux()
	wt := &webTransportServer{
		listener: l,
		server: &webtransport.Server{
			H3: http3.Server{
				TLSConfig:       tlsConf,
				Handler:         mux,
				EnableDatagrams: true,
			},
			// Identity comes from the in-session greeting, not the Origin
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	mux.HandleFunc("/", wt.upgrade)
	return wt
}

// serveConn runs the HTTP/3 layer over one accepted QUIC connection.
func (wt *webTransportServer) serveConn(conn quic.Connection) {
	if err := wt.server.ServeQUICConn(conn); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "serveConn",
			"remote":   conn.RemoteAddr().String(),
			"error":    err,
		}).Debug("HTTP/3 connection finished")
	}
}

// upgrade accepts a CONNECT request and hands the session to the shared
// endpoint lifecycle.
func (wt *webTransportServer) upgrade(w http.ResponseWriter, r *http.Request) {
	sess, err := wt.server.Upgrade(w, r)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "upgrade",
			"remote":   r.RemoteAddr,
			"error":    err,
		}).Warn("WebTransport upgrade failed")
		http.Error(w, "webtransport upgrade failed", http.StatusBadRequest)
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "upgrade",
		"remote":   r.RemoteAddr,
	}).Debug("WebTransport session established")

	go wt.listener.handleSession(wtSession{sess: sess}, KindWebTransport)
}

// wtSession adapts webtransport.Session to the shared session interface.
type wtSession struct {
	sess *webtransport.Session
}

func (s wtSession) acceptStream(ctx context.Context) (io.ReadWriteCloser, error) {
	return s.sess.AcceptStream(ctx)
}

func (s wtSession) sendDatagram(data []byte) error {
	return s.sess.SendDatagram(data)
}

func (s wtSession) receiveDatagram(ctx context.Context) ([]byte, error) {
	return s.sess.ReceiveDatagram(ctx)
}

func (s wtSession) closeSession(reason string) error {
	return s.sess.CloseWithError(0, reason)
}
