package agent

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"

	"github.com/opd-ai/trainlink/packet"
)

// ErrUnknownProtocol is returned when a dial or switch names a transport
// the agent cannot drive as a control connection.
var ErrUnknownProtocol = errors.New("unknown control protocol")

// Conn is one established control connection to the relay.
//
// Send carries control packets (telemetry, notifications, clock sync
// echoes, speedtest brackets). SendVideo carries fragmented video packets
// and uses the transport's unreliable lane when it has one. Receive blocks
// until the next inbound packet arrives; Close unblocks it.
type Conn interface {
	// Protocol names the transport carrying this connection, one of
	// packet.ProtocolWebSocket or packet.ProtocolQUIC.
	Protocol() string
	Send(data []byte) error
	SendVideo(data []byte) error
	Receive() ([]byte, error)
	Close() error
}

// dialControl establishes a control connection over the named protocol.
// WebRTC is not dialed here: it supplements an existing control connection
// as a media lane rather than replacing it.
func dialControl(ctx context.Context, options *Options, protocol string) (Conn, error) {
	switch protocol {
	case packet.ProtocolWebSocket:
		return DialWS(ctx, options)
	case packet.ProtocolQUIC:
		return DialQUIC(ctx, options)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownProtocol, protocol)
	}
}

// clientTLSConfig returns the TLS configuration for dialing the relay.
// Without an explicit config, certificate verification is disabled; the
// reference deployment runs on self-signed certificates.
func clientTLSConfig(options *Options) *tls.Config {
	if options.TLS != nil {
		return options.TLS.Clone()
	}
	return &tls.Config{
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS12,
	}
}
