package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/trainlink/packet"
)

// testTLSConfig generates a throwaway self-signed server certificate.
func testTLSConfig(t *testing.T) *tls.Config {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)

	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
	}
}

func dialQUIC(t *testing.T, addr string) quic.Connection {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := quic.DialAddr(ctx, addr, &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{ALPNRaw},
	}, &quic.Config{EnableDatagrams: true})
	require.NoError(t, err)
	return conn
}

// identify performs the greeting exchange and returns the control stream.
func identify(t *testing.T, conn quic.Connection, greeting []byte) quic.Stream {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := conn.OpenStreamSync(ctx)
	require.NoError(t, err)
	require.NoError(t, WriteFrame(stream, greeting))

	reply, err := ReadFrame(stream)
	require.NoError(t, err)
	id, ok := ParseHello(reply)
	require.True(t, ok, "expected hello reply, got %q", reply)
	require.NotEmpty(t, id)
	return stream
}

func TestQUICTrainIdentificationAndTraffic(t *testing.T) {
	registrar := newFakeRegistrar()
	l := NewQUICListener("127.0.0.1:0", testTLSConfig(t), registrar)

	commands := make(chan *packet.Packet, 1)
	endpoints := make(chan Endpoint, 1)
	l.RegisterHandler(packet.PacketCommand, func(from Endpoint, pkt *packet.Packet) error {
		select {
		case endpoints <- from:
		default:
		}
		commands <- pkt
		return nil
	})

	datagrams := make(chan []byte, 16)
	l.RegisterDatagramHandler(func(_ Endpoint, wire []byte) {
		datagrams <- append([]byte(nil), wire...)
	})

	require.NoError(t, l.Start())
	defer l.Close()

	conn := dialQUIC(t, l.Addr().String())
	defer conn.CloseWithError(0, "test done")

	stream := identify(t, conn, IdentifyTrainMessage("loco-7"))

	require.Eventually(t, func() bool {
		return len(registrar.trainKinds("loco-7")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []Kind{KindQUIC}, registrar.trainKinds("loco-7"))

	// Stream packet reaches the handler
	wire, err := (&packet.Packet{
		PacketType: packet.PacketCommand,
		Data:       []byte(`{"instruction":"STOP","remote_control_id":"op-1"}`),
	}).Serialize()
	require.NoError(t, err)
	require.NoError(t, WriteFrame(stream, wire))

	select {
	case pkt := <-commands:
		assert.Equal(t, packet.PacketCommand, pkt.PacketType)
	case <-time.After(2 * time.Second):
		t.Fatal("stream packet never reached the handler")
	}

	var endpoint Endpoint
	select {
	case endpoint = <-endpoints:
	case <-time.After(time.Second):
		t.Fatal("no endpoint captured")
	}
	assert.Equal(t, KindQUIC, endpoint.Kind())
	assert.True(t, endpoint.Kind().SupportsDatagrams())

	// Inbound datagram reaches the raw handler with its exact bytes
	videoWire := []byte{byte(packet.PacketVideo), 1, 2, 3, 4}
	require.Eventually(t, func() bool {
		_ = conn.SendDatagram(videoWire)
		select {
		case got := <-datagrams:
			assert.Equal(t, videoWire, got)
			return true
		default:
			return false
		}
	}, 3*time.Second, 50*time.Millisecond, "datagram never arrived")

	// Outbound paths: stream packet and datagram toward the client
	require.NoError(t, endpoint.Send(&packet.Packet{PacketType: packet.PacketMapAck, Data: []byte(`{"type":"mapping_acknowledgement","remote_control_id":"op-1"}`)}))
	reply, err := ReadFrame(stream)
	require.NoError(t, err)
	parsed, err := packet.ParsePacket(reply)
	require.NoError(t, err)
	assert.Equal(t, packet.PacketMapAck, parsed.PacketType)

	outWire := []byte{byte(packet.PacketVideo), 9, 9}
	received := make(chan []byte, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if data, err := conn.ReceiveDatagram(ctx); err == nil {
			received <- data
		}
	}()
	require.Eventually(t, func() bool {
		_ = endpoint.SendDatagram(outWire)
		select {
		case got := <-received:
			assert.Equal(t, outWire, got)
			return true
		default:
			return false
		}
	}, 3*time.Second, 50*time.Millisecond)
}

func TestQUICConsoleBindMessage(t *testing.T) {
	registrar := newFakeRegistrar()
	l := NewQUICListener("127.0.0.1:0", testTLSConfig(t), registrar)
	require.NoError(t, l.Start())
	defer l.Close()

	conn := dialQUIC(t, l.Addr().String())
	defer conn.CloseWithError(0, "test done")

	stream := identify(t, conn, IdentifyConsoleMessage("operator-1"))

	require.Eventually(t, func() bool {
		return len(registrar.consoleKinds("operator-1")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, WriteFrame(stream, MapConnectionMessage("operator-1", "loco-7")))

	require.Eventually(t, func() bool {
		pairs := registrar.boundPairs()
		return len(pairs) == 1 && pairs[0] == [2]string{"operator-1", "loco-7"}
	}, 2*time.Second, 10*time.Millisecond)

	// A bind naming someone else's console id is ignored
	require.NoError(t, WriteFrame(stream, MapConnectionMessage("operator-2", "loco-7")))
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, registrar.boundPairs(), 1)
}

func TestQUICRejectsBadIdentification(t *testing.T) {
	registrar := newFakeRegistrar()
	l := NewQUICListener("127.0.0.1:0", testTLSConfig(t), registrar)
	require.NoError(t, l.Start())
	defer l.Close()

	conn := dialQUIC(t, l.Addr().String())
	defer conn.CloseWithError(0, "test done")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := conn.OpenStreamSync(ctx)
	require.NoError(t, err)
	require.NoError(t, WriteFrame(stream, []byte("ENGAGE")))

	// The server closes the session instead of registering anything
	_, err = ReadFrame(stream)
	require.Error(t, err)
	assert.Empty(t, registrar.trainKinds("ENGAGE"))
}

func TestQUICDisconnectDeregisters(t *testing.T) {
	registrar := newFakeRegistrar()
	l := NewQUICListener("127.0.0.1:0", testTLSConfig(t), registrar)
	require.NoError(t, l.Start())
	defer l.Close()

	conn := dialQUIC(t, l.Addr().String())
	_ = identify(t, conn, IdentifyTrainMessage("loco-7"))

	require.Eventually(t, func() bool {
		return len(registrar.trainKinds("loco-7")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.CloseWithError(0, "leaving"))

	require.Eventually(t, func() bool {
		for _, removed := range registrar.removedIDs() {
			if removed == "train:loco-7" {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)
}

// TestQUICSessionHeartbeat verifies an idle session still beats on its
// control stream. Transport-level PING frames never reach the receive
// loops, so without these probes an idle train looks dead to the sweeper.
func TestQUICSessionHeartbeat(t *testing.T) {
	oldInterval := KeepaliveInterval
	KeepaliveInterval = 50 * time.Millisecond
	defer func() { KeepaliveInterval = oldInterval }()

	registrar := newFakeRegistrar()
	l := NewQUICListener("127.0.0.1:0", testTLSConfig(t), registrar)
	require.NoError(t, l.Start())
	defer l.Close()

	conn := dialQUIC(t, l.Addr().String())
	defer conn.CloseWithError(0, "test done")

	stream := identify(t, conn, IdentifyTrainMessage("loco-7"))
	require.NoError(t, stream.SetReadDeadline(time.Now().Add(3*time.Second)))

	var beat *packet.Keepalive
	for beat == nil {
		frame, err := ReadFrame(stream)
		require.NoError(t, err, "no keepalive arrived on the control stream")
		pkt, err := packet.ParsePacket(frame)
		require.NoError(t, err)
		if pkt.PacketType != packet.PacketKeepalive {
			continue
		}
		beat, err = packet.DecodeKeepalive(pkt.Data)
		require.NoError(t, err)
	}
	assert.Equal(t, "keepalive", beat.Type)
	assert.GreaterOrEqual(t, beat.Sequence, uint64(1))
	assert.Greater(t, beat.Timestamp, int64(0))
}

// TestQUICInboundTrafficDefersSweep verifies that a received packet counts
// as activity: the endpoint survives a sweep just inside the idle window
// and is evicted past it.
func TestQUICInboundTrafficDefersSweep(t *testing.T) {
	registrar := newFakeRegistrar()
	l := NewQUICListener("127.0.0.1:0", testTLSConfig(t), registrar)

	endpoints := make(chan Endpoint, 1)
	l.RegisterHandler(packet.PacketCommand, func(from Endpoint, _ *packet.Packet) error {
		select {
		case endpoints <- from:
		default:
		}
		return nil
	})

	require.NoError(t, l.Start())
	defer l.Close()

	conn := dialQUIC(t, l.Addr().String())
	defer conn.CloseWithError(0, "test done")

	stream := identify(t, conn, IdentifyTrainMessage("loco-7"))

	wire, err := (&packet.Packet{
		PacketType: packet.PacketCommand,
		Data:       []byte(`{"instruction":"STOP","remote_control_id":"op-1"}`),
	}).Serialize()
	require.NoError(t, err)
	require.NoError(t, WriteFrame(stream, wire))

	var endpoint Endpoint
	select {
	case endpoint = <-endpoints:
	case <-time.After(2 * time.Second):
		t.Fatal("no endpoint captured")
	}

	seen := endpoint.LastActivity()
	s := NewSweeper(func() []Endpoint { return []Endpoint{endpoint} })

	s.now = func() time.Time { return seen.Add(KindQUIC.IdleTimeout() - time.Second) }
	s.sweep()
	assert.Empty(t, registrar.removedIDs(), "recent activity must defer eviction")

	s.now = func() time.Time { return seen.Add(KindQUIC.IdleTimeout() + time.Second) }
	s.sweep()
	require.Eventually(t, func() bool {
		for _, removed := range registrar.removedIDs() {
			if removed == "train:loco-7" {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond, "stale endpoint must be evicted")
}
