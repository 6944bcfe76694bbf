package signaling

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()

	hub := NewHub()
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/webrtc/train/", func(w http.ResponseWriter, r *http.Request) {
		hub.HandleTrain(w, r, strings.TrimPrefix(r.URL.Path, "/ws/webrtc/train/"))
	})
	mux.HandleFunc("/ws/webrtc/client/", func(w http.ResponseWriter, r *http.Request) {
		hub.HandleClient(w, r, strings.TrimPrefix(r.URL.Path, "/ws/webrtc/client/"))
	})

	server := httptest.NewServer(mux)
	t.Cleanup(func() {
		hub.Close()
		server.Close()
	})
	return hub, server
}

func dialPeer(t *testing.T, server *httptest.Server, side, trainID string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/webrtc/" + side + "/" + trainID
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readSignal(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &doc))
	return doc
}

// expectSilence asserts nothing arrives. The read deadline corrupts the
// connection for gorilla, so only call this as the last read on a conn.
func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	var netErr net.Error
	if assert.ErrorAs(t, err, &netErr) {
		assert.True(t, netErr.Timeout())
	}
}

func sendSignal(t *testing.T, conn *websocket.Conn, doc map[string]interface{}) {
	t.Helper()

	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

func TestOfferReachesEveryClientWithTrainID(t *testing.T) {
	hub, server := startHub(t)

	train := dialPeer(t, server, "train", "loco-1")
	client1 := dialPeer(t, server, "client", "loco-1")
	assert.Equal(t, "ready", readSignal(t, client1)["type"])
	client2 := dialPeer(t, server, "client", "loco-1")
	assert.Equal(t, "ready", readSignal(t, client2)["type"])

	sendSignal(t, train, map[string]interface{}{"type": "offer", "sdp": "v=0 mock-sdp"})

	for _, client := range []*websocket.Conn{client1, client2} {
		msg := readSignal(t, client)
		assert.Equal(t, "offer", msg["type"])
		assert.Equal(t, "v=0 mock-sdp", msg["sdp"])
		assert.Equal(t, "loco-1", msg["trainClientId"])
	}

	offer, ok := hub.LatestOffer("loco-1")
	require.True(t, ok)
	assert.Contains(t, string(offer), "mock-sdp")
	assert.NotContains(t, string(offer), "trainClientId", "cached offer keeps the original shape")
}

func TestAnswerReachesTrainVerbatim(t *testing.T) {
	_, server := startHub(t)

	train := dialPeer(t, server, "train", "loco-1")
	client := dialPeer(t, server, "client", "loco-1")
	assert.Equal(t, "ready", readSignal(t, client)["type"])

	sendSignal(t, client, map[string]interface{}{"type": "answer", "sdp": "v=0 answer-sdp"})

	msg := readSignal(t, train)
	assert.Equal(t, "answer", msg["type"])
	assert.Equal(t, "v=0 answer-sdp", msg["sdp"])
	_, hasInjected := msg["trainClientId"]
	assert.False(t, hasInjected, "train-bound messages pass through untouched")
}

func TestIceCandidatesFlowBothWays(t *testing.T) {
	_, server := startHub(t)

	train := dialPeer(t, server, "train", "loco-1")
	client := dialPeer(t, server, "client", "loco-1")
	assert.Equal(t, "ready", readSignal(t, client)["type"])

	sendSignal(t, train, map[string]interface{}{
		"type": "ice", "candidate": "candidate:1", "sdpMid": "0", "sdpMLineIndex": float64(0),
	})
	msg := readSignal(t, client)
	assert.Equal(t, "ice", msg["type"])
	assert.Equal(t, "candidate:1", msg["candidate"])
	assert.Equal(t, "loco-1", msg["trainClientId"])

	sendSignal(t, client, map[string]interface{}{"type": "ice", "candidate": "candidate:2"})
	msg = readSignal(t, train)
	assert.Equal(t, "ice", msg["type"])
	assert.Equal(t, "candidate:2", msg["candidate"])
}

func TestTrainArrivalWakesWaitingClients(t *testing.T) {
	_, server := startHub(t)

	client := dialPeer(t, server, "client", "loco-1")
	dialPeer(t, server, "train", "loco-1")

	msg := readSignal(t, client)
	assert.Equal(t, "ready", msg["type"])
	assert.Equal(t, "loco-1", msg["trainClientId"])
}

func TestUnknownMessageTypeNotForwarded(t *testing.T) {
	_, server := startHub(t)

	train := dialPeer(t, server, "train", "loco-1")
	client := dialPeer(t, server, "client", "loco-1")
	assert.Equal(t, "ready", readSignal(t, client)["type"])

	sendSignal(t, client, map[string]interface{}{"type": "chitchat", "body": "hello"})

	expectSilence(t, train)
}

func TestRoomsAreIsolated(t *testing.T) {
	_, server := startHub(t)

	dialPeer(t, server, "train", "loco-a")
	clientA := dialPeer(t, server, "client", "loco-a")
	assert.Equal(t, "ready", readSignal(t, clientA)["type"])

	trainB := dialPeer(t, server, "train", "loco-b")
	clientB := dialPeer(t, server, "client", "loco-b")
	assert.Equal(t, "ready", readSignal(t, clientB)["type"])

	sendSignal(t, trainB, map[string]interface{}{"type": "offer", "sdp": "room-b-only"})

	msg := readSignal(t, clientB)
	assert.Equal(t, "room-b-only", msg["sdp"])

	expectSilence(t, clientA)
}

func TestStatusCounts(t *testing.T) {
	hub, server := startHub(t)

	dialPeer(t, server, "train", "loco-1")
	client := dialPeer(t, server, "client", "loco-1")
	assert.Equal(t, "ready", readSignal(t, client)["type"])
	dialPeer(t, server, "client", "loco-2")

	require.Eventually(t, func() bool {
		status, ok := hub.StatusFor("loco-1")
		return ok && status.TrainConnected && status.WebClientsConnected == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		status, ok := hub.StatusFor("loco-2")
		return ok && !status.TrainConnected && status.WebClientsConnected == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, ok := hub.StatusFor("ghost")
	assert.False(t, ok)

	all := hub.Status()
	assert.Len(t, all, 2)
	assert.True(t, all["loco-1"].TrainConnected)
}

func TestOfferClearedWhenTrainLeaves(t *testing.T) {
	hub, server := startHub(t)

	train := dialPeer(t, server, "train", "loco-1")
	client := dialPeer(t, server, "client", "loco-1")
	assert.Equal(t, "ready", readSignal(t, client)["type"])

	sendSignal(t, train, map[string]interface{}{"type": "offer", "sdp": "stale-later"})
	require.Eventually(t, func() bool {
		_, ok := hub.LatestOffer("loco-1")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, train.Close())

	require.Eventually(t, func() bool {
		_, ok := hub.LatestOffer("loco-1")
		return !ok
	}, 2*time.Second, 10*time.Millisecond, "offer must not outlive the train")
}

func TestForwardToTrainsMirror(t *testing.T) {
	hub, server := startHub(t)

	train := dialPeer(t, server, "train", "loco-1")

	require.Eventually(t, func() bool {
		status, ok := hub.StatusFor("loco-1")
		return ok && status.TrainConnected
	}, 2*time.Second, 10*time.Millisecond)

	delivered := hub.ForwardToTrains("loco-1", []byte(`{"type":"answer","sdp":"via-http"}`))
	assert.Equal(t, 1, delivered)

	msg := readSignal(t, train)
	assert.Equal(t, "via-http", msg["sdp"])

	assert.Zero(t, hub.ForwardToTrains("ghost", []byte(`{}`)))
}

func TestHubCloseDisconnectsPeers(t *testing.T) {
	hub, server := startHub(t)

	train := dialPeer(t, server, "train", "loco-1")
	require.Eventually(t, func() bool {
		_, ok := hub.StatusFor("loco-1")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	hub.Close()

	require.NoError(t, train.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := train.ReadMessage()
	require.Error(t, err, "peer socket must be torn down")
}
