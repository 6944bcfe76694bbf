package trainlink

import (
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startTestRelay brings up a WebSocket-only relay on a loopback port and
// returns it with its base HTTP address.
func startTestRelay(t *testing.T) (*Relay, string) {
	t.Helper()

	options := NewOptions()
	options.HTTPAddr = "127.0.0.1:0"
	options.EnableQUIC = false

	relay, err := New(options)
	require.NoError(t, err)
	require.NoError(t, relay.Start())
	t.Cleanup(relay.Stop)

	addr := relay.HTTPAddr()
	require.NotNil(t, addr)
	return relay, addr.String()
}

func dialTrain(t *testing.T, addr, trainID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws/train/"+trainID, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func dialConsole(t *testing.T, addr, consoleID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws/remote_control/"+consoleID, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func bindOverHTTP(t *testing.T, addr, consoleID, trainID string) int {
	t.Helper()
	url := fmt.Sprintf("http://%s/api/remote_control/%s/train/%s", addr, consoleID, trainID)
	resp, err := http.Post(url, "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	defer resp.Body.Close()
	return resp.StatusCode
}

func waitSignal(t *testing.T, ch <-chan string, want string) {
	t.Helper()
	select {
	case got := <-ch:
		assert.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %q", want)
	}
}

func expectNoSignal(t *testing.T, ch <-chan string) {
	t.Helper()
	select {
	case got := <-ch:
		t.Fatalf("unexpected signal %q", got)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestNewRequiresTLSForQUIC(t *testing.T) {
	options := NewOptions()
	options.TLS = nil

	_, err := New(options)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TLS")
}

func TestRelayServesControlAPI(t *testing.T) {
	relay, addr := startTestRelay(t)
	assert.True(t, relay.IsRunning())

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get("http://" + addr + "/api/trains")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRelayStartTwiceFails(t *testing.T) {
	relay, _ := startTestRelay(t)
	require.Error(t, relay.Start())
}

func TestRelayStopIsIdempotent(t *testing.T) {
	relay, _ := startTestRelay(t)
	relay.Stop()
	relay.Stop()
	assert.False(t, relay.IsRunning())
}

func TestLifecycleCallbacks(t *testing.T) {
	events := make(chan string, 8)

	options := NewOptions()
	options.HTTPAddr = "127.0.0.1:0"
	options.EnableQUIC = false

	relay, err := New(options)
	require.NoError(t, err)
	relay.OnTrainConnected(func(trainID string) { events <- "up:" + trainID })
	relay.OnTrainDisconnected(func(trainID string) { events <- "down:" + trainID })
	relay.OnBind(func(consoleID, trainID string) { events <- "bind:" + consoleID + ":" + trainID })
	require.NoError(t, relay.Start())
	t.Cleanup(relay.Stop)
	addr := relay.HTTPAddr().String()

	train := dialTrain(t, addr, "loco-9")
	waitSignal(t, events, "up:loco-9")

	require.Equal(t, http.StatusOK, bindOverHTTP(t, addr, "console-a", "loco-9"))
	waitSignal(t, events, "bind:console-a:loco-9")

	train.Close()
	waitSignal(t, events, "down:loco-9")
}

func TestSimulationHookFiresOncePerDrought(t *testing.T) {
	started := make(chan string, 4)
	stopped := make(chan string, 4)

	options := NewOptions()
	options.HTTPAddr = "127.0.0.1:0"
	options.EnableQUIC = false

	relay, err := New(options)
	require.NoError(t, err)
	relay.OnFirstBindWithNoTrain(func() { started <- "sim" })
	relay.OnLastConsoleGone(func() { stopped <- "gone" })
	require.NoError(t, relay.Start())
	t.Cleanup(relay.Stop)
	addr := relay.HTTPAddr().String()

	// No trains anywhere: the first rejected bind requests a simulation.
	require.Equal(t, http.StatusNotFound, bindOverHTTP(t, addr, "console-a", "ghost"))
	waitSignal(t, started, "sim")

	// Further rejected binds stay quiet until the hook is re-armed.
	require.Equal(t, http.StatusNotFound, bindOverHTTP(t, addr, "console-a", "ghost"))
	expectNoSignal(t, started)

	// The last console leaving fires the stop hook and re-arms the start.
	console := dialConsole(t, addr, "console-a")
	console.Close()
	waitSignal(t, stopped, "gone")

	require.Equal(t, http.StatusNotFound, bindOverHTTP(t, addr, "console-a", "ghost"))
	waitSignal(t, started, "sim")
}

func TestSimulationHookSilentWhileTrainsExist(t *testing.T) {
	started := make(chan string, 1)

	options := NewOptions()
	options.HTTPAddr = "127.0.0.1:0"
	options.EnableQUIC = false

	relay, err := New(options)
	require.NoError(t, err)
	relay.OnFirstBindWithNoTrain(func() { started <- "sim" })
	require.NoError(t, relay.Start())
	t.Cleanup(relay.Stop)
	addr := relay.HTTPAddr().String()

	dialTrain(t, addr, "loco-1")
	require.Eventually(t, func() bool {
		return relay.Sessions().HasTrain("loco-1")
	}, time.Second, 10*time.Millisecond)

	// A typo'd train ID is an operator error, not a missing fleet.
	require.Equal(t, http.StatusNotFound, bindOverHTTP(t, addr, "console-a", "ghost"))
	expectNoSignal(t, started)
}
