package agent

import (
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	trainlink "github.com/opd-ai/trainlink"
	"github.com/opd-ai/trainlink/packet"
)

func startRelay(t *testing.T) (*trainlink.Relay, string) {
	t.Helper()

	options := trainlink.NewOptions()
	options.HTTPAddr = "127.0.0.1:0"
	options.EnableQUIC = false

	relay, err := trainlink.New(options)
	require.NoError(t, err)
	require.NoError(t, relay.Start())
	t.Cleanup(relay.Stop)

	addr := relay.HTTPAddr()
	require.NotNil(t, addr)
	return relay, addr.String()
}

func startAgent(t *testing.T, relayAddr, trainID string) *Agent {
	t.Helper()

	options := NewOptions()
	options.TrainID = trainID
	options.RelayHost = relayAddr
	options.Source = NewSyntheticSource(30, 2048)
	options.LatencyLog = filepath.Join(t.TempDir(), "latency.jsonl")

	agent, err := New(options)
	require.NoError(t, err)
	require.NoError(t, agent.Start())
	t.Cleanup(func() { _ = agent.Stop() })
	return agent
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

// consoleReader drains a console connection, fanning packet types and
// clock probes out to the test.
func consoleReader(console *websocket.Conn) (<-chan packet.PacketType, <-chan *packet.RTTTrain) {
	types := make(chan packet.PacketType, 256)
	probes := make(chan *packet.RTTTrain, 16)
	go func() {
		for {
			_, message, err := console.ReadMessage()
			if err != nil {
				return
			}
			pkt, err := packet.ParsePacket(message)
			if err != nil {
				continue
			}
			select {
			case types <- pkt.PacketType:
			default:
			}
			if pkt.PacketType == packet.PacketRTTTrain {
				if probe, err := packet.DecodeRTTTrain(pkt.Data); err == nil {
					select {
					case probes <- probe:
					default:
					}
				}
			}
		}
	}()
	return types, probes
}

func waitForType(t *testing.T, types <-chan packet.PacketType, want packet.PacketType) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case got := <-types:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for packet type %d", want)
		}
	}
}

func sendCommand(t *testing.T, console *websocket.Conn, cmd *packet.Command) {
	t.Helper()
	wire, err := packet.MarshalEnvelope(packet.PacketCommand, cmd)
	require.NoError(t, err)
	require.NoError(t, console.WriteMessage(websocket.BinaryMessage, wire))
}

func TestNewValidatesOptions(t *testing.T) {
	options := NewOptions()
	options.TrainID = ""
	_, err := New(options)
	assert.Error(t, err)

	options = NewOptions()
	options.Source = nil
	_, err = New(options)
	assert.Error(t, err)

	options = NewOptions()
	options.Protocol = packet.ProtocolWebRTC
	_, err = New(options)
	assert.ErrorIs(t, err, ErrUnknownProtocol, "media lane cannot carry the control connection")

	options = NewOptions()
	options.Quality = "ultra"
	_, err = New(options)
	assert.Error(t, err)
}

func TestAgentLifecycleGuards(t *testing.T) {
	agent, err := New(nil)
	require.NoError(t, err)

	assert.Error(t, agent.Stop(), "stop before start")
	assert.False(t, agent.IsRunning())
	assert.Equal(t, StateDisconnected, agent.State())
	assert.Equal(t, "disconnected", agent.State().String())
}

// TestAgentStreamsToBoundConsole walks the full happy path: the agent
// identifies over WebSocket, a console binds, clock sync completes, and
// video plus telemetry reach the console until a stop command pauses
// the stream.
func TestAgentStreamsToBoundConsole(t *testing.T) {
	relay, addr := startRelay(t)

	agent := startAgent(t, addr, "loco-42")
	require.Eventually(t, func() bool {
		return relay.Sessions().HasTrain("loco-42")
	}, 5*time.Second, 20*time.Millisecond, "agent never identified")

	require.Eventually(t, func() bool {
		return agent.State() == StateStreaming
	}, 2*time.Second, 20*time.Millisecond)

	console := dialConsole(t, addr, "console-a")
	types, probes := consoleReader(console)

	require.Equal(t, http.StatusOK, bindOverHTTP(t, addr, "console-a", "loco-42"))

	// Binding makes the agent open a clock sync burst toward us.
	waitForType(t, types, packet.PacketRTTTrain)

	var probe *packet.RTTTrain
	select {
	case probe = <-probes:
	case <-time.After(2 * time.Second):
		t.Fatal("no clock probe arrived")
	}
	assert.Equal(t, "console-a", probe.RemoteControlID)
	assert.NotZero(t, probe.TrainTimestamp)

	// Echo the burst back with our receive time filled in.
	for i := 0; i < 5; i++ {
		echo := &packet.RTTTrain{
			Type:                   "rtt_train",
			TrainTimestamp:         probe.TrainTimestamp,
			RemoteControlTimestamp: time.Now().UnixMilli(),
			RemoteControlID:        "console-a",
		}
		wire, err := packet.MarshalEnvelope(packet.PacketRTTTrain, echo)
		require.NoError(t, err)
		require.NoError(t, console.WriteMessage(websocket.BinaryMessage, wire))
	}

	// The bound console sees the live stream.
	waitForType(t, types, packet.PacketVideo)
	waitForType(t, types, packet.PacketTelemetry)

	sendCommand(t, console, &packet.Command{
		Instruction:            packet.InstructionStopSendingData,
		RemoteControlID:        "console-a",
		RemoteControlTimestamp: time.Now().UnixMilli(),
	})
	require.Eventually(t, func() bool {
		return agent.State() == StateIdle
	}, 3*time.Second, 20*time.Millisecond, "stop command never paused the stream")

	sendCommand(t, console, &packet.Command{
		Instruction:            packet.InstructionStartSendingData,
		RemoteControlID:        "console-a",
		RemoteControlTimestamp: time.Now().UnixMilli(),
	})
	require.Eventually(t, func() bool {
		return agent.State() == StateStreaming
	}, 3*time.Second, 20*time.Millisecond, "start command never resumed the stream")
}

// TestAgentAppliesDrivingCommands checks that speed, direction, and
// power commands land in the telemetry the console sees.
func TestAgentAppliesDrivingCommands(t *testing.T) {
	relay, addr := startRelay(t)

	agent := startAgent(t, addr, "loco-43")
	require.Eventually(t, func() bool {
		return relay.Sessions().HasTrain("loco-43")
	}, 5*time.Second, 20*time.Millisecond)

	console := dialConsole(t, addr, "console-b")
	_, _ = consoleReader(console)
	require.Equal(t, http.StatusOK, bindOverHTTP(t, addr, "console-b", "loco-43"))

	speed := 25
	sendCommand(t, console, &packet.Command{
		Instruction:            packet.InstructionChangeTargetSpeed,
		RemoteControlID:        "console-b",
		RemoteControlTimestamp: time.Now().UnixMilli(),
		TargetSpeed:            &speed,
	})
	require.Eventually(t, func() bool {
		return agent.telemetry.Speed() == 25
	}, 3*time.Second, 20*time.Millisecond)

	sendCommand(t, console, &packet.Command{
		Instruction:            packet.InstructionChangeDirection,
		RemoteControlID:        "console-b",
		RemoteControlTimestamp: time.Now().UnixMilli(),
		Direction:              packet.DirectionBackward,
	})
	require.Eventually(t, func() bool {
		return agent.telemetry.Snapshot().Direction == packet.DirectionBackward
	}, 3*time.Second, 20*time.Millisecond)

	sendCommand(t, console, &packet.Command{
		Instruction:            packet.InstructionPowerOff,
		RemoteControlID:        "console-b",
		RemoteControlTimestamp: time.Now().UnixMilli(),
	})
	require.Eventually(t, func() bool {
		snap := agent.telemetry.Snapshot()
		return snap.Status == StatusPowerOff && snap.Speed == 0
	}, 3*time.Second, 20*time.Millisecond)

	sendCommand(t, console, &packet.Command{
		Instruction:            packet.InstructionPowerOn,
		RemoteControlID:        "console-b",
		RemoteControlTimestamp: time.Now().UnixMilli(),
	})
	require.Eventually(t, func() bool {
		snap := agent.telemetry.Snapshot()
		return snap.Status == StatusPowerOn && snap.Speed == MaxSpeed
	}, 3*time.Second, 20*time.Millisecond)
}
