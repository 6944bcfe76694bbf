package agent

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/trainlink/packet"
)

func TestLatencyRecorderAppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "latency.jsonl")

	recorder, err := NewLatencyRecorder(path)
	require.NoError(t, err)

	speed := 42
	recorder.Record(CommandRecord{
		RemoteControlID: "console-a",
		CommandID:       "cmd-1",
		Instruction:     packet.InstructionChangeTargetSpeed,
		Latency:         120,
		CreatedAt:       1000,
		ReceivedAt:      1120,
		Size:            64,
		TargetSpeed:     &speed,
	})
	recorder.Record(CommandRecord{
		RemoteControlID: "console-a",
		CommandID:       "cmd-2",
		Instruction:     packet.InstructionStopSendingData,
		Latency:         -1,
		CreatedAt:       2000,
		ReceivedAt:      2050,
		Size:            48,
	})
	require.NoError(t, recorder.Close())

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	var records []CommandRecord
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var record CommandRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &record))
		records = append(records, record)
	}
	require.NoError(t, scanner.Err())
	require.Len(t, records, 2)

	assert.Equal(t, "cmd-1", records[0].CommandID)
	assert.Equal(t, packet.InstructionChangeTargetSpeed, records[0].Instruction)
	require.NotNil(t, records[0].TargetSpeed)
	assert.Equal(t, 42, *records[0].TargetSpeed)
	assert.Equal(t, int64(120), records[0].Latency)

	assert.Equal(t, "cmd-2", records[1].CommandID)
	assert.Equal(t, int64(-1), records[1].Latency, "latency stays -1 when the clock offset is unknown")
	assert.Nil(t, records[1].TargetSpeed)
}

func TestLatencyRecorderNilReceiver(t *testing.T) {
	var recorder *LatencyRecorder
	recorder.Record(CommandRecord{Instruction: packet.InstructionPowerOn})
	assert.NoError(t, recorder.Close())
}
