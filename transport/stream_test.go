package transport

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/trainlink/packet"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	messages := [][]byte{
		[]byte("TRAIN:loco-7"),
		{byte(packet.PacketCommand), '{', '}'},
		{},
	}
	for _, message := range messages {
		require.NoError(t, WriteFrame(&buf, message))
	}

	for _, want := range messages {
		got, err := ReadFrame(&buf)
		require.NoError(t, err)
		assert.Equal(t, want, append([]byte{}, got...))
	}

	_, err := ReadFrame(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadFrameRejectsOversizedPrefix(t *testing.T) {
	// A length prefix larger than any legal control frame
	buf := bytes.NewBuffer([]byte{0xFF, 0xFF, 0xFF, 0xFF})

	_, err := ReadFrame(buf)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestReadFrameTruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("TRAIN:abc")))

	truncated := bytes.NewBuffer(buf.Bytes()[:buf.Len()-3])
	_, err := ReadFrame(truncated)
	assert.Error(t, err)
}

func TestWriteFrameRejectsOversizedMessage(t *testing.T) {
	err := WriteFrame(io.Discard, make([]byte, maxStreamFrame+1))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestParseIdentification(t *testing.T) {
	tests := []struct {
		name     string
		message  string
		wantRole Role
		wantID   string
		wantErr  bool
	}{
		{name: "train", message: "TRAIN:loco-7", wantRole: RoleTrain, wantID: "loco-7"},
		{name: "console", message: "REMOTE_CONTROL:operator-1", wantRole: RoleConsole, wantID: "operator-1"},
		{name: "uuid train id", message: "TRAIN:0195c2e4-7d9f-7c3a-b1aa-5ad7cc1d0a01", wantRole: RoleTrain, wantID: "0195c2e4-7d9f-7c3a-b1aa-5ad7cc1d0a01"},
		{name: "empty train id", message: "TRAIN:", wantErr: true},
		{name: "empty console id", message: "REMOTE_CONTROL:", wantErr: true},
		{name: "lowercase prefix", message: "train:loco-7", wantErr: true},
		{name: "garbage", message: "ENGAGE", wantErr: true},
		{name: "empty", message: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			role, id, err := ParseIdentification([]byte(tt.message))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrBadIdentification)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantRole, role)
			assert.Equal(t, tt.wantID, id)
		})
	}
}

func TestParseMapConnection(t *testing.T) {
	consoleID, trainID, ok := ParseMapConnection([]byte("MAP_CONNECTION:operator-1:loco-7"))
	require.True(t, ok)
	assert.Equal(t, "operator-1", consoleID)
	assert.Equal(t, "loco-7", trainID)

	// The train id may itself contain separators past the first two
	consoleID, trainID, ok = ParseMapConnection([]byte("MAP_CONNECTION:op:train:with:colons"))
	require.True(t, ok)
	assert.Equal(t, "op", consoleID)
	assert.Equal(t, "train:with:colons", trainID)

	for _, bad := range []string{"MAP_CONNECTION:", "MAP_CONNECTION:solo", "MAP_CONNECTION::x", "MAP_CONNECTION:x:", "TRAIN:x"} {
		_, _, ok := ParseMapConnection([]byte(bad))
		assert.False(t, ok, "should reject %q", bad)
	}
}

func TestHelloRoundTrip(t *testing.T) {
	id, ok := ParseHello(HelloMessage("loco-7"))
	require.True(t, ok)
	assert.Equal(t, "loco-7", id)

	_, ok = ParseHello([]byte("GOODBYE:loco-7"))
	assert.False(t, ok)
}

func TestGreetingBuilders(t *testing.T) {
	assert.Equal(t, "TRAIN:loco-7", string(IdentifyTrainMessage("loco-7")))
	assert.Equal(t, "REMOTE_CONTROL:op-1", string(IdentifyConsoleMessage("op-1")))
	assert.Equal(t, "MAP_CONNECTION:op-1:loco-7", string(MapConnectionMessage("op-1", "loco-7")))
}

// Text messages and binary packets share the control stream; the grammar
// only works if no text prefix can start with a packet type byte.
func TestTextPrefixesDisjointFromPacketTypes(t *testing.T) {
	for _, prefix := range []string{prefixTrain, prefixConsole, prefixHello, prefixMap} {
		first := prefix[0]
		assert.False(t, packet.PacketType(first).Valid(),
			"prefix %q first byte collides with packet type %d", prefix, first)
		assert.True(t, strings.ToUpper(prefix) == prefix, "prefixes are upper case")
	}
}
