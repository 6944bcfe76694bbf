package packet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPacketTypeString verifies string representation of packet types.
func TestPacketTypeString(t *testing.T) {
	tests := []struct {
		pt       PacketType
		expected string
	}{
		{PacketVideo, "video"},
		{PacketAudio, "audio"},
		{PacketControl, "control"},
		{PacketCommand, "command"},
		{PacketTelemetry, "telemetry"},
		{PacketIMU, "imu"},
		{PacketLidar, "lidar"},
		{PacketKeepalive, "keepalive"},
		{PacketNotification, "notification"},
		{PacketDownloadStart, "download_start"},
		{PacketDownloading, "downloading"},
		{PacketDownloadEnd, "download_end"},
		{PacketUploadStart, "upload_start"},
		{PacketUploading, "uploading"},
		{PacketUploadEnd, "upload_end"},
		{PacketRTT, "rtt"},
		{PacketMapAck, "map_ack"},
		{PacketRTTTrain, "rtt_train"},
		{PacketType(99), "unknown(99)"},
	}

	for _, test := range tests {
		assert.Equal(t, test.expected, test.pt.String())
	}
}

// TestPacketTypeValid verifies the valid range check.
func TestPacketTypeValid(t *testing.T) {
	assert.True(t, PacketVideo.Valid())
	assert.True(t, PacketRTTTrain.Valid())
	assert.False(t, PacketType(12).Valid())
	assert.False(t, PacketType(31).Valid())
	assert.False(t, PacketType(0).Valid())
}

// TestPacketSerialize tests packet serialization prepends the type byte.
func TestPacketSerialize(t *testing.T) {
	pkt := &Packet{
		PacketType: PacketTelemetry,
		Data:       []byte(`{"train_id":"T1"}`),
	}

	wire, err := pkt.Serialize()
	require.NoError(t, err)
	assert.Equal(t, byte(PacketTelemetry), wire[0])
	assert.Equal(t, pkt.Data, wire[1:])
}

// TestPacketSerializeNilData tests that nil data is rejected.
func TestPacketSerializeNilData(t *testing.T) {
	pkt := &Packet{PacketType: PacketKeepalive}

	_, err := pkt.Serialize()
	assert.Error(t, err)
}

// TestParsePacket tests round-tripping a packet through the wire form.
func TestParsePacket(t *testing.T) {
	original := &Packet{
		PacketType: PacketCommand,
		Data:       []byte(`{"instruction":"POWER_ON"}`),
	}

	wire, err := original.Serialize()
	require.NoError(t, err)

	parsed, err := ParsePacket(wire)
	require.NoError(t, err)
	assert.Equal(t, original.PacketType, parsed.PacketType)
	assert.Equal(t, original.Data, parsed.Data)
}

// TestParsePacketEmpty tests that zero-length input is rejected.
func TestParsePacketEmpty(t *testing.T) {
	_, err := ParsePacket(nil)
	assert.Error(t, err)

	_, err = ParsePacket([]byte{})
	assert.Error(t, err)
}

// TestParsePacketEmptyPayload tests that a bare type byte parses with
// empty data. Keepalive probes on the datagram lane look like this.
func TestParsePacketEmptyPayload(t *testing.T) {
	parsed, err := ParsePacket([]byte{byte(PacketKeepalive)})
	require.NoError(t, err)
	assert.Equal(t, PacketKeepalive, parsed.PacketType)
	assert.Empty(t, parsed.Data)
}

// TestParsePacketCopiesData verifies the parsed packet does not alias the
// input buffer. Transports reuse receive buffers between reads.
func TestParsePacketCopiesData(t *testing.T) {
	wire := []byte{byte(PacketControl), 1, 2, 3}

	parsed, err := ParsePacket(wire)
	require.NoError(t, err)

	wire[1] = 99
	assert.Equal(t, []byte{1, 2, 3}, parsed.Data)
}
