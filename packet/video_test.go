package packet

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/trainlink/limits"
)

// TestVideoPacketWireLayout pins the exact byte offsets of the video header.
// Receivers in other languages depend on this layout.
func TestVideoPacketWireLayout(t *testing.T) {
	vp := &VideoPacket{
		FrameID:          0x01020304,
		NumberOfPackets:  3,
		PacketID:         2,
		TrainID:          "T1",
		CaptureTimestamp: 1_700_000_000_000,
		Slice:            []byte{0xAA, 0xBB},
	}

	wire, err := vp.Serialize()
	require.NoError(t, err)
	require.Len(t, wire, VideoHeaderSize+2)

	assert.Equal(t, byte(PacketVideo), wire[0])
	assert.Equal(t, uint32(0x01020304), binary.BigEndian.Uint32(wire[1:5]))
	assert.Equal(t, uint16(3), binary.BigEndian.Uint16(wire[5:7]))
	assert.Equal(t, uint16(2), binary.BigEndian.Uint16(wire[7:9]))

	// Train id occupies 36 bytes, space padded on the right
	assert.Equal(t, byte('T'), wire[9])
	assert.Equal(t, byte('1'), wire[10])
	for i := 11; i < 45; i++ {
		assert.Equal(t, byte(' '), wire[i], "padding byte %d", i)
	}

	assert.Equal(t, uint64(1_700_000_000_000), binary.BigEndian.Uint64(wire[45:53]))
	assert.Equal(t, []byte{0xAA, 0xBB}, wire[53:])
}

// TestVideoPacketRoundTrip verifies every header field survives
// serialization and parsing exactly.
func TestVideoPacketRoundTrip(t *testing.T) {
	original := &VideoPacket{
		FrameID:          7,
		NumberOfPackets:  4,
		PacketID:         4,
		TrainID:          "0b54f2a1-8f6e-4f1c-9a7d-2c3e4f5a6b7c",
		CaptureTimestamp: 1_700_000_000_000,
		Slice:            bytes.Repeat([]byte{0x42}, 1000),
	}

	wire, err := original.Serialize()
	require.NoError(t, err)

	parsed, err := ParseVideoPacket(wire)
	require.NoError(t, err)

	assert.Equal(t, original.FrameID, parsed.FrameID)
	assert.Equal(t, original.NumberOfPackets, parsed.NumberOfPackets)
	assert.Equal(t, original.PacketID, parsed.PacketID)
	assert.Equal(t, original.TrainID, parsed.TrainID)
	assert.Equal(t, original.CaptureTimestamp, parsed.CaptureTimestamp)
	assert.Equal(t, original.Slice, parsed.Slice)
}

// TestVideoPacketValidation tests serialization rejects invalid metadata.
func TestVideoPacketValidation(t *testing.T) {
	tests := []struct {
		name string
		vp   VideoPacket
	}{
		{
			name: "train id over 36 bytes",
			vp: VideoPacket{
				NumberOfPackets: 1, PacketID: 1,
				TrainID: "0123456789012345678901234567890123456789",
			},
		},
		{
			name: "zero packet id",
			vp:   VideoPacket{NumberOfPackets: 4, PacketID: 0, TrainID: "T1"},
		},
		{
			name: "packet id past total",
			vp:   VideoPacket{NumberOfPackets: 4, PacketID: 5, TrainID: "T1"},
		},
		{
			name: "zero total",
			vp:   VideoPacket{NumberOfPackets: 0, PacketID: 1, TrainID: "T1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.vp.Serialize()
			assert.Error(t, err)
		})
	}
}

// TestParseVideoPacketShort tests the short-packet sentinel.
func TestParseVideoPacketShort(t *testing.T) {
	_, err := ParseVideoPacket(make([]byte, VideoHeaderSize-1))
	assert.True(t, errors.Is(err, ErrShortVideoPacket))
}

// TestParseVideoPacketWrongType tests type byte checking.
func TestParseVideoPacketWrongType(t *testing.T) {
	wire := make([]byte, VideoHeaderSize)
	wire[0] = byte(PacketTelemetry)

	_, err := ParseVideoPacket(wire)
	assert.Error(t, err)
}

// TestFragmentFrameBurst reproduces the canonical fan-out case: a 4000 byte
// frame at MTU 1053 fragments into exactly 4 packets whose slices
// concatenate back to the original frame.
func TestFragmentFrameBurst(t *testing.T) {
	frame := make([]byte, 4000)
	for i := range frame {
		frame[i] = byte(i % 251)
	}

	packets, err := FragmentFrame(7, 1_700_000_000_000, "T1", frame, 1053)
	require.NoError(t, err)
	require.Len(t, packets, 4)

	var reassembled []byte
	for i, wire := range packets {
		assert.LessOrEqual(t, len(wire), 1053)

		vp, err := ParseVideoPacket(wire)
		require.NoError(t, err)
		assert.Equal(t, uint32(7), vp.FrameID)
		assert.Equal(t, uint16(4), vp.NumberOfPackets)
		assert.Equal(t, uint16(i+1), vp.PacketID)
		assert.Equal(t, "T1", vp.TrainID)
		assert.Equal(t, uint64(1_700_000_000_000), vp.CaptureTimestamp)

		reassembled = append(reassembled, vp.Slice...)
	}

	assert.Equal(t, frame, reassembled)
}

// TestFragmentFramePacketCount verifies number_of_packets is
// ceil(len(frame) / (mtu - header)) across boundary sizes.
func TestFragmentFramePacketCount(t *testing.T) {
	const mtu = 200
	maxSlice := mtu - VideoHeaderSize

	tests := []struct {
		name      string
		frameSize int
		expected  int
	}{
		{"single byte", 1, 1},
		{"one packet exactly", maxSlice, 1},
		{"one byte over", maxSlice + 1, 2},
		{"two packets exactly", 2 * maxSlice, 2},
		{"large frame", 10*maxSlice + 5, 11},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := make([]byte, tt.frameSize)
			packets, err := FragmentFrame(1, 0, "T1", frame, mtu)
			require.NoError(t, err)
			assert.Len(t, packets, tt.expected)

			// All slices except the last are full length
			for i, wire := range packets[:len(packets)-1] {
				assert.Equal(t, mtu, len(wire), "packet %d", i)
			}
		})
	}
}

// TestFragmentFrameErrors tests input validation.
func TestFragmentFrameErrors(t *testing.T) {
	_, err := FragmentFrame(1, 0, "T1", nil, 1200)
	assert.True(t, errors.Is(err, limits.ErrPayloadEmpty))

	_, err = FragmentFrame(1, 0, "T1", make([]byte, limits.MaxEncodedFrame+1), 1200)
	assert.True(t, errors.Is(err, limits.ErrPayloadTooLarge))

	_, err = FragmentFrame(1, 0, "T1", []byte{1}, VideoHeaderSize)
	assert.Error(t, err, "mtu leaving no room for data must fail")

	_, err = FragmentFrame(1, 0, "T1", []byte{1}, MinVideoMTU)
	assert.NoError(t, err, "minimum viable mtu must pass")
}
