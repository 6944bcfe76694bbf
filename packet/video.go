package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/opd-ai/trainlink/limits"
)

// Video packet wire layout. All integers are big-endian.
//
// Format: [type (1 byte)][frame id (4 bytes)][number of packets (2 bytes)]
// [packet id (2 bytes)][train id (36 bytes, ASCII space-padded)]
// [capture timestamp ms (8 bytes)][frame slice (variable)]
const (
	// VideoHeaderSize is the fixed prefix of every video packet,
	// including the leading packet type byte.
	VideoHeaderSize = 53

	// MinVideoMTU is the smallest MTU that leaves room for at least one
	// byte of frame data per packet.
	MinVideoMTU = VideoHeaderSize + 1

	trainIDWireSize = 36

	offFrameID    = 1
	offNumPackets = 5
	offPacketID   = 7
	offTrainID    = 9
	offTimestamp  = 45
	offSlice      = 53
)

// ErrShortVideoPacket indicates a video packet shorter than its fixed header.
var ErrShortVideoPacket = errors.New("video packet too short")

// VideoPacket represents one fragment of an encoded video frame.
//
// A frame of N bytes fragments into ceil(N / (mtu - VideoHeaderSize))
// packets sharing one FrameID; PacketID runs from 1 to NumberOfPackets and
// concatenating the slices in ascending PacketID order reconstructs the
// frame.
type VideoPacket struct {
	FrameID          uint32
	NumberOfPackets  uint16
	PacketID         uint16 // 1-based position within the frame
	TrainID          string
	CaptureTimestamp uint64 // unix milliseconds at frame capture
	Slice            []byte
}

// Serialize converts a VideoPacket to its full wire representation,
// including the leading packet type byte.
func (vp *VideoPacket) Serialize() ([]byte, error) {
	if len(vp.TrainID) > trainIDWireSize {
		return nil, fmt.Errorf("train id too long: %d bytes (max %d)", len(vp.TrainID), trainIDWireSize)
	}
	if vp.NumberOfPackets == 0 || vp.PacketID == 0 || vp.PacketID > vp.NumberOfPackets {
		return nil, fmt.Errorf("packet id %d out of range 1..%d", vp.PacketID, vp.NumberOfPackets)
	}

	result := make([]byte, VideoHeaderSize+len(vp.Slice))
	result[0] = byte(PacketVideo)
	binary.BigEndian.PutUint32(result[offFrameID:], vp.FrameID)
	binary.BigEndian.PutUint16(result[offNumPackets:], vp.NumberOfPackets)
	binary.BigEndian.PutUint16(result[offPacketID:], vp.PacketID)

	// Train id is space-padded to its fixed width
	for i := offTrainID; i < offTimestamp; i++ {
		result[i] = ' '
	}
	copy(result[offTrainID:offTimestamp], vp.TrainID)

	binary.BigEndian.PutUint64(result[offTimestamp:], vp.CaptureTimestamp)
	copy(result[offSlice:], vp.Slice)

	return result, nil
}

// ParseVideoPacket converts full wire bytes to a VideoPacket structure.
//
// Parameters:
//   - data: complete packet as received, including the type byte
//
// Returns:
//   - *VideoPacket: parsed packet with the train id padding stripped
//   - error: ErrShortVideoPacket or a field validation error
func ParseVideoPacket(data []byte) (*VideoPacket, error) {
	if len(data) < VideoHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes (need %d)", ErrShortVideoPacket, len(data), VideoHeaderSize)
	}
	if PacketType(data[0]) != PacketVideo {
		return nil, fmt.Errorf("not a video packet: type %s", PacketType(data[0]))
	}

	vp := &VideoPacket{
		FrameID:          binary.BigEndian.Uint32(data[offFrameID:]),
		NumberOfPackets:  binary.BigEndian.Uint16(data[offNumPackets:]),
		PacketID:         binary.BigEndian.Uint16(data[offPacketID:]),
		TrainID:          strings.TrimRight(string(data[offTrainID:offTimestamp]), " "),
		CaptureTimestamp: binary.BigEndian.Uint64(data[offTimestamp:]),
		Slice:            make([]byte, len(data)-offSlice),
	}
	copy(vp.Slice, data[offSlice:])

	if vp.NumberOfPackets == 0 || vp.PacketID == 0 || vp.PacketID > vp.NumberOfPackets {
		return nil, fmt.Errorf("packet id %d out of range 1..%d", vp.PacketID, vp.NumberOfPackets)
	}

	return vp, nil
}

// FragmentFrame splits one encoded frame into MTU-sized video packets.
//
// Every produced packet is a complete wire packet of at most mtu bytes.
// All slices except the last are full length; number_of_packets is
// ceil(len(frame) / (mtu - VideoHeaderSize)).
//
// Parameters:
//   - frameID: monotonically non-decreasing frame counter for the train
//   - captureTS: unix milliseconds at frame capture
//   - trainID: producing train, at most 36 ASCII bytes
//   - frame: complete encoded frame
//   - mtu: on-wire packet size bound, at least MinVideoMTU
//
// Returns:
//   - [][]byte: wire packets in packet id order
//   - error: any validation error; no packets are produced on error
func FragmentFrame(frameID uint32, captureTS uint64, trainID string, frame []byte, mtu int) ([][]byte, error) {
	if err := limits.ValidateFrame(frame); err != nil {
		return nil, err
	}
	if mtu < MinVideoMTU {
		return nil, fmt.Errorf("mtu too small: %d (minimum %d)", mtu, MinVideoMTU)
	}

	maxSlice := mtu - VideoHeaderSize
	numPackets := (len(frame) + maxSlice - 1) / maxSlice
	if numPackets > 0xFFFF {
		return nil, fmt.Errorf("frame fragments into %d packets (max %d)", numPackets, 0xFFFF)
	}

	packets := make([][]byte, numPackets)
	for i := 0; i < numPackets; i++ {
		start := i * maxSlice
		end := start + maxSlice
		if end > len(frame) {
			end = len(frame)
		}

		vp := &VideoPacket{
			FrameID:          frameID,
			NumberOfPackets:  uint16(numPackets),
			PacketID:         uint16(i + 1),
			TrainID:          trainID,
			CaptureTimestamp: captureTS,
			Slice:            frame[start:end],
		}

		wire, err := vp.Serialize()
		if err != nil {
			return nil, err
		}
		packets[i] = wire
	}

	return packets, nil
}
