// Package packet implements the framed wire format shared by every transport
// in the trainlink fabric.
//
// Every unit on the wire is one byte of packet type followed by a
// type-specific payload. Video payloads carry a fixed binary header so that
// frames can be fragmented into MTU-sized datagrams and reassembled by the
// receiver; all other payloads are UTF-8 JSON documents.
//
// Example:
//
//	pkt := &packet.Packet{
//	    PacketType: packet.PacketTelemetry,
//	    Data:       body,
//	}
//	wire, err := pkt.Serialize()
package packet

import (
	"errors"
	"fmt"
)

// PacketType identifies the type of a trainlink packet.
type PacketType byte

const (
	// Media and sensor packet types
	PacketVideo     PacketType = 13
	PacketAudio     PacketType = 14
	PacketControl   PacketType = 15
	PacketCommand   PacketType = 16
	PacketTelemetry PacketType = 17
	PacketIMU       PacketType = 18
	PacketLidar     PacketType = 19

	// Session packet types
	PacketKeepalive    PacketType = 20
	PacketNotification PacketType = 21

	// Speed test packet types
	PacketDownloadStart PacketType = 22
	PacketDownloading   PacketType = 23
	PacketDownloadEnd   PacketType = 24
	PacketUploadStart   PacketType = 25
	PacketUploading     PacketType = 26
	PacketUploadEnd     PacketType = 27

	// Clock synchronization packet types
	PacketRTT      PacketType = 28
	PacketMapAck   PacketType = 29
	PacketRTTTrain PacketType = 30
)

// String returns the string representation of PacketType.
func (pt PacketType) String() string {
	switch pt {
	case PacketVideo:
		return "video"
	case PacketAudio:
		return "audio"
	case PacketControl:
		return "control"
	case PacketCommand:
		return "command"
	case PacketTelemetry:
		return "telemetry"
	case PacketIMU:
		return "imu"
	case PacketLidar:
		return "lidar"
	case PacketKeepalive:
		return "keepalive"
	case PacketNotification:
		return "notification"
	case PacketDownloadStart:
		return "download_start"
	case PacketDownloading:
		return "downloading"
	case PacketDownloadEnd:
		return "download_end"
	case PacketUploadStart:
		return "upload_start"
	case PacketUploading:
		return "uploading"
	case PacketUploadEnd:
		return "upload_end"
	case PacketRTT:
		return "rtt"
	case PacketMapAck:
		return "map_ack"
	case PacketRTTTrain:
		return "rtt_train"
	default:
		return fmt.Sprintf("unknown(%d)", byte(pt))
	}
}

// Valid reports whether pt is one of the defined packet types.
func (pt PacketType) Valid() bool {
	return pt >= PacketVideo && pt <= PacketRTTTrain
}

// Packet represents one framed trainlink packet.
type Packet struct {
	PacketType PacketType
	Data       []byte
}

// Serialize converts a packet to a byte slice for transmission.
func (p *Packet) Serialize() ([]byte, error) {
	if p.Data == nil {
		return nil, errors.New("packet data is nil")
	}

	// Format: [packet type (1 byte)][data (variable length)]
	result := make([]byte, 1+len(p.Data))
	result[0] = byte(p.PacketType)
	copy(result[1:], p.Data)

	return result, nil
}

// ParsePacket converts a byte slice to a Packet structure.
//
// The packet type byte is not checked against the known set here; routing
// decides what to do with unknown types.
func ParsePacket(data []byte) (*Packet, error) {
	if len(data) < 1 {
		return nil, errors.New("packet too short")
	}

	packet := &Packet{
		PacketType: PacketType(data[0]),
		Data:       make([]byte, len(data)-1),
	}

	copy(packet.Data, data[1:])

	return packet, nil
}
