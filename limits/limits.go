// Package limits provides centralized size limits for the trainlink wire
// format. This ensures consistent validation across the relay, the train
// agent, and every transport.
package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxEncodedFrame is the upper bound for one encoded video frame
	// before fragmentation (2MB). Frames above this are rejected rather
	// than fragmented into thousands of packets.
	MaxEncodedFrame = 2_000_000

	// MaxControlPayload is the absolute maximum for any JSON control
	// payload (command, telemetry, keepalive, signaling). This prevents
	// memory exhaustion from untrusted input (1MB limit).
	MaxControlPayload = 1024 * 1024

	// MaxDatagramSize is the largest datagram the relay will accept on
	// the unreliable lane. QUIC datagrams are bounded well below this by
	// the path MTU; the constant guards the WS fallback path.
	MaxDatagramSize = 65_527

	// DefaultMTU is the fragmentation target for video packets on the
	// datagram lane. Conservative value leaving room for QUIC framing.
	DefaultMTU = 1200

	// VideoQueueDepth bounds the per-endpoint outbound video queue.
	VideoQueueDepth = 256

	// ControlQueueDepth bounds the per-endpoint outbound control queue.
	ControlQueueDepth = 64

	// FanoutQueueDepth bounds the relay's shared datagram fan-out channel.
	FanoutQueueDepth = 1024
)

var (
	// ErrPayloadEmpty indicates an empty payload was provided
	ErrPayloadEmpty = errors.New("empty payload")

	// ErrPayloadTooLarge indicates a payload exceeds its maximum size
	ErrPayloadTooLarge = errors.New("payload too large")
)

// ValidateSize validates a payload against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateSize(payload []byte, maxSize int) error {
	if len(payload) == 0 {
		return ErrPayloadEmpty
	}
	if len(payload) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrPayloadTooLarge, len(payload), maxSize)
	}
	return nil
}

// ValidateFrame validates an encoded video frame size against MaxEncodedFrame.
// Returns an error with context if the frame is empty or exceeds the limit.
func ValidateFrame(frame []byte) error {
	if len(frame) == 0 {
		return ErrPayloadEmpty
	}
	if len(frame) > MaxEncodedFrame {
		return fmt.Errorf("%w: frame size %d exceeds limit %d", ErrPayloadTooLarge, len(frame), MaxEncodedFrame)
	}
	return nil
}

// ValidateControlPayload validates a JSON control payload against
// MaxControlPayload. This limit should be applied to all untrusted input
// before it is parsed.
func ValidateControlPayload(payload []byte) error {
	if len(payload) == 0 {
		return ErrPayloadEmpty
	}
	if len(payload) > MaxControlPayload {
		return fmt.Errorf("%w: control payload size %d exceeds limit %d", ErrPayloadTooLarge, len(payload), MaxControlPayload)
	}
	return nil
}

// ValidateDatagram validates a raw datagram against MaxDatagramSize.
// Returns an error with context if the datagram is empty or exceeds the limit.
func ValidateDatagram(data []byte) error {
	if len(data) == 0 {
		return ErrPayloadEmpty
	}
	if len(data) > MaxDatagramSize {
		return fmt.Errorf("%w: datagram size %d exceeds limit %d", ErrPayloadTooLarge, len(data), MaxDatagramSize)
	}
	return nil
}
