// Package limits provides centralized size constants and validation functions
// for the trainlink wire format. This package ensures consistent size
// enforcement across the relay, the train agent, and every transport.
//
// # Size Hierarchy
//
// The package defines a hierarchy of size limits that support different
// stages of packet processing:
//
//   - MaxEncodedFrame (2MB): The upper bound for one encoded video frame
//     before fragmentation. A frame above this would fragment into thousands
//     of datagrams and is rejected at the source instead.
//
//   - MaxControlPayload (1MB): The absolute maximum for any JSON control
//     payload. This prevents memory exhaustion attacks and resource abuse;
//     all network-received control data should be validated against this
//     limit before it is parsed.
//
//   - MaxDatagramSize (65527 bytes): The largest datagram accepted on the
//     unreliable lane. QUIC bounds datagrams well below this via the path
//     MTU; the constant guards the WS fallback path.
//
//   - DefaultMTU (1200 bytes): The fragmentation target for video packets,
//     leaving headroom for QUIC framing below typical path MTUs.
//
// # Queue Bounds
//
// VideoQueueDepth (256), ControlQueueDepth (64) and FanoutQueueDepth (1024)
// bound the per-endpoint outbound queues and the relay's shared datagram
// fan-out channel. Video queues drop oldest on overflow; control queues
// block the producer.
//
// # Validation Functions
//
// Each validation function checks for empty payloads and size limit
// violations:
//
//	err := limits.ValidateFrame(frame)
//	if err != nil {
//	    // Handle validation error (ErrPayloadEmpty or ErrPayloadTooLarge)
//	}
//
// For custom size limits, use the generic ValidateSize function:
//
//	err := limits.ValidateSize(data, 4096)
package limits
