package packet

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// TimeProvider is an interface for getting the current time.
// This allows injecting a mock time provider for deterministic testing.
type TimeProvider interface {
	// Now returns the current time.
	Now() time.Time
}

// RealTimeProvider implements TimeProvider using the actual system time.
type RealTimeProvider struct{}

// Now returns the current system time.
func (RealTimeProvider) Now() time.Time {
	return time.Now()
}

// Assembler reassembles video frames from fragmented packets.
//
// Intended for the console side of the fabric; the relay forwards video at
// packet granularity and never assembles. One Assembler serves one train's
// stream. Packets may arrive out of order or be lost; when a packet for a
// newer frame arrives, incomplete older frames are discarded.
type Assembler struct {
	frames       map[uint32]*frameAssembly
	maxFrames    int
	timeProvider TimeProvider
}

// frameAssembly tracks one frame being reassembled.
type frameAssembly struct {
	frameID      uint32
	total        uint16
	slices       map[uint16][]byte
	sawFinal     bool
	captureTS    uint64
	lastActivity time.Time
}

// frameTimeout is how long an incomplete frame may go without a new packet
// before it is evicted.
const frameTimeout = 5 * time.Second

// NewAssembler creates a new frame assembler.
func NewAssembler() *Assembler {
	return &Assembler{
		frames:       make(map[uint32]*frameAssembly),
		maxFrames:    10,
		timeProvider: RealTimeProvider{},
	}
}

// NewAssemblerWithTimeProvider creates a new frame assembler with a custom
// time provider. Use this for deterministic testing.
func NewAssemblerWithTimeProvider(tp TimeProvider) *Assembler {
	asm := NewAssembler()
	asm.timeProvider = tp
	return asm
}

// ProcessPacket feeds one received video packet into the assembler.
//
// Parameters:
//   - vp: parsed video packet
//
// Returns:
//   - []byte: the complete frame when vp completes it, nil otherwise
//   - uint64: capture timestamp of the completed frame
//   - error: validation error for inconsistent fragment metadata
func (a *Assembler) ProcessPacket(vp *VideoPacket) ([]byte, uint64, error) {
	if vp == nil {
		return nil, 0, fmt.Errorf("video packet cannot be nil")
	}

	assembly, err := a.getOrCreateAssembly(vp)
	if err != nil {
		return nil, 0, err
	}

	// Duplicate packet ids are ignored
	if _, seen := assembly.slices[vp.PacketID]; !seen {
		assembly.slices[vp.PacketID] = vp.Slice
	}
	if vp.PacketID == vp.NumberOfPackets {
		assembly.sawFinal = true
	}
	assembly.lastActivity = a.timeProvider.Now()

	if !assembly.sawFinal || len(assembly.slices) != int(assembly.total) {
		return nil, 0, nil
	}

	return a.finalizeFrame(assembly)
}

// getOrCreateAssembly retrieves the in-progress assembly for the packet's
// frame, creating it and discarding superseded frames when necessary.
func (a *Assembler) getOrCreateAssembly(vp *VideoPacket) (*frameAssembly, error) {
	assembly, exists := a.frames[vp.FrameID]
	if exists {
		if assembly.total != vp.NumberOfPackets {
			return nil, fmt.Errorf("frame %d fragment count changed: %d then %d",
				vp.FrameID, assembly.total, vp.NumberOfPackets)
		}
		return assembly, nil
	}

	// A newer frame retires every incomplete predecessor
	a.dropOlderThan(vp.FrameID)
	a.cleanupStaleFrames()
	if len(a.frames) >= a.maxFrames {
		a.removeOldestFrame()
	}

	assembly = &frameAssembly{
		frameID:      vp.FrameID,
		total:        vp.NumberOfPackets,
		slices:       make(map[uint16][]byte, vp.NumberOfPackets),
		captureTS:    vp.CaptureTimestamp,
		lastActivity: a.timeProvider.Now(),
	}
	a.frames[vp.FrameID] = assembly

	return assembly, nil
}

// finalizeFrame concatenates the slices in packet id order and removes the
// assembly from the buffer.
func (a *Assembler) finalizeFrame(assembly *frameAssembly) ([]byte, uint64, error) {
	size := 0
	for _, slice := range assembly.slices {
		size += len(slice)
	}

	frame := make([]byte, 0, size)
	for id := uint16(1); id <= assembly.total; id++ {
		slice, ok := assembly.slices[id]
		if !ok {
			return nil, 0, fmt.Errorf("frame %d missing packet %d at finalize", assembly.frameID, id)
		}
		frame = append(frame, slice...)
	}

	delete(a.frames, assembly.frameID)

	return frame, assembly.captureTS, nil
}

// dropOlderThan discards incomplete assemblies for frames older than frameID.
func (a *Assembler) dropOlderThan(frameID uint32) {
	for id := range a.frames {
		if id < frameID {
			logrus.WithFields(logrus.Fields{
				"function":  "dropOlderThan",
				"frame_id":  id,
				"newer":     frameID,
				"fragments": len(a.frames[id].slices),
			}).Trace("Discarding superseded incomplete frame")
			delete(a.frames, id)
		}
	}
}

// cleanupStaleFrames removes incomplete frames idle past frameTimeout.
func (a *Assembler) cleanupStaleFrames() {
	cutoff := a.timeProvider.Now().Add(-frameTimeout)
	for id, assembly := range a.frames {
		if assembly.lastActivity.Before(cutoff) {
			delete(a.frames, id)
		}
	}
}

// removeOldestFrame removes the assembly with the oldest lastActivity time.
func (a *Assembler) removeOldestFrame() {
	if len(a.frames) == 0 {
		return
	}

	var oldestID uint32
	var oldestTime time.Time
	first := true

	for id, assembly := range a.frames {
		if first || assembly.lastActivity.Before(oldestTime) {
			oldestID = id
			oldestTime = assembly.lastActivity
			first = false
		}
	}

	delete(a.frames, oldestID)
}

// BufferedFrameCount returns the number of frames being assembled.
func (a *Assembler) BufferedFrameCount() int {
	return len(a.frames)
}
