package agent

import (
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/trainlink/packet"
)

const (
	// rttSamples is how many probe exchanges are averaged into one offset.
	rttSamples = 5

	// sampleTimeout abandons a probe burst that stops receiving echoes,
	// so a console that vanishes mid-handshake does not pin memory.
	sampleTimeout = 2 * time.Second
)

// syncState accumulates echoes for one in-flight probe burst.
type syncState struct {
	samples  []float64
	deadline time.Time
}

// ClockTable estimates the clock offset between this vehicle and each bound
// console. Command latency is computed against console-side timestamps, and
// the two clocks are not assumed to agree, so every binding starts with a
// burst of rtt_train probes whose echoes yield per-console offsets.
//
// Offsets are console clock minus vehicle clock, in milliseconds.
type ClockTable struct {
	mu      sync.Mutex
	now     func() time.Time
	offsets map[string]int64
	pending map[string]*syncState
}

// NewClockTable returns an empty table using the wall clock.
func NewClockTable() *ClockTable {
	return &ClockTable{
		now:     time.Now,
		offsets: make(map[string]int64),
		pending: make(map[string]*syncState),
	}
}

// Begin starts a probe burst toward consoleID and returns the serialized
// probes to send. Any previously measured offset for the console is
// discarded so a rebinding console is measured afresh.
func (t *ClockTable) Begin(consoleID string) ([][]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.offsets, consoleID)
	t.pending[consoleID] = &syncState{
		samples:  make([]float64, 0, rttSamples),
		deadline: t.now().Add(sampleTimeout),
	}

	probes := make([][]byte, 0, rttSamples)
	for i := 0; i < rttSamples; i++ {
		wire, err := packet.MarshalEnvelope(packet.PacketRTTTrain, &packet.RTTTrain{
			Type:            "rtt_train",
			TrainTimestamp:  t.now().UnixMilli(),
			RemoteControlID: consoleID,
		})
		if err != nil {
			return nil, err
		}
		probes = append(probes, wire)
	}

	logrus.WithFields(logrus.Fields{
		"function":          "Begin",
		"remote_control_id": consoleID,
	}).Debug("Clock sync probes prepared")
	return probes, nil
}

// Observe folds one echoed probe into the pending burst for its console.
// The echo carries the vehicle timestamp from the matching probe plus the
// console's own receive timestamp. When the burst completes, the averaged
// offset is stored and returned with true.
func (t *ClockTable) Observe(echo *packet.RTTTrain) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.pending[echo.RemoteControlID]
	if !ok {
		return 0, false
	}

	nowMillis := t.now().UnixMilli()
	rtt := float64(nowMillis - echo.TrainTimestamp)
	offset := float64(echo.RemoteControlTimestamp) - (float64(echo.TrainTimestamp) + rtt/2)

	state.samples = append(state.samples, offset)
	state.deadline = t.now().Add(sampleTimeout)
	if len(state.samples) < rttSamples {
		return 0, false
	}

	var sum float64
	for _, sample := range state.samples {
		sum += sample
	}
	averaged := int64(math.Round(sum / float64(len(state.samples))))
	t.offsets[echo.RemoteControlID] = averaged
	delete(t.pending, echo.RemoteControlID)

	logrus.WithFields(logrus.Fields{
		"function":          "Observe",
		"remote_control_id": echo.RemoteControlID,
		"offset_ms":         averaged,
	}).Info("Clock offset established")
	return averaged, true
}

// OffsetFor returns the measured offset for a console, if one exists.
func (t *ClockTable) OffsetFor(consoleID string) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	offset, ok := t.offsets[consoleID]
	return offset, ok
}

// Latency converts a console-side timestamp into one-way latency in
// milliseconds. It returns -1 when the console's offset is unknown, so
// records written before or without a completed handshake stay
// distinguishable from real measurements.
func (t *ClockTable) Latency(consoleID string, remoteTimestamp int64) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	offset, ok := t.offsets[consoleID]
	if !ok {
		return -1
	}
	return t.now().UnixMilli() - (remoteTimestamp - offset)
}

// Forget drops all state for a console that unbound or disconnected.
func (t *ClockTable) Forget(consoleID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.offsets, consoleID)
	delete(t.pending, consoleID)
}

// Expire abandons probe bursts whose echoes stopped arriving.
func (t *ClockTable) Expire() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	for consoleID, state := range t.pending {
		if now.Before(state.deadline) {
			continue
		}
		delete(t.pending, consoleID)
		logrus.WithFields(logrus.Fields{
			"function":          "Expire",
			"remote_control_id": consoleID,
			"samples":           len(state.samples),
		}).Warn("Clock sync abandoned, echoes stopped")
	}
}
