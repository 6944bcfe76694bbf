package agent

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Video quality presets and their bitrates in bits per second.
const (
	QualityLow    = "low"
	QualityMedium = "medium"
	QualityHigh   = "high"

	BitrateLow    = 1_000_000
	BitrateMedium = 2_000_000
	BitrateHigh   = 5_000_000
)

// Bitrate clamp range for reconfiguration requests.
const (
	minBitrate = 500_000
	maxBitrate = 10_000_000
)

// QualityBitrate maps a preset name to its bitrate.
func QualityBitrate(quality string) (int, bool) {
	switch quality {
	case QualityLow:
		return BitrateLow, true
	case QualityMedium:
		return BitrateMedium, true
	case QualityHigh:
		return BitrateHigh, true
	default:
		return 0, false
	}
}

// ClampBitrate bounds a requested bitrate to the supported range.
func ClampBitrate(bitrate int) int {
	if bitrate < minBitrate {
		return minBitrate
	}
	if bitrate > maxBitrate {
		return maxBitrate
	}
	return bitrate
}

// EncoderConfig is the contract every encoder must honor. Quality changes
// reinitialize the encoder with a new config; no in-place rate change is
// attempted.
type EncoderConfig struct {
	// Bitrate in bits per second.
	Bitrate int
	// GOPSize forces a keyframe every GOPSize frames.
	GOPSize int
	// ZeroLatency disables frame reordering and lookahead.
	ZeroLatency bool
	// RepeatHeaders emits parameter sets in-band with every keyframe.
	RepeatHeaders bool
}

// DefaultEncoderConfig returns the configuration vehicles start with.
func DefaultEncoderConfig() EncoderConfig {
	return EncoderConfig{
		Bitrate:       BitrateHigh,
		GOPSize:       30,
		ZeroLatency:   true,
		RepeatHeaders: true,
	}
}

// Encoder is the handle the agent reconfigures on CHANGE_VIDEO_QUALITY.
// Hardware implementations live outside this module; the sources here
// already deliver encoded access units, so PassthroughEncoder just records
// the active configuration.
type Encoder interface {
	Configure(config EncoderConfig) error
}

// PassthroughEncoder records configuration for sources that produce
// pre-encoded units.
type PassthroughEncoder struct {
	mu     sync.Mutex
	config EncoderConfig
}

// NewPassthroughEncoder returns an encoder holding the default config.
func NewPassthroughEncoder() *PassthroughEncoder {
	return &PassthroughEncoder{config: DefaultEncoderConfig()}
}

// Configure stores the new configuration.
func (e *PassthroughEncoder) Configure(config EncoderConfig) error {
	if config.Bitrate <= 0 {
		return fmt.Errorf("bitrate must be positive, got %d", config.Bitrate)
	}

	e.mu.Lock()
	e.config = config
	e.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Configure",
		"bitrate":  config.Bitrate,
		"gop":      config.GOPSize,
	}).Info("Encoder reconfigured")
	return nil
}

// Config returns the active configuration.
func (e *PassthroughEncoder) Config() EncoderConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.config
}

// NAL unit types of interest in an Annex B stream.
const (
	nalNonIDR = 1
	nalIDR    = 5
	nalSPS    = 7
	nalPPS    = 8
)

// HeaderCache remembers the last SPS and PPS seen in the stream and
// prepends them to IDR access units that arrive bare, so a console joining
// mid-stream can start decoding at the next keyframe.
type HeaderCache struct {
	sps []byte
	pps []byte
}

// Prepare scans one access unit, caching parameter sets, and returns the
// unit to transmit. An access unit led by a bare IDR slice gets the cached
// SPS and PPS prepended; everything else passes through unchanged.
func (c *HeaderCache) Prepare(au []byte) []byte {
	units := splitNALUnits(au)
	for _, unit := range units {
		switch nalUnitType(unit) {
		case nalSPS:
			c.sps = append(c.sps[:0], unit...)
		case nalPPS:
			c.pps = append(c.pps[:0], unit...)
		}
	}

	if len(units) == 0 || nalUnitType(units[0]) != nalIDR {
		return au
	}
	if len(c.sps) == 0 || len(c.pps) == 0 {
		return au
	}

	prepared := make([]byte, 0, len(c.sps)+len(c.pps)+len(au))
	prepared = append(prepared, c.sps...)
	prepared = append(prepared, c.pps...)
	prepared = append(prepared, au...)
	return prepared
}

// splitNALUnits divides an Annex B byte stream at its start codes. Each
// returned unit keeps its own start code so units can be recombined by
// concatenation.
func splitNALUnits(au []byte) [][]byte {
	var starts []int
	for i := 0; i+2 < len(au); i++ {
		if au[i] != 0x00 || au[i+1] != 0x00 || au[i+2] != 0x01 {
			continue
		}
		start := i
		if i > 0 && au[i-1] == 0x00 {
			start = i - 1
		}
		starts = append(starts, start)
		i += 2
	}

	units := make([][]byte, 0, len(starts))
	for k, start := range starts {
		end := len(au)
		if k+1 < len(starts) {
			end = starts[k+1]
		}
		units = append(units, au[start:end])
	}
	return units
}

// nalUnitType returns the type bits of a unit produced by splitNALUnits,
// or 0 if the unit has no header byte.
func nalUnitType(unit []byte) byte {
	i := 2
	if len(unit) > 3 && unit[2] == 0x00 {
		i = 3
	}
	if i+1 >= len(unit) {
		return 0
	}
	return unit[i+1] & 0x1f
}
