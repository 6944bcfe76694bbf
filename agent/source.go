package agent

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/opd-ai/trainlink/limits"
)

// Frame is one encoded access unit leaving a source.
type Frame struct {
	Data       []byte
	CapturedAt time.Time
}

// FrameSource delivers encoded H.264 access units at capture cadence.
// Cameras and hardware encoders are external; the provided sources replay
// a dump file or fabricate deterministic frames.
type FrameSource interface {
	// Next blocks until the next frame is due.
	Next(ctx context.Context) (Frame, error)
	Close() error
}

// ErrEmptyDump indicates a frame dump file with no access units.
var ErrEmptyDump = errors.New("frame dump contains no access units")

// FileSource replays a dump of length-prefixed access units in a loop.
//
// Dump format: repeated [length (4 bytes, big-endian)][access unit].
type FileSource struct {
	file     *os.File
	interval time.Duration
	ticker   *time.Ticker
}

// NewFileSource opens a dump file for replay at the given frame rate.
func NewFileSource(path string, fps int) (*FileSource, error) {
	if fps <= 0 {
		return nil, fmt.Errorf("frame rate must be positive, got %d", fps)
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open frame dump: %w", err)
	}

	interval := time.Second / time.Duration(fps)
	return &FileSource{
		file:     file,
		interval: interval,
		ticker:   time.NewTicker(interval),
	}, nil
}

// Next returns the next access unit from the dump, rewinding at the end.
func (s *FileSource) Next(ctx context.Context) (Frame, error) {
	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case <-s.ticker.C:
	}

	au, err := s.readUnit()
	if errors.Is(err, io.EOF) {
		if _, err := s.file.Seek(0, io.SeekStart); err != nil {
			return Frame{}, fmt.Errorf("failed to rewind frame dump: %w", err)
		}
		au, err = s.readUnit()
		if errors.Is(err, io.EOF) {
			return Frame{}, ErrEmptyDump
		}
	}
	if err != nil {
		return Frame{}, err
	}

	return Frame{Data: au, CapturedAt: time.Now()}, nil
}

func (s *FileSource) readUnit() ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(s.file, prefix[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, err
	}

	length := binary.BigEndian.Uint32(prefix[:])
	if length == 0 || length > limits.MaxEncodedFrame {
		return nil, fmt.Errorf("frame dump corrupt: unit of %d bytes", length)
	}

	au := make([]byte, length)
	if _, err := io.ReadFull(s.file, au); err != nil {
		return nil, fmt.Errorf("failed to read access unit: %w", err)
	}
	return au, nil
}

// Close stops the replay clock and closes the dump.
func (s *FileSource) Close() error {
	s.ticker.Stop()
	return s.file.Close()
}

// SyntheticSource fabricates a deterministic H.264-shaped stream: one IDR
// access unit with in-band parameter sets at the start of every group,
// non-IDR slices in between. The bytes are not decodable video, but they
// carry valid NAL framing and exercise the full send path.
type SyntheticSource struct {
	interval  time.Duration
	frameSize int
	gop       int
	counter   uint64
	ticker    *time.Ticker
}

// NewSyntheticSource creates a source producing frameSize-byte units at the
// given frame rate.
func NewSyntheticSource(fps, frameSize int) *SyntheticSource {
	if fps <= 0 {
		fps = 30
	}
	if frameSize < 16 {
		frameSize = 16
	}
	interval := time.Second / time.Duration(fps)
	return &SyntheticSource{
		interval:  interval,
		frameSize: frameSize,
		gop:       30,
		ticker:    time.NewTicker(interval),
	}
}

// Next returns the next fabricated access unit.
func (s *SyntheticSource) Next(ctx context.Context) (Frame, error) {
	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case <-s.ticker.C:
	}

	au := s.buildUnit(s.counter)
	s.counter++
	return Frame{Data: au, CapturedAt: time.Now()}, nil
}

func (s *SyntheticSource) buildUnit(n uint64) []byte {
	au := make([]byte, 0, s.frameSize)
	startCode := []byte{0x00, 0x00, 0x00, 0x01}

	if n%uint64(s.gop) == 0 {
		// Keyframe: SPS, PPS, then the IDR slice.
		au = append(au, startCode...)
		au = append(au, 0x67, 0x42, 0x00, 0x1f)
		au = append(au, startCode...)
		au = append(au, 0x68, 0xce, 0x38, 0x80)
		au = append(au, startCode...)
		au = append(au, 0x65)
	} else {
		au = append(au, startCode...)
		au = append(au, 0x41)
	}

	// High bit set keeps the filler free of accidental start codes.
	for len(au) < s.frameSize {
		au = append(au, 0x80|byte((n+uint64(len(au)))&0x7f))
	}
	return au
}

// Close stops the frame clock.
func (s *SyntheticSource) Close() error {
	s.ticker.Stop()
	return nil
}
