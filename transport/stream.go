package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/opd-ai/trainlink/limits"
)

// Control stream message grammar. The first frame of every connection
// identifies the peer; the server answers on the same stream. Text
// messages never collide with binary packets because every packet type
// byte is below the ASCII range these prefixes start in.
//
// Format: [length (4 bytes, big-endian)][message (length bytes)]
const (
	prefixTrain   = "TRAIN:"
	prefixConsole = "REMOTE_CONTROL:"
	prefixHello   = "HELLO:"
	prefixMap     = "MAP_CONNECTION:"
)

// maxStreamFrame bounds one control stream frame. Video never rides the
// stream, so the largest legal frame is a control payload plus its tag.
const maxStreamFrame = limits.MaxControlPayload + 1

// ErrFrameTooLarge indicates a length prefix beyond the frame bound.
var ErrFrameTooLarge = errors.New("stream frame too large")

// ErrBadIdentification indicates a first message that is neither a train
// nor a console greeting.
var ErrBadIdentification = errors.New("malformed identification message")

// WriteFrame writes one length-prefixed message.
func WriteFrame(w io.Writer, message []byte) error {
	if len(message) > maxStreamFrame {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(message))
	}

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(message)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("failed to write frame prefix: %w", err)
	}
	if _, err := w.Write(message); err != nil {
		return fmt.Errorf("failed to write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed message.
func ReadFrame(r io.Reader) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(prefix[:])
	if length > maxStreamFrame {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	message := make([]byte, length)
	if _, err := io.ReadFull(r, message); err != nil {
		return nil, fmt.Errorf("failed to read frame body: %w", err)
	}
	return message, nil
}

// ParseIdentification parses the first stream message of a connection.
func ParseIdentification(message []byte) (Role, string, error) {
	text := string(message)
	switch {
	case strings.HasPrefix(text, prefixTrain):
		id := text[len(prefixTrain):]
		if id == "" {
			return 0, "", fmt.Errorf("%w: empty train id", ErrBadIdentification)
		}
		return RoleTrain, id, nil
	case strings.HasPrefix(text, prefixConsole):
		id := text[len(prefixConsole):]
		if id == "" {
			return 0, "", fmt.Errorf("%w: empty console id", ErrBadIdentification)
		}
		return RoleConsole, id, nil
	default:
		return 0, "", ErrBadIdentification
	}
}

// HelloMessage formats the server's identification reply.
func HelloMessage(id string) []byte {
	return []byte(prefixHello + id)
}

// ParseMapConnection parses a console's bind request. Returns the console
// and train ids, or ok=false if the message is not a bind request.
func ParseMapConnection(message []byte) (consoleID, trainID string, ok bool) {
	text := string(message)
	if !strings.HasPrefix(text, prefixMap) {
		return "", "", false
	}
	parts := strings.SplitN(text[len(prefixMap):], ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// IdentifyTrainMessage formats a train's greeting, used by agents.
func IdentifyTrainMessage(trainID string) []byte {
	return []byte(prefixTrain + trainID)
}

// IdentifyConsoleMessage formats a console's greeting.
func IdentifyConsoleMessage(consoleID string) []byte {
	return []byte(prefixConsole + consoleID)
}

// MapConnectionMessage formats a console's bind request.
func MapConnectionMessage(consoleID, trainID string) []byte {
	return []byte(prefixMap + consoleID + ":" + trainID)
}

// ParseHello parses the server's identification reply, used by agents.
func ParseHello(message []byte) (string, bool) {
	text := string(message)
	if !strings.HasPrefix(text, prefixHello) {
		return "", false
	}
	return text[len(prefixHello):], true
}
