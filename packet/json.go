package packet

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/opd-ai/trainlink/limits"
)

// Command instructions a console may issue to its bound train.
const (
	InstructionChangeTargetSpeed     = "CHANGE_TARGET_SPEED"
	InstructionStopSendingData       = "STOP_SENDING_DATA"
	InstructionStartSendingData      = "START_SENDING_DATA"
	InstructionPowerOn               = "POWER_ON"
	InstructionPowerOff              = "POWER_OFF"
	InstructionChangeDirection       = "CHANGE_DIRECTION"
	InstructionCalculateNetworkSpeed = "CALCULATE_NETWORK_SPEED"
	InstructionChangeVideoQuality    = "CHANGE_VIDEO_QUALITY"
	InstructionSwitchProtocol        = "SWITCH_PROTOCOL"
)

// Driving directions carried by CHANGE_DIRECTION and telemetry.
const (
	DirectionForward  = "FORWARD"
	DirectionBackward = "BACKWARD"
)

// Protocols selectable via SWITCH_PROTOCOL.
const (
	ProtocolWebSocket = "WEBSOCKET"
	ProtocolQUIC      = "QUIC"
	ProtocolWebRTC    = "WEBRTC"
)

// ErrMissingField indicates a JSON payload lacking a required field.
var ErrMissingField = errors.New("missing required field")

// Command is the JSON payload of a PacketCommand packet.
//
// Instruction and RemoteControlID are always required; the optional fields
// are interpreted per instruction. TargetSpeed is a pointer so that an
// explicit speed of zero survives the trip.
type Command struct {
	Instruction            string `json:"instruction"`
	RemoteControlID        string `json:"remote_control_id"`
	CommandID              string `json:"command_id,omitempty"`
	RemoteControlTimestamp int64  `json:"remote_control_timestamp,omitempty"`

	TargetSpeed *int   `json:"target_speed,omitempty"`
	Direction   string `json:"direction,omitempty"`
	Quality     string `json:"quality,omitempty"`
	Protocol    string `json:"protocol,omitempty"`
}

// Keepalive is the JSON payload of a PacketKeepalive packet.
type Keepalive struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	Sequence  uint64 `json:"sequence"`
}

// Notification is the JSON payload of a PacketNotification packet,
// broadcast to every console when a train joins or leaves the fleet.
//
// Extra carries unknown fields opaquely for forward compatibility.
type Notification struct {
	Type    string `json:"type"`
	TrainID string `json:"train_id"`
	Event   string `json:"event"` // "connected" or "disconnected"

	Extra map[string]json.RawMessage `json:"-"`
}

// Notification event values.
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
)

// MapAck is the JSON payload of a PacketMapAck packet, sent to a train when
// a console binds to it. Receipt starts the train's clock sync handshake.
type MapAck struct {
	Type            string `json:"type"` // "mapping_acknowledgement"
	RemoteControlID string `json:"remote_control_id"`
}

// RTTTrain is the JSON payload of a PacketRTTTrain packet.
//
// The train sends it with its own timestamp and RemoteControlTimestamp
// zero; the console echoes it back with RemoteControlTimestamp filled in.
type RTTTrain struct {
	Type                   string `json:"type"` // "rtt_train"
	TrainTimestamp         int64  `json:"train_timestamp"`
	RemoteControlTimestamp int64  `json:"remote_control_timestamp"`
	RemoteControlID        string `json:"remote_control_id"`
}

// GPS is the position block inside a telemetry record.
type GPS struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Telemetry is the JSON payload of a PacketTelemetry packet, one record per
// simulation tick.
type Telemetry struct {
	Name                  string  `json:"name"`
	TrainID               string  `json:"train_id"`
	Status                string  `json:"status"`
	Direction             string  `json:"direction"`
	Speed                 int     `json:"speed"`
	MaxSpeed              int     `json:"max_speed"`
	BrakeStatus           string  `json:"brake_status"`
	Location              string  `json:"location"`
	NextStation           string  `json:"next_station"`
	PassengerCount        int     `json:"passenger_count"`
	Temperature           int     `json:"temperature"`
	EngineTemperature     int     `json:"engine_temperature"`
	BatteryLevel          float64 `json:"battery_level"`
	FuelLevel             float64 `json:"fuel_level"`
	NetworkSignalStrength int     `json:"network_signal_strength"`
	VideoStreamURL        string  `json:"video_stream_url"`
	GPS                   GPS     `json:"gps"`
	Timestamp             int64   `json:"timestamp"`
}

// IMUSample is the JSON payload of a PacketIMU packet.
type IMUSample struct {
	AccelX    float64 `json:"accel_x"`
	AccelY    float64 `json:"accel_y"`
	AccelZ    float64 `json:"accel_z"`
	GyroX     float64 `json:"gyro_x"`
	GyroY     float64 `json:"gyro_y"`
	GyroZ     float64 `json:"gyro_z"`
	Timestamp int64   `json:"timestamp"`
}

// SpeedReport is the JSON payload emitted after CALCULATE_NETWORK_SPEED
// completes, carried in a PacketDownloadEnd or PacketUploadEnd packet.
type SpeedReport struct {
	Type         string  `json:"type"` // "network_speed"
	TrainID      string  `json:"train_id"`
	DownloadMbps float64 `json:"download_mbps"`
	UploadMbps   float64 `json:"upload_mbps"`
	Timestamp    int64   `json:"timestamp"`
}

// MarshalEnvelope serializes v as JSON and prepends the packet type tag,
// producing complete wire bytes.
func MarshalEnvelope(pt PacketType, v interface{}) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", pt, err)
	}

	result := make([]byte, 1+len(body))
	result[0] = byte(pt)
	copy(result[1:], body)

	return result, nil
}

// DecodeCommand parses and validates a command payload (without the tag).
func DecodeCommand(payload []byte) (*Command, error) {
	if err := limits.ValidateControlPayload(payload); err != nil {
		return nil, err
	}

	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return nil, fmt.Errorf("malformed command payload: %w", err)
	}
	if cmd.Instruction == "" {
		return nil, fmt.Errorf("%w: instruction", ErrMissingField)
	}
	if cmd.RemoteControlID == "" {
		return nil, fmt.Errorf("%w: remote_control_id", ErrMissingField)
	}

	return &cmd, nil
}

// DecodeKeepalive parses and validates a keepalive payload (without the tag).
func DecodeKeepalive(payload []byte) (*Keepalive, error) {
	if err := limits.ValidateControlPayload(payload); err != nil {
		return nil, err
	}

	var ka Keepalive
	if err := json.Unmarshal(payload, &ka); err != nil {
		return nil, fmt.Errorf("malformed keepalive payload: %w", err)
	}
	if ka.Type == "" {
		return nil, fmt.Errorf("%w: type", ErrMissingField)
	}

	return &ka, nil
}

// DecodeNotification parses a notification payload (without the tag),
// preserving unknown fields in Extra.
func DecodeNotification(payload []byte) (*Notification, error) {
	if err := limits.ValidateControlPayload(payload); err != nil {
		return nil, err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("malformed notification payload: %w", err)
	}

	n := &Notification{Extra: make(map[string]json.RawMessage)}
	for key, value := range raw {
		switch key {
		case "type":
			if err := json.Unmarshal(value, &n.Type); err != nil {
				return nil, fmt.Errorf("malformed notification type: %w", err)
			}
		case "train_id":
			if err := json.Unmarshal(value, &n.TrainID); err != nil {
				return nil, fmt.Errorf("malformed notification train_id: %w", err)
			}
		case "event":
			if err := json.Unmarshal(value, &n.Event); err != nil {
				return nil, fmt.Errorf("malformed notification event: %w", err)
			}
		default:
			n.Extra[key] = value
		}
	}
	if n.TrainID == "" {
		return nil, fmt.Errorf("%w: train_id", ErrMissingField)
	}

	return n, nil
}

// DecodeMapAck parses and validates a map acknowledgement payload
// (without the tag).
func DecodeMapAck(payload []byte) (*MapAck, error) {
	if err := limits.ValidateControlPayload(payload); err != nil {
		return nil, err
	}

	var ack MapAck
	if err := json.Unmarshal(payload, &ack); err != nil {
		return nil, fmt.Errorf("malformed map_ack payload: %w", err)
	}
	if ack.RemoteControlID == "" {
		return nil, fmt.Errorf("%w: remote_control_id", ErrMissingField)
	}

	return &ack, nil
}

// DecodeRTTTrain parses and validates an rtt_train payload (without the tag).
func DecodeRTTTrain(payload []byte) (*RTTTrain, error) {
	if err := limits.ValidateControlPayload(payload); err != nil {
		return nil, err
	}

	var rtt RTTTrain
	if err := json.Unmarshal(payload, &rtt); err != nil {
		return nil, fmt.Errorf("malformed rtt_train payload: %w", err)
	}
	if rtt.TrainTimestamp == 0 {
		return nil, fmt.Errorf("%w: train_timestamp", ErrMissingField)
	}

	return &rtt, nil
}

// DecodeTelemetry parses and validates a telemetry payload (without the tag).
func DecodeTelemetry(payload []byte) (*Telemetry, error) {
	if err := limits.ValidateControlPayload(payload); err != nil {
		return nil, err
	}

	var tel Telemetry
	if err := json.Unmarshal(payload, &tel); err != nil {
		return nil, fmt.Errorf("malformed telemetry payload: %w", err)
	}
	if tel.TrainID == "" {
		return nil, fmt.Errorf("%w: train_id", ErrMissingField)
	}

	return &tel, nil
}

// MarshalJSON implements json.Marshaler for Notification, folding the
// preserved unknown fields back into the document.
func (n *Notification) MarshalJSON() ([]byte, error) {
	doc := make(map[string]interface{}, 3+len(n.Extra))
	doc["type"] = n.Type
	doc["train_id"] = n.TrainID
	doc["event"] = n.Event
	for key, value := range n.Extra {
		doc[key] = value
	}
	return json.Marshal(doc)
}
