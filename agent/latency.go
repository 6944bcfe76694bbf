package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// CommandRecord is one line of the command latency log. CreatedAt is the
// console-side send timestamp and Latency is the one-way transit estimate
// from [ClockTable.Latency], -1 when no offset was available.
type CommandRecord struct {
	RemoteControlID string `json:"remote_control_id"`
	CommandID       string `json:"command_id"`
	Instruction     string `json:"instruction"`
	Latency         int64  `json:"latency"`
	CreatedAt       int64  `json:"created_at"`
	ReceivedAt      int64  `json:"received_at"`
	Size            int    `json:"size"`
	TargetSpeed     *int   `json:"target_speed,omitempty"`
	Direction       string `json:"direction,omitempty"`
	Quality         string `json:"quality,omitempty"`
}

// LatencyRecorder appends command records to a JSON-lines file. A nil
// recorder is valid and drops every record, so the agent can run without
// a log path configured.
type LatencyRecorder struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// NewLatencyRecorder opens (or creates) the log file for appending.
func NewLatencyRecorder(path string) (*LatencyRecorder, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open latency log: %w", err)
	}
	return &LatencyRecorder{file: file, enc: json.NewEncoder(file)}, nil
}

// Record appends one record. Write failures are logged rather than
// returned; a full disk must not interrupt command handling.
func (r *LatencyRecorder) Record(record CommandRecord) {
	if r == nil {
		return
	}

	r.mu.Lock()
	err := r.enc.Encode(record)
	r.mu.Unlock()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Record",
			"error":    err,
		}).Warn("Failed to append latency record")
	}
}

// Close flushes and closes the log file. Safe on a nil recorder.
func (r *LatencyRecorder) Close() error {
	if r == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file.Close()
}
