package sandbox

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxMessageSize is the maximum allowed frame payload (16 MiB).
const MaxMessageSize = 16 << 20

// Protocol commands. CmdStart flows coordinator→worker, the rest worker→coordinator.
const (
	CmdStart     = "start"
	CmdProgress  = "progress"
	CmdCompleted = "completed"
	CmdFailed    = "failed"
	CmdError     = "error"
)

// JobPayload is the job description carried by a start message.
type JobPayload struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Data    json.RawMessage `json:"data,omitempty"`
	Attempt int             `json:"attempt"`
}

// ErrorInfo is the structured error a worker reports with failed or error.
type ErrorInfo struct {
	Kind    string         `json:"kind,omitempty"`
	Message string         `json:"message"`
	Stack   string         `json:"stack,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// Message is the envelope for every frame exchanged with a worker.
// ExecID is assigned by the coordinator on start and must be echoed by the
// worker on every reply; replies carrying another ExecID are ignored.
type Message struct {
	Cmd    string          `json:"cmd"`
	ExecID string          `json:"exec_id"`
	Job    *JobPayload     `json:"job,omitempty"`
	Value  json.RawMessage `json:"value,omitempty"`
	Error  *ErrorInfo      `json:"error,omitempty"`
}

// Terminal reports whether m ends an execution.
func (m Message) Terminal() bool {
	return m.Cmd == CmdCompleted || m.Cmd == CmdFailed || m.Cmd == CmdError
}

// WriteMessage writes a length-prefixed JSON message to w.
// The frame format is: 4-byte big-endian length prefix followed by the JSON payload.
func WriteMessage(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", len(data), MaxMessageSize)
	}

	// Single write so concurrent readers never observe a prefix without its payload.
	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadMessage reads a length-prefixed JSON message from r and decodes it into v.
func ReadMessage(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read length prefix: %w", err)
	}

	if length > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", length, MaxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}

	return nil
}
