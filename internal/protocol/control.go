// ABOUTME: Structured CONTROL messages exchanged between server and agents.
// ABOUTME: Messages are CBOR-encoded with integer keys to keep frames small.

package protocol

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// ControlType names a control message.
type ControlType string

const (
	TypeHello     ControlType = "hello"
	TypeWelcome   ControlType = "welcome"
	TypeHeartbeat ControlType = "heartbeat"
	TypeCommand   ControlType = "command"
	TypeReply     ControlType = "reply"
)

// Reply statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Control is the payload of a CONTROL frame. Which fields are set depends on Type:
//
//	hello     agent -> server  Hostname, OS, Version
//	welcome   server -> agent  SessionID
//	heartbeat agent -> server  (none)
//	command   server -> agent  CommandID, Verb, Args
//	reply     agent -> server  CommandID, Status, Error, Output
type Control struct {
	Type      ControlType `cbor:"1,keyasint"`
	CommandID string      `cbor:"2,keyasint,omitempty"`
	Verb      string      `cbor:"3,keyasint,omitempty"`
	Args      []string    `cbor:"4,keyasint,omitempty"`
	Status    string      `cbor:"5,keyasint,omitempty"`
	Error     string      `cbor:"6,keyasint,omitempty"`
	Output    []byte      `cbor:"7,keyasint,omitempty"`
	SessionID string      `cbor:"8,keyasint,omitempty"`
	Hostname  string      `cbor:"9,keyasint,omitempty"`
	OS        string      `cbor:"10,keyasint,omitempty"`
	Version   string      `cbor:"11,keyasint,omitempty"`
}

// MarshalControl encodes msg as a CBOR payload.
func MarshalControl(msg *Control) ([]byte, error) {
	data, err := cbor.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding %s control: %w", msg.Type, err)
	}
	return data, nil
}

// UnmarshalControl decodes a CONTROL payload.
func UnmarshalControl(data []byte) (*Control, error) {
	var msg Control
	if err := cbor.Unmarshal(data, &msg); err != nil {
		return nil, &FrameError{Op: "decode control", Err: err}
	}
	if msg.Type == "" {
		return nil, &FrameError{Op: "decode control", Err: fmt.Errorf("missing message type")}
	}
	return &msg, nil
}

// ControlFrame wraps a control message in a frame addressed to commandID.
func ControlFrame(commandID uuid.UUID, msg *Control) (Frame, error) {
	payload, err := MarshalControl(msg)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Kind: KindControl, CommandID: commandID, Payload: payload}, nil
}

// CommandFrame builds the server -> agent command message.
func CommandFrame(commandID uuid.UUID, verb string, args []string) (Frame, error) {
	return ControlFrame(commandID, &Control{
		Type:      TypeCommand,
		CommandID: commandID.String(),
		Verb:      verb,
		Args:      args,
	})
}

// ReplyFrame builds the agent -> server reply. A non-nil err produces an error reply.
func ReplyFrame(commandID uuid.UUID, output []byte, err error) (Frame, error) {
	msg := &Control{
		Type:      TypeReply,
		CommandID: commandID.String(),
		Status:    StatusOK,
		Output:    output,
	}
	if err != nil {
		msg.Status = StatusError
		msg.Error = err.Error()
		msg.Output = nil
	}
	return ControlFrame(commandID, msg)
}
