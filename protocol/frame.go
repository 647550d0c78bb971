// Package protocol defines the wire types exchanged between the agent and
// the cloud control plane (spec §6). A Frame is the unit of transport: a
// stable message type, a unique id used for request/reply correlation, and
// an opaque JSON payload. The package is transport-agnostic — it knows
// nothing about WebSockets; internal/session owns the transport.
package protocol

import (
	"encoding/json"

	"github.com/google/uuid"
)

// MessageType enumerates every frame type named in spec §6.
type MessageType string

// Outbound types (agent sends).
const (
	TypeAuth             MessageType = "AUTH"
	TypeStatus           MessageType = "STATUS"
	TypeMetrics          MessageType = "METRICS"
	TypePong             MessageType = "PONG"
	TypeConfig           MessageType = "CONFIG"
	TypeValidation       MessageType = "VALIDATION"
	TypeApplyResult      MessageType = "APPLY_RESULT"
	TypeExecResult       MessageType = "EXEC_RESULT"
	TypeModeUpdated      MessageType = "MODE_UPDATED"
	TypeRebootScheduled  MessageType = "REBOOT_SCHEDULED"
	TypePermissionDenied MessageType = "PERMISSION_DENIED"
	TypeTimeout          MessageType = "TIMEOUT"
	TypeUnknownMessage   MessageType = "UNKNOWN_MESSAGE"
	TypeError            MessageType = "ERROR"
)

// Inbound types (agent receives).
const (
	TypeAuthOK          MessageType = "AUTH_OK"
	TypeAuthFail        MessageType = "AUTH_FAIL"
	TypePing            MessageType = "PING"
	TypeStatusRequest   MessageType = "STATUS_REQUEST"
	TypeGetConfig       MessageType = "GET_CONFIG"
	TypeValidateConfig  MessageType = "VALIDATE_CONFIG"
	TypeApplyConfig     MessageType = "APPLY_CONFIG"
	TypeRollbackConfig  MessageType = "ROLLBACK_CONFIG"
	TypeExec            MessageType = "EXEC"
	TypeUpdateMode      MessageType = "UPDATE_MODE"
	TypeReboot          MessageType = "REBOOT"
	// TypeConfirmVersion is additive beyond the required inbound set (spec
	// leaves the discard-snapshot trigger unspecified); see SPEC_FULL.md §9.
	TypeConfirmVersion MessageType = "CONFIRM_VERSION"
)

// TypeVersionConfirmed is the additive outbound acknowledgement of
// TypeConfirmVersion (SPEC_FULL.md §9).
const TypeVersionConfirmed MessageType = "VERSION_CONFIRMED"

// Frame is the single structured record carried over the duplex transport.
type Frame struct {
	ID      string          `json:"id"`
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewFrame builds a Frame with a fresh request id and a marshaled payload.
func NewFrame(t MessageType, payload any) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{ID: uuid.NewString(), Type: t, Payload: raw}, nil
}

// Reply builds a reply Frame correlated to this Frame's id (spec property 7:
// "every reply frame's id equals the id of some previously received
// request").
func (f Frame) Reply(t MessageType, payload any) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{ID: f.ID, Type: t, Payload: raw}, nil
}

// Decode unmarshals the frame's payload into v.
func (f Frame) Decode(v any) error {
	if len(f.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(f.Payload, v)
}
