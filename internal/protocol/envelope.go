package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/meshtalk/callkit/internal/call"
)

// Control types a Calling payload can carry.
const (
	ControlStart  = "start"
	ControlInvite = "invite"
)

var ErrEmptyRoomID = errors.New("protocol: empty room id")

// Envelope is one server-relayed control message after transport
// decryption: the routing fields the server sees plus the typed payload
// the devices exchange.
type Envelope struct {
	Type         call.ActionType `json:"type"`
	RoomID       string          `json:"roomId"`
	Source       string          `json:"source"`
	SourceDevice int             `json:"sourceDevice"`
	Timestamp    int64           `json:"timestamp"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// Calling announces a new call (START) or an invitation into an existing
// one (INVITE). CallKey is the room's symmetric realtime key; it only
// ever travels inside the sealed envelope.
type Calling struct {
	Caller         string   `json:"caller"`
	ControlType    string   `json:"controlType"`
	ConversationID string   `json:"conversationId,omitempty"`
	GroupID        string   `json:"groupId,omitempty"`
	RoomName       string   `json:"roomName,omitempty"`
	Callees        []string `json:"calleesList,omitempty"`
	CreateCallMsg  bool     `json:"createCallMsg"`
	CallKey        []byte   `json:"callKey,omitempty"`
	Timestamp      int64    `json:"timestamp"`
}

// RoomRef is the payload of JOINED / CANCEL / REJECT / HANGUP messages.
type RoomRef struct {
	RoomID string `json:"roomId"`
}

// NewEnvelope wraps a payload into an envelope of the given kind.
func NewEnvelope(action call.ActionType, roomID, source string, sourceDevice int, ts int64, payload any) (*Envelope, error) {
	if roomID == "" {
		return nil, ErrEmptyRoomID
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", action, err)
	}
	return &Envelope{
		Type:         action,
		RoomID:       roomID,
		Source:       source,
		SourceDevice: sourceDevice,
		Timestamp:    ts,
		Payload:      raw,
	}, nil
}

// Marshal encodes the envelope for transport.
func (e *Envelope) Marshal() ([]byte, error) {
	if e == nil {
		return nil, errors.New("protocol: nil envelope")
	}
	if e.Type == "" {
		return nil, errors.New("protocol: missing envelope type")
	}
	return json.Marshal(e)
}

// Unmarshal decodes an envelope from transport bytes.
func (e *Envelope) Unmarshal(data []byte) error {
	if err := json.Unmarshal(data, e); err != nil {
		return fmt.Errorf("unmarshal envelope: %w", err)
	}
	return nil
}

// DecodePayload decodes the typed payload into out.
func (e *Envelope) DecodePayload(out any) error {
	if out == nil {
		return errors.New("protocol: nil payload target")
	}
	if len(e.Payload) == 0 {
		return errors.New("protocol: envelope has no payload")
	}
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Calling reports whether this is a CALLING envelope.
func (e *Envelope) IsCalling() bool {
	return e != nil && e.Type == call.ActionCalling
}

// SelfEcho reports whether the envelope is a sync copy of the local
// account's own action, sent from one of its other devices.
func (e *Envelope) SelfEcho(selfID string) bool {
	return e.Source == selfID && e.SourceDevice != call.DefaultDeviceID
}
