package call

import (
	"strings"
	"time"
)

// CallType distinguishes how a call room was created and who it is
// addressed to.
type CallType string

const (
	TypeOneOnOne CallType = "1on1"
	TypeGroup    CallType = "group"
	TypeInstant  CallType = "instant"
)

// Role of the local device in the current call.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// Status of the local device's active call session.
type Status int

const (
	StatusIdle Status = iota
	StatusCalling
	StatusJoining
	StatusConnected
	StatusReconnecting
	StatusReconnected
	StatusEnding
)

func (s Status) String() string {
	names := []string{
		"Idle", "Calling", "Joining", "Connected",
		"Reconnecting", "Reconnected", "Ending",
	}
	if int(s) < len(names) {
		return names[s]
	}
	return "Unknown"
}

// ActionType identifies a call-lifecycle control instruction, both as a
// server-relayed envelope kind and as a live in-process control message.
type ActionType string

const (
	ActionCalling ActionType = "calling"
	ActionJoined  ActionType = "joined"
	ActionCancel  ActionType = "cancel"
	ActionReject  ActionType = "reject"
	ActionHangup  ActionType = "hangup"
	ActionCallEnd ActionType = "callend"
	ActionDecline ActionType = "decline"
)

// Provenance records where a call record was learned from.
type Provenance int

const (
	FromSignalMessage Provenance = iota
	FromServerQuery
)

// Caller identifies the device that created a call room.
type Caller struct {
	UID      string
	DeviceID int
}

// Record is the registry's cached knowledge of one call, independent of
// whether the local device ever joined it.
type Record struct {
	RoomID              string
	Type                CallType
	Version             int
	CreatedAt           time.Time
	Caller              Caller
	ConversationID      string
	EncryptionMeta      []byte
	DisplayName         string
	Provenance          Provenance
	AnotherDeviceJoined bool
	Notifying           bool
	LocalJoined         bool
}

// ControlMessage is the unit exchanged between the signaling layer and a
// call screen already displaying the room.
type ControlMessage struct {
	Action ActionType
	RoomID string
}

// DefaultDeviceID is the primary device of an account. A control message
// from one's own account with a different device id is a sync copy, not
// a peer message.
const DefaultDeviceID = 1

// UIDFromIdentity extracts the account id from a media-engine participant
// identity of the form "uid.deviceId".
func UIDFromIdentity(identity string) string {
	if i := strings.IndexByte(identity, '.'); i >= 0 {
		return identity[:i]
	}
	return identity
}
