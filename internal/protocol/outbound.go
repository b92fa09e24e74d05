package protocol

import "context"

// CipherMessage is the per-recipient encryption of one control payload.
// Recipients are account ids; each ciphertext is sealed to that
// account's public key so the relay never sees the payload.
type CipherMessage struct {
	Recipient  string `json:"recipient"`
	Ciphertext string `json:"ciphertext"`
}

// ControlCall is the body POSTed to the call server for every outbound
// control message. CallType and CallName are only set on start and
// invite, where the server needs them to answer calling-list queries.
type ControlCall struct {
	RoomID         string          `json:"roomId"`
	Timestamp      int64           `json:"timestamp"`
	CallType       string          `json:"callType,omitempty"`
	CallName       string          `json:"callName,omitempty"`
	CipherMessages []CipherMessage `json:"cipherMessages"`
}

// RoomState is what the server reports for an existence check.
type RoomState struct {
	Exists              bool  `json:"exists"`
	AnotherDeviceJoined bool  `json:"anotherDeviceJoined"`
	UserStopped         bool  `json:"userStopped"`
	CreatedAt           int64 `json:"createdAt"`
}

// ActiveCall is one entry of the server's calling list.
type ActiveCall struct {
	RoomID       string `json:"roomId"`
	Conversation string `json:"conversation,omitempty"`
	Type         string `json:"type"`
	CallName     string `json:"callName"`
}

// ServiceURL points the client at the media servers for a call.
type ServiceURL struct {
	URLs []string `json:"urls"`
}

// Client issues outbound control calls and server queries. Implemented
// by the HTTP gateway; faked in tests.
type Client interface {
	StartCall(ctx context.Context, body ControlCall) error
	InviteCall(ctx context.Context, body ControlCall) error
	JoinedCall(ctx context.Context, body ControlCall) error
	CancelCall(ctx context.Context, body ControlCall) error
	RejectCall(ctx context.Context, body ControlCall) error
	HangupCall(ctx context.Context, body ControlCall) error

	CheckCall(ctx context.Context, roomID string) (*RoomState, error)
	CallingList(ctx context.Context) ([]ActiveCall, error)
	ServiceURL(ctx context.Context) (*ServiceURL, error)
}
