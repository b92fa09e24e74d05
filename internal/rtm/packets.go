package rtm

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Channel topics carried over the in-call realtime channel. The
// countdown and hand topics name the operation itself; their handlers
// receive the topic to tell the operations apart.
const (
	TopicChat    = "chat"
	TopicMute    = "mute"
	TopicResume  = "resume_call"
	TopicEndCall = "end_call"

	TopicSetCountdown     = "set_countdown"
	TopicRestartCountdown = "restart_countdown"
	TopicExtendCountdown  = "extend_countdown"
	TopicClearCountdown   = "clear_countdown"

	TopicRaiseHandsUp  = "raise_hands_up"
	TopicCancelHandsUp = "cancel_hands_up"
)

// Message is one realtime frame as it travels the channel. Body holds
// the sealed payload when Encrypted, or a serialized DataPacket for the
// plaintext topics.
type Message struct {
	Topic     string   `json:"topic"`
	Sender    string   `json:"sender"`
	Timestamp int64    `json:"timestamp"`
	Encrypted bool     `json:"encrypted"`
	Targets   []string `json:"targets,omitempty"`
	Body      []byte   `json:"body"`
}

// DataPacket wraps the plaintext topics (countdown, hands-up). The
// signature field is reserved and always sent empty.
type DataPacket struct {
	Payload       json.RawMessage `json:"payload"`
	Signature     string          `json:"signature"`
	SendTimestamp int64           `json:"sendTimestamp"`
	UUID          string          `json:"uuid"`
}

// NewDataPacket wraps payload into a packet stamped with a fresh uuid.
func NewDataPacket(payload any) (*DataPacket, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal packet payload: %w", err)
	}
	return &DataPacket{
		Payload:       raw,
		Signature:     "",
		SendTimestamp: time.Now().UnixMilli(),
		UUID:          uuid.NewString(),
	}, nil
}

// CountdownPayload is the inner payload of the countdown topics.
// Seconds is meaningful for set and extend; zero otherwise.
type CountdownPayload struct {
	RoomID  string `json:"roomId"`
	Seconds int    `json:"seconds,omitempty"`
}

// HandsUpPayload is the inner payload of the hand topics. Whether the
// hand goes up or down is carried by the topic itself.
type HandsUpPayload struct {
	RoomID   string `json:"roomId"`
	Identity string `json:"identity"`
}

// ChatPayload is the encrypted body of a chat frame.
type ChatPayload struct {
	Text string `json:"text"`
}

// EndCallPayload is the encrypted body of an end_call frame. The topic
// is repeated inside the sealed payload so a frame replayed under a
// different outer topic is rejected.
type EndCallPayload struct {
	Topic  string `json:"topic"`
	RoomID string `json:"roomId"`
}
