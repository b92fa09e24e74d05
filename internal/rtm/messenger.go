package rtm

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meshtalk/callkit/internal/encryption"
)

// Publisher pushes a realtime frame to the channel. Identities narrow
// delivery to specific participants; empty means everyone in the room.
type Publisher interface {
	Publish(ctx context.Context, identities []string, data []byte) error
}

// Handlers receives dispatched realtime traffic. Nil handlers are
// skipped. Countdown and hand handlers receive the topic so they can
// tell the operations apart.
type Handlers struct {
	OnChat      func(sender string, p ChatPayload)
	OnMute      func(sender string)
	OnResume    func(sender string)
	OnEndCall   func(sender, roomID string)
	OnCountdown func(topic string, p CountdownPayload)
	OnHandsUp   func(topic string, p HandsUpPayload)
}

// Messenger sends and dispatches in-call realtime messages. Chat, mute,
// resume and end_call travel sealed under the per-call key; countdown
// and hands-up travel as plaintext packets.
type Messenger struct {
	mu           sync.RWMutex
	selfIdentity string
	callKey      []byte

	pub      Publisher
	handlers Handlers
}

func NewMessenger(selfIdentity string, pub Publisher, handlers Handlers) *Messenger {
	return &Messenger{
		selfIdentity: selfIdentity,
		pub:          pub,
		handlers:     handlers,
	}
}

// SetCallKey installs the symmetric key for the current call. Must be
// set before any encrypted send or dispatch.
func (m *Messenger) SetCallKey(key []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callKey = key
}

func (m *Messenger) currentCallKey() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.callKey
}

// Send publishes payload on topic. Delivery failures are reported
// through onComplete(false) and logged; Send itself never fails the
// caller, so UI paths stay non-blocking.
func (m *Messenger) Send(ctx context.Context, topic string, payload any, encrypt bool, targets []string, onComplete func(bool)) {
	done := func(ok bool) {
		if onComplete != nil {
			onComplete(ok)
		}
	}

	body, err := m.encodeBody(topic, payload, encrypt)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("rtm: encode failed")
		done(false)
		return
	}

	msg := Message{
		Topic:     topic,
		Sender:    m.selfIdentity,
		Timestamp: time.Now().UnixMilli(),
		Encrypted: encrypt,
		Targets:   targets,
		Body:      body,
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("rtm: marshal failed")
		done(false)
		return
	}

	if err := m.pub.Publish(ctx, targets, raw); err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("rtm: publish failed")
		done(false)
		return
	}
	done(true)
}

// SendChat sends a sealed chat message to the whole room.
func (m *Messenger) SendChat(ctx context.Context, text string, onComplete func(bool)) {
	m.Send(ctx, TopicChat, ChatPayload{Text: text}, true, nil, onComplete)
}

// SendMute asks the targeted participants to mute themselves.
func (m *Messenger) SendMute(ctx context.Context, targets []string, onComplete func(bool)) {
	m.Send(ctx, TopicMute, struct{}{}, true, targets, onComplete)
}

// SendResume asks the targeted participants to resume the call screen.
func (m *Messenger) SendResume(ctx context.Context, targets []string, onComplete func(bool)) {
	m.Send(ctx, TopicResume, struct{}{}, true, targets, onComplete)
}

// SendEndCall announces that the call for roomID is over.
func (m *Messenger) SendEndCall(ctx context.Context, roomID string, onComplete func(bool)) {
	m.Send(ctx, TopicEndCall, EndCallPayload{Topic: TopicEndCall, RoomID: roomID}, true, nil, onComplete)
}

// SendCountdown broadcasts a countdown operation (set, restart, extend
// or clear) as a plaintext packet.
func (m *Messenger) SendCountdown(ctx context.Context, topic, roomID string, seconds int, onComplete func(bool)) {
	m.Send(ctx, topic, CountdownPayload{RoomID: roomID, Seconds: seconds}, false, nil, onComplete)
}

// SendHandsUp broadcasts a raise or cancel hand operation as a
// plaintext packet.
func (m *Messenger) SendHandsUp(ctx context.Context, topic, roomID string, onComplete func(bool)) {
	m.Send(ctx, topic, HandsUpPayload{RoomID: roomID, Identity: m.selfIdentity}, false, nil, onComplete)
}

func (m *Messenger) encodeBody(topic string, payload any, encrypt bool) ([]byte, error) {
	if encrypt {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		return encryption.SealRealtime(m.currentCallKey(), m.selfIdentity, raw)
	}
	pkt, err := NewDataPacket(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(pkt)
}

// Dispatch routes one inbound frame to the registered handler. Frames
// that fail to parse or decrypt are logged and dropped; a bad frame
// from one participant must not tear down the channel.
func (m *Messenger) Dispatch(raw []byte) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Warn().Err(err).Msg("rtm: dropping unparseable frame")
		return
	}
	if msg.Sender == m.selfIdentity {
		return
	}

	switch msg.Topic {
	case TopicChat:
		var p ChatPayload
		if !m.open(msg, &p) {
			return
		}
		if m.handlers.OnChat != nil {
			m.handlers.OnChat(msg.Sender, p)
		}

	case TopicMute:
		if !m.addressedToSelf(msg.Targets) {
			return
		}
		var p struct{}
		if !m.open(msg, &p) {
			return
		}
		if m.handlers.OnMute != nil {
			m.handlers.OnMute(msg.Sender)
		}

	case TopicResume:
		if !m.addressedToSelf(msg.Targets) {
			return
		}
		var p struct{}
		if !m.open(msg, &p) {
			return
		}
		if m.handlers.OnResume != nil {
			m.handlers.OnResume(msg.Sender)
		}

	case TopicEndCall:
		var p EndCallPayload
		if !m.open(msg, &p) {
			return
		}
		if p.Topic != TopicEndCall {
			log.Warn().Str("sender", msg.Sender).Str("inner_topic", p.Topic).Msg("rtm: end_call topic mismatch")
			return
		}
		if m.handlers.OnEndCall != nil {
			m.handlers.OnEndCall(msg.Sender, p.RoomID)
		}

	case TopicSetCountdown, TopicRestartCountdown, TopicExtendCountdown, TopicClearCountdown:
		var p CountdownPayload
		if !m.openPacket(msg, &p) {
			return
		}
		if m.handlers.OnCountdown != nil {
			m.handlers.OnCountdown(msg.Topic, p)
		}

	case TopicRaiseHandsUp, TopicCancelHandsUp:
		var p HandsUpPayload
		if !m.openPacket(msg, &p) {
			return
		}
		if m.handlers.OnHandsUp != nil {
			m.handlers.OnHandsUp(msg.Topic, p)
		}

	default:
		log.Debug().Str("topic", msg.Topic).Msg("rtm: unknown topic ignored")
	}
}

// open decrypts msg under the sender's derived key and decodes into out.
func (m *Messenger) open(msg Message, out any) bool {
	plain, err := encryption.OpenRealtime(m.currentCallKey(), msg.Sender, msg.Body)
	if err != nil {
		log.Warn().Err(err).Str("sender", msg.Sender).Str("topic", msg.Topic).Msg("rtm: decrypt failed")
		return false
	}
	if err := json.Unmarshal(plain, out); err != nil {
		log.Warn().Err(err).Str("sender", msg.Sender).Str("topic", msg.Topic).Msg("rtm: decode failed")
		return false
	}
	return true
}

// openPacket decodes a plaintext packet body into out.
func (m *Messenger) openPacket(msg Message, out any) bool {
	var pkt DataPacket
	if err := json.Unmarshal(msg.Body, &pkt); err != nil {
		log.Warn().Err(err).Str("sender", msg.Sender).Str("topic", msg.Topic).Msg("rtm: bad packet")
		return false
	}
	if err := json.Unmarshal(pkt.Payload, out); err != nil {
		log.Warn().Err(err).Str("sender", msg.Sender).Str("topic", msg.Topic).Msg("rtm: bad packet payload")
		return false
	}
	return true
}

func (m *Messenger) addressedToSelf(targets []string) bool {
	if len(targets) == 0 {
		return true
	}
	for _, t := range targets {
		if t == m.selfIdentity {
			return true
		}
	}
	return false
}
