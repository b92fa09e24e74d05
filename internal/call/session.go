package call

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Session is the state machine for the local device's currently active
// call. Only one Session is live per process; a second incoming call has
// to be resolved (end current, then accept new) before the current room
// changes.
//
// Control messages published through the session have last-value
// semantics: a late subscriber sees only the most recent message, never
// a backlog.
type Session struct {
	mu sync.RWMutex

	roomID         string
	conversationID string
	callType       CallType
	role           Role
	status         Status
	inCallEnding   bool

	lastControl *ControlMessage
	subs        map[chan ControlMessage]struct{}
}

func NewSession() *Session {
	return &Session{
		subs: make(map[chan ControlMessage]struct{}),
	}
}

// InCalling reports whether the device is engaged in a call: any status
// outside Idle/Ending with a room attached.
func (s *Session) InCalling() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.roomID != "" && s.status != StatusIdle && s.status != StatusEnding
}

// InCallEnding reports whether exit processing is already underway.
// While set, further end-type control messages are ignored.
func (s *Session) InCallEnding() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inCallEnding
}

// SetInCallEnding latches the ending guard. Returns false if it was
// already set, so callers can avoid re-entrant exit processing.
func (s *Session) SetInCallEnding(v bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v && s.inCallEnding {
		return false
	}
	s.inCallEnding = v
	return true
}

func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Session) SetStatus(status Status) {
	s.mu.Lock()
	prev := s.status
	s.status = status
	s.mu.Unlock()
	if prev != status {
		log.Debug().Str("from", prev.String()).Str("to", status.String()).Msg("session: status")
	}
}

func (s *Session) CurrentRoomID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.roomID
}

func (s *Session) SetCurrentRoom(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roomID = roomID
}

func (s *Session) ConversationID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conversationID
}

func (s *Session) SetConversationID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversationID = id
}

func (s *Session) CallType() CallType {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.callType
}

func (s *Session) SetCallType(t CallType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callType = t
}

func (s *Session) Role() Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.role
}

func (s *Session) SetRole(r Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.role = r
}

// Begin attaches the session to a room and moves it out of Idle in one
// step, keeping the "non-idle implies room attached" invariant.
func (s *Session) Begin(roomID string, role Role, status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roomID = roomID
	s.role = role
	s.status = status
	log.Info().Str("room_id", roomID).Str("role", string(role)).Str("status", status.String()).Msg("session: begin")
}

// PublishControl stores msg as the latest control message and notifies
// subscribers. Slow subscribers have their stale value replaced rather
// than blocking the publisher.
func (s *Session) PublishControl(msg ControlMessage) {
	s.mu.Lock()
	cp := msg
	s.lastControl = &cp
	subs := make([]chan ControlMessage, 0, len(s.subs))
	for ch := range s.subs {
		subs = append(subs, ch)
	}
	s.mu.Unlock()

	log.Info().Str("room_id", msg.RoomID).Str("action", string(msg.Action)).Msg("session: control message")
	for _, ch := range subs {
		select {
		case ch <- msg:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- msg:
			default:
			}
		}
	}
}

// LastControl returns the most recently published control message, or
// nil if none has been published since the last reset.
func (s *Session) LastControl() *ControlMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastControl == nil {
		return nil
	}
	cp := *s.lastControl
	return &cp
}

// SubscribeControl registers a capacity-1 channel that receives each
// published control message, latest value winning.
func (s *Session) SubscribeControl() (<-chan ControlMessage, func()) {
	ch := make(chan ControlMessage, 1)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		delete(s.subs, ch)
		s.mu.Unlock()
	}
	return ch, cancel
}

// ClearControl drops the stored control message.
func (s *Session) ClearControl() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastControl = nil
}

// Reset clears the session back to Idle. Called when the lifecycle
// controller completes an exit.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roomID = ""
	s.conversationID = ""
	s.callType = ""
	s.role = ""
	s.status = StatusIdle
	s.inCallEnding = false
	s.lastControl = nil
	log.Debug().Msg("session: reset")
}

// IncomingState tracks an incoming, not-yet-joined call alongside the
// active session.
type IncomingState struct {
	mu sync.RWMutex

	roomID          string
	needsAppLock    bool
	activityShowing bool
	foreground      bool
}

func NewIncomingState() *IncomingState {
	return &IncomingState{needsAppLock: true}
}

func (s *IncomingState) RoomID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.roomID
}

func (s *IncomingState) SetRoomID(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roomID = roomID
}

// ActivityShowing reports whether the incoming-call screen is on display.
// The signaling router uses this to decide between a live control
// message and a background service teardown.
func (s *IncomingState) ActivityShowing() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activityShowing
}

func (s *IncomingState) SetActivityShowing(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activityShowing = v
}

func (s *IncomingState) Foreground() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.foreground
}

func (s *IncomingState) SetForeground(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.foreground = v
}

func (s *IncomingState) NeedsAppLock() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.needsAppLock
}

func (s *IncomingState) SetNeedsAppLock(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.needsAppLock = v
}

func (s *IncomingState) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roomID = ""
	s.needsAppLock = true
	s.activityShowing = false
	s.foreground = false
}
