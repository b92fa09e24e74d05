package lifecycle

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meshtalk/callkit/internal/call"
)

// ExitReason distinguishes leaving a room from ending the call for
// everyone.
type ExitReason int

const (
	ExitLeave ExitReason = iota
	ExitEnd
)

// Signaler sends outbound control actions for a room. Implemented by
// the gateway composer, which seals the payload per recipient.
type Signaler interface {
	Cancel(ctx context.Context, roomID string) error
	Hangup(ctx context.Context, roomID string) error
	Reject(ctx context.Context, roomID string) error
}

// RealtimeEnder broadcasts the in-call end notice before the protocol
// hangup goes out.
type RealtimeEnder interface {
	SendEndCall(ctx context.Context, roomID string, onComplete func(bool))
}

// Runtime is the device surface the controller drives during an exit:
// services, tones and the call screen itself.
type Runtime interface {
	ForegroundServiceRunning() bool
	StopForegroundService()
	StopCallerRingtone()
	PlayHangupTone()
	ShowEndTip(action call.ActionType)
	CloseCallScreen(roomID string)
}

// Controller owns the exit side of the call lifecycle: inbound control
// actions on a showing call screen, and local leave/end requests. All
// paths funnel into one finish step so the session always lands back in
// Idle exactly once.
type Controller struct {
	session  *call.Session
	registry *call.Registry
	incoming *call.IncomingState
	timeouts *call.TimeoutManager
	signaler Signaler
	realtime RealtimeEnder
	runtime  Runtime
	reporter *ErrorReporter

	callingWindow time.Duration
}

func NewController(session *call.Session, registry *call.Registry, incoming *call.IncomingState, timeouts *call.TimeoutManager, signaler Signaler, realtime RealtimeEnder, runtime Runtime, reporter *ErrorReporter) *Controller {
	return &Controller{
		session:       session,
		registry:      registry,
		incoming:      incoming,
		timeouts:      timeouts,
		signaler:      signaler,
		realtime:      realtime,
		runtime:       runtime,
		reporter:      reporter,
		callingWindow: call.OngoingCallTimeout,
	}
}

// HandleControl reacts to a control message delivered to a showing call
// screen. Decline routes into the exit path; the end-type actions tear
// the screen down, but only for the room the session is actually in and
// only once.
func (c *Controller) HandleControl(ctx context.Context, msg call.ControlMessage, callDuration time.Duration) {
	if msg.Action == call.ActionDecline {
		c.Exit(ctx, c.session.CurrentRoomID(), ExitLeave, callDuration)
		return
	}

	switch msg.Action {
	case call.ActionCallEnd, call.ActionReject, call.ActionHangup:
	default:
		log.Debug().Str("action", string(msg.Action)).Msg("lifecycle: control action ignored")
		return
	}

	if c.session.InCallEnding() || !c.session.InCalling() || msg.RoomID != c.session.CurrentRoomID() {
		log.Debug().Str("room_id", msg.RoomID).Str("action", string(msg.Action)).Msg("lifecycle: stale control action dropped")
		return
	}
	if !c.session.SetInCallEnding(true) {
		return
	}

	if c.runtime.ForegroundServiceRunning() {
		c.runtime.StopForegroundService()
	}
	// A zero duration means the far side ended things before anyone
	// answered, so the caller-side ringback is still playing.
	if callDuration == 0 {
		c.runtime.StopCallerRingtone()
	}
	c.runtime.PlayHangupTone()
	c.runtime.ShowEndTip(msg.Action)

	c.finish(msg.RoomID)
}

// Exit performs a local leave or end for roomID. The shape of the
// teardown depends on where in the lifecycle the session is.
func (c *Controller) Exit(ctx context.Context, roomID string, reason ExitReason, callDuration time.Duration) {
	if roomID == "" {
		roomID = c.session.CurrentRoomID()
	}
	if !c.session.SetInCallEnding(true) {
		log.Debug().Str("room_id", roomID).Msg("lifecycle: exit already underway")
		return
	}

	rec := c.registry.Get(roomID)
	status := c.session.Status()
	log.Info().Str("room_id", roomID).Str("status", status.String()).Int("reason", int(reason)).Msg("lifecycle: exit")

	// Reconnecting sessions have no live room to signal into, and a
	// missing record means the call was already torn down remotely.
	if rec == nil || status == call.StatusReconnecting {
		c.finish(roomID)
		return
	}

	// Leaving a group call must not end it for the other participants.
	if rec.Type != call.TypeOneOnOne && reason == ExitLeave {
		c.registry.SetLocalJoined(roomID, false)
		c.finish(roomID)
		return
	}

	switch status {
	case call.StatusCalling:
		if err := c.signaler.Cancel(ctx, roomID); err != nil {
			c.reporter.Report(err, PhaseInCall)
		}
		c.registry.Remove(roomID)
		c.finish(roomID)

	case call.StatusJoining:
		c.finish(roomID)

	case call.StatusConnected, call.StatusReconnected:
		c.registry.Remove(roomID)
		c.realtime.SendEndCall(ctx, roomID, nil)
		if err := c.signaler.Hangup(ctx, roomID); err != nil {
			c.reporter.Report(err, PhaseInCall)
		}
		if callDuration == 0 {
			c.runtime.StopCallerRingtone()
		}
		c.finish(roomID)

	default:
		c.finish(roomID)
	}
}

// Decline rejects an incoming call that was never answered.
func (c *Controller) Decline(ctx context.Context, roomID string) {
	c.timeouts.Cancel(roomID)
	if err := c.signaler.Reject(ctx, roomID); err != nil {
		c.reporter.Report(err, PhaseInCall)
	}
	c.registry.RemoveIfOneOnOne(roomID)
	c.registry.SetNotifying(roomID, false)
	if c.incoming.RoomID() == roomID {
		c.incoming.Reset()
	}
}

// Accept moves the session into the joining state for an incoming call.
func (c *Controller) Accept(ctx context.Context, roomID string) {
	c.timeouts.Cancel(roomID)
	c.registry.SetNotifying(roomID, false)
	c.registry.SetLocalJoined(roomID, true)
	if rec := c.registry.Get(roomID); rec != nil {
		c.session.SetConversationID(rec.ConversationID)
		c.session.SetCallType(rec.Type)
	}
	c.session.Begin(roomID, call.RoleCallee, call.StatusJoining)
	if c.incoming.RoomID() == roomID {
		c.incoming.Reset()
	}
}

// MarkCalling starts the unanswered-call window for an outgoing call.
// If nobody answers before it expires the call ends with a timeout.
// Answering cancels the watch through MarkConnected.
func (c *Controller) MarkCalling(ctx context.Context, roomID string) {
	c.timeouts.StartSimple(ctx, roomID, c.callingWindow, func() {
		if c.session.Status() != call.StatusCalling || c.session.CurrentRoomID() != roomID {
			return
		}
		c.reporter.Report(context.DeadlineExceeded, PhaseInCall)
		c.Exit(ctx, roomID, ExitEnd, 0)
	})
}

// MarkConnected records media-level connection and clears any deferred
// failure.
func (c *Controller) MarkConnected(roomID string) {
	c.session.SetStatus(call.StatusConnected)
	c.timeouts.Cancel(roomID)
	c.reporter.Recovered()
}

// MarkReconnecting starts the bounded reconnect window; if it expires
// the session exits with a timeout failure.
func (c *Controller) MarkReconnecting(ctx context.Context, roomID string) {
	c.session.SetStatus(call.StatusReconnecting)
	c.timeouts.StartSimple(ctx, roomID, call.LeaveCallTimeout, func() {
		c.reporter.Report(context.DeadlineExceeded, PhaseInCall)
		c.Exit(ctx, roomID, ExitLeave, 0)
	})
}

// MarkReconnected restores the session after a successful reconnect.
func (c *Controller) MarkReconnected(roomID string) {
	c.session.SetStatus(call.StatusReconnected)
	c.timeouts.Cancel(roomID)
	c.reporter.Recovered()
}

// finish is the single teardown step every exit path ends in.
func (c *Controller) finish(roomID string) {
	c.session.SetStatus(call.StatusEnding)
	c.timeouts.Cancel(roomID)
	c.registry.SetLocalJoined(roomID, false)
	c.runtime.CloseCallScreen(roomID)
	if c.incoming.RoomID() == roomID {
		c.incoming.Reset()
	}
	c.session.Reset()
	log.Info().Str("room_id", roomID).Msg("lifecycle: session released")
}
