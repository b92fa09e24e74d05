package signaling

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meshtalk/callkit/internal/call"
	"github.com/meshtalk/callkit/internal/protocol"
)

// Presenter is the UI surface the router drives. Implementations must
// be quick and must not call back into the router.
type Presenter interface {
	// ShowIncoming raises the incoming-call alert for the record.
	ShowIncoming(rec call.Record)
	// StopIncoming tears down the incoming alert without user action.
	StopIncoming(roomID string)
	// CancelNotification clears any posted notification for the room.
	CancelNotification(roomID string)
	// PostCallText drops a call-related text into the conversation
	// timeline at the given timestamp.
	PostCallText(conversationID, text string, timestamp int64)
	// DismissCriticalAlert clears the high-priority alert raised for an
	// unanswered call once it was answered elsewhere.
	DismissCriticalAlert(roomID string)
}

// Directory resolves conversation membership for inbound call
// announcements.
type Directory interface {
	// ConversationName returns the local display name of the
	// conversation. ok is false when the local account has no such
	// conversation including the sender, which makes the announcement
	// an instant call.
	ConversationName(conversationID, senderUID string) (name string, ok bool)
}

// releasePollInterval is how often a waiting announcement rechecks
// whether the previous call has released.
const releasePollInterval = 500 * time.Millisecond

// Router dispatches decrypted control envelopes to registry updates,
// presentation and the live session. One router per account; envelopes
// arrive in server order on a single goroutine.
type Router struct {
	selfID   string
	registry *call.Registry
	session  *call.Session
	incoming *call.IncomingState
	client   protocol.Client
	pres     Presenter
	dir      Directory
	timeouts *call.TimeoutManager

	releaseWait time.Duration
	releasePoll time.Duration
}

func NewRouter(selfID string, registry *call.Registry, session *call.Session, incoming *call.IncomingState, client protocol.Client, pres Presenter, dir Directory, timeouts *call.TimeoutManager) *Router {
	return &Router{
		selfID:      selfID,
		registry:    registry,
		session:     session,
		incoming:    incoming,
		client:      client,
		pres:        pres,
		dir:         dir,
		timeouts:    timeouts,
		releaseWait: call.ReleaseWait,
		releasePoll: releasePollInterval,
	}
}

// HandleEnvelope processes one inbound control message.
func (r *Router) HandleEnvelope(ctx context.Context, env *protocol.Envelope) error {
	if env == nil || env.RoomID == "" {
		return protocol.ErrEmptyRoomID
	}
	log.Debug().Str("room_id", env.RoomID).Str("type", string(env.Type)).Str("source", env.Source).Msg("signaling: envelope")

	switch env.Type {
	case call.ActionCalling:
		return r.handleCalling(ctx, env)
	case call.ActionJoined:
		r.handleJoined(env)
	case call.ActionCancel:
		r.handleCancel(env)
	case call.ActionReject:
		r.handleReject(env)
	case call.ActionHangup:
		r.handleHangup(env)
	case call.ActionCallEnd:
		r.handleCallEnd(env)
	default:
		log.Warn().Str("type", string(env.Type)).Msg("signaling: unknown envelope type ignored")
	}
	return nil
}

func (r *Router) handleCalling(ctx context.Context, env *protocol.Envelope) error {
	var payload protocol.Calling
	if err := env.DecodePayload(&payload); err != nil {
		return fmt.Errorf("calling payload: %w", err)
	}

	// The announcement may be stale by the time it is delivered. Ask the
	// server before acting; a failed check aborts the announcement.
	state, err := r.client.CheckCall(ctx, env.RoomID)
	if err != nil {
		log.Warn().Err(err).Str("room_id", env.RoomID).Msg("signaling: room check failed, dropping announcement")
		return nil
	}
	if !state.Exists || state.UserStopped {
		log.Info().Str("room_id", env.RoomID).Msg("signaling: room already gone, dropping announcement")
		return nil
	}

	rec := r.resolveCallInfo(env, payload)
	rec.AnotherDeviceJoined = state.AnotherDeviceJoined

	// The record is stored whatever the delivery path, so redelivered
	// and self-synced announcements stay idempotent.
	existed := !r.registry.Add(rec)
	upgraded := false
	if existed {
		prev := r.registry.Get(env.RoomID)
		if prev != nil && prev.Provenance != call.FromSignalMessage && prev.RoomID != r.session.CurrentRoomID() {
			r.registry.Upsert(rec)
			upgraded = true
		}
	}

	if env.SelfEcho(r.selfID) {
		if !existed || upgraded {
			r.routeSelfCallText(env, payload, rec)
		}
		return nil
	}

	// Answered on another of this account's devices: keep the record so
	// the ongoing call stays joinable, but never ring.
	if state.AnotherDeviceJoined {
		r.markAnsweredElsewhere(env.RoomID)
		return nil
	}

	// A re-invite into a known room rings again even though the record
	// already exists.
	if existed && payload.ControlType != protocol.ControlInvite {
		log.Debug().Str("room_id", env.RoomID).Msg("signaling: duplicate announcement, not re-ringing")
		return nil
	}

	if r.session.InCalling() {
		r.registry.SetNotifying(env.RoomID, true)
		log.Info().Str("room_id", env.RoomID).Msg("signaling: busy, waiting for the active call to release")
		r.timeouts.StartRelease(ctx, env.RoomID, r.releaseWait, r.releasePoll,
			func() bool { return !r.session.InCalling() },
			func() { r.ring(ctx, env.RoomID, rec) })
		return nil
	}

	r.ring(ctx, env.RoomID, rec)
	return nil
}

// ring raises the incoming alert and starts the ring window. The record
// is rechecked first: a cancel may have landed while the announcement
// waited for the previous call to release.
func (r *Router) ring(ctx context.Context, roomID string, rec call.Record) {
	if r.registry.Get(roomID) == nil {
		return
	}
	r.incoming.SetRoomID(roomID)
	r.registry.SetNotifying(roomID, true)
	r.pres.ShowIncoming(rec)
	r.timeouts.StartIncoming(ctx, roomID, call.IncomingCallTimeout, roomChecker{r.client}, func() {
		r.stopRinging(roomID)
	})
}

// resolveCallInfo builds the registry record for an announcement. When
// the sender cannot be placed in any local conversation the call is
// treated as an instant call named after the room.
func (r *Router) resolveCallInfo(env *protocol.Envelope, payload protocol.Calling) call.Record {
	callType := call.TypeOneOnOne
	if payload.GroupID != "" {
		callType = call.TypeGroup
	}

	displayName := payload.RoomName
	conversationID := payload.ConversationID
	senderUID := call.UIDFromIdentity(payload.Caller)

	if name, ok := r.dir.ConversationName(conversationID, senderUID); ok {
		if name != "" {
			displayName = name
		}
	} else {
		callType = call.TypeInstant
		conversationID = ""
		if displayName == "" {
			displayName = env.RoomID
		}
	}

	return call.Record{
		RoomID:         env.RoomID,
		Type:           callType,
		CreatedAt:      time.UnixMilli(payload.Timestamp),
		Caller:         call.Caller{UID: senderUID, DeviceID: env.SourceDevice},
		ConversationID: conversationID,
		EncryptionMeta: payload.CallKey,
		DisplayName:    displayName,
		Provenance:     call.FromSignalMessage,
	}
}

// routeSelfCallText turns a sync copy of the local account's own
// announcement into conversation text instead of an incoming alert.
// Invites get one line per invitee with strictly increasing timestamps
// so the timeline keeps their order.
func (r *Router) routeSelfCallText(env *protocol.Envelope, payload protocol.Calling, rec call.Record) {
	if rec.ConversationID == "" {
		return
	}
	if payload.ControlType == protocol.ControlInvite && len(payload.Callees) > 0 {
		for i, callee := range payload.Callees {
			text := fmt.Sprintf("You invited %s to the call", call.UIDFromIdentity(callee))
			r.pres.PostCallText(rec.ConversationID, text, payload.Timestamp+int64(i))
		}
		return
	}
	r.pres.PostCallText(rec.ConversationID, "You started a call", payload.Timestamp)
}

func (r *Router) handleJoined(env *protocol.Envelope) {
	// Answered on some device of this account: stop ringing here but
	// keep the record so the ongoing call stays joinable.
	r.registry.MarkAnotherDeviceJoined(env.RoomID)
	r.markAnsweredElsewhere(env.RoomID)
}

func (r *Router) handleCancel(env *protocol.Envelope) {
	r.timeouts.Cancel(env.RoomID)
	r.registry.Remove(env.RoomID)
	r.pres.CancelNotification(env.RoomID)

	// With the incoming screen on display the user sees a live "call
	// canceled" transition; in the background the alert just stops.
	if r.incoming.ActivityShowing() && r.incoming.RoomID() == env.RoomID {
		r.session.PublishControl(call.ControlMessage{Action: call.ActionCancel, RoomID: env.RoomID})
	} else {
		r.pres.StopIncoming(env.RoomID)
	}
	if r.incoming.RoomID() == env.RoomID {
		r.incoming.Reset()
	}
}

func (r *Router) handleReject(env *protocol.Envelope) {
	// A reject synced from another of our devices must not kick us out
	// of the call we are actively in for that room.
	if env.Source == r.selfID && r.session.InCalling() && r.session.CurrentRoomID() == env.RoomID {
		log.Debug().Str("room_id", env.RoomID).Msg("signaling: ignoring own reject while in call")
		return
	}

	r.pres.CancelNotification(env.RoomID)
	r.registry.RemoveIfOneOnOne(env.RoomID)

	if r.session.InCalling() && r.session.CurrentRoomID() == env.RoomID {
		r.session.PublishControl(call.ControlMessage{Action: call.ActionReject, RoomID: env.RoomID})
	}

	r.timeouts.Cancel(env.RoomID)
	if r.incoming.RoomID() == env.RoomID {
		r.pres.StopIncoming(env.RoomID)
		r.incoming.Reset()
	}
}

func (r *Router) handleHangup(env *protocol.Envelope) {
	if r.session.InCalling() && r.session.CurrentRoomID() == env.RoomID {
		r.session.PublishControl(call.ControlMessage{Action: call.ActionHangup, RoomID: env.RoomID})
	}
	r.registry.Remove(env.RoomID)
	r.timeouts.Cancel(env.RoomID)
	r.pres.CancelNotification(env.RoomID)
}

func (r *Router) handleCallEnd(env *protocol.Envelope) {
	r.registry.Remove(env.RoomID)
	r.pres.CancelNotification(env.RoomID)
	r.timeouts.Cancel(env.RoomID)
	if r.incoming.RoomID() == env.RoomID {
		r.pres.StopIncoming(env.RoomID)
		r.incoming.Reset()
	}
	if r.session.InCalling() && r.session.CurrentRoomID() == env.RoomID {
		r.session.PublishControl(call.ControlMessage{Action: call.ActionCallEnd, RoomID: env.RoomID})
	}
}

// SyncCallingList reconciles the registry against the server's view of
// active calls. Records learned here carry server provenance and never
// overwrite a record learned from a control message.
func (r *Router) SyncCallingList(ctx context.Context) error {
	list, err := r.client.CallingList(ctx)
	if err != nil {
		return fmt.Errorf("calling list: %w", err)
	}
	seen := make(map[string]struct{}, len(list))
	for _, ac := range list {
		seen[ac.RoomID] = struct{}{}
		rec := call.Record{
			RoomID:         ac.RoomID,
			Type:           call.CallType(ac.Type),
			ConversationID: ac.Conversation,
			DisplayName:    ac.CallName,
			CreatedAt:      time.Now(),
			Provenance:     call.FromServerQuery,
		}
		r.registry.Add(rec)
	}
	for _, rec := range r.registry.All() {
		if _, ok := seen[rec.RoomID]; ok {
			continue
		}
		if rec.RoomID == r.session.CurrentRoomID() {
			continue
		}
		if rec.Provenance == call.FromServerQuery {
			r.registry.Remove(rec.RoomID)
		}
	}
	return nil
}

func (r *Router) markAnsweredElsewhere(roomID string) {
	r.timeouts.Cancel(roomID)
	r.pres.StopIncoming(roomID)
	r.pres.DismissCriticalAlert(roomID)
	r.pres.CancelNotification(roomID)
	if r.incoming.RoomID() == roomID {
		r.incoming.Reset()
	}
}

func (r *Router) stopRinging(roomID string) {
	r.pres.StopIncoming(roomID)
	r.pres.CancelNotification(roomID)
	r.registry.SetNotifying(roomID, false)
	if r.incoming.RoomID() == roomID {
		r.incoming.Reset()
	}
}

// roomChecker adapts the protocol client to the timeout manager's
// polling interface.
type roomChecker struct {
	client protocol.Client
}

func (c roomChecker) CheckRoom(ctx context.Context, roomID string) (bool, error) {
	state, err := c.client.CheckCall(ctx, roomID)
	if err != nil {
		return false, err
	}
	return !state.Exists || state.UserStopped || state.AnotherDeviceJoined, nil
}
