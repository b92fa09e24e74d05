package invite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/meshtalk/callkit/internal/call"
	"github.com/meshtalk/callkit/internal/encryption"
	"github.com/meshtalk/callkit/internal/protocol"
)

// ErrNoInvitees is returned when exclusion leaves nobody to invite.
var ErrNoInvitees = errors.New("invite: no members left to invite")

// instantSuffix marks rooms spun off an existing call rather than
// attached to a conversation.
const instantSuffix = "'s call"

// Sender posts sealed call announcements to the call server.
// Implemented by the gateway composer.
type Sender interface {
	SendStart(ctx context.Context, roomID string, payload protocol.Calling, recipients []string) error
	SendInvite(ctx context.Context, roomID string, payload protocol.Calling, recipients []string) error
}

// Orchestrator announces calls: it starts new rooms and adds members to
// ongoing ones, deciding who can still be invited, what the announced
// room is called, and which call type the invitees see.
type Orchestrator struct {
	selfID   string
	selfName string
	sender   Sender
	session  *call.Session
	registry *call.Registry
}

func NewOrchestrator(selfID, selfName string, sender Sender, session *call.Session, registry *call.Registry) *Orchestrator {
	return &Orchestrator{
		selfID:   selfID,
		selfName: selfName,
		sender:   sender,
		session:  session,
		registry: registry,
	}
}

// StartCall creates a room, announces it to the callees and moves the
// session into the calling state. The returned room id is what the
// media layer joins.
func (o *Orchestrator) StartCall(ctx context.Context, conversationID, roomName string, callType call.CallType, callees []string) (string, error) {
	if o.session.InCalling() {
		return "", errors.New("invite: another call is active")
	}
	if len(callees) == 0 {
		return "", ErrNoInvitees
	}

	roomID := uuid.NewString()
	callKey, err := encryption.NewCallKey()
	if err != nil {
		return "", fmt.Errorf("generate call key: %w", err)
	}
	now := time.Now()
	payload := protocol.Calling{
		Caller:         fmt.Sprintf("%s.%d", o.selfID, call.DefaultDeviceID),
		ControlType:    protocol.ControlStart,
		ConversationID: conversationID,
		RoomName:       roomName,
		Callees:        callees,
		CreateCallMsg:  true,
		CallKey:        callKey,
		Timestamp:      now.UnixMilli(),
	}
	if callType == call.TypeGroup {
		payload.GroupID = conversationID
	}

	if err := o.sender.SendStart(ctx, roomID, payload, callees); err != nil {
		return "", fmt.Errorf("send start: %w", err)
	}

	o.registry.Upsert(call.Record{
		RoomID:         roomID,
		Type:           callType,
		CreatedAt:      now,
		Caller:         call.Caller{UID: o.selfID, DeviceID: call.DefaultDeviceID},
		ConversationID: conversationID,
		EncryptionMeta: callKey,
		DisplayName:    roomName,
		Provenance:     call.FromSignalMessage,
		LocalJoined:    true,
	})
	o.session.SetConversationID(conversationID)
	o.session.SetCallType(callType)
	o.session.Begin(roomID, call.RoleCaller, call.StatusCalling)

	log.Info().Str("room_id", roomID).Str("type", string(callType)).Int("callees", len(callees)).Msg("invite: call started")
	return roomID, nil
}

// Excluded returns the account ids that must not appear in the invite
// picker: the local account and everyone already in the room, derived
// from the media-engine participant identities.
func (o *Orchestrator) Excluded(remoteIdentities []string) map[string]struct{} {
	excluded := make(map[string]struct{}, len(remoteIdentities)+1)
	excluded[o.selfID] = struct{}{}
	for _, identity := range remoteIdentities {
		excluded[call.UIDFromIdentity(identity)] = struct{}{}
	}
	return excluded
}

// Invite announces the current room to the chosen members. Members
// already in the room fall out silently; an invite that excludes down
// to nobody fails before anything is sent.
func (o *Orchestrator) Invite(ctx context.Context, chosen []string, remoteIdentities []string) error {
	roomID := o.session.CurrentRoomID()
	if roomID == "" {
		return errors.New("invite: no active call")
	}

	excluded := o.Excluded(remoteIdentities)
	invitees := make([]string, 0, len(chosen))
	for _, uid := range chosen {
		if _, skip := excluded[uid]; skip {
			continue
		}
		invitees = append(invitees, uid)
	}
	if len(invitees) == 0 {
		return ErrNoInvitees
	}

	payload := protocol.Calling{
		Caller:      fmt.Sprintf("%s.%d", o.selfID, call.DefaultDeviceID),
		ControlType: protocol.ControlInvite,
		Callees:     invitees,
		Timestamp:   time.Now().UnixMilli(),
	}
	if rec := o.registry.Get(roomID); rec != nil {
		payload.CallKey = rec.EncryptionMeta
	}

	// Growing a 1:1 or instant call detaches it from the original
	// conversation: invitees see an instant room named after the
	// inviter. Group calls keep their conversation identity.
	switch o.session.CallType() {
	case call.TypeOneOnOne, call.TypeInstant:
		payload.RoomName = o.selfName + instantSuffix
	default:
		payload.ConversationID = o.session.ConversationID()
		payload.GroupID = o.session.ConversationID()
	}

	log.Info().Str("room_id", roomID).Int("invitees", len(invitees)).Msg("invite: announcing room")
	if err := o.sender.SendInvite(ctx, roomID, payload, invitees); err != nil {
		return fmt.Errorf("send invite: %w", err)
	}
	return nil
}
