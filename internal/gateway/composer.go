package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meshtalk/callkit/internal/call"
	"github.com/meshtalk/callkit/internal/encryption"
	"github.com/meshtalk/callkit/internal/helpers"
	"github.com/meshtalk/callkit/internal/protocol"
)

// Keyring resolves the X25519 public keys the composer seals to. A nil
// uids slice means every member of the room.
type Keyring interface {
	RecipientKeys(ctx context.Context, roomID string, uids []string) (map[string][]byte, error)
}

// Composer builds outbound control calls: it wraps the typed payload in
// an envelope, seals it once per recipient and hands the batch to the
// HTTP client. The server only ever sees room id, timestamp and opaque
// ciphertexts.
type Composer struct {
	selfID   string
	deviceID int
	client   protocol.Client
	keys     Keyring
}

func NewComposer(selfID string, deviceID int, client protocol.Client, keys Keyring) *Composer {
	return &Composer{
		selfID:   selfID,
		deviceID: deviceID,
		client:   client,
		keys:     keys,
	}
}

// SendStart announces a new call to the given recipients.
func (c *Composer) SendStart(ctx context.Context, roomID string, payload protocol.Calling, recipients []string) error {
	body, err := c.compose(ctx, call.ActionCalling, roomID, payload, recipients)
	if err != nil {
		return err
	}
	body.CallType = string(announcedType(payload))
	body.CallName = payload.RoomName
	return c.client.StartCall(ctx, *body)
}

// SendInvite announces an existing room to additional members.
func (c *Composer) SendInvite(ctx context.Context, roomID string, payload protocol.Calling, recipients []string) error {
	body, err := c.compose(ctx, call.ActionCalling, roomID, payload, recipients)
	if err != nil {
		return err
	}
	body.CallType = string(announcedType(payload))
	body.CallName = payload.RoomName
	return c.client.InviteCall(ctx, *body)
}

// announcedType is the call type invitees see: group when attached to a
// group conversation, instant for re-announced rooms, 1:1 otherwise.
func announcedType(payload protocol.Calling) call.CallType {
	switch {
	case payload.GroupID != "":
		return call.TypeGroup
	case payload.ControlType == protocol.ControlInvite:
		return call.TypeInstant
	default:
		return call.TypeOneOnOne
	}
}

// Joined tells the rest of the account's devices the call was answered
// here.
func (c *Composer) Joined(ctx context.Context, roomID string) error {
	body, err := c.compose(ctx, call.ActionJoined, roomID, protocol.RoomRef{RoomID: roomID}, nil)
	if err != nil {
		return err
	}
	return c.client.JoinedCall(ctx, *body)
}

func (c *Composer) Cancel(ctx context.Context, roomID string) error {
	body, err := c.compose(ctx, call.ActionCancel, roomID, protocol.RoomRef{RoomID: roomID}, nil)
	if err != nil {
		return err
	}
	return c.client.CancelCall(ctx, *body)
}

func (c *Composer) Reject(ctx context.Context, roomID string) error {
	body, err := c.compose(ctx, call.ActionReject, roomID, protocol.RoomRef{RoomID: roomID}, nil)
	if err != nil {
		return err
	}
	return c.client.RejectCall(ctx, *body)
}

func (c *Composer) Hangup(ctx context.Context, roomID string) error {
	body, err := c.compose(ctx, call.ActionHangup, roomID, protocol.RoomRef{RoomID: roomID}, nil)
	if err != nil {
		return err
	}
	return c.client.HangupCall(ctx, *body)
}

func (c *Composer) compose(ctx context.Context, action call.ActionType, roomID string, payload any, recipients []string) (*protocol.ControlCall, error) {
	now := time.Now().UnixMilli()
	env, err := protocol.NewEnvelope(action, roomID, c.selfID, c.deviceID, now, payload)
	if err != nil {
		return nil, err
	}
	plain, err := env.Marshal()
	if err != nil {
		return nil, err
	}

	keys, err := c.keys.RecipientKeys(ctx, roomID, recipients)
	if err != nil {
		return nil, fmt.Errorf("resolve recipient keys: %w", err)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("no recipients for %s in room %s", action, roomID)
	}

	msgs := make([]protocol.CipherMessage, 0, len(keys))
	for uid, pub := range keys {
		sealed, err := encryption.SealToRecipient(pub, plain)
		if err != nil {
			return nil, fmt.Errorf("seal for %s: %w", uid, err)
		}
		msgs = append(msgs, protocol.CipherMessage{
			Recipient:  uid,
			Ciphertext: helpers.EncodeToHex(sealed),
		})
	}

	log.Debug().Str("room_id", roomID).Str("action", string(action)).Int("recipients", len(msgs)).Msg("gateway: control call composed")
	return &protocol.ControlCall{
		RoomID:         roomID,
		Timestamp:      now,
		CipherMessages: msgs,
	}, nil
}
