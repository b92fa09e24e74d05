package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/meshtalk/callkit/internal/protocol"
)

// storedRoom is the relay's view of a call room. The relay never sees
// call content, only lifecycle facts it needs for existence checks.
type storedRoom struct {
	RoomID       string   `json:"roomId"`
	Type         string   `json:"type"`
	CallName     string   `json:"callName"`
	CreatedAt    int64    `json:"createdAt"`
	UserStopped  bool     `json:"userStopped"`
	Joined       []string `json:"joined"`
	Participants []string `json:"participants"`
}

// storedFrame is one undelivered control push, kept for replay.
type storedFrame struct {
	Recipient string `json:"recipient"`
	Data      []byte `json:"data"`
}

var ErrRoomNotFound = errors.New("relay: room not found")

// Store keeps room state, registered device keys and undelivered
// messages in Redis.
type Store struct {
	client     *redis.Client
	roomTTL    time.Duration
	messageTTL time.Duration
}

func NewStore(cfg *Config) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	log.Info().Str("addr", cfg.RedisAddr).Msg("relay: connected to Redis")

	return &Store{
		client:     rdb,
		roomTTL:    time.Duration(cfg.RoomTTL) * time.Second,
		messageTTL: time.Duration(cfg.MessageTTL) * time.Second,
	}, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func roomKey(roomID string) string   { return "room:" + roomID }
func inboxKey(uid string) string     { return "inbox:" + uid + ":frames" }
func memberKey(roomID string) string { return "room:" + roomID + ":members" }

const keysHash = "device:keys"

// CreateRoom stores a fresh room. Creating an existing room refreshes
// its TTL but keeps its state.
func (s *Store) CreateRoom(ctx context.Context, room storedRoom) error {
	key := roomKey(room.RoomID)
	existing, err := s.GetRoom(ctx, room.RoomID)
	if err == nil {
		room = *existing
	} else if !errors.Is(err, ErrRoomNotFound) {
		return err
	}

	data, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("marshal room: %w", err)
	}
	if err := s.client.Set(ctx, key, data, s.roomTTL).Err(); err != nil {
		return fmt.Errorf("store room: %w", err)
	}
	return nil
}

// GetRoom returns the stored room or ErrRoomNotFound.
func (s *Store) GetRoom(ctx context.Context, roomID string) (*storedRoom, error) {
	data, err := s.client.Get(ctx, roomKey(roomID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrRoomNotFound
		}
		return nil, fmt.Errorf("load room: %w", err)
	}
	var room storedRoom
	if err := json.Unmarshal(data, &room); err != nil {
		return nil, fmt.Errorf("unmarshal room: %w", err)
	}
	return &room, nil
}

// UpdateRoom applies mutate to the stored room and writes it back.
func (s *Store) UpdateRoom(ctx context.Context, roomID string, mutate func(*storedRoom)) error {
	room, err := s.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	mutate(room)
	data, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("marshal room: %w", err)
	}
	if err := s.client.Set(ctx, roomKey(roomID), data, s.roomTTL).Err(); err != nil {
		return fmt.Errorf("store room: %w", err)
	}
	return nil
}

// DeleteRoom drops the room and its membership set.
func (s *Store) DeleteRoom(ctx context.Context, roomID string) error {
	if err := s.client.Del(ctx, roomKey(roomID), memberKey(roomID)).Err(); err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	return nil
}

// AddMembers records accounts as parties to a room.
func (s *Store) AddMembers(ctx context.Context, roomID string, uids []string) error {
	if len(uids) == 0 {
		return nil
	}
	members := make([]interface{}, len(uids))
	for i, uid := range uids {
		members[i] = uid
	}
	key := memberKey(roomID)
	if err := s.client.SAdd(ctx, key, members...).Err(); err != nil {
		return fmt.Errorf("add members: %w", err)
	}
	if err := s.client.Expire(ctx, key, s.roomTTL).Err(); err != nil {
		log.Warn().Err(err).Str("room_id", roomID).Msg("relay: failed to set member TTL")
	}
	return nil
}

// Members lists the accounts party to roomID.
func (s *Store) Members(ctx context.Context, roomID string) ([]string, error) {
	members, err := s.client.SMembers(ctx, memberKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	return members, nil
}

// IsMember reports whether uid is party to roomID.
func (s *Store) IsMember(ctx context.Context, roomID, uid string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, memberKey(roomID), uid).Result()
	if err != nil {
		return false, fmt.Errorf("check membership: %w", err)
	}
	return ok, nil
}

// RoomsFor lists the live rooms uid is party to.
func (s *Store) RoomsFor(ctx context.Context, uid string) ([]protocol.ActiveCall, error) {
	var out []protocol.ActiveCall
	iter := s.client.Scan(ctx, 0, "room:*:members", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		roomID := key[len("room:") : len(key)-len(":members")]
		member, err := s.IsMember(ctx, roomID, uid)
		if err != nil || !member {
			continue
		}
		room, err := s.GetRoom(ctx, roomID)
		if err != nil {
			continue
		}
		if room.UserStopped {
			continue
		}
		out = append(out, protocol.ActiveCall{
			RoomID:   room.RoomID,
			Type:     room.Type,
			CallName: room.CallName,
		})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan rooms: %w", err)
	}
	return out, nil
}

// RegisterKey stores the hex-encoded X25519 public key for an account.
func (s *Store) RegisterKey(ctx context.Context, uid, publicKeyHex string) error {
	if err := s.client.HSet(ctx, keysHash, uid, publicKeyHex).Err(); err != nil {
		return fmt.Errorf("register key: %w", err)
	}
	return nil
}

// GetKeys returns the registered public keys for the given accounts.
// Unknown accounts are simply absent from the result.
func (s *Store) GetKeys(ctx context.Context, uids []string) (map[string]string, error) {
	if len(uids) == 0 {
		return map[string]string{}, nil
	}
	vals, err := s.client.HMGet(ctx, keysHash, uids...).Result()
	if err != nil {
		return nil, fmt.Errorf("load keys: %w", err)
	}
	out := make(map[string]string, len(uids))
	for i, v := range vals {
		if str, ok := v.(string); ok && str != "" {
			out[uids[i]] = str
		}
	}
	return out, nil
}

// QueueFrame keeps an undelivered push for replay when the recipient
// reconnects. The inbox is capped and expires.
func (s *Store) QueueFrame(ctx context.Context, recipient string, data []byte) error {
	frame := storedFrame{Recipient: recipient, Data: data}
	raw, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	key := inboxKey(recipient)
	if err := s.client.LPush(ctx, key, raw).Err(); err != nil {
		return fmt.Errorf("queue frame: %w", err)
	}
	if err := s.client.Expire(ctx, key, s.messageTTL).Err(); err != nil {
		log.Warn().Err(err).Str("recipient", recipient).Msg("relay: failed to set inbox TTL")
	}
	if err := s.client.LTrim(ctx, key, 0, 99).Err(); err != nil {
		log.Warn().Err(err).Str("recipient", recipient).Msg("relay: failed to trim inbox")
	}
	return nil
}

// DrainFrames returns and clears the queued pushes for uid, oldest
// first.
func (s *Store) DrainFrames(ctx context.Context, uid string) ([][]byte, error) {
	key := inboxKey(uid)
	data, err := s.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("drain inbox: %w", err)
	}
	if err := s.client.Del(ctx, key).Err(); err != nil {
		log.Warn().Err(err).Str("uid", uid).Msg("relay: failed to clear inbox")
	}

	out := make([][]byte, 0, len(data))
	for i := len(data) - 1; i >= 0; i-- {
		var frame storedFrame
		if err := json.Unmarshal([]byte(data[i]), &frame); err != nil {
			log.Warn().Err(err).Msg("relay: dropping unreadable queued frame")
			continue
		}
		out = append(out, frame.Data)
	}
	return out, nil
}
