package call

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Registry is the process-wide cache of known calls, keyed by room id.
// It is the single source of truth for "what calls exist right now" and
// is written to concurrently by the signaling router, the lifecycle
// controller and local call starts. All mutations happen under one
// mutex; read-then-write invariants (such as "insert only if absent")
// must therefore go through Registry methods rather than caller-side
// check-then-act.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record
}

func NewRegistry() *Registry {
	return &Registry{
		records: make(map[string]*Record),
	}
}

// Get returns a copy of the record for roomID, or nil if unknown.
func (r *Registry) Get(roomID string) *Record {
	if roomID == "" {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rec, ok := r.records[roomID]; ok {
		cp := *rec
		return &cp
	}
	return nil
}

// Upsert inserts rec, replacing any existing record for the same room.
func (r *Registry) Upsert(rec Record) {
	if rec.RoomID == "" {
		log.Warn().Msg("registry: refusing record with empty room id")
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := rec
	r.records[rec.RoomID] = &cp
	log.Debug().Str("room_id", rec.RoomID).Str("type", string(rec.Type)).Msg("registry: record stored")
}

// Add inserts rec only if no record exists for its room yet. Returns
// true when the record was inserted.
func (r *Registry) Add(rec Record) bool {
	if rec.RoomID == "" {
		log.Warn().Msg("registry: refusing record with empty room id")
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[rec.RoomID]; ok {
		return false
	}
	cp := rec
	r.records[rec.RoomID] = &cp
	log.Debug().Str("room_id", rec.RoomID).Msg("registry: record added")
	return true
}

// Remove deletes the record for roomID. Removing an unknown room is a
// no-op.
func (r *Registry) Remove(roomID string) {
	if roomID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[roomID]; ok {
		delete(r.records, roomID)
		log.Debug().Str("room_id", roomID).Msg("registry: record removed")
	}
}

// RemoveIfOneOnOne deletes the record only when it is a 1:1 call. Group
// records persist until an explicit end is observed.
func (r *Registry) RemoveIfOneOnOne(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[roomID]; ok && rec.Type == TypeOneOnOne {
		delete(r.records, roomID)
		log.Debug().Str("room_id", roomID).Msg("registry: 1:1 record removed on reject")
	}
}

// All returns a snapshot of every known record.
func (r *Registry) All() map[string]Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Record, len(r.records))
	for id, rec := range r.records {
		out[id] = *rec
	}
	return out
}

// FindByConversation returns the record attached to a conversation.
// Instant calls have no conversation and are never matched.
func (r *Registry) FindByConversation(conversationID string) *Record {
	if conversationID == "" {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.records {
		if rec.ConversationID == conversationID && rec.Type != TypeInstant {
			cp := *rec
			return &cp
		}
	}
	return nil
}

// MarkAnotherDeviceJoined records that a different device of the same
// account has joined the room.
func (r *Registry) MarkAnotherDeviceJoined(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[roomID]; ok {
		rec.AnotherDeviceJoined = true
	}
}

// SetNotifying records whether the incoming-call alert for roomID is
// currently showing.
func (r *Registry) SetNotifying(roomID string, notifying bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[roomID]; ok {
		rec.Notifying = notifying
		return
	}
	log.Warn().Str("room_id", roomID).Msg("registry: cannot set notify state, record not found")
}

// Notifying reports whether the incoming-call alert for roomID is showing.
func (r *Registry) Notifying(roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rec, ok := r.records[roomID]; ok {
		return rec.Notifying
	}
	return false
}

// HasNotifying reports whether any room currently shows an alert.
func (r *Registry) HasNotifying() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.records {
		if rec.Notifying {
			return true
		}
	}
	return false
}

// SetLocalJoined records whether the local device is inside the room.
func (r *Registry) SetLocalJoined(roomID string, joined bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[roomID]; ok {
		rec.LocalJoined = joined
	}
}

// Clear drops every record.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = make(map[string]*Record)
	log.Debug().Msg("registry: cleared")
}

// Count returns the number of known calls.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}
