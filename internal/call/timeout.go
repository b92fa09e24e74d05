package call

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Timeout windows for the three waiting states a room can be in.
const (
	IncomingCallTimeout = 56 * time.Second
	OngoingCallTimeout  = 60 * time.Second
	LeaveCallTimeout    = 60 * time.Second

	// ReleaseWait bounds how long a new incoming call waits for the
	// previous session to fully release its resources.
	ReleaseWait = 15 * time.Second

	incomingCheckInterval = 5 * time.Second
)

// RoomChecker asks the server whether a room is still alive. Used by the
// incoming-call timeout to stop ringing early when the room was stopped
// or answered elsewhere.
type RoomChecker interface {
	// CheckRoom returns stopped=true when the room no longer warrants an
	// incoming-call alert (user stopped it, or another device joined).
	CheckRoom(ctx context.Context, roomID string) (stopped bool, err error)
}

// TimeoutManager runs at most one timeout watch per room. Starting a new
// watch for a room cancels the previous one, so a superseding event
// (answer, cancel, new exit) never races a stale timer.
type TimeoutManager struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func NewTimeoutManager() *TimeoutManager {
	return &TimeoutManager{
		cancels: make(map[string]context.CancelFunc),
	}
}

// StartSimple fires expire after d unless cancelled. Used for the
// ongoing and leave watches.
func (m *TimeoutManager) StartSimple(ctx context.Context, roomID string, d time.Duration, expire func()) {
	ctx = m.replace(ctx, roomID)
	go func() {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
		case <-t.C:
			log.Info().Str("room_id", roomID).Dur("after", d).Msg("timeout: watch expired")
			expire()
		}
	}()
}

// StartIncoming watches an incoming call: it fires expire after d, and
// additionally polls the server every few seconds so an answer on
// another device or a stopped room ends the ringing early.
func (m *TimeoutManager) StartIncoming(ctx context.Context, roomID string, d time.Duration, checker RoomChecker, expire func()) {
	ctx = m.replace(ctx, roomID)
	go func() {
		deadline := time.NewTimer(d)
		tick := time.NewTicker(incomingCheckInterval)
		defer deadline.Stop()
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-deadline.C:
				log.Info().Str("room_id", roomID).Msg("timeout: incoming call expired")
				expire()
				return
			case <-tick.C:
				stopped, err := checker.CheckRoom(ctx, roomID)
				if err != nil {
					log.Error().Err(err).Str("room_id", roomID).Msg("timeout: room check failed")
					continue
				}
				if stopped {
					log.Info().Str("room_id", roomID).Msg("timeout: room gone, stopping early")
					expire()
					return
				}
			}
		}
	}()
}

// StartRelease waits up to wait for released to report true, then runs
// onReleased. Used when an announcement arrives while another call is
// still active: the new call rings once the old one releases, or never
// if the deadline passes first.
func (m *TimeoutManager) StartRelease(ctx context.Context, roomID string, wait, poll time.Duration, released func() bool, onReleased func()) {
	ctx = m.replace(ctx, roomID)
	go func() {
		deadline := time.NewTimer(wait)
		tick := time.NewTicker(poll)
		defer deadline.Stop()
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-deadline.C:
				log.Info().Str("room_id", roomID).Msg("timeout: previous call never released")
				return
			case <-tick.C:
				if released() {
					onReleased()
					return
				}
			}
		}
	}()
}

// Cancel stops the watch for roomID, if any.
func (m *TimeoutManager) Cancel(roomID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.cancels[roomID]; ok {
		cancel()
		delete(m.cancels, roomID)
	}
}

// CancelAll stops every outstanding watch.
func (m *TimeoutManager) CancelAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, cancel := range m.cancels {
		cancel()
		delete(m.cancels, id)
	}
}

func (m *TimeoutManager) replace(parent context.Context, roomID string) context.Context {
	ctx, cancel := context.WithCancel(parent)
	m.mu.Lock()
	if prev, ok := m.cancels[roomID]; ok {
		prev()
	}
	m.cancels[roomID] = cancel
	m.mu.Unlock()
	return ctx
}
