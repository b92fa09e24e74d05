package lifecycle

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Phase names the stage a call operation failed in, which picks the
// failure message shown to the user.
type Phase int

const (
	PhaseStart Phase = iota
	PhaseJoin
	PhaseInCall
)

// FailureKind is the user-facing classification of a call error.
type FailureKind int

const (
	// FailureSilent errors are user-initiated cancellations and never
	// surface.
	FailureSilent FailureKind = iota
	FailureTimeout
	FailurePoorNetwork
	FailureStartCall
	FailureJoinCall
	FailureGeneric
)

func (k FailureKind) String() string {
	switch k {
	case FailureSilent:
		return "silent"
	case FailureTimeout:
		return "timeout"
	case FailurePoorNetwork:
		return "poor_network"
	case FailureStartCall:
		return "start_failed"
	case FailureJoinCall:
		return "join_failed"
	default:
		return "generic"
	}
}

// Classify maps an error to its failure kind. Cancellation is silent,
// deadline and transport timeouts report as timeout, connection-level
// failures as poor network, and anything else falls back to the phase's
// own failure message.
func Classify(err error, phase Phase) FailureKind {
	if err == nil || errors.Is(err, context.Canceled) {
		return FailureSilent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return FailureTimeout
		}
		return FailurePoorNetwork
	}
	switch phase {
	case PhaseStart:
		return FailureStartCall
	case PhaseJoin:
		return FailureJoinCall
	default:
		return FailureGeneric
	}
}

// genericDelay holds back generic in-call failures so a transient error
// that resolves itself never reaches the user.
const genericDelay = 2 * time.Second

// Notifier surfaces a classified failure to the user.
type Notifier func(kind FailureKind, err error)

// ErrorReporter classifies call errors and forwards them to a notifier.
// Generic failures are deferred; a recovery in the window suppresses
// them.
type ErrorReporter struct {
	mu      sync.Mutex
	notify  Notifier
	delay   time.Duration
	pending *time.Timer
}

func NewErrorReporter(notify Notifier) *ErrorReporter {
	return &ErrorReporter{
		notify: notify,
		delay:  genericDelay,
	}
}

// Report classifies err and notifies. Silent failures are dropped,
// generic ones deferred, the rest delivered immediately.
func (r *ErrorReporter) Report(err error, phase Phase) {
	kind := Classify(err, phase)
	if kind == FailureSilent {
		log.Debug().Err(err).Msg("lifecycle: silent failure")
		return
	}
	if kind != FailureGeneric {
		log.Warn().Err(err).Str("kind", kind.String()).Msg("lifecycle: call failure")
		r.notify(kind, err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending != nil {
		r.pending.Stop()
	}
	log.Warn().Err(err).Dur("after", r.delay).Msg("lifecycle: deferring generic failure")
	r.pending = time.AfterFunc(r.delay, func() {
		r.notify(FailureGeneric, err)
	})
}

// Recovered drops any pending deferred failure.
func (r *ErrorReporter) Recovered() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending != nil {
		r.pending.Stop()
		r.pending = nil
	}
}
