package lifecycle

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		phase Phase
		want  FailureKind
	}{
		{"nil", nil, PhaseInCall, FailureSilent},
		{"cancellation", context.Canceled, PhaseInCall, FailureSilent},
		{"deadline", context.DeadlineExceeded, PhaseStart, FailureTimeout},
		{"net timeout", timeoutErr{}, PhaseInCall, FailureTimeout},
		{"connection refused", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, PhaseInCall, FailurePoorNetwork},
		{"start failure", errors.New("bad response"), PhaseStart, FailureStartCall},
		{"join failure", errors.New("bad response"), PhaseJoin, FailureJoinCall},
		{"generic", errors.New("bad response"), PhaseInCall, FailureGeneric},
		{"wrapped cancellation", errors.New("wrapped: " + context.Canceled.Error()), PhaseInCall, FailureGeneric},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err, tc.phase); got != tc.want {
				t.Fatalf("Classify(%v, %d) = %s, want %s", tc.err, tc.phase, got, tc.want)
			}
		})
	}
}

func TestGenericFailureDeferred(t *testing.T) {
	var mu sync.Mutex
	var got []FailureKind
	r := NewErrorReporter(func(kind FailureKind, _ error) {
		mu.Lock()
		got = append(got, kind)
		mu.Unlock()
	})
	r.delay = 20 * time.Millisecond

	r.Report(errors.New("flaky"), PhaseInCall)

	mu.Lock()
	immediate := len(got)
	mu.Unlock()
	if immediate != 0 {
		t.Fatal("generic failure surfaced immediately")
	}

	time.Sleep(60 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != FailureGeneric {
		t.Fatalf("expected one deferred generic failure, got %v", got)
	}
}

func TestRecoverySuppressesDeferredFailure(t *testing.T) {
	var mu sync.Mutex
	var got []FailureKind
	r := NewErrorReporter(func(kind FailureKind, _ error) {
		mu.Lock()
		got = append(got, kind)
		mu.Unlock()
	})
	r.delay = 20 * time.Millisecond

	r.Report(errors.New("flaky"), PhaseInCall)
	r.Recovered()

	time.Sleep(60 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 0 {
		t.Fatalf("recovered failure still surfaced: %v", got)
	}
}

func TestSilentFailureNeverSurfaces(t *testing.T) {
	r := NewErrorReporter(func(FailureKind, error) {
		t.Fatal("silent failure surfaced")
	})
	r.Report(context.Canceled, PhaseStart)
	r.Report(nil, PhaseJoin)
}

func TestTimeoutSurfacesImmediately(t *testing.T) {
	var got []FailureKind
	r := NewErrorReporter(func(kind FailureKind, _ error) {
		got = append(got, kind)
	})
	r.Report(context.DeadlineExceeded, PhaseInCall)
	if len(got) != 1 || got[0] != FailureTimeout {
		t.Fatalf("expected immediate timeout failure, got %v", got)
	}
}
