package signaling

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/meshtalk/callkit/internal/call"
	"github.com/meshtalk/callkit/internal/protocol"
)

type fakeClient struct {
	state    protocol.RoomState
	checkErr error
	list     []protocol.ActiveCall
}

func (c *fakeClient) StartCall(context.Context, protocol.ControlCall) error  { return nil }
func (c *fakeClient) InviteCall(context.Context, protocol.ControlCall) error { return nil }
func (c *fakeClient) JoinedCall(context.Context, protocol.ControlCall) error { return nil }
func (c *fakeClient) CancelCall(context.Context, protocol.ControlCall) error { return nil }
func (c *fakeClient) RejectCall(context.Context, protocol.ControlCall) error { return nil }
func (c *fakeClient) HangupCall(context.Context, protocol.ControlCall) error { return nil }

func (c *fakeClient) CheckCall(context.Context, string) (*protocol.RoomState, error) {
	if c.checkErr != nil {
		return nil, c.checkErr
	}
	st := c.state
	return &st, nil
}

func (c *fakeClient) CallingList(context.Context) ([]protocol.ActiveCall, error) {
	return c.list, nil
}

func (c *fakeClient) ServiceURL(context.Context) (*protocol.ServiceURL, error) {
	return &protocol.ServiceURL{}, nil
}

type fakePresenter struct {
	mu         sync.Mutex
	shown      []string
	stopped    []string
	cancelled  []string
	dismissed  []string
	texts      []string
	textStamps []int64
}

func (p *fakePresenter) ShowIncoming(rec call.Record) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shown = append(p.shown, rec.RoomID)
}

func (p *fakePresenter) StopIncoming(roomID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = append(p.stopped, roomID)
}

func (p *fakePresenter) CancelNotification(room string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelled = append(p.cancelled, room)
}

func (p *fakePresenter) DismissCriticalAlert(room string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dismissed = append(p.dismissed, room)
}

func (p *fakePresenter) PostCallText(_, text string, ts int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.texts = append(p.texts, text)
	p.textStamps = append(p.textStamps, ts)
}

// shownRooms is for tests that race a background ring against the
// assertion loop.
func (p *fakePresenter) shownRooms() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.shown...)
}

type fakeDirectory struct {
	known bool
	name  string
}

func (d *fakeDirectory) ConversationName(string, string) (string, bool) {
	return d.name, d.known
}

type fixture struct {
	router   *Router
	registry *call.Registry
	session  *call.Session
	incoming *call.IncomingState
	client   *fakeClient
	pres     *fakePresenter
	dir      *fakeDirectory
}

func newFixture() *fixture {
	f := &fixture{
		registry: call.NewRegistry(),
		session:  call.NewSession(),
		incoming: call.NewIncomingState(),
		client:   &fakeClient{state: protocol.RoomState{Exists: true}},
		pres:     &fakePresenter{},
		dir:      &fakeDirectory{known: true, name: "Team Room"},
	}
	f.router = NewRouter("alice", f.registry, f.session, f.incoming, f.client, f.pres, f.dir, call.NewTimeoutManager())
	return f
}

func callingEnvelope(t *testing.T, roomID, source string, sourceDevice int, payload protocol.Calling) *protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(call.ActionCalling, roomID, source, sourceDevice, time.Now().UnixMilli(), payload)
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}
	return env
}

func TestCallingShowsIncomingAndStoresRecord(t *testing.T) {
	f := newFixture()
	env := callingEnvelope(t, "r1", "bob", call.DefaultDeviceID, protocol.Calling{
		Caller:         "bob.1",
		ControlType:    protocol.ControlStart,
		ConversationID: "conv-1",
		Timestamp:      time.Now().UnixMilli(),
	})

	if err := f.router.HandleEnvelope(context.Background(), env); err != nil {
		t.Fatalf("HandleEnvelope failed: %v", err)
	}

	if len(f.pres.shown) != 1 || f.pres.shown[0] != "r1" {
		t.Fatalf("expected incoming alert for r1, got %v", f.pres.shown)
	}
	rec := f.registry.Get("r1")
	if rec == nil {
		t.Fatal("expected record stored")
	}
	if rec.Provenance != call.FromSignalMessage {
		t.Fatal("expected message provenance")
	}
	if rec.DisplayName != "Team Room" {
		t.Fatalf("expected directory name, got %q", rec.DisplayName)
	}
	if !rec.Notifying {
		t.Fatal("expected record marked notifying")
	}
}

func TestSelfEchoRoutesTextNotAlert(t *testing.T) {
	f := newFixture()
	env := callingEnvelope(t, "r1", "alice", 2, protocol.Calling{
		Caller:         "alice.2",
		ControlType:    protocol.ControlStart,
		ConversationID: "conv-1",
		Timestamp:      1000,
	})

	if err := f.router.HandleEnvelope(context.Background(), env); err != nil {
		t.Fatalf("HandleEnvelope failed: %v", err)
	}

	if len(f.pres.shown) != 0 {
		t.Fatal("self echo must not raise the incoming alert")
	}
	if len(f.pres.texts) != 1 {
		t.Fatalf("expected one conversation text, got %d", len(f.pres.texts))
	}
	rec := f.registry.Get("r1")
	if rec == nil || rec.Provenance != call.FromSignalMessage {
		t.Fatalf("self echo must store a message-provenance record, got %+v", rec)
	}
}

func TestSelfEchoRedeliveryIsIdempotent(t *testing.T) {
	f := newFixture()
	payload := protocol.Calling{
		Caller:         "alice.2",
		ControlType:    protocol.ControlStart,
		ConversationID: "conv-1",
		Timestamp:      1000,
	}

	for i := 0; i < 2; i++ {
		env := callingEnvelope(t, "r1", "alice", 2, payload)
		if err := f.router.HandleEnvelope(context.Background(), env); err != nil {
			t.Fatalf("HandleEnvelope failed: %v", err)
		}
	}

	if f.registry.Get("r1") == nil {
		t.Fatal("expected exactly one record")
	}
	if len(f.pres.texts) != 1 {
		t.Fatalf("redelivered self echo must not repeat the text, got %d", len(f.pres.texts))
	}
}

func TestSelfEchoInviteTextPerInvitee(t *testing.T) {
	f := newFixture()
	env := callingEnvelope(t, "r1", "alice", 2, protocol.Calling{
		Caller:         "alice.2",
		ControlType:    protocol.ControlInvite,
		ConversationID: "conv-1",
		Callees:        []string{"bob.1", "carol.1"},
		Timestamp:      1000,
	})

	if err := f.router.HandleEnvelope(context.Background(), env); err != nil {
		t.Fatalf("HandleEnvelope failed: %v", err)
	}

	if len(f.pres.texts) != 2 {
		t.Fatalf("expected one text per invitee, got %d", len(f.pres.texts))
	}
	if f.pres.textStamps[0] != 1000 || f.pres.textStamps[1] != 1001 {
		t.Fatalf("expected increasing timestamps, got %v", f.pres.textStamps)
	}
}

func TestMessageRecordNotOverwrittenByDuplicate(t *testing.T) {
	f := newFixture()
	payload := protocol.Calling{
		Caller:         "bob.1",
		ControlType:    protocol.ControlStart,
		ConversationID: "conv-1",
		Timestamp:      time.Now().UnixMilli(),
	}
	env := callingEnvelope(t, "r1", "bob", call.DefaultDeviceID, payload)
	if err := f.router.HandleEnvelope(context.Background(), env); err != nil {
		t.Fatalf("HandleEnvelope failed: %v", err)
	}
	first := f.registry.Get("r1")

	payload.RoomName = "changed"
	f.dir.known = false
	dup := callingEnvelope(t, "r1", "bob", call.DefaultDeviceID, payload)
	if err := f.router.HandleEnvelope(context.Background(), dup); err != nil {
		t.Fatalf("HandleEnvelope failed: %v", err)
	}

	second := f.registry.Get("r1")
	if second.DisplayName != first.DisplayName || second.Type != first.Type {
		t.Fatal("duplicate announcement overwrote a message-provenance record")
	}
	if len(f.pres.shown) != 1 {
		t.Fatalf("duplicate start announcement must not re-ring, got %d alerts", len(f.pres.shown))
	}
}

func TestServerRecordUpgradedByMessage(t *testing.T) {
	f := newFixture()
	f.registry.Upsert(call.Record{
		RoomID:      "r1",
		Type:        call.TypeGroup,
		DisplayName: "stale",
		Provenance:  call.FromServerQuery,
	})

	env := callingEnvelope(t, "r1", "bob", call.DefaultDeviceID, protocol.Calling{
		Caller:         "bob.1",
		ControlType:    protocol.ControlStart,
		ConversationID: "conv-1",
		GroupID:        "g1",
		Timestamp:      time.Now().UnixMilli(),
	})
	if err := f.router.HandleEnvelope(context.Background(), env); err != nil {
		t.Fatalf("HandleEnvelope failed: %v", err)
	}

	rec := f.registry.Get("r1")
	if rec.Provenance != call.FromSignalMessage {
		t.Fatal("expected server record replaced by message record")
	}
	if rec.DisplayName != "Team Room" {
		t.Fatalf("expected refreshed name, got %q", rec.DisplayName)
	}
}

func TestUnknownSenderBecomesInstantCall(t *testing.T) {
	f := newFixture()
	f.dir.known = false
	env := callingEnvelope(t, "r1", "mallory", call.DefaultDeviceID, protocol.Calling{
		Caller:      "mallory.1",
		ControlType: protocol.ControlStart,
		RoomName:    "Quick chat",
		Timestamp:   time.Now().UnixMilli(),
	})

	if err := f.router.HandleEnvelope(context.Background(), env); err != nil {
		t.Fatalf("HandleEnvelope failed: %v", err)
	}

	rec := f.registry.Get("r1")
	if rec == nil || rec.Type != call.TypeInstant {
		t.Fatalf("expected instant call record, got %+v", rec)
	}
	if rec.ConversationID != "" {
		t.Fatal("instant calls carry no conversation")
	}
}

func TestCheckFailureDropsAnnouncement(t *testing.T) {
	f := newFixture()
	f.client.checkErr = errors.New("server unreachable")
	env := callingEnvelope(t, "r9", "bob", call.DefaultDeviceID, protocol.Calling{
		Caller:      "bob.1",
		ControlType: protocol.ControlStart,
		Timestamp:   time.Now().UnixMilli(),
	})

	if err := f.router.HandleEnvelope(context.Background(), env); err != nil {
		t.Fatalf("HandleEnvelope failed: %v", err)
	}
	if len(f.pres.shown) != 0 {
		t.Fatalf("failed room check must not ring, got alerts %v", f.pres.shown)
	}
	if f.registry.Get("r9") != nil {
		t.Fatal("failed room check must not store a record")
	}
}

func TestAnsweredElsewhereKeepsRecordWithoutRinging(t *testing.T) {
	f := newFixture()
	f.client.state = protocol.RoomState{Exists: true, AnotherDeviceJoined: true}
	env := callingEnvelope(t, "r1", "bob", call.DefaultDeviceID, protocol.Calling{
		Caller:         "bob.1",
		ControlType:    protocol.ControlStart,
		ConversationID: "conv-1",
		Timestamp:      time.Now().UnixMilli(),
	})

	if err := f.router.HandleEnvelope(context.Background(), env); err != nil {
		t.Fatalf("HandleEnvelope failed: %v", err)
	}

	rec := f.registry.Get("r1")
	if rec == nil || !rec.AnotherDeviceJoined {
		t.Fatalf("expected record kept and marked joined elsewhere, got %+v", rec)
	}
	if len(f.pres.shown) != 0 {
		t.Fatal("answered-elsewhere announcement must not ring")
	}
}

func TestStoppedRoomDropped(t *testing.T) {
	f := newFixture()
	f.client.state = protocol.RoomState{Exists: true, UserStopped: true}
	env := callingEnvelope(t, "r1", "bob", call.DefaultDeviceID, protocol.Calling{
		Caller:      "bob.1",
		ControlType: protocol.ControlStart,
		Timestamp:   time.Now().UnixMilli(),
	})

	if err := f.router.HandleEnvelope(context.Background(), env); err != nil {
		t.Fatalf("HandleEnvelope failed: %v", err)
	}
	if len(f.pres.shown) != 0 || f.registry.Get("r1") != nil {
		t.Fatal("stopped room must be dropped without ringing")
	}
}

func TestInviteReRingsExistingRoom(t *testing.T) {
	f := newFixture()
	start := callingEnvelope(t, "r1", "bob", call.DefaultDeviceID, protocol.Calling{
		Caller:         "bob.1",
		ControlType:    protocol.ControlStart,
		ConversationID: "conv-1",
		Timestamp:      time.Now().UnixMilli(),
	})
	if err := f.router.HandleEnvelope(context.Background(), start); err != nil {
		t.Fatalf("HandleEnvelope failed: %v", err)
	}

	invite := callingEnvelope(t, "r1", "carol", call.DefaultDeviceID, protocol.Calling{
		Caller:         "carol.1",
		ControlType:    protocol.ControlInvite,
		ConversationID: "conv-1",
		Callees:        []string{"alice.1"},
		Timestamp:      time.Now().UnixMilli(),
	})
	if err := f.router.HandleEnvelope(context.Background(), invite); err != nil {
		t.Fatalf("HandleEnvelope failed: %v", err)
	}

	if len(f.pres.shown) != 2 {
		t.Fatalf("expected re-invite to ring again, got %d alerts", len(f.pres.shown))
	}
}

func TestJoinedElsewhereStopsRinging(t *testing.T) {
	f := newFixture()
	f.registry.Upsert(call.Record{RoomID: "r1", Type: call.TypeOneOnOne, Provenance: call.FromSignalMessage})
	f.incoming.SetRoomID("r1")

	env, err := protocol.NewEnvelope(call.ActionJoined, "r1", "alice", 2, time.Now().UnixMilli(), protocol.RoomRef{RoomID: "r1"})
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}
	if err := f.router.HandleEnvelope(context.Background(), env); err != nil {
		t.Fatalf("HandleEnvelope failed: %v", err)
	}

	rec := f.registry.Get("r1")
	if rec == nil || !rec.AnotherDeviceJoined {
		t.Fatal("expected record marked joined elsewhere")
	}
	if len(f.pres.stopped) != 1 || len(f.pres.dismissed) != 1 {
		t.Fatal("expected ringing stopped and critical alert dismissed")
	}
	if f.incoming.RoomID() != "" {
		t.Fatal("expected incoming state reset")
	}
}

func TestJoinedMarksRecordAndRingsOnlyOnce(t *testing.T) {
	f := newFixture()
	start := callingEnvelope(t, "r1", "bob", call.DefaultDeviceID, protocol.Calling{
		Caller:         "bob.1",
		ControlType:    protocol.ControlStart,
		ConversationID: "conv-1",
		Timestamp:      time.Now().UnixMilli(),
	})
	if err := f.router.HandleEnvelope(context.Background(), start); err != nil {
		t.Fatalf("HandleEnvelope failed: %v", err)
	}

	joined, err := protocol.NewEnvelope(call.ActionJoined, "r1", "alice", call.DefaultDeviceID, time.Now().UnixMilli(), protocol.RoomRef{RoomID: "r1"})
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}
	if err := f.router.HandleEnvelope(context.Background(), joined); err != nil {
		t.Fatalf("HandleEnvelope failed: %v", err)
	}

	rec := f.registry.Get("r1")
	if rec == nil || !rec.AnotherDeviceJoined {
		t.Fatalf("joined notice must mark the record, got %+v", rec)
	}
	if len(f.pres.shown) != 1 {
		t.Fatalf("expected exactly one incoming alert, got %d", len(f.pres.shown))
	}
}

func TestBusyAnnouncementRingsAfterRelease(t *testing.T) {
	f := newFixture()
	f.router.releaseWait = time.Second
	f.router.releasePoll = 10 * time.Millisecond
	f.session.Begin("r0", call.RoleCaller, call.StatusConnected)

	env := callingEnvelope(t, "r1", "bob", call.DefaultDeviceID, protocol.Calling{
		Caller:         "bob.1",
		ControlType:    protocol.ControlStart,
		ConversationID: "conv-1",
		Timestamp:      time.Now().UnixMilli(),
	})
	if err := f.router.HandleEnvelope(context.Background(), env); err != nil {
		t.Fatalf("HandleEnvelope failed: %v", err)
	}
	if shown := f.pres.shownRooms(); len(shown) != 0 {
		t.Fatal("announcement must not ring while another call is active")
	}

	f.session.Reset()

	deadline := time.After(time.Second)
	for {
		if shown := f.pres.shownRooms(); len(shown) == 1 && shown[0] == "r1" {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("release never triggered ringing, alerts %v", f.pres.shownRooms())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestCancelWithActivityShowingPublishesControl(t *testing.T) {
	f := newFixture()
	f.registry.Upsert(call.Record{RoomID: "r1", Type: call.TypeOneOnOne, Provenance: call.FromSignalMessage})
	f.incoming.SetRoomID("r1")
	f.incoming.SetActivityShowing(true)

	env, err := protocol.NewEnvelope(call.ActionCancel, "r1", "bob", call.DefaultDeviceID, time.Now().UnixMilli(), protocol.RoomRef{RoomID: "r1"})
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}
	if err := f.router.HandleEnvelope(context.Background(), env); err != nil {
		t.Fatalf("HandleEnvelope failed: %v", err)
	}

	last := f.session.LastControl()
	if last == nil || last.Action != call.ActionCancel || last.RoomID != "r1" {
		t.Fatalf("expected live cancel control message, got %+v", last)
	}
	if len(f.pres.stopped) != 0 {
		t.Fatal("live screen handles the cancel, background stop must not fire")
	}
	if f.registry.Get("r1") != nil {
		t.Fatal("expected record removed on cancel")
	}
}

func TestCancelInBackgroundStopsService(t *testing.T) {
	f := newFixture()
	f.registry.Upsert(call.Record{RoomID: "r1", Type: call.TypeOneOnOne, Provenance: call.FromSignalMessage})
	f.incoming.SetRoomID("r1")

	env, err := protocol.NewEnvelope(call.ActionCancel, "r1", "bob", call.DefaultDeviceID, time.Now().UnixMilli(), protocol.RoomRef{RoomID: "r1"})
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}
	if err := f.router.HandleEnvelope(context.Background(), env); err != nil {
		t.Fatalf("HandleEnvelope failed: %v", err)
	}

	if f.session.LastControl() != nil {
		t.Fatal("background cancel must not publish a control message")
	}
	if len(f.pres.stopped) != 1 {
		t.Fatal("expected incoming alert stopped")
	}
}

func TestRejectRemovesOneOnOneButKeepsGroup(t *testing.T) {
	tests := []struct {
		name     string
		callType call.CallType
		kept     bool
	}{
		{"one on one removed", call.TypeOneOnOne, false},
		{"group persists", call.TypeGroup, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture()
			f.registry.Upsert(call.Record{RoomID: "r1", Type: tc.callType, Provenance: call.FromSignalMessage})

			env, err := protocol.NewEnvelope(call.ActionReject, "r1", "bob", call.DefaultDeviceID, time.Now().UnixMilli(), protocol.RoomRef{RoomID: "r1"})
			if err != nil {
				t.Fatalf("NewEnvelope failed: %v", err)
			}
			if err := f.router.HandleEnvelope(context.Background(), env); err != nil {
				t.Fatalf("HandleEnvelope failed: %v", err)
			}

			if got := f.registry.Get("r1") != nil; got != tc.kept {
				t.Fatalf("record kept=%v, want %v", got, tc.kept)
			}
		})
	}
}

func TestOwnRejectIgnoredWhileInCall(t *testing.T) {
	f := newFixture()
	f.registry.Upsert(call.Record{RoomID: "r1", Type: call.TypeOneOnOne, Provenance: call.FromSignalMessage})
	f.session.Begin("r1", call.RoleCallee, call.StatusConnected)

	env, err := protocol.NewEnvelope(call.ActionReject, "r1", "alice", 2, time.Now().UnixMilli(), protocol.RoomRef{RoomID: "r1"})
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}
	if err := f.router.HandleEnvelope(context.Background(), env); err != nil {
		t.Fatalf("HandleEnvelope failed: %v", err)
	}

	if f.registry.Get("r1") == nil {
		t.Fatal("own reject while in the call must not remove the record")
	}
	if f.session.LastControl() != nil {
		t.Fatal("own reject while in the call must not publish a control message")
	}
}

func TestHangupAlwaysRemovesRecord(t *testing.T) {
	f := newFixture()
	f.registry.Upsert(call.Record{RoomID: "r1", Type: call.TypeGroup, Provenance: call.FromSignalMessage})

	env, err := protocol.NewEnvelope(call.ActionHangup, "r1", "bob", call.DefaultDeviceID, time.Now().UnixMilli(), protocol.RoomRef{RoomID: "r1"})
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}
	if err := f.router.HandleEnvelope(context.Background(), env); err != nil {
		t.Fatalf("HandleEnvelope failed: %v", err)
	}
	if f.registry.Get("r1") != nil {
		t.Fatal("hangup must remove the record regardless of type")
	}
}

func TestCallEndPublishesWhenActive(t *testing.T) {
	f := newFixture()
	f.registry.Upsert(call.Record{RoomID: "r1", Type: call.TypeGroup, Provenance: call.FromSignalMessage})
	f.session.Begin("r1", call.RoleCallee, call.StatusConnected)

	env, err := protocol.NewEnvelope(call.ActionCallEnd, "r1", "bob", call.DefaultDeviceID, time.Now().UnixMilli(), protocol.RoomRef{RoomID: "r1"})
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}
	if err := f.router.HandleEnvelope(context.Background(), env); err != nil {
		t.Fatalf("HandleEnvelope failed: %v", err)
	}

	last := f.session.LastControl()
	if last == nil || last.Action != call.ActionCallEnd {
		t.Fatalf("expected call end control message, got %+v", last)
	}
	if f.registry.Get("r1") != nil {
		t.Fatal("expected record removed")
	}
}

func TestSyncCallingListAddsAndPrunes(t *testing.T) {
	f := newFixture()
	f.registry.Upsert(call.Record{RoomID: "stale", Type: call.TypeGroup, Provenance: call.FromServerQuery})
	f.registry.Upsert(call.Record{RoomID: "from-msg", Type: call.TypeGroup, Provenance: call.FromSignalMessage})
	f.client.list = []protocol.ActiveCall{
		{RoomID: "live", Type: string(call.TypeGroup), CallName: "Standup"},
	}

	if err := f.router.SyncCallingList(context.Background()); err != nil {
		t.Fatalf("SyncCallingList failed: %v", err)
	}

	if f.registry.Get("live") == nil {
		t.Fatal("expected live room added")
	}
	if f.registry.Get("stale") != nil {
		t.Fatal("expected stale server record pruned")
	}
	if f.registry.Get("from-msg") == nil {
		t.Fatal("message-provenance record must survive the sync")
	}
}
