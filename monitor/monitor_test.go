package monitor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/thedotmack/clawdbot-twitch/chat"
	"github.com/thedotmack/clawdbot-twitch/config"
	"github.com/thedotmack/clawdbot-twitch/router"
	"github.com/thedotmack/clawdbot-twitch/status"
	"github.com/thedotmack/clawdbot-twitch/testutil"
)

type scriptedRouter struct {
	mu       sync.Mutex
	replies  []string
	seen     []chat.InboundMessage
	dispatch error
}

func (r *scriptedRouter) ResolveAgentRoute(_ context.Context, acct config.Account, msg chat.InboundMessage) (router.Route, error) {
	return router.Route{AgentID: "default", SessionKey: router.SessionKey("default", msg)}, nil
}

func (r *scriptedRouter) DispatchReply(ctx context.Context, _ router.Route, msg chat.InboundMessage, deliver router.Deliver) error {
	r.mu.Lock()
	r.seen = append(r.seen, msg)
	replies, dispatchErr := r.replies, r.dispatch
	r.mu.Unlock()
	if dispatchErr != nil {
		return dispatchErr
	}
	for _, reply := range replies {
		if err := deliver(ctx, reply); err != nil {
			return err
		}
	}
	return nil
}

func (r *scriptedRouter) seenCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

type fixture struct {
	mon   *Monitor
	mgr   *chat.Manager
	store *status.Store
	fakes *testutil.FakeTransports
	acct  config.Account
	rt    *scriptedRouter
}

func newFixture(t *testing.T, tree string) *fixture {
	t.Helper()
	t.Setenv("TWITCH_OAUTH_TOKEN", "")
	cfg := &config.Config{}
	if err := config.Parse([]byte(tree), cfg); err != nil {
		t.Fatal(err)
	}
	fakes := &testutil.FakeTransports{}
	mgr := chat.NewManager(cfg, chat.Options{Transports: fakes.Factory, SkipValidation: true})
	t.Cleanup(mgr.DisconnectAll)
	store := status.NewStore(nil)
	rt := &scriptedRouter{}
	return &fixture{
		mon:   New(mgr, rt, store, cfg.MarkdownStripping()),
		mgr:   mgr,
		store: store,
		fakes: fakes,
		acct:  cfg.ResolveAccount(config.DefaultAccountID),
		rt:    rt,
	}
}

const tree = `{username: "mybot", channel: "room", clientId: "cid", token: "tok"}`

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRunLifecycle(t *testing.T) {
	f := newFixture(t, tree)
	f.rt.replies = []string{"**hi** there"}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.mon.Run(ctx, f.acct) }()

	waitFor(t, "running", func() bool {
		s, _ := f.store.Get("default")
		return s.Running
	})
	ft := f.fakes.Last()
	ft.EmitGroup(chat.GroupEvent{Channel: "#room", Sender: chat.ChatUser{ID: "1", Name: "viewer"}, Text: "hello"})
	waitFor(t, "reply", func() bool { return len(ft.Said()) == 1 })
	if got := ft.Said()[0]; got.Channel != "room" || got.Text != "hi there" {
		t.Errorf("said = %+v", got)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	s, _ := f.store.Get("default")
	if s.Running || s.LastStartAt.IsZero() || s.LastStopAt.IsZero() || s.LastInboundAt.IsZero() || s.LastOutboundAt.IsZero() {
		t.Errorf("snapshot = %+v", s)
	}

	// handler is gone after stop
	ft.EmitGroup(chat.GroupEvent{Channel: "#room", Sender: chat.ChatUser{ID: "1", Name: "viewer"}, Text: "again"})
	time.Sleep(20 * time.Millisecond)
	if f.rt.seenCount() != 1 {
		t.Errorf("router saw %d messages after stop, want 1", f.rt.seenCount())
	}
}

func TestRunEndsWhenConnectionLost(t *testing.T) {
	f := newFixture(t, tree)
	done := make(chan error, 1)
	go func() { done <- f.mon.Run(context.Background(), f.acct) }()
	waitFor(t, "running", func() bool {
		s, _ := f.store.Get("default")
		return s.Running
	})

	authErr := errors.New("login authentication failed")
	f.fakes.Last().Drop(authErr)
	select {
	case err := <-done:
		if !errors.Is(err, authErr) {
			t.Errorf("Run = %v, want %v", err, authErr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run kept going after the connection was lost")
	}
	s, _ := f.store.Get("default")
	if s.Running || s.LastError != authErr.Error() || s.LastStopAt.IsZero() {
		t.Errorf("snapshot = %+v", s)
	}
	if _, ok := f.mgr.Lookup(f.acct); ok {
		t.Error("lost connection still registered")
	}
}

func TestRunCredentialErrorRecorded(t *testing.T) {
	f := newFixture(t, `{username: "mybot", token: "tok"}`)
	err := f.mon.Run(context.Background(), f.acct)
	if !errors.Is(err, chat.ErrMissingClientID) {
		t.Fatalf("err = %v", err)
	}
	s, _ := f.store.Get("default")
	if s.Running || !strings.Contains(s.LastError, "client id") {
		t.Errorf("snapshot = %+v", s)
	}
}

func TestHandleAccessControl(t *testing.T) {
	f := newFixture(t, `{username: "mybot", channel: "room", clientId: "cid", token: "tok",
		allowFrom: ["123"], allowedRoles: ["moderator"]}`)
	f.rt.replies = []string{"ok"}
	ctx := context.Background()

	cases := []struct {
		name   string
		msg    chat.InboundMessage
		routed bool
	}{
		{"allowlisted", chat.InboundMessage{Username: "a", UserID: "123", Channel: "room", Message: "x"}, true},
		{"moderator", chat.InboundMessage{Username: "b", UserID: "7", IsMod: true, Channel: "room", Message: "x"}, true},
		{"nobody", chat.InboundMessage{Username: "c", UserID: "8", Channel: "room", Message: "x"}, false},
		{"self", chat.InboundMessage{Username: "MyBot", UserID: "123", Channel: "room", Message: "x"}, false},
	}
	for _, tc := range cases {
		before := f.rt.seenCount()
		f.mon.Handle(ctx, f.acct, tc.msg)
		if routed := f.rt.seenCount() > before; routed != tc.routed {
			t.Errorf("%s: routed = %v, want %v", tc.name, routed, tc.routed)
		}
	}
}

func TestDeliverChunksInOrder(t *testing.T) {
	f := newFixture(t, tree)
	long := strings.Repeat("word ", 250) // 1250 chars before trimming
	n, err := f.mon.Deliver(context.Background(), f.acct, "room", long)
	if err != nil {
		t.Fatal(err)
	}
	said := f.fakes.Last().Said()
	if n != len(said) || n != 3 {
		t.Fatalf("sent %d chunks, transport saw %d, want 3", n, len(said))
	}
	var parts []string
	for _, l := range said {
		if len(l.Text) > 500 {
			t.Errorf("chunk of %d chars", len(l.Text))
		}
		parts = append(parts, l.Text)
	}
	if strings.Join(parts, " ") != strings.TrimSpace(long) {
		t.Error("chunks out of order or altered")
	}
}

func TestDeliverStopsAtFirstFailure(t *testing.T) {
	f := newFixture(t, tree)
	f.fakes.Configure = func(ft *testutil.FakeTransport) { ft.SayErr = errors.New("write: broken pipe") }
	n, err := f.mon.Deliver(context.Background(), f.acct, "room", strings.Repeat("word ", 250))
	if err == nil || n != 0 {
		t.Errorf("n = %d, err = %v", n, err)
	}
}

func TestHandleRecordsDispatchError(t *testing.T) {
	f := newFixture(t, tree)
	f.rt.dispatch = errors.New("agent unavailable")
	f.mon.Handle(context.Background(), f.acct, chat.InboundMessage{Username: "v", UserID: "1", Channel: "room", Message: "x"})
	s, _ := f.store.Get("default")
	if s.LastError != "agent unavailable" {
		t.Errorf("LastError = %q", s.LastError)
	}
}

func TestProbeRecorded(t *testing.T) {
	f := newFixture(t, tree)
	res := f.mon.Probe(context.Background(), f.acct, time.Second)
	if !res.OK {
		t.Fatalf("probe = %+v", res)
	}
	s, _ := f.store.Get("default")
	if s.Probe == nil || !s.Probe.OK || s.LastProbeAt.IsZero() {
		t.Errorf("snapshot = %+v", s)
	}
}
