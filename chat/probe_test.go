package chat_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/thedotmack/clawdbot-twitch/chat"
	"github.com/thedotmack/clawdbot-twitch/config"
	"github.com/thedotmack/clawdbot-twitch/testutil"
)

func TestProbeSuccess(t *testing.T) {
	m, cfg, fakes := newTestManager(t, basicTree)
	acct := cfg.ResolveAccount(config.DefaultAccountID)

	res := m.Probe(context.Background(), acct, time.Second)
	if !res.OK || !res.Connected || res.Error != "" {
		t.Fatalf("Probe = %+v", res)
	}
	if res.Username != "mybot" || res.Channel != "somechannel" {
		t.Errorf("identity = %s/%s", res.Username, res.Channel)
	}
	if fakes.Last().Quits() != 1 {
		t.Error("probe transport not closed")
	}
	if _, ok := m.Lookup(acct); ok {
		t.Error("probe must not register a managed connection")
	}
}

func TestProbeTimeoutStillQuits(t *testing.T) {
	m, cfg, fakes := newTestManager(t, basicTree)
	fakes.Configure = func(f *testutil.FakeTransport) { f.Block = true }

	res := m.Probe(context.Background(), cfg.ResolveAccount(config.DefaultAccountID), 30*time.Millisecond)
	if res.OK || res.Connected {
		t.Fatalf("Probe = %+v", res)
	}
	if !strings.Contains(res.Error, chat.ErrProbeTimeout.Error()) {
		t.Errorf("error = %q, want timeout", res.Error)
	}
	if fakes.Last().Quits() != 1 {
		t.Error("timed out transport not closed")
	}
	if res.ElapsedMs < 30 {
		t.Errorf("elapsed = %dms", res.ElapsedMs)
	}
}

func TestProbeConnectError(t *testing.T) {
	m, cfg, fakes := newTestManager(t, basicTree)
	fakes.Configure = func(f *testutil.FakeTransport) { f.ConnectErr = errors.New("Login authentication failed") }

	res := m.Probe(context.Background(), cfg.ResolveAccount(config.DefaultAccountID), time.Second)
	if res.OK || res.Error != "Login authentication failed" {
		t.Errorf("Probe = %+v", res)
	}
	if fakes.Last().Quits() != 1 {
		t.Error("transport not closed after error")
	}
}

func TestProbePanicStringified(t *testing.T) {
	t.Setenv("TWITCH_OAUTH_TOKEN", "")
	cfg := &config.Config{}
	if err := config.Parse([]byte(basicTree), cfg); err != nil {
		t.Fatal(err)
	}
	var built *testutil.FakeTransport
	m := chat.NewManager(cfg, chat.Options{Transports: func(u, tok string) chat.Transport {
		built = testutil.NewFakeTransport(u, tok)
		return &panickyTransport{FakeTransport: built}
	}})

	res := m.Probe(context.Background(), cfg.ResolveAccount(config.DefaultAccountID), time.Second)
	if res.OK || res.Error != "42" {
		t.Errorf("Probe = %+v", res)
	}
	if built.Quits() != 1 {
		t.Error("transport not closed after panic")
	}
}

func TestProbeMissingCredentials(t *testing.T) {
	m, cfg, fakes := newTestManager(t, `{username: "bot", token: "tok"}`)
	res := m.Probe(context.Background(), cfg.ResolveAccount(config.DefaultAccountID), time.Second)
	if res.OK || res.Error != chat.ErrMissingClientID.Error() {
		t.Errorf("Probe = %+v", res)
	}
	if fakes.Count() != 0 {
		t.Error("no transport expected")
	}
}

type panickyTransport struct {
	*testutil.FakeTransport
}

func (p *panickyTransport) Connect(context.Context) error {
	panic(42)
}
