package chat

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/thedotmack/clawdbot-twitch/config"
)

const welcome = ":tmi.twitch.tv 001 bot :Welcome, GLHF!\r\n"

// ircServer accepts a single client and streams every line it sends. lines is closed when the
// client hangs up.
type ircServer struct {
	ln    net.Listener
	lines chan string
	conn  chan net.Conn
}

func newIRCServer(t *testing.T) *ircServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &ircServer{ln: ln, lines: make(chan string, 64), conn: make(chan net.Conn, 1)}
	t.Cleanup(func() {
		_ = ln.Close()
		select {
		case c := <-s.conn:
			_ = c.Close()
		default:
		}
	})
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(s.lines)
			return
		}
		s.conn <- c
		sc := bufio.NewScanner(c)
		for sc.Scan() {
			s.lines <- strings.TrimRight(sc.Text(), "\r")
		}
		close(s.lines)
	}()
	return s
}

func (s *ircServer) transport() *IRCTransport {
	c := twitch.NewClient("bot", ircPassword("tok"))
	c.TLS = false
	c.IrcAddress = s.ln.Addr().String()
	return newIRCTransport(c)
}

// waitLine returns the first line with prefix, failing the test on hang-up or timeout.
func (s *ircServer) waitLine(t *testing.T, prefix string) string {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case line, ok := <-s.lines:
			if !ok {
				t.Fatalf("client hung up before sending %q", prefix)
			}
			if strings.HasPrefix(line, prefix) {
				return line
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %q", prefix)
		}
	}
}

// rest collects the remaining lines until the client hangs up.
func (s *ircServer) rest(t *testing.T) []string {
	t.Helper()
	var out []string
	timeout := time.After(3 * time.Second)
	for {
		select {
		case line, ok := <-s.lines:
			if !ok {
				return out
			}
			out = append(out, line)
		case <-timeout:
			t.Fatalf("client still connected, sent %q", out)
		}
	}
}

func (s *ircServer) send(t *testing.T, raw string) {
	t.Helper()
	select {
	case c := <-s.conn:
		s.conn <- c
		if _, err := c.Write([]byte(raw)); err != nil {
			t.Fatalf("write: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no client connected")
	}
}

func TestIRCTransportLoginJoinSayQuit(t *testing.T) {
	srv := newIRCServer(t)
	tr := srv.transport()
	tr.Join("room")

	errc := make(chan error, 1)
	go func() { errc <- tr.Connect(context.Background()) }()
	if got := srv.waitLine(t, "PASS"); got != "PASS oauth:tok" {
		t.Errorf("login line = %q", got)
	}
	srv.waitLine(t, "NICK bot")
	srv.send(t, welcome)
	if err := <-errc; err != nil {
		t.Fatalf("Connect: %v", err)
	}
	srv.waitLine(t, "JOIN #room")

	if err := tr.Say("room", "hello"); err != nil {
		t.Fatalf("Say: %v", err)
	}
	srv.waitLine(t, "PRIVMSG #room :hello")

	if err := tr.Quit(); err != nil {
		t.Fatalf("Quit: %v", err)
	}
	srv.rest(t)
	if err := tr.Say("room", "late"); !errors.Is(err, ErrTransportClosed) {
		t.Errorf("Say after Quit = %v", err)
	}
}

func TestIRCTransportQuitWhileLoginPending(t *testing.T) {
	srv := newIRCServer(t)
	tr := srv.transport()
	tr.Join("room")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := tr.Connect(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Connect = %v, want deadline exceeded", err)
	}
	srv.waitLine(t, "NICK bot")
	if err := tr.Quit(); err != nil {
		t.Fatalf("Quit: %v", err)
	}

	// the welcome only shows up after the owner gave up
	srv.send(t, welcome)
	for _, line := range srv.rest(t) {
		if strings.HasPrefix(line, "JOIN") || strings.HasPrefix(line, "PRIVMSG") {
			t.Errorf("transport sent %q after Quit", line)
		}
	}
}

func TestIRCTransportReportsFatalExit(t *testing.T) {
	srv := newIRCServer(t)
	tr := srv.transport()
	tr.Join("room")
	closed := make(chan error, 1)
	tr.OnClose(func(err error) { closed <- err })

	errc := make(chan error, 1)
	go func() { errc <- tr.Connect(context.Background()) }()
	srv.waitLine(t, "NICK bot")
	srv.send(t, welcome)
	if err := <-errc; err != nil {
		t.Fatalf("Connect: %v", err)
	}
	srv.waitLine(t, "JOIN #room")

	srv.send(t, ":tmi.twitch.tv NOTICE * :Login authentication failed\r\n")
	select {
	case err := <-closed:
		if !errors.Is(err, twitch.ErrLoginAuthenticationFailed) {
			t.Errorf("OnClose err = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("OnClose not called after the client loop ended")
	}
	if err := tr.Say("room", "anyone?"); !errors.Is(err, ErrTransportClosed) {
		t.Errorf("Say on dead transport = %v", err)
	}
}

func TestIRCTransportQuitDoesNotReportClose(t *testing.T) {
	srv := newIRCServer(t)
	tr := srv.transport()
	closed := make(chan error, 1)
	tr.OnClose(func(err error) { closed <- err })

	errc := make(chan error, 1)
	go func() { errc <- tr.Connect(context.Background()) }()
	srv.waitLine(t, "NICK bot")
	srv.send(t, welcome)
	if err := <-errc; err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := tr.Quit(); err != nil {
		t.Fatalf("Quit: %v", err)
	}
	srv.rest(t)
	select {
	case err := <-closed:
		t.Errorf("OnClose called after Quit: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestProbeTimeoutClosesPendingLogin(t *testing.T) {
	t.Setenv("TWITCH_OAUTH_TOKEN", "")
	cfg := &config.Config{}
	if err := config.Parse([]byte(`{username: "bot", channel: "room", clientId: "cid", token: "tok"}`), cfg); err != nil {
		t.Fatal(err)
	}
	srv := newIRCServer(t)
	m := NewManager(cfg, Options{
		Transports:     func(string, string) Transport { return srv.transport() },
		SkipValidation: true,
	})

	res := m.Probe(context.Background(), cfg.ResolveAccount(config.DefaultAccountID), 200*time.Millisecond)
	if res.OK || !strings.Contains(res.Error, ErrProbeTimeout.Error()) {
		t.Fatalf("Probe = %+v, want timeout", res)
	}
	srv.waitLine(t, "NICK bot")
	srv.send(t, welcome)
	for _, line := range srv.rest(t) {
		if strings.HasPrefix(line, "JOIN") {
			t.Errorf("probe connection joined %q after it timed out", line)
		}
	}
}
