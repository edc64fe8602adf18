package testutil

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/thedotmack/clawdbot-twitch/chat"
)

// MockTwitchServer creates a test server that mocks the Twitch id.twitch.tv endpoints
type MockTwitchServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc
}

// NewMockTwitchServer creates a new mock Twitch API server
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := m.Handlers[r.URL.Path]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Client returns an http.Client that sends every request, whatever its host, to the mock.
func (m *MockTwitchServer) Client() *http.Client {
	u, _ := url.Parse(m.URL)
	return &http.Client{Transport: &rewriteTransport{target: u}}
}

type rewriteTransport struct {
	target *url.URL
}

func (rt *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.URL.Scheme = rt.target.Scheme
	r.URL.Host = rt.target.Host
	r.Host = rt.target.Host
	return http.DefaultTransport.RoundTrip(r)
}

// MockValidateResponse adds a handler for /oauth2/validate
func (m *MockTwitchServer) MockValidateResponse(login, userID string) {
	m.Handlers["/oauth2/validate"] = func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck // test mock response
			"client_id":  "cid",
			"login":      login,
			"user_id":    userID,
			"scopes":     []string{"chat:read", "chat:edit"},
			"expires_in": 3600,
		})
	}
}

// MockOAuthTokenResponse adds a handler for the OAuth token endpoint
func (m *MockTwitchServer) MockOAuthTokenResponse(accessToken, refreshToken string, expiresIn int) {
	m.Handlers["/oauth2/token"] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck // test mock response
			"access_token":  accessToken,
			"refresh_token": refreshToken,
			"expires_in":    expiresIn,
			"token_type":    "bearer",
		})
	}
}

// Line is one message passed to FakeTransport.Say.
type Line struct {
	Channel string
	Text    string
}

// FakeTransport is an in-memory chat.Transport.
type FakeTransport struct {
	Username string

	mu       sync.Mutex
	token    string
	joined   []string
	said     []Line
	connects int
	quits    int
	group    func(chat.GroupEvent)
	direct   func(chat.DirectEvent)
	onClose  func(error)
	dropped  bool
	quit     chan struct{}

	// ConnectErr is returned from Connect.
	ConnectErr error
	// ConnectDelay stalls Connect before it returns, or until ctx is done.
	ConnectDelay time.Duration
	// Block makes Connect wait until ctx is done or Quit is called.
	Block bool
	// SayErr is returned from Say; SayPanic, when set, is panicked with instead.
	SayErr   error
	SayPanic any
}

func NewFakeTransport(username, token string) *FakeTransport {
	return &FakeTransport{Username: username, token: token, quit: make(chan struct{})}
}

func (f *FakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.connects++
	delay, block, err := f.ConnectDelay, f.Block, f.ConnectErr
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if block {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.quit:
			return chat.ErrTransportClosed
		}
	}
	return err
}

func (f *FakeTransport) Join(channels ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, channels...)
}

func (f *FakeTransport) Say(channel, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SayPanic != nil {
		panic(f.SayPanic)
	}
	if f.SayErr != nil {
		return f.SayErr
	}
	if f.dropped || f.quits > 0 {
		return chat.ErrTransportClosed
	}
	f.said = append(f.said, Line{Channel: channel, Text: text})
	return nil
}

func (f *FakeTransport) Quit() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.quits == 0 {
		close(f.quit)
	}
	f.quits++
	return nil
}

func (f *FakeTransport) SetToken(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = token
}

func (f *FakeTransport) OnGroupMessage(fn func(chat.GroupEvent)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.group = fn
}

func (f *FakeTransport) OnDirectMessage(fn func(chat.DirectEvent)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.direct = fn
}

func (f *FakeTransport) OnClose(fn func(error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onClose = fn
}

// Drop ends the connection as if the server went away for good.
func (f *FakeTransport) Drop(err error) {
	f.mu.Lock()
	if f.dropped || f.quits > 0 {
		f.mu.Unlock()
		return
	}
	f.dropped = true
	fn := f.onClose
	f.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// EmitGroup delivers a channel message as if it came from Twitch.
func (f *FakeTransport) EmitGroup(ev chat.GroupEvent) {
	f.mu.Lock()
	fn := f.group
	f.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

// EmitDirect delivers a whisper as if it came from Twitch.
func (f *FakeTransport) EmitDirect(ev chat.DirectEvent) {
	f.mu.Lock()
	fn := f.direct
	f.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func (f *FakeTransport) Token() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token
}

func (f *FakeTransport) Joined() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.joined...)
}

func (f *FakeTransport) Said() []Line {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Line(nil), f.said...)
}

func (f *FakeTransport) Connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *FakeTransport) Quits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.quits
}

// FakeTransports is a chat.TransportFactory that records every transport it builds.
type FakeTransports struct {
	// Configure, when set, runs on each new transport before it is returned.
	Configure func(*FakeTransport)

	mu      sync.Mutex
	created []*FakeTransport
}

func (fs *FakeTransports) Factory(username, token string) chat.Transport {
	f := NewFakeTransport(username, token)
	if fs.Configure != nil {
		fs.Configure(f)
	}
	fs.mu.Lock()
	fs.created = append(fs.created, f)
	fs.mu.Unlock()
	return f
}

func (fs *FakeTransports) Count() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.created)
}

// Last returns the most recently built transport, or nil.
func (fs *FakeTransports) Last() *FakeTransport {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.created) == 0 {
		return nil
	}
	return fs.created[len(fs.created)-1]
}
