package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
)

// ChatUser is the per-sender metadata a transport attaches to an event.
type ChatUser struct {
	ID            string
	Name          string
	DisplayName   string
	IsMod         bool
	IsBroadcaster bool
	IsVIP         bool
	IsSub         bool
}

// GroupEvent is a message posted to a channel.
type GroupEvent struct {
	Channel string
	Sender  ChatUser
	Text    string
	ID      string
	Time    time.Time
}

// DirectEvent is a whisper. Twitch assigns whispers no message id.
type DirectEvent struct {
	Sender ChatUser
	Text   string
	Time   time.Time
}

// Transport is the chat connection the manager drives. Handlers must be installed before
// Connect. Implementations rejoin their channels after a reconnect.
type Transport interface {
	Connect(ctx context.Context) error
	Join(channels ...string)
	Say(channel, text string) error
	Quit() error
	SetToken(token string)
	OnGroupMessage(func(GroupEvent))
	OnDirectMessage(func(DirectEvent))
	// OnClose is called at most once, when a connected transport stops for good without Quit.
	OnClose(func(error))
}

// TransportFactory builds an unconnected transport for one bot identity.
type TransportFactory func(username, token string) Transport

var (
	// ErrTransportClosed is returned by Say after Quit or after the connection was lost.
	ErrTransportClosed   = errors.New("chat transport closed")
	errClosedBeforeLogin = errors.New("chat connection closed before login completed")
	errConnectionEnded   = errors.New("chat connection ended")
)

// IRCTransport adapts github.com/gempir/go-twitch-irc to Transport.
type IRCTransport struct {
	client *twitch.Client

	mu        sync.Mutex
	channels  []string
	connected chan struct{}
	done      chan error
	login     bool
	closed    bool
	onClose   func(error)
}

// NewIRCTransport is the default TransportFactory.
func NewIRCTransport(username, token string) Transport {
	return newIRCTransport(twitch.NewClient(username, ircPassword(token)))
}

func newIRCTransport(c *twitch.Client) *IRCTransport {
	t := &IRCTransport{
		client:    c,
		connected: make(chan struct{}),
		done:      make(chan error, 1),
	}
	c.OnConnect(t.welcomed)
	return t
}

func ircPassword(token string) string {
	if strings.HasPrefix(token, "oauth:") {
		return token
	}
	return "oauth:" + token
}

// welcomed runs on every server welcome. The client refuses Disconnect until the first welcome,
// so a Quit issued while the login was pending takes effect here.
func (t *IRCTransport) welcomed() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = t.client.Disconnect()
		return
	}
	first := !t.login
	t.login = true
	channels := t.channels
	t.mu.Unlock()
	if !first {
		// the client rejoins known channels itself on reconnect
		return
	}
	if len(channels) > 0 {
		t.client.Join(channels...)
	}
	close(t.connected)
}

// Connect starts the client loop and returns once the server accepted the login. The loop keeps
// running (and reconnecting) in the background until Quit or a fatal error, which is reported
// through OnClose.
func (t *IRCTransport) Connect(ctx context.Context) error {
	go func() {
		t.done <- t.client.Connect()
	}()
	select {
	case <-t.connected:
		go t.watch()
		return nil
	case err := <-t.done:
		t.markClosed()
		if err == nil || errors.Is(err, twitch.ErrClientDisconnected) {
			return errClosedBeforeLogin
		}
		return err
	case <-ctx.Done():
		_ = t.Quit()
		return ctx.Err()
	}
}

// watch waits for the client loop to end after a successful login.
func (t *IRCTransport) watch() {
	err := <-t.done
	t.mu.Lock()
	quit := t.closed
	t.closed = true
	fn := t.onClose
	t.mu.Unlock()
	if quit || fn == nil {
		return
	}
	if err == nil || errors.Is(err, twitch.ErrClientDisconnected) {
		err = errConnectionEnded
	}
	fn(err)
}

func (t *IRCTransport) markClosed() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

// Join records channels for the first login and joins them right away once logged in.
func (t *IRCTransport) Join(channels ...string) {
	t.mu.Lock()
	login := t.login
	if !login {
		t.channels = append(t.channels, channels...)
	}
	t.mu.Unlock()
	if login {
		t.client.Join(channels...)
	}
}

func (t *IRCTransport) Say(channel, text string) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrTransportClosed
	}
	t.client.Say(channel, text)
	return nil
}

// Quit closes the connection. Before the first welcome the client cannot be disconnected yet;
// welcomed finishes the job when it arrives.
func (t *IRCTransport) Quit() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	err := t.client.Disconnect()
	if errors.Is(err, twitch.ErrConnectionIsNotOpen) {
		return nil
	}
	return err
}

func (t *IRCTransport) OnClose(fn func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onClose = fn
}

// SetToken swaps the password used on the next (re)connect.
func (t *IRCTransport) SetToken(token string) {
	t.client.SetIRCToken(ircPassword(token))
}

func (t *IRCTransport) OnGroupMessage(fn func(GroupEvent)) {
	t.client.OnPrivateMessage(func(m twitch.PrivateMessage) {
		fn(GroupEvent{
			Channel: m.Channel,
			Sender:  userFromIRC(m.User, m.Tags),
			Text:    m.Message,
			ID:      m.ID,
			Time:    m.Time,
		})
	})
}

func (t *IRCTransport) OnDirectMessage(fn func(DirectEvent)) {
	t.client.OnWhisperMessage(func(m twitch.WhisperMessage) {
		fn(DirectEvent{
			Sender: userFromIRC(m.User, m.Tags),
			Text:   m.Message,
			Time:   time.Now().UTC(),
		})
	})
}

func userFromIRC(u twitch.User, tags map[string]string) ChatUser {
	has := func(badge string) bool { return u.Badges[badge] > 0 }
	return ChatUser{
		ID:            u.ID,
		Name:          u.Name,
		DisplayName:   u.DisplayName,
		IsMod:         has("moderator") || tags["mod"] == "1",
		IsBroadcaster: has("broadcaster"),
		IsVIP:         has("vip") || tags["vip"] == "1",
		IsSub:         has("subscriber") || has("founder") || tags["subscriber"] == "1",
	}
}
