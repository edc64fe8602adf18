package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/thedotmack/clawdbot-twitch/config"
	"github.com/thedotmack/clawdbot-twitch/oauth"
	"github.com/thedotmack/clawdbot-twitch/telemetry"
	"github.com/thedotmack/clawdbot-twitch/twitchapi"
)

var (
	ErrMissingToken    = errors.New("missing twitch oauth token")
	ErrMissingClientID = errors.New("missing twitch client id")
)

// Handler receives normalized inbound messages for one connection key.
type Handler func(InboundMessage)

// Connection is one live chat session.
type Connection struct {
	Key       string
	AccountID string
	Username  string
	Channel   string
	Transport Transport
	Provider  oauth.Provider
	Since     time.Time

	cancel    context.CancelFunc
	lost      chan struct{}
	lostErr   error
	loseOnce  sync.Once
	closeOnce sync.Once
}

// Lost is closed when the connection ended on its own, without Disconnect.
func (c *Connection) Lost() <-chan struct{} {
	return c.lost
}

// Err reports why the connection was lost, or nil while it is live.
func (c *Connection) Err() error {
	select {
	case <-c.lost:
		return c.lostErr
	default:
		return nil
	}
}

// Options tune a Manager. Zero values pick production defaults.
type Options struct {
	Transports TransportFactory
	// HTTPClient is used for token validation and refresh.
	HTTPClient *http.Client
	// TokenEndpoint overrides the Twitch OAuth endpoint.
	TokenEndpoint oauth2.Endpoint
	// Store persists refreshed tokens; optional.
	Store           oauth.TokenStore
	RefreshInterval time.Duration
	RefreshWindow   time.Duration
	// SkipValidation disables the asynchronous token validation call.
	SkipValidation bool
	// ConnectTimeout bounds a shared connect attempt. Defaults to DefaultConnectTimeout.
	ConnectTimeout time.Duration
}

// DefaultConnectTimeout bounds token resolution plus login for one connect attempt.
const DefaultConnectTimeout = 30 * time.Second

type handlerSlot struct {
	fn Handler
}

// Manager owns every live connection and the single inbound handler slot per key.
type Manager struct {
	cfg  *config.Config
	opts Options

	mu       sync.Mutex
	conns    map[string]*Connection
	handlers map[string]*handlerSlot

	// collapses concurrent creations for the same key into one connect
	inflight singleflight.Group
}

func NewManager(cfg *config.Config, opts Options) *Manager {
	if opts.Transports == nil {
		opts.Transports = NewIRCTransport
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	return &Manager{
		cfg:      cfg,
		opts:     opts,
		conns:    make(map[string]*Connection),
		handlers: make(map[string]*handlerSlot),
	}
}

// TokenKey is the storage key for an account's refreshed token.
func TokenKey(accountID string) string {
	return "twitch:" + accountID
}

// Lookup returns the live connection for acct, if any.
func (m *Manager) Lookup(acct config.Account) (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[acct.Key()]
	return c, ok
}

// GetOrCreate returns the live connection for acct, opening it on first use. Concurrent calls
// for the same key share a single connect attempt. The attempt is detached from ctx so one
// cancelled caller does not fail the others; ctx only bounds how long this caller waits.
func (m *Manager) GetOrCreate(ctx context.Context, acct config.Account) (*Connection, error) {
	if c, ok := m.Lookup(acct); ok {
		return c, nil
	}
	key := acct.Key()
	ch := m.inflight.DoChan(key, func() (any, error) {
		if c, ok := m.Lookup(acct); ok {
			return c, nil
		}
		octx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.ConnectTimeout)
		defer cancel()
		return m.open(octx, acct)
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*Connection), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) open(ctx context.Context, acct config.Account) (*Connection, error) {
	key := acct.Key()
	log := slog.With(slog.String("component", "chat"), slog.String("account", acct.ID), slog.String("key", key))

	res := twitchapi.ResolveToken(m.cfg, acct.ID)
	if !res.Found() {
		return nil, fmt.Errorf("account %q: %w", acct.ID, ErrMissingToken)
	}
	if strings.TrimSpace(acct.ClientID) == "" {
		return nil, fmt.Errorf("account %q: %w", acct.ID, ErrMissingClientID)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	provider := m.provider(ctx, acct, res.Token, log)
	token, err := provider.Token(ctx)
	if err != nil {
		cancel()
		telemetry.Inc(telemetry.ConnectAttempts, acct.ID, "error")
		return nil, fmt.Errorf("account %q: token: %w", acct.ID, err)
	}
	if provider.Kind() == oauth.KindRefreshing && !m.opts.SkipValidation {
		go m.register(token, log)
	}

	t := m.opts.Transports(acct.Username, token)
	if rp, ok := provider.(*oauth.RefreshingProvider); ok {
		rp.OnRefresh(func(tok *oauth2.Token) { t.SetToken(tok.AccessToken) })
	}
	// handlers go in before Connect so nothing is lost once the login completes
	t.OnGroupMessage(func(ev GroupEvent) { m.dispatch(key, normalizeGroup(acct.ID, ev)) })
	t.OnDirectMessage(func(ev DirectEvent) { m.dispatch(key, normalizeDirect(acct.ID, ev)) })
	t.Join(acct.Channel)

	conn := &Connection{
		Key:       key,
		AccountID: acct.ID,
		Username:  acct.Username,
		Channel:   acct.Channel,
		Transport: t,
		Provider:  provider,
		cancel:    cancel,
		lost:      make(chan struct{}),
	}
	t.OnClose(func(err error) { m.lose(conn, err) })

	if err := t.Connect(ctx); err != nil {
		_ = t.Quit()
		cancel()
		telemetry.Inc(telemetry.ConnectAttempts, acct.ID, "error")
		return nil, fmt.Errorf("connect %s: %w", key, err)
	}

	if rp, ok := provider.(*oauth.RefreshingProvider); ok {
		oauth.StartRefresher(connCtx, rp, acct.ID, m.opts.RefreshInterval, m.opts.RefreshWindow)
	}

	conn.Since = time.Now().UTC()
	m.mu.Lock()
	m.conns[key] = conn
	m.mu.Unlock()

	telemetry.Inc(telemetry.ConnectAttempts, acct.ID, "success")
	telemetry.AddConnections(1)
	select {
	case <-conn.lost:
		// dropped between login and registration
		m.lose(conn, conn.lostErr)
		return nil, fmt.Errorf("connect %s: %w", key, conn.lostErr)
	default:
	}
	log.Info("twitch chat connected", slog.String("channel", acct.Channel), slog.String("auth", string(provider.Kind())))
	return conn, nil
}

func (m *Manager) provider(ctx context.Context, acct config.Account, token string, log *slog.Logger) oauth.Provider {
	if strings.TrimSpace(acct.ClientSecret) == "" {
		return oauth.NewStaticProvider(token)
	}
	rp := oauth.NewRefreshingProvider(oauth.RefreshingConfig{
		ClientID:     acct.ClientID,
		ClientSecret: acct.ClientSecret,
		AccessToken:  token,
		RefreshToken: acct.RefreshToken,
		Expiry:       twitchapi.ComputeExpiry(acct.ObtainmentTimestamp, acct.ExpiresIn),
		Endpoint:     m.opts.TokenEndpoint,
		HTTPClient:   m.opts.HTTPClient,
	})
	if m.opts.Store != nil {
		stored, err := m.opts.Store.LoadToken(ctx, TokenKey(acct.ID))
		switch {
		case err != nil:
			log.Warn("load stored token failed", slog.Any("err", err))
		case rp.Seed(stored):
			log.Info("using stored token", slog.Time("expiry", stored.Expiry))
		}
	}
	rp.OnRefresh(func(tok *oauth2.Token) {
		telemetry.Inc(telemetry.TokenRefreshes, acct.ID, "success")
		log.Info("twitch token refreshed", slog.Time("expiry", tok.Expiry))
		if m.opts.Store == nil {
			return
		}
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.opts.Store.SaveToken(sctx, TokenKey(acct.ID), tok); err != nil {
			log.Warn("persist refreshed token failed", slog.Any("err", err))
		}
	})
	rp.OnRefreshFailed(func(err error) {
		telemetry.Inc(telemetry.TokenRefreshes, acct.ID, "error")
		log.Warn("twitch token refresh failed", slog.Any("err", err))
	})
	return rp
}

// register validates the token out of band. The result is informational only.
func (m *Manager) register(token string, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := twitchapi.ValidateToken(ctx, m.opts.HTTPClient, token)
	if err != nil {
		log.Warn("twitch token registration failed", slog.Any("err", err))
		return
	}
	log.Info("twitch token registered", slog.String("login", res.Login), slog.String("user_id", res.UserID))
}

func (m *Manager) dispatch(key string, msg InboundMessage) {
	m.mu.Lock()
	slot := m.handlers[key]
	m.mu.Unlock()
	if slot == nil {
		slog.Debug("inbound message without handler", slog.String("key", key))
		return
	}
	slot.fn(msg)
}

// OnMessage installs h as the only inbound handler for acct's key, replacing any previous one.
// The returned func removes h if it is still installed.
func (m *Manager) OnMessage(acct config.Account, h Handler) func() {
	key := acct.Key()
	slot := &handlerSlot{fn: h}
	m.mu.Lock()
	m.handlers[key] = slot
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.handlers[key] == slot {
			delete(m.handlers, key)
		}
	}
}

// Disconnect closes acct's connection and drops its handler. No-op when not connected.
func (m *Manager) Disconnect(acct config.Account) {
	key := acct.Key()
	m.mu.Lock()
	conn := m.conns[key]
	delete(m.conns, key)
	delete(m.handlers, key)
	m.mu.Unlock()
	if conn != nil {
		m.close(conn)
	}
}

// DisconnectAll closes every connection and clears both registries.
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*Connection)
	m.handlers = make(map[string]*handlerSlot)
	m.mu.Unlock()
	for _, c := range conns {
		m.close(c)
	}
}

func (m *Manager) close(c *Connection) {
	c.closeOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		if err := c.Transport.Quit(); err != nil {
			slog.Warn("twitch chat quit failed", slog.String("key", c.Key), slog.Any("err", err))
		}
		telemetry.AddConnections(-1)
		slog.Info("twitch chat disconnected", slog.String("key", c.Key))
	})
}

// lose handles a transport that stopped on its own: the connection leaves the registry so the
// next GetOrCreate opens a fresh one, and Lost fires for its owner. The inbound handler stays.
func (m *Manager) lose(c *Connection, err error) {
	c.loseOnce.Do(func() {
		c.lostErr = err
		close(c.lost)
	})
	m.mu.Lock()
	registered := m.conns[c.Key] == c
	if registered {
		delete(m.conns, c.Key)
	}
	m.mu.Unlock()
	if !registered {
		return
	}
	slog.Error("twitch chat connection lost", slog.String("key", c.Key), slog.Any("err", err))
	m.close(c)
}

// SendResult reports one outbound send. MessageID is generated locally; Twitch does not return
// one for PRIVMSG.
type SendResult struct {
	OK        bool   `json:"ok"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// SendMessage posts text to channel (acct's own channel when empty) through acct's connection.
// Failures, including panics in the transport, come back in the result.
func (m *Manager) SendMessage(ctx context.Context, acct config.Account, channel, text string) (res SendResult) {
	channel = strings.TrimPrefix(strings.TrimSpace(channel), "#")
	if channel == "" {
		channel = acct.Channel
	}
	ctx, span := telemetry.StartSpan(ctx, "chat.send", telemetry.AccountAttr(acct.ID), telemetry.ChannelAttr(channel))
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			res = SendResult{Error: recoveredError(r).Error()}
		}
		if !res.OK {
			telemetry.Inc(telemetry.SendFailures, acct.ID)
			telemetry.RecordError(span, errors.New(res.Error))
		}
	}()

	conn, err := m.GetOrCreate(ctx, acct)
	if err != nil {
		return SendResult{Error: err.Error()}
	}
	if err := conn.Transport.Say(channel, text); err != nil {
		return SendResult{Error: err.Error()}
	}
	return SendResult{OK: true, MessageID: uuid.NewString()}
}

func recoveredError(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return errors.New(fmt.Sprint(r))
}
