// Package oauth provides the credential strategies used to authenticate chat connections: a
// static token wrapper and a self-refreshing provider backed by golang.org/x/oauth2, plus the
// jittered background refresher that keeps the latter ahead of expiry.
package oauth

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/twitch"
)

// Kind tags a Provider implementation.
type Kind string

const (
	KindStatic     Kind = "static"
	KindRefreshing Kind = "refreshing"
)

// ErrNoRefreshToken is returned by Refresh when the provider was built without a refresh token.
var ErrNoRefreshToken = errors.New("no refresh token configured")

// Provider produces a bearer token for a chat connection on demand.
type Provider interface {
	Kind() Kind
	Token(ctx context.Context) (string, error)
}

// StaticProvider hands out one fixed token.
type StaticProvider struct {
	token string
}

func NewStaticProvider(token string) *StaticProvider {
	return &StaticProvider{token: token}
}

func (p *StaticProvider) Kind() Kind { return KindStatic }

func (p *StaticProvider) Token(context.Context) (string, error) {
	if p.token == "" {
		return "", errors.New("static provider has no token")
	}
	return p.token, nil
}

// RefreshingConfig seeds a RefreshingProvider.
type RefreshingConfig struct {
	ClientID     string
	ClientSecret string
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	// Optional. Defaults to the Twitch token endpoint.
	Endpoint   oauth2.Endpoint
	HTTPClient *http.Client
}

// RefreshingProvider keeps a user access token fresh with the refresh_token grant. Without a
// refresh token it behaves like a static provider; the object exists but never refreshes.
type RefreshingProvider struct {
	conf       *oauth2.Config
	httpClient *http.Client

	mu        sync.Mutex
	current   *oauth2.Token
	onRefresh []func(*oauth2.Token)
	onFailed  []func(error)
}

func NewRefreshingProvider(c RefreshingConfig) *RefreshingProvider {
	ep := c.Endpoint
	if ep.TokenURL == "" {
		ep = twitch.Endpoint
	}
	return &RefreshingProvider{
		conf: &oauth2.Config{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			Endpoint:     ep,
		},
		httpClient: c.HTTPClient,
		current: &oauth2.Token{
			AccessToken:  c.AccessToken,
			RefreshToken: c.RefreshToken,
			TokenType:    "bearer",
			Expiry:       c.Expiry,
		},
	}
}

func (p *RefreshingProvider) Kind() Kind { return KindRefreshing }

// CanRefresh reports whether a refresh token is available.
func (p *RefreshingProvider) CanRefresh() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current.RefreshToken != ""
}

// Current returns a copy of the token in use.
func (p *RefreshingProvider) Current() oauth2.Token {
	p.mu.Lock()
	defer p.mu.Unlock()
	return *p.current
}

// Seed replaces the current token with a stored one when the stored token expires later.
func (p *RefreshingProvider) Seed(tok *oauth2.Token) bool {
	if tok == nil || tok.AccessToken == "" {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.current.Expiry.IsZero() && !tok.Expiry.After(p.current.Expiry) {
		return false
	}
	next := *tok
	if next.RefreshToken == "" {
		next.RefreshToken = p.current.RefreshToken
	}
	p.current = &next
	return true
}

// OnRefresh subscribes to successful refreshes.
func (p *RefreshingProvider) OnRefresh(fn func(*oauth2.Token)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onRefresh = append(p.onRefresh, fn)
}

// OnRefreshFailed subscribes to refresh failures.
func (p *RefreshingProvider) OnRefreshFailed(fn func(error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onFailed = append(p.onFailed, fn)
}

// Token returns the current access token, refreshing first when it has expired and a refresh
// token is available.
func (p *RefreshingProvider) Token(ctx context.Context) (string, error) {
	cur := p.Current()
	if cur.Valid() || cur.RefreshToken == "" {
		if cur.AccessToken == "" {
			return "", errors.New("refreshing provider has no access token")
		}
		return cur.AccessToken, nil
	}
	tok, err := p.Refresh(ctx)
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// Refresh forces a refresh_token grant.
func (p *RefreshingProvider) Refresh(ctx context.Context) (*oauth2.Token, error) {
	p.mu.Lock()
	rt := p.current.RefreshToken
	if rt == "" {
		p.mu.Unlock()
		return nil, ErrNoRefreshToken
	}
	if p.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	}
	next, err := p.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: rt}).Token()
	if err != nil {
		failed := append([]func(error){}, p.onFailed...)
		p.mu.Unlock()
		for _, fn := range failed {
			fn(err)
		}
		return nil, err
	}
	if next.RefreshToken == "" {
		next.RefreshToken = rt
	}
	p.current = next
	refreshed := append([]func(*oauth2.Token){}, p.onRefresh...)
	out := *next
	p.mu.Unlock()
	for _, fn := range refreshed {
		fn(&out)
	}
	return &out, nil
}
