package oauth

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"golang.org/x/oauth2"
)

// TokenStore persists refreshed tokens so restarts pick up the latest credential.
type TokenStore interface {
	LoadToken(ctx context.Context, key string) (*oauth2.Token, error)
	SaveToken(ctx context.Context, key string, tok *oauth2.Token) error
}

// StartRefresher launches a goroutine that wakes every interval (with jitter) and refreshes p
// once its remaining lifetime drops to window or below. Providers without a refresh token or
// without a known expiry are left alone.
func StartRefresher(ctx context.Context, p *RefreshingProvider, account string, interval, window time.Duration) {
	if !p.CanRefresh() {
		slog.Debug("token refresher not started: no refresh token", slog.String("account", account))
		return
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	//nolint:gosec // G404: scheduling jitter only
	initialJitter := time.Duration(rand.Int63n(int64(interval/2) + 1))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			if due(p, window) {
				ctx2, cancel := context.WithTimeout(ctx, 15*time.Second)
				// failures are reported through OnRefreshFailed subscribers
				_, _ = p.Refresh(ctx2)
				cancel()
			}

			jitterRange := int64(interval / 5)
			//nolint:gosec // G404: scheduling jitter only
			jitter := time.Duration(rand.Int63n(jitterRange*2+1) - jitterRange)
			nextSleep := interval + jitter
			if nextSleep < interval/2 {
				nextSleep = interval / 2
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(nextSleep):
			}
		}
	}()
}

func due(p *RefreshingProvider, window time.Duration) bool {
	cur := p.Current()
	if cur.Expiry.IsZero() {
		return false
	}
	return time.Until(cur.Expiry) <= window
}
