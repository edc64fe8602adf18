package twitchapi

import (
	"os"
	"strings"

	"github.com/thedotmack/clawdbot-twitch/config"
)

// EnvToken supplies a fallback IRC token for the default account only.
const EnvToken = "TWITCH_OAUTH_TOKEN"

// IRCTokenPrefix is the marker Twitch token generators prepend to chat tokens.
const IRCTokenPrefix = "oauth:"

// TokenSource names the tier a token was resolved from.
type TokenSource string

const (
	SourceConfig TokenSource = "config"
	SourceEnv    TokenSource = "env"
	SourceNone   TokenSource = "none"
)

// TokenResolution is computed fresh for every connection attempt. Token is empty when Source is
// SourceNone.
type TokenResolution struct {
	Token  string
	Source TokenSource
}

// Found reports whether a token was resolved.
func (r TokenResolution) Found() bool { return r.Token != "" }

// NormalizeToken trims whitespace and strips a single leading "oauth:".
func NormalizeToken(raw string) string {
	tok := strings.TrimSpace(raw)
	return strings.TrimPrefix(tok, IRCTokenPrefix)
}

// HasIRCPrefix reports whether raw would be altered by prefix stripping.
func HasIRCPrefix(raw string) bool {
	return strings.HasPrefix(strings.TrimSpace(raw), IRCTokenPrefix)
}

// ResolveToken picks the account value, then the base-level value, then (default account only)
// the environment.
func ResolveToken(cfg *config.Config, accountID string) TokenResolution {
	if accountID == "" {
		accountID = config.DefaultAccountID
	}
	if cfg != nil {
		if entry, ok := cfg.Entry(accountID); ok {
			if tok := NormalizeToken(entry.RawToken()); tok != "" {
				return TokenResolution{Token: tok, Source: SourceConfig}
			}
		}
		if tok := NormalizeToken(cfg.RawToken()); tok != "" {
			return TokenResolution{Token: tok, Source: SourceConfig}
		}
	}
	if accountID == config.DefaultAccountID {
		if tok := NormalizeToken(os.Getenv(EnvToken)); tok != "" {
			return TokenResolution{Token: tok, Source: SourceEnv}
		}
	}
	return TokenResolution{Source: SourceNone}
}

// Configured reports whether the account has everything needed to connect.
func Configured(acct config.Account, res TokenResolution) bool {
	return acct.Username != "" && res.Found() && strings.TrimSpace(acct.ClientID) != ""
}
