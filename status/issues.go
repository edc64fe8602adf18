package status

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/thedotmack/clawdbot-twitch/access"
	"github.com/thedotmack/clawdbot-twitch/config"
	"github.com/thedotmack/clawdbot-twitch/twitchapi"
)

// ChannelName labels every issue this bridge reports.
const ChannelName = "twitch"

// LongUptime is how long a connection may run before a reconnect is suggested.
const LongUptime = 7 * 24 * time.Hour

type Kind string

const (
	KindIntent      Kind = "intent"
	KindPermissions Kind = "permissions"
	KindConfig      Kind = "config"
	KindAuth        Kind = "auth"
	KindRuntime     Kind = "runtime"
)

// Issue is one diagnosable problem with an account.
type Issue struct {
	Channel   string `json:"channel"`
	AccountID string `json:"accountId"`
	Kind      Kind   `json:"kind"`
	Message   string `json:"message"`
	Fix       string `json:"fix,omitempty"`
}

// Lookup returns the live configuration for an account id.
type Lookup func(accountID string) (config.Account, bool)

// CollectIssues inspects snapshots (and, when lookup is non-nil, the live configuration) and
// reports problems. Unconfigured or disabled accounts yield a single issue each.
func CollectIssues(snaps []Snapshot, lookup Lookup, now time.Time) []Issue {
	var issues []Issue
	for _, snap := range snaps {
		add := func(kind Kind, msg, fix string) {
			issues = append(issues, Issue{Channel: ChannelName, AccountID: snap.AccountID, Kind: kind, Message: msg, Fix: fix})
		}

		if !snap.Configured {
			add(KindConfig, "Twitch account is not configured",
				"Set username, token (or TWITCH_OAUTH_TOKEN for the default account) and clientId.")
			continue
		}
		if !snap.Enabled {
			add(KindConfig, "Twitch account is disabled", "Set enabled: true to start it.")
			continue
		}

		if lookup != nil {
			if acct, ok := lookup(snap.AccountID); ok {
				configIssues(acct, add)
			}
		}

		if snap.LastError != "" {
			add(KindRuntime, "Last error: "+snap.LastError, "Check credentials and network, then restart the account.")
		}
		if snap.LastStartAt.IsZero() && snap.LastInboundAt.IsZero() && snap.LastOutboundAt.IsZero() {
			add(KindRuntime, "Account is configured but has never started, received or sent a message",
				"Make sure the bridge was started for this account.")
		}
		if snap.Running && !snap.LastStartAt.IsZero() && now.Sub(snap.LastStartAt) > LongUptime {
			add(KindRuntime, fmt.Sprintf("Connection has been up for %s", now.Sub(snap.LastStartAt).Round(time.Hour)),
				"Consider restarting the account to pick up a fresh session.")
		}
	}
	return issues
}

func configIssues(acct config.Account, add func(kind Kind, msg, fix string)) {
	if strings.TrimSpace(acct.ClientID) == "" {
		add(KindConfig, "clientId is missing", "Set clientId from your Twitch application.")
	}
	raw := acct.RawToken()
	if raw == "" && acct.ID == config.DefaultAccountID {
		raw = os.Getenv(twitchapi.EnvToken)
	}
	if twitchapi.HasIRCPrefix(raw) {
		add(KindAuth, `Token starts with "oauth:"; the prefix is stripped automatically`,
			`Optionally remove the "oauth:" prefix from the configured token.`)
	}
	if acct.ClientSecret != "" && acct.RefreshToken == "" {
		add(KindAuth, "clientSecret is set without refreshToken; the token cannot be refreshed",
			"Add refreshToken or remove clientSecret.")
	}
	if acct.AllowFrom != nil && len(acct.AllowFrom) == 0 {
		add(KindPermissions, "allowFrom is present but empty",
			"Add user ids to allowFrom or remove the key.")
	}
	if len(acct.AllowFrom) > 0 {
		for _, r := range acct.AllowedRoles {
			if strings.EqualFold(r, access.RoleAll) {
				add(KindPermissions, `allowedRoles includes "all" while allowFrom is set; allowFrom is redundant`,
					`Remove "all" from allowedRoles or drop allowFrom.`)
				break
			}
		}
	}
}
