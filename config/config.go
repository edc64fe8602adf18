// Package config loads the Twitch bridge configuration: a JSON5 account tree read from disk
// plus process settings taken from the environment. Account views are derived from the tree on
// every lookup; nothing here caches a resolved account.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/titanous/json5"
)

// DefaultAccountID is the account that may fall back to TWITCH_OAUTH_TOKEN.
const DefaultAccountID = "default"

// DefaultPath is used when TWITCH_BRIDGE_CONFIG is unset.
const DefaultPath = "twitch.json5"

// AccountConfig holds identity, credentials and policy for one bot identity. The same shape is
// used for the base level of the tree and for each entry under "accounts".
type AccountConfig struct {
	Username            string   `json:"username,omitempty"`
	Channel             string   `json:"channel,omitempty"`
	ClientID            string   `json:"clientId,omitempty"`
	Token               string   `json:"token,omitempty"`
	AccessToken         string   `json:"accessToken,omitempty"`
	ClientSecret        string   `json:"clientSecret,omitempty"`
	RefreshToken        string   `json:"refreshToken,omitempty"`
	ExpiresIn           int64    `json:"expiresIn,omitempty"`           // seconds
	ObtainmentTimestamp int64    `json:"obtainmentTimestamp,omitempty"` // unix millis
	Enabled             *bool    `json:"enabled,omitempty"`
	AllowFrom           []string `json:"allowFrom,omitempty"`
	AllowedRoles        []string `json:"allowedRoles,omitempty"`
	RequireMention      *bool    `json:"requireMention,omitempty"`
	AgentID             string   `json:"agentId,omitempty"`
}

// RawToken returns the configured token, preferring accessToken over token.
func (a AccountConfig) RawToken() string {
	if strings.TrimSpace(a.AccessToken) != "" {
		return a.AccessToken
	}
	return a.Token
}

type Config struct {
	// Feature gate for the whole channel.
	Enabled *bool `json:"enabled,omitempty"`
	// StripMarkdown controls outbound markdown removal (default true).
	StripMarkdown *bool `json:"stripMarkdown,omitempty"`

	AccountConfig
	Accounts map[string]AccountConfig `json:"accounts,omitempty"`

	// Process settings (environment only)
	HTTPAddr        string        `json:"-"`
	DBDsn           string        `json:"-"`
	AgentWebhookURL string        `json:"-"`
	AdminToken      string        `json:"-"`
	ProbeTimeout    time.Duration `json:"-"`
}

// Account is the merged per-account view: base-level values filled in wherever the account entry
// leaves a field empty.
type Account struct {
	ID string
	AccountConfig
	// Enabled combines the feature gate with the account flag.
	Enabled bool
	// Declared is false when the id has no entry in the tree.
	Declared bool
}

// Key returns the connection key username:channel.
func (a Account) Key() string {
	return a.Username + ":" + a.Channel
}

// Load reads the config tree from path (missing file = empty tree) and overlays environment
// process settings.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path == "" {
		path = os.Getenv("TWITCH_BRIDGE_CONFIG")
	}
	if path == "" {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err == nil {
		if err := Parse(data, cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes a JSON5 document into cfg.
func Parse(data []byte, cfg *Config) error {
	if err := json5.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.HTTPAddr = os.Getenv("HTTP_ADDR")
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8080"
	}
	c.DBDsn = os.Getenv("DB_DSN")
	c.AgentWebhookURL = os.Getenv("AGENT_WEBHOOK_URL")
	c.AdminToken = os.Getenv("ADMIN_TOKEN")
	c.ProbeTimeout = 10 * time.Second
	if v := os.Getenv("PROBE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return fmt.Errorf("invalid PROBE_TIMEOUT %q", v)
		}
		c.ProbeTimeout = d
	}
	return nil
}

// FeatureEnabled reports the channel-level gate (default true).
func (c *Config) FeatureEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// MarkdownStripping reports whether outbound markdown is removed (default true).
func (c *Config) MarkdownStripping() bool {
	return c.StripMarkdown == nil || *c.StripMarkdown
}

// AccountIDs lists declared accounts in sorted order. A tree with only base-level credentials
// exposes the default account.
func (c *Config) AccountIDs() []string {
	if len(c.Accounts) == 0 {
		if c.Username != "" || c.RawToken() != "" {
			return []string{DefaultAccountID}
		}
		return nil
	}
	ids := make([]string, 0, len(c.Accounts))
	for id := range c.Accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Entry returns the raw account-level entry for id.
func (c *Config) Entry(id string) (AccountConfig, bool) {
	a, ok := c.Accounts[id]
	return a, ok
}

// ResolveAccount merges the base level with the entry for id. It never fails; an undeclared id
// yields the base-level view with Declared=false.
func (c *Config) ResolveAccount(id string) Account {
	if id == "" {
		id = DefaultAccountID
	}
	entry, declared := c.Accounts[id]
	if !declared && id == DefaultAccountID && len(c.Accounts) == 0 {
		declared = c.Username != "" || c.RawToken() != ""
	}
	base := c.AccountConfig

	merged := entry
	pickStr(&merged.Username, base.Username)
	pickStr(&merged.ClientID, base.ClientID)
	pickStr(&merged.ClientSecret, base.ClientSecret)
	pickStr(&merged.RefreshToken, base.RefreshToken)
	pickStr(&merged.AgentID, base.AgentID)
	if merged.RawToken() == "" {
		merged.Token = base.Token
		merged.AccessToken = base.AccessToken
	}
	if merged.Channel == "" {
		merged.Channel = base.Channel
	}
	if merged.ExpiresIn == 0 {
		merged.ExpiresIn = base.ExpiresIn
	}
	if merged.ObtainmentTimestamp == 0 {
		merged.ObtainmentTimestamp = base.ObtainmentTimestamp
	}
	if merged.AllowFrom == nil {
		merged.AllowFrom = base.AllowFrom
	}
	if merged.AllowedRoles == nil {
		merged.AllowedRoles = base.AllowedRoles
	}
	if merged.RequireMention == nil {
		merged.RequireMention = base.RequireMention
	}
	if merged.Enabled == nil {
		merged.Enabled = base.Enabled
	}

	merged.Username = strings.TrimSpace(merged.Username)
	merged.Channel = strings.TrimPrefix(strings.TrimSpace(merged.Channel), "#")
	if merged.Channel == "" {
		merged.Channel = merged.Username
	}

	return Account{
		ID:            id,
		AccountConfig: merged,
		Enabled:       c.FeatureEnabled() && (merged.Enabled == nil || *merged.Enabled),
		Declared:      declared,
	}
}

// MentionRequired reports the requireMention flag (default false).
func (a Account) MentionRequired() bool {
	return a.RequireMention != nil && *a.RequireMention
}

func pickStr(dst *string, fallback string) {
	if strings.TrimSpace(*dst) == "" {
		*dst = fallback
	}
}
