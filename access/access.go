// Package access decides whether an inbound chat message may reach the agent.
//
// Rules run in a fixed order and the first one that applies decides:
//
//  1. messages from the bot itself are dropped
//  2. a sender whose user id is in AllowFrom is accepted outright
//  3. a non-empty AllowedRoles requires "all" or a matching role
//  4. otherwise the policy is open
//
// RequireMention gates whatever survives rules 3 and 4.
package access

import "strings"

// Role tags accepted in AllowedRoles.
const (
	RoleModerator  = "moderator"
	RoleOwner      = "owner"
	RoleVIP        = "vip"
	RoleSubscriber = "subscriber"
	RoleAll        = "all"
)

// Rejection reasons.
const (
	ReasonSelf           = "self message"
	ReasonMissingRole    = "sender lacks an allowed role"
	ReasonMentionMissing = "message does not mention the bot"
	ReasonNotAllowlisted = "sender not in allowFrom"
)

// Sender is the subset of an inbound message the evaluator looks at.
type Sender struct {
	Username string
	UserID   string
	Message  string
	IsMod    bool
	IsOwner  bool
	IsVIP    bool
	IsSub    bool
}

// Policy is the account-level access configuration.
type Policy struct {
	AllowFrom      []string
	AllowedRoles   []string
	RequireMention bool
}

type Decision struct {
	Allowed bool
	Reason  string
}

// Code is a short, bounded label for the decision, suitable for metrics.
func (d Decision) Code() string {
	switch {
	case d.Allowed:
		return "allowed"
	case d.Reason == ReasonSelf:
		return "self"
	case strings.HasPrefix(d.Reason, ReasonMissingRole):
		return "role"
	case d.Reason == ReasonMentionMissing:
		return "mention"
	case d.Reason == ReasonNotAllowlisted:
		return "allowlist"
	}
	return "other"
}

// Evaluate applies policy to a message. botName is compared case-insensitively.
func Evaluate(s Sender, p Policy, botName string) Decision {
	bot := strings.ToLower(strings.TrimSpace(botName))
	if bot != "" && strings.ToLower(s.Username) == bot {
		return Decision{Reason: ReasonSelf}
	}

	if len(p.AllowFrom) > 0 && s.UserID != "" && contains(p.AllowFrom, s.UserID) {
		return Decision{Allowed: true}
	}

	if len(p.AllowedRoles) > 0 {
		if !hasRole(s, p.AllowedRoles) {
			return Decision{Reason: ReasonMissingRole + " (" + strings.Join(p.AllowedRoles, ", ") + ")"}
		}
	} else if len(p.AllowFrom) > 0 {
		// an allowlist miss with no role policy leaves the sender no way in
		return Decision{Reason: ReasonNotAllowlisted}
	}

	if p.RequireMention && !Mentions(s.Message, bot) {
		return Decision{Reason: ReasonMentionMissing}
	}
	return Decision{Allowed: true}
}

// Mentions reports whether text carries an @bot token.
func Mentions(text, bot string) bool {
	if bot == "" {
		return false
	}
	lower := strings.ToLower(text)
	needle := "@" + strings.ToLower(bot)
	for i := strings.Index(lower, needle); i >= 0; {
		end := i + len(needle)
		if end == len(lower) || !isNameByte(lower[end]) {
			return true
		}
		next := strings.Index(lower[end:], needle)
		if next < 0 {
			break
		}
		i = end + next
	}
	return false
}

func hasRole(s Sender, roles []string) bool {
	for _, r := range roles {
		switch strings.ToLower(strings.TrimSpace(r)) {
		case RoleAll:
			return true
		case RoleModerator:
			if s.IsMod {
				return true
			}
		case RoleOwner:
			if s.IsOwner {
				return true
			}
		case RoleVIP:
			if s.IsVIP {
				return true
			}
		case RoleSubscriber:
			if s.IsSub {
				return true
			}
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if strings.TrimSpace(item) == v {
			return true
		}
	}
	return false
}

func isNameByte(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9')
}
