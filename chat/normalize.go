package chat

import (
	"strings"
	"time"
)

// ChatType distinguishes channel chat from whispers.
type ChatType string

const (
	ChatGroup  ChatType = "group"
	ChatDirect ChatType = "direct"
)

// InboundMessage is the canonical form of one received chat line.
type InboundMessage struct {
	AccountID   string
	Username    string
	DisplayName string
	UserID      string
	Message     string
	// Channel never carries the leading '#'. For whispers it is the sender's login.
	Channel   string
	ID        string
	Timestamp time.Time
	IsMod     bool
	IsOwner   bool
	IsVIP     bool
	IsSub     bool
	ChatType  ChatType
}

func normalizeGroup(accountID string, ev GroupEvent) InboundMessage {
	m := fromUser(accountID, ev.Sender, ev.Text, ev.Time)
	m.Channel = strings.TrimPrefix(ev.Channel, "#")
	m.ID = ev.ID
	m.ChatType = ChatGroup
	return m
}

func normalizeDirect(accountID string, ev DirectEvent) InboundMessage {
	m := fromUser(accountID, ev.Sender, ev.Text, ev.Time)
	m.Channel = ev.Sender.Name
	m.ChatType = ChatDirect
	return m
}

func fromUser(accountID string, u ChatUser, text string, ts time.Time) InboundMessage {
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return InboundMessage{
		AccountID:   accountID,
		Username:    u.Name,
		DisplayName: u.DisplayName,
		UserID:      u.ID,
		Message:     text,
		Timestamp:   ts,
		IsMod:       u.IsMod,
		IsOwner:     u.IsBroadcaster,
		IsVIP:       u.IsVIP,
		IsSub:       u.IsSub,
	}
}
