// Package router hands accepted chat messages to the agent platform and streams its replies back.
//
// Session keys follow the platform's canonical format:
//
//	agent:{agentId}:twitch:group:{channel}
//	agent:{agentId}:twitch:direct:{username}
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/thedotmack/clawdbot-twitch/chat"
	"github.com/thedotmack/clawdbot-twitch/config"
	"github.com/thedotmack/clawdbot-twitch/telemetry"
)

// ChannelName is the channel segment of every session key.
const ChannelName = "twitch"

// DefaultAgentID is used when an account names no agent.
const DefaultAgentID = "default"

// Route identifies the agent and conversation a message belongs to.
type Route struct {
	AgentID    string `json:"agentId"`
	SessionKey string `json:"sessionKey"`
}

// Deliver sends one reply back to the chat room. Calls are sequential.
type Deliver func(ctx context.Context, text string) error

// AgentRouter is the host platform's routing surface.
type AgentRouter interface {
	ResolveAgentRoute(ctx context.Context, acct config.Account, msg chat.InboundMessage) (Route, error)
	DispatchReply(ctx context.Context, route Route, msg chat.InboundMessage, deliver Deliver) error
}

// SessionKey builds agent:{agentId}:twitch:{group|direct}:{peer}.
func SessionKey(agentID string, msg chat.InboundMessage) string {
	peer := strings.ToLower(msg.Channel)
	if msg.ChatType == chat.ChatDirect {
		peer = strings.ToLower(msg.Username)
	}
	return fmt.Sprintf("agent:%s:%s:%s:%s", agentID, ChannelName, msg.ChatType, peer)
}

func resolve(acct config.Account, msg chat.InboundMessage) Route {
	agent := strings.TrimSpace(acct.AgentID)
	if agent == "" {
		agent = DefaultAgentID
	}
	return Route{AgentID: agent, SessionKey: SessionKey(agent, msg)}
}

// WebhookRouter posts each message to an HTTP endpoint and relays the replies it returns.
type WebhookRouter struct {
	URL    string
	Client *http.Client
}

func NewWebhookRouter(url string) *WebhookRouter {
	return &WebhookRouter{URL: url, Client: telemetry.HTTPClient(2 * time.Minute)}
}

func (w *WebhookRouter) ResolveAgentRoute(_ context.Context, acct config.Account, msg chat.InboundMessage) (Route, error) {
	return resolve(acct, msg), nil
}

type webhookSender struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
	IsMod       bool   `json:"isMod"`
	IsOwner     bool   `json:"isOwner"`
	IsVIP       bool   `json:"isVip"`
	IsSub       bool   `json:"isSub"`
}

type webhookRequest struct {
	AgentID    string        `json:"agentId"`
	SessionKey string        `json:"sessionKey"`
	AccountID  string        `json:"accountId"`
	Channel    string        `json:"channel"`
	ChatType   chat.ChatType `json:"chatType"`
	MessageID  string        `json:"messageId,omitempty"`
	Message    string        `json:"message"`
	Timestamp  time.Time     `json:"timestamp"`
	Sender     webhookSender `json:"sender"`
}

type webhookResponse struct {
	Replies []string `json:"replies"`
}

// DispatchReply posts msg and delivers every non-empty reply in order, stopping at the first
// delivery error.
func (w *WebhookRouter) DispatchReply(ctx context.Context, route Route, msg chat.InboundMessage, deliver Deliver) error {
	body, err := json.Marshal(webhookRequest{
		AgentID:    route.AgentID,
		SessionKey: route.SessionKey,
		AccountID:  msg.AccountID,
		Channel:    msg.Channel,
		ChatType:   msg.ChatType,
		MessageID:  msg.ID,
		Message:    msg.Message,
		Timestamp:  msg.Timestamp,
		Sender: webhookSender{
			ID: msg.UserID, Username: msg.Username, DisplayName: msg.DisplayName,
			IsMod: msg.IsMod, IsOwner: msg.IsOwner, IsVIP: msg.IsVIP, IsSub: msg.IsSub,
		},
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if corr := telemetry.GetCorrelation(ctx); corr != "" {
		req.Header.Set("X-Correlation-ID", corr)
	}
	hc := w.Client
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("agent webhook: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("agent webhook: %s: %s", resp.Status, strings.TrimSpace(string(b)))
	}
	var out webhookResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("agent webhook: decode: %w", err)
	}
	for _, reply := range out.Replies {
		if strings.TrimSpace(reply) == "" {
			continue
		}
		if err := deliver(ctx, reply); err != nil {
			return err
		}
	}
	return nil
}

// LogRouter accepts every message and never replies. It keeps the bridge observable when no
// agent endpoint is configured.
type LogRouter struct{}

func (LogRouter) ResolveAgentRoute(_ context.Context, acct config.Account, msg chat.InboundMessage) (Route, error) {
	return resolve(acct, msg), nil
}

func (LogRouter) DispatchReply(ctx context.Context, route Route, msg chat.InboundMessage, _ Deliver) error {
	telemetry.LoggerWithCorr(ctx).Info("chat message received",
		slog.String("session", route.SessionKey),
		slog.String("from", msg.Username),
		slog.Int("len", len(msg.Message)))
	return nil
}
