// Package actions exposes bridge operations as tool calls with JSON-described parameters.
package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"

	"github.com/thedotmack/clawdbot-twitch/chat"
	"github.com/thedotmack/clawdbot-twitch/config"
	"github.com/thedotmack/clawdbot-twitch/textfmt"
)

// SendActionName is the tool name agents call.
const SendActionName = "twitch_send"

// SendParams are the arguments of the send action.
type SendParams struct {
	Channel   string `json:"channel" jsonschema:"description=Chat room to post in. A leading # is ignored. Empty means the account's own channel."`
	Message   string `json:"message" jsonschema:"description=Text to send. Markdown is stripped and long text is split into several chat messages."`
	AccountID string `json:"accountId,omitempty" jsonschema:"description=Bridge account to send from. Defaults to the default account."`
}

// Sender is the part of the connection manager the action needs.
type Sender interface {
	SendMessage(ctx context.Context, acct config.Account, channel, text string) chat.SendResult
}

// SendAction posts a message to a Twitch channel on behalf of the agent.
type SendAction struct {
	cfg    *config.Config
	sender Sender
}

func NewSendAction(cfg *config.Config, sender Sender) *SendAction {
	return &SendAction{cfg: cfg, sender: sender}
}

func (a *SendAction) Name() string { return SendActionName }

func (a *SendAction) Description() string {
	return "Send a message to a Twitch chat channel."
}

// Schema describes SendParams.
func (a *SendAction) Schema() *jsonschema.Schema {
	r := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	return r.Reflect(&SendParams{})
}

// Execute decodes raw arguments and sends. Problems are reported in the result.
func (a *SendAction) Execute(ctx context.Context, raw json.RawMessage) chat.SendResult {
	var p SendParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return chat.SendResult{Error: fmt.Sprintf("invalid arguments: %v", err)}
	}
	return a.Send(ctx, p)
}

// Send validates p, resolves the account and delivers the prepared chunks in order. The result
// carries the id of the first chunk.
func (a *SendAction) Send(ctx context.Context, p SendParams) chat.SendResult {
	if strings.TrimSpace(p.Message) == "" {
		return chat.SendResult{Error: "message is required"}
	}
	acct := a.cfg.ResolveAccount(p.AccountID)
	if !acct.Declared {
		return chat.SendResult{Error: fmt.Sprintf("unknown twitch account %q", acct.ID)}
	}
	if !acct.Enabled {
		return chat.SendResult{Error: fmt.Sprintf("twitch account %q is disabled", acct.ID)}
	}

	var first chat.SendResult
	for i, chunk := range textfmt.Prepare(p.Message, a.cfg.MarkdownStripping()) {
		res := a.sender.SendMessage(ctx, acct, p.Channel, chunk)
		if !res.OK {
			return res
		}
		if i == 0 {
			first = res
		}
	}
	if !first.OK {
		return chat.SendResult{Error: "message is empty after formatting"}
	}
	return first
}

// ExecuteJSON is Execute with a JSON-encoded result.
func (a *SendAction) ExecuteJSON(ctx context.Context, raw json.RawMessage) json.RawMessage {
	out, err := json.Marshal(a.Execute(ctx, raw))
	if err != nil {
		return json.RawMessage(fmt.Sprintf(`{"ok":false,"error":%q}`, err.Error()))
	}
	return out
}
