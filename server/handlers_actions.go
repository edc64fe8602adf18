package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/thedotmack/clawdbot-twitch/telemetry"
)

const maxActionBody = 64 << 10

// HandleSend executes the send action with the JSON request body as its arguments.
// Validation and delivery failures are reported in the result with status 200, matching
// what an agent tool call would see.
func (h *Handlers) HandleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxActionBody+1))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if len(body) > maxActionBody {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	res := h.deps.Send.Execute(r.Context(), body)
	if !res.OK {
		telemetry.LoggerWithCorr(r.Context()).Warn("send action failed", slog.String("error", res.Error))
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleSendSchema returns the JSON schema of the send action arguments.
func (h *Handlers) HandleSendSchema(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":        h.deps.Send.Name(),
		"description": h.deps.Send.Description(),
		"parameters":  json.RawMessage(mustJSON(h.deps.Send.Schema())),
	})
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("null")
	}
	return b
}
