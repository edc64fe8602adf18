package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/thedotmack/clawdbot-twitch/config"
	"github.com/thedotmack/clawdbot-twitch/twitchapi"
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	deps Deps
	now  func() time.Time
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{deps: deps, now: time.Now}
}

// lookup resolves a declared account for issue collection.
func (h *Handlers) lookup(id string) (config.Account, bool) {
	acct := h.deps.Config.ResolveAccount(id)
	return acct, acct.Declared
}

// runnable reports whether acct is enabled and has credentials to connect with.
func (h *Handlers) runnable(acct config.Account) bool {
	return acct.Enabled && twitchapi.Configured(acct, twitchapi.ResolveToken(h.deps.Config, acct.ID))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
