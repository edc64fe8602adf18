package server

import (
	"net/http"

	"github.com/thedotmack/clawdbot-twitch/status"
)

type statusResponse struct {
	Channel  string            `json:"channel"`
	Enabled  bool              `json:"enabled"`
	Accounts []status.Snapshot `json:"accounts"`
	Issues   []status.Issue    `json:"issues"`
}

// HandleStatus reports every account snapshot together with the issues derived from it.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snaps := h.deps.Status.All()
	issues := status.CollectIssues(snaps, h.lookup, h.now())
	if issues == nil {
		issues = []status.Issue{}
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Channel:  status.ChannelName,
		Enabled:  h.deps.Config.FeatureEnabled(),
		Accounts: snaps,
		Issues:   issues,
	})
}
