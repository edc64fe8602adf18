package server

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/thedotmack/clawdbot-twitch/telemetry"
)

// HandleProbe runs a throwaway connection attempt for ?account= and returns its result.
// A failed probe is still a 200; the outcome lives in the body.
func (h *Handlers) HandleProbe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	acct := h.deps.Config.ResolveAccount(accountParam(r))
	if !acct.Declared {
		http.Error(w, fmt.Sprintf("unknown twitch account %q", acct.ID), http.StatusNotFound)
		return
	}
	res := h.deps.Monitor.Probe(r.Context(), acct, h.deps.Config.ProbeTimeout)
	telemetry.LoggerWithCorr(r.Context()).Info("probe finished",
		slog.String("account", acct.ID), slog.Bool("ok", res.OK), slog.Int64("elapsed_ms", res.ElapsedMs))
	writeJSON(w, http.StatusOK, res)
}
