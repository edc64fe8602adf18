package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// HandleHealthz responds to liveness probes. It only proves the process serves HTTP.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz runs readiness checks in order and reports the first failure.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error {
			if h.deps.DB == nil {
				return nil
			}
			return h.deps.DB.PingContext(r.Context())
		}},
		{"accounts", func() error {
			if !h.deps.Config.FeatureEnabled() {
				return errors.New("twitch channel disabled")
			}
			for _, id := range h.deps.Config.AccountIDs() {
				if h.runnable(h.deps.Config.ResolveAccount(id)) {
					return nil
				}
			}
			return errors.New("no enabled account with credentials")
		}},
		{"connections", func() error {
			var down []string
			for _, id := range h.deps.Config.AccountIDs() {
				acct := h.deps.Config.ResolveAccount(id)
				if !h.runnable(acct) {
					continue
				}
				if snap, ok := h.deps.Status.Get(id); !ok || !snap.Running {
					down = append(down, id)
				}
			}
			if len(down) > 0 {
				return fmt.Errorf("not running: %s", strings.Join(down, ","))
			}
			return nil
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
