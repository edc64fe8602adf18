package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/thedotmack/clawdbot-twitch/config"
	"github.com/thedotmack/clawdbot-twitch/telemetry"
	"github.com/thedotmack/clawdbot-twitch/twitchapi"
)

// ErrProbeTimeout is reported when the probe connection does not complete in time.
var ErrProbeTimeout = errors.New("probe timed out")

// DefaultProbeTimeout applies when Probe is given a non-positive timeout.
const DefaultProbeTimeout = 10 * time.Second

// ProbeResult is the outcome of one connectivity check.
type ProbeResult struct {
	OK        bool   `json:"ok"`
	Connected bool   `json:"connected,omitempty"`
	Username  string `json:"username"`
	Channel   string `json:"channel"`
	ElapsedMs int64  `json:"elapsedMs"`
	Error     string `json:"error,omitempty"`
}

// Probe opens a throwaway connection for acct, independent of the managed one, and reports
// whether login completes within timeout. The transport is always closed before returning.
func (m *Manager) Probe(ctx context.Context, acct config.Account, timeout time.Duration) (res ProbeResult) {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	start := time.Now()
	res = ProbeResult{Username: acct.Username, Channel: acct.Channel}

	var t Transport
	defer func() {
		if r := recover(); r != nil {
			res.OK, res.Connected = false, false
			res.Error = recoveredError(r).Error()
		}
		if t != nil {
			if err := t.Quit(); err != nil {
				slog.Debug("probe quit", slog.String("account", acct.ID), slog.Any("err", err))
			}
		}
		elapsed := time.Since(start)
		res.ElapsedMs = elapsed.Milliseconds()
		telemetry.Observe(telemetry.ProbeDuration, elapsed)
	}()

	tok := twitchapi.ResolveToken(m.cfg, acct.ID)
	if !tok.Found() {
		res.Error = ErrMissingToken.Error()
		return res
	}
	if strings.TrimSpace(acct.ClientID) == "" {
		res.Error = ErrMissingClientID.Error()
		return res
	}

	t = m.opts.Transports(acct.Username, tok.Token)
	t.Join(acct.Channel)

	pctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errc := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errc <- recoveredError(r)
			}
		}()
		errc <- t.Connect(pctx)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-errc:
		if err != nil {
			res.Error = err.Error()
			return res
		}
		res.OK, res.Connected = true, true
	case <-timer.C:
		res.Error = fmt.Errorf("%w after %s", ErrProbeTimeout, timeout).Error()
	case <-ctx.Done():
		res.Error = ctx.Err().Error()
	}
	return res
}
