// Package monitor runs one account session: it consumes inbound chat messages, applies access
// control, hands accepted messages to the agent router and delivers the replies back to chat.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/thedotmack/clawdbot-twitch/access"
	"github.com/thedotmack/clawdbot-twitch/chat"
	"github.com/thedotmack/clawdbot-twitch/config"
	"github.com/thedotmack/clawdbot-twitch/router"
	"github.com/thedotmack/clawdbot-twitch/status"
	"github.com/thedotmack/clawdbot-twitch/telemetry"
	"github.com/thedotmack/clawdbot-twitch/textfmt"
)

// QueueSize bounds the inbound messages waiting for the agent per account.
const QueueSize = 64

// Monitor wires the connection manager to the agent router.
type Monitor struct {
	mgr    *chat.Manager
	router router.AgentRouter
	store  *status.Store
	strip  bool
}

func New(mgr *chat.Manager, r router.AgentRouter, store *status.Store, stripMarkdown bool) *Monitor {
	return &Monitor{mgr: mgr, router: r, store: store, strip: stripMarkdown}
}

// Run connects acct and serves it until ctx is cancelled or the connection is lost for good.
// Cancellation only removes the inbound handler; replies already being delivered run to
// completion. A lost connection is recorded in the snapshot and returned.
func (m *Monitor) Run(ctx context.Context, acct config.Account) error {
	log := slog.With(slog.String("component", "monitor"), slog.String("account", acct.ID))

	conn, err := m.mgr.GetOrCreate(ctx, acct)
	if err != nil {
		m.store.Update(acct.ID, func(s *status.Snapshot) {
			s.Running = false
			s.LastError = err.Error()
		})
		log.Error("twitch account failed to start", slog.Any("err", err))
		return err
	}

	queue := make(chan chat.InboundMessage, QueueSize)
	unregister := m.mgr.OnMessage(acct, func(msg chat.InboundMessage) {
		select {
		case queue <- msg:
		default:
			log.Warn("inbound queue full; dropping message", slog.String("from", msg.Username))
		}
	})

	m.store.Update(acct.ID, func(s *status.Snapshot) {
		s.Running = true
		s.LastStartAt = time.Now().UTC()
		s.LastError = ""
	})
	log.Info("twitch account started", slog.String("channel", acct.Channel))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	work := context.WithoutCancel(ctx)
	go func() {
		for {
			select {
			case <-runCtx.Done():
				return
			case msg := <-queue:
				m.Handle(work, acct, msg)
			}
		}
	}()

	var lost error
	select {
	case <-ctx.Done():
	case <-conn.Lost():
		lost = conn.Err()
	}
	unregister()
	m.store.Update(acct.ID, func(s *status.Snapshot) {
		s.Running = false
		s.LastStopAt = time.Now().UTC()
		if lost != nil {
			s.LastError = lost.Error()
		}
	})
	if lost != nil {
		log.Error("twitch account connection lost", slog.Any("err", lost))
		return lost
	}
	log.Info("twitch account stopped")
	return nil
}

// Handle processes one inbound message synchronously.
func (m *Monitor) Handle(ctx context.Context, acct config.Account, msg chat.InboundMessage) {
	start := time.Now()
	telemetry.Inc(telemetry.InboundMessages, acct.ID, string(msg.ChatType))
	m.store.Touch(acct.ID, func(s *status.Snapshot) { s.LastInboundAt = start.UTC() })

	dec := access.Evaluate(access.Sender{
		Username: msg.Username,
		UserID:   msg.UserID,
		Message:  msg.Message,
		IsMod:    msg.IsMod,
		IsOwner:  msg.IsOwner,
		IsVIP:    msg.IsVIP,
		IsSub:    msg.IsSub,
	}, access.Policy{
		AllowFrom:      acct.AllowFrom,
		AllowedRoles:   acct.AllowedRoles,
		RequireMention: acct.MentionRequired(),
	}, acct.Username)
	if !dec.Allowed {
		telemetry.Inc(telemetry.AccessDenied, acct.ID, dec.Code())
		slog.Debug("chat message rejected",
			slog.String("account", acct.ID), slog.String("from", msg.Username), slog.String("reason", dec.Reason))
		return
	}

	corr := msg.ID
	if corr == "" {
		corr = uuid.NewString()
	}
	ctx = telemetry.WithCorrelation(ctx, corr)
	ctx, span := telemetry.StartSpan(ctx, "monitor.handle", telemetry.AccountAttr(acct.ID), telemetry.ChannelAttr(msg.Channel))
	defer span.End()
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("account", acct.ID))

	route, err := m.router.ResolveAgentRoute(ctx, acct, msg)
	if err != nil {
		telemetry.RecordError(span, err)
		log.Warn("resolve agent route failed", slog.Any("err", err))
		return
	}
	sent := 0
	err = m.router.DispatchReply(ctx, route, msg, func(ctx context.Context, text string) error {
		n, err := m.Deliver(ctx, acct, msg.Channel, text)
		sent += n
		return err
	})
	if err != nil {
		telemetry.RecordError(span, err)
		m.store.Update(acct.ID, func(s *status.Snapshot) { s.LastError = err.Error() })
		log.Warn("agent reply failed", slog.String("session", route.SessionKey), slog.Any("err", err))
		return
	}
	if sent > 0 {
		telemetry.Observe(telemetry.ReplyDuration, time.Since(start))
	}
}

// Deliver prepares text for chat and sends its chunks one after another, stopping at the first
// failure. It returns the number of chunks sent.
func (m *Monitor) Deliver(ctx context.Context, acct config.Account, channel, text string) (int, error) {
	sent := 0
	for _, chunk := range textfmt.Prepare(text, m.strip) {
		res := m.SendMessage(ctx, acct, channel, chunk)
		if !res.OK {
			return sent, errors.New(res.Error)
		}
		sent++
	}
	return sent, nil
}

// SendMessage sends one chat line and records it in the outbound statistics of acct.
func (m *Monitor) SendMessage(ctx context.Context, acct config.Account, channel, text string) chat.SendResult {
	res := m.mgr.SendMessage(ctx, acct, channel, text)
	if res.OK {
		telemetry.Inc(telemetry.OutboundChunks, acct.ID)
		m.store.Touch(acct.ID, func(s *status.Snapshot) { s.LastOutboundAt = time.Now().UTC() })
	}
	return res
}

// Probe runs a connectivity probe for acct and records it in the account snapshot.
func (m *Monitor) Probe(ctx context.Context, acct config.Account, timeout time.Duration) chat.ProbeResult {
	res := m.mgr.Probe(ctx, acct, timeout)
	m.store.Update(acct.ID, func(s *status.Snapshot) {
		s.LastProbeAt = time.Now().UTC()
		s.Probe = &res
	})
	return res
}
