// Package status tracks per-account runtime snapshots and derives diagnosable issues from them.
package status

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/thedotmack/clawdbot-twitch/chat"
	"github.com/thedotmack/clawdbot-twitch/config"
)

// Snapshot is the runtime record of one account. Snapshots are overwritten, never removed.
type Snapshot struct {
	AccountID      string            `json:"accountId"`
	Enabled        bool              `json:"enabled"`
	Configured     bool              `json:"configured"`
	Running        bool              `json:"running"`
	LastStartAt    time.Time         `json:"lastStartAt,omitzero"`
	LastStopAt     time.Time         `json:"lastStopAt,omitzero"`
	LastError      string            `json:"lastError,omitempty"`
	LastInboundAt  time.Time         `json:"lastInboundAt,omitzero"`
	LastOutboundAt time.Time         `json:"lastOutboundAt,omitzero"`
	LastProbeAt    time.Time         `json:"lastProbeAt,omitzero"`
	Probe          *chat.ProbeResult `json:"probe,omitempty"`
}

// Persister mirrors snapshots to durable storage.
type Persister interface {
	SaveSnapshot(ctx context.Context, s Snapshot) error
}

// TouchPersistInterval is the minimum spacing between persisted activity-only updates of one
// account.
const TouchPersistInterval = 30 * time.Second

// Store holds the latest snapshot per account.
type Store struct {
	mu      sync.Mutex
	snaps   map[string]Snapshot
	saved   map[string]time.Time
	persist Persister
	now     func() time.Time
}

// NewStore creates a store. p may be nil.
func NewStore(p Persister) *Store {
	return &Store{
		snaps:   make(map[string]Snapshot),
		saved:   make(map[string]time.Time),
		persist: p,
		now:     time.Now,
	}
}

// Update applies fn to the snapshot of id (created empty on first use), persists it and returns
// the result. Use it for lifecycle changes.
func (s *Store) Update(id string, fn func(*Snapshot)) Snapshot {
	return s.apply(id, fn, true)
}

// Touch is Update for per-message activity timestamps. The change is always visible in memory but
// reaches the persister at most once per TouchPersistInterval.
func (s *Store) Touch(id string, fn func(*Snapshot)) Snapshot {
	return s.apply(id, fn, false)
}

func (s *Store) apply(id string, fn func(*Snapshot), force bool) Snapshot {
	s.mu.Lock()
	snap := s.snaps[id]
	snap.AccountID = id
	fn(&snap)
	s.snaps[id] = snap
	save := s.persist != nil
	if save {
		now := s.now()
		if !force && now.Sub(s.saved[id]) < TouchPersistInterval {
			save = false
		} else {
			s.saved[id] = now
		}
	}
	s.mu.Unlock()

	if save {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.persist.SaveSnapshot(ctx, snap); err != nil {
			slog.Warn("persist status snapshot failed", slog.String("account", id), slog.Any("err", err))
		}
	}
	return snap
}

// Ensure records the configuration facts of acct without touching runtime fields.
func (s *Store) Ensure(acct config.Account, configured bool) Snapshot {
	return s.Update(acct.ID, func(snap *Snapshot) {
		snap.Enabled = acct.Enabled
		snap.Configured = configured
	})
}

func (s *Store) Get(id string) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snaps[id]
	return snap, ok
}

// All returns every snapshot ordered by account id.
func (s *Store) All() []Snapshot {
	s.mu.Lock()
	out := make([]Snapshot, 0, len(s.snaps))
	for _, snap := range s.snaps {
		out = append(out, snap)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

// Restore loads previously persisted snapshots. Restored accounts are marked not running.
func (s *Store) Restore(snaps []Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, snap := range snaps {
		snap.Running = false
		s.snaps[snap.AccountID] = snap
	}
}
