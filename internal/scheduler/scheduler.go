// Package scheduler drives the session lifecycle on a 1s tick: it
// promotes pending sessions whose wait has elapsed, expires active
// sessions past their end, fires a one-time SessionExpiring notification
// inside the pre-expiry window, and recomputes the effective blocked set
// every tick, publishing it whenever it differs from the last one
// published (spec.md §4.3). It writes the lifecycle transitions; the
// Control Interface writes admissions and cancellations. The Daemon runs
// each Tick through the Control Interface's single-writer queue, so the
// two never interleave (SPEC_FULL.md §5).
package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/tavinathanson/taviblock/internal/clock"
	"github.com/tavinathanson/taviblock/internal/config"
	"github.com/tavinathanson/taviblock/internal/eventbus"
	"github.com/tavinathanson/taviblock/internal/model"
	"github.com/tavinathanson/taviblock/internal/store"
)

// PreExpiryWindow is how far ahead of a session's End the Scheduler fires
// SessionExpiring, giving the Active Enforcer room to prompt the user
// (spec.md §4.5).
const PreExpiryWindow = 60 * time.Second

// TickInterval is the cadence of the Scheduler's single tick task.
const TickInterval = 1 * time.Second

// Scheduler owns the tick loop. It is not safe for concurrent Tick calls;
// Run serialises everything onto one goroutine.
type Scheduler struct {
	cfgRef *config.Ref
	store  *store.Store
	bus    *eventbus.Bus
	clock  clock.Clock
	logger *log.Logger

	lastBlockedKey string // join of the last published blocked set, to suppress redundant publishes
}

// New constructs a Scheduler. logger may be nil, in which case
// log.Default() is used, matching the rest of this corpus's logging
// style.
func New(cfgRef *config.Ref, st *store.Store, bus *eventbus.Bus, clk clock.Clock, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.Default()
	}
	return &Scheduler{cfgRef: cfgRef, store: st, bus: bus, clock: clk, logger: logger}
}

func (s *Scheduler) cfg() *config.Config { return s.cfgRef.Load() }

// Run blocks, ticking every TickInterval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.logger.Printf("scheduler: tick error: %v", err)
			}
		}
	}
}

// Tick runs one lifecycle pass: promote, expire, notify, publish. It is
// exported so the Daemon's work-queue dispatcher can interleave it with
// Control Interface requests on the same goroutine (SPEC_FULL.md §5).
func (s *Scheduler) Tick(ctx context.Context) error {
	now := s.clock.Now()

	sessions, err := s.store.ListSessions(ctx, store.SessionFilter{})
	if err != nil {
		return err
	}

	for _, sess := range sessions {
		switch sess.State {
		case model.Pending:
			if !now.Before(sess.EffectiveStart) {
				if err := s.store.UpdateSessionState(ctx, sess.ID, model.Active, nil); err != nil {
					return err
				}
				s.bus.Publish(eventbus.Event{Type: eventbus.EventSessionActivated, Data: &eventbus.SessionActivatedData{SessionID: sess.ID}})
			}
		case model.Active:
			if !now.Before(sess.End) {
				if err := s.expire(ctx, sess, now); err != nil {
					return err
				}
				continue
			}
			if !sess.NotifiedExpiring && sess.End.Sub(now) <= PreExpiryWindow {
				if err := s.store.MarkNotifiedExpiring(ctx, sess.ID); err != nil {
					return err
				}
				s.bus.Publish(eventbus.Event{
					Type: eventbus.EventSessionExpiring,
					Data: &eventbus.SessionExpiringData{SessionID: sess.ID, Remaining: int64(sess.End.Sub(now).Seconds())},
				})
			}
		}
	}

	return s.publishBlockedSet(ctx)
}

// expire transitions sess to Expired, records a bypass marker for its
// profile when that profile declares a cooldown (spec.md §4.2 step 2's
// counterpart on the write side), and publishes SessionExpired.
func (s *Scheduler) expire(ctx context.Context, sess model.Session, now time.Time) error {
	if err := s.store.UpdateSessionState(ctx, sess.ID, model.Expired, nil); err != nil {
		return err
	}
	if profile, ok := s.cfg().Profiles[sess.Profile]; ok && profile.CooldownSeconds > 0 {
		if err := s.store.RecordBypass(ctx, sess.Profile, now); err != nil {
			return err
		}
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.EventSessionExpired, Data: &eventbus.SessionExpiredData{SessionID: sess.ID}})
	return nil
}

// EffectiveBlockedSet computes the domains currently blocked: every
// configured domain except those covered by a session whose current
// state is active. A pending session's domains remain blocked for the
// duration of its wait; only promotion to active lifts them (spec.md
// §4.1's hosts invariant, §8 scenario 1).
func EffectiveBlockedSet(cfg *config.Config, sessions []model.Session) []string {
	allowed := make(map[string]bool)
	for _, sess := range sessions {
		if sess.State != model.Active {
			continue
		}
		if sess.All {
			return nil // every domain unblocked; nothing to add to the managed region
		}
		for _, t := range sess.Targets {
			for _, d := range cfg.DomainsFor([]string{t}) {
				allowed[d] = true
			}
		}
	}
	var out []string
	for _, d := range cfg.AllDomains() {
		if !allowed[d] {
			out = append(out, d)
		}
	}
	return out
}

func (s *Scheduler) publishBlockedSet(ctx context.Context) error {
	sessions, err := s.store.ListSessions(ctx, store.SessionFilter{})
	if err != nil {
		return err
	}
	domains := EffectiveBlockedSet(s.cfg(), sessions)
	key := blockedSetKey(domains)
	if key == s.lastBlockedKey {
		return nil
	}
	s.lastBlockedKey = key
	s.bus.Publish(eventbus.Event{Type: eventbus.EventBlockedSetChanged, Data: &eventbus.BlockedSetChangedData{Domains: domains}})
	return nil
}

func blockedSetKey(domains []string) string {
	key := ""
	for _, d := range domains {
		key += d + "\x00"
	}
	return key
}
