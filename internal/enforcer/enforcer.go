package enforcer

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/tavinathanson/taviblock/internal/clock"
	"github.com/tavinathanson/taviblock/internal/config"
	"github.com/tavinathanson/taviblock/internal/eventbus"
	"github.com/tavinathanson/taviblock/internal/store"
)

// ThrottleWindow bounds how often the Enforcer will repeat a close
// attempt against the same (domain, kind) pair, so a flapping blocked
// set can't spin the adapter.
const ThrottleWindow = 1 * time.Second

// PromptTimeout is how long the pre-expiry prompt waits for a response
// before defaulting to let-close (spec.md §4.5).
const PromptTimeout = 30 * time.Second

const (
	kindTab = "tab"
	kindApp = "app"
)

// Enforcer reacts to BlockedSetChanged by closing tabs/apps serving a
// newly blocked domain, and to SessionExpiring by running the pre-expiry
// extend/close negotiation.
type Enforcer struct {
	cfgRef  *config.Ref
	store   *store.Store
	bus     *eventbus.Bus
	adapter PlatformAdapter
	clock   clock.Clock
	logger  *log.Logger

	throttleMu sync.Mutex
	lastAction map[string]time.Time // key: domain+"/"+kind

	prevBlocked map[string]bool
}

// New constructs an Enforcer.
func New(cfgRef *config.Ref, st *store.Store, bus *eventbus.Bus, adapter PlatformAdapter, clk clock.Clock, logger *log.Logger) *Enforcer {
	if logger == nil {
		logger = log.Default()
	}
	return &Enforcer{
		cfgRef: cfgRef, store: st, bus: bus, adapter: adapter, clock: clk, logger: logger,
		lastAction:  make(map[string]time.Time),
		prevBlocked: make(map[string]bool),
	}
}

func (e *Enforcer) cfg() *config.Config { return e.cfgRef.Load() }

// Run subscribes to the event bus and reacts until ctx is cancelled.
func (e *Enforcer) Run(ctx context.Context) {
	ch, unsubscribe := e.bus.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			switch data := ev.Data.(type) {
			case *eventbus.BlockedSetChangedData:
				if ev.Type == eventbus.EventBlockedSetChanged {
					e.handleBlockedSetChanged(ctx, data.Domains)
				}
			case *eventbus.SessionExpiringData:
				if ev.Type == eventbus.EventSessionExpiring {
					go e.handleSessionExpiring(ctx, data.SessionID, data.Remaining)
				}
			}
		}
	}
}

// handleBlockedSetChanged closes tabs/apps for every domain newly
// present in the blocked set (spec.md §4.5's reactive enforcement); a
// domain leaving the blocked set (because a session now covers it)
// requires no action, since there is nothing to re-open.
func (e *Enforcer) handleBlockedSetChanged(ctx context.Context, domains []string) {
	next := make(map[string]bool, len(domains))
	for _, d := range domains {
		next[d] = true
	}
	newlyBlocked := make([]string, 0)
	for d := range next {
		if !e.prevBlocked[d] {
			newlyBlocked = append(newlyBlocked, d)
		}
	}
	e.prevBlocked = next

	for _, domain := range newlyBlocked {
		e.closeDomain(ctx, domain)
	}
}

func (e *Enforcer) closeDomain(ctx context.Context, domain string) {
	if e.shouldThrottle(domain, kindTab) {
		return
	}
	tabs, err := e.adapter.EnumerateTabsFor(ctx, domain)
	if err != nil {
		e.logger.Printf("enforcer: enumerating tabs for %s: %v", domain, err)
	}
	for _, tab := range tabs {
		if err := e.adapter.CloseTab(ctx, tab); err != nil {
			e.logger.Printf("enforcer: closing tab %s for %s: %v", tab, domain, err)
		}
	}

	process, bound := e.cfg().AppBindings[domain]
	if !bound {
		return
	}
	if e.shouldThrottle(domain, kindApp) {
		return
	}
	running, err := e.adapter.AppIsRunning(ctx, process)
	if err != nil {
		e.logger.Printf("enforcer: checking app %s for %s: %v", process, domain, err)
		return
	}
	if running {
		if err := e.adapter.TerminateApp(ctx, process); err != nil {
			e.logger.Printf("enforcer: terminating app %s for %s: %v", process, domain, err)
		}
	}
}

func (e *Enforcer) shouldThrottle(domain, kind string) bool {
	key := domain + "/" + kind
	now := e.clock.Now()

	e.throttleMu.Lock()
	defer e.throttleMu.Unlock()
	if last, ok := e.lastAction[key]; ok && now.Sub(last) < ThrottleWindow {
		return true
	}
	e.lastAction[key] = now
	return false
}

// handleSessionExpiring runs the pre-expiry extend/close negotiation for
// one session: idle -> prompting -> resolved. A cooldown-bearing profile
// (bypass-style) is exempt, since extension is meaningless for it
// (spec.md §4.5's cooldown-session exemption).
func (e *Enforcer) handleSessionExpiring(ctx context.Context, sessionID int64, remaining int64) {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		e.logger.Printf("enforcer: loading session %d for pre-expiry prompt: %v", sessionID, err)
		return
	}
	if profile, ok := e.cfg().Profiles[sess.Profile]; ok && profile.CooldownSeconds > 0 {
		return
	}

	domains := e.cfg().DomainsFor(sess.Targets)
	if sess.All {
		domains = e.cfg().AllDomains()
	}
	engaged, err := e.adapter.UserIsEngaged(ctx, domains)
	if err != nil {
		e.logger.Printf("enforcer: checking user engagement: %v", err)
		return
	}
	if !engaged {
		return
	}

	promptCtx, cancel := context.WithTimeout(ctx, PromptTimeout)
	defer cancel()

	decision, err := e.adapter.PromptUser(promptCtx, PromptRequest{
		SessionID: sessionID, Targets: sess.Targets, Remaining: remaining,
	})
	if err != nil {
		e.logger.Printf("enforcer: prompting for session %d: %v", sessionID, err)
		return
	}

	// Unlike wait/duration/cooldown (resolved to seconds, see DESIGN.md),
	// the prompt's "extend 5 / extend 30" choices read naturally as
	// minutes, matching spec.md §4.5's UX description.
	var extendBy time.Duration
	switch decision {
	case PromptExtend5:
		extendBy = 5 * time.Minute
	case PromptExtend30:
		extendBy = 30 * time.Minute
	default:
		return
	}

	newEnd := sess.End.Add(extendBy)
	if err := e.store.ExtendSession(ctx, sessionID, newEnd); err != nil {
		e.logger.Printf("enforcer: extending session %d: %v", sessionID, err)
	}
}
