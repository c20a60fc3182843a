package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/tavinathanson/taviblock/internal/clock"
	"github.com/tavinathanson/taviblock/internal/config"
	"github.com/tavinathanson/taviblock/internal/eventbus"
	"github.com/tavinathanson/taviblock/internal/model"
	"github.com/tavinathanson/taviblock/internal/store"
)

const testConfigTOML = `
[domains.gmail]
domains = ["gmail.com"]

[domains.slack]
domains = ["slack.com"]

[profiles.unblock]
duration = 1800
[profiles.unblock.wait]
base = 300

[profiles.bypass]
wait = 0
duration = 300
cooldown = 3600
all = true
`

func newFixture(t *testing.T, now time.Time) (*Scheduler, *store.Store, *eventbus.Bus, *clock.Fake) {
	t.Helper()
	cfg, err := config.Parse(testConfigTOML, nil)
	if err != nil {
		t.Fatalf("parsing config: %v", err)
	}
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	bus := eventbus.New()
	t.Cleanup(bus.Close)
	fc := clock.NewFake(now)
	return New(config.NewRef(cfg), s, bus, fc, nil), s, bus, fc
}

func TestTickPromotesPendingToActive(t *testing.T) {
	t0 := time.Unix(0, 0).UTC()
	sched, st, bus, fc := newFixture(t, t0)
	ctx := context.Background()

	ch, unsub := bus.Subscribe()
	defer unsub()

	id, err := st.InsertSession(ctx, model.Session{
		Profile: "unblock", Targets: []string{"gmail"},
		RequestedAt: t0, EffectiveStart: t0.Add(300 * time.Second), End: t0.Add(2100 * time.Second),
		State: model.Pending,
	})
	if err != nil {
		t.Fatalf("InsertSession: %v", err)
	}

	fc.Set(t0.Add(299 * time.Second))
	if err := sched.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	sess, _ := st.GetSession(ctx, id)
	if sess.State != model.Pending {
		t.Fatalf("expected still pending before effective start, got %s", sess.State)
	}
	sessions, err := st.ListSessions(ctx, store.SessionFilter{})
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	blocked := EffectiveBlockedSet(sched.cfg(), sessions)
	foundGmail := false
	for _, d := range blocked {
		if d == "gmail.com" {
			foundGmail = true
		}
	}
	if !foundGmail {
		t.Fatalf("expected gmail.com to still be blocked while pending, got %v", blocked)
	}
	// Drop the initial blocked-set publish so the next event read is the
	// promotion's.
	for drained := false; !drained; {
		select {
		case <-ch:
		default:
			drained = true
		}
	}

	fc.Set(t0.Add(300 * time.Second))
	if err := sched.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	sess, _ = st.GetSession(ctx, id)
	if sess.State != model.Active {
		t.Fatalf("expected active at effective start, got %s", sess.State)
	}

	select {
	case ev := <-ch:
		if ev.Type != eventbus.EventSessionActivated {
			t.Errorf("expected activated event, got %s", ev.Type)
		}
	default:
		t.Error("expected a published activation event")
	}
}

func TestTickExpiresActiveAndRecordsBypass(t *testing.T) {
	t0 := time.Unix(0, 0).UTC()
	sched, st, _, fc := newFixture(t, t0)
	ctx := context.Background()

	id, err := st.InsertSession(ctx, model.Session{
		Profile: "bypass", Targets: []string{"*"}, All: true,
		RequestedAt: t0, EffectiveStart: t0, End: t0.Add(300 * time.Second),
		State: model.Active,
	})
	if err != nil {
		t.Fatalf("InsertSession: %v", err)
	}

	fc.Set(t0.Add(300 * time.Second))
	if err := sched.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	sess, _ := st.GetSession(ctx, id)
	if sess.State != model.Expired {
		t.Fatalf("expected expired, got %s", sess.State)
	}
	last, ok, err := st.LastBypass(ctx, "bypass")
	if err != nil || !ok {
		t.Fatalf("expected a recorded bypass marker, ok=%v err=%v", ok, err)
	}
	if !last.Equal(t0.Add(300 * time.Second)) {
		t.Errorf("expected bypass marker at expiry time, got %v", last)
	}
}

func TestTickFiresExpiringOnceWithinWindow(t *testing.T) {
	t0 := time.Unix(0, 0).UTC()
	sched, st, bus, fc := newFixture(t, t0)
	ctx := context.Background()

	ch, unsub := bus.Subscribe()
	defer unsub()

	_, err := st.InsertSession(ctx, model.Session{
		Profile: "unblock", Targets: []string{"gmail"},
		RequestedAt: t0, EffectiveStart: t0, End: t0.Add(100 * time.Second),
		State: model.Active,
	})
	if err != nil {
		t.Fatalf("InsertSession: %v", err)
	}

	fc.Set(t0.Add(41 * time.Second)) // 59s remaining, inside the 60s window
	if err := sched.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	var gotExpiring int
	drain := func() {
		for {
			select {
			case ev := <-ch:
				if ev.Type == eventbus.EventSessionExpiring {
					gotExpiring++
				}
			default:
				return
			}
		}
	}
	drain()
	if gotExpiring != 1 {
		t.Fatalf("expected exactly 1 expiring event, got %d", gotExpiring)
	}

	fc.Set(t0.Add(42 * time.Second))
	if err := sched.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	drain()
	if gotExpiring != 1 {
		t.Fatalf("expected no second expiring event, got %d total", gotExpiring)
	}
}

func TestEffectiveBlockedSetExcludesCoveredDomains(t *testing.T) {
	cfg, err := config.Parse(testConfigTOML, nil)
	if err != nil {
		t.Fatalf("parsing config: %v", err)
	}
	sessions := []model.Session{
		{Targets: []string{"gmail"}, State: model.Active},
	}
	blocked := EffectiveBlockedSet(cfg, sessions)
	for _, d := range blocked {
		if d == "gmail.com" {
			t.Errorf("expected gmail.com to be unblocked, got it in blocked set %v", blocked)
		}
	}
	foundSlack := false
	for _, d := range blocked {
		if d == "slack.com" {
			foundSlack = true
		}
	}
	if !foundSlack {
		t.Errorf("expected slack.com to remain blocked, got %v", blocked)
	}
}

func TestEffectiveBlockedSetKeepsPendingSessionDomainsBlocked(t *testing.T) {
	cfg, err := config.Parse(testConfigTOML, nil)
	if err != nil {
		t.Fatalf("parsing config: %v", err)
	}
	sessions := []model.Session{
		{Targets: []string{"gmail"}, State: model.Pending},
	}
	blocked := EffectiveBlockedSet(cfg, sessions)
	found := false
	for _, d := range blocked {
		if d == "gmail.com" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected gmail.com to remain blocked while the session is still pending, got %v", blocked)
	}
}

func TestEffectiveBlockedSetAllSessionUnblocksEverything(t *testing.T) {
	cfg, err := config.Parse(testConfigTOML, nil)
	if err != nil {
		t.Fatalf("parsing config: %v", err)
	}
	sessions := []model.Session{
		{All: true, State: model.Active},
	}
	blocked := EffectiveBlockedSet(cfg, sessions)
	if len(blocked) != 0 {
		t.Errorf("expected empty blocked set under an all-session, got %v", blocked)
	}
}

func TestTickPublishesBlockedSetOnlyOnChange(t *testing.T) {
	t0 := time.Unix(0, 0).UTC()
	sched, st, bus, fc := newFixture(t, t0)
	ctx := context.Background()

	ch, unsub := bus.Subscribe()
	defer unsub()

	id, err := st.InsertSession(ctx, model.Session{
		Profile: "unblock", Targets: []string{"gmail"},
		RequestedAt: t0, EffectiveStart: t0.Add(5 * time.Second), End: t0.Add(1000 * time.Second),
		State: model.Pending,
	})
	if err != nil {
		t.Fatalf("InsertSession: %v", err)
	}
	_ = id

	fc.Set(t0.Add(5 * time.Second))
	if err := sched.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	var changes int
	for {
		select {
		case ev := <-ch:
			if ev.Type == eventbus.EventBlockedSetChanged {
				changes++
			}
			continue
		default:
		}
		break
	}
	if changes != 1 {
		t.Fatalf("expected exactly 1 blocked-set-changed publish, got %d", changes)
	}

	// A no-op tick (nothing transitions) must not re-publish.
	fc.Set(t0.Add(6 * time.Second))
	if err := sched.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	select {
	case ev := <-ch:
		t.Fatalf("expected no further publish on a no-op tick, got %v", ev)
	default:
	}
}
