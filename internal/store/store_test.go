package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tavinathanson/taviblock/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("opening in-memory store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertAndListSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	id, err := s.InsertSession(ctx, model.Session{
		Profile:        "unblock",
		Targets:        []string{"gmail.com", "mail.google.com"},
		RequestedAt:    now,
		EffectiveStart: now.Add(5 * time.Minute),
		End:            now.Add(35 * time.Minute),
		State:          model.Pending,
	})
	if err != nil {
		t.Fatalf("InsertSession: %v", err)
	}
	if id != 1 {
		t.Fatalf("expected first session id 1, got %d", id)
	}

	sessions, err := s.ListSessions(ctx, SessionFilter{})
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	got := sessions[0]
	if got.Profile != "unblock" || len(got.Targets) != 2 || got.State != model.Pending {
		t.Errorf("unexpected session: %+v", got)
	}
}

func TestListSessionsExcludesTerminalByDefault(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	id, _ := s.InsertSession(ctx, model.Session{Profile: "p", Targets: []string{"a"}, RequestedAt: now, EffectiveStart: now, End: now, State: model.Pending})
	if err := s.UpdateSessionState(ctx, id, model.Cancelled, nil); err != nil {
		t.Fatalf("UpdateSessionState: %v", err)
	}

	sessions, err := s.ListSessions(ctx, SessionFilter{})
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("expected cancelled session to be excluded, got %d", len(sessions))
	}

	all, err := s.ListSessions(ctx, SessionFilter{IncludeTerminal: true})
	if err != nil {
		t.Fatalf("ListSessions(IncludeTerminal): %v", err)
	}
	if len(all) != 1 {
		t.Errorf("expected 1 session including terminal, got %d", len(all))
	}
}

func TestExtendSessionBumpsCountAndClearsNotified(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	id, _ := s.InsertSession(ctx, model.Session{Profile: "p", Targets: []string{"a"}, RequestedAt: now, EffectiveStart: now, End: now.Add(10 * time.Minute), State: model.Active})
	if err := s.MarkNotifiedExpiring(ctx, id); err != nil {
		t.Fatalf("MarkNotifiedExpiring: %v", err)
	}

	newEnd := now.Add(15 * time.Minute)
	if err := s.ExtendSession(ctx, id, newEnd); err != nil {
		t.Fatalf("ExtendSession: %v", err)
	}

	got, err := s.GetSession(ctx, id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.ExtensionCount != 1 {
		t.Errorf("expected extension count 1, got %d", got.ExtensionCount)
	}
	if got.NotifiedExpiring {
		t.Error("expected notified_expiring to reset on extend, so a new prompt can fire at the new end")
	}
	if !got.End.Equal(newEnd.Truncate(time.Second)) {
		t.Errorf("expected end %v, got %v", newEnd, got.End)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetSession(context.Background(), 999)
	if err == nil {
		t.Fatal("expected error for unknown session id")
	}
}

func TestBypassMarker(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.LastBypass(ctx, "bypass")
	if err != nil {
		t.Fatalf("LastBypass: %v", err)
	}
	if ok {
		t.Fatal("expected no bypass marker initially")
	}

	now := time.Now().Truncate(time.Second)
	if err := s.RecordBypass(ctx, "bypass", now); err != nil {
		t.Fatalf("RecordBypass: %v", err)
	}
	got, ok, err := s.LastBypass(ctx, "bypass")
	if err != nil || !ok {
		t.Fatalf("LastBypass after record: got=%v ok=%v err=%v", got, ok, err)
	}
	if !got.Equal(now) {
		t.Errorf("expected %v, got %v", now, got)
	}

	later := now.Add(time.Hour)
	if err := s.RecordBypass(ctx, "bypass", later); err != nil {
		t.Fatalf("RecordBypass (update): %v", err)
	}
	got2, _, _ := s.LastBypass(ctx, "bypass")
	if !got2.Equal(later) {
		t.Errorf("expected updated marker %v, got %v", later, got2)
	}
}

func TestPenaltyCounterIncrementsAndPersists(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	count, err := s.GetPenalty(ctx, now)
	if err != nil || count != 0 {
		t.Fatalf("expected 0 penalty initially, got %d err=%v", count, err)
	}

	for i := 1; i <= 3; i++ {
		got, err := s.BumpPenalty(ctx, now)
		if err != nil {
			t.Fatalf("BumpPenalty: %v", err)
		}
		if got != i {
			t.Errorf("expected count %d, got %d", i, got)
		}
	}

	got, err := s.GetPenalty(ctx, now)
	if err != nil || got != 3 {
		t.Fatalf("expected persisted count 3, got %d err=%v", got, err)
	}
}

func TestPenaltyCounterResetsOnBucketChange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	day1 := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC) // different 04:00-rollover bucket

	if _, err := s.BumpPenalty(ctx, day1); err != nil {
		t.Fatalf("BumpPenalty day1: %v", err)
	}
	count, err := s.GetPenalty(ctx, day2)
	if err != nil || count != 0 {
		t.Fatalf("expected fresh bucket on day2, got %d err=%v", count, err)
	}
}

func TestOpenRecoversFromCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "taviblock.db")

	if err := os.WriteFile(path, []byte("this is not a sqlite database"), 0o644); err != nil {
		t.Fatalf("writing corrupt file: %v", err)
	}

	s, err := Open(path)
	if err != nil {
		t.Fatalf("expected Open to recover from a corrupt file, got error: %v", err)
	}
	defer s.Close()

	sessions, err := s.ListSessions(context.Background(), SessionFilter{})
	if err != nil {
		t.Fatalf("ListSessions on recovered store: %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("expected empty recovered store, got %d sessions", len(sessions))
	}
}
