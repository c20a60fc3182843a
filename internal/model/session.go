// Package model defines the persistent and derived data shapes shared by
// the Store, Policy Engine, and Scheduler: sessions, their lifecycle
// states, and the bypass/penalty bookkeeping rows.
package model

import "time"

// SessionState is the lifecycle state of a Session. States advance
// monotonically; Cancelled may supersede Pending or Active but a
// terminal state is never left once reached.
type SessionState int

const (
	Pending SessionState = iota
	Active
	Expired
	Cancelled
)

func (s SessionState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Active:
		return "active"
	case Expired:
		return "expired"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is a terminal state (Expired or Cancelled).
func (s SessionState) Terminal() bool {
	return s == Expired || s == Cancelled
}

// CanTransitionTo reports whether a session may move from s to next,
// enforcing pending -> active -> expired with cancelled able to
// supersede pending or active but never reversing out of a terminal
// state.
func (s SessionState) CanTransitionTo(next SessionState) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case Pending:
		return next == Active || next == Cancelled
	case Active:
		return next == Expired || next == Cancelled
	default:
		return false
	}
}

// Session is a time-bounded exception permitting access to its Targets.
type Session struct {
	ID             int64
	Profile        string
	Targets        []string
	RequestedAt    time.Time
	EffectiveStart time.Time
	End            time.Time
	State          SessionState
	All            bool // true for a profile-level "all" synthetic session (target "*")
	ExtensionCount int
	NotifiedExpiring bool // set once SessionExpiring has fired, so it fires exactly once
}

// NonTerminal reports whether the session still occupies a concurrency
// slot (Pending or Active).
func (s *Session) NonTerminal() bool {
	return !s.State.Terminal()
}

// CoversDomain reports whether d is among the session's targets, or the
// session is an "all" session (synthetic target "*" covers everything).
func (s *Session) CoversDomain(d string) bool {
	if s.All {
		return true
	}
	for _, t := range s.Targets {
		if t == d {
			return true
		}
	}
	return false
}

// BypassMarker records the most recent completion time of any session
// whose profile declares a cooldown.
type BypassMarker struct {
	Profile      string
	LastBypassAt time.Time
}

// PenaltyCounter is the progressive-penalty bucket: the number of
// admitted, non-excluded sessions within a single rolling calendar day
// (bucket boundary at 04:00 local).
type PenaltyCounter struct {
	DayBucket     string // e.g. "2026-07-31", see clock bucket rule in SPEC_FULL.md §9
	UnblockCount  int
}

// DayBucket returns the rolling-day bucket key for t, where the day
// rolls over at 04:00 local time: the key is the date, in t's location,
// of the instant four elapsed hours before t. Every instant belongs to
// exactly one bucket; on a DST transition day the rollover shifts off
// 04:00 local by the size of the transition.
func DayBucket(t time.Time) string {
	return t.Add(-4 * time.Hour).Format("2006-01-02")
}
