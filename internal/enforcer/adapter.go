// Package enforcer implements the Active Enforcer: the component that
// reacts to a domain losing its session coverage by closing the tabs and
// apps actually serving it, and that prompts the user shortly before an
// active session expires (spec.md §4.5).
package enforcer

import "context"

// PlatformAdapter is the narrow surface the Active Enforcer needs from
// the host operating system and its running applications. Production
// code is expected to implement it against real browser/process control
// (see the rodadapter package); tests use FakeAdapter.
type PlatformAdapter interface {
	// EnumerateTabsFor returns the ids of open browser tabs whose URL
	// matches domain.
	EnumerateTabsFor(ctx context.Context, domain string) ([]string, error)
	// CloseTab closes a single tab by id.
	CloseTab(ctx context.Context, tabID string) error
	// AppIsRunning reports whether the process bound to domain (via
	// app_bindings) is currently running.
	AppIsRunning(ctx context.Context, processName string) (bool, error)
	// TerminateApp stops the named process.
	TerminateApp(ctx context.Context, processName string) error
	// UserIsEngaged reports whether the user is currently engaged with
	// at least one of domains -- the session's own targets, not the
	// machine as a whole -- used to decide whether the pre-expiry prompt
	// should even attempt to show (spec.md §4.5, §9's
	// user_is_engaged(domain) capability).
	UserIsEngaged(ctx context.Context, domains []string) (bool, error)
	// PromptUser presents the pre-expiry extend/close choice described by
	// req and blocks until the user responds or ctx is cancelled by the
	// prompt's own timeout. A cancelled ctx must be reported as
	// PromptLetClose, never as an error, since spec.md §4.5 defines
	// silence as an explicit decision.
	PromptUser(ctx context.Context, req PromptRequest) (PromptDecision, error)
}

// PromptRequest describes the pre-expiry choice to present.
type PromptRequest struct {
	SessionID int64
	Targets   []string
	Remaining int64 // seconds until expiry, at prompt time
}

// PromptDecision is the user's (or timeout's) answer to a PromptRequest.
type PromptDecision int

const (
	PromptLetClose PromptDecision = iota
	PromptExtend5
	PromptExtend30
)
