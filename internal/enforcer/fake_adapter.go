package enforcer

import (
	"context"
	"sync"
)

// FakeAdapter is an in-memory PlatformAdapter for tests: tabs and
// running apps are pre-seeded, and closed/terminated calls are recorded
// rather than acting on anything real.
type FakeAdapter struct {
	mu sync.Mutex

	TabsByDomain map[string][]string
	RunningApps  map[string]bool

	// Engaged is consulted by UserIsEngaged when EngagedDomains is nil: a
	// single engagement value regardless of which domains are asked
	// about. Set EngagedDomains instead to express engagement with some
	// of a session's domains but not others.
	Engaged bool
	// EngagedDomains, when non-nil, reports engagement per domain:
	// UserIsEngaged returns true iff at least one requested domain maps
	// to true here.
	EngagedDomains map[string]bool

	ClosedTabs     []string
	TerminatedApps []string

	// PromptDecisionFn, if set, is called to resolve PromptUser; otherwise
	// PromptLetClose is returned, matching the default timeout behaviour.
	PromptDecisionFn func(PromptRequest) PromptDecision
	Prompts          []PromptRequest
}

// NewFakeAdapter returns an empty FakeAdapter with the user engaged by
// default.
func NewFakeAdapter() *FakeAdapter {
	return &FakeAdapter{
		TabsByDomain: make(map[string][]string),
		RunningApps:  make(map[string]bool),
		Engaged:      true,
	}
}

func (f *FakeAdapter) EnumerateTabsFor(ctx context.Context, domain string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.TabsByDomain[domain]...), nil
}

func (f *FakeAdapter) CloseTab(ctx context.Context, tabID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ClosedTabs = append(f.ClosedTabs, tabID)
	for domain, tabs := range f.TabsByDomain {
		out := tabs[:0]
		for _, t := range tabs {
			if t != tabID {
				out = append(out, t)
			}
		}
		f.TabsByDomain[domain] = out
	}
	return nil
}

func (f *FakeAdapter) AppIsRunning(ctx context.Context, processName string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.RunningApps[processName], nil
}

func (f *FakeAdapter) TerminateApp(ctx context.Context, processName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.TerminatedApps = append(f.TerminatedApps, processName)
	f.RunningApps[processName] = false
	return nil
}

func (f *FakeAdapter) UserIsEngaged(ctx context.Context, domains []string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.EngagedDomains == nil {
		return f.Engaged, nil
	}
	for _, d := range domains {
		if f.EngagedDomains[d] {
			return true, nil
		}
	}
	return false, nil
}

func (f *FakeAdapter) PromptUser(ctx context.Context, req PromptRequest) (PromptDecision, error) {
	f.mu.Lock()
	f.Prompts = append(f.Prompts, req)
	fn := f.PromptDecisionFn
	f.mu.Unlock()

	if fn == nil {
		return PromptLetClose, nil
	}
	return fn(req), nil
}
