// Package rodadapter is the reference enforcer.PlatformAdapter
// implementation: it drives a real, already-running Chromium-family
// browser over the Chrome DevTools Protocol via github.com/go-rod/rod,
// and shells out to the host's process tools for app enumeration
// (SPEC_FULL.md §10).
package rodadapter

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"runtime"
	"strings"
	"sync"

	"github.com/go-rod/rod"

	"github.com/tavinathanson/taviblock/internal/enforcer"
)

// Adapter implements enforcer.PlatformAdapter against a browser reached
// at ControlURL (a ws:// or http:// DevTools endpoint, typically
// "http://127.0.0.1:9222"). If the endpoint is unreachable, every method
// fails closed: tab enumeration/closing becomes a no-op rather than an
// error, since a browser the Enforcer cannot see is a browser it cannot
// be blamed for not closing (spec.md §4.5's adapter contract).
type Adapter struct {
	ControlURL string
	Logger     *log.Logger

	mu      sync.Mutex
	browser *rod.Browser
	connErr error
	tried   bool
}

// New constructs an Adapter targeting the browser's DevTools endpoint at
// controlURL.
func New(controlURL string, logger *log.Logger) *Adapter {
	if logger == nil {
		logger = log.Default()
	}
	return &Adapter{ControlURL: controlURL, Logger: logger}
}

func (a *Adapter) browserConn() (*rod.Browser, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.tried {
		return a.browser, a.connErr
	}
	a.tried = true

	b := rod.New().ControlURL(a.ControlURL)
	if err := b.Connect(); err != nil {
		a.connErr = fmt.Errorf("connecting to browser at %s: %w", a.ControlURL, err)
		a.Logger.Printf("rodadapter: %v (tab enforcement degraded to no-op)", a.connErr)
		return nil, a.connErr
	}
	a.browser = b
	return b, nil
}

// EnumerateTabsFor returns the ids of pages whose URL's host is exactly
// domain or "www." + domain; other subdomains do not match.
func (a *Adapter) EnumerateTabsFor(ctx context.Context, domain string) ([]string, error) {
	b, err := a.browserConn()
	if err != nil {
		return nil, nil // fail closed: no browser, no tabs to report
	}
	pages, err := b.Pages()
	if err != nil {
		return nil, fmt.Errorf("listing pages: %w", err)
	}
	var ids []string
	for _, p := range pages {
		info, err := p.Info()
		if err != nil {
			continue
		}
		if hostMatches(info.URL, domain) {
			ids = append(ids, string(p.TargetID))
		}
	}
	return ids, nil
}

// CloseTab closes the page with the given target id.
func (a *Adapter) CloseTab(ctx context.Context, tabID string) error {
	b, err := a.browserConn()
	if err != nil {
		return nil
	}
	pages, err := b.Pages()
	if err != nil {
		return fmt.Errorf("listing pages: %w", err)
	}
	for _, p := range pages {
		if string(p.TargetID) == tabID {
			return p.Close()
		}
	}
	return nil
}

// AppIsRunning shells out to pgrep (Unix) to check whether a process
// matching processName is running.
func (a *Adapter) AppIsRunning(ctx context.Context, processName string) (bool, error) {
	if runtime.GOOS == "windows" {
		out, err := exec.CommandContext(ctx, "tasklist", "/FI", fmt.Sprintf("IMAGENAME eq %s", processName)).Output()
		if err != nil {
			return false, fmt.Errorf("tasklist: %w", err)
		}
		return strings.Contains(string(out), processName), nil
	}
	err := exec.CommandContext(ctx, "pgrep", "-f", processName).Run()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return false, nil // pgrep: no matching process
		}
		return false, fmt.Errorf("pgrep: %w", err)
	}
	return true, nil
}

// TerminateApp shells out to pkill (Unix) or taskkill (Windows).
func (a *Adapter) TerminateApp(ctx context.Context, processName string) error {
	if runtime.GOOS == "windows" {
		return exec.CommandContext(ctx, "taskkill", "/IM", processName, "/F").Run()
	}
	if err := exec.CommandContext(ctx, "pkill", "-f", processName).Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return nil // already gone
		}
		return fmt.Errorf("pkill: %w", err)
	}
	return nil
}

// UserIsEngaged reports whether at least one of domains has an open
// browser tab right now. This is a proxy for engagement, not true
// keyboard/idle detection -- a real idle-time integration (e.g.
// IOKit/X11 idle time) is host-specific and out of scope for this
// reference adapter (SPEC_FULL.md §10 Non-goals) -- but it does scope
// the pre-expiry prompt to the session's own targets rather than firing
// for every expiring session regardless of what the user has open.
func (a *Adapter) UserIsEngaged(ctx context.Context, domains []string) (bool, error) {
	for _, d := range domains {
		tabs, err := a.EnumerateTabsFor(ctx, d)
		if err != nil {
			return false, fmt.Errorf("checking tabs for %s: %w", d, err)
		}
		if len(tabs) > 0 {
			return true, nil
		}
	}
	return false, nil
}

// PromptUser delegates to enforcer.TerminalPrompter, the bubbletea-based
// reference prompt.
func (a *Adapter) PromptUser(ctx context.Context, req enforcer.PromptRequest) (enforcer.PromptDecision, error) {
	return enforcer.TerminalPrompter{}.PromptUser(ctx, req)
}

func hostMatches(rawURL, domain string) bool {
	u := rawURL
	if idx := strings.Index(u, "://"); idx != -1 {
		u = u[idx+3:]
	}
	if idx := strings.IndexAny(u, "/?#"); idx != -1 {
		u = u[:idx]
	}
	if idx := strings.LastIndex(u, ":"); idx != -1 {
		if _, err := fmt.Sscanf(u[idx+1:], "%d", new(int)); err == nil {
			u = u[:idx]
		}
	}
	return u == domain || u == "www."+domain
}
