// Package hosts reconciles the operating system's hosts file against the
// effective blocked set the Scheduler publishes. It owns a single marker
// delimited region of the file and never touches a line outside it
// (spec.md §4.4).
package hosts

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tavinathanson/taviblock/internal/eventbus"
)

// StartMarker and EndMarker delimit the region this package owns inside
// the hosts file. Everything outside them is preserved byte-for-byte.
const (
	StartMarker = "# BLOCKER START"
	EndMarker   = "# BLOCKER END"

	// FallbackInterval is how often the Reconciler rebuilds the file even
	// without a BlockedSetChanged event, guarding against the file being
	// edited or replaced out from under it.
	FallbackInterval = 1 * time.Second
)

// Reconciler rewrites the managed region of Path to match the domain set
// it last received, either from a BlockedSetChanged event or from its own
// fallback tick.
type Reconciler struct {
	path   string
	bus    *eventbus.Bus
	logger *log.Logger

	current []string
}

// New constructs a Reconciler targeting the hosts file at path.
func New(path string, bus *eventbus.Bus, logger *log.Logger) *Reconciler {
	if logger == nil {
		logger = log.Default()
	}
	return &Reconciler{path: path, bus: bus, logger: logger}
}

// Run subscribes to BlockedSetChanged and rebuilds the managed region on
// every event plus a FallbackInterval heartbeat, until ctx is cancelled.
// On exit it does not clear the managed region: spec.md §4.4 requires
// fail-closed behaviour, so the last-known blocked set stays enforced
// until a future run reconciles it away.
func (r *Reconciler) Run(ctx context.Context) {
	ch, unsubscribe := r.bus.Subscribe()
	defer unsubscribe()

	ticker := time.NewTicker(FallbackInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			if data, ok := ev.Data.(*eventbus.BlockedSetChangedData); ok && ev.Type == eventbus.EventBlockedSetChanged {
				r.current = data.Domains
				if err := r.Reconcile(); err != nil {
					r.logger.Printf("hosts: reconcile failed: %v", err)
				}
			}
		case <-ticker.C:
			if err := r.Reconcile(); err != nil {
				r.logger.Printf("hosts: fallback reconcile failed: %v", err)
			}
		}
	}
}

// Reconcile rewrites the managed region of the hosts file to exactly
// r.current, sorted lexicographically for a stable diff, leaving
// everything outside the markers untouched.
func (r *Reconciler) Reconcile() error {
	return RewriteManagedRegion(r.path, r.current)
}

// SetBlocked overrides the domain set the next Reconcile call writes,
// bypassing the BlockedSetChanged event path. The Daemon uses this on
// shutdown to force every configured domain blocked regardless of
// in-flight session state (SPEC_FULL.md §5's fail-closed exit).
func (r *Reconciler) SetBlocked(domains []string) {
	r.current = domains
}

// RewriteManagedRegion reads the file at path, replaces (or appends) the
// marker-delimited managed region with entries for domains, and writes
// the result back atomically via a temp file plus rename, preserving the
// original file's owner and mode (spec.md §4.4's hosts-file contract).
func RewriteManagedRegion(path string, domains []string) error {
	original, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading hosts file: %w", err)
	}

	outside, err := stripManagedRegion(original)
	if err != nil {
		return fmt.Errorf("parsing managed region: %w", err)
	}

	sorted := append([]string(nil), domains...)
	sort.Strings(sorted)

	var buf bytes.Buffer
	buf.Write(outside)
	if len(buf.Bytes()) > 0 && buf.Bytes()[len(buf.Bytes())-1] != '\n' {
		buf.WriteByte('\n')
	}
	buf.WriteString(StartMarker + "\n")
	for _, d := range sorted {
		fmt.Fprintf(&buf, "127.0.0.1 %s\n", d)
		fmt.Fprintf(&buf, "::1 %s\n", d)
	}
	buf.WriteString(EndMarker + "\n")

	return atomicWrite(path, buf.Bytes())
}

// stripManagedRegion returns the file content with the marker-delimited
// region (if present) removed, leaving every other line untouched and in
// order. A malformed region (start with no end) is treated as extending
// to end of file, so a truncated write is never compounded.
func stripManagedRegion(content []byte) ([]byte, error) {
	if len(content) == 0 {
		return nil, nil
	}
	var out bytes.Buffer
	scanner := bufio.NewScanner(bytes.NewReader(content))
	inManaged := false
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case !inManaged && strings.TrimSpace(line) == StartMarker:
			inManaged = true
		case inManaged && strings.TrimSpace(line) == EndMarker:
			inManaged = false
		case !inManaged:
			out.WriteString(line)
			out.WriteByte('\n')
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// atomicWrite writes data to a temp file beside path and renames it into
// place, preserving path's existing owner and mode if it exists.
func atomicWrite(path string, data []byte) error {
	mode := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode()
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, mode); err != nil {
		return fmt.Errorf("preserving mode: %w", err)
	}
	if err := preserveOwner(path, tmpPath); err != nil {
		return fmt.Errorf("preserving owner: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}
