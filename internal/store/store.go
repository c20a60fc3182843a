// Package store is the single durable, transactional key/value-and-row
// store persisting sessions, bypass cooldown markers, and daily-penalty
// counters (spec.md §4.1). It is backed by
// github.com/ncruces/go-sqlite3, the pure-Go, cgo-free SQLite driver,
// matching this corpus's own SQLite storage layer (see DESIGN.md).
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/tavinathanson/taviblock/internal/core"
	"github.com/tavinathanson/taviblock/internal/model"
)

// Store wraps a *sql.DB. Most mutating methods are single autocommit
// statements; BumpPenalty runs its read-modify-write in a transaction.
// SQLite's own single-writer lock serialises the writes (spec.md §4.1)
// without an additional in-process mutex, and the Daemon also enforces
// single-writer ordering at the component level (SPEC_FULL.md §5).
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the store at path. If path is ":memory:" a
// private in-memory database is used (tests). If opening an existing
// file fails (corrupt header, unreadable schema), Open renames the file
// aside with a timestamp suffix, logs the failure, and retries against a
// fresh file — the fail-closed recovery spec.md §4.1 mandates: losing
// session state only re-blocks everything.
func Open(path string) (*Store, error) {
	s, err := openOnce(path)
	if err == nil {
		return s, nil
	}
	if path == ":memory:" {
		return nil, err
	}

	log.Printf("store: open %s failed (%v); quarantining and starting fresh", path, err)
	quarantined := fmt.Sprintf("%s.corrupt.%d", path, time.Now().Unix())
	if renameErr := os.Rename(path, quarantined); renameErr != nil && !os.IsNotExist(renameErr) {
		log.Printf("store: could not quarantine corrupt file: %v", renameErr)
	}
	return openOnce(path)
}

func openOnce(path string) (*Store, error) {
	var connStr string
	if path == ":memory:" {
		connStr = "file:taviblock?mode=memory&cache=shared&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"
	} else {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("creating data dir: %w", err)
			}
		}
		connStr = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path)
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	} else {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling WAL: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, path: path}, nil
}

func runMigrations(db *sql.DB) error {
	for _, m := range migrations {
		var count int
		if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", m.version).Scan(&count); err != nil {
			return fmt.Errorf("checking migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("beginning migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(m.stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)", m.version, time.Now().Unix()); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", m.version, err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertSession persists a new session in the state it carries and
// assigns it its monotonic id.
func (s *Store) InsertSession(ctx context.Context, sess model.Session) (int64, error) {
	targetsJSON, err := json.Marshal(sess.Targets)
	if err != nil {
		return 0, fmt.Errorf("marshaling targets: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (profile, targets, requested_at, effective_start, end_at, state, all_flag, extension_count, notified_expiring)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.Profile, string(targetsJSON), sess.RequestedAt.Unix(), sess.EffectiveStart.Unix(), sess.End.Unix(),
		int(sess.State), boolToInt(sess.All), sess.ExtensionCount, boolToInt(sess.NotifiedExpiring))
	if err != nil {
		return 0, &core.StoreUnavailableError{Cause: err}
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, &core.StoreUnavailableError{Cause: err}
	}
	return id, nil
}

// UpdateSessionState sets a session's state to next; if extendEnd is
// non-nil the session's End is also set to it. It does not check that
// the transition is allowed. Extensions go through ExtendSession.
func (s *Store) UpdateSessionState(ctx context.Context, id int64, next model.SessionState, extendEnd *time.Time) error {
	if extendEnd != nil {
		_, err := s.db.ExecContext(ctx, `UPDATE sessions SET state = ?, end_at = ? WHERE id = ?`, int(next), extendEnd.Unix(), id)
		if err != nil {
			return &core.StoreUnavailableError{Cause: err}
		}
		return nil
	}
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET state = ? WHERE id = ?`, int(next), id)
	if err != nil {
		return &core.StoreUnavailableError{Cause: err}
	}
	return nil
}

// ExtendSession sets a session's End to newEnd, bumps its ExtensionCount
// and clears its expiring notification so it can fire again, used by the
// pre-expiry "extend N" negotiation (spec.md §4.5).
func (s *Store) ExtendSession(ctx context.Context, id int64, newEnd time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET end_at = ?, extension_count = extension_count + 1, notified_expiring = 0 WHERE id = ?`, newEnd.Unix(), id)
	if err != nil {
		return &core.StoreUnavailableError{Cause: err}
	}
	return nil
}

// MarkNotifiedExpiring records that SessionExpiring has fired for id, so
// the Scheduler emits it exactly once (spec.md §4.3 step 3).
func (s *Store) MarkNotifiedExpiring(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET notified_expiring = 1 WHERE id = ?`, id)
	if err != nil {
		return &core.StoreUnavailableError{Cause: err}
	}
	return nil
}

// SessionFilter narrows ListSessions. A zero-value filter (all fields
// unset) returns non-terminal sessions only, the common case for
// concurrency counting and duplicate suppression.
type SessionFilter struct {
	Profile       string // empty = any profile
	IncludeTerminal bool
	ExcludeID     int64 // 0 = no exclusion; used for "excluding self" counts
}

// ListSessions returns sessions matching filter, ordered by id.
func (s *Store) ListSessions(ctx context.Context, filter SessionFilter) ([]model.Session, error) {
	query := `SELECT id, profile, targets, requested_at, effective_start, end_at, state, all_flag, extension_count, notified_expiring FROM sessions WHERE 1=1`
	var args []interface{}
	if filter.Profile != "" {
		query += " AND profile = ?"
		args = append(args, filter.Profile)
	}
	if !filter.IncludeTerminal {
		query += " AND state IN (?, ?)"
		args = append(args, int(model.Pending), int(model.Active))
	}
	if filter.ExcludeID != 0 {
		query += " AND id != ?"
		args = append(args, filter.ExcludeID)
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &core.StoreUnavailableError{Cause: err}
	}
	defer rows.Close()

	var out []model.Session
	for rows.Next() {
		var sess model.Session
		var targetsJSON string
		var requestedAt, effectiveStart, endAt int64
		var state, allFlag, notified int
		if err := rows.Scan(&sess.ID, &sess.Profile, &targetsJSON, &requestedAt, &effectiveStart, &endAt, &state, &allFlag, &sess.ExtensionCount, &notified); err != nil {
			return nil, &core.StoreUnavailableError{Cause: err}
		}
		if err := json.Unmarshal([]byte(targetsJSON), &sess.Targets); err != nil {
			return nil, fmt.Errorf("unmarshaling targets for session %d: %w", sess.ID, err)
		}
		sess.RequestedAt = time.Unix(requestedAt, 0).UTC()
		sess.EffectiveStart = time.Unix(effectiveStart, 0).UTC()
		sess.End = time.Unix(endAt, 0).UTC()
		sess.State = model.SessionState(state)
		sess.All = allFlag != 0
		sess.NotifiedExpiring = notified != 0
		out = append(out, sess)
	}
	return out, rows.Err()
}

// GetSession fetches a single session by id, returning
// core.SessionNotFoundError if absent.
func (s *Store) GetSession(ctx context.Context, id int64) (model.Session, error) {
	sessions, err := s.listByIDs(ctx, id)
	if err != nil {
		return model.Session{}, err
	}
	if len(sessions) == 0 {
		return model.Session{}, &core.SessionNotFoundError{Ref: fmt.Sprintf("%d", id)}
	}
	return sessions[0], nil
}

func (s *Store) listByIDs(ctx context.Context, id int64) ([]model.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, profile, targets, requested_at, effective_start, end_at, state, all_flag, extension_count, notified_expiring FROM sessions WHERE id = ?`, id)
	if err != nil {
		return nil, &core.StoreUnavailableError{Cause: err}
	}
	defer rows.Close()

	var out []model.Session
	for rows.Next() {
		var sess model.Session
		var targetsJSON string
		var requestedAt, effectiveStart, endAt int64
		var state, allFlag, notified int
		if err := rows.Scan(&sess.ID, &sess.Profile, &targetsJSON, &requestedAt, &effectiveStart, &endAt, &state, &allFlag, &sess.ExtensionCount, &notified); err != nil {
			return nil, &core.StoreUnavailableError{Cause: err}
		}
		json.Unmarshal([]byte(targetsJSON), &sess.Targets) //nolint:errcheck
		sess.RequestedAt = time.Unix(requestedAt, 0).UTC()
		sess.EffectiveStart = time.Unix(effectiveStart, 0).UTC()
		sess.End = time.Unix(endAt, 0).UTC()
		sess.State = model.SessionState(state)
		sess.All = allFlag != 0
		sess.NotifiedExpiring = notified != 0
		out = append(out, sess)
	}
	return out, rows.Err()
}

// RecordBypass marks now as the most recent completion time of a
// cooldown-bearing session under profile.
func (s *Store) RecordBypass(ctx context.Context, profile string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bypass_markers (profile, last_bypass_at) VALUES (?, ?)
		 ON CONFLICT(profile) DO UPDATE SET last_bypass_at = excluded.last_bypass_at`,
		profile, now.Unix())
	if err != nil {
		return &core.StoreUnavailableError{Cause: err}
	}
	return nil
}

// LastBypass returns the most recent bypass time for profile, and false
// if none is recorded.
func (s *Store) LastBypass(ctx context.Context, profile string) (time.Time, bool, error) {
	var at int64
	err := s.db.QueryRowContext(ctx, `SELECT last_bypass_at FROM bypass_markers WHERE profile = ?`, profile).Scan(&at)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, &core.StoreUnavailableError{Cause: err}
	}
	return time.Unix(at, 0).UTC(), true, nil
}

// BumpPenalty increments the progressive-penalty counter for now's day
// bucket, resetting on bucket change, and returns the post-increment
// count.
func (s *Store) BumpPenalty(ctx context.Context, now time.Time) (int, error) {
	bucket := model.DayBucket(now)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &core.StoreUnavailableError{Cause: err}
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO penalty_counters (day_bucket, unblock_count) VALUES (?, 1)
		 ON CONFLICT(day_bucket) DO UPDATE SET unblock_count = unblock_count + 1`, bucket); err != nil {
		return 0, &core.StoreUnavailableError{Cause: err}
	}
	var count int
	if err := tx.QueryRowContext(ctx, `SELECT unblock_count FROM penalty_counters WHERE day_bucket = ?`, bucket).Scan(&count); err != nil {
		return 0, &core.StoreUnavailableError{Cause: err}
	}
	if err := tx.Commit(); err != nil {
		return 0, &core.StoreUnavailableError{Cause: err}
	}
	return count, nil
}

// GetPenalty returns the current progressive-penalty count for now's day
// bucket without incrementing it.
func (s *Store) GetPenalty(ctx context.Context, now time.Time) (int, error) {
	bucket := model.DayBucket(now)
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT unblock_count FROM penalty_counters WHERE day_bucket = ?`, bucket).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, &core.StoreUnavailableError{Cause: err}
	}
	return count, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
