package store

// schema is applied unconditionally and idempotently on every Open, via
// CREATE TABLE IF NOT EXISTS, matching the corpus's own SQLite storage
// layer (see DESIGN.md). Subsequent structural changes are added as
// numbered entries in migrations, never by editing this string.
const schema = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	profile TEXT NOT NULL,
	targets TEXT NOT NULL,
	requested_at INTEGER NOT NULL,
	effective_start INTEGER NOT NULL,
	end_at INTEGER NOT NULL,
	state INTEGER NOT NULL,
	all_flag INTEGER NOT NULL DEFAULT 0,
	extension_count INTEGER NOT NULL DEFAULT 0,
	notified_expiring INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions(state);
CREATE INDEX IF NOT EXISTS idx_sessions_profile ON sessions(profile);

CREATE TABLE IF NOT EXISTS bypass_markers (
	profile TEXT PRIMARY KEY,
	last_bypass_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS penalty_counters (
	day_bucket TEXT PRIMARY KEY,
	unblock_count INTEGER NOT NULL DEFAULT 0
);
`

// migration is a single idempotent schema change applied in order after
// the base schema, recorded in schema_migrations so it never reapplies.
type migration struct {
	version int
	stmt    string
}

// migrations is currently empty; the base schema above covers version 1
// of the on-disk format. Future structural changes append entries here
// rather than editing schema, per spec.md §4.1's "schema migrations on
// startup must be idempotent."
var migrations = []migration{}
