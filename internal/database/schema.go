package database

import (
	"database/sql"
	"errors"
	"fmt"
)

// SchemaVersion is the single declared schema version for this release.
// Migrations are forward-only: an existing store at a lower version is
// migrated up at startup; a store at a higher version aborts startup.
const SchemaVersion = 1

// ErrSchemaMismatch is returned when the on-disk schema version is newer
// than this binary understands. Startup must abort with exit code 2.
var ErrSchemaMismatch = errors.New("schema version mismatch")

// schemaV1 is the authoritative schema. Every query in the repositories
// touches only columns declared here.
const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER NOT NULL,
    applied_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS coin_scores (
    symbol           TEXT PRIMARY KEY,
    trades           INTEGER NOT NULL DEFAULT 0,
    wins             INTEGER NOT NULL DEFAULT 0,
    losses           INTEGER NOT NULL DEFAULT 0,
    total_pnl        REAL NOT NULL DEFAULT 0,
    avg_pnl          REAL NOT NULL DEFAULT 0,
    win_rate         REAL NOT NULL DEFAULT 0,
    avg_winner       REAL NOT NULL DEFAULT 0,
    avg_loser        REAL NOT NULL DEFAULT 0,
    trend            TEXT NOT NULL DEFAULT 'stable',
    status           TEXT NOT NULL DEFAULT 'UNKNOWN',
    blacklist_reason TEXT,
    last_updated     INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS patterns (
    pattern_id       TEXT PRIMARY KEY,
    description      TEXT NOT NULL DEFAULT '',
    entry_conditions TEXT NOT NULL DEFAULT '{}',
    exit_conditions  TEXT NOT NULL DEFAULT '{}',
    times_used       INTEGER NOT NULL DEFAULT 0,
    wins             INTEGER NOT NULL DEFAULT 0,
    losses           INTEGER NOT NULL DEFAULT 0,
    total_pnl        REAL NOT NULL DEFAULT 0,
    confidence       REAL NOT NULL DEFAULT 0.5,
    active           INTEGER NOT NULL DEFAULT 1,
    created_at       INTEGER NOT NULL,
    last_used_at     INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS regime_rules (
    rule_id          TEXT PRIMARY KEY,
    description      TEXT NOT NULL DEFAULT '',
    condition        TEXT NOT NULL,
    action           TEXT NOT NULL,
    times_triggered  INTEGER NOT NULL DEFAULT 0,
    estimated_saves  REAL NOT NULL DEFAULT 0,
    active           INTEGER NOT NULL DEFAULT 1,
    created_at       INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS adaptations (
    id              TEXT PRIMARY KEY,
    ts              INTEGER NOT NULL,
    insight_id      TEXT,
    action          TEXT NOT NULL,
    target          TEXT NOT NULL,
    description     TEXT NOT NULL DEFAULT '',
    pre_metrics     TEXT NOT NULL DEFAULT '{}',
    post_metrics    TEXT,
    confidence      REAL NOT NULL DEFAULT 0,
    auto_applied    INTEGER NOT NULL DEFAULT 1,
    effectiveness   TEXT NOT NULL DEFAULT 'pending',
    measured_at     INTEGER,
    rolled_back     INTEGER NOT NULL DEFAULT 0,
    rollback_reason TEXT,
    reason_hash     TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_adaptations_target ON adaptations(target, ts);
CREATE INDEX IF NOT EXISTS idx_adaptations_effectiveness ON adaptations(effectiveness);

CREATE TABLE IF NOT EXISTS reflections (
    id              TEXT PRIMARY KEY,
    ts              INTEGER NOT NULL,
    window_start    INTEGER NOT NULL,
    window_end      INTEGER NOT NULL,
    trades_analyzed INTEGER NOT NULL DEFAULT 0,
    summary         TEXT NOT NULL DEFAULT '',
    duration_ms     INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS insights (
    id               TEXT PRIMARY KEY,
    reflection_id    TEXT NOT NULL,
    type             TEXT NOT NULL DEFAULT '',
    category         TEXT NOT NULL DEFAULT 'observation',
    title            TEXT NOT NULL DEFAULT '',
    description      TEXT NOT NULL DEFAULT '',
    evidence         TEXT NOT NULL DEFAULT '{}',
    suggested_action TEXT NOT NULL DEFAULT '',
    confidence       REAL NOT NULL DEFAULT 0,
    created_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_insights_reflection ON insights(reflection_id);

CREATE TABLE IF NOT EXISTS journal (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    trade_id        TEXT NOT NULL UNIQUE,
    symbol          TEXT NOT NULL,
    direction       TEXT NOT NULL,
    size_usd        REAL NOT NULL,
    strategy_id     TEXT NOT NULL DEFAULT '',
    pattern_id      TEXT,
    regime          TEXT NOT NULL DEFAULT '',
    hour_of_day     INTEGER NOT NULL DEFAULT 0,
    day_of_week     INTEGER NOT NULL DEFAULT 0,
    entry_price     REAL NOT NULL,
    entry_ts        INTEGER NOT NULL,
    exit_price      REAL,
    exit_ts         INTEGER,
    exit_reason     TEXT,
    pnl_usd         REAL,
    pnl_pct         REAL,
    duration_ms     INTEGER,
    closed          INTEGER NOT NULL DEFAULT 0,
    price_after_1m  REAL,
    price_after_5m  REAL,
    price_after_15m REAL
);
CREATE INDEX IF NOT EXISTS idx_journal_entry_ts ON journal(entry_ts);
CREATE INDEX IF NOT EXISTS idx_journal_symbol ON journal(symbol, entry_ts);
CREATE INDEX IF NOT EXISTS idx_journal_pattern ON journal(pattern_id, entry_ts);

CREATE TABLE IF NOT EXISTS active_conditions (
    id            TEXT PRIMARY KEY,
    symbol        TEXT NOT NULL,
    direction     TEXT NOT NULL,
    trigger_price REAL NOT NULL,
    trigger_rel   TEXT NOT NULL,
    stop_loss_pct REAL NOT NULL,
    take_profit_pct REAL NOT NULL,
    size_usd      REAL NOT NULL,
    strategy_id   TEXT NOT NULL DEFAULT '',
    pattern_id    TEXT,
    reasoning     TEXT NOT NULL DEFAULT '',
    created_at    INTEGER NOT NULL,
    valid_until   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS runtime_state (
    key        TEXT PRIMARY KEY,
    value      BLOB NOT NULL,
    updated_at INTEGER NOT NULL
);
`

// Migrate applies the declared schema and records the schema version.
// Returns ErrSchemaMismatch (wrapped) when the store was written by a newer
// release.
func (db *DB) Migrate() error {
	current, err := db.currentSchemaVersion()
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	if current > SchemaVersion {
		return fmt.Errorf("store %s is at schema version %d, this binary supports %d: %w",
			db.name, current, SchemaVersion, ErrSchemaMismatch)
	}
	if current == SchemaVersion {
		return nil
	}

	return WithTransaction(db.conn, func(tx *sql.Tx) error {
		if _, err := tx.Exec(schemaV1); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
		if _, err := tx.Exec("DELETE FROM schema_version"); err != nil {
			return err
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version, applied_at) VALUES (?, strftime('%s','now')*1000)", SchemaVersion); err != nil {
			return fmt.Errorf("failed to record schema version: %w", err)
		}
		return nil
	})
}

// currentSchemaVersion returns 0 for a fresh store.
func (db *DB) currentSchemaVersion() (int, error) {
	var hasTable int
	err := db.conn.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'").Scan(&hasTable)
	if err != nil {
		return 0, err
	}
	if hasTable == 0 {
		return 0, nil
	}

	var version sql.NullInt64
	err = db.conn.QueryRow("SELECT MAX(version) FROM schema_version").Scan(&version)
	if err != nil {
		return 0, err
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}
