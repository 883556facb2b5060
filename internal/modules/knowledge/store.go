// Package knowledge persists the engine's accumulated beliefs: per-symbol
// scores, patterns, regime rules, adaptations, reflections with their
// insights, and the restart checkpoint. Everything the learning loop knows
// lives here; the strategist only ever reads a snapshot of it.
package knowledge

import (
	"database/sql"

	"github.com/aristath/kestrel/internal/database"
	"github.com/rs/zerolog"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx, so repositories can run
// standalone or inside a caller-owned transaction.
type DBTX interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

// Store bundles the knowledge repositories over a single SQLite store.
type Store struct {
	db *database.DB

	Scores      *ScoreRepository
	Patterns    *PatternRepository
	Rules       *RuleRepository
	Adaptations *AdaptationRepository
	Reflections *ReflectionRepository
	State       *StateRepository
}

// NewStore creates the knowledge store over an opened database.
func NewStore(db *database.DB, log zerolog.Logger) *Store {
	conn := db.Conn()
	return &Store{
		db:          db,
		Scores:      NewScoreRepository(conn, log),
		Patterns:    NewPatternRepository(conn, log),
		Rules:       NewRuleRepository(conn, log),
		Adaptations: NewAdaptationRepository(conn, log),
		Reflections: NewReflectionRepository(conn, log),
		State:       NewStateRepository(conn, log),
	}
}

// WithTransaction runs fn inside one transaction. fn receives tx-bound
// repository copies so multi-table mutations commit or roll back together.
func (s *Store) WithTransaction(fn func(tx *Store) error) error {
	return database.WithTransaction(s.db.Conn(), func(tx *sql.Tx) error {
		bound := &Store{
			db:          s.db,
			Scores:      s.Scores.withTx(tx),
			Patterns:    s.Patterns.withTx(tx),
			Rules:       s.Rules.withTx(tx),
			Adaptations: s.Adaptations.withTx(tx),
			Reflections: s.Reflections.withTx(tx),
			State:       s.State.withTx(tx),
		}
		return fn(bound)
	})
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
