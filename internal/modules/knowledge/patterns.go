package knowledge

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/aristath/kestrel/internal/domain"
	"github.com/rs/zerolog"
)

// bayesAlpha is the pseudocount for pattern confidence. A fresh pattern sits
// at 0.5 and individual outcomes move it slowly until real evidence
// accumulates: confidence = (wins + alpha) / (trades + 2*alpha).
const bayesAlpha = 5.0

const patternColumns = `pattern_id, description, entry_conditions, exit_conditions,
	times_used, wins, losses, total_pnl, confidence, active, created_at, last_used_at`

// PatternRepository handles pattern database operations.
type PatternRepository struct {
	db  DBTX
	log zerolog.Logger
}

// NewPatternRepository creates a pattern repository.
func NewPatternRepository(db DBTX, log zerolog.Logger) *PatternRepository {
	return &PatternRepository{db: db, log: log.With().Str("repo", "patterns").Logger()}
}

func (r *PatternRepository) withTx(tx *sql.Tx) *PatternRepository {
	return &PatternRepository{db: tx, log: r.log}
}

// BayesianConfidence computes pattern confidence from outcome counts.
func BayesianConfidence(wins, trades int) float64 {
	return (float64(wins) + bayesAlpha) / (float64(trades) + 2*bayesAlpha)
}

// Get returns a pattern by id, or nil when absent.
func (r *PatternRepository) Get(patternID string) (*domain.Pattern, error) {
	row := r.db.QueryRow("SELECT "+patternColumns+" FROM patterns WHERE pattern_id = ?", patternID)

	p, err := scanPattern(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pattern: %w", err)
	}
	return &p, nil
}

// All returns every pattern, most recently used first.
func (r *PatternRepository) All() ([]domain.Pattern, error) {
	return r.query("SELECT " + patternColumns + " FROM patterns ORDER BY last_used_at DESC")
}

// Active returns patterns available to the strategist.
func (r *PatternRepository) Active() ([]domain.Pattern, error) {
	return r.query("SELECT " + patternColumns + " FROM patterns WHERE active = 1 ORDER BY confidence DESC")
}

func (r *PatternRepository) query(q string, args ...interface{}) ([]domain.Pattern, error) {
	rows, err := r.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query patterns: %w", err)
	}
	defer rows.Close()

	var patterns []domain.Pattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pattern: %w", err)
		}
		patterns = append(patterns, p)
	}
	return patterns, rows.Err()
}

// Create inserts a new pattern. Confidence starts at the Bayesian prior.
func (r *PatternRepository) Create(p domain.Pattern) error {
	if p.Confidence == 0 {
		p.Confidence = BayesianConfidence(0, 0)
	}

	query := `
		INSERT INTO patterns
		(pattern_id, description, entry_conditions, exit_conditions,
		 times_used, wins, losses, total_pnl, confidence, active, created_at, last_used_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.Exec(query,
		p.PatternID, p.Description, p.EntryConditions, p.ExitConditions,
		p.TimesUsed, p.Wins, p.Losses, p.TotalPnl, p.Confidence,
		boolToInt(p.Active), p.CreatedAtMs, p.LastUsedAtMs,
	)
	if err != nil {
		return fmt.Errorf("failed to create pattern: %w", err)
	}

	r.log.Info().Str("pattern_id", p.PatternID).Msg("Pattern created")
	return nil
}

// RecordOutcome folds one closed trade into the pattern's aggregates and
// recomputes its Bayesian confidence.
func (r *PatternRepository) RecordOutcome(patternID string, won bool, pnlUSD float64, nowMs int64) error {
	p, err := r.Get(patternID)
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("pattern %s not found", patternID)
	}

	p.TimesUsed++
	if won {
		p.Wins++
	} else {
		p.Losses++
	}
	p.TotalPnl += pnlUSD
	p.Confidence = BayesianConfidence(p.Wins, p.Wins+p.Losses)
	p.LastUsedAtMs = nowMs

	query := `
		UPDATE patterns
		SET times_used = ?, wins = ?, losses = ?, total_pnl = ?, confidence = ?, last_used_at = ?
		WHERE pattern_id = ?
	`
	_, err = r.db.Exec(query, p.TimesUsed, p.Wins, p.Losses, p.TotalPnl, p.Confidence, p.LastUsedAtMs, patternID)
	if err != nil {
		return fmt.Errorf("failed to record pattern outcome: %w", err)
	}
	return nil
}

// SetActive toggles a pattern's availability to the strategist.
func (r *PatternRepository) SetActive(patternID string, active bool) error {
	res, err := r.db.Exec("UPDATE patterns SET active = ? WHERE pattern_id = ?", boolToInt(active), patternID)
	if err != nil {
		return fmt.Errorf("failed to set pattern active: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to set pattern active: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("pattern %s not found", patternID)
	}

	r.log.Info().Str("pattern_id", patternID).Bool("active", active).Msg("Pattern availability changed")
	return nil
}

func scanPattern(row scoreScanner) (domain.Pattern, error) {
	var p domain.Pattern
	var active int

	err := row.Scan(
		&p.PatternID, &p.Description, &p.EntryConditions, &p.ExitConditions,
		&p.TimesUsed, &p.Wins, &p.Losses, &p.TotalPnl, &p.Confidence,
		&active, &p.CreatedAtMs, &p.LastUsedAtMs,
	)
	if err != nil {
		return p, err
	}
	p.Active = active != 0
	return p, nil
}
