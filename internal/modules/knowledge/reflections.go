package knowledge

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aristath/kestrel/internal/domain"
	"github.com/rs/zerolog"
)

// ReflectionRepository persists reflection cycles and their insights.
type ReflectionRepository struct {
	db  DBTX
	log zerolog.Logger
}

// NewReflectionRepository creates a reflection repository.
func NewReflectionRepository(db DBTX, log zerolog.Logger) *ReflectionRepository {
	return &ReflectionRepository{db: db, log: log.With().Str("repo", "reflections").Logger()}
}

func (r *ReflectionRepository) withTx(tx *sql.Tx) *ReflectionRepository {
	return &ReflectionRepository{db: tx, log: r.log}
}

// Create stores a reflection and its insights. Callers wanting atomicity run
// this through Store.WithTransaction.
func (r *ReflectionRepository) Create(ref domain.Reflection, insights []domain.Insight) error {
	_, err := r.db.Exec(`
		INSERT INTO reflections (id, ts, window_start, window_end, trades_analyzed, summary, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ref.ID, ref.TsMs, ref.WindowStartMs, ref.WindowEndMs, ref.TradesAnalyzed, ref.Summary, ref.DurationMs)
	if err != nil {
		return fmt.Errorf("failed to create reflection: %w", err)
	}

	for _, ins := range insights {
		evidence, err := json.Marshal(ins.Evidence)
		if err != nil {
			return fmt.Errorf("failed to encode insight evidence: %w", err)
		}

		_, err = r.db.Exec(`
			INSERT INTO insights
			(id, reflection_id, type, category, title, description, evidence, suggested_action, confidence, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ins.ID, ref.ID, ins.Type, string(ins.Category), ins.Title, ins.Description,
			string(evidence), ins.SuggestedAction, ins.Confidence, ref.TsMs)
		if err != nil {
			return fmt.Errorf("failed to create insight: %w", err)
		}
	}

	r.log.Info().
		Str("id", ref.ID).
		Int("trades_analyzed", ref.TradesAnalyzed).
		Int("insights", len(insights)).
		Msg("Reflection stored")

	return nil
}

// Latest returns the most recent reflection, or nil when none exist.
func (r *ReflectionRepository) Latest() (*domain.Reflection, error) {
	row := r.db.QueryRow(`
		SELECT id, ts, window_start, window_end, trades_analyzed, summary, duration_ms
		FROM reflections ORDER BY ts DESC LIMIT 1`)

	var ref domain.Reflection
	err := row.Scan(&ref.ID, &ref.TsMs, &ref.WindowStartMs, &ref.WindowEndMs,
		&ref.TradesAnalyzed, &ref.Summary, &ref.DurationMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest reflection: %w", err)
	}
	return &ref, nil
}

// Count returns the number of completed reflections.
func (r *ReflectionRepository) Count() (int, error) {
	var count int
	if err := r.db.QueryRow("SELECT COUNT(*) FROM reflections").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count reflections: %w", err)
	}
	return count, nil
}

// InsightsFor returns the insights of one reflection.
func (r *ReflectionRepository) InsightsFor(reflectionID string) ([]domain.Insight, error) {
	rows, err := r.db.Query(`
		SELECT id, type, category, title, description, evidence, suggested_action, confidence
		FROM insights WHERE reflection_id = ? ORDER BY confidence DESC`, reflectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query insights: %w", err)
	}
	defer rows.Close()

	var insights []domain.Insight
	for rows.Next() {
		var ins domain.Insight
		var category, evidence string
		if err := rows.Scan(&ins.ID, &ins.Type, &category, &ins.Title, &ins.Description,
			&evidence, &ins.SuggestedAction, &ins.Confidence); err != nil {
			return nil, fmt.Errorf("failed to scan insight: %w", err)
		}
		ins.Category = domain.InsightCategory(category)
		if err := json.Unmarshal([]byte(evidence), &ins.Evidence); err != nil {
			return nil, fmt.Errorf("failed to decode insight evidence: %w", err)
		}
		insights = append(insights, ins)
	}
	return insights, rows.Err()
}
