package knowledge

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/aristath/kestrel/internal/domain"
	"github.com/rs/zerolog"
)

const adaptationColumns = `id, ts, insight_id, action, target, description, pre_metrics, post_metrics,
	confidence, auto_applied, effectiveness, measured_at, rolled_back, rollback_reason, reason_hash`

// AdaptationRepository handles the append-only adaptation log.
type AdaptationRepository struct {
	db  DBTX
	log zerolog.Logger
}

// NewAdaptationRepository creates an adaptation repository.
func NewAdaptationRepository(db DBTX, log zerolog.Logger) *AdaptationRepository {
	return &AdaptationRepository{db: db, log: log.With().Str("repo", "adaptations").Logger()}
}

func (r *AdaptationRepository) withTx(tx *sql.Tx) *AdaptationRepository {
	return &AdaptationRepository{db: tx, log: r.log}
}

// ReasonHash derives the idempotency key for an adaptation from its action,
// target and triggering reason.
func ReasonHash(action domain.AdaptationAction, target, reason string) string {
	sum := sha256.Sum256([]byte(string(action) + "\x00" + target + "\x00" + reason))
	return hex.EncodeToString(sum[:16])
}

// Create appends an adaptation to the log.
func (r *AdaptationRepository) Create(a domain.Adaptation) error {
	if a.Effectiveness == "" {
		a.Effectiveness = domain.EffectPending
	}

	query := `
		INSERT INTO adaptations
		(id, ts, insight_id, action, target, description, pre_metrics,
		 confidence, auto_applied, effectiveness, reason_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.Exec(query,
		a.ID, a.TsMs, nullString(a.InsightID), string(a.Action), a.Target,
		a.Description, a.PreMetrics, a.Confidence, boolToInt(a.AutoApplied),
		string(a.Effectiveness), a.ReasonHash,
	)
	if err != nil {
		return fmt.Errorf("failed to create adaptation: %w", err)
	}

	r.log.Info().
		Str("id", a.ID).
		Str("action", string(a.Action)).
		Str("target", a.Target).
		Float64("confidence", a.Confidence).
		Msg("Adaptation applied")

	return nil
}

// Get returns an adaptation by id, or nil when absent.
func (r *AdaptationRepository) Get(id string) (*domain.Adaptation, error) {
	row := r.db.QueryRow("SELECT "+adaptationColumns+" FROM adaptations WHERE id = ?", id)

	a, err := scanAdaptation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get adaptation: %w", err)
	}
	return &a, nil
}

// Recent returns the latest adaptations, newest first.
func (r *AdaptationRepository) Recent(limit int) ([]domain.Adaptation, error) {
	return r.query("SELECT "+adaptationColumns+" FROM adaptations ORDER BY ts DESC LIMIT ?", limit)
}

// PendingMeasurement returns adaptations whose effectiveness is still pending
// and that were applied at or before the cutoff, oldest first. The monitor
// only measures adaptations that have had time to influence outcomes.
func (r *AdaptationRepository) PendingMeasurement(appliedBeforeMs int64) ([]domain.Adaptation, error) {
	return r.query(`
		SELECT `+adaptationColumns+` FROM adaptations
		WHERE effectiveness = ? AND rolled_back = 0 AND ts <= ?
		ORDER BY ts ASC`, string(domain.EffectPending), appliedBeforeMs)
}

func (r *AdaptationRepository) query(q string, args ...interface{}) ([]domain.Adaptation, error) {
	rows, err := r.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query adaptations: %w", err)
	}
	defer rows.Close()

	var adaptations []domain.Adaptation
	for rows.Next() {
		a, err := scanAdaptation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan adaptation: %w", err)
		}
		adaptations = append(adaptations, a)
	}
	return adaptations, rows.Err()
}

// Finalize writes the measured effectiveness. Written exactly once: a second
// finalize for the same adaptation is an error.
func (r *AdaptationRepository) Finalize(id string, postMetrics string, eff domain.Effectiveness, measuredAtMs int64) error {
	res, err := r.db.Exec(`
		UPDATE adaptations
		SET post_metrics = ?, effectiveness = ?, measured_at = ?
		WHERE id = ? AND effectiveness = ?`,
		postMetrics, string(eff), measuredAtMs, id, string(domain.EffectPending))
	if err != nil {
		return fmt.Errorf("failed to finalize adaptation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to finalize adaptation: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("adaptation %s is not pending", id)
	}

	r.log.Info().Str("id", id).Str("effectiveness", string(eff)).Msg("Adaptation effectiveness measured")
	return nil
}

// MarkRolledBack flags an adaptation as reverted.
func (r *AdaptationRepository) MarkRolledBack(id, reason string) error {
	res, err := r.db.Exec(`
		UPDATE adaptations
		SET rolled_back = 1, rollback_reason = ?
		WHERE id = ? AND rolled_back = 0`, reason, id)
	if err != nil {
		return fmt.Errorf("failed to mark adaptation rolled back: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to mark adaptation rolled back: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("adaptation %s not found or already rolled back", id)
	}

	r.log.Warn().Str("id", id).Str("reason", reason).Msg("Adaptation rolled back")
	return nil
}

// LastForTarget returns the most recent non-rolled-back adaptation touching a
// target, or nil. Used for per-target cooldown enforcement.
func (r *AdaptationRepository) LastForTarget(target string) (*domain.Adaptation, error) {
	row := r.db.QueryRow(`
		SELECT `+adaptationColumns+` FROM adaptations
		WHERE target = ? AND rolled_back = 0
		ORDER BY ts DESC LIMIT 1`, target)

	a, err := scanAdaptation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last adaptation for target: %w", err)
	}
	return &a, nil
}

// ExistsReasonHash reports whether an identical adaptation (same action,
// target and reason) was already applied at or after the cutoff.
func (r *AdaptationRepository) ExistsReasonHash(hash string, sinceTsMs int64) (bool, error) {
	var one int
	err := r.db.QueryRow(`
		SELECT 1 FROM adaptations
		WHERE reason_hash = ? AND ts >= ? AND rolled_back = 0
		LIMIT 1`, hash, sinceTsMs).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check adaptation idempotency: %w", err)
	}
	return true, nil
}

// CountSince counts non-rolled-back adaptations applied at or after the
// cutoff. Used for the global adaptation rate limit.
func (r *AdaptationRepository) CountSince(sinceTsMs int64) (int, error) {
	var count int
	err := r.db.QueryRow(
		"SELECT COUNT(*) FROM adaptations WHERE ts >= ? AND rolled_back = 0", sinceTsMs).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count adaptations: %w", err)
	}
	return count, nil
}

func scanAdaptation(row scoreScanner) (domain.Adaptation, error) {
	var a domain.Adaptation
	var insightID, postMetrics, rollbackReason sql.NullString
	var action, effectiveness string
	var autoApplied, rolledBack int
	var measuredAt sql.NullInt64

	err := row.Scan(
		&a.ID, &a.TsMs, &insightID, &action, &a.Target, &a.Description,
		&a.PreMetrics, &postMetrics, &a.Confidence, &autoApplied,
		&effectiveness, &measuredAt, &rolledBack, &rollbackReason, &a.ReasonHash,
	)
	if err != nil {
		return a, err
	}

	a.InsightID = insightID.String
	a.Action = domain.AdaptationAction(action)
	a.PostMetrics = postMetrics.String
	a.AutoApplied = autoApplied != 0
	a.Effectiveness = domain.Effectiveness(effectiveness)
	a.MeasuredAtMs = measuredAt.Int64
	a.RolledBack = rolledBack != 0
	a.RollbackReason = rollbackReason.String
	return a, nil
}
