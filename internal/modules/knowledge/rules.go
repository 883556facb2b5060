package knowledge

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/aristath/kestrel/internal/domain"
	"github.com/rs/zerolog"
)

const ruleColumns = `rule_id, description, condition, action, times_triggered, estimated_saves, active, created_at`

// RuleRepository handles regime rule database operations.
type RuleRepository struct {
	db  DBTX
	log zerolog.Logger
}

// NewRuleRepository creates a regime rule repository.
func NewRuleRepository(db DBTX, log zerolog.Logger) *RuleRepository {
	return &RuleRepository{db: db, log: log.With().Str("repo", "regime_rules").Logger()}
}

func (r *RuleRepository) withTx(tx *sql.Tx) *RuleRepository {
	return &RuleRepository{db: tx, log: r.log}
}

// Get returns a rule by id, or nil when absent.
func (r *RuleRepository) Get(ruleID string) (*domain.RegimeRule, error) {
	row := r.db.QueryRow("SELECT "+ruleColumns+" FROM regime_rules WHERE rule_id = ?", ruleID)

	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get regime rule: %w", err)
	}
	return &rule, nil
}

// All returns every rule, newest first.
func (r *RuleRepository) All() ([]domain.RegimeRule, error) {
	return r.query("SELECT " + ruleColumns + " FROM regime_rules ORDER BY created_at DESC")
}

// Active returns rules currently evaluated against the market state.
func (r *RuleRepository) Active() ([]domain.RegimeRule, error) {
	return r.query("SELECT " + ruleColumns + " FROM regime_rules WHERE active = 1 ORDER BY created_at ASC")
}

func (r *RuleRepository) query(q string, args ...interface{}) ([]domain.RegimeRule, error) {
	rows, err := r.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query regime rules: %w", err)
	}
	defer rows.Close()

	var rules []domain.RegimeRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan regime rule: %w", err)
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// Create inserts a new rule.
func (r *RuleRepository) Create(rule domain.RegimeRule) error {
	query := `
		INSERT INTO regime_rules
		(rule_id, description, condition, action, times_triggered, estimated_saves, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.Exec(query,
		rule.RuleID, rule.Description, rule.Condition, string(rule.Action),
		rule.TimesTriggered, rule.EstimatedSaves, boolToInt(rule.Active), rule.CreatedAtMs,
	)
	if err != nil {
		return fmt.Errorf("failed to create regime rule: %w", err)
	}

	r.log.Info().Str("rule_id", rule.RuleID).Str("action", string(rule.Action)).Msg("Regime rule created")
	return nil
}

// RecordTrigger increments the trigger counter and adds the estimated loss
// avoided by suppressing or shrinking the trade.
func (r *RuleRepository) RecordTrigger(ruleID string, estimatedSave float64) error {
	_, err := r.db.Exec(`
		UPDATE regime_rules
		SET times_triggered = times_triggered + 1, estimated_saves = estimated_saves + ?
		WHERE rule_id = ?`, estimatedSave, ruleID)
	if err != nil {
		return fmt.Errorf("failed to record rule trigger: %w", err)
	}
	return nil
}

// SetActive toggles a rule.
func (r *RuleRepository) SetActive(ruleID string, active bool) error {
	res, err := r.db.Exec("UPDATE regime_rules SET active = ? WHERE rule_id = ?", boolToInt(active), ruleID)
	if err != nil {
		return fmt.Errorf("failed to set rule active: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to set rule active: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("regime rule %s not found", ruleID)
	}

	r.log.Info().Str("rule_id", ruleID).Bool("active", active).Msg("Regime rule availability changed")
	return nil
}

func scanRule(row scoreScanner) (domain.RegimeRule, error) {
	var rule domain.RegimeRule
	var action string
	var active int

	err := row.Scan(
		&rule.RuleID, &rule.Description, &rule.Condition, &action,
		&rule.TimesTriggered, &rule.EstimatedSaves, &active, &rule.CreatedAtMs,
	)
	if err != nil {
		return rule, err
	}
	rule.Action = domain.RuleAction(action)
	rule.Active = active != 0
	return rule, nil
}
