package knowledge

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/aristath/kestrel/internal/domain"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// runtimeStateKey is the single row the restart checkpoint lives under.
const runtimeStateKey = "runtime"

// StateRepository persists the restart checkpoint as a msgpack blob.
type StateRepository struct {
	db  DBTX
	log zerolog.Logger
}

// NewStateRepository creates a runtime state repository.
func NewStateRepository(db DBTX, log zerolog.Logger) *StateRepository {
	return &StateRepository{db: db, log: log.With().Str("repo", "runtime_state").Logger()}
}

func (r *StateRepository) withTx(tx *sql.Tx) *StateRepository {
	return &StateRepository{db: tx, log: r.log}
}

// Save writes the checkpoint, replacing any previous one.
func (r *StateRepository) Save(state domain.RuntimeState) error {
	blob, err := msgpack.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode runtime state: %w", err)
	}

	_, err = r.db.Exec(`
		INSERT INTO runtime_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		runtimeStateKey, blob, state.SavedAtMs)
	if err != nil {
		return fmt.Errorf("failed to save runtime state: %w", err)
	}

	r.log.Debug().
		Int("positions", len(state.Positions)).
		Int("conditions", len(state.Conditions)).
		Int("bytes", len(blob)).
		Msg("Runtime state saved")

	return nil
}

// Load returns the checkpoint, or nil on a fresh store.
func (r *StateRepository) Load() (*domain.RuntimeState, error) {
	var blob []byte
	err := r.db.QueryRow(
		"SELECT value FROM runtime_state WHERE key = ?", runtimeStateKey).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load runtime state: %w", err)
	}

	var state domain.RuntimeState
	if err := msgpack.Unmarshal(blob, &state); err != nil {
		return nil, fmt.Errorf("failed to decode runtime state: %w", err)
	}
	return &state, nil
}
