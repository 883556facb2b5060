package knowledge

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/aristath/kestrel/internal/domain"
	"github.com/rs/zerolog"
)

const scoreColumns = `symbol, trades, wins, losses, total_pnl, avg_pnl, win_rate,
	avg_winner, avg_loser, trend, status, blacklist_reason, last_updated`

// ScoreRepository handles coin score database operations.
type ScoreRepository struct {
	db  DBTX
	log zerolog.Logger
}

// NewScoreRepository creates a coin score repository.
func NewScoreRepository(db DBTX, log zerolog.Logger) *ScoreRepository {
	return &ScoreRepository{db: db, log: log.With().Str("repo", "coin_scores").Logger()}
}

func (r *ScoreRepository) withTx(tx *sql.Tx) *ScoreRepository {
	return &ScoreRepository{db: tx, log: r.log}
}

// Get returns the score for a symbol, or nil when the symbol has no history.
func (r *ScoreRepository) Get(symbol string) (*domain.CoinScore, error) {
	row := r.db.QueryRow(
		"SELECT "+scoreColumns+" FROM coin_scores WHERE symbol = ?",
		domain.NormalizeSymbol(symbol))

	score, err := scanScore(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get coin score: %w", err)
	}
	return &score, nil
}

// All returns every coin score, keyed by symbol.
func (r *ScoreRepository) All() (map[string]domain.CoinScore, error) {
	rows, err := r.db.Query("SELECT " + scoreColumns + " FROM coin_scores")
	if err != nil {
		return nil, fmt.Errorf("failed to query coin scores: %w", err)
	}
	defer rows.Close()

	scores := make(map[string]domain.CoinScore)
	for rows.Next() {
		score, err := scanScoreRows(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan coin score: %w", err)
		}
		scores[score.Symbol] = score
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating coin scores: %w", err)
	}
	return scores, nil
}

// Save upserts a score. Callers are responsible for keeping the aggregate
// arithmetic consistent (see domain.CoinScore.Consistent).
func (r *ScoreRepository) Save(s domain.CoinScore) error {
	query := `
		INSERT INTO coin_scores
		(symbol, trades, wins, losses, total_pnl, avg_pnl, win_rate,
		 avg_winner, avg_loser, trend, status, blacklist_reason, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			trades = excluded.trades,
			wins = excluded.wins,
			losses = excluded.losses,
			total_pnl = excluded.total_pnl,
			avg_pnl = excluded.avg_pnl,
			win_rate = excluded.win_rate,
			avg_winner = excluded.avg_winner,
			avg_loser = excluded.avg_loser,
			trend = excluded.trend,
			status = excluded.status,
			blacklist_reason = excluded.blacklist_reason,
			last_updated = excluded.last_updated
	`

	_, err := r.db.Exec(query,
		domain.NormalizeSymbol(s.Symbol),
		s.Trades, s.Wins, s.Losses,
		s.TotalPnl, s.AvgPnl, s.WinRate, s.AvgWinner, s.AvgLoser,
		s.Trend, string(s.Status), nullString(s.BlacklistReason), s.LastUpdatedMs,
	)
	if err != nil {
		return fmt.Errorf("failed to save coin score: %w", err)
	}
	return nil
}

// SetStatus changes only the trading status of a symbol, creating the row if
// the symbol has no history yet (operator blacklist before first trade).
func (r *ScoreRepository) SetStatus(symbol string, status domain.CoinStatus, reason string, nowMs int64) error {
	query := `
		INSERT INTO coin_scores (symbol, status, blacklist_reason, last_updated)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			status = excluded.status,
			blacklist_reason = excluded.blacklist_reason,
			last_updated = excluded.last_updated
	`

	_, err := r.db.Exec(query, domain.NormalizeSymbol(symbol), string(status), nullString(reason), nowMs)
	if err != nil {
		return fmt.Errorf("failed to set coin status: %w", err)
	}

	r.log.Info().
		Str("symbol", symbol).
		Str("status", string(status)).
		Str("reason", reason).
		Msg("Coin status changed")

	return nil
}

// Status returns the status of a symbol, UNKNOWN when unseen.
func (r *ScoreRepository) Status(symbol string) (domain.CoinStatus, error) {
	var status string
	err := r.db.QueryRow(
		"SELECT status FROM coin_scores WHERE symbol = ?",
		domain.NormalizeSymbol(symbol)).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CoinUnknown, nil
	}
	if err != nil {
		return domain.CoinUnknown, fmt.Errorf("failed to get coin status: %w", err)
	}
	return domain.CoinStatus(status), nil
}

// Blacklisted returns the symbols currently blacklisted.
func (r *ScoreRepository) Blacklisted() ([]string, error) {
	rows, err := r.db.Query(
		"SELECT symbol FROM coin_scores WHERE status = ? ORDER BY symbol",
		string(domain.CoinBlacklisted))
	if err != nil {
		return nil, fmt.Errorf("failed to query blacklisted symbols: %w", err)
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, fmt.Errorf("failed to scan symbol: %w", err)
		}
		symbols = append(symbols, sym)
	}
	return symbols, rows.Err()
}

type scoreScanner interface {
	Scan(dest ...interface{}) error
}

func scanScore(row scoreScanner) (domain.CoinScore, error) {
	var s domain.CoinScore
	var status string
	var reason sql.NullString

	err := row.Scan(
		&s.Symbol, &s.Trades, &s.Wins, &s.Losses,
		&s.TotalPnl, &s.AvgPnl, &s.WinRate, &s.AvgWinner, &s.AvgLoser,
		&s.Trend, &status, &reason, &s.LastUpdatedMs,
	)
	if err != nil {
		return s, err
	}

	s.Status = domain.CoinStatus(status)
	s.BlacklistReason = reason.String
	return s, nil
}

func scanScoreRows(rows *sql.Rows) (domain.CoinScore, error) {
	return scanScore(rows)
}
