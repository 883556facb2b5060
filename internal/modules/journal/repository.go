// Package journal persists the trade journal. Every position gets exactly one
// row: inserted at entry, updated exactly once at exit, and optionally
// enriched with post-exit prices. The journal is the ground truth the
// learning loop reads from.
package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/aristath/kestrel/internal/domain"
	"github.com/rs/zerolog"
)

// journalColumns is the column list for the journal table. Order must match
// the scan helpers below.
const journalColumns = `id, trade_id, symbol, direction, size_usd, strategy_id, pattern_id, regime,
	hour_of_day, day_of_week, entry_price, entry_ts, exit_price, exit_ts, exit_reason,
	pnl_usd, pnl_pct, duration_ms, closed, price_after_1m, price_after_5m, price_after_15m`

// ErrAlreadyClosed is returned when an exit is recorded twice for a trade.
var ErrAlreadyClosed = errors.New("journal entry already closed")

// Repository handles journal database operations.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a journal repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "journal").Logger(),
	}
}

// RecordEntry inserts the entry row for a newly opened position. Duplicate
// trade IDs are rejected by the UNIQUE constraint.
func (r *Repository) RecordEntry(e domain.JournalEntry) error {
	query := `
		INSERT INTO journal
		(trade_id, symbol, direction, size_usd, strategy_id, pattern_id, regime,
		 hour_of_day, day_of_week, entry_price, entry_ts, closed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
	`

	_, err := r.db.Exec(query,
		e.TradeID,
		strings.ToUpper(strings.TrimSpace(e.Symbol)),
		string(e.Direction),
		e.SizeUSD,
		e.StrategyID,
		nullString(e.PatternID),
		e.Regime,
		e.HourOfDay,
		e.DayOfWeek,
		e.EntryPrice,
		e.EntryTsMs,
	)
	if err != nil {
		return fmt.Errorf("failed to record journal entry: %w", err)
	}

	r.log.Info().
		Str("trade_id", e.TradeID).
		Str("symbol", e.Symbol).
		Str("direction", string(e.Direction)).
		Float64("size_usd", e.SizeUSD).
		Msg("Journal entry recorded")

	return nil
}

// RecordExit closes the entry row for a trade. The update is guarded on
// closed=0 so a second exit for the same trade returns ErrAlreadyClosed
// instead of overwriting the first. An exit timestamp earlier than the entry
// would produce a negative duration; that is rejected without touching the row.
func (r *Repository) RecordExit(tradeID string, exitPrice float64, exitTsMs int64, reason domain.ExitReason, pnlUSD, pnlPct float64) error {
	var entryTs int64
	var closed int
	err := r.db.QueryRow("SELECT entry_ts, closed FROM journal WHERE trade_id = ?", tradeID).Scan(&entryTs, &closed)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("trade %s has no journal entry", tradeID)
	}
	if err != nil {
		return fmt.Errorf("failed to look up journal entry: %w", err)
	}
	if closed != 0 {
		return fmt.Errorf("trade %s: %w", tradeID, ErrAlreadyClosed)
	}
	if exitTsMs < entryTs {
		r.log.Error().
			Str("trade_id", tradeID).
			Int64("entry_ts", entryTs).
			Int64("exit_ts", exitTsMs).
			Msg("Exit timestamp precedes entry, refusing to close trade")
		return fmt.Errorf("trade %s: exit ts %d precedes entry ts %d", tradeID, exitTsMs, entryTs)
	}

	query := `
		UPDATE journal
		SET exit_price = ?, exit_ts = ?, exit_reason = ?, pnl_usd = ?, pnl_pct = ?,
		    duration_ms = ? - entry_ts, closed = 1
		WHERE trade_id = ? AND closed = 0
	`

	res, err := r.db.Exec(query, exitPrice, exitTsMs, string(reason), pnlUSD, pnlPct, exitTsMs, tradeID)
	if err != nil {
		return fmt.Errorf("failed to record journal exit: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check journal exit: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("trade %s: %w", tradeID, ErrAlreadyClosed)
	}

	r.log.Info().
		Str("trade_id", tradeID).
		Str("reason", string(reason)).
		Float64("pnl_usd", pnlUSD).
		Msg("Journal exit recorded")

	return nil
}

// EnrichPostExit fills the post-exit price columns for a closed trade. Only
// non-nil samples are written, so partial enrichment (daemon restarted inside
// the window) keeps whatever was captured.
func (r *Repository) EnrichPostExit(tradeID string, after1m, after5m, after15m *float64) error {
	query := `
		UPDATE journal
		SET price_after_1m  = COALESCE(?, price_after_1m),
		    price_after_5m  = COALESCE(?, price_after_5m),
		    price_after_15m = COALESCE(?, price_after_15m)
		WHERE trade_id = ? AND closed = 1
	`

	_, err := r.db.Exec(query, nullFloat(after1m), nullFloat(after5m), nullFloat(after15m), tradeID)
	if err != nil {
		return fmt.Errorf("failed to enrich journal entry: %w", err)
	}
	return nil
}

// Filter narrows journal queries. Zero values mean "no constraint".
type Filter struct {
	Symbol     string
	PatternID  string
	SinceTsMs  int64
	UntilTsMs  int64
	ClosedOnly bool
	Limit      int
}

// Query returns journal entries matching the filter, most recent entry first.
func (r *Repository) Query(f Filter) ([]domain.JournalEntry, error) {
	var conds []string
	var args []interface{}

	if f.Symbol != "" {
		conds = append(conds, "symbol = ?")
		args = append(args, strings.ToUpper(f.Symbol))
	}
	if f.PatternID != "" {
		conds = append(conds, "pattern_id = ?")
		args = append(args, f.PatternID)
	}
	if f.SinceTsMs > 0 {
		conds = append(conds, "entry_ts >= ?")
		args = append(args, f.SinceTsMs)
	}
	if f.UntilTsMs > 0 {
		conds = append(conds, "entry_ts <= ?")
		args = append(args, f.UntilTsMs)
	}
	if f.ClosedOnly {
		conds = append(conds, "closed = 1")
	}

	query := "SELECT " + journalColumns + " FROM journal"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY entry_ts DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var entries []domain.JournalEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating journal: %w", err)
	}

	return entries, nil
}

// GetByTradeID returns the entry for a trade, or nil when absent.
func (r *Repository) GetByTradeID(tradeID string) (*domain.JournalEntry, error) {
	query := "SELECT " + journalColumns + " FROM journal WHERE trade_id = ?"

	rows, err := r.db.Query(query, tradeID)
	if err != nil {
		return nil, fmt.Errorf("failed to get journal entry: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	e, err := scanEntry(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan journal entry: %w", err)
	}
	return &e, nil
}

// ClosedSince returns closed trades that exited at or after the cutoff,
// oldest exit first. This is the reflection engine's working set.
func (r *Repository) ClosedSince(sinceTsMs int64) ([]domain.JournalEntry, error) {
	query := "SELECT " + journalColumns + ` FROM journal
		WHERE closed = 1 AND exit_ts >= ?
		ORDER BY exit_ts ASC`

	rows, err := r.db.Query(query, sinceTsMs)
	if err != nil {
		return nil, fmt.Errorf("failed to query closed trades: %w", err)
	}
	defer rows.Close()

	var entries []domain.JournalEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating journal: %w", err)
	}

	return entries, nil
}

// CountClosedSince counts trades that exited at or after the cutoff.
func (r *Repository) CountClosedSince(sinceTsMs int64) (int, error) {
	var count int
	err := r.db.QueryRow(
		"SELECT COUNT(*) FROM journal WHERE closed = 1 AND exit_ts >= ?", sinceTsMs).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count closed trades: %w", err)
	}
	return count, nil
}

// Metrics aggregates closed-trade performance since the cutoff (0 = all time).
func (r *Repository) Metrics(sinceTsMs int64) (domain.Metrics, error) {
	query := `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN pnl_usd > 0 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(pnl_usd), 0)
		FROM journal
		WHERE closed = 1 AND exit_ts >= ?
	`

	var trades, wins int
	var totalPnl float64
	if err := r.db.QueryRow(query, sinceTsMs).Scan(&trades, &wins, &totalPnl); err != nil {
		return domain.Metrics{}, fmt.Errorf("failed to aggregate journal metrics: %w", err)
	}

	m := domain.Metrics{Trades: trades, TotalPnl: totalPnl}
	if trades > 0 {
		m.WinRate = float64(wins) / float64(trades)
	}
	return m, nil
}

// DailyPnl is one day of realized P&L, keyed by UTC date.
type DailyPnl struct {
	Date   string
	Trades int
	PnlUSD float64
}

// DailyPnlSince returns realized P&L per UTC day for closed trades, oldest
// day first.
func (r *Repository) DailyPnlSince(sinceTsMs int64) ([]DailyPnl, error) {
	query := `
		SELECT date(exit_ts / 1000, 'unixepoch') AS day, COUNT(*), COALESCE(SUM(pnl_usd), 0)
		FROM journal
		WHERE closed = 1 AND exit_ts >= ?
		GROUP BY day
		ORDER BY day ASC
	`

	rows, err := r.db.Query(query, sinceTsMs)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily pnl: %w", err)
	}
	defer rows.Close()

	var days []DailyPnl
	for rows.Next() {
		var d DailyPnl
		if err := rows.Scan(&d.Date, &d.Trades, &d.PnlUSD); err != nil {
			return nil, fmt.Errorf("failed to scan daily pnl: %w", err)
		}
		days = append(days, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating daily pnl: %w", err)
	}

	return days, nil
}

// PendingEnrichment returns closed trades whose 15m sample is still missing
// and whose exit is recent enough for samples to be collectable.
func (r *Repository) PendingEnrichment(sinceTsMs int64) ([]domain.JournalEntry, error) {
	query := "SELECT " + journalColumns + ` FROM journal
		WHERE closed = 1 AND price_after_15m IS NULL AND exit_ts >= ?
		ORDER BY exit_ts ASC`

	rows, err := r.db.Query(query, sinceTsMs)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending enrichment: %w", err)
	}
	defer rows.Close()

	var entries []domain.JournalEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating journal: %w", err)
	}

	return entries, nil
}

func scanEntry(rows *sql.Rows) (domain.JournalEntry, error) {
	var e domain.JournalEntry
	var direction, patternID, exitReason sql.NullString
	var exitPrice, pnlUSD, pnlPct sql.NullFloat64
	var exitTs, durationMs sql.NullInt64
	var after1m, after5m, after15m sql.NullFloat64
	var closed int

	err := rows.Scan(
		&e.ID,
		&e.TradeID,
		&e.Symbol,
		&direction,
		&e.SizeUSD,
		&e.StrategyID,
		&patternID,
		&e.Regime,
		&e.HourOfDay,
		&e.DayOfWeek,
		&e.EntryPrice,
		&e.EntryTsMs,
		&exitPrice,
		&exitTs,
		&exitReason,
		&pnlUSD,
		&pnlPct,
		&durationMs,
		&closed,
		&after1m,
		&after5m,
		&after15m,
	)
	if err != nil {
		return e, err
	}

	e.Direction = domain.Direction(direction.String)
	e.PatternID = patternID.String
	e.ExitPrice = exitPrice.Float64
	e.ExitTsMs = exitTs.Int64
	e.ExitReason = domain.ExitReason(exitReason.String)
	e.PnlUSD = pnlUSD.Float64
	e.PnlPct = pnlPct.Float64
	e.DurationMs = durationMs.Int64
	e.Closed = closed != 0
	if after1m.Valid {
		e.PriceAfter1m = &after1m.Float64
	}
	if after5m.Valid {
		e.PriceAfter5m = &after5m.Float64
	}
	if after15m.Valid {
		e.PriceAfter15m = &after15m.Float64
	}

	return e, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
