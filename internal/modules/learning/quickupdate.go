// Package learning is the feedback loop: fast per-trade score updates, the
// periodic LLM reflection, guarded knowledge-store adaptations, and the
// post-hoc effectiveness measurement that rolls harmful ones back.
package learning

import (
	"fmt"

	"github.com/aristath/kestrel/internal/config"
	"github.com/aristath/kestrel/internal/domain"
	"github.com/aristath/kestrel/internal/modules/journal"
	"github.com/aristath/kestrel/internal/modules/knowledge"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// trendWindow is how many recent trades feed the trend comparison: the last
// five against the five before them.
const trendWindow = 5

// ReflectionNotifier receives the trade-closed nudge after a quick update.
type ReflectionNotifier interface {
	OnTradeClosed()
}

// QuickUpdater applies the pure-arithmetic score update after every exit.
// No LLM involvement; runs synchronously on the exit hook.
type QuickUpdater struct {
	cfg      *config.Config
	store    *knowledge.Store
	journal  *journal.Repository
	notifier ReflectionNotifier
	log      zerolog.Logger
}

// NewQuickUpdater creates the per-trade updater.
func NewQuickUpdater(cfg *config.Config, store *knowledge.Store, jr *journal.Repository, notifier ReflectionNotifier, log zerolog.Logger) *QuickUpdater {
	return &QuickUpdater{
		cfg:      cfg,
		store:    store,
		journal:  jr,
		notifier: notifier,
		log:      log.With().Str("component", "quick_update").Logger(),
	}
}

// OnExit is wired as a sniper exit hook.
func (q *QuickUpdater) OnExit(pos domain.Position, reason domain.ExitReason, pnlUSD float64, exitTsMs int64) {
	if err := q.Apply(pos.Symbol, pos.PatternID, pnlUSD, exitTsMs); err != nil {
		q.log.Error().Err(err).Str("symbol", pos.Symbol).Msg("Quick update failed")
		return
	}
	if q.notifier != nil {
		q.notifier.OnTradeClosed()
	}
}

// Apply updates the coin score (and pattern, when set) for one closed trade,
// then re-evaluates the status thresholds. Score and pattern writes share one
// transaction.
func (q *QuickUpdater) Apply(symbol, patternID string, pnlUSD float64, exitTsMs int64) error {
	symbol = domain.NormalizeSymbol(symbol)
	won := pnlUSD > 0

	trend, err := q.trendFor(symbol)
	if err != nil {
		q.log.Warn().Err(err).Str("symbol", symbol).Msg("Trend computation failed, keeping stable")
		trend = "stable"
	}

	var statusChange *domain.Adaptation

	err = q.store.WithTransaction(func(tx *knowledge.Store) error {
		score, err := tx.Scores.Get(symbol)
		if err != nil {
			return err
		}
		if score == nil {
			score = &domain.CoinScore{Symbol: symbol, Status: domain.CoinUnknown, Trend: "stable"}
		}

		updateScore(score, won, pnlUSD)
		score.Trend = trend
		score.LastUpdatedMs = exitTsMs

		newStatus := q.statusFor(score)
		if newStatus != score.Status {
			statusChange = q.statusAdaptation(score, newStatus, exitTsMs)
			q.log.Info().
				Str("symbol", symbol).
				Str("from", string(score.Status)).
				Str("to", string(newStatus)).
				Float64("win_rate", score.WinRate).
				Float64("total_pnl", score.TotalPnl).
				Msg("Coin status changed by threshold check")
			score.Status = newStatus
			if newStatus == domain.CoinBlacklisted {
				score.BlacklistReason = fmt.Sprintf("win rate %.0f%% with %.2f USD total pnl over %d trades",
					score.WinRate*100, score.TotalPnl, score.Trades)
			} else {
				score.BlacklistReason = ""
			}
		}

		if err := tx.Scores.Save(*score); err != nil {
			return err
		}

		if patternID != "" {
			if err := tx.Patterns.RecordOutcome(patternID, won, pnlUSD, exitTsMs); err != nil {
				return err
			}
		}

		if statusChange != nil {
			return tx.Adaptations.Create(*statusChange)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("quick update for %s: %w", symbol, err)
	}
	return nil
}

// updateScore folds one trade into the running aggregates.
func updateScore(s *domain.CoinScore, won bool, pnlUSD float64) {
	if won {
		s.AvgWinner = (s.AvgWinner*float64(s.Wins) + pnlUSD) / float64(s.Wins+1)
		s.Wins++
	} else {
		s.AvgLoser = (s.AvgLoser*float64(s.Losses) + pnlUSD) / float64(s.Losses+1)
		s.Losses++
	}
	s.Trades++
	s.TotalPnl += pnlUSD
	s.WinRate = float64(s.Wins) / float64(s.Trades)
	s.AvgPnl = s.TotalPnl / float64(s.Trades)
}

// statusFor applies the threshold ladder. Below the minimum sample size the
// status is left alone; promotion and demotion use the same predicates.
func (q *QuickUpdater) statusFor(s *domain.CoinScore) domain.CoinStatus {
	if s.Trades < q.cfg.MinTradesForAdaptation {
		return s.Status
	}
	switch {
	case s.WinRate < q.cfg.BlacklistWinRate && s.TotalPnl < 0:
		return domain.CoinBlacklisted
	case s.WinRate < q.cfg.ReducedWinRate:
		return domain.CoinReduced
	case s.WinRate > q.cfg.FavoredWinRate && s.TotalPnl > 0:
		return domain.CoinFavored
	default:
		return domain.CoinNormal
	}
}

// statusAdaptation records the threshold-driven status change as an applied
// adaptation so the effectiveness monitor measures it like any other.
func (q *QuickUpdater) statusAdaptation(score *domain.CoinScore, newStatus domain.CoinStatus, nowMs int64) *domain.Adaptation {
	var action domain.AdaptationAction
	switch newStatus {
	case domain.CoinBlacklisted:
		action = domain.ActionBlacklist
	case domain.CoinReduced:
		action = domain.ActionReduce
	case domain.CoinFavored:
		action = domain.ActionFavor
	default:
		if score.Status == domain.CoinBlacklisted {
			action = domain.ActionUnblacklist
		} else {
			// FAVORED or REDUCED back to NORMAL is a plain status write,
			// not worth an adaptation row.
			return nil
		}
	}

	pre, _ := metricsJSON(domain.Metrics{Trades: score.Trades, WinRate: score.WinRate, TotalPnl: score.TotalPnl})
	reason := fmt.Sprintf("threshold: win rate %.2f, total pnl %.2f over %d trades", score.WinRate, score.TotalPnl, score.Trades)

	return &domain.Adaptation{
		ID:            uuid.New().String(),
		TsMs:          nowMs,
		Action:        action,
		Target:        score.Symbol,
		Description:   reason,
		PreMetrics:    pre,
		Confidence:    1.0,
		AutoApplied:   true,
		Effectiveness: domain.EffectPending,
		ReasonHash:    knowledge.ReasonHash(action, score.Symbol, reason),
	}
}

// trendFor compares the average pnl of the last five closed trades against
// the five before them. Fewer than ten trades is stable.
func (q *QuickUpdater) trendFor(symbol string) (string, error) {
	entries, err := q.journal.Query(journal.Filter{
		Symbol:     symbol,
		ClosedOnly: true,
		Limit:      2 * trendWindow,
	})
	if err != nil {
		return "stable", err
	}
	if len(entries) < 2*trendWindow {
		return "stable", nil
	}

	// Query returns newest first.
	var recent, previous float64
	for i := 0; i < trendWindow; i++ {
		recent += entries[i].PnlUSD
		previous += entries[trendWindow+i].PnlUSD
	}
	recent /= trendWindow
	previous /= trendWindow

	switch {
	case recent > previous+1e-9:
		return "improving", nil
	case recent < previous-1e-9:
		return "declining", nil
	default:
		return "stable", nil
	}
}
