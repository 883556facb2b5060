package learning

import (
	"encoding/json"
	"math"
	"time"

	"github.com/aristath/kestrel/internal/domain"
	"github.com/aristath/kestrel/internal/modules/knowledge"
	"github.com/rs/zerolog"
)

// Measurement horizon: an adaptation is judged once its target saw this many
// new trades, or unconditionally after the elapsed window.
const (
	measureMinTrades = 10
	measureAfter     = 24 * time.Hour
)

// EffectivenessMonitor measures pending adaptations and rolls back the
// harmful ones.
type EffectivenessMonitor struct {
	store  *knowledge.Store
	engine *AdaptationEngine
	log    zerolog.Logger
}

// NewEffectivenessMonitor creates the monitor.
func NewEffectivenessMonitor(store *knowledge.Store, engine *AdaptationEngine, log zerolog.Logger) *EffectivenessMonitor {
	return &EffectivenessMonitor{
		store:  store,
		engine: engine,
		log:    log.With().Str("component", "effectiveness").Logger(),
	}
}

// Sweep measures every pending adaptation that has reached its horizon.
// Returns how many were finalized.
func (m *EffectivenessMonitor) Sweep() (int, error) {
	nowMs := domain.NowMs()

	pending, err := m.store.Adaptations.PendingMeasurement(nowMs)
	if err != nil {
		return 0, err
	}

	measured := 0
	for _, a := range pending {
		done, err := m.measure(a, nowMs)
		if err != nil {
			m.log.Error().Err(err).Str("id", a.ID).Msg("Effectiveness measurement failed")
			continue
		}
		if done {
			measured++
		}
	}
	return measured, nil
}

// measure finalizes one adaptation when its horizon is reached.
func (m *EffectivenessMonitor) measure(a domain.Adaptation, nowMs int64) (bool, error) {
	post, err := m.engine.metricsFor(a.Action, a.Target, a.TsMs)
	if err != nil {
		return false, err
	}

	elapsed := nowMs-a.TsMs >= measureAfter.Milliseconds()
	if post.Trades < measureMinTrades && !elapsed {
		return false, nil
	}

	var pre domain.Metrics
	if a.PreMetrics != "" {
		if err := json.Unmarshal([]byte(a.PreMetrics), &pre); err != nil {
			m.log.Warn().Err(err).Str("id", a.ID).Msg("Unreadable pre-metrics, treating as zero baseline")
		}
	}

	// No new trades at the horizon means no evidence either way. Blacklists
	// in particular stop their target from trading at all; comparing the
	// empty window against the baseline would always read harmful.
	eff := domain.EffectNeutral
	if post.Trades > 0 {
		eff = classify(pre, post)
	}
	postJSON, err := metricsJSON(post)
	if err != nil {
		return false, err
	}
	if err := m.store.Adaptations.Finalize(a.ID, postJSON, eff, nowMs); err != nil {
		return false, err
	}

	m.log.Info().
		Str("id", a.ID).
		Str("action", string(a.Action)).
		Str("target", a.Target).
		Str("effectiveness", string(eff)).
		Float64("pre_win_rate", pre.WinRate).
		Float64("post_win_rate", post.WinRate).
		Msg("Adaptation measured")

	if eff == domain.EffectHarmful {
		if err := m.engine.Rollback(a.ID, "measured harmful"); err != nil {
			return true, err
		}
	}
	return true, nil
}

// classify labels the delta between pre and post metrics. Checked from the
// harmful end down so the strongest label wins.
func classify(pre, post domain.Metrics) domain.Effectiveness {
	dWinRate := post.WinRate - pre.WinRate
	dPnl := post.TotalPnl - pre.TotalPnl

	// Relative pnl change against the pre baseline; without a baseline the
	// absolute delta's sign is all we have.
	relPnl := 0.0
	if pre.TotalPnl != 0 {
		relPnl = dPnl / math.Abs(pre.TotalPnl)
	}

	switch {
	case dWinRate < -0.10 || relPnl < -0.10:
		return domain.EffectHarmful
	case dWinRate > 0.05 && dPnl > 0:
		return domain.EffectHighlyEffective
	case math.Abs(dWinRate) <= 0.02 && math.Abs(relPnl) <= 0.10 && (pre.TotalPnl != 0 || dPnl == 0):
		return domain.EffectNeutral
	case dWinRate > 0 || dPnl > 0:
		return domain.EffectEffective
	default:
		return domain.EffectIneffective
	}
}
