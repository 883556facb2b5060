package strategist

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/kestrel/internal/domain"
	"github.com/aristath/kestrel/internal/llm"
	"github.com/aristath/kestrel/internal/modules/knowledge"
	"github.com/google/uuid"
)

// Validity window clamp for proposed conditions.
const (
	minValidFor = 30 * time.Second
	maxValidFor = 15 * time.Minute
)

const regimeReduceModifier = 0.5

// proposal is one element of the LLM's response array.
type proposal struct {
	Symbol          string  `json:"symbol"`
	Direction       string  `json:"direction"`
	TriggerPrice    float64 `json:"trigger_price"`
	TriggerRel      string  `json:"trigger_rel"`
	StopLossPct     float64 `json:"stop_loss_pct"`
	TakeProfitPct   float64 `json:"take_profit_pct"`
	BaseSizeUSD     float64 `json:"base_size_usd"`
	PatternID       string  `json:"pattern_id"`
	Reasoning       string  `json:"reasoning"`
	ValidForSeconds int64   `json:"valid_for_seconds"`
}

// parseProposals extracts the proposal array from a raw LLM response.
func parseProposals(content string) ([]proposal, error) {
	raw, err := llm.ExtractJSON(content)
	if err != nil {
		// ExtractJSON only scans for objects; try an array span before
		// giving up, models sometimes wrap the array in prose.
		trimmed := strings.TrimSpace(content)
		start := strings.Index(trimmed, "[")
		end := strings.LastIndex(trimmed, "]")
		if start < 0 || end <= start {
			return nil, err
		}
		raw = trimmed[start : end+1]
	}

	var proposals []proposal
	if err := json.Unmarshal([]byte(raw), &proposals); err != nil {
		// Tolerate a single bare object.
		var one proposal
		if err2 := json.Unmarshal([]byte(raw), &one); err2 != nil {
			return nil, fmt.Errorf("response is neither a proposal array nor a proposal: %w", err)
		}
		proposals = []proposal{one}
	}
	return proposals, nil
}

type dropStats struct {
	dropped            int
	droppedBlacklisted int
}

// validateAndSize runs every proposal through the validation pipeline and the
// sizing formula, returning the installable conditions. Drops are logged with
// their reason and counted; a blacklisted symbol is counted separately.
func (s *Strategist) validateAndSize(proposals []proposal, scores map[string]domain.CoinScore, patterns []domain.Pattern, reduceSize bool, account domain.AccountState) ([]domain.TradeCondition, dropStats) {
	var stats dropStats
	var conds []domain.TradeCondition

	byID := make(map[string]domain.Pattern, len(patterns))
	for _, p := range patterns {
		byID[p.PatternID] = p
	}

	nowMs := domain.NowMs()
	exposureLimit := s.cfg.MaxExposurePct * account.Balance
	remaining := exposureLimit - account.InPositions

	// Committed tracks size already granted to earlier proposals in this
	// batch so one cycle cannot overrun the exposure cap by itself.
	committed := 0.0

	for _, p := range proposals {
		symbol := domain.NormalizeSymbol(p.Symbol)

		drop := func(reason string) {
			stats.dropped++
			s.log.Info().Str("symbol", symbol).Str("reason", reason).Msg("Dropped proposal")
		}

		if !s.cfg.IsTradeable(symbol) {
			drop("unknown symbol")
			continue
		}
		if sc, ok := scores[symbol]; ok && sc.Status == domain.CoinBlacklisted {
			stats.droppedBlacklisted++
			drop("blacklisted symbol")
			continue
		}

		direction := domain.Direction(strings.ToUpper(p.Direction))
		if !direction.Valid() {
			drop("invalid direction " + p.Direction)
			continue
		}
		rel := domain.TriggerRel(strings.ToUpper(p.TriggerRel))
		if rel != domain.TriggerAbove && rel != domain.TriggerBelow {
			drop("invalid trigger_rel " + p.TriggerRel)
			continue
		}
		if p.TriggerPrice <= 0 {
			drop("non-positive trigger price")
			continue
		}
		if p.StopLossPct < s.cfg.StopLossMin || p.StopLossPct > s.cfg.StopLossMax {
			drop(fmt.Sprintf("stop_loss_pct %v out of bounds", p.StopLossPct))
			continue
		}
		if p.TakeProfitPct < s.cfg.TakeProfitMin || p.TakeProfitPct > s.cfg.TakeProfitMax {
			drop(fmt.Sprintf("take_profit_pct %v out of bounds", p.TakeProfitPct))
			continue
		}

		tick, ok := s.prices.Latest(symbol)
		if !ok {
			drop("no spot price")
			continue
		}
		drift := (p.TriggerPrice - tick.Price) / tick.Price
		if drift < 0 {
			drift = -drift
		}
		if drift > s.cfg.MaxTriggerDrift {
			drop(fmt.Sprintf("trigger %.6g drifts %.1f%% from spot %.6g", p.TriggerPrice, drift*100, tick.Price))
			continue
		}

		patternID := p.PatternID
		patternMod := 1.0
		if patternID != "" {
			pat, known := byID[patternID]
			if !known {
				pat = s.registerPattern(patternID, p.Reasoning, nowMs)
				if pat.PatternID == "" {
					patternID = ""
				} else {
					byID[patternID] = pat
					patternMod = pat.SizeModifier()
				}
			} else {
				patternMod = pat.SizeModifier()
			}
		}

		coinMod := domain.CoinUnknown.SizeModifier()
		if sc, ok := scores[symbol]; ok {
			coinMod = sc.Status.SizeModifier()
		}
		regimeMod := 1.0
		if reduceSize {
			regimeMod = regimeReduceModifier
		}

		size := p.BaseSizeUSD * coinMod * patternMod * regimeMod
		if size > s.cfg.MaxSizeUSD {
			size = s.cfg.MaxSizeUSD
		}
		if size > remaining-committed {
			size = remaining - committed
		}
		if size < s.cfg.MinSizeUSD {
			drop(fmt.Sprintf("size %.2f below minimum after modifiers", size))
			continue
		}
		committed += size

		validFor := time.Duration(p.ValidForSeconds) * time.Second
		if validFor < minValidFor {
			validFor = minValidFor
		} else if validFor > maxValidFor {
			validFor = maxValidFor
		}

		conds = append(conds, domain.TradeCondition{
			ID:            uuid.New().String(),
			Symbol:        symbol,
			Direction:     direction,
			TriggerPrice:  p.TriggerPrice,
			TriggerRel:    rel,
			StopLossPct:   p.StopLossPct,
			TakeProfitPct: p.TakeProfitPct,
			SizeUSD:       size,
			StrategyID:    "llm",
			PatternID:     patternID,
			Reasoning:     p.Reasoning,
			CreatedAtMs:   nowMs,
			ValidUntilMs:  nowMs + validFor.Milliseconds(),
		})
	}
	return conds, stats
}

// registerPattern adds a pattern the LLM named for the first time to the
// book, seeded at the Bayesian prior so outcomes can accrue to it. Returns
// the zero pattern when the insert fails; the caller then drops the
// reference and keeps the proposal.
func (s *Strategist) registerPattern(patternID, description string, nowMs int64) domain.Pattern {
	p := domain.Pattern{
		PatternID:    patternID,
		Description:  description,
		Active:       true,
		CreatedAtMs:  nowMs,
		LastUsedAtMs: nowMs,
	}
	if err := s.store.Patterns.Create(p); err != nil {
		s.log.Warn().Err(err).Str("pattern_id", patternID).Msg("Failed to register new pattern, ignoring reference")
		return domain.Pattern{}
	}
	s.log.Info().Str("pattern_id", patternID).Msg("Registered new pattern from proposal")
	p.Confidence = knowledge.BayesianConfidence(0, 0)
	return p
}
