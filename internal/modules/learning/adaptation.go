package learning

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aristath/kestrel/internal/config"
	"github.com/aristath/kestrel/internal/domain"
	"github.com/aristath/kestrel/internal/modules/journal"
	"github.com/aristath/kestrel/internal/modules/knowledge"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// maxAdaptationsPerDay caps how many auto-applied adaptations the engine
// makes in any 24h window. Rollbacks are not budgeted.
const maxAdaptationsPerDay = 10

// guard is the per-action application threshold.
type guard struct {
	minConfidence float64
	minTrades     int
	cooldown      time.Duration
}

// guards maps each suggested action to its application threshold. Rule
// creation demands more evidence than coin status changes.
var guards = map[domain.AdaptationAction]guard{
	domain.ActionBlacklist:         {0.85, 5, 24 * time.Hour},
	domain.ActionFavor:             {0.80, 5, 24 * time.Hour},
	domain.ActionReduce:            {0.60, 5, 24 * time.Hour},
	domain.ActionDeactivatePattern: {0.85, 5, 24 * time.Hour},
	domain.ActionCreateTimeRule:    {0.75, 10, 24 * time.Hour},
	domain.ActionCreateRegimeRule:  {0.75, 10, 24 * time.Hour},
}

// AdaptationEngine converts insights into guarded knowledge-store mutations.
type AdaptationEngine struct {
	cfg     *config.Config
	store   *knowledge.Store
	journal *journal.Repository
	log     zerolog.Logger
}

// NewAdaptationEngine creates the engine.
func NewAdaptationEngine(cfg *config.Config, store *knowledge.Store, jr *journal.Repository, log zerolog.Logger) *AdaptationEngine {
	return &AdaptationEngine{
		cfg:     cfg,
		store:   store,
		journal: jr,
		log:     log.With().Str("component", "adaptation").Logger(),
	}
}

// Apply runs every insight through the guard pipeline and applies the
// survivors. Returns the adaptations that were actually applied.
func (e *AdaptationEngine) Apply(insights []domain.Insight) []domain.Adaptation {
	var applied []domain.Adaptation
	for _, ins := range insights {
		a, err := e.applyOne(ins)
		if err != nil {
			e.log.Error().Err(err).Str("title", ins.Title).Msg("Failed to apply insight")
			continue
		}
		if a != nil {
			applied = append(applied, *a)
		}
	}
	return applied
}

func (e *AdaptationEngine) applyOne(ins domain.Insight) (*domain.Adaptation, error) {
	action := domain.AdaptationAction(strings.ToUpper(strings.TrimSpace(ins.SuggestedAction)))
	g, guarded := guards[action]
	if !guarded {
		if action != "" && action != "NONE" {
			e.log.Info().Str("action", string(action)).Str("title", ins.Title).Msg("Skipping insight with unsupported action")
		}
		return nil, nil
	}

	// Operators watch these at INFO; a silently skipped insight looks like
	// a lost one.
	if ins.Evidence.Trades < g.minTrades {
		e.log.Info().Str("title", ins.Title).Int("trades", ins.Evidence.Trades).Int("min", g.minTrades).
			Msg("Skipping insight, not enough evidence")
		return nil, nil
	}
	if ins.Confidence < g.minConfidence {
		e.log.Info().Str("title", ins.Title).Float64("confidence", ins.Confidence).Float64("min", g.minConfidence).
			Msg("Skipping insight, confidence below threshold")
		return nil, nil
	}

	target := targetOf(action, ins)
	if target == "" {
		e.log.Info().Str("title", ins.Title).Str("action", string(action)).
			Msg("Skipping insight, no usable target in evidence")
		return nil, nil
	}

	nowMs := domain.NowMs()
	cooldownStart := nowMs - g.cooldown.Milliseconds()

	applied24h, err := e.store.Adaptations.CountSince(nowMs - (24 * time.Hour).Milliseconds())
	if err != nil {
		return nil, err
	}
	if applied24h >= maxAdaptationsPerDay {
		e.log.Info().Int("applied_24h", applied24h).Str("title", ins.Title).
			Msg("Skipping insight, daily adaptation budget exhausted")
		return nil, nil
	}

	last, err := e.store.Adaptations.LastForTarget(target)
	if err != nil {
		return nil, err
	}
	if last != nil && last.TsMs >= cooldownStart {
		e.log.Info().Str("target", target).Str("last_action", string(last.Action)).
			Msg("Skipping insight, target in cooldown")
		return nil, nil
	}

	hash := knowledge.ReasonHash(action, target, ins.Title)
	duplicate, err := e.store.Adaptations.ExistsReasonHash(hash, cooldownStart)
	if err != nil {
		return nil, err
	}
	if duplicate {
		e.log.Info().Str("target", target).Msg("Skipping insight, identical adaptation already applied")
		return nil, nil
	}

	pre, err := e.metricsFor(action, target, 0)
	if err != nil {
		return nil, err
	}
	preJSON, err := metricsJSON(pre)
	if err != nil {
		return nil, err
	}

	description, err := e.mutate(action, target, ins, nowMs)
	if err != nil {
		return nil, fmt.Errorf("mutation %s on %s: %w", action, target, err)
	}

	a := domain.Adaptation{
		ID:            uuid.New().String(),
		TsMs:          nowMs,
		InsightID:     ins.ID,
		Action:        action,
		Target:        target,
		Description:   description,
		PreMetrics:    preJSON,
		Confidence:    ins.Confidence,
		AutoApplied:   true,
		Effectiveness: domain.EffectPending,
		ReasonHash:    hash,
	}
	if err := e.store.Adaptations.Create(a); err != nil {
		return nil, err
	}

	e.log.Info().Str("action", string(action)).Str("target", target).
		Float64("confidence", ins.Confidence).Msg("Adaptation applied")
	return &a, nil
}

// targetOf picks the cooldown/measurement target for an action.
func targetOf(action domain.AdaptationAction, ins domain.Insight) string {
	switch action {
	case domain.ActionBlacklist, domain.ActionFavor, domain.ActionReduce:
		return domain.NormalizeSymbol(ins.Evidence.Symbol)
	case domain.ActionDeactivatePattern:
		return ins.Evidence.PatternID
	case domain.ActionCreateTimeRule:
		if len(ins.Evidence.Hours) == 0 {
			return ""
		}
		hours := append([]int(nil), ins.Evidence.Hours...)
		sort.Ints(hours)
		parts := make([]string, len(hours))
		for i, h := range hours {
			parts[i] = fmt.Sprintf("%02d", h)
		}
		return "hours:" + strings.Join(parts, ",")
	case domain.ActionCreateRegimeRule:
		if trend := trendToken(ins); trend != "" {
			return "regime:" + trend
		}
		return ""
	default:
		return ""
	}
}

// trendToken finds a btc trend word in the insight text.
func trendToken(ins domain.Insight) string {
	text := strings.ToLower(ins.Title + " " + ins.Description + " " + ins.Type)
	for _, token := range []string{"sideways", "down", "up"} {
		if strings.Contains(text, token) {
			return token
		}
	}
	return ""
}

// mutate performs the store change and returns a human-readable description.
// Created rules carry their id in the description so a rollback can find
// them.
func (e *AdaptationEngine) mutate(action domain.AdaptationAction, target string, ins domain.Insight, nowMs int64) (string, error) {
	switch action {
	case domain.ActionBlacklist:
		return ins.Title, e.store.Scores.SetStatus(target, domain.CoinBlacklisted, ins.Title, nowMs)
	case domain.ActionFavor:
		return ins.Title, e.store.Scores.SetStatus(target, domain.CoinFavored, "", nowMs)
	case domain.ActionReduce:
		return ins.Title, e.store.Scores.SetStatus(target, domain.CoinReduced, "", nowMs)
	case domain.ActionDeactivatePattern:
		return ins.Title, e.store.Patterns.SetActive(target, false)
	case domain.ActionCreateTimeRule:
		hours := append([]int(nil), ins.Evidence.Hours...)
		sort.Ints(hours)
		values, _ := json.Marshal(hours)
		condition := fmt.Sprintf(`{"all":[{"field":"hour_of_day","op":"in","value":%s}]}`, values)
		return e.createRule(condition, ins, nowMs)
	case domain.ActionCreateRegimeRule:
		trend := trendToken(ins)
		condition := fmt.Sprintf(`{"all":[{"field":"btc_trend","op":"eq","value":%q}]}`, trend)
		return e.createRule(condition, ins, nowMs)
	default:
		return "", fmt.Errorf("no mutation for action %s", action)
	}
}

func (e *AdaptationEngine) createRule(condition string, ins domain.Insight, nowMs int64) (string, error) {
	ruleID := uuid.New().String()
	err := e.store.Rules.Create(domain.RegimeRule{
		RuleID:      ruleID,
		Description: ins.Title,
		Condition:   condition,
		Action:      domain.RuleNoTrade,
		Active:      true,
		CreatedAtMs: nowMs,
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s [rule %s]", ins.Title, ruleID), nil
}

// Rollback reverses an adaptation's mutation and records the reversal. Used
// by the effectiveness monitor and the operator API.
func (e *AdaptationEngine) Rollback(id, reason string) error {
	a, err := e.store.Adaptations.Get(id)
	if err != nil {
		return err
	}
	if a == nil {
		return fmt.Errorf("adaptation %s not found", id)
	}
	if a.RolledBack {
		return fmt.Errorf("adaptation %s already rolled back", id)
	}

	nowMs := domain.NowMs()
	if err := e.reverse(*a, nowMs); err != nil {
		return fmt.Errorf("reverse %s on %s: %w", a.Action, a.Target, err)
	}
	if err := e.store.Adaptations.MarkRolledBack(id, reason); err != nil {
		return err
	}

	rollback := domain.Adaptation{
		ID:            uuid.New().String(),
		TsMs:          nowMs,
		Action:        domain.ActionRollback,
		Target:        a.ID,
		Description:   reason,
		Confidence:    1.0,
		AutoApplied:   true,
		Effectiveness: domain.EffectNeutral,
		ReasonHash:    knowledge.ReasonHash(domain.ActionRollback, a.ID, reason),
	}
	if err := e.store.Adaptations.Create(rollback); err != nil {
		return err
	}

	e.log.Warn().Str("id", a.ID).Str("action", string(a.Action)).Str("target", a.Target).
		Str("reason", reason).Msg("Adaptation rolled back")
	return nil
}

// reverse undoes one applied mutation.
func (e *AdaptationEngine) reverse(a domain.Adaptation, nowMs int64) error {
	switch a.Action {
	case domain.ActionBlacklist, domain.ActionFavor, domain.ActionReduce:
		return e.store.Scores.SetStatus(a.Target, domain.CoinNormal, "", nowMs)
	case domain.ActionUnblacklist:
		return e.store.Scores.SetStatus(a.Target, domain.CoinBlacklisted, a.Description, nowMs)
	case domain.ActionDeactivatePattern:
		return e.store.Patterns.SetActive(a.Target, true)
	case domain.ActionCreateTimeRule, domain.ActionCreateRegimeRule:
		ruleID := ruleIDFromDescription(a.Description)
		if ruleID == "" {
			return fmt.Errorf("adaptation %s has no rule id in description", a.ID)
		}
		return e.store.Rules.SetActive(ruleID, false)
	default:
		return fmt.Errorf("action %s cannot be reversed", a.Action)
	}
}

// ruleIDFromDescription extracts the "[rule <id>]" suffix of a rule-creating
// adaptation.
func ruleIDFromDescription(desc string) string {
	start := strings.LastIndex(desc, "[rule ")
	if start < 0 {
		return ""
	}
	rest := desc[start+len("[rule "):]
	end := strings.Index(rest, "]")
	if end < 0 {
		return ""
	}
	return rest[:end]
}

// metricsFor aggregates the target's closed-trade performance since a cutoff
// (0 = all time). Rule targets measure the whole account.
func (e *AdaptationEngine) metricsFor(action domain.AdaptationAction, target string, sinceTsMs int64) (domain.Metrics, error) {
	filter := journal.Filter{ClosedOnly: true, SinceTsMs: sinceTsMs}
	switch action {
	case domain.ActionBlacklist, domain.ActionUnblacklist, domain.ActionFavor, domain.ActionReduce:
		filter.Symbol = target
	case domain.ActionDeactivatePattern:
		filter.PatternID = target
	default:
		return e.journal.Metrics(sinceTsMs)
	}

	entries, err := e.journal.Query(filter)
	if err != nil {
		return domain.Metrics{}, err
	}

	var m domain.Metrics
	var wins int
	for _, entry := range entries {
		m.Trades++
		m.TotalPnl += entry.PnlUSD
		if entry.Won() {
			wins++
		}
	}
	if m.Trades > 0 {
		m.WinRate = float64(wins) / float64(m.Trades)
	}
	return m, nil
}

func metricsJSON(m domain.Metrics) (string, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode metrics: %w", err)
	}
	return string(raw), nil
}
