package learning

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aristath/kestrel/internal/config"
	"github.com/aristath/kestrel/internal/domain"
	"github.com/aristath/kestrel/internal/llm"
	"github.com/aristath/kestrel/internal/modules/journal"
	"github.com/aristath/kestrel/internal/modules/knowledge"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	reflectionWindow      = 24 * time.Hour
	reflectionMaxTrades   = 100
	firstRunMinTrades     = 5
	reflectionCallTimeout = 60 * time.Second
)

const reflectionSystemPrompt = `You review the recent performance of an autonomous
crypto paper-trading engine and extract actionable insights. You receive
aggregate statistics only, never raw market data.

Respond with JSON only:
{"summary":"two or three sentences",
 "insights":[{"type":"short_tag","category":"problem",
   "title":"...","description":"...",
   "evidence":{"trades":12,"win_rate":0.25,"pnl":-14.2,"symbol":"DOGE"},
   "suggested_action":"BLACKLIST","confidence":0.9}]}

category is problem, opportunity or observation. suggested_action is one of
BLACKLIST, FAVOR, REDUCE, DEACTIVATE_PATTERN, CREATE_TIME_RULE,
CREATE_REGIME_RULE, or NONE. evidence.trades must count the trades backing
the insight. confidence is your calibrated belief in [0,1]. An empty insights
array is a valid answer.`

// InsightSink receives the surviving insights of a reflection cycle.
type InsightSink interface {
	Apply(insights []domain.Insight) []domain.Adaptation
}

// ReflectionEngine runs the periodic LLM review of recent performance.
// Cycles are coalesced: a trigger while one runs is dropped, not queued.
type ReflectionEngine struct {
	cfg     *config.Config
	store   *knowledge.Store
	journal *journal.Repository
	chat    llm.ChatClient
	sink    InsightSink
	log     zerolog.Logger

	running atomic.Bool

	mu               sync.Mutex
	lastReflectionMs int64
	tradesSince      int
	completed        int64
	failures         int
}

// NewReflectionEngine creates the engine. The sink is usually the
// AdaptationEngine.
func NewReflectionEngine(cfg *config.Config, store *knowledge.Store, jr *journal.Repository, chat llm.ChatClient, sink InsightSink, log zerolog.Logger) *ReflectionEngine {
	return &ReflectionEngine{
		cfg:     cfg,
		store:   store,
		journal: jr,
		chat:    chat,
		sink:    sink,
		log:     log.With().Str("component", "reflection").Logger(),
	}
}

// OnTradeClosed bumps the trade counter. Wired after the quick update.
func (e *ReflectionEngine) OnTradeClosed() {
	e.mu.Lock()
	e.tradesSince++
	e.mu.Unlock()
}

// State returns the checkpoint fields for the runtime snapshot.
func (e *ReflectionEngine) State() (lastReflectionMs int64, tradesSince int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastReflectionMs, e.tradesSince
}

// Restore reloads the checkpoint fields after a restart.
func (e *ReflectionEngine) Restore(lastReflectionMs int64, tradesSince int) {
	e.mu.Lock()
	e.lastReflectionMs = lastReflectionMs
	e.tradesSince = tradesSince
	e.mu.Unlock()
}

// ShouldReflect reports whether a cycle is due: an hour since the last one or
// enough closed trades, with a minimum sample on the very first run.
func (e *ReflectionEngine) ShouldReflect(nowMs int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.lastReflectionMs == 0 {
		return e.tradesSince >= firstRunMinTrades
	}
	if nowMs-e.lastReflectionMs >= e.cfg.ReflectionPeriod.Milliseconds() {
		return true
	}
	return e.tradesSince >= e.cfg.ReflectionMinTrades
}

// TryRun runs a cycle when one is due and none is in flight. Safe to call
// from timers and the trade-closed path concurrently.
func (e *ReflectionEngine) TryRun(ctx context.Context) {
	if !e.ShouldReflect(domain.NowMs()) {
		return
	}
	if !e.running.CompareAndSwap(false, true) {
		e.log.Debug().Msg("Reflection already running, coalescing trigger")
		return
	}
	defer e.running.Store(false)

	if err := e.runCycle(ctx); err != nil {
		e.mu.Lock()
		e.failures++
		e.mu.Unlock()
		e.log.Error().Err(err).Msg("Reflection cycle failed")
	}
}

// ForceRun runs a cycle regardless of the trigger condition, for the operator
// API. Still coalesced against a running cycle.
func (e *ReflectionEngine) ForceRun(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return fmt.Errorf("reflection already running")
	}
	defer e.running.Store(false)
	return e.runCycle(ctx)
}

func (e *ReflectionEngine) runCycle(ctx context.Context) error {
	started := time.Now()
	nowMs := domain.NowMs()

	entries, err := e.journal.ClosedSince(nowMs - reflectionWindow.Milliseconds())
	if err != nil {
		return fmt.Errorf("load reflection window: %w", err)
	}
	// ClosedSince is oldest first; keep the most recent trades when the
	// window is larger than the cap.
	if len(entries) > reflectionMaxTrades {
		entries = entries[len(entries)-reflectionMaxTrades:]
	}
	if len(entries) == 0 {
		e.log.Info().Msg("No closed trades in window, skipping reflection")
		e.finish(nowMs)
		return nil
	}

	stats := computeStats(entries)
	prompt := e.buildReflectionPrompt(stats)

	callCtx, cancel := context.WithTimeout(ctx, reflectionCallTimeout)
	defer cancel()

	response, err := e.chat.Complete(callCtx, reflectionSystemPrompt, prompt)
	if err != nil {
		return fmt.Errorf("reflection completion: %w", err)
	}

	summary, insights := e.parseResponse(response)

	ref := domain.Reflection{
		ID:             uuid.New().String(),
		TsMs:           nowMs,
		WindowStartMs:  entries[0].ExitTsMs,
		WindowEndMs:    entries[len(entries)-1].ExitTsMs,
		TradesAnalyzed: len(entries),
		Summary:        summary,
		DurationMs:     time.Since(started).Milliseconds(),
	}
	if err := e.store.Reflections.Create(ref, insights); err != nil {
		return fmt.Errorf("persist reflection: %w", err)
	}

	applied := e.sink.Apply(insights)

	e.mu.Lock()
	e.completed++
	e.mu.Unlock()
	e.finish(nowMs)

	e.log.Info().
		Str("id", ref.ID).
		Int("trades", ref.TradesAnalyzed).
		Int("insights", len(insights)).
		Int("adaptations", len(applied)).
		Int64("duration_ms", ref.DurationMs).
		Msg("Reflection cycle complete")
	return nil
}

func (e *ReflectionEngine) finish(nowMs int64) {
	e.mu.Lock()
	e.lastReflectionMs = nowMs
	e.tradesSince = 0
	e.mu.Unlock()
}

// reflectionResponse mirrors the LLM's reflection contract.
type reflectionResponse struct {
	Summary  string           `json:"summary"`
	Insights []domain.Insight `json:"insights"`
}

// parseResponse extracts the summary and the structurally valid insights.
// Malformed insights are dropped one by one, never failing the whole batch.
func (e *ReflectionEngine) parseResponse(response string) (string, []domain.Insight) {
	raw, err := llm.ExtractJSON(response)
	if err != nil {
		e.log.Warn().Err(err).Msg("Reflection response had no JSON, keeping empty result")
		return "", nil
	}

	var parsed reflectionResponse
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		e.log.Warn().Err(err).Msg("Reflection response did not match contract")
		return "", nil
	}

	kept := make([]domain.Insight, 0, len(parsed.Insights))
	for _, ins := range parsed.Insights {
		if reason := validateInsight(ins); reason != "" {
			e.log.Warn().Str("title", ins.Title).Str("reason", reason).Msg("Dropping malformed insight")
			continue
		}
		ins.ID = uuid.New().String()
		kept = append(kept, ins)
	}
	return parsed.Summary, kept
}

func validateInsight(ins domain.Insight) string {
	switch ins.Category {
	case domain.CategoryProblem, domain.CategoryOpportunity, domain.CategoryObservation:
	default:
		return fmt.Sprintf("unknown category %q", ins.Category)
	}
	if strings.TrimSpace(ins.Title) == "" {
		return "empty title"
	}
	if ins.Confidence < 0 || ins.Confidence > 1 {
		return fmt.Sprintf("confidence %v out of range", ins.Confidence)
	}
	if ins.Evidence.Trades < 0 {
		return "negative evidence trade count"
	}
	return ""
}

// buildReflectionPrompt renders the precomputed aggregates.
func (e *ReflectionEngine) buildReflectionPrompt(s windowStats) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Window: %d closed trades, win rate %.0f%%, total pnl %+.2f USD (mean %+.2f, stddev %.2f).\n\n",
		s.Trades, s.WinRate*100, s.TotalPnl, s.MeanPnl, s.PnlStddev)

	formatBuckets(&b, "Per symbol", s.BySymbol)
	formatBuckets(&b, "Per pattern", s.ByPattern)
	formatBuckets(&b, "Per hour (UTC)", s.ByHour)
	formatBuckets(&b, "Per weekday", s.ByDay)
	formatBuckets(&b, "Per regime at entry", s.ByRegime)

	fmt.Fprintf(&b, "Exits: %d stops, %d targets, %d other. %d stopped-out trades were profitable five minutes later.\n",
		s.StopExits, s.TargetExits, s.OtherExits, s.RecoveredStops)

	return b.String()
}

// Health reports reflection-loop health for the aggregator.
func (e *ReflectionEngine) Health() domain.Health {
	e.mu.Lock()
	defer e.mu.Unlock()

	status := domain.HealthHealthy
	if e.failures >= 3 {
		status = domain.HealthDegraded
	}
	return domain.Health{
		Status:         status,
		LastActivityMs: e.lastReflectionMs,
		ErrorCount:     e.failures,
		Metrics: map[string]float64{
			"completed":               float64(e.completed),
			"trades_since_reflection": float64(e.tradesSince),
		},
	}
}
