// Package strategist runs the periodic generation cycle: snapshot the
// engine's knowledge, gate on the market regime, ask the LLM for trade
// conditions, validate and size them, and install the survivors into the
// sniper. The strategist is advisory only; the sniper re-checks every
// admission gate at trigger time.
package strategist

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aristath/kestrel/internal/config"
	"github.com/aristath/kestrel/internal/domain"
	"github.com/aristath/kestrel/internal/llm"
	"github.com/aristath/kestrel/internal/market_regime"
	"github.com/aristath/kestrel/internal/modules/knowledge"
	"github.com/rs/zerolog"
)

// Circuit breaker tuning.
const (
	breakerThreshold = 3
	breakerOpenFor   = 60 * time.Second
	failedAfter      = 5 // consecutive failures before health reports failed
)

// llmCallTimeout bounds one generation call to the LLM.
const llmCallTimeout = 20 * time.Second

// Installer is the sniper surface the strategist needs.
type Installer interface {
	InstallConditions(conds []domain.TradeCondition) int
	Account() domain.AccountState
	Paused() bool
}

// PriceReader provides spot prices for validation and the prompt.
type PriceReader interface {
	Latest(symbol string) (domain.Tick, bool)
	LatestAll() map[string]domain.Tick
}

// Outcome classifies one generation cycle.
type Outcome int

const (
	OutcomeConditions Outcome = iota // at least one condition installed
	OutcomeSuppressed                // regime rule vetoed the cycle
	OutcomeEmpty                     // LLM proposed nothing usable
	OutcomeFailed                    // transport/parse failure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeConditions:
		return "conditions"
	case OutcomeSuppressed:
		return "suppressed"
	case OutcomeEmpty:
		return "empty"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// GenerationResult is the typed outcome of one cycle.
type GenerationResult struct {
	Outcome            Outcome
	Installed          int
	Dropped            int
	DroppedBlacklisted int
	SuppressorRule     string
	Err                error
}

// Strategist runs the generation cycle.
type Strategist struct {
	cfg      *config.Config
	chat     llm.ChatClient
	store    *knowledge.Store
	detector *market_regime.Detector
	sniper   Installer
	prices   PriceReader
	log      zerolog.Logger

	mu                  sync.Mutex
	lastSuccessMs       int64
	consecutiveFailures int
	breakerOpenUntil    time.Time
	halfOpen            bool
	droppedBlacklisted  int64
	cycles              int64
}

// New creates a strategist.
func New(cfg *config.Config, chat llm.ChatClient, store *knowledge.Store, detector *market_regime.Detector, installer Installer, prices PriceReader, log zerolog.Logger) *Strategist {
	return &Strategist{
		cfg:      cfg,
		chat:     chat,
		store:    store,
		detector: detector,
		sniper:   installer,
		prices:   prices,
		log:      log.With().Str("component", "strategist").Logger(),
	}
}

// RunCycle executes one generation cycle. Called by the orchestrator's timer
// and by the operator API.
func (s *Strategist) RunCycle(ctx context.Context) GenerationResult {
	s.mu.Lock()
	s.cycles++
	if time.Now().Before(s.breakerOpenUntil) {
		s.consecutiveFailures++
		s.mu.Unlock()
		s.log.Warn().Time("open_until", s.breakerOpenUntil).Msg("Circuit breaker open, skipping cycle")
		return GenerationResult{Outcome: OutcomeFailed, Err: fmt.Errorf("circuit breaker open")}
	}
	if !s.breakerOpenUntil.IsZero() && !s.halfOpen {
		// First cycle after the open window is the half-open probe.
		s.halfOpen = true
		s.log.Info().Msg("Circuit breaker half-open, probing")
	}
	s.mu.Unlock()

	if s.sniper.Paused() {
		s.log.Info().Msg("Trading paused, skipping generation cycle")
		return GenerationResult{Outcome: OutcomeSuppressed, SuppressorRule: "paused"}
	}

	result := s.generate(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if result.Outcome == OutcomeFailed {
		s.consecutiveFailures++
		if s.consecutiveFailures >= breakerThreshold {
			s.breakerOpenUntil = time.Now().Add(breakerOpenFor)
			s.halfOpen = false
			s.log.Warn().Int("failures", s.consecutiveFailures).Msg("Circuit breaker opened")
		}
	} else {
		s.consecutiveFailures = 0
		s.breakerOpenUntil = time.Time{}
		s.halfOpen = false
		s.lastSuccessMs = domain.NowMs()
	}
	return result
}

// generate performs the cycle body: gate, prompt, parse, validate, install.
func (s *Strategist) generate(ctx context.Context) GenerationResult {
	state := s.detector.State(time.Now())

	rules, err := s.store.Rules.Active()
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to load regime rules")
		return GenerationResult{Outcome: OutcomeFailed, Err: err}
	}

	gate, evalErrs := market_regime.ApplyRules(rules, state)
	for _, e := range evalErrs {
		s.log.Warn().Err(e).Msg("Skipping malformed regime rule")
	}
	if gate.NoTrade {
		suppressor := gate.Triggered[0].RuleID
		for _, rule := range gate.Triggered {
			if rule.Action == domain.RuleNoTrade {
				suppressor = rule.RuleID
				if err := s.store.Rules.RecordTrigger(rule.RuleID, 0); err != nil {
					s.log.Error().Err(err).Str("rule_id", rule.RuleID).Msg("Failed to record rule trigger")
				}
			}
		}
		s.log.Info().Str("rule_id", suppressor).Msg("Generation suppressed by regime rule")
		return GenerationResult{Outcome: OutcomeSuppressed, SuppressorRule: suppressor}
	}

	scores, err := s.store.Scores.All()
	if err != nil {
		return GenerationResult{Outcome: OutcomeFailed, Err: err}
	}
	patterns, err := s.store.Patterns.Active()
	if err != nil {
		return GenerationResult{Outcome: OutcomeFailed, Err: err}
	}

	account := s.sniper.Account()
	prompt := s.buildPrompt(state, scores, patterns, gate.Triggered, account)

	callCtx, cancel := context.WithTimeout(ctx, llmCallTimeout)
	defer cancel()

	response, err := s.chat.Complete(callCtx, systemPrompt, prompt)
	if err != nil {
		s.log.Error().Err(err).Msg("LLM generation failed")
		return GenerationResult{Outcome: OutcomeFailed, Err: err}
	}

	proposals, err := parseProposals(response)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to parse LLM proposals")
		return GenerationResult{Outcome: OutcomeFailed, Err: err}
	}
	if len(proposals) == 0 {
		s.log.Info().Msg("LLM proposed no conditions")
		return GenerationResult{Outcome: OutcomeEmpty}
	}

	conds, stats := s.validateAndSize(proposals, scores, patterns, gate.ReduceSize, account)

	s.mu.Lock()
	s.droppedBlacklisted += int64(stats.droppedBlacklisted)
	s.mu.Unlock()

	if len(conds) == 0 {
		s.log.Info().Int("proposed", len(proposals)).Msg("All proposals dropped by validation")
		return GenerationResult{
			Outcome: OutcomeEmpty,
			Dropped: stats.dropped, DroppedBlacklisted: stats.droppedBlacklisted,
		}
	}

	installed := s.sniper.InstallConditions(conds)
	return GenerationResult{
		Outcome:   OutcomeConditions,
		Installed: installed,
		Dropped:   stats.dropped, DroppedBlacklisted: stats.droppedBlacklisted,
	}
}

// Health reports strategist health: degraded when the last success is older
// than twice the period, failed after five consecutive failures.
func (s *Strategist) Health() domain.Health {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := domain.HealthHealthy
	if s.consecutiveFailures >= failedAfter {
		status = domain.HealthFailed
	} else if s.lastSuccessMs > 0 && domain.NowMs()-s.lastSuccessMs > 2*s.cfg.StrategistPeriod.Milliseconds() {
		status = domain.HealthDegraded
	} else if s.lastSuccessMs == 0 && s.cycles > 2 {
		status = domain.HealthDegraded
	}

	return domain.Health{
		Status:         status,
		LastActivityMs: s.lastSuccessMs,
		ErrorCount:     s.consecutiveFailures,
		Metrics: map[string]float64{
			"cycles":              float64(s.cycles),
			"dropped_blacklisted": float64(s.droppedBlacklisted),
		},
	}
}

// DroppedBlacklisted returns the lifetime count of proposals dropped for
// referencing blacklisted symbols.
func (s *Strategist) DroppedBlacklisted() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.droppedBlacklisted
}
