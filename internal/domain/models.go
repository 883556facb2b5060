// Package domain contains the core types of the paper-trading engine.
// The domain layer is pure: no database, network, or logging dependencies.
// All timestamps are integer milliseconds since epoch (see ValidTimestampMs).
package domain

import (
	"fmt"
	"strings"
	"time"
)

// Timestamp bounds for ingress validation. Anything outside this window is
// rejected at the boundary: it indicates a seconds-vs-milliseconds mixup
// upstream (seconds-since-epoch values land far below the lower bound).
const (
	MinValidTimestampMs int64 = 2_000_000_000_000
	MaxValidTimestampMs int64 = 9_999_999_999_999
)

// ValidTimestampMs reports whether ts is a plausible millisecond timestamp.
func ValidTimestampMs(ts int64) bool {
	return ts >= MinValidTimestampMs && ts <= MaxValidTimestampMs
}

// NowMs returns the current time as integer milliseconds since epoch.
func NowMs() int64 {
	return time.Now().UnixMilli()
}

// Direction is the side of a trade.
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// Valid reports whether the direction is one of the known values.
func (d Direction) Valid() bool {
	return d == DirectionLong || d == DirectionShort
}

// Sign returns +1 for LONG and -1 for SHORT.
func (d Direction) Sign() float64 {
	if d == DirectionShort {
		return -1
	}
	return 1
}

// TriggerRel is the relation between price and trigger for condition entry.
type TriggerRel string

const (
	TriggerAbove TriggerRel = "ABOVE"
	TriggerBelow TriggerRel = "BELOW"
)

// Valid reports whether the trigger relation is one of the known values.
func (t TriggerRel) Valid() bool {
	return t == TriggerAbove || t == TriggerBelow
}

// ExitReason describes why a position was closed.
type ExitReason string

const (
	ExitStopLoss   ExitReason = "STOP_LOSS"
	ExitTakeProfit ExitReason = "TAKE_PROFIT"
	ExitManual     ExitReason = "MANUAL"
	ExitShutdown   ExitReason = "SHUTDOWN"
)

// CoinStatus is the trading status of a symbol, derived from its performance.
type CoinStatus string

const (
	CoinUnknown     CoinStatus = "UNKNOWN"
	CoinBlacklisted CoinStatus = "BLACKLISTED"
	CoinReduced     CoinStatus = "REDUCED"
	CoinNormal      CoinStatus = "NORMAL"
	CoinFavored     CoinStatus = "FAVORED"
)

// SizeModifier returns the position-size multiplier for this status.
func (s CoinStatus) SizeModifier() float64 {
	switch s {
	case CoinBlacklisted:
		return 0
	case CoinReduced:
		return 0.5
	case CoinFavored:
		return 1.5
	default: // NORMAL, UNKNOWN
		return 1.0
	}
}

// Tick is an atomic price event from the feed.
type Tick struct {
	Symbol    string
	Price     float64
	TsMs      int64
	Change24h float64 // 24h percent change, 0 when the feed does not supply it
}

// Validate checks tick sanity: finite positive price, plausible timestamp.
func (t Tick) Validate() error {
	if t.Symbol == "" {
		return fmt.Errorf("tick missing symbol")
	}
	if !(t.Price > 0) || t.Price != t.Price || t.Price > 1e15 {
		return fmt.Errorf("tick for %s has invalid price %v", t.Symbol, t.Price)
	}
	if !ValidTimestampMs(t.TsMs) {
		return fmt.Errorf("tick for %s has implausible timestamp %d (expected milliseconds)", t.Symbol, t.TsMs)
	}
	return nil
}

// TradeCondition is an immutable price-triggered trade template produced by
// the strategist. Once installed it either triggers (becoming a Position) or
// expires.
type TradeCondition struct {
	ID            string     `msgpack:"id" json:"id"`
	Symbol        string     `msgpack:"symbol" json:"symbol"`
	Direction     Direction  `msgpack:"direction" json:"direction"`
	TriggerPrice  float64    `msgpack:"trigger_price" json:"trigger_price"`
	TriggerRel    TriggerRel `msgpack:"trigger_rel" json:"trigger_rel"`
	StopLossPct   float64    `msgpack:"stop_loss_pct" json:"stop_loss_pct"`
	TakeProfitPct float64    `msgpack:"take_profit_pct" json:"take_profit_pct"`
	SizeUSD       float64    `msgpack:"size_usd" json:"size_usd"`
	StrategyID    string     `msgpack:"strategy_id" json:"strategy_id"`
	PatternID     string     `msgpack:"pattern_id,omitempty" json:"pattern_id,omitempty"`
	Reasoning     string     `msgpack:"reasoning" json:"reasoning"`
	CreatedAtMs   int64      `msgpack:"created_at" json:"created_at"`
	ValidUntilMs  int64      `msgpack:"valid_until" json:"valid_until"`
}

// Expired reports whether the condition is past its validity window.
func (c TradeCondition) Expired(nowMs int64) bool {
	return c.ValidUntilMs < nowMs
}

// Triggered reports whether a price satisfies the trigger (inclusive).
func (c TradeCondition) Triggered(price float64) bool {
	if c.TriggerRel == TriggerAbove {
		return price >= c.TriggerPrice
	}
	return price <= c.TriggerPrice
}

// Validate checks structural validity of a condition. Range checks against
// configured bounds happen in the strategist validation pipeline.
func (c TradeCondition) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("condition missing id")
	}
	if c.Symbol == "" {
		return fmt.Errorf("condition %s missing symbol", c.ID)
	}
	if !c.Direction.Valid() {
		return fmt.Errorf("condition %s has invalid direction %q", c.ID, c.Direction)
	}
	if !c.TriggerRel.Valid() {
		return fmt.Errorf("condition %s has invalid trigger relation %q", c.ID, c.TriggerRel)
	}
	if !(c.TriggerPrice > 0) {
		return fmt.Errorf("condition %s has invalid trigger price %v", c.ID, c.TriggerPrice)
	}
	if c.StopLossPct <= 0 || c.TakeProfitPct <= 0 {
		return fmt.Errorf("condition %s has non-positive stop/target percentages", c.ID)
	}
	if !ValidTimestampMs(c.ValidUntilMs) {
		return fmt.Errorf("condition %s has implausible valid_until %d", c.ID, c.ValidUntilMs)
	}
	return nil
}

// Position is an open trade owned by the sniper. CurrentPrice and
// UnrealizedPnlUSD are updated on the tick path without locking; the sniper
// is the single writer.
type Position struct {
	ID               string    `msgpack:"id" json:"id"`
	ConditionID      string    `msgpack:"condition_id" json:"condition_id"`
	Symbol           string    `msgpack:"symbol" json:"symbol"`
	Direction        Direction `msgpack:"direction" json:"direction"`
	SizeUSD          float64   `msgpack:"size_usd" json:"size_usd"`
	EntryPrice       float64   `msgpack:"entry_price" json:"entry_price"`
	EntryTsMs        int64     `msgpack:"entry_ts" json:"entry_ts"`
	StopPrice        float64   `msgpack:"stop_price" json:"stop_price"`
	TargetPrice      float64   `msgpack:"target_price" json:"target_price"`
	StrategyID       string    `msgpack:"strategy_id" json:"strategy_id"`
	PatternID        string    `msgpack:"pattern_id,omitempty" json:"pattern_id,omitempty"`
	CurrentPrice     float64   `msgpack:"current_price" json:"current_price"`
	UnrealizedPnlUSD float64   `msgpack:"unrealized_pnl" json:"unrealized_pnl"`
}

// PnlUSD computes realized P&L for an exit at the given price.
func (p Position) PnlUSD(exitPrice float64) float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	return (exitPrice - p.EntryPrice) * (p.SizeUSD / p.EntryPrice) * p.Direction.Sign()
}

// PnlPct computes realized P&L as a signed fraction of entry.
func (p Position) PnlPct(exitPrice float64) float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	return (exitPrice - p.EntryPrice) / p.EntryPrice * p.Direction.Sign()
}

// StopFor computes the absolute stop price for an entry.
func StopFor(dir Direction, entry, stopPct float64) float64 {
	if dir == DirectionLong {
		return entry * (1 - stopPct)
	}
	return entry * (1 + stopPct)
}

// TargetFor computes the absolute take-profit price for an entry.
func TargetFor(dir Direction, entry, takePct float64) float64 {
	if dir == DirectionLong {
		return entry * (1 + takePct)
	}
	return entry * (1 - takePct)
}

// EntryContext is the market snapshot captured when a position opens, for
// later attribution in the journal.
type EntryContext struct {
	StrategyID   string
	PatternID    string
	Regime       string // btc trend at entry: up, down, sideways
	BTCChange24h float64
	HourOfDay    int
	DayOfWeek    int // 0 = Sunday, matching time.Weekday
}

// JournalEntry is one row of the trade journal. An entry row is written when
// a position opens and updated exactly once when it closes; post-exit price
// fields may be enriched within a bounded window after the exit.
type JournalEntry struct {
	ID         int64
	TradeID    string // position id
	Symbol     string
	Direction  Direction
	SizeUSD    float64
	StrategyID string
	PatternID  string
	Regime     string
	HourOfDay  int
	DayOfWeek  int

	EntryPrice float64
	EntryTsMs  int64

	ExitPrice  float64
	ExitTsMs   int64
	ExitReason ExitReason
	PnlUSD     float64
	PnlPct     float64
	DurationMs int64
	Closed     bool

	PriceAfter1m  *float64
	PriceAfter5m  *float64
	PriceAfter15m *float64
}

// Won reports whether the closed trade was profitable.
func (e JournalEntry) Won() bool {
	return e.Closed && e.PnlUSD > 0
}

// CoinScore is the per-symbol performance aggregate. Invariant: Trades equals
// Wins+Losses and WinRate equals Wins/Trades whenever Trades > 0.
type CoinScore struct {
	Symbol          string
	Trades          int
	Wins            int
	Losses          int
	TotalPnl        float64
	AvgPnl          float64
	WinRate         float64
	AvgWinner       float64
	AvgLoser        float64
	Trend           string // improving, stable, declining
	Status          CoinStatus
	BlacklistReason string
	LastUpdatedMs   int64
}

// Consistent verifies the arithmetic invariant on the score.
func (s CoinScore) Consistent() bool {
	if s.Trades != s.Wins+s.Losses {
		return false
	}
	if s.Trades == 0 {
		return true
	}
	diff := s.WinRate - float64(s.Wins)/float64(s.Trades)
	return diff < 1e-9 && diff > -1e-9
}

// Pattern is a named entry/exit template with confidence built from outcomes.
// EntryConditions and ExitConditions are opaque JSON blobs owned by the LLM.
type Pattern struct {
	PatternID       string
	Description     string
	EntryConditions string
	ExitConditions  string
	TimesUsed       int
	Wins            int
	Losses          int
	TotalPnl        float64
	Confidence      float64 // [0,1]
	Active          bool
	CreatedAtMs     int64
	LastUsedAtMs    int64
}

// SizeModifier maps pattern confidence [0,1] linearly onto [0.75, 1.25].
func (p Pattern) SizeModifier() float64 {
	return 0.75 + 0.5*p.Confidence
}

// RuleAction is what a triggered regime rule does to new trades.
type RuleAction string

const (
	RuleNoTrade    RuleAction = "NO_TRADE"
	RuleReduceSize RuleAction = "REDUCE_SIZE"
)

// RegimeRule suppresses or shrinks new trades when its predicate matches the
// current market state. Condition is a JSON predicate document evaluated by
// the market_regime package.
type RegimeRule struct {
	RuleID         string
	Description    string
	Condition      string
	Action         RuleAction
	TimesTriggered int
	EstimatedSaves float64
	Active         bool
	CreatedAtMs    int64
}

// MarketState is the snapshot regime rule predicates evaluate against.
type MarketState struct {
	BTCTrend     string // up, down, sideways
	BTCChange24h float64
	HourOfDay    int
	DayOfWeek    int
	IsWeekend    bool
}

// AdaptationAction enumerates the knowledge-store mutations the learning
// loop can apply.
type AdaptationAction string

const (
	ActionBlacklist         AdaptationAction = "BLACKLIST"
	ActionUnblacklist       AdaptationAction = "UNBLACKLIST"
	ActionFavor             AdaptationAction = "FAVOR"
	ActionReduce            AdaptationAction = "REDUCE"
	ActionDeactivatePattern AdaptationAction = "DEACTIVATE_PATTERN"
	ActionActivatePattern   AdaptationAction = "ACTIVATE_PATTERN"
	ActionCreateTimeRule    AdaptationAction = "CREATE_TIME_RULE"
	ActionCreateRegimeRule  AdaptationAction = "CREATE_REGIME_RULE"
	ActionRollback          AdaptationAction = "ROLLBACK"
)

// Effectiveness is the post-hoc label assigned to an adaptation.
type Effectiveness string

const (
	EffectPending         Effectiveness = "pending"
	EffectHighlyEffective Effectiveness = "highly_effective"
	EffectEffective       Effectiveness = "effective"
	EffectNeutral         Effectiveness = "neutral"
	EffectIneffective     Effectiveness = "ineffective"
	EffectHarmful         Effectiveness = "harmful"
)

// Metrics is the snapshot captured before an adaptation and again when its
// effectiveness is measured. Stored as a JSON blob on the adaptation row.
type Metrics struct {
	Trades   int     `json:"trades"`
	WinRate  float64 `json:"win_rate"`
	TotalPnl float64 `json:"total_pnl"`
}

// Adaptation is one applied mutation of the knowledge store. Append-only;
// the post-hoc fields (PostMetrics, Effectiveness, MeasuredAtMs, rollback
// fields) are each updated in place exactly once.
type Adaptation struct {
	ID             string
	TsMs           int64
	InsightID      string
	Action         AdaptationAction
	Target         string
	Description    string
	PreMetrics     string // JSON-encoded Metrics
	PostMetrics    string // JSON-encoded Metrics, empty until measured
	Confidence     float64
	AutoApplied    bool
	Effectiveness  Effectiveness
	MeasuredAtMs   int64
	RolledBack     bool
	RollbackReason string
	ReasonHash     string // idempotency key over (action, target, reason)
}

// InsightCategory classifies an insight from reflection.
type InsightCategory string

const (
	CategoryProblem     InsightCategory = "problem"
	CategoryOpportunity InsightCategory = "opportunity"
	CategoryObservation InsightCategory = "observation"
)

// InsightEvidence is the quantitative backing for an insight.
type InsightEvidence struct {
	Trades    int      `json:"trades"`
	WinRate   *float64 `json:"win_rate,omitempty"`
	Pnl       *float64 `json:"pnl,omitempty"`
	PatternID string   `json:"pattern_id,omitempty"`
	Symbol    string   `json:"symbol,omitempty"`
	Hours     []int    `json:"hours,omitempty"`
}

// Insight is a structured observation emitted by the reflection LLM.
type Insight struct {
	ID              string          `json:"-"`
	Type            string          `json:"type"`
	Category        InsightCategory `json:"category"`
	Title           string          `json:"title"`
	Description     string          `json:"description"`
	Evidence        InsightEvidence `json:"evidence"`
	SuggestedAction string          `json:"suggested_action"`
	Confidence      float64         `json:"confidence"`
}

// Reflection is one completed reflection cycle.
type Reflection struct {
	ID             string
	TsMs           int64
	WindowStartMs  int64
	WindowEndMs    int64
	TradesAnalyzed int
	Summary        string
	DurationMs     int64
}

// AccountState is the authoritative paper account. Owned by the sniper;
// invariant: Balance = Available + InPositions at rest.
type AccountState struct {
	Balance         float64 `msgpack:"balance" json:"balance"`
	Available       float64 `msgpack:"available" json:"available"`
	InPositions     float64 `msgpack:"in_positions" json:"in_positions"`
	TotalPnl        float64 `msgpack:"total_pnl" json:"total_pnl"`
	DailyPnl        float64 `msgpack:"daily_pnl" json:"daily_pnl"`
	TradeCountToday int     `msgpack:"trade_count_today" json:"trade_count_today"`
	LastUpdatedMs   int64   `msgpack:"last_updated" json:"last_updated"`
}

// RuntimeState is the restart checkpoint: reflection bookkeeping plus a
// snapshot of the sniper's in-memory state.
type RuntimeState struct {
	LastReflectionTsMs    int64 `msgpack:"last_reflection_ts"`
	TradesSinceReflection int   `msgpack:"trades_since_reflection"`
	Paused                bool  `msgpack:"paused"`

	Account    AccountState     `msgpack:"account"`
	Positions  []Position       `msgpack:"positions"`
	Conditions []TradeCondition `msgpack:"conditions"`

	SavedAtMs int64 `msgpack:"saved_at"`
}

// HealthStatus is a component health level.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthFailed   HealthStatus = "failed"
	HealthStopped  HealthStatus = "stopped"
)

// Worse reports whether a is a worse health level than b.
func (a HealthStatus) Worse(b HealthStatus) bool {
	return healthRank(a) > healthRank(b)
}

func healthRank(s HealthStatus) int {
	switch s {
	case HealthHealthy:
		return 0
	case HealthDegraded:
		return 1
	case HealthFailed:
		return 2
	case HealthStopped:
		return 3
	default:
		return 1
	}
}

// Health is the report each component exposes to the orchestrator.
type Health struct {
	Status         HealthStatus       `json:"status"`
	LastActivityMs int64              `json:"last_activity_ts"`
	ErrorCount     int                `json:"error_count"`
	Metrics        map[string]float64 `json:"metrics,omitempty"`
}

// NormalizeSymbol canonicalizes a symbol code ("btc " -> "BTC").
func NormalizeSymbol(sym string) string {
	return strings.ToUpper(strings.TrimSpace(sym))
}
