package learning

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aristath/kestrel/internal/config"
	"github.com/aristath/kestrel/internal/database"
	"github.com/aristath/kestrel/internal/domain"
	"github.com/aristath/kestrel/internal/modules/journal"
	"github.com/aristath/kestrel/internal/modules/knowledge"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baseTs int64 = 2_500_000_000_000

type learningHarness struct {
	cfg     *config.Config
	store   *knowledge.Store
	journal *journal.Repository
}

func newLearningHarness(t *testing.T) *learningHarness {
	t.Helper()

	db, err := database.New(database.Config{
		Path: fmt.Sprintf("file:learning_%s?mode=memory&cache=shared", t.Name()),
		Name: "learning",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate())

	return &learningHarness{
		cfg: &config.Config{
			MinTradesForAdaptation: 5,
			BlacklistWinRate:       0.30,
			ReducedWinRate:         0.45,
			FavoredWinRate:         0.60,
			ReflectionPeriod:       time.Hour,
			ReflectionMinTrades:    10,
		},
		store:   knowledge.NewStore(db, zerolog.Nop()),
		journal: journal.NewRepository(db.Conn(), zerolog.Nop()),
	}
}

// closeTrade writes a full entry+exit journal row.
func (h *learningHarness) closeTrade(t *testing.T, symbol, patternID string, pnlUSD float64, entryTs, exitTs int64) string {
	t.Helper()
	tradeID := uuid.New().String()
	require.NoError(t, h.journal.RecordEntry(domain.JournalEntry{
		TradeID: tradeID, Symbol: symbol, Direction: domain.DirectionLong,
		SizeUSD: 100, StrategyID: "llm", PatternID: patternID,
		Regime: "sideways", EntryPrice: 100, EntryTsMs: entryTs,
	}))
	reason := domain.ExitTakeProfit
	if pnlUSD <= 0 {
		reason = domain.ExitStopLoss
	}
	require.NoError(t, h.journal.RecordExit(tradeID, 100+pnlUSD, exitTs, reason, pnlUSD, pnlUSD/100))
	return tradeID
}

type countingNotifier struct {
	mu    sync.Mutex
	count int
}

func (n *countingNotifier) OnTradeClosed() {
	n.mu.Lock()
	n.count++
	n.mu.Unlock()
}

func TestQuickUpdatePromotesAndDemotes(t *testing.T) {
	h := newLearningHarness(t)
	notifier := &countingNotifier{}
	q := NewQuickUpdater(h.cfg, h.store, h.journal, notifier, zerolog.Nop())

	ts := baseTs
	// Six winners promote the coin to FAVORED once past the sample minimum.
	for i := 0; i < 6; i++ {
		ts += 60_000
		pos := domain.Position{ID: uuid.New().String(), Symbol: "SOL", Direction: domain.DirectionLong, SizeUSD: 100, EntryPrice: 100}
		q.OnExit(pos, domain.ExitTakeProfit, 1.0, ts)
	}

	score, err := h.store.Scores.Get("SOL")
	require.NoError(t, err)
	require.NotNil(t, score)
	assert.Equal(t, domain.CoinFavored, score.Status)
	assert.Equal(t, 6, score.Trades)
	assert.InDelta(t, 1.0, score.WinRate, 1e-9)
	assert.True(t, score.Consistent())
	assert.Equal(t, 6, notifier.count)

	// Four heavy losers drag total pnl negative: 60% win rate no longer
	// clears the favored bar, the coin demotes to NORMAL.
	for i := 0; i < 4; i++ {
		ts += 60_000
		pos := domain.Position{ID: uuid.New().String(), Symbol: "SOL", Direction: domain.DirectionLong, SizeUSD: 100, EntryPrice: 100}
		q.OnExit(pos, domain.ExitStopLoss, -2.0, ts)
	}

	score, err = h.store.Scores.Get("SOL")
	require.NoError(t, err)
	assert.Equal(t, domain.CoinNormal, score.Status)
	assert.Equal(t, 10, score.Trades)
	assert.InDelta(t, 0.6, score.WinRate, 1e-9)
	assert.InDelta(t, -2.0, score.TotalPnl, 1e-9)
}

func TestQuickUpdateBlacklistsAndRecordsAdaptation(t *testing.T) {
	h := newLearningHarness(t)
	q := NewQuickUpdater(h.cfg, h.store, h.journal, nil, zerolog.Nop())

	ts := baseTs
	for i := 0; i < 5; i++ {
		ts += 60_000
		require.NoError(t, q.Apply("DOGE", "", -1.5, ts))
	}

	score, err := h.store.Scores.Get("DOGE")
	require.NoError(t, err)
	require.NotNil(t, score)
	assert.Equal(t, domain.CoinBlacklisted, score.Status)
	assert.NotEmpty(t, score.BlacklistReason)

	recent, err := h.store.Adaptations.Recent(10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, domain.ActionBlacklist, recent[0].Action)
	assert.Equal(t, "DOGE", recent[0].Target)
	assert.Equal(t, domain.EffectPending, recent[0].Effectiveness)
	assert.NotEmpty(t, recent[0].PreMetrics)
}

func TestQuickUpdateBelowSampleMinimumKeepsStatus(t *testing.T) {
	h := newLearningHarness(t)
	q := NewQuickUpdater(h.cfg, h.store, h.journal, nil, zerolog.Nop())

	for i := 0; i < 4; i++ {
		require.NoError(t, q.Apply("ETH", "", -1.0, baseTs+int64(i)*60_000))
	}

	score, err := h.store.Scores.Get("ETH")
	require.NoError(t, err)
	assert.Equal(t, domain.CoinUnknown, score.Status)
}

func TestQuickUpdateRecordsPatternOutcome(t *testing.T) {
	h := newLearningHarness(t)
	q := NewQuickUpdater(h.cfg, h.store, h.journal, nil, zerolog.Nop())

	require.NoError(t, h.store.Patterns.Create(domain.Pattern{
		PatternID: "breakout", Description: "break of 24h high", Active: true, CreatedAtMs: baseTs,
	}))

	require.NoError(t, q.Apply("BTC", "breakout", 2.0, baseTs+60_000))

	p, err := h.store.Patterns.Get("breakout")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, 1, p.Wins)
	assert.Equal(t, 1, p.TimesUsed)
	assert.InDelta(t, knowledge.BayesianConfidence(1, 1), p.Confidence, 1e-9)
}

func TestQuickUpdateTrend(t *testing.T) {
	h := newLearningHarness(t)
	q := NewQuickUpdater(h.cfg, h.store, h.journal, nil, zerolog.Nop())

	ts := baseTs
	// Five losers then five winners in the journal: trend improving.
	for i := 0; i < 5; i++ {
		ts += 60_000
		h.closeTrade(t, "BTC", "", -1.0, ts, ts+30_000)
	}
	for i := 0; i < 5; i++ {
		ts += 60_000
		h.closeTrade(t, "BTC", "", 2.0, ts, ts+30_000)
	}

	require.NoError(t, q.Apply("BTC", "", 2.0, ts+60_000))

	score, err := h.store.Scores.Get("BTC")
	require.NoError(t, err)
	assert.Equal(t, "improving", score.Trend)
}

func insight(action, symbol string, trades int, confidence float64) domain.Insight {
	return domain.Insight{
		ID:       uuid.New().String(),
		Type:     "coin_performance",
		Category: domain.CategoryProblem,
		Title:    fmt.Sprintf("%s on %s", action, symbol),
		Evidence: domain.InsightEvidence{Trades: trades, Symbol: symbol},

		SuggestedAction: action,
		Confidence:      confidence,
	}
}

func TestAdaptationGuards(t *testing.T) {
	h := newLearningHarness(t)
	e := NewAdaptationEngine(h.cfg, h.store, h.journal, zerolog.Nop())

	applied := e.Apply([]domain.Insight{
		insight("BLACKLIST", "DOGE", 3, 0.95),  // not enough trades
		insight("BLACKLIST", "SHIB", 10, 0.70), // confidence below bar
		insight("NONE", "BTC", 50, 0.99),       // no action
		insight("BLACKLIST", "", 10, 0.95),     // no target
	})
	assert.Empty(t, applied)

	status, err := h.store.Scores.Status("DOGE")
	require.NoError(t, err)
	assert.Equal(t, domain.CoinUnknown, status)
}

func TestAdaptationAppliesBlacklist(t *testing.T) {
	h := newLearningHarness(t)
	e := NewAdaptationEngine(h.cfg, h.store, h.journal, zerolog.Nop())

	applied := e.Apply([]domain.Insight{insight("BLACKLIST", "DOGE", 8, 0.9)})
	require.Len(t, applied, 1)
	assert.Equal(t, domain.ActionBlacklist, applied[0].Action)
	assert.Equal(t, "DOGE", applied[0].Target)
	assert.Equal(t, domain.EffectPending, applied[0].Effectiveness)

	status, err := h.store.Scores.Status("DOGE")
	require.NoError(t, err)
	assert.Equal(t, domain.CoinBlacklisted, status)

	// Same target again inside the cooldown window is a no-op.
	applied = e.Apply([]domain.Insight{insight("REDUCE", "DOGE", 8, 0.9)})
	assert.Empty(t, applied)
}

func TestAdaptationDailyBudget(t *testing.T) {
	h := newLearningHarness(t)
	e := NewAdaptationEngine(h.cfg, h.store, h.journal, zerolog.Nop())

	// Fill the last 24h with applied adaptations on other targets.
	now := domain.NowMs()
	for i := 0; i < maxAdaptationsPerDay; i++ {
		target := fmt.Sprintf("SYM%d", i)
		require.NoError(t, h.store.Adaptations.Create(domain.Adaptation{
			ID: uuid.New().String(), TsMs: now - int64(i)*60_000,
			Action: domain.ActionReduce, Target: target,
			Description: "reduced on drawdown", PreMetrics: "{}",
			Confidence: 0.9, AutoApplied: true, Effectiveness: domain.EffectPending,
			ReasonHash: knowledge.ReasonHash(domain.ActionReduce, target, "reduced on drawdown"),
		}))
	}

	// A perfectly valid insight is deferred once the budget is spent.
	applied := e.Apply([]domain.Insight{insight("BLACKLIST", "DOGE", 8, 0.9)})
	assert.Empty(t, applied)

	status, err := h.store.Scores.Status("DOGE")
	require.NoError(t, err)
	assert.Equal(t, domain.CoinUnknown, status)
}

func TestAdaptationCreatesTimeRule(t *testing.T) {
	h := newLearningHarness(t)
	e := NewAdaptationEngine(h.cfg, h.store, h.journal, zerolog.Nop())

	ins := domain.Insight{
		ID:       uuid.New().String(),
		Type:     "time_of_day",
		Category: domain.CategoryProblem,
		Title:    "losses concentrate in the early UTC hours",
		Evidence: domain.InsightEvidence{Trades: 14, Hours: []int{2, 3, 4}},

		SuggestedAction: "CREATE_TIME_RULE",
		Confidence:      0.8,
	}

	applied := e.Apply([]domain.Insight{ins})
	require.Len(t, applied, 1)
	assert.Equal(t, "hours:02,03,04", applied[0].Target)

	rules, err := h.store.Rules.Active()
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, domain.RuleNoTrade, rules[0].Action)
	assert.Contains(t, rules[0].Condition, `"hour_of_day"`)
	assert.Contains(t, rules[0].Condition, "[2,3,4]")

	// Rolling the adaptation back deactivates the created rule.
	require.NoError(t, e.Rollback(applied[0].ID, "operator request"))
	rules, err = h.store.Rules.Active()
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestRollbackReversesAndRecords(t *testing.T) {
	h := newLearningHarness(t)
	e := NewAdaptationEngine(h.cfg, h.store, h.journal, zerolog.Nop())

	applied := e.Apply([]domain.Insight{insight("BLACKLIST", "DOGE", 8, 0.9)})
	require.Len(t, applied, 1)

	require.NoError(t, e.Rollback(applied[0].ID, "measured harmful"))

	status, err := h.store.Scores.Status("DOGE")
	require.NoError(t, err)
	assert.Equal(t, domain.CoinNormal, status)

	original, err := h.store.Adaptations.Get(applied[0].ID)
	require.NoError(t, err)
	assert.True(t, original.RolledBack)

	recent, err := h.store.Adaptations.Recent(10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	var rollback *domain.Adaptation
	for i := range recent {
		if recent[i].Action == domain.ActionRollback {
			rollback = &recent[i]
		}
	}
	require.NotNil(t, rollback)
	assert.Equal(t, applied[0].ID, rollback.Target)

	// A second rollback of the same adaptation must fail.
	assert.Error(t, e.Rollback(applied[0].ID, "again"))
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		pre  domain.Metrics
		post domain.Metrics
		want domain.Effectiveness
	}{
		{"highly effective", domain.Metrics{Trades: 10, WinRate: 0.40, TotalPnl: 5}, domain.Metrics{Trades: 12, WinRate: 0.50, TotalPnl: 8}, domain.EffectHighlyEffective},
		{"effective", domain.Metrics{Trades: 10, WinRate: 0.40, TotalPnl: 5}, domain.Metrics{Trades: 12, WinRate: 0.43, TotalPnl: 5.2}, domain.EffectEffective},
		{"neutral", domain.Metrics{Trades: 10, WinRate: 0.40, TotalPnl: 5}, domain.Metrics{Trades: 12, WinRate: 0.41, TotalPnl: 5.2}, domain.EffectNeutral},
		{"ineffective", domain.Metrics{Trades: 10, WinRate: 0.40, TotalPnl: 5}, domain.Metrics{Trades: 12, WinRate: 0.35, TotalPnl: 4.8}, domain.EffectIneffective},
		{"harmful win rate", domain.Metrics{Trades: 10, WinRate: 0.40, TotalPnl: 5}, domain.Metrics{Trades: 12, WinRate: 0.25, TotalPnl: 5}, domain.EffectHarmful},
		{"harmful pnl", domain.Metrics{Trades: 10, WinRate: 0.40, TotalPnl: 10}, domain.Metrics{Trades: 12, WinRate: 0.40, TotalPnl: 2}, domain.EffectHarmful},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, classify(tc.pre, tc.post))
		})
	}
}

func TestHarmfulAdaptationAutoRollsBack(t *testing.T) {
	h := newLearningHarness(t)
	e := NewAdaptationEngine(h.cfg, h.store, h.journal, zerolog.Nop())
	m := NewEffectivenessMonitor(h.store, e, zerolog.Nop())

	// A FAVOR adaptation applied at baseTs with a decent baseline.
	pre, err := metricsJSON(domain.Metrics{Trades: 10, WinRate: 0.60, TotalPnl: 12})
	require.NoError(t, err)
	a := domain.Adaptation{
		ID: uuid.New().String(), TsMs: baseTs,
		Action: domain.ActionFavor, Target: "SOL",
		Description: "favored on strong run", PreMetrics: pre,
		Confidence: 0.9, AutoApplied: true, Effectiveness: domain.EffectPending,
		ReasonHash: knowledge.ReasonHash(domain.ActionFavor, "SOL", "favored on strong run"),
	}
	require.NoError(t, h.store.Adaptations.Create(a))
	require.NoError(t, h.store.Scores.SetStatus("SOL", domain.CoinFavored, "", baseTs))

	// Ten trades after the adaptation go badly.
	ts := baseTs
	for i := 0; i < 10; i++ {
		ts += 60_000
		pnl := -2.0
		if i < 2 {
			pnl = 1.0
		}
		h.closeTrade(t, "SOL", "", pnl, ts, ts+30_000)
	}

	done, err := m.measure(a, ts+60_000)
	require.NoError(t, err)
	assert.True(t, done)

	measured, err := h.store.Adaptations.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EffectHarmful, measured.Effectiveness)
	assert.True(t, measured.RolledBack)

	// The harmful favor is reversed and the reversal is on the record.
	status, err := h.store.Scores.Status("SOL")
	require.NoError(t, err)
	assert.Equal(t, domain.CoinNormal, status)

	recent, err := h.store.Adaptations.Recent(10)
	require.NoError(t, err)
	var sawRollback bool
	for _, r := range recent {
		if r.Action == domain.ActionRollback && r.Target == a.ID {
			sawRollback = true
		}
	}
	assert.True(t, sawRollback)
}

func TestMeasureWaitsForHorizon(t *testing.T) {
	h := newLearningHarness(t)
	e := NewAdaptationEngine(h.cfg, h.store, h.journal, zerolog.Nop())
	m := NewEffectivenessMonitor(h.store, e, zerolog.Nop())

	pre, err := metricsJSON(domain.Metrics{Trades: 10, WinRate: 0.5, TotalPnl: 5})
	require.NoError(t, err)
	a := domain.Adaptation{
		ID: uuid.New().String(), TsMs: baseTs,
		Action: domain.ActionReduce, Target: "ETH",
		PreMetrics: pre, Effectiveness: domain.EffectPending,
		ReasonHash: knowledge.ReasonHash(domain.ActionReduce, "ETH", "x"),
	}
	require.NoError(t, h.store.Adaptations.Create(a))

	// Three trades and one hour in: neither horizon reached.
	ts := baseTs
	for i := 0; i < 3; i++ {
		ts += 60_000
		h.closeTrade(t, "ETH", "", 1.0, ts, ts+30_000)
	}
	done, err := m.measure(a, baseTs+time.Hour.Milliseconds())
	require.NoError(t, err)
	assert.False(t, done)

	// Past 24 hours the measurement happens regardless of trade count.
	done, err = m.measure(a, baseTs+25*time.Hour.Milliseconds())
	require.NoError(t, err)
	assert.True(t, done)

	measured, err := h.store.Adaptations.Get(a.ID)
	require.NoError(t, err)
	assert.NotEqual(t, domain.EffectPending, measured.Effectiveness)
}

type fakeChat struct {
	mu           sync.Mutex
	calls        int
	response     string
	err          error
	lastDeadline time.Time
}

func (f *fakeChat) Complete(ctx context.Context, system, user string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastDeadline, _ = ctx.Deadline()
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

type recordingSink struct {
	mu       sync.Mutex
	received []domain.Insight
}

func (r *recordingSink) Apply(insights []domain.Insight) []domain.Adaptation {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = append(r.received, insights...)
	return nil
}

func TestReflectionCycle(t *testing.T) {
	h := newLearningHarness(t)
	chat := &fakeChat{response: `{"summary":"DOGE is bleeding.",
		"insights":[
		  {"type":"coin","category":"problem","title":"DOGE losing streak",
		   "description":"poor fills","evidence":{"trades":6,"symbol":"DOGE"},
		   "suggested_action":"BLACKLIST","confidence":0.9},
		  {"type":"bad","category":"nonsense","title":"broken",
		   "evidence":{"trades":1},"suggested_action":"NONE","confidence":0.5}
		]}`}
	sink := &recordingSink{}
	engine := NewReflectionEngine(h.cfg, h.store, h.journal, chat, sink, zerolog.Nop())

	// Recent closed trades so the window is not empty.
	now := domain.NowMs()
	for i := 0; i < 6; i++ {
		h.closeTrade(t, "DOGE", "", -1.0, now-int64(6-i)*120_000, now-int64(6-i)*60_000)
	}

	require.NoError(t, engine.ForceRun(context.Background()))

	// The malformed insight is dropped, the valid one persisted and handed on.
	require.Len(t, sink.received, 1)
	assert.Equal(t, "DOGE losing streak", sink.received[0].Title)

	ref, err := h.store.Reflections.Latest()
	require.NoError(t, err)
	require.NotNil(t, ref)
	assert.Equal(t, "DOGE is bleeding.", ref.Summary)
	assert.Equal(t, 6, ref.TradesAnalyzed)

	insights, err := h.store.Reflections.InsightsFor(ref.ID)
	require.NoError(t, err)
	require.Len(t, insights, 1)
	assert.Equal(t, "DOGE", insights[0].Evidence.Symbol)

	// The cycle resets the trade counter.
	_, trades := engine.State()
	assert.Equal(t, 0, trades)

	// The LLM call carried the per-call deadline.
	chat.mu.Lock()
	deadline := chat.lastDeadline
	chat.mu.Unlock()
	require.False(t, deadline.IsZero())
	assert.WithinDuration(t, time.Now().Add(reflectionCallTimeout), deadline, 5*time.Second)
}

func TestShouldReflect(t *testing.T) {
	h := newLearningHarness(t)
	engine := NewReflectionEngine(h.cfg, h.store, h.journal, &fakeChat{}, &recordingSink{}, zerolog.Nop())

	now := baseTs

	// First run needs a minimum sample.
	assert.False(t, engine.ShouldReflect(now))
	for i := 0; i < firstRunMinTrades; i++ {
		engine.OnTradeClosed()
	}
	assert.True(t, engine.ShouldReflect(now))

	// After a run: neither an hour elapsed nor enough trades.
	engine.Restore(now, 0)
	assert.False(t, engine.ShouldReflect(now+time.Minute.Milliseconds()))

	// The hourly timer fires regardless of trades.
	assert.True(t, engine.ShouldReflect(now+time.Hour.Milliseconds()))

	// Enough closed trades fire before the hour.
	engine.Restore(now, h.cfg.ReflectionMinTrades)
	assert.True(t, engine.ShouldReflect(now+time.Minute.Milliseconds()))
}

func TestComputeStats(t *testing.T) {
	five := 104.0
	entries := []domain.JournalEntry{
		{Symbol: "BTC", Direction: domain.DirectionLong, EntryPrice: 100, PnlUSD: 2, ExitReason: domain.ExitTakeProfit, Regime: "up", HourOfDay: 9, DayOfWeek: 1, Closed: true},
		{Symbol: "BTC", Direction: domain.DirectionLong, EntryPrice: 100, PnlUSD: -1, ExitReason: domain.ExitStopLoss, Regime: "up", HourOfDay: 9, DayOfWeek: 1, Closed: true, PriceAfter5m: &five},
		{Symbol: "ETH", PatternID: "breakout", Direction: domain.DirectionShort, EntryPrice: 100, PnlUSD: -1, ExitReason: domain.ExitStopLoss, Regime: "down", HourOfDay: 22, DayOfWeek: 6, Closed: true},
	}

	s := computeStats(entries)

	assert.Equal(t, 3, s.Trades)
	assert.Equal(t, 1, s.Wins)
	assert.InDelta(t, 0.0, s.TotalPnl, 1e-9)
	assert.Equal(t, 2, s.StopExits)
	assert.Equal(t, 1, s.TargetExits)
	// The second BTC trade was stopped out but 4% above entry 5 minutes on.
	assert.Equal(t, 1, s.RecoveredStops)

	require.Len(t, s.BySymbol, 2)
	require.Len(t, s.ByPattern, 1)
	assert.Equal(t, "breakout", s.ByPattern[0].Key)
	require.Len(t, s.ByRegime, 2)
}
