package knowledge

import (
	"fmt"
	"testing"

	"github.com/aristath/kestrel/internal/database"
	"github.com/aristath/kestrel/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baseTs int64 = 2_500_000_000_000

func newTestStore(t *testing.T) *Store {
	t.Helper()

	db, err := database.New(database.Config{
		Path: fmt.Sprintf("file:knowledge_%s?mode=memory&cache=shared", t.Name()),
		Name: "store",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate())

	return NewStore(db, zerolog.Nop())
}

func TestScoreSaveAndGet(t *testing.T) {
	store := newTestStore(t)

	score := domain.CoinScore{
		Symbol: "BTC", Trades: 10, Wins: 6, Losses: 4,
		TotalPnl: 42.5, AvgPnl: 4.25, WinRate: 0.6,
		AvgWinner: 12, AvgLoser: -7, Trend: "improving",
		Status: domain.CoinFavored, LastUpdatedMs: baseTs,
	}
	require.NoError(t, store.Scores.Save(score))

	got, err := store.Scores.Get("btc ")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, score, *got)
	assert.True(t, got.Consistent())

	missing, err := store.Scores.Get("SOL")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestScoreSetStatusCreatesRow(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Scores.SetStatus("DOGE", domain.CoinBlacklisted, "operator", baseTs))

	status, err := store.Scores.Status("DOGE")
	require.NoError(t, err)
	assert.Equal(t, domain.CoinBlacklisted, status)

	blacklisted, err := store.Scores.Blacklisted()
	require.NoError(t, err)
	assert.Equal(t, []string{"DOGE"}, blacklisted)

	// Unknown symbols report UNKNOWN, not an error.
	status, err = store.Scores.Status("XYZ")
	require.NoError(t, err)
	assert.Equal(t, domain.CoinUnknown, status)
}

func TestBayesianConfidence(t *testing.T) {
	// Fresh pattern sits at the prior.
	assert.InDelta(t, 0.5, BayesianConfidence(0, 0), 1e-9)
	// One win barely moves it.
	assert.InDelta(t, 6.0/11.0, BayesianConfidence(1, 1), 1e-9)
	// Strong record converges toward the empirical rate.
	assert.InDelta(t, 85.0/110.0, BayesianConfidence(80, 100), 1e-9)
}

func TestPatternLifecycle(t *testing.T) {
	store := newTestStore(t)

	p := domain.Pattern{
		PatternID:       "breakout",
		Description:     "momentum breakout",
		EntryConditions: `{"signal":"breakout"}`,
		ExitConditions:  `{}`,
		Active:          true,
		CreatedAtMs:     baseTs,
	}
	require.NoError(t, store.Patterns.Create(p))

	got, err := store.Patterns.Get("breakout")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.InDelta(t, 0.5, got.Confidence, 1e-9)

	require.NoError(t, store.Patterns.RecordOutcome("breakout", true, 8.0, baseTs+1000))
	require.NoError(t, store.Patterns.RecordOutcome("breakout", false, -3.0, baseTs+2000))

	got, err = store.Patterns.Get("breakout")
	require.NoError(t, err)
	assert.Equal(t, 2, got.TimesUsed)
	assert.Equal(t, 1, got.Wins)
	assert.Equal(t, 1, got.Losses)
	assert.InDelta(t, 5.0, got.TotalPnl, 1e-9)
	assert.InDelta(t, BayesianConfidence(1, 2), got.Confidence, 1e-9)

	require.NoError(t, store.Patterns.SetActive("breakout", false))
	active, err := store.Patterns.Active()
	require.NoError(t, err)
	assert.Empty(t, active)

	assert.Error(t, store.Patterns.SetActive("nope", true))
}

func TestRegimeRules(t *testing.T) {
	store := newTestStore(t)

	rule := domain.RegimeRule{
		RuleID:      "weekend-caution",
		Description: "reduce size on weekends",
		Condition:   `{"field":"is_weekend","op":"eq","value":true}`,
		Action:      domain.RuleReduceSize,
		Active:      true,
		CreatedAtMs: baseTs,
	}
	require.NoError(t, store.Rules.Create(rule))

	active, err := store.Rules.Active()
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, domain.RuleReduceSize, active[0].Action)

	require.NoError(t, store.Rules.RecordTrigger("weekend-caution", 12.5))
	got, err := store.Rules.Get("weekend-caution")
	require.NoError(t, err)
	assert.Equal(t, 1, got.TimesTriggered)
	assert.InDelta(t, 12.5, got.EstimatedSaves, 1e-9)

	require.NoError(t, store.Rules.SetActive("weekend-caution", false))
	active, err = store.Rules.Active()
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestAdaptationLifecycle(t *testing.T) {
	store := newTestStore(t)

	a := domain.Adaptation{
		ID:          "a1",
		TsMs:        baseTs,
		Action:      domain.ActionBlacklist,
		Target:      "DOGE",
		Description: "losing streak",
		PreMetrics:  `{"trades":12,"win_rate":0.25,"total_pnl":-40}`,
		Confidence:  0.9,
		AutoApplied: true,
		ReasonHash:  ReasonHash(domain.ActionBlacklist, "DOGE", "losing streak"),
	}
	require.NoError(t, store.Adaptations.Create(a))

	got, err := store.Adaptations.Get("a1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.EffectPending, got.Effectiveness)

	// Idempotency: same action+target+reason is detectable.
	exists, err := store.Adaptations.ExistsReasonHash(a.ReasonHash, baseTs-1000)
	require.NoError(t, err)
	assert.True(t, exists)

	// Cooldown lookup.
	last, err := store.Adaptations.LastForTarget("DOGE")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "a1", last.ID)

	// Measurement happens once.
	require.NoError(t, store.Adaptations.Finalize("a1", `{"trades":20,"win_rate":0.5,"total_pnl":10}`, domain.EffectEffective, baseTs+86_400_000))
	assert.Error(t, store.Adaptations.Finalize("a1", `{}`, domain.EffectNeutral, baseTs+86_400_000))

	pending, err := store.Adaptations.PendingMeasurement(baseTs + 86_400_000)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestAdaptationRollback(t *testing.T) {
	store := newTestStore(t)

	a := domain.Adaptation{
		ID: "a1", TsMs: baseTs, Action: domain.ActionReduce, Target: "ETH",
		PreMetrics: `{}`, ReasonHash: ReasonHash(domain.ActionReduce, "ETH", "x"),
	}
	require.NoError(t, store.Adaptations.Create(a))

	require.NoError(t, store.Adaptations.MarkRolledBack("a1", "harmful"))
	assert.Error(t, store.Adaptations.MarkRolledBack("a1", "again"))

	// Rolled-back adaptations stop blocking idempotency and cooldown.
	exists, err := store.Adaptations.ExistsReasonHash(a.ReasonHash, 0)
	require.NoError(t, err)
	assert.False(t, exists)

	last, err := store.Adaptations.LastForTarget("ETH")
	require.NoError(t, err)
	assert.Nil(t, last)
}

func TestReflectionsAndInsights(t *testing.T) {
	store := newTestStore(t)

	wr := 0.2
	ref := domain.Reflection{
		ID: "r1", TsMs: baseTs, WindowStartMs: baseTs - 3_600_000, WindowEndMs: baseTs,
		TradesAnalyzed: 14, Summary: "poor night session", DurationMs: 2200,
	}
	insights := []domain.Insight{
		{
			ID: "i1", Type: "symbol_performance", Category: domain.CategoryProblem,
			Title: "DOGE bleeding", Description: "DOGE lost 5 of 6 trades",
			Evidence:        domain.InsightEvidence{Trades: 6, WinRate: &wr, Symbol: "DOGE"},
			SuggestedAction: "BLACKLIST", Confidence: 0.88,
		},
	}
	require.NoError(t, store.WithTransaction(func(tx *Store) error {
		return tx.Reflections.Create(ref, insights)
	}))

	latest, err := store.Reflections.Latest()
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "r1", latest.ID)

	count, err := store.Reflections.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	got, err := store.Reflections.InsightsFor("r1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, domain.CategoryProblem, got[0].Category)
	require.NotNil(t, got[0].Evidence.WinRate)
	assert.InDelta(t, 0.2, *got[0].Evidence.WinRate, 1e-9)
	assert.Equal(t, "DOGE", got[0].Evidence.Symbol)
}

func TestRuntimeStateRoundTrip(t *testing.T) {
	store := newTestStore(t)

	// Fresh store has no checkpoint.
	loaded, err := store.State.Load()
	require.NoError(t, err)
	assert.Nil(t, loaded)

	state := domain.RuntimeState{
		LastReflectionTsMs:    baseTs,
		TradesSinceReflection: 4,
		Paused:                true,
		Account: domain.AccountState{
			Balance: 10_000, Available: 9_500, InPositions: 500, LastUpdatedMs: baseTs,
		},
		Positions: []domain.Position{{
			ID: "p1", ConditionID: "c1", Symbol: "BTC", Direction: domain.DirectionLong,
			SizeUSD: 500, EntryPrice: 50_000, EntryTsMs: baseTs,
			StopPrice: 49_000, TargetPrice: 51_000,
		}},
		Conditions: []domain.TradeCondition{{
			ID: "c2", Symbol: "ETH", Direction: domain.DirectionShort,
			TriggerPrice: 3_000, TriggerRel: domain.TriggerBelow,
			StopLossPct: 0.02, TakeProfitPct: 0.01, SizeUSD: 250,
			ValidUntilMs: baseTs + 180_000,
		}},
		SavedAtMs: baseTs + 1000,
	}
	require.NoError(t, store.State.Save(state))

	loaded, err = store.State.Load()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, state, *loaded)

	// Saving again replaces the checkpoint.
	state.Paused = false
	state.SavedAtMs = baseTs + 2000
	require.NoError(t, store.State.Save(state))
	loaded, err = store.State.Load()
	require.NoError(t, err)
	assert.False(t, loaded.Paused)
}

func TestWithTransactionRollsBackAllRepos(t *testing.T) {
	store := newTestStore(t)

	err := store.WithTransaction(func(tx *Store) error {
		if err := tx.Scores.SetStatus("BTC", domain.CoinFavored, "", baseTs); err != nil {
			return err
		}
		return fmt.Errorf("boom")
	})
	require.Error(t, err)

	status, err := store.Scores.Status("BTC")
	require.NoError(t, err)
	assert.Equal(t, domain.CoinUnknown, status)
}
