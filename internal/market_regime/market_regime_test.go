package market_regime

import (
	"testing"
	"time"

	"github.com/aristath/kestrel/internal/domain"
	"github.com/aristath/kestrel/internal/pricebus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baseTs int64 = 2_500_000_000_000

func TestTrendOf(t *testing.T) {
	rising := make([]float64, trendSlowPeriod)
	falling := make([]float64, trendSlowPeriod)
	flat := make([]float64, trendSlowPeriod)
	for i := range rising {
		rising[i] = 50_000 + float64(i)*100
		falling[i] = 50_000 - float64(i)*100
		flat[i] = 50_000
	}

	assert.Equal(t, "up", TrendOf(rising))
	assert.Equal(t, "down", TrendOf(falling))
	assert.Equal(t, "sideways", TrendOf(flat))
	assert.Equal(t, "sideways", TrendOf(rising[:5])) // not enough data
	assert.Equal(t, "sideways", TrendOf(nil))
}

func TestDetectorState(t *testing.T) {
	bus := pricebus.New(zerolog.Nop())
	for i := 0; i < trendSlowPeriod; i++ {
		bus.Publish(domain.Tick{
			Symbol: "BTC", Price: 50_000 + float64(i)*100,
			TsMs: baseTs + int64(i)*1000, Change24h: 3.2,
		})
	}

	d := NewDetector(bus, zerolog.Nop())

	// 2026-08-22 is a Saturday.
	saturday := time.Date(2026, 8, 22, 14, 0, 0, 0, time.UTC)
	state := d.State(saturday)

	assert.Equal(t, "up", state.BTCTrend)
	assert.InDelta(t, 3.2, state.BTCChange24h, 1e-9)
	assert.Equal(t, 14, state.HourOfDay)
	assert.Equal(t, int(time.Saturday), state.DayOfWeek)
	assert.True(t, state.IsWeekend)
}

func rule(id, condition string, action domain.RuleAction) domain.RegimeRule {
	return domain.RegimeRule{RuleID: id, Condition: condition, Action: action, Active: true}
}

func TestEvaluate(t *testing.T) {
	state := domain.MarketState{
		BTCTrend: "down", BTCChange24h: -4.5,
		HourOfDay: 3, DayOfWeek: 2, IsWeekend: false,
	}

	cases := []struct {
		name      string
		condition string
		want      bool
		wantErr   bool
	}{
		{"trend eq", `{"all":[{"field":"btc_trend","op":"eq","value":"down"}]}`, true, false},
		{"trend neq", `{"all":[{"field":"btc_trend","op":"neq","value":"down"}]}`, false, false},
		{"change lt", `{"all":[{"field":"btc_change_24h","op":"lt","value":-3}]}`, true, false},
		{"hour between", `{"all":[{"field":"hour_of_day","op":"between","value":[2,5]}]}`, true, false},
		{"conjunction", `{"all":[{"field":"btc_trend","op":"eq","value":"down"},{"field":"is_weekend","op":"eq","value":false}]}`, true, false},
		{"conjunction fails", `{"all":[{"field":"btc_trend","op":"eq","value":"down"},{"field":"is_weekend","op":"eq","value":true}]}`, false, false},
		{"day in", `{"all":[{"field":"day_of_week","op":"in","value":[0,6]}]}`, false, false},
		{"trend in", `{"all":[{"field":"btc_trend","op":"in","value":["down","sideways"]}]}`, true, false},
		{"malformed json", `{"all":[`, false, true},
		{"no clauses", `{"all":[]}`, false, true},
		{"unknown field", `{"all":[{"field":"volume","op":"gt","value":1}]}`, false, true},
		{"unsupported op", `{"all":[{"field":"btc_trend","op":"gt","value":"x"}]}`, false, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Evaluate(rule("r", tc.condition, domain.RuleNoTrade), state)
			if tc.wantErr {
				require.Error(t, err)
				assert.False(t, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestApplyRules(t *testing.T) {
	state := domain.MarketState{BTCTrend: "down", IsWeekend: true}

	rules := []domain.RegimeRule{
		rule("crash", `{"all":[{"field":"btc_trend","op":"eq","value":"down"}]}`, domain.RuleNoTrade),
		rule("weekend", `{"all":[{"field":"is_weekend","op":"eq","value":true}]}`, domain.RuleReduceSize),
		rule("broken", `not json`, domain.RuleNoTrade),
		rule("quiet", `{"all":[{"field":"btc_trend","op":"eq","value":"up"}]}`, domain.RuleNoTrade),
	}

	result, errs := ApplyRules(rules, state)
	assert.True(t, result.NoTrade)
	assert.True(t, result.ReduceSize)
	assert.Len(t, result.Triggered, 2)
	assert.Len(t, errs, 1) // the malformed rule, skipped
}
