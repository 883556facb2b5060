package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidTimestampMs(t *testing.T) {
	assert.True(t, ValidTimestampMs(2_000_000_000_000))
	assert.True(t, ValidTimestampMs(9_999_999_999_999))
	// Seconds-since-epoch values must be rejected (the 1969-12-31 bug class).
	assert.False(t, ValidTimestampMs(1_700_000_000))
	assert.False(t, ValidTimestampMs(0))
	assert.False(t, ValidTimestampMs(-1))
	assert.False(t, ValidTimestampMs(10_000_000_000_000))
}

func TestTickValidate(t *testing.T) {
	good := Tick{Symbol: "BTC", Price: 50000, TsMs: 2_500_000_000_000}
	assert.NoError(t, good.Validate())

	assert.Error(t, Tick{Symbol: "", Price: 1, TsMs: 2_500_000_000_000}.Validate())
	assert.Error(t, Tick{Symbol: "BTC", Price: 0, TsMs: 2_500_000_000_000}.Validate())
	assert.Error(t, Tick{Symbol: "BTC", Price: -5, TsMs: 2_500_000_000_000}.Validate())
	assert.Error(t, Tick{Symbol: "BTC", Price: 50000, TsMs: 1_700_000_000}.Validate())
}

func TestConditionTriggeredInclusive(t *testing.T) {
	above := TradeCondition{TriggerPrice: 50000, TriggerRel: TriggerAbove}
	assert.False(t, above.Triggered(49999.99))
	assert.True(t, above.Triggered(50000)) // boundary is inclusive
	assert.True(t, above.Triggered(50001))

	below := TradeCondition{TriggerPrice: 50000, TriggerRel: TriggerBelow}
	assert.True(t, below.Triggered(50000))
	assert.True(t, below.Triggered(49000))
	assert.False(t, below.Triggered(50000.01))
}

func TestStopAndTargetPrices(t *testing.T) {
	assert.InDelta(t, 98.0, StopFor(DirectionLong, 100, 0.02), 1e-9)
	assert.InDelta(t, 101.0, TargetFor(DirectionLong, 100, 0.01), 1e-9)
	assert.InDelta(t, 102.0, StopFor(DirectionShort, 100, 0.02), 1e-9)
	assert.InDelta(t, 99.0, TargetFor(DirectionShort, 100, 0.01), 1e-9)
}

func TestPositionPnl(t *testing.T) {
	long := Position{Direction: DirectionLong, SizeUSD: 500, EntryPrice: 50000}
	assert.InDelta(t, 5.0, long.PnlUSD(50500), 1e-9)
	assert.InDelta(t, 0.01, long.PnlPct(50500), 1e-9)

	short := Position{Direction: DirectionShort, SizeUSD: 500, EntryPrice: 50000}
	assert.InDelta(t, -5.0, short.PnlUSD(50500), 1e-9)

	// Entry at 100, exit on a 2.1% drop: roughly -1.05 on a 50 USD position.
	long2 := Position{Direction: DirectionLong, SizeUSD: 50, EntryPrice: 100}
	assert.InDelta(t, -1.05, long2.PnlUSD(97.9), 1e-9)
}

func TestCoinScoreConsistent(t *testing.T) {
	ok := CoinScore{Trades: 10, Wins: 6, Losses: 4, WinRate: 0.6}
	assert.True(t, ok.Consistent())

	assert.False(t, CoinScore{Trades: 10, Wins: 6, Losses: 3, WinRate: 0.6}.Consistent())
	assert.False(t, CoinScore{Trades: 10, Wins: 6, Losses: 4, WinRate: 0.5}.Consistent())
	assert.True(t, CoinScore{}.Consistent())
}

func TestStatusSizeModifier(t *testing.T) {
	assert.Equal(t, 0.0, CoinBlacklisted.SizeModifier())
	assert.Equal(t, 0.5, CoinReduced.SizeModifier())
	assert.Equal(t, 1.0, CoinNormal.SizeModifier())
	assert.Equal(t, 1.5, CoinFavored.SizeModifier())
	assert.Equal(t, 1.0, CoinUnknown.SizeModifier())
}

func TestPatternSizeModifier(t *testing.T) {
	assert.InDelta(t, 0.75, Pattern{Confidence: 0}.SizeModifier(), 1e-9)
	assert.InDelta(t, 1.0, Pattern{Confidence: 0.5}.SizeModifier(), 1e-9)
	assert.InDelta(t, 1.25, Pattern{Confidence: 1}.SizeModifier(), 1e-9)
}

func TestHealthWorse(t *testing.T) {
	assert.True(t, HealthDegraded.Worse(HealthHealthy))
	assert.True(t, HealthFailed.Worse(HealthDegraded))
	assert.True(t, HealthStopped.Worse(HealthFailed))
	assert.False(t, HealthHealthy.Worse(HealthDegraded))
}

func TestNormalizeSymbol(t *testing.T) {
	assert.Equal(t, "BTC", NormalizeSymbol(" btc "))
	assert.Equal(t, "ETH", NormalizeSymbol("ETH"))
}
