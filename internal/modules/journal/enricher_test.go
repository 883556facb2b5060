package journal

import (
	"testing"
	"time"

	"github.com/aristath/kestrel/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPrices struct {
	prices map[string]float64
}

func (s *stubPrices) Latest(symbol string) (domain.Tick, bool) {
	p, ok := s.prices[symbol]
	if !ok {
		return domain.Tick{}, false
	}
	return domain.Tick{Symbol: symbol, Price: p, TsMs: baseTs}, true
}

func TestEnricherFillsOffsetsProgressively(t *testing.T) {
	repo := newTestRepo(t)
	prices := &stubPrices{prices: map[string]float64{"BTC": 50_100}}
	e := NewEnricher(repo, prices, zerolog.Nop())

	exitTs := baseTs + 60_000
	entry := domain.JournalEntry{
		TradeID: "trade-1", Symbol: "BTC", Direction: domain.DirectionLong,
		SizeUSD: 100, StrategyID: "llm", EntryPrice: 50_000, EntryTsMs: baseTs,
	}
	require.NoError(t, repo.RecordEntry(entry))
	require.NoError(t, repo.RecordExit("trade-1", 50_050, exitTs, domain.ExitTakeProfit, 0.1, 0.001))

	// Before the first offset nothing is sampled.
	e.sweep(exitTs + 30_000)
	got, err := repo.GetByTradeID("trade-1")
	require.NoError(t, err)
	assert.Nil(t, got.PriceAfter1m)

	// One minute in: only the first sample lands.
	e.sweep(exitTs + time.Minute.Milliseconds() + 1000)
	got, err = repo.GetByTradeID("trade-1")
	require.NoError(t, err)
	require.NotNil(t, got.PriceAfter1m)
	assert.InDelta(t, 50_100, *got.PriceAfter1m, 1e-9)
	assert.Nil(t, got.PriceAfter5m)

	// The price moves; later sweeps capture the later offsets at the later
	// price without touching the earlier sample.
	prices.prices["BTC"] = 50_300
	e.sweep(exitTs + 5*time.Minute.Milliseconds() + 1000)
	prices.prices["BTC"] = 50_500
	e.sweep(exitTs + 15*time.Minute.Milliseconds() + 1000)

	got, err = repo.GetByTradeID("trade-1")
	require.NoError(t, err)
	require.NotNil(t, got.PriceAfter5m)
	require.NotNil(t, got.PriceAfter15m)
	assert.InDelta(t, 50_100, *got.PriceAfter1m, 1e-9)
	assert.InDelta(t, 50_300, *got.PriceAfter5m, 1e-9)
	assert.InDelta(t, 50_500, *got.PriceAfter15m, 1e-9)
}

func TestEnricherSkipsSymbolsWithoutPrices(t *testing.T) {
	repo := newTestRepo(t)
	e := NewEnricher(repo, &stubPrices{prices: map[string]float64{}}, zerolog.Nop())

	exitTs := baseTs + 60_000
	require.NoError(t, repo.RecordEntry(domain.JournalEntry{
		TradeID: "trade-1", Symbol: "BTC", Direction: domain.DirectionLong,
		SizeUSD: 100, StrategyID: "llm", EntryPrice: 50_000, EntryTsMs: baseTs,
	}))
	require.NoError(t, repo.RecordExit("trade-1", 50_050, exitTs, domain.ExitTakeProfit, 0.1, 0.001))

	e.sweep(exitTs + 20*time.Minute.Milliseconds())

	got, err := repo.GetByTradeID("trade-1")
	require.NoError(t, err)
	assert.Nil(t, got.PriceAfter1m)
	assert.Nil(t, got.PriceAfter15m)
}
