// Package market_regime assembles the current market state and evaluates
// regime rules against it. The state is cheap to build: BTC trend comes from
// the price bus's recent history, the clock fields from the wall clock.
package market_regime

import (
	"time"

	"github.com/aristath/kestrel/internal/domain"
	"github.com/markcheno/go-talib"
	"github.com/rs/zerolog"
)

// SMA windows for trend detection. The fast average crossing the slow one
// by more than the band is a trend; inside the band is sideways.
const (
	trendFastPeriod = 10
	trendSlowPeriod = 30
	trendBand       = 0.001 // 0.1%
)

// PriceHistory is the slice of the price bus the detector reads.
type PriceHistory interface {
	Latest(symbol string) (domain.Tick, bool)
	History(symbol string, n int) []float64
}

// Detector builds MarketState snapshots.
type Detector struct {
	prices PriceHistory
	log    zerolog.Logger
}

// NewDetector creates a market state detector over the price bus.
func NewDetector(prices PriceHistory, log zerolog.Logger) *Detector {
	return &Detector{
		prices: prices,
		log:    log.With().Str("component", "market_state").Logger(),
	}
}

// State returns the current market state snapshot.
func (d *Detector) State(now time.Time) domain.MarketState {
	now = now.UTC()
	state := domain.MarketState{
		BTCTrend:  "sideways",
		HourOfDay: now.Hour(),
		DayOfWeek: int(now.Weekday()),
		IsWeekend: now.Weekday() == time.Saturday || now.Weekday() == time.Sunday,
	}

	if tick, ok := d.prices.Latest("BTC"); ok {
		state.BTCChange24h = tick.Change24h
	}

	closes := d.prices.History("BTC", trendSlowPeriod)
	state.BTCTrend = TrendOf(closes)
	return state
}

// TrendOf classifies a price series as up, down or sideways. Needs at least
// the slow SMA window of data; shorter series are sideways.
func TrendOf(closes []float64) string {
	if len(closes) < trendSlowPeriod {
		return "sideways"
	}

	fast := talib.Sma(closes, trendFastPeriod)
	slow := talib.Sma(closes, trendSlowPeriod)

	f := fast[len(fast)-1]
	s := slow[len(slow)-1]
	if f != f || s != s || s == 0 {
		return "sideways"
	}

	switch {
	case f > s*(1+trendBand):
		return "up"
	case f < s*(1-trendBand):
		return "down"
	default:
		return "sideways"
	}
}
