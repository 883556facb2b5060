package learning

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aristath/kestrel/internal/domain"
	"gonum.org/v1/gonum/stat"
)

// bucketStats is one aggregate row in a reflection breakdown.
type bucketStats struct {
	Key     string
	Trades  int
	Wins    int
	PnlUSD  float64
	WinRate float64
}

// windowStats is everything the reflection prompt needs, computed without the
// LLM from the closed trades in the window.
type windowStats struct {
	Trades    int
	Wins      int
	WinRate   float64
	TotalPnl  float64
	MeanPnl   float64
	PnlStddev float64

	BySymbol  []bucketStats
	ByPattern []bucketStats
	ByHour    []bucketStats
	ByDay     []bucketStats
	ByRegime  []bucketStats

	StopExits      int
	TargetExits    int
	OtherExits     int
	RecoveredStops int // stopped out but profitable within 5 minutes
}

// computeStats aggregates the window's closed trades.
func computeStats(entries []domain.JournalEntry) windowStats {
	var s windowStats
	s.Trades = len(entries)

	bySymbol := map[string]*bucketStats{}
	byPattern := map[string]*bucketStats{}
	byHour := map[string]*bucketStats{}
	byDay := map[string]*bucketStats{}
	byRegime := map[string]*bucketStats{}

	pnls := make([]float64, 0, len(entries))
	for _, e := range entries {
		pnls = append(pnls, e.PnlUSD)
		s.TotalPnl += e.PnlUSD
		if e.Won() {
			s.Wins++
		}

		fold(bySymbol, e.Symbol, e)
		if e.PatternID != "" {
			fold(byPattern, e.PatternID, e)
		}
		fold(byHour, fmt.Sprintf("%02d", e.HourOfDay), e)
		fold(byDay, time.Weekday(e.DayOfWeek).String(), e)
		regime := e.Regime
		if regime == "" {
			regime = "unknown"
		}
		fold(byRegime, regime, e)

		switch e.ExitReason {
		case domain.ExitStopLoss:
			s.StopExits++
			if recoveredAfterStop(e) {
				s.RecoveredStops++
			}
		case domain.ExitTakeProfit:
			s.TargetExits++
		default:
			s.OtherExits++
		}
	}

	if s.Trades > 0 {
		s.WinRate = float64(s.Wins) / float64(s.Trades)
		s.MeanPnl = stat.Mean(pnls, nil)
		if s.Trades > 1 {
			s.PnlStddev = stat.StdDev(pnls, nil)
		}
	}

	s.BySymbol = flatten(bySymbol)
	s.ByPattern = flatten(byPattern)
	s.ByHour = flatten(byHour)
	s.ByDay = flatten(byDay)
	s.ByRegime = flatten(byRegime)
	return s
}

func fold(m map[string]*bucketStats, key string, e domain.JournalEntry) {
	b, ok := m[key]
	if !ok {
		b = &bucketStats{Key: key}
		m[key] = b
	}
	b.Trades++
	b.PnlUSD += e.PnlUSD
	if e.Won() {
		b.Wins++
	}
}

func flatten(m map[string]*bucketStats) []bucketStats {
	out := make([]bucketStats, 0, len(m))
	for _, b := range m {
		b.WinRate = float64(b.Wins) / float64(b.Trades)
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// recoveredAfterStop reports whether a stopped-out trade would have been
// profitable five minutes later, using the enrichment sample when present.
func recoveredAfterStop(e domain.JournalEntry) bool {
	if e.PriceAfter5m == nil || e.EntryPrice == 0 {
		return false
	}
	if e.Direction == domain.DirectionLong {
		return *e.PriceAfter5m > e.EntryPrice
	}
	return *e.PriceAfter5m < e.EntryPrice
}

func formatBuckets(b *strings.Builder, title string, buckets []bucketStats) {
	fmt.Fprintf(b, "%s:\n", title)
	if len(buckets) == 0 {
		b.WriteString("  none\n")
		return
	}
	for _, bk := range buckets {
		fmt.Fprintf(b, "  %s: %d trades, win rate %.0f%%, pnl %+.2f USD\n",
			bk.Key, bk.Trades, bk.WinRate*100, bk.PnlUSD)
	}
}
