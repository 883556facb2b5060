package strategist

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aristath/kestrel/internal/domain"
)

const maxPromptPatterns = 10

const systemPrompt = `You are the strategist for an autonomous crypto paper-trading engine.
You propose conditional entries: each one names a symbol, a direction, a trigger
price with its relation to spot, a stop-loss and take-profit as fractions of the
entry price, a base position size in USD, and how long the condition stays valid.

Respond with a JSON array only, no prose. Each element:
{"symbol":"BTC","direction":"LONG","trigger_price":50000,"trigger_rel":"ABOVE",
 "stop_loss_pct":0.01,"take_profit_pct":0.02,"base_size_usd":50,
 "pattern_id":"","reasoning":"one sentence","valid_for_seconds":300}

direction is LONG or SHORT. trigger_rel is ABOVE or BELOW: the condition fires
when the price reaches the trigger from that side. pattern_id is optional and
must name one of the known patterns listed in the context. An empty array []
means no trade this cycle, which is always an acceptable answer.`

// buildPrompt assembles the generation context: current prices, per-symbol
// track record, favored and avoided coins, active regime rules, known
// patterns, and the account snapshot.
func (s *Strategist) buildPrompt(state domain.MarketState, scores map[string]domain.CoinScore, patterns []domain.Pattern, triggered []domain.RegimeRule, account domain.AccountState) string {
	var b strings.Builder

	b.WriteString("## 1. Market\n")
	fmt.Fprintf(&b, "Time: %s UTC (hour %d, %s)\n",
		time.Now().UTC().Format("2006-01-02 15:04"), state.HourOfDay, time.Weekday(state.DayOfWeek))
	fmt.Fprintf(&b, "BTC trend: %s, 24h change %.2f%%\n", state.BTCTrend, state.BTCChange24h)
	for _, sym := range s.cfg.SortedSymbols() {
		if tick, ok := s.prices.Latest(sym); ok {
			fmt.Fprintf(&b, "%s: %.6g (24h %+.2f%%)\n", sym, tick.Price, tick.Change24h)
		} else {
			fmt.Fprintf(&b, "%s: no price yet\n", sym)
		}
	}

	b.WriteString("\n## 2. Per-symbol performance\n")
	if len(scores) == 0 {
		b.WriteString("No closed trades yet.\n")
	}
	for _, sym := range sortedKeys(scores) {
		sc := scores[sym]
		fmt.Fprintf(&b, "%s: %d trades, win rate %.0f%%, total pnl %+.2f USD, trend %s, status %s\n",
			sym, sc.Trades, sc.WinRate*100, sc.TotalPnl, sc.Trend, sc.Status)
	}

	b.WriteString("\n## 3. Favor / avoid\n")
	var favored, avoided []string
	for _, sym := range sortedKeys(scores) {
		switch scores[sym].Status {
		case domain.CoinFavored:
			favored = append(favored, sym)
		case domain.CoinBlacklisted, domain.CoinReduced:
			avoided = append(avoided, sym)
		}
	}
	fmt.Fprintf(&b, "Favor: %s\n", orNone(favored))
	fmt.Fprintf(&b, "Avoid: %s\n", orNone(avoided))

	b.WriteString("\n## 4. Active regime rules\n")
	if len(triggered) == 0 {
		b.WriteString("None triggered.\n")
	}
	for _, rule := range triggered {
		fmt.Fprintf(&b, "[%s] %s: %s\n", rule.Action, rule.RuleID, rule.Description)
	}

	b.WriteString("\n## 5. Known patterns\n")
	if len(patterns) == 0 {
		b.WriteString("None yet.\n")
	}
	for i, p := range patterns {
		if i >= maxPromptPatterns {
			break
		}
		fmt.Fprintf(&b, "%s (confidence %.2f, %d uses): %s\n",
			p.PatternID, p.Confidence, p.TimesUsed, p.Description)
	}

	b.WriteString("\n## 6. Account\n")
	fmt.Fprintf(&b, "Balance %.2f USD, available %.2f, in positions %.2f, daily pnl %+.2f, trades today %d\n",
		account.Balance, account.Available, account.InPositions, account.DailyPnl, account.TradeCountToday)
	fmt.Fprintf(&b, "Size bounds per trade: %.0f to %.0f USD. Stop-loss %.3f to %.3f, take-profit %.3f to %.3f.\n",
		s.cfg.MinSizeUSD, s.cfg.MaxSizeUSD,
		s.cfg.StopLossMin, s.cfg.StopLossMax, s.cfg.TakeProfitMin, s.cfg.TakeProfitMax)

	return b.String()
}

func sortedKeys(m map[string]domain.CoinScore) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func orNone(syms []string) string {
	if len(syms) == 0 {
		return "none"
	}
	return strings.Join(syms, ", ")
}
