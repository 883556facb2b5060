package market_regime

import (
	"encoding/json"
	"fmt"

	"github.com/aristath/kestrel/internal/domain"
)

// ruleDocument is the JSON predicate stored on a regime rule: a conjunction
// of clauses over the market state fields.
//
//	{"all":[{"field":"btc_trend","op":"eq","value":"down"},
//	        {"field":"hour_of_day","op":"between","value":[2,5]}]}
type ruleDocument struct {
	All []ruleClause `json:"all"`
}

type ruleClause struct {
	Field string          `json:"field"`
	Op    string          `json:"op"`
	Value json.RawMessage `json:"value"`
}

// Evaluate reports whether a rule's predicate matches the market state.
// A malformed predicate never matches; the error lets callers log it once.
func Evaluate(rule domain.RegimeRule, state domain.MarketState) (bool, error) {
	var doc ruleDocument
	if err := json.Unmarshal([]byte(rule.Condition), &doc); err != nil {
		return false, fmt.Errorf("rule %s has malformed condition: %w", rule.RuleID, err)
	}
	if len(doc.All) == 0 {
		return false, fmt.Errorf("rule %s has no clauses", rule.RuleID)
	}

	for _, clause := range doc.All {
		ok, err := evalClause(clause, state)
		if err != nil {
			return false, fmt.Errorf("rule %s: %w", rule.RuleID, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func evalClause(c ruleClause, state domain.MarketState) (bool, error) {
	switch c.Field {
	case "btc_trend":
		return evalString(c, state.BTCTrend)
	case "btc_change_24h":
		return evalNumber(c, state.BTCChange24h)
	case "hour_of_day":
		return evalNumber(c, float64(state.HourOfDay))
	case "day_of_week":
		return evalNumber(c, float64(state.DayOfWeek))
	case "is_weekend":
		return evalBool(c, state.IsWeekend)
	default:
		return false, fmt.Errorf("unknown field %q", c.Field)
	}
}

func evalString(c ruleClause, actual string) (bool, error) {
	switch c.Op {
	case "eq", "neq":
		var want string
		if err := json.Unmarshal(c.Value, &want); err != nil {
			return false, fmt.Errorf("field %s: expected string value: %w", c.Field, err)
		}
		if c.Op == "eq" {
			return actual == want, nil
		}
		return actual != want, nil
	case "in":
		var want []string
		if err := json.Unmarshal(c.Value, &want); err != nil {
			return false, fmt.Errorf("field %s: expected string list: %w", c.Field, err)
		}
		for _, w := range want {
			if actual == w {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("field %s: unsupported op %q", c.Field, c.Op)
	}
}

func evalNumber(c ruleClause, actual float64) (bool, error) {
	if c.Op == "between" {
		var bounds []float64
		if err := json.Unmarshal(c.Value, &bounds); err != nil || len(bounds) != 2 {
			return false, fmt.Errorf("field %s: between needs [lo, hi]", c.Field)
		}
		return actual >= bounds[0] && actual <= bounds[1], nil
	}
	if c.Op == "in" {
		var want []float64
		if err := json.Unmarshal(c.Value, &want); err != nil {
			return false, fmt.Errorf("field %s: expected number list: %w", c.Field, err)
		}
		for _, w := range want {
			if actual == w {
				return true, nil
			}
		}
		return false, nil
	}

	var want float64
	if err := json.Unmarshal(c.Value, &want); err != nil {
		return false, fmt.Errorf("field %s: expected number value: %w", c.Field, err)
	}
	switch c.Op {
	case "eq":
		return actual == want, nil
	case "neq":
		return actual != want, nil
	case "lt":
		return actual < want, nil
	case "lte":
		return actual <= want, nil
	case "gt":
		return actual > want, nil
	case "gte":
		return actual >= want, nil
	default:
		return false, fmt.Errorf("field %s: unsupported op %q", c.Field, c.Op)
	}
}

func evalBool(c ruleClause, actual bool) (bool, error) {
	var want bool
	if err := json.Unmarshal(c.Value, &want); err != nil {
		return false, fmt.Errorf("field %s: expected bool value: %w", c.Field, err)
	}
	switch c.Op {
	case "eq":
		return actual == want, nil
	case "neq":
		return actual != want, nil
	default:
		return false, fmt.Errorf("field %s: unsupported op %q", c.Field, c.Op)
	}
}

// GateResult is the outcome of evaluating all active rules.
type GateResult struct {
	NoTrade    bool
	ReduceSize bool
	Triggered  []domain.RegimeRule
}

// ApplyRules evaluates every active rule against the state. Malformed rules
// are skipped (logged by the caller via the returned errors).
func ApplyRules(rules []domain.RegimeRule, state domain.MarketState) (GateResult, []error) {
	var result GateResult
	var errs []error

	for _, rule := range rules {
		matched, err := Evaluate(rule, state)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !matched {
			continue
		}
		result.Triggered = append(result.Triggered, rule)
		switch rule.Action {
		case domain.RuleNoTrade:
			result.NoTrade = true
		case domain.RuleReduceSize:
			result.ReduceSize = true
		}
	}
	return result, errs
}
