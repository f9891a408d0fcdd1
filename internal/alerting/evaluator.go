package alerting

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"price-pulse/internal/market"
)

// TightSpreadPct bounds |spread| for rules that require a tight spread.
var TightSpreadPct = decimal.RequireFromString("0.2")

// Evaluator holds the active rule and its sticky fired state.
type Evaluator struct {
	mu    sync.Mutex
	rule  market.AlertRule
	state market.AlertState
}

// NewEvaluator returns an evaluator with no rule; it never fires until SetRule.
func NewEvaluator() *Evaluator {
	return &Evaluator{}
}

// SetRule replaces the active rule wholesale and re-arms, even if the rule is unchanged.
func (e *Evaluator) SetRule(rule market.AlertRule) market.AlertState {
	e.mu.Lock()
	defer e.mu.Unlock()

	rule.ID = uuid.NewString()
	e.rule = rule
	e.state = market.AlertState{RuleID: rule.ID, Armed: true}
	return e.state
}

// Evaluate checks the rule against state. The bool reports an Armed→Fired
// transition on this call; once fired the state stays fired until SetRule.
func (e *Evaluator) Evaluate(state market.ReconciledState, now time.Time) (market.AlertState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.state.Armed || e.state.Fired {
		return e.state, false
	}
	if !Matches(e.rule, state) {
		return e.state, false
	}

	e.state.Armed = false
	e.state.Fired = true
	e.state.FiredAt = now
	return e.state, true
}

// State returns the current alert state.
func (e *Evaluator) State() market.AlertState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Rule returns the active rule.
func (e *Evaluator) Rule() market.AlertRule {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rule
}

// Matches reports whether the rule predicate holds:
// (price ≥ priceThreshold OR change24h ≥ changeThreshold) AND, when required, |spread| < 0.2.
func Matches(rule market.AlertRule, state market.ReconciledState) bool {
	hit := false
	if rule.PriceThreshold.Valid {
		if price, ok := state.Price(); ok && price.GreaterThanOrEqual(rule.PriceThreshold.Decimal) {
			hit = true
		}
	}
	if !hit && rule.ChangeThreshold.Valid {
		if change, ok := state.Change24h(); ok && change.GreaterThanOrEqual(rule.ChangeThreshold.Decimal) {
			hit = true
		}
	}
	if !hit {
		return false
	}

	if rule.RequireTightSpread {
		return state.SpreadPct.Valid && state.SpreadPct.Decimal.Abs().LessThan(TightSpreadPct)
	}
	return true
}
