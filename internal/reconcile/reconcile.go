package reconcile

import (
	"sync"

	"github.com/shopspring/decimal"

	"price-pulse/internal/market"
)

var (
	hundred         = decimal.NewFromInt(100)
	two             = decimal.NewFromInt(2)
	hoursPerDay     = decimal.NewFromInt(24)
	changeScale     = decimal.NewFromInt(5)
	spreadScale     = decimal.RequireFromString("0.3")
	liquidVolume    = decimal.NewFromInt(1_000_000_000)
	liquidFactor    = decimal.RequireFromString("0.2")
	illiquidFactor  = decimal.RequireFromString("0.5")
	highThreshold   = decimal.RequireFromString("0.6")
	moderateThresh  = decimal.RequireFromString("0.3")
	riskFactorCount = decimal.NewFromInt(3)
)

// Compute derives the reconciled metrics from the latest snapshot and tick.
// Either input may be nil. Spread, VWAP gap and funding are estimates, not
// market-backed figures.
func Compute(snapshot *market.Snapshot, tick *market.Tick) market.ReconciledState {
	state := market.ReconciledState{Snapshot: snapshot, Tick: tick}

	if snapshot != nil && tick != nil {
		state.SpreadPct = decimal.NewNullDecimal(pctDiff(tick.Price, snapshot.Price))
	}

	if tick != nil {
		avg := tick.Price.Add(tick.OpenPrice).Div(two)
		if !avg.IsZero() {
			state.VWAPGapPct = decimal.NewNullDecimal(tick.Price.Sub(avg).Div(avg).Mul(hundred))
		}
	}

	if change, ok := state.Change24h(); ok {
		state.FundingEstimatePct = decimal.NewNullDecimal(change.Div(hoursPerDay).Div(hundred))
	}

	score := riskScore(state)
	state.RiskScore = score.InexactFloat64()
	state.RiskLabel = labelFor(score)
	return state
}

// pctDiff is (price - ref) / ref * 100; a zero reference yields zero.
func pctDiff(price, ref decimal.Decimal) decimal.Decimal {
	if ref.IsZero() {
		return decimal.Zero
	}
	return price.Sub(ref).Div(ref).Mul(hundred)
}

func riskScore(state market.ReconciledState) decimal.Decimal {
	change, _ := state.Change24h()
	changeFactor := clampUnit(change.Abs().Div(changeScale))

	spreadFactor := decimal.Zero
	if state.SpreadPct.Valid {
		spreadFactor = clampUnit(state.SpreadPct.Decimal.Abs().Div(spreadScale))
	}

	volumeFactor := illiquidFactor
	if volume, ok := quoteVolume(state); ok && volume.GreaterThan(liquidVolume) {
		volumeFactor = liquidFactor
	}

	return changeFactor.Add(spreadFactor).Add(volumeFactor).Div(riskFactorCount)
}

// quoteVolume prefers the streamed quote volume over the snapshot volume.
func quoteVolume(state market.ReconciledState) (decimal.Decimal, bool) {
	if state.Tick != nil {
		return state.Tick.QuoteVolume, true
	}
	if state.Snapshot != nil && state.Snapshot.Volume.Valid {
		return state.Snapshot.Volume.Decimal, true
	}
	return decimal.Decimal{}, false
}

func labelFor(score decimal.Decimal) market.RiskLabel {
	switch {
	case score.GreaterThan(highThreshold):
		return market.RiskHigh
	case score.GreaterThan(moderateThresh):
		return market.RiskModerate
	default:
		return market.RiskCalm
	}
}

func clampUnit(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	if v.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.NewFromInt(1)
	}
	return v
}

// Reconciler keeps the latest snapshot and tick. It holds no other state.
type Reconciler struct {
	mu       sync.Mutex
	snapshot *market.Snapshot
	tick     *market.Tick
}

// New returns an empty Reconciler.
func New() *Reconciler {
	return &Reconciler{}
}

// ApplySnapshot replaces the stored snapshot wholesale and recomputes.
func (r *Reconciler) ApplySnapshot(snapshot market.Snapshot) market.ReconciledState {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshot = &snapshot
	return Compute(r.snapshot, r.tick)
}

// ApplyTick replaces the stored tick and recomputes.
func (r *Reconciler) ApplyTick(tick market.Tick) market.ReconciledState {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tick = &tick
	return Compute(r.snapshot, r.tick)
}

// Current recomputes from whatever is stored.
func (r *Reconciler) Current() market.ReconciledState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Compute(r.snapshot, r.tick)
}
