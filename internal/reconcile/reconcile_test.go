package reconcile

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"price-pulse/internal/market"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func snapshotAt(price, change string) market.Snapshot {
	return market.Snapshot{Price: d(price), Change24h: d(change)}
}

func tickAt(price, open, change, volume string) market.Tick {
	return market.Tick{Price: d(price), OpenPrice: d(open), ChangePct24h: d(change), QuoteVolume: d(volume)}
}

func TestSpreadDefinedOnlyWithBothSources(t *testing.T) {
	r := New()

	state := r.ApplySnapshot(snapshotAt("100000", "1"))
	assert.False(t, state.SpreadPct.Valid)
	assert.False(t, state.VWAPGapPct.Valid)

	state = r.ApplyTick(tickAt("100150", "99000", "2", "5"))
	require.True(t, state.SpreadPct.Valid)
	assert.Equal(t, "0.15", state.SpreadPct.Decimal.String())

	state = r.ApplySnapshot(snapshotAt("100300", "1"))
	assert.True(t, state.SpreadPct.Valid, "stays defined on every later recomputation")

	tickOnly := Compute(nil, &market.Tick{Price: d("1"), OpenPrice: d("1")})
	assert.False(t, tickOnly.SpreadPct.Valid)
}

func TestVWAPGapUsesTickOpenAverage(t *testing.T) {
	tick := tickAt("110", "90", "0", "0")
	state := Compute(nil, &tick)
	require.True(t, state.VWAPGapPct.Valid)
	// avg = 100, gap = 10%
	assert.Equal(t, "10", state.VWAPGapPct.Decimal.String())

	zero := tickAt("0", "0", "0", "0")
	assert.False(t, Compute(nil, &zero).VWAPGapPct.Valid)
}

func TestFundingEstimatePrefersTickChange(t *testing.T) {
	snap := snapshotAt("100", "-2.4")
	state := Compute(&snap, nil)
	require.True(t, state.FundingEstimatePct.Valid)
	assert.Equal(t, "-0.001", state.FundingEstimatePct.Decimal.String())

	tick := tickAt("100", "100", "4.8", "0")
	state = Compute(&snap, &tick)
	assert.Equal(t, "0.002", state.FundingEstimatePct.Decimal.String())

	assert.False(t, Compute(nil, nil).FundingEstimatePct.Valid)
}

func TestRiskScoreBoundaries(t *testing.T) {
	// change 4% -> 0.8, spread 0.15% -> 0.5, volume below 1B -> 0.5; mean = 0.6
	snap := snapshotAt("100000", "0")
	tick := tickAt("100150", "100150", "4", "500000000")
	state := Compute(&snap, &tick)
	assert.InDelta(t, 0.6, state.RiskScore, 1e-12)
	assert.Equal(t, market.RiskModerate, state.RiskLabel, "0.6 is not strictly above the High threshold")

	assert.Equal(t, market.RiskModerate, labelFor(d("0.3000001")))
	assert.Equal(t, market.RiskCalm, labelFor(d("0.3")))
	assert.Equal(t, market.RiskHigh, labelFor(d("0.6000001")))
}

func TestRiskScoreFactors(t *testing.T) {
	// liquid, calm market: 0 + 0 + 0.2
	snap := snapshotAt("100", "0")
	snap.Volume = decimal.NewNullDecimal(d("2000000000"))
	state := Compute(&snap, nil)
	assert.InDelta(t, 0.2/3, state.RiskScore, 1e-9)
	assert.Equal(t, market.RiskCalm, state.RiskLabel)

	// every factor saturates
	tick := tickAt("200", "100", "-30", "10")
	state = Compute(&snap, &tick)
	assert.InDelta(t, 2.5/3, state.RiskScore, 1e-9)
	assert.Equal(t, market.RiskHigh, state.RiskLabel)

	// no inputs at all still yields a bounded score
	empty := Compute(nil, nil)
	assert.InDelta(t, 0.5/3, empty.RiskScore, 1e-9)
}

func TestRiskScoreAlwaysInUnitRange(t *testing.T) {
	prices := []string{"0.0001", "1", "65000", "1000000"}
	changes := []string{"-100", "-5", "0", "3", "250"}
	for _, p := range prices {
		for _, c := range changes {
			snap := snapshotAt("65000", c)
			tick := tickAt(p, "65000", c, "1000000001")
			state := Compute(&snap, &tick)
			assert.GreaterOrEqual(t, state.RiskScore, 0.0)
			assert.LessOrEqual(t, state.RiskScore, 1.0)
		}
	}
}

func TestApplySnapshotReplacesWholesale(t *testing.T) {
	r := New()
	first := snapshotAt("100", "1")
	first.Volume = decimal.NewNullDecimal(d("5"))
	r.ApplySnapshot(first)

	state := r.ApplySnapshot(snapshotAt("101", "1"))
	require.NotNil(t, state.Snapshot)
	assert.False(t, state.Snapshot.Volume.Valid, "fields from the previous snapshot are not merged")
	assert.Equal(t, "101", r.Current().Snapshot.Price.String())
}
