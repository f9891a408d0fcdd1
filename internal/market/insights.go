package market

import "github.com/shopspring/decimal"

var (
	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)
)

// RangePosition places the price within the 24h low/high band, clamped to [0,1].
func (s Snapshot) RangePosition() (decimal.Decimal, bool) {
	if !s.Low24h.Valid || !s.High24h.Valid || !s.High24h.Decimal.GreaterThan(s.Low24h.Decimal) {
		return decimal.Decimal{}, false
	}
	span := s.High24h.Decimal.Sub(s.Low24h.Decimal)
	pos := s.Price.Sub(s.Low24h.Decimal).Div(span)
	return clampUnit(pos), true
}

// SupplyRatio is circulating over max supply, capped at 1.
func (s Snapshot) SupplyRatio() (decimal.Decimal, bool) {
	if !s.CirculatingSupply.Valid || !s.MaxSupply.Valid || !s.MaxSupply.Decimal.IsPositive() {
		return decimal.Decimal{}, false
	}
	return decimal.Min(s.CirculatingSupply.Decimal.Div(s.MaxSupply.Decimal), one), true
}

// DistanceFromATH is how far, in percent, the price sits below the all-time high.
func (s Snapshot) DistanceFromATH() (decimal.Decimal, bool) {
	if !s.ATH.Valid || s.ATH.Decimal.IsZero() {
		return decimal.Decimal{}, false
	}
	return s.ATH.Decimal.Sub(s.Price).Div(s.ATH.Decimal).Mul(hundred), true
}

// DistanceFromATL is how far, in percent, the price sits above the all-time low.
func (s Snapshot) DistanceFromATL() (decimal.Decimal, bool) {
	if !s.ATL.Valid || s.ATL.Decimal.IsZero() {
		return decimal.Decimal{}, false
	}
	return s.Price.Sub(s.ATL.Decimal).Div(s.ATL.Decimal).Mul(hundred), true
}

// VolumeToMarketCap is the 24h volume as a percentage of market cap.
func (s Snapshot) VolumeToMarketCap() (decimal.Decimal, bool) {
	if !s.Volume.Valid || !s.MarketCap.Valid || s.Volume.Decimal.IsZero() || s.MarketCap.Decimal.IsZero() {
		return decimal.Decimal{}, false
	}
	return s.Volume.Decimal.Div(s.MarketCap.Decimal).Mul(hundred), true
}

func clampUnit(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	if d.GreaterThan(one) {
		return one
	}
	return d
}
