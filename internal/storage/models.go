package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarketSample is one persisted reconciled reading, recorded per successful poll.
type MarketSample struct {
	ID                 int64
	SampledAt          time.Time
	Price              decimal.Decimal
	Change24h          decimal.Decimal
	MarketCap          decimal.NullDecimal
	Volume             decimal.NullDecimal
	StreamPrice        decimal.NullDecimal
	SpreadPct          decimal.NullDecimal
	VWAPGapPct         decimal.NullDecimal
	FundingEstimatePct decimal.NullDecimal
	RiskScore          float64
	RiskLabel          string
	PollHealthy        bool
	StreamHealthy      bool
	CreatedAt          time.Time
}

// AlertEvent records an alert rule that fired.
type AlertEvent struct {
	ID                 int64
	RuleID             string
	FiredAt            time.Time
	Price              decimal.Decimal
	Change24h          decimal.Decimal
	SpreadPct          decimal.NullDecimal
	PriceThreshold     decimal.NullDecimal
	ChangeThreshold    decimal.NullDecimal
	RequireTightSpread bool
	Channels           []string
	CreatedAt          time.Time
}
