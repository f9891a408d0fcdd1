package market

import (
	"time"

	"github.com/shopspring/decimal"
)

// Snapshot is one full poll-based market-data reading. It is replaced wholesale
// by every successful poll and never merged field by field.
type Snapshot struct {
	Price     decimal.Decimal
	Change24h decimal.Decimal

	Change1h              decimal.NullDecimal
	Change7d              decimal.NullDecimal
	MarketCap             decimal.NullDecimal
	Volume                decimal.NullDecimal
	High24h               decimal.NullDecimal
	Low24h                decimal.NullDecimal
	CirculatingSupply     decimal.NullDecimal
	MaxSupply             decimal.NullDecimal
	ATH                   decimal.NullDecimal
	ATL                   decimal.NullDecimal
	FullyDilutedValuation decimal.NullDecimal

	MarketCapRank int
	ATHDate       time.Time
	ATLDate       time.Time
	LastUpdated   time.Time
	FetchedAt     time.Time
}

// Tick is one push-based price update from the streaming feed.
type Tick struct {
	Symbol       string
	Price        decimal.Decimal
	OpenPrice    decimal.Decimal
	ChangePct24h decimal.Decimal
	QuoteVolume  decimal.Decimal
	EventTime    time.Time
	ReceivedAt   time.Time
}

// RiskLabel buckets the composite risk score.
type RiskLabel string

const (
	RiskCalm     RiskLabel = "Calm"
	RiskModerate RiskLabel = "Moderate"
	RiskHigh     RiskLabel = "High"
)

// ReconciledState is derived jointly from the latest Snapshot and Tick.
// SpreadPct is valid iff both Snapshot and Tick are present.
type ReconciledState struct {
	Snapshot           *Snapshot
	Tick               *Tick
	SpreadPct          decimal.NullDecimal
	VWAPGapPct         decimal.NullDecimal
	FundingEstimatePct decimal.NullDecimal
	RiskScore          float64
	RiskLabel          RiskLabel
}

// Price returns the freshest known price, preferring the stream.
func (s ReconciledState) Price() (decimal.Decimal, bool) {
	if s.Tick != nil {
		return s.Tick.Price, true
	}
	if s.Snapshot != nil {
		return s.Snapshot.Price, true
	}
	return decimal.Decimal{}, false
}

// Change24h returns the freshest known 24h change, preferring the stream.
func (s ReconciledState) Change24h() (decimal.Decimal, bool) {
	if s.Tick != nil {
		return s.Tick.ChangePct24h, true
	}
	if s.Snapshot != nil {
		return s.Snapshot.Change24h, true
	}
	return decimal.Decimal{}, false
}

// Source names a data source for health reporting.
type Source string

const (
	SourcePoll   Source = "poll"
	SourceStream Source = "stream"
)

// Health is the per-source connection health.
type Health struct {
	Healthy       bool
	LastSuccessAt time.Time
}

// PollStatus is what the poller reports after every attempt outcome.
type PollStatus struct {
	Health
	Text          string
	Color         string
	Banner        string
	NextAttemptAt time.Time
}

// StreamState is the lifecycle state of the stream connection.
type StreamState int

const (
	StateConnecting StreamState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s StreamState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// StreamStatus is what the stream connection reports on every transition.
type StreamStatus struct {
	Health
	State StreamState
}

// AlertRule is a user-authored threshold rule; saving one replaces the previous rule.
type AlertRule struct {
	ID                 string
	PriceThreshold     decimal.NullDecimal
	ChangeThreshold    decimal.NullDecimal
	RequireTightSpread bool
}

// AlertState tracks whether the active rule is armed or has fired.
type AlertState struct {
	RuleID  string
	Armed   bool
	Fired   bool
	FiredAt time.Time
}
