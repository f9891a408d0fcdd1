package render

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"price-pulse/internal/market"
)

// Movement compares the latest snapshot price with the previous one.
type Movement string

const (
	MovementUnknown Movement = ""
	MovementUp      Movement = "up"
	MovementDown    Movement = "down"
	MovementFlat    Movement = "flat"
)

// MovementBetween classifies the move from previous to current.
func MovementBetween(previous, current decimal.Decimal) Movement {
	switch current.Cmp(previous) {
	case 1:
		return MovementUp
	case -1:
		return MovementDown
	default:
		return MovementFlat
	}
}

// Update is one plain-data record pushed to the sinks after every change.
// Seq increases monotonically; sinks keep the highest one.
type Update struct {
	Seq           uint64
	At            time.Time
	Asset         string
	Poll          market.PollStatus
	Stream        market.StreamStatus
	State         market.ReconciledState
	Alert         market.AlertState
	Rule          market.AlertRule
	NextRefreshAt time.Time
	Movement      Movement
	PreviousPrice decimal.NullDecimal
}

// View is the formatted, JSON-friendly rendering of an Update.
type View struct {
	Seq    uint64    `json:"seq"`
	At     time.Time `json:"at"`
	Asset  string    `json:"asset"`
	Status Status    `json:"status"`

	Price             string `json:"price"`
	PreviousPrice     string `json:"previous_price,omitempty"`
	Movement          string `json:"movement"`
	Change24h         string `json:"change_24h"`
	Change24hNegative bool   `json:"change_24h_negative"`
	Change1h          string `json:"change_1h"`
	Change7d          string `json:"change_7d"`
	LastUpdated       string `json:"last_updated,omitempty"`
	Converter         string `json:"converter,omitempty"`

	Market *MarketView `json:"market,omitempty"`

	SpreadPct          string  `json:"spread_pct,omitempty"`
	VWAPGapPct         string  `json:"vwap_gap_pct,omitempty"`
	FundingEstimatePct string  `json:"funding_estimate_pct,omitempty"`
	RiskLabel          string  `json:"risk_label"`
	RiskScore          float64 `json:"risk_score"`

	CountdownSeconds int       `json:"countdown_seconds"`
	NextRefreshAt    time.Time `json:"next_refresh_at"`

	Health HealthView `json:"health"`
	Alert  AlertView  `json:"alert"`
}

// Status is the poll status line and error banner.
type Status struct {
	Text   string `json:"text"`
	Color  string `json:"color"`
	Banner string `json:"banner,omitempty"`
}

// MarketView carries the snapshot-only statistics.
type MarketView struct {
	Rank              string `json:"rank"`
	MarketCap         string `json:"market_cap"`
	Volume            string `json:"volume"`
	FDV               string `json:"fdv"`
	VolumeToMarketCap string `json:"volume_to_market_cap"`
	Low24h            string `json:"low_24h"`
	High24h           string `json:"high_24h"`
	Range             string `json:"range"`
	RangePosition     string `json:"range_position,omitempty"`
	Circulating       string `json:"circulating"`
	MaxSupply         string `json:"max_supply"`
	Supply            string `json:"supply"`
	ATH               string `json:"ath"`
	ATL               string `json:"atl"`
	ATHDate           string `json:"ath_date"`
	ATLDate           string `json:"atl_date"`
	Distance          string `json:"distance"`
}

// HealthView reports per-source connection health.
type HealthView struct {
	Poll   SourceHealth `json:"poll"`
	Stream SourceHealth `json:"stream"`
}

// SourceHealth is one source's health.
type SourceHealth struct {
	Healthy       bool      `json:"healthy"`
	LastSuccessAt time.Time `json:"last_success_at"`
	State         string    `json:"state,omitempty"`
}

// AlertView is the rule and its armed/fired flags.
type AlertView struct {
	RuleID             string    `json:"rule_id,omitempty"`
	Armed              bool      `json:"armed"`
	Fired              bool      `json:"fired"`
	FiredAt            time.Time `json:"fired_at"`
	PriceThreshold     string    `json:"price_threshold,omitempty"`
	ChangeThreshold    string    `json:"change_threshold,omitempty"`
	RequireTightSpread bool      `json:"require_tight_spread"`
}

// NewView formats an Update.
func NewView(u Update) View {
	asset := strings.ToUpper(u.Asset)
	if asset == "" {
		asset = "BTC"
	}

	v := View{
		Seq:   u.Seq,
		At:    u.At,
		Asset: asset,
		Status: Status{
			Text:   u.Poll.Text,
			Color:  u.Poll.Color,
			Banner: u.Poll.Banner,
		},
		Price:            unavailable,
		Change24h:        unavailable,
		Change1h:         unavailable,
		Change7d:         unavailable,
		RiskLabel:        string(u.State.RiskLabel),
		RiskScore:        u.State.RiskScore,
		CountdownSeconds: countdown(u.NextRefreshAt, u.At),
		NextRefreshAt:    u.NextRefreshAt,
		Health: HealthView{
			Poll: SourceHealth{Healthy: u.Poll.Healthy, LastSuccessAt: u.Poll.LastSuccessAt},
			Stream: SourceHealth{
				Healthy:       u.Stream.Healthy,
				LastSuccessAt: u.Stream.LastSuccessAt,
				State:         u.Stream.State.String(),
			},
		},
		Alert: AlertView{
			RuleID:             u.Alert.RuleID,
			Armed:              u.Alert.Armed,
			Fired:              u.Alert.Fired,
			FiredAt:            u.Alert.FiredAt,
			PriceThreshold:     nullFixed(u.Rule.PriceThreshold, 2),
			ChangeThreshold:    nullFixed(u.Rule.ChangeThreshold, 2),
			RequireTightSpread: u.Rule.RequireTightSpread,
		},
	}

	if price, ok := u.State.Price(); ok {
		v.Price = FormatUSD(price)
		v.Converter = fmt.Sprintf("1 %s = %s", asset, v.Price)
	}
	if change, ok := u.State.Change24h(); ok {
		v.Change24h = FormatPercent(change)
		v.Change24hNegative = change.IsNegative()
	}
	if u.PreviousPrice.Valid {
		v.PreviousPrice = FormatUSD(u.PreviousPrice.Decimal)
	}
	v.Movement = movementText(asset, u.Movement, v.Change24h)

	if snap := u.State.Snapshot; snap != nil {
		v.Change1h, _ = nullPercent(snap.Change1h)
		v.Change7d, _ = nullPercent(snap.Change7d)
		if !snap.LastUpdated.IsZero() {
			v.LastUpdated = TimeAgo(snap.LastUpdated, u.At) + " ago"
		}
		v.Market = marketView(*snap, asset)
	}

	v.SpreadPct = nullFixed(u.State.SpreadPct, 3)
	v.VWAPGapPct = nullFixed(u.State.VWAPGapPct, 3)
	v.FundingEstimatePct = nullFixed(u.State.FundingEstimatePct, 4)
	return v
}

func movementText(asset string, m Movement, change string) string {
	switch m {
	case MovementUp, MovementDown:
		return fmt.Sprintf("%s moved %s since the last check. 24h change: %s", asset, m, change)
	case MovementFlat:
		return "Price is unchanged since the last refresh. 24h change: " + change
	default:
		return "Awaiting a second reading to show movement."
	}
}

func setOn(t time.Time) string {
	if t.IsZero() {
		return "Date unavailable"
	}
	return "Set on " + t.UTC().Format("Jan 2, 2006")
}

func marketView(s market.Snapshot, asset string) *MarketView {
	mv := &MarketView{
		Rank:              unavailable,
		MarketCap:         nullUSD(s.MarketCap),
		Volume:            nullUSD(s.Volume),
		FDV:               nullUSD(s.FullyDilutedValuation),
		VolumeToMarketCap: unavailable,
		Low24h:            nullUSD(s.Low24h),
		High24h:           nullUSD(s.High24h),
		Range:             "Range unavailable",
		Circulating:       nullCompact(s.CirculatingSupply, " "+asset),
		MaxSupply:         nullCompact(s.MaxSupply, " "+asset),
		Supply:            "Supply information unavailable",
		ATH:               nullUSD(s.ATH),
		ATL:               nullUSD(s.ATL),
		ATHDate:           setOn(s.ATHDate),
		ATLDate:           setOn(s.ATLDate),
		Distance:          "Distance information unavailable",
	}
	if s.MarketCapRank > 0 {
		mv.Rank = fmt.Sprintf("#%d", s.MarketCapRank)
	}
	if ratio, ok := s.VolumeToMarketCap(); ok {
		mv.VolumeToMarketCap = formatFixed(ratio, 2) + "%"
	}
	if pos, ok := s.RangePosition(); ok {
		mv.RangePosition = formatFixed(pos, 4)
		mv.Range = FormatUSD(s.Price) + " within today's range"
	}
	if ratio, ok := s.SupplyRatio(); ok {
		mv.Supply = formatFixed(ratio.Mul(decimal.NewFromInt(100)), 2) + "% of supply is circulating"
	}
	below, okATH := s.DistanceFromATH()
	above, okATL := s.DistanceFromATL()
	if okATH && okATL {
		mv.Distance = fmt.Sprintf("%s%% below ATH • %s%% above ATL", formatFixed(below, 2), formatFixed(above, 2))
	}
	return mv
}
