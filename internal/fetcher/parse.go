package fetcher

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"price-pulse/internal/market"
)

// ParseSnapshot decodes either a coins/{id} object carrying market_data or a
// coins/markets array of flat objects. The first array element is used.
// A missing, non-numeric or non-positive price is a validation failure.
func ParseSnapshot(payload []byte, currency string, fetchedAt time.Time) (market.Snapshot, error) {
	currency = strings.ToLower(strings.TrimSpace(currency))
	if currency == "" {
		currency = "usd"
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return market.Snapshot{}, market.ParseError(err)
	}

	switch v := doc.(type) {
	case map[string]any:
		if md, ok := v["market_data"].(map[string]any); ok {
			return fromMarketData(v, md, currency, fetchedAt)
		}
		return market.Snapshot{}, market.ValidationError("market data missing from response")
	case []any:
		if len(v) == 0 {
			return market.Snapshot{}, market.ValidationError("market data missing from response")
		}
		row, ok := v[0].(map[string]any)
		if !ok {
			return market.Snapshot{}, market.ValidationError("unexpected market row type")
		}
		return fromMarketRow(row, fetchedAt)
	default:
		return market.Snapshot{}, market.ValidationError("unexpected payload shape")
	}
}

func fromMarketData(doc, md map[string]any, cur string, fetchedAt time.Time) (market.Snapshot, error) {
	price, ok := number(md, "current_price", cur)
	if !ok || !price.IsPositive() {
		return market.Snapshot{}, market.ValidationError("numeric current_price.%s missing from response", cur)
	}

	snap := market.Snapshot{
		Price:                 price,
		Change24h:             numberOrZero(md, "price_change_percentage_24h"),
		Change1h:              nullNumber(md, "price_change_percentage_1h_in_currency", cur),
		Change7d:              nullNumber(md, "price_change_percentage_7d"),
		MarketCap:             nullNumber(md, "market_cap", cur),
		Volume:                nullNumber(md, "total_volume", cur),
		High24h:               nullNumber(md, "high_24h", cur),
		Low24h:                nullNumber(md, "low_24h", cur),
		CirculatingSupply:     nullNumber(md, "circulating_supply"),
		MaxSupply:             firstValid(nullNumber(md, "max_supply"), nullNumber(md, "total_supply")),
		ATH:                   nullNumber(md, "ath", cur),
		ATL:                   nullNumber(md, "atl", cur),
		FullyDilutedValuation: nullNumber(md, "fully_diluted_valuation", cur),
		MarketCapRank:         intOrZero(doc, "market_cap_rank"),
		ATHDate:               timestamp(md, "ath_date", cur),
		ATLDate:               timestamp(md, "atl_date", cur),
		LastUpdated:           firstTime(timestamp(doc, "last_updated"), timestamp(md, "last_updated")),
		FetchedAt:             fetchedAt,
	}
	return snap, nil
}

func fromMarketRow(row map[string]any, fetchedAt time.Time) (market.Snapshot, error) {
	price, ok := number(row, "current_price")
	if !ok || !price.IsPositive() {
		return market.Snapshot{}, market.ValidationError("numeric current_price missing from response")
	}

	snap := market.Snapshot{
		Price:                 price,
		Change24h:             numberOrZero(row, "price_change_percentage_24h"),
		Change1h:              nullNumber(row, "price_change_percentage_1h_in_currency"),
		Change7d:              nullNumber(row, "price_change_percentage_7d_in_currency"),
		MarketCap:             nullNumber(row, "market_cap"),
		Volume:                nullNumber(row, "total_volume"),
		High24h:               nullNumber(row, "high_24h"),
		Low24h:                nullNumber(row, "low_24h"),
		CirculatingSupply:     nullNumber(row, "circulating_supply"),
		MaxSupply:             firstValid(nullNumber(row, "max_supply"), nullNumber(row, "total_supply")),
		ATH:                   nullNumber(row, "ath"),
		ATL:                   nullNumber(row, "atl"),
		FullyDilutedValuation: nullNumber(row, "fully_diluted_valuation"),
		MarketCapRank:         intOrZero(row, "market_cap_rank"),
		ATHDate:               timestamp(row, "ath_date"),
		ATLDate:               timestamp(row, "atl_date"),
		LastUpdated:           timestamp(row, "last_updated"),
		FetchedAt:             fetchedAt,
	}
	return snap, nil
}

func lookup(m map[string]any, path ...string) (any, bool) {
	var cur any = m
	for _, key := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// number only accepts JSON numbers; quoted numerics are treated as absent.
func number(m map[string]any, path ...string) (decimal.Decimal, bool) {
	raw, ok := lookup(m, path...)
	if !ok {
		return decimal.Decimal{}, false
	}
	n, ok := raw.(json.Number)
	if !ok {
		return decimal.Decimal{}, false
	}
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}

func numberOrZero(m map[string]any, path ...string) decimal.Decimal {
	d, _ := number(m, path...)
	return d
}

func nullNumber(m map[string]any, path ...string) decimal.NullDecimal {
	d, ok := number(m, path...)
	return decimal.NullDecimal{Decimal: d, Valid: ok}
}

func intOrZero(m map[string]any, path ...string) int {
	d, ok := number(m, path...)
	if !ok {
		return 0
	}
	return int(d.IntPart())
}

func timestamp(m map[string]any, path ...string) time.Time {
	raw, ok := lookup(m, path...)
	if !ok {
		return time.Time{}
	}
	s, ok := raw.(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func firstValid(values ...decimal.NullDecimal) decimal.NullDecimal {
	for _, v := range values {
		if v.Valid && !v.Decimal.IsZero() {
			return v
		}
	}
	return decimal.NullDecimal{}
}

func firstTime(values ...time.Time) time.Time {
	for _, v := range values {
		if !v.IsZero() {
			return v
		}
	}
	return time.Time{}
}
