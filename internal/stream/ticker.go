package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"price-pulse/internal/market"
)

// errControlMessage marks subscription acks and other non-ticker frames.
var errControlMessage = errors.New("control message")

// tickerMessage is the Binance 24hrTicker payload, field letters as on the wire.
// encoding/json falls back to case-insensitive keys, so the upper/lower-case
// siblings (C, O, Q, p) are declared to keep them out of c, o, q and P.
type tickerMessage struct {
	EventType   string          `json:"e"`
	EventTime   int64           `json:"E"`
	Symbol      string          `json:"s"`
	ClosePrice  json.RawMessage `json:"c"`
	OpenPrice   json.RawMessage `json:"o"`
	ChangePct   json.RawMessage `json:"P"`
	QuoteVolume json.RawMessage `json:"q"`

	CloseTime   json.RawMessage `json:"C"`
	OpenTime    json.RawMessage `json:"O"`
	LastQty     json.RawMessage `json:"Q"`
	PriceChange json.RawMessage `json:"p"`
}

type envelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
	ID     *int64          `json:"id"`
	Result json.RawMessage `json:"result"`
}

// ParseTick decodes one inbound frame. Raw ticker objects and combined-stream
// envelopes are accepted. Frames without a numeric c, o or P fail with a parse error.
func ParseTick(payload []byte, receivedAt time.Time) (market.Tick, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return market.Tick{}, market.ParseError(err)
	}
	if env.ID != nil && env.Stream == "" {
		return market.Tick{}, errControlMessage
	}
	if len(env.Data) > 0 {
		payload = env.Data
	}

	var msg tickerMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return market.Tick{}, market.ParseError(err)
	}

	price, err := decimalField("c", msg.ClosePrice, true)
	if err != nil {
		return market.Tick{}, err
	}
	open, err := decimalField("o", msg.OpenPrice, true)
	if err != nil {
		return market.Tick{}, err
	}
	change, err := decimalField("P", msg.ChangePct, true)
	if err != nil {
		return market.Tick{}, err
	}
	volume, err := decimalField("q", msg.QuoteVolume, false)
	if err != nil {
		return market.Tick{}, err
	}

	tick := market.Tick{
		Symbol:       msg.Symbol,
		Price:        price,
		OpenPrice:    open,
		ChangePct24h: change,
		QuoteVolume:  volume,
		ReceivedAt:   receivedAt,
	}
	if msg.EventTime > 0 {
		tick.EventTime = time.UnixMilli(msg.EventTime).UTC()
	}
	return tick, nil
}

// decimalField accepts a JSON number or a numeric string, as Binance sends strings.
func decimalField(name string, raw json.RawMessage, required bool) (decimal.Decimal, error) {
	if len(raw) == 0 || string(raw) == "null" {
		if required {
			return decimal.Decimal{}, market.ParseError(fmt.Errorf("field %q missing", name))
		}
		return decimal.Zero, nil
	}

	var d decimal.Decimal
	if err := d.UnmarshalJSON(raw); err != nil {
		return decimal.Decimal{}, market.ParseError(fmt.Errorf("field %q: %w", name, err))
	}
	return d, nil
}
