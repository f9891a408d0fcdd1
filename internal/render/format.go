package render

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const unavailable = "N/A"

var printer = message.NewPrinter(language.English)

var compactUnits = []struct {
	threshold decimal.Decimal
	suffix    string
}{
	{decimal.New(1, 12), "T"},
	{decimal.New(1, 9), "B"},
	{decimal.New(1, 6), "M"},
	{decimal.New(1, 3), "K"},
}

// FormatUSD renders an amount as en-US currency, e.g. $65,000.00.
func FormatUSD(d decimal.Decimal) string {
	sign := ""
	if d.IsNegative() {
		sign = "-"
	}
	return sign + "$" + printer.Sprintf("%.2f", d.Abs().Round(2).InexactFloat64())
}

// FormatPercent renders a signed percentage: +1.20% or -2.50%, never +-.
func FormatPercent(d decimal.Decimal) string {
	sign := "+"
	if d.IsNegative() {
		sign = "-"
	}
	return sign + printer.Sprintf("%.2f", d.Abs().Round(2).InexactFloat64()) + "%"
}

// FormatCompact renders large magnitudes as 1.28T, 31B, 19.7M.
func FormatCompact(d decimal.Decimal) string {
	abs := d.Abs()
	for _, unit := range compactUnits {
		if abs.GreaterThanOrEqual(unit.threshold) {
			return d.Div(unit.threshold).Round(2).String() + unit.suffix
		}
	}
	return d.Round(2).String()
}

func formatFixed(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}

func nullUSD(d decimal.NullDecimal) string {
	if !d.Valid || d.Decimal.IsZero() {
		return unavailable
	}
	return FormatUSD(d.Decimal)
}

func nullCompact(d decimal.NullDecimal, suffix string) string {
	if !d.Valid {
		return unavailable
	}
	return FormatCompact(d.Decimal) + suffix
}

func nullPercent(d decimal.NullDecimal) (string, bool) {
	if !d.Valid {
		return unavailable, false
	}
	return FormatPercent(d.Decimal), d.Decimal.IsNegative()
}

func nullFixed(d decimal.NullDecimal, places int32) string {
	if !d.Valid {
		return ""
	}
	return formatFixed(d.Decimal, places)
}

// TimeAgo renders elapsed time as 42s, 3m 5s or 2h 7m.
func TimeAgo(then, now time.Time) string {
	diff := now.Sub(then)
	if diff < 0 {
		diff = 0
	}
	seconds := int(diff / time.Second)
	if seconds < 60 {
		return fmt.Sprintf("%ds", seconds)
	}
	minutes := seconds / 60
	if minutes < 60 {
		return fmt.Sprintf("%dm %ds", minutes, seconds%60)
	}
	return fmt.Sprintf("%dh %dm", minutes/60, minutes%60)
}

// countdown is whole seconds until next, rounded up and never negative.
func countdown(next, now time.Time) int {
	if next.IsZero() || !next.After(now) {
		return 0
	}
	remaining := next.Sub(now)
	secs := int(remaining / time.Second)
	if remaining%time.Second != 0 {
		secs++
	}
	return secs
}
