package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"price-pulse/internal/render"
	"price-pulse/internal/storage"
)

// Show prints recent samples, or recent fired alerts with --alerts.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show samples")
	}
	if closeStore != nil {
		defer closeStore()
	}

	if opts.Alerts {
		events, err := store.ListRecentAlertEvents(ctx, opts.Limit)
		if err != nil {
			return err
		}
		return printAlertEvents(os.Stdout, events)
	}

	samples, err := store.ListRecentSamples(ctx, opts.Limit)
	if err != nil {
		return err
	}
	return printSamples(os.Stdout, samples)
}

func printSamples(out io.Writer, samples []storage.MarketSample) error {
	if len(samples) == 0 {
		fmt.Fprintln(out, "no samples found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tPrice\t24h\tStream\tSpread%\tRisk\tPoll\tStream OK")

	for _, sample := range samples {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%t\t%t\n",
			sample.SampledAt.UTC().Format(time.RFC3339),
			render.FormatUSD(sample.Price),
			render.FormatPercent(sample.Change24h),
			orDash(sample.StreamPrice.Valid, func() string { return render.FormatUSD(sample.StreamPrice.Decimal) }),
			orDash(sample.SpreadPct.Valid, func() string { return formatDecimal(sample.SpreadPct.Decimal, 3) }),
			sanitizeInline(fmt.Sprintf("%s (%.2f)", sample.RiskLabel, sample.RiskScore)),
			sample.PollHealthy,
			sample.StreamHealthy,
		)
	}

	return writer.Flush()
}

func printAlertEvents(out io.Writer, events []storage.AlertEvent) error {
	if len(events) == 0 {
		fmt.Fprintln(out, "no alert events found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Fired (UTC)\tRule\tPrice\t24h\tPrice≥\tChange≥\tTight\tChannels")

	for _, event := range events {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%t\t%s\n",
			event.FiredAt.UTC().Format(time.RFC3339),
			event.RuleID,
			render.FormatUSD(event.Price),
			render.FormatPercent(event.Change24h),
			orDash(event.PriceThreshold.Valid, func() string { return formatDecimal(event.PriceThreshold.Decimal, 2) }),
			orDash(event.ChangeThreshold.Valid, func() string { return formatDecimal(event.ChangeThreshold.Decimal, 2) }),
			event.RequireTightSpread,
			sanitizeInline(strings.Join(event.Channels, ",")),
		)
	}

	return writer.Flush()
}

func orDash(ok bool, format func() string) string {
	if !ok {
		return "-"
	}
	return format()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
