package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"price-pulse/internal/storage"
)

// Export renders historical data as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Snapshot.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	samples, err := store.ListSamplesBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		a.Logger.Info().Msg("no samples found for export window")
		return nil
	}

	downsampled := downsampleSamples(samples, opts.MaxPoints)
	a.Logger.Info().Int("total", len(samples)).Int("exported", len(downsampled)).Msg("exporting samples")

	if opts.CSVPath != "" {
		if err := writeSamplesCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeSamplesPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleSamples(samples []storage.MarketSample, max int) []storage.MarketSample {
	if max <= 0 || len(samples) <= max {
		return samples
	}

	result := make([]storage.MarketSample, 0, max)
	step := float64(len(samples)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(samples) {
			idx = len(samples) - 1
		}
		result = append(result, samples[idx])
	}
	return result
}

func writeSamplesCSV(path string, samples []storage.MarketSample) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"sampled_at", "price", "change_24h", "market_cap", "volume", "stream_price", "spread_pct", "vwap_gap_pct", "funding_estimate_pct", "risk_score", "risk_label", "poll_healthy", "stream_healthy"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, sample := range samples {
		record := []string{
			sample.SampledAt.UTC().Format(time.RFC3339),
			sample.Price.String(),
			sample.Change24h.String(),
			nullDecimal(sample.MarketCap),
			nullDecimal(sample.Volume),
			nullDecimal(sample.StreamPrice),
			nullDecimal(sample.SpreadPct),
			nullDecimal(sample.VWAPGapPct),
			nullDecimal(sample.FundingEstimatePct),
			strconv.FormatFloat(sample.RiskScore, 'f', 4, 64),
			sample.RiskLabel,
			strconv.FormatBool(sample.PollHealthy),
			strconv.FormatBool(sample.StreamHealthy),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeSamplesPNG(path string, samples []storage.MarketSample) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	if len(samples) < 2 {
		return errors.New("at least two samples are required to render a chart")
	}

	x := make([]time.Time, len(samples))
	price := make([]float64, len(samples))
	streamX := make([]time.Time, 0, len(samples))
	spread := make([]float64, 0, len(samples))

	for i, sample := range samples {
		x[i] = sample.SampledAt
		price[i] = sample.Price.InexactFloat64()
		if sample.SpreadPct.Valid {
			streamX = append(streamX, sample.SampledAt)
			spread = append(spread, sample.SpreadPct.Decimal.InexactFloat64())
		}
	}

	series := []chart.Series{
		chart.TimeSeries{
			Name:    "Price",
			XValues: x,
			YValues: price,
		},
	}
	// go-chart rejects series with fewer than two points.
	if len(spread) >= 2 {
		series = append(series, chart.TimeSeries{
			Name:    "Spread %",
			XValues: streamX,
			YValues: spread,
			YAxis:   chart.YAxisSecondary,
		})
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: "Price (USD)",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.2f")
			},
		},
		YAxisSecondary: chart.YAxis{
			Name: "Spread (%)",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.3f")
			},
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}

func nullDecimal(d decimal.NullDecimal) string {
	if !d.Valid {
		return ""
	}
	return d.Decimal.String()
}
