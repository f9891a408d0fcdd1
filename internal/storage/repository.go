package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const sampleColumns = `
        id,
        sampled_at,
        price,
        change_24h,
        market_cap,
        volume,
        stream_price,
        spread_pct,
        vwap_gap_pct,
        funding_estimate_pct,
        risk_score,
        risk_label,
        poll_healthy,
        stream_healthy,
        created_at`

const alertColumns = `
        id,
        rule_id,
        fired_at,
        price,
        change_24h,
        spread_pct,
        price_threshold,
        change_threshold,
        require_tight_spread,
        channels,
        created_at`

const (
	insertSampleSQL = `INSERT INTO market_samples (
        sampled_at,
        price,
        change_24h,
        market_cap,
        volume,
        stream_price,
        spread_pct,
        vwap_gap_pct,
        funding_estimate_pct,
        risk_score,
        risk_label,
        poll_healthy,
        stream_healthy
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
    )
    ON CONFLICT (sampled_at) DO UPDATE
    SET
        price                = EXCLUDED.price,
        change_24h           = EXCLUDED.change_24h,
        market_cap           = EXCLUDED.market_cap,
        volume               = EXCLUDED.volume,
        stream_price         = EXCLUDED.stream_price,
        spread_pct           = EXCLUDED.spread_pct,
        vwap_gap_pct         = EXCLUDED.vwap_gap_pct,
        funding_estimate_pct = EXCLUDED.funding_estimate_pct,
        risk_score           = EXCLUDED.risk_score,
        risk_label           = EXCLUDED.risk_label,
        poll_healthy         = EXCLUDED.poll_healthy,
        stream_healthy       = EXCLUDED.stream_healthy;`

	listSamplesBetweenSQL = `SELECT` + sampleColumns + `
    FROM market_samples
    WHERE sampled_at >= $1
      AND sampled_at < $2
    ORDER BY sampled_at;`

	listRecentSamplesSQL = `SELECT` + sampleColumns + `
    FROM market_samples
    ORDER BY sampled_at DESC
    LIMIT $1;`

	countSamplesSQL = `SELECT COUNT(*) FROM market_samples;`

	insertAlertEventSQL = `INSERT INTO alert_events (
        rule_id,
        fired_at,
        price,
        change_24h,
        spread_pct,
        price_threshold,
        change_threshold,
        require_tight_spread,
        channels
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    )
    ON CONFLICT (rule_id) DO NOTHING
    RETURNING` + alertColumns + `;`

	listRecentAlertEventsSQL = `SELECT` + alertColumns + `
    FROM alert_events
    ORDER BY fired_at DESC
    LIMIT $1;`
)

// SampleStore defines operations for market sample persistence.
type SampleStore interface {
	InsertSample(ctx context.Context, sample MarketSample) error
	ListSamplesBetween(ctx context.Context, from, to time.Time) ([]MarketSample, error)
	ListRecentSamples(ctx context.Context, limit int) ([]MarketSample, error)
	CountSamples(ctx context.Context) (int64, error)
}

// AlertStore defines operations for fired-alert auditing.
type AlertStore interface {
	InsertAlertEvent(ctx context.Context, event AlertEvent) (AlertEvent, error)
	ListRecentAlertEvents(ctx context.Context, limit int) ([]AlertEvent, error)
}

// Store aggregates access to market samples and alert events.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertSample persists a sample; a second sample at the same instant overwrites the first.
func (s *Store) InsertSample(ctx context.Context, sample MarketSample) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, insertSampleSQL,
		sample.SampledAt,
		sample.Price.String(),
		sample.Change24h.String(),
		nullString(sample.MarketCap),
		nullString(sample.Volume),
		nullString(sample.StreamPrice),
		nullString(sample.SpreadPct),
		nullString(sample.VWAPGapPct),
		nullString(sample.FundingEstimatePct),
		sample.RiskScore,
		sample.RiskLabel,
		sample.PollHealthy,
		sample.StreamHealthy,
	)
	if execErr != nil {
		return fmt.Errorf("insert market sample: %w", execErr)
	}
	return nil
}

// ListSamplesBetween lists samples within a time window.
func (s *Store) ListSamplesBetween(ctx context.Context, from, to time.Time) ([]MarketSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSamplesBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list samples between: %w", queryErr)
	}
	defer rows.Close()

	return collectSamples(rows, 0)
}

// ListRecentSamples lists the most recent samples, newest first.
func (s *Store) ListRecentSamples(ctx context.Context, limit int) ([]MarketSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentSamplesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent samples: %w", queryErr)
	}
	defer rows.Close()

	return collectSamples(rows, limit)
}

// CountSamples counts stored samples.
func (s *Store) CountSamples(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countSamplesSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count samples: %w", scanErr)
	}
	return count, nil
}

// InsertAlertEvent persists a fired alert. A rule fires at most once, so a
// duplicate rule id returns pgx.ErrNoRows.
func (s *Store) InsertAlertEvent(ctx context.Context, event AlertEvent) (AlertEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertEvent{}, err
	}

	row := pool.QueryRow(ctx, insertAlertEventSQL,
		event.RuleID,
		event.FiredAt,
		event.Price.String(),
		event.Change24h.String(),
		nullString(event.SpreadPct),
		nullString(event.PriceThreshold),
		nullString(event.ChangeThreshold),
		event.RequireTightSpread,
		event.Channels,
	)

	rec, scanErr := scanAlertEvent(row)
	if scanErr != nil {
		return AlertEvent{}, fmt.Errorf("insert alert event: %w", scanErr)
	}
	return rec, nil
}

// ListRecentAlertEvents lists the most recent fired alerts.
func (s *Store) ListRecentAlertEvents(ctx context.Context, limit int) ([]AlertEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertEventsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alert events: %w", queryErr)
	}
	defer rows.Close()

	events := make([]AlertEvent, 0, limit)
	for rows.Next() {
		rec, err := scanAlertEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return events, nil
}

func collectSamples(rows pgx.Rows, capacity int) ([]MarketSample, error) {
	samples := make([]MarketSample, 0, capacity)
	for rows.Next() {
		sample, scanErr := scanMarketSample(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		samples = append(samples, sample)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

func scanMarketSample(row pgx.Row) (MarketSample, error) {
	var (
		sample              MarketSample
		priceStr, changeStr string

		marketCap, volume, streamPrice *string
		spread, vwapGap, funding       *string
	)

	if err := row.Scan(
		&sample.ID,
		&sample.SampledAt,
		&priceStr,
		&changeStr,
		&marketCap,
		&volume,
		&streamPrice,
		&spread,
		&vwapGap,
		&funding,
		&sample.RiskScore,
		&sample.RiskLabel,
		&sample.PollHealthy,
		&sample.StreamHealthy,
		&sample.CreatedAt,
	); err != nil {
		return MarketSample{}, err
	}

	var err error
	if sample.Price, err = decimal.NewFromString(priceStr); err != nil {
		return MarketSample{}, fmt.Errorf("parse price: %w", err)
	}
	if sample.Change24h, err = decimal.NewFromString(changeStr); err != nil {
		return MarketSample{}, fmt.Errorf("parse change 24h: %w", err)
	}

	targets := []struct {
		name string
		raw  *string
		dst  *decimal.NullDecimal
	}{
		{"market cap", marketCap, &sample.MarketCap},
		{"volume", volume, &sample.Volume},
		{"stream price", streamPrice, &sample.StreamPrice},
		{"spread pct", spread, &sample.SpreadPct},
		{"vwap gap pct", vwapGap, &sample.VWAPGapPct},
		{"funding estimate pct", funding, &sample.FundingEstimatePct},
	}
	for _, t := range targets {
		if *t.dst, err = parseNull(t.raw); err != nil {
			return MarketSample{}, fmt.Errorf("parse %s: %w", t.name, err)
		}
	}
	return sample, nil
}

func scanAlertEvent(row pgx.Row) (AlertEvent, error) {
	var (
		rec                               AlertEvent
		priceStr, changeStr               string
		spread, priceThresh, changeThresh *string
	)
	if err := row.Scan(
		&rec.ID,
		&rec.RuleID,
		&rec.FiredAt,
		&priceStr,
		&changeStr,
		&spread,
		&priceThresh,
		&changeThresh,
		&rec.RequireTightSpread,
		&rec.Channels,
		&rec.CreatedAt,
	); err != nil {
		return AlertEvent{}, err
	}

	var err error
	if rec.Price, err = decimal.NewFromString(priceStr); err != nil {
		return AlertEvent{}, fmt.Errorf("parse price: %w", err)
	}
	if rec.Change24h, err = decimal.NewFromString(changeStr); err != nil {
		return AlertEvent{}, fmt.Errorf("parse change 24h: %w", err)
	}
	if rec.SpreadPct, err = parseNull(spread); err != nil {
		return AlertEvent{}, fmt.Errorf("parse spread pct: %w", err)
	}
	if rec.PriceThreshold, err = parseNull(priceThresh); err != nil {
		return AlertEvent{}, fmt.Errorf("parse price threshold: %w", err)
	}
	if rec.ChangeThreshold, err = parseNull(changeThresh); err != nil {
		return AlertEvent{}, fmt.Errorf("parse change threshold: %w", err)
	}
	return rec, nil
}

// nullString maps a NullDecimal to a NUMERIC-compatible parameter.
func nullString(d decimal.NullDecimal) interface{} {
	if !d.Valid {
		return nil
	}
	return d.Decimal.String()
}

func parseNull(raw *string) (decimal.NullDecimal, error) {
	if raw == nil {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(*raw)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}
