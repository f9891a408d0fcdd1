package metrics

import (
	"context"
	"time"

	"price-pulse/internal/fetcher"
	"price-pulse/internal/market"
)

// InstrumentFetcher times every fetch and counts outcomes by error kind.
func InstrumentFetcher(f fetcher.SnapshotFetcher, c *Collector) fetcher.SnapshotFetcher {
	if c == nil {
		return f
	}
	return fetcher.SnapshotFunc(func(ctx context.Context) (market.Snapshot, error) {
		start := time.Now()
		snap, err := f.FetchSnapshot(ctx)
		c.ObservePoll(err, time.Since(start).Seconds())
		return snap, err
	})
}
