package fetcher

import (
	"context"

	"price-pulse/internal/market"
)

// SnapshotFetcher retrieves one full market-data reading.
type SnapshotFetcher interface {
	FetchSnapshot(ctx context.Context) (market.Snapshot, error)
}

// SnapshotFunc adapts a function to SnapshotFetcher.
type SnapshotFunc func(ctx context.Context) (market.Snapshot, error)

// FetchSnapshot calls f.
func (f SnapshotFunc) FetchSnapshot(ctx context.Context) (market.Snapshot, error) {
	return f(ctx)
}
