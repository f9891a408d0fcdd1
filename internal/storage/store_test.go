package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"price-pulse/internal/config"
)

func TestUnconfiguredStore(t *testing.T) {
	var s *Store
	ctx := context.Background()

	assert.ErrorIs(t, s.InsertSample(ctx, MarketSample{SampledAt: time.Now()}), ErrNotConfigured)
	_, err := s.ListRecentSamples(ctx, 10)
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = s.InsertAlertEvent(ctx, AlertEvent{RuleID: "r"})
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = NewStore(nil).Migrate(ctx, t.TempDir())
	assert.ErrorIs(t, err, ErrNotConfigured)
	s.Close()
}

func TestNewPoolRequiresDSN(t *testing.T) {
	_, err := NewPool(context.Background(), config.DatabaseConfig{})
	assert.Error(t, err)
}

func TestMigrationFilesOrdered(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"0002_b.sql", "0001_a.sql", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o600))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "0003_dir.sql"), 0o700))

	files, err := MigrationFiles(dir)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "0001_a.sql", filepath.Base(files[0]))
	assert.Equal(t, "0002_b.sql", filepath.Base(files[1]))
}

func TestNullDecimalParams(t *testing.T) {
	assert.Nil(t, nullString(decimal.NullDecimal{}))
	assert.Equal(t, "1.5", nullString(decimal.NewNullDecimal(decimal.RequireFromString("1.5"))))

	d, err := parseNull(nil)
	require.NoError(t, err)
	assert.False(t, d.Valid)

	raw := "0.125000"
	d, err = parseNull(&raw)
	require.NoError(t, err)
	require.True(t, d.Valid)
	assert.True(t, d.Decimal.Equal(decimal.RequireFromString("0.125")))

	bad := "x"
	_, err = parseNull(&bad)
	assert.Error(t, err)
}
