package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fiscalpos/backend/internal/domain"
)

func TestMemoryOffsetCacheExpires(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	c := NewMemoryOffsetCache()
	c.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "clock", &domain.ClockSample{OffsetMillis: 1500}, time.Hour))
	got, ok, err := c.Get(ctx, "clock")
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 1500, got.OffsetMillis)

	now = now.Add(time.Hour)
	_, ok, err = c.Get(ctx, "clock")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNoopOffsetCacheNeverHits(t *testing.T) {
	var c NoopOffsetCache
	require.NoError(t, c.Set(context.Background(), "clock", &domain.ClockSample{}, time.Minute))
	_, ok, err := c.Get(context.Background(), "clock")
	require.NoError(t, err)
	assert.False(t, ok)
}
