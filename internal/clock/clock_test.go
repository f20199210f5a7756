package clock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fiscalpos/backend/internal/cache"
)

type fixedSource struct {
	at  time.Time
	err error
}

func (f fixedSource) ServerTime(context.Context) (time.Time, error) {
	return f.at, f.err
}

func TestNowAppliesObservedOffset(t *testing.T) {
	local := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	c := New(nil, Config{}, WithLocal(func() time.Time { return local }))

	c.Observe(context.Background(), local.Add(90*time.Second))
	assert.Equal(t, local.Add(90*time.Second), c.Now())
}

func TestNowNeverGoesBackwards(t *testing.T) {
	local := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	c := New(nil, Config{}, WithLocal(func() time.Time { return local }))

	first := c.Now()
	local = local.Add(-time.Hour)
	assert.Equal(t, first, c.Now())

	c.Observe(context.Background(), local.Add(-time.Minute))
	assert.Equal(t, first, c.Now())
}

func TestOffsetSurvivesRestartThroughCache(t *testing.T) {
	local := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	store := cache.NewMemoryOffsetCache()
	ctx := context.Background()

	first := New(store, Config{}, WithLocal(func() time.Time { return local }))
	require.NoError(t, first.Sync(ctx, fixedSource{at: local.Add(-3 * time.Second)}))

	second := New(store, Config{}, WithLocal(func() time.Time { return local }))
	ok, err := second.Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, local.Add(-3*time.Second), second.Now())
	assert.EqualValues(t, -3000, second.Status().OffsetMillis)
	assert.False(t, second.Status().Stale)
}

func TestSyncPropagatesSourceError(t *testing.T) {
	c := New(nil, Config{})
	err := c.Sync(context.Background(), fixedSource{err: errors.New("offline")})
	require.Error(t, err)
	assert.True(t, c.Status().Stale)
}
