// Package clock keeps the terminal's notion of time close to the authority's.
package clock

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fiscalpos/backend/internal/cache"
	"fiscalpos/backend/internal/domain"
)

const cacheKey = "fiscalpos:clock:offset"

type TimeSource interface {
	ServerTime(ctx context.Context) (time.Time, error)
}

type Config struct {
	// SampleTTL bounds how long a cached offset is trusted.
	SampleTTL time.Duration
	// DriftWarning logs a warning once the offset exceeds it.
	DriftWarning time.Duration
}

// Clock returns local time corrected by the last observed authority offset.
// Readings never go backwards within a process.
type Clock struct {
	mu         sync.Mutex
	local      func() time.Time
	cache      cache.OffsetCache
	cfg        Config
	log        zerolog.Logger
	offset     time.Duration
	serverTime time.Time
	observedAt time.Time
	last       time.Time
}

type Option func(*Clock)

func WithLocal(now func() time.Time) Option {
	return func(c *Clock) { c.local = now }
}

func WithLogger(log zerolog.Logger) Option {
	return func(c *Clock) { c.log = log }
}

func New(offsets cache.OffsetCache, cfg Config, opts ...Option) *Clock {
	if offsets == nil {
		offsets = cache.NoopOffsetCache{}
	}
	if cfg.SampleTTL <= 0 {
		cfg.SampleTTL = 24 * time.Hour
	}
	if cfg.DriftWarning <= 0 {
		cfg.DriftWarning = 2 * time.Minute
	}
	c := &Clock{
		local: time.Now,
		cache: offsets,
		cfg:   cfg,
		log:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.local().Add(c.offset)
	if t.Before(c.last) {
		return c.last
	}
	c.last = t
	return t
}

// Observe records serverTime as seen right now.
func (c *Clock) Observe(ctx context.Context, serverTime time.Time) {
	c.observe(ctx, serverTime, c.local())
}

func (c *Clock) observe(ctx context.Context, serverTime, localAt time.Time) {
	if serverTime.IsZero() {
		return
	}
	offset := serverTime.Sub(localAt)

	c.mu.Lock()
	c.offset = offset
	c.serverTime = serverTime
	c.observedAt = localAt
	sample := c.sampleLocked()
	c.mu.Unlock()

	if offset > c.cfg.DriftWarning || -offset > c.cfg.DriftWarning {
		c.log.Warn().Dur("offset", offset).Msg("local clock drifts from authority")
	}
	if err := c.cache.Set(ctx, cacheKey, &sample, c.cfg.SampleTTL); err != nil {
		c.log.Warn().Err(err).Msg("persist clock offset")
	}
}

// Sync asks src for its time and corrects for half the round trip.
func (c *Clock) Sync(ctx context.Context, src TimeSource) error {
	sent := c.local()
	serverTime, err := src.ServerTime(ctx)
	if err != nil {
		return err
	}
	received := c.local()
	c.observe(ctx, serverTime, sent.Add(received.Sub(sent)/2))
	return nil
}

// Load restores the cached offset, if any.
func (c *Clock) Load(ctx context.Context) (bool, error) {
	sample, ok, err := c.cache.Get(ctx, cacheKey)
	if err != nil || !ok {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset = time.Duration(sample.OffsetMillis) * time.Millisecond
	c.serverTime = sample.ServerTime
	c.observedAt = sample.ObservedAt
	return true, nil
}

func (c *Clock) Status() domain.ClockStatus {
	now := c.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.ClockStatus{
		ClockSample: c.sampleLocked(),
		Now:         now,
		Stale:       c.observedAt.IsZero() || c.local().Sub(c.observedAt) > c.cfg.SampleTTL,
	}
}

func (c *Clock) sampleLocked() domain.ClockSample {
	return domain.ClockSample{
		OffsetMillis: c.offset.Milliseconds(),
		ServerTime:   c.serverTime,
		ObservedAt:   c.observedAt,
	}
}
