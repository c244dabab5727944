package soak

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/SkynetNext/zeroalloc/internal/buffer"
	"github.com/SkynetNext/zeroalloc/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSoakConfig() config.SoakConfig {
	return config.SoakConfig{
		Workers:       4,
		RootLength:    1024,
		Children:      6,
		ExtraOwners:   2,
		ReleaseWindow: 3,
	}
}

func TestNewRunner_Invalid(t *testing.T) {
	alloc, err := buffer.NewArrayPool[byte]("runner_invalid", 4096, 0)
	require.NoError(t, err)

	_, err = NewRunner(testSoakConfig(), nil, 8)
	assert.Error(t, err)

	cfg := testSoakConfig()
	cfg.Workers = 0
	_, err = NewRunner(cfg, alloc, 8)
	assert.Error(t, err)

	_, err = NewRunner(testSoakConfig(), alloc, 0)
	assert.Error(t, err)
}

func TestRunner_RoundReleasesAfterWindow(t *testing.T) {
	alloc, err := buffer.NewArrayPool[byte]("runner_window", 4096, 0)
	require.NoError(t, err)

	cfg := testSoakConfig()
	r, err := NewRunner(cfg, alloc, 8)
	require.NoError(t, err)

	w := newWorker(0)
	ctx := context.Background()
	for i := 0; i < cfg.ReleaseWindow; i++ {
		require.NoError(t, r.round(ctx, w))
	}
	// Nothing is due yet, so every root is still leased
	assert.Equal(t, int64(cfg.ReleaseWindow), alloc.Stats().Outstanding/1024)

	// The first round's claims fall due now
	require.NoError(t, r.round(ctx, w))
	assert.Equal(t, int64(1), alloc.Stats().Releases)
	assert.Equal(t, int64(cfg.ReleaseWindow), alloc.Stats().Outstanding/1024)

	r.releaseDue(w, 1<<62)
	stats := alloc.Stats()
	assert.Equal(t, stats.Leases, stats.Releases)
	assert.Zero(t, stats.Outstanding)

	rs := r.Stats()
	assert.Equal(t, int64(cfg.ReleaseWindow+1), rs.Rounds)
	assert.Equal(t, rs.Claims, rs.Released)
	assert.Zero(t, rs.Violations)
	assert.Zero(t, w.pending.Length())
}

func TestRunner_Run(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.SoakConfig)
	}{
		{"defaults", func(*config.SoakConfig) {}},
		{"no children", func(c *config.SoakConfig) { c.Children = 0 }},
		{"no extra owners", func(c *config.SoakConfig) { c.ExtraOwners = 0 }},
		{"wide tree", func(c *config.SoakConfig) { c.Children = 100; c.ExtraOwners = 3 }},
		{"paced", func(c *config.SoakConfig) { c.RoundInterval = time.Millisecond }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alloc, err := buffer.NewArrayPool[byte]("runner_run", 4096, 0)
			require.NoError(t, err)

			cfg := testSoakConfig()
			tt.mutate(&cfg)
			r, err := NewRunner(cfg, alloc, 16)
			require.NoError(t, err)

			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()
			r.Run(ctx)

			stats := alloc.Stats()
			assert.Positive(t, stats.Leases)
			assert.Equal(t, stats.Leases, stats.Releases)
			assert.Zero(t, stats.Outstanding)

			rs := r.Stats()
			assert.Positive(t, rs.Rounds)
			assert.Equal(t, rs.Claims, rs.Released)
			assert.Zero(t, rs.Violations)
			assert.LessOrEqual(t, r.IdleScratch(), 16)
		})
	}
}

func TestRunner_Exhaustion(t *testing.T) {
	// Room for two roots; four workers holding claims for a long window must hit the budget
	alloc, err := buffer.NewArrayPool[byte]("runner_exhausted", 4096, 2048)
	require.NoError(t, err)

	cfg := testSoakConfig()
	cfg.ReleaseWindow = 50
	r, err := NewRunner(cfg, alloc, 8)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	r.Run(ctx)

	rs := r.Stats()
	assert.Positive(t, rs.Exhausted)
	assert.Zero(t, rs.Violations)

	stats := alloc.Stats()
	assert.Equal(t, stats.Leases, stats.Releases)
	assert.Zero(t, stats.Outstanding)
}

func TestPickRange(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for n := 1; n < 64; n++ {
		for i := 0; i < 32; i++ {
			offset, length := pickRange(rng, n)
			assert.GreaterOrEqual(t, offset, 0)
			assert.Positive(t, length)
			assert.LessOrEqual(t, offset+length, n)
		}
	}

	offset, length := pickRange(rng, 0)
	assert.Zero(t, offset)
	assert.Zero(t, length)
}
