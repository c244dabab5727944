package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("{}"))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 9091, cfg.Server.MetricsPort)
	assert.Equal(t, 1<<20, cfg.Allocator.MaxArrayLength)
	assert.Equal(t, 128, cfg.Pool.MaxSize)
	assert.Equal(t, 4, cfg.Soak.Workers)
	assert.Equal(t, 4096, cfg.Soak.RootLength)
	assert.Equal(t, 16, cfg.Soak.ReleaseWindow)
	assert.Equal(t, "zeroalloc:", cfg.Report.Redis.KeyPrefix)
	assert.Equal(t, 3, cfg.Report.MaxRetries)
	assert.Equal(t, 100*time.Millisecond, cfg.Report.RetryDelay)
	assert.Equal(t, int64(5), cfg.Report.BreakerFailures)
	assert.Equal(t, 30*time.Second, cfg.Report.BreakerTimeout)
	assert.Equal(t, 30*time.Second, cfg.GracefulShutdownTimeout)
	assert.False(t, cfg.Allocator.Arena.Enabled)
	assert.Zero(t, cfg.Allocator.Arena.SlotSize)
}

func TestParse_Values(t *testing.T) {
	data := []byte(`
log_level: debug
server:
  metrics_port: 19091
allocator:
  max_array_length: 65536
  max_outstanding: 1048576
  arena:
    enabled: true
    slots: 8
pool:
  max_size: 16
soak:
  workers: 2
  root_length: 1024
  children: 3
  extra_owners: 1
  release_window: 4
  round_interval: 5ms
report:
  enabled: true
  interval: 1s
  instance: soak-a
  redis:
    addr: redis:6379
reload_interval: 2s
`)
	cfg, err := Parse(data)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 19091, cfg.Server.MetricsPort)
	assert.Equal(t, int64(1048576), cfg.Allocator.MaxOutstanding)
	assert.Equal(t, 64*1024, cfg.Allocator.Arena.SlotSize)
	assert.Equal(t, 8, cfg.Allocator.Arena.Slots)
	assert.Equal(t, 16, cfg.Pool.MaxSize)
	assert.Equal(t, 3, cfg.Soak.Children)
	assert.Equal(t, 1, cfg.Soak.ExtraOwners)
	assert.Equal(t, 5*time.Millisecond, cfg.Soak.RoundInterval)
	assert.Equal(t, "soak-a", cfg.Report.Instance)
	assert.Equal(t, "redis:6379", cfg.Report.Redis.Addr)
	assert.Equal(t, 2*time.Second, cfg.ReloadInterval)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"negative pool size", "pool:\n  max_size: -1\n"},
		{"root longer than max array", "allocator:\n  max_array_length: 100\nsoak:\n  root_length: 200\n"},
		{"root longer than arena slot", "allocator:\n  arena:\n    enabled: true\n    slot_size: 512\nsoak:\n  root_length: 1024\n"},
		{"negative children", "soak:\n  children: -1\n"},
		{"bad port", "server:\n  metrics_port: 70000\n"},
		{"negative outstanding", "allocator:\n  max_outstanding: -5\n"},
		{"negative breaker timeout", "report:\n  enabled: true\n  breaker_timeout: -1s\n"},
		{"malformed yaml", "soak: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestHotReloadManager_UpdateConfig(t *testing.T) {
	var applied *Config
	h := NewHotReloadManager(Default(), func(c *Config) error {
		applied = c
		return nil
	})

	next := Default()
	next.Soak.Workers = 9
	require.NoError(t, h.UpdateConfig(next))
	assert.Same(t, next, applied)
	assert.Equal(t, 9, h.GetConfig().Soak.Workers)

	bad := Default()
	bad.Soak.Workers = 0
	assert.Error(t, h.UpdateConfig(bad))
	assert.Equal(t, 9, h.GetConfig().Soak.Workers)
}

func TestHotReloadManager_WatchConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("soak:\n  workers: 7\n"), 0o600))

	updated := make(chan int, 1)
	h := NewHotReloadManager(Default(), func(c *Config) error {
		select {
		case updated <- c.Soak.Workers:
		default:
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- h.WatchConfigFile(ctx, path, 10*time.Millisecond) }()

	select {
	case workers := <-updated:
		assert.Equal(t, 7, workers)
	case <-time.After(2 * time.Second):
		t.Fatal("configuration was not reloaded")
	}

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
}
