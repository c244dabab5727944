package report

import (
	"context"
	"testing"
	"time"

	"github.com/SkynetNext/zeroalloc/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// unreachableClient returns a client whose every command fails fast
func unreachableClient(t *testing.T) *Client {
	t.Helper()
	cfg := config.Default().Report.Redis
	cfg.Addr = "127.0.0.1:1"
	cfg.DialTimeout = 50 * time.Millisecond
	cfg.MinIdleConns = 0
	cli := NewClient(&cfg)
	t.Cleanup(func() { cli.Close() })
	return cli
}

func TestBreakerState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", BreakerState(42).String())
}

func TestPublisher_Retry(t *testing.T) {
	p := NewPublisher(nil, PublisherOptions{MaxRetries: 3, RetryDelay: time.Millisecond})

	calls := 0
	err := p.retry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return assert.AnError
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = p.retry(context.Background(), func() error {
		calls++
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 3, calls)
}

func TestPublisher_RetryCanceled(t *testing.T) {
	p := NewPublisher(nil, PublisherOptions{MaxRetries: 5, RetryDelay: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := p.retry(ctx, func() error {
		calls++
		cancel()
		return assert.AnError
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestPublisher_BreakerTransitions(t *testing.T) {
	p := NewPublisher(unreachableClient(t), PublisherOptions{
		MaxRetries:      1,
		BreakerFailures: 2,
		BreakerTimeout:  100 * time.Millisecond,
	})
	ctx := context.Background()
	s := Snapshot{Instance: "soak-a", Timestamp: time.Now()}

	assert.Error(t, p.Publish(ctx, s))
	assert.Equal(t, StateClosed, p.State())

	assert.Error(t, p.Publish(ctx, s))
	assert.Equal(t, StateOpen, p.State())

	// Open circuit fails fast without touching Redis
	assert.ErrorIs(t, p.Publish(ctx, s), ErrCircuitOpen)

	// After the timeout one probe is let through; its failure reopens the circuit
	time.Sleep(150 * time.Millisecond)
	err := p.Publish(ctx, s)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, StateOpen, p.State())

	p.recordSuccess()
	assert.Equal(t, StateClosed, p.State())
}

func TestPublisher_NeverOpensWithoutThreshold(t *testing.T) {
	p := NewPublisher(unreachableClient(t), PublisherOptions{})
	for i := 0; i < 3; i++ {
		assert.Error(t, p.Publish(context.Background(), Snapshot{Instance: "soak-a"}))
	}
	assert.Equal(t, StateClosed, p.State())
}
