package report

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SkynetNext/zeroalloc/internal/metrics"
)

// ErrCircuitOpen is returned by Publish while Redis is considered unavailable
var ErrCircuitOpen = errors.New("publisher circuit open")

// BreakerState represents the publisher circuit state
type BreakerState int32

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// PublisherOptions controls retries and the circuit breaker
type PublisherOptions struct {
	MaxRetries      int
	RetryDelay      time.Duration
	BreakerFailures int64
	BreakerTimeout  time.Duration
}

// Publisher publishes snapshots through a Client. Each publish is retried
// with exponential backoff; after BreakerFailures failed publishes the
// circuit opens and publishes fail fast until BreakerTimeout has passed.
type Publisher struct {
	client *Client
	opts   PublisherOptions

	mu          sync.Mutex
	state       int32 // BreakerState (atomic)
	failures    int64
	lastFailure time.Time
}

// NewPublisher creates a publisher. Zero options fall back to a single attempt and a breaker that never opens.
func NewPublisher(client *Client, opts PublisherOptions) *Publisher {
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 1
	}
	p := &Publisher{
		client: client,
		opts:   opts,
	}
	metrics.ReportBreakerState.Set(float64(StateClosed))
	return p
}

// Publish sends s, retrying transient failures
func (p *Publisher) Publish(ctx context.Context, s Snapshot) error {
	if !p.allow() {
		return ErrCircuitOpen
	}

	err := p.retry(ctx, func() error {
		return p.client.Publish(ctx, s)
	})
	if err != nil {
		p.recordFailure()
		return err
	}
	p.recordSuccess()
	return nil
}

// retry runs fn up to MaxRetries times, doubling the delay after every failure
func (p *Publisher) retry(ctx context.Context, fn func() error) error {
	var lastErr error
	for i := 0; i < p.opts.MaxRetries; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if lastErr = fn(); lastErr == nil {
			return nil
		}

		if i < p.opts.MaxRetries-1 {
			delay := time.Duration(1<<uint(i)) * p.opts.RetryDelay
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", p.opts.MaxRetries, lastErr)
}

// State returns the current circuit state
func (p *Publisher) State() BreakerState {
	return BreakerState(atomic.LoadInt32(&p.state))
}

func (p *Publisher) setState(s BreakerState) {
	atomic.StoreInt32(&p.state, int32(s))
	metrics.ReportBreakerState.Set(float64(s))
}

func (p *Publisher) allow() bool {
	switch p.State() {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.State() == StateOpen && time.Since(p.lastFailure) >= p.opts.BreakerTimeout {
			p.setState(StateHalfOpen)
			return true
		}
		return false
	default:
		return false
	}
}

func (p *Publisher) recordSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = 0
	if p.State() != StateClosed {
		p.setState(StateClosed)
	}
}

func (p *Publisher) recordFailure() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures++
	p.lastFailure = time.Now()

	if p.opts.BreakerFailures <= 0 {
		return
	}
	// A failed probe reopens immediately
	if p.State() == StateHalfOpen || p.failures >= p.opts.BreakerFailures {
		p.setState(StateOpen)
	}
}
