package objpool

import (
	"errors"
	"fmt"
	"sync"

	"github.com/SkynetNext/zeroalloc/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultMaxSize is the capacity used when none is configured
const DefaultMaxSize = 128

// ErrInvalidCapacity is returned when a pool is created with a capacity below 1
var ErrInvalidCapacity = errors.New("pool capacity must be greater than 0")

// Initializer is implemented by pooled types that need setup when they are
// default-constructed. Init runs once per construction, never on reuse:
// callers reset borrowed state themselves before handing a value back.
type Initializer interface {
	Init()
}

// Factory constructs a new pooled value
type Factory[T any] func() *T

// Pool is a bounded cache of reusable values, safe for concurrent use.
// Idle values form a stack: Get returns the most recently Put value.
// Values beyond the capacity are dropped on Put and left to the garbage collector.
type Pool[T any] struct {
	name    string
	maxSize int
	factory Factory[T]

	mu   sync.Mutex
	idle []*T // len(idle) <= maxSize

	hits     prometheus.Counter
	misses   prometheus.Counter
	discards prometheus.Counter
	held     prometheus.Gauge
}

// NewPool creates a pool that default-constructs values with new(T)
func NewPool[T any](name string, maxSize int) (*Pool[T], error) {
	return NewPoolWithFactory[T](name, maxSize, nil)
}

// NewPoolWithFactory creates a pool that constructs values with factory.
// A nil factory falls back to default construction.
func NewPoolWithFactory[T any](name string, maxSize int, factory Factory[T]) (*Pool[T], error) {
	if maxSize < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidCapacity, maxSize)
	}

	return &Pool[T]{
		name:     name,
		maxSize:  maxSize,
		factory:  factory,
		idle:     make([]*T, 0, maxSize),
		hits:     metrics.PoolGets.WithLabelValues(name, "hit"),
		misses:   metrics.PoolGets.WithLabelValues(name, "miss"),
		discards: metrics.PoolDiscards.WithLabelValues(name),
		held:     metrics.PoolIdle.WithLabelValues(name),
	}, nil
}

// Get takes a value from the pool, constructing a new one if the pool is empty.
// It never blocks. A panic raised by the factory reaches the caller unchanged.
func (p *Pool[T]) Get() *T {
	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		obj := p.idle[n-1]
		p.idle[n-1] = nil
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		p.hits.Inc()
		p.held.Dec()
		return obj
	}
	p.mu.Unlock()

	p.misses.Inc()
	if p.factory != nil {
		return p.factory()
	}

	obj := new(T)
	if i, ok := any(obj).(Initializer); ok {
		i.Init()
	}
	return obj
}

// Put hands a value back to the pool. If the pool is already full the value
// is discarded silently. Put does not check that obj came from this pool.
func (p *Pool[T]) Put(obj *T) {
	if obj == nil {
		return
	}

	p.mu.Lock()
	if len(p.idle) >= p.maxSize {
		p.mu.Unlock()
		p.discards.Inc()
		return
	}
	p.idle = append(p.idle, obj)
	p.mu.Unlock()
	p.held.Inc()
}

// Count returns the number of values currently held
func (p *Pool[T]) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// MaxSize returns the pool capacity
func (p *Pool[T]) MaxSize() int {
	return p.maxSize
}

// Name returns the pool name used as metrics label
func (p *Pool[T]) Name() string {
	return p.name
}
