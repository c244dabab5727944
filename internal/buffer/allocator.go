package buffer

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/SkynetNext/zeroalloc/internal/logger"
	"github.com/SkynetNext/zeroalloc/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	// MinClassLength is the smallest array length handed out by an ArrayPool
	MinClassLength = 16

	// DefaultMaxArrayLength is the largest array length the shared pool serves
	DefaultMaxArrayLength = 1 << 20
)

var (
	// ErrExhausted is returned when a lease request cannot be satisfied
	ErrExhausted = errors.New("allocator exhausted")

	// ErrInvalidLength is returned for negative lease lengths or a bad pool configuration
	ErrInvalidLength = errors.New("invalid length")
)

// Allocator leases arrays and takes them back. Implementations are safe for concurrent use.
type Allocator[T any] interface {
	// Lease returns an array of at least length elements
	Lease(length int) ([]T, error)

	// Release hands an array obtained from Lease back to the allocator.
	// Each leased array must be released at most once.
	Release(buf []T)
}

// Stats is a point-in-time view of allocator activity
type Stats struct {
	Leases      int64
	Releases    int64
	Exhausted   int64
	Outstanding int64

	// Releases rejected because the array was not leased or was already returned
	Invalid int64
}

// ArrayPool is a size-classed array allocator. Lengths are rounded up to the
// next power of two and every class keeps its own sync.Pool.
type ArrayPool[T any] struct {
	name      string
	maxLength int
	buckets   []sync.Pool
	budget    *Budget

	// Arrays currently leased, keyed by their first element
	mu     sync.Mutex
	leased map[*T]struct{}

	leases    int64
	releases  int64
	exhausted int64
	invalid   int64

	leaseCounter     prometheus.Counter
	releaseCounter   prometheus.Counter
	exhaustedCounter prometheus.Counter
	invalidCounter   prometheus.Counter
	outstanding      prometheus.Gauge
}

// Shared is the process-wide byte allocator
var Shared = newArrayPool[byte]("shared", DefaultMaxArrayLength, 0)

// NewArrayPool creates an allocator serving lengths up to maxLength.
// maxOutstanding caps the number of elements leased at once (0 = unlimited).
func NewArrayPool[T any](name string, maxLength int, maxOutstanding int64) (*ArrayPool[T], error) {
	if maxLength < 1 {
		return nil, fmt.Errorf("%w: max array length must be greater than 0, got %d", ErrInvalidLength, maxLength)
	}
	if maxOutstanding < 0 {
		return nil, fmt.Errorf("%w: max outstanding must not be negative, got %d", ErrInvalidLength, maxOutstanding)
	}
	return newArrayPool[T](name, maxLength, maxOutstanding), nil
}

func newArrayPool[T any](name string, maxLength int, maxOutstanding int64) *ArrayPool[T] {
	return &ArrayPool[T]{
		name:             name,
		maxLength:        maxLength,
		buckets:          make([]sync.Pool, classIndex(maxLength)+1),
		budget:           NewBudget(maxOutstanding),
		leased:           make(map[*T]struct{}),
		leaseCounter:     metrics.AllocatorLeases.WithLabelValues(name),
		releaseCounter:   metrics.AllocatorReleases.WithLabelValues(name),
		exhaustedCounter: metrics.AllocatorExhausted.WithLabelValues(name),
		invalidCounter:   metrics.AllocatorInvalidReleases.WithLabelValues(name),
		outstanding:      metrics.AllocatorOutstanding.WithLabelValues(name),
	}
}

// classIndex returns the bucket serving arrays of length n
func classIndex(n int) int {
	if n <= MinClassLength {
		return 0
	}
	return bits.Len(uint(n-1)) - bits.Len(uint(MinClassLength-1))
}

// classLength returns the array length of bucket idx
func classLength(idx int) int {
	return MinClassLength << idx
}

// Lease returns an array whose length is the size class of length.
// Contents are not cleared.
func (p *ArrayPool[T]) Lease(length int) ([]T, error) {
	if length < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLength, length)
	}
	if length > p.maxLength {
		p.recordExhausted()
		return nil, fmt.Errorf("%w: length %d exceeds max array length %d", ErrExhausted, length, p.maxLength)
	}

	idx := classIndex(length)
	size := classLength(idx)
	if !p.budget.Acquire(int64(size)) {
		p.recordExhausted()
		return nil, fmt.Errorf("%w: %d elements outstanding, budget %d", ErrExhausted, p.budget.Current(), p.budget.Max())
	}

	atomic.AddInt64(&p.leases, 1)
	p.leaseCounter.Inc()
	p.outstanding.Add(float64(size))

	var buf []T
	if v := p.buckets[idx].Get(); v != nil {
		buf = v.([]T)[:size]
	} else {
		buf = make([]T, size)
	}

	p.mu.Lock()
	p.leased[unsafe.SliceData(buf)] = struct{}{}
	p.mu.Unlock()
	return buf, nil
}

// Release returns buf to its size class. Arrays that are not currently
// leased from this pool, including ones already released, are logged and dropped.
func (p *ArrayPool[T]) Release(buf []T) {
	c := cap(buf)
	if c < MinClassLength || c&(c-1) != 0 || classIndex(c) >= len(p.buckets) {
		p.recordInvalid(c, "capacity is not a size class of this pool")
		return
	}
	idx := classIndex(c)

	p.mu.Lock()
	key := unsafe.SliceData(buf)
	_, ok := p.leased[key]
	delete(p.leased, key)
	p.mu.Unlock()
	if !ok {
		p.recordInvalid(c, "array is not leased")
		return
	}

	p.budget.Release(int64(c))
	atomic.AddInt64(&p.releases, 1)
	p.releaseCounter.Inc()
	p.outstanding.Sub(float64(c))

	p.buckets[idx].Put(buf[:c])
}

// Stats returns allocator counters
func (p *ArrayPool[T]) Stats() Stats {
	return Stats{
		Leases:      atomic.LoadInt64(&p.leases),
		Releases:    atomic.LoadInt64(&p.releases),
		Exhausted:   atomic.LoadInt64(&p.exhausted),
		Outstanding: p.budget.Current(),
		Invalid:     atomic.LoadInt64(&p.invalid),
	}
}

// Name returns the allocator name used as metrics label
func (p *ArrayPool[T]) Name() string {
	return p.name
}

// MaxLength returns the largest length Lease accepts
func (p *ArrayPool[T]) MaxLength() int {
	return p.maxLength
}

func (p *ArrayPool[T]) recordExhausted() {
	atomic.AddInt64(&p.exhausted, 1)
	p.exhaustedCounter.Inc()
}

func (p *ArrayPool[T]) recordInvalid(capacity int, reason string) {
	atomic.AddInt64(&p.invalid, 1)
	p.invalidCounter.Inc()
	logger.L.Error("invalid array release",
		zap.String("allocator", p.name),
		zap.Int("cap", capacity),
		zap.String("reason", reason),
	)
}
