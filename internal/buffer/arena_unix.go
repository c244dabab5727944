//go:build unix

package buffer

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/SkynetNext/zeroalloc/internal/logger"
	"github.com/SkynetNext/zeroalloc/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// ErrArenaClosed is returned by Lease after Close
var ErrArenaClosed = errors.New("arena is closed")

// MmapArena is a byte allocator backed by a single anonymous memory mapping
// split into fixed-size slots. Memory lives outside the Go heap, so leased
// slots cost the garbage collector nothing.
type MmapArena struct {
	name string

	// region is never reassigned, so it may be read without locking; closed guards its use
	region   []byte
	slotSize int

	free   chan int
	leased []atomic.Bool
	closed atomic.Bool

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

// NewMmapArena maps slots*slotSize bytes and serves them slot by slot
func NewMmapArena(name string, slotSize, slots int) (*MmapArena, error) {
	if slotSize < 1 || slots < 1 {
		return nil, fmt.Errorf("%w: slot size %d, slots %d", ErrInvalidLength, slotSize, slots)
	}

	region, err := unix.Mmap(-1, 0, slotSize*slots, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("failed to map arena: %w", err)
	}

	a := &MmapArena{
		name:             name,
		region:           region,
		slotSize:         slotSize,
		free:             make(chan int, slots),
		leased:           make([]atomic.Bool, slots),
		leaseCounter:     metrics.AllocatorLeases.WithLabelValues(name),
		releaseCounter:   metrics.AllocatorReleases.WithLabelValues(name),
		exhaustedCounter: metrics.AllocatorExhausted.WithLabelValues(name),
		invalidCounter:   metrics.AllocatorInvalidReleases.WithLabelValues(name),
		outstanding:      metrics.AllocatorOutstanding.WithLabelValues(name),
	}
	for i := 0; i < slots; i++ {
		a.free <- i
	}
	return a, nil
}

// Lease returns one slot. The slice length is the slot size.
func (a *MmapArena) Lease(length int) ([]byte, error) {
	if a.closed.Load() {
		return nil, ErrArenaClosed
	}
	if length < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLength, length)
	}
	if length > a.slotSize {
		a.recordExhausted()
		return nil, fmt.Errorf("%w: length %d exceeds slot size %d", ErrExhausted, length, a.slotSize)
	}

	select {
	case idx := <-a.free:
		a.leased[idx].Store(true)
		atomic.AddInt64(&a.leases, 1)
		a.leaseCounter.Inc()
		a.outstanding.Add(float64(a.slotSize))
		start := idx * a.slotSize
		end := start + a.slotSize
		return a.region[start:end:end], nil
	default:
		a.recordExhausted()
		return nil, fmt.Errorf("%w: all %d slots leased", ErrExhausted, len(a.leased))
	}
}

// Release returns a slot. Slices that do not start a slot of this arena,
// and slots that are not currently leased, are ignored and logged.
// Releases after Close are ignored.
func (a *MmapArena) Release(buf []byte) {
	if a.closed.Load() {
		return
	}
	idx, ok := a.slotOf(buf)
	if !ok {
		a.recordInvalid()
		logger.L.Error("release of memory not owned by arena",
			zap.String("arena", a.name),
			zap.Int("cap", cap(buf)),
		)
		return
	}
	if !a.leased[idx].CompareAndSwap(true, false) {
		a.recordInvalid()
		logger.L.Error("slot released twice",
			zap.String("arena", a.name),
			zap.Int("slot", idx),
		)
		return
	}

	atomic.AddInt64(&a.releases, 1)
	a.releaseCounter.Inc()
	a.outstanding.Sub(float64(a.slotSize))
	a.free <- idx
}

func (a *MmapArena) slotOf(buf []byte) (int, bool) {
	if cap(buf) == 0 {
		return 0, false
	}
	base := uintptr(unsafe.Pointer(unsafe.SliceData(a.region)))
	ptr := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	if ptr < base || ptr >= base+uintptr(len(a.region)) {
		return 0, false
	}
	off := int(ptr - base)
	if off%a.slotSize != 0 {
		return 0, false
	}
	return off / a.slotSize, true
}

// Stats returns arena counters
func (a *MmapArena) Stats() Stats {
	return Stats{
		Leases:      atomic.LoadInt64(&a.leases),
		Releases:    atomic.LoadInt64(&a.releases),
		Exhausted:   atomic.LoadInt64(&a.exhausted),
		Outstanding: int64(len(a.leased)-len(a.free)) * int64(a.slotSize),
		Invalid:     atomic.LoadInt64(&a.invalid),
	}
}

// SlotSize returns the size of each slot in bytes
func (a *MmapArena) SlotSize() int {
	return a.slotSize
}

// Close unmaps the arena. Every leased slot becomes invalid and must not be touched again.
func (a *MmapArena) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := unix.Munmap(a.region); err != nil {
		return fmt.Errorf("failed to unmap arena: %w", err)
	}
	return nil
}

func (a *MmapArena) recordExhausted() {
	atomic.AddInt64(&a.exhausted, 1)
	a.exhaustedCounter.Inc()
}

func (a *MmapArena) recordInvalid() {
	atomic.AddInt64(&a.invalid, 1)
	a.invalidCounter.Inc()
}
