package buffer

import (
	"sync/atomic"
)

// Budget bounds the number of elements an allocator may have leased out at once
type Budget struct {
	max     int64
	current int64
}

// NewBudget creates a budget of max elements. A max of 0 or less means unlimited.
func NewBudget(max int64) *Budget {
	return &Budget{
		max: max,
	}
}

// Acquire reserves n elements, returning false if that would exceed the budget
func (b *Budget) Acquire(n int64) bool {
	for {
		current := atomic.LoadInt64(&b.current)
		if b.max > 0 && current+n > b.max {
			return false
		}
		if atomic.CompareAndSwapInt64(&b.current, current, current+n) {
			return true
		}
	}
}

// Release gives back n elements. The count never drops below zero.
func (b *Budget) Release(n int64) {
	for {
		current := atomic.LoadInt64(&b.current)
		next := current - n
		if next < 0 {
			next = 0
		}
		if atomic.CompareAndSwapInt64(&b.current, current, next) {
			return
		}
	}
}

// Current returns the number of elements leased out
func (b *Budget) Current() int64 {
	return atomic.LoadInt64(&b.current)
}

// Max returns the configured limit (0 = unlimited)
func (b *Budget) Max() int64 {
	return b.max
}
