// Package memory tracks ownership of leased arrays shared between many consumers.
//
// An Owner is a node in a tree. The root holds an array leased from an
// allocator; every child holds a view into its parent and one counted claim
// on it. Each node counts its own claims. When a node's count drops to zero
// it retires: a child releases its claim on the parent, a root returns the
// array to the allocator. The array therefore goes back exactly once, after
// every node in the tree has been released, in whatever order that happens.
package memory

import (
	"fmt"
	"sync/atomic"

	"github.com/SkynetNext/zeroalloc/internal/buffer"
	"github.com/SkynetNext/zeroalloc/internal/logger"
	"github.com/SkynetNext/zeroalloc/internal/metrics"
	"go.uber.org/zap"
)

// retired is stored in the claim count once the last claim is gone.
// Sharing the word with the count makes retirement a single CAS, so a
// concurrent AddOwner can never bring a retiring node back to life.
const retired int32 = -1

type kind uint8

const (
	kindNone kind = iota
	kindRoot
	kindChild
)

func (k kind) String() string {
	switch k {
	case kindRoot:
		return "root"
	case kindChild:
		return "child"
	default:
		return "none"
	}
}

// Owner is a reference-counted claim on a region of a leased array.
//
// The zero value is uninitialized; call InitAsRoot or InitAsChild before use.
// A retired Owner may be initialized again, which lets callers recycle nodes.
// AddOwner, Release and View are safe for concurrent use. Initialization is not.
type Owner[T any] struct {
	refs   atomic.Int32
	kind   kind
	offset int
	length int
	view   []T

	// root only
	array []T
	alloc buffer.Allocator[T]

	// child only
	parent *Owner[T]
}

// NewRoot leases length elements from alloc and wraps them in a root owner.
// Allocator failures, including exhaustion, are returned unchanged in the chain.
func NewRoot[T any](alloc buffer.Allocator[T], length int) (*Owner[T], error) {
	if alloc == nil {
		return nil, fmt.Errorf("%w: allocator is nil", ErrInvalidArgument)
	}

	array, err := alloc.Lease(length)
	if err != nil {
		return nil, fmt.Errorf("failed to lease %d elements: %w", length, err)
	}

	o := &Owner[T]{}
	if err := o.InitAsRoot(alloc, array, length); err != nil {
		alloc.Release(array)
		return nil, err
	}
	return o, nil
}

// InitAsRoot binds o to array, which must have been leased from alloc.
// The view is array[0:length] and o starts with one claim.
func (o *Owner[T]) InitAsRoot(alloc buffer.Allocator[T], array []T, length int) error {
	if err := o.checkReusable(); err != nil {
		return err
	}
	if alloc == nil {
		return fmt.Errorf("%w: allocator is nil", ErrInvalidArgument)
	}
	if length < 0 || length > cap(array) {
		return fmt.Errorf("%w: length %d outside array capacity %d", ErrInvalidArgument, length, cap(array))
	}

	o.kind = kindRoot
	o.offset = 0
	o.length = length
	o.array = array
	o.alloc = alloc
	o.parent = nil
	o.view = array[:length:length]
	o.refs.Store(1)
	return nil
}

// InitAsChild makes o a view of parent[offset:offset+length].
//
// The parent always gains one claim, held by o until o retires. o itself
// starts with one claim if countsAsOwner is true, otherwise with none. An
// uncounted child still pins its parent: someone must AddOwner and then
// Release it, or the parent never retires.
//
// On error neither o nor parent is modified.
func (o *Owner[T]) InitAsChild(parent *Owner[T], offset, length int, countsAsOwner bool) error {
	if err := o.checkReusable(); err != nil {
		return err
	}
	if parent == nil {
		return fmt.Errorf("%w: parent is nil", ErrInvalidArgument)
	}
	if parent == o {
		return fmt.Errorf("%w: owner cannot be its own parent", ErrInvalidArgument)
	}
	if offset < 0 || length < 0 || length > parent.length-offset {
		return fmt.Errorf("%w: range [%d, %d) outside parent length %d",
			ErrInvalidArgument, offset, offset+length, parent.length)
	}
	if err := parent.retain(); err != nil {
		return fmt.Errorf("failed to claim parent: %w", err)
	}

	o.kind = kindChild
	o.offset = offset
	o.length = length
	o.array = nil
	o.alloc = nil
	o.parent = parent
	o.view = parent.view[offset : offset+length : offset+length]
	if countsAsOwner {
		o.refs.Store(1)
	} else {
		o.refs.Store(0)
	}
	return nil
}

// Slice creates a counted child viewing o[offset:offset+length]
func (o *Owner[T]) Slice(offset, length int) (*Owner[T], error) {
	child := &Owner[T]{}
	if err := child.InitAsChild(o, offset, length, true); err != nil {
		return nil, err
	}
	return child, nil
}

// AddOwner registers one more claim on o. Each call must be matched by one Release.
func (o *Owner[T]) AddOwner() error {
	if err := o.retain(); err != nil {
		return o.violation("add_owner", err)
	}
	return nil
}

// Release drops one claim. When the last claim goes, o retires: a child
// releases its parent, a root returns its array to the allocator.
// Releasing an owner that holds no claim is a contract violation and changes nothing.
func (o *Owner[T]) Release() error {
	if o.kind == kindNone {
		return o.violation("release", ErrUninitialized)
	}

	for {
		c := o.refs.Load()
		switch c {
		case retired:
			return o.violation("release", ErrRetired)
		case 0:
			return o.violation("release", ErrOverRelease)
		}

		next := c - 1
		if next == 0 {
			next = retired
		}
		if o.refs.CompareAndSwap(c, next) {
			if next == retired {
				return o.retire()
			}
			return nil
		}
	}
}

// View returns the region o owns. The slice capacity ends at the view so
// appending to it never writes into a sibling.
func (o *Owner[T]) View() ([]T, error) {
	if o.kind == kindNone {
		return nil, o.violation("view", ErrUninitialized)
	}
	if o.refs.Load() == retired {
		return nil, o.violation("view", ErrRetired)
	}
	return o.view, nil
}

// Len returns the view length
func (o *Owner[T]) Len() int {
	return o.length
}

// Offset returns the view offset inside the parent (0 for a root)
func (o *Owner[T]) Offset() int {
	return o.offset
}

// Refs returns the current number of claims (0 once retired)
func (o *Owner[T]) Refs() int {
	c := o.refs.Load()
	if c == retired {
		return 0
	}
	return int(c)
}

// IsRoot reports whether o directly owns a leased array
func (o *Owner[T]) IsRoot() bool {
	return o.kind == kindRoot
}

// Retired reports whether o has released its last claim
func (o *Owner[T]) Retired() bool {
	return o.kind != kindNone && o.refs.Load() == retired
}

func (o *Owner[T]) checkReusable() error {
	if o.kind != kindNone && o.refs.Load() != retired {
		return ErrLive
	}
	return nil
}

func (o *Owner[T]) retain() error {
	if o.kind == kindNone {
		return ErrUninitialized
	}
	for {
		c := o.refs.Load()
		if c == retired {
			return ErrRetired
		}
		if o.refs.CompareAndSwap(c, c+1) {
			return nil
		}
	}
}

// retire runs exactly once, on the goroutine whose Release won the final CAS.
// The view is left in place: View may be racing with this call and the
// retired sentinel already keeps it from being handed out.
func (o *Owner[T]) retire() error {
	metrics.OwnerRetired.WithLabelValues(o.kind.String()).Inc()

	if o.kind == kindChild {
		parent := o.parent
		o.parent = nil
		if err := parent.Release(); err != nil {
			return fmt.Errorf("failed to release parent: %w", err)
		}
		return nil
	}

	alloc, array := o.alloc, o.array
	o.alloc = nil
	o.array = nil
	alloc.Release(array)
	return nil
}

func (o *Owner[T]) violation(op string, err error) error {
	metrics.IncOwnerViolation(op)
	logger.L.Error("buffer owner contract violation",
		zap.String("op", op),
		zap.String("kind", o.kind.String()),
		zap.Int("offset", o.offset),
		zap.Int("length", o.length),
		zap.Error(err),
	)
	return err
}
