package memory

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument is the root of all argument validation failures
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidState is the root of all lifecycle contract violations
	ErrInvalidState = errors.New("invalid state")

	// ErrUninitialized is returned when an owner is used before InitAsRoot or InitAsChild
	ErrUninitialized = fmt.Errorf("%w: owner is not initialized", ErrInvalidState)

	// ErrRetired is returned when an owner is used after its last claim was released
	ErrRetired = fmt.Errorf("%w: owner is retired", ErrInvalidState)

	// ErrOverRelease is returned when Release is called on an owner holding no claims
	ErrOverRelease = fmt.Errorf("%w: release without a matching claim", ErrInvalidState)

	// ErrLive is returned when a live owner is initialized again
	ErrLive = fmt.Errorf("%w: owner is still live", ErrInvalidState)
)
