//go:build !unix

package buffer

import "errors"

// ErrArenaClosed is returned by Lease after Close
var ErrArenaClosed = errors.New("arena is closed")

// ErrArenaUnsupported is returned where anonymous memory mappings are unavailable
var ErrArenaUnsupported = errors.New("mmap arena is not supported on this platform")

// MmapArena is unavailable on this platform
type MmapArena struct{}

// NewMmapArena always fails on this platform
func NewMmapArena(name string, slotSize, slots int) (*MmapArena, error) {
	return nil, ErrArenaUnsupported
}

func (a *MmapArena) Lease(length int) ([]byte, error) { return nil, ErrArenaUnsupported }
func (a *MmapArena) Release(buf []byte)               {}
func (a *MmapArena) Stats() Stats                     { return Stats{} }
func (a *MmapArena) SlotSize() int                    { return 0 }
func (a *MmapArena) Close() error                     { return nil }
