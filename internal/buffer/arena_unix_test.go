//go:build unix

package buffer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMmapArena_LeaseRelease(t *testing.T) {
	a, err := NewMmapArena("arena-test", 4096, 2)
	require.NoError(t, err)
	defer a.Close()

	var _ Allocator[byte] = a

	first, err := a.Lease(100)
	require.NoError(t, err)
	assert.Len(t, first, 4096)
	assert.Equal(t, 4096, cap(first))

	second, err := a.Lease(4096)
	require.NoError(t, err)

	first[0] = 1
	second[0] = 2
	assert.Equal(t, byte(1), first[0])

	_, err = a.Lease(1)
	require.ErrorIs(t, err, ErrExhausted)

	a.Release(first)
	assert.Equal(t, int64(4096), a.Stats().Outstanding)

	// Second release of the same slot is ignored
	a.Release(first)
	assert.Equal(t, int64(1), a.Stats().Releases)
	assert.Equal(t, int64(1), a.Stats().Invalid)

	again, err := a.Lease(10)
	require.NoError(t, err)
	a.Release(again)
	a.Release(second)
	assert.Equal(t, int64(0), a.Stats().Outstanding)
}

func TestMmapArena_RejectsForeignAndOversized(t *testing.T) {
	a, err := NewMmapArena("arena-foreign", 1024, 1)
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Lease(1025)
	require.ErrorIs(t, err, ErrExhausted)

	a.Release(make([]byte, 1024))
	assert.Equal(t, int64(0), a.Stats().Releases)

	buf, err := a.Lease(1024)
	require.NoError(t, err)
	a.Release(buf[1:])
	assert.Equal(t, int64(0), a.Stats().Releases, "interior pointer is not a slot start")
	a.Release(buf)
	assert.Equal(t, int64(1), a.Stats().Releases)
	assert.Equal(t, int64(2), a.Stats().Invalid)
}

func TestMmapArena_Close(t *testing.T) {
	a, err := NewMmapArena("arena-close", 64, 1)
	require.NoError(t, err)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	_, err = a.Lease(1)
	require.ErrorIs(t, err, ErrArenaClosed)

	_, err = NewMmapArena("arena-bad", 0, 1)
	require.ErrorIs(t, err, ErrInvalidLength)
}

func TestMmapArena_CloseWhileReleasing(t *testing.T) {
	a, err := NewMmapArena("arena-close-race", 64, 8)
	require.NoError(t, err)

	bufs := make([][]byte, 0, 8)
	for i := 0; i < 8; i++ {
		buf, err := a.Lease(64)
		require.NoError(t, err)
		bufs = append(bufs, buf)
	}

	var wg sync.WaitGroup
	for _, buf := range bufs {
		wg.Add(1)
		go func(buf []byte) {
			defer wg.Done()
			a.Release(buf)
		}(buf)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, a.Close())
	}()
	wg.Wait()

	_, err = a.Lease(1)
	require.ErrorIs(t, err, ErrArenaClosed)
	assert.Zero(t, a.Stats().Invalid)
}
