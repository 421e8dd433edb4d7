package arena_test

import (
	"testing"
	"unsafe"

	"github.com/memcarve/heaputils/arena"
	"github.com/stretchr/testify/require"
)

func TestNewRegionRejectsBadSizes(t *testing.T) {
	_, err := arena.NewRegion(arena.SystemMapper{}, 0)
	require.Error(t, err)

	_, err = arena.NewRegion(arena.SystemMapper{}, -5)
	require.Error(t, err)
}

func TestRegionIsZeroInitialized(t *testing.T) {
	region, err := arena.NewRegion(arena.SystemMapper{}, 4096)
	require.NoError(t, err)
	require.Equal(t, 4096, region.Size())

	buf, err := region.Bytes(0, 4096)
	require.NoError(t, err)
	for _, b := range buf {
		require.Zero(t, b)
	}
}

func TestBytesBoundsChecks(t *testing.T) {
	region, err := arena.NewRegion(arena.SystemMapper{}, 128)
	require.NoError(t, err)

	_, err = region.Bytes(0, 128)
	require.NoError(t, err)

	_, err = region.Bytes(64, 65)
	require.Error(t, err)

	_, err = region.Bytes(-1, 8)
	require.Error(t, err)

	_, err = region.Bytes(8, -1)
	require.Error(t, err)
}

func TestPointerOffsetRoundTrip(t *testing.T) {
	region, err := arena.NewRegion(arena.SystemMapper{}, 128)
	require.NoError(t, err)

	p := region.Pointer(40)
	offset, err := region.OffsetOf(p)
	require.NoError(t, err)
	require.Equal(t, 40, offset)

	require.Equal(t, region.Address(0)+40, region.Address(40))
	require.Equal(t, uintptr(region.BasePointer()), region.Address(0))
}

func TestOffsetOfForeignPointer(t *testing.T) {
	region, err := arena.NewRegion(arena.SystemMapper{}, 128)
	require.NoError(t, err)

	var outside int64
	_, err = region.OffsetOf(unsafe.Pointer(&outside))
	require.Error(t, err)
}

func TestPointerPanicsOutOfBounds(t *testing.T) {
	region, err := arena.NewRegion(arena.SystemMapper{}, 128)
	require.NoError(t, err)

	require.Panics(t, func() {
		region.Pointer(128)
	})
}

func TestWritesAreVisibleThroughBytes(t *testing.T) {
	region, err := arena.NewRegion(arena.SystemMapper{}, 128)
	require.NoError(t, err)

	*(*byte)(region.Pointer(17)) = 0xAB

	buf, err := region.Bytes(17, 1)
	require.NoError(t, err)
	require.Equal(t, byte(0xAB), buf[0])
}
