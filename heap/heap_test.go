package heap_test

import (
	"bytes"
	"encoding/json"
	"math/rand"
	"regexp"
	"testing"
	"unsafe"

	"github.com/memcarve/heaputils"
	"github.com/memcarve/heaputils/heap"
	"github.com/memcarve/heaputils/metadata"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"golang.org/x/exp/slog"
)

func TestInitRejectsTinyHeap(t *testing.T) {
	_, err := heap.Init(metadata.HeaderSize)
	require.Error(t, err)
}

func TestInitMappingFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mapper := NewMockMapper(ctrl)
	mapper.EXPECT().Map(0x10000).Return(nil, errors.New("cannot map"))

	_, err := heap.InitWithMapper(mapper, 0x10000)
	require.Error(t, err)
	require.ErrorContains(t, err, "failed to reserve 65536 bytes for the heap")
}

func TestEndToEnd(t *testing.T) {
	h, err := heap.Init(0x10000)
	require.NoError(t, err)
	require.NoError(t, h.Validate())
	require.Equal(t, 0x10000, h.Size())
	require.Equal(t, 0x10000-metadata.HeaderSize, h.Cap())

	someInt, err := h.Allocate(4)
	require.NoError(t, err)
	anotherInt, err := h.Allocate(4)
	require.NoError(t, err)
	require.NotEqual(t, someInt, anotherInt)

	// The layout is deterministic: the first payload sits one header into
	// the region, and the second sits past the first block's header and
	// word-aligned payload.
	require.Equal(t, uintptr(someInt)+uintptr(metadata.HeaderSize+8+heaputils.DebugMargin), uintptr(anotherInt))

	// The payloads are real, writable memory that doesn't overlap.
	*(*int32)(someInt) = 3
	*(*int32)(anotherInt) = 7
	require.Equal(t, int32(3), *(*int32)(someInt))
	require.Equal(t, int32(7), *(*int32)(anotherInt))

	var walk bytes.Buffer
	require.NoError(t, h.PrintHeap(&walk))

	lines := regexp.MustCompile(`\n`).Split(walk.String(), -1)
	require.Len(t, lines, 4)
	require.Empty(t, lines[3])
	require.Regexp(t, `^BUSY start: 0x[0-9A-F]+, size: 0x[0-9A-F]+$`, lines[0])
	require.Regexp(t, `^BUSY start: 0x[0-9A-F]+, size: 0x[0-9A-F]+$`, lines[1])
	require.Regexp(t, `^FREE start: 0x[0-9A-F]+, size: 0x[0-9A-F]+$`, lines[2])

	// Diagnostics are read-only: a second walk is byte-identical.
	var secondWalk bytes.Buffer
	require.NoError(t, h.PrintHeap(&secondWalk))
	require.Equal(t, walk.String(), secondWalk.String())

	require.NoError(t, h.Validate())
	require.NoError(t, h.CheckCorruption())
}

func TestAllocateUntilExhaustion(t *testing.T) {
	h, err := heap.Init(0x1000)
	require.NoError(t, err)

	var pointers []unsafe.Pointer
	for {
		p, err := h.Allocate(8)
		if err != nil {
			require.ErrorIs(t, err, heaputils.ErrOutOfMemory)
			break
		}
		pointers = append(pointers, p)
	}

	require.Equal(t, len(pointers), h.AllocationCount())
	require.NoError(t, h.Validate())

	// Free in a random order; everything must coalesce back together.
	rnd := rand.New(rand.NewSource(1))
	for len(pointers) > 0 {
		n := rnd.Intn(len(pointers))
		p := pointers[n]
		pointers = append(pointers[:n], pointers[n+1:]...)
		require.NoError(t, h.Free(p))
	}

	require.True(t, h.IsEmpty())
	require.Equal(t, h.Cap(), h.FreeBytes())
	require.NoError(t, h.Validate())
}

func TestFreeNilIsNoOp(t *testing.T) {
	h, err := heap.Init(0x1000)
	require.NoError(t, err)

	require.NoError(t, h.Free(nil))
}

func TestFreeForeignPointer(t *testing.T) {
	h, err := heap.Init(0x1000)
	require.NoError(t, err)

	var outside int64
	err = h.Free(unsafe.Pointer(&outside))
	require.ErrorIs(t, err, heaputils.ErrCorruptedHeap)
}

func TestFreeReusesMemory(t *testing.T) {
	h, err := heap.Init(0x1000)
	require.NoError(t, err)

	first, err := h.Allocate(64)
	require.NoError(t, err)
	_, err = h.Allocate(64)
	require.NoError(t, err)

	require.NoError(t, h.Free(first))

	// First-fit hands the freed block back out for an equal-sized request.
	again, err := h.Allocate(64)
	require.NoError(t, err)
	require.Equal(t, first, again)
}

func TestAllocationSize(t *testing.T) {
	h, err := heap.Init(0x1000)
	require.NoError(t, err)

	p, err := h.Allocate(5)
	require.NoError(t, err)

	size, err := h.AllocationSize(p)
	require.NoError(t, err)
	require.Equal(t, 8+heaputils.DebugMargin, size)
}

func TestStatistics(t *testing.T) {
	h, err := heap.Init(0x1000)
	require.NoError(t, err)

	_, err = h.Allocate(64)
	require.NoError(t, err)
	_, err = h.Allocate(32)
	require.NoError(t, err)

	var stats heaputils.DetailedStatistics
	stats.Clear()
	h.AddDetailedStatistics(&stats)

	require.Equal(t, 1, stats.BlockCount)
	require.Equal(t, 0x1000, stats.BlockBytes)
	require.Equal(t, 2, stats.AllocationCount)
	require.Equal(t, 96+2*heaputils.DebugMargin, stats.AllocationBytes)
	require.Equal(t, 1, stats.UnusedRangeCount)
	require.Equal(t, 32+heaputils.DebugMargin, stats.AllocationSizeMin)
	require.Equal(t, 64+heaputils.DebugMargin, stats.AllocationSizeMax)

	var basic heaputils.Statistics
	basic.Clear()
	h.AddStatistics(&basic)

	require.Equal(t, 1, basic.BlockCount)
	require.Equal(t, 2, basic.AllocationCount)
	require.Equal(t, 0x1000, basic.BlockBytes)
	require.Equal(t, 0x1000-h.FreeBytes(), basic.AllocationBytes)
}

func TestBuildStatsString(t *testing.T) {
	h, err := heap.Init(0x1000)
	require.NoError(t, err)

	_, err = h.Allocate(64)
	require.NoError(t, err)

	data, err := h.BuildStatsString()
	require.NoError(t, err)

	var doc struct {
		TotalBytes   int
		UnusedBytes  int
		Allocations  int
		UnusedRanges int
		Blocks       []struct {
			Status string
			Offset int
			Size   int
		}
	}
	require.NoError(t, json.Unmarshal(data, &doc))

	busySize := 64 + heaputils.DebugMargin
	require.Equal(t, 0x1000, doc.TotalBytes)
	require.Equal(t, 0x1000-busySize, doc.UnusedBytes)
	require.Equal(t, 1, doc.Allocations)
	require.Equal(t, 1, doc.UnusedRanges)
	require.Len(t, doc.Blocks, 2)
	require.Equal(t, "BUSY", doc.Blocks[0].Status)
	require.Equal(t, busySize, doc.Blocks[0].Size)
	require.Equal(t, "FREE", doc.Blocks[1].Status)
}

func TestDebugLogAllAllocations(t *testing.T) {
	h, err := heap.Init(0x1000)
	require.NoError(t, err)

	_, err = h.Allocate(16)
	require.NoError(t, err)
	_, err = h.Allocate(32)
	require.NoError(t, err)

	var sizes []int
	h.DebugLogAllAllocations(slog.Default(), func(log *slog.Logger, offset, size int) {
		sizes = append(sizes, size)
	})

	require.Equal(t, []int{16 + heaputils.DebugMargin, 32 + heaputils.DebugMargin}, sizes)
}
