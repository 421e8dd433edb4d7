// Package heap exposes the allocator's public surface. A Heap couples one
// mapped region of address space with first-fit block metadata and serves
// variable-sized allocation requests from it. Heaps are explicitly
// constructed handles- a process may own any number of independent heaps.
package heap

import (
	"fmt"
	"io"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/memcarve/heaputils"
	"github.com/memcarve/heaputils/arena"
	"github.com/memcarve/heaputils/metadata"
	"golang.org/x/exp/slog"
)

// Heap is a fixed-size region of mapped memory formatted as a sequence of
// contiguous blocks. The region is reserved once, at Init, and is never
// grown, shrunk, or returned to the operating system.
//
// Heap is not safe for concurrent use. Use a mutex if it will be used in
// multiple goroutines.
type Heap struct {
	region *arena.Region
	meta   *metadata.FirstFitMetadata
}

// Init reserves size bytes of anonymous, process-private, read/write address
// space from the operating system and formats it as a heap containing a
// single free block. Callers must not use the heap if an error is returned-
// a Heap is never partially initialized.
func Init(size int) (*Heap, error) {
	return InitWithMapper(arena.SystemMapper{}, size)
}

// InitWithMapper is Init with the memory reservation delegated to the
// provided Mapper, allowing heaps to be placed in caller-managed buffers or
// tested against failing reservations.
func InitWithMapper(mapper arena.Mapper, size int) (*Heap, error) {
	if size < metadata.HeaderSize+metadata.MinBlockSize {
		return nil, errors.Newf("a heap of %d bytes cannot hold a block header and a minimum-size payload (%d bytes)", size, metadata.HeaderSize+metadata.MinBlockSize)
	}

	region, err := arena.NewRegion(mapper, size)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to reserve %d bytes for the heap", size)
	}

	meta := metadata.NewFirstFitMetadata()
	meta.Init(size)

	return &Heap{
		region: region,
		meta:   meta,
	}, nil
}

// Size returns the total number of bytes reserved from the operating system
// for this heap.
func (h *Heap) Size() int {
	return h.region.Size()
}

// Cap returns the largest payload this heap could ever serve from a single
// allocation: the region size minus one block header.
func (h *Heap) Cap() int {
	return h.Size() - metadata.HeaderSize
}

// FreeBytes returns the number of free payload bytes in the heap.
func (h *Heap) FreeBytes() int {
	return h.meta.SumFreeSize()
}

// AllocationCount returns the number of live allocations in the heap.
func (h *Heap) AllocationCount() int {
	return h.meta.AllocationCount()
}

// IsEmpty will return true if the heap has no live allocations
func (h *Heap) IsEmpty() bool {
	return h.meta.IsEmpty()
}

// Allocate reserves at least size bytes of payload and returns a pointer to
// the first byte, which immediately follows the block's header. The size is
// rounded up for natural word alignment. Unlike the typical behavior in Go,
// repeated allocations may return memory with stale contents after frees.
//
// Allocate returns an error wrapping heaputils.ErrOutOfMemory when no free
// block is large enough. The heap is unchanged in that case, so the caller
// may free other allocations and retry.
func (h *Heap) Allocate(size int) (unsafe.Pointer, error) {
	payloadOffset, err := h.meta.Allocate(size)
	if err != nil {
		return nil, err
	}

	if heaputils.DebugMargin > 0 {
		blockSize, err := h.meta.AllocationSize(payloadOffset)
		if err != nil {
			panic(fmt.Sprintf("the allocation just made at offset %d could not be found: %+v", payloadOffset, err))
		}
		heaputils.WriteMagicValue(h.region.BasePointer(), payloadOffset+blockSize-heaputils.DebugMargin)
	}

	return h.region.Pointer(payloadOffset), nil
}

// Free releases an allocation previously returned by Allocate, making its
// block available again and coalescing it with any free neighbors. Freeing a
// nil pointer is a no-op. Freeing a pointer outside the heap, a pointer that
// was never allocated, or an allocation that was already freed returns an
// error wrapping heaputils.ErrCorruptedHeap and leaves the heap unchanged.
//
// The memory range should not be used after calling Free.
func (h *Heap) Free(p unsafe.Pointer) error {
	if p == nil {
		return nil
	}

	payloadOffset, err := h.region.OffsetOf(p)
	if err != nil {
		return errors.Wrapf(heaputils.ErrCorruptedHeap, "freed pointer %v is not inside the heap region", p)
	}

	return h.meta.Free(payloadOffset)
}

// AllocationSize returns the payload capacity in bytes of a live allocation.
// The capacity may exceed the size originally requested if the serving block
// was too small to split.
func (h *Heap) AllocationSize(p unsafe.Pointer) (int, error) {
	payloadOffset, err := h.region.OffsetOf(p)
	if err != nil {
		return 0, err
	}

	return h.meta.AllocationSize(payloadOffset)
}

// PrintHeap walks the blocks in address order and writes one line per block:
//
//	FREE start: 0x8000000, size: 0x1000
//	BUSY start: 0x8002000, size: 0x9000
//
// The start column is the virtual address of the block's header and the size
// column is the block's payload capacity. PrintHeap never mutates the heap,
// so two consecutive walks with no intervening allocation produce identical
// output.
func (h *Heap) PrintHeap(w io.Writer) error {
	return h.meta.VisitAllRegions(
		func(offset, size int, free bool) error {
			status := "BUSY"
			if free {
				status = "FREE"
			}

			_, err := fmt.Fprintf(w, "%s start: 0x%X, size: 0x%X\n", status, uint64(h.region.Address(offset)), uint64(size))
			return err
		})
}

// Validate performs internal consistency checks on the heap's block
// metadata: contiguity of the block chain, exact coverage of the region,
// coalescing of free neighbors, and agreement of all cached counters.
func (h *Heap) Validate() error {
	return h.meta.Validate()
}

// AddStatistics sums this heap's allocation statistics into the statistics
// currently present in the provided heaputils.Statistics object.
func (h *Heap) AddStatistics(stats *heaputils.Statistics) {
	h.meta.AddStatistics(stats)
}

// AddDetailedStatistics sums this heap's allocation statistics into the
// statistics currently present in the provided heaputils.DetailedStatistics
// object.
func (h *Heap) AddDetailedStatistics(stats *heaputils.DetailedStatistics) {
	h.meta.AddDetailedStatistics(stats)
}

// HeapJsonData populates a json object with information about this heap
func (h *Heap) HeapJsonData(json jwriter.ObjectState) {
	h.meta.BlockJsonData(json)
}

// BuildStatsString returns a JSON document describing the heap: byte totals
// and one entry per block in address order.
func (h *Heap) BuildStatsString() ([]byte, error) {
	writer := jwriter.NewWriter()

	obj := writer.Object()
	h.meta.BlockJsonData(obj)
	obj.End()

	if writer.Error() != nil {
		return nil, writer.Error()
	}

	return writer.Bytes(), nil
}

// CheckCorruption verifies the anti-corruption markers trailing every busy
// block's payload. Markers are only written when heaputils is built with the
// `debug_heap_utils` build flag; without it this method never returns an
// error.
func (h *Heap) CheckCorruption() error {
	return h.meta.CheckCorruption(h.region.BasePointer())
}

// DebugLogAllAllocations calls logFunc once for each live allocation with the
// payload's offset within the region and its capacity in bytes.
func (h *Heap) DebugLogAllAllocations(logger *slog.Logger, logFunc func(log *slog.Logger, offset int, size int)) {
	_ = h.meta.VisitAllRegions(
		func(offset, size int, free bool) error {
			if !free {
				logFunc(logger, offset+metadata.HeaderSize, size)
			}

			return nil
		})
}
