package metadata

import (
	"unsafe"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/memcarve/heaputils"
)

const (
	// HeaderSize is the number of bytes reserved ahead of each block's
	// payload. Every block in a heap occupies HeaderSize bytes plus its
	// payload capacity, so the blocks partition the region exactly.
	HeaderSize = 24
	// MinBlockSize is the smallest payload capacity a standalone block may
	// have. A free block is never split if the remainder would fall below
	// this- the whole block is handed out instead and the extra bytes are
	// accepted as internal fragmentation.
	MinBlockSize = 8
)

// BlockMetadata represents a single large region of memory within some system.
// It manages blocks within the region, allowing allocations to be requested
// and freed, as well as enumerated and queried.
type BlockMetadata interface {
	// Init must be called before the BlockMetadata is used. It gives the
	// implementation an opportunity to prepare its block records, and informs
	// it of the size in bytes of the region it will be managing.
	Init(size int)
	// Size retrieves the size in bytes that the region was initialized with
	Size() int

	// Validate performs internal consistency checks on the metadata. When the
	// implementation is functioning correctly, it should not be possible for
	// this method to return an error, but this may assist in diagnosing issues
	// with the implementation.
	Validate() error
	// AllocationCount returns the number of busy blocks currently live in the
	// implementation. This number should generally be the number of successful
	// allocations minus the number of successful frees.
	AllocationCount() int
	// FreeRegionsCount returns the number of unique regions of free memory in
	// the heap. Adjacent regions of free memory are always merged into a
	// single region, so this is also the number of free blocks.
	FreeRegionsCount() int
	// SumFreeSize returns the number of free payload bytes in the heap.
	SumFreeSize() int
	// IsEmpty will return true if the heap has no live allocations
	IsEmpty() bool

	// VisitAllRegions will call the provided callback once for each block in
	// the heap, in address order. offset is the byte offset of the block's
	// header within the region and size is the block's payload capacity.
	VisitAllRegions(handleBlock func(offset, size int, free bool) error) error

	// Allocate reserves a block with at least size bytes of payload and
	// returns the byte offset of the payload within the region. It returns an
	// error wrapping heaputils.ErrOutOfMemory when no free block is large
	// enough; the heap is unchanged in that case.
	Allocate(size int) (int, error)
	// Free releases the live allocation whose payload begins at payloadOffset,
	// causing its block to become a free region once again. The implementation
	// must return an error if payloadOffset does not map to a live allocation.
	Free(payloadOffset int) error
	// Clear instantly frees all allocations and resets the heap to a single
	// free block
	Clear()

	// AddDetailedStatistics sums this heap's allocation statistics into the
	// statistics currently present in the provided heaputils.DetailedStatistics
	// object.
	AddDetailedStatistics(stats *heaputils.DetailedStatistics)
	// AddStatistics sums this heap's allocation statistics into the statistics
	// currently present in the provided heaputils.Statistics object.
	AddStatistics(stats *heaputils.Statistics)

	// BlockJsonData populates a json object with information about this heap
	BlockJsonData(json jwriter.ObjectState)

	// CheckCorruption accepts a pointer to the underlying memory that this
	// metadata manages. It will return nil if anti-corruption memory markers
	// are present for every busy block in the heap.
	//
	// Bear in mind that anti-corruption memory markers are only written when
	// heaputils is built with the build flag `debug_heap_utils`. This method
	// will not return an error when that flag is not present, but it is
	// expensive regardless of build flags and so should only be run when
	// heaputils.DebugMargin is not 0.
	CheckCorruption(blockData unsafe.Pointer) error
}

// BlockMetadataBase is a simple struct that provides a few shared utilities
// for BlockMetadata implementations.
type BlockMetadataBase struct {
	size int
}

// Init prepares this structure for allocations and sizes the region in bytes
// based on the parameter size.
func (m *BlockMetadataBase) Init(size int) {
	m.size = size
}

// Size returns the size of the region in bytes
func (m *BlockMetadataBase) Size() int { return m.size }

// WriteBlockJson populates a json object with summary information about this heap
func (m *BlockMetadataBase) WriteBlockJson(json *jwriter.ObjectState, unusedBytes, allocationCount, unusedRangeCount int) {
	json.Name("TotalBytes").Int(m.Size())
	json.Name("UnusedBytes").Int(unusedBytes)
	json.Name("Allocations").Int(allocationCount)
	json.Name("UnusedRanges").Int(unusedRangeCount)
}
