package metadata

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/memcarve/heaputils"
	"github.com/pkg/errors"
)

var blockPool = sync.Pool{
	New: func() any {
		return &heapBlock{}
	},
}

// heapBlock is the record for one block in the heap: HeaderSize bytes of
// reserved header space followed by size bytes of payload, beginning at
// offset within the region. Blocks form a doubly linked, address-ordered,
// contiguous partition of the region: for every block except the last,
// nextPhysical.offset == offset + HeaderSize + size.
type heapBlock struct {
	offset int
	size   int
	free   bool

	prevPhysical *heapBlock
	nextPhysical *heapBlock
}

// FirstFitMetadata is a BlockMetadata implementation that serves allocations
// with a first-fit policy: a request scans blocks in address order and claims
// the first free block with enough payload, splitting off the remainder when
// it is large enough to stand alone. Frees coalesce with both neighbors, so
// two adjacent free blocks never persist.
//
// FirstFitMetadata is not safe for concurrent use. Use a mutex if it will be
// used from multiple goroutines.
type FirstFitMetadata struct {
	BlockMetadataBase

	head *heapBlock

	allocCount      int
	blocksFreeCount int
	sumFreeSize     int

	// Payload offset of every live allocation, for O(1) lookup on free and
	// for detecting frees of addresses that were never handed out.
	liveAllocs *swiss.Map[int, *heapBlock]
}

var _ BlockMetadata = &FirstFitMetadata{}

// NewFirstFitMetadata creates a new FirstFitMetadata. Init must be called
// before it can be used.
func NewFirstFitMetadata() *FirstFitMetadata {
	return &FirstFitMetadata{}
}

func (m *FirstFitMetadata) allocateBlock() *heapBlock {
	b := blockPool.Get().(*heapBlock)
	b.offset = 0
	b.size = 0
	b.free = false
	b.prevPhysical = nil
	b.nextPhysical = nil
	return b
}

func (m *FirstFitMetadata) releaseBlock(b *heapBlock) {
	blockPool.Put(b)
}

// Init formats the region as a single free block spanning everything past the
// first header. It panics if size cannot hold even one minimum-sized block.
func (m *FirstFitMetadata) Init(size int) {
	if size < HeaderSize+MinBlockSize {
		panic(fmt.Sprintf("a heap of %d bytes cannot hold a block header and a minimum-size payload (%d bytes)", size, HeaderSize+MinBlockSize))
	}

	m.BlockMetadataBase.Init(size)
	m.liveAllocs = swiss.NewMap[int, *heapBlock](42)

	head := m.allocateBlock()
	head.size = size - HeaderSize
	head.free = true

	m.head = head
	m.allocCount = 0
	m.blocksFreeCount = 1
	m.sumFreeSize = head.size
}

// AllocationCount returns the number of live allocations in the heap.
func (m *FirstFitMetadata) AllocationCount() int {
	return m.allocCount
}

// FreeRegionsCount returns the number of free blocks in the heap. Adjacent
// free blocks are always coalesced, so each counted block is a distinct
// region.
func (m *FirstFitMetadata) FreeRegionsCount() int {
	return m.blocksFreeCount
}

// SumFreeSize returns the number of free payload bytes in the heap.
func (m *FirstFitMetadata) SumFreeSize() int {
	return m.sumFreeSize
}

// IsEmpty will return true if the heap has no live allocations
func (m *FirstFitMetadata) IsEmpty() bool {
	return m.allocCount == 0
}

// findFreeBlock returns the first block, in address order, satisfying
// free && size >= the requested payload size, or nil when no block qualifies.
// Address order is the only order- the first sufficiently large block wins
// regardless of fit tightness.
func (m *FirstFitMetadata) findFreeBlock(size int) *heapBlock {
	for block := m.head; block != nil; block = block.nextPhysical {
		if block.free && block.size >= size {
			return block
		}
	}

	return nil
}

// splitBlock partitions a free block in place: the left part keeps the
// original offset and shrinks to leftSize bytes of payload, and the remainder
// becomes a new free block immediately after it. The remainder takes over the
// original block's forward link.
func (m *FirstFitMetadata) splitBlock(block *heapBlock, leftSize int) {
	if !block.free {
		panic(fmt.Sprintf("the block at offset %d is busy and cannot be split", block.offset))
	}
	if block.size < leftSize+HeaderSize+MinBlockSize {
		panic(fmt.Sprintf("the block at offset %d has %d payload bytes- too few to split off %d and leave a standalone block", block.offset, block.size, leftSize))
	}

	remainder := m.allocateBlock()
	remainder.offset = block.offset + HeaderSize + leftSize
	remainder.size = block.size - HeaderSize - leftSize
	remainder.free = true
	remainder.prevPhysical = block
	remainder.nextPhysical = block.nextPhysical

	if block.nextPhysical != nil {
		block.nextPhysical.prevPhysical = remainder
	}
	block.nextPhysical = remainder
	block.size = leftSize

	m.blocksFreeCount++
	// The remainder's header comes out of what was free payload.
	m.sumFreeSize -= HeaderSize
}

// Allocate reserves a block with at least size bytes of payload and returns
// the byte offset of the payload within the region. The requested size is
// rounded up to MinBlockSize for natural word alignment. It returns an error
// wrapping heaputils.ErrOutOfMemory when no free block is large enough; the
// heap is unchanged in that case.
func (m *FirstFitMetadata) Allocate(size int) (int, error) {
	if size <= 0 {
		return 0, errors.Errorf("allocation size must be greater than 0, but was %d", size)
	}
	heaputils.DebugValidate(m)

	size = heaputils.AlignUp(size, MinBlockSize)
	size += heaputils.DebugMargin

	block := m.findFreeBlock(size)
	if block == nil {
		return 0, errors.Wrapf(heaputils.ErrOutOfMemory, "no free block can hold %d bytes", size)
	}

	if block.size >= size+HeaderSize+MinBlockSize {
		m.splitBlock(block, size)
	}

	block.free = false
	m.allocCount++
	m.blocksFreeCount--
	m.sumFreeSize -= block.size

	payloadOffset := block.offset + HeaderSize
	m.liveAllocs.Put(payloadOffset, block)

	heaputils.DebugValidate(m)
	return payloadOffset, nil
}

// AllocationSize returns the payload capacity in bytes of the live allocation
// whose payload begins at payloadOffset. The capacity may exceed the size
// originally requested if the block was too small to split.
func (m *FirstFitMetadata) AllocationSize(payloadOffset int) (int, error) {
	block, ok := m.liveAllocs.Get(payloadOffset)
	if !ok {
		return 0, errors.Errorf("offset %#x does not hold a live allocation", payloadOffset)
	}

	return block.size, nil
}

// Free releases the live allocation whose payload begins at payloadOffset and
// coalesces the freed block with its physical neighbors when they are free.
// Freeing an address that was never allocated, or one that is already free,
// returns an error wrapping heaputils.ErrCorruptedHeap.
func (m *FirstFitMetadata) Free(payloadOffset int) error {
	block, ok := m.liveAllocs.Get(payloadOffset)
	if !ok {
		// Distinguish a double free from an address that never held an
		// allocation: the former still maps to a free block's payload.
		for candidate := m.head; candidate != nil; candidate = candidate.nextPhysical {
			if candidate.free && candidate.offset+HeaderSize == payloadOffset {
				return errors.Wrapf(heaputils.ErrCorruptedHeap, "double free: the block at offset %#x is already free", candidate.offset)
			}
		}

		return errors.Wrapf(heaputils.ErrCorruptedHeap, "offset %#x does not hold a live allocation", payloadOffset)
	}

	m.liveAllocs.Delete(payloadOffset)
	block.free = true
	m.allocCount--
	m.blocksFreeCount++
	m.sumFreeSize += block.size

	if next := block.nextPhysical; next != nil && next.free {
		m.mergeWithNext(block)
	}
	if prev := block.prevPhysical; prev != nil && prev.free {
		m.mergeWithNext(prev)
	}

	heaputils.DebugValidate(m)
	return nil
}

// mergeWithNext absorbs block's next physical neighbor, reclaiming the
// neighbor's header bytes as free payload. Both blocks must be free.
func (m *FirstFitMetadata) mergeWithNext(block *heapBlock) {
	next := block.nextPhysical
	if next == nil {
		panic(fmt.Sprintf("the block at offset %d has no next physical block to merge with", block.offset))
	}
	if !block.free || !next.free {
		panic("only free blocks can be merged")
	}

	block.size += HeaderSize + next.size
	block.nextPhysical = next.nextPhysical
	if block.nextPhysical != nil {
		block.nextPhysical.prevPhysical = block
	}

	m.blocksFreeCount--
	m.sumFreeSize += HeaderSize
	m.releaseBlock(next)
}

// Clear instantly frees all allocations and resets the heap to a single free
// block
func (m *FirstFitMetadata) Clear() {
	for block := m.head; block != nil; {
		next := block.nextPhysical
		m.releaseBlock(block)
		block = next
	}

	m.liveAllocs = swiss.NewMap[int, *heapBlock](42)

	head := m.allocateBlock()
	head.size = m.Size() - HeaderSize
	head.free = true

	m.head = head
	m.allocCount = 0
	m.blocksFreeCount = 1
	m.sumFreeSize = head.size
}

// Validate performs internal consistency checks on the metadata. When the
// implementation is functioning correctly, it should not be possible for this
// method to return an error, but this may assist in diagnosing issues with
// the implementation.
func (m *FirstFitMetadata) Validate() error {
	if m.head == nil {
		return errors.New("the metadata has not been initialized")
	}
	if m.head.offset != 0 {
		return errors.Errorf("the first block should have an offset of 0, but instead it has an offset of %d", m.head.offset)
	}
	if m.head.prevPhysical != nil {
		return errors.New("the first block must not have a previous physical block")
	}
	if m.SumFreeSize() > m.Size() {
		return errors.New("invalid metadata free size")
	}

	var calculatedBytes, calculatedFreeSize int
	var allocCount, freeCount int

	for block := m.head; block != nil; block = block.nextPhysical {
		if block.size < MinBlockSize {
			return errors.Errorf("the block at offset %d has a payload of %d bytes, smaller than the minimum block size", block.offset, block.size)
		}

		next := block.nextPhysical
		if next != nil {
			if next.offset != block.offset+HeaderSize+block.size {
				return errors.Errorf("the block at offset %d ends at offset %d, but the next block begins at offset %d", block.offset, block.offset+HeaderSize+block.size, next.offset)
			}
			if next.prevPhysical != block {
				return errors.Errorf("the block at offset %d does not link back to the block at offset %d", next.offset, block.offset)
			}
		}

		calculatedBytes += HeaderSize + block.size

		if block.free {
			freeCount++
			calculatedFreeSize += block.size

			if next != nil && next.free {
				return errors.Errorf("the blocks at offsets %d and %d are both free but were not coalesced", block.offset, next.offset)
			}
		} else {
			allocCount++

			indexed, ok := m.liveAllocs.Get(block.offset + HeaderSize)
			if !ok {
				return errors.Errorf("the busy block at offset %d is missing from the live allocation index", block.offset)
			}
			if indexed != block {
				return errors.Errorf("the live allocation index maps offset %d to a different block", block.offset+HeaderSize)
			}
		}
	}

	if calculatedBytes != m.Size() {
		return errors.Errorf("the blocks cover %d bytes, but the heap was initialized with %d", calculatedBytes, m.Size())
	}
	if calculatedFreeSize != m.sumFreeSize {
		return errors.Errorf("the metadata's free size is %d, but the free blocks only added up to %d", m.sumFreeSize, calculatedFreeSize)
	}
	if allocCount != m.allocCount {
		return errors.Errorf("the allocation count of the metadata is %d, but the busy blocks only added up to %d", m.allocCount, allocCount)
	}
	if freeCount != m.blocksFreeCount {
		return errors.Errorf("the free block count of the metadata is %d, but there were only %d free blocks", m.blocksFreeCount, freeCount)
	}
	if m.liveAllocs.Count() != m.allocCount {
		return errors.Errorf("the live allocation index holds %d entries, but the metadata indicates %d allocations", m.liveAllocs.Count(), m.allocCount)
	}

	return nil
}

// VisitAllRegions will call the provided callback once for each block in the
// heap, in address order.
func (m *FirstFitMetadata) VisitAllRegions(handleBlock func(offset, size int, free bool) error) error {
	for block := m.head; block != nil; block = block.nextPhysical {
		err := handleBlock(block.offset, block.size, block.free)
		if err != nil {
			return err
		}
	}

	return nil
}

// AddDetailedStatistics sums this heap's allocation statistics into the
// statistics currently present in the provided heaputils.DetailedStatistics
// object.
func (m *FirstFitMetadata) AddDetailedStatistics(stats *heaputils.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += m.Size()

	for block := m.head; block != nil; block = block.nextPhysical {
		if block.free {
			stats.AddUnusedRange(block.size)
		} else {
			stats.AddAllocation(block.size)
		}
	}
}

// AddStatistics sums this heap's allocation statistics into the statistics
// currently present in the provided heaputils.Statistics object.
func (m *FirstFitMetadata) AddStatistics(stats *heaputils.Statistics) {
	stats.BlockCount++
	stats.AllocationCount += m.allocCount
	stats.BlockBytes += m.Size()
	stats.AllocationBytes += m.Size() - m.SumFreeSize()
}

// BlockJsonData populates a json object with information about this heap
func (m *FirstFitMetadata) BlockJsonData(json jwriter.ObjectState) {
	var unusedRangeCount, usedBytes, allocCount int

	_ = m.VisitAllRegions(
		func(offset, size int, free bool) error {
			if free {
				unusedRangeCount++
			} else {
				usedBytes += size
				allocCount++
			}

			return nil
		})

	m.WriteBlockJson(&json, m.Size()-usedBytes, allocCount, unusedRangeCount)

	arrayState := json.Name("Blocks").Array()
	defer arrayState.End()

	_ = m.VisitAllRegions(
		func(offset, size int, free bool) error {
			obj := arrayState.Object()
			defer obj.End()

			status := "BUSY"
			if free {
				status = "FREE"
			}

			obj.Name("Status").String(status)
			obj.Name("Offset").Int(offset)
			obj.Name("Size").Int(size)
			return nil
		})
}

// CheckCorruption accepts a pointer to the underlying memory that this
// metadata manages. It will return nil if anti-corruption memory markers are
// present for every busy block in the heap. The markers occupy the last
// heaputils.DebugMargin bytes of each busy block's payload and are only
// written when heaputils is built with the `debug_heap_utils` build flag.
func (m *FirstFitMetadata) CheckCorruption(blockData unsafe.Pointer) error {
	for block := m.head; block != nil; block = block.nextPhysical {
		if !block.free {
			if !heaputils.ValidateMagicValue(blockData, block.offset+HeaderSize+block.size-heaputils.DebugMargin) {
				return errors.New("MEMORY CORRUPTION DETECTED AFTER VALIDATED ALLOCATION!")
			}
		}
	}

	return nil
}
