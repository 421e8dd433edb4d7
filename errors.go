package heaputils

import "github.com/pkg/errors"

// ErrOutOfMemory is returned when no free block in the heap is large enough to
// satisfy an allocation request. The heap state is unchanged when this is
// returned, so the caller may free other allocations and retry.
var ErrOutOfMemory error = errors.New("out of memory")

// ErrCorruptedHeap is returned when an operation receives an address or block
// record that does not correspond to a live allocation: a pointer outside the
// mapped region, a free of an address that was never allocated, or a free of a
// block that is already free.
var ErrCorruptedHeap error = errors.New("corrupted heap")

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")
