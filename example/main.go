// Command example demonstrates the allocator: it initializes a small heap,
// serves two integer allocations from it, and dumps the heap layout between
// operations.
package main

import (
	"fmt"
	"os"
	"unsafe"

	"github.com/memcarve/heaputils/heap"
)

func main() {
	h, err := heap.Init(0x10000)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize the heap: %+v\n", err)
		os.Exit(1)
	}

	printHeap(h)
	fmt.Println()

	someInt := allocateInt32(h)
	anotherInt := allocateInt32(h)

	*someInt = 3
	printHeap(h)
	fmt.Println()
	*anotherInt = 7

	fmt.Printf("%d, %d\n\n", *someInt, *anotherInt)
	printHeap(h)
}

func allocateInt32(h *heap.Heap) *int32 {
	p, err := h.Allocate(int(unsafe.Sizeof(int32(0))))
	if err != nil {
		fmt.Fprintf(os.Stderr, "allocation failed: %+v\n", err)
		os.Exit(1)
	}

	return (*int32)(p)
}

func printHeap(h *heap.Heap) {
	err := h.PrintHeap(os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "heap walk failed: %+v\n", err)
		os.Exit(1)
	}
}
