// Package arena manages the raw address space underneath a heap: a single
// anonymous, process-private, read/write mapping obtained from the operating
// system. Blocks of heap memory are addressed as byte offsets into the
// Region rather than as raw pointers, so every access is bounds-checked
// against the mapping.
package arena

import (
	"unsafe"

	"github.com/cockroachdb/errors"
)

// Mapper reserves raw memory for a Region. The default implementation,
// SystemMapper, requests an anonymous private mapping from the operating
// system. Alternate implementations can place a Region inside an existing
// buffer or simulate mapping failures in tests.
type Mapper interface {
	// Map reserves size bytes of zero-initialized, read/write-accessible
	// memory and returns it as a byte slice. It returns an error if the
	// reservation cannot be satisfied.
	Map(size int) ([]byte, error)
}

// Region is a single contiguous range of mapped memory. A Region is acquired
// once and lives for the remainder of the process- it is never grown, shrunk,
// or returned to the operating system.
type Region struct {
	buf []byte
}

// NewRegion reserves a region of the requested size in bytes using the
// provided Mapper. Callers must not use the Region if an error is returned.
func NewRegion(mapper Mapper, size int) (*Region, error) {
	if size <= 0 {
		return nil, errors.Newf("region size must be positive, but was %d", size)
	}

	buf, err := mapper.Map(size)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to map %d bytes for the region", size)
	}
	if len(buf) < size {
		return nil, errors.Newf("mapper returned %d bytes, but %d were requested", len(buf), size)
	}

	return &Region{buf: buf}, nil
}

// Size returns the total number of bytes reserved for this region.
func (r *Region) Size() int {
	return len(r.buf)
}

// Bytes returns the size bytes of the region beginning at offset. It returns
// an error if any part of the requested range falls outside the mapping.
func (r *Region) Bytes(offset, size int) ([]byte, error) {
	if offset < 0 || size < 0 || offset+size > len(r.buf) {
		return nil, errors.Newf("byte range [%d, %d) is outside the %d-byte region", offset, offset+size, len(r.buf))
	}

	return r.buf[offset : offset+size], nil
}

// Pointer returns an unsafe.Pointer to the byte at offset within the region.
// It panics if offset is outside the mapping.
func (r *Region) Pointer(offset int) unsafe.Pointer {
	if offset < 0 || offset >= len(r.buf) {
		panic(errors.Newf("offset %d is outside the %d-byte region", offset, len(r.buf)))
	}

	return unsafe.Pointer(&r.buf[offset])
}

// BasePointer returns an unsafe.Pointer to the first byte of the region.
func (r *Region) BasePointer() unsafe.Pointer {
	return unsafe.Pointer(&r.buf[0])
}

// Address returns the virtual address of the byte at offset within the
// region. It is intended for diagnostics- the heap walk reports real
// addresses, the way a traditional allocator would.
func (r *Region) Address(offset int) uintptr {
	return uintptr(r.BasePointer()) + uintptr(offset)
}

// OffsetOf converts a pointer into the region back into a byte offset. It
// returns an error if the pointer does not fall inside the mapping.
func (r *Region) OffsetOf(p unsafe.Pointer) (int, error) {
	addr := uintptr(p)
	base := uintptr(r.BasePointer())

	if addr < base || addr >= base+uintptr(len(r.buf)) {
		return 0, errors.Newf("pointer %v is not inside the region", p)
	}

	return int(addr - base), nil
}
