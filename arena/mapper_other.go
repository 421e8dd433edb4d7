//go:build !unix

package arena

// SystemMapper reserves memory from the Go runtime on platforms without an
// mmap-style anonymous mapping. The buffer is zero-initialized, matching the
// mmap-backed behavior on unix platforms.
type SystemMapper struct{}

var _ Mapper = SystemMapper{}

func (SystemMapper) Map(size int) ([]byte, error) {
	return make([]byte, size), nil
}
