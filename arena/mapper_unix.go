//go:build unix

package arena

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// SystemMapper reserves memory with an anonymous, private, read/write mmap.
// The mapping is zero-initialized by the operating system and is never
// unmapped- regions live for the remainder of the process.
type SystemMapper struct{}

var _ Mapper = SystemMapper{}

func (SystemMapper) Map(size int) ([]byte, error) {
	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap of %d anonymous bytes failed", size)
	}

	return buf, nil
}
