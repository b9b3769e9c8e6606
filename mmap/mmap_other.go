//go:build !unix && !windows

package mmap

import (
	"io"
	"os"
)

// No mapping support: read the range into memory instead.
func mmap(f *os.File, size int, _ Options) ([]byte, error) {
	b := make([]byte, size)
	if _, err := f.ReadAt(b, 0); err != nil && err != io.EOF {
		return nil, err
	}
	return b, nil
}

func munmap(b []byte) error {
	return nil
}
