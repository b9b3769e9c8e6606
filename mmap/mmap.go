// Package mmap maps log files into memory for sequential scans and provides
// a durable data sync primitive.
package mmap

import (
	"os"
)

type Options uint

const (
	// SequentialAccess is a hint requesting aggressive read-ahead.
	// Incompatible with RandomAccess. Maps to MADV_SEQUENTIAL on Unix.
	SequentialAccess Options = 1 << 0

	// RandomAccess is a hint that read ahead is less useful than normally.
	// Incompatible with SequentialAccess. Maps to MADV_RANDOM on Unix.
	RandomAccess Options = 1 << 1
)

func (o Options) Has(v Options) bool {
	return o&v != 0
}

// Map maps the first size bytes of f read-only. A zero size returns an empty
// mapping without touching the file. The returned slice must be released
// with Unmap and must not be used afterwards.
func Map(f *os.File, size int64, opt Options) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	if int64(int(size)) != size {
		return nil, errTooLarge
	}
	return mmap(f, int(size), opt)
}

// Unmap releases a slice returned by Map.
func Unmap(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return munmap(b)
}
