package mmap

import "os"

// Fdatasync flushes the data written to f to stable storage, skipping
// metadata such as modification times where the platform allows it.
//
// WARNING: ERRORS RETURNED BY THIS FUNCTION ARE NOT RECOVERABLE. Many file
// systems mark dirty pages as clean after a failed fsync, so the data on disk
// may not match what a subsequent read returns. Callers should stop writing
// and surface the error.
func Fdatasync(f *os.File) error {
	return fdatasync(f)
}
