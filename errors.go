package nosql

import (
	"errors"
	"fmt"
)

var (
	ErrUsage        = errors.New("usage error")
	ErrCorrupt      = errors.New("corrupt data")
	ErrClosed       = errors.New("database closed")
	ErrViewNotFound = errors.New("view not found")
)

// DataError reports bytes that could not be decoded. Off is the byte offset
// the decoder reached.
type DataError struct {
	Data []byte
	Off  int
	Err  error
	Msg  string
}

func dataErrf(data []byte, off int, err error, format string, args ...any) error {
	return &DataError{data, off, err, fmt.Sprintf(format, args...)}
}

func (e *DataError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrCorrupt}
	}
	return []error{ErrCorrupt, e.Err}
}

func (e *DataError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		if e.Err != nil {
			return fmt.Sprintf("%s at offset %d: %v: (%d) %x", e.Msg, e.Off, e.Err, n, e.Data)
		} else {
			return fmt.Sprintf("%s at offset %d: (%d) %x", e.Msg, e.Off, n, e.Data)
		}
	} else {
		p, s := e.Data[:prefixLen], e.Data[n-suffixLen:]
		if e.Err != nil {
			return fmt.Sprintf("%s at offset %d: %v: (%d) %x...%x", e.Msg, e.Off, e.Err, n, p, s)
		} else {
			return fmt.Sprintf("%s at offset %d: (%d) %x...%x", e.Msg, e.Off, n, p, s)
		}
	}
}

// UsageError is returned when a query is put together incorrectly, e.g. when
// two terminal operations are attached or a required field is missing.
type UsageError struct {
	Op  string
	Msg string
}

func usageErrf(op string, format string, args ...any) error {
	return &UsageError{op, fmt.Sprintf(format, args...)}
}

func (e *UsageError) Unwrap() error {
	return ErrUsage
}

func (e *UsageError) Error() string {
	if e.Op == "" {
		return "nosql: " + e.Msg
	}
	return "nosql: " + e.Op + ": " + e.Msg
}
