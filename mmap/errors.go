package mmap

import "errors"

var errTooLarge = errors.New("mmap: file too large to map on this platform")
