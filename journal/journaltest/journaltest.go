// Package journaltest provides helpers for testing code that reads and writes
// journal files byte by byte.
package journaltest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/andreyvit/nosql/journal"
	"github.com/cespare/xxhash/v2"
)

var Start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Header returns the Expand input for a file header created at Start with
// the given base identifier.
func Header(baseID uint64) string {
	prefix := fmt.Sprintf("'NOSQLLOG 0/ver 0/flags 0_0/pad 80_00_92_65/created %x/base_id", binary.LittleEndian.AppendUint64(nil, baseID))
	return fmt.Sprintf("%s %x/checksum", prefix, xxhashLE(Expand(prefix)))
}

func xxhashLE(b []byte) []byte {
	return binary.LittleEndian.AppendUint64(nil, xxhash.Sum64(b))
}

type TestJournal struct {
	*journal.Journal

	T    testing.TB
	Path string
	Opt  journal.Options

	now time.Time
}

// Writable opens a fresh journal in a temporary directory. If specs are
// given, they are expanded and written to the file before opening it.
func Writable(t testing.TB, o journal.Options, specs ...string) *TestJournal {
	t.Helper()
	j := &TestJournal{
		T:    t,
		Path: filepath.Join(t.TempDir(), "test.log"),
		now:  Start,
	}
	if len(specs) > 0 {
		ensure(os.WriteFile(j.Path, Expand(specs...), 0o644))
	}
	o.Now = func() time.Time { return j.now }
	o.Logger = slog.New(slog.NewTextHandler(&logWriter{t}, &slog.HandlerOptions{
		AddSource: false,
		Level:     slog.LevelDebug,
	}))
	o.Verbose = true
	o.NoSync = true
	j.Opt = o

	j.Journal = must(journal.Open(j.Path, o))
	t.Cleanup(func() {
		if err := j.Close(); err != nil {
			t.Error(err)
		}
	})
	return j
}

// Reopen closes the journal and opens the same file again.
func (j *TestJournal) Reopen() {
	j.T.Helper()
	ensure(j.Close())
	j.Journal = must(journal.Open(j.Path, j.Opt))
}

func (j *TestJournal) Eq(expected ...string) {
	j.T.Helper()
	BytesEq(j.T, j.Data(), Expand(expected...))
}

func (j *TestJournal) Data() []byte {
	b, err := os.ReadFile(j.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		j.T.Fatalf("when reading %v: %v", j.Path, err)
	}
	return b
}

// Overwrite replaces bytes of the underlying file at off, bypassing the journal.
func (j *TestJournal) Overwrite(off int64, data []byte) {
	f := must(os.OpenFile(j.Path, os.O_RDWR, 0))
	defer f.Close()
	must(f.WriteAt(data, off))
}

// Truncate cuts the underlying file, bypassing the journal.
func (j *TestJournal) Truncate(size int64) {
	ensure(os.Truncate(j.Path, size))
}

func (j *TestJournal) Now() time.Time {
	return j.now
}

func (j *TestJournal) Advance(d time.Duration) {
	j.now = j.now.Add(d)
}

// Rec returns the Expand input for an encoded record.
func Rec(status byte, id uint64, payload string) string {
	b := journal.AppendRecord(nil, status, id, []byte(payload))
	return fmt.Sprintf("%x", b)
}

type logWriter struct{ t testing.TB }

func (c *logWriter) Write(buf []byte) (int, error) {
	msg := string(buf)
	origLen := len(msg)
	msg = strings.TrimSuffix(msg, "\n")
	c.t.Log(msg)
	return origLen, nil
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func ensure(err error) {
	if err != nil {
		panic(err)
	}
}

func Expand(specs ...string) []byte {
	var b []byte
	for _, spec := range specs {
		for _, elem := range strings.Fields(spec) {
			base, _, _ := strings.Cut(elem, "/") // comment
			if base == "" {
				continue
			}

			base, repStr, _ := strings.Cut(base, "*")

			rep := 1
			if repStr != "" {
				var err error
				rep, err = strconv.Atoi(repStr)
				if err != nil {
					panic(fmt.Sprintf("invalid repeat count %q in element %q", repStr, elem))
				}
			}

			base, right, padTo8 := strings.Cut(base, "...")
			var padTo4 bool
			if !padTo8 {
				base, right, padTo4 = strings.Cut(base, "..")
			}

			baseBytes, err := appendHexDecoding(nil, base)
			if err != nil {
				panic(fmt.Errorf("%w in element %q", err, elem))
			}

			rightBytes, err := appendHexDecoding(nil, right)
			if err != nil {
				panic(fmt.Errorf("%w in element %q", err, elem))
			}

			for range rep {
				b = append(b, baseBytes...)

				n := len(baseBytes) + len(rightBytes)
				if padTo8 && n < 8 {
					for range 8 - n {
						b = append(b, 0)
					}
				} else if padTo4 && n < 4 {
					for range 4 - n {
						b = append(b, 0)
					}
				}

				b = append(b, rightBytes...)
			}
		}
	}
	return b
}

func appendHexDecoding(data []byte, hex string) ([]byte, error) {
	const none byte = 0xFF

	if decimal, ok := strings.CutPrefix(hex, "#"); ok {
		v, err := strconv.ParseUint(decimal, 10, 64)
		if err != nil {
			return nil, err
		}
		return binary.AppendUvarint(data, v), nil
	} else if alpha, ok := strings.CutPrefix(hex, "'"); ok {
		return append(data, alpha...), nil
	}

	prev := none
	for _, b := range []byte(hex) {
		var half byte
		switch b {
		case '_', ' ':
			if prev != none {
				data = append(data, prev)
				prev = none
			}
			continue
		case '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
			half = b - '0'
		case 'a', 'b', 'c', 'd', 'e', 'f':
			half = b - 'a' + 10
		case 'A', 'B', 'C', 'D', 'E', 'F':
			half = b - 'A' + 10
		default:
			return nil, fmt.Errorf("invalid char '%c'", b)
		}
		if prev == none {
			prev = half
		} else {
			data = append(data, prev<<4|half)
			prev = none
		}
	}
	if prev != none {
		data = append(data, prev)
	}
	return data, nil
}

func HexDump(b []byte, highlightOff int) string {
	var buf strings.Builder
	var off int
	n := len(b)
	for {
		fmt.Fprintf(&buf, "%08x", off)
		if off >= n {
			buf.WriteByte('\n')
			break
		}
		buf.WriteByte(' ')
		for i := range 8 {
			if off+i >= n {
				buf.WriteByte(' ')
				buf.WriteByte(' ')
				buf.WriteByte(' ')
			} else {
				if highlightOff >= 0 && off+i == highlightOff {
					buf.WriteByte('>')
				} else {
					buf.WriteByte(' ')
				}
				fmt.Fprintf(&buf, "%02x", b[off+i])
			}
		}
		buf.WriteByte(' ')
		buf.WriteByte(' ')
		buf.WriteByte('|')
		for i := range 8 {
			if off+i < n {
				v := b[off+i]
				if v >= 32 && v <= 126 {
					buf.WriteByte(v)
				} else {
					buf.WriteByte('.')
				}
			}
		}
		off += 8
		buf.WriteByte('|')
		buf.WriteByte('\n')
		if off >= n {
			break
		}
	}
	return buf.String()
}

func BytesEq(t testing.TB, a, e []byte) bool {
	if !bytes.Equal(a, e) {
		an, en := len(a), len(e)
		off := min(an, en)
		for i := range min(an, en) {
			if a[i] != e[i] {
				off = i
				break
			}
		}

		t.Helper()
		t.Errorf("** got:\n%v\nwanted:\n%v\nfirst difference offset: 0x%x (%d)", HexDump(a, off), HexDump(e, off), off, off)
		return false
	}
	return true
}
