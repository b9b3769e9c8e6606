// Package journal implements the single-file append-only document log.
//
// Features:
//
//  1. Records are appended at the end of the file and never overwritten,
//     except for their one-byte status flag, which is flipped in place to
//     mark a record deleted (a tombstone).
//
//  2. Crash-resistant. Every record carries an xxhash checksum of its header
//     and another one of its payload. On open, a torn tail (a record that was
//     being written when the process died) is trimmed. Damage in the middle
//     of the file is skipped and reported: a bad payload costs one record,
//     and a bad header is skipped up to the next intact record.
//
//  3. Compaction rewrites the file with only the active records, keeping
//     their relative order and identifiers.
//
// # File format
//
//   - file = fileHeader record*
//   - fileHeader = magic:64 version:8 flags:8 reserved:16 created:32 baseID:64 checksum:64
//   - record = status:8 id:64 size:32 headerChecksum:32 payload:size*8 payloadChecksum:64
//
// All integers are little-endian. The status byte is excluded from both
// checksums, so a tombstone remains a valid record. baseID is the next
// identifier at the time the file was created, so identifiers of records
// dropped by compaction are never handed out again.
package journal

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/andreyvit/nosql/mmap"
	"github.com/cespare/xxhash/v2"
)

var (
	ErrIncompatible       = errors.New("incompatible journal")
	ErrUnsupportedVersion = errors.New("unsupported journal version")
	ErrCorrupted          = errors.New("corrupted journal record")
	ErrClosed             = errors.New("journal closed")
	ErrNotActive          = errors.New("journal record is not active")

	errTorn = fmt.Errorf("%w: unreadable record header", ErrCorrupted)
)

type Options struct {
	Context context.Context
	Logger  *slog.Logger
	Verbose bool
	NoSync  bool
	Now     func() time.Time

	// OnSync, if set, is called with the duration of every fsync.
	OnSync func(d time.Duration)
}

const (
	magic          = 0x474f4c4c51534f4e // "NOSQLLOG" as little-endian uint64
	version0 uint8 = 0

	headerSize       = 32
	recordHeaderSize = 1 + 8 + 4 + 4
	recordTrailSize  = 8
	recordOverhead   = recordHeaderSize + recordTrailSize

	// MaxPayloadSize is a sanity limit on a single record.
	MaxPayloadSize = 1 << 30
)

const (
	StatusActive  byte = 'A'
	StatusDeleted byte = 'D'
)

type fileHeader struct {
	Magic    uint64
	Version  uint8
	Flags    uint8
	_        uint16
	Created  uint32
	BaseID   uint64
	Checksum uint64
}

// Record is a single log entry. Payload of records produced by Scan points
// into a memory mapping and is only valid until the loop body returns.
type Record struct {
	ID      uint64
	Offset  int64
	Status  byte
	Payload []byte
}

func (r Record) Deleted() bool {
	return r.Status == StatusDeleted
}

// Size is the number of bytes the record occupies in the file.
func (r Record) Size() int64 {
	return int64(len(r.Payload)) + recordOverhead
}

// CorruptionError describes a record that failed validation.
type CorruptionError struct {
	Off int64
	Msg string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("corrupted journal record at offset %d: %s", e.Off, e.Msg)
}

func (e *CorruptionError) Unwrap() error {
	return ErrCorrupted
}

type Stats struct {
	Size       int64
	Active     int
	Deleted    int
	Corrupt    int
	Superseded int
	Truncated  int64
	NextID     uint64
}

// Journal is an open log file.
type Journal struct {
	path    string
	context context.Context
	logger  *slog.Logger
	verbose bool
	noSync  bool
	now     func() time.Time
	onSync  func(d time.Duration)

	mu         sync.RWMutex
	f          *os.File
	size       int64
	nextID     uint64
	live       map[uint64]int64
	deleted    int
	corrupt    int
	superseded int
	truncated  int64

	// statusFault, when set, is called before every status write and can
	// fail it. Used by tests to simulate I/O errors.
	statusFault func(off int64) error
}

func Open(path string, o Options) (*Journal, error) {
	if o.Context == nil {
		o.Context = context.Background()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	j := &Journal{
		path:    path,
		context: o.Context,
		logger:  o.Logger,
		verbose: o.Verbose,
		noSync:  o.NoSync,
		now:     o.Now,
		onSync:  o.OnSync,
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.open_locked(1); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) String() string {
	return j.path
}

func (j *Journal) Path() string {
	return j.path
}

func (j *Journal) open_locked(baseID uint64) error {
	f, err := os.OpenFile(j.path, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return err
	}
	var ok bool
	defer func() {
		if !ok {
			f.Close()
			j.f = nil
		}
	}()

	stat, err := f.Stat()
	if err != nil {
		return err
	}

	j.f = f
	j.live = make(map[uint64]int64)
	j.nextID = baseID
	j.deleted, j.corrupt, j.superseded, j.truncated = 0, 0, 0, 0

	if stat.Size() == 0 {
		var hbuf [headerSize]byte
		fillHeader(hbuf[:], j.timestamp(), baseID)
		if _, err := f.WriteAt(hbuf[:], 0); err != nil {
			return err
		}
		if err := j.sync_locked(); err != nil {
			return err
		}
		j.size = headerSize
		ok = true
		return nil
	}

	var hbuf [headerSize]byte
	if _, err := f.ReadAt(hbuf[:], 0); err != nil {
		if err == io.EOF {
			return fmt.Errorf("%v: %w: short header", j.path, ErrIncompatible)
		}
		return err
	}
	h, err := checkHeader(hbuf[:])
	if err != nil {
		return fmt.Errorf("%v: %w", j.path, err)
	}
	if h.BaseID > j.nextID {
		j.nextID = h.BaseID
	}

	j.size = stat.Size()
	if err := j.recover_locked(); err != nil {
		return err
	}
	ok = true
	return nil
}

// recover_locked walks the whole file, rebuilding the live map and trimming
// a torn tail.
func (j *Journal) recover_locked() error {
	data, err := mmap.Map(j.f, j.size, mmap.SequentialAccess)
	if err != nil {
		return err
	}
	off, err := j.replay_locked(data)
	mmap.Unmap(data)
	if err != nil {
		return err
	}

	if j.truncated > 0 {
		j.size = off
		if err := j.f.Truncate(off); err != nil {
			return fmt.Errorf("journal: failed to truncate torn tail: %w", err)
		}
		if err := j.sync_locked(); err != nil {
			return err
		}
	}
	return nil
}

func (j *Journal) replay_locked(data []byte) (int64, error) {
	off := int64(headerSize)
	for off < j.size {
		rec, next, err := parseRecord(data, off)
		if err == errTorn {
			next = resync(data, off)
			if next < 0 {
				j.truncated = j.size - off
				j.logger.LogAttrs(j.context, slog.LevelWarn, "journal: truncating torn tail", slog.String("jrnl", j.path), slog.Int64("off", off), slog.Int64("bytes", j.truncated))
				break
			}
			j.corrupt++
			j.logger.LogAttrs(j.context, slog.LevelWarn, "journal: skipping unreadable record header", slog.String("jrnl", j.path), slog.Int64("off", off), slog.Int64("bytes", next-off))
			off = next
			continue
		} else if err != nil {
			j.corrupt++
			j.logger.LogAttrs(j.context, slog.LevelWarn, "journal: skipping corrupted record", slog.String("jrnl", j.path), slog.Int64("off", off), slog.Any("err", err))
			if rec.ID >= j.nextID {
				j.nextID = rec.ID + 1
			}
			off = next
			continue
		}

		if rec.ID >= j.nextID {
			j.nextID = rec.ID + 1
		}
		if rec.Deleted() {
			j.deleted++
		} else {
			if prev, found := j.live[rec.ID]; found {
				// an interrupted rewrite left both copies active; the later one wins
				j.superseded++
				j.logger.LogAttrs(j.context, slog.LevelWarn, "journal: marking superseded record deleted", slog.String("jrnl", j.path), slog.Uint64("id", rec.ID), slog.Int64("off", prev))
				if err := j.writeStatus_locked(prev, StatusDeleted); err != nil {
					return off, err
				}
				j.deleted++
			}
			j.live[rec.ID] = off
		}
		off = next
	}
	return off, nil
}

func (j *Journal) timestamp() uint32 {
	v := j.now().Unix()
	if v < 0 || uint64(v)&0xFFFF_FFFF_0000_0000 != 0 {
		panic("time travel disallowed")
	}
	return uint32(v)
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.close_locked()
}

func (j *Journal) close_locked() error {
	if j.f == nil {
		return nil
	}
	err := j.f.Close()
	j.f = nil
	return err
}

func (j *Journal) fail(op string, err error) error {
	if err == nil {
		return nil
	}
	j.logger.LogAttrs(j.context, slog.LevelError, "journal: failed", slog.String("jrnl", j.path), slog.String("op", op), slog.Any("err", err))
	return fmt.Errorf("journal: %s: %w", op, err)
}

func (j *Journal) sync_locked() error {
	if j.noSync {
		return nil
	}
	start := time.Now()
	err := mmap.Fdatasync(j.f)
	if j.onSync != nil {
		j.onSync(time.Since(start))
	}
	return err
}

// Size returns the current end-of-file offset, which is also the watermark
// used by scans started now.
func (j *Journal) Size() int64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.size
}

func (j *Journal) Stats() Stats {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return Stats{
		Size:       j.size,
		Active:     len(j.live),
		Deleted:    j.deleted,
		Corrupt:    j.corrupt,
		Superseded: j.superseded,
		Truncated:  j.truncated,
		NextID:     j.nextID,
	}
}

// Lookup returns the offset of the active record with the given id.
func (j *Journal) Lookup(id uint64) (int64, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	off, ok := j.live[id]
	return off, ok
}

// Append writes a new active record. A zero id allocates the next identifier.
func (j *Journal) Append(id uint64, payload []byte) (uint64, int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return 0, 0, ErrClosed
	}
	if id == 0 {
		id = j.nextID
	}
	off, err := j.append_locked(id, payload)
	if err != nil {
		return 0, 0, err
	}
	if id >= j.nextID {
		j.nextID = id + 1
	}
	j.live[id] = off
	return id, off, nil
}

func (j *Journal) append_locked(id uint64, payload []byte) (int64, error) {
	if len(payload) > MaxPayloadSize {
		return 0, fmt.Errorf("journal: record of %d bytes exceeds the limit", len(payload))
	}
	buf := AppendRecord(make([]byte, 0, len(payload)+recordOverhead), StatusActive, id, payload)

	off := j.size
	if _, err := j.f.WriteAt(buf, off); err != nil {
		// drop whatever part made it to the file
		j.f.Truncate(off)
		return 0, j.fail("append", err)
	}
	if err := j.sync_locked(); err != nil {
		return 0, j.fail("sync", err)
	}
	j.size = off + int64(len(buf))

	if j.verbose {
		j.logger.LogAttrs(j.context, slog.LevelDebug, "journal: appended", slog.String("jrnl", j.path), slog.Uint64("id", id), slog.Int64("off", off), slog.Int("size", len(buf)))
	}
	return off, nil
}

// MarkDeleted flips the status of the record at off. Deleting a record
// twice is a no-op.
func (j *Journal) MarkDeleted(off int64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return ErrClosed
	}
	rec, _, err := j.readHeader_locked(off)
	if err != nil {
		return err
	}
	if rec.Deleted() {
		return nil
	}
	if err := j.writeStatus_locked(off, StatusDeleted); err != nil {
		return err
	}
	if j.live[rec.ID] == off {
		delete(j.live, rec.ID)
	}
	j.deleted++
	return nil
}

// Rewrite appends a new version of the record at off under the same id and
// marks the old one deleted. The new record is durable before the old one is
// deleted, so a crash in between leaves a superseded duplicate that Open
// resolves.
func (j *Journal) Rewrite(off int64, payload []byte) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return 0, ErrClosed
	}
	rec, _, err := j.readHeader_locked(off)
	if err != nil {
		return 0, err
	}
	if rec.Deleted() {
		return 0, fmt.Errorf("journal: rewrite at %d: %w", off, ErrNotActive)
	}
	newOff, err := j.append_locked(rec.ID, payload)
	if err != nil {
		return 0, err
	}
	if err := j.writeStatus_locked(off, StatusDeleted); err != nil {
		// drop the new copy so the old one stays the only active version
		if terr := j.f.Truncate(newOff); terr != nil {
			return 0, fmt.Errorf("%w (dropping new copy: %w)", err, j.fail("truncate", terr))
		}
		j.size = newOff
		return 0, err
	}
	j.deleted++
	j.live[rec.ID] = newOff
	return newOff, nil
}

func (j *Journal) writeStatus_locked(off int64, status byte) error {
	if j.statusFault != nil {
		if err := j.statusFault(off); err != nil {
			return j.fail("mark", err)
		}
	}
	if _, err := j.f.WriteAt([]byte{status}, off); err != nil {
		return j.fail("mark", err)
	}
	if err := j.sync_locked(); err != nil {
		return j.fail("sync", err)
	}
	return nil
}

func (j *Journal) readHeader_locked(off int64) (Record, int64, error) {
	if off < headerSize || off+recordHeaderSize > j.size {
		return Record{}, 0, fmt.Errorf("journal: offset %d out of range", off)
	}
	var h [recordHeaderSize]byte
	if _, err := j.f.ReadAt(h[:], off); err != nil {
		return Record{}, 0, err
	}
	id, size, err := decodeRecordHeader(h[:])
	if err != nil {
		return Record{}, 0, &CorruptionError{Off: off, Msg: err.Error()}
	}
	return Record{ID: id, Offset: off, Status: h[0]}, int64(size), nil
}

// Read loads and verifies the record at off.
func (j *Journal) Read(off int64) (Record, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.f == nil {
		return Record{}, ErrClosed
	}
	rec, size, err := j.readHeader_locked(off)
	if err != nil {
		return Record{}, err
	}
	if off+recordOverhead+size > j.size {
		return Record{}, &CorruptionError{Off: off, Msg: "record extends past end of file"}
	}
	buf := make([]byte, size+recordTrailSize)
	if _, err := j.f.ReadAt(buf, off+recordHeaderSize); err != nil {
		return Record{}, err
	}
	rec.Payload = buf[:size]
	if payloadChecksum(rec.ID, rec.Payload) != binary.LittleEndian.Uint64(buf[size:]) {
		return Record{}, &CorruptionError{Off: off, Msg: "payload checksum mismatch"}
	}
	return rec, nil
}

// Scan iterates over active records up to the end of file as of the start of
// the scan. Corrupted records are yielded as *CorruptionError and the scan
// continues; any other error ends the scan. Writers are blocked while a scan
// is in progress, so the loop body must not write to the journal.
func (j *Journal) Scan() iter.Seq2[Record, error] {
	return j.scan(false)
}

// ScanAll is like Scan but also yields deleted records.
func (j *Journal) ScanAll() iter.Seq2[Record, error] {
	return j.scan(true)
}

func (j *Journal) scan(includeDeleted bool) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		j.mu.RLock()
		defer j.mu.RUnlock()
		if j.f == nil {
			yield(Record{}, ErrClosed)
			return
		}
		watermark := j.size
		data, err := mmap.Map(j.f, watermark, mmap.SequentialAccess)
		if err != nil {
			yield(Record{}, err)
			return
		}
		defer mmap.Unmap(data)

		for rec, err := range walk(data, watermark) {
			if err != nil {
				if !yield(rec, err) {
					return
				}
				continue
			}
			if rec.Deleted() && !includeDeleted {
				continue
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// walk iterates over the records of an in-memory log image. A record with
// an unreadable header is reported and skipped up to the next intact record;
// if there is none, the walk ends with a torn record error.
func walk(data []byte, size int64) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		data = data[:size]
		off := int64(headerSize)
		for off < size {
			rec, next, err := parseRecord(data, off)
			if err == errTorn {
				next = resync(data, off)
				if next < 0 {
					yield(Record{Offset: off}, &CorruptionError{Off: off, Msg: "torn record"})
					return
				}
				if !yield(Record{Offset: off}, &CorruptionError{Off: off, Msg: fmt.Sprintf("unreadable record header, skipped %d bytes", next-off)}) {
					return
				}
				off = next
				continue
			}
			if !yield(rec, err) {
				return
			}
			off = next
		}
	}
}

// WriteTo writes a compacted image of the journal (header and active records
// in their original order) to w. It returns the number of bytes written, the
// number of records, and the xxhash of the written bytes.
func (j *Journal) WriteTo(w io.Writer) (CopyStats, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.f == nil {
		return CopyStats{}, ErrClosed
	}
	return j.copyTo_locked(w)
}

type CopyStats struct {
	Bytes    int64
	Records  int
	Dropped  int
	Corrupt  int
	Checksum uint64
}

func (j *Journal) copyTo_locked(w io.Writer) (CopyStats, error) {
	var st CopyStats

	data, err := mmap.Map(j.f, j.size, mmap.SequentialAccess)
	if err != nil {
		return st, err
	}
	defer mmap.Unmap(data)

	h := xxhash.New()
	mw := io.MultiWriter(w, h)

	var hbuf [headerSize]byte
	fillHeader(hbuf[:], j.timestamp(), j.nextID)
	if _, err := mw.Write(hbuf[:]); err != nil {
		return st, err
	}
	st.Bytes = headerSize

	for rec, err := range walk(data, j.size) {
		if err != nil {
			st.Corrupt++
			continue
		}
		if rec.Deleted() {
			st.Dropped++
			continue
		}
		raw := data[rec.Offset : rec.Offset+rec.Size()]
		if _, err := mw.Write(raw); err != nil {
			return st, err
		}
		st.Bytes += int64(len(raw))
		st.Records++
	}
	st.Checksum = h.Sum64()
	return st, nil
}

type CompactStats struct {
	Kept       int
	Dropped    int
	Corrupt    int
	SizeBefore int64
	SizeAfter  int64
}

// Compact rewrites the log keeping only active records. All previously
// returned offsets become invalid.
func (j *Journal) Compact() (CompactStats, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return CompactStats{}, ErrClosed
	}

	tmp := j.path + ".compact"
	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		return CompactStats{}, j.fail("compact", err)
	}
	var ok bool
	defer closeAndDeleteUnlessOK(f, &ok)

	st, err := j.copyTo_locked(f)
	if err != nil {
		return CompactStats{}, j.fail("compact", err)
	}
	if !j.noSync {
		if err := mmap.Fdatasync(f); err != nil {
			return CompactStats{}, j.fail("compact sync", err)
		}
	}
	if err := f.Close(); err != nil {
		return CompactStats{}, j.fail("compact", err)
	}

	result := CompactStats{
		Kept:       st.Records,
		Dropped:    st.Dropped,
		Corrupt:    st.Corrupt,
		SizeBefore: j.size,
		SizeAfter:  st.Bytes,
	}

	if err := j.swap_locked(tmp); err != nil {
		return CompactStats{}, err
	}
	ok = true

	j.logger.LogAttrs(j.context, slog.LevelInfo, "journal: compacted", slog.String("jrnl", j.path), slog.Int("kept", result.Kept), slog.Int("dropped", result.Dropped), slog.Int64("before", result.SizeBefore), slog.Int64("after", result.SizeAfter))
	return result, nil
}

// Replace replaces the log file with src (which must be a valid journal
// file, see Verify) and reloads it. If src cannot be installed or opened,
// the previous log is put back and stays open.
func (j *Journal) Replace(src string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return ErrClosed
	}
	return j.swap_locked(src)
}

// swap_locked moves the current log aside, installs src and opens it. The
// previous log is removed only once the new one has been opened.
func (j *Journal) swap_locked(src string) error {
	prev := j.path + ".old"
	if err := j.close_locked(); err != nil {
		j.logger.LogAttrs(j.context, slog.LevelWarn, "journal: closing replaced file", slog.String("jrnl", j.path), slog.Any("err", err))
	}
	if err := os.Rename(j.path, prev); err != nil {
		return j.reopen_locked(j.fail("replace", err))
	}
	if err := os.Rename(src, j.path); err != nil {
		return j.putBack_locked(prev, j.fail("replace", err))
	}
	if err := j.open_locked(1); err != nil {
		return j.putBack_locked(prev, j.fail("replace", err))
	}
	if err := os.Remove(prev); err != nil {
		j.logger.LogAttrs(j.context, slog.LevelWarn, "journal: removing previous file", slog.String("jrnl", j.path), slog.Any("err", err))
	}
	return nil
}

// putBack_locked restores the log moved aside by a failed swap.
func (j *Journal) putBack_locked(prev string, cause error) error {
	if err := os.Rename(prev, j.path); err != nil {
		return fmt.Errorf("%w (restoring previous log from %s: %w)", cause, prev, err)
	}
	return j.reopen_locked(cause)
}

func (j *Journal) reopen_locked(cause error) error {
	if err := j.open_locked(1); err != nil {
		return fmt.Errorf("%w (reopening previous log: %w)", cause, err)
	}
	return cause
}

// Reset truncates the journal to an empty log. Identifiers keep growing.
func (j *Journal) Reset() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return ErrClosed
	}
	nextID := j.nextID
	if err := j.close_locked(); err != nil {
		return err
	}
	if err := os.Remove(j.path); err != nil && !os.IsNotExist(err) {
		return j.fail("reset", err)
	}
	return j.open_locked(nextID)
}

func closeAndDeleteUnlessOK(f *os.File, ok *bool) {
	if *ok {
		return
	}
	f.Close()
	os.Remove(f.Name())
}

type VerifyStats struct {
	Records  int
	Deleted  int
	Checksum uint64
}

// Verify strictly validates a journal file: the header and every record must
// be intact.
func Verify(path string) (VerifyStats, error) {
	var st VerifyStats
	f, err := os.Open(path)
	if err != nil {
		return st, err
	}
	defer f.Close()
	stat, err := f.Stat()
	if err != nil {
		return st, err
	}
	if stat.Size() < headerSize {
		return st, fmt.Errorf("%v: %w: short header", path, ErrIncompatible)
	}

	data, err := mmap.Map(f, stat.Size(), mmap.SequentialAccess)
	if err != nil {
		return st, err
	}
	defer mmap.Unmap(data)

	if _, err := checkHeader(data[:headerSize]); err != nil {
		return st, fmt.Errorf("%v: %w", path, err)
	}
	for rec, err := range walk(data, stat.Size()) {
		if err != nil {
			return st, fmt.Errorf("%v: %w", path, err)
		}
		st.Records++
		if rec.Deleted() {
			st.Deleted++
		}
	}
	st.Checksum = xxhash.Sum64(data)
	return st, nil
}

func fillHeader(buf []byte, ts uint32, baseID uint64) {
	h := fileHeader{
		Magic:   magic,
		Version: version0,
		Created: ts,
		BaseID:  baseID,
	}
	n, err := binary.Encode(buf, binary.LittleEndian, h)
	if err != nil {
		panic(err)
	}
	if n != headerSize {
		panic("internal size mismatch")
	}
	binary.LittleEndian.PutUint64(buf[headerSize-8:], xxhash.Sum64(buf[:headerSize-8]))
}

func checkHeader(buf []byte) (fileHeader, error) {
	var h fileHeader
	n, err := binary.Decode(buf, binary.LittleEndian, &h)
	if err != nil {
		panic(err)
	}
	if n != headerSize {
		panic("internal size mismatch")
	}
	if h.Magic != magic {
		return h, ErrIncompatible
	}
	if xxhash.Sum64(buf[:headerSize-8]) != h.Checksum {
		return h, fmt.Errorf("%w: header checksum mismatch", ErrIncompatible)
	}
	if h.Version > version0 {
		return h, ErrUnsupportedVersion
	}
	return h, nil
}

// AppendRecord appends the encoding of a record to b.
func AppendRecord(b []byte, status byte, id uint64, payload []byte) []byte {
	b = append(b, status)
	b = binary.LittleEndian.AppendUint64(b, id)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(payload)))
	b = binary.LittleEndian.AppendUint32(b, headerChecksum(id, uint32(len(payload))))
	b = append(b, payload...)
	b = binary.LittleEndian.AppendUint64(b, payloadChecksum(id, payload))
	return b
}

func headerChecksum(id uint64, size uint32) uint32 {
	var buf [12]byte
	binary.LittleEndian.PutUint64(buf[:8], id)
	binary.LittleEndian.PutUint32(buf[8:], size)
	return uint32(xxhash.Sum64(buf[:]))
}

func payloadChecksum(id uint64, payload []byte) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], id)
	d := xxhash.New()
	d.Write(buf[:])
	d.Write(payload)
	return d.Sum64()
}

func decodeRecordHeader(h []byte) (id uint64, size uint32, err error) {
	if h[0] != StatusActive && h[0] != StatusDeleted {
		return 0, 0, fmt.Errorf("invalid status %#02x", h[0])
	}
	id = binary.LittleEndian.Uint64(h[1:9])
	size = binary.LittleEndian.Uint32(h[9:13])
	if headerChecksum(id, size) != binary.LittleEndian.Uint32(h[13:17]) {
		return 0, 0, errors.New("header checksum mismatch")
	}
	if size > MaxPayloadSize {
		return 0, 0, fmt.Errorf("invalid size %d", size)
	}
	return id, size, nil
}

// resync returns the offset of the first intact record after off, or -1 if
// there is none.
func resync(data []byte, off int64) int64 {
	for p := off + 1; p+recordOverhead <= int64(len(data)); p++ {
		if data[p] != StatusActive && data[p] != StatusDeleted {
			continue
		}
		if _, _, err := parseRecord(data, p); err == nil {
			return p
		}
	}
	return -1
}

// parseRecord decodes the record at off. It returns errTorn when the header
// is unusable (so the position of the next record is unknown), or
// a *CorruptionError with a valid next offset when only the payload is bad.
func parseRecord(data []byte, off int64) (Record, int64, error) {
	if off+recordHeaderSize > int64(len(data)) {
		return Record{}, 0, errTorn
	}
	h := data[off : off+recordHeaderSize]
	id, size, err := decodeRecordHeader(h)
	if err != nil {
		return Record{}, 0, errTorn
	}
	start := off + recordHeaderSize
	end := start + int64(size) + recordTrailSize
	if end > int64(len(data)) {
		return Record{}, 0, errTorn
	}
	rec := Record{
		ID:      id,
		Offset:  off,
		Status:  h[0],
		Payload: data[start : start+int64(size)],
	}
	if payloadChecksum(id, rec.Payload) != binary.LittleEndian.Uint64(data[end-recordTrailSize:end]) {
		return rec, end, &CorruptionError{Off: off, Msg: "payload checksum mismatch"}
	}
	return rec, end, nil
}
