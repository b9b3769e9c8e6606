package nosql

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/andreyvit/nosql/journal"
)

// Backup archive layout: a gzip-compressed tar stream with these entries,
// in this order.
const (
	entryManifest = "manifest"
	entryLog      = "log"
	entryMeta     = "meta"
	entryViews    = "views"

	backupFormat = 1

	maxSmallEntry = 64 << 20
)

type backupManifest struct {
	Format      int       `msgpack:"format"`
	ID          string    `msgpack:"id"`
	Created     time.Time `msgpack:"created"`
	Records     int       `msgpack:"records"`
	Skipped     int       `msgpack:"skipped,omitempty"`
	LogBytes    int64     `msgpack:"log_bytes"`
	LogChecksum uint64    `msgpack:"log_xxhash"`
	MetaKeys    int       `msgpack:"meta_keys"`
	Views       int       `msgpack:"views"`
}

// BackupStats summarizes an archive written by Backup or read by Restore.
type BackupStats struct {
	ID           string
	Created      time.Time
	Records      int
	Skipped      int
	LogBytes     int64
	MetaKeys     int
	Views        int
	ArchiveBytes int64
	Elapsed      time.Duration
}

func (m *backupManifest) stats() *BackupStats {
	return &BackupStats{
		ID:       m.ID,
		Created:  m.Created,
		Records:  m.Records,
		Skipped:  m.Skipped,
		LogBytes: m.LogBytes,
		MetaKeys: m.MetaKeys,
		Views:    m.Views,
	}
}

// Backup writes the log, the meta entries and the view definitions into an
// archive at path. View indexes are not saved; Restore rebuilds them. Writes
// are blocked until the archive is complete. The archive is written to
// path + ".tmp" and renamed into place.
func (db *DB) Backup(path string) (*BackupStats, error) {
	start := time.Now()
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, ErrClosed
	}

	logTmp, err := os.CreateTemp(filepath.Dir(path), ".nosql-backup-*")
	if err != nil {
		return nil, fmt.Errorf("nosql: backup: %w", err)
	}
	defer os.Remove(logTmp.Name())
	defer logTmp.Close()

	cst, err := db.jrnl.WriteTo(logTmp)
	if err != nil {
		return nil, fmt.Errorf("nosql: backup: log: %w", err)
	}
	if cst.Corrupt > 0 {
		db.metrics.corrupt.Add(float64(cst.Corrupt))
		db.logger.LogAttrs(db.context, slog.LevelWarn, "nosql: backup skipped corrupt records", slog.String("db", db.path), slog.Int("corrupt", cst.Corrupt))
	}
	if _, err := logTmp.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("nosql: backup: %w", err)
	}

	meta := db.meta.snapshot()
	metaRaw, err := encodeNormalized(meta)
	if err != nil {
		return nil, err
	}
	defs := db.viewDefs_locked()
	viewsRaw, err := encodeViewDefs(defs)
	if err != nil {
		return nil, err
	}

	manifest := backupManifest{
		Format:      backupFormat,
		ID:          uuid.NewString(),
		Created:     db.opt.Now().UTC(),
		Records:     cst.Records,
		Skipped:     cst.Corrupt,
		LogBytes:    cst.Bytes,
		LogChecksum: cst.Checksum,
		MetaKeys:    len(meta),
		Views:       len(defs),
	}
	manifestRaw, err := msgpack.Marshal(&manifest)
	if err != nil {
		return nil, fmt.Errorf("nosql: backup: manifest: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		return nil, fmt.Errorf("nosql: backup: %w", err)
	}
	var ok bool
	defer closeAndDeleteUnlessOK(f, &ok)

	gzw, err := gzip.NewWriterLevel(f, gzip.DefaultCompression)
	if err != nil {
		return nil, fmt.Errorf("nosql: backup: %w", err)
	}
	tw := tar.NewWriter(gzw)
	for _, e := range []struct {
		name string
		size int64
		r    io.Reader
	}{
		{entryManifest, int64(len(manifestRaw)), bytes.NewReader(manifestRaw)},
		{entryLog, cst.Bytes, logTmp},
		{entryMeta, int64(len(metaRaw)), bytes.NewReader(metaRaw)},
		{entryViews, int64(len(viewsRaw)), bytes.NewReader(viewsRaw)},
	} {
		if err := writeArchiveEntry(tw, e.name, e.size, manifest.Created, e.r); err != nil {
			return nil, fmt.Errorf("nosql: backup: %w", err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("nosql: backup: tar: %w", err)
	}
	if err := gzw.Close(); err != nil {
		return nil, fmt.Errorf("nosql: backup: gzip: %w", err)
	}
	if !db.opt.NoSync {
		if err := f.Sync(); err != nil {
			return nil, fmt.Errorf("nosql: backup: %w", err)
		}
	}
	size, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, fmt.Errorf("nosql: backup: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("nosql: backup: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return nil, fmt.Errorf("nosql: backup: %w", err)
	}
	ok = true

	st := manifest.stats()
	st.ArchiveBytes = size
	st.Elapsed = time.Since(start)
	db.logger.LogAttrs(db.context, slog.LevelInfo, "nosql: backup written", slog.String("db", db.path), slog.String("archive", path), slog.String("id", st.ID), slog.Int("records", st.Records), slog.Int64("bytes", st.ArchiveBytes), slog.Duration("elapsed", st.Elapsed))
	return st, nil
}

// BackupAsync runs Backup in a new goroutine and reports the outcome to
// done, which may be nil.
func (db *DB) BackupAsync(path string, done func(st *BackupStats, err error)) {
	go func() {
		st, err := db.Backup(path)
		if done != nil {
			done(st, err)
		}
	}()
}

func writeArchiveEntry(tw *tar.Writer, name string, size int64, modTime time.Time, r io.Reader) error {
	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Mode:     0o644,
		Size:     size,
		ModTime:  modTime,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write header %s: %w", name, err)
	}
	n, err := io.Copy(tw, r)
	if err != nil {
		return fmt.Errorf("copy %s: %w", name, err)
	}
	if n != size {
		return fmt.Errorf("copy %s: wrote %d bytes, expected %d", name, n, size)
	}
	return nil
}

// Restore replaces the log, the meta entries and the view definitions with
// the contents of an archive made by Backup, then rebuilds every view. The
// whole archive is read and verified before anything is replaced; a bad
// archive leaves the database untouched. Queries are blocked until the
// views are rebuilt.
func (db *DB) Restore(path string) (*BackupStats, error) {
	start := time.Now()
	arc, err := readArchive(path, filepath.Dir(db.path))
	if err != nil {
		return nil, err
	}
	defer arc.cleanup()

	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, ErrClosed
	}

	oldMeta := db.meta.snapshot()
	oldViews := db.viewDefs_locked()
	if err := db.meta.replaceAll(arc.meta, arc.views); err != nil {
		return nil, err
	}
	if err := db.jrnl.Replace(arc.logPath); err != nil {
		if rerr := db.meta.replaceAll(oldMeta, oldViews); rerr != nil {
			db.logger.LogAttrs(db.context, slog.LevelError, "nosql: restore: failed to roll back meta", slog.String("db", db.path), slog.Any("err", rerr))
		}
		return nil, fmt.Errorf("nosql: restore: %w", err)
	}
	arc.logPath = ""
	if err := db.installViews_locked(arc.views); err != nil {
		return nil, err
	}

	st := arc.manifest.stats()
	st.ArchiveBytes = arc.size
	st.Elapsed = time.Since(start)
	db.logger.LogAttrs(db.context, slog.LevelInfo, "nosql: restored", slog.String("db", db.path), slog.String("archive", path), slog.String("id", st.ID), slog.Int("records", st.Records), slog.Int("views", st.Views), slog.Duration("elapsed", st.Elapsed))
	return st, nil
}

// RestoreAsync runs Restore in a new goroutine and reports the outcome to
// done, which may be nil.
func (db *DB) RestoreAsync(path string, done func(st *BackupStats, err error)) {
	go func() {
		st, err := db.Restore(path)
		if done != nil {
			done(st, err)
		}
	}()
}

type archive struct {
	manifest backupManifest
	size     int64
	logPath  string
	meta     map[string]any
	views    []ViewDef
}

func (arc *archive) cleanup() {
	if arc.logPath != "" {
		os.Remove(arc.logPath)
		arc.logPath = ""
	}
}

func archiveErrf(path string, format string, args ...any) error {
	return fmt.Errorf("nosql: restore %s: %w: %s", path, ErrCorrupt, fmt.Sprintf(format, args...))
}

// readArchive reads and verifies a backup archive, extracting the log into
// a temporary file in dir.
func readArchive(path, dir string) (_ *archive, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("nosql: restore: %w", err)
	}
	defer f.Close()

	arc := &archive{}
	defer func() {
		if err != nil {
			arc.cleanup()
		}
	}()

	gzr, err := gzip.NewReader(f)
	if err != nil {
		return nil, archiveErrf(path, "gzip: %v", err)
	}
	defer gzr.Close()
	tr := tar.NewReader(gzr)

	seen := make(map[string]bool)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, archiveErrf(path, "tar: %v", err)
		}
		if seen[hdr.Name] {
			return nil, archiveErrf(path, "duplicate entry %q", hdr.Name)
		}
		seen[hdr.Name] = true

		switch hdr.Name {
		case entryManifest:
			raw, err := readSmallEntry(tr, hdr)
			if err != nil {
				return nil, archiveErrf(path, "%v", err)
			}
			if err := msgpack.Unmarshal(raw, &arc.manifest); err != nil {
				return nil, archiveErrf(path, "manifest: %v", err)
			}
		case entryLog:
			lf, err := os.CreateTemp(dir, ".nosql-restore-*")
			if err != nil {
				return nil, fmt.Errorf("nosql: restore: %w", err)
			}
			arc.logPath = lf.Name()
			_, err = io.Copy(lf, tr)
			if cerr := lf.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return nil, archiveErrf(path, "log: %v", err)
			}
		case entryMeta:
			raw, err := readSmallEntry(tr, hdr)
			if err != nil {
				return nil, archiveErrf(path, "%v", err)
			}
			v, err := decodeValue(raw)
			if err != nil {
				return nil, archiveErrf(path, "meta: %v", err)
			}
			m, ok := v.(map[string]any)
			if !ok {
				return nil, archiveErrf(path, "meta is a %T", v)
			}
			arc.meta = m
		case entryViews:
			raw, err := readSmallEntry(tr, hdr)
			if err != nil {
				return nil, archiveErrf(path, "%v", err)
			}
			if err := msgpack.Unmarshal(raw, &arc.views); err != nil {
				return nil, archiveErrf(path, "views: %v", err)
			}
			for i := range arc.views {
				if err := arc.views[i].normalize(); err != nil {
					return nil, archiveErrf(path, "view %q: %v", arc.views[i].Name, err)
				}
			}
		default:
			return nil, archiveErrf(path, "unexpected entry %q", hdr.Name)
		}
	}
	if fi, err := f.Stat(); err == nil {
		arc.size = fi.Size()
	}

	for _, name := range []string{entryManifest, entryLog, entryMeta, entryViews} {
		if !seen[name] {
			return nil, archiveErrf(path, "missing entry %q", name)
		}
	}
	m := &arc.manifest
	if m.Format != backupFormat {
		return nil, archiveErrf(path, "unsupported format %d", m.Format)
	}
	vst, err := journal.Verify(arc.logPath)
	if err != nil {
		if errors.Is(err, journal.ErrCorrupted) || errors.Is(err, journal.ErrIncompatible) || errors.Is(err, journal.ErrUnsupportedVersion) {
			return nil, archiveErrf(path, "log: %v", err)
		}
		return nil, fmt.Errorf("nosql: restore: %w", err)
	}
	if vst.Checksum != m.LogChecksum {
		return nil, archiveErrf(path, "log checksum %016x, manifest says %016x", vst.Checksum, m.LogChecksum)
	}
	if vst.Records != m.Records || vst.Deleted != 0 {
		return nil, archiveErrf(path, "log has %d records (%d deleted), manifest says %d", vst.Records, vst.Deleted, m.Records)
	}
	if len(arc.meta) != m.MetaKeys {
		return nil, archiveErrf(path, "%d meta keys, manifest says %d", len(arc.meta), m.MetaKeys)
	}
	if len(arc.views) != m.Views {
		return nil, archiveErrf(path, "%d views, manifest says %d", len(arc.views), m.Views)
	}
	return arc, nil
}

func readSmallEntry(tr *tar.Reader, hdr *tar.Header) ([]byte, error) {
	if hdr.Size > maxSmallEntry {
		return nil, fmt.Errorf("%s: entry too large (%d bytes)", hdr.Name, hdr.Size)
	}
	raw, err := io.ReadAll(tr)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", hdr.Name, err)
	}
	return raw, nil
}

func closeAndDeleteUnlessOK(f *os.File, ok *bool) {
	if *ok {
		return
	}
	f.Close()
	os.Remove(f.Name())
}
