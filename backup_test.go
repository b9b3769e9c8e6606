package nosql

import (
	"archive/tar"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/andreyvit/nosql/journal"
)

type dbState struct {
	IDs   []uint64
	Docs  []Document
	Meta  map[string]any
	Views []ViewDef
	View  map[string][]uint64
}

func captureState(t testing.TB, db *DB) dbState {
	t.Helper()
	res := must(db.Find().Exec())
	st := dbState{
		IDs:   res.IDs,
		Docs:  res.Documents,
		Meta:  db.Meta().snapshot(),
		Views: db.Views(),
		View:  make(map[string][]uint64),
	}
	for _, def := range st.Views {
		st.View[def.Name] = must(db.ViewIDs(def.Name))
	}
	return st
}

func populate(t testing.TB, db *DB) {
	t.Helper()
	insertAll(t, db,
		Document{"name": "a", "age": 30, "bin": []byte{1, 2}},
		Document{"name": "b", "age": 12},
		Document{"name": "c", "age": 45, "tags": []string{"x"}},
	)
	must(db.View("adults").Where("age", Gte, 18).Sort("age", true).Exec())
	must(db.View("all").Exec())
	must(db.Remove("").Where("name", Eq, "b").Exec())
	must(db.Update(Patch{"age": 31}, NoFallback).Where("name", Eq, "a").Exec())
	ensure(db.Set("version", 2))
	ensure(db.Set("owner", map[string]any{"name": "root"}))
}

func TestBackupDropRestore(t *testing.T) {
	db := setup(t)
	populate(t, db)
	before := captureState(t, db)
	deepEqual(t, before.View["adults"], []uint64{3, 1})

	archive := filepath.Join(t.TempDir(), "backup.tar.gz")
	bst := must(db.Backup(archive))
	deepEqual(t, bst.Records, 2)
	deepEqual(t, bst.MetaKeys, 2)
	deepEqual(t, bst.Views, 2)
	if bst.ID == "" || bst.ArchiveBytes == 0 {
		t.Errorf("** incomplete backup stats %+v", bst)
	}
	// backup does not change the live database
	deepEqual(t, captureState(t, db), before)

	ensure(db.Drop())
	deepEqual(t, must(db.Count().Exec()).Count, 0)
	isempty(t, db.Views())
	_, ok := db.Get("version")
	deepEqual(t, ok, false)

	rst := must(db.Restore(archive))
	deepEqual(t, rst.ID, bst.ID)
	deepEqual(t, rst.Records, 2)
	deepEqual(t, captureState(t, db), before)

	// restored state is durable
	db = reopen(t, db)
	deepEqual(t, captureState(t, db), before)

	r := must(db.Insert(Document{"name": "d"}, false).Exec())
	deepEqual(t, r.ID, uint64(4))
	deepEqual(t, must(db.ViewIDs("all")), []uint64{3, 1, 4})
}

func TestBackupAsync(t *testing.T) {
	db := setup(t)
	populate(t, db)
	before := captureState(t, db)
	archive := filepath.Join(t.TempDir(), "backup.tar.gz")

	done := make(chan error, 1)
	db.BackupAsync(archive, func(st *BackupStats, err error) {
		if err == nil && st.Records != 2 {
			t.Errorf("** backup recorded %d records", st.Records)
		}
		done <- err
	})
	ensure(<-done)

	ensure(db.Drop())
	db.RestoreAsync(archive, func(st *BackupStats, err error) { done <- err })
	ensure(<-done)
	deepEqual(t, captureState(t, db), before)
}

func TestRestoreIntoAnotherDB(t *testing.T) {
	src := setup(t)
	populate(t, src)
	archive := filepath.Join(t.TempDir(), "backup.tar.gz")
	must(src.Backup(archive))

	dst := setup(t)
	insertAll(t, dst, Document{"other": true})
	ensure(dst.Set("other", 1))
	must(dst.Restore(archive))
	deepEqual(t, captureState(t, dst), captureState(t, src))
}

func TestRestoreRejectsBadArchives(t *testing.T) {
	db := setup(t)
	populate(t, db)
	dir := t.TempDir()
	good := filepath.Join(dir, "good.tar.gz")
	must(db.Backup(good))
	raw := must(os.ReadFile(good))

	truncated := filepath.Join(dir, "truncated.tar.gz")
	ensure(os.WriteFile(truncated, raw[:len(raw)/2], 0o644))

	garbage := filepath.Join(dir, "garbage.tar.gz")
	ensure(os.WriteFile(garbage, []byte("not an archive"), 0o644))

	incomplete := filepath.Join(dir, "incomplete.tar.gz")
	writeTestArchive(t, incomplete, map[string][]byte{
		entryManifest: must(msgpack.Marshal(&backupManifest{Format: backupFormat})),
	})

	badFormat := filepath.Join(dir, "format.tar.gz")
	writeTestArchive(t, badFormat, map[string][]byte{
		entryManifest: must(msgpack.Marshal(&backupManifest{Format: 99})),
		entryLog:      {},
		entryMeta:     must(encodeNormalized(map[string]any{})),
		entryViews:    must(encodeViewDefs(nil)),
	})

	before := captureState(t, db)
	logSize := db.Stats().LogSize
	for _, path := range []string{truncated, garbage, incomplete, badFormat} {
		_, err := db.Restore(path)
		if !errors.Is(err, ErrCorrupt) {
			t.Errorf("** Restore(%s) returned %v, wanted ErrCorrupt", filepath.Base(path), err)
		}
		deepEqual(t, captureState(t, db), before)
		deepEqual(t, db.Stats().LogSize, logSize)
	}

	_, err := db.Restore(filepath.Join(dir, "missing.tar.gz"))
	if err == nil || errors.Is(err, ErrCorrupt) {
		t.Errorf("** Restore of a missing file returned %v", err)
	}

	// no temporary files are left behind
	entries := must(os.ReadDir(filepath.Dir(db.Path())))
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	deepEqual(t, names, []string{"test.db", "test.db.meta"})
}

func TestRemoveWithBackupFile(t *testing.T) {
	db := setup(t)
	insertAll(t, db, Document{"name": "a", "n": 1}, Document{"name": "b", "n": 2}, Document{"name": "a", "n": 3})
	removed := filepath.Join(t.TempDir(), "removed.log")

	res := must(db.Remove(removed).Where("name", Eq, "a").Exec())
	deepEqual(t, res.IDs, []uint64{1, 3})
	deepEqual(t, must(db.Find().Exec()).IDs, []uint64{2})

	must(db.Insert(Document{"name": "a", "n": 4}, false).Exec())
	must(db.Remove(removed).Where("n", Eq, 4).Exec())

	j := must(journal.Open(removed, journal.Options{NoSync: true}))
	defer j.Close()
	var ids []uint64
	var docs []Document
	for rec, err := range j.Scan() {
		ensure(err)
		ids = append(ids, rec.ID)
		docs = append(docs, must(DecodeDocument(rec.Payload)))
	}
	deepEqual(t, ids, []uint64{1, 3, 4})
	deepEqual(t, docs, []Document{
		{"name": "a", "n": int64(1)},
		{"name": "a", "n": int64(3)},
		{"name": "a", "n": int64(4)},
	})
}

func writeTestArchive(t testing.TB, path string, entries map[string][]byte) {
	t.Helper()
	f := must(os.Create(path))
	defer f.Close()
	gzw := gzip.NewWriter(f)
	tw := tar.NewWriter(gzw)
	for _, name := range []string{entryManifest, entryLog, entryMeta, entryViews} {
		data, ok := entries[name]
		if !ok {
			continue
		}
		ensure(tw.WriteHeader(&tar.Header{Typeflag: tar.TypeReg, Name: name, Mode: 0o644, Size: int64(len(data))}))
		must(tw.Write(data))
	}
	ensure(tw.Close())
	ensure(gzw.Close())
}
