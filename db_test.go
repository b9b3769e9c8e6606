package nosql

import (
	"errors"
	"log/slog"
	"path/filepath"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andreyvit/nosql/journal"
)

func init() {
	slog.SetLogLoggerLevel(slog.LevelDebug)
}

func TestDB(t *testing.T) {
	db := setup(t)

	r1 := must(db.Insert(Document{"name": "a", "age": 3}, false).Exec())
	r2 := must(db.Insert(Document{"name": "b", "age": 5}, false).Exec())
	deepEqual(t, r1.ID, uint64(1))
	deepEqual(t, r2.ID, uint64(2))

	res := must(db.Find().Exec())
	deepEqual(t, res.IDs, []uint64{1, 2})
	deepEqual(t, res.Documents, []Document{
		{"name": "a", "age": int64(3)},
		{"name": "b", "age": int64(5)},
	})

	res = must(db.Scalar(ScalarAvg, "age").Exec())
	deepEqual(t, res.Scalar.Value, 4.0)
	deepEqual(t, res.Scalar.Valid, true)
}

func TestDBOne(t *testing.T) {
	db := setup(t)
	insertAll(t, db, Document{"name": "a"}, Document{"name": "b"})

	res := must(db.One().Where("name", Eq, "b").Exec())
	deepEqual(t, res.Found, true)
	deepEqual(t, res.ID, uint64(2))
	deepEqual(t, res.First(), Document{"name": "b"})

	res = must(db.One().Where("name", Eq, "zzz").Exec())
	deepEqual(t, res.Found, false)
	isnilDoc(t, res.First())
}

func TestDBSortSkipTake(t *testing.T) {
	db := setup(t)
	insertAll(t, db,
		Document{"n": 1, "age": 30},
		Document{"n": 2, "age": 10},
		Document{"n": 3, "age": 20},
		Document{"n": 4, "age": 10},
		Document{"n": 5},
	)

	ids := func(q *Query) []uint64 {
		t.Helper()
		return must(q.Exec()).IDs
	}
	deepEqual(t, ids(db.Find().Sort("age", false)), []uint64{5, 2, 4, 3, 1})
	deepEqual(t, ids(db.Find().Sort("age", true)), []uint64{1, 3, 2, 4, 5})
	deepEqual(t, ids(db.Find().Where("age", Gte, 0).Sort("age", false).Skip(1).Take(2)), []uint64{4, 3})
	deepEqual(t, ids(db.Find().Skip(3)), []uint64{4, 5})
	deepEqual(t, ids(db.Find().Take(0)), []uint64(nil))
	deepEqual(t, ids(db.Top(2)), []uint64{1, 2})
	deepEqual(t, ids(db.Top(2).Where("age", Lt, 25).Sort("age", true)), []uint64{3, 2})

	deepEqual(t, must(db.Count().Exec()).Count, 5)
	deepEqual(t, must(db.Count().Where("age", Eq, 10).Exec()).Count, 2)
	deepEqual(t, must(db.Count().Skip(4).Exec()).Count, 1)
}

func TestDBUpdateAndModify(t *testing.T) {
	db := setup(t)
	insertAll(t, db,
		Document{"name": "a", "age": 3, "tags": []string{"x"}},
		Document{"name": "b", "age": 5},
	)

	res := must(db.Update(Patch{"age": 4, "info.seen": true}, NoFallback).Where("name", Eq, "a").Exec())
	deepEqual(t, res.Count, 1)
	deepEqual(t, res.IDs, []uint64{1})
	deepEqual(t, res.First(), Document{"name": "a", "age": int64(4), "tags": []any{"x"}, "info": map[string]any{"seen": true}})

	res = must(db.Modify(Patch{"age": func(v any) any { return v.(int64) * 10 }, "tags": Unset}, NoFallback).Exec())
	deepEqual(t, res.Count, 2)

	// rewritten documents move to the end of the log
	found := must(db.Find().Exec())
	deepEqual(t, found.IDs, []uint64{2, 1})
	deepEqual(t, found.Documents, []Document{
		{"name": "b", "age": int64(50)},
		{"name": "a", "age": int64(40), "info": map[string]any{"seen": true}},
	})
}

func TestDBUpdateFallback(t *testing.T) {
	db := setup(t)
	insertAll(t, db, Document{"name": "a"})

	res := must(db.Update(Patch{"age": 1}, NoFallback).Where("name", Eq, "z").Exec())
	deepEqual(t, res.Count, 0)
	deepEqual(t, res.Inserted, false)

	res = must(db.Update(Patch{"age": 1}, InsertPatch()).Where("name", Eq, "z").Exec())
	deepEqual(t, res.Inserted, true)
	deepEqual(t, res.ID, uint64(2))

	res = must(db.Modify(Patch{"age": 2}, InsertReplacement(Document{"name": "z", "age": 2})).Where("name", Eq, "z").Exec())
	deepEqual(t, res.Inserted, true)
	deepEqual(t, res.ID, uint64(3))

	found := must(db.Find().Exec())
	deepEqual(t, found.Documents, []Document{
		{"name": "a"},
		{"age": int64(1)},
		{"name": "z", "age": int64(2)},
	})
}

func TestDBUniqueInsert(t *testing.T) {
	db := setup(t)
	var events []Op
	db.Subscribe(func(chg *Change) { events = append(events, chg.Op) })

	must(db.Insert(Document{"email": "x@example.com", "n": 1}, true).Exec())
	size := db.Stats().LogSize

	res := must(db.Insert(Document{"n": 1, "email": "x@example.com"}, true).Exec())
	deepEqual(t, res.Duplicate, true)
	deepEqual(t, res.ID, uint64(1))
	deepEqual(t, db.Stats().LogSize, size)

	res = must(db.Query().Where("email", Eq, "x@example.com").Insert(Document{"email": "x@example.com", "n": 2}, true).Exec())
	deepEqual(t, res.Duplicate, true)
	deepEqual(t, db.Stats().LogSize, size)

	res = must(db.Insert(Document{"email": "x@example.com", "n": 2}, true).Exec())
	deepEqual(t, res.Duplicate, false)
	deepEqual(t, res.ID, uint64(2))

	// pagination does not hide existing duplicates
	res = must(db.Query().Skip(1).Insert(Document{"email": "x@example.com", "n": 1}, true).Exec())
	deepEqual(t, res.Duplicate, true)
	deepEqual(t, res.ID, uint64(1))
	res = must(db.Query().Take(0).Insert(Document{"email": "x@example.com", "n": 2}, true).Exec())
	deepEqual(t, res.Duplicate, true)
	deepEqual(t, res.ID, uint64(2))

	deepEqual(t, events, []Op{OpInsert, OpInsert})
}

func TestDBRemove(t *testing.T) {
	db := setup(t)
	var events []*Change
	cancel := db.Subscribe(func(chg *Change) { events = append(events, chg) })
	defer cancel()
	insertAll(t, db, Document{"name": "a"}, Document{"name": "b"})

	res := must(db.Remove("").Where("name", Eq, "a").Exec())
	deepEqual(t, res.Count, 1)
	deepEqual(t, res.IDs, []uint64{1})

	res = must(db.Remove("").Where("name", Eq, "a").Exec())
	deepEqual(t, res.Count, 0)

	deepEqual(t, must(db.Find().Exec()).IDs, []uint64{2})
	deepEqual(t, len(events), 3)
	deepEqual(t, events[2].Op, OpDelete)
	deepEqual(t, events[2].Document, Document{"name": "a"})
}

func TestDBEvents(t *testing.T) {
	db := setup(t)
	var mu sync.Mutex
	var got []string
	cancel := db.Subscribe(func(chg *Change) {
		// listeners may query
		n := must(db.Count().Exec()).Count
		mu.Lock()
		defer mu.Unlock()
		got = append(got, chg.Op.String()+":"+loggableDoc(chg.Document)+":"+loggableDoc(chg.OldDocument)+":"+string(rune('0'+n)))
	})

	insertAll(t, db, Document{"a": 1})
	must(db.Update(Patch{"a": 2}, NoFallback).Exec())
	must(db.Modify(Patch{"a": 3}, NoFallback).Exec())
	must(db.Remove("").Exec())
	cancel()
	insertAll(t, db, Document{"a": 4})

	deepEqual(t, got, []string{
		`insert:{"a":1}:<none>:1`,
		`update:{"a":2}:{"a":1}:1`,
		`modify:{"a":3}:{"a":2}:1`,
		`delete:{"a":3}:<none>:0`,
	})
}

func TestDBListenerPanicIsRecovered(t *testing.T) {
	db := setup(t)
	db.Subscribe(func(chg *Change) { panic("boom") })
	var n int
	db.Subscribe(func(chg *Change) { n++ })
	insertAll(t, db, Document{"a": 1})
	deepEqual(t, n, 1)
}

func TestDBListenerWrites(t *testing.T) {
	db := setup(t)
	var got []string
	db.Subscribe(func(chg *Change) {
		name, _ := chg.Document["name"].(string)
		got = append(got, chg.Op.String()+":"+name)
		if chg.Op == OpInsert && name == "order" {
			must(db.Insert(Document{"name": "audit"}, false).Exec())
			must(db.Update(Patch{"seen": true}, NoFallback).Where("name", Eq, "order").Exec())
		}
	})
	insertAll(t, db, Document{"name": "order"})

	deepEqual(t, got, []string{"insert:order", "insert:audit", "update:order"})
	deepEqual(t, must(db.Count().Where("seen", Eq, true).Exec()).Count, 1)

	// delivery state is reset, so later writes notify again
	insertAll(t, db, Document{"name": "later"})
	deepEqual(t, got[len(got)-1], "insert:later")
}

func TestDBConcurrentInserts(t *testing.T) {
	const writers, perWriter = 8, 25
	db := setup(t)
	base := db.Stats().LogSize

	var expected atomic.Int64
	var wg sync.WaitGroup
	for w := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perWriter {
				doc := Document{"w": w, "i": i, "pad": string(make([]byte, i))}
				expected.Add(journal.Record{Payload: must(EncodeDocument(doc))}.Size())
				if _, err := db.Insert(doc, false).Exec(); err != nil {
					t.Error(err)
				}
			}
		}()
	}
	wg.Wait()

	st := db.Stats()
	deepEqual(t, st.Documents, writers*perWriter)
	deepEqual(t, st.LogSize, base+expected.Load())
	deepEqual(t, must(db.Count().Exec()).Count, writers*perWriter)
}

func TestDBUsageErrors(t *testing.T) {
	db := setup(t)
	insertAll(t, db, Document{"a": 1})
	reads := db.ReadCount.Load()

	usage := func(name string, q *Query) {
		t.Helper()
		_, err := q.Exec()
		if !errors.Is(err, ErrUsage) {
			t.Errorf("** %s: got %v, wanted a usage error", name, err)
		}
	}
	usage("two terminals", db.Find().Count())
	usage("bad scalar type", db.Scalar(ScalarType(99), "a"))
	usage("scalar without field", db.Scalar(ScalarSum, ""))
	usage("no terminal", db.Query().Where("a", Eq, 1))
	usage("unknown view", db.Find("nope"))
	usage("negative top", db.Top(-1))
	usage("negative skip", db.Find().Skip(-1))
	usage("bad operator", db.Find().Where("a", Operator("~~"), 1))
	usage("bad regexp", db.Find().Where("a", Match, "("))
	usage("in without list", db.Find().Where("a", In, 1))
	usage("empty patch", db.Update(Patch{}, NoFallback))
	usage("bad patch path", db.Update(Patch{"a..b": 1}, NoFallback))
	usage("unsupported value", db.Insert(Document{"f": func() {}}, false))
	usage("view over filter func", db.View("v").Filter(func(Document) bool { return true }))

	q := db.Find()
	must(q.Exec())
	usage("second exec", q)
	usage("chaining after exec", q.Where("a", Eq, 1))

	deepEqual(t, db.ReadCount.Load(), reads+1)
	deepEqual(t, must(db.Count().Exec()).Count, 1)
}

func TestDBMeta(t *testing.T) {
	db := setup(t)
	ensure(db.Set("version", 3))
	ensure(db.Set("cfg", map[string]string{"mode": "fast"}))
	ensure(db.Set("gone", true))
	ensure(db.Set("gone", nil))

	db = reopen(t, db)
	v, ok := db.Get("version")
	deepEqual(t, ok, true)
	deepEqual(t, v, any(int64(3)))
	v, _ = db.Get("cfg")
	deepEqual(t, v, any(map[string]any{"mode": "fast"}))
	_, ok = db.Get("gone")
	deepEqual(t, ok, false)
	deepEqual(t, db.Meta().Keys(), []string{"cfg", "version"})

	if err := db.Set("", 1); !errors.Is(err, ErrUsage) {
		t.Errorf("** Set with empty key returned %v", err)
	}
}

func TestDBCompact(t *testing.T) {
	db := setup(t)
	insertAll(t, db, Document{"n": 1, "age": 20}, Document{"n": 2, "age": 30}, Document{"n": 3, "age": 40})
	must(db.View("old").Where("age", Gte, 30).Sort("age", true).Exec())
	must(db.Remove("").Where("n", Eq, 1).Exec())
	must(db.Update(Patch{"age": 50}, NoFallback).Where("n", Eq, 2).Exec())

	st := must(db.Compact())
	deepEqual(t, st.Kept, 2)
	deepEqual(t, st.Dropped, 2)
	deepEqual(t, db.Stats().Deleted, 0)

	deepEqual(t, must(db.Find().Exec()).IDs, []uint64{3, 2})
	deepEqual(t, must(db.ViewIDs("old")), []uint64{2, 3})
	deepEqual(t, must(db.Find("old").Exec()).Documents, []Document{
		{"n": int64(2), "age": int64(50)},
		{"n": int64(3), "age": int64(40)},
	})

	r := must(db.Insert(Document{"n": 4}, false).Exec())
	deepEqual(t, r.ID, uint64(4))
}

func TestDBReopenKeepsIDs(t *testing.T) {
	db := setup(t)
	insertAll(t, db, Document{"n": 1}, Document{"n": 2})
	must(db.Remove("").Where("n", Eq, 2).Exec())
	must(db.Compact())

	db = reopen(t, db)
	r := must(db.Insert(Document{"n": 3}, false).Exec())
	deepEqual(t, r.ID, uint64(3))
}

func TestDBClosed(t *testing.T) {
	db := setup(t)
	ensure(db.Release())
	ensure(db.Close())
	if _, err := db.Find().Exec(); !errors.Is(err, ErrClosed) {
		t.Errorf("** Find on closed db returned %v", err)
	}
	if _, err := db.Insert(Document{}, false).Exec(); !errors.Is(err, ErrClosed) {
		t.Errorf("** Insert on closed db returned %v", err)
	}
}

func setup(t testing.TB) *DB {
	t.Helper()
	return open(t, filepath.Join(t.TempDir(), "test.db"), Options{})
}

func open(t testing.TB, path string, opt Options) *DB {
	t.Helper()
	opt.IsTesting = true
	opt.Verbose = true
	opt.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	db := must(Open(path, opt))
	t.Cleanup(func() { db.Close() })
	return db
}

func reopen(t testing.TB, db *DB) *DB {
	t.Helper()
	ensure(db.Close())
	return open(t, db.Path(), db.opt)
}

func insertAll(t testing.TB, db *DB, docs ...Document) []uint64 {
	t.Helper()
	var ids []uint64
	for _, doc := range docs {
		res, err := db.Insert(doc, false).Exec()
		if err != nil {
			t.Fatalf("** insert %v: %v", doc, err)
		}
		ids = append(ids, res.ID)
	}
	return ids
}

func deepEqual[T any](t testing.TB, a, e T) {
	if !reflect.DeepEqual(a, e) {
		t.Helper()
		t.Errorf("** got %v, wanted %v", a, e)
	}
}

func isempty[T any, S ~[]T](t testing.TB, a S) {
	if len(a) > 0 {
		t.Helper()
		t.Errorf("** got %v, wanted empty slice", a)
	}
}

func isnilDoc(t testing.TB, a Document) {
	if a != nil {
		t.Helper()
		t.Errorf("** got %v, wanted nil", a)
	}
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
