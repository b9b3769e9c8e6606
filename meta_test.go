package nosql

import (
	"path/filepath"
	"testing"
)

func openTestMeta(t testing.TB) *MetaStore {
	t.Helper()
	s := must(openMetaStore(filepath.Join(t.TempDir(), "test.meta"), Options{IsTesting: true, NoSync: true}))
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMetaStore(t *testing.T) {
	s := openTestMeta(t)
	ensure(s.Set("b", []int{1, 2}))
	ensure(s.Set("a", "x"))
	deepEqual(t, s.Keys(), []string{"a", "b"})
	deepEqual(t, s.Len(), 2)

	// values are copied on the way out
	v, _ := s.Get("b")
	v.([]any)[0] = "changed"
	v, _ = s.Get("b")
	deepEqual(t, v, any([]any{int64(1), int64(2)}))

	ensure(s.Delete("a"))
	ensure(s.Delete("a"))
	deepEqual(t, s.Keys(), []string{"b"})
}

func TestMetaStoreReplaceAll(t *testing.T) {
	s := openTestMeta(t)
	ensure(s.Set("old", 1))
	ensure(s.putView(ViewDef{Name: "stale"}))

	views := []ViewDef{{Name: "v", Filter: []Cond{{Field: "age", Op: Gt, Value: int64(5)}}, SortField: "age", SortDesc: true}}
	ensure(s.replaceAll(map[string]any{"new": 2, "skipped": nil}, views))
	deepEqual(t, s.snapshot(), map[string]any{"new": int64(2)})
	deepEqual(t, must(s.loadViews()), views)

	ensure(s.deleteView("v"))
	isempty(t, must(s.loadViews()))
}

func TestMetaStoreDrop(t *testing.T) {
	s := openTestMeta(t)
	ensure(s.Set("k", true))
	ensure(s.putView(ViewDef{Name: "v"}))
	ensure(s.drop(Options{IsTesting: true, NoSync: true}))
	deepEqual(t, s.Len(), 0)
	isempty(t, must(s.loadViews()))
}
