package nosql

import (
	"math"
	"testing"
	"time"
)

func TestCompareValues(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ordered := []any{
		nil,
		false,
		true,
		math.Inf(-1),
		int64(-3),
		-2.5,
		int64(0),
		0.5,
		int64(1),
		int64(math.MaxInt64),
		uint64(math.MaxUint64),
		"",
		"a",
		"b",
		[]byte{0},
		t0,
		t0.Add(time.Second),
		[]any{int64(1)},
		[]any{int64(1), int64(2)},
		[]any{int64(2)},
		map[string]any{"a": int64(1)},
	}
	for i, a := range ordered {
		for j, b := range ordered {
			got := compareValues(a, b)
			var wanted int
			if i < j {
				wanted = -1
			} else if i > j {
				wanted = 1
			}
			if got != wanted {
				t.Errorf("** compareValues(%v, %v) = %d, wanted %d", a, b, got, wanted)
			}
		}
	}

	deepEqual(t, compareValues(int64(2), 2.0), 0)
	deepEqual(t, compareValues(2.0, int64(2)), 0)
	deepEqual(t, compareValues(int64(2), 2.1), -1)
}

func TestFilterOperators(t *testing.T) {
	doc := must(Normalize(Document{
		"name":  "Alice",
		"age":   30,
		"score": 4.5,
		"tags":  []string{"admin", "staff"},
		"addr":  map[string]any{"city": "Paris"},
		"nil":   nil,
	}))
	tests := []struct {
		field string
		op    Operator
		value any
		want  bool
	}{
		{"name", Eq, "Alice", true},
		{"name", Eq, "alice", false},
		{"name", Ne, "Bob", true},
		{"missing", Eq, nil, true},
		{"missing", Ne, nil, false},
		{"nil", Eq, nil, true},
		{"age", Eq, 30.0, true},
		{"age", Lt, 31, true},
		{"age", Lt, 30, false},
		{"age", Lte, 30, true},
		{"age", Gt, 29.5, true},
		{"age", Gte, 30, true},
		{"age", Gt, "10", false},
		{"missing", Lt, 100, false},
		{"score", Lt, 5, true},
		{"name", Gt, "Adam", true},
		{"age", In, []int{10, 20, 30}, true},
		{"age", In, []any{"30"}, false},
		{"age", NotIn, []int{10, 20}, true},
		{"tags", Contains, "admin", true},
		{"tags", Contains, "guest", false},
		{"name", Contains, "lic", true},
		{"age", Contains, 3, false},
		{"addr.city", Exists, nil, true},
		{"addr.zip", Exists, nil, false},
		{"addr.zip", NotExists, nil, true},
		{"nil", Exists, nil, true},
		{"name", Prefix, "Al", true},
		{"name", Prefix, "al", false},
		{"age", Prefix, "3", false},
		{"name", Match, "^A.*e$", true},
		{"name", Match, "^B", false},
		{"addr.city", Eq, "Paris", true},
		{"tags.0", Eq, "admin", true},
	}
	for _, tt := range tests {
		c, err := normalizeCond(Cond{Field: tt.field, Op: tt.op, Value: tt.value})
		if err != nil {
			t.Errorf("** %s %s %v: %v", tt.field, tt.op, tt.value, err)
			continue
		}
		p := must(compileConds([]Cond{c}))
		if got := p.match(doc); got != tt.want {
			t.Errorf("** %s %s %v = %v, wanted %v", tt.field, tt.op, tt.value, got, tt.want)
		}
	}
}

func TestPredicateConjunction(t *testing.T) {
	var conds []Cond
	for _, c := range []Cond{
		{Field: "a", Op: Gte, Value: 1},
		{Field: "b", Op: Eq, Value: "x"},
	} {
		conds = append(conds, must(normalizeCond(c)))
	}
	p := must(compileConds(conds))
	docs := []Document{
		{"a": int64(1), "b": "x"},
		{"a": int64(0), "b": "x"},
		{"a": int64(5), "b": "y"},
		{"a": int64(5), "b": "x"},
	}
	var matched []int
	for i, doc := range docs {
		if p.match(doc) {
			matched = append(matched, i)
		}
	}
	deepEqual(t, matched, []int{0, 3})
	deepEqual(t, predicate(nil).match(Document{}), true)
}

func TestPatchApply(t *testing.T) {
	doc := Document{"a": int64(1), "m": map[string]any{"x": int64(1), "y": int64(2)}}
	p := Patch{
		"a":      func(v any) any { return v.(int64) + 1 },
		"m.x":    Unset,
		"m.z":    "new",
		"n.deep": 1,
		"gone":   Unset,
		"c":      func(v any) any { return v == nil },
	}
	ensure(p.validate())
	got := must(p.apply(doc))
	deepEqual(t, got, Document{
		"a": int64(2),
		"m": map[string]any{"y": int64(2), "z": "new"},
		"n": map[string]any{"deep": int64(1)},
		"c": true,
	})
	// the original is untouched
	deepEqual(t, doc, Document{"a": int64(1), "m": map[string]any{"x": int64(1), "y": int64(2)}})

	bad := Patch{"a": func(v any) any { return make(chan int) }}
	if _, err := bad.apply(doc); err == nil {
		t.Errorf("** patch producing a channel succeeded")
	}
	for _, p := range []Patch{{".a": 1}, {"a.": 1}, {"": 1}, {"x": struct{}{}}, {}} {
		if err := p.validate(); err == nil {
			t.Errorf("** %v is valid, wanted an error", p)
		}
	}
}
