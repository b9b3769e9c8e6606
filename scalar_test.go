package nosql

import (
	"slices"
	"testing"
)

func TestAggregate(t *testing.T) {
	docs := []Document{
		{"age": int64(3), "city": "x"},
		{"age": 5.5, "city": "y"},
		{"age": "n/a", "city": "x"},
		{"city": int64(1)},
		{"age": int64(-1)},
	}
	run := func(typ ScalarType) *Scalar {
		return aggregate(typ, "age", slices.Values(docs))
	}

	s := run(ScalarCount)
	deepEqual(t, s.Value, 5.0)
	deepEqual(t, s.Count, 5)

	s = run(ScalarSum)
	deepEqual(t, s.Value, 7.5)
	deepEqual(t, s.Count, 3)

	s = run(ScalarAvg)
	deepEqual(t, s.Value, 2.5)
	deepEqual(t, s.Valid, true)

	deepEqual(t, run(ScalarMin).Value, -1.0)
	deepEqual(t, run(ScalarMax).Value, 5.5)

	g := aggregate(ScalarGroup, "city", slices.Values(docs))
	deepEqual(t, g.Groups, []Group{{"x", 2}, {"y", 1}, {int64(1), 1}})
	deepEqual(t, g.Value, 3.0)
	deepEqual(t, g.Count, 4)
	n, ok := g.Group(1)
	deepEqual(t, n, 1)
	deepEqual(t, ok, true)
	_, ok = g.Group("z")
	deepEqual(t, ok, false)
	deepEqual(t, g.String(), "{x: 2, y: 1, 1: 1}")
}

func TestAggregateEmpty(t *testing.T) {
	none := slices.Values([]Document{{"age": "old"}})
	for _, typ := range []ScalarType{ScalarAvg, ScalarMin, ScalarMax} {
		s := aggregate(typ, "age", none)
		deepEqual(t, s.Valid, false)
		deepEqual(t, s.Value, 0.0)
		deepEqual(t, s.String(), "<none>")
	}
	s := aggregate(ScalarSum, "age", none)
	deepEqual(t, s.Valid, true)
	deepEqual(t, s.Value, 0.0)
}

func TestParseScalarType(t *testing.T) {
	for _, typ := range []ScalarType{ScalarCount, ScalarSum, ScalarAvg, ScalarMin, ScalarMax, ScalarGroup} {
		deepEqual(t, must(ParseScalarType(typ.String())), typ)
	}
	deepEqual(t, must(ParseScalarType(" AVG ")), ScalarAvg)
	if _, err := ParseScalarType("median"); err == nil {
		t.Errorf("** ParseScalarType(median) succeeded")
	}
}

func TestDBScalar(t *testing.T) {
	db := setup(t)
	insertAll(t, db,
		Document{"name": "a", "age": 3, "city": "x"},
		Document{"name": "b", "age": 5, "city": "y"},
		Document{"name": "c", "age": 10, "city": "x"},
	)
	scalar := func(q *Query) *Scalar {
		t.Helper()
		return must(q.Exec()).Scalar
	}
	deepEqual(t, scalar(db.Scalar(ScalarCount, "")).Value, 3.0)
	deepEqual(t, scalar(db.Scalar(ScalarSum, "age").Where("city", Eq, "x")).Value, 13.0)
	deepEqual(t, scalar(db.Scalar(ScalarMax, "age").Where("age", Lt, 10)).Value, 5.0)
	deepEqual(t, scalar(db.Scalar(ScalarAvg, "age").Where("city", Eq, "z")).Valid, false)
	deepEqual(t, scalar(db.Scalar(ScalarGroup, "city")).Groups, []Group{{"x", 2}, {"y", 1}})
	deepEqual(t, scalar(db.Scalar(ScalarMin, "age").Sort("age", true).Take(2)).Value, 5.0)
}
