package nosql

import (
	"fmt"
	"iter"
	"strings"
)

type ScalarType int

const (
	ScalarCount ScalarType = iota + 1
	ScalarSum
	ScalarAvg
	ScalarMin
	ScalarMax
	ScalarGroup
)

var scalarTypeNames = map[ScalarType]string{
	ScalarCount: "count",
	ScalarSum:   "sum",
	ScalarAvg:   "avg",
	ScalarMin:   "min",
	ScalarMax:   "max",
	ScalarGroup: "group",
}

func (t ScalarType) String() string {
	if s, ok := scalarTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("invalid scalar type %d", int(t))
}

func (t ScalarType) valid() bool {
	_, ok := scalarTypeNames[t]
	return ok
}

// needsField reports whether the aggregate reads a document field.
func (t ScalarType) needsField() bool {
	return t != ScalarCount
}

// ParseScalarType converts a name like "avg" into a ScalarType.
func ParseScalarType(s string) (ScalarType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for t, name := range scalarTypeNames {
		if name == s {
			return t, nil
		}
	}
	return 0, usageErrf("scalar", "unsupported scalar type %q", s)
}

// Scalar is the result of an aggregation.
//
// For count, Value is the number of matching documents. For sum, avg, min
// and max, Value is computed over the documents whose field holds a number;
// others are skipped, and Count says how many contributed. Valid is false
// when nothing contributed to avg, min or max (Value is then zero). For
// group, Groups lists distinct values in first-seen order and Value is the
// number of groups.
type Scalar struct {
	Type   ScalarType
	Field  string
	Value  float64
	Valid  bool
	Count  int
	Groups []Group

	groupIdx map[string]int
}

type Group struct {
	Key   any
	Count int
}

// Group returns the number of documents whose field equals key.
func (s *Scalar) Group(key any) (int, bool) {
	nk, err := normalizeValue(key)
	if err != nil {
		return 0, false
	}
	i, ok := s.groupIdx[valueKey(nk)]
	if !ok {
		return 0, false
	}
	return s.Groups[i].Count, true
}

func (s *Scalar) String() string {
	switch {
	case s.Type == ScalarGroup:
		var buf strings.Builder
		buf.WriteByte('{')
		for i, g := range s.Groups {
			if i > 0 {
				buf.WriteString(", ")
			}
			fmt.Fprintf(&buf, "%v: %d", g.Key, g.Count)
		}
		buf.WriteByte('}')
		return buf.String()
	case !s.Valid:
		return "<none>"
	default:
		return fmt.Sprint(s.Value)
	}
}

func aggregate(typ ScalarType, field string, docs iter.Seq[Document]) *Scalar {
	s := &Scalar{Type: typ, Field: field}
	switch typ {
	case ScalarCount:
		for range docs {
			s.Count++
		}
		s.Value, s.Valid = float64(s.Count), true

	case ScalarSum, ScalarAvg:
		var sum float64
		for doc := range docs {
			v, _ := doc.Get(field)
			if n, ok := toNumber(v); ok {
				sum += n
				s.Count++
			}
		}
		if typ == ScalarSum {
			s.Value, s.Valid = sum, true
		} else if s.Count > 0 {
			s.Value, s.Valid = sum/float64(s.Count), true
		}

	case ScalarMin, ScalarMax:
		for doc := range docs {
			v, _ := doc.Get(field)
			n, ok := toNumber(v)
			if !ok {
				continue
			}
			if s.Count == 0 || (typ == ScalarMin && n < s.Value) || (typ == ScalarMax && n > s.Value) {
				s.Value = n
			}
			s.Count++
		}
		s.Valid = s.Count > 0

	case ScalarGroup:
		s.groupIdx = make(map[string]int)
		for doc := range docs {
			v, ok := doc.Get(field)
			if !ok {
				continue
			}
			k := valueKey(v)
			if i, ok := s.groupIdx[k]; ok {
				s.Groups[i].Count++
			} else {
				s.groupIdx[k] = len(s.Groups)
				s.Groups = append(s.Groups, Group{Key: cloneValue(v), Count: 1})
			}
			s.Count++
		}
		s.Value, s.Valid = float64(len(s.Groups)), true

	default:
		panic(fmt.Errorf("aggregate: %v", typ))
	}
	return s
}
