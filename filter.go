package nosql

import (
	"bytes"
	"cmp"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"
)

// Operator is a comparison used by Cond.
type Operator string

const (
	Eq        Operator = "="
	Ne        Operator = "!="
	Lt        Operator = "<"
	Lte       Operator = "<="
	Gt        Operator = ">"
	Gte       Operator = ">="
	In        Operator = "in"
	NotIn     Operator = "notin"
	Contains  Operator = "contains"
	Exists    Operator = "exists"
	NotExists Operator = "notexists"
	Prefix    Operator = "prefix"
	Match     Operator = "match"
)

// Cond is a single filter condition on a document field. Conditions are
// persisted as part of view definitions.
type Cond struct {
	Field string   `msgpack:"f"`
	Op    Operator `msgpack:"op"`
	Value any      `msgpack:"v,omitempty"`
}

func (c Cond) String() string {
	switch c.Op {
	case Exists, NotExists:
		return fmt.Sprintf("%s %s", c.Field, c.Op)
	default:
		return fmt.Sprintf("%s %s %v", c.Field, c.Op, c.Value)
	}
}

// predicate is a compiled conjunction of conditions.
type predicate []func(Document) bool

func (p predicate) match(doc Document) bool {
	for _, f := range p {
		if !f(doc) {
			return false
		}
	}
	return true
}

// normalizeCond validates a condition and normalizes its operand.
func normalizeCond(c Cond) (Cond, error) {
	if c.Field == "" {
		return c, usageErrf("where", "field is required")
	}
	switch c.Op {
	case Eq, Ne, Lt, Lte, Gt, Gte, Contains:
	case In, NotIn:
		v, err := normalizeValue(c.Value)
		if err != nil {
			return c, err
		}
		if _, ok := v.([]any); !ok && v != nil {
			return c, usageErrf("where", "%s %s requires a list, got %T", c.Field, c.Op, c.Value)
		}
	case Exists, NotExists:
		c.Value = nil
		return c, nil
	case Prefix:
		if _, ok := c.Value.(string); !ok {
			return c, usageErrf("where", "%s %s requires a string, got %T", c.Field, c.Op, c.Value)
		}
	case Match:
		s, ok := c.Value.(string)
		if !ok {
			return c, usageErrf("where", "%s %s requires a string, got %T", c.Field, c.Op, c.Value)
		}
		if _, err := regexp.Compile(s); err != nil {
			return c, usageErrf("where", "%s %s: %v", c.Field, c.Op, err)
		}
	default:
		return c, usageErrf("where", "unknown operator %q", c.Op)
	}
	v, err := normalizeAt(c.Value, c.Field)
	if err != nil {
		return c, err
	}
	c.Value = v
	return c, nil
}

// compileConds turns normalized conditions into a predicate.
func compileConds(conds []Cond) (predicate, error) {
	p := make(predicate, 0, len(conds))
	for _, c := range conds {
		f, err := compileCond(c)
		if err != nil {
			return nil, err
		}
		p = append(p, f)
	}
	return p, nil
}

func compileCond(c Cond) (func(Document) bool, error) {
	field, operand := c.Field, c.Value
	switch c.Op {
	case Eq:
		return func(doc Document) bool {
			v, _ := doc.Get(field)
			return compareValues(v, operand) == 0
		}, nil
	case Ne:
		return func(doc Document) bool {
			v, _ := doc.Get(field)
			return compareValues(v, operand) != 0
		}, nil
	case Lt, Lte, Gt, Gte:
		op := c.Op
		return func(doc Document) bool {
			v, ok := doc.Get(field)
			if !ok || kindRank(v) != kindRank(operand) {
				return false
			}
			r := compareValues(v, operand)
			switch op {
			case Lt:
				return r < 0
			case Lte:
				return r <= 0
			case Gt:
				return r > 0
			default:
				return r >= 0
			}
		}, nil
	case In, NotIn:
		list, _ := operand.([]any)
		want := c.Op == In
		return func(doc Document) bool {
			v, _ := doc.Get(field)
			for _, e := range list {
				if compareValues(v, e) == 0 {
					return want
				}
			}
			return !want
		}, nil
	case Contains:
		return func(doc Document) bool {
			v, ok := doc.Get(field)
			if !ok {
				return false
			}
			switch v := v.(type) {
			case []any:
				for _, e := range v {
					if compareValues(e, operand) == 0 {
						return true
					}
				}
				return false
			case string:
				s, ok := operand.(string)
				return ok && strings.Contains(v, s)
			default:
				return false
			}
		}, nil
	case Exists, NotExists:
		want := c.Op == Exists
		return func(doc Document) bool {
			_, ok := doc.Get(field)
			return ok == want
		}, nil
	case Prefix:
		prefix, _ := operand.(string)
		return func(doc Document) bool {
			v, _ := doc.Get(field)
			s, ok := v.(string)
			return ok && strings.HasPrefix(s, prefix)
		}, nil
	case Match:
		pattern, _ := operand.(string)
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, usageErrf("where", "%s %s: %v", c.Field, c.Op, err)
		}
		return func(doc Document) bool {
			v, _ := doc.Get(field)
			s, ok := v.(string)
			return ok && re.MatchString(s)
		}, nil
	default:
		return nil, usageErrf("where", "unknown operator %q", c.Op)
	}
}

// kindRank orders values of different kinds: nil < bool < number < string <
// bytes < time < list < map.
func kindRank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case int64, uint64, float64:
		return 2
	case string:
		return 3
	case []byte:
		return 4
	case time.Time:
		return 5
	case []any:
		return 6
	case map[string]any, Document:
		return 7
	default:
		return 8
	}
}

// compareValues is a total order over normalized values. Values of
// different kinds are ordered by kindRank; numbers compare numerically
// regardless of their Go type.
func compareValues(a, b any) int {
	ra, rb := kindRank(a), kindRank(b)
	if ra != rb {
		return cmp.Compare(ra, rb)
	}
	switch a := a.(type) {
	case nil:
		return 0
	case bool:
		bb := b.(bool)
		if a == bb {
			return 0
		} else if !a {
			return -1
		}
		return 1
	case int64, uint64, float64:
		return compareNumbers(a, b)
	case string:
		return strings.Compare(a, b.(string))
	case []byte:
		return bytes.Compare(a, b.([]byte))
	case time.Time:
		return a.Compare(b.(time.Time))
	case []any:
		bl := b.([]any)
		for i := range min(len(a), len(bl)) {
			if r := compareValues(a[i], bl[i]); r != 0 {
				return r
			}
		}
		return cmp.Compare(len(a), len(bl))
	default:
		return strings.Compare(valueKey(a), valueKey(b))
	}
}

func compareNumbers(a, b any) int {
	switch a := a.(type) {
	case int64:
		switch b := b.(type) {
		case int64:
			return cmp.Compare(a, b)
		case uint64:
			return -1 // uint64 values are only kept above MaxInt64
		case float64:
			return compareIntFloat(a, b)
		}
	case uint64:
		switch b := b.(type) {
		case int64:
			return 1
		case uint64:
			return cmp.Compare(a, b)
		case float64:
			return cmp.Compare(float64(a), b)
		}
	case float64:
		switch b := b.(type) {
		case int64:
			return -compareIntFloat(b, a)
		case uint64:
			return cmp.Compare(a, float64(b))
		case float64:
			return cmp.Compare(a, b)
		}
	}
	panic(fmt.Errorf("compareNumbers(%T, %T)", a, b))
}

func compareIntFloat(a int64, b float64) int {
	if math.IsNaN(b) {
		return 1
	}
	if b >= math.MaxInt64 {
		return -1
	}
	if b < math.MinInt64 {
		return 1
	}
	bi := int64(b)
	if a != bi {
		return cmp.Compare(a, bi)
	}
	return cmp.Compare(0, b-float64(bi))
}

// toNumber returns the numeric value of v as float64.
func toNumber(v any) (float64, bool) {
	switch v := v.(type) {
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}
