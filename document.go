package nosql

import (
	"bytes"
	"math"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Document is a stored record: an open-ended mapping of field names to
// values. Values are nil, bool, int64, uint64 (only above math.MaxInt64),
// float64, string, []byte, time.Time, []any and map[string]any.
type Document map[string]any

// Normalize converts doc into the canonical form stored in the log. Any
// integer type becomes int64, float32 becomes float64, typed maps and slices
// become map[string]any and []any, times are converted to UTC. Values that
// cannot be stored (funcs, channels, structs) produce a usage error.
func Normalize(doc Document) (Document, error) {
	if doc == nil {
		return Document{}, nil
	}
	m, err := normalizeMap(doc, "")
	if err != nil {
		return nil, err
	}
	return Document(m), nil
}

func normalizeMap(m map[string]any, path string) (map[string]any, error) {
	out := make(map[string]any, len(m))
	for k, v := range m {
		nv, err := normalizeAt(v, joinPath(path, k))
		if err != nil {
			return nil, err
		}
		out[k] = nv
	}
	return out, nil
}

func normalizeValue(v any) (any, error) {
	return normalizeAt(v, "")
}

func normalizeAt(v any, path string) (any, error) {
	switch v := v.(type) {
	case nil:
		return nil, nil
	case bool, string, int64, float64:
		return v, nil
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case uint:
		return normalizeUint(uint64(v)), nil
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint64:
		return normalizeUint(v), nil
	case float32:
		return float64(v), nil
	case []byte:
		return bytes.Clone(v), nil
	case time.Time:
		return v.UTC(), nil
	case Document:
		return normalizeMap(v, path)
	case map[string]any:
		return normalizeMap(v, path)
	case map[any]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			ks, ok := k.(string)
			if !ok {
				return nil, usageErrf("normalize", "%s: map key %v of type %T is not a string", pathOrRoot(path), k, k)
			}
			ne, err := normalizeAt(e, joinPath(path, ks))
			if err != nil {
				return nil, err
			}
			out[ks] = ne
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			ne, err := normalizeAt(e, joinPath(path, strconv.Itoa(i)))
			if err != nil {
				return nil, err
			}
			out[i] = ne
		}
		return out, nil
	}
	return normalizeReflect(reflect.ValueOf(v), path)
}

func normalizeReflect(rv reflect.Value, path string) (any, error) {
	switch rv.Kind() {
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return normalizeUint(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	case reflect.String:
		return rv.String(), nil
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return normalizeAt(rv.Elem().Interface(), path)
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil, nil
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, rv.Len())
			reflect.Copy(reflect.ValueOf(b), rv)
			return b, nil
		}
		n := rv.Len()
		out := make([]any, n)
		for i := range n {
			ne, err := normalizeAt(rv.Index(i).Interface(), joinPath(path, strconv.Itoa(i)))
			if err != nil {
				return nil, err
			}
			out[i] = ne
		}
		return out, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, usageErrf("normalize", "%s: map keys of type %v are not strings", pathOrRoot(path), rv.Type().Key())
		}
		if rv.IsNil() {
			return nil, nil
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k := iter.Key().String()
			ne, err := normalizeAt(iter.Value().Interface(), joinPath(path, k))
			if err != nil {
				return nil, err
			}
			out[k] = ne
		}
		return out, nil
	}
	return nil, usageErrf("normalize", "%s: unsupported value of type %v", pathOrRoot(path), rv.Type())
}

func normalizeUint(v uint64) any {
	if v <= math.MaxInt64 {
		return int64(v)
	}
	return v
}

func joinPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

func pathOrRoot(path string) string {
	if path == "" {
		return "<root>"
	}
	return path
}

// Get returns the value at a dotted field path. Numeric segments index
// into sequences.
func (d Document) Get(path string) (any, bool) {
	var cur any = map[string]any(d)
	for _, seg := range strings.Split(path, ".") {
		switch c := cur.(type) {
		case map[string]any:
			v, ok := c[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case Document:
			v, ok := c[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(c) {
				return nil, false
			}
			cur = c[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Clone returns a deep copy of the document.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[k] = cloneValue(e)
		}
		return out
	case Document:
		return map[string]any(v.Clone())
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = cloneValue(e)
		}
		return out
	case []byte:
		return bytes.Clone(v)
	default:
		return v
	}
}

func (d Document) setPath(path string, v any) {
	m := map[string]any(d)
	segs := strings.Split(path, ".")
	for _, seg := range segs[:len(segs)-1] {
		next, ok := m[seg].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[seg] = next
		}
		m = next
	}
	m[segs[len(segs)-1]] = v
}

func (d Document) unsetPath(path string) {
	m := map[string]any(d)
	segs := strings.Split(path, ".")
	for _, seg := range segs[:len(segs)-1] {
		next, ok := m[seg].(map[string]any)
		if !ok {
			return
		}
		m = next
	}
	delete(m, segs[len(segs)-1])
}

// Equal reports whether two documents have the same normalized content.
func Equal(a, b Document) bool {
	ab, err := EncodeDocument(a)
	if err != nil {
		return false
	}
	bb, err := EncodeDocument(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

type unsetMarker struct{}

// Unset, used as a Patch value, removes the field.
var Unset any = unsetMarker{}

// Patch is a field-level change applied by update and modify. Keys are
// dotted field paths. A value of Unset removes the field; a func(any) any
// computes the new value from the old one (nil when the field is missing).
type Patch map[string]any

func (p Patch) validate() error {
	if len(p) == 0 {
		return usageErrf("patch", "empty patch")
	}
	for k, v := range p {
		if k == "" || strings.HasPrefix(k, ".") || strings.HasSuffix(k, ".") || strings.Contains(k, "..") {
			return usageErrf("patch", "invalid field path %q", k)
		}
		switch v.(type) {
		case unsetMarker, func(any) any:
			continue
		}
		if _, err := normalizeAt(v, k); err != nil {
			return err
		}
	}
	return nil
}

// apply returns a patched copy of doc; doc itself is not modified.
func (p Patch) apply(doc Document) (Document, error) {
	out := doc.Clone()
	if out == nil {
		out = Document{}
	}
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, k := range keys {
		switch v := p[k].(type) {
		case unsetMarker:
			out.unsetPath(k)
		case func(any) any:
			old, _ := out.Get(k)
			nv, err := normalizeAt(v(cloneValue(old)), k)
			if err != nil {
				return nil, err
			}
			out.setPath(k, nv)
		default:
			nv, err := normalizeAt(v, k)
			if err != nil {
				return nil, err
			}
			out.setPath(k, nv)
		}
	}
	return out, nil
}
