// Package script defines the contract between the page server and a
// scripting engine: the values that cross the boundary, the variable scopes
// they live in, and the Host callback through which scripts reach the
// server's capabilities.
package script

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"slices"
	"sort"
	"strconv"
	"strings"
)

// Kind identifies the type of a Value.
type Kind int

const (
	KindNil Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindNil:
		return "nil"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindMap:
		return "map"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Value is a script value. The zero Value is nil.
//
// Arrays and maps share their backing storage when a Value is copied;
// use DeepCopy before handing a value to another goroutine.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	arr  []Value
	m    map[string]Value
}

func Nil() Value { return Value{} }
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }
func Number(n float64) Value { return Value{kind: KindNumber, n: n} }
func Int(n int64) Value { return Value{kind: KindNumber, n: float64(n)} }
func String(s string) Value { return Value{kind: KindString, s: s} }
func Array(elems ...Value) Value { return Value{kind: KindArray, arr: elems} }

// Map returns a map value. A nil map is treated as empty.
func Map(m map[string]Value) Value {
	if m == nil {
		m = map[string]Value{}
	}
	return Value{kind: KindMap, m: m}
}

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNil() bool { return v.kind == KindNil }
func (v Value) Bool() bool { return v.b }
func (v Value) Number() float64 { return v.n }
func (v Value) Str() string { return v.s }

// Len returns the number of elements of an array or map, and the byte
// length of a string.
func (v Value) Len() int {
	switch v.kind {
	case KindArray:
		return len(v.arr)
	case KindMap:
		return len(v.m)
	case KindString:
		return len(v.s)
	}
	return 0
}

// Index returns the i-th element of an array, or nil when out of range.
func (v Value) Index(i int) Value {
	if v.kind != KindArray || i < 0 || i >= len(v.arr) {
		return Nil()
	}
	return v.arr[i]
}

// Elems returns the elements of an array. The slice must not be modified.
func (v Value) Elems() []Value {
	if v.kind != KindArray {
		return nil
	}
	return v.arr
}

// Field returns the named entry of a map, or nil.
func (v Value) Field(name string) Value {
	if v.kind != KindMap {
		return Nil()
	}
	return v.m[name]
}

// Keys returns the sorted keys of a map.
func (v Value) Keys() []string {
	if v.kind != KindMap {
		return nil
	}
	keys := make([]string, 0, len(v.m))
	for k := range v.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Append returns a new array with elems added after the elements of v.
// The receiver is not modified.
func (v Value) Append(elems ...Value) Value {
	out := make([]Value, 0, len(v.arr)+len(elems))
	out = append(out, v.arr...)
	out = append(out, elems...)
	return Array(out...)
}

// DeepCopy returns a copy of v that shares no storage with it.
func (v Value) DeepCopy() Value {
	switch v.kind {
	case KindArray:
		out := make([]Value, len(v.arr))
		for i, e := range v.arr {
			out[i] = e.DeepCopy()
		}
		return Value{kind: KindArray, arr: out}
	case KindMap:
		out := make(map[string]Value, len(v.m))
		for k, e := range v.m {
			out[k] = e.DeepCopy()
		}
		return Value{kind: KindMap, m: out}
	}
	return v
}

// Text returns the string conversion used when a value is printed into a
// page: numbers without a trailing ".0", nil as the empty string, arrays
// joined with commas.
func (v Value) Text() string {
	switch v.kind {
	case KindNil:
		return ""
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindNumber:
		return FormatNumber(v.n)
	case KindString:
		return v.s
	case KindArray:
		parts := make([]string, len(v.arr))
		for i, e := range v.arr {
			parts[i] = e.Text()
		}
		return strings.Join(parts, ",")
	case KindMap:
		return "[object Object]"
	}
	return ""
}

func (v Value) String() string {
	switch v.kind {
	case KindString:
		return strconv.Quote(v.s)
	case KindArray:
		parts := make([]string, len(v.arr))
		for i, e := range v.arr {
			parts[i] = e.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case KindMap:
		keys := v.Keys()
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = strconv.Quote(k) + ": " + v.m[k].String()
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case KindNil:
		return "nil"
	}
	return v.Text()
}

// FormatNumber renders n in its shortest decimal form. Integral values
// carry no fractional part.
func FormatNumber(n float64) string {
	switch {
	case math.IsNaN(n):
		return "NaN"
	case math.IsInf(n, 1):
		return "Infinity"
	case math.IsInf(n, -1):
		return "-Infinity"
	}
	return strconv.FormatFloat(n, 'f', -1, 64)
}

// Equal reports whether a and b hold the same value. Arrays and maps are
// compared element by element.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNil:
		return true
	case KindBool:
		return a.b == b.b
	case KindNumber:
		return a.n == b.n || (math.IsNaN(a.n) && math.IsNaN(b.n))
	case KindString:
		return a.s == b.s
	case KindArray:
		if len(a.arr) != len(b.arr) {
			return false
		}
		for i := range a.arr {
			if !Equal(a.arr[i], b.arr[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(a.m) != len(b.m) {
			return false
		}
		for k, av := range a.m {
			bv, ok := b.m[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	}
	return false
}

// Export converts v to plain Go data: nil, bool, float64, string,
// []any and map[string]any.
func (v Value) Export() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return v.n
	case KindString:
		return v.s
	case KindArray:
		out := make([]any, len(v.arr))
		for i, e := range v.arr {
			out[i] = e.Export()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.m))
		for k, e := range v.m {
			out[k] = e.Export()
		}
		return out
	}
	return nil
}

// ErrCycle is returned by FromGo for data that contains itself.
var ErrCycle = errors.New("value contains itself")

// MaxDepth is how deeply FromGo lets maps and slices nest.
const MaxDepth = 1000

// FromGo converts plain Go data into a Value. It is the inverse of Export
// and also accepts the other integer and float types, []string and
// []byte. Maps and slices that contain themselves fail with ErrCycle;
// data shared between branches is copied into each.
func FromGo(x any) (Value, error) {
	return fromGo(x, nil)
}

// fromGo converts x. open holds the maps and slices being converted on
// the way down to x.
func fromGo(x any, open []uintptr) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Nil(), nil
	case Value:
		return t, nil
	case bool:
		return Bool(t), nil
	case float64:
		return Number(t), nil
	case float32:
		return Number(float64(t)), nil
	case int:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case uint32:
		return Int(int64(t)), nil
	case uint64:
		return Number(float64(t)), nil
	case string:
		return String(t), nil
	case []byte:
		return String(string(t)), nil
	case []string:
		out := make([]Value, len(t))
		for i, s := range t {
			out[i] = String(s)
		}
		return Array(out...), nil
	case []any:
		if len(t) == 0 {
			return Array(), nil
		}
		open, err := enter(open, reflect.ValueOf(t).Pointer())
		if err != nil {
			return Nil(), err
		}
		out := make([]Value, len(t))
		for i, e := range t {
			v, err := fromGo(e, open)
			if err != nil {
				return Nil(), fmt.Errorf("index %d: %w", i, err)
			}
			out[i] = v
		}
		return Array(out...), nil
	case map[string]any:
		open, err := enter(open, reflect.ValueOf(t).Pointer())
		if err != nil {
			return Nil(), err
		}
		out := make(map[string]Value, len(t))
		for k, e := range t {
			v, err := fromGo(e, open)
			if err != nil {
				return Nil(), fmt.Errorf("key %q: %w", k, err)
			}
			out[k] = v
		}
		return Map(out), nil
	}
	return Nil(), fmt.Errorf("unsupported value of type %T", x)
}

func enter(open []uintptr, p uintptr) ([]uintptr, error) {
	if p != 0 && slices.Contains(open, p) {
		return nil, ErrCycle
	}
	if len(open) >= MaxDepth {
		return nil, fmt.Errorf("nested deeper than %d", MaxDepth)
	}
	return append(open[:len(open):len(open)], p), nil
}
