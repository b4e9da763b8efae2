package statechart

import (
	"encoding/json"
	"fmt"
	"math"
)

// Kind tags the underlying shape of a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindList
	KindMap
	KindOpaque
)

// Value is the closed, JSON-shaped variant every ContextStore entry is
// normalized through. User code at the registry boundary deals in Go
// `interface{}`; everything that crosses into a Context gets folded into
// one of these eight shapes so assign/guard/template evaluation never has
// to deal with arbitrary concrete types.
type Value struct {
	kind   Kind
	b      bool
	i      int64
	f      float64
	s      string
	list   []Value
	m      map[string]Value
	opaque interface{}
}

func Null() Value              { return Value{kind: KindNull} }
func BoolVal(b bool) Value     { return Value{kind: KindBool, b: b} }
func IntVal(i int64) Value     { return Value{kind: KindInt, i: i} }
func FloatVal(f float64) Value { return Value{kind: KindFloat, f: f} }
func StringVal(s string) Value { return Value{kind: KindString, s: s} }

func ListVal(vs ...Value) Value {
	cp := make([]Value, len(vs))
	copy(cp, vs)
	return Value{kind: KindList, list: cp}
}

func MapVal(m map[string]Value) Value {
	cp := make(map[string]Value, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return Value{kind: KindMap, m: cp}
}

// OpaqueVal wraps a handle (e.g. a spawned child's ChildRegistry id) that
// the interpreter carries but never inspects.
func OpaqueVal(v interface{}) Value { return Value{kind: KindOpaque, opaque: v} }

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) Bool() bool     { return v.b }
func (v Value) Int() int64     { return v.i }
func (v Value) Float() float64 {
	if v.kind == KindInt {
		return float64(v.i)
	}
	return v.f
}
func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.s
	case KindBool:
		return fmt.Sprintf("%t", v.b)
	case KindInt:
		return fmt.Sprintf("%d", v.i)
	case KindFloat:
		return fmt.Sprintf("%g", v.f)
	case KindNull:
		return ""
	default:
		return fmt.Sprintf("%v", v.Native())
	}
}
func (v Value) List() []Value         { return v.list }
func (v Value) Map() map[string]Value { return v.m }
func (v Value) Opaque() interface{}   { return v.opaque }

// Native converts back to a plain Go value suitable for JSON encoding or
// for handing to a user guard/action callback.
func (v Value) Native() interface{} {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindList:
		out := make([]interface{}, len(v.list))
		for i, e := range v.list {
			out[i] = e.Native()
		}
		return out
	case KindMap:
		out := make(map[string]interface{}, len(v.m))
		for k, e := range v.m {
			out[k] = e.Native()
		}
		return out
	case KindOpaque:
		return v.opaque
	default:
		return nil
	}
}

// FromNative normalizes an arbitrary Go value (typically decoded JSON, or
// a value handed back from a user callback) into a Value.
func FromNative(x interface{}) Value {
	switch t := x.(type) {
	case nil:
		return Null()
	case Value:
		return t
	case bool:
		return BoolVal(t)
	case string:
		return StringVal(t)
	case int:
		return IntVal(int64(t))
	case int64:
		return IntVal(t)
	case float64:
		if t == math.Trunc(t) && !math.IsInf(t, 0) {
			// JSON numbers decode as float64; keep integral ones exact.
			return IntVal(int64(t))
		}
		return FloatVal(t)
	case []interface{}:
		vs := make([]Value, len(t))
		for i, e := range t {
			vs[i] = FromNative(e)
		}
		return ListVal(vs...)
	case map[string]interface{}:
		m := make(map[string]Value, len(t))
		for k, e := range t {
			m[k] = FromNative(e)
		}
		return MapVal(m)
	default:
		return OpaqueVal(x)
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Native())
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var x interface{}
	if err := json.Unmarshal(data, &x); err != nil {
		return err
	}
	*v = FromNative(x)
	return nil
}
