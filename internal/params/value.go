// Package params holds the loosely-typed parameter values a node receives,
// normalised into a tagged variant so validation can switch on kind.
package params

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Kind identifies which variant a Value holds.
type Kind int

const (
	Null Kind = iota
	String
	Number
	Bool
	Object
	Array
)

func (k Kind) String() string {
	switch k {
	case Null:
		return "null"
	case String:
		return "string"
	case Number:
		return "number"
	case Bool:
		return "boolean"
	case Object:
		return "object"
	case Array:
		return "array"
	default:
		return "unknown"
	}
}

// Value is a JSON-shaped parameter value.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
	obj  map[string]Value
	arr  []Value
}

func NullValue() Value { return Value{kind: Null} }
func StringValue(s string) Value { return Value{kind: String, str: s} }
func NumberValue(n float64) Value { return Value{kind: Number, num: n} }
func BoolValue(b bool) Value { return Value{kind: Bool, b: b} }

func ObjectValue(m map[string]Value) Value {
	if m == nil {
		m = map[string]Value{}
	}
	return Value{kind: Object, obj: m}
}

func ArrayValue(items []Value) Value { return Value{kind: Array, arr: items} }

// FromAny converts a decoded JSON/YAML value into a Value.
func FromAny(raw any) (Value, error) {
	switch v := raw.(type) {
	case nil:
		return NullValue(), nil
	case Value:
		return v, nil
	case string:
		return StringValue(v), nil
	case bool:
		return BoolValue(v), nil
	case float64:
		return NumberValue(v), nil
	case float32:
		return NumberValue(float64(v)), nil
	case int:
		return NumberValue(float64(v)), nil
	case int8:
		return NumberValue(float64(v)), nil
	case int16:
		return NumberValue(float64(v)), nil
	case int32:
		return NumberValue(float64(v)), nil
	case int64:
		return NumberValue(float64(v)), nil
	case uint:
		return NumberValue(float64(v)), nil
	case uint8:
		return NumberValue(float64(v)), nil
	case uint16:
		return NumberValue(float64(v)), nil
	case uint32:
		return NumberValue(float64(v)), nil
	case uint64:
		return NumberValue(float64(v)), nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("invalid number %q: %w", v.String(), err)
		}
		return NumberValue(f), nil
	case []string:
		items := make([]Value, 0, len(v))
		for _, s := range v {
			items = append(items, StringValue(s))
		}
		return ArrayValue(items), nil
	case []any:
		items := make([]Value, 0, len(v))
		for i, item := range v {
			iv, err := FromAny(item)
			if err != nil {
				return Value{}, fmt.Errorf("[%d]: %w", i, err)
			}
			items = append(items, iv)
		}
		return ArrayValue(items), nil
	case map[string]any:
		out := make(map[string]Value, len(v))
		for key, item := range v {
			iv, err := FromAny(item)
			if err != nil {
				return Value{}, fmt.Errorf("%s: %w", key, err)
			}
			out[key] = iv
		}
		return ObjectValue(out), nil
	case map[string]string:
		out := make(map[string]Value, len(v))
		for key, item := range v {
			out[key] = StringValue(item)
		}
		return ObjectValue(out), nil
	case map[any]any:
		out := make(map[string]Value, len(v))
		for key, item := range v {
			ks, ok := key.(string)
			if !ok {
				return Value{}, fmt.Errorf("non-string object key %v", key)
			}
			iv, err := FromAny(item)
			if err != nil {
				return Value{}, fmt.Errorf("%s: %w", ks, err)
			}
			out[ks] = iv
		}
		return ObjectValue(out), nil
	default:
		return Value{}, fmt.Errorf("unsupported parameter type %T", raw)
	}
}

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == Null }
func (v Value) Len() int { return len(v.arr) }
func (v Value) Items() []Value { return v.arr }

func (v Value) Str() (string, bool) {
	return v.str, v.kind == String
}

func (v Value) Num() (float64, bool) {
	return v.num, v.kind == Number
}

func (v Value) Boolean() (bool, bool) {
	return v.b, v.kind == Bool
}

// Field returns a property of an object value.
func (v Value) Field(name string) (Value, bool) {
	if v.kind != Object {
		return Value{}, false
	}
	f, ok := v.obj[name]
	return f, ok
}

// Keys returns the sorted property names of an object value.
func (v Value) Keys() []string {
	keys := make([]string, 0, len(v.obj))
	for k := range v.obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// IsEmpty reports whether the value carries nothing usable as a credential
// or identifier: null, or a blank string.
func (v Value) IsEmpty() bool {
	switch v.kind {
	case Null:
		return true
	case String:
		return strings.TrimSpace(v.str) == ""
	}
	return false
}

// Text renders scalars for URLs and headers. Integral numbers render without
// a decimal point.
func (v Value) Text() string {
	switch v.kind {
	case Null:
		return ""
	case String:
		return v.str
	case Number:
		if v.num == math.Trunc(v.num) && math.Abs(v.num) < 1e15 {
			return strconv.FormatInt(int64(v.num), 10)
		}
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case Bool:
		return strconv.FormatBool(v.b)
	default:
		data, _ := json.Marshal(v)
		return string(data)
	}
}

// Any converts back to plain Go values (map[string]any, []any, float64, ...).
func (v Value) Any() any {
	switch v.kind {
	case String:
		return v.str
	case Number:
		return v.num
	case Bool:
		return v.b
	case Object:
		out := make(map[string]any, len(v.obj))
		for k, item := range v.obj {
			out[k] = item.Any()
		}
		return out
	case Array:
		out := make([]any, 0, len(v.arr))
		for _, item := range v.arr {
			out = append(out, item.Any())
		}
		return out
	default:
		return nil
	}
}

// Equal compares two values structurally.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case Null:
		return true
	case String:
		return v.str == o.str
	case Number:
		return v.num == o.num
	case Bool:
		return v.b == o.b
	case Array:
		if len(v.arr) != len(o.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(o.arr[i]) {
				return false
			}
		}
		return true
	case Object:
		if len(v.obj) != len(o.obj) {
			return false
		}
		for k, item := range v.obj {
			other, ok := o.obj[k]
			if !ok || !item.Equal(other) {
				return false
			}
		}
		return true
	}
	return false
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Any())
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	parsed, err := FromAny(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

func (v *Value) UnmarshalYAML(unmarshal func(any) error) error {
	var raw any
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := FromAny(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
