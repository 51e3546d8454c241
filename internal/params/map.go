package params

import (
	"fmt"
	"sort"
)

// OperationKey is the reserved parameter that selects the operation.
const OperationKey = "operation"

// Map is the parameter set of one invocation.
type Map map[string]Value

// FromMap converts a decoded JSON object into a Map.
func FromMap(raw map[string]any) (Map, error) {
	out := make(Map, len(raw))
	for key, val := range raw {
		v, err := FromAny(val)
		if err != nil {
			return nil, fmt.Errorf("parameter %s: %w", key, err)
		}
		out[key] = v
	}
	return out, nil
}

// Present reports whether name is set to a non-null value.
func (m Map) Present(name string) bool {
	v, ok := m[name]
	return ok && !v.IsNull()
}

func (m Map) Lookup(name string) (Value, bool) {
	v, ok := m[name]
	return v, ok
}

// Text returns the scalar rendering of name, or "" when absent.
func (m Map) Text(name string) string {
	v, ok := m[name]
	if !ok {
		return ""
	}
	return v.Text()
}

// Operation returns the value of the reserved operation key.
func (m Map) Operation() string {
	if v, ok := m[OperationKey]; ok {
		if s, ok := v.Str(); ok {
			return s
		}
	}
	return ""
}

// Names returns the sorted parameter names.
func (m Map) Names() []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Clone returns a shallow copy.
func (m Map) Clone() Map {
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Without returns a copy with the given names removed.
func (m Map) Without(names ...string) Map {
	out := m.Clone()
	for _, n := range names {
		delete(out, n)
	}
	return out
}

// Any converts the map back to plain Go values.
func (m Map) Any() map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v.Any()
	}
	return out
}
