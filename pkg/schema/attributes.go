package schema

import (
	"fmt"
	"sort"
	"strconv"
)

// ValueKind enumerates the closed set of attribute value variants.
type ValueKind int

const (
	KindString ValueKind = iota + 1
	KindNumber
	KindBool
	KindRecord // identifier of a generated record
)

func (k ValueKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindRecord:
		return "record"
	default:
		return "invalid"
	}
}

// Value is an attribute value. The zero Value is invalid and never stored.
type Value struct {
	kind ValueKind
	str  string
	num  float64
	b    bool
}

// StringValue returns a string attribute value.
func StringValue(s string) Value { return Value{kind: KindString, str: s} }

// NumberValue returns a numeric attribute value.
func NumberValue(n float64) Value { return Value{kind: KindNumber, num: n} }

// BoolValue returns a boolean attribute value.
func BoolValue(b bool) Value { return Value{kind: KindBool, b: b} }

// RecordValue returns a value referencing a generated record by ID.
func RecordValue(id string) Value { return Value{kind: KindRecord, str: id} }

// ValueOf converts a decoded literal (from YAML/JSON or an expression result).
func ValueOf(v any) (Value, error) {
	switch x := v.(type) {
	case Value:
		return x, nil
	case string:
		return StringValue(x), nil
	case bool:
		return BoolValue(x), nil
	}
	if n, ok := ToFloat(v); ok {
		return NumberValue(n), nil
	}
	return Value{}, fmt.Errorf("unsupported attribute value type %T", v)
}

// Kind returns the variant of v.
func (v Value) Kind() ValueKind { return v.kind }

// Valid reports whether v holds a variant.
func (v Value) Valid() bool { return v.kind != 0 }

// Str returns the string payload of a string or record value.
func (v Value) Str() (string, bool) {
	switch v.kind {
	case KindString, KindRecord:
		return v.str, true
	case KindNumber, KindBool:
		return "", false
	default:
		return "", false
	}
}

// Number returns the numeric payload.
func (v Value) Number() (float64, bool) {
	if v.kind == KindNumber {
		return v.num, true
	}
	return 0, false
}

// Bool returns the boolean payload.
func (v Value) Bool() (bool, bool) {
	if v.kind == KindBool {
		return v.b, true
	}
	return false, false
}

// Interface returns the payload as a plain Go value for expression engines.
func (v Value) Interface() any {
	switch v.kind {
	case KindString, KindRecord:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	default:
		return nil
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindString, KindRecord:
		return v.str
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	default:
		return "<invalid>"
	}
}

// Compare evaluates `v <op> other`. Ordering operators only apply to numbers
// and strings of the same kind; mismatched kinds compare unequal.
func (v Value) Compare(op string, other Value) (bool, error) {
	switch op {
	case "==":
		return v.equal(other), nil
	case "!=":
		return !v.equal(other), nil
	case "<", "<=", ">", ">=":
	default:
		return false, fmt.Errorf("unsupported operator %q", op)
	}

	c, ok := v.order(other)
	if !ok {
		return false, nil
	}
	switch op {
	case "<":
		return c < 0, nil
	case "<=":
		return c <= 0, nil
	case ">":
		return c > 0, nil
	default:
		return c >= 0, nil
	}
}

func (v Value) equal(o Value) bool {
	if v.kind != o.kind {
		// A record reference compares equal to the same identifier given as a string.
		if (v.kind == KindRecord && o.kind == KindString) || (v.kind == KindString && o.kind == KindRecord) {
			return v.str == o.str
		}
		return false
	}
	switch v.kind {
	case KindString, KindRecord:
		return v.str == o.str
	case KindNumber:
		return v.num == o.num
	case KindBool:
		return v.b == o.b
	default:
		return false
	}
}

func (v Value) order(o Value) (int, bool) {
	if v.kind != o.kind {
		return 0, false
	}
	switch v.kind {
	case KindNumber:
		switch {
		case v.num < o.num:
			return -1, true
		case v.num > o.num:
			return 1, true
		}
		return 0, true
	case KindString:
		switch {
		case v.str < o.str:
			return -1, true
		case v.str > o.str:
			return 1, true
		}
		return 0, true
	case KindBool, KindRecord:
		return 0, false
	default:
		return 0, false
	}
}

// Attributes is the per-run attribute store. It is shared by reference across
// submodule calls and is not safe for concurrent use.
type Attributes struct {
	values map[string]Value
}

// NewAttributes returns an empty attribute store.
func NewAttributes() *Attributes {
	return &Attributes{values: make(map[string]Value)}
}

// Get returns the value stored under name.
func (a *Attributes) Get(name string) (Value, bool) {
	v, ok := a.values[name]
	return v, ok
}

// Set stores v under name. Invalid values are ignored.
func (a *Attributes) Set(name string, v Value) {
	if !v.Valid() {
		return
	}
	a.values[name] = v
}

// Delete removes name from the store.
func (a *Attributes) Delete(name string) {
	delete(a.values, name)
}

// Len returns the number of stored attributes.
func (a *Attributes) Len() int { return len(a.values) }

// Names returns attribute names in sorted order.
func (a *Attributes) Names() []string {
	names := make([]string, 0, len(a.values))
	for k := range a.values {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Snapshot returns the store as plain Go values for expression evaluation.
func (a *Attributes) Snapshot() map[string]any {
	out := make(map[string]any, len(a.values))
	for k, v := range a.values {
		out[k] = v.Interface()
	}
	return out
}
