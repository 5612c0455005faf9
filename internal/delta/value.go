package delta

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Value is a sealed interface representing an attribute value.
// Only Null, Bool, Int, Float and String implement it, mirroring the field
// types a layer schema can declare.
type Value interface {
	value() // Sealed - only these types implement it
}

// Null represents a missing attribute value.
type Null struct{}

func (Null) value() {}

// MarshalJSON implements json.Marshaler for Null.
func (Null) MarshalJSON() ([]byte, error) {
	return []byte("null"), nil
}

// Bool represents a boolean attribute value.
type Bool bool

func (Bool) value() {}

// Int represents an integer attribute value.
type Int int64

func (Int) value() {}

// Float represents a floating point attribute value.
type Float float64

func (Float) value() {}

// String represents a text attribute value.
type String string

func (String) value() {}

// IsNull reports whether v is absent or Null.
func IsNull(v Value) bool {
	if v == nil {
		return true
	}
	_, ok := v.(Null)
	return ok
}

// Equal compares two values by type and content. Null equals Null; values of
// different types are never equal, so Int(1) and Float(1) differ.
func Equal(a, b Value) bool {
	if IsNull(a) || IsNull(b) {
		return IsNull(a) && IsNull(b)
	}
	switch av := a.(type) {
	case Bool:
		bv, ok := b.(Bool)
		return ok && av == bv
	case Int:
		bv, ok := b.(Int)
		return ok && av == bv
	case Float:
		bv, ok := b.(Float)
		return ok && (av == bv || (math.IsNaN(float64(av)) && math.IsNaN(float64(bv))))
	case String:
		bv, ok := b.(String)
		return ok && av == bv
	default:
		return false
	}
}

// Text returns the value rendered as plain text, as used for attachment
// file names. Null renders as the empty string.
func Text(v Value) string {
	switch val := v.(type) {
	case nil, Null:
		return ""
	case Bool:
		return strconv.FormatBool(bool(val))
	case Int:
		return strconv.FormatInt(int64(val), 10)
	case Float:
		return strconv.FormatFloat(float64(val), 'f', -1, 64)
	case String:
		return string(val)
	default:
		return ""
	}
}

// MarshalValue marshals a Value to JSON bytes.
// Floats always carry a fraction or exponent so they reload as Float.
func MarshalValue(v Value) ([]byte, error) {
	switch val := v.(type) {
	case nil, Null:
		return []byte("null"), nil
	case Bool:
		return json.Marshal(bool(val))
	case Int:
		return []byte(strconv.FormatInt(int64(val), 10)), nil
	case Float:
		f := float64(val)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("float %v has no JSON representation", f)
		}
		s := strconv.FormatFloat(f, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eE") {
			s += ".0"
		}
		return []byte(s), nil
	case String:
		return json.Marshal(string(val))
	default:
		return nil, fmt.Errorf("unknown Value type: %T", v)
	}
}

// UnmarshalValue decodes a scalar JSON value into a Value.
// Arrays and objects are rejected: attributes are scalars only.
func UnmarshalValue(data []byte) (Value, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("empty JSON value")
	}

	switch data[0] {
	case 'n':
		if string(data) != "null" {
			return nil, fmt.Errorf("invalid JSON value %q", data)
		}
		return Null{}, nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, err
		}
		return Bool(b), nil
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, err
		}
		return String(s), nil
	case '[', '{':
		return nil, fmt.Errorf("attribute values must be scalars, got %s", string(data[:1]))
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return nil, err
		}
		s := n.String()
		if !strings.ContainsAny(s, ".eE") {
			if i, err := n.Int64(); err == nil {
				return Int(i), nil
			}
		}
		f, err := n.Float64()
		if err != nil {
			return nil, fmt.Errorf("number out of range: %s", s)
		}
		return Float(f), nil
	}
}

// FromAny converts a plain Go value into a Value.
// Used at the boundary with storage engines and configuration.
func FromAny(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return val, nil
	case bool:
		return Bool(val), nil
	case int:
		return Int(val), nil
	case int32:
		return Int(val), nil
	case int64:
		return Int(val), nil
	case float32:
		return Float(val), nil
	case float64:
		return Float(val), nil
	case string:
		return String(val), nil
	case []byte:
		return String(val), nil
	case json.Number:
		return UnmarshalValue([]byte(val))
	default:
		return nil, fmt.Errorf("unsupported attribute type: %T", v)
	}
}
