package delta

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Attribute is one named attribute value.
type Attribute struct {
	Name  string
	Value Value
}

// Attributes is an ordered attribute map. Order is the layer's field order
// and is preserved through JSON round trips.
type Attributes []Attribute

// A is a shorthand for Attribute for ergonomic construction.
// Example: Attributes{A("name", String("road")), A("lanes", Int(2))}
func A(name string, value Value) Attribute {
	return Attribute{Name: name, Value: value}
}

// Get returns the value stored under name.
func (a Attributes) Get(name string) (Value, bool) {
	for _, attr := range a {
		if attr.Name == name {
			return attr.Value, true
		}
	}
	return nil, false
}

// Has reports whether name is present.
func (a Attributes) Has(name string) bool {
	_, ok := a.Get(name)
	return ok
}

// Set replaces the value under name, appending it when absent.
func (a Attributes) Set(name string, value Value) Attributes {
	for i, attr := range a {
		if attr.Name == name {
			a[i].Value = value
			return a
		}
	}
	return append(a, Attribute{Name: name, Value: value})
}

// Names returns attribute names in order.
func (a Attributes) Names() []string {
	names := make([]string, len(a))
	for i, attr := range a {
		names[i] = attr.Name
	}
	return names
}

// Clone returns a copy that shares no backing array with a.
func (a Attributes) Clone() Attributes {
	if a == nil {
		return nil
	}
	out := make(Attributes, len(a))
	copy(out, a)
	return out
}

// Equal compares names, order and values.
func (a Attributes) Equal(b Attributes) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name || !Equal(a[i].Value, b[i].Value) {
			return false
		}
	}
	return true
}

// MarshalJSON implements json.Marshaler, writing keys in stored order.
func (a Attributes) MarshalJSON() ([]byte, error) {
	if a == nil {
		return []byte("null"), nil
	}

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, attr := range a {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, err := json.Marshal(attr.Name)
		if err != nil {
			return nil, fmt.Errorf("marshal key %q: %w", attr.Name, err)
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')

		valBytes, err := MarshalValue(attr.Value)
		if err != nil {
			return nil, fmt.Errorf("marshal value for key %q: %w", attr.Name, err)
		}
		buf.Write(valBytes)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON implements json.Unmarshaler, keeping the document's key order.
func (a *Attributes) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*a = nil
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("attributes must be a JSON object")
	}

	out := Attributes{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("attribute key must be a string")
		}

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("attribute %q: %w", key, err)
		}
		val, err := UnmarshalValue(raw)
		if err != nil {
			return fmt.Errorf("attribute %q: %w", key, err)
		}
		out = out.Set(key, val)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}

	*a = out
	return nil
}
