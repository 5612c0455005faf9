// Package delta defines the delta record model shared by the journal, the
// change observer and the apply engine.
//
// This package contains type definitions and their wire codec only. It
// imports nothing internal, so every other package can depend on it.
//
// Key design constraints:
//   - Attribute values are a closed sum type (Null, Bool, Int, Float, String)
//   - Attribute order is preserved on the wire
//   - Integers and floats never collapse into each other across a round trip
//   - Geometry travels as well-known-text; absent and null are distinct
package delta
