package delta

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// FeatureID identifies a feature within its layer. Layers key features by
// either integers or strings; both travel natively on the wire.
// FeatureID is comparable and may be used as a map key.
type FeatureID struct {
	n     int64
	s     string
	isStr bool
}

// IntID returns an integer feature id.
func IntID(n int64) FeatureID {
	return FeatureID{n: n}
}

// StringID returns a string feature id.
func StringID(s string) FeatureID {
	return FeatureID{s: s, isStr: true}
}

// IsString reports whether the id is a string id.
func (id FeatureID) IsString() bool {
	return id.isStr
}

// Int returns the integer form of the id and whether it is an integer id.
func (id FeatureID) Int() (int64, bool) {
	return id.n, !id.isStr
}

// String returns the id rendered as text.
func (id FeatureID) String() string {
	if id.isStr {
		return id.s
	}
	return strconv.FormatInt(id.n, 10)
}

// Less orders integer ids before string ids, then by value.
func (id FeatureID) Less(other FeatureID) bool {
	if id.isStr != other.isStr {
		return !id.isStr
	}
	if id.isStr {
		return id.s < other.s
	}
	return id.n < other.n
}

// MarshalJSON implements json.Marshaler.
func (id FeatureID) MarshalJSON() ([]byte, error) {
	if id.isStr {
		return json.Marshal(id.s)
	}
	return []byte(strconv.FormatInt(id.n, 10)), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (id *FeatureID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = StringID(s)
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("feature id must be an integer or a string: %s", data)
	}
	*id = IntID(n)
	return nil
}

// ParseFeatureID parses text into an integer id when possible and a string
// id otherwise.
func ParseFeatureID(s string) FeatureID {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return IntID(n)
	}
	return StringID(s)
}

// SortIDs sorts ids in place using FeatureID.Less.
func SortIDs(ids []FeatureID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
}

// Method is the kind of change a record captures.
type Method string

const (
	MethodCreate Method = "create"
	MethodPatch  Method = "patch"
	MethodDelete Method = "delete"
)

// Valid reports whether m is one of the known methods.
func (m Method) Valid() bool {
	switch m {
	case MethodCreate, MethodPatch, MethodDelete:
		return true
	}
	return false
}

// Snapshot is the recorded state of a feature on one side of a change.
//
// Geometry is tri-state: HasGeometry false means the key is absent (a patch
// that did not touch geometry); HasGeometry true with a nil Geometry is an
// explicit null (a feature without geometry).
type Snapshot struct {
	HasGeometry bool
	Geometry    *string // WKT
	Attributes  Attributes
	Files       map[string]*string // resolved path -> hex SHA-256, nil when unreadable
}

// WithGeometry returns a snapshot carrying the given WKT, or null when wkt
// is empty.
func WithGeometry(wkt string) *Snapshot {
	s := &Snapshot{HasGeometry: true}
	if wkt != "" {
		s.Geometry = &wkt
	}
	return s
}

// WKT returns the geometry text, empty for absent or null geometry.
func (s *Snapshot) WKT() string {
	if s == nil || s.Geometry == nil {
		return ""
	}
	return *s.Geometry
}

type snapshotJSON struct {
	Geometry   json.RawMessage    `json:"geometry,omitempty"`
	Attributes Attributes         `json:"attributes,omitempty"`
	Files      map[string]*string `json:"files_sha256,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	out := snapshotJSON{
		Attributes: s.Attributes,
		Files:      s.Files,
	}
	if s.HasGeometry {
		if s.Geometry == nil {
			out.Geometry = json.RawMessage("null")
		} else {
			g, err := json.Marshal(*s.Geometry)
			if err != nil {
				return nil, err
			}
			out.Geometry = g
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*s = Snapshot{}
	if g, ok := raw["geometry"]; ok {
		s.HasGeometry = true
		if string(bytes.TrimSpace(g)) != "null" {
			var wkt string
			if err := json.Unmarshal(g, &wkt); err != nil {
				return fmt.Errorf("geometry: %w", err)
			}
			s.Geometry = &wkt
		}
	}
	if a, ok := raw["attributes"]; ok {
		if err := json.Unmarshal(a, &s.Attributes); err != nil {
			return fmt.Errorf("attributes: %w", err)
		}
	}
	if f, ok := raw["files_sha256"]; ok {
		if err := json.Unmarshal(f, &s.Files); err != nil {
			return fmt.Errorf("files_sha256: %w", err)
		}
	}
	return nil
}

// Record is one captured feature-level change.
type Record struct {
	FeatureID FeatureID `json:"fid"`
	LayerID   string    `json:"layerId"`
	Method    Method    `json:"method"`
	Old       *Snapshot `json:"old,omitempty"`
	New       *Snapshot `json:"new,omitempty"`
}

// Validate checks the per-method shape of the record.
func (r Record) Validate() error {
	if r.LayerID == "" {
		return fmt.Errorf("record for feature %s has no layer id", r.FeatureID)
	}
	switch r.Method {
	case MethodCreate:
		if r.New == nil {
			return fmt.Errorf("create record for feature %s has no new state", r.FeatureID)
		}
	case MethodDelete:
		if r.Old == nil {
			return fmt.Errorf("delete record for feature %s has no old state", r.FeatureID)
		}
	case MethodPatch:
		if r.Old == nil || r.New == nil {
			return fmt.Errorf("patch record for feature %s needs old and new state", r.FeatureID)
		}
	default:
		return fmt.Errorf("unknown method %q", r.Method)
	}
	return nil
}

// Inverse returns the record that undoes r: create and delete swap and the
// old and new snapshots swap. A patch stays a patch.
func (r Record) Inverse() Record {
	inv := Record{
		FeatureID: r.FeatureID,
		LayerID:   r.LayerID,
		Method:    r.Method,
		Old:       r.New,
		New:       r.Old,
	}
	switch r.Method {
	case MethodCreate:
		inv.Method = MethodDelete
	case MethodDelete:
		inv.Method = MethodCreate
	}
	return inv
}
