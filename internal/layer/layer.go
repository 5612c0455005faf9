// Package layer defines the boundary with the feature storage engine.
//
// A Layer is an editable dataset keyed by layer id. It exposes per-feature
// records, an edit-session lifecycle (begin, commit, rollback) and typed
// commit-time notifications. Editable implements the lifecycle and the edit
// buffer once, on top of a pluggable Backend that owns durable storage.
package layer

import (
	"errors"
	"fmt"

	"github.com/paulmach/orb"

	"github.com/roach88/fieldsync/internal/delta"
)

// Sentinel errors returned by layers.
var (
	ErrNotEditing      = errors.New("layer is not in an edit session")
	ErrAlreadyEditing  = errors.New("layer is already in an edit session")
	ErrFeatureNotFound = errors.New("feature not found")
	ErrFeatureExists   = errors.New("feature already exists")
	ErrUnknownField    = errors.New("unknown field")
)

// FieldType is the declared type of a layer attribute.
type FieldType string

const (
	FieldBool   FieldType = "bool"
	FieldInt    FieldType = "int"
	FieldFloat  FieldType = "float"
	FieldString FieldType = "string"
)

// Field describes one attribute column.
type Field struct {
	Name string
	Type FieldType
	// Attachment marks fields whose values are file names of attachments
	// (photos, documents) stored next to the project.
	Attachment bool
}

// Feature is one record of a layer.
type Feature struct {
	ID         delta.FeatureID
	Geometry   orb.Geometry // nil when the feature has no geometry
	Attributes delta.Attributes
}

// Clone returns a copy that shares no attribute storage with f.
func (f Feature) Clone() Feature {
	return Feature{
		ID:         f.ID,
		Geometry:   orb.Clone(f.Geometry),
		Attributes: f.Attributes.Clone(),
	}
}

// Layer is the editable dataset consumed by the observer and the apply
// engine.
type Layer interface {
	ID() string
	Fields() []Field

	BeginEdit() error
	Commit() error
	Rollback() error
	IsEditing() bool

	// Feature returns the feature as currently visible, including
	// uncommitted edits.
	Feature(id delta.FeatureID) (Feature, error)
	// StoredFeatures returns the committed state of the given features,
	// bypassing the edit buffer. Unknown ids are skipped.
	StoredFeatures(ids []delta.FeatureID) ([]Feature, error)

	AddFeature(f Feature) error
	DeleteFeature(id delta.FeatureID) error
	SetGeometry(id delta.FeatureID, g orb.Geometry) error
	SetAttribute(id delta.FeatureID, name string, v delta.Value) error

	// Subscribe registers fn for commit-time notifications. The returned
	// function cancels the subscription.
	Subscribe(fn func(Event)) (cancel func())
}

// AttachmentFields returns the names of fields flagged as attachments.
func AttachmentFields(fields []Field) []string {
	var names []string
	for _, f := range fields {
		if f.Attachment {
			names = append(names, f.Name)
		}
	}
	return names
}

// fieldIndex returns the position of name in fields.
func fieldIndex(fields []Field, name string) (int, error) {
	for i, f := range fields {
		if f.Name == name {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: %s", ErrUnknownField, name)
}

// Normalize returns attrs reordered to the field order, with absent fields
// set to Null and unknown fields rejected.
func Normalize(fields []Field, attrs delta.Attributes) (delta.Attributes, error) {
	for _, a := range attrs {
		if _, err := fieldIndex(fields, a.Name); err != nil {
			return nil, err
		}
	}
	out := make(delta.Attributes, 0, len(fields))
	for _, f := range fields {
		v, ok := attrs.Get(f.Name)
		if !ok || v == nil {
			v = delta.Null{}
		}
		out = append(out, delta.A(f.Name, v))
	}
	return out, nil
}
