package layer

import (
	"fmt"
	"sync"

	"github.com/paulmach/orb"

	"github.com/roach88/fieldsync/internal/delta"
)

// MemoryBackend stores features in memory. It is used by tests and by
// scratch layers that never touch disk.
type MemoryBackend struct {
	mu       sync.Mutex
	fields   []Field
	features map[delta.FeatureID]Feature
	order    []delta.FeatureID
	failNext error
}

// NewMemoryBackend creates a backend seeded with features.
// Seed attributes are normalized to the field order.
func NewMemoryBackend(fields []Field, features ...Feature) (*MemoryBackend, error) {
	m := &MemoryBackend{
		fields:   fields,
		features: make(map[delta.FeatureID]Feature),
	}
	for _, f := range features {
		if _, ok := m.features[f.ID]; ok {
			return nil, fmt.Errorf("seed feature %s: %w", f.ID, ErrFeatureExists)
		}
		attrs, err := Normalize(fields, f.Attributes)
		if err != nil {
			return nil, fmt.Errorf("seed feature %s: %w", f.ID, err)
		}
		m.features[f.ID] = Feature{ID: f.ID, Geometry: orb.Clone(f.Geometry), Attributes: attrs}
		m.order = append(m.order, f.ID)
	}
	return m, nil
}

// NewMemory creates an editable layer over a fresh MemoryBackend.
func NewMemory(id string, fields []Field, features ...Feature) (*Editable, *MemoryBackend, error) {
	backend, err := NewMemoryBackend(fields, features...)
	if err != nil {
		return nil, nil, fmt.Errorf("layer %s: %w", id, err)
	}
	return New(id, backend), backend, nil
}

// FailNextApply makes the next Apply call return err without writing.
func (m *MemoryBackend) FailNextApply(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

// Fields returns the field definitions.
func (m *MemoryBackend) Fields() []Field {
	return m.fields
}

// Get returns clones of the stored features with the given ids.
func (m *MemoryBackend) Get(ids []delta.FeatureID) ([]Feature, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Feature, 0, len(ids))
	for _, id := range ids {
		if f, ok := m.features[id]; ok {
			out = append(out, f.Clone())
		}
	}
	return out, nil
}

// List returns clones of every feature in insertion order.
func (m *MemoryBackend) List() ([]Feature, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Feature, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.features[id].Clone())
	}
	return out, nil
}

// Apply validates the whole change set before mutating anything.
func (m *MemoryBackend) Apply(cs ChangeSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failNext; err != nil {
		m.failNext = nil
		return err
	}

	features := make(map[delta.FeatureID]Feature, len(m.features))
	for id, f := range m.features {
		features[id] = f
	}
	order := append([]delta.FeatureID(nil), m.order...)

	for _, id := range cs.Deleted {
		if _, ok := features[id]; !ok {
			return fmt.Errorf("delete %s: %w", id, ErrFeatureNotFound)
		}
		delete(features, id)
		order = removeID(order, id)
	}
	for _, f := range cs.Added {
		if _, ok := features[f.ID]; ok {
			return fmt.Errorf("add %s: %w", f.ID, ErrFeatureExists)
		}
		features[f.ID] = f.Clone()
		order = append(order, f.ID)
	}
	for _, edit := range cs.Geometries {
		f, ok := features[edit.ID]
		if !ok {
			return fmt.Errorf("set geometry %s: %w", edit.ID, ErrFeatureNotFound)
		}
		f.Geometry = orb.Clone(edit.Geometry)
		features[edit.ID] = f
	}
	for _, edit := range cs.Attributes {
		f, ok := features[edit.ID]
		if !ok {
			return fmt.Errorf("set attributes %s: %w", edit.ID, ErrFeatureNotFound)
		}
		attrs := f.Attributes.Clone()
		for _, a := range edit.Values {
			attrs = attrs.Set(a.Name, a.Value)
		}
		f.Attributes = attrs
		features[edit.ID] = f
	}

	m.features = features
	m.order = order
	return nil
}
