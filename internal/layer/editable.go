package layer

import (
	"fmt"
	"sync"

	"github.com/paulmach/orb"

	"github.com/roach88/fieldsync/internal/delta"
)

// Backend is durable feature storage underneath an Editable layer.
type Backend interface {
	Fields() []Field
	// Get returns the stored features with the given ids, skipping unknown ids.
	Get(ids []delta.FeatureID) ([]Feature, error)
	// List returns every stored feature in a stable order.
	List() ([]Feature, error)
	// Apply writes a change set atomically: either every change lands or
	// none does.
	Apply(cs ChangeSet) error
}

// ChangeSet is the content of an edit buffer at commit time.
// Deletions apply first, then additions, then geometry and attribute edits.
type ChangeSet struct {
	Deleted    []delta.FeatureID
	Added      []Feature
	Geometries []GeometryEdit
	Attributes []AttributeEdit
}

// GeometryEdit replaces the geometry of a stored feature.
type GeometryEdit struct {
	ID       delta.FeatureID
	Geometry orb.Geometry
}

// AttributeEdit replaces some attribute values of a stored feature.
type AttributeEdit struct {
	ID     delta.FeatureID
	Values delta.Attributes
}

// Empty reports whether the change set holds no changes.
func (cs ChangeSet) Empty() bool {
	return len(cs.Deleted) == 0 && len(cs.Added) == 0 && len(cs.Geometries) == 0 && len(cs.Attributes) == 0
}

// Editable implements Layer on top of a Backend.
//
// Edits are buffered in memory during an edit session and written to the
// backend in one Apply call on Commit. Notifications are dispatched outside
// the internal lock, so subscribers may call back into the layer.
type Editable struct {
	id      string
	backend Backend

	mu      sync.Mutex
	buf     *editBuffer // nil when not editing
	subs    []subscription
	nextSub int
}

type subscription struct {
	id int
	fn func(Event)
}

// New creates an editable layer over backend.
func New(id string, backend Backend) *Editable {
	return &Editable{id: id, backend: backend}
}

// ID returns the layer id.
func (l *Editable) ID() string { return l.id }

// Fields returns the backend's field definitions.
func (l *Editable) Fields() []Field { return l.backend.Fields() }

// IsEditing reports whether an edit session is open.
func (l *Editable) IsEditing() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf != nil
}

// BeginEdit opens an edit session.
func (l *Editable) BeginEdit() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.buf != nil {
		return fmt.Errorf("layer %s: %w", l.id, ErrAlreadyEditing)
	}
	l.buf = newEditBuffer()
	return nil
}

// Commit writes the edit buffer to the backend and ends the session.
// On failure the session stays open with its buffer intact.
func (l *Editable) Commit() error {
	l.mu.Lock()
	buf := l.buf
	if buf == nil {
		l.mu.Unlock()
		return fmt.Errorf("layer %s: %w", l.id, ErrNotEditing)
	}
	before := BeforeCommit{
		LayerID:           l.id,
		Deleted:           append([]delta.FeatureID(nil), buf.deletedOrder...),
		GeometryChanged:   append([]delta.FeatureID(nil), buf.geomOrder...),
		AttributesChanged: append([]delta.FeatureID(nil), buf.attrOrder...),
	}
	l.mu.Unlock()

	l.emit(before)

	l.mu.Lock()
	if l.buf != buf {
		l.mu.Unlock()
		return fmt.Errorf("layer %s: edit session changed during commit", l.id)
	}
	cs := buf.changeSet()
	if err := l.backend.Apply(cs); err != nil {
		l.mu.Unlock()
		return fmt.Errorf("commit layer %s: %w", l.id, err)
	}
	l.buf = nil
	l.mu.Unlock()

	if len(cs.Deleted) > 0 {
		l.emit(FeaturesRemoved{LayerID: l.id, IDs: cs.Deleted})
	}
	if len(cs.Added) > 0 {
		ids := make([]delta.FeatureID, len(cs.Added))
		for i, f := range cs.Added {
			ids[i] = f.ID
		}
		l.emit(FeaturesAdded{LayerID: l.id, IDs: ids})
	}
	if len(cs.Attributes) > 0 {
		changes := make([]AttributeChange, len(cs.Attributes))
		for i, edit := range cs.Attributes {
			changes[i] = AttributeChange{ID: edit.ID, Names: edit.Values.Names()}
		}
		l.emit(AttributeValuesChanged{LayerID: l.id, Changes: changes})
	}
	if len(cs.Geometries) > 0 {
		ids := make([]delta.FeatureID, len(cs.Geometries))
		for i, edit := range cs.Geometries {
			ids[i] = edit.ID
		}
		l.emit(GeometriesChanged{LayerID: l.id, IDs: ids})
	}
	l.emit(EditingStopped{LayerID: l.id, Committed: true})
	return nil
}

// Rollback discards the edit buffer and ends the session.
func (l *Editable) Rollback() error {
	l.mu.Lock()
	if l.buf == nil {
		l.mu.Unlock()
		return fmt.Errorf("layer %s: %w", l.id, ErrNotEditing)
	}
	l.buf = nil
	l.mu.Unlock()

	l.emit(EditingStopped{LayerID: l.id, Committed: false})
	return nil
}

// Feature returns the feature including uncommitted edits.
func (l *Editable) Feature(id delta.FeatureID) (Feature, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.feature(id)
}

func (l *Editable) feature(id delta.FeatureID) (Feature, error) {
	buf := l.buf
	if buf != nil {
		if f, ok := buf.added[id]; ok {
			return f.Clone(), nil
		}
		if _, ok := buf.deleted[id]; ok {
			return Feature{}, fmt.Errorf("layer %s feature %s: %w", l.id, id, ErrFeatureNotFound)
		}
	}

	f, err := l.stored(id)
	if err != nil {
		return Feature{}, err
	}
	if buf != nil {
		if g, ok := buf.geoms[id]; ok {
			f.Geometry = orb.Clone(g)
		}
		for _, a := range buf.attrs[id] {
			f.Attributes = f.Attributes.Set(a.Name, a.Value)
		}
	}
	return f, nil
}

func (l *Editable) stored(id delta.FeatureID) (Feature, error) {
	features, err := l.backend.Get([]delta.FeatureID{id})
	if err != nil {
		return Feature{}, fmt.Errorf("layer %s feature %s: %w", l.id, id, err)
	}
	if len(features) == 0 {
		return Feature{}, fmt.Errorf("layer %s feature %s: %w", l.id, id, ErrFeatureNotFound)
	}
	return features[0], nil
}

// StoredFeatures returns the committed state of the given features.
func (l *Editable) StoredFeatures(ids []delta.FeatureID) ([]Feature, error) {
	return l.backend.Get(ids)
}

// Features returns every committed feature.
func (l *Editable) Features() ([]Feature, error) {
	return l.backend.List()
}

// AddFeature buffers a new feature. Its attributes are normalized to the
// layer's field order.
func (l *Editable) AddFeature(f Feature) error {
	attrs, err := Normalize(l.backend.Fields(), f.Attributes)
	if err != nil {
		return fmt.Errorf("layer %s: %w", l.id, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	buf := l.buf
	if buf == nil {
		return fmt.Errorf("layer %s: %w", l.id, ErrNotEditing)
	}
	if _, ok := buf.added[f.ID]; ok {
		return fmt.Errorf("layer %s feature %s: %w", l.id, f.ID, ErrFeatureExists)
	}
	if _, deleted := buf.deleted[f.ID]; !deleted {
		if _, err := l.stored(f.ID); err == nil {
			return fmt.Errorf("layer %s feature %s: %w", l.id, f.ID, ErrFeatureExists)
		}
	}

	nf := Feature{ID: f.ID, Geometry: orb.Clone(f.Geometry), Attributes: attrs}
	buf.added[f.ID] = nf
	buf.addedOrder = append(buf.addedOrder, f.ID)
	return nil
}

// DeleteFeature buffers the deletion of a feature.
func (l *Editable) DeleteFeature(id delta.FeatureID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	buf := l.buf
	if buf == nil {
		return fmt.Errorf("layer %s: %w", l.id, ErrNotEditing)
	}
	if _, ok := buf.added[id]; ok {
		delete(buf.added, id)
		buf.addedOrder = removeID(buf.addedOrder, id)
		return nil
	}
	if _, ok := buf.deleted[id]; ok {
		return fmt.Errorf("layer %s feature %s: %w", l.id, id, ErrFeatureNotFound)
	}
	if _, err := l.stored(id); err != nil {
		return err
	}

	buf.deleted[id] = struct{}{}
	buf.deletedOrder = append(buf.deletedOrder, id)
	if _, ok := buf.geoms[id]; ok {
		delete(buf.geoms, id)
		buf.geomOrder = removeID(buf.geomOrder, id)
	}
	if _, ok := buf.attrs[id]; ok {
		delete(buf.attrs, id)
		buf.attrOrder = removeID(buf.attrOrder, id)
	}
	return nil
}

// SetGeometry buffers a geometry change.
func (l *Editable) SetGeometry(id delta.FeatureID, g orb.Geometry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	buf := l.buf
	if buf == nil {
		return fmt.Errorf("layer %s: %w", l.id, ErrNotEditing)
	}
	if f, ok := buf.added[id]; ok {
		f.Geometry = orb.Clone(g)
		buf.added[id] = f
		return nil
	}
	if _, err := l.feature(id); err != nil {
		return err
	}
	if _, ok := buf.geoms[id]; !ok {
		buf.geomOrder = append(buf.geomOrder, id)
	}
	buf.geoms[id] = orb.Clone(g)
	return nil
}

// SetAttribute buffers an attribute value change.
func (l *Editable) SetAttribute(id delta.FeatureID, name string, v delta.Value) error {
	if _, err := fieldIndex(l.backend.Fields(), name); err != nil {
		return fmt.Errorf("layer %s: %w", l.id, err)
	}
	if v == nil {
		v = delta.Null{}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	buf := l.buf
	if buf == nil {
		return fmt.Errorf("layer %s: %w", l.id, ErrNotEditing)
	}
	if f, ok := buf.added[id]; ok {
		f.Attributes = f.Attributes.Set(name, v)
		buf.added[id] = f
		return nil
	}
	if _, err := l.feature(id); err != nil {
		return err
	}
	if _, ok := buf.attrs[id]; !ok {
		buf.attrOrder = append(buf.attrOrder, id)
	}
	buf.attrs[id] = buf.attrs[id].Set(name, v)
	return nil
}

// Subscribe registers fn for notifications.
func (l *Editable) Subscribe(fn func(Event)) (cancel func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextSub++
	id := l.nextSub
	l.subs = append(l.subs, subscription{id: id, fn: fn})
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, s := range l.subs {
			if s.id == id {
				l.subs = append(l.subs[:i], l.subs[i+1:]...)
				return
			}
		}
	}
}

func (l *Editable) emit(ev Event) {
	l.mu.Lock()
	subs := make([]subscription, len(l.subs))
	copy(subs, l.subs)
	l.mu.Unlock()

	for _, s := range subs {
		s.fn(ev)
	}
}

// editBuffer holds uncommitted edits. Order slices keep notification order
// deterministic.
type editBuffer struct {
	added      map[delta.FeatureID]Feature
	addedOrder []delta.FeatureID

	deleted      map[delta.FeatureID]struct{}
	deletedOrder []delta.FeatureID

	geoms     map[delta.FeatureID]orb.Geometry
	geomOrder []delta.FeatureID

	attrs     map[delta.FeatureID]delta.Attributes
	attrOrder []delta.FeatureID
}

func newEditBuffer() *editBuffer {
	return &editBuffer{
		added:   make(map[delta.FeatureID]Feature),
		deleted: make(map[delta.FeatureID]struct{}),
		geoms:   make(map[delta.FeatureID]orb.Geometry),
		attrs:   make(map[delta.FeatureID]delta.Attributes),
	}
}

func (b *editBuffer) changeSet() ChangeSet {
	var cs ChangeSet
	cs.Deleted = append(cs.Deleted, b.deletedOrder...)
	for _, id := range b.addedOrder {
		cs.Added = append(cs.Added, b.added[id].Clone())
	}
	for _, id := range b.geomOrder {
		cs.Geometries = append(cs.Geometries, GeometryEdit{ID: id, Geometry: b.geoms[id]})
	}
	for _, id := range b.attrOrder {
		cs.Attributes = append(cs.Attributes, AttributeEdit{ID: id, Values: b.attrs[id].Clone()})
	}
	return cs
}

func removeID(ids []delta.FeatureID, id delta.FeatureID) []delta.FeatureID {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
