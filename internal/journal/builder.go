package journal

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"

	"github.com/roach88/fieldsync/internal/delta"
	"github.com/roach88/fieldsync/internal/layer"
)

// AddCreate appends a create record holding every attribute of f.
func (j *Journal) AddCreate(layerID string, f layer.Feature) {
	j.Append(delta.Record{
		FeatureID: f.ID,
		LayerID:   layerID,
		Method:    delta.MethodCreate,
		New:       j.fullSnapshot(layerID, f),
	})
}

// AddDelete appends a delete record holding every attribute of f.
func (j *Journal) AddDelete(layerID string, f layer.Feature) {
	j.Append(delta.Record{
		FeatureID: f.ID,
		LayerID:   layerID,
		Method:    delta.MethodDelete,
		Old:       j.fullSnapshot(layerID, f),
	})
}

// AddPatch appends a patch record holding only what changed between from and
// to. It reports false, and appends nothing, when nothing changed.
func (j *Journal) AddPatch(layerID string, from, to layer.Feature) bool {
	before := &delta.Snapshot{}
	after := &delta.Snapshot{}

	if !geometryEqual(from.Geometry, to.Geometry) {
		before = delta.WithGeometry(geometryWKT(from.Geometry))
		after = delta.WithGeometry(geometryWKT(to.Geometry))
	}

	var oldAttrs, newAttrs delta.Attributes
	var changed []string
	for _, name := range unionNames(from.Attributes, to.Attributes) {
		ov := valueOrNull(from.Attributes, name)
		nv := valueOrNull(to.Attributes, name)
		if delta.Equal(ov, nv) {
			continue
		}
		oldAttrs = append(oldAttrs, delta.A(name, ov))
		newAttrs = append(newAttrs, delta.A(name, nv))
		changed = append(changed, name)
	}

	if !before.HasGeometry && len(changed) == 0 {
		return false
	}

	before.Attributes = oldAttrs
	after.Attributes = newAttrs
	before.Files = j.checksums(layerID, oldAttrs, changed)
	after.Files = j.checksums(layerID, newAttrs, changed)

	j.Append(delta.Record{
		FeatureID: to.ID,
		LayerID:   layerID,
		Method:    delta.MethodPatch,
		Old:       before,
		New:       after,
	})
	return true
}

func (j *Journal) fullSnapshot(layerID string, f layer.Feature) *delta.Snapshot {
	s := delta.WithGeometry(geometryWKT(f.Geometry))
	if len(f.Attributes) > 0 {
		s.Attributes = f.Attributes.Clone()
	}
	s.Files = j.checksums(layerID, f.Attributes, f.Attributes.Names())
	return s
}

// checksums hashes the files named by attachment fields among names.
// It returns nil when no attachment field has a value.
func (j *Journal) checksums(layerID string, attrs delta.Attributes, names []string) map[string]*string {
	fields := j.env.Fields.Fields(layerID)
	if len(fields) == 0 {
		return nil
	}

	var files map[string]*string
	for _, field := range fields {
		if !contains(names, field) {
			continue
		}
		v, ok := attrs.Get(field)
		if !ok || delta.IsNull(v) {
			continue
		}
		name := delta.Text(v)
		if name == "" {
			continue
		}
		path := j.resolve(name)
		if files == nil {
			files = make(map[string]*string)
		}
		files[path] = FileChecksum(path)
		if files[path] == nil {
			j.env.logger().Warn("attachment not readable",
				"layer", layerID,
				"field", field,
				"path", path,
			)
		}
	}
	return files
}

func geometryWKT(g orb.Geometry) string {
	if g == nil {
		return ""
	}
	return wkt.MarshalString(g)
}

func geometryEqual(a, b orb.Geometry) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return orb.Equal(a, b)
}

// ParseGeometry decodes WKT text. Empty text is no geometry.
func ParseGeometry(text string) (orb.Geometry, error) {
	if text == "" {
		return nil, nil
	}
	g, err := wkt.Unmarshal(text)
	if err != nil {
		return nil, fmt.Errorf("parse geometry %q: %w", text, err)
	}
	return g, nil
}

// unionNames lists the names of b in order, then names only in a.
func unionNames(a, b delta.Attributes) []string {
	names := b.Names()
	for _, attr := range a {
		if !b.Has(attr.Name) {
			names = append(names, attr.Name)
		}
	}
	return names
}

func valueOrNull(attrs delta.Attributes, name string) delta.Value {
	if v, ok := attrs.Get(name); ok && v != nil {
		return v
	}
	return delta.Null{}
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}
