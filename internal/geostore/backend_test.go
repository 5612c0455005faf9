package geostore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldsync/internal/delta"
	"github.com/roach88/fieldsync/internal/layer"
)

var surveyFields = []layer.Field{
	{Name: "name", Type: layer.FieldString},
	{Name: "height", Type: layer.FieldFloat},
	{Name: "photo", Type: layer.FieldString, Attachment: true},
}

func setupStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "features.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.CreateLayer(context.Background(), "trees", surveyFields))
	return s
}

func TestStore_LayerDefinitions(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateLayer(ctx, "poles", nil))
	// Redefining keeps the original fields.
	require.NoError(t, s.CreateLayer(ctx, "trees", nil))

	ids, err := s.LayerIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"poles", "trees"}, ids)

	b, err := s.Backend(ctx, "trees")
	require.NoError(t, err)
	assert.Equal(t, surveyFields, b.Fields())
	assert.Equal(t, []string{"photo"}, layer.AttachmentFields(b.Fields()))

	_, err = s.Backend(ctx, "nope")
	assert.ErrorIs(t, err, ErrUnknownLayer)
}

func TestBackend_CommitRoundTrip(t *testing.T) {
	s := setupStore(t)
	l, err := s.Layer(context.Background(), "trees")
	require.NoError(t, err)

	require.NoError(t, l.BeginEdit())
	require.NoError(t, l.AddFeature(layer.Feature{
		ID:       delta.IntID(1),
		Geometry: orb.Point{25.9657, 43.8356},
		Attributes: delta.Attributes{
			delta.A("name", delta.String("oak")),
			delta.A("height", delta.Float(12)),
		},
	}))
	require.NoError(t, l.AddFeature(layer.Feature{
		ID:         delta.StringID("1"),
		Attributes: delta.Attributes{delta.A("name", delta.String("elm"))},
	}))
	require.NoError(t, l.Commit())

	features, err := l.Features()
	require.NoError(t, err)
	require.Len(t, features, 2)

	oak := features[0]
	assert.Equal(t, delta.IntID(1), oak.ID)
	assert.Equal(t, orb.Point{25.9657, 43.8356}, oak.Geometry)
	assert.Equal(t, delta.Attributes{
		delta.A("name", delta.String("oak")),
		delta.A("height", delta.Float(12)),
		delta.A("photo", delta.Null{}),
	}, oak.Attributes)

	elm := features[1]
	assert.Equal(t, delta.StringID("1"), elm.ID)
	assert.Nil(t, elm.Geometry)

	require.NoError(t, l.BeginEdit())
	require.NoError(t, l.SetGeometry(delta.IntID(1), orb.Point{1, 2}))
	require.NoError(t, l.SetAttribute(delta.IntID(1), "photo", delta.String("DCIM/oak.jpg")))
	require.NoError(t, l.DeleteFeature(delta.StringID("1")))
	require.NoError(t, l.Commit())

	got, err := l.StoredFeatures([]delta.FeatureID{delta.IntID(1), delta.StringID("1")})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, orb.Point{1, 2}, got[0].Geometry)
	photo, _ := got[0].Attributes.Get("photo")
	assert.Equal(t, delta.String("DCIM/oak.jpg"), photo)
}

func TestBackend_ApplyIsAtomic(t *testing.T) {
	s := setupStore(t)
	b, err := s.Backend(context.Background(), "trees")
	require.NoError(t, err)

	require.NoError(t, b.Apply(layer.ChangeSet{
		Added: []layer.Feature{{ID: delta.IntID(1)}},
	}))

	err = b.Apply(layer.ChangeSet{
		Added:   []layer.Feature{{ID: delta.IntID(2)}},
		Deleted: []delta.FeatureID{delta.IntID(42)},
	})
	assert.ErrorIs(t, err, layer.ErrFeatureNotFound)

	err = b.Apply(layer.ChangeSet{
		Added: []layer.Feature{{ID: delta.IntID(3)}, {ID: delta.IntID(1)}},
	})
	assert.ErrorIs(t, err, layer.ErrFeatureExists)

	features, err := b.List()
	require.NoError(t, err)
	require.Len(t, features, 1)
	assert.Equal(t, delta.IntID(1), features[0].ID)
}

func TestBackend_EditsOnMissingFeature(t *testing.T) {
	s := setupStore(t)
	b, err := s.Backend(context.Background(), "trees")
	require.NoError(t, err)

	err = b.Apply(layer.ChangeSet{
		Geometries: []layer.GeometryEdit{{ID: delta.IntID(9), Geometry: orb.Point{0, 0}}},
	})
	assert.ErrorIs(t, err, layer.ErrFeatureNotFound)

	err = b.Apply(layer.ChangeSet{
		Attributes: []layer.AttributeEdit{{ID: delta.IntID(9), Values: delta.Attributes{delta.A("name", delta.String("x"))}}},
	})
	assert.ErrorIs(t, err, layer.ErrFeatureNotFound)
}
