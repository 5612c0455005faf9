package layer

import "github.com/roach88/fieldsync/internal/delta"

// Event is a commit-time notification from a layer.
// Only the types in this file implement it.
type Event interface {
	Layer() string
	event()
}

// BeforeCommit fires when a commit starts, before anything is written.
// It lists the stored features the commit is about to delete or change.
type BeforeCommit struct {
	LayerID           string
	Deleted           []delta.FeatureID
	GeometryChanged   []delta.FeatureID
	AttributesChanged []delta.FeatureID
}

// FeaturesAdded fires after a successful commit that added features.
type FeaturesAdded struct {
	LayerID string
	IDs     []delta.FeatureID
}

// FeaturesRemoved fires after a successful commit that deleted features.
type FeaturesRemoved struct {
	LayerID string
	IDs     []delta.FeatureID
}

// AttributeChange names the attributes a commit changed on one feature.
type AttributeChange struct {
	ID    delta.FeatureID
	Names []string
}

// AttributeValuesChanged fires after a successful commit that changed
// attribute values of stored features.
type AttributeValuesChanged struct {
	LayerID string
	Changes []AttributeChange
}

// GeometriesChanged fires after a successful commit that changed geometries
// of stored features.
type GeometriesChanged struct {
	LayerID string
	IDs     []delta.FeatureID
}

// EditingStopped fires when an edit session ends, by commit or rollback.
type EditingStopped struct {
	LayerID   string
	Committed bool
}

func (e BeforeCommit) Layer() string           { return e.LayerID }
func (e FeaturesAdded) Layer() string          { return e.LayerID }
func (e FeaturesRemoved) Layer() string        { return e.LayerID }
func (e AttributeValuesChanged) Layer() string { return e.LayerID }
func (e GeometriesChanged) Layer() string      { return e.LayerID }
func (e EditingStopped) Layer() string         { return e.LayerID }

func (BeforeCommit) event()           {}
func (FeaturesAdded) event()          {}
func (FeaturesRemoved) event()        {}
func (AttributeValuesChanged) event() {}
func (GeometriesChanged) event()      {}
func (EditingStopped) event()         {}

// ChangeIDs returns the feature ids of an AttributeValuesChanged event.
func (e AttributeValuesChanged) ChangeIDs() []delta.FeatureID {
	ids := make([]delta.FeatureID, len(e.Changes))
	for i, c := range e.Changes {
		ids[i] = c.ID
	}
	return ids
}
