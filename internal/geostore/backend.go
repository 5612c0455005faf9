package geostore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"

	"github.com/roach88/fieldsync/internal/delta"
	"github.com/roach88/fieldsync/internal/layer"
)

// Backend implements layer.Backend over one layer of a Store.
type Backend struct {
	db      *sql.DB
	layerID string
	fields  []layer.Field
}

var _ layer.Backend = (*Backend)(nil)

// Backend loads the field definitions of a layer and returns its backend.
func (s *Store) Backend(ctx context.Context, id string) (*Backend, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM layers WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("layer %s: %w", id, ErrUnknownLayer)
	}
	if err != nil {
		return nil, fmt.Errorf("layer %s: %w", id, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT name, type, attachment FROM layer_fields
		WHERE layer_id = ?
		ORDER BY position
	`, id)
	if err != nil {
		return nil, fmt.Errorf("layer %s fields: %w", id, err)
	}
	defer rows.Close()

	fields := []layer.Field{}
	for rows.Next() {
		var (
			f   layer.Field
			typ string
		)
		if err := rows.Scan(&f.Name, &typ, &f.Attachment); err != nil {
			return nil, fmt.Errorf("scan field: %w", err)
		}
		f.Type = layer.FieldType(typ)
		fields = append(fields, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fields: %w", err)
	}

	return &Backend{db: s.db, layerID: id, fields: fields}, nil
}

// Fields returns the layer's field definitions in declaration order.
func (b *Backend) Fields() []layer.Field {
	return b.fields
}

// Get returns the stored features with the given ids, skipping unknown ids.
func (b *Backend) Get(ids []delta.FeatureID) ([]layer.Feature, error) {
	ctx := context.Background()
	out := make([]layer.Feature, 0, len(ids))
	for _, id := range ids {
		key, err := encodeFID(id)
		if err != nil {
			return nil, err
		}
		row := b.db.QueryRowContext(ctx, `
			SELECT fid, geometry, attributes FROM features
			WHERE layer_id = ? AND fid = ?
		`, b.layerID, key)
		f, err := scanFeature(row)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get feature %s: %w", id, err)
		}
		out = append(out, f)
	}
	return out, nil
}

// List returns every stored feature in insertion order.
func (b *Backend) List() ([]layer.Feature, error) {
	rows, err := b.db.QueryContext(context.Background(), `
		SELECT fid, geometry, attributes FROM features
		WHERE layer_id = ?
		ORDER BY seq
	`, b.layerID)
	if err != nil {
		return nil, fmt.Errorf("list features: %w", err)
	}
	defer rows.Close()

	out := []layer.Feature{}
	for rows.Next() {
		f, err := scanFeature(rows)
		if err != nil {
			return nil, fmt.Errorf("scan feature: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate features: %w", err)
	}
	return out, nil
}

// Apply writes the change set in a single transaction.
func (b *Backend) Apply(cs layer.ChangeSet) error {
	ctx := context.Background()
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("apply %s: begin tx: %w", b.layerID, err)
	}
	defer tx.Rollback() // No-op if committed

	for _, id := range cs.Deleted {
		if err := b.deleteFeature(ctx, tx, id); err != nil {
			return err
		}
	}
	for _, f := range cs.Added {
		if err := b.insertFeature(ctx, tx, f); err != nil {
			return err
		}
	}
	for _, edit := range cs.Geometries {
		if err := b.updateGeometry(ctx, tx, edit); err != nil {
			return err
		}
	}
	for _, edit := range cs.Attributes {
		if err := b.updateAttributes(ctx, tx, edit); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("apply %s: commit: %w", b.layerID, err)
	}
	return nil
}

func (b *Backend) deleteFeature(ctx context.Context, tx *sql.Tx, id delta.FeatureID) error {
	key, err := encodeFID(id)
	if err != nil {
		return err
	}
	result, err := tx.ExecContext(ctx, `
		DELETE FROM features WHERE layer_id = ? AND fid = ?
	`, b.layerID, key)
	if err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete %s: rows affected: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("delete %s: %w", id, layer.ErrFeatureNotFound)
	}
	return nil
}

func (b *Backend) insertFeature(ctx context.Context, tx *sql.Tx, f layer.Feature) error {
	key, err := encodeFID(f.ID)
	if err != nil {
		return err
	}

	var exists int
	err = tx.QueryRowContext(ctx, `
		SELECT 1 FROM features WHERE layer_id = ? AND fid = ?
	`, b.layerID, key).Scan(&exists)
	if err == nil {
		return fmt.Errorf("add %s: %w", f.ID, layer.ErrFeatureExists)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("add %s: %w", f.ID, err)
	}

	attrs, err := layer.Normalize(b.fields, f.Attributes)
	if err != nil {
		return fmt.Errorf("add %s: %w", f.ID, err)
	}
	attrJSON, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("add %s: encode attributes: %w", f.ID, err)
	}
	geom, err := encodeGeometry(f.Geometry)
	if err != nil {
		return fmt.Errorf("add %s: %w", f.ID, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO features (layer_id, fid, seq, geometry, attributes)
		VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM features WHERE layer_id = ?), ?, ?)
	`, b.layerID, key, b.layerID, geom, string(attrJSON))
	if err != nil {
		return fmt.Errorf("add %s: %w", f.ID, err)
	}
	return nil
}

func (b *Backend) updateGeometry(ctx context.Context, tx *sql.Tx, edit layer.GeometryEdit) error {
	key, err := encodeFID(edit.ID)
	if err != nil {
		return err
	}
	geom, err := encodeGeometry(edit.Geometry)
	if err != nil {
		return fmt.Errorf("set geometry %s: %w", edit.ID, err)
	}
	result, err := tx.ExecContext(ctx, `
		UPDATE features SET geometry = ? WHERE layer_id = ? AND fid = ?
	`, geom, b.layerID, key)
	if err != nil {
		return fmt.Errorf("set geometry %s: %w", edit.ID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set geometry %s: rows affected: %w", edit.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("set geometry %s: %w", edit.ID, layer.ErrFeatureNotFound)
	}
	return nil
}

func (b *Backend) updateAttributes(ctx context.Context, tx *sql.Tx, edit layer.AttributeEdit) error {
	key, err := encodeFID(edit.ID)
	if err != nil {
		return err
	}

	var raw string
	err = tx.QueryRowContext(ctx, `
		SELECT attributes FROM features WHERE layer_id = ? AND fid = ?
	`, b.layerID, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("set attributes %s: %w", edit.ID, layer.ErrFeatureNotFound)
	}
	if err != nil {
		return fmt.Errorf("set attributes %s: %w", edit.ID, err)
	}

	var attrs delta.Attributes
	if err := json.Unmarshal([]byte(raw), &attrs); err != nil {
		return fmt.Errorf("set attributes %s: decode: %w", edit.ID, err)
	}
	for _, a := range edit.Values {
		attrs = attrs.Set(a.Name, a.Value)
	}
	encoded, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("set attributes %s: encode: %w", edit.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE features SET attributes = ? WHERE layer_id = ? AND fid = ?
	`, string(encoded), b.layerID, key); err != nil {
		return fmt.Errorf("set attributes %s: %w", edit.ID, err)
	}
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanFeature(row rowScanner) (layer.Feature, error) {
	var (
		key   string
		geom  []byte
		attrs string
	)
	if err := row.Scan(&key, &geom, &attrs); err != nil {
		return layer.Feature{}, err
	}

	var f layer.Feature
	if err := json.Unmarshal([]byte(key), &f.ID); err != nil {
		return layer.Feature{}, fmt.Errorf("decode fid %q: %w", key, err)
	}
	if len(geom) > 0 {
		g, err := wkb.Unmarshal(geom)
		if err != nil {
			return layer.Feature{}, fmt.Errorf("decode geometry of %s: %w", f.ID, err)
		}
		f.Geometry = g
	}
	if err := json.Unmarshal([]byte(attrs), &f.Attributes); err != nil {
		return layer.Feature{}, fmt.Errorf("decode attributes of %s: %w", f.ID, err)
	}
	return f, nil
}

// encodeFID stores ids as their JSON form so 1 and "1" stay distinct.
func encodeFID(id delta.FeatureID) (string, error) {
	b, err := json.Marshal(id)
	if err != nil {
		return "", fmt.Errorf("encode fid %s: %w", id, err)
	}
	return string(b), nil
}

func encodeGeometry(g orb.Geometry) ([]byte, error) {
	if g == nil {
		return nil, nil
	}
	b, err := wkb.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("encode geometry: %w", err)
	}
	return b, nil
}
