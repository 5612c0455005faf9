package journal

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldsync/internal/delta"
	"github.com/roach88/fieldsync/internal/layer"
	"github.com/roach88/fieldsync/internal/testutil"
)

func newTestEnv(t *testing.T, home string) *Env {
	t.Helper()
	env := NewEnv(
		StaticProject{Owner: "proj-1", Home: home},
		SchemaFunc(func(layerID string) []string {
			if layerID == "trees" {
				return []string{"photo"}
			}
			return nil
		}),
	)
	env.NewID = testutil.NewSequentialIDs("journal").Generate
	env.Logger = testutil.DiscardLogger()
	return env
}

func openTestJournal(t *testing.T, env *Env, path string) *Journal {
	t.Helper()
	j, err := Open(env, path)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func writeJournalFile(t *testing.T, path string, doc map[string]any) {
	t.Helper()
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func validDoc() map[string]any {
	return map[string]any{
		"version":       FormatVersion,
		"id":            "abc",
		"project":       "proj-1",
		"offlineLayers": []any{},
		"deltas":        []any{},
	}
}

func tree(id int64, name string, height float64, x, y float64) layer.Feature {
	return layer.Feature{
		ID:       delta.IntID(id),
		Geometry: orb.Point{x, y},
		Attributes: delta.Attributes{
			delta.A("name", delta.String(name)),
			delta.A("height", delta.Float(height)),
		},
	}
}

func TestOpen_CreatesFreshDocument(t *testing.T) {
	dir := t.TempDir()
	env := newTestEnv(t, dir)
	path := filepath.Join(dir, CurrentFileName)

	j := openTestJournal(t, env, path)

	assert.Equal(t, "journal-0001", j.ID())
	assert.Equal(t, "proj-1", j.OwnerID())
	assert.Equal(t, 0, j.Count())
	assert.False(t, j.IsDirty())
	assert.NoError(t, j.Err())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"version": "1.0",
		"id": "journal-0001",
		"project": "proj-1",
		"offlineLayers": [],
		"deltas": []
	}`, string(data))
}

func TestOpen_SecondHandleIsLocked(t *testing.T) {
	dir := t.TempDir()
	env := newTestEnv(t, dir)
	path := filepath.Join(dir, CurrentFileName)

	first := openTestJournal(t, env, path)

	_, err := Open(env, path)
	require.Error(t, err)
	assert.True(t, IsLockError(err))

	link := filepath.Join(dir, "link.json")
	require.NoError(t, os.Symlink(path, link))
	_, err = Open(env, link)
	assert.True(t, IsLockError(err), "symlink resolves to the same canonical path")

	require.NoError(t, first.Close())
	require.NoError(t, first.Close())
	second, err := Open(env, path)
	require.NoError(t, err)
	defer second.Close()
	assert.Equal(t, first.ID(), second.ID())
}

func TestOpen_LockedBeforeFileExists(t *testing.T) {
	dir := t.TempDir()
	env := newTestEnv(t, dir)
	path := filepath.Join(dir, "never-written.json")

	require.True(t, env.Locks.Acquire(filepath.Join(mustEvalSymlinks(t, dir), "never-written.json")))

	_, err := Open(env, path)
	assert.Equal(t, ErrCodeLock, CodeOf(err))
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "a locked open must not create the file")
}

func mustEvalSymlinks(t *testing.T, path string) string {
	t.Helper()
	resolved, err := filepath.EvalSymlinks(path)
	require.NoError(t, err)
	return resolved
}

func TestOpen_NotOwned(t *testing.T) {
	dir := t.TempDir()
	env := newTestEnv(t, dir)
	env.Project = StaticProject{Home: dir}

	_, err := Open(env, filepath.Join(dir, CurrentFileName))
	assert.Equal(t, ErrCodeNotOwned, CodeOf(err))
	assert.False(t, env.Locks.Held(filepath.Join(mustEvalSymlinks(t, dir), CurrentFileName)))
}

func TestOpen_ParseError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, CurrentFileName)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := Open(newTestEnv(t, dir), path)
	assert.Equal(t, ErrCodeParse, CodeOf(err))
	assert.False(t, IsFormatError(err))
}

func TestOpen_ValidationOrder(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(doc map[string]any)
		want   ErrorCode
	}{
		{
			name:   "missing id",
			mutate: func(doc map[string]any) { delete(doc, "id") },
			want:   ErrCodeIDFormat,
		},
		{
			name: "id checked before version",
			mutate: func(doc map[string]any) {
				doc["id"] = ""
				doc["version"] = "9.9"
			},
			want: ErrCodeIDFormat,
		},
		{
			name:   "project not a string",
			mutate: func(doc map[string]any) { doc["project"] = 12 },
			want:   ErrCodeOwnerFormat,
		},
		{
			name:   "deltas not an array",
			mutate: func(doc map[string]any) { doc["deltas"] = map[string]any{} },
			want:   ErrCodeRecordsFormat,
		},
		{
			name:   "deltas null",
			mutate: func(doc map[string]any) { doc["deltas"] = nil },
			want:   ErrCodeRecordsFormat,
		},
		{
			name:   "offline layers missing",
			mutate: func(doc map[string]any) { delete(doc, "offlineLayers") },
			want:   ErrCodeOfflineLayersFormat,
		},
		{
			name:   "offline layer item not a string",
			mutate: func(doc map[string]any) { doc["offlineLayers"] = []any{"roads", 3} },
			want:   ErrCodeOfflineLayerItemFormat,
		},
		{
			name:   "version missing",
			mutate: func(doc map[string]any) { delete(doc, "version") },
			want:   ErrCodeVersionFormat,
		},
		{
			name:   "version mismatch",
			mutate: func(doc map[string]any) { doc["version"] = "2.0" },
			want:   ErrCodeIncompatibleVersion,
		},
		{
			name: "version mismatch wins over bad records",
			mutate: func(doc map[string]any) {
				doc["version"] = "0.9"
				doc["deltas"] = []any{"garbage"}
			},
			want: ErrCodeIncompatibleVersion,
		},
		{
			name: "record not an object",
			mutate: func(doc map[string]any) {
				doc["deltas"] = []any{
					42,
					map[string]any{"fid": 1, "layerId": "trees", "method": "delete", "old": map[string]any{}},
				}
			},
			want: ErrCodeRecordFormat,
		},
		{
			name: "record with unknown method",
			mutate: func(doc map[string]any) {
				doc["deltas"] = []any{map[string]any{"fid": 1, "layerId": "trees", "method": "upsert"}}
			},
			want: ErrCodeRecordFormat,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, CurrentFileName)
			doc := validDoc()
			tt.mutate(doc)
			writeJournalFile(t, path, doc)

			env := newTestEnv(t, dir)
			_, err := Open(env, path)
			require.Error(t, err)
			assert.Equal(t, tt.want, CodeOf(err), err.Error())
			assert.True(t, IsFormatError(err))

			// A failed open releases the path.
			writeJournalFile(t, path, validDoc())
			j, err := Open(env, path)
			require.NoError(t, err)
			j.Close()
		})
	}
}

func TestJournal_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	env := newTestEnv(t, dir)
	path := filepath.Join(dir, CurrentFileName)

	j, err := Open(env, path)
	require.NoError(t, err)

	oak := tree(1, "oak", 12.5, 25.9657, 43.8356)
	j.AddCreate("trees", oak)
	grown := tree(1, "oak", 13, 25.9657, 43.8356)
	require.True(t, j.AddPatch("trees", oak, grown))
	moved := tree(1, "oak", 13, 26, 44)
	require.True(t, j.AddPatch("trees", grown, moved))
	j.AddDelete("trees", layer.Feature{ID: delta.StringID("pole-7"), Attributes: delta.Attributes{
		delta.A("kind", delta.Null{}),
		delta.A("checked", delta.Bool(true)),
		delta.A("count", delta.Int(3)),
	}})
	j.AddOfflineLayerID("basemap")

	require.True(t, j.IsDirty())
	require.NoError(t, j.Flush())
	assert.False(t, j.IsDirty())

	want := j.Records()
	wantJSON, err := j.JSON()
	require.NoError(t, err)
	require.NoError(t, j.Close())

	reopened := openTestJournal(t, env, path)
	assert.Equal(t, want, reopened.Records())
	assert.Equal(t, []string{"basemap"}, reopened.OfflineLayerIDs())
	gotJSON, err := reopened.JSON()
	require.NoError(t, err)
	assert.Equal(t, string(wantJSON), string(gotJSON))
}

func TestJournal_GoldenDocument(t *testing.T) {
	dir := t.TempDir()
	j := openTestJournal(t, newTestEnv(t, dir), filepath.Join(dir, CurrentFileName))

	oak := tree(1, "oak", 12.5, 1, 2)
	j.AddCreate("trees", oak)
	j.AddPatch("trees", oak, tree(1, "oak", 13, 1, 2))
	j.AddOfflineLayerID("basemap")

	data, err := j.JSON()
	require.NoError(t, err)
	testutil.AssertGolden(t, "create_then_patch", data)
}

func TestJournal_TransportJSON(t *testing.T) {
	dir := t.TempDir()
	j := openTestJournal(t, newTestEnv(t, dir), filepath.Join(dir, CurrentFileName))
	j.AddCreate("trees", tree(1, "oak", 1, 0, 0))

	data, err := j.TransportJSON()
	require.NoError(t, err)

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.JSONEq(t, `[]`, string(doc["files"]))
	assert.JSONEq(t, `"journal-0001"`, string(doc["id"]))

	disk, err := j.JSON()
	require.NoError(t, err)
	assert.NotContains(t, string(disk), `"files"`)
}

func TestJournal_AppendJournal(t *testing.T) {
	dir := t.TempDir()
	env := newTestEnv(t, dir)

	a := openTestJournal(t, env, filepath.Join(dir, "a.json"))
	b := openTestJournal(t, env, filepath.Join(dir, "b.json"))

	a.AddCreate("trees", tree(1, "a1", 1, 0, 0))
	a.AddCreate("trees", tree(2, "a2", 1, 0, 0))
	a.AddOfflineLayerID("roads")
	a.AddOfflineLayerID("basemap")

	b.AddCreate("trees", tree(3, "b1", 1, 0, 0))
	b.AddOfflineLayerID("basemap")
	b.AddOfflineLayerID("rivers")

	var notes []Notification
	a.Subscribe(func(n Notification) { notes = append(notes, n) })

	require.NoError(t, a.AppendJournal(b))

	records := a.Records()
	require.Len(t, records, 3)
	for i, want := range []int64{1, 2, 3} {
		got, _ := records[i].FeatureID.Int()
		assert.Equal(t, want, got)
	}
	assert.Equal(t, []string{"roads", "basemap", "rivers"}, a.OfflineLayerIDs())
	assert.Equal(t, []Notification{
		CountChanged{Count: 3},
		OfflineLayersChanged{IDs: []string{"roads", "basemap", "rivers"}},
	}, notes)

	notes = nil
	c := openTestJournal(t, env, filepath.Join(dir, "c.json"))
	c.AddOfflineLayerID("roads")
	require.NoError(t, a.AppendJournal(c))
	assert.Equal(t, []Notification{CountChanged{Count: 3}}, notes, "no growth, no offline notification")
}

func TestJournal_AppendJournalRefusesUnusable(t *testing.T) {
	dir := t.TempDir()
	env := newTestEnv(t, dir)

	a := openTestJournal(t, env, filepath.Join(dir, "a.json"))
	b, err := Open(env, filepath.Join(dir, "b.json"))
	require.NoError(t, err)
	b.AddCreate("trees", tree(3, "b1", 1, 0, 0))
	require.NoError(t, b.Close())

	err = a.AppendJournal(b)
	assert.Equal(t, ErrCodeClosed, CodeOf(err))
	assert.Equal(t, 0, a.Count())
	assert.Error(t, a.AppendJournal(nil))
}

func TestJournal_Reset(t *testing.T) {
	dir := t.TempDir()
	j := openTestJournal(t, newTestEnv(t, dir), filepath.Join(dir, CurrentFileName))

	var notes []Notification
	j.Subscribe(func(n Notification) { notes = append(notes, n) })

	j.Reset(true)
	assert.Empty(t, notes, "resetting an empty journal is a no-op")
	assert.Equal(t, "journal-0001", j.ID())
	assert.False(t, j.IsDirty())

	j.AddCreate("trees", tree(1, "oak", 1, 0, 0))
	j.Reset(false)
	assert.Equal(t, "journal-0001", j.ID())
	assert.Equal(t, 0, j.Count())

	j.AddCreate("trees", tree(1, "oak", 1, 0, 0))
	j.AddOfflineLayerID("roads")
	notes = nil
	j.Reset(true)
	assert.Equal(t, "journal-0002", j.ID())
	assert.Empty(t, j.OfflineLayerIDs())
	assert.Equal(t, []Notification{
		CountChanged{Count: 0},
		OfflineLayersChanged{IDs: []string{}},
	}, notes)
}

func TestJournal_FlushFailureKeepsState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, CurrentFileName)
	j := openTestJournal(t, newTestEnv(t, dir), path)

	j.AddCreate("trees", tree(1, "oak", 1, 0, 0))

	// A directory in place of the file makes every write fail.
	require.NoError(t, os.Remove(path))
	require.NoError(t, os.Mkdir(path, 0o755))

	var flushed int
	j.Subscribe(func(n Notification) {
		if _, ok := n.(Flushed); ok {
			flushed++
		}
	})

	err := j.Flush()
	assert.Equal(t, ErrCodeIO, CodeOf(err))
	assert.True(t, j.IsDirty())
	assert.Equal(t, 1, j.Count())
	assert.Zero(t, flushed)

	require.NoError(t, os.Remove(path))
	require.NoError(t, j.Flush())
	assert.False(t, j.IsDirty())
	assert.Equal(t, 1, flushed)
}

func TestJournal_ClosedRefusesWork(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(newTestEnv(t, dir), filepath.Join(dir, CurrentFileName))
	require.NoError(t, err)
	require.NoError(t, j.Close())

	assert.Equal(t, ErrCodeClosed, CodeOf(j.Err()))
	j.AddCreate("trees", tree(1, "oak", 1, 0, 0))
	assert.Equal(t, 0, j.Count())
	assert.Equal(t, ErrCodeClosed, CodeOf(j.Flush()))
}

func TestJournal_SubscribeCancel(t *testing.T) {
	dir := t.TempDir()
	j := openTestJournal(t, newTestEnv(t, dir), filepath.Join(dir, CurrentFileName))

	var counts []int
	cancel := j.Subscribe(func(n Notification) {
		if c, ok := n.(CountChanged); ok {
			counts = append(counts, c.Count)
		}
	})
	j.AddCreate("trees", tree(1, "oak", 1, 0, 0))
	cancel()
	j.AddCreate("trees", tree(2, "elm", 1, 0, 0))

	assert.Equal(t, []int{1}, counts)
}
