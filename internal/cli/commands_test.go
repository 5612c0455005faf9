package cli

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldsync/internal/config"
	"github.com/roach88/fieldsync/internal/delta"
	"github.com/roach88/fieldsync/internal/geostore"
	"github.com/roach88/fieldsync/internal/journal"
	"github.com/roach88/fieldsync/internal/layer"
)

const testProject = `owner: proj-1
layers:
  - id: trees
    fields:
      - {name: species, type: string}
      - {name: height, type: float}
      - {name: photo, type: string, attachment: true}
  - id: poles
`

// response mirrors CLIResponse with undecoded payloads.
type response struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  *struct {
		Code    string          `json:"code"`
		Message string          `json:"message"`
		Details json.RawMessage `json:"details"`
	} `json:"error"`
}

type testWorkspace struct {
	t    *testing.T
	path string
	cfg  *config.Project
}

func newTestWorkspace(t *testing.T) *testWorkspace {
	t.Helper()
	return newProjectWorkspace(t, testProject)
}

func newProjectWorkspace(t *testing.T, project string) *testWorkspace {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, config.DefaultFileName)
	require.NoError(t, os.WriteFile(path, []byte(project), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(cfg.JournalDir, 0o755))

	return &testWorkspace{t: t, path: path, cfg: cfg}
}

func execute(t *testing.T, args ...string) (string, string, int) {
	t.Helper()
	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	code := Execute(args, stdout, stderr)
	return stdout.String(), stderr.String(), code
}

// run executes the CLI against the workspace's project file.
func (w *testWorkspace) run(args ...string) (string, int) {
	w.t.Helper()
	stdout, _, code := execute(w.t, append([]string{"--project", w.path}, args...)...)
	return stdout, code
}

// runJSON executes with --format json and decodes the response.
func (w *testWorkspace) runJSON(args ...string) (response, int) {
	w.t.Helper()
	stdout, code := w.run(append([]string{"--format", "json"}, args...)...)
	var resp response
	require.NoError(w.t, json.Unmarshal([]byte(stdout), &resp), stdout)
	return resp, code
}

// record edits the current journal directly, as the observer would.
func (w *testWorkspace) record(fn func(j *journal.Journal)) {
	w.t.Helper()
	env := journal.NewEnv(w.cfg, w.cfg)
	j, err := journal.Open(env, filepath.Join(w.cfg.JournalDir, journal.CurrentFileName))
	require.NoError(w.t, err)
	defer j.Close()
	fn(j)
	require.NoError(w.t, j.Flush())
}

func (w *testWorkspace) writeFile(name, content string) {
	w.t.Helper()
	require.NoError(w.t, os.WriteFile(filepath.Join(w.cfg.Home, name), []byte(content), 0o644))
}

func (w *testWorkspace) trees() []layer.Feature {
	w.t.Helper()
	st, err := geostore.Open(w.cfg.Database)
	require.NoError(w.t, err)
	defer st.Close()

	l, err := st.Layer(context.Background(), "trees")
	require.NoError(w.t, err)
	features, err := l.Features()
	require.NoError(w.t, err)
	return features
}

func tree(id int64, photo string) layer.Feature {
	return layer.Feature{
		ID:       delta.IntID(id),
		Geometry: orb.Point{1, 2},
		Attributes: delta.Attributes{
			delta.A("species", delta.String("oak")),
			delta.A("height", delta.Float(12.5)),
			delta.A("photo", delta.String(photo)),
		},
	}
}

func decode[T any](t *testing.T, data json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v))
	return v
}

func TestStatus_FreshProject(t *testing.T) {
	w := newTestWorkspace(t)

	out, code := w.run("status")
	assert.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, "Owner: proj-1")
	assert.Contains(t, out, "Records: 0")
	assert.Contains(t, out, "No sealed journals.")

	_, err := os.Stat(filepath.Join(w.cfg.JournalDir, journal.CurrentFileName))
	assert.NoError(t, err, "status creates the current journal")
}

func TestStatus_CountsRecords(t *testing.T) {
	w := newTestWorkspace(t)
	w.record(func(j *journal.Journal) {
		before := tree(1, "a.jpg")
		after := before.Clone()
		after.Attributes = after.Attributes.Set("height", delta.Float(13))
		j.AddCreate("trees", tree(2, "b.jpg"))
		j.AddPatch("trees", before, after)
		j.AddOfflineLayerID("basemap")
	})

	resp, code := w.runJSON("status")
	require.Equal(t, ExitSuccess, code)
	assert.Equal(t, "ok", resp.Status)

	status := decode[StatusResult](t, resp.Data)
	assert.Equal(t, "proj-1", status.Owner)
	assert.Equal(t, 2, status.Records)
	assert.Equal(t, map[string]int{"create": 1, "patch": 1}, status.Methods)
	assert.False(t, status.Dirty)
	assert.Equal(t, []string{"basemap"}, status.OfflineLayers)
	assert.Empty(t, status.Sealed)
}

func TestSeal(t *testing.T) {
	w := newTestWorkspace(t)

	out, code := w.run("seal")
	assert.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, "nothing sealed")

	w.record(func(j *journal.Journal) {
		j.AddCreate("trees", tree(1, "a.jpg"))
	})

	resp, code := w.runJSON("seal")
	require.Equal(t, ExitSuccess, code)
	sealed := decode[SealResult](t, resp.Data)
	assert.Equal(t, 1, sealed.Records)
	assert.NotEqual(t, sealed.JournalID, sealed.NextID)
	assert.Regexp(t, `deltafile_\d{8}T\d{6}\.\d{3}Z_000001\.json$`, sealed.Sealed)

	resp, _ = w.runJSON("status")
	status := decode[StatusResult](t, resp.Data)
	assert.Equal(t, sealed.NextID, status.JournalID)
	assert.Equal(t, 0, status.Records)
	assert.Equal(t, []string{filepath.Base(sealed.Sealed)}, status.Sealed)
}

func TestLayers(t *testing.T) {
	w := newTestWorkspace(t)

	resp, code := w.runJSON("layers")
	require.Equal(t, ExitSuccess, code)
	result := decode[LayersResult](t, resp.Data)
	assert.Equal(t, []string{"trees", "poles"}, result.Created)
	assert.Equal(t, []string{"poles", "trees"}, result.Layers)

	out, code := w.run("layers")
	assert.Equal(t, ExitSuccess, code)
	assert.NotContains(t, out, "(created)")
	assert.Contains(t, out, "trees")
}

func TestApply_ReverseThenForward(t *testing.T) {
	w := newTestWorkspace(t)
	_, code := w.run("layers")
	require.Equal(t, ExitSuccess, code)

	w.record(func(j *journal.Journal) {
		j.AddCreate("trees", tree(1, "a.jpg"))
	})

	resp, code := w.runJSON("apply", "--reverse")
	require.Equal(t, ExitSuccess, code)
	result := decode[ApplyResult](t, resp.Data)
	assert.Equal(t, "reverse", result.Direction)
	assert.Equal(t, 1, result.Replayed)
	assert.Equal(t, []string{"trees"}, result.Committed)

	features := w.trees()
	require.Len(t, features, 1)
	assert.Equal(t, delta.IntID(1), features[0].ID)

	// Applying does not journal the applied changes.
	resp, _ = w.runJSON("status")
	assert.Equal(t, 1, decode[StatusResult](t, resp.Data).Records)

	// Forward writes the old state back, so the created feature goes away.
	out, code := w.run("apply")
	require.Equal(t, ExitSuccess, code, out)
	assert.Contains(t, out, "Applied 1 records (forward)")
	assert.Empty(t, w.trees())
}

func TestApply_ReplayFailureRollsBack(t *testing.T) {
	w := newTestWorkspace(t)
	_, code := w.run("layers")
	require.Equal(t, ExitSuccess, code)

	w.record(func(j *journal.Journal) {
		j.AddCreate("trees", tree(1, "a.jpg"))
		j.AddCreate("trees", tree(2, "b.jpg"))
	})

	// Neither feature exists, so forward cannot delete them.
	resp, code := w.runJSON("apply")
	assert.Equal(t, ExitFailure, code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "REPLAY_FAILED", resp.Error.Code)

	result := decode[ApplyResult](t, resp.Error.Details)
	assert.Empty(t, result.Committed)
	assert.Equal(t, []string{"trees"}, result.RolledBack)
	require.NotNil(t, result.FailedRecord)
	assert.Equal(t, 0, *result.FailedRecord)
	assert.Empty(t, w.trees())
}

func TestApply_UnknownLayer(t *testing.T) {
	w := newTestWorkspace(t)
	w.record(func(j *journal.Journal) {
		j.AddCreate("roads", layer.Feature{ID: delta.IntID(1)})
	})

	out, code := w.run("apply")
	assert.Equal(t, ExitFailure, code)
	assert.Contains(t, out, "Error [UNKNOWN_LAYER]")
	assert.Contains(t, out, "roads")
}

func TestApply_SealedJournal(t *testing.T) {
	w := newTestWorkspace(t)
	_, code := w.run("layers")
	require.Equal(t, ExitSuccess, code)

	w.record(func(j *journal.Journal) {
		j.AddCreate("trees", tree(1, "a.jpg"))
		j.AddCreate("trees", tree(2, "b.jpg"))
	})
	resp, _ := w.runJSON("seal")
	sealed := decode[SealResult](t, resp.Data).Sealed

	resp, code = w.runJSON("apply", "--reverse", "--journal", sealed)
	require.Equal(t, ExitSuccess, code)
	assert.Equal(t, 2, decode[ApplyResult](t, resp.Data).Records)
	assert.Len(t, w.trees(), 2)

	_, code = w.run("apply", "--journal", filepath.Join(w.cfg.JournalDir, "nope.json"))
	assert.Equal(t, ExitCommandError, code)
}

func TestFiles(t *testing.T) {
	w := newTestWorkspace(t)
	w.writeFile("a.jpg", "photo of an oak")
	w.record(func(j *journal.Journal) {
		j.AddCreate("trees", tree(1, "a.jpg"))
		j.AddCreate("trees", tree(2, "b.jpg"))
	})

	resp, code := w.runJSON("files")
	require.Equal(t, ExitSuccess, code)

	sum := sha256.Sum256([]byte("photo of an oak"))
	result := decode[FilesResult](t, resp.Data)
	assert.Equal(t, []FileEntry{
		{Name: "a.jpg", Checksum: hex.EncodeToString(sum[:])},
		{Name: "b.jpg", Checksum: ""},
	}, result.Files)

	out, _ := w.run("files")
	assert.Contains(t, out, "unreadable  b.jpg")
}

func TestExport(t *testing.T) {
	w := newTestWorkspace(t)
	w.record(func(j *journal.Journal) {
		j.AddCreate("trees", tree(1, "a.jpg"))
	})

	out, code := w.run("export")
	require.Equal(t, ExitSuccess, code)

	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &doc))
	assert.Equal(t, "proj-1", doc["project"])
	assert.Equal(t, []any{}, doc["files"])
	assert.Len(t, doc["deltas"], 1)

	out, code = w.run("export", "--local")
	require.Equal(t, ExitSuccess, code)
	require.NoError(t, json.Unmarshal([]byte(out), &doc))
	assert.NotContains(t, out, `"files"`)
}

func TestPush(t *testing.T) {
	w := newTestWorkspace(t)
	outbox := t.TempDir()

	out, code := w.run("push", "--outbox", outbox)
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, "No sealed journals to push.")

	w.writeFile("a.jpg", "photo of an oak")
	w.record(func(j *journal.Journal) {
		j.AddCreate("trees", tree(1, "a.jpg"))
		j.AddCreate("trees", tree(2, "b.jpg"))
		j.AddOfflineLayerID("basemap")
	})
	_, code = w.run("seal")
	require.Equal(t, ExitSuccess, code)

	resp, code := w.runJSON("push", "--outbox", outbox)
	require.Equal(t, ExitSuccess, code)
	result := decode[PushResult](t, resp.Data)
	require.Len(t, result.Journals, 1)

	pushed := result.Journals[0]
	assert.Equal(t, "received", string(pushed.Status))
	assert.Equal(t, []string{"a.jpg"}, pushed.Uploaded)
	assert.Equal(t, []string{"b.jpg"}, pushed.Missing)
	assert.Equal(t, []string{"basemap"}, pushed.OfflineLayers)

	_, err := os.Stat(filepath.Join(outbox, "proj-1", pushed.JournalID+".json"))
	assert.NoError(t, err)
	copied, err := os.ReadFile(filepath.Join(outbox, "proj-1", "files", "a.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "photo of an oak", string(copied))
}

func TestOfflineLayersFromProject(t *testing.T) {
	w := newProjectWorkspace(t, testProject+"offline_layers: [basemap, hillshade]\n")
	offline := []string{"basemap", "hillshade"}

	// Recorded before any command ran, so the file has no offline layers
	// until seal adds them.
	w.record(func(j *journal.Journal) {
		j.AddCreate("trees", tree(1, "a.jpg"))
	})

	resp, code := w.runJSON("seal")
	require.Equal(t, ExitSuccess, code)
	require.NotEmpty(t, decode[SealResult](t, resp.Data).Sealed)

	resp, code = w.runJSON("push", "--outbox", t.TempDir())
	require.Equal(t, ExitSuccess, code)
	result := decode[PushResult](t, resp.Data)
	require.Len(t, result.Journals, 1)
	assert.Equal(t, offline, result.Journals[0].OfflineLayers)

	// The fresh journal started by seal carries them too.
	resp, code = w.runJSON("status")
	require.Equal(t, ExitSuccess, code)
	assert.Equal(t, offline, decode[StatusResult](t, resp.Data).OfflineLayers)

	out, _ := w.run("status")
	assert.Contains(t, out, "Offline layers: basemap, hillshade")
}

func TestStatus_SeedsOfflineLayers(t *testing.T) {
	w := newProjectWorkspace(t, testProject+"offline_layers: [basemap]\n")

	resp, code := w.runJSON("status")
	require.Equal(t, ExitSuccess, code)
	assert.Equal(t, []string{"basemap"}, decode[StatusResult](t, resp.Data).OfflineLayers)

	env := journal.NewEnv(w.cfg, w.cfg)
	j, err := journal.Open(env, filepath.Join(w.cfg.JournalDir, journal.CurrentFileName))
	require.NoError(t, err)
	defer j.Close()
	assert.Equal(t, []string{"basemap"}, j.OfflineLayerIDs())
}

func TestMissingProjectFile(t *testing.T) {
	resp := response{}
	stdout, _, code := execute(t, "--project", filepath.Join(t.TempDir(), "none.yaml"), "--format", "json", "status")
	assert.Equal(t, ExitCommandError, code)
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeProject, resp.Error.Code)
}
