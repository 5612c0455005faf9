package journal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/roach88/fieldsync/internal/delta"
)

// FormatVersion is the only document version this package reads and writes.
const FormatVersion = "1.0"

// Notification is a journal state change delivered to subscribers.
// Only the types in this file implement it.
type Notification interface {
	notification()
}

// CountChanged fires when the number of records changes.
type CountChanged struct {
	Count int
}

// OfflineLayersChanged fires when the offline layer set changes.
type OfflineLayersChanged struct {
	IDs []string
}

// Flushed fires after the document was written to disk.
type Flushed struct {
	Path string
}

func (CountChanged) notification()         {}
func (OfflineLayersChanged) notification() {}
func (Flushed) notification()              {}

// Journal is an open delta journal bound to one canonical file path.
//
// Thread-safety: Journal guards its state with a mutex and delivers
// notifications outside it.
type Journal struct {
	env  *Env
	path string

	mu      sync.Mutex
	id      string
	owner   string
	records []delta.Record
	offline []string
	dirty   bool
	err     *Error
	subs    []subscriber
	nextSub int
}

type subscriber struct {
	id int
	fn func(Notification)
}

// document is the on-disk shape. Field order is the wire key order.
type document struct {
	Version       string         `json:"version"`
	ID            string         `json:"id"`
	Project       string         `json:"project"`
	OfflineLayers []string       `json:"offlineLayers"`
	Deltas        []delta.Record `json:"deltas"`
	Files         *[]string      `json:"files,omitempty"`
}

// Open loads the journal at path, or creates and persists a fresh one when
// no file exists there.
//
// Errors are *Error values. The canonical path stays registered in
// env.Locks until Close.
func Open(env *Env, path string) (*Journal, error) {
	canonical, err := canonicalPath(path)
	if err != nil {
		return nil, newError(ErrCodeIO, path, "cannot resolve journal path", err)
	}

	if !env.Locks.Acquire(canonical) {
		return nil, newError(ErrCodeLock, canonical, "journal is already open", nil)
	}

	j, jerr := open(env, canonical)
	if jerr != nil {
		env.Locks.Release(canonical)
		env.logger().Debug("journal open failed", "path", canonical, "code", jerr.Code)
		return nil, jerr
	}
	return j, nil
}

func open(env *Env, path string) (*Journal, *Error) {
	owner := ""
	if env.Project != nil {
		owner = env.Project.OwnerID()
	}
	if owner == "" {
		return nil, newError(ErrCodeNotOwned, path, "project has no owner id", nil)
	}

	j := &Journal{env: env, path: path}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		j.id = env.newID()
		j.owner = owner
		if err := j.write(j.documentLocked(false)); err != nil {
			return nil, newError(ErrCodeIO, path, "cannot create journal file", err)
		}
		env.logger().Debug("journal created", "path", path, "id", j.id)
		return j, nil
	case err != nil:
		return nil, newError(ErrCodeIO, path, "cannot read journal file", err)
	}

	if jerr := j.load(data); jerr != nil {
		return nil, jerr
	}
	env.logger().Debug("journal loaded",
		"path", path,
		"id", j.id,
		"records", len(j.records),
	)
	return j, nil
}

// load validates the document in a fixed order; the first violation wins.
// Record elements are all scanned before a record error is reported.
func (j *Journal) load(data []byte) *Error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return newError(ErrCodeParse, j.path, "journal is not a JSON object", err)
	}

	id, ok := stringField(raw, "id")
	if !ok || id == "" {
		return newError(ErrCodeIDFormat, j.path, `"id" must be a non-empty string`, nil)
	}
	owner, ok := stringField(raw, "project")
	if !ok || owner == "" {
		return newError(ErrCodeOwnerFormat, j.path, `"project" must be a non-empty string`, nil)
	}
	deltas, ok := arrayField(raw, "deltas")
	if !ok {
		return newError(ErrCodeRecordsFormat, j.path, `"deltas" must be an array`, nil)
	}
	layers, ok := arrayField(raw, "offlineLayers")
	if !ok {
		return newError(ErrCodeOfflineLayersFormat, j.path, `"offlineLayers" must be an array`, nil)
	}
	offline := make([]string, 0, len(layers))
	for i, item := range layers {
		var layerID string
		if !isJSONString(item) || json.Unmarshal(item, &layerID) != nil {
			return newError(ErrCodeOfflineLayerItemFormat, j.path,
				fmt.Sprintf(`"offlineLayers"[%d] must be a string`, i), nil)
		}
		offline = appendUnique(offline, layerID)
	}
	version, ok := stringField(raw, "version")
	if !ok || version == "" {
		return newError(ErrCodeVersionFormat, j.path, `"version" must be a non-empty string`, nil)
	}
	if version != FormatVersion {
		return newError(ErrCodeIncompatibleVersion, j.path,
			fmt.Sprintf("version %q is not supported (want %q)", version, FormatVersion), nil)
	}

	records := make([]delta.Record, 0, len(deltas))
	var firstBad *Error
	for i, item := range deltas {
		rec, err := decodeRecord(item)
		if err != nil {
			if firstBad == nil {
				firstBad = newError(ErrCodeRecordFormat, j.path, fmt.Sprintf("delta %d is malformed", i), err)
			}
			continue
		}
		records = append(records, rec)
	}
	if firstBad != nil {
		return firstBad
	}

	j.id = id
	j.owner = owner
	j.records = records
	j.offline = offline
	return nil
}

func decodeRecord(item json.RawMessage) (delta.Record, error) {
	trimmed := bytes.TrimSpace(item)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return delta.Record{}, errors.New("not an object")
	}
	var rec delta.Record
	if err := json.Unmarshal(trimmed, &rec); err != nil {
		return delta.Record{}, err
	}
	if err := rec.Validate(); err != nil {
		return delta.Record{}, err
	}
	return rec, nil
}

// Close releases the path lock. Safe to call multiple times.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.err != nil && j.err.Code == ErrCodeClosed {
		return nil
	}
	j.err = newError(ErrCodeClosed, j.path, "journal is closed", nil)
	j.env.Locks.Release(j.path)
	return nil
}

// Err returns the terminal error of the instance, or nil while usable.
func (j *Journal) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.err == nil {
		return nil
	}
	return j.err
}

// ID returns the journal id.
func (j *Journal) ID() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.id
}

// Path returns the canonical backing file path.
func (j *Journal) Path() string { return j.path }

// OwnerID returns the remote project id the journal belongs to.
func (j *Journal) OwnerID() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.owner
}

// Count returns the number of records.
func (j *Journal) Count() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.records)
}

// Records returns a copy of the records in journal order.
func (j *Journal) Records() []delta.Record {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]delta.Record(nil), j.records...)
}

// IsDirty reports whether the in-memory state differs from the file.
func (j *Journal) IsDirty() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.dirty
}

// OfflineLayerIDs returns the offline layer ids in insertion order.
func (j *Journal) OfflineLayerIDs() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.offline...)
}

// Append adds a record to the end of the journal.
func (j *Journal) Append(rec delta.Record) {
	j.mu.Lock()
	if j.err != nil {
		j.mu.Unlock()
		j.env.logger().Warn("append to unusable journal dropped",
			"path", j.path,
			"code", j.err.Code,
			"layer", rec.LayerID,
			"fid", rec.FeatureID.String(),
		)
		return
	}
	j.records = append(j.records, rec)
	j.dirty = true
	count := len(j.records)
	j.mu.Unlock()

	j.notify(CountChanged{Count: count})
}

// AppendJournal concatenates other's records onto this journal and merges
// its offline layers. Nothing changes when either journal is unusable.
func (j *Journal) AppendJournal(other *Journal) error {
	if other == nil {
		return fmt.Errorf("append journal: nil journal")
	}
	if err := other.Err(); err != nil {
		return fmt.Errorf("append journal %s: %w", other.Path(), err)
	}
	records := other.Records()
	layers := other.OfflineLayerIDs()

	j.mu.Lock()
	if j.err != nil {
		err := j.err
		j.mu.Unlock()
		return err
	}
	j.records = append(j.records, records...)
	grown := false
	for _, id := range layers {
		before := len(j.offline)
		j.offline = appendUnique(j.offline, id)
		grown = grown || len(j.offline) > before
	}
	j.dirty = true
	count := len(j.records)
	offline := append([]string(nil), j.offline...)
	j.mu.Unlock()

	j.notify(CountChanged{Count: count})
	if grown {
		j.notify(OfflineLayersChanged{IDs: offline})
	}
	return nil
}

// AddOfflineLayerID adds a layer to the offline set. Known ids are ignored.
func (j *Journal) AddOfflineLayerID(layerID string) {
	j.mu.Lock()
	if j.err != nil {
		j.mu.Unlock()
		return
	}
	before := len(j.offline)
	j.offline = appendUnique(j.offline, layerID)
	if len(j.offline) == before {
		j.mu.Unlock()
		return
	}
	j.dirty = true
	offline := append([]string(nil), j.offline...)
	j.mu.Unlock()

	j.notify(OfflineLayersChanged{IDs: offline})
}

// Reset clears records and offline layers. A hard reset also gives the
// journal a new id. Resetting an empty journal changes nothing.
func (j *Journal) Reset(hard bool) {
	j.mu.Lock()
	if j.err != nil {
		j.mu.Unlock()
		return
	}
	hadRecords := len(j.records) > 0
	hadOffline := len(j.offline) > 0
	if !hadRecords && !hadOffline {
		j.mu.Unlock()
		return
	}
	j.records = nil
	j.offline = nil
	if hard {
		j.id = j.env.newID()
	}
	j.dirty = true
	j.mu.Unlock()

	if hadRecords {
		j.notify(CountChanged{Count: 0})
	}
	if hadOffline {
		j.notify(OfflineLayersChanged{IDs: []string{}})
	}
}

// Flush writes the whole document to the backing file, replacing its
// contents. On failure the in-memory state is kept and stays dirty.
func (j *Journal) Flush() error {
	j.mu.Lock()
	if j.err != nil {
		err := j.err
		j.mu.Unlock()
		return err
	}
	doc := j.documentLocked(false)
	if err := j.write(doc); err != nil {
		j.mu.Unlock()
		return newError(ErrCodeIO, j.path, "cannot write journal file", err)
	}
	j.dirty = false
	j.mu.Unlock()

	j.env.logger().Debug("journal flushed", "path", j.path, "records", len(doc.Deltas))
	j.notify(Flushed{Path: j.path})
	return nil
}

// JSON returns the document as written to disk.
func (j *Journal) JSON() ([]byte, error) {
	j.mu.Lock()
	doc := j.documentLocked(false)
	j.mu.Unlock()
	return json.MarshalIndent(doc, "", "  ")
}

// TransportJSON returns the compact document with the "files" array the
// upload service expects.
func (j *Journal) TransportJSON() ([]byte, error) {
	j.mu.Lock()
	doc := j.documentLocked(true)
	j.mu.Unlock()
	return json.Marshal(doc)
}

// AttachmentFileNames maps every attachment file referenced by the journal
// to its recorded checksum (empty when the file was unreadable). Only the
// latest file name per layer, feature and field is reported, and nothing
// when the latest value is null or empty.
func (j *Journal) AttachmentFileNames() map[string]string {
	records := j.Records()

	type latest struct {
		name     string
		checksum string
	}
	byField := make(map[string]latest)
	var keys []string

	for _, rec := range records {
		if rec.Method == delta.MethodDelete || rec.New == nil {
			continue
		}
		for _, field := range j.env.Fields.Fields(rec.LayerID) {
			v, ok := rec.New.Attributes.Get(field)
			if !ok {
				continue
			}
			key := rec.LayerID + "//" + rec.FeatureID.String() + "//" + field
			if _, seen := byField[key]; !seen {
				keys = append(keys, key)
			}

			// A cleared attachment replaces whatever name came before it.
			name := delta.Text(v)
			if name == "" {
				byField[key] = latest{}
				continue
			}
			checksum := ""
			if sum, ok := rec.New.Files[j.resolve(name)]; ok && sum != nil {
				checksum = *sum
			} else if sum, ok := rec.New.Files[name]; ok && sum != nil {
				checksum = *sum
			}
			byField[key] = latest{name: name, checksum: checksum}
		}
	}

	out := make(map[string]string, len(keys))
	for _, key := range keys {
		if l := byField[key]; l.name != "" {
			out[l.name] = l.checksum
		}
	}
	return out
}

// Subscribe registers fn for notifications.
func (j *Journal) Subscribe(fn func(Notification)) (cancel func()) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.nextSub++
	id := j.nextSub
	j.subs = append(j.subs, subscriber{id: id, fn: fn})
	return func() {
		j.mu.Lock()
		defer j.mu.Unlock()
		for i, s := range j.subs {
			if s.id == id {
				j.subs = append(j.subs[:i], j.subs[i+1:]...)
				return
			}
		}
	}
}

func (j *Journal) notify(n Notification) {
	j.mu.Lock()
	subs := make([]subscriber, len(j.subs))
	copy(subs, j.subs)
	j.mu.Unlock()

	for _, s := range subs {
		s.fn(n)
	}
}

func (j *Journal) resolve(name string) string {
	home := ""
	if j.env.Project != nil {
		home = j.env.Project.HomeDir()
	}
	return ResolvePath(home, name)
}

func (j *Journal) documentLocked(transport bool) document {
	doc := document{
		Version:       FormatVersion,
		ID:            j.id,
		Project:       j.owner,
		OfflineLayers: append([]string{}, j.offline...),
		Deltas:        append([]delta.Record{}, j.records...),
	}
	if transport {
		doc.Files = &[]string{}
	}
	return doc
}

func (j *Journal) write(doc document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode journal: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(j.path, data, 0o644); err != nil {
		return err
	}
	return nil
}

// canonicalPath resolves symlinks. A path that does not exist yet resolves
// through its parent directory, which must exist.
func canonicalPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err == nil {
		return resolved, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}
	dir, err := filepath.EvalSymlinks(filepath.Dir(abs))
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, filepath.Base(abs)), nil
}

func stringField(raw map[string]json.RawMessage, key string) (string, bool) {
	v, ok := raw[key]
	if !ok || !isJSONString(v) {
		return "", false
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", false
	}
	return s, true
}

func arrayField(raw map[string]json.RawMessage, key string) ([]json.RawMessage, bool) {
	v, ok := raw[key]
	if !ok {
		return nil, false
	}
	trimmed := bytes.TrimSpace(v)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, false
	}
	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, false
	}
	return items, true
}

func isJSONString(v json.RawMessage) bool {
	trimmed := bytes.TrimSpace(v)
	return len(trimmed) > 0 && trimmed[0] == '"'
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}
