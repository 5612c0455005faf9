// Package observer turns layer commits into journal records.
//
// An Observer watches editable layers. When a commit starts it snapshots
// the stored features the commit is about to delete or change; when the
// commit lands it diffs those snapshots against the committed state and
// appends create, patch and delete records to the current journal. When
// the session ends the journal is flushed.
//
// Commit seals the current journal under a timestamped name and starts a
// fresh one in its place.
package observer

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/roach88/fieldsync/internal/delta"
	"github.com/roach88/fieldsync/internal/journal"
	"github.com/roach88/fieldsync/internal/layer"
)

// ErrUnknownLayer is returned by Handle for events of unwatched layers.
var ErrUnknownLayer = errors.New("layer is not watched")

// Options configures an Observer. The zero value is usable.
type Options struct {
	// Suppress, when it returns true, makes the observer ignore commits.
	// The apply engine's IsApplying goes here so replays are not
	// journaled a second time.
	Suppress func() bool

	// Now stamps sealed journal names. Defaults to time.Now.
	Now func() time.Time

	// Sequence numbers sealed journals. Defaults to a fresh sequence.
	Sequence *journal.Sequence

	// OfflineLayers are added to the current journal and to every fresh
	// journal started by Commit.
	OfflineLayers []string

	Logger *slog.Logger
}

// Observer records the commits of watched layers into a journal.
type Observer struct {
	env  *journal.Env
	dir  string
	opts Options

	// openJournal is journal.Open; tests replace it to inject failures.
	openJournal func(env *journal.Env, path string) (*journal.Journal, error)

	mu             sync.Mutex
	current        *journal.Journal
	layers         map[string]*watched
	faults         int
	lastFlushError error
}

// watched is the per-layer snapshot cache of one commit round.
type watched struct {
	layer         layer.Layer
	cancel        func()
	pendingBefore map[delta.FeatureID]layer.Feature
	patched       map[delta.FeatureID]struct{}
}

func (w *watched) clear() {
	w.pendingBefore = make(map[delta.FeatureID]layer.Feature)
	w.patched = make(map[delta.FeatureID]struct{})
}

// New opens (or creates) the current journal in dir.
func New(env *journal.Env, dir string, opts Options) (*Observer, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sequence == nil {
		opts.Sequence = journal.NewSequence()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	o := &Observer{
		env:         env,
		dir:         dir,
		opts:        opts,
		openJournal: journal.Open,
		layers:      make(map[string]*watched),
	}
	j, err := o.openJournal(env, o.currentPath())
	if err != nil {
		return nil, fmt.Errorf("open current journal: %w", err)
	}
	o.seed(j)
	o.current = j
	return o, nil
}

// seed adds the configured offline layers to j and flushes when that
// changed anything.
func (o *Observer) seed(j *journal.Journal) {
	for _, id := range o.opts.OfflineLayers {
		j.AddOfflineLayerID(id)
	}
	if !j.IsDirty() {
		return
	}
	if err := j.Flush(); err != nil {
		o.opts.Logger.Warn("cannot flush offline layers", "path", j.Path(), "error", err)
	}
}

func (o *Observer) currentPath() string {
	return filepath.Join(o.dir, journal.CurrentFileName)
}

// Journal returns the current journal.
func (o *Observer) Journal() *journal.Journal {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// Sealed lists the sealed journals in the observer's directory, oldest first.
func (o *Observer) Sealed() ([]string, error) {
	return journal.SealedJournals(o.dir)
}

// Faults returns how many changes were skipped because their pre-commit
// snapshot was missing.
func (o *Observer) Faults() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.faults
}

// LastFlushError returns the error of the most recent end-of-session flush,
// or nil if it succeeded.
func (o *Observer) LastFlushError() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastFlushError
}

// Watch starts recording commits of l. Watching a layer id twice replaces
// the earlier subscription.
func (o *Observer) Watch(l layer.Layer) {
	o.Unwatch(l.ID())

	w := &watched{layer: l}
	w.clear()

	o.mu.Lock()
	o.layers[l.ID()] = w
	o.mu.Unlock()

	cancel := l.Subscribe(func(ev layer.Event) {
		if err := o.Handle(ev); err != nil {
			o.opts.Logger.Error("layer event not recorded", "layer", ev.Layer(), "error", err)
		}
	})

	o.mu.Lock()
	w.cancel = cancel
	o.mu.Unlock()
}

// Unwatch stops recording commits of the layer with the given id.
func (o *Observer) Unwatch(layerID string) {
	o.mu.Lock()
	w, ok := o.layers[layerID]
	delete(o.layers, layerID)
	o.mu.Unlock()

	if ok && w.cancel != nil {
		w.cancel()
	}
}

// Handle processes one layer event.
func (o *Observer) Handle(ev layer.Event) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	w, ok := o.layers[ev.Layer()]
	if !ok {
		return fmt.Errorf("%s: %w", ev.Layer(), ErrUnknownLayer)
	}

	if o.opts.Suppress != nil && o.opts.Suppress() {
		if _, ok := ev.(layer.EditingStopped); ok {
			w.clear()
		}
		return nil
	}

	switch e := ev.(type) {
	case layer.BeforeCommit:
		return o.beforeCommit(w, e)
	case layer.FeaturesAdded:
		return o.featuresAdded(w, e)
	case layer.FeaturesRemoved:
		o.featuresRemoved(w, e)
	case layer.AttributeValuesChanged:
		return o.changed(w, e.ChangeIDs())
	case layer.GeometriesChanged:
		return o.changed(w, e.IDs)
	case layer.EditingStopped:
		o.editingStopped(w, e)
	}
	return nil
}

func (o *Observer) beforeCommit(w *watched, e layer.BeforeCommit) error {
	ids := unionIDs(e.Deleted, e.GeometryChanged, e.AttributesChanged)
	if len(ids) == 0 {
		return nil
	}
	features, err := w.layer.StoredFeatures(ids)
	if err != nil {
		return fmt.Errorf("snapshot features before commit: %w", err)
	}
	for _, f := range features {
		w.pendingBefore[f.ID] = f
	}
	o.opts.Logger.Debug("cached pre-commit snapshots", "layer", e.LayerID, "count", len(features))
	return nil
}

func (o *Observer) featuresAdded(w *watched, e layer.FeaturesAdded) error {
	for _, id := range e.IDs {
		f, err := w.layer.Feature(id)
		if err != nil {
			return fmt.Errorf("read added feature %s: %w", id, err)
		}
		o.current.AddCreate(e.LayerID, f)
	}
	return nil
}

func (o *Observer) featuresRemoved(w *watched, e layer.FeaturesRemoved) {
	for _, id := range e.IDs {
		before, ok := w.pendingBefore[id]
		if !ok {
			o.fault(e.LayerID, id, "removed")
			continue
		}
		delete(w.pendingBefore, id)
		o.current.AddDelete(e.LayerID, before)
	}
}

func (o *Observer) changed(w *watched, ids []delta.FeatureID) error {
	layerID := w.layer.ID()
	for _, id := range ids {
		if _, done := w.patched[id]; done {
			continue
		}
		w.patched[id] = struct{}{}

		before, ok := w.pendingBefore[id]
		if !ok {
			o.fault(layerID, id, "changed")
			continue
		}
		delete(w.pendingBefore, id)

		after, err := w.layer.Feature(id)
		if err != nil {
			return fmt.Errorf("read changed feature %s: %w", id, err)
		}
		o.current.AddPatch(layerID, before, after)
	}
	return nil
}

func (o *Observer) editingStopped(w *watched, e layer.EditingStopped) {
	w.clear()

	if err := o.current.Flush(); err != nil {
		o.lastFlushError = err
		o.opts.Logger.Warn("journal flush failed",
			"layer", e.LayerID,
			"path", o.current.Path(),
			"error", err,
		)
		return
	}
	o.lastFlushError = nil
}

func (o *Observer) fault(layerID string, id delta.FeatureID, what string) {
	o.faults++
	o.opts.Logger.Error("no pre-commit snapshot",
		"layer", layerID,
		"fid", id.String(),
		"change", what,
	)
}

// Commit seals the current journal and starts a fresh one. It returns the
// sealed file's path, or "" when the journal was empty and nothing was
// sealed.
//
// The current file is renamed before the fresh journal is created. If the
// fresh journal cannot be opened the rename is undone and the old journal
// stays current.
func (o *Observer) Commit() (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	old := o.current
	if err := old.Flush(); err != nil {
		return "", fmt.Errorf("flush before seal: %w", err)
	}
	if old.Count() == 0 {
		return "", nil
	}

	path := old.Path()
	sealed := filepath.Join(filepath.Dir(path), journal.SealedName(o.opts.Now(), o.opts.Sequence.Next()))
	if err := os.Rename(path, sealed); err != nil {
		return "", fmt.Errorf("seal journal: %w", err)
	}
	old.Close()

	fresh, err := o.openJournal(o.env, path)
	if err != nil {
		err = fmt.Errorf("start fresh journal: %w", err)
		if rerr := o.restore(path, sealed); rerr != nil {
			return "", errors.Join(err, rerr)
		}
		return "", err
	}
	o.seed(fresh)
	o.current = fresh

	o.opts.Logger.Info("journal sealed",
		"sealed", sealed,
		"records", old.Count(),
		"id", old.ID(),
		"next", fresh.ID(),
	)
	return sealed, nil
}

// restore undoes a seal after the fresh journal failed to open. When the
// old journal cannot be reopened the observer has no usable journal and
// the returned error says so.
func (o *Observer) restore(path, sealed string) error {
	var errs []error
	if err := os.Rename(sealed, path); err != nil {
		o.opts.Logger.Error("cannot restore sealed journal", "sealed", sealed, "path", path, "error", err)
		errs = append(errs, fmt.Errorf("restore sealed journal: %w", err))
	}
	reopened, err := o.openJournal(o.env, path)
	if err != nil {
		o.opts.Logger.Error("cannot reopen journal", "path", path, "error", err)
		return errors.Join(append(errs, fmt.Errorf("reopen journal: %w", err))...)
	}
	o.current = reopened
	return errors.Join(errs...)
}

// Close stops watching every layer and closes the current journal.
func (o *Observer) Close() error {
	o.mu.Lock()
	layers := o.layers
	o.layers = make(map[string]*watched)
	current := o.current
	o.mu.Unlock()

	for _, w := range layers {
		if w.cancel != nil {
			w.cancel()
		}
	}
	return current.Close()
}

// unionIDs concatenates id lists, dropping repeats and keeping first-seen
// order.
func unionIDs(lists ...[]delta.FeatureID) []delta.FeatureID {
	seen := make(map[delta.FeatureID]struct{})
	var out []delta.FeatureID
	for _, ids := range lists {
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
