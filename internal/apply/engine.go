// Package apply replays a journal onto layers.
//
// Apply opens an edit session on every layer the journal touches, replays
// every record, then commits the layers one by one in the order they were
// opened. Replaying a record writes its old state back: a create deletes
// the feature, a delete re-adds it from the old snapshot and a patch
// restores the old geometry and attributes. Reverse walks the journal
// backwards with every record inverted first, which writes the new state.
//
// Atomicity across layers is best effort. Layers have no two-phase commit,
// so when a commit fails the layers committed before it stay committed and
// the rest are rolled back. The Report says which is which.
package apply

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/roach88/fieldsync/internal/delta"
	"github.com/roach88/fieldsync/internal/journal"
	"github.com/roach88/fieldsync/internal/layer"
)

// Direction selects which snapshot of each record Apply writes.
type Direction int

const (
	// Forward writes each record's old state back, in journal order.
	Forward Direction = iota

	// Reverse inverts each record and replays it in reverse journal order,
	// which writes the new state.
	Reverse
)

// String returns the direction name.
func (d Direction) String() string {
	if d == Reverse {
		return "reverse"
	}
	return "forward"
}

// State is the engine's position in its apply lifecycle:
// NotApplying, then Applying, then Succeeded or Failed.
type State int32

const (
	NotApplying State = iota
	Applying
	Succeeded
	Failed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Applying:
		return "applying"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return "not-applying"
	}
}

// Source is a journal to apply. *journal.Journal implements it.
type Source interface {
	Flush() error
	Records() []delta.Record
}

// Resolver finds the live layer for a layer id.
type Resolver interface {
	Layer(id string) (layer.Layer, error)
}

// MapResolver resolves layers from a fixed map.
type MapResolver map[string]layer.Layer

// Layer implements Resolver.
func (m MapResolver) Layer(id string) (layer.Layer, error) {
	l, ok := m[id]
	if !ok {
		return nil, fmt.Errorf("layer %q not found", id)
	}
	return l, nil
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(id string) (layer.Layer, error)

// Layer implements Resolver.
func (f ResolverFunc) Layer(id string) (layer.Layer, error) {
	return f(id)
}

// Report describes the outcome of one Apply.
type Report struct {
	Direction Direction

	// Records is the number of records in the journal.
	Records int

	// Replayed is the number of records applied before commit started.
	Replayed int

	// Committed lists layers whose commit succeeded, in commit order.
	Committed []string

	// RolledBack lists layers whose edit session was rolled back.
	RolledBack []string

	// FailedLayer and FailedRecord locate the failure; FailedRecord is the
	// journal index or -1.
	FailedLayer  string
	FailedRecord int
}

// Partial reports whether the apply failed after committing some layers.
func (r Report) Partial() bool {
	return len(r.Committed) > 0 && len(r.RolledBack) > 0
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// Engine applies journals through a Resolver. One Apply runs at a time.
//
// Thread-safety: Engine is safe for concurrent use; a concurrent Apply
// fails with BUSY.
type Engine struct {
	resolver Resolver
	logger   *slog.Logger
	state    atomic.Int32
}

// New creates an Engine.
func New(resolver Resolver, opts ...Option) *Engine {
	e := &Engine{
		resolver: resolver,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// State returns the engine's current state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// IsApplying reports whether an Apply is in progress. Observers use it to
// ignore the commits Apply makes.
func (e *Engine) IsApplying() bool {
	return e.State() == Applying
}

// step is one record as replayed: the original journal index and the
// change to make.
type step struct {
	index  int
	record delta.Record
}

// Apply replays src onto the resolved layers.
//
// The journal is flushed first. Every layer referenced by the journal is
// opened before any record is replayed; any failure rolls back every
// opened layer that has not committed.
func (e *Engine) Apply(ctx context.Context, src Source, dir Direction) (Report, error) {
	report := Report{Direction: dir, FailedRecord: -1}

	for {
		cur := State(e.state.Load())
		if cur == Applying {
			return report, &Error{Code: ErrCodeBusy, Record: -1, Message: "another apply is in progress"}
		}
		if e.state.CompareAndSwap(int32(cur), int32(Applying)) {
			break
		}
	}

	err := e.apply(ctx, src, dir, &report)
	if err != nil {
		e.state.Store(int32(Failed))
		e.logger.Error("apply failed",
			"direction", dir.String(),
			"committed", report.Committed,
			"rolled_back", report.RolledBack,
			"error", err,
		)
		return report, err
	}
	e.state.Store(int32(Succeeded))
	e.logger.Info("apply succeeded",
		"direction", dir.String(),
		"records", report.Records,
		"layers", report.Committed,
	)
	return report, nil
}

func (e *Engine) apply(ctx context.Context, src Source, dir Direction, report *Report) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := src.Flush(); err != nil {
		return &Error{Code: ErrCodeFlushFailed, Record: -1, Message: "cannot flush journal", Err: err}
	}

	records := src.Records()
	report.Records = len(records)
	steps := plan(records, dir)

	order, layers, rerr := e.resolve(records)
	if rerr != nil {
		report.FailedLayer = rerr.Layer
		return rerr
	}

	// Layers opened and not yet committed, in open order.
	var open []string
	defer func() {
		for _, id := range open {
			if rbErr := layers[id].Rollback(); rbErr != nil {
				e.logger.Error("rollback failed", "layer", id, "error", rbErr)
				continue
			}
			report.RolledBack = append(report.RolledBack, id)
		}
	}()

	for _, id := range order {
		if err := layers[id].BeginEdit(); err != nil {
			report.FailedLayer = id
			return &Error{Code: ErrCodeOpenFailed, Layer: id, Record: -1, Message: "cannot start edit session", Err: err}
		}
		open = append(open, id)
	}
	e.logger.Debug("edit sessions opened", "layers", order)

	for _, s := range steps {
		if err := replay(layers[s.record.LayerID], s.record); err != nil {
			report.FailedLayer = s.record.LayerID
			report.FailedRecord = s.index
			return &Error{
				Code:    ErrCodeReplayFailed,
				Layer:   s.record.LayerID,
				Record:  s.index,
				Message: fmt.Sprintf("cannot %s feature %s", s.record.Method, s.record.FeatureID),
				Err:     err,
			}
		}
		report.Replayed++
	}

	for len(open) > 0 {
		id := open[0]
		if err := layers[id].Commit(); err != nil {
			report.FailedLayer = id
			return &Error{Code: ErrCodeCommitFailed, Layer: id, Record: -1, Message: "cannot commit layer", Err: err}
		}
		open = open[1:]
		report.Committed = append(report.Committed, id)
	}
	return nil
}

// resolve looks up every referenced layer, in first-reference order.
func (e *Engine) resolve(records []delta.Record) ([]string, map[string]layer.Layer, *Error) {
	var order []string
	layers := make(map[string]layer.Layer)
	for _, rec := range records {
		if _, ok := layers[rec.LayerID]; ok {
			continue
		}
		l, err := e.resolver.Layer(rec.LayerID)
		if err != nil {
			return nil, nil, &Error{Code: ErrCodeUnknownLayer, Layer: rec.LayerID, Record: -1, Message: "cannot resolve layer", Err: err}
		}
		layers[rec.LayerID] = l
		order = append(order, rec.LayerID)
	}
	return order, layers, nil
}

// plan orders the records for dir. Reverse walks the journal backwards
// with every record inverted.
func plan(records []delta.Record, dir Direction) []step {
	steps := make([]step, len(records))
	for i, rec := range records {
		if dir == Reverse {
			steps[len(records)-1-i] = step{index: i, record: rec.Inverse()}
		} else {
			steps[i] = step{index: i, record: rec}
		}
	}
	return steps
}

// replay writes rec's old state back onto l.
func replay(l layer.Layer, rec delta.Record) error {
	switch rec.Method {
	case delta.MethodCreate:
		return l.DeleteFeature(rec.FeatureID)

	case delta.MethodDelete:
		f, err := featureFrom(rec.FeatureID, rec.Old)
		if err != nil {
			return err
		}
		return l.AddFeature(f)

	case delta.MethodPatch:
		if rec.Old == nil {
			return fmt.Errorf("patch has no old state")
		}
		// An empty old geometry leaves the feature's geometry alone.
		if wkt := rec.Old.WKT(); wkt != "" {
			g, err := journal.ParseGeometry(wkt)
			if err != nil {
				return err
			}
			if err := l.SetGeometry(rec.FeatureID, g); err != nil {
				return err
			}
		}
		for _, attr := range rec.Old.Attributes {
			if err := l.SetAttribute(rec.FeatureID, attr.Name, attr.Value); err != nil {
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("unknown method %q", rec.Method)
	}
}

func featureFrom(id delta.FeatureID, s *delta.Snapshot) (layer.Feature, error) {
	if s == nil {
		return layer.Feature{}, fmt.Errorf("delete has no old state")
	}
	g, err := journal.ParseGeometry(s.WKT())
	if err != nil {
		return layer.Feature{}, err
	}
	return layer.Feature{ID: id, Geometry: g, Attributes: s.Attributes.Clone()}, nil
}
