package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/fieldsync/internal/apply"
	"github.com/roach88/fieldsync/internal/journal"
	"github.com/roach88/fieldsync/internal/layer"
	"github.com/roach88/fieldsync/internal/observer"
)

// ApplyOptions holds flags for the apply command.
type ApplyOptions struct {
	*RootOptions
	Journal string // optional - defaults to the current journal
	Reverse bool
}

// ApplyResult is the outcome of one apply.
type ApplyResult struct {
	JournalID    string   `json:"journal_id"`
	Direction    string   `json:"direction"`
	Records      int      `json:"records"`
	Replayed     int      `json:"replayed"`
	Committed    []string `json:"committed"`
	RolledBack   []string `json:"rolled_back"`
	FailedLayer  string   `json:"failed_layer,omitempty"`
	FailedRecord *int     `json:"failed_record,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// NewApplyCommand creates the apply command.
func NewApplyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ApplyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Replay a journal onto the layer database",
		Long: `Replay every record of a journal onto the layers in the project's
layer database.

By default each record's old state is written back: a created feature is
deleted, a deleted feature is re-added and a patched feature gets its old
geometry and attributes. With --reverse the journal is walked backwards
and each record's new state is written instead.

All layers the journal touches are opened first and committed together at
the end. If any record fails, nothing is committed. If a commit fails, the
layers committed before it stay committed and the rest are rolled back.

Changes made by apply are not recorded in the current journal.

Exit codes:
  0 - All records applied and all layers committed
  1 - Apply failed (see committed / rolled back layers)
  2 - Command error (project, journal or database cannot be opened)

Examples:
  fieldsync apply
  fieldsync apply --journal .fieldsync/deltafile_20240301T083005.123Z_000001.json
  fieldsync apply --reverse --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApply(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Journal, "journal", "", "journal file to apply (default: current journal)")
	cmd.Flags().BoolVar(&opts.Reverse, "reverse", false, "walk the journal backwards and write each record's new state")

	return cmd
}

func runApply(opts *ApplyOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()

	ws, err := openWorkspace(opts.RootOptions)
	if err != nil {
		return err
	}

	st, err := ws.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	// The observer records user edits into the current journal; while the
	// engine applies, it stays quiet.
	var engine *apply.Engine
	obs, err := observer.New(ws.env, ws.project.JournalDir, observer.Options{
		Suppress:      func() bool { return engine.IsApplying() },
		OfflineLayers: ws.project.OfflineLayers,
		Logger:        ws.logger,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open journal", err)
	}
	defer obs.Close()

	engine = apply.New(apply.ResolverFunc(func(id string) (layer.Layer, error) {
		l, err := st.Layer(ctx, id)
		if err != nil {
			return nil, err
		}
		obs.Watch(l)
		return l, nil
	}), apply.WithLogger(ws.logger))

	src := obs.Journal()
	if opts.Journal != "" {
		j, err := ws.openJournal(opts.Journal)
		switch {
		case journal.IsLockError(err):
			// Only the observer's current journal is open in this process.
		case err != nil:
			return err
		default:
			defer j.Close()
			src = j
		}
	}

	dir := apply.Forward
	if opts.Reverse {
		dir = apply.Reverse
	}

	report, applyErr := engine.Apply(ctx, src, dir)
	result := newApplyResult(src.ID(), report, applyErr)

	formatter := opts.formatter(cmd)
	if applyErr == nil {
		return formatter.Success(result)
	}

	exitErr := &ExitError{Code: ExitFailure, Message: "apply failed", Err: applyErr}
	if opts.Format == "json" {
		exitErr.Reported = true
		return firstErr(formatter.Error(ErrorCodeOf(applyErr), exitErr.Error(), result), exitErr)
	}
	result.WriteText(cmd.OutOrStdout())
	return exitErr
}

func newApplyResult(journalID string, report apply.Report, err error) ApplyResult {
	result := ApplyResult{
		JournalID:   journalID,
		Direction:   report.Direction.String(),
		Records:     report.Records,
		Replayed:    report.Replayed,
		Committed:   nonNil(report.Committed),
		RolledBack:  nonNil(report.RolledBack),
		FailedLayer: report.FailedLayer,
	}
	if report.FailedRecord >= 0 {
		idx := report.FailedRecord
		result.FailedRecord = &idx
	}
	if err != nil {
		result.Error = err.Error()
	}
	return result
}

// WriteText implements TextWriter.
func (r ApplyResult) WriteText(w io.Writer) {
	if r.Error == "" {
		fmt.Fprintf(w, "%s %d records (%s) from journal %s\n",
			success("Applied"), r.Records, r.Direction, r.JournalID)
	} else {
		fmt.Fprintf(w, "%s %d of %d records (%s) from journal %s\n",
			failure("Apply failed after"), r.Replayed, r.Records, r.Direction, r.JournalID)
		if r.FailedRecord != nil {
			fmt.Fprintf(w, "%s record %d on layer %s\n", label("Failed at:"), *r.FailedRecord, r.FailedLayer)
		} else if r.FailedLayer != "" {
			fmt.Fprintf(w, "%s layer %s\n", label("Failed at:"), r.FailedLayer)
		}
	}
	if len(r.Committed) > 0 {
		fmt.Fprintf(w, "%s %s\n", label("Committed:"), strings.Join(r.Committed, ", "))
	}
	if len(r.RolledBack) > 0 {
		fmt.Fprintf(w, "%s %s\n", label("Rolled back:"), warning(strings.Join(r.RolledBack, ", ")))
	}
}

// firstErr returns a if it is non-nil, else b.
func firstErr(a, b error) error {
	if a != nil {
		return a
	}
	return b
}
