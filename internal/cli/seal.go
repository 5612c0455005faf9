package cli

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/fieldsync/internal/observer"
)

// SealResult reports one journal rotation.
type SealResult struct {
	Sealed    string `json:"sealed,omitempty"` // empty when nothing was sealed
	JournalID string `json:"journal_id"`
	Records   int    `json:"records"`
	NextID    string `json:"next_id"`
}

// NewSealCommand creates the seal command.
func NewSealCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seal",
		Short: "Seal the current journal and start a new one",
		Long: `Rename the current journal to a timestamped sealed file and start a
fresh, empty journal in its place. An empty journal is not sealed.

Examples:
  fieldsync seal
  fieldsync seal --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeal(rootOpts, cmd)
		},
	}
	return cmd
}

func runSeal(opts *RootOptions, cmd *cobra.Command) error {
	ws, err := openWorkspace(opts)
	if err != nil {
		return err
	}

	obs, err := observer.New(ws.env, ws.project.JournalDir, observer.Options{
		OfflineLayers: ws.project.OfflineLayers,
		Logger:        ws.logger,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open journal", err)
	}
	defer obs.Close()

	old := obs.Journal()
	result := SealResult{JournalID: old.ID(), Records: old.Count()}

	sealed, err := obs.Commit()
	if err != nil {
		return WrapExitError(ExitFailure, "failed to seal journal", err)
	}
	result.Sealed = sealed
	result.NextID = obs.Journal().ID()

	return opts.formatter(cmd).Success(result)
}

// WriteText implements TextWriter.
func (r SealResult) WriteText(w io.Writer) {
	if r.Sealed == "" {
		fmt.Fprintf(w, "Journal %s is empty, nothing sealed.\n", r.JournalID)
		return
	}
	fmt.Fprintf(w, "%s journal %s (%d records) as %s\n",
		success("Sealed"), r.JournalID, r.Records, filepath.Base(r.Sealed))
	fmt.Fprintf(w, "%s %s\n", label("Current journal:"), r.NextID)
}
