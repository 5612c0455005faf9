package cli

import (
	"github.com/spf13/cobra"

	"github.com/roach88/fieldsync/internal/journal"
)

// ExportOptions holds flags for the export command.
type ExportOptions struct {
	*RootOptions
	Journal string
	Local   bool
}

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Print a journal document",
		Long: `Print a journal as the compact document sent to the remote service.
With --local, print the indented on-disk form instead. --format does not
apply; the output is always the journal document itself.

Examples:
  fieldsync export > upload.json
  fieldsync export --local --journal .fieldsync/deltafile_20240301T083005.123Z_000001.json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Journal, "journal", "", "journal file (default: current journal)")
	cmd.Flags().BoolVar(&opts.Local, "local", false, "print the on-disk document")

	return cmd
}

func runExport(opts *ExportOptions, cmd *cobra.Command) error {
	ws, err := openWorkspace(opts.RootOptions)
	if err != nil {
		return err
	}

	j, err := ws.openJournal(opts.Journal)
	if err != nil {
		return err
	}
	defer j.Close()

	data, err := exportDocument(j, opts.Local)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to encode journal", err)
	}

	out := cmd.OutOrStdout()
	if _, err := out.Write(append(data, '\n')); err != nil {
		return WrapExitError(ExitFailure, "failed to write journal", err)
	}
	return nil
}

func exportDocument(j *journal.Journal, local bool) ([]byte, error) {
	if local {
		return j.JSON()
	}
	return j.TransportJSON()
}
