package cli

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/fieldsync/internal/journal"
	"github.com/roach88/fieldsync/internal/upload"
)

// PushOptions holds flags for the push command.
type PushOptions struct {
	*RootOptions
	Outbox  string
	Journal string // optional - defaults to every sealed journal
}

// PushedJournal is the outcome for one journal.
type PushedJournal struct {
	Path          string        `json:"path"`
	JournalID     string        `json:"journal_id"`
	Status        upload.Status `json:"status"`
	Uploaded      []string      `json:"uploaded"`
	Missing       []string      `json:"missing"`
	OfflineLayers []string      `json:"offline_layers"`
}

// PushResult lists the pushed journals in push order.
type PushResult struct {
	Outbox   string          `json:"outbox"`
	Journals []PushedJournal `json:"journals"`
}

// NewPushCommand creates the push command.
func NewPushCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PushOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "push",
		Short: "Deliver sealed journals and their attachments to an outbox",
		Long: `Deliver sealed journals, oldest first, together with the attachment
files they reference, into an outbox directory laid out per project owner.
Attachments missing on disk are reported and skipped. The first failed
delivery stops the push.

Exit codes:
  0 - All journals delivered
  1 - A delivery failed
  2 - Command error (project or journal cannot be opened)

Examples:
  fieldsync push --outbox /mnt/usb/outbox
  fieldsync push --outbox ./outbox --journal .fieldsync/deltafile_20240301T083005.123Z_000001.json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPush(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Outbox, "outbox", "", "outbox directory (required)")
	_ = cmd.MarkFlagRequired("outbox")
	cmd.Flags().StringVar(&opts.Journal, "journal", "", "push a single journal file")

	return cmd
}

func runPush(opts *PushOptions, cmd *cobra.Command) error {
	ws, err := openWorkspace(opts.RootOptions)
	if err != nil {
		return err
	}

	paths := []string{opts.Journal}
	if opts.Journal == "" {
		paths, err = journal.SealedJournals(ws.project.JournalDir)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to list sealed journals", err)
		}
	}

	client := upload.DirClient{Root: opts.Outbox}
	result := PushResult{Outbox: opts.Outbox, Journals: []PushedJournal{}}

	for _, path := range paths {
		pushed, err := pushJournal(cmd, ws, client, path)
		if err != nil {
			return err
		}
		result.Journals = append(result.Journals, pushed)
	}

	return opts.formatter(cmd).Success(result)
}

func pushJournal(cmd *cobra.Command, ws *workspace, client upload.Client, path string) (PushedJournal, error) {
	ctx := cmd.Context()

	j, err := ws.openJournal(path)
	if err != nil {
		return PushedJournal{}, err
	}
	defer j.Close()

	res, err := upload.Push(ctx, client, j, ws.project.HomeDir(), upload.WithLogger(ws.logger))
	if err != nil {
		return PushedJournal{}, WrapExitError(ExitFailure, fmt.Sprintf("failed to push %s", filepath.Base(path)), err)
	}

	status, err := client.Status(ctx, j.OwnerID(), j.ID())
	if err != nil {
		return PushedJournal{}, WrapExitError(ExitFailure, "failed to read upload status", err)
	}

	return PushedJournal{
		Path:          path,
		JournalID:     res.JournalID,
		Status:        status,
		Uploaded:      nonNil(res.Uploaded),
		Missing:       nonNil(res.Missing),
		OfflineLayers: nonNil(res.OfflineLayers),
	}, nil
}

// WriteText implements TextWriter.
func (r PushResult) WriteText(w io.Writer) {
	if len(r.Journals) == 0 {
		fmt.Fprintln(w, "No sealed journals to push.")
		return
	}
	for _, j := range r.Journals {
		fmt.Fprintf(w, "%s %s (%s) %s\n", success("Pushed"), j.JournalID, filepath.Base(j.Path), faint(string(j.Status)))
		if len(j.Uploaded) > 0 {
			fmt.Fprintf(w, "  %s %s\n", label("Files:"), strings.Join(j.Uploaded, ", "))
		}
		if len(j.Missing) > 0 {
			fmt.Fprintf(w, "  %s %s\n", label("Missing:"), warning(strings.Join(j.Missing, ", ")))
		}
		if len(j.OfflineLayers) > 0 {
			fmt.Fprintf(w, "  %s %s\n", label("Offline layers:"), strings.Join(j.OfflineLayers, ", "))
		}
	}
}
