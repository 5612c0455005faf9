package cli

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"
)

// FilesOptions holds flags for the files command.
type FilesOptions struct {
	*RootOptions
	Journal string
}

// FileEntry is one attachment referenced by a journal.
type FileEntry struct {
	Name     string `json:"name"`
	Checksum string `json:"checksum"` // empty when the file could not be read
}

// FilesResult lists a journal's attachments.
type FilesResult struct {
	JournalID string      `json:"journal_id"`
	Files     []FileEntry `json:"files"`
}

// NewFilesCommand creates the files command.
func NewFilesCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &FilesOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "files",
		Short: "List attachment files referenced by a journal",
		Long: `List the attachment files referenced by the latest state of each
feature in a journal, with their SHA-256 checksums. Files that cannot be
read are listed without a checksum.

Examples:
  fieldsync files
  fieldsync files --journal .fieldsync/deltafile_20240301T083005.123Z_000001.json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFiles(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Journal, "journal", "", "journal file (default: current journal)")

	return cmd
}

func runFiles(opts *FilesOptions, cmd *cobra.Command) error {
	ws, err := openWorkspace(opts.RootOptions)
	if err != nil {
		return err
	}

	j, err := ws.openJournal(opts.Journal)
	if err != nil {
		return err
	}
	defer j.Close()

	files := j.AttachmentFileNames()
	result := FilesResult{JournalID: j.ID(), Files: make([]FileEntry, 0, len(files))}
	for name, sum := range files {
		result.Files = append(result.Files, FileEntry{Name: name, Checksum: sum})
	}
	sort.Slice(result.Files, func(i, k int) bool {
		return result.Files[i].Name < result.Files[k].Name
	})

	return opts.formatter(cmd).Success(result)
}

// WriteText implements TextWriter.
func (r FilesResult) WriteText(w io.Writer) {
	if len(r.Files) == 0 {
		fmt.Fprintf(w, "Journal %s references no attachments.\n", r.JournalID)
		return
	}
	for _, f := range r.Files {
		sum := f.Checksum
		if sum == "" {
			sum = warning("unreadable")
		}
		fmt.Fprintf(w, "%s  %s\n", sum, f.Name)
	}
}
