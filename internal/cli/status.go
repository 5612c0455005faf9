package cli

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/fieldsync/internal/journal"
)

// StatusResult describes the current journal and the sealed ones waiting
// to be pushed.
type StatusResult struct {
	Owner         string         `json:"owner"`
	JournalID     string         `json:"journal_id"`
	Path          string         `json:"path"`
	Records       int            `json:"records"`
	Methods       map[string]int `json:"methods"`
	Dirty         bool           `json:"dirty"`
	OfflineLayers []string       `json:"offline_layers"`
	Sealed        []string       `json:"sealed"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the current journal",
		Long: `Show the current journal: its id, record counts, offline layers, and
the sealed journals waiting to be pushed. The current journal is created
if it does not exist yet.

Examples:
  fieldsync status
  fieldsync status --project ./survey/fieldsync.yaml --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(rootOpts, cmd)
		},
	}
	return cmd
}

func runStatus(opts *RootOptions, cmd *cobra.Command) error {
	ws, err := openWorkspace(opts)
	if err != nil {
		return err
	}

	j, err := ws.openJournal("")
	if err != nil {
		return err
	}
	defer j.Close()

	sealed, err := journal.SealedJournals(ws.project.JournalDir)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list sealed journals", err)
	}

	result := StatusResult{
		Owner:         j.OwnerID(),
		JournalID:     j.ID(),
		Path:          j.Path(),
		Records:       j.Count(),
		Methods:       make(map[string]int),
		Dirty:         j.IsDirty(),
		OfflineLayers: nonNil(j.OfflineLayerIDs()),
		Sealed:        make([]string, 0, len(sealed)),
	}
	for _, rec := range j.Records() {
		result.Methods[string(rec.Method)]++
	}
	for _, path := range sealed {
		result.Sealed = append(result.Sealed, filepath.Base(path))
	}

	return opts.formatter(cmd).Success(result)
}

// WriteText implements TextWriter.
func (r StatusResult) WriteText(w io.Writer) {
	fmt.Fprintf(w, "%s %s\n", label("Journal:"), r.JournalID)
	fmt.Fprintf(w, "%s %s\n", label("Owner:"), r.Owner)
	fmt.Fprintf(w, "%s %s\n", label("Path:"), faint(r.Path))

	methods := make([]string, 0, len(r.Methods))
	for m, n := range r.Methods {
		methods = append(methods, fmt.Sprintf("%s=%d", m, n))
	}
	sort.Strings(methods)
	if len(methods) > 0 {
		fmt.Fprintf(w, "%s %d (%s)\n", label("Records:"), r.Records, strings.Join(methods, ", "))
	} else {
		fmt.Fprintf(w, "%s %d\n", label("Records:"), r.Records)
	}
	if r.Dirty {
		fmt.Fprintf(w, "%s %s\n", label("State:"), warning("unsaved changes"))
	}
	if len(r.OfflineLayers) > 0 {
		fmt.Fprintf(w, "%s %s\n", label("Offline layers:"), strings.Join(r.OfflineLayers, ", "))
	}

	if len(r.Sealed) == 0 {
		fmt.Fprintln(w, "No sealed journals.")
		return
	}
	fmt.Fprintf(w, "%s\n", label("Sealed journals:"))
	for _, name := range r.Sealed {
		fmt.Fprintf(w, "  %s\n", name)
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
