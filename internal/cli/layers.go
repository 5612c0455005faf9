package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// LayersResult lists the declared and stored layers.
type LayersResult struct {
	Database string   `json:"database"`
	Created  []string `json:"created"`
	Layers   []string `json:"layers"`
}

// NewLayersCommand creates the layers command.
func NewLayersCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "layers",
		Short: "Create the project's layers in the layer database",
		Long: `Create every layer declared in the project file that does not exist
yet in the layer database, then list the stored layers. Existing layers are
left untouched.

Examples:
  fieldsync layers
  fieldsync layers --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLayers(rootOpts, cmd)
		},
	}
	return cmd
}

func runLayers(opts *RootOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()

	ws, err := openWorkspace(opts)
	if err != nil {
		return err
	}

	st, err := ws.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	before, err := st.LayerIDs(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list layers", err)
	}
	existing := make(map[string]bool, len(before))
	for _, id := range before {
		existing[id] = true
	}

	result := LayersResult{Database: ws.project.Database, Created: []string{}}
	for _, id := range ws.project.LayerIDs() {
		if existing[id] {
			continue
		}
		fields, _ := ws.project.LayerFields(id)
		if err := st.CreateLayer(ctx, id, fields); err != nil {
			return WrapExitError(ExitFailure, fmt.Sprintf("failed to create layer %s", id), err)
		}
		result.Created = append(result.Created, id)
	}

	result.Layers, err = st.LayerIDs(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list layers", err)
	}

	return opts.formatter(cmd).Success(result)
}

// WriteText implements TextWriter.
func (r LayersResult) WriteText(w io.Writer) {
	created := make(map[string]bool, len(r.Created))
	for _, id := range r.Created {
		created[id] = true
	}
	fmt.Fprintf(w, "%s %s\n", label("Database:"), faint(r.Database))
	if len(r.Layers) == 0 {
		fmt.Fprintln(w, "No layers.")
		return
	}
	for _, id := range r.Layers {
		if created[id] {
			fmt.Fprintf(w, "  %s %s\n", id, success("(created)"))
			continue
		}
		fmt.Fprintf(w, "  %s\n", id)
	}
}
