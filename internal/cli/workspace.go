package cli

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/roach88/fieldsync/internal/config"
	"github.com/roach88/fieldsync/internal/geostore"
	"github.com/roach88/fieldsync/internal/journal"
)

// workspace is a loaded project and the journal environment built on it.
type workspace struct {
	project *config.Project
	env     *journal.Env
	logger  *slog.Logger
}

func openWorkspace(opts *RootOptions) (*workspace, error) {
	project, err := config.Load(opts.Project)
	if err != nil {
		return nil, &ExitError{Code: ExitCommandError, Kind: ErrCodeProject, Message: "failed to load project", Err: err}
	}
	if err := os.MkdirAll(project.JournalDir, 0o755); err != nil {
		return nil, &ExitError{Code: ExitCommandError, Kind: ErrCodeJournal, Message: "failed to create journal directory", Err: err}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	env := journal.NewEnv(project, project)
	env.Logger = logger

	return &workspace{project: project, env: env, logger: logger}, nil
}

func (w *workspace) currentPath() string {
	return filepath.Join(w.project.JournalDir, journal.CurrentFileName)
}

// openJournal opens the journal at path, or the current journal when path
// is empty. An explicit path must exist; the current journal is created
// on first use and carries the project's offline layers.
func (w *workspace) openJournal(path string) (*journal.Journal, error) {
	current := path == ""
	if current {
		path = w.currentPath()
	} else if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil, &ExitError{Code: ExitCommandError, Kind: ErrCodeJournal, Message: fmt.Sprintf("journal not found: %s", path)}
	}

	j, err := journal.Open(w.env, path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open journal", err)
	}
	if current {
		if err := w.seedOfflineLayers(j); err != nil {
			j.Close()
			return nil, err
		}
	}
	return j, nil
}

func (w *workspace) seedOfflineLayers(j *journal.Journal) error {
	for _, id := range w.project.OfflineLayers {
		j.AddOfflineLayerID(id)
	}
	if !j.IsDirty() {
		return nil
	}
	if err := j.Flush(); err != nil {
		return WrapExitError(ExitCommandError, "failed to record offline layers", err)
	}
	return nil
}

func (w *workspace) openStore() (*geostore.Store, error) {
	st, err := geostore.Open(w.project.Database)
	if err != nil {
		return nil, &ExitError{Code: ExitCommandError, Kind: ErrCodeDatabase, Message: "failed to open layer database", Err: err}
	}
	return st, nil
}
