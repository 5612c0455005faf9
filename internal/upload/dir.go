package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// DirClient is a Client that delivers into a local outbox directory, one
// subdirectory per owner. It is used for export and by tests; a network
// client replaces it in the field.
type DirClient struct {
	Root string
}

var _ Client = DirClient{}

// UploadDeltas writes body to <root>/<owner>/<journal>.json.
func (c DirClient) UploadDeltas(ctx context.Context, ownerID, journalID string, body []byte) error {
	dir := filepath.Join(c.Root, ownerID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create outbox: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, journalID+".json"), body, 0o644); err != nil {
		return fmt.Errorf("write journal: %w", err)
	}
	return nil
}

// UploadFile copies path to <root>/<owner>/files/<name>.
func (c DirClient) UploadFile(ctx context.Context, ownerID, name, path string) error {
	dst := filepath.Join(c.Root, ownerID, "files", filepath.FromSlash(name))
	if filepath.IsAbs(name) {
		dst = filepath.Join(c.Root, ownerID, "files", filepath.Base(name))
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create outbox: %w", err)
	}

	in, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open attachment: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create attachment copy: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy attachment: %w", err)
	}
	return out.Close()
}

// Status reports StatusReceived once the journal is in the outbox.
func (c DirClient) Status(ctx context.Context, ownerID, journalID string) (Status, error) {
	_, err := os.Stat(filepath.Join(c.Root, ownerID, journalID+".json"))
	switch {
	case err == nil:
		return StatusReceived, nil
	case errors.Is(err, fs.ErrNotExist):
		return StatusUnknown, nil
	default:
		return StatusUnknown, fmt.Errorf("stat journal: %w", err)
	}
}
