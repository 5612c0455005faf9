// Package upload ships sealed journals to the remote service.
//
// Only the boundary lives here: a Client that can upload a delta blob, upload
// a file and report status, and Push, which drives one upload. Transport,
// retries and backoff belong to the Client implementation.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"

	"github.com/roach88/fieldsync/internal/journal"
)

// Status is the remote processing state of an uploaded journal.
type Status string

const (
	StatusUnknown  Status = "unknown"
	StatusReceived Status = "received"
	StatusApplied  Status = "applied"
	StatusFailed   Status = "failed"
)

// Client is the remote service.
type Client interface {
	UploadDeltas(ctx context.Context, ownerID, journalID string, body []byte) error
	UploadFile(ctx context.Context, ownerID, name, path string) error
	Status(ctx context.Context, ownerID, journalID string) (Status, error)
}

// Source is a journal ready to ship. *journal.Journal implements it.
type Source interface {
	ID() string
	OwnerID() string
	TransportJSON() ([]byte, error)
	AttachmentFileNames() map[string]string
	OfflineLayerIDs() []string
}

// Result summarizes one Push.
type Result struct {
	JournalID string

	// Uploaded lists the attachment names sent, sorted.
	Uploaded []string

	// Missing lists attachment names with no file on disk, sorted.
	Missing []string

	// OfflineLayers must be synchronized wholesale by the caller.
	OfflineLayers []string
}

// Option configures Push.
type Option func(*pushConfig)

type pushConfig struct {
	logger *slog.Logger
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *pushConfig) {
		c.logger = logger
	}
}

// Push uploads the journal blob and then every attachment file it
// references. Relative attachment names resolve against homeDir. Files
// that no longer exist are reported in Result.Missing, not uploaded.
//
// The first failed upload aborts the push.
func Push(ctx context.Context, client Client, src Source, homeDir string, opts ...Option) (Result, error) {
	cfg := pushConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	logger := cfg.logger

	result := Result{
		JournalID:     src.ID(),
		OfflineLayers: src.OfflineLayerIDs(),
	}

	body, err := src.TransportJSON()
	if err != nil {
		return result, fmt.Errorf("encode journal %s: %w", src.ID(), err)
	}
	if err := client.UploadDeltas(ctx, src.OwnerID(), src.ID(), body); err != nil {
		return result, fmt.Errorf("upload journal %s: %w", src.ID(), err)
	}
	logger.Info("journal uploaded", "journal", src.ID(), "owner", src.OwnerID(), "bytes", len(body))

	files := src.AttachmentFileNames()
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		path := journal.ResolvePath(homeDir, name)
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			logger.Warn("attachment missing, not uploaded", "journal", src.ID(), "file", name)
			result.Missing = append(result.Missing, name)
			continue
		}
		if err := client.UploadFile(ctx, src.OwnerID(), name, path); err != nil {
			return result, fmt.Errorf("upload attachment %s: %w", name, err)
		}
		result.Uploaded = append(result.Uploaded, name)
	}

	logger.Debug("attachments uploaded",
		"journal", src.ID(),
		"uploaded", len(result.Uploaded),
		"missing", len(result.Missing),
	)
	return result, nil
}
