package journal

import (
	"log/slog"

	"github.com/google/uuid"
)

// Project supplies the identity and location of the project a journal
// belongs to.
type Project interface {
	// OwnerID is the remote project id. Empty means the project is not
	// bound to a remote and cannot keep a journal.
	OwnerID() string

	// HomeDir is the directory relative attachment paths resolve against.
	HomeDir() string
}

// SchemaSource reports which attributes of a layer hold attachment file
// names.
type SchemaSource interface {
	AttachmentFields(layerID string) []string
}

// SchemaFunc adapts a function to SchemaSource.
type SchemaFunc func(layerID string) []string

// AttachmentFields implements SchemaSource.
func (f SchemaFunc) AttachmentFields(layerID string) []string {
	return f(layerID)
}

// StaticProject is a fixed Project.
type StaticProject struct {
	Owner string
	Home  string
}

func (p StaticProject) OwnerID() string { return p.Owner }
func (p StaticProject) HomeDir() string { return p.Home }

// Env holds the process-scoped state journals share: the open-path
// registry and the attachment field cache. Tests create one Env per case.
type Env struct {
	Locks   *LockRegistry
	Fields  *AttachmentFieldCache
	Project Project

	// NewID mints journal ids. Defaults to random UUIDs.
	NewID func() string

	Logger *slog.Logger
}

// NewEnv creates an Env with a fresh registry and cache.
func NewEnv(project Project, schema SchemaSource) *Env {
	return &Env{
		Locks:   NewLockRegistry(),
		Fields:  NewAttachmentFieldCache(schema),
		Project: project,
		NewID:   uuid.NewString,
		Logger:  slog.Default(),
	}
}

func (e *Env) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

func (e *Env) newID() string {
	if e.NewID == nil {
		return uuid.NewString()
	}
	return e.NewID()
}
