// Package config loads the fieldsync project file.
//
// A project file is YAML. It names the remote project (owner), where the
// project lives on disk, and the layers it edits:
//
//	owner: 7c1e2d
//	offline_layers: [basemap]
//	layers:
//	  - id: trees
//	    fields:
//	      - {name: species, type: string}
//	      - {name: photo, type: string, attachment: true}
//
// The document is checked against an embedded CUE schema before use.
package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueyaml "cuelang.org/go/encoding/yaml"
	"gopkg.in/yaml.v3"

	"github.com/roach88/fieldsync/internal/layer"
)

//go:embed schema.cue
var schemaSource string

// DefaultFileName is the project file looked up when no path is given.
const DefaultFileName = "fieldsync.yaml"

// Project is a loaded project file. Paths are absolute after Load.
type Project struct {
	Owner         string        `yaml:"owner"`
	Home          string        `yaml:"home,omitempty"`
	JournalDir    string        `yaml:"journal_dir,omitempty"`
	Database      string        `yaml:"database,omitempty"`
	OfflineLayers []string      `yaml:"offline_layers,omitempty"`
	Layers        []LayerConfig `yaml:"layers,omitempty"`
}

// LayerConfig declares one layer.
type LayerConfig struct {
	ID     string        `yaml:"id"`
	Fields []FieldConfig `yaml:"fields,omitempty"`
}

// FieldConfig declares one attribute.
type FieldConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Attachment bool   `yaml:"attachment,omitempty"`
}

// Load reads and validates the project file at path.
//
// home defaults to the file's directory, journal_dir to .fieldsync under
// home and database to layers.db under home. Relative paths resolve
// against home.
func Load(path string) (*Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read project file: %w", err)
	}

	if err := checkSchema(path, data); err != nil {
		return nil, fmt.Errorf("invalid project file %s: %w", path, err)
	}

	var p Project
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&p); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validate(&p); err != nil {
		return nil, fmt.Errorf("invalid project file %s: %w", path, err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve project path: %w", err)
	}
	p.resolvePaths(filepath.Dir(abs))
	return &p, nil
}

// checkSchema validates the raw document against #Project.
func checkSchema(path string, data []byte) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}

	file, err := cueyaml.Extract(path, data)
	if err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	doc := ctx.BuildFile(file)
	if err := doc.Err(); err != nil {
		return err
	}

	unified := schema.LookupPath(cue.ParsePath("#Project")).Unify(doc)
	return unified.Validate(cue.Concrete(true))
}

// validate checks the rules the schema cannot express.
func validate(p *Project) error {
	seen := make(map[string]bool)
	for _, l := range p.Layers {
		if seen[l.ID] {
			return fmt.Errorf("layer %q declared twice", l.ID)
		}
		seen[l.ID] = true

		names := make(map[string]bool)
		for _, f := range l.Fields {
			if names[f.Name] {
				return fmt.Errorf("layer %q: field %q declared twice", l.ID, f.Name)
			}
			names[f.Name] = true
		}
	}
	return nil
}

func (p *Project) resolvePaths(dir string) {
	if p.Home == "" {
		p.Home = dir
	} else if !filepath.IsAbs(p.Home) {
		p.Home = filepath.Join(dir, p.Home)
	}
	p.Home = filepath.Clean(p.Home)

	p.JournalDir = p.under(p.JournalDir, ".fieldsync")
	p.Database = p.under(p.Database, "layers.db")
}

func (p *Project) under(path, def string) string {
	if path == "" {
		path = def
	}
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(p.Home, path)
}

// OwnerID implements journal.Project.
func (p *Project) OwnerID() string { return p.Owner }

// HomeDir implements journal.Project.
func (p *Project) HomeDir() string { return p.Home }

// AttachmentFields implements journal.SchemaSource.
func (p *Project) AttachmentFields(layerID string) []string {
	fields, ok := p.LayerFields(layerID)
	if !ok {
		return nil
	}
	return layer.AttachmentFields(fields)
}

// LayerFields returns the declared fields of a layer.
func (p *Project) LayerFields(layerID string) ([]layer.Field, bool) {
	for _, l := range p.Layers {
		if l.ID != layerID {
			continue
		}
		fields := make([]layer.Field, len(l.Fields))
		for i, f := range l.Fields {
			fields[i] = layer.Field{
				Name:       f.Name,
				Type:       layer.FieldType(f.Type),
				Attachment: f.Attachment,
			}
		}
		return fields, true
	}
	return nil, false
}

// LayerIDs returns the declared layer ids in file order.
func (p *Project) LayerIDs() []string {
	ids := make([]string, len(p.Layers))
	for i, l := range p.Layers {
		ids[i] = l.ID
	}
	return ids
}
