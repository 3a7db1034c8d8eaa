// Package schema declares the collections kept in the local store and the
// secondary indexes each one carries.
package schema

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Index is a secondary index over a single top-level field.
type Index struct {
	Name    string `yaml:"name"`
	KeyPath string `yaml:"key_path"`
}

// Collection describes one store of entities.
type Collection struct {
	Name    string  `yaml:"name"`
	Indexes []Index `yaml:"indexes,omitempty"`

	// RemotePath is the path below the remote base URL that lists this
	// collection during a pull. Empty means "/<name>".
	RemotePath string `yaml:"remote_path,omitempty"`

	// Sync excludes the collection from pulls when set to false.
	Sync *bool `yaml:"sync,omitempty"`
}

// Synced reports whether the collection takes part in pulls.
func (c Collection) Synced() bool {
	return c.Sync == nil || *c.Sync
}

// Path returns the remote listing path for the collection.
func (c Collection) Path() string {
	if c.RemotePath != "" {
		return c.RemotePath
	}
	return "/" + c.Name
}

// RecordPath returns the remote path of one record.
func (c Collection) RecordPath(id string) string {
	return strings.TrimSuffix(c.Path(), "/") + "/" + id
}

// Index returns the named index.
func (c Collection) Index(name string) (Index, bool) {
	for _, idx := range c.Indexes {
		if idx.Name == name {
			return idx, true
		}
	}
	return Index{}, false
}

// Schema is the full set of declared collections.
type Schema struct {
	Collections []Collection `yaml:"collections"`
}

// Collection returns the named collection.
func (s Schema) Collection(name string) (Collection, bool) {
	for _, c := range s.Collections {
		if c.Name == name {
			return c, true
		}
	}
	return Collection{}, false
}

// Names lists collection names in declaration order.
func (s Schema) Names() []string {
	names := make([]string, len(s.Collections))
	for i, c := range s.Collections {
		names[i] = c.Name
	}
	return names
}

// Default returns the inspection-domain collections.
func Default() Schema {
	return Schema{Collections: []Collection{
		{Name: "clients", Indexes: []Index{
			{Name: "by-name", KeyPath: "name"},
		}},
		{Name: "projects", Indexes: []Index{
			{Name: "by-client", KeyPath: "clientId"},
		}},
		{Name: "inspections", Indexes: []Index{
			{Name: "by-user", KeyPath: "userId"},
			{Name: "by-client", KeyPath: "clientId"},
			{Name: "by-project", KeyPath: "projectId"},
			{Name: "by-status", KeyPath: "status"},
			{Name: "by-date", KeyPath: "scheduledDate"},
		}},
		{Name: "evidences", Indexes: []Index{
			{Name: "by-inspection", KeyPath: "inspectionId"},
		}},
	}}
}

var (
	namePattern    = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
	indexPattern   = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)
	keyPathPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// Validate checks names so they can be embedded in table, index and JSON
// path identifiers.
func (s Schema) Validate() error {
	if len(s.Collections) == 0 {
		return fmt.Errorf("schema declares no collections")
	}
	seen := make(map[string]bool, len(s.Collections))
	for _, c := range s.Collections {
		if !namePattern.MatchString(c.Name) {
			return fmt.Errorf("invalid collection name %q", c.Name)
		}
		if seen[c.Name] {
			return fmt.Errorf("duplicate collection %q", c.Name)
		}
		seen[c.Name] = true

		idxSeen := make(map[string]bool, len(c.Indexes))
		for _, idx := range c.Indexes {
			if !indexPattern.MatchString(idx.Name) {
				return fmt.Errorf("collection %s: invalid index name %q", c.Name, idx.Name)
			}
			if !keyPathPattern.MatchString(idx.KeyPath) {
				return fmt.Errorf("collection %s: invalid key path %q for index %s", c.Name, idx.KeyPath, idx.Name)
			}
			if idxSeen[idx.Name] {
				return fmt.Errorf("collection %s: duplicate index %q", c.Name, idx.Name)
			}
			idxSeen[idx.Name] = true
		}
	}
	return nil
}

// Load reads a YAML schema file. An empty path yields Default.
func Load(path string) (Schema, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Schema{}, fmt.Errorf("reading schema file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML schema document.
func Parse(data []byte) (Schema, error) {
	var s Schema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Schema{}, fmt.Errorf("parsing schema: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Schema{}, err
	}
	return s, nil
}
