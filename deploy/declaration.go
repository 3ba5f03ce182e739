// Package deploy drives a Framework from declaration files: YAML or TOML
// documents listing the component instances that should exist, with their
// factories and configuration properties. A Deployer reconciles the
// framework against the declared set, and a Watcher keeps it reconciled
// as files in a deploy directory appear, change and disappear.
package deploy

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

var (
	ErrNoName            = errors.New("instance declaration requires a name")
	ErrNoFactory         = errors.New("instance declaration requires a factory")
	ErrDuplicateName     = errors.New("duplicate instance name in declaration")
	ErrUnsupportedFormat = errors.New("unsupported declaration file format")
)

// Declaration is the parsed content of one deploy file.
type Declaration struct {
	Instances []InstanceDecl `yaml:"instances" toml:"instances" json:"instances"`
}

// InstanceDecl declares one component instance.
type InstanceDecl struct {
	Name       string         `yaml:"name" toml:"name" json:"name"`
	Factory    string         `yaml:"factory" toml:"factory" json:"factory"`
	Properties map[string]any `yaml:"properties" toml:"properties" json:"properties"`
}

// Parse decodes a declaration from raw bytes, selecting the codec from
// the file extension (.yaml, .yml or .toml).
func Parse(path string, data []byte) (*Declaration, error) {
	var decl Declaration
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &decl); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &decl); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
	if err := decl.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &decl, nil
}

// Load reads and parses a declaration file.
func Load(path string) (*Declaration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return Parse(path, data)
}

// SupportedFile reports whether the path has a declaration file
// extension.
func SupportedFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".toml":
		return true
	default:
		return false
	}
}

func (d *Declaration) validate() error {
	seen := make(map[string]struct{}, len(d.Instances))
	for i, inst := range d.Instances {
		if inst.Name == "" {
			return fmt.Errorf("%w: entry %d", ErrNoName, i)
		}
		if inst.Factory == "" {
			return fmt.Errorf("%w: instance %q", ErrNoFactory, inst.Name)
		}
		if _, dup := seen[inst.Name]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateName, inst.Name)
		}
		seen[inst.Name] = struct{}{}
	}
	return nil
}
