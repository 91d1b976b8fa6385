// Package dump implements a Backend over a local memory dump. Guest memory
// is held in-process; each run is delegated to an external tracer
// executable that receives the context, parameters and modified pages.
package dump

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"triage/internal/backend"
)

// ManifestName is the manifest file inside a dump directory.
const ManifestName = "snapshot.yaml"

// DefaultMemoryFile is used when the manifest names no page file.
const DefaultMemoryFile = "memory.bin"

// Manifest describes a dump directory.
type Manifest struct {
	Tracer  []string        `yaml:"tracer"`
	Memory  string          `yaml:"memory,omitempty"`
	Context backend.Context `yaml:"context"`
	Params  backend.Params  `yaml:"params"`
}

// ParseManifest parses and validates manifest YAML.
func ParseManifest(content []byte) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(content, &m); err != nil {
		return Manifest{}, fmt.Errorf("invalid YAML: %w", err)
	}

	if len(m.Tracer) == 0 || m.Tracer[0] == "" {
		return Manifest{}, fmt.Errorf("manifest: missing required field 'tracer'")
	}
	if len(m.Context) == 0 {
		return Manifest{}, fmt.Errorf("manifest: missing required field 'context'")
	}
	if m.Memory == "" {
		m.Memory = DefaultMemoryFile
	}

	switch m.Params.Coverage {
	case "":
		m.Params.Coverage = backend.CoverageNone
	case backend.CoverageNone, backend.CoverageInstrs:
	default:
		return Manifest{}, fmt.Errorf("manifest: unknown coverage mode '%s'", m.Params.Coverage)
	}

	return m, nil
}

// LoadManifest reads the manifest of the dump in dir.
func LoadManifest(dir string) (Manifest, error) {
	content, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		return Manifest{}, err
	}
	return ParseManifest(content)
}
