package descriptor

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/farmbuild/farmbuild/pkg/platform"
)

// Manifest is the package-list input to a build run. Package discovery
// happens outside this tool; the manifest is its serialized result.
type Manifest struct {
	Version  int               `yaml:"version" json:"version"`
	Packages []ManifestPackage `yaml:"packages" json:"packages"`
}

// ManifestPackage is one discovered package entry.
type ManifestPackage struct {
	Name     string `yaml:"name" json:"name"`
	Type     string `yaml:"type,omitempty" json:"type,omitempty"`
	Selected *bool  `yaml:"selected,omitempty" json:"selected,omitempty"`

	Maintainers  []string `yaml:"maintainers,omitempty" json:"maintainers,omitempty"`
	NotifyEmails []string `yaml:"notify_emails,omitempty" json:"notify_emails,omitempty"`

	// Targets restricts the package to a subset of the run's platform
	// matrix. Empty means every platform in the matrix.
	Targets map[string]map[string][]string `yaml:"targets,omitempty" json:"targets,omitempty"`

	Depends struct {
		Build []string `yaml:"build,omitempty" json:"build,omitempty"`
		Run   []string `yaml:"run,omitempty" json:"run,omitempty"`
		Test  []string `yaml:"test,omitempty" json:"test,omitempty"`
	} `yaml:"depends,omitempty" json:"depends,omitempty"`
}

// LoadManifest reads and validates a package manifest from the given file
// path. The format is determined by extension: .yaml/.yml for YAML, .json
// for JSON. Unknown extensions try YAML first, then JSON.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("package manifest not found: %s", path)
		}
		return nil, fmt.Errorf("read package manifest: %w", err)
	}
	return LoadManifestFromBytes(data, path)
}

// LoadManifestFromBytes parses and validates a manifest from raw bytes. The
// path parameter is used for format detection and error messages.
func LoadManifestFromBytes(data []byte, path string) (*Manifest, error) {
	if len(data) == 0 {
		return nil, errors.New("package manifest is empty")
	}

	m, err := parseManifest(data, path)
	if err != nil {
		return nil, err
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	m.applyDefaults()
	return m, nil
}

// LoadManifestFromReader reads and validates a manifest from an io.Reader.
func LoadManifestFromReader(r io.Reader, path string) (*Manifest, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read package manifest: %w", err)
	}
	return LoadManifestFromBytes(data, path)
}

func parseManifest(data []byte, path string) (*Manifest, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return parseJSON(data)
	case ".yaml", ".yml":
		return parseYAML(data)
	default:
		m, yamlErr := parseYAML(data)
		if yamlErr == nil {
			return m, nil
		}
		if m, jsonErr := parseJSON(data); jsonErr == nil {
			return m, nil
		}
		return nil, fmt.Errorf("parse package manifest (tried YAML and JSON): %w", yamlErr)
	}
}

func parseJSON(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid JSON in package manifest: %w", err)
	}
	return &m, nil
}

func parseYAML(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid YAML in package manifest: %w", err)
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	if len(m.Packages) == 0 {
		return errors.New("package manifest declares no packages")
	}
	seen := make(map[string]struct{}, len(m.Packages))
	for i, pkg := range m.Packages {
		name := strings.TrimSpace(pkg.Name)
		if name == "" {
			return fmt.Errorf("package entry %d has no name", i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("duplicate package name %q", name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

func (m *Manifest) applyDefaults() {
	for i := range m.Packages {
		if m.Packages[i].Type == "" {
			m.Packages[i].Type = "release"
		}
	}
}

// Decorators converts the manifest into decorated package descriptors. The
// matrix supplies target platforms for packages without their own targets
// section; recursive dependencies are resolved over the manifest's build and
// run dependency sets, restricted to packages the manifest names.
func (m *Manifest) Decorators(matrix []platform.Platform) ([]*Decorator, error) {
	byName := make(map[string]*ManifestPackage, len(m.Packages))
	for i := range m.Packages {
		byName[m.Packages[i].Name] = &m.Packages[i]
	}

	decorators := make([]*Decorator, 0, len(m.Packages))
	for i := range m.Packages {
		entry := &m.Packages[i]

		pkg := NewPackage(entry.Name, entry.Type)
		pkg.Metadata.Maintainers = append([]string(nil), entry.Maintainers...)
		pkg.Metadata.NotifyEmails = append([]string(nil), entry.NotifyEmails...)

		targets := matrix
		if len(entry.Targets) > 0 {
			targets = platform.MatrixFromTargets(entry.Targets)
		}
		pkg.Metadata.TargetPlatforms = make(map[platform.Platform]struct{}, len(targets))
		for _, p := range targets {
			pkg.Metadata.TargetPlatforms[p] = struct{}{}
		}

		for _, dep := range entry.Depends.Build {
			pkg.Dependencies[CategoryBuild].Add(Dependency{Name: dep})
		}
		for _, dep := range entry.Depends.Run {
			pkg.Dependencies[CategoryRun].Add(Dependency{Name: dep})
		}
		for _, dep := range entry.Depends.Test {
			pkg.Dependencies[CategoryTest].Add(Dependency{Name: dep})
		}

		recursive, err := resolveRecursive(entry.Name, byName)
		if err != nil {
			return nil, err
		}

		selected := entry.Selected == nil || *entry.Selected
		decorators = append(decorators, &Decorator{
			Descriptor:            pkg,
			Selected:              selected,
			RecursiveDependencies: recursive,
		})
	}
	return decorators, nil
}

// resolveRecursive walks build and run dependencies transitively, keeping
// only dependencies that are themselves manifest packages. Names outside the
// manifest are system dependencies and not build-ordering edges.
func resolveRecursive(name string, byName map[string]*ManifestPackage) ([]string, error) {
	visited := map[string]struct{}{name: {}}
	var out []string

	var walk func(string, []string) error
	walk = func(current string, chain []string) error {
		entry, ok := byName[current]
		if !ok {
			return nil
		}
		deps := append(append([]string(nil), entry.Depends.Build...), entry.Depends.Run...)
		for _, dep := range deps {
			for _, anc := range chain {
				if anc == dep {
					return fmt.Errorf("dependency cycle involving %q and %q", current, dep)
				}
			}
			if dep == name {
				return fmt.Errorf("dependency cycle involving %q", name)
			}
			if _, ok := byName[dep]; !ok {
				continue
			}
			if _, seen := visited[dep]; !seen {
				visited[dep] = struct{}{}
				out = append(out, dep)
			}
			if err := walk(dep, append(chain, current)); err != nil {
				return err
			}
		}
		return nil
	}

	if err := walk(name, nil); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}
