// Package descriptor models the packages a build run operates on.
//
// Descriptors are produced once by discovery, optionally mutated by
// pipeline-level dependency injection (see InjectBootstrapDependency), and
// treated as read-only afterwards. Decorators wrap descriptors with the
// results of external ordering and selection passes.
package descriptor

import (
	"sort"

	"github.com/farmbuild/farmbuild/pkg/platform"
)

// Category names a dependency class of a package.
type Category string

const (
	CategoryBuild Category = "build"
	CategoryRun   Category = "run"
	CategoryTest  Category = "test"
)

// Dependency is one edge to another package, with optional version
// constraint metadata (version_lt, version_lte, version_gt, version_gte,
// version_eq).
type Dependency struct {
	Name     string
	Metadata map[string]string
}

// DependencySet is a name-keyed set of dependencies.
type DependencySet map[string]Dependency

// Add inserts a dependency, replacing any previous entry with the same name.
func (s DependencySet) Add(d Dependency) {
	s[d.Name] = d
}

// Names returns the dependency names in sorted order.
func (s DependencySet) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Metadata carries the free-form package metadata the build run consumes.
type Metadata struct {
	Maintainers     []string
	NotifyEmails    []string
	TargetPlatforms map[platform.Platform]struct{}
}

// Package describes one buildable package.
type Package struct {
	// Name is the unique key of the package within a run.
	Name string

	// Type selects the build task implementation for the package.
	Type string

	Dependencies map[Category]DependencySet
	Metadata     Metadata
}

// NewPackage returns a Package with empty dependency sets for all categories.
func NewPackage(name, pkgType string) *Package {
	return &Package{
		Name: name,
		Type: pkgType,
		Dependencies: map[Category]DependencySet{
			CategoryBuild: {},
			CategoryRun:   {},
			CategoryTest:  {},
		},
	}
}

// Platforms returns the package's target platforms as a sorted slice.
func (p *Package) Platforms() []platform.Platform {
	out := make([]platform.Platform, 0, len(p.Metadata.TargetPlatforms))
	for tp := range p.Metadata.TargetPlatforms {
		out = append(out, tp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].String() < out[j].String()
	})
	return out
}

// Decorator wraps a Package with the outputs of external topological
// ordering and selection passes. The job graph builder reads decorators and
// never mutates anything but Selected.
type Decorator struct {
	Descriptor *Package

	// Selected marks packages chosen for this run.
	Selected bool

	// RecursiveDependencies is the transitive dependency name set computed
	// by the external topological sort, in dependency order.
	RecursiveDependencies []string
}
