// Package repository defines the contract for package repository backends
// and the registry that selects one by name.
//
// A backend receives the artifacts a finished build job staged on disk and
// publishes them somewhere downstream builds can consume them. Backends may
// be no-ops with a warning for operating systems they have no support for;
// an unsupported OS is an expected condition, not an error.
package repository

import (
	"context"
	"sort"
	"sync"
)

// Args carries the per-run repository arguments shared by all backends.
type Args struct {
	// RepoBase is the base path of the local repository tree.
	RepoBase string

	// S3Bucket and S3Prefix configure the s3 backend; ignored by others.
	S3Bucket string
	S3Prefix string
}

// Backend imports built package artifacts into a repository.
type Backend interface {
	// Name is the registry key of the backend.
	Name() string

	// ImportSource imports the source artifact(s) staged under artifactDir.
	ImportSource(ctx context.Context, args *Args, osName, osCodeName, artifactDir string) error

	// ImportBinary imports the binary artifact(s) staged under artifactDir.
	ImportBinary(ctx context.Context, args *Args, osName, osCodeName, arch, artifactDir string) error
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Backend{}
)

// Register adds a backend to the registry, replacing any backend previously
// registered under the same name.
func Register(b Backend) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[b.Name()] = b
}

// Lookup returns the backend registered under name. The second return is
// false when no such backend exists.
func Lookup(name string) (Backend, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	b, ok := registry[name]
	return b, ok
}

// Names returns the registered backend names in sorted order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
