// Package configaug rewrites the cached build-farm configuration tree
// before the job graph is built.
//
// Passes run strictly sequentially, ordered by (priority, name), and each
// pass persists its mutations before the next pass runs. A failing pass is
// logged and skipped; it never aborts the pipeline.
package configaug

import (
	"context"
	"sort"

	"github.com/farmbuild/farmbuild/internal/observability"
	"github.com/farmbuild/farmbuild/pkg/buildconfig"
	"go.uber.org/zap"
)

// Args carries the run arguments passes may consult.
type Args struct {
	// Distro is the active distribution name.
	Distro string

	// BuildName selects the build-file document within the distribution.
	BuildName string

	// PackageRepository is the selected repository backend name.
	PackageRepository string

	// RepoBase is the base path of the local package repository.
	RepoBase string
}

// Pass is one ordered mutation of the configuration tree.
type Pass interface {
	// Name identifies the pass; it is the ordering tie-breaker.
	Name() string

	// Priority orders passes; lower runs earlier. Built-in passes use 0
	// except cleanup passes, which run late.
	Priority() int

	// Augment mutates the tree in place and persists its changes.
	Augment(ctx context.Context, tree *buildconfig.Tree, args *Args) error
}

// Registry holds the passes for one run.
type Registry struct {
	passes []Pass
}

// NewRegistry returns a registry pre-loaded with the built-in passes.
func NewRegistry() *Registry {
	r := &Registry{}
	r.Register(&dropCIPass{})
	r.Register(&dropUnusedPass{})
	return r
}

// Register adds a pass to the registry.
func (r *Registry) Register(p Pass) {
	r.passes = append(r.passes, p)
}

// Run executes all registered passes in (priority, name) order.
//
// A pass returning an error aborts only that pass; later passes still run
// against whatever state the failed pass persisted before failing.
func (r *Registry) Run(ctx context.Context, tree *buildconfig.Tree, args *Args) {
	ordered := make([]Pass, len(r.passes))
	copy(ordered, r.passes)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority() != ordered[j].Priority() {
			return ordered[i].Priority() < ordered[j].Priority()
		}
		return ordered[i].Name() < ordered[j].Name()
	})

	for _, pass := range ordered {
		if ctx.Err() != nil {
			return
		}
		observability.CLILogger.Debug("Running config augmentation pass",
			zap.String("pass", pass.Name()),
			zap.Int("priority", pass.Priority()),
		)
		if err := pass.Augment(ctx, tree, args); err != nil {
			observability.CLILogger.Warn("Config augmentation pass failed",
				zap.String("pass", pass.Name()),
				zap.Error(err),
			)
		}
	}
}
