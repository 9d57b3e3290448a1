// Package jobgraph expands a dependency-ordered, selected package list
// across the target platform matrix into executable build jobs.
package jobgraph

import (
	"fmt"
	"strings"

	"github.com/farmbuild/farmbuild/internal/observability"
	"github.com/farmbuild/farmbuild/pkg/descriptor"
	"github.com/farmbuild/farmbuild/pkg/platform"
	"go.uber.org/zap"
)

// Task is the executable side of a build job. Implementations are looked up
// by package type; see TaskFactory.
type Task interface {
	// Build runs the job to completion and returns the job's exit code.
	// A non-nil error implies a non-zero code.
	Build(ctx Context) (int, error)
}

// Context carries everything a task needs for one job. The imports are
// deliberately light; the concrete context type lives in pkg/buildtask.
type Context struct {
	Pkg *descriptor.Package

	// Platform is the target this job builds for.
	Platform platform.Platform

	// Dependencies is the package's transitive dependency name list, in
	// dependency order.
	Dependencies []string
}

// TaskFactory returns the task for a package type. The second return is
// false when no task implementation exists for that type; packages of such
// types are skipped with a warning.
type TaskFactory func(pkgType string) (Task, bool)

// Job is one unit of build work: one package on one target platform.
type Job struct {
	// ID is the deterministic job identifier; see JobID.
	ID string

	// Dependencies holds the IDs of jobs that must complete first.
	Dependencies map[string]struct{}

	Task    Task
	Context Context
}

// JobID derives the deterministic identifier for a (package, platform)
// pair:
//
//	<DistroPrefix>rel[_<buildName>]__<pkgName>__<os>_<osCodeName>_<arch>
//
// DistroPrefix is the upper-cased first letter of the distribution name,
// empty for an empty distribution; the build-name suffix is omitted for the
// "default" build.
func JobID(distro, buildName, pkgName string, p platform.Platform) string {
	prefix := "rel"
	if distro != "" {
		prefix = strings.ToUpper(distro[:1]) + prefix
	}
	if buildName != "default" {
		prefix += "_" + buildName
	}
	return fmt.Sprintf("%s__%s__%s_%s_%s", prefix, pkgName, p.OS, p.CodeName, p.Arch)
}

// Build expands every selected decorator across its target platforms.
//
// Dependency job identifiers are recomputed under the same platform triple;
// the identifier format guarantees a dependency job exists for that
// platform whenever the dependency package was expanded. A package whose
// type has no task implementation is skipped entirely; its dependents keep
// referencing the absent job ID and the scheduler treats the missing edge
// as already satisfied.
func Build(distro, buildName string, decorators []*descriptor.Decorator, factory TaskFactory) map[string]*Job {
	jobs := map[string]*Job{}

	for _, dec := range decorators {
		if !dec.Selected {
			continue
		}
		pkg := dec.Descriptor

		task, ok := factory(pkg.Type)
		if !ok {
			observability.CLILogger.Warn("No task extension to build package type",
				zap.String("package", pkg.Name),
				zap.String("type", pkg.Type),
			)
			continue
		}

		for _, p := range pkg.Platforms() {
			deps := make(map[string]struct{}, len(dec.RecursiveDependencies))
			for _, depName := range dec.RecursiveDependencies {
				deps[JobID(distro, buildName, depName, p)] = struct{}{}
			}

			job := &Job{
				ID:           JobID(distro, buildName, pkg.Name, p),
				Dependencies: deps,
				Task:         task,
				Context: Context{
					Pkg:          pkg,
					Platform:     p,
					Dependencies: dec.RecursiveDependencies,
				},
			}
			jobs[job.ID] = job
		}
	}

	return jobs
}
