package configaug

import (
	"context"

	"github.com/farmbuild/farmbuild/internal/observability"
	"github.com/farmbuild/farmbuild/pkg/buildconfig"
	"go.uber.org/zap"
)

// dropUnusedPriority runs the cleanup after every pass that may inject
// build-file references, so only genuinely orphaned entries are pruned.
const dropUnusedPriority = 200

// dropUnusedPass removes build-type entries whose referenced build-file
// document does not exist on disk.
type dropUnusedPass struct{}

func (p *dropUnusedPass) Name() string  { return "drop_unused" }
func (p *dropUnusedPass) Priority() int { return dropUnusedPriority }

func (p *dropUnusedPass) Augment(ctx context.Context, tree *buildconfig.Tree, args *Args) error {
	index, err := tree.LoadIndex()
	if err != nil {
		return err
	}

	for _, distroData := range buildconfig.Distributions(index) {
		buildTypes, ok := buildconfig.AsMap(distroData)
		if !ok {
			continue
		}
		for _, buildType := range buildconfig.BuildTypes {
			builds, ok := buildconfig.AsMap(buildTypes[buildType])
			if !ok {
				continue
			}
			for buildName, ref := range builds {
				path, ok := ref.(string)
				if ok && tree.Exists(path) {
					continue
				}
				observability.CLILogger.Debug("Dropping unused build file reference",
					zap.String("build_type", buildType),
					zap.String("build_name", buildName),
				)
				delete(builds, buildName)
			}
		}
	}

	return tree.SaveIndex(index)
}
