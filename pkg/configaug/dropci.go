package configaug

import (
	"context"

	"github.com/farmbuild/farmbuild/internal/observability"
	"github.com/farmbuild/farmbuild/pkg/buildconfig"
	"go.uber.org/zap"
)

// dropCIPass strips hosted-CI details from the cached configuration.
//
// Local runs never talk to the hosted CI system, so its notification URL,
// credential references and job tuning fields only get in the way. CI, doc
// and source build references are removed from every distribution; the
// retained build files lose their job priority/timeout and sync-schedule
// fields.
type dropCIPass struct{}

func (p *dropCIPass) Name() string  { return "drop_ci" }
func (p *dropCIPass) Priority() int { return 0 }

func (p *dropCIPass) Augment(ctx context.Context, tree *buildconfig.Tree, args *Args) error {
	index, err := tree.LoadIndex()
	if err != nil {
		return err
	}

	observability.CLILogger.Debug("Stripping hosted-CI data",
		zap.String("path", tree.IndexPath()))

	index["jenkins_url"] = nil
	delete(index, "doc_builds")
	delete(index, "git_ssh_credential_id")
	delete(index, "status_page_repositories")

	for _, distroData := range buildconfig.Distributions(index) {
		buildTypes, ok := buildconfig.AsMap(distroData)
		if !ok {
			continue
		}
		delete(buildTypes, "ci_builds")
		delete(buildTypes, "doc_builds")
		delete(buildTypes, "source_builds")

		for _, buildType := range buildconfig.BuildTypes {
			builds, ok := buildconfig.AsMap(buildTypes[buildType])
			if !ok {
				continue
			}
			for _, ref := range builds {
				path, ok := ref.(string)
				if !ok {
					continue
				}
				if err := p.augmentBuildFile(tree, path); err != nil {
					return err
				}
			}
		}
	}

	return tree.SaveIndex(index)
}

func (p *dropCIPass) augmentBuildFile(tree *buildconfig.Tree, rel string) error {
	doc, err := tree.LoadDocument(rel)
	if err != nil {
		return err
	}

	delete(doc, "jenkins_binary_job_priority")
	delete(doc, "jenkins_binary_job_timeout")
	delete(doc, "jenkins_source_job_priority")
	delete(doc, "jenkins_source_job_timeout")
	delete(doc, "sync")

	return tree.SaveDocument(rel, doc)
}
