package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/farmbuild/farmbuild/internal/config"
	"github.com/farmbuild/farmbuild/internal/executor"
	"github.com/farmbuild/farmbuild/internal/observability"
	"github.com/farmbuild/farmbuild/pkg/buildconfig"
	"github.com/farmbuild/farmbuild/pkg/buildtask"
	"github.com/farmbuild/farmbuild/pkg/configaug"
	"github.com/farmbuild/farmbuild/pkg/descriptor"
	"github.com/farmbuild/farmbuild/pkg/jobgraph"
	"github.com/farmbuild/farmbuild/pkg/platform"
	"github.com/farmbuild/farmbuild/pkg/repository"
	"github.com/farmbuild/farmbuild/pkg/repository/local"
	_ "github.com/farmbuild/farmbuild/pkg/repository/s3publish"
)

// ignoreMarker keeps workspace discovery tools out of the build base.
const ignoreMarker = ".farmbuild_ignore"

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Run a release build across the platform matrix",
	Long: `Build every selected package from the package manifest for each target
platform of the active build file, importing the produced artifacts into
the configured package repository as jobs complete.

Examples:
  farmbuild build --distro humble --config-url https://config.example.com/farm --packages-file packages.yaml
  farmbuild build --distro humble --build-name nightly --config-url ./config --packages-file packages.yaml --workers 8`,
	Args: cobra.NoArgs,
	RunE: runBuild,
}

var (
	buildDistro            string
	buildName              string
	buildConfigURL         string
	buildPackagesFile      string
	buildBase              string
	buildRepoBase          string
	buildPackageRepository string
	buildToolkitRepo       string
	buildToolkitBranch     string
	buildBootstrapPackage  string
	buildS3Bucket          string
	buildS3Prefix          string
	buildContinueOnError   bool
	buildWorkers           int
)

func init() {
	rootCmd.AddCommand(buildCmd)

	buildCmd.Flags().StringVar(&buildDistro, "distro", "", "Distribution name (required)")
	buildCmd.Flags().StringVar(&buildName, "build-name", "default", "Build name within the distribution")
	buildCmd.Flags().StringVar(&buildConfigURL, "config-url", "", "Build-farm configuration tree URL or path (required)")
	buildCmd.Flags().StringVar(&buildPackagesFile, "packages-file", "", "Package manifest file (required)")
	buildCmd.Flags().StringVar(&buildBase, "build-base", "", "Root directory for job staging areas")
	buildCmd.Flags().StringVar(&buildRepoBase, "repo-base", "", "Root directory of the local package repository")
	buildCmd.Flags().StringVar(&buildPackageRepository, "package-repository", "", "Artifact repository backend (local, s3)")
	buildCmd.Flags().StringVar(&buildToolkitRepo, "toolkit-repo", "", "Script-generation toolkit git URL")
	buildCmd.Flags().StringVar(&buildToolkitBranch, "toolkit-branch", "", "Script-generation toolkit branch")
	buildCmd.Flags().StringVar(&buildBootstrapPackage, "bootstrap-package", "", "Package every other package implicitly depends on")
	buildCmd.Flags().StringVar(&buildS3Bucket, "s3-bucket", "", "Bucket for the s3 repository backend")
	buildCmd.Flags().StringVar(&buildS3Prefix, "s3-prefix", "", "Key prefix for the s3 repository backend")
	buildCmd.Flags().BoolVar(&buildContinueOnError, "continue-on-error", false, "Keep building unrelated packages after a failure")
	buildCmd.Flags().IntVar(&buildWorkers, "workers", 0, "Concurrent build jobs (default from configuration)")

	_ = buildCmd.MarkFlagRequired("distro")
	_ = buildCmd.MarkFlagRequired("config-url")
	_ = buildCmd.MarkFlagRequired("packages-file")
}

func fallback(flagValue, configValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return configValue
}

func runBuild(cmd *cobra.Command, args []string) error {
	// Cobra's required-flag check accepts --distro "", which job identifiers
	// cannot work with.
	if strings.TrimSpace(buildDistro) == "" {
		return exitError(foundry.ExitInvalidArgument, "Invalid distribution name",
			fmt.Errorf("--distro must not be empty"))
	}

	ctx := cmd.Context()
	cfg := config.GetConfig()

	base := fallback(buildBase, cfg.BuildBase)
	repoBase := fallback(buildRepoBase, cfg.RepoBase)
	backendName := fallback(buildPackageRepository, cfg.PackageRepository)
	workers := buildWorkers
	if workers < 1 {
		workers = cfg.Workers
	}

	if _, ok := repository.Lookup(backendName); !ok {
		return exitError(foundry.ExitInvalidArgument, "Unknown package repository backend",
			fmt.Errorf("no backend named %q (known: %v)", backendName, repository.Names()))
	}

	if err := createBuildBase(base); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to prepare build base", err)
	}

	manifest, err := descriptor.LoadManifest(buildPackagesFile)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to load package manifest", err)
	}

	tree, err := buildconfig.Localize(ctx, buildConfigURL, filepath.Join(base, "config"))
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to localize configuration tree", err)
	}

	augArgs := &configaug.Args{
		Distro:            buildDistro,
		BuildName:         buildName,
		PackageRepository: backendName,
		RepoBase:          repoBase,
	}
	registry := configaug.NewRegistry()
	registry.Register(local.Default)
	defer local.Default.Close()
	registry.Run(ctx, tree, augArgs)

	matrix, err := activeMatrix(tree, buildDistro, buildName)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to read platform matrix", err)
	}

	decorators, err := manifest.Decorators(matrix)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid package manifest", err)
	}
	applyBootstrap(decorators, buildBootstrapPackage)

	taskArgs := &buildtask.Args{
		Distro:            buildDistro,
		BuildName:         buildName,
		ConfigURL:         "file://" + tree.Root(),
		BuildBase:         base,
		ToolkitRepo:       fallback(buildToolkitRepo, cfg.Toolkit.Repo),
		ToolkitBranch:     fallback(buildToolkitBranch, cfg.Toolkit.Branch),
		PackageRepository: backendName,
		Repo: repository.Args{
			RepoBase: repoBase,
			S3Bucket: fallback(buildS3Bucket, cfg.S3.Bucket),
			S3Prefix: fallback(buildS3Prefix, cfg.S3.Prefix),
		},
	}
	task := buildtask.New(taskArgs)
	factory := func(pkgType string) (jobgraph.Task, bool) {
		if pkgType == "release" {
			return task, true
		}
		return nil, false
	}

	jobs := jobgraph.Build(buildDistro, buildName, decorators, factory)
	observability.CLILogger.Info("Job graph built",
		zap.String("distro", buildDistro),
		zap.String("build", buildName),
		zap.Int("jobs", len(jobs)),
	)

	record, err := executor.Execute(ctx, jobs, executor.Options{
		Workers:         workers,
		ContinueOnError: buildContinueOnError,
		Store:           executor.NewStore(filepath.Join(base, "runs")),
		Distro:          buildDistro,
		BuildName:       buildName,
	})
	if err != nil {
		return exitError(foundry.ExitSignalInt, "Build run interrupted", err)
	}

	if code, failed := firstFailure(record); failed {
		return exitError(code, "Build run finished with failures",
			fmt.Errorf("run %s: %d job(s) did not succeed", record.RunID, countNotSucceeded(record)))
	}

	observability.CLILogger.Info("Build run succeeded", zap.String("run", record.RunID))
	return nil
}

func createBuildBase(base string) error {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return err
	}
	marker := filepath.Join(base, ignoreMarker)
	if _, err := os.Stat(marker); os.IsNotExist(err) {
		return os.WriteFile(marker, nil, 0o644)
	}
	return nil
}

// activeMatrix reads the platform matrix of the active release build file.
func activeMatrix(tree *buildconfig.Tree, distro, name string) ([]platform.Platform, error) {
	index, err := tree.LoadIndex()
	if err != nil {
		return nil, err
	}
	ref, err := buildconfig.BuildFileRef(index, distro, "release_builds", name)
	if err != nil {
		return nil, err
	}
	doc, err := tree.LoadDocument(ref)
	if err != nil {
		return nil, err
	}
	targets, err := buildconfig.Targets(doc)
	if err != nil {
		return nil, err
	}
	return platform.MatrixFromTargets(targets), nil
}

// applyBootstrap injects the bootstrap dependency into the descriptor set
// and mirrors the new edge into the decorators' recursive dependency lists
// so the job graph orders every job after the bootstrap build.
func applyBootstrap(decorators []*descriptor.Decorator, bootstrapName string) {
	if bootstrapName == "" {
		return
	}

	pkgs := make([]*descriptor.Package, len(decorators))
	for i, dec := range decorators {
		pkgs[i] = dec.Descriptor
	}
	descriptor.InjectBootstrapDependency(pkgs, bootstrapName)

	for _, dec := range decorators {
		if dec.Descriptor.Name == bootstrapName {
			continue
		}
		if _, ok := dec.Descriptor.Dependencies[descriptor.CategoryBuild][bootstrapName]; !ok {
			continue
		}
		present := false
		for _, name := range dec.RecursiveDependencies {
			if name == bootstrapName {
				present = true
				break
			}
		}
		if !present {
			dec.RecursiveDependencies = append(dec.RecursiveDependencies, bootstrapName)
			sort.Strings(dec.RecursiveDependencies)
		}
	}
}

// firstFailure returns the exit code of the first failed job in ID order.
func firstFailure(record *executor.RunRecord) (int, bool) {
	ids := make([]string, 0, len(record.Jobs))
	for id := range record.Jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		res := record.Jobs[id]
		if res.State != executor.JobStateFailed {
			continue
		}
		if res.Code != 0 {
			return res.Code, true
		}
		return 1, true
	}

	for _, id := range ids {
		if record.Jobs[id].State != executor.JobStateSucceeded {
			return 1, true
		}
	}
	return 0, false
}

func countNotSucceeded(record *executor.RunRecord) int {
	n := 0
	for _, res := range record.Jobs {
		if res.State != executor.JobStateSucceeded {
			n++
		}
	}
	return n
}
