// Package buildtask runs one build job from clean staging directories to
// imported artifacts.
//
// The stages run strictly in order: staging, toolkit fetch, script
// generation, script execution, artifact import. The first failing stage
// terminates the job with that stage's exit code; retry and skip-downstream
// policy belong to the surrounding scheduler.
package buildtask

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/farmbuild/farmbuild/internal/observability"
	"github.com/farmbuild/farmbuild/pkg/jobgraph"
	"github.com/farmbuild/farmbuild/pkg/repository"
	"go.uber.org/zap"
)

// Args carries the per-run arguments shared by every build job.
type Args struct {
	Distro    string
	BuildName string

	// ConfigURL is handed to the script generator; after augmentation it
	// points at the mutated local config cache.
	ConfigURL string

	// BuildBase is the root of all staging directories for this run.
	BuildBase string

	// ToolkitRepo and ToolkitBranch select the script-generation toolkit
	// cloned into each job's staging area.
	ToolkitRepo   string
	ToolkitBranch string

	// PackageRepository names the backend artifacts are imported into.
	PackageRepository string

	Repo repository.Args
}

// Runner executes one external command and returns its exit code. A nil
// stdout discards output (the default runner forwards it to stderr so build
// logs stay visible). Injectable so tests can observe the command sequence.
type Runner func(ctx context.Context, dir string, env []string, stdout io.Writer, name string, args ...string) (int, error)

func defaultRunner(ctx context.Context, dir string, env []string, stdout io.Writer, name string, args ...string) (int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	if stdout == nil {
		cmd.Stdout = os.Stderr
	} else {
		cmd.Stdout = stdout
	}
	cmd.Stderr = os.Stderr
	if env != nil {
		cmd.Env = append(os.Environ(), env...)
	}

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, fmt.Errorf("run %s: %w", name, err)
	}
	return 0, nil
}

// Task builds release packages through the external script-generation
// toolkit. One Task value serves all jobs of a run; per-job state lives in
// the staging directories.
type Task struct {
	args *Args
	run  Runner
}

// New returns a task using the default subprocess runner.
func New(args *Args) *Task {
	return NewWithRunner(args, defaultRunner)
}

// NewWithRunner returns a task with an injected subprocess runner.
func NewWithRunner(args *Args, run Runner) *Task {
	return &Task{args: args, run: run}
}

// stagingDir returns the per-job staging root. Jobs for the same package on
// different platforms may run concurrently, so the platform is part of the
// path.
func (t *Task) stagingDir(jc jobgraph.Context) string {
	p := jc.Platform
	return filepath.Join(t.args.BuildBase, jc.Pkg.Name,
		fmt.Sprintf("%s_%s_%s", p.OS, p.CodeName, p.Arch))
}

// Build implements jobgraph.Task.
func (t *Task) Build(jc jobgraph.Context) (int, error) {
	ctx := context.Background()
	p := jc.Platform

	staging := t.stagingDir(jc)
	toolkitDir := filepath.Join(staging, "toolkit")
	binaryDir := filepath.Join(staging, "binary")
	sourceDir := filepath.Join(staging, "source")

	if err := t.stage(staging, toolkitDir, binaryDir, sourceDir); err != nil {
		return 1, err
	}

	if code, err := t.fetchToolkit(ctx, toolkitDir); code != 0 || err != nil {
		return code, err
	}

	scriptPath := filepath.Join(staging, "job.sh")
	if code, err := t.generateScript(ctx, jc, toolkitDir, scriptPath); code != 0 || err != nil {
		return code, err
	}

	observability.CLILogger.Info("Executing build script",
		zap.String("package", jc.Pkg.Name),
		zap.String("platform", p.String()),
	)
	if code, err := t.run(ctx, staging, nil, nil, "sh", "job.sh", "-y"); code != 0 || err != nil {
		return code, err
	}

	return t.importArtifacts(ctx, jc, sourceDir, binaryDir)
}

// stage removes and recreates the job's working directories, then links the
// toolkit checkout into the output directories the generated script expects.
func (t *Task) stage(staging, toolkitDir, binaryDir, sourceDir string) error {
	for _, dir := range []string{toolkitDir, binaryDir, sourceDir} {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("clean staging directory: %w", err)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create staging directory: %w", err)
		}
	}

	for _, dir := range []string{binaryDir, sourceDir} {
		link := filepath.Join(dir, "toolkit")
		if err := os.Symlink(filepath.Join("..", "toolkit"), link); err != nil {
			return fmt.Errorf("link toolkit into %s: %w", dir, err)
		}
	}
	return nil
}

func (t *Task) fetchToolkit(ctx context.Context, toolkitDir string) (int, error) {
	return t.run(ctx, "", nil, nil,
		"git", "clone", "--depth", "1", "-b", t.args.ToolkitBranch, "-q",
		t.args.ToolkitRepo, toolkitDir)
}

// generateScript invokes the external generator and captures its stdout
// verbatim as the job script.
func (t *Task) generateScript(ctx context.Context, jc jobgraph.Context, toolkitDir, scriptPath string) (int, error) {
	p := jc.Platform

	script, err := os.Create(scriptPath)
	if err != nil {
		return 1, fmt.Errorf("create job script: %w", err)
	}
	defer func() { _ = script.Close() }()

	generator := filepath.Join(toolkitDir, "scripts", "release", "generate_release_script.py")
	absToolkit, err := filepath.Abs(toolkitDir)
	if err != nil {
		return 1, fmt.Errorf("resolve toolkit path: %w", err)
	}

	// The toolkit extends any inherited PYTHONPATH rather than replacing it.
	pythonPath := absToolkit
	if inherited := os.Getenv("PYTHONPATH"); inherited != "" {
		pythonPath = inherited + string(os.PathListSeparator) + pythonPath
	}

	observability.CLILogger.Debug("Generating build script",
		zap.String("package", jc.Pkg.Name),
		zap.String("platform", p.String()),
	)
	code, err := t.run(ctx, "", []string{"PYTHONPATH=" + pythonPath}, script,
		"python3", generator, t.args.ConfigURL, t.args.Distro, t.args.BuildName,
		jc.Pkg.Name, p.OS, p.CodeName, p.Arch)
	if err != nil {
		return 1, err
	}
	if closeErr := script.Close(); closeErr != nil && code == 0 {
		return 1, fmt.Errorf("write job script: %w", closeErr)
	}
	return code, nil
}

func (t *Task) importArtifacts(ctx context.Context, jc jobgraph.Context, sourceDir, binaryDir string) (int, error) {
	backend, ok := repository.Lookup(t.args.PackageRepository)
	if !ok {
		return 1, fmt.Errorf("unknown package repository %q", t.args.PackageRepository)
	}
	p := jc.Platform

	if err := backend.ImportSource(ctx, &t.args.Repo, p.OS, p.CodeName, sourceDir); err != nil {
		return 1, fmt.Errorf("import source artifacts: %w", err)
	}
	if err := backend.ImportBinary(ctx, &t.args.Repo, p.OS, p.CodeName, p.Arch, binaryDir); err != nil {
		return 1, fmt.Errorf("import binary artifacts: %w", err)
	}
	return 0, nil
}
