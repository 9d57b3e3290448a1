package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/farmbuild/farmbuild/internal/observability"
	"github.com/farmbuild/farmbuild/pkg/buildconfig"
	"github.com/farmbuild/farmbuild/pkg/configaug"
	"github.com/farmbuild/farmbuild/pkg/fileserver"
	"github.com/farmbuild/farmbuild/pkg/platform"
	"github.com/farmbuild/farmbuild/pkg/repository"
	"go.uber.org/zap"
)

// srpmsArea keys the source partition lock; source imports have no
// architecture of their own.
const srpmsArea = "SRPMS"

// Manager maps platform triples to on-disk repository partitions and
// serializes imports per partition.
//
// Imports into different partitions proceed fully in parallel; concurrent
// metadata regeneration on the same directory is unsafe, so imports into
// the same partition take a per-partition lock.
type Manager struct {
	base string

	mu    sync.Mutex
	locks map[platform.Platform]*sync.Mutex
}

// NewManager returns a manager rooted at the given repository base path.
func NewManager(base string) *Manager {
	return &Manager{
		base:  base,
		locks: map[platform.Platform]*sync.Mutex{},
	}
}

func (m *Manager) partitionLock(p platform.Platform) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[p]
	if !ok {
		l = &sync.Mutex{}
		m.locks[p] = l
	}
	return l
}

// Initialize pre-creates every partition in the matrix, serially. It must
// complete before any job starts; doing so eliminates first-use races by
// construction.
//
// An OS without a supported package format is an error here: the caller
// decides whether that disables local-repository participation.
func (m *Manager) Initialize(ctx context.Context, matrix []platform.Platform) error {
	for _, p := range matrix {
		handler, ok := HandlerForOS(p.OS)
		if !ok {
			return fmt.Errorf("no repository format for OS %q", p.OS)
		}
		if err := handler.Initialize(ctx, m.base, p.OS, p.CodeName, p.Arch); err != nil {
			return fmt.Errorf("initialize partition %s: %w", p, err)
		}
	}
	return nil
}

// ImportSource imports source artifacts into the (os, codename) source
// partition. A missing format handler is logged and skipped.
func (m *Manager) ImportSource(ctx context.Context, osName, osCodeName, artifactDir string) error {
	handler, ok := HandlerForOS(osName)
	if !ok {
		observability.CLILogger.Warn("No repository format to import source package",
			zap.String("os", osName))
		return nil
	}

	lock := m.partitionLock(platform.Platform{OS: osName, CodeName: osCodeName, Arch: srpmsArea})
	lock.Lock()
	defer lock.Unlock()
	return handler.ImportSource(ctx, m.base, osName, osCodeName, artifactDir)
}

// ImportBinary imports binary artifacts into the (os, codename, arch)
// partition. A missing format handler is logged and skipped.
func (m *Manager) ImportBinary(ctx context.Context, osName, osCodeName, arch, artifactDir string) error {
	handler, ok := HandlerForOS(osName)
	if !ok {
		observability.CLILogger.Warn("No repository format to import binary package",
			zap.String("os", osName))
		return nil
	}

	lock := m.partitionLock(platform.Platform{OS: osName, CodeName: osCodeName, Arch: arch})
	lock.Lock()
	defer lock.Unlock()
	return handler.ImportBinary(ctx, m.base, osName, osCodeName, arch, artifactDir)
}

// Backend is the "local" repository backend. It doubles as a configuration
// augmentation pass: before the job graph is built it pre-initializes every
// required partition, starts the ephemeral repository server and injects
// the server's URL into the active build file.
type Backend struct {
	mu       sync.Mutex
	managers map[string]*Manager
	server   *fileserver.Server
}

// NewBackend returns an unregistered local backend. Most callers want the
// package-level Default.
func NewBackend() *Backend {
	return &Backend{managers: map[string]*Manager{}}
}

// Default is the process-wide local backend registered with the repository
// registry. The build command registers it as an augmentation pass and owns
// its shutdown via Close.
var Default = NewBackend()

func init() {
	repository.Register(Default)
}

// Name implements repository.Backend.
func (b *Backend) Name() string { return "local" }

// Priority implements configaug.Pass; the default priority keeps this pass
// ahead of the unused-reference cleanup.
func (b *Backend) Priority() int { return 0 }

func (b *Backend) managerFor(repoBase string) *Manager {
	b.mu.Lock()
	defer b.mu.Unlock()
	mgr, ok := b.managers[repoBase]
	if !ok {
		mgr = NewManager(repoBase)
		b.managers[repoBase] = mgr
	}
	return mgr
}

// ImportSource implements repository.Backend.
func (b *Backend) ImportSource(ctx context.Context, args *repository.Args, osName, osCodeName, artifactDir string) error {
	repoBase, err := filepath.Abs(args.RepoBase)
	if err != nil {
		return fmt.Errorf("resolve repository base: %w", err)
	}
	return b.managerFor(repoBase).ImportSource(ctx, osName, osCodeName, artifactDir)
}

// ImportBinary implements repository.Backend.
func (b *Backend) ImportBinary(ctx context.Context, args *repository.Args, osName, osCodeName, arch, artifactDir string) error {
	repoBase, err := filepath.Abs(args.RepoBase)
	if err != nil {
		return fmt.Errorf("resolve repository base: %w", err)
	}
	return b.managerFor(repoBase).ImportBinary(ctx, osName, osCodeName, arch, artifactDir)
}

// Augment implements configaug.Pass.
//
// It applies only when the selected repository backend is "local". The pass
// reads the active build file's platform matrix, initializes one partition
// per platform, starts the repository server and prepends an empty signing
// key and the server URL to the build file's repositories lists.
//
// A build file is asserted to target exactly one OS family. Violating that
// invariant, or targeting an OS with no supported format, aborts this pass
// with a warning and disables local-repository participation for the run;
// the pipeline itself continues.
func (b *Backend) Augment(ctx context.Context, tree *buildconfig.Tree, args *configaug.Args) error {
	if args.PackageRepository != b.Name() {
		return nil
	}

	repoBase, err := filepath.Abs(args.RepoBase)
	if err != nil {
		return fmt.Errorf("resolve repository base: %w", err)
	}
	if err := os.MkdirAll(repoBase, 0o755); err != nil {
		return fmt.Errorf("create repository base: %w", err)
	}

	index, err := tree.LoadIndex()
	if err != nil {
		return err
	}
	ref, err := buildconfig.BuildFileRef(index, args.Distro, "release_builds", args.BuildName)
	if err != nil {
		return err
	}
	buildFile, err := tree.LoadDocument(ref)
	if err != nil {
		return err
	}
	targets, err := buildconfig.Targets(buildFile)
	if err != nil {
		return err
	}
	matrix := platform.MatrixFromTargets(targets)

	osNames := platform.OSNames(matrix)
	if len(osNames) != 1 {
		return fmt.Errorf("a build file must target exactly one OS family, got %v; disabling local repository", osNames)
	}
	osName := osNames[0]

	if err := b.managerFor(repoBase).Initialize(ctx, matrix); err != nil {
		return fmt.Errorf("%w; disabling local repository", err)
	}

	host, port, err := b.startServer(repoBase)
	if err != nil {
		return err
	}
	repoURL := fmt.Sprintf("http://%s:%d/%s", host, port, osName)

	repos, err := buildconfig.RepositoriesOf(buildFile)
	if err != nil {
		return err
	}
	repos.Keys = append([]string{""}, repos.Keys...)
	if _, ok := pathVarOSes[osName]; ok {
		// The native package manager substitutes the path variables at
		// install time.
		repos.URLs = append([]string{repoURL + "/$releasever/$basearch/"}, repos.URLs...)
	} else {
		repos.URLs = append([]string{repoURL}, repos.URLs...)
	}
	buildconfig.SetRepositories(buildFile, repos)
	buildFile["target_repository"] = repoURL

	return tree.SaveDocument(ref, buildFile)
}

func (b *Backend) startServer(repoBase string) (string, int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.server != nil {
		return "", 0, fmt.Errorf("repository server already running")
	}
	srv := fileserver.New(repoBase)
	host, port, err := srv.Start()
	if err != nil {
		return "", 0, err
	}
	b.server = srv
	return host, port, nil
}

// Close stops the repository server. It is called exactly once on
// run-shutdown notification and is safe when the server was never started.
func (b *Backend) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.server != nil {
		b.server.Stop()
		b.server = nil
	}
}
