package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/farmbuild/farmbuild/internal/observability"
	"go.uber.org/zap"
)

// rpmNamePattern extracts the package name from
// name-version-release.distTag.arch.rpm. Version and release allow
// dot-separated numeric segments.
var rpmNamePattern = regexp.MustCompile(`^(.+)-(\d+(?:\.\d+)*)-(\d+.*)\.([^.]+)\.rpm$`)

// CommandRunner executes an external command. Injectable so tests can stub
// out createrepo_c.
type CommandRunner func(ctx context.Context, name string, args ...string) error

func defaultRunner(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// RPMHandler maintains RPM-format repositories via createrepo_c.
//
// Partition layout under basePath:
//
//	<os>/<codename>/SRPMS          source packages
//	<os>/<codename>/<arch>         architecture packages
//	<os>/<codename>/<arch>/debug   debuginfo/debugsource packages
//
// The debug sub-repository is excluded from the default metadata so normal
// installs never resolve to debug packages.
type RPMHandler struct {
	run CommandRunner
}

// NewRPMHandler returns a handler using the given command runner; nil
// selects the default runner invoking createrepo_c directly.
func NewRPMHandler(run CommandRunner) *RPMHandler {
	if run == nil {
		run = defaultRunner
	}
	return &RPMHandler{run: run}
}

func init() {
	RegisterFormat("rpm", NewRPMHandler(nil))
}

func (h *RPMHandler) srpmsDir(basePath, osName, osCodeName string) string {
	return filepath.Join(basePath, osName, osCodeName, "SRPMS")
}

func (h *RPMHandler) archDir(basePath, osName, osCodeName, arch string) string {
	return filepath.Join(basePath, osName, osCodeName, arch)
}

// Initialize creates the SRPMS, arch and debug sub-repositories with empty
// metadata. A directory already carrying repodata/repomd.xml is left alone,
// so repeated calls are no-ops.
func (h *RPMHandler) Initialize(ctx context.Context, basePath, osName, osCodeName, arch string) error {
	archDir := h.archDir(basePath, osName, osCodeName, arch)
	dirs := []string{
		h.srpmsDir(basePath, osName, osCodeName),
		archDir,
		filepath.Join(archDir, "debug"),
	}

	for _, dir := range dirs {
		marker := filepath.Join(dir, "repodata", "repomd.xml")
		if st, err := os.Stat(marker); err == nil && st.Mode().IsRegular() {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create repository directory: %w", err)
		}
		observability.CLILogger.Info("Initializing RPM metadata",
			zap.String("dir", dir))
		if err := h.run(ctx, "createrepo_c", "--no-database", dir); err != nil {
			return err
		}
	}
	return nil
}

// ImportSource imports the source RPM staged under artifactDir/sourcepkg.
// Zero or multiple source RPMs is logged as a warning; whatever was found
// is still imported.
func (h *RPMHandler) ImportSource(ctx context.Context, basePath, osName, osCodeName, artifactDir string) error {
	srpms, err := doublestar.FilepathGlob(filepath.Join(artifactDir, "sourcepkg", "*.src.rpm"))
	if err != nil {
		return fmt.Errorf("glob source RPMs: %w", err)
	}
	if len(srpms) != 1 {
		observability.CLILogger.Warn("Found unexpected number of source RPMs",
			zap.String("artifact_dir", artifactDir),
			zap.Int("count", len(srpms)),
		)
	}
	if len(srpms) == 0 {
		return nil
	}
	return h.importTo(ctx, h.srpmsDir(basePath, osName, osCodeName), srpms)
}

// ImportBinary partitions the RPMs staged under artifactDir/binarypkg into
// source-style, debug and architecture artifacts, importing the latter two
// into their sub-repositories. No architecture artifacts is a warning, not
// an error; debug artifacts may still be imported.
func (h *RPMHandler) ImportBinary(ctx context.Context, basePath, osName, osCodeName, arch, artifactDir string) error {
	stagingGlob := func(pattern string) (map[string]struct{}, error) {
		matches, err := doublestar.FilepathGlob(filepath.Join(artifactDir, "binarypkg", pattern))
		if err != nil {
			return nil, fmt.Errorf("glob binary RPMs: %w", err)
		}
		set := make(map[string]struct{}, len(matches))
		for _, m := range matches {
			set[m] = struct{}{}
		}
		return set, nil
	}

	srpms, err := stagingGlob("*.src.rpm")
	if err != nil {
		return err
	}
	debugRPMs, err := stagingGlob("*-debuginfo-*.rpm")
	if err != nil {
		return err
	}
	debugSource, err := stagingGlob("*-debugsource-*.rpm")
	if err != nil {
		return err
	}
	for f := range debugSource {
		debugRPMs[f] = struct{}{}
	}
	allRPMs, err := stagingGlob("*.rpm")
	if err != nil {
		return err
	}

	var archRPMs []string
	for f := range allRPMs {
		if _, isSrc := srpms[f]; isSrc {
			continue
		}
		if _, isDebug := debugRPMs[f]; isDebug {
			continue
		}
		archRPMs = append(archRPMs, f)
	}
	sort.Strings(archRPMs)

	archDir := h.archDir(basePath, osName, osCodeName, arch)
	if len(archRPMs) > 0 {
		if err := h.importTo(ctx, archDir, archRPMs); err != nil {
			return err
		}
	} else {
		observability.CLILogger.Warn("Found no arch RPMs to import",
			zap.String("artifact_dir", artifactDir))
	}

	if len(debugRPMs) > 0 {
		debug := make([]string, 0, len(debugRPMs))
		for f := range debugRPMs {
			debug = append(debug, f)
		}
		sort.Strings(debug)
		if err := h.importTo(ctx, filepath.Join(archDir, "debug"), debug); err != nil {
			return err
		}
	}
	return nil
}

// importTo places RPMs into repoDir and regenerates its metadata.
//
// Existing artifacts whose parsed package name matches an incoming RPM are
// removed first; files whose names fail to parse are logged and left in
// place, biasing toward under-invalidation over data loss.
func (h *RPMHandler) importTo(ctx context.Context, repoDir string, rpms []string) error {
	observability.CLILogger.Debug("Importing RPMs",
		zap.String("repo_dir", repoDir),
		zap.Int("count", len(rpms)),
	)

	names := map[string]struct{}{}
	for _, rpm := range rpms {
		m := rpmNamePattern.FindStringSubmatch(filepath.Base(rpm))
		if m == nil {
			observability.CLILogger.Warn("Failed to parse package name",
				zap.String("file", filepath.Base(rpm)))
			continue
		}
		names[m[1]] = struct{}{}
	}

	existing, err := doublestar.FilepathGlob(filepath.Join(repoDir, "*.rpm"))
	if err != nil {
		return fmt.Errorf("glob repository RPMs: %w", err)
	}
	for _, inRepo := range existing {
		m := rpmNamePattern.FindStringSubmatch(filepath.Base(inRepo))
		if m == nil {
			continue
		}
		if _, stale := names[m[1]]; stale {
			if err := os.Remove(inRepo); err != nil {
				return fmt.Errorf("remove stale artifact: %w", err)
			}
		}
	}

	for _, rpm := range rpms {
		if err := linkOrCopy(rpm, filepath.Join(repoDir, filepath.Base(rpm))); err != nil {
			return err
		}
	}

	return h.run(ctx, "createrepo_c",
		"--update", "--no-database", "--excludes=debug/*", repoDir)
}

// linkOrCopy hard-links src to dst, falling back to a copy through a
// temporary file with an atomic rename when linking fails (cross-volume
// staging directories, filesystems without hard links).
func linkOrCopy(src, dst string) error {
	if err := os.Link(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer func() { _ = in.Close() }()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".import-*")
	if err != nil {
		return fmt.Errorf("create temporary artifact: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, in); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("copy artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temporary artifact: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("place artifact: %w", err)
	}
	return nil
}
