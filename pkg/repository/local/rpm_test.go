package local

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner simulates createrepo_c: it writes a repodata/repomd.xml marker
// listing the RPM files directly present in the target directory, and
// records every invocation.
type fakeRunner struct {
	calls [][]string
}

func (f *fakeRunner) run(ctx context.Context, name string, args ...string) error {
	f.calls = append(f.calls, append([]string{name}, args...))

	dir := args[len(args)-1]
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var listed []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".rpm") {
			listed = append(listed, e.Name())
		}
	}
	sort.Strings(listed)

	if err := os.MkdirAll(filepath.Join(dir, "repodata"), 0o755); err != nil {
		return err
	}
	content := "<repomd>\n" + strings.Join(listed, "\n") + "\n</repomd>\n"
	return os.WriteFile(filepath.Join(dir, "repodata", "repomd.xml"), []byte(content), 0o644)
}

func metadataListing(t *testing.T, dir string) []string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, "repodata", "repomd.xml"))
	require.NoError(t, err)
	var listed []string
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasSuffix(line, ".rpm") {
			listed = append(listed, line)
		}
	}
	return listed
}

func physicalRPMs(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".rpm") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names
}

func stageArtifact(t *testing.T, artifactDir, sub, name string) {
	t.Helper()
	dir := filepath.Join(artifactDir, sub)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("rpm:"+name), 0o644))
}

func TestInitializeCreatesPartition(t *testing.T) {
	runner := &fakeRunner{}
	h := NewRPMHandler(runner.run)
	base := t.TempDir()

	require.NoError(t, h.Initialize(context.Background(), base, "rhel", "9", "x86_64"))

	for _, dir := range []string{
		filepath.Join(base, "rhel", "9", "SRPMS"),
		filepath.Join(base, "rhel", "9", "x86_64"),
		filepath.Join(base, "rhel", "9", "x86_64", "debug"),
	} {
		assert.FileExists(t, filepath.Join(dir, "repodata", "repomd.xml"))
	}
	assert.Len(t, runner.calls, 3)
}

func TestInitializeIdempotent(t *testing.T) {
	runner := &fakeRunner{}
	h := NewRPMHandler(runner.run)
	base := t.TempDir()

	require.NoError(t, h.Initialize(context.Background(), base, "rhel", "9", "x86_64"))
	firstCalls := len(runner.calls)

	marker := filepath.Join(base, "rhel", "9", "x86_64", "repodata", "repomd.xml")
	before, err := os.ReadFile(marker)
	require.NoError(t, err)

	require.NoError(t, h.Initialize(context.Background(), base, "rhel", "9", "x86_64"))
	assert.Len(t, runner.calls, firstCalls, "second Initialize must not regenerate metadata")

	after, err := os.ReadFile(marker)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestImportSource(t *testing.T) {
	runner := &fakeRunner{}
	h := NewRPMHandler(runner.run)
	base := t.TempDir()
	artifacts := t.TempDir()
	stageArtifact(t, artifacts, "sourcepkg", "foo-1.0-1.el9.src.rpm")

	require.NoError(t, h.ImportSource(context.Background(), base, "rhel", "9", artifacts))

	srpms := filepath.Join(base, "rhel", "9", "SRPMS")
	assert.Equal(t, []string{"foo-1.0-1.el9.src.rpm"}, physicalRPMs(t, srpms))
	assert.Equal(t, physicalRPMs(t, srpms), metadataListing(t, srpms))

	last := runner.calls[len(runner.calls)-1]
	assert.Contains(t, last, "--update")
	assert.Contains(t, last, "--excludes=debug/*")
}

func TestImportSourceNoneFound(t *testing.T) {
	runner := &fakeRunner{}
	h := NewRPMHandler(runner.run)

	require.NoError(t, h.ImportSource(context.Background(), t.TempDir(), "rhel", "9", t.TempDir()))
	assert.Empty(t, runner.calls, "nothing to import must not touch metadata")
}

func TestImportBinaryPartitionsArtifacts(t *testing.T) {
	runner := &fakeRunner{}
	h := NewRPMHandler(runner.run)
	base := t.TempDir()
	artifacts := t.TempDir()
	stageArtifact(t, artifacts, "binarypkg", "foo-1.0-1.el9.x86_64.rpm")
	stageArtifact(t, artifacts, "binarypkg", "foo-debuginfo-1.0-1.el9.x86_64.rpm")
	stageArtifact(t, artifacts, "binarypkg", "foo-debugsource-1.0-1.el9.x86_64.rpm")
	stageArtifact(t, artifacts, "binarypkg", "foo-1.0-1.el9.src.rpm")

	require.NoError(t, h.ImportBinary(context.Background(), base, "rhel", "9", "x86_64", artifacts))

	archDir := filepath.Join(base, "rhel", "9", "x86_64")
	debugDir := filepath.Join(archDir, "debug")

	assert.Equal(t, []string{"foo-1.0-1.el9.x86_64.rpm"}, physicalRPMs(t, archDir))
	assert.Equal(t, []string{
		"foo-debuginfo-1.0-1.el9.x86_64.rpm",
		"foo-debugsource-1.0-1.el9.x86_64.rpm",
	}, physicalRPMs(t, debugDir))

	// Debug artifacts never surface in the default metadata listing.
	for _, name := range metadataListing(t, archDir) {
		assert.NotContains(t, name, "-debuginfo-")
		assert.NotContains(t, name, "-debugsource-")
	}
	assert.Equal(t, physicalRPMs(t, debugDir), metadataListing(t, debugDir))
}

func TestImportBinaryDebugOnly(t *testing.T) {
	runner := &fakeRunner{}
	h := NewRPMHandler(runner.run)
	base := t.TempDir()
	artifacts := t.TempDir()
	stageArtifact(t, artifacts, "binarypkg", "foo-debuginfo-1.0-1.el9.x86_64.rpm")

	require.NoError(t, h.ImportBinary(context.Background(), base, "rhel", "9", "x86_64", artifacts))

	debugDir := filepath.Join(base, "rhel", "9", "x86_64", "debug")
	assert.Equal(t, []string{"foo-debuginfo-1.0-1.el9.x86_64.rpm"}, physicalRPMs(t, debugDir))

	// No arch partition metadata was generated.
	assert.NoFileExists(t, filepath.Join(base, "rhel", "9", "x86_64", "repodata", "repomd.xml"))
}

func TestInvalidationIsNameScoped(t *testing.T) {
	runner := &fakeRunner{}
	h := NewRPMHandler(runner.run)
	base := t.TempDir()

	archDir := filepath.Join(base, "rhel", "9", "x86_64")
	require.NoError(t, os.MkdirAll(archDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(archDir, "foo-1.0-1.fc38.x86_64.rpm"), []byte("old"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(archDir, "bar-3.0-1.fc38.x86_64.rpm"), []byte("bar"), 0o644))

	artifacts := t.TempDir()
	stageArtifact(t, artifacts, "binarypkg", "foo-2.0-1.fc38.x86_64.rpm")

	require.NoError(t, h.ImportBinary(context.Background(), base, "rhel", "9", "x86_64", artifacts))

	assert.Equal(t, []string{
		"bar-3.0-1.fc38.x86_64.rpm",
		"foo-2.0-1.fc38.x86_64.rpm",
	}, physicalRPMs(t, archDir))
	assert.Equal(t, physicalRPMs(t, archDir), metadataListing(t, archDir))
}

func TestUnparseableNamesLeftInPlace(t *testing.T) {
	runner := &fakeRunner{}
	h := NewRPMHandler(runner.run)
	base := t.TempDir()

	archDir := filepath.Join(base, "rhel", "9", "x86_64")
	require.NoError(t, os.MkdirAll(archDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(archDir, "strange.rpm"), []byte("keep"), 0o644))

	artifacts := t.TempDir()
	stageArtifact(t, artifacts, "binarypkg", "foo-1.0-1.el9.x86_64.rpm")

	require.NoError(t, h.ImportBinary(context.Background(), base, "rhel", "9", "x86_64", artifacts))
	assert.FileExists(t, filepath.Join(archDir, "strange.rpm"))
}

func TestRPMNamePattern(t *testing.T) {
	tests := []struct {
		file    string
		name    string
		parses  bool
	}{
		{"foo-2.0-1.fc38.x86_64.rpm", "foo", true},
		{"ros-humble-rclcpp-16.0.1-1.el9.x86_64.rpm", "ros-humble-rclcpp", true},
		{"foo-1.0-1.el9.src.rpm", "foo", true},
		{"foo-debuginfo-1.0-1.el9.x86_64.rpm", "foo-debuginfo", true},
		{"strange.rpm", "", false},
		{"foo-notaversion-1.el9.x86_64.rpm", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			m := rpmNamePattern.FindStringSubmatch(tt.file)
			if !tt.parses {
				assert.Nil(t, m)
				return
			}
			require.NotNil(t, m)
			assert.Equal(t, tt.name, m[1])
		})
	}
}

func TestLinkOrCopy(t *testing.T) {
	src := filepath.Join(t.TempDir(), "foo-1.0-1.el9.x86_64.rpm")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o644))

	dst := filepath.Join(t.TempDir(), "foo-1.0-1.el9.x86_64.rpm")
	require.NoError(t, linkOrCopy(src, dst))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}
