package s3publish

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/farmbuild/farmbuild/pkg/repository"
)

type fakeUploader struct {
	keys   []string
	bodies map[string]string
	err    error
}

func (f *fakeUploader) PutObject(ctx context.Context, input *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	key := aws.ToString(input.Key)
	f.keys = append(f.keys, key)
	if f.bodies == nil {
		f.bodies = map[string]string{}
	}
	body, err := io.ReadAll(input.Body)
	if err != nil {
		return nil, err
	}
	f.bodies[key] = string(body)
	return &s3.PutObjectOutput{}, nil
}

// stageRPMs lays files out the way a finished build job stages them:
// artifacts live in a sourcepkg or binarypkg subfolder of the artifact
// directory handed to the backend.
func stageRPMs(t *testing.T, subdir string, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, subdir), 0o755))
	for _, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, subdir, name), []byte(name), 0o644))
	}
	return dir
}

func TestObjectKeyPrefix(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		area   string
		want   string
	}{
		{name: "binary with prefix", prefix: "repos/humble", area: "x86_64", want: "repos/humble/rhel/9/x86_64"},
		{name: "source with prefix", prefix: "repos/humble", area: "SRPMS", want: "repos/humble/rhel/9/SRPMS"},
		{name: "empty prefix", prefix: "", area: "x86_64", want: "rhel/9/x86_64"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ObjectKeyPrefix(tt.prefix, "rhel", "9", tt.area))
		})
	}
}

func TestImportBinaryUploadsArtifacts(t *testing.T) {
	up := &fakeUploader{}
	backend := NewBackendWithUploader(up)
	dir := stageRPMs(t, "binarypkg", "foo-1.0-1.el9.x86_64.rpm", "bar-2.0-1.el9.x86_64.rpm")

	args := &repository.Args{S3Bucket: "farm-artifacts", S3Prefix: "repos"}
	require.NoError(t, backend.ImportBinary(context.Background(), args, "rhel", "9", "x86_64", dir))

	assert.Equal(t, []string{
		"repos/rhel/9/x86_64/bar-2.0-1.el9.x86_64.rpm",
		"repos/rhel/9/x86_64/foo-1.0-1.el9.x86_64.rpm",
	}, up.keys)
	assert.Equal(t, "foo-1.0-1.el9.x86_64.rpm", up.bodies["repos/rhel/9/x86_64/foo-1.0-1.el9.x86_64.rpm"])
}

func TestImportSourceUsesSRPMSArea(t *testing.T) {
	up := &fakeUploader{}
	backend := NewBackendWithUploader(up)
	dir := stageRPMs(t, "sourcepkg", "foo-1.0-1.el9.src.rpm")

	args := &repository.Args{S3Bucket: "farm-artifacts"}
	require.NoError(t, backend.ImportSource(context.Background(), args, "rhel", "9", dir))

	assert.Equal(t, []string{"rhel/9/SRPMS/foo-1.0-1.el9.src.rpm"}, up.keys)
}

func TestImportSkipsNonRPMFiles(t *testing.T) {
	up := &fakeUploader{}
	backend := NewBackendWithUploader(up)
	dir := stageRPMs(t, "binarypkg", "foo-1.0-1.el9.x86_64.rpm")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "binarypkg", "build.log"), []byte("log"), 0o644))

	args := &repository.Args{S3Bucket: "farm-artifacts"}
	require.NoError(t, backend.ImportBinary(context.Background(), args, "rhel", "9", "x86_64", dir))

	require.Len(t, up.keys, 1)
	assert.Equal(t, "rhel/9/x86_64/foo-1.0-1.el9.x86_64.rpm", up.keys[0])
}

func TestImportEmptyDirectoryIsNoop(t *testing.T) {
	up := &fakeUploader{}
	backend := NewBackendWithUploader(up)

	args := &repository.Args{S3Bucket: "farm-artifacts"}
	require.NoError(t, backend.ImportBinary(context.Background(), args, "rhel", "9", "x86_64", t.TempDir()))
	assert.Empty(t, up.keys)
}

func TestImportRequiresBucket(t *testing.T) {
	backend := NewBackendWithUploader(&fakeUploader{})
	err := backend.ImportBinary(context.Background(), &repository.Args{}, "rhel", "9", "x86_64", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket")
}

func TestImportUploadFailure(t *testing.T) {
	up := &fakeUploader{err: assert.AnError}
	backend := NewBackendWithUploader(up)
	dir := stageRPMs(t, "binarypkg", "foo-1.0-1.el9.x86_64.rpm")

	args := &repository.Args{S3Bucket: "farm-artifacts"}
	err := backend.ImportBinary(context.Background(), args, "rhel", "9", "x86_64", dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upload")
}

func TestImportIgnoresFilesOutsideStagedSubfolders(t *testing.T) {
	up := &fakeUploader{}
	backend := NewBackendWithUploader(up)
	dir := stageRPMs(t, "binarypkg", "foo-1.0-1.el9.x86_64.rpm")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stray-1.0-1.el9.x86_64.rpm"), []byte("stray"), 0o644))

	args := &repository.Args{S3Bucket: "farm-artifacts"}
	require.NoError(t, backend.ImportBinary(context.Background(), args, "rhel", "9", "x86_64", dir))
	require.NoError(t, backend.ImportSource(context.Background(), args, "rhel", "9", dir))

	assert.Equal(t, []string{"rhel/9/x86_64/foo-1.0-1.el9.x86_64.rpm"}, up.keys)
}

func TestBackendRegistered(t *testing.T) {
	backend, ok := repository.Lookup("s3")
	require.True(t, ok)
	assert.Equal(t, "s3", backend.Name())
}
