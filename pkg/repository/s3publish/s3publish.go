// Package s3publish implements a package repository backend that mirrors
// build artifacts into an S3 bucket.
//
// Artifacts are read from the same staged layout the local backend
// consumes: source RPMs under <artifactDir>/sourcepkg, binary RPMs under
// <artifactDir>/binarypkg. The object layout follows the local repository
// partitioning: binary packages land under <prefix>/<os>/<codeName>/<arch>/
// and source packages under <prefix>/<os>/<codeName>/SRPMS/. Repository
// metadata generation is left to whatever serves the bucket; this backend
// only publishes the artifact files.
package s3publish

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/farmbuild/farmbuild/internal/observability"
	"github.com/farmbuild/farmbuild/pkg/repository"
)

const srpmsArea = "SRPMS"

// Uploader is the slice of the S3 API the backend needs. *s3.Client
// satisfies it.
type Uploader interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Backend publishes artifacts to an S3 bucket.
type Backend struct {
	// newUploader is resolved lazily on first import so the backend can be
	// registered without AWS credentials present.
	newUploader func(ctx context.Context) (Uploader, error)

	uploader Uploader
}

var _ repository.Backend = (*Backend)(nil)

// NewBackend returns a backend that builds its S3 client from the default
// AWS credential chain on first use.
func NewBackend() *Backend {
	return &Backend{newUploader: defaultUploader}
}

// NewBackendWithUploader returns a backend using an injected uploader.
func NewBackendWithUploader(up Uploader) *Backend {
	return &Backend{uploader: up}
}

func defaultUploader(ctx context.Context) (Uploader, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS configuration: %w", err)
	}
	return s3.NewFromConfig(awsCfg), nil
}

func init() {
	repository.Register(NewBackend())
}

// Name implements repository.Backend.
func (b *Backend) Name() string { return "s3" }

// ImportSource implements repository.Backend.
func (b *Backend) ImportSource(ctx context.Context, args *repository.Args, osName, osCodeName, artifactDir string) error {
	return b.publish(ctx, args, filepath.Join(artifactDir, "sourcepkg"),
		ObjectKeyPrefix(args.S3Prefix, osName, osCodeName, srpmsArea))
}

// ImportBinary implements repository.Backend.
func (b *Backend) ImportBinary(ctx context.Context, args *repository.Args, osName, osCodeName, arch, artifactDir string) error {
	return b.publish(ctx, args, filepath.Join(artifactDir, "binarypkg"),
		ObjectKeyPrefix(args.S3Prefix, osName, osCodeName, arch))
}

// ObjectKeyPrefix returns the bucket key prefix for one repository
// partition. An empty base prefix is allowed.
func ObjectKeyPrefix(prefix, osName, osCodeName, area string) string {
	return path.Join(prefix, osName, osCodeName, area)
}

func (b *Backend) publish(ctx context.Context, args *repository.Args, stagedDir, keyPrefix string) error {
	if args.S3Bucket == "" {
		return fmt.Errorf("s3 package repository requires a bucket")
	}

	up, err := b.resolveUploader(ctx)
	if err != nil {
		return err
	}

	files, err := doublestar.FilepathGlob(filepath.Join(stagedDir, "*.rpm"))
	if err != nil {
		return fmt.Errorf("scan artifact directory: %w", err)
	}
	sort.Strings(files)

	for _, file := range files {
		key := path.Join(keyPrefix, filepath.Base(file))
		if err := b.putFile(ctx, up, args.S3Bucket, key, file); err != nil {
			return err
		}
		observability.CLILogger.Info("Published artifact",
			zap.String("bucket", args.S3Bucket),
			zap.String("key", key),
		)
	}
	if len(files) == 0 {
		observability.CLILogger.Warn("No artifacts to publish",
			zap.String("directory", stagedDir),
		)
	}
	return nil
}

func (b *Backend) resolveUploader(ctx context.Context) (Uploader, error) {
	if b.uploader == nil {
		up, err := b.newUploader(ctx)
		if err != nil {
			return nil, err
		}
		b.uploader = up
	}
	return b.uploader, nil
}

func (b *Backend) putFile(ctx context.Context, up Uploader, bucket, key, file string) error {
	f, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat artifact: %w", err)
	}

	_, err = up.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          io.Reader(f),
		ContentLength: aws.Int64(info.Size()),
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}
