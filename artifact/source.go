package artifact

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/njyeung/hoppyshare/core/apierror"
)

// DirSource serves agent binaries from a local directory.
type DirSource struct {
	Dir string
}

// Fetch reads the named binary from the directory.
func (d DirSource) Fetch(ctx context.Context, target string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(d.Dir, filepath.Base(target)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apierror.NotFound("no agent binary %s", target)
		}
		return nil, err
	}
	return data, nil
}

// S3Source downloads agent binaries from an S3 bucket. Binaries are
// immutable per release, so downloads are cached for the lifetime of
// the process.
type S3Source struct {
	client *s3.Client
	bucket string
	prefix string

	mu    sync.Mutex
	cache map[string][]byte
}

// S3Configuration holds the bucket location and credentials.
type S3Configuration struct {
	AccessID  string
	AccessKey string
	Region    string
	Bucket    string
	Prefix    string
}

// NewS3Source connects to the configured bucket.
func NewS3Source(ctx context.Context, s3conf S3Configuration) (*S3Source, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s3conf.AccessID, s3conf.AccessKey, ""),
		),
		awsconfig.WithRegion(s3conf.Region),
	)
	if err != nil {
		return nil, err
	}
	return &S3Source{
		client: s3.NewFromConfig(cfg),
		bucket: s3conf.Bucket,
		prefix: s3conf.Prefix,
		cache:  map[string][]byte{},
	}, nil
}

// Fetch downloads the named binary, serving repeats from the cache.
func (s *S3Source) Fetch(ctx context.Context, target string) ([]byte, error) {
	s.mu.Lock()
	if data, ok := s.cache[target]; ok {
		s.mu.Unlock()
		return data, nil
	}
	s.mu.Unlock()

	downloader := manager.NewDownloader(s.client)
	buf := manager.NewWriteAtBuffer([]byte{})
	_, err := downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.prefix + target),
	})
	if err != nil {
		return nil, err
	}
	data := buf.Bytes()

	s.mu.Lock()
	s.cache[target] = data
	s.mu.Unlock()
	return data, nil
}
