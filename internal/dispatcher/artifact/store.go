package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const uriScheme = "s3://"

// ErrInvalidURI is returned for object URIs that are not s3://bucket/key
var ErrInvalidURI = errors.New("invalid object uri")

// S3API is the subset of the S3 client the store needs
type S3API interface {
	manager.UploadAPIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Config holds artifact store configuration
type Config struct {
	Bucket       string
	OutputPrefix string
}

// Store reads templates from and writes collected outputs to S3
type Store struct {
	api      S3API
	uploader *manager.Uploader
	cfg      Config
	logger   *slog.Logger
}

// NewStore creates a new artifact store
func NewStore(api S3API, cfg Config, logger *slog.Logger) *Store {
	return &Store{
		api:      api,
		uploader: manager.NewUploader(api),
		cfg:      cfg,
		logger:   logger,
	}
}

// ParseURI splits s3://bucket/key into its parts
func ParseURI(uri string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(uri, uriScheme)
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidURI, uri)
	}
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidURI, uri)
	}
	return bucket, key, nil
}

// Get opens the object at uri. The caller closes the returned body.
func (s *Store) Get(ctx context.Context, uri string) (io.ReadCloser, error) {
	bucket, key, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}

	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s: %w", uri, err)
	}
	return out.Body, nil
}

// Upload writes r under the output prefix and returns the object URI
func (s *Store) Upload(ctx context.Context, name string, r io.Reader) (string, error) {
	key := path.Join(s.cfg.OutputPrefix, name)

	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
		Body:   r,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload object %s to bucket %s: %w", key, s.cfg.Bucket, err)
	}

	uri := uriScheme + s.cfg.Bucket + "/" + key
	s.logger.Info("Uploaded artifact",
		slog.String("uri", uri),
	)
	return uri, nil
}
