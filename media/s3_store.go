package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/camden-git/lastnurses/logger"
)

// S3Options configures an S3Storage.
type S3Options struct {
	Bucket          string
	Region          string
	Endpoint        string // optional, for S3-compatible services
	Prefix          string
	AccessKeyID     string // optional, falls back to the default credential chain
	SecretAccessKey string
}

// S3API is the subset of the S3 client used by S3Storage.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Storage implements Store on top of an S3 bucket. Keys are
// <prefix>/<subdir>/<filename>.
type S3Storage struct {
	client  S3API
	bucket  string
	prefix  string
	subDirs map[AssetType]string
	log     *zap.Logger
}

// NewS3Client builds an S3 client from opts using the AWS default config
// chain, with static credentials when they are provided.
func NewS3Client(ctx context.Context, opts S3Options) (*s3.Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(opts.Region)}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			opts.AccessKeyID,
			opts.SecretAccessKey,
			"",
		)))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

func NewS3Storage(client S3API, bucket, prefix string, subDirs map[AssetType]string, log *zap.Logger) (*S3Storage, error) {
	if client == nil {
		return nil, errors.New("s3 client is required")
	}
	if bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	log = logger.OrNop(log)
	log.Info("media.s3: initialized s3 storage", zap.String("bucket", bucket), zap.String("prefix", prefix))
	return &S3Storage{
		client:  client,
		bucket:  bucket,
		prefix:  strings.Trim(prefix, "/"),
		subDirs: subDirs,
		log:     log,
	}, nil
}

func (s *S3Storage) key(assetType AssetType, filename string) (string, error) {
	subDir, ok := s.subDirs[assetType]
	if !ok {
		return "", fmt.Errorf("asset type '%s' is not configured", assetType)
	}
	if filename == "" || filename != path.Base(filename) || strings.Contains(filename, "..") {
		return "", fmt.Errorf("invalid asset filename '%s'", filename)
	}
	return path.Join(s.prefix, subDir, filename), nil
}

func (s *S3Storage) Save(ctx context.Context, assetType AssetType, filename string, data io.Reader) (string, error) {
	key, err := s.key(assetType, filename)
	if err != nil {
		return "", err
	}

	// PutObject needs a seekable body to sign the payload
	payload, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("failed to read asset data for '%s': %w", key, err)
	}

	contentType := mime.TypeByExtension(filepath.Ext(filename))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(payload),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(payload))),
	})
	if err != nil {
		s.log.Error("media.s3: failed to upload asset", zap.String("key", key), zap.Error(err))
		return "", fmt.Errorf("failed to upload '%s': %w", key, err)
	}

	s.log.Info("media.s3: saved asset", zap.String("key", key), zap.Int("size", len(payload)))
	return key, nil
}

func (s *S3Storage) Open(ctx context.Context, assetType AssetType, filename string) (io.ReadCloser, error) {
	key, err := s.key(assetType, filename)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, fmt.Errorf("%w: %s", ErrAssetNotFound, key)
		}
		return nil, fmt.Errorf("failed to download '%s': %w", key, err)
	}
	return out.Body, nil
}

func (s *S3Storage) Delete(ctx context.Context, assetType AssetType, filename string) error {
	key, err := s.key(assetType, filename)
	if err != nil {
		return err
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("failed to delete '%s': %w", key, err)
	}
	s.log.Info("media.s3: deleted asset", zap.String("key", key))
	return nil
}
