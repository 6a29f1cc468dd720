package federation

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/ajitpratap0/marketsync/pkg/config"
	"github.com/ajitpratap0/marketsync/pkg/errors"
)

// Uploader is the part of manager.Uploader used by S3FileStorage.
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3FileStorage stores file-shaped assets in S3 and delegates tables to the
// wrapped Storage.
type S3FileStorage struct {
	Storage
	uploader Uploader
	bucket   string
	prefix   string
	logger   *zap.Logger
}

// NewS3FileStorage builds an uploader from the default AWS credential chain.
func NewS3FileStorage(ctx context.Context, cfg config.S3Config, next Storage, logger *zap.Logger) (*S3FileStorage, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "load aws config")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = 16 * 1024 * 1024
		u.Concurrency = 4
	})

	return NewS3FileStorageWithUploader(uploader, cfg.Bucket, cfg.Prefix, next, logger), nil
}

// NewS3FileStorageWithUploader wires an existing uploader.
func NewS3FileStorageWithUploader(uploader Uploader, bucket, prefix string, next Storage, logger *zap.Logger) *S3FileStorage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &S3FileStorage{
		Storage:  next,
		uploader: uploader,
		bucket:   bucket,
		prefix:   strings.Trim(prefix, "/"),
		logger:   logger.With(zap.String("component", "s3_file_storage")),
	}
}

// StoreFile uploads the file under <prefix>/<assetID>/<name>.
func (s *S3FileStorage) StoreFile(ctx context.Context, file File) (StorageRef, error) {
	key := path.Join(s.prefix, file.AssetID, path.Base(file.Name))

	out, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(file.Data),
		ContentType: aws.String(file.ContentType),
	})
	if err != nil {
		return StorageRef{}, errors.Wrap(err, errors.ErrorTypeTransientNetwork, "upload file").
			WithDetail("bucket", s.bucket).
			WithDetail("key", key)
	}

	version := aws.ToString(out.VersionID)
	if version == "" {
		version = strings.Trim(aws.ToString(out.ETag), `"`)
	}

	s.logger.Info("file stored",
		zap.String("asset_id", file.AssetID),
		zap.String("key", key),
		zap.Int("bytes", len(file.Data)))

	return StorageRef{
		StorageID: fmt.Sprintf("s3://%s/%s", s.bucket, key),
		Version:   version,
	}, nil
}
