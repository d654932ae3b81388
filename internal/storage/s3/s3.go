// Package s3 implements the object storage destination on any S3-compatible
// service (AWS, MinIO, R2, B2, Wasabi).
package s3

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"drivebackup/internal/config"
	"drivebackup/internal/snapshot"
	"drivebackup/internal/storage"
)

// Ensure Destination implements storage.Destination and storage.Pruner at compile time.
var (
	_ storage.Destination = (*Destination)(nil)
	_ storage.Pruner      = (*Destination)(nil)
)

const defaultPrefix = "drivebackup"

// Destination stores backups in an S3-compatible object store. The client
// is built from the cycle's config on every call so credential changes take
// effect on the next cycle.
type Destination struct {
	// newClient is swapped in tests.
	newClient func(ctx context.Context, cfg config.S3Config) (*s3.Client, error)
}

// New creates an S3 destination.
func New() *Destination {
	return &Destination{newClient: newClient}
}

func (d *Destination) Kind() config.DestinationKind {
	return config.KindObjectStorage
}

func (d *Destination) Enabled(cfg *config.Config) bool {
	return cfg.DestinationEnabled(config.KindObjectStorage)
}

// checkConfig fails fast, before any network I/O.
func checkConfig(cfg config.S3Config) error {
	if cfg.Bucket == "" {
		return fmt.Errorf("%w: s3 bucket is required", storage.ErrMisconfigured)
	}
	if (cfg.AccessKeyID == "") != (cfg.SecretAccessKey == "") {
		return fmt.Errorf("%w: s3 needs both accessKeyId and secretAccessKey", storage.ErrUnauthorized)
	}
	return nil
}

func newClient(ctx context.Context, cfg config.S3Config) (*s3.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	// Without static keys the default AWS credential chain applies.
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3: failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for most S3-compatible stores
		})
	}
	if cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return s3.NewFromConfig(awsCfg, s3Opts...), nil
}

func (d *Destination) client(ctx context.Context, cfg *config.Config) (*s3.Client, config.S3Config, error) {
	s3cfg := cfg.Destinations.S3
	if err := checkConfig(s3cfg); err != nil {
		return nil, s3cfg, err
	}
	client, err := d.newClient(ctx, s3cfg)
	if err != nil {
		return nil, s3cfg, err
	}
	return client, s3cfg, nil
}

// objectKey returns the full object key for a backup file.
// Layout: <prefix>/<fileName>
func objectKey(prefix, fileName string) string {
	return path.Join(keyPrefix(prefix), fileName)
}

func keyPrefix(prefix string) string {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return strings.Trim(prefix, "/")
}

// Upload stores the snapshot as an S3 object.
func (d *Destination) Upload(ctx context.Context, cfg *config.Config, snap *snapshot.Snapshot) (*storage.BackupMetadata, error) {
	client, s3cfg, err := d.client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	key := objectKey(s3cfg.Prefix, snap.Name)

	sc := s3types.StorageClassStandard
	if s3cfg.StorageClass != "" {
		sc = s3types.StorageClass(s3cfg.StorageClass)
	}

	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s3cfg.Bucket),
		Key:           aws.String(key),
		Body:          snap.Reader(),
		ContentLength: aws.Int64(snap.Size()),
		StorageClass:  sc,
	})
	if err != nil {
		return nil, fmt.Errorf("s3: failed to upload %s: %w", key, classify(err))
	}

	return &storage.BackupMetadata{
		Key:       key,
		FileName:  snap.Name,
		Size:      snap.Size(),
		CreatedAt: snap.CreatedAt,
	}, nil
}

// List returns all backups whose file name starts with prefix, sorted newest-first.
func (d *Destination) List(ctx context.Context, cfg *config.Config, prefix string) ([]storage.BackupMetadata, error) {
	client, s3cfg, err := d.client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	base := keyPrefix(s3cfg.Prefix) + "/"

	var backups []storage.BackupMetadata
	paginator := s3.NewListObjectsV2Paginator(client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s3cfg.Bucket),
		Prefix: aws.String(base + prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3: failed to list objects with prefix %s: %w", base+prefix, classify(err))
		}
		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			fileName := strings.TrimPrefix(*obj.Key, base)
			if strings.Contains(fileName, "/") || !strings.HasSuffix(fileName, ".zip") {
				continue
			}
			meta := storage.BackupMetadata{
				Key:      *obj.Key,
				FileName: fileName,
			}
			if obj.Size != nil {
				meta.Size = *obj.Size
			}
			if obj.LastModified != nil {
				meta.CreatedAt = *obj.LastModified
			}
			backups = append(backups, meta)
		}
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].CreatedAt.After(backups[j].CreatedAt)
	})

	return backups, nil
}

// Delete removes a backup object.
func (d *Destination) Delete(ctx context.Context, cfg *config.Config, key string) error {
	client, s3cfg, err := d.client(ctx, cfg)
	if err != nil {
		return err
	}
	_, err = client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s3cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("s3: failed to delete %s: %w", key, classify(err))
	}
	return nil
}

// classify maps S3 API error codes onto the storage sentinels.
func classify(err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	switch apiErr.ErrorCode() {
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken", "InvalidToken":
		return fmt.Errorf("%w: %w", storage.ErrUnauthorized, err)
	case "NoSuchBucket", "InvalidBucketName", "InvalidStorageClass":
		return fmt.Errorf("%w: %w", storage.ErrMisconfigured, err)
	}
	return err
}
