package report

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/takehaya/tgctl/pkg/config"
	"go.uber.org/zap"
)

// Uploader stores rendered results in an S3 bucket.
type Uploader struct {
	client *minio.Client
	bucket string
	region string
	log    *zap.Logger

	bucketReady bool
}

func NewUploader(cfg config.S3, lg *zap.Logger) (*Uploader, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("no S3 endpoint configured")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}
	return &Uploader{client: client, bucket: cfg.Bucket, region: cfg.Region, log: lg}, nil
}

// ObjectKey names the object of a result: <scenario>/<start time>.<ext>.
func ObjectKey(r *Result, f Format) string {
	return path.Join(r.Scenario, r.Started.UTC().Format("20060102T150405.000000000Z")+"."+f.Ext())
}

func (u *Uploader) ensureBucket(ctx context.Context) error {
	if u.bucketReady {
		return nil
	}
	exists, err := u.client.BucketExists(ctx, u.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", u.bucket, err)
	}
	if !exists {
		if err := u.client.MakeBucket(ctx, u.bucket, minio.MakeBucketOptions{Region: u.region}); err != nil {
			return fmt.Errorf("create bucket %s: %w", u.bucket, err)
		}
		u.log.Info("bucket created", zap.String("bucket", u.bucket))
	}
	u.bucketReady = true
	return nil
}

// Upload renders r in format f and stores it, returning the object key.
func (u *Uploader) Upload(ctx context.Context, r *Result, f Format) (string, error) {
	if err := u.ensureBucket(ctx); err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := Write(&buf, r, f); err != nil {
		return "", err
	}
	key := ObjectKey(r, f)
	info, err := u.client.PutObject(ctx, u.bucket, key, bytes.NewReader(buf.Bytes()), int64(buf.Len()),
		minio.PutObjectOptions{ContentType: f.ContentType()})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	u.log.Info("result uploaded", zap.String("bucket", u.bucket), zap.String("key", key), zap.Int64("size", info.Size))
	return key, nil
}
