package archive

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Uploader stores a finished track file under key.
type Uploader interface {
	Upload(ctx context.Context, key, path string) error
}

type S3Config struct {
	Endpoint string
	Bucket   string
	Region   string
	UseSSL   bool
}

// S3Uploader writes tracks to an S3-compatible bucket.
type S3Uploader struct {
	client *minio.Client
	bucket string
}

// NewS3Uploader connects with MINIO_ACCESS_KEY / MINIO_SECRET_KEY from the
// environment and creates the bucket when it is missing.
func NewS3Uploader(ctx context.Context, cfg S3Config) (*S3Uploader, error) {
	accessKey := os.Getenv("MINIO_ACCESS_KEY")
	secretKey := os.Getenv("MINIO_SECRET_KEY")
	if accessKey == "" || secretKey == "" {
		return nil, fmt.Errorf("archive: missing MINIO_ACCESS_KEY or MINIO_SECRET_KEY")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("archive: create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("archive: check bucket %q: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("archive: make bucket %q: %w", cfg.Bucket, err)
		}
		log.Printf("archive created bucket=%s", cfg.Bucket)
	}
	return &S3Uploader{client: client, bucket: cfg.Bucket}, nil
}

func (u *S3Uploader) Upload(ctx context.Context, key, path string) error {
	info, err := u.client.FPutObject(ctx, u.bucket, key, path, minio.PutObjectOptions{ContentType: "text/plain"})
	if err != nil {
		return fmt.Errorf("archive: put %s/%s: %w", u.bucket, key, err)
	}
	log.Printf("archive uploaded bucket=%s key=%s size=%d", u.bucket, key, info.Size)
	return nil
}
