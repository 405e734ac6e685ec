package storage

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Bucket moves whole files through the S3 transfer manager.
type Bucket struct {
	client *s3.Client
}

const partSize = 8 * 1024 * 1024

// NewBucket returns a bucket client. A non-empty endpoint addresses an
// S3-compatible store by path style; such stores often reject the SDK's
// default request checksums, so those are only sent when required.
func NewBucket(cfg aws.Config, endpoint string) *Bucket {
	return &Bucket{client: s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint == "" {
			return
		}
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})}
}

// UploadFile writes the file at name to bucket/key and returns its size.
func (b *Bucket) UploadFile(ctx context.Context, bucket, key, name string) (int64, error) {
	f, err := os.Open(name)
	if err != nil {
		return 0, fmt.Errorf("couldn't open %s for upload: %w", name, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}

	up := manager.NewUploader(b.client, func(u *manager.Uploader) { u.PartSize = partSize })
	_, err = up.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	var mu manager.MultiUploadFailure
	switch {
	case errors.As(err, &mu):
		return 0, fmt.Errorf("upload to %s/%s failed, upload id %s: %w", bucket, key, mu.UploadID(), err)
	case err != nil:
		return 0, fmt.Errorf("upload to %s/%s failed: %w", bucket, key, err)
	}
	return info.Size(), nil
}

// DownloadFile writes bucket/key to the file at name. A failed download
// leaves no partial file behind.
func (b *Bucket) DownloadFile(ctx context.Context, bucket, key, name string) (int64, error) {
	f, err := os.Create(name)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	down := manager.NewDownloader(b.client, func(d *manager.Downloader) { d.PartSize = partSize })
	n, err := down.Download(ctx, f, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		os.Remove(name)
		return 0, fmt.Errorf("download of %s/%s failed: %w", bucket, key, err)
	}
	return n, nil
}
