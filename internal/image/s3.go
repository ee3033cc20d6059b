package image

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"

	"bmc-flashd/internal/logctx"
	"bmc-flashd/internal/security"
)

// ObjectGetter is the part of the S3 API the fetcher uses.
type ObjectGetter interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Fetcher downloads image archives from a bucket into the upload directory, where
// the watcher picks them up.
type S3Fetcher struct {
	client   ObjectGetter
	bucket   string
	security *security.Config
}

// NewS3Fetcher builds a fetcher from the default AWS configuration. Without usable
// credentials it falls back to anonymous access for public buckets.
func NewS3Fetcher(ctx context.Context, bucket, region string, sec *security.Config) (*S3Fetcher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		cfg = aws.Config{
			Region:      region,
			Credentials: aws.AnonymousCredentials{},
		}
	} else {
		creds, err := cfg.Credentials.Retrieve(ctx)
		if err != nil || creds.AccessKeyID == "" {
			cfg.Credentials = aws.AnonymousCredentials{}
		}
	}
	return NewS3FetcherWithClient(s3.NewFromConfig(cfg), bucket, sec), nil
}

func NewS3FetcherWithClient(client ObjectGetter, bucket string, sec *security.Config) *S3Fetcher {
	return &S3Fetcher{client: client, bucket: bucket, security: sec}
}

// Fetch downloads key into dir and returns the local path. When expectedSHA256 is set
// the download is rejected unless it matches. The file only appears under its final
// name once complete.
func (f *S3Fetcher) Fetch(ctx context.Context, key, dir, expectedSHA256 string) (string, error) {
	logger := logctx.GetLogger(ctx).WithFields(logrus.Fields{
		"bucket": f.bucket,
		"s3_key": key,
	})

	if err := f.security.ValidateObjectKey(key); err != nil {
		return "", err
	}

	head, err := f.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get object metadata: %w", err)
	}
	if head.ContentLength == nil {
		return "", fmt.Errorf("content length not available")
	}
	if err := f.security.ValidateFileSize(*head.ContentLength, "tar"); err != nil {
		return "", err
	}
	if err := security.CheckFreeSpace(ctx, dir, uint64(*head.ContentLength)); err != nil {
		return "", err
	}

	localPath := filepath.Join(dir, filepath.Base(key))
	// Hidden while downloading so the watcher ignores the partial file.
	tmpFile, err := os.CreateTemp(dir, ".fetch-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		tmpFile.Close()
		os.Remove(tmpPath)
	}()

	logger.Info("starting S3 download")
	resp, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get S3 object: %w", err)
	}
	defer resp.Body.Close()

	hasher := sha256.New()
	limit := *head.ContentLength + 1
	written, err := io.Copy(io.MultiWriter(tmpFile, hasher), io.LimitReader(resp.Body, limit))
	if err != nil {
		return "", fmt.Errorf("failed to download object: %w", err)
	}
	if written != *head.ContentLength {
		return "", fmt.Errorf("downloaded %d bytes, expected %d", written, *head.ContentLength)
	}
	if err := tmpFile.Sync(); err != nil {
		return "", fmt.Errorf("failed to sync file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return "", fmt.Errorf("failed to close file: %w", err)
	}

	checksum := hex.EncodeToString(hasher.Sum(nil))
	if expectedSHA256 != "" && !strings.EqualFold(checksum, expectedSHA256) {
		return "", fmt.Errorf("checksum mismatch: expected %s, got %s", expectedSHA256, checksum)
	}

	if err := os.Rename(tmpPath, localPath); err != nil {
		return "", fmt.Errorf("failed to move file to final location: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"bytes_downloaded": written,
		"sha256":           checksum,
		"path":             localPath,
	}).Info("download completed")
	return localPath, nil
}
