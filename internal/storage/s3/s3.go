// Package s3 keeps submitted source code in object storage
package s3

import (
	"context"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const bucketSetupTimeout = 5 * time.Second

// Options locates the object store and the bucket submissions go to
type Options struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	// Region is sent on bucket creation, blank lets the server pick
	Region string
	UseSSL bool
	Bucket string
}

// Buckets is the slice of the minio client bucket setup needs
type Buckets interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
}

// Connect builds the client and makes sure the submissions bucket is there
func Connect(ctx context.Context, opts Options) (*minio.Client, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKeyID, opts.SecretAccessKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	if err := EnsureBucket(ctx, client, opts.Bucket, opts.Region); err != nil {
		return nil, err
	}
	return client, nil
}

// EnsureBucket creates the bucket unless it exists. Several processes may
// race to create it on a fresh deployment; losing that race is fine.
func EnsureBucket(ctx context.Context, buckets Buckets, bucket, region string) error {
	ctx, cancel := context.WithTimeout(ctx, bucketSetupTimeout)
	defer cancel()

	exists, err := buckets.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("failed to look up bucket %q: %w", bucket, err)
	}
	if exists {
		return nil
	}

	err = buckets.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region})
	if err == nil {
		return nil
	}
	switch minio.ToErrorResponse(err).Code {
	case "BucketAlreadyOwnedByYou", "BucketAlreadyExists":
		return nil
	}
	return fmt.Errorf("failed to create bucket %q: %w", bucket, err)
}
