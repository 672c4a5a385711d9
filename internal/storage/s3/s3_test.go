package s3

import (
	"context"
	"errors"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBuckets struct {
	exists    bool
	lookupErr error
	makeErr   error

	made   []string
	region string
}

func (f *fakeBuckets) BucketExists(context.Context, string) (bool, error) {
	return f.exists, f.lookupErr
}

func (f *fakeBuckets) MakeBucket(_ context.Context, bucketName string, opts minio.MakeBucketOptions) error {
	f.made = append(f.made, bucketName)
	f.region = opts.Region
	return f.makeErr
}

func TestEnsureBucket(t *testing.T) {
	ctx := context.Background()

	t.Run("creates a missing bucket in the region", func(t *testing.T) {
		b := &fakeBuckets{}
		require.NoError(t, EnsureBucket(ctx, b, "submissions", "eu-central-1"))
		assert.Equal(t, []string{"submissions"}, b.made)
		assert.Equal(t, "eu-central-1", b.region)
	})

	t.Run("leaves an existing bucket alone", func(t *testing.T) {
		b := &fakeBuckets{exists: true}
		require.NoError(t, EnsureBucket(ctx, b, "submissions", ""))
		assert.Empty(t, b.made)
	})

	t.Run("another process created it first", func(t *testing.T) {
		b := &fakeBuckets{makeErr: minio.ErrorResponse{Code: "BucketAlreadyOwnedByYou", StatusCode: 409}}
		assert.NoError(t, EnsureBucket(ctx, b, "submissions", ""))
	})

	t.Run("lookup fails", func(t *testing.T) {
		b := &fakeBuckets{lookupErr: errors.New("dial tcp: connection refused")}
		err := EnsureBucket(ctx, b, "submissions", "")
		assert.ErrorContains(t, err, `failed to look up bucket "submissions"`)
		assert.Empty(t, b.made)
	})

	t.Run("create fails", func(t *testing.T) {
		b := &fakeBuckets{makeErr: minio.ErrorResponse{Code: "AccessDenied", StatusCode: 403}}
		assert.ErrorContains(t, EnsureBucket(ctx, b, "submissions", ""), `failed to create bucket "submissions"`)
	})
}
