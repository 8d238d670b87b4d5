package s3

import (
	"context"
	"os"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"bullywork/pkg/storage/storetest"
)

// Runs against MinIO or any S3-compatible endpoint named by TEST_S3_ENDPOINT.
func TestStore_Contract(t *testing.T) {
	endpoint := os.Getenv("TEST_S3_ENDPOINT")
	if endpoint == "" || os.Getenv("SKIP_INTEGRATION_TESTS") == "true" {
		t.Skip("TEST_S3_ENDPOINT not set")
	}

	ctx := context.Background()
	s, err := New(ctx, Config{
		Region:          "us-west-2",
		Endpoint:        endpoint,
		AccessKeyID:     os.Getenv("TEST_S3_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("TEST_S3_SECRET_ACCESS_KEY"),
	})
	require.NoError(t, err)

	bucket := "bullywork-test-" + uuid.NewString()[:8]
	_, err = s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)})
	require.NoError(t, err)

	storetest.Run(t, s, bucket)
}
