package cloud

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// BucketHeader is the subset of the S3 API used to check a bucket.
type BucketHeader interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// CheckBucket verifies the data repository bucket exists and is reachable
// with the current credentials.
func CheckBucket(ctx context.Context, client BucketHeader, bucket string) error {
	_, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	return WrapError("s3", "HeadBucket", bucket, err)
}
