// Package cloudtest provides helpers for AWS integration tests against moto.
//
// The helpers build the same cloud.Clients the CLI uses, pointed at a local
// moto server, so provisioners, parameter sources and bucket checks run
// without real AWS credentials. Tests using this package should be tagged
// with //go:build cloudintegration.
//
// Usage:
//
//	func TestVolumeLifecycle(t *testing.T) {
//	    cloudtest.SkipIfUnavailable(t)
//	    clients := cloudtest.ClientsT(t)
//	    subnet := cloudtest.DefaultSubnet(t, ctx)
//	    // ... test code ...
//	}
package cloudtest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/3leaps/hpcflow/pkg/cloud"
)

const (
	// DefaultEndpoint is the default moto server endpoint.
	// Port 5555 avoids conflict with macOS AirTunes on 5000.
	DefaultEndpoint = "http://localhost:5555"

	// DefaultRegion is the default AWS region for tests.
	DefaultRegion = "us-east-1"

	// TestAccessKeyID is the access key used for moto (accepts any).
	TestAccessKeyID = "testing"

	// TestSecretAccessKey is the secret key used for moto (accepts any).
	TestSecretAccessKey = "testing"
)

var (
	// Endpoint is the moto server endpoint, configurable via MOTO_ENDPOINT env var.
	Endpoint = getEnvOrDefault("MOTO_ENDPOINT", DefaultEndpoint)

	// Region is the AWS region for tests, configurable via MOTO_REGION env var.
	Region = getEnvOrDefault("MOTO_REGION", DefaultRegion)

	clients     *cloud.Clients
	clientsOnce sync.Once
	clientsErr  error
)

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// Config returns the cloud configuration pointing at moto.
func Config() cloud.Config {
	return cloud.Config{
		Region:          Region,
		Endpoint:        Endpoint,
		AccessKeyID:     TestAccessKeyID,
		SecretAccessKey: TestSecretAccessKey,
		// moto answers instantly; don't throttle tests.
		PollRate: 1000,
	}
}

// Available checks if the moto server is reachable.
func Available() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, Endpoint+"/moto-api/", nil)
	if err != nil {
		return false
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	return resp.StatusCode == http.StatusOK
}

// SkipIfUnavailable skips the test if moto server is not available.
func SkipIfUnavailable(t *testing.T) {
	t.Helper()
	if !Available() {
		t.Skipf("moto server not available at %s (start with: make moto-start)", Endpoint)
	}
}

// Reset clears all moto state. Call this between tests for isolation.
func Reset(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, Endpoint+"/moto-api/reset", nil)
	if err != nil {
		return fmt.Errorf("create reset request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("reset request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("reset returned status %d", resp.StatusCode)
	}

	return nil
}

// ResetT resets moto state, failing the test on error.
func ResetT(t *testing.T, ctx context.Context) {
	t.Helper()
	if err := Reset(ctx); err != nil {
		t.Fatalf("failed to reset moto: %v", err)
	}
}

// Clients returns shared service clients configured for moto.
func Clients() (*cloud.Clients, error) {
	clientsOnce.Do(func() {
		clients, clientsErr = cloud.NewClients(context.Background(), Config())
	})
	return clients, clientsErr
}

// ClientsT returns the clients, failing the test on error.
func ClientsT(t *testing.T) *cloud.Clients {
	t.Helper()
	c, err := Clients()
	if err != nil {
		t.Fatalf("failed to create AWS clients: %v", err)
	}
	return c
}

// uniqueName derives a resource name from the test name.
func uniqueName(t *testing.T, maxLen int) string {
	name := strings.ToLower(t.Name())
	name = strings.ReplaceAll(name, "/", "-")
	name = strings.ReplaceAll(name, "_", "-")
	if len(name) > maxLen {
		name = name[:maxLen]
	}
	return fmt.Sprintf("%s-%d", name, time.Now().UnixNano()%100000)
}

// CreateBucket creates a test bucket with a unique name and registers cleanup.
func CreateBucket(t *testing.T, ctx context.Context) string {
	t.Helper()

	c := ClientsT(t).S3
	name := uniqueName(t, 50)

	_, err := c.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(name),
	})
	if err != nil {
		t.Fatalf("failed to create bucket %s: %v", name, err)
	}

	t.Cleanup(func() {
		DeleteBucket(t, context.Background(), name)
	})

	return name
}

// DeleteBucket deletes a bucket and all its contents.
func DeleteBucket(t *testing.T, ctx context.Context, bucket string) {
	t.Helper()

	c := ClientsT(t).S3

	paginator := s3.NewListObjectsV2Paginator(c, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			t.Logf("warning: failed to list objects in bucket %s: %v", bucket, err)
			return
		}

		for _, obj := range page.Contents {
			_, err := c.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(bucket),
				Key:    obj.Key,
			})
			if err != nil {
				t.Logf("warning: failed to delete object %s: %v", *obj.Key, err)
			}
		}
	}

	_, err := c.DeleteBucket(ctx, &s3.DeleteBucketInput{
		Bucket: aws.String(bucket),
	})
	if err != nil {
		t.Logf("warning: failed to delete bucket %s: %v", bucket, err)
	}
}

// PutObject uploads an object to the bucket.
func PutObject(t *testing.T, ctx context.Context, bucket, key string, content []byte) {
	t.Helper()

	_, err := ClientsT(t).S3.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   strings.NewReader(string(content)),
	})
	if err != nil {
		t.Fatalf("failed to put object %s/%s: %v", bucket, key, err)
	}
}

// CreateSecret stores values as a JSON secret and returns its name.
func CreateSecret(t *testing.T, ctx context.Context, values map[string]string) string {
	t.Helper()

	body, err := json.Marshal(values)
	if err != nil {
		t.Fatalf("failed to encode secret: %v", err)
	}

	name := uniqueName(t, 40)
	_, err = ClientsT(t).SecretsManager.CreateSecret(ctx, &secretsmanager.CreateSecretInput{
		Name:         aws.String(name),
		SecretString: aws.String(string(body)),
	})
	if err != nil {
		t.Fatalf("failed to create secret %s: %v", name, err)
	}

	t.Cleanup(func() {
		_, _ = ClientsT(t).SecretsManager.DeleteSecret(context.Background(), &secretsmanager.DeleteSecretInput{
			SecretId:                   aws.String(name),
			ForceDeleteWithoutRecovery: aws.Bool(true),
		})
	})

	return name
}

// DefaultSubnet returns the id of a subnet in moto's default VPC.
func DefaultSubnet(t *testing.T, ctx context.Context) string {
	t.Helper()

	out, err := ClientsT(t).EC2.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{})
	if err != nil {
		t.Fatalf("failed to describe subnets: %v", err)
	}
	if len(out.Subnets) == 0 {
		t.Fatal("moto returned no subnets")
	}
	return aws.ToString(out.Subnets[0].SubnetId)
}
