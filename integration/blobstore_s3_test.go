//go:build integration
// +build integration

package integration

import (
	"bytes"
	"context"
	"io"
	"testing"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/localstack"

	"github.com/wheelproxy/wheelproxy/pkg/blobstore/s3"
)

// Test_S3BlobStore exercises the Blob Store's S3 backend against a
// localstack container, the same way the S3-backed distributed lock is
// expected to be exercised (§ DOMAIN STACK).
func Test_S3BlobStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	container, err := localstack.Run(ctx, "localstack/localstack:3.0")
	if err != nil {
		t.Fatalf("starting localstack: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("terminating localstack: %v", err)
		}
	})

	endpoint, err := container.PortEndpoint(ctx, "4566/tcp", "http")
	if err != nil {
		t.Fatalf("resolving localstack endpoint: %v", err)
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("us-east-1"),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("test", "test", "")),
	)
	if err != nil {
		t.Fatalf("loading aws config: %v", err)
	}

	client := awss3.NewFromConfig(cfg, func(o *awss3.Options) {
		o.BaseEndpoint = &endpoint
		o.UsePathStyle = true
	})

	const bucket = "wheelproxy-artifacts"
	if _, err := client.CreateBucket(ctx, &awss3.CreateBucketInput{Bucket: &bucket}); err != nil {
		t.Fatalf("creating bucket: %v", err)
	}

	store, err := s3.New(s3.Config{Client: client, Bucket: bucket})
	if err != nil {
		t.Fatalf("creating s3 blob store: %v", err)
	}

	id := "linux-x86_64-cp311/flask/2.0.1/flask-2.0.1-py3-none-any.whl"
	content := []byte("wheel contents")

	blob, err := store.Put(ctx, id, bytes.NewReader(content))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if blob.ID != id {
		t.Fatalf("expected id %q, got %q", id, blob.ID)
	}

	got, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	reader, err := store.Download(ctx, got)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	defer reader.Close() //nolint:errcheck

	downloaded, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("reading download: %v", err)
	}
	if !bytes.Equal(downloaded, content) {
		t.Fatalf("expected %q, got %q", content, downloaded)
	}
}
