package download

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/wheelproxy/wheelproxy"
	"github.com/wheelproxy/wheelproxy/pkg/blobstore/file"
	"github.com/wheelproxy/wheelproxy/pkg/store/memory"
	"github.com/wheelproxy/wheelproxy/pkg/tasks"
)

type fakeQueue struct {
	enqueued []tasks.Task
}

func (q *fakeQueue) Enqueue(_ context.Context, t tasks.Task) error {
	q.enqueued = append(q.enqueued, t)
	return nil
}

func seedRelease(t *testing.T, metadata *memory.Store) {
	t.Helper()
	ctx := context.Background()

	if err := metadata.PutPackage(ctx, wheelproxy.Package{Name: "flask", NormalizedName: "flask", Index: "pypi"}); err != nil {
		t.Fatalf("test setup: %v", err)
	}
	if err := metadata.PutRelease(ctx, wheelproxy.Release{
		Package:   "pypi/flask",
		Version:   "2.0.1",
		URL:       "http://pypi/flask-2.0.1.tar.gz",
		MD5Digest: "upstreamdigest",
	}); err != nil {
		t.Fatalf("test setup: %v", err)
	}
}

func Test_DownloadNotBuiltRedirectsUpstreamAndEnqueues(t *testing.T) {
	t.Parallel()

	blobs, err := file.NewTempStore()
	if err != nil {
		t.Fatalf("test setup: %v", err)
	}
	metadata := memory.New()
	seedRelease(t, metadata)
	queue := &fakeQueue{}

	s, err := New(Config{Metadata: metadata, Blobs: blobs, Queue: queue})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out, err := s.Download(context.Background(), BuildID("pypi/flask/2.0.1", "linux-x86_64-cp311"), "pypi/flask", "2.0.1", "linux-x86_64-cp311")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Redirect || out.URL != "http://pypi/flask-2.0.1.tar.gz" {
		t.Fatalf("expected redirect to upstream url, got %+v", out)
	}
	if len(queue.enqueued) != 1 {
		t.Fatalf("expected a build task to be enqueued, got %d", len(queue.enqueued))
	}
}

func Test_DownloadBuiltStreamsContentByDefault(t *testing.T) {
	t.Parallel()

	blobs, err := file.NewTempStore()
	if err != nil {
		t.Fatalf("test setup: %v", err)
	}
	metadata := memory.New()
	seedRelease(t, metadata)

	blob, err := blobs.Put(context.Background(), "pypi/linux-x86_64-cp311/flask/2.0.1/flask-2.0.1-cp311.whl", bytes.NewReader([]byte("wheel-bytes")))
	if err != nil {
		t.Fatalf("test setup: %v", err)
	}
	if err := metadata.PutBuild(context.Background(), wheelproxy.Build{
		Release:     "pypi/flask/2.0.1",
		Platform:    "linux-x86_64-cp311",
		ArtifactKey: blob.ID,
		MD5Digest:   "builtdigest",
		Filesize:    int64(len("wheel-bytes")),
	}); err != nil {
		t.Fatalf("test setup: %v", err)
	}

	s, err := New(Config{Metadata: metadata, Blobs: blobs})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out, err := s.Download(context.Background(), BuildID("pypi/flask/2.0.1", "linux-x86_64-cp311"), "pypi/flask", "2.0.1", "linux-x86_64-cp311")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Redirect {
		t.Fatalf("expected a direct proxy, got redirect to %s", out.URL)
	}
	if out.Proxy == nil {
		t.Fatal("expected proxy content")
	}
	defer out.Proxy.Close()

	content, err := io.ReadAll(out.Proxy)
	if err != nil {
		t.Fatalf("unexpected error reading proxy content: %v", err)
	}
	if string(content) != "wheel-bytes" {
		t.Fatalf("unexpected content: %s", content)
	}
}

func Test_DownloadBuiltRedirectsWhenAlwaysRedirectConfigured(t *testing.T) {
	t.Parallel()

	blobs, err := file.NewTempStore()
	if err != nil {
		t.Fatalf("test setup: %v", err)
	}
	metadata := memory.New()
	seedRelease(t, metadata)

	blob, err := blobs.Put(context.Background(), "pypi/linux-x86_64-cp311/flask/2.0.1/flask-2.0.1-cp311.whl", bytes.NewReader([]byte("wheel-bytes")))
	if err != nil {
		t.Fatalf("test setup: %v", err)
	}
	if err := metadata.PutBuild(context.Background(), wheelproxy.Build{
		Release:     "pypi/flask/2.0.1",
		Platform:    "linux-x86_64-cp311",
		ArtifactKey: blob.ID,
	}); err != nil {
		t.Fatalf("test setup: %v", err)
	}

	s, err := New(Config{Metadata: metadata, Blobs: blobs, AlwaysRedirectDownloads: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out, err := s.Download(context.Background(), BuildID("pypi/flask/2.0.1", "linux-x86_64-cp311"), "pypi/flask", "2.0.1", "linux-x86_64-cp311")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Redirect || out.URL != blob.URL {
		t.Fatalf("expected redirect to blob url %s, got %+v", blob.URL, out)
	}
}

func Test_DownloadFallsBackToCompositeKeyWhenBuildIDUnknown(t *testing.T) {
	t.Parallel()

	blobs, err := file.NewTempStore()
	if err != nil {
		t.Fatalf("test setup: %v", err)
	}
	metadata := memory.New()
	seedRelease(t, metadata)
	queue := &fakeQueue{}

	s, err := New(Config{Metadata: metadata, Blobs: blobs, Queue: queue})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out, err := s.Download(context.Background(), "garbage-id", "pypi/flask", "2.0.1", "linux-x86_64-cp311")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Redirect || out.URL != "http://pypi/flask-2.0.1.tar.gz" {
		t.Fatalf("expected fallback resolution to the upstream url, got %+v", out)
	}
}

func Test_NewRejectsMissingDependencies(t *testing.T) {
	t.Parallel()

	blobs, err := file.NewTempStore()
	if err != nil {
		t.Fatalf("test setup: %v", err)
	}

	if _, err := New(Config{Blobs: blobs}); err == nil {
		t.Fatal("expected error for missing metadata store")
	}
	if _, err := New(Config{Metadata: memory.New()}); err == nil {
		t.Fatal("expected error for missing blob store")
	}
}
