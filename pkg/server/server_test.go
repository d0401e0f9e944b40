package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/wheelproxy/wheelproxy"
	"github.com/wheelproxy/wheelproxy/pkg/blobstore/file"
	"github.com/wheelproxy/wheelproxy/pkg/download"
	"github.com/wheelproxy/wheelproxy/pkg/links"
	"github.com/wheelproxy/wheelproxy/pkg/lock"
	"github.com/wheelproxy/wheelproxy/pkg/resolver"
	"github.com/wheelproxy/wheelproxy/pkg/store/memory"
)

type fakeRebuilder struct{}

func (fakeRebuilder) Rebuild(_ context.Context, releaseKey string, _ wheelproxy.Release, platform wheelproxy.Platform, _ bool) (wheelproxy.Build, error) {
	return wheelproxy.Build{Release: releaseKey, Platform: platform.Slug, ArtifactKey: "artifact/" + releaseKey + "@" + platform.Slug}, nil
}

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	ctx := context.Background()

	metadata := memory.New()
	blobs, err := file.NewTempStore()
	if err != nil {
		t.Fatalf("test setup: %v", err)
	}

	if err := metadata.PutPlatform(ctx, wheelproxy.Platform{Slug: "linux-x64"}); err != nil {
		t.Fatalf("test setup: %v", err)
	}
	if err := metadata.PutPackage(ctx, wheelproxy.Package{Name: "Flask", NormalizedName: "flask", Index: "pypi"}); err != nil {
		t.Fatalf("test setup: %v", err)
	}
	if err := metadata.PutRelease(ctx, wheelproxy.Release{Package: "pypi/flask", Version: "2.0.1", URL: "http://upstream/flask-2.0.1.tar.gz"}); err != nil {
		t.Fatalf("test setup: %v", err)
	}

	linksSvc, err := links.New(links.Config{Metadata: metadata, Blobs: blobs})
	if err != nil {
		t.Fatalf("test setup: %v", err)
	}
	downloadsSvc, err := download.New(download.Config{Metadata: metadata, Blobs: blobs})
	if err != nil {
		t.Fatalf("test setup: %v", err)
	}
	resolverSvc, err := resolver.New(resolver.Config{
		Metadata: metadata,
		Builder:  fakeRebuilder{},
		Blobs:    blobs,
		Locks:    lock.NewMemoryLock(),
	})
	if err != nil {
		t.Fatalf("test setup: %v", err)
	}

	return New(Config{
		Links:     linksSvc,
		Downloads: downloadsSvc,
		Resolver:  resolverSvc,
		Metadata:  metadata,
	})
}

func Test_ListingRedirectsOnNonCanonicalName(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/d/pypi/linux-x64/Flask.API/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusMovedPermanently {
		t.Fatalf("expected 301, got %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/d/pypi/linux-x64/flask-api/" {
		t.Fatalf("unexpected redirect location: %s", loc)
	}
}

func Test_ListingRendersCanonicalName(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/d/pypi/linux-x64/flask/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "flask-2.0.1") {
		t.Fatalf("expected listing to mention flask-2.0.1, got: %s", rec.Body.String())
	}
}

func Test_ListingUnknownPackageIs404(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/d/pypi/linux-x64/unknown/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func Test_DownloadRedirectsToUpstreamWhenUnbuilt(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/d/pypi/linux-x64/flask/2.0.1/download/42/flask-2.0.1.tar.gz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d: %s", rec.Code, rec.Body.String())
	}
	if loc := rec.Header().Get("Location"); loc != "http://upstream/flask-2.0.1.tar.gz" {
		t.Fatalf("unexpected redirect location: %s", loc)
	}
}

func Test_CompileReturnsPinnedOutput(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/d/pypi/linux-x64/compile", strings.NewReader("flask==2.0.1\n"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "flask==2.0.1\n" {
		t.Fatalf("unexpected body: %q", rec.Body.String())
	}
}

func Test_CompileRejectsIncompatibleRequirements(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t)

	body := "flask @ https://example.com/flask-2.0.1.tar.gz\nflask==2.0.1\n"
	req := httptest.NewRequest(http.MethodPost, "/d/pypi/linux-x64/compile", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "incompatible requirements") {
		t.Fatalf("expected log to mention incompatible requirements, got: %s", rec.Body.String())
	}
}

func Test_ResolvePassesThroughURLsAndResolvesNames(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t)

	body := "https://example.com/pkg.tar.gz\nflask==2.0.1\n"
	req := httptest.NewRequest(http.MethodPost, "/d/pypi/linux-x64/resolve", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	lines := strings.Split(strings.TrimRight(rec.Body.String(), "\n"), "\n")
	if len(lines) != 2 || lines[0] != "https://example.com/pkg.tar.gz" {
		t.Fatalf("unexpected body: %q", rec.Body.String())
	}
}

func Test_Health(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body, _ := io.ReadAll(rec.Body); string(body) != "ok" {
		t.Fatalf("unexpected body: %s", body)
	}
}
