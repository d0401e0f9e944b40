package links

import (
	"context"
	"strings"
	"testing"

	"github.com/wheelproxy/wheelproxy"
	"github.com/wheelproxy/wheelproxy/pkg/blobstore/file"
	"github.com/wheelproxy/wheelproxy/pkg/store/memory"
)

func newTestService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()

	blobs, err := file.NewTempStore()
	if err != nil {
		t.Fatalf("test setup: %v", err)
	}

	metadata := memory.New()
	s, err := New(Config{Metadata: metadata, Blobs: blobs})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return s, metadata
}

func Test_LinksRedirectsNonCanonicalName(t *testing.T) {
	t.Parallel()

	s, _ := newTestService(t)

	result, err := s.Links(context.Background(), []string{"pypi"}, "linux-x86_64-cp311", "Flask.API", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.RedirectNeeded {
		t.Fatal("expected redirect")
	}
	if result.Canonical != "flask-api" {
		t.Fatalf("unexpected canonical name: %s", result.Canonical)
	}
}

func Test_LinksNotFound(t *testing.T) {
	t.Parallel()

	s, _ := newTestService(t)

	_, err := s.Links(context.Background(), []string{"pypi"}, "linux-x86_64-cp311", "missing", false)
	if err == nil {
		t.Fatal("expected error")
	}
	if !wrapsPackageNotFound(err) {
		t.Fatalf("expected ErrPackageNotFound, got %v", err)
	}
}

func wrapsPackageNotFound(err error) bool {
	we, ok := wheelproxy.AsError(err)
	if !ok {
		return false
	}
	return we.Is(wheelproxy.ErrPackageNotFound)
}

func Test_LinksOrdersDescendingAndDeduplicatesAcrossIndexes(t *testing.T) {
	t.Parallel()

	s, metadata := newTestService(t)
	ctx := context.Background()

	if err := metadata.PutPackage(ctx, wheelproxy.Package{Name: "flask", NormalizedName: "flask", Index: "private"}); err != nil {
		t.Fatalf("test setup: %v", err)
	}
	if err := metadata.PutPackage(ctx, wheelproxy.Package{Name: "flask", NormalizedName: "flask", Index: "pypi"}); err != nil {
		t.Fatalf("test setup: %v", err)
	}

	// private has 2.0.1 (takes priority on conflict) and 1.0.0 only-here;
	// pypi has 2.0.1 (should be shadowed) and 2.1.0.
	for _, r := range []wheelproxy.Release{
		{Package: "private/flask", Version: "2.0.1", URL: "http://private/flask-2.0.1.tar.gz", MD5Digest: "priv201"},
		{Package: "private/flask", Version: "1.0.0", URL: "http://private/flask-1.0.0.tar.gz", MD5Digest: "priv100"},
		{Package: "pypi/flask", Version: "2.0.1", URL: "http://pypi/flask-2.0.1.tar.gz", MD5Digest: "pypi201"},
		{Package: "pypi/flask", Version: "2.1.0", URL: "http://pypi/flask-2.1.0.tar.gz", MD5Digest: "pypi210"},
	} {
		if err := metadata.PutRelease(ctx, r); err != nil {
			t.Fatalf("test setup: %v", err)
		}
	}

	result, err := s.Links(ctx, []string{"private", "pypi"}, "linux-x86_64-cp311", "flask", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(result.Listing.Entries) != 3 {
		t.Fatalf("expected 3 deduplicated entries, got %d: %+v", len(result.Listing.Entries), result.Listing.Entries)
	}

	versions := make([]string, len(result.Listing.Entries))
	for i, e := range result.Listing.Entries {
		versions[i] = e.Version
	}
	// Each index's releases are listed in descending order, indexes in
	// priority order: private's 2.0.1 and 1.0.0, then pypi's 2.1.0.
	want := []string{"2.0.1", "1.0.0", "2.1.0"}
	for i := range want {
		if versions[i] != want[i] {
			t.Fatalf("unexpected version order: %v", versions)
		}
	}

	for _, e := range result.Listing.Entries {
		if e.Version == "2.0.1" && e.Digest != "priv201" {
			t.Fatalf("expected private index to win the 2.0.1 conflict, got digest %s", e.Digest)
		}
	}
}

func Test_RenderProducesAnchorPerEntry(t *testing.T) {
	t.Parallel()

	listing := Listing{
		CanonicalName: "flask",
		Entries: []Entry{
			{Version: "2.1.0", URL: "http://upstream/flask-2.1.0.tar.gz", Digest: "abc"},
		},
	}

	rendered := Render(listing)
	if !strings.Contains(rendered, "flask-2.1.0") {
		t.Fatalf("expected rendered listing to mention flask-2.1.0: %s", rendered)
	}
	if !strings.Contains(rendered, "#md5=abc") {
		t.Fatalf("expected rendered listing to carry the md5 fragment: %s", rendered)
	}
}
