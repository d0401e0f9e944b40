package devindex

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/wheelproxy/wheelproxy"
)

func Test_ClientGetPackageReleases(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/packages/flask", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{
			"releases": {
				"2.0.1": [
					{"type": "sdist", "url": "http://upstream/flask-2.0.1.tar.gz", "md5_digest": "abc", "filename": "flask-2.0.1.tar.gz"}
				]
			}
		}`))
	})
	mux.HandleFunc("/api/packages/missing", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := New(wheelproxy.BackingIndex{Backend: "dev-index", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	releases, err := client.GetPackageReleases(context.Background(), "flask")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(releases["2.0.1"]) != 1 {
		t.Fatalf("expected one descriptor for 2.0.1, got %d", len(releases["2.0.1"]))
	}
	if releases["2.0.1"][0].Type != "sdist" {
		t.Fatalf("expected sdist, got %s", releases["2.0.1"][0].Type)
	}

	if _, err := client.GetPackageReleases(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for missing package")
	}
}

func Test_ClientIterUpdatedPackages(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/changelog", func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, `[{"package":"flask","serial":10},{"package":"requests","serial":11}]`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := New(wheelproxy.BackingIndex{Backend: "dev-index", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	events, err := client.IterUpdatedPackages(context.Background(), 9)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var got []string
	for e := range events {
		got = append(got, e.Package)
	}

	if len(got) != 2 || got[0] != "flask" || got[1] != "requests" {
		t.Fatalf("unexpected events: %v", got)
	}
}
