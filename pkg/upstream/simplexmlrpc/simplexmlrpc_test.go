package simplexmlrpc

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
	mux.HandleFunc("/simple/flask/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, `{
			"files": [
				{"filename": "flask-2.0.1.tar.gz", "url": "http://upstream/flask-2.0.1.tar.gz", "hashes": {"md5": "abc"}},
				{"filename": "flask-2.0.1-py2.py3-none-any.whl", "url": "http://upstream/flask-2.0.1-py2.py3-none-any.whl", "hashes": {"md5": "def"}}
			]
		}`)
	})
	mux.HandleFunc("/simple/missing/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := New(wheelproxy.BackingIndex{Backend: "simple-xmlrpc", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	releases, err := client.GetPackageReleases(context.Background(), "flask")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(releases["2.0.1"]) != 2 {
		t.Fatalf("expected two descriptors for 2.0.1, got %d", len(releases["2.0.1"]))
	}

	if _, err := client.GetPackageReleases(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for missing package")
	}
}

func Test_ClientIterUpdatedPackages(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/pypi", func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, `<?xml version="1.0"?>
<methodResponse>
  <params>
    <param>
      <value>
        <array>
          <data>
            <value>
              <array>
                <data>
                  <value><string>flask</string></value>
                  <value><int>10</int></value>
                </data>
              </array>
            </value>
            <value>
              <array>
                <data>
                  <value><string>requests</string></value>
                  <value><int>11</int></value>
                </data>
              </array>
            </value>
          </data>
        </array>
      </value>
    </param>
  </params>
</methodResponse>`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := New(wheelproxy.BackingIndex{Backend: "simple-xmlrpc", BaseURL: srv.URL})
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
