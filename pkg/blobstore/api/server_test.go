package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/wheelproxy/wheelproxy/pkg/blobstore/file"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	store, err := file.NewTempStore()
	if err != nil {
		t.Fatalf("test setup: %v", err)
	}

	return NewServer(ServerConfig{Store: store})
}

func Test_ServerGetMissingObjectIs404(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/pypi/flask/2.0.1/flask-2.0.1.tar.gz", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Error == nil {
		t.Fatal("expected an error in the response")
	}
}

func Test_ServerPutThenGetRoundTrips(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	id := "pypi/flask/2.0.1/flask-2.0.1.tar.gz"
	content := "wheel contents"

	putReq := httptest.NewRequest(http.MethodPost, "/"+id, strings.NewReader(content))
	putRec := httptest.NewRecorder()
	s.ServeHTTP(putRec, putReq)

	if putRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", putRec.Code, putRec.Body.String())
	}

	var putResp Response
	if err := json.NewDecoder(putRec.Body).Decode(&putResp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if putResp.Error != nil {
		t.Fatalf("unexpected error: %v", putResp.Error)
	}
	if putResp.Blob.ID != id {
		t.Fatalf("unexpected blob id: %s", putResp.Blob.ID)
	}
	if putResp.Blob.Filesize != int64(len(content)) {
		t.Fatalf("unexpected filesize: %d", putResp.Blob.Filesize)
	}

	getReq := httptest.NewRequest(http.MethodGet, "/"+id, nil)
	getRec := httptest.NewRecorder()
	s.ServeHTTP(getRec, getReq)

	if getRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", getRec.Code, getRec.Body.String())
	}

	var getResp Response
	if err := json.NewDecoder(getRec.Body).Decode(&getResp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if getResp.Blob.Checksum != putResp.Blob.Checksum {
		t.Fatalf("checksum mismatch: got %s want %s", getResp.Blob.Checksum, putResp.Blob.Checksum)
	}
}

func Test_ServerMissingIDIs400(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func Test_ServerRejectsUnsupportedMethod(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodDelete, "/pypi/flask/2.0.1/flask-2.0.1.tar.gz", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}
