package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/wheelproxy/wheelproxy"
	"github.com/wheelproxy/wheelproxy/pkg/blobstore"
)

// ServerConfig configures a Server.
type ServerConfig struct {
	Store blobstore.BlobStore
	Log   *slog.Logger
}

// Server exposes a blobstore.BlobStore over HTTP: GET /{id} returns a
// blob's metadata, POST /{id} stores the request body under id. The id is
// the whole request path after its leading '/', so a Server mounted under a
// path prefix needs http.StripPrefix; cmd/blobserver serves it at the root.
type Server struct {
	store blobstore.BlobStore
	log   *slog.Logger
}

// NewServer creates a Server.
func NewServer(config ServerConfig) *Server {
	log := config.Log
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	}
	return &Server{store: config.Store, log: log}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := Response{}
	w.Header().Set("Content-Type", "application/json")

	defer func() {
		if resp.Error != nil {
			s.log.Error(resp.Error.Error())
		}
		_ = json.NewEncoder(w).Encode(resp) //nolint:errchkjson
	}()

	id := strings.TrimPrefix(r.URL.Path, "/")
	if id == "" {
		w.WriteHeader(http.StatusBadRequest)
		resp.Error = wheelproxy.NewWrappedError(ErrInvalidRequest, errors.New("missing object id"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		blob, err := s.store.Get(r.Context(), id)
		if err != nil {
			if errors.Is(err, blobstore.ErrObjectNotFound) {
				w.WriteHeader(http.StatusNotFound)
			} else {
				w.WriteHeader(http.StatusInternalServerError)
			}
			resp.Error = wheelproxy.NewWrappedError(ErrStoreAccess, err)
			return
		}
		resp.Blob = blob
		w.WriteHeader(http.StatusOK)
	case http.MethodPost:
		blob, err := s.store.Put(r.Context(), id, r.Body)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			resp.Error = wheelproxy.NewWrappedError(ErrStoreAccess, err)
			return
		}
		resp.Blob = blob
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		resp.Error = wheelproxy.NewWrappedError(ErrInvalidRequest, errors.New("method not allowed"))
	}
}
