// Package server wires the proxy's components behind the HTTP surface of
// spec §6: link listing (C7), download redirection (C8) and the
// resolver's compile/resolve endpoints (C9), plus a health check and a
// Prometheus metrics endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wheelproxy/wheelproxy"
	"github.com/wheelproxy/wheelproxy/pkg/download"
	"github.com/wheelproxy/wheelproxy/pkg/links"
	"github.com/wheelproxy/wheelproxy/pkg/resolver"
	"github.com/wheelproxy/wheelproxy/pkg/store"
)

// platformLookup is the narrow capability the server needs to turn a
// platform slug in a URL into the Platform the resolver operates against.
type platformLookup interface {
	GetPlatform(ctx context.Context, slug string) (wheelproxy.Platform, error)
}

// compiledRequirementsStore is the narrow capability the server needs to
// create the CompiledRequirements row a `/compile` request resolves
// against.
type compiledRequirementsStore interface {
	PutCompiledRequirements(ctx context.Context, key string, c wheelproxy.CompiledRequirements) error
	GetCompiledRequirements(ctx context.Context, key string) (wheelproxy.CompiledRequirements, error)
}

// Config configures a Handler.
type Config struct {
	Links     *links.Service
	Downloads *download.Service
	Resolver  *resolver.Service
	Metadata  interface {
		platformLookup
		compiledRequirementsStore
	}
	Log *slog.Logger
}

// Handler is the proxy's top-level HTTP surface.
type Handler struct {
	links     *links.Service
	downloads *download.Service
	resolv    *resolver.Service
	metadata  interface {
		platformLookup
		compiledRequirementsStore
	}
	log *slog.Logger

	mux *http.ServeMux
}

// New builds a Handler with every route of spec §6 registered.
func New(config Config) *Handler {
	log := config.Log
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	}

	h := &Handler{
		links:     config.Links,
		downloads: config.Downloads,
		resolv:    config.Resolver,
		metadata:  config.Metadata,
		log:       log,
		mux:       http.NewServeMux(),
	}

	h.mux.HandleFunc("GET /d/{indexes}/{platform}/{pkg}/", h.handleListing)
	h.mux.HandleFunc("GET /d/{indexes}/{platform}/{pkg}/{version}/download/{buildID}/{filename}", h.handleDownload)
	h.mux.HandleFunc("POST /d/{indexes}/{platform}/compile", h.handleCompile)
	h.mux.HandleFunc("POST /d/{indexes}/{platform}/resolve", h.handleResolve)
	h.mux.HandleFunc("GET /healthz", h.handleHealth)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// splitIndexes splits the path segment spec §6 calls `index_slugs =
// slug('+'slug)*` into its priority-ordered components.
func splitIndexes(raw string) []string {
	return strings.Split(raw, "+")
}

func (h *Handler) handleListing(w http.ResponseWriter, r *http.Request) {
	indexSlugs := splitIndexes(r.PathValue("indexes"))
	platformSlug := r.PathValue("platform")
	requestedName := r.PathValue("pkg")
	cacheOff := r.URL.Query().Get("cache") == "off"

	result, err := h.links.Links(r.Context(), indexSlugs, platformSlug, requestedName, cacheOff)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if result.RedirectNeeded {
		location := fmt.Sprintf("/d/%s/%s/%s/", r.PathValue("indexes"), platformSlug, result.Canonical)
		http.Redirect(w, r, location, http.StatusMovedPermanently)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, links.Render(result.Listing))
}

func (h *Handler) handleDownload(w http.ResponseWriter, r *http.Request) {
	packageKey := fmt.Sprintf("%s/%s", strings.SplitN(r.PathValue("indexes"), "+", 2)[0], wheelproxy.Normalize(r.PathValue("pkg")))
	version := r.PathValue("version")
	buildID := r.PathValue("buildID")
	platformSlug := r.PathValue("platform")

	outcome, err := h.downloads.Download(r.Context(), buildID, packageKey, version, platformSlug)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if outcome.Redirect {
		http.Redirect(w, r, outcome.URL, http.StatusFound)
		return
	}

	defer func() { _ = outcome.Proxy.Close() }()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(outcome.Filesize, 10))
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, outcome.Proxy)
}

func (h *Handler) handleCompile(w http.ResponseWriter, r *http.Request) {
	indexSlugs := splitIndexes(r.PathValue("indexes"))
	platformSlug := r.PathValue("platform")
	ctx := r.Context()

	if _, err := h.metadata.GetPlatform(ctx, platformSlug); err != nil {
		h.writeError(w, err)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, fmt.Sprintf("reading request body: %s", err), http.StatusBadRequest)
		return
	}

	key := uuid.NewString()
	if err := h.metadata.PutCompiledRequirements(ctx, key, wheelproxy.CompiledRequirements{
		Platform: platformSlug,
		Indexes:  indexSlugs,
		Input:    string(body),
		Status:   "pending",
	}); err != nil {
		h.writeError(w, err)
		return
	}

	// The compile endpoint is synchronous from the client's perspective
	// (spec §9's "enqueue job -> wait -> read row" note); the task runtime
	// adapter's KindCompile handler exercises the exact same
	// resolver.Service.Compile for a queue-driven retry of this same row.
	compileErr := h.resolv.Compile(ctx, key)

	row, err := h.metadata.GetCompiledRequirements(ctx, key)
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if compileErr != nil {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, row.Log)
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, row.Output)
}

func (h *Handler) handleResolve(w http.ResponseWriter, r *http.Request) {
	indexSlugs := splitIndexes(r.PathValue("indexes"))
	platformSlug := r.PathValue("platform")
	ctx := r.Context()

	platform, err := h.metadata.GetPlatform(ctx, platformSlug)
	if err != nil {
		h.writeError(w, err)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, fmt.Sprintf("reading request body: %s", err), http.StatusBadRequest)
		return
	}

	output, err := h.resolv.Resolve(ctx, indexSlugs, platform, string(body))
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, output)
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "ok")
}

// writeError maps a wheelproxy sentinel error kind to the HTTP status codes
// spec §6/§7 call for: not-found kinds to 404, every other known kind
// (the resolver's, and BuildFailed surfaced as a download-path fallback
// failure) to 400 with the error text, anything unrecognized to 500.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	we, ok := wheelproxy.AsError(err)
	if ok {
		switch {
		case we.Is(wheelproxy.ErrPackageNotFound), we.Is(wheelproxy.ErrNotFound), errors.Is(err, store.ErrNotFound):
			status = http.StatusNotFound
		case we.Is(wheelproxy.ErrUnsatisfiedDependency),
			we.Is(wheelproxy.ErrIncompatibleRequirements),
			we.Is(wheelproxy.ErrCompilationDidNotConverge),
			we.Is(wheelproxy.ErrBuildFailed):
			status = http.StatusBadRequest
		}
	}

	h.log.Error("request failed", "error", err, "status", status)
	http.Error(w, err.Error(), status)
}
