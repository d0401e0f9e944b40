// Package links implements the Link Listing Service (C7): spec §4.4's
// links(index_slugs, platform_slug, requested_name), the handler behind
// GET /d/{index}/{platform}/{package}/.
package links

import (
	"context"
	"errors"
	"fmt"
	"html"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/wheelproxy/wheelproxy"
	"github.com/wheelproxy/wheelproxy/pkg/artifact"
	"github.com/wheelproxy/wheelproxy/pkg/blobstore"
	"github.com/wheelproxy/wheelproxy/pkg/linkcache"
	"github.com/wheelproxy/wheelproxy/pkg/metrics"
	"github.com/wheelproxy/wheelproxy/pkg/store"
	"github.com/wheelproxy/wheelproxy/pkg/tasks"
)

// ErrInitializingService signals a Service could not be built.
var ErrInitializingService = errors.New("initializing link listing service") //nolint:revive

// Entry is one rendered (version, download URL) pair in a Listing.
type Entry struct {
	Version string
	URL     string
	Digest  string
}

// Listing is the result of a successful Links call.
type Listing struct {
	CanonicalName string
	Entries       []Entry
}

// Result is the outcome of a Links call: either a redirect to the
// canonical name (spec §4.4 step 2) or a Listing.
type Result struct {
	Canonical      string
	RedirectNeeded bool
	Listing        Listing
}

// enqueuer is the narrow capability Service needs to schedule a background
// build, consumed as a local interface so this package only needs
// pkg/tasks.Task's shape, not a concrete Pool.
type enqueuer interface {
	Enqueue(ctx context.Context, t tasks.Task) error
}

// Config configures a Service.
type Config struct {
	Metadata store.MetadataStore
	Blobs    blobstore.BlobStore
	Cache    *linkcache.Cache
	Queue    enqueuer
	Metrics  *metrics.Metrics
}

// Service implements the Link Listing Service.
type Service struct {
	metadata store.MetadataStore
	blobs    blobstore.BlobStore
	cache    *linkcache.Cache
	queue    enqueuer
	metrics  *metrics.Metrics
}

// New creates a Service.
func New(config Config) (*Service, error) {
	if config.Metadata == nil {
		return nil, wheelproxy.NewWrappedError(ErrInitializingService, errors.New("metadata store cannot be nil"))
	}
	if config.Blobs == nil {
		return nil, wheelproxy.NewWrappedError(ErrInitializingService, errors.New("blob store cannot be nil"))
	}

	m := config.Metrics
	if m == nil {
		m = metrics.New()
	}

	return &Service{
		metadata: config.Metadata,
		blobs:    config.Blobs,
		cache:    config.Cache,
		queue:    config.Queue,
		metrics:  m,
	}, nil
}

// Links implements spec §4.4's links(index_slugs, platform_slug,
// requested_name). cacheOff bypasses both the C4 read and the write on
// miss, per the "cache off" client flag.
func (s *Service) Links(ctx context.Context, indexSlugs []string, platformSlug, requestedName string, cacheOff bool) (Result, error) {
	canonical := wheelproxy.Normalize(requestedName)
	if canonical != requestedName {
		return Result{Canonical: canonical, RedirectNeeded: true}, nil
	}

	s.metrics.LinkListingsTotal.Inc()

	key := linkcache.ListingKey(indexSlugs, platformSlug, canonical)
	if !cacheOff && s.cache != nil {
		if cached, ok := s.cache.Get(key); ok {
			if listing, ok := cached.(Listing); ok {
				s.metrics.LinkCacheHitsTotal.Inc()
				return Result{Canonical: canonical, Listing: listing}, nil
			}
		}
	}
	if !cacheOff {
		s.metrics.LinkCacheMissesTotal.Inc()
	}

	listing, err := s.buildListing(ctx, indexSlugs, platformSlug, canonical)
	if err != nil {
		return Result{}, err
	}

	if !cacheOff && s.cache != nil {
		s.cache.Set(key, listing, int64(len(listing.Entries))*256)
	}

	return Result{Canonical: canonical, Listing: listing}, nil
}

// buildListing implements spec §4.4 steps 5-6: fan out across indexSlugs in
// priority order, de-duplicating by version (first index wins), then
// compute each entry's advertised URL (§4.8) and digest (§4.7).
func (s *Service) buildListing(ctx context.Context, indexSlugs []string, platformSlug, canonical string) (Listing, error) {
	seen := map[string]bool{}
	var entries []Entry
	foundInAnyIndex := false

	for _, indexSlug := range indexSlugs {
		pkg, err := s.metadata.GetPackage(ctx, indexSlug, canonical)
		if errors.Is(err, wheelproxy.ErrPackageNotFound) {
			continue
		}
		if err != nil {
			return Listing{}, err
		}
		foundInAnyIndex = true

		pkgKey := fmt.Sprintf("%s/%s", pkg.Index, pkg.NormalizedName)
		releases, err := s.metadata.ListReleases(ctx, pkgKey)
		if err != nil {
			return Listing{}, err
		}
		sortReleasesDescending(releases)

		for _, release := range releases {
			if seen[release.Version] {
				continue
			}
			seen[release.Version] = true

			entry, err := s.entryFor(ctx, pkgKey, release, platformSlug)
			if err != nil {
				return Listing{}, err
			}
			entries = append(entries, entry)
		}
	}

	if !foundInAnyIndex {
		return Listing{}, wheelproxy.NewWrappedError(wheelproxy.ErrPackageNotFound, fmt.Errorf("package %q", canonical))
	}

	return Listing{CanonicalName: canonical, Entries: entries}, nil
}

func (s *Service) entryFor(ctx context.Context, pkgKey string, release wheelproxy.Release, platformSlug string) (Entry, error) {
	releaseKey := fmt.Sprintf("%s/%s", pkgKey, release.Version)

	build, err := s.metadata.GetBuild(ctx, releaseKey, platformSlug)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Entry{}, err
	}

	enqueue := func(ctx context.Context) error {
		if s.queue == nil {
			return nil
		}
		return s.queue.Enqueue(ctx, tasks.NewBuildTask(pkgKey, release.Version, platformSlug, false))
	}

	url, err := artifact.URL(ctx, build, release, s.blobs, enqueue, true)
	if err != nil {
		return Entry{}, err
	}

	return Entry{
		Version: release.Version,
		URL:     url,
		Digest:  artifact.Digest(build, release),
	}, nil
}

func sortReleasesDescending(releases []wheelproxy.Release) {
	sort.SliceStable(releases, func(i, j int) bool {
		vi, erri := semver.NewVersion(releases[i].Version)
		vj, errj := semver.NewVersion(releases[j].Version)
		if erri != nil || errj != nil {
			return releases[i].Version > releases[j].Version
		}
		return vi.GreaterThan(vj)
	})
}

// Render produces the HTML-like listing of spec §6's HTTP surface: one
// anchor per Entry, carrying the digest as a PEP 503 fragment, in the
// already-sorted/de-duplicated order of Listing.Entries.
func Render(listing Listing) string {
	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html>\n<head><title>Links for ")
	b.WriteString(html.EscapeString(listing.CanonicalName))
	b.WriteString("</title></head>\n<body>\n<h1>Links for ")
	b.WriteString(html.EscapeString(listing.CanonicalName))
	b.WriteString("</h1>\n")

	for _, e := range listing.Entries {
		href := html.EscapeString(e.URL)
		if e.Digest != "" {
			href += "#md5=" + html.EscapeString(e.Digest)
		}
		b.WriteString(fmt.Sprintf("<a href=\"%s\">%s-%s</a><br/>\n",
			href, html.EscapeString(listing.CanonicalName), html.EscapeString(e.Version)))
	}

	b.WriteString("</body>\n</html>\n")
	return b.String()
}
