// Package sync implements the Index Synchronizer (C6): reconciles the
// Metadata Store with an upstream index using monotonically increasing
// change serials, resumable from the last durably persisted watermark.
package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/wheelproxy/wheelproxy"
	"github.com/wheelproxy/wheelproxy/pkg/linkcache"
	"github.com/wheelproxy/wheelproxy/pkg/metrics"
	"github.com/wheelproxy/wheelproxy/pkg/store"
	"github.com/wheelproxy/wheelproxy/pkg/upstream"
)

// ErrInitializingSynchronizer signals a Synchronizer could not be built.
var ErrInitializingSynchronizer = errors.New("initializing synchronizer") //nolint:revive

// Config configures a Synchronizer.
type Config struct {
	Metadata store.MetadataStore
	Upstream upstream.Registry
	Cache    *linkcache.Cache
	Metrics  *metrics.Metrics
}

// Synchronizer implements sync(index) of spec §4.3.
type Synchronizer struct {
	metadata store.MetadataStore
	upstream upstream.Registry
	cache    *linkcache.Cache
	metrics  *metrics.Metrics
}

// New creates a Synchronizer.
func New(config Config) (*Synchronizer, error) {
	if config.Metadata == nil {
		return nil, wheelproxy.NewWrappedError(ErrInitializingSynchronizer, errors.New("metadata store cannot be nil"))
	}
	if config.Upstream == nil {
		return nil, wheelproxy.NewWrappedError(ErrInitializingSynchronizer, errors.New("upstream registry cannot be nil"))
	}

	m := config.Metrics
	if m == nil {
		m = metrics.New()
	}

	return &Synchronizer{
		metadata: config.Metadata,
		upstream: config.Upstream,
		cache:    config.Cache,
		metrics:  m,
	}, nil
}

// Sync reconciles the local metadata for idx against its upstream, starting
// from idx.LastUpdateSerial and advancing it durably as events are applied.
func (s *Synchronizer) Sync(ctx context.Context, idx wheelproxy.BackingIndex) (err error) {
	s.metrics.SyncRunsTotal.Inc()

	client, err := s.upstream.New(idx)
	if err != nil {
		return wheelproxy.NewWrappedError(wheelproxy.ErrUpstreamUnavailable, err)
	}

	watermark := idx.LastUpdateSerial

	events, err := client.IterUpdatedPackages(ctx, watermark)
	if err != nil {
		return wheelproxy.NewWrappedError(wheelproxy.ErrUpstreamUnavailable, err)
	}

	for event := range events {
		s.metrics.SyncPackagesTotal.Inc()

		if event.Package != "" {
			if err := s.importPackage(ctx, client, idx, event.Package); err != nil {
				return err
			}
		}

		if event.Serial > watermark {
			watermark = event.Serial
			idx.LastUpdateSerial = watermark
			if err := s.metadata.PutIndex(ctx, idx); err != nil {
				return wheelproxy.NewWrappedError(wheelproxy.ErrUpstreamUnavailable, err)
			}
		}
	}

	return nil
}

// importPackage implements import_package(index, name) of spec §4.3.
func (s *Synchronizer) importPackage(
	ctx context.Context,
	client upstream.Client,
	idx wheelproxy.BackingIndex,
	name string,
) error {
	normalized := wheelproxy.Normalize(name)

	releases, err := client.GetPackageReleases(ctx, name)
	if errors.Is(err, wheelproxy.ErrPackageNotFound) {
		return s.removePackage(ctx, idx.Slug, normalized)
	}
	if err != nil {
		return wheelproxy.NewWrappedError(wheelproxy.ErrUpstreamUnavailable, err)
	}

	if err := s.metadata.PutPackage(ctx, wheelproxy.Package{
		Name:           name,
		NormalizedName: normalized,
		Index:          idx.Slug,
	}); err != nil {
		return wheelproxy.NewWrappedError(wheelproxy.ErrUpstreamUnavailable, err)
	}

	pkgKey := packageKey(idx.Slug, normalized)
	observed := map[string]bool{}

	for version, descriptors := range releases {
		best, ok := upstream.BestRelease(descriptors)
		if !ok {
			continue
		}

		observed[version] = true
		if err := s.metadata.PutRelease(ctx, wheelproxy.Release{
			Package:   pkgKey,
			Version:   version,
			URL:       best.URL,
			MD5Digest: best.MD5Digest,
		}); err != nil {
			return wheelproxy.NewWrappedError(wheelproxy.ErrUpstreamUnavailable, err)
		}
	}

	if err := s.pruneVanishedReleases(ctx, pkgKey, observed); err != nil {
		return err
	}

	s.invalidatePackage(ctx, idx.Slug, normalized)

	return nil
}

// pruneVanishedReleases deletes Releases no longer reported by upstream.
// The Metadata Store interface has no delete method for releases; removal
// goes through the optional releaseRemover capability, and a backend
// without it keeps vanished releases.
func (s *Synchronizer) pruneVanishedReleases(ctx context.Context, pkgKey string, observed map[string]bool) error {
	existing, err := s.metadata.ListReleases(ctx, pkgKey)
	if err != nil {
		return wheelproxy.NewWrappedError(wheelproxy.ErrUpstreamUnavailable, err)
	}

	for _, r := range existing {
		if !observed[r.Version] {
			if remover, ok := s.metadata.(releaseRemover); ok {
				if err := remover.RemoveRelease(ctx, pkgKey, r.Version); err != nil {
					return wheelproxy.NewWrappedError(wheelproxy.ErrUpstreamUnavailable, err)
				}
			}
		}
	}

	return nil
}

// releaseRemover is an optional capability a MetadataStore backend may
// implement to support pruning vanished releases; backends that don't
// (e.g. an append-only audit store) simply never shrink.
type releaseRemover interface {
	RemoveRelease(ctx context.Context, pkg, version string) error
}

// removePackage implements the "no releases -> delete" branch of
// import_package, cascading to Releases, Builds and the link cache.
func (s *Synchronizer) removePackage(ctx context.Context, indexSlug, normalizedName string) error {
	if remover, ok := s.metadata.(packageRemover); ok {
		if err := remover.RemovePackage(ctx, indexSlug, normalizedName); err != nil {
			return wheelproxy.NewWrappedError(wheelproxy.ErrUpstreamUnavailable, err)
		}
	}

	s.invalidatePackage(ctx, indexSlug, normalizedName)

	return nil
}

// packageRemover is the optional capability backing removePackage, mirrored
// from releaseRemover above for the same reason.
type packageRemover interface {
	RemovePackage(ctx context.Context, indexSlug, normalizedName string) error
}

// invalidatePackage evicts the single-index link listing for normalizedName
// on every known Platform, per spec §4.3's "Invalidate C4 for the package
// across all Platforms". Listings that combine this index with others
// (multi-index requests, §4.4) are not individually tracked here — Ristretto
// has no prefix scan, so a combination this synchronizer didn't build the
// key for can't be targeted without enumerating every index subset a
// client might have requested; those entries fall out on their own once
// whatever population path built them re-populates against the new state.
func (s *Synchronizer) invalidatePackage(ctx context.Context, indexSlug, normalizedName string) {
	if s.cache == nil {
		return
	}

	platforms, err := s.metadata.ListPlatforms(ctx)
	if err != nil {
		return
	}

	for _, p := range platforms {
		s.cache.Invalidate(linkcache.ListingKey([]string{indexSlug}, p.Slug, normalizedName))
	}
}

func packageKey(indexSlug, normalizedName string) string {
	return fmt.Sprintf("%s/%s", indexSlug, normalizedName)
}
