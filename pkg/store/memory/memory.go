// Package memory implements an in-process Metadata Store, used for tests
// and single-process deployments.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/wheelproxy/wheelproxy"
	"github.com/wheelproxy/wheelproxy/pkg/store"
)

// Store is a MetadataStore backed by in-memory maps guarded by a mutex.
type Store struct {
	mu sync.Mutex

	platforms   map[string]wheelproxy.Platform
	indexes     map[string]wheelproxy.BackingIndex
	packages    map[string]wheelproxy.Package
	releases    map[string]wheelproxy.Release
	builds      map[string]wheelproxy.Build
	compiled    map[string]wheelproxy.CompiledRequirements
}

// New creates an empty in-memory Metadata Store.
func New() *Store {
	return &Store{
		platforms: map[string]wheelproxy.Platform{},
		indexes:   map[string]wheelproxy.BackingIndex{},
		packages:  map[string]wheelproxy.Package{},
		releases:  map[string]wheelproxy.Release{},
		builds:    map[string]wheelproxy.Build{},
		compiled:  map[string]wheelproxy.CompiledRequirements{},
	}
}

func packageKey(index, normalizedName string) string {
	return index + "/" + normalizedName
}

func releaseKey(pkg, version string) string {
	return pkg + "/" + version
}

func buildKey(release, platform string) string {
	return release + "/" + platform
}

func (s *Store) PutPlatform(_ context.Context, p wheelproxy.Platform) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.platforms[p.Slug] = p
	return nil
}

func (s *Store) GetPlatform(_ context.Context, slug string) (wheelproxy.Platform, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.platforms[slug]
	if !ok {
		return wheelproxy.Platform{}, fmt.Errorf("%w: platform %q", store.ErrNotFound, slug)
	}
	return p, nil
}

func (s *Store) ListPlatforms(_ context.Context) ([]wheelproxy.Platform, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]wheelproxy.Platform, 0, len(s.platforms))
	for _, p := range s.platforms {
		out = append(out, p)
	}
	return out, nil
}

func (s *Store) PutIndex(_ context.Context, idx wheelproxy.BackingIndex) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indexes[idx.Slug] = idx
	return nil
}

func (s *Store) GetIndex(_ context.Context, slug string) (wheelproxy.BackingIndex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.indexes[slug]
	if !ok {
		return wheelproxy.BackingIndex{}, fmt.Errorf("%w: index %q", store.ErrNotFound, slug)
	}
	return idx, nil
}

func (s *Store) ListIndexes(_ context.Context) ([]wheelproxy.BackingIndex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]wheelproxy.BackingIndex, 0, len(s.indexes))
	for _, idx := range s.indexes {
		out = append(out, idx)
	}
	return out, nil
}

func (s *Store) PutPackage(_ context.Context, p wheelproxy.Package) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packages[packageKey(p.Index, p.NormalizedName)] = p
	return nil
}

func (s *Store) GetPackage(_ context.Context, index, normalizedName string) (wheelproxy.Package, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.packages[packageKey(index, normalizedName)]
	if !ok {
		return wheelproxy.Package{}, fmt.Errorf("%w: package %q", wheelproxy.ErrPackageNotFound, normalizedName)
	}
	return p, nil
}

func (s *Store) ListPackages(_ context.Context, index string) ([]wheelproxy.Package, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []wheelproxy.Package{}
	for _, p := range s.packages {
		if p.Index == index {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Store) PutRelease(_ context.Context, r wheelproxy.Release) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releases[releaseKey(r.Package, r.Version)] = r
	return nil
}

func (s *Store) GetRelease(_ context.Context, pkg, version string) (wheelproxy.Release, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.releases[releaseKey(pkg, version)]
	if !ok {
		return wheelproxy.Release{}, fmt.Errorf("%w: release %s==%s", wheelproxy.ErrPackageNotFound, pkg, version)
	}
	return r, nil
}

func (s *Store) ListReleases(_ context.Context, pkg string) ([]wheelproxy.Release, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []wheelproxy.Release{}
	for _, r := range s.releases {
		if r.Package == pkg {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) PutBuild(_ context.Context, b wheelproxy.Build) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.builds[buildKey(b.Release, b.Platform)] = b
	return nil
}

func (s *Store) GetBuild(_ context.Context, release, platform string) (wheelproxy.Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.builds[buildKey(release, platform)]
	if !ok {
		return wheelproxy.Build{}, fmt.Errorf("%w: build %s/%s", store.ErrNotFound, release, platform)
	}
	return b, nil
}

// RemoveRelease implements the optional releaseRemover capability consumed
// by pkg/sync when pruning releases no longer reported by upstream.
func (s *Store) RemoveRelease(_ context.Context, pkg, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	release := releaseKey(pkg, version)
	delete(s.releases, release)

	for bk, b := range s.builds {
		if b.Release == release {
			delete(s.builds, bk)
		}
	}

	return nil
}

// RemovePackage implements the optional packageRemover capability consumed
// by pkg/sync when an upstream package disappears, cascading to its
// Releases and Builds.
func (s *Store) RemovePackage(_ context.Context, indexSlug, normalizedName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pkgKey := packageKey(indexSlug, normalizedName)
	delete(s.packages, pkgKey)

	for k, r := range s.releases {
		if r.Package != pkgKey {
			continue
		}
		delete(s.releases, k)
		for bk, b := range s.builds {
			if b.Release == releaseKey(r.Package, r.Version) {
				delete(s.builds, bk)
			}
		}
	}

	return nil
}

func (s *Store) PutCompiledRequirements(_ context.Context, key string, c wheelproxy.CompiledRequirements) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.compiled[key] = c
	return nil
}

func (s *Store) GetCompiledRequirements(_ context.Context, key string) (wheelproxy.CompiledRequirements, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.compiled[key]
	if !ok {
		return wheelproxy.CompiledRequirements{}, fmt.Errorf("%w: compiled requirements %q", store.ErrNotFound, key)
	}
	return c, nil
}
