// Package store defines the interface of the Metadata Store: the system of
// record for Platforms, BackingIndexes, Packages, Releases, Builds and
// CompiledRequirements (spec §3).
package store

import (
	"context"
	"errors"

	"github.com/wheelproxy/wheelproxy"
)

var (
	ErrInitializingStore = errors.New("initializing store") //nolint:revive
	ErrAccessingStore    = errors.New("accessing store")     //nolint:revive
)

// MetadataStore persists the domain model of spec §3.
type MetadataStore interface {
	PutPlatform(ctx context.Context, p wheelproxy.Platform) error
	GetPlatform(ctx context.Context, slug string) (wheelproxy.Platform, error)
	ListPlatforms(ctx context.Context) ([]wheelproxy.Platform, error)

	PutIndex(ctx context.Context, idx wheelproxy.BackingIndex) error
	GetIndex(ctx context.Context, slug string) (wheelproxy.BackingIndex, error)
	ListIndexes(ctx context.Context) ([]wheelproxy.BackingIndex, error)

	PutPackage(ctx context.Context, p wheelproxy.Package) error
	// GetPackage looks up a package by its normalized name within an index.
	GetPackage(ctx context.Context, index, normalizedName string) (wheelproxy.Package, error)
	ListPackages(ctx context.Context, index string) ([]wheelproxy.Package, error)

	PutRelease(ctx context.Context, r wheelproxy.Release) error
	GetRelease(ctx context.Context, pkg, version string) (wheelproxy.Release, error)
	ListReleases(ctx context.Context, pkg string) ([]wheelproxy.Release, error)

	PutBuild(ctx context.Context, b wheelproxy.Build) error
	GetBuild(ctx context.Context, release, platform string) (wheelproxy.Build, error)

	PutCompiledRequirements(ctx context.Context, key string, c wheelproxy.CompiledRequirements) error
	GetCompiledRequirements(ctx context.Context, key string) (wheelproxy.CompiledRequirements, error)
}

// ErrNotFound is returned by any lookup that finds no matching row.
var ErrNotFound = wheelproxy.ErrNotFound
