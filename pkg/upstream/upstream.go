// Package upstream defines the Upstream Index Client (C1): an abstraction
// over a remote package index exposing a fixed capability set, dispatched
// by BackingIndex.Backend to one of a small number of concrete variants
// (simple-xmlrpc, dev-index) through a fixed dispatch table rather than a
// runtime class hierarchy.
package upstream

import (
	"context"
	"errors"
	"strings"

	"github.com/wheelproxy/wheelproxy"
)

// ReleaseDescriptor describes a single published artifact for a release.
type ReleaseDescriptor struct {
	// Type is "sdist", "bdist_wheel" or another upstream-reported type.
	Type      string `json:"type"`
	URL       string `json:"url"`
	MD5Digest string `json:"md5_digest"`
	Filename  string `json:"filename"`
}

// UpdateEvent is one entry of the change stream returned by
// IterUpdatedPackages. A Package of "" means "advance the watermark only".
type UpdateEvent struct {
	Package string
	Serial  int64
}

// Client is the capability set exposed by every upstream backend.
type Client interface {
	// GetPackageReleases returns, for every known version of name, its
	// release descriptors, or fails with wheelproxy.ErrPackageNotFound.
	GetPackageReleases(ctx context.Context, name string) (map[string][]ReleaseDescriptor, error)
	// GetVersionReleases returns the release descriptors for one version.
	GetVersionReleases(ctx context.Context, name, version string) ([]ReleaseDescriptor, error)
	// IterUpdatedPackages streams index changes since sinceSerial. Serials
	// are monotonically non-decreasing for a given index.
	IterUpdatedPackages(ctx context.Context, sinceSerial int64) (<-chan UpdateEvent, error)
}

// Factory constructs a Client for a BackingIndex of a specific backend kind.
type Factory func(idx wheelproxy.BackingIndex) (Client, error)

// Registry is the fixed dispatch table from BackingIndex.Backend to the
// Factory that handles it.
type Registry map[string]Factory

// ErrUnknownBackend signals a BackingIndex.Backend with no registered
// Factory.
var ErrUnknownBackend = errors.New("unknown backend")

// New dispatches idx to the Factory registered for its Backend.
func (r Registry) New(idx wheelproxy.BackingIndex) (Client, error) {
	factory, ok := r[idx.Backend]
	if !ok {
		return nil, wheelproxy.NewWrappedError(ErrUnknownBackend, errors.New(idx.Backend))
	}
	return factory(idx)
}

// BestRelease implements the release-selection policy of spec §4.1: prefer
// the first sdist; else a bdist_wheel whose filename ends with the
// universal "-py2.py3-none-any.whl" tag; else none. The Dependency
// Resolver (C9) relies on the chosen descriptor being buildable by the
// Build Executor (C5).
func BestRelease(descriptors []ReleaseDescriptor) (ReleaseDescriptor, bool) {
	for _, d := range descriptors {
		if d.Type == "sdist" {
			return d, true
		}
	}

	for _, d := range descriptors {
		if d.Type == "bdist_wheel" && strings.HasSuffix(d.Filename, "-py2.py3-none-any.whl") {
			return d, true
		}
	}

	return ReleaseDescriptor{}, false
}
