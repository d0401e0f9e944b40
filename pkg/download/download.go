// Package download implements the Download Redirector (C8): spec §4.8's
// handler behind GET /d/{index}/{platform}/{package}/{version}/download/
// {build_id}/{filename}.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/wheelproxy/wheelproxy"
	"github.com/wheelproxy/wheelproxy/pkg/artifact"
	"github.com/wheelproxy/wheelproxy/pkg/blobstore"
	"github.com/wheelproxy/wheelproxy/pkg/store"
	"github.com/wheelproxy/wheelproxy/pkg/tasks"
)

// ErrInitializingService signals a Service could not be built.
var ErrInitializingService = errors.New("initializing download redirector") //nolint:revive

// enqueuer is the narrow capability Service needs to schedule a background
// build, mirroring pkg/links' identical local interface.
type enqueuer interface {
	Enqueue(ctx context.Context, t tasks.Task) error
}

// Config configures a Service.
type Config struct {
	Metadata store.MetadataStore
	Blobs    blobstore.BlobStore
	Queue    enqueuer
	// AlwaysRedirectDownloads is the ALWAYS_REDIRECT_DOWNLOADS
	// configuration key of spec §6. false (the default) serves a built
	// artifact's bytes directly instead of a second redirect hop.
	AlwaysRedirectDownloads bool
}

// Service implements the Download Redirector.
type Service struct {
	metadata       store.MetadataStore
	blobs          blobstore.BlobStore
	queue          enqueuer
	alwaysRedirect bool
}

// New creates a Service.
func New(config Config) (*Service, error) {
	if config.Metadata == nil {
		return nil, wheelproxy.NewWrappedError(ErrInitializingService, errors.New("metadata store cannot be nil"))
	}
	if config.Blobs == nil {
		return nil, wheelproxy.NewWrappedError(ErrInitializingService, errors.New("blob store cannot be nil"))
	}

	return &Service{
		metadata:       config.Metadata,
		blobs:          config.Blobs,
		queue:          config.Queue,
		alwaysRedirect: config.AlwaysRedirectDownloads,
	}, nil
}

// Outcome tells the HTTP handler how to answer a download request: either
// redirect the client to URL, or stream Proxy's content directly (200).
type Outcome struct {
	Redirect bool
	URL      string

	Proxy    io.ReadCloser
	Filesize int64
}

// BuildID composes the opaque identifier advertised in the download URL,
// matching pkg/builder's own buildKey format so a build produced by the
// executor is trivially addressable here without a second lookup table.
func BuildID(releaseKey, platformSlug string) string {
	return fmt.Sprintf("%s@%s", releaseKey, platformSlug)
}

func splitBuildID(id string) (releaseKey, platformSlug string, ok bool) {
	i := strings.LastIndex(id, "@")
	if i < 0 {
		return "", "", false
	}
	return id[:i], id[i+1:], true
}

// Download implements spec §4.8. buildID is tried first for O(1)
// resolution; packageKey/version/platformSlug are the fallback coordinates
// used when it doesn't resolve to a known Build.
func (s *Service) Download(ctx context.Context, buildID, packageKey, version, platformSlug string) (Outcome, error) {
	releaseKey := fmt.Sprintf("%s/%s", packageKey, version)

	build, err := s.lookupBuild(ctx, buildID, releaseKey, platformSlug)
	if err != nil {
		return Outcome{}, err
	}

	release, err := s.metadata.GetRelease(ctx, packageKey, version)
	if err != nil {
		return Outcome{}, err
	}

	if s.alwaysRedirect || !build.IsBuilt() {
		enqueue := func(ctx context.Context) error {
			if s.queue == nil {
				return nil
			}
			return s.queue.Enqueue(ctx, tasks.NewBuildTask(packageKey, version, platformSlug, false))
		}

		url, err := artifact.URL(ctx, build, release, s.blobs, enqueue, true)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Redirect: true, URL: url}, nil
	}

	// Built and not forced to redirect: stream the artifact directly,
	// skipping the extra hop through a (possibly presigned) blob URL.
	if build.IsExternal {
		return Outcome{Redirect: true, URL: build.ExternalURL}, nil
	}

	blob, err := s.blobs.Get(ctx, build.ArtifactKey)
	if err != nil {
		return Outcome{}, wheelproxy.NewWrappedError(wheelproxy.ErrInvariantViolation, err)
	}
	content, err := s.blobs.Download(ctx, blob)
	if err != nil {
		return Outcome{}, wheelproxy.NewWrappedError(blobstore.ErrAccessingObject, err)
	}
	return Outcome{Proxy: content, Filesize: blob.Filesize}, nil
}

func (s *Service) lookupBuild(ctx context.Context, buildID, fallbackReleaseKey, fallbackPlatformSlug string) (wheelproxy.Build, error) {
	if releaseKey, platformSlug, ok := splitBuildID(buildID); ok {
		build, err := s.metadata.GetBuild(ctx, releaseKey, platformSlug)
		if err == nil {
			return build, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return wheelproxy.Build{}, err
		}
	}

	build, err := s.metadata.GetBuild(ctx, fallbackReleaseKey, fallbackPlatformSlug)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return wheelproxy.Build{}, err
	}
	return build, nil
}
