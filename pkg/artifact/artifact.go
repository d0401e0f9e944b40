// Package artifact implements the Build URL/digest derivation shared by the
// Link Listing Service (C7) and the Download Redirector (C8), spec §4.7.
package artifact

import (
	"context"

	"github.com/wheelproxy/wheelproxy"
	"github.com/wheelproxy/wheelproxy/pkg/blobstore"
)

// URL implements get_build_url(build, build_if_needed): if built, the Blob
// Store URL of the artifact; else, when buildIfNeeded, enqueue is invoked to
// schedule a build (C10) and the release's original upstream URL is
// returned as a fallback for the caller to retry later.
func URL(
	ctx context.Context,
	build wheelproxy.Build,
	release wheelproxy.Release,
	blobs blobstore.BlobStore,
	enqueue func(context.Context) error,
	buildIfNeeded bool,
) (string, error) {
	if build.IsBuilt() {
		if build.IsExternal {
			return build.ExternalURL, nil
		}

		blob, err := blobs.Get(ctx, build.ArtifactKey)
		if err != nil {
			return "", wheelproxy.NewWrappedError(wheelproxy.ErrInvariantViolation, err)
		}
		return blob.URL, nil
	}

	if buildIfNeeded && enqueue != nil {
		if err := enqueue(ctx); err != nil {
			return "", err
		}
	}

	return release.URL, nil
}

// Digest implements get_digest: the artifact MD5 when built, else the
// release's upstream MD5.
func Digest(build wheelproxy.Build, release wheelproxy.Release) string {
	if build.IsBuilt() && build.MD5Digest != "" {
		return build.MD5Digest
	}
	return release.MD5Digest
}
