// Package builder implements the Build Executor (C5): produces a binary
// artifact for a (release, platform) pair inside an isolated container and
// extracts its machine-readable metadata.
package builder

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/md5" //nolint:gosec
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wheelproxy/wheelproxy"
	"github.com/wheelproxy/wheelproxy/pkg/blobstore"
	"github.com/wheelproxy/wheelproxy/pkg/linkcache"
	"github.com/wheelproxy/wheelproxy/pkg/lock"
	"github.com/wheelproxy/wheelproxy/pkg/metrics"
	"github.com/wheelproxy/wheelproxy/pkg/store"
)

var (
	ErrInitializingBuilder = errors.New("initializing builder") //nolint:revive
	ErrAccessingArtifact   = errors.New("accessing artifact")    //nolint:revive
)

// sourcePath and artifactDir are the well-known in-container locations the
// build command reads its source from and writes its outputs to.
const (
	sourcePath       = "/workspace/source"
	artifactDir      = "/workspace/out"
	metadataFilename = "metadata.json"
)

// CacheInvalidator is the narrow slice of pkg/linkcache's Cache the Build
// Executor needs to invalidate a Package's listing after a build commits.
type CacheInvalidator interface {
	InvalidateIndex(keys ...string)
}

// Config configures a Builder.
type Config struct {
	Docker     *client.Client
	Blobs      blobstore.BlobStore
	Metadata   store.MetadataStore
	Locks      lock.Lock
	Cache      CacheInvalidator
	HTTPClient *http.Client
	Metrics    *metrics.Metrics
	Registerer prometheus.Registerer
}

// Builder implements the Build Executor.
type Builder struct {
	docker   *client.Client
	blobs    blobstore.BlobStore
	metadata store.MetadataStore
	locks    lock.Lock
	cache    CacheInvalidator
	http     *http.Client
	metrics  *metrics.Metrics
}

// New returns a Builder given a Config.
func New(_ context.Context, config Config) (*Builder, error) {
	if config.Docker == nil {
		return nil, wheelproxy.NewWrappedError(ErrInitializingBuilder, errors.New("docker client cannot be nil"))
	}
	if config.Blobs == nil {
		return nil, wheelproxy.NewWrappedError(ErrInitializingBuilder, errors.New("blob store cannot be nil"))
	}
	if config.Metadata == nil {
		return nil, wheelproxy.NewWrappedError(ErrInitializingBuilder, errors.New("metadata store cannot be nil"))
	}
	if config.Locks == nil {
		return nil, wheelproxy.NewWrappedError(ErrInitializingBuilder, errors.New("lock cannot be nil"))
	}

	m := config.Metrics
	if m == nil {
		m = metrics.New()
		if config.Registerer != nil {
			if err := m.Register(config.Registerer); err != nil {
				return nil, wheelproxy.NewWrappedError(ErrInitializingBuilder, err)
			}
		}
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}

	return &Builder{
		docker:   config.Docker,
		blobs:    config.Blobs,
		metadata: config.Metadata,
		locks:    config.Locks,
		cache:    config.Cache,
		http:     httpClient,
		metrics:  m,
	}, nil
}

// buildKey is the Build row key for a (releaseKey, platform) pair, as
// consumed by store.MetadataStore.GetBuild/PutBuild.
func buildKey(releaseKey, platformSlug string) string {
	return fmt.Sprintf("%s@%s", releaseKey, platformSlug)
}

// Rebuild implements rebuild(build) of spec §4.5: at most one active build
// per (release, platform) at a time; force=true bypasses the already-built
// short-circuit but not the single-flight lock.
func (b *Builder) Rebuild(
	ctx context.Context,
	releaseKey string,
	release wheelproxy.Release,
	platform wheelproxy.Platform,
	force bool,
) (buildResult wheelproxy.Build, buildErr error) {
	b.metrics.BuildRequestsTotal.Inc()
	timer := prometheus.NewTimer(b.metrics.BuildDuration)
	defer func() {
		if buildErr == nil {
			timer.ObserveDuration()
		} else {
			b.metrics.BuildsFailedTotal.Inc()
		}
	}()

	key := buildKey(releaseKey, platform.Slug)

	unlock, err := b.locks.Lock(ctx, key)
	if err != nil {
		return wheelproxy.Build{}, wheelproxy.NewWrappedError(wheelproxy.ErrBuildFailed, err)
	}
	defer func() { _ = unlock(ctx) }()

	if !force {
		existing, err := b.metadata.GetBuild(ctx, releaseKey, platform.Slug)
		if err == nil && existing.IsBuilt() {
			b.metrics.BuildCacheHitsTotal.Inc()
			return existing, nil
		}
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return wheelproxy.Build{}, wheelproxy.NewWrappedError(ErrAccessingArtifact, err)
		}
	}

	started := time.Now()
	artifact, log, runErr := b.runContainer(ctx, release, platform)
	finished := time.Now()

	if runErr != nil {
		failed := wheelproxy.Build{
			Release:     releaseKey,
			Platform:    platform.Slug,
			Log:         log,
			StartedAt:   started,
			FinishedAt:  finished,
			DurationSec: finished.Sub(started).Seconds(),
		}
		if err := b.metadata.PutBuild(ctx, failed); err != nil {
			return wheelproxy.Build{}, wheelproxy.NewWrappedError(wheelproxy.ErrBuildFailed, err)
		}
		return wheelproxy.Build{}, wheelproxy.NewWrappedError(wheelproxy.ErrBuildFailed, runErr)
	}

	blobID := path.Join(platform.Slug, releaseKey, artifact.filename)
	blob, err := b.blobs.Put(ctx, blobID, bytes.NewReader(artifact.content))
	if err != nil {
		return wheelproxy.Build{}, wheelproxy.NewWrappedError(ErrAccessingArtifact, err)
	}

	digest := md5.Sum(artifact.content) //nolint:gosec

	built := wheelproxy.Build{
		Release:     releaseKey,
		Platform:    platform.Slug,
		ArtifactKey: blob.ID,
		MD5Digest:   hex.EncodeToString(digest[:]),
		Filesize:    int64(len(artifact.content)),
		Metadata:    artifact.metadata,
		Log:         log,
		StartedAt:   started,
		FinishedAt:  finished,
		DurationSec: finished.Sub(started).Seconds(),
	}

	if err := b.metadata.PutBuild(ctx, built); err != nil {
		return wheelproxy.Build{}, wheelproxy.NewWrappedError(ErrAccessingArtifact, err)
	}

	// Evicts the single-index listing of the release's own index ("{index}/
	// {name}" package key); listings combining several indexes are not evicted.
	if b.cache != nil {
		if index, name, ok := strings.Cut(release.Package, "/"); ok {
			b.cache.InvalidateIndex(linkcache.ListingKey([]string{index}, platform.Slug, name))
		}
	}

	return built, nil
}

// containerArtifact is the built distribution file plus its extracted
// metadata blob, pulled out of the build container.
type containerArtifact struct {
	filename string
	content  []byte
	metadata map[string]string
}

// runContainer drives one container invocation: materializes the release
// source, runs platform.Command, and extracts the produced artifact and
// metadata.json. The returned log is the combined stdout/stderr stream
// regardless of outcome.
func (b *Builder) runContainer(
	ctx context.Context,
	release wheelproxy.Release,
	platform wheelproxy.Platform,
) (containerArtifact, []byte, error) {
	source, err := b.fetchSource(ctx, release)
	if err != nil {
		return containerArtifact{}, nil, wheelproxy.NewWrappedError(wheelproxy.ErrUpstreamUnavailable, err)
	}

	env := make([]string, 0, len(platform.Env))
	for k, v := range platform.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	created, err := b.docker.ContainerCreate(ctx, &container.Config{
		Image: platform.Image,
		Cmd:   platform.Command,
		Env:   env,
	}, nil, nil, nil, "")
	if err != nil {
		return containerArtifact{}, nil, wheelproxy.NewWrappedError(wheelproxy.ErrBuildFailed, err)
	}
	defer func() {
		_ = b.docker.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
	}()

	sourceArchive, err := tarOne(path.Base(sourcePath), source)
	if err != nil {
		return containerArtifact{}, nil, wheelproxy.NewWrappedError(wheelproxy.ErrBuildFailed, err)
	}
	if err := b.docker.CopyToContainer(ctx, created.ID, path.Dir(sourcePath), sourceArchive, container.CopyToContainerOptions{}); err != nil {
		return containerArtifact{}, nil, wheelproxy.NewWrappedError(wheelproxy.ErrBuildFailed, err)
	}

	if err := b.docker.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return containerArtifact{}, nil, wheelproxy.NewWrappedError(wheelproxy.ErrBuildFailed, err)
	}

	statusCh, errCh := b.docker.ContainerWait(ctx, created.ID, container.WaitConditionNotRunning)
	var waitErr error
	var exitCode int64
	select {
	case err := <-errCh:
		waitErr = err
	case status := <-statusCh:
		exitCode = status.StatusCode
	}

	log, logErr := b.containerLog(ctx, created.ID)
	if logErr != nil {
		log = []byte(logErr.Error())
	}

	if waitErr != nil {
		return containerArtifact{}, log, waitErr
	}
	if exitCode != 0 {
		return containerArtifact{}, log, fmt.Errorf("build command exited with status %d", exitCode)
	}

	artifact, err := b.extractArtifact(ctx, created.ID)
	if err != nil {
		return containerArtifact{}, log, err
	}

	return artifact, log, nil
}

func (b *Builder) fetchSource(ctx context.Context, release wheelproxy.Release) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, release.URL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := b.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching release source: status %s", resp.Status)
	}

	return io.ReadAll(resp.Body)
}

func (b *Builder) containerLog(ctx context.Context, containerID string) ([]byte, error) {
	reader, err := b.docker.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return nil, err
	}
	defer reader.Close() //nolint:errcheck

	return io.ReadAll(reader)
}

// extractArtifact copies the build output directory out of the container
// and returns the single distribution file it must contain alongside its
// sibling metadata.json.
func (b *Builder) extractArtifact(ctx context.Context, containerID string) (containerArtifact, error) {
	reader, _, err := b.docker.CopyFromContainer(ctx, containerID, artifactDir)
	if err != nil {
		return containerArtifact{}, wheelproxy.NewWrappedError(wheelproxy.ErrBuildFailed, err)
	}
	defer reader.Close() //nolint:errcheck

	var result containerArtifact
	tarReader := tar.NewReader(reader)
	for {
		header, err := tarReader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return containerArtifact{}, wheelproxy.NewWrappedError(wheelproxy.ErrBuildFailed, err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		content, err := io.ReadAll(tarReader)
		if err != nil {
			return containerArtifact{}, wheelproxy.NewWrappedError(wheelproxy.ErrBuildFailed, err)
		}

		name := path.Base(header.Name)
		switch name {
		case metadataFilename:
			// String values are kept as is; any other value (a list, a
			// nested object) is kept as its JSON text.
			raw := map[string]json.RawMessage{}
			if err := json.Unmarshal(content, &raw); err != nil {
				return containerArtifact{}, wheelproxy.NewWrappedError(wheelproxy.ErrBuildFailed, err)
			}
			metadata := make(map[string]string, len(raw))
			for k, v := range raw {
				var s string
				if err := json.Unmarshal(v, &s); err == nil {
					metadata[k] = s
					continue
				}
				metadata[k] = string(v)
			}
			result.metadata = metadata
		default:
			result.filename = name
			result.content = content
		}
	}

	if result.filename == "" {
		return containerArtifact{}, fmt.Errorf("%w: build produced no artifact file", wheelproxy.ErrBuildFailed)
	}

	return result, nil
}

// tarOne wraps a single file's content in a tar archive, the format
// CopyToContainer requires.
func tarOne(name string, content []byte) (io.Reader, error) {
	buf := &bytes.Buffer{}
	w := tar.NewWriter(buf)

	if err := w.WriteHeader(&tar.Header{Name: name, Size: int64(len(content)), Mode: 0o644}); err != nil {
		return nil, err
	}
	if _, err := w.Write(content); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	return buf, nil
}
