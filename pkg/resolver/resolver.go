// Package resolver implements the Dependency Resolver (C9): spec §4.6's
// round-based graph compilation and §4.9's pinned-requirements formatter.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wheelproxy/wheelproxy"
	"github.com/wheelproxy/wheelproxy/pkg/artifact"
	"github.com/wheelproxy/wheelproxy/pkg/blobstore"
	"github.com/wheelproxy/wheelproxy/pkg/lock"
	"github.com/wheelproxy/wheelproxy/pkg/metrics"
	"github.com/wheelproxy/wheelproxy/pkg/store"
	"github.com/wheelproxy/wheelproxy/pkg/tasks"
)

// ErrInitializingService signals a Service could not be built.
var ErrInitializingService = errors.New("initializing resolver") //nolint:revive

// defaultMaxRounds is the round cap recommended by spec §4.6.
const defaultMaxRounds = 50

// rebuilder is the narrow capability Service needs from the Build Executor
// (C5), mirroring the identical local interface in pkg/tasks/handlers.go.
type rebuilder interface {
	Rebuild(ctx context.Context, releaseKey string, release wheelproxy.Release, platform wheelproxy.Platform, force bool) (wheelproxy.Build, error)
}

// enqueuer is the narrow capability Service needs to schedule a background
// build from Resolve, matching pkg/links and pkg/download's local interface
// of the same name and shape.
type enqueuer interface {
	Enqueue(ctx context.Context, t tasks.Task) error
}

// Config configures a Service.
type Config struct {
	Metadata store.MetadataStore
	Builder  rebuilder
	Blobs    blobstore.BlobStore
	Locks    lock.Lock
	Queue    enqueuer
	Metrics  *metrics.Metrics
	// UnsafePackages overrides the default {"setuptools"} (spec §6
	// UNSAFE_PACKAGES).
	UnsafePackages []string
	// MaxRounds overrides the spec §4.6 recommended round cap of 50.
	MaxRounds int
}

// Service implements the Dependency Resolver.
type Service struct {
	metadata  store.MetadataStore
	builder   rebuilder
	blobs     blobstore.BlobStore
	locks     lock.Lock
	queue     enqueuer
	metrics   *metrics.Metrics
	unsafe    map[string]bool
	maxRounds int
}

// New creates a Service.
func New(config Config) (*Service, error) {
	if config.Metadata == nil {
		return nil, wheelproxy.NewWrappedError(ErrInitializingService, errors.New("metadata store cannot be nil"))
	}
	if config.Builder == nil {
		return nil, wheelproxy.NewWrappedError(ErrInitializingService, errors.New("builder cannot be nil"))
	}
	if config.Locks == nil {
		return nil, wheelproxy.NewWrappedError(ErrInitializingService, errors.New("locks cannot be nil"))
	}
	if config.Blobs == nil {
		return nil, wheelproxy.NewWrappedError(ErrInitializingService, errors.New("blob store cannot be nil"))
	}

	m := config.Metrics
	if m == nil {
		m = metrics.New()
	}

	maxRounds := config.MaxRounds
	if maxRounds <= 0 {
		maxRounds = defaultMaxRounds
	}

	return &Service{
		metadata:  config.Metadata,
		builder:   config.Builder,
		blobs:     config.Blobs,
		locks:     config.Locks,
		queue:     config.Queue,
		metrics:   m,
		unsafe:    unsafeSet(config.UnsafePackages),
		maxRounds: maxRounds,
	}, nil
}

// Compile implements the `compile` task handler (C10's `compiler`
// interface): loads the CompiledRequirements row identified by key, runs
// the graph compilation against its recorded Input/Indexes/Platform, and
// writes the result (or failure log) back to the same row — the
// "enqueue job -> wait -> read row" pattern of spec §9's coroutine/async
// flow note.
func (s *Service) Compile(ctx context.Context, key string) (err error) {
	s.metrics.ResolveRequestsTotal.Inc()
	timer := prometheus.NewTimer(s.metrics.ResolveDuration)
	defer func() {
		if err != nil {
			s.metrics.ResolveFailedTotal.Inc()
		} else {
			timer.ObserveDuration()
		}
	}()

	row, rowErr := s.metadata.GetCompiledRequirements(ctx, key)
	if rowErr != nil {
		return wheelproxy.NewWrappedError(wheelproxy.ErrNotFound, rowErr)
	}

	unlock, lockErr := s.locks.Lock(ctx, "compile:"+key)
	if lockErr != nil {
		return wheelproxy.NewWrappedError(ErrInitializingService, lockErr)
	}
	defer func() { _ = unlock(ctx) }()

	platform, platErr := s.metadata.GetPlatform(ctx, row.Platform)
	if platErr != nil {
		return wheelproxy.NewWrappedError(wheelproxy.ErrNotFound, platErr)
	}

	output, log, compileErr := s.compile(ctx, row.Input, row.Indexes, platform)
	row.Log = log

	if compileErr != nil {
		row.Status = "failed"
		row.Log += "\n" + compileErr.Error()
	} else {
		row.Status = "ok"
		row.Output = output
	}

	if putErr := s.metadata.PutCompiledRequirements(ctx, key, row); putErr != nil {
		return wheelproxy.NewWrappedError(wheelproxy.ErrNotFound, putErr)
	}

	return compileErr
}

func (s *Service) compile(ctx context.Context, input string, indexSlugs []string, platform wheelproxy.Platform) (string, string, error) {
	g, logBuf, err := s.compileGraph(ctx, input, indexSlugs, platform)
	if err != nil {
		return "", logBuf.String(), err
	}
	return formatGraph(g, s.unsafe), logBuf.String(), nil
}

// compileGraph implements spec §4.6's graph compilation algorithm
// verbatim: seed from top-level requirements (dropping unmatched markers),
// then alternate ADD ROUND / REMOVE ROUND until a round changes nothing.
func (s *Service) compileGraph(ctx context.Context, input string, indexSlugs []string, platform wheelproxy.Platform) (*graph, *strings.Builder, error) {
	g := newGraph()
	logBuf := &strings.Builder{}

	for _, req := range parseRequirementsInput(input) {
		if !markerMatches(req.Markers, platform.Markers) {
			continue
		}
		req.Markers = ""
		if _, err := updateRequirement(g, req, "", ""); err != nil {
			return nil, logBuf, err
		}
	}

	for round := 1; ; round++ {
		if round > s.maxRounds {
			return nil, logBuf, wheelproxy.NewWrappedError(
				wheelproxy.ErrCompilationDidNotConverge,
				fmt.Errorf("exceeded %d rounds", s.maxRounds),
			)
		}
		fmt.Fprintf(logBuf, "ROUND %d", round)

		tainted, err := s.addRound(ctx, g, indexSlugs, platform)
		if err != nil {
			return nil, logBuf, err
		}
		if s.removeRound(g) {
			tainted = true
		}

		if !tainted {
			logBuf.WriteString(": stable, done\n")
			break
		}
		logBuf.WriteString("\n")
	}

	return g, logBuf, nil
}

// addRound implements the ADD ROUND: select (and if necessary build) each
// unbuilt node's release, then merge in its transitive requirements.
func (s *Service) addRound(ctx context.Context, g *graph, indexSlugs []string, platform wheelproxy.Platform) (bool, error) {
	tainted := false

	for _, n := range g.list() {
		if n.hasBuild {
			continue
		}

		build, version, err := s.selectBuild(ctx, n, indexSlugs, platform)
		if err != nil {
			return false, err
		}
		n.build = build
		n.hasBuild = true
		n.version = version

		bk := buildKeyOf(build)
		reqs, err := build.IterRequirements(n.requirement.Extras)
		if err != nil {
			return false, err
		}
		for _, req := range reqs {
			if !markerMatches(req.Markers, platform.Markers) {
				continue
			}
			req.Markers = ""
			changed, err := updateRequirement(g, req, n.name, bk)
			if err != nil {
				return false, err
			}
			if changed {
				tainted = true
			}
		}
	}

	return tainted, nil
}

// selectBuild resolves n's release (or external URL) and ensures it is
// built, per the ADD ROUND's "n.build := ...; if not n.build.is_built:
// rebuild(n.build)".
func (s *Service) selectBuild(ctx context.Context, n *node, indexSlugs []string, platform wheelproxy.Platform) (wheelproxy.Build, string, error) {
	if n.requirement.URL != "" {
		return externalBuild(n.requirement), "", nil
	}

	release, pkgKey, err := findBestRelease(ctx, s.metadata, indexSlugs, n.requirement)
	if err != nil {
		return wheelproxy.Build{}, "", err
	}

	releaseKey := fmt.Sprintf("%s/%s", pkgKey, release.Version)
	build, err := s.metadata.GetBuild(ctx, releaseKey, platform.Slug)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return wheelproxy.Build{}, "", err
	}
	if !build.IsBuilt() {
		build, err = s.builder.Rebuild(ctx, releaseKey, release, platform, false)
		if err != nil {
			return wheelproxy.Build{}, "", wheelproxy.NewWrappedError(wheelproxy.ErrBuildFailed, err)
		}
	}

	return build, release.Version, nil
}

// externalBuild implements SPEC_FULL.md's Open Question resolution #2:
// platform.get_external_build(url) as a Build-shaped value with
// is_external=true, no introspected requirements (none extracted for an
// artifact this proxy never built).
func externalBuild(req wheelproxy.Requirement) wheelproxy.Build {
	return wheelproxy.Build{
		Release:     "external/" + wheelproxy.Normalize(req.Name),
		IsExternal:  true,
		ExternalURL: req.URL,
	}
}

// removeRound implements the REMOVE ROUND: repeatedly prune stale parent
// attributions and delete any undeclared node left with none, until a full
// pass removes nothing.
func (s *Service) removeRound(g *graph) bool {
	anyRemoved := false
	for {
		removedThisPass := false
		for _, n := range g.list() {
			if pruneStaleParents(g, n) {
				removedThisPass = true
			}
			if !n.declared && len(n.requiredBy) == 0 {
				g.delete(n.name)
				removedThisPass = true
			}
		}
		if !removedThisPass {
			break
		}
		anyRemoved = true
	}
	return anyRemoved
}

// findBestRelease implements spec §4.6's find_best_release(indexes,
// requirement): union candidates across indexes in priority order, iterate
// descending, return the first non-prerelease version that satisfies the
// requirement.
func findBestRelease(ctx context.Context, metadata store.MetadataStore, indexSlugs []string, req wheelproxy.Requirement) (wheelproxy.Release, string, error) {
	normalized := wheelproxy.Normalize(req.Name)

	var constraint *semver.Constraints
	if req.Constraints != "" {
		c, err := semver.NewConstraint(req.Constraints)
		if err != nil {
			return wheelproxy.Release{}, "", wheelproxy.NewWrappedError(wheelproxy.ErrUnsatisfiedDependency, err)
		}
		constraint = c
	}

	type candidate struct {
		release wheelproxy.Release
		pkgKey  string
		version *semver.Version
	}

	var candidates []candidate
	var allVersions []string
	for _, indexSlug := range indexSlugs {
		pkgKey := fmt.Sprintf("%s/%s", indexSlug, normalized)
		releases, err := metadata.ListReleases(ctx, pkgKey)
		if err != nil {
			continue
		}
		for _, r := range releases {
			allVersions = append(allVersions, r.Version)
			v, err := semver.NewVersion(r.Version)
			if err != nil {
				continue
			}
			candidates = append(candidates, candidate{release: r, pkgKey: pkgKey, version: v})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].version.GreaterThan(candidates[j].version)
	})

	for _, c := range candidates {
		if c.version.Prerelease() != "" {
			continue
		}
		if constraint != nil && !constraint.Check(c.version) {
			continue
		}
		return c.release, c.pkgKey, nil
	}

	return wheelproxy.Release{}, "", wheelproxy.NewWrappedError(
		wheelproxy.ErrUnsatisfiedDependency,
		fmt.Errorf("%s%s: candidates %v", req.Name, req.Constraints, allVersions),
	)
}

// Resolve implements the `/resolve` HTTP endpoint (spec §6, extended per
// SPEC_FULL.md's Open Question resolution #1 to accept version-range
// requirement lines in addition to bare `name==version` pins): one
// absolute URL per input line, in order. Bare URL lines pass through
// unchanged; name-or-range lines are matched against the indexes and
// resolved to their build URL via pkg/artifact, the same derivation
// pkg/links and pkg/download use.
func (s *Service) Resolve(ctx context.Context, indexSlugs []string, platform wheelproxy.Platform, input string) (string, error) {
	var out []string
	for _, line := range strings.Split(input, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if looksLikeURL(line) {
			out = append(out, line)
			continue
		}

		req := parseRequirementLine(line)
		release, pkgKey, err := findBestRelease(ctx, s.metadata, indexSlugs, req)
		if err != nil {
			return "", err
		}

		releaseKey := fmt.Sprintf("%s/%s", pkgKey, release.Version)
		build, err := s.metadata.GetBuild(ctx, releaseKey, platform.Slug)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return "", err
		}

		enqueue := func(ctx context.Context) error {
			if s.queue == nil {
				return nil
			}
			return s.queue.Enqueue(ctx, tasks.NewBuildTask(pkgKey, release.Version, platform.Slug, false))
		}

		url, err := artifact.URL(ctx, build, release, s.blobs, enqueue, true)
		if err != nil {
			return "", err
		}
		out = append(out, url)
	}

	return strings.Join(out, "\n") + "\n", nil
}
