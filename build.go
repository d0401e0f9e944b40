package wheelproxy

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"
)

// Requirement is a single line of a requirements file: a package name plus
// a version constraint expression (e.g. "requests>=2,<3" or "flask==2.0.1").
type Requirement struct {
	// Name is the distribution name as it appears in the requirement line,
	// before normalization.
	Name string `json:"name,omitempty"`
	// Constraints is the version constraint expression, verbatim.
	Constraints string `json:"constraints,omitempty"`
	// Markers is the (optional) environment marker expression following a
	// ';' in the requirement line, e.g. "sys_platform == 'linux'".
	Markers string `json:"markers,omitempty"`
	// Extras is the set of optional extras requested, e.g. ["security"]
	// for "requests[security]".
	Extras []string `json:"extras,omitempty"`
	// URL is set when the requirement pins a direct artifact location
	// ("pkg @ https://...") rather than a version constraint.
	URL string `json:"url,omitempty"`
}

// Dependency is a resolved edge in a dependency graph: a requirement that
// has been matched to the release that will satisfy it.
type Dependency struct {
	Requirement Requirement `json:"requirement"`
	Release     string      `json:"release,omitempty"`
}

// Platform identifies a target environment a package can be built for: a
// container image, an entrypoint command and a set of environment markers
// used to evaluate conditional requirements.
type Platform struct {
	// Slug uniquely identifies the platform, e.g. "linux-x86_64-cp311".
	Slug string `json:"slug"`
	// Kind distinguishes how the platform is realized. Only "container" is
	// currently supported.
	Kind string `json:"kind"`
	// Image is the container image used to build and introspect packages
	// for this platform.
	Image string `json:"image,omitempty"`
	// Env is the set of environment variables set in the build container.
	Env map[string]string `json:"env,omitempty"`
	// Command is the entrypoint used to drive a build inside the container.
	Command []string `json:"command,omitempty"`
	// Markers is the environment-marker evaluation context for this
	// platform (see pkg/resolver/markers.go): os_name, sys_platform,
	// platform_machine, python_version, platform_python_implementation.
	Markers map[string]string `json:"markers,omitempty"`
}

// BackingIndex identifies an upstream package index this proxy mirrors.
type BackingIndex struct {
	// Slug uniquely identifies the index.
	Slug string `json:"slug"`
	// BaseURL is the root URL of the upstream index.
	BaseURL string `json:"base_url"`
	// Backend selects the upstream protocol: "simple-xmlrpc" or "dev-index".
	Backend string `json:"backend"`
	// LastUpdateSerial is the watermark of the last change this index's
	// synchronizer has observed, used to resume incremental sync.
	LastUpdateSerial int64 `json:"last_update_serial"`
}

// Package is a distribution name known to a BackingIndex.
type Package struct {
	// Name is the distribution name as published by the index.
	Name string `json:"name"`
	// NormalizedName is Name run through Normalize, used as the lookup key.
	NormalizedName string `json:"normalized_name"`
	// Index is the slug of the owning BackingIndex.
	Index string `json:"index"`
}

// Release is a single published version of a Package.
type Release struct {
	Package string `json:"package"`
	Version string `json:"version"`
	// URL is the upstream location of the release artifact.
	URL string `json:"url"`
	// MD5Digest is the checksum published alongside the release, used to
	// validate the blob once fetched and cached.
	MD5Digest string `json:"md5_digest"`
}

// Build is a compiled artifact of a Release for a given Platform.
type Build struct {
	Release  string `json:"release"`
	Platform string `json:"platform"`

	// ArtifactKey is the content-addressed key of the built artifact in
	// the Blob Store. Empty until the build has completed successfully.
	ArtifactKey string `json:"artifact_key,omitempty"`
	MD5Digest   string `json:"md5_digest,omitempty"`
	Filesize    int64  `json:"filesize,omitempty"`

	// IsExternal marks a Build that was never produced by this proxy's
	// Build Executor but instead points at an artifact hosted elsewhere
	// (see Open Question resolution #2 in SPEC_FULL.md).
	IsExternal  bool   `json:"is_external,omitempty"`
	ExternalURL string `json:"external_url,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
	// Log is the build log captured from the build container, uncompressed.
	Log []byte `json:"-"`

	StartedAt   time.Time `json:"started_at,omitempty"`
	FinishedAt  time.Time `json:"finished_at,omitempty"`
	DurationSec float64   `json:"duration_seconds,omitempty"`
}

// IsBuilt reports whether this Build has a usable artifact, local or
// external.
func (b Build) IsBuilt() bool {
	return b.ArtifactKey != "" || (b.IsExternal && b.ExternalURL != "")
}

// RequirementSpec is the JSON-encoded shape of one entry in a Build's
// Metadata["requirements"] key, populated by the Build Executor from the
// artifact's own dependency metadata (e.g. a wheel's Requires-Dist).
type RequirementSpec struct {
	Name          string   `json:"name"`
	Constraints   string   `json:"constraints,omitempty"`
	Markers       string   `json:"markers,omitempty"`
	Extras        []string `json:"extras,omitempty"`
	// RequiredExtra, when set, means this dependency only applies when the
	// consuming requirement requested this extra (e.g. "security").
	RequiredExtra string `json:"required_extra,omitempty"`
}

// IterRequirements implements n.build.iter_requirements(extras) of spec
// §4.6: the Build's declared dependencies, filtered to those unconditional
// or conditioned on one of the requested extras. A Build with no
// "requirements" metadata (a leaf artifact, or an external build never
// introspected) has none.
func (b Build) IterRequirements(extras []string) ([]Requirement, error) {
	raw, ok := b.Metadata["requirements"]
	if !ok || raw == "" {
		return nil, nil
	}

	var specs []RequirementSpec
	if err := json.Unmarshal([]byte(raw), &specs); err != nil {
		return nil, err
	}

	wanted := make(map[string]bool, len(extras))
	for _, e := range extras {
		wanted[e] = true
	}

	var reqs []Requirement
	for _, s := range specs {
		if s.RequiredExtra != "" && !wanted[s.RequiredExtra] {
			continue
		}
		reqs = append(reqs, Requirement{
			Name:        s.Name,
			Constraints: s.Constraints,
			Markers:     s.Markers,
			Extras:      s.Extras,
		})
	}
	return reqs, nil
}

// CompiledRequirements is the result of resolving one requirements input
// file for a given Platform.
type CompiledRequirements struct {
	Platform string `json:"platform"`
	// Indexes is the ordered list of BackingIndex slugs the compilation
	// resolves against, in priority order (mirrors the Link Listing
	// Service's indexSlugs ordering for the same reason: priority order
	// affects which release wins a name across indexes).
	Indexes []string `json:"indexes,omitempty"`
	// Input is the verbatim requirements file submitted for compilation.
	Input string `json:"input"`
	// Output is the fully pinned requirements file produced by the
	// resolver, one "name==version" per line, sorted.
	Output string `json:"output,omitempty"`
	// Log records the rounds the resolver went through, for diagnosing
	// IncompatibleRequirements / CompilationDidNotConverge failures.
	Log string `json:"log,omitempty"`
	// Status is one of "pending", "ok", "failed".
	Status string `json:"status"`
}

var normalizeRe = regexp.MustCompile(`[-_.]+`)

// Normalize implements the name-normalization rule of spec §6: runs of
// '-', '_' and '.' collapse to a single '-' and the result is lower-cased.
// Two distribution names that normalize to the same string refer to the
// same Package.
func Normalize(name string) string {
	return strings.ToLower(normalizeRe.ReplaceAllString(name, "-"))
}
