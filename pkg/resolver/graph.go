package resolver

import (
	"fmt"
	"sort"
	"strings"

	"github.com/wheelproxy/wheelproxy"
)

// node is one package in the compiled dependency graph. Parent references
// are tracked by name, never by pointer — spec's "Cyclic/graph structures"
// design note — so deleting a node never leaves a dangling reference
// anywhere else in the graph.
type node struct {
	name        string
	requirement wheelproxy.Requirement
	declared    bool
	hasBuild    bool
	build       wheelproxy.Build
	version     string

	// requiredBy maps a requiring node's name to that node's build key at
	// the time the requirement was recorded. A stale entry — the parent's
	// selected build has since changed, or the parent node is gone — is
	// pruned during the REMOVE ROUND.
	requiredBy map[string]string
}

// graph is the arena of §9: nodes live in an ordered map keyed by
// normalized name, insertion order preserved for deterministic logs and
// formatting.
type graph struct {
	order []string
	nodes map[string]*node
}

func newGraph() *graph {
	return &graph{nodes: map[string]*node{}}
}

func (g *graph) get(name string) (*node, bool) {
	n, ok := g.nodes[name]
	return n, ok
}

func (g *graph) list() []*node {
	out := make([]*node, 0, len(g.order))
	for _, name := range g.order {
		if n, ok := g.nodes[name]; ok {
			out = append(out, n)
		}
	}
	return out
}

func (g *graph) delete(name string) {
	delete(g.nodes, name)
	for i, n := range g.order {
		if n == name {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
}

func buildKeyOf(b wheelproxy.Build) string {
	return fmt.Sprintf("%s@%s", b.Release, b.Platform)
}

// updateRequirement implements update_requirement(req, required_by) of
// spec §4.6: if the normalized name is new, insert a declared-iff-no-parent
// node; else merge into the existing node, clearing its build selection
// whenever the merge changes its effective requirement. Returns whether
// anything changed, so callers can decide whether another round is needed.
//
// requiredByName/requiredByBuildKey are empty for a top-level (declared)
// requirement.
func updateRequirement(g *graph, req wheelproxy.Requirement, requiredByName, requiredByBuildKey string) (bool, error) {
	name := wheelproxy.Normalize(req.Name)

	n, exists := g.get(name)
	if !exists {
		n = &node{
			name:        name,
			requirement: req,
			declared:    requiredByName == "",
			requiredBy:  map[string]string{},
		}
		if requiredByName != "" {
			n.requiredBy[requiredByName] = requiredByBuildKey
		}
		g.nodes[name] = n
		g.order = append(g.order, name)
		return true, nil
	}

	changed := false
	if requiredByName != "" && n.requiredBy[requiredByName] != requiredByBuildKey {
		n.requiredBy[requiredByName] = requiredByBuildKey
		changed = true
	}

	merged, specifierChanged, err := mergeRequirements(n.requirement, req)
	if err != nil {
		return false, err
	}
	if specifierChanged {
		n.requirement = merged
		n.hasBuild = false
		n.build = wheelproxy.Build{}
		n.version = ""
		changed = true
	}

	return changed, nil
}

// mergeRequirements is the pure function of spec §4.6: intersect version
// specifiers, union extras, adopt a carried URL. Real package managers
// (pip included) reject a plain version specifier coexisting with a direct
// URL pin for the same name outright — spec §8 scenario 4's worked example
// (`pkg @ url` merged with `pkg==2.0`) only makes sense as
// IncompatibleRequirements under that reading, so a URL pin conflicting
// with ANY specifier on the other side fails here, not just two differing
// URLs.
func mergeRequirements(existing, incoming wheelproxy.Requirement) (wheelproxy.Requirement, bool, error) {
	if existing.URL != "" && incoming.URL != "" && existing.URL != incoming.URL {
		return wheelproxy.Requirement{}, false, wheelproxy.NewWrappedError(
			wheelproxy.ErrIncompatibleRequirements,
			fmt.Errorf("%s: conflicting urls %q and %q", existing.Name, existing.URL, incoming.URL),
		)
	}
	if existing.URL != "" && incoming.Constraints != "" {
		return wheelproxy.Requirement{}, false, wheelproxy.NewWrappedError(
			wheelproxy.ErrIncompatibleRequirements,
			fmt.Errorf("%s: url pin %q conflicts with version specifier %q", existing.Name, existing.URL, incoming.Constraints),
		)
	}
	if incoming.URL != "" && existing.Constraints != "" {
		return wheelproxy.Requirement{}, false, wheelproxy.NewWrappedError(
			wheelproxy.ErrIncompatibleRequirements,
			fmt.Errorf("%s: url pin %q conflicts with version specifier %q", existing.Name, incoming.URL, existing.Constraints),
		)
	}

	merged := existing
	merged.URL = existing.URL
	if merged.URL == "" {
		merged.URL = incoming.URL
	}
	merged.Constraints = intersectConstraints(existing.Constraints, incoming.Constraints)
	merged.Extras = unionExtras(existing.Extras, incoming.Extras)

	changed := merged.Constraints != existing.Constraints ||
		merged.URL != existing.URL ||
		!sameExtras(merged.Extras, existing.Extras)

	return merged, changed, nil
}

func splitConstraintParts(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// intersectConstraints concatenates the deduplicated constraint clauses of
// a and b. This is a real intersection, not just a textual merge:
// github.com/Masterminds/semver/v3 ANDs comma-separated clauses together,
// so "a,b" already means "satisfies a and satisfies b".
func intersectConstraints(a, b string) string {
	seen := map[string]bool{}
	var out []string
	for _, p := range append(splitConstraintParts(a), splitConstraintParts(b)...) {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return strings.Join(out, ",")
}

func unionExtras(a, b []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, e := range append(append([]string{}, a...), b...) {
		if !seen[e] {
			seen[e] = true
			out = append(out, e)
		}
	}
	sort.Strings(out)
	return out
}

func sameExtras(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// pruneStaleParents drops any requiredBy entry whose recorded parent build
// key no longer matches that parent's current selection (or whose parent
// is gone entirely), per the REMOVE ROUND's "drop from n.required_by any
// build no longer represented in the graph".
func pruneStaleParents(g *graph, n *node) bool {
	changed := false
	for parent, key := range n.requiredBy {
		pn, ok := g.get(parent)
		if !ok || !pn.hasBuild || buildKeyOf(pn.build) != key {
			delete(n.requiredBy, parent)
			changed = true
		}
	}
	return changed
}
