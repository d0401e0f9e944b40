package resolver

import (
	"fmt"
	"sort"
	"strings"
)

// DefaultUnsafePackages is the default "unsafe" set of spec §4.9 rule 5,
// overridden by the UNSAFE_PACKAGES configuration key (spec §6).
var DefaultUnsafePackages = []string{"setuptools"}

// formatGraph implements spec §4.9's graph formatter over a compiled graph:
// URL-pinned requirements first, a blank line, then sorted `name==version`
// pins annotated with their parents, then the unsafe set last and
// commented out.
func formatGraph(g *graph, unsafe map[string]bool) string {
	var urlNodes, pinnedNodes, unsafeNodes []*node

	for _, n := range g.list() {
		switch {
		case unsafe[n.name]:
			unsafeNodes = append(unsafeNodes, n)
		case n.requirement.URL != "":
			urlNodes = append(urlNodes, n)
		default:
			pinnedNodes = append(pinnedNodes, n)
		}
	}

	sortByName(urlNodes)
	sortByName(pinnedNodes)
	sortByName(unsafeNodes)

	var b strings.Builder

	for _, n := range urlNodes {
		line := n.requirement.URL
		if via := viaComment(n); via != "" {
			line += "   " + via
		}
		b.WriteString(line + "\n")
	}
	if len(urlNodes) > 0 {
		b.WriteString("\n")
	}

	for _, n := range pinnedNodes {
		line := fmt.Sprintf("%s==%s", n.name, n.version)
		if via := viaComment(n); via != "" {
			line += "   " + via
		}
		b.WriteString(line + "\n")
	}

	if len(unsafeNodes) > 0 {
		b.WriteString("\n# The following packages are considered to be unsafe in a requirements file:\n")
		for _, n := range unsafeNodes {
			line := fmt.Sprintf("# %s==%s", n.name, n.version)
			if via := viaComment(n); via != "" {
				line += "   " + via
			}
			b.WriteString(line + "\n")
		}
	}

	return b.String()
}

func sortByName(nodes []*node) {
	sort.Slice(nodes, func(i, j int) bool {
		return strings.ToLower(nodes[i].name) < strings.ToLower(nodes[j].name)
	})
}

func viaComment(n *node) string {
	if n.declared || len(n.requiredBy) == 0 {
		return ""
	}
	parents := make([]string, 0, len(n.requiredBy))
	for p := range n.requiredBy {
		parents = append(parents, p)
	}
	sort.Strings(parents)
	return "# via " + strings.Join(parents, ",")
}

func unsafeSet(names []string) map[string]bool {
	if len(names) == 0 {
		names = DefaultUnsafePackages
	}
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[n] = true
	}
	return out
}
