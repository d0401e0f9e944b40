package resolver

import (
	"strings"

	"github.com/wheelproxy/wheelproxy"
)

// parseRequirementsInput splits a textual requirements file (spec §4.6
// input: "one line per top-level constraint; may include direct URL
// specifications") into Requirements, skipping blank lines and comments.
func parseRequirementsInput(text string) []wheelproxy.Requirement {
	var out []wheelproxy.Requirement
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		req := parseRequirementLine(line)
		if req.Name == "" {
			continue
		}
		out = append(out, req)
	}
	return out
}

// parseRequirementLine parses one requirements-file line: a name, optional
// `[extra1,extra2]` extras, then either a `@ <url>` direct reference or a
// version specifier, followed by an optional `; <marker expression>`.
func parseRequirementLine(line string) wheelproxy.Requirement {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return wheelproxy.Requirement{}
	}

	var markers string
	if idx := strings.Index(line, ";"); idx >= 0 {
		markers = strings.TrimSpace(line[idx+1:])
		line = strings.TrimSpace(line[:idx])
	}

	name := line
	var url, constraints string
	var extras []string

	if idx := strings.Index(line, "@"); idx >= 0 {
		name = strings.TrimSpace(line[:idx])
		if b := strings.Index(name, "["); b >= 0 {
			if e := strings.Index(name, "]"); e > b {
				for _, x := range strings.Split(name[b+1:e], ",") {
					if x = strings.TrimSpace(x); x != "" {
						extras = append(extras, x)
					}
				}
				name = name[:b]
			}
		}
		url = strings.TrimSpace(line[idx+1:])
		// A "#egg=name==version" fragment is an informational alias for
		// the artifact's identity, not a separate constraint, and is
		// dropped; a plain "name==version" line for the same name fails
		// to merge with this one (IncompatibleRequirements).
		if fragIdx := strings.Index(url, "#"); fragIdx >= 0 {
			url = url[:fragIdx]
		}
	} else {
		if b := strings.Index(name, "["); b >= 0 {
			if e := strings.Index(name, "]"); e > b {
				for _, x := range strings.Split(name[b+1:e], ",") {
					x = strings.TrimSpace(x)
					if x != "" {
						extras = append(extras, x)
					}
				}
				name = name[:b] + name[e+1:]
			}
		}

		for i, r := range name {
			if strings.ContainsRune("=<>!~", r) {
				constraints = strings.TrimSpace(name[i:])
				name = strings.TrimSpace(name[:i])
				break
			}
		}
	}

	return wheelproxy.Requirement{
		Name:        strings.TrimSpace(name),
		Constraints: constraints,
		Markers:     markers,
		Extras:      extras,
		URL:         url,
	}
}

// looksLikeURL reports whether a /resolve input line is a bare absolute
// URL rather than a "name==version" pin (SPEC_FULL.md Open Question
// resolution #1).
func looksLikeURL(line string) bool {
	return strings.HasPrefix(line, "http://") || strings.HasPrefix(line, "https://")
}
