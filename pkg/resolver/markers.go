package resolver

import (
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// markerMatches evaluates a PEP 508-style environment marker expression
// against a Platform's declared environment — SPEC_FULL.md's Open Question
// resolution #3: the keys consumed are os_name, sys_platform,
// platform_machine, python_version and platform_python_implementation,
// mirroring the packaging-ecosystem marker environment since this proxy's
// domain is wheel-style distributions built for one declared Platform.
//
// Supported grammar: a sequence of "key <op> 'value'" comparisons joined by
// "and"/"or", with "and" binding tighter than "or" and no parentheses —
// the subset actually exercised by this proxy's Platform definitions. An
// empty expression always matches.
func markerMatches(expr string, env map[string]string) bool {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true
	}

	for _, orPart := range splitKeyword(expr, " or ") {
		allTrue := true
		for _, atom := range splitKeyword(orPart, " and ") {
			if !evalAtom(strings.TrimSpace(atom), env) {
				allTrue = false
				break
			}
		}
		if allTrue {
			return true
		}
	}
	return false
}

func splitKeyword(expr, keyword string) []string {
	return strings.Split(expr, keyword)
}

var atomRe = regexp.MustCompile(`^([a-z_]+)\s*(==|!=|>=|<=|>|<)\s*['"]?([^'"]*)['"]?$`)

func evalAtom(atom string, env map[string]string) bool {
	m := atomRe.FindStringSubmatch(atom)
	if m == nil {
		return false
	}
	key, op, value := m[1], m[2], strings.TrimSpace(m[3])

	actual, ok := env[key]
	if !ok {
		return false
	}

	switch op {
	case "==":
		return actual == value
	case "!=":
		return actual != value
	default:
		return compareOrdered(actual, value, op)
	}
}

// compareOrdered handles >=, <=, >, < — tried as semver versions first
// (python_version compares numerically: "3.9" < "3.10"), falling back to a
// lexicographic comparison for anything that doesn't parse.
func compareOrdered(actual, value, op string) bool {
	av, aerr := semver.NewVersion(actual)
	vv, verr := semver.NewVersion(value)
	if aerr == nil && verr == nil {
		switch op {
		case ">=":
			return av.GreaterThan(vv) || av.Equal(vv)
		case "<=":
			return av.LessThan(vv) || av.Equal(vv)
		case ">":
			return av.GreaterThan(vv)
		case "<":
			return av.LessThan(vv)
		}
	}

	switch op {
	case ">=":
		return actual >= value
	case "<=":
		return actual <= value
	case ">":
		return actual > value
	case "<":
		return actual < value
	}
	return false
}
