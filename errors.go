package wheelproxy

import "errors"

// Sentinel errors identifying the kinds of failure a component of the proxy
// can report. They are surfaced wrapped, either in a WrappedError with the
// reason carrying the underlying cause (an upstream HTTP status, a build log
// tail, a resolver conflict, ...) or with fmt.Errorf's %w, so errors.Is
// matches them either way.
var (
	ErrPackageNotFound           = errors.New("package not found")             //nolint:revive
	ErrUpstreamUnavailable       = errors.New("upstream unavailable")          //nolint:revive
	ErrBuildFailed               = errors.New("build failed")                 //nolint:revive
	ErrUnsatisfiedDependency     = errors.New("unsatisfied dependency")       //nolint:revive
	ErrIncompatibleRequirements  = errors.New("incompatible requirements")    //nolint:revive
	ErrCompilationDidNotConverge = errors.New("compilation did not converge") //nolint:revive
	ErrNotFound                  = errors.New("not found")                    //nolint:revive
	ErrInvariantViolation        = errors.New("invariant violation")          //nolint:revive
)
