// Package pathfilter decides, per file path, whether a descriptor is
// managed by the middleware or passed straight through.
package pathfilter

import "strings"

// Filter answers the managed/unmanaged question for one care root. It has
// no normalization, no wildcarding and no symlink resolution by design:
// the match is a byte-level prefix test, exactly as the path arrives from
// the application.
type Filter struct {
	careRoot string
}

// New builds a Filter for the given care root. An empty careRoot means
// no file is ever managed.
func New(careRoot string) Filter {
	return Filter{careRoot: careRoot}
}

// IsManaged reports whether path falls under the configured care root.
func (f Filter) IsManaged(path string) bool {
	if f.careRoot == "" {
		return false
	}
	return strings.HasPrefix(path, f.careRoot)
}

// CareRoot returns the configured prefix.
func (f Filter) CareRoot() string {
	return f.careRoot
}
