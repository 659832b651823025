package browser

import (
	"fmt"

	"github.com/gobwas/glob"
)

// RequestFilter decides which network requests a page aborts. A request is
// blocked when its resource type is listed or its URL matches one of the
// glob patterns.
type RequestFilter struct {
	resourceTypes map[string]struct{}
	patterns      []glob.Glob
}

// NewRequestFilter compiles a filter. Patterns are matched against the full
// request URL using glob syntax with '.' and '/' as separators: '*' stays
// within one host label or path segment, '**' crosses them, as in
// "https://*.doubleclick.net/**".
func NewRequestFilter(resourceTypes []string, urlPatterns []string) (*RequestFilter, error) {
	f := &RequestFilter{
		resourceTypes: make(map[string]struct{}, len(resourceTypes)),
		patterns:      make([]glob.Glob, 0, len(urlPatterns)),
	}

	for _, rt := range resourceTypes {
		f.resourceTypes[rt] = struct{}{}
	}

	for _, pattern := range urlPatterns {
		g, err := glob.Compile(pattern, '.', '/')
		if err != nil {
			return nil, fmt.Errorf("invalid url pattern %q: %w", pattern, err)
		}
		f.patterns = append(f.patterns, g)
	}

	return f, nil
}

// Blocks reports whether a request should be aborted.
func (f *RequestFilter) Blocks(resourceType, url string) bool {
	if f == nil {
		return false
	}
	if _, ok := f.resourceTypes[resourceType]; ok {
		return true
	}
	for _, g := range f.patterns {
		if g.Match(url) {
			return true
		}
	}
	return false
}
