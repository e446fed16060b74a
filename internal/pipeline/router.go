package pipeline

import (
	"regexp"
	"strings"

	"github.com/tinywideclouds/go-push-gateway/pkg/dispatch"
)

// Router resolves a device's app_id to the backend configured for it.
// Read-only after startup, so it is safe to share across requests.
type Router struct {
	exact map[string]dispatch.Backend
	globs []globBackend
}

type globBackend struct {
	re      *regexp.Regexp
	backend dispatch.Backend
}

// NewRouter indexes backends by their configured name. Names containing
// * or ? are compiled as glob patterns: * matches one or more characters,
// ? exactly one, every other character is literal, and the pattern has to
// cover the whole app id.
func NewRouter(backends ...dispatch.Backend) *Router {
	r := &Router{exact: make(map[string]dispatch.Backend, len(backends))}
	for _, b := range backends {
		name := b.Name()
		if strings.ContainsAny(name, "*?") {
			r.globs = append(r.globs, globBackend{re: compileGlob(name), backend: b})
			continue
		}
		r.exact[name] = b
	}
	return r
}

// Find returns every backend whose configured name covers the app id. An
// exact config key wins outright; otherwise all matching glob patterns are
// returned, so the caller can treat more than one match as ambiguous
// rather than silently picking a winner.
func (r *Router) Find(appID string) []dispatch.Backend {
	if b, ok := r.exact[appID]; ok {
		return []dispatch.Backend{b}
	}
	var matches []dispatch.Backend
	for _, g := range r.globs {
		if g.re.MatchString(appID) {
			matches = append(matches, g.backend)
		}
	}
	return matches
}

// compileGlob anchors the pattern to the whole app id and quotes every
// non-wildcard character. App ids compare case-sensitively.
func compileGlob(pattern string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString(`\A`)
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(`.+`)
		case '?':
			b.WriteString(`.`)
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString(`\z`)
	return regexp.MustCompile(b.String())
}
