package router

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	expirable "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/julienschmidt/httprouter"

	"github.com/restgate/restgate/internal/config"
)

// Route is a compiled route definition.
type Route struct {
	ID              string
	Pattern         string
	Wildcard        bool
	Target          *url.URL
	ExcludedHeaders map[string]struct{} // canonicalized names stripped from outbound requests
	Config          config.RouteConfig
}

// Match is the result of resolving a request against the route table.
// ResolvedPath is always the full incoming path, never the pattern: a request
// for /cat/facts/list matched by cat/* resolves to /cat/facts/list, and that
// literal path feeds the cache key.
type Match struct {
	Route        *Route
	ResolvedPath string
}

// prefixRoute holds a wildcard route with its pre-split literal prefix.
type prefixRoute struct {
	route    *Route
	segments []string
}

// Resolver maps a request path to a configured route. Routes carry no method
// restriction, so matching ignores the method entirely. Exact patterns always
// win over wildcards; among wildcard matches the longest literal prefix wins.
// A Resolver is immutable once built: configuration reloads build a fresh one
// and swap it in, so every request observes one consistent snapshot.
type Resolver struct {
	tree     *httprouter.Router // exact patterns (tier 1)
	prefixes []*prefixRoute     // wildcard patterns, most segments first (tier 2)
	routes   []*Route
	memo     *expirable.LRU[string, *Match]
}

// httprouter keys its radix trees by method. Matching here is
// method-independent, so every pattern registers under this single key and
// lookups always dispatch with it.
const treeMethod = http.MethodGet

const (
	memoSize = 4096
	memoTTL  = time.Minute
)

// Build compiles the route table from a configuration snapshot.
func Build(routes []config.RouteConfig) (*Resolver, error) {
	tree := httprouter.New()
	tree.HandleMethodNotAllowed = false
	tree.RedirectTrailingSlash = false
	tree.RedirectFixedPath = false

	rv := &Resolver{
		tree: tree,
		memo: expirable.NewLRU[string, *Match](memoSize, nil, memoTTL),
	}

	for _, rc := range routes {
		target, err := url.Parse(rc.URL)
		if err != nil {
			return nil, fmt.Errorf("route %s: invalid url: %w", rc.ID, err)
		}

		route := &Route{
			ID:              rc.ID,
			Pattern:         rc.Route,
			Wildcard:        rc.IsWildcard(),
			Target:          target,
			ExcludedHeaders: rc.ExcludedHeaderSet(),
			Config:          rc,
		}

		if route.Wildcard {
			rv.addPrefixRoute(route)
		} else {
			rv.addExactRoute(route)
		}
		rv.routes = append(rv.routes, route)
	}

	// Most-specific wildcard first
	sort.SliceStable(rv.prefixes, func(i, j int) bool {
		return len(rv.prefixes[i].segments) > len(rv.prefixes[j].segments)
	})

	return rv, nil
}

// addExactRoute registers a literal pattern in the httprouter radix tree.
func (rv *Resolver) addExactRoute(route *Route) {
	rv.tree.Handler(treeMethod, normalizePattern(route.Pattern), &captureHandler{route: route})
}

// addPrefixRoute keeps wildcard patterns out of the radix tree so their
// catch-alls cannot conflict with literal patterns sharing a prefix.
func (rv *Resolver) addPrefixRoute(route *Route) {
	literal := strings.TrimSuffix(route.Pattern, "*")
	rv.prefixes = append(rv.prefixes, &prefixRoute{
		route:    route,
		segments: splitPath(literal),
	})
}

// Resolve maps an inbound path to a route. Returns nil when no configured
// route matches; the caller surfaces that as a 404.
func (rv *Resolver) Resolve(path string) *Match {
	if m, ok := rv.memo.Get(path); ok {
		return m
	}

	m := rv.resolve(path)
	if m != nil {
		rv.memo.Add(path, m)
	}
	return m
}

// Routes returns all compiled routes in configuration order.
func (rv *Resolver) Routes() []*Route {
	return rv.routes
}

func (rv *Resolver) resolve(path string) *Match {
	// Tier 1: exact literal patterns
	cw := &captureWriter{}
	req := &http.Request{Method: treeMethod, URL: &url.URL{Path: path}}
	rv.tree.ServeHTTP(cw, req)
	if cw.route != nil {
		return &Match{Route: cw.route, ResolvedPath: path}
	}

	// Tier 2: wildcard prefixes, longest first
	reqSegments := splitPath(path)
	for _, pr := range rv.prefixes {
		if pathHasPrefix(reqSegments, pr.segments) {
			return &Match{Route: pr.route, ResolvedPath: path}
		}
	}

	return nil
}

// captureHandler stores its route into the captureWriter during tree dispatch.
type captureHandler struct {
	route *Route
}

func (h *captureHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if cw, ok := w.(*captureWriter); ok {
		cw.route = h.route
	}
}

// captureWriter is a no-op ResponseWriter used to extract the matched route
// from httprouter dispatch without writing any actual HTTP response.
type captureWriter struct {
	route  *Route
	header http.Header
}

func (cw *captureWriter) Header() http.Header {
	if cw.header == nil {
		cw.header = make(http.Header)
	}
	return cw.header
}

func (cw *captureWriter) Write([]byte) (int, error) { return 0, nil }
func (cw *captureWriter) WriteHeader(int)           {}

// normalizePattern ensures a leading slash.
func normalizePattern(pattern string) string {
	if !strings.HasPrefix(pattern, "/") {
		return "/" + pattern
	}
	return pattern
}

// splitPath splits a URL path into non-empty segments.
func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// pathHasPrefix checks if reqSegments starts with prefixSegments.
func pathHasPrefix(reqSegments, prefixSegments []string) bool {
	if len(reqSegments) < len(prefixSegments) {
		return false
	}
	for i, seg := range prefixSegments {
		if reqSegments[i] != seg {
			return false
		}
	}
	return true
}
