package router

import (
	"testing"

	"github.com/restgate/restgate/internal/config"
)

func buildResolver(t *testing.T, routes ...config.RouteConfig) *Resolver {
	t.Helper()
	rv, err := Build(routes)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return rv
}

func route(id, pattern string) config.RouteConfig {
	return config.RouteConfig{ID: id, Route: pattern, URL: "http://upstream.local"}
}

func TestResolveExact(t *testing.T) {
	rv := buildResolver(t, route("hello", "hello/world"))

	m := rv.Resolve("/hello/world")
	if m == nil {
		t.Fatal("expected match")
	}
	if m.Route.ID != "hello" {
		t.Errorf("unexpected route: %s", m.Route.ID)
	}
	if m.ResolvedPath != "/hello/world" {
		t.Errorf("unexpected resolved path: %s", m.ResolvedPath)
	}
}

func TestResolveNotFound(t *testing.T) {
	rv := buildResolver(t, route("hello", "hello/world"))

	if m := rv.Resolve("/nope"); m != nil {
		t.Errorf("expected no match, got %s", m.Route.ID)
	}
	if m := rv.Resolve("/hello/world/extra"); m != nil {
		t.Errorf("exact pattern should not match subpaths, got %s", m.Route.ID)
	}
}

func TestResolveWildcardUsesResolvedPath(t *testing.T) {
	rv := buildResolver(t, route("cats", "cat/*"))

	m := rv.Resolve("/cat/facts/list")
	if m == nil {
		t.Fatal("expected match")
	}
	if m.Route.ID != "cats" {
		t.Errorf("unexpected route: %s", m.Route.ID)
	}
	if m.ResolvedPath != "/cat/facts/list" {
		t.Errorf("resolved path must be the incoming path, got %s", m.ResolvedPath)
	}
}

func TestResolveWildcardMatchesBase(t *testing.T) {
	rv := buildResolver(t, route("cats", "cat/*"))

	if m := rv.Resolve("/cat"); m == nil {
		t.Error("wildcard should match its own base path")
	}
	if m := rv.Resolve("/category"); m != nil {
		t.Error("prefix matching is per segment, /category must not match cat/*")
	}
}

func TestExactWinsOverWildcard(t *testing.T) {
	rv := buildResolver(t,
		route("wild", "cat/*"),
		route("exact", "cat/facts"),
	)

	m := rv.Resolve("/cat/facts")
	if m == nil || m.Route.ID != "exact" {
		t.Fatalf("exact route should win, got %v", m)
	}

	m = rv.Resolve("/cat/breeds")
	if m == nil || m.Route.ID != "wild" {
		t.Fatalf("wildcard should catch other subpaths, got %v", m)
	}
}

func TestLongestWildcardPrefixWins(t *testing.T) {
	rv := buildResolver(t,
		route("shallow", "api/*"),
		route("deep", "api/v2/*"),
	)

	m := rv.Resolve("/api/v2/users")
	if m == nil || m.Route.ID != "deep" {
		t.Fatalf("longest prefix should win, got %v", m)
	}

	m = rv.Resolve("/api/v1/users")
	if m == nil || m.Route.ID != "shallow" {
		t.Fatalf("shorter prefix should catch the rest, got %v", m)
	}
}

func TestResolveMemoized(t *testing.T) {
	rv := buildResolver(t, route("cats", "cat/*"))

	m1 := rv.Resolve("/cat/facts")
	m2 := rv.Resolve("/cat/facts")
	if m1 != m2 {
		t.Error("repeated resolution should return the memoized match")
	}
}

func TestBuildInvalidURL(t *testing.T) {
	_, err := Build([]config.RouteConfig{{ID: "bad", Route: "x", URL: "http://bad url with spaces"}})
	if err == nil {
		t.Fatal("expected error for invalid target URL")
	}
}
