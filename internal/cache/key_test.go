package cache

import (
	"net/http"
	"net/url"
	"testing"
)

func TestBuildKeyDeterministic(t *testing.T) {
	b := NewKeyBuilder("hello_world_with_cache", []string{"name"})

	q := url.Values{"name": {"test"}}
	h := http.Header{}

	key1, _ := b.Build("GET", "/hello/world", q, h)
	key2, _ := b.Build("GET", "/hello/world", q, h)
	if key1 != key2 {
		t.Error("identical inputs should produce the same key")
	}
}

func TestBuildKeyChangesWithInputs(t *testing.T) {
	b := NewKeyBuilder("route", []string{"name"})
	h := http.Header{}

	base, _ := b.Build("GET", "/hello", url.Values{"name": {"test"}}, h)

	byMethod, _ := b.Build("POST", "/hello", url.Values{"name": {"test"}}, h)
	if byMethod == base {
		t.Error("method change should change the key")
	}

	byPath, _ := b.Build("GET", "/world", url.Values{"name": {"test"}}, h)
	if byPath == base {
		t.Error("path change should change the key")
	}

	byValue, _ := b.Build("GET", "/hello", url.Values{"name": {"john"}}, h)
	if byValue == base {
		t.Error("invalidator value change should change the key")
	}
}

func TestBuildKeyAbsentVsEmpty(t *testing.T) {
	b := NewKeyBuilder("route", []string{"name"})
	h := http.Header{}

	absent, _ := b.Build("GET", "/p", url.Values{}, h)
	empty, _ := b.Build("GET", "/p", url.Values{"name": {""}}, h)
	present, _ := b.Build("GET", "/p", url.Values{"name": {"v"}}, h)

	if absent == empty {
		t.Error("absent invalidator should differ from empty value")
	}
	if empty == present {
		t.Error("empty value should differ from non-empty value")
	}
}

func TestBuildKeyQueryWinsOverHeader(t *testing.T) {
	b := NewKeyBuilder("route", []string{"tenant"})

	h := http.Header{}
	h.Set("tenant", "from-header")

	fromQuery, _ := b.Build("GET", "/p", url.Values{"tenant": {"from-query"}}, h)
	queryOnly, _ := b.Build("GET", "/p", url.Values{"tenant": {"from-query"}}, http.Header{})
	if fromQuery != queryOnly {
		t.Error("query parameter should take priority over a header of the same name")
	}

	headerOnly, _ := b.Build("GET", "/p", url.Values{}, h)
	if headerOnly == queryOnly {
		t.Error("header fallback should produce the header's value, not the query's")
	}
}

func TestBuildKeyHeaderFallback(t *testing.T) {
	b := NewKeyBuilder("route", []string{"X-Tenant"})

	h := http.Header{}
	h.Set("X-Tenant", "acme")

	_, values := b.Build("GET", "/p", url.Values{}, h)
	if len(values) != 1 || values[0] != "X-Tenant=acme" {
		t.Errorf("unexpected values: %v", values)
	}
}

func TestBuildKeyOrderIrrelevant(t *testing.T) {
	// Invalidator declaration order must not leak into the key.
	b1 := NewKeyBuilder("route", []string{"a", "b"})
	b2 := NewKeyBuilder("route", []string{"b", "a"})

	q := url.Values{"a": {"1"}, "b": {"2"}}
	k1, _ := b1.Build("GET", "/p", q, http.Header{})
	k2, _ := b2.Build("GET", "/p", q, http.Header{})
	if k1 != k2 {
		t.Error("invalidator order should not affect the key")
	}
}

func TestBuildKeyDistinctRoutes(t *testing.T) {
	q := url.Values{"name": {"test"}}
	k1, _ := NewKeyBuilder("route_a", nil).Build("GET", "/p", q, http.Header{})
	k2, _ := NewKeyBuilder("route_b", nil).Build("GET", "/p", q, http.Header{})
	if k1 == k2 {
		t.Error("distinct route ids should produce distinct keys")
	}
}

func TestBuildKeyFixedLength(t *testing.T) {
	b := NewKeyBuilder("route", []string{"name"})
	long := url.Values{"name": {string(make([]byte, 10000))}}
	key, _ := b.Build("GET", "/p", long, http.Header{})
	if len(key) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(key))
	}
}
