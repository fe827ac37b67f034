package config

import (
	"os"
	"testing"
	"time"
)

const validYAML = `
listen:
  address: ":8080"
routes:
  - id: hello_world_with_cache
    route: hello/world
    url: http://localhost:5000/hello
    excluded_headers: "X-Api-Key, Host"
    cache:
      memory:
        duration_in_milliseconds: 20000
        invalidators: "name"
        exclude_status_codes_from_cache: "429"
  - id: cat_proxy
    route: cat/*
    url: https://catfact.ninja
`

func TestParseValid(t *testing.T) {
	cfg, err := NewLoader().Parse([]byte(validYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Routes) != 2 {
		t.Fatalf("expected 2 routes, got %d", len(cfg.Routes))
	}

	r := cfg.Routes[0]
	if r.ID != "hello_world_with_cache" {
		t.Errorf("unexpected route id: %s", r.ID)
	}
	if !r.Cache.Memory.Enabled() {
		t.Error("cache should be enabled")
	}
	if r.Cache.Memory.TTL() != 20*time.Second {
		t.Errorf("expected 20s TTL, got %v", r.Cache.Memory.TTL())
	}
	if got := r.Cache.Memory.InvalidatorNames(); len(got) != 1 || got[0] != "name" {
		t.Errorf("unexpected invalidators: %v", got)
	}

	if cfg.Routes[1].Cache.Memory.Enabled() {
		t.Error("route without cache config should not cache")
	}
	if !cfg.Routes[1].IsWildcard() {
		t.Error("cat/* should be a wildcard route")
	}
}

func TestParseExcludedHeaders(t *testing.T) {
	cfg, err := NewLoader().Parse([]byte(validYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	set := cfg.Routes[0].ExcludedHeaderSet()
	if _, ok := set["X-Api-Key"]; !ok {
		t.Error("expected X-Api-Key in excluded set")
	}
	if _, ok := set["Host"]; !ok {
		t.Error("expected Host in excluded set")
	}
}

func TestParseDuplicateRouteID(t *testing.T) {
	data := `
routes:
  - id: a
    route: one
    url: http://localhost:1
  - id: a
    route: two
    url: http://localhost:2
`
	if _, err := NewLoader().Parse([]byte(data)); err == nil {
		t.Fatal("expected duplicate id error")
	}
}

func TestParseInteriorWildcard(t *testing.T) {
	data := `
routes:
  - id: bad
    route: cat/*/facts
    url: http://localhost:1
`
	if _, err := NewLoader().Parse([]byte(data)); err == nil {
		t.Fatal("expected interior wildcard error")
	}
}

func TestParseInvalidURL(t *testing.T) {
	data := `
routes:
  - id: bad
    route: x
    url: "not a url"
`
	if _, err := NewLoader().Parse([]byte(data)); err == nil {
		t.Fatal("expected invalid url error")
	}
}

func TestExpandEnvVars(t *testing.T) {
	os.Setenv("RESTGATE_TEST_TARGET", "http://localhost:9999")
	defer os.Unsetenv("RESTGATE_TEST_TARGET")

	data := `
routes:
  - id: env
    route: env
    url: ${RESTGATE_TEST_TARGET}
`
	cfg, err := NewLoader().Parse([]byte(data))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Routes[0].URL != "http://localhost:9999" {
		t.Errorf("env var not expanded: %s", cfg.Routes[0].URL)
	}
}

func TestParseMalformedDurationFailsClosed(t *testing.T) {
	data := `
routes:
  - id: soft
    route: soft
    url: http://localhost:1
    cache:
      memory:
        duration_in_milliseconds: fast
  - id: ok
    route: ok
    url: http://localhost:2
    cache:
      memory:
        duration_in_milliseconds: 5000
`
	cfg, err := NewLoader().Parse([]byte(data))
	if err != nil {
		t.Fatalf("malformed duration must not reject the configuration: %v", err)
	}
	if cfg.Routes[0].Cache.Memory.Enabled() {
		t.Error("malformed duration should disable caching for that route")
	}
	if got := cfg.Routes[1].Cache.Memory.TTL(); got != 5*time.Second {
		t.Errorf("sibling route TTL = %v, want 5s", got)
	}
}

func TestExcludedStatusCodesFailClosed(t *testing.T) {
	m := MemoryCacheConfig{ExcludeStatusCodes: "429, banana"}
	set, ok := m.ExcludedStatusCodeSet()
	if ok {
		t.Error("malformed status list should fail closed")
	}
	if set != nil {
		t.Error("malformed status list should yield no exclusions")
	}

	m = MemoryCacheConfig{ExcludeStatusCodes: "429, 500"}
	set, ok = m.ExcludedStatusCodeSet()
	if !ok || len(set) != 2 {
		t.Errorf("expected 2 codes, got %v (ok=%v)", set, ok)
	}
}

func TestCacheDefaults(t *testing.T) {
	m := MemoryCacheConfig{DurationInMilliseconds: 1000}
	if m.MaxPerValue() != DefaultMaxPerValueCacheSize {
		t.Errorf("unexpected per-value default: %d", m.MaxPerValue())
	}
	if m.MaxBodySize() != DefaultMaxBodySizeBytes {
		t.Errorf("unexpected body size default: %d", m.MaxBodySize())
	}
	if m.Sweep() != DefaultSweepInterval {
		t.Errorf("unexpected sweep default: %v", m.Sweep())
	}
}

func TestCacheDisabledBelowOneMillisecond(t *testing.T) {
	for _, ms := range []Milliseconds{0, -5} {
		m := MemoryCacheConfig{DurationInMilliseconds: ms}
		if m.Enabled() {
			t.Errorf("duration %dms should disable caching", ms)
		}
	}
}

func TestInvalidatorDeduplication(t *testing.T) {
	m := MemoryCacheConfig{Invalidators: "name, tenant, name, "}
	got := m.InvalidatorNames()
	if len(got) != 2 || got[0] != "name" || got[1] != "tenant" {
		t.Errorf("unexpected invalidators: %v", got)
	}
}
