package config

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/restgate/restgate/internal/logging"
)

// Config represents the complete gateway configuration. A parsed Config is an
// immutable snapshot: request handling always reads from one snapshot reference
// captured at routing time, never from live configuration.
type Config struct {
	Listen  ListenConfig  `yaml:"listen"`
	Admin   AdminConfig   `yaml:"admin"`
	Logging LoggingConfig `yaml:"logging"`
	Routes  []RouteConfig `yaml:"routes"`
}

// ListenConfig defines the client-facing HTTP listener.
type ListenConfig struct {
	Address           string        `yaml:"address"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes"`
}

// AdminConfig defines the admin/metrics listener.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// RouteConfig defines a proxied route section. The section id is the route's
// identity and participates in cache keys.
type RouteConfig struct {
	ID                      string      `yaml:"id"`
	Route                   string      `yaml:"route"` // literal path, or wildcard-suffixed e.g. "cat/*"
	URL                     string      `yaml:"url"`   // upstream target
	ExcludedHeaders         string      `yaml:"excluded_headers"` // comma-separated header names
	IgnoreCertificateErrors bool        `yaml:"ignore_certificate_errors"`
	Cache                   CacheConfig `yaml:"cache"`
}

// CacheConfig wraps the cache backend settings of a route.
type CacheConfig struct {
	Memory MemoryCacheConfig `yaml:"memory"`
}

// Milliseconds is a duration count that fails closed per setting: a malformed
// value parses as zero instead of rejecting the whole configuration, so the
// route stays resolvable with caching disabled.
type Milliseconds int

// UnmarshalYAML implements lenient scalar decoding for goccy/go-yaml.
func (m *Milliseconds) UnmarshalYAML(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"'`)
	n, err := strconv.Atoi(s)
	if err != nil {
		logging.Warn("malformed duration_in_milliseconds, caching disabled",
			zap.String("value", s))
		*m = 0
		return nil
	}
	*m = Milliseconds(n)
	return nil
}

// MemoryCacheConfig defines the in-memory response cache for a route.
// A duration below 1ms (or absent) disables caching entirely.
type MemoryCacheConfig struct {
	DurationInMilliseconds Milliseconds  `yaml:"duration_in_milliseconds"`
	Invalidators           string        `yaml:"invalidators"`                    // comma-separated names
	ExcludeStatusCodes     string        `yaml:"exclude_status_codes_from_cache"` // comma-separated integers
	MaxPerValueCacheSize   int           `yaml:"max_per_value_cache_size"`
	MaxBodySizeBytes       int64         `yaml:"max_body_size_bytes"`
	CacheNullValues        bool          `yaml:"cache_null_values"`
	SweepInterval          time.Duration `yaml:"sweep_interval"`
}

// Defaults applied when settings are absent or invalid.
const (
	DefaultMaxPerValueCacheSize = 1000
	DefaultMaxBodySizeBytes     = 1 << 20 // 1MiB
	DefaultSweepInterval        = 60 * time.Second
)

// Enabled reports whether the route caches responses at all.
func (m MemoryCacheConfig) Enabled() bool {
	return m.DurationInMilliseconds >= 1
}

// TTL returns the configured cache duration.
func (m MemoryCacheConfig) TTL() time.Duration {
	return time.Duration(m.DurationInMilliseconds) * time.Millisecond
}

// InvalidatorNames returns the deduplicated, order-preserving invalidator list.
func (m MemoryCacheConfig) InvalidatorNames() []string {
	return splitCommaList(m.Invalidators)
}

// ExcludedStatusCodeSet parses the excluded status code list. A malformed list
// fails closed: the setting is treated as absent and all codes remain cacheable.
func (m MemoryCacheConfig) ExcludedStatusCodeSet() (map[int]struct{}, bool) {
	raw := splitCommaList(m.ExcludeStatusCodes)
	if len(raw) == 0 {
		return nil, true
	}
	set := make(map[int]struct{}, len(raw))
	for _, s := range raw {
		code, err := strconv.Atoi(s)
		if err != nil || code < 100 || code > 599 {
			return nil, false
		}
		set[code] = struct{}{}
	}
	return set, true
}

// MaxPerValue returns the per-invalidator-value entry cap.
func (m MemoryCacheConfig) MaxPerValue() int {
	if m.MaxPerValueCacheSize <= 0 {
		return DefaultMaxPerValueCacheSize
	}
	return m.MaxPerValueCacheSize
}

// MaxBodySize returns the maximum response body size admitted to the cache.
func (m MemoryCacheConfig) MaxBodySize() int64 {
	if m.MaxBodySizeBytes <= 0 {
		return DefaultMaxBodySizeBytes
	}
	return m.MaxBodySizeBytes
}

// Sweep returns the background expiry sweep interval.
func (m MemoryCacheConfig) Sweep() time.Duration {
	if m.SweepInterval <= 0 {
		return DefaultSweepInterval
	}
	return m.SweepInterval
}

// ExcludedHeaderSet returns the canonicalized set of header names stripped from
// outbound requests. Matching is case-insensitive per HTTP semantics.
func (r RouteConfig) ExcludedHeaderSet() map[string]struct{} {
	names := splitCommaList(r.ExcludedHeaders)
	if len(names) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[http.CanonicalHeaderKey(n)] = struct{}{}
	}
	return set
}

// IsWildcard reports whether the route pattern carries a wildcard suffix.
func (r RouteConfig) IsWildcard() bool {
	return strings.HasSuffix(r.Route, "/*") || r.Route == "*"
}

// splitCommaList splits a comma-separated value, trimming whitespace and
// dropping empties and duplicates while preserving first-seen order.
func splitCommaList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// DefaultConfig returns a Config populated with defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen: ListenConfig{
			Address:     ":8080",
			ReadTimeout: 30 * time.Second,
			IdleTimeout: 120 * time.Second,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}
