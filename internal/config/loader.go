package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := l.expandEnvVars(string(data))

	// Start with defaults
	cfg := DefaultConfig()

	// Unmarshal YAML into config
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	// Validate configuration
	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match // Keep original if env var not set
	})
}

// validate checks configuration for structural errors. Per-setting cache
// options (durations, status lists) fail closed at use sites instead of
// failing the whole load.
func (l *Loader) validate(cfg *Config) error {
	if cfg.Listen.Address == "" {
		return fmt.Errorf("listen address is required")
	}

	if cfg.Admin.Enabled && cfg.Admin.Address == "" {
		return fmt.Errorf("admin address is required when admin is enabled")
	}

	routeIDs := make(map[string]bool)
	patterns := make(map[string]string)
	for i, route := range cfg.Routes {
		if route.ID == "" {
			return fmt.Errorf("route %d: id is required", i)
		}
		if routeIDs[route.ID] {
			return fmt.Errorf("duplicate route id: %s", route.ID)
		}
		routeIDs[route.ID] = true

		if route.Route == "" {
			return fmt.Errorf("route %s: route pattern is required", route.ID)
		}
		if prev, dup := patterns[route.Route]; dup {
			return fmt.Errorf("route %s: pattern %q already used by route %s", route.ID, route.Route, prev)
		}
		patterns[route.Route] = route.ID

		if route.URL == "" {
			return fmt.Errorf("route %s: url is required", route.ID)
		}
		u, err := url.Parse(route.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("route %s: invalid url %q", route.ID, route.URL)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("route %s: unsupported url scheme %q", route.ID, u.Scheme)
		}

		// A wildcard must be a suffix, never interior
		if idx := strings.Index(route.Route, "*"); idx >= 0 && idx != len(route.Route)-1 {
			return fmt.Errorf("route %s: wildcard must be the final segment in %q", route.ID, route.Route)
		}
	}

	return nil
}
