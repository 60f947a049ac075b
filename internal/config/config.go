// Package config loads and merges the TOML configuration that describes
// upstream MCP servers.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
)

// Transport identifies how the pool talks to an upstream server.
type Transport string

const (
	TransportHTTP  Transport = "http"
	TransportSSE   Transport = "sse"
	TransportStdio Transport = "stdio"
)

// ErrConfigInvalid is wrapped by any structural problem found while loading
// or validating a config file.
var ErrConfigInvalid = errors.New("invalid config")

// ErrMissingEnv is wrapped when an `env:NAME` reference cannot be resolved
// against the process environment.
var ErrMissingEnv = errors.New("missing environment variable")

// ServerSpec is one upstream server definition, after TOML decoding but
// before env: resolution.
type ServerSpec struct {
	// Name is the canonical, as-configured server name (may contain hyphens).
	Name string

	Transport Transport

	// HTTP / SSE fields.
	URL     string
	Auth    string // "env:VAR" or a literal bearer token
	Headers map[string]string

	// Stdio fields.
	Command string
	Args    []string
	Env     map[string]string
}

// rawServer mirrors the TOML shape of a [servers.<name>] table.
type rawServer struct {
	Transport string            `toml:"transport"`
	URL       string            `toml:"url"`
	Auth      string            `toml:"auth"`
	Headers   map[string]string `toml:"headers"`
	Command   string            `toml:"command"`
	Args      []string          `toml:"args"`
	Env       map[string]string `toml:"env"`
}

type rawConfig struct {
	Servers map[string]rawServer `toml:"servers"`
}

// Config is a fully decoded, not-yet-validated set of server specs keyed by
// their canonical (unsanitized) name.
type Config struct {
	Servers map[string]ServerSpec
}

// Load parses a single TOML file. A missing file is not an error; it
// yields an empty Config so that merging user/project scopes tolerates
// either being absent.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{Servers: map[string]ServerSpec{}}, nil
		}
		return nil, fmt.Errorf("%w: reading %s: %w", ErrConfigInvalid, path, err)
	}

	var raw rawConfig
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %w", ErrConfigInvalid, path, err)
	}

	cfg := &Config{Servers: make(map[string]ServerSpec, len(raw.Servers))}
	for name, rs := range raw.Servers {
		spec, err := specFromRaw(name, rs)
		if err != nil {
			return nil, err
		}
		cfg.Servers[name] = spec
	}
	return cfg, nil
}

func specFromRaw(name string, rs rawServer) (ServerSpec, error) {
	spec := ServerSpec{
		Name:      name,
		Transport: Transport(rs.Transport),
		URL:       rs.URL,
		Auth:      rs.Auth,
		Headers:   rs.Headers,
		Command:   rs.Command,
		Args:      rs.Args,
		Env:       rs.Env,
	}

	switch spec.Transport {
	case TransportHTTP, TransportSSE:
		if strings.TrimSpace(spec.URL) == "" {
			return ServerSpec{}, fmt.Errorf("%w: server %q: %s transport requires url", ErrConfigInvalid, name, spec.Transport)
		}
	case TransportStdio:
		if strings.TrimSpace(spec.Command) == "" {
			return ServerSpec{}, fmt.Errorf("%w: server %q: stdio transport requires command", ErrConfigInvalid, name)
		}
	default:
		return ServerSpec{}, fmt.Errorf("%w: server %q: unknown transport %q", ErrConfigInvalid, name, rs.Transport)
	}

	return spec, nil
}

// Merge combines a user-scope config with a project-scope config; entries
// in project win on name collision, per spec.md §3/§6.
func Merge(user, project *Config) *Config {
	merged := &Config{Servers: make(map[string]ServerSpec, len(user.Servers)+len(project.Servers))}
	for name, spec := range user.Servers {
		merged.Servers[name] = spec
	}
	for name, spec := range project.Servers {
		merged.Servers[name] = spec
	}
	return merged
}

// LoadMerged loads and merges the user-scope and project-scope config
// files at their default locations.
func LoadMerged() (*Config, error) {
	userPath, err := UserConfigPath()
	if err != nil {
		return nil, err
	}

	user, err := Load(userPath)
	if err != nil {
		return nil, err
	}

	project, err := Load(ProjectConfigPath())
	if err != nil {
		return nil, err
	}

	return Merge(user, project), nil
}

// ResolveEnv resolves a single `env:NAME` value against the process
// environment. Values that don't start with `env:` are returned unchanged.
// Per spec.md §3 we REQUIRE the "fail clearly" policy: an unresolved
// reference is an error, never silently passed through as a literal.
func ResolveEnv(value string) (string, error) {
	rest, ok := strings.CutPrefix(value, "env:")
	if !ok {
		return value, nil
	}

	resolved, ok := os.LookupEnv(rest)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrMissingEnv, rest)
	}
	return resolved, nil
}

// SanitizedName replaces hyphens with underscores to produce the
// script-visible identifier for a server, per spec.md §3/§4.3.
func SanitizedName(name string) string {
	return strings.ReplaceAll(name, "-", "_")
}

// validIdentifier matches the script-visible identifiers SanitizedName is
// allowed to produce: a valid, unquoted TypeScript/JavaScript identifier.
var validIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidateNoSanitizedCollisions reports a ConfigError if two distinct
// server names sanitize to the same script-visible identifier, or if a
// server name sanitizes to something that isn't a valid identifier at all
// (for example a name built entirely of punctuation, or containing spaces).
// Per spec.md §4.3/§9 this is a configuration error caught at catalog
// build, not a silent rename or a deferred transpile failure.
func ValidateNoSanitizedCollisions(servers map[string]ServerSpec) error {
	seen := make(map[string]string, len(servers))
	for name := range servers {
		sanitized := SanitizedName(name)
		if !validIdentifier.MatchString(sanitized) {
			return fmt.Errorf("%w: server %q sanitizes to %q, which is not a valid identifier", ErrConfigInvalid, name, sanitized)
		}
		if other, ok := seen[sanitized]; ok {
			return fmt.Errorf("%w: servers %q and %q both sanitize to %q", ErrConfigInvalid, other, name, sanitized)
		}
		seen[sanitized] = name
	}
	return nil
}
