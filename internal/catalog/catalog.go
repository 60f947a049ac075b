// Package catalog aggregates upstream tool metadata into a single
// snapshot and derives the TypeScript declarations injected into the
// sandbox. Grounded on _examples/original_source/src/catalog.rs, which
// this package reimplements in Go; property-shape mapping is delegated to
// internal/schema.
package catalog

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/dslh/codemode-mcp/internal/config"
	"github.com/dslh/codemode-mcp/internal/schema"
)

// Entry is one `{server, tool, description, input_schema}` tuple, unique
// by (Server, Name) within a generation, per spec.md §3.
type Entry struct {
	Server      string          `json:"server"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// Catalog is the aggregated, immutable snapshot for one pool generation.
type Catalog struct {
	entries []Entry
}

// Build validates that no two servers sanitize to the same identifier, that
// every sanitized name is a valid script identifier, and that every tool's
// input_schema is well-formed enough to trust for declaration generation,
// then returns a Catalog over the given per-server tool lists. Map order
// does not matter; Build sorts entries by (server, name) for deterministic
// output.
func Build(byServer map[string][]Entry) (*Catalog, error) {
	names := make(map[string]struct{}, len(byServer))
	for name := range byServer {
		names[name] = struct{}{}
	}
	specs := make(map[string]config.ServerSpec, len(names))
	for name := range names {
		specs[name] = config.ServerSpec{Name: name}
	}
	if err := config.ValidateNoSanitizedCollisions(specs); err != nil {
		return nil, err
	}

	var entries []Entry
	for server, tools := range byServer {
		for _, e := range tools {
			e.Server = server
			if err := schema.Validate(e.InputSchema); err != nil {
				return nil, fmt.Errorf("%w: server %q tool %q: %v", config.ErrConfigInvalid, server, e.Name, err)
			}
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Server != entries[j].Server {
			return entries[i].Server < entries[j].Server
		}
		return entries[i].Name < entries[j].Name
	})

	return &Catalog{entries: entries}, nil
}

// Entries returns all catalog entries, sorted by (server, name).
func (c *Catalog) Entries() []Entry {
	return c.entries
}

// EntriesForSearch is the concrete JSON value bound to the sandbox's
// `tools` global, per spec.md §4.3.
func (c *Catalog) EntriesForSearch() ([]byte, error) {
	return json.Marshal(c.entries)
}

// Servers returns the sorted, distinct set of (unsanitized) server names
// present in the catalog.
func (c *Catalog) Servers() []string {
	seen := map[string]struct{}{}
	for _, e := range c.entries {
		seen[e.Server] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Declarations emits the TypeScript declaration block described in
// spec.md §4.3: one `declare const <server>` block per server plus the
// shared `tools` array declaration.
func (c *Catalog) Declarations() string {
	var out strings.Builder

	out.WriteString("declare const tools: Array<{ server: string; name: string; description: string; input_schema: any }>;\n\n")

	byServer := map[string][]Entry{}
	for _, e := range c.entries {
		byServer[e.Server] = append(byServer[e.Server], e)
	}

	for _, server := range c.Servers() {
		jsName := config.SanitizedName(server)
		out.WriteString(fmt.Sprintf("declare const %s: {\n", jsName))
		for _, tool := range byServer[server] {
			params := schema.ToTypeScriptParams(tool.InputSchema)
			desc := strings.ReplaceAll(strings.ReplaceAll(tool.Description, "\n", " "), "*/", "* /")
			if desc != "" {
				out.WriteString(fmt.Sprintf("  /** %s */\n", desc))
			}
			out.WriteString(fmt.Sprintf("  %s(params: { %s }): Promise<any>;\n", jsPropertyName(tool.Name), params))
		}
		out.WriteString("};\n\n")
	}

	return out.String()
}

// Summary produces a one-line human-readable count, matching the
// teacher's persistence-listing convention of logging what was loaded.
func (c *Catalog) Summary() string {
	byServer := map[string]int{}
	for _, e := range c.entries {
		byServer[e.Server]++
	}
	servers := make([]string, 0, len(byServer))
	for name, count := range byServer {
		servers = append(servers, fmt.Sprintf("%s: %d tools", name, count))
	}
	sort.Strings(servers)
	return fmt.Sprintf("%d total tools (%s)", len(c.entries), strings.Join(servers, ", "))
}

func jsPropertyName(name string) string {
	for i, r := range name {
		alpha := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '_' || r == '$'
		digit := r >= '0' && r <= '9'
		if i == 0 && !alpha {
			return fmt.Sprintf("%q", name)
		}
		if i > 0 && !alpha && !digit {
			return fmt.Sprintf("%q", name)
		}
	}
	if name == "" {
		return `""`
	}
	return name
}
