// Package engine ties the connection pool, tool catalog, and sandbox
// together behind the two operations the downstream server exposes:
// search and execute. Grounded on
// _examples/original_source/src/lib.rs's ProxyEngine/ProxyState, which
// guards one generation's state behind a single mutex and swaps the whole
// state on reload rather than mutating it in place.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/dslh/codemode-mcp/internal/catalog"
	"github.com/dslh/codemode-mcp/internal/config"
	"github.com/dslh/codemode-mcp/internal/pool"
	"github.com/dslh/codemode-mcp/internal/sandbox"
)

// DefaultMaxLength is the default response truncation budget in bytes
// (~10k tokens), matching the teacher lineage's DEFAULT_MAX_LENGTH.
const DefaultMaxLength = 40_000

// ImageBlock is one extracted image content block, kept separate from the
// truncated text so binary payloads never pass through truncation.
type ImageBlock struct {
	Data     string
	MimeType string
}

// ExecuteResult separates the truncated text response from any images
// found in it, per spec.md's execute() contract.
type ExecuteResult struct {
	Text   string
	Images []ImageBlock
}

// upstream is the subset of *pool.Pool that Execute needs to dispatch a
// tool call. Kept as an interface so tests can exercise the sandbox and
// truncation/image logic together without a live MCP connection.
type upstream interface {
	Call(ctx context.Context, server, tool string, args map[string]any) (*mcp.CallToolResult, error)
}

// generation is one immutable snapshot of pool + catalog, swapped
// atomically on reload. Per spec.md §5, the sandbox runtime is scope-bound
// to one request rather than held on the generation — readers clone this
// reference under the lock and then spawn a fresh sandbox lock-free, so
// script execution never contends with a reload or with other requests.
type generation struct {
	pool    *pool.Pool
	caller  upstream
	catalog *catalog.Catalog
}

// Engine is the core proxy: it owns the current generation and rebuilds it
// wholesale on Reload.
type Engine struct {
	mu  sync.Mutex
	gen *generation
}

// New connects to every configured server and builds the first generation.
func New(ctx context.Context, servers map[string]config.ServerSpec) (*Engine, error) {
	gen, err := buildGeneration(ctx, servers)
	if err != nil {
		return nil, err
	}
	return &Engine{gen: gen}, nil
}

func buildGeneration(ctx context.Context, servers map[string]config.ServerSpec) (*generation, error) {
	p, byServer, err := pool.Build(ctx, servers)
	if err != nil {
		return nil, fmt.Errorf("connect upstream servers: %w", err)
	}

	cat, err := catalog.Build(byServer)
	if err != nil {
		p.Shutdown()
		return nil, fmt.Errorf("build catalog: %w", err)
	}

	return &generation{pool: p, caller: p, catalog: cat}, nil
}

// Reload rebuilds the whole generation from a fresh config and swaps it in
// atomically. The old generation is torn down only after the new one is
// ready, so a failed reload leaves the previous generation serving calls.
func (e *Engine) Reload(ctx context.Context, servers map[string]config.ServerSpec) error {
	newGen, err := buildGeneration(ctx, servers)
	if err != nil {
		return err
	}

	e.mu.Lock()
	old := e.gen
	e.gen = newGen
	e.mu.Unlock()

	old.pool.Shutdown()
	return nil
}

// poolCaller adapts an upstream to sandbox.ToolCaller, marshaling the
// mcp.CallToolResult to JSON at the boundary so the sandbox never needs to
// know its shape.
type poolCaller struct {
	upstream upstream
}

func (c poolCaller) Call(ctx context.Context, server, tool string, args map[string]any) (json.RawMessage, error) {
	result, err := c.upstream.Call(ctx, server, tool, args)
	if err != nil {
		return nil, err
	}
	return json.Marshal(result)
}

// Search runs agent code against the tool catalog and returns the
// truncated, pretty-printed JSON result. A fresh sandbox is spawned for
// this request alone, per spec.md §5.
func (e *Engine) Search(ctx context.Context, code string, maxLength int) (string, error) {
	e.mu.Lock()
	gen := e.gen
	e.mu.Unlock()

	sb, err := sandbox.New()
	if err != nil {
		return "", fmt.Errorf("start sandbox: %w", err)
	}
	defer sb.Close()

	raw, err := sb.Search(ctx, code, gen.catalog)
	if err != nil {
		return "", err
	}

	text, err := prettyJSON(raw)
	if err != nil {
		return "", err
	}
	return truncateResponse(text, resolveMaxLength(maxLength)), nil
}

// Execute runs agent code against the live server proxies, extracting any
// image content blocks before truncating the remaining text. A fresh
// sandbox is spawned for this request alone, per spec.md §5.
func (e *Engine) Execute(ctx context.Context, code string, maxLength int) (ExecuteResult, error) {
	e.mu.Lock()
	gen := e.gen
	e.mu.Unlock()

	sb, err := sandbox.New()
	if err != nil {
		return ExecuteResult{}, fmt.Errorf("start sandbox: %w", err)
	}
	defer sb.Close()

	raw, err := sb.Execute(ctx, code, gen.catalog, poolCaller{upstream: gen.caller})
	if err != nil {
		return ExecuteResult{}, err
	}

	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		value = string(raw)
	}

	images := extractImages(&value)

	text, err := prettyJSON(mustMarshal(value))
	if err != nil {
		return ExecuteResult{}, err
	}

	return ExecuteResult{
		Text:   truncateResponse(text, resolveMaxLength(maxLength)),
		Images: images,
	}, nil
}

// Summary reports the connected servers and tool counts, matching the
// teacher lineage's summary() used for startup and reload logging.
func (e *Engine) Summary() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gen.catalog.Summary()
}

// ToolCount is the number of tools currently in the catalog.
func (e *Engine) ToolCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.gen.catalog.Entries())
}

// Shutdown tears down the current generation's pool.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	gen := e.gen
	e.mu.Unlock()

	gen.pool.Shutdown()
}

func resolveMaxLength(maxLength int) int {
	if maxLength <= 0 {
		return DefaultMaxLength
	}
	return maxLength
}

func prettyJSON(raw json.RawMessage) (string, error) {
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return string(raw), nil
	}
	pretty, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal result: %w", err)
	}
	return string(pretty), nil
}

func mustMarshal(value any) json.RawMessage {
	raw, err := json.Marshal(value)
	if err != nil {
		return json.RawMessage("null")
	}
	return raw
}
