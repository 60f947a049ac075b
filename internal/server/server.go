// Package server registers the two tools this proxy exposes downstream —
// search and execute — and drives config hot-reload between calls.
// Grounded on the teacher's internal/tools/eval.go for the AddTool/error
// response shape, and on
// _examples/original_source/src/server.rs for the maybe_reload polling
// design (config file mtimes checked once per call, no filesystem
// watcher).
package server

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/dslh/codemode-mcp/internal/config"
	"github.com/dslh/codemode-mcp/internal/engine"
)

// SearchArgs are the parameters accepted by the search tool.
type SearchArgs struct {
	Code      string `json:"code" jsonschema:"TypeScript code to filter/explore the tools catalog. A typed tools array is available with fields: server, name, description, input_schema. Must return a value."`
	MaxLength int    `json:"max_length,omitempty" jsonschema:"Max response length in bytes. Default: 40000. Prefer narrowing your code's output over raising this."`
}

// ExecuteArgs are the parameters accepted by the execute tool.
type ExecuteArgs struct {
	Code      string `json:"code" jsonschema:"TypeScript code to execute. Each connected server is a typed global object where every tool is an async function. Chain calls with await, or run independent calls in parallel with Promise.all."`
	MaxLength int    `json:"max_length,omitempty" jsonschema:"Max response length in bytes. Default: 40000. Prefer narrowing your code's output over raising this."`
}

// reloadState tracks the config file mtimes the last successful reload saw.
type reloadState struct {
	mu           sync.Mutex
	userMtime    time.Time
	projectMtime time.Time
}

// Server wires the engine into the two downstream tools and re-checks
// config files for changes before each call.
type Server struct {
	engine     *engine.Engine
	configPath string
	reload     reloadState
}

// New snapshots the current config file mtimes and returns a Server bound
// to the given engine. configPath, if non-empty, overrides the default
// project/user config discovery for hot-reload polling.
func New(eng *engine.Engine, configPath string) *Server {
	s := &Server{engine: eng, configPath: configPath}
	s.reload.userMtime, s.reload.projectMtime = currentMtimes(configPath)
	return s
}

func currentMtimes(overridePath string) (time.Time, time.Time) {
	if overridePath != "" {
		return fileMtime(overridePath), time.Time{}
	}

	var userMtime time.Time
	if p, err := config.UserConfigPath(); err == nil {
		userMtime = fileMtime(p)
	}
	return userMtime, fileMtime(config.ProjectConfigPath())
}

func fileMtime(path string) time.Time {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

// maybeReload reconnects and rebuilds the catalog if any config file's
// mtime differs from the one the last successful reload recorded. Failures
// are logged and leave the current generation serving calls, per spec.md's
// hot-reload contract; since a failed reload records no mtimes, the next
// call tries the reload again.
func (s *Server) maybeReload(ctx context.Context) {
	s.reload.mu.Lock()
	userMtime, projectMtime := currentMtimes(s.configPath)
	changed := !userMtime.Equal(s.reload.userMtime) || !projectMtime.Equal(s.reload.projectMtime)
	s.reload.mu.Unlock()

	if !changed {
		return
	}

	log.Printf("server: config change detected, reloading")

	cfg, err := config.LoadMerged()
	if err != nil {
		log.Printf("server: failed to reload config, keeping current state: %v", err)
		return
	}

	if err := s.engine.Reload(ctx, cfg.Servers); err != nil {
		log.Printf("server: failed to reload proxy engine, keeping current state: %v", err)
		return
	}

	log.Printf("server: %s", s.engine.Summary())

	s.reload.mu.Lock()
	s.reload.userMtime, s.reload.projectMtime = currentMtimes(s.configPath)
	s.reload.mu.Unlock()

	log.Printf("server: hot-reload complete")
}

// Register adds the search and execute tools to server.
func (s *Server) Register(mcpServer *mcp.Server) {
	mcp.AddTool(mcpServer, &mcp.Tool{
		Name:        "search",
		Description: "Search across all tools from all connected MCP servers. Write TypeScript code to filter the tool catalog. A typed `tools` array is available with { server, name, description, input_schema } fields.",
	}, s.handleSearch)

	mcp.AddTool(mcpServer, &mcp.Tool{
		Name:        "execute",
		Description: "Execute TypeScript code that calls tools across all connected MCP servers. Each server is a typed global object where every tool is an async function with typed parameters. Chain calls sequentially or run them in parallel with Promise.all across different servers.",
	}, s.handleExecute)
}

func (s *Server) handleSearch(ctx context.Context, req *mcp.CallToolRequest, args SearchArgs) (*mcp.CallToolResult, any, error) {
	s.maybeReload(ctx)

	text, err := s.engine.Search(ctx, args.Code, args.MaxLength)
	if err != nil {
		return errorResult(fmt.Sprintf("search error: %v", err)), nil, nil
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}, nil, nil
}

func (s *Server) handleExecute(ctx context.Context, req *mcp.CallToolRequest, args ExecuteArgs) (*mcp.CallToolResult, any, error) {
	s.maybeReload(ctx)

	result, err := s.engine.Execute(ctx, args.Code, args.MaxLength)
	if err != nil {
		return errorResult(fmt.Sprintf("execute error: %v", err)), nil, nil
	}

	content := []mcp.Content{&mcp.TextContent{Text: result.Text}}
	for _, img := range result.Images {
		data, _ := base64.StdEncoding.DecodeString(img.Data)
		content = append(content, &mcp.ImageContent{Data: data, MIMEType: img.MimeType})
	}
	return &mcp.CallToolResult{Content: content}, nil, nil
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: msg}},
	}
}
