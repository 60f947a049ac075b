// Package pool owns one generation's worth of connections to upstream MCP
// servers, across the http, sse, and stdio transports described in
// spec.md §4.2. Grounded on the teacher's internal/proxy/manager.go
// (stdio-only, one generation, non-fatal connect failures), generalized to
// three transports the way _examples/original_source/src/client.rs and
// _examples/hohsiang-lab-tianjiLLM/internal/mcp/manager.go do.
package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/exec"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/dslh/codemode-mcp/internal/catalog"
	"github.com/dslh/codemode-mcp/internal/config"
)

// State is one connection's place in the state machine of spec.md §4.2.
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "disconnected"
	}
}

// Errors surfaced by Call, per spec.md §7.
var (
	ErrUnknownServer = errors.New("unknown server")
	ErrUnknownTool   = errors.New("unknown tool")
	ErrUpstream      = errors.New("upstream call failed")
)

// connection is a live handle to one upstream server. Never shared outside
// the Pool that owns it.
type connection struct {
	spec  config.ServerSpec
	state State
	err   error

	mu      sync.Mutex
	session *mcp.ClientSession
	tools   map[string]*mcp.Tool
}

// Pool manages every upstream connection for one generation.
type Pool struct {
	implementation *mcp.Implementation
	connections    map[string]*connection
}

// clientImplementation identifies this proxy to upstream servers during
// MCP's initialize handshake.
var clientImplementation = &mcp.Implementation{
	Name:    "codemode-mcp",
	Version: "0.1.0",
}

// Build connects to every configured server concurrently. A per-server
// failure is logged and marks that server Failed; it never fails the
// whole pool. Returns entries suitable for catalog.Build, keyed by
// (unsanitized) server name.
func Build(ctx context.Context, servers map[string]config.ServerSpec) (*Pool, map[string][]catalog.Entry, error) {
	p := &Pool{
		implementation: clientImplementation,
		connections:    make(map[string]*connection, len(servers)),
	}

	type result struct {
		name    string
		conn    *connection
		entries []catalog.Entry
	}

	results := make(chan result, len(servers))
	var wg sync.WaitGroup
	for name, spec := range servers {
		wg.Add(1)
		go func(name string, spec config.ServerSpec) {
			defer wg.Done()
			conn, entries := p.connectOne(ctx, name, spec)
			results <- result{name: name, conn: conn, entries: entries}
		}(name, spec)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	byServer := make(map[string][]catalog.Entry, len(servers))
	for r := range results {
		p.connections[r.name] = r.conn
		if len(r.entries) > 0 {
			byServer[r.name] = r.entries
		} else if r.conn.state == StateConnected {
			byServer[r.name] = []catalog.Entry{}
		}
	}

	return p, byServer, nil
}

func (p *Pool) connectOne(ctx context.Context, name string, spec config.ServerSpec) (*connection, []catalog.Entry) {
	conn := &connection{spec: spec, state: StateDisconnected}

	transport, err := buildTransport(ctx, spec)
	if err != nil {
		log.Printf("pool: server %s: %v, marking failed", name, err)
		conn.state = StateFailed
		conn.err = err
		return conn, nil
	}

	client := mcp.NewClient(p.implementation, nil)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		log.Printf("pool: server %s: connect failed: %v, marking failed", name, err)
		conn.state = StateFailed
		conn.err = err
		return conn, nil
	}

	toolsResult, err := session.ListTools(ctx, nil)
	if err != nil {
		log.Printf("pool: server %s: tools/list failed: %v, marking failed", name, err)
		_ = session.Close()
		conn.state = StateFailed
		conn.err = err
		return conn, nil
	}

	conn.session = session
	conn.state = StateConnected
	conn.tools = make(map[string]*mcp.Tool, len(toolsResult.Tools))

	entries := make([]catalog.Entry, 0, len(toolsResult.Tools))
	for _, tool := range toolsResult.Tools {
		conn.tools[tool.Name] = tool
		schemaJSON, _ := json.Marshal(tool.InputSchema)
		entries = append(entries, catalog.Entry{
			Server:      name,
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schemaJSON,
		})
	}

	log.Printf("pool: server %s: connected, %d tools", name, len(entries))
	return conn, entries
}

// buildTransport constructs the mcp.Transport for a ServerSpec, resolving
// env: references exactly once per spec.md §4.2.
func buildTransport(ctx context.Context, spec config.ServerSpec) (mcp.Transport, error) {
	switch spec.Transport {
	case config.TransportStdio:
		cmd := exec.CommandContext(ctx, spec.Command, spec.Args...)
		env, err := resolveEnvMap(spec.Env)
		if err != nil {
			return nil, err
		}
		if len(env) > 0 {
			cmd.Env = append(cmd.Environ(), env...)
		}
		return &mcp.CommandTransport{Command: cmd}, nil

	case config.TransportHTTP:
		httpClient, err := authedHTTPClient(spec)
		if err != nil {
			return nil, err
		}
		return &mcp.StreamableClientTransport{Endpoint: spec.URL, HTTPClient: httpClient}, nil

	case config.TransportSSE:
		httpClient, err := authedHTTPClient(spec)
		if err != nil {
			return nil, err
		}
		return &mcp.SSEClientTransport{Endpoint: spec.URL, HTTPClient: httpClient}, nil

	default:
		return nil, fmt.Errorf("%w: unknown transport %q", config.ErrConfigInvalid, spec.Transport)
	}
}

func resolveEnvMap(env map[string]string) ([]string, error) {
	if len(env) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		resolved, err := config.ResolveEnv(v)
		if err != nil {
			return nil, fmt.Errorf("env var %s: %w", k, err)
		}
		out = append(out, k+"="+resolved)
	}
	return out, nil
}

// authHeaderTransport injects a bearer token and static headers into every
// outgoing request. Grounded on
// _examples/other_examples/VikashLoomba-mcp-client-manager-go__manager.go's
// decorateHTTPClient, which layers auth onto the shared HTTP client via a
// RoundTripper rather than mutating a global client.
type authHeaderTransport struct {
	base    http.RoundTripper
	bearer  string
	headers map[string]string
}

func (t *authHeaderTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if t.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+t.bearer)
	}
	// Custom headers merge after standard headers and may override them,
	// except Authorization, per spec.md §6.
	for k, v := range t.headers {
		if http.CanonicalHeaderKey(k) == "Authorization" {
			continue
		}
		req.Header.Set(k, v)
	}
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

func authedHTTPClient(spec config.ServerSpec) (*http.Client, error) {
	if spec.Auth == "" && len(spec.Headers) == 0 {
		return nil, nil
	}

	bearer := ""
	if spec.Auth != "" {
		resolved, err := config.ResolveEnv(spec.Auth)
		if err != nil {
			return nil, fmt.Errorf("auth: %w", err)
		}
		bearer = resolved
	}

	return &http.Client{
		Transport: &authHeaderTransport{bearer: bearer, headers: spec.Headers},
	}, nil
}

// Call dispatches a tool invocation to the named upstream, retrying
// exactly once on transport error per spec.md §4.2/§9.
func (p *Pool) Call(ctx context.Context, server, tool string, args map[string]any) (*mcp.CallToolResult, error) {
	conn, ok := p.connections[server]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, server)
	}

	conn.mu.Lock()
	state := conn.state
	stateErr := conn.err
	_, knownTool := conn.tools[tool]
	conn.mu.Unlock()

	if state == StateFailed {
		return nil, fmt.Errorf("%w: server %s is in failed state: %v", ErrUpstream, server, stateErr)
	}

	if !knownTool {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownTool, server, tool)
	}

	result, err := p.callOnce(ctx, conn, tool, args)
	if err == nil {
		return result, nil
	}

	log.Printf("pool: server %s: call %s failed (%v), retrying once", server, tool, err)
	if reconnectErr := p.reconnect(ctx, server, conn); reconnectErr != nil {
		conn.mu.Lock()
		conn.state = StateFailed
		conn.err = reconnectErr
		conn.mu.Unlock()
		return nil, fmt.Errorf("%w: %s.%s: %v (reconnect failed: %v)", ErrUpstream, server, tool, err, reconnectErr)
	}

	result, err = p.callOnce(ctx, conn, tool, args)
	if err != nil {
		conn.mu.Lock()
		conn.state = StateFailed
		conn.err = err
		conn.mu.Unlock()
		return nil, fmt.Errorf("%w: %s.%s: %v", ErrUpstream, server, tool, err)
	}
	return result, nil
}

func (p *Pool) callOnce(ctx context.Context, conn *connection, tool string, args map[string]any) (*mcp.CallToolResult, error) {
	conn.mu.Lock()
	session := conn.session
	conn.mu.Unlock()

	if session == nil {
		return nil, errors.New("no active session")
	}

	return session.CallTool(ctx, &mcp.CallToolParams{Name: tool, Arguments: args})
}

func (p *Pool) reconnect(ctx context.Context, name string, conn *connection) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	if conn.session != nil {
		_ = conn.session.Close()
	}

	transport, err := buildTransport(ctx, conn.spec)
	if err != nil {
		return err
	}

	client := mcp.NewClient(p.implementation, nil)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return err
	}

	toolsResult, err := session.ListTools(ctx, nil)
	if err != nil {
		_ = session.Close()
		return err
	}

	tools := make(map[string]*mcp.Tool, len(toolsResult.Tools))
	for _, tool := range toolsResult.Tools {
		tools[tool.Name] = tool
	}

	conn.session = session
	conn.tools = tools
	conn.state = StateConnected
	conn.err = nil

	log.Printf("pool: server %s: reconnected", name)
	return nil
}

// State reports the current lifecycle state of a named server; the zero
// value (StateDisconnected) plus false indicates the server is not part of
// this pool at all.
func (p *Pool) State(server string) (State, bool) {
	conn, ok := p.connections[server]
	if !ok {
		return StateDisconnected, false
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.state, true
}

// Shutdown releases every connection's resources: sockets, stdio
// subprocesses, and background tasks, per spec.md §4.2.
func (p *Pool) Shutdown() {
	var wg sync.WaitGroup
	for name, conn := range p.connections {
		wg.Add(1)
		go func(name string, conn *connection) {
			defer wg.Done()
			conn.mu.Lock()
			defer conn.mu.Unlock()
			if conn.session != nil {
				if err := conn.session.Close(); err != nil {
					log.Printf("pool: server %s: error closing session: %v", name, err)
				}
			}
		}(name, conn)
	}
	wg.Wait()
}
