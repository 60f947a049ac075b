package pool

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/dslh/codemode-mcp/internal/config"
)

// echoServer builds an in-memory MCP server exposing a single "echo" tool,
// following the pattern in
// _examples/other_examples/VikashLoomba-mcp-go-sdk__proxy.go's
// serverToolNames helper.
func echoServer(t *testing.T) *mcp.ClientSession {
	t.Helper()

	server := mcp.NewServer(&mcp.Implementation{Name: "echo-upstream", Version: "v1"}, nil)
	mcp.AddTool(server, &mcp.Tool{Name: "echo", Description: "echoes input"},
		func(ctx context.Context, req *mcp.CallToolRequest, args map[string]any) (*mcp.CallToolResult, any, error) {
			return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: "ok"}}}, nil, nil
		})

	tServer, tClient := mcp.NewInMemoryTransports()
	ctx := context.Background()
	if _, err := server.Connect(ctx, tServer, nil); err != nil {
		t.Fatalf("server connect: %v", err)
	}

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "v1"}, nil)
	session, err := client.Connect(ctx, tClient, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	return session
}

func poolWithConnection(t *testing.T, name string, session *mcp.ClientSession) *Pool {
	t.Helper()

	toolsResult, err := session.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatalf("list tools: %v", err)
	}
	tools := make(map[string]*mcp.Tool, len(toolsResult.Tools))
	for _, tool := range toolsResult.Tools {
		tools[tool.Name] = tool
	}

	return &Pool{
		implementation: clientImplementation,
		connections: map[string]*connection{
			name: {
				spec:    config.ServerSpec{Name: name},
				state:   StateConnected,
				session: session,
				tools:   tools,
			},
		},
	}
}

func TestCallDispatchesToConnectedServer(t *testing.T) {
	session := echoServer(t)
	defer session.Close()

	p := poolWithConnection(t, "echoer", session)

	result, err := p.Call(context.Background(), "echoer", "echo", map[string]any{"msg": "hi"})
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	text, ok := result.Content[0].(*mcp.TextContent)
	if !ok || text.Text != "ok" {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestCallUnknownServer(t *testing.T) {
	p := &Pool{connections: map[string]*connection{}}
	if _, err := p.Call(context.Background(), "nope", "tool", nil); !errors.Is(err, ErrUnknownServer) {
		t.Errorf("expected ErrUnknownServer, got %v", err)
	}
}

func TestCallUnknownTool(t *testing.T) {
	session := echoServer(t)
	defer session.Close()

	p := poolWithConnection(t, "echoer", session)
	if _, err := p.Call(context.Background(), "echoer", "missing", nil); !errors.Is(err, ErrUnknownTool) {
		t.Errorf("expected ErrUnknownTool, got %v", err)
	}
}

func TestCallFailedServerReturnsUpstreamError(t *testing.T) {
	p := &Pool{
		connections: map[string]*connection{
			"broken": {state: StateFailed, err: errors.New("boom")},
		},
	}
	if _, err := p.Call(context.Background(), "broken", "anything", nil); !errors.Is(err, ErrUpstream) {
		t.Errorf("expected ErrUpstream, got %v", err)
	}
}

func TestStateReportsUnknownServer(t *testing.T) {
	p := &Pool{connections: map[string]*connection{}}
	if _, ok := p.State("nope"); ok {
		t.Error("expected ok=false for unknown server")
	}
}

func TestBuildTransportRejectsUnknownKind(t *testing.T) {
	_, err := buildTransport(context.Background(), config.ServerSpec{Transport: "carrier-pigeon"})
	if !errors.Is(err, config.ErrConfigInvalid) {
		t.Errorf("expected ErrConfigInvalid, got %v", err)
	}
}

func TestBuildTransportStdioResolvesEnv(t *testing.T) {
	t.Setenv("ECHO_TOKEN", "secret")
	spec := config.ServerSpec{
		Transport: config.TransportStdio,
		Command:   "true",
		Env:       map[string]string{"TOKEN": "env:ECHO_TOKEN"},
	}
	transport, err := buildTransport(context.Background(), spec)
	if err != nil {
		t.Fatalf("buildTransport failed: %v", err)
	}
	cmdTransport, ok := transport.(*mcp.CommandTransport)
	if !ok {
		t.Fatalf("expected *mcp.CommandTransport, got %T", transport)
	}
	found := false
	for _, kv := range cmdTransport.Command.Env {
		if kv == "TOKEN=secret" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected resolved env var in command env, got %v", cmdTransport.Command.Env)
	}
}

func TestBuildTransportStdioFailsOnMissingEnv(t *testing.T) {
	spec := config.ServerSpec{
		Transport: config.TransportStdio,
		Command:   "true",
		Env:       map[string]string{"TOKEN": "env:DEFINITELY_NOT_SET_ANYWHERE"},
	}
	if _, err := buildTransport(context.Background(), spec); !errors.Is(err, config.ErrMissingEnv) {
		t.Errorf("expected ErrMissingEnv, got %v", err)
	}
}

func TestAuthHeaderTransportInjectsBearerAndHeaders(t *testing.T) {
	var gotAuth, gotHeader string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotHeader = r.Header.Get("X-Custom")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	client := &http.Client{Transport: &authHeaderTransport{
		bearer:  "tok123",
		headers: map[string]string{"X-Custom": "yes", "Authorization": "should-not-override"},
	}}

	req, _ := http.NewRequest(http.MethodGet, upstream.URL, nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()

	if gotAuth != "Bearer tok123" {
		t.Errorf("expected bearer token to win over headers map, got %q", gotAuth)
	}
	if gotHeader != "yes" {
		t.Errorf("expected custom header to be set, got %q", gotHeader)
	}
}

func TestAuthedHTTPClientNilWhenNoAuth(t *testing.T) {
	client, err := authedHTTPClient(config.ServerSpec{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client != nil {
		t.Errorf("expected nil client when no auth configured")
	}
}

func TestAuthedHTTPClientResolvesEnvAuth(t *testing.T) {
	t.Setenv("BEARER_TOKEN", "sekret")
	client, err := authedHTTPClient(config.ServerSpec{Auth: "env:BEARER_TOKEN"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	transport, ok := client.Transport.(*authHeaderTransport)
	if !ok {
		t.Fatalf("expected *authHeaderTransport, got %T", client.Transport)
	}
	if transport.bearer != "sekret" {
		t.Errorf("expected resolved bearer token, got %q", transport.bearer)
	}
}
