package sandbox

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/dslh/codemode-mcp/internal/catalog"
)

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.Build(map[string][]catalog.Entry{
		"echoer": {
			{Name: "echo", Description: "echoes back", InputSchema: json.RawMessage(`{"type":"object","properties":{"msg":{"type":"string"}},"required":["msg"]}`)},
		},
	})
	if err != nil {
		t.Fatalf("build catalog: %v", err)
	}
	return cat
}

func withTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSearchReturnsFilteredCatalog(t *testing.T) {
	sb, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer sb.Close()

	raw, err := sb.Search(withTimeout(t), `return tools.filter(t => t.name === "echo");`, testCatalog(t))
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}

	var decoded []map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(decoded) != 1 || decoded[0]["name"] != "echo" {
		t.Errorf("unexpected search result: %s", raw)
	}
}

func TestSearchReportsScriptError(t *testing.T) {
	sb, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer sb.Close()

	_, err = sb.Search(withTimeout(t), `throw new Error("bad filter");`, testCatalog(t))
	if err == nil || !strings.Contains(err.Error(), "bad filter") {
		t.Errorf("expected script error to propagate, got %v", err)
	}
}

type fakeCaller struct {
	response json.RawMessage
	err      error
}

func (f *fakeCaller) Call(ctx context.Context, server, tool string, args map[string]any) (json.RawMessage, error) {
	return f.response, f.err
}

func TestExecuteCallsProxiedServer(t *testing.T) {
	sb, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer sb.Close()

	caller := &fakeCaller{response: json.RawMessage(`{"content":[{"type":"text","text":"pong"}]}`)}

	raw, err := sb.Execute(withTimeout(t), `
		const result = await echoer.echo({ msg: "ping" });
		return result;
	`, testCatalog(t), caller)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	content, ok := decoded["content"].([]any)
	if !ok || len(content) != 1 {
		t.Fatalf("unexpected decoded shape: %+v", decoded)
	}
}

func TestExecuteRejectsPromiseOnUpstreamError(t *testing.T) {
	sb, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer sb.Close()

	caller := &fakeCaller{err: errQuotaExceeded}

	raw, err := sb.Execute(withTimeout(t), `
		try {
			await echoer.echo({ msg: "ping" });
			return "ok";
		} catch (e) {
			return String(e);
		}
	`, testCatalog(t), caller)
	if err != nil {
		t.Fatalf("Execute should not itself fail on an upstream error: %v", err)
	}

	var caught string
	if err := json.Unmarshal(raw, &caught); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if caught == "ok" {
		t.Fatal("expected the upstream failure to reject the promise, but the await did not throw")
	}
	if !strings.Contains(caught, "quota exceeded") {
		t.Errorf("expected caught error to mention the upstream failure, got %q", caught)
	}
}

func TestExecuteSupportsPromiseAll(t *testing.T) {
	sb, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer sb.Close()

	caller := &fakeCaller{response: json.RawMessage(`{"content":[{"type":"text","text":"pong"}]}`)}

	raw, err := sb.Execute(withTimeout(t), `
		const [a, b] = await Promise.all([
			echoer.echo({ msg: "1" }),
			echoer.echo({ msg: "2" }),
		]);
		return [a, b];
	`, testCatalog(t), caller)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	var decoded []any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(decoded) != 2 {
		t.Errorf("expected 2 results from Promise.all, got %d", len(decoded))
	}
}

func TestWrapAgentCodeStripsTypesAndExtractsBody(t *testing.T) {
	body, err := wrapAgentCode(`const x: number = 1; return x + 1;`, "")
	if err != nil {
		t.Fatalf("wrapAgentCode failed: %v", err)
	}
	if strings.Contains(body, ": number") {
		t.Errorf("expected type annotation to be stripped, got %q", body)
	}
	if !strings.Contains(body, "return") {
		t.Errorf("expected return statement to survive, got %q", body)
	}
}

var errQuotaExceeded = &boomError{msg: "quota exceeded"}

type boomError struct{ msg string }

func (e *boomError) Error() string { return e.msg }
