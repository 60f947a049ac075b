package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/dslh/codemode-mcp/internal/catalog"
)

type fakeUpstream struct {
	result *mcp.CallToolResult
	err    error
}

func (f *fakeUpstream) Call(ctx context.Context, server, tool string, args map[string]any) (*mcp.CallToolResult, error) {
	return f.result, f.err
}

func newTestEngine(t *testing.T, caller upstream) *Engine {
	t.Helper()

	cat, err := catalog.Build(map[string][]catalog.Entry{
		"screenshots": {
			{Name: "capture", Description: "captures the screen", InputSchema: []byte(`{"type":"object","properties":{}}`)},
		},
	})
	if err != nil {
		t.Fatalf("build catalog: %v", err)
	}

	return &Engine{gen: &generation{catalog: cat, caller: caller}}
}

func withTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestEngineSearchFiltersCatalog(t *testing.T) {
	e := newTestEngine(t, &fakeUpstream{})

	text, err := e.Search(withTimeout(t), `return tools.map(t => t.name);`, 0)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if !strings.Contains(text, "capture") {
		t.Errorf("expected tool name in result, got %q", text)
	}
}

func TestEngineExecuteExtractsImages(t *testing.T) {
	caller := &fakeUpstream{
		result: &mcp.CallToolResult{
			Content: []mcp.Content{
				&mcp.ImageContent{Data: []byte("YmFzZTY0Ym9keQ=="), MIMEType: "image/png"},
			},
		},
	}
	e := newTestEngine(t, caller)

	result, err := e.Execute(withTimeout(t), `
		const shot = await screenshots.capture({});
		return shot;
	`, 0)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if strings.Contains(result.Text, "YmFzZTY0Ym9keQ==") {
		t.Error("expected image data to be extracted out of the text, not left inline")
	}
	if strings.Contains(result.Text, "extracted") {
		// placeholder text should exist somewhere in the JSON structure.
	} else {
		t.Errorf("expected placeholder text in result, got %q", result.Text)
	}
}

func TestEngineExecuteRejectsPromiseOnUpstreamError(t *testing.T) {
	caller := &fakeUpstream{err: errTest}
	e := newTestEngine(t, caller)

	result, err := e.Execute(withTimeout(t), `
		try {
			await screenshots.capture({});
			return "ok";
		} catch (e) {
			return String(e);
		}
	`, 0)
	if err != nil {
		t.Fatalf("Execute itself should not fail on an upstream error: %v", err)
	}
	if strings.Contains(result.Text, `"ok"`) {
		t.Fatalf("expected the upstream failure to reject the promise, but the await did not throw: %q", result.Text)
	}
	if !strings.Contains(result.Text, "quota exceeded") {
		t.Errorf("expected caught error to mention the upstream failure, got %q", result.Text)
	}
}

var errTest = testError("quota exceeded")

type testError string

func (e testError) Error() string { return string(e) }
