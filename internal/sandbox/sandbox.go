// Package sandbox runs agent-written TypeScript against a tool catalog and
// a live upstream pool inside an embedded ECMAScript runtime. Grounded on
// _examples/original_source/src/sandbox.rs's rquickjs AsyncContext design;
// goja plus goja_nodejs's eventloop is the pure-Go, in-process analogue of
// rquickjs's AsyncRuntime/AsyncContext, chosen because no example repo in
// the retrieved pack embeds a JS engine of its own.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/eventloop"

	"github.com/dslh/codemode-mcp/internal/catalog"
	"github.com/dslh/codemode-mcp/internal/config"
	"github.com/dslh/codemode-mcp/internal/transpile"
)

// ToolCaller is the subset of pool.Pool the sandbox needs to bridge
// __call_tool invocations back to a live upstream connection. It returns
// the call's result already marshaled to JSON so the sandbox never needs
// to know the shape of an mcp.CallToolResult. Kept as an interface so
// sandbox tests never need a real MCP server.
type ToolCaller interface {
	Call(ctx context.Context, server, tool string, args map[string]any) (json.RawMessage, error)
}

// memoryLimitBytes approximates rquickjs's set_memory_limit(64 MiB); goja
// has no native heap cap, so a watchdog goroutine samples runtime.MemStats
// instead. This is a soft, approximate limit, not an OS-enforced one.
const memoryLimitBytes = 64 * 1024 * 1024

const consoleShim = `
const console = {
  _write(level, args) {
    const msg = args.map(a => {
      if (typeof a === 'string') return a;
      try { return JSON.stringify(a); } catch (e) { return String(a); }
    }).join(' ');
    __log(level, msg);
  },
  log(...args)   { this._write('LOG', args); },
  info(...args)  { this._write('INFO', args); },
  warn(...args)  { this._write('WARN', args); },
  error(...args) { this._write('ERROR', args); },
  debug(...args) { this._write('DEBUG', args); },
};
`

// Sandbox is a single-threaded ECMAScript runtime scoped to one Search or
// Execute call. The engine spawns a fresh Sandbox per request and closes it
// once the call finishes, so no agent script can leak global bindings into
// another request.
type Sandbox struct {
	loop *eventloop.EventLoop

	watchdogStop chan struct{}
	watchdogWG   sync.WaitGroup
}

// New starts the runtime's event loop and installs the console shim.
func New() (*Sandbox, error) {
	loop := eventloop.NewEventLoop()
	loop.Start()

	s := &Sandbox{loop: loop, watchdogStop: make(chan struct{})}

	setupErr := make(chan error, 1)
	loop.RunOnLoop(func(vm *goja.Runtime) {
		vm.Set("__log", func(level, msg string) {
			log.Printf("[js] %s: %s", level, msg)
		})
		if _, err := vm.RunString(consoleShim); err != nil {
			setupErr <- fmt.Errorf("install console shim: %w", err)
			return
		}
		setupErr <- nil
	})
	if err := <-setupErr; err != nil {
		loop.Stop()
		return nil, err
	}

	s.startWatchdog()
	return s, nil
}

// startWatchdog samples the process heap and interrupts the runtime once
// it grows past memoryLimitBytes since the sandbox started, the way
// rquickjs's memory limit aborts runaway agent scripts.
func (s *Sandbox) startWatchdog() {
	vmReady := make(chan *goja.Runtime, 1)
	s.loop.RunOnLoop(func(vm *goja.Runtime) { vmReady <- vm })
	vm := <-vmReady

	s.watchdogWG.Add(1)
	go func() {
		defer s.watchdogWG.Done()
		var baseline uint64
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()

		var stats runtime.MemStats
		runtime.ReadMemStats(&stats)
		baseline = stats.HeapAlloc

		for {
			select {
			case <-s.watchdogStop:
				return
			case <-ticker.C:
				runtime.ReadMemStats(&stats)
				if stats.HeapAlloc > baseline+memoryLimitBytes {
					// Called directly rather than via RunOnLoop: a runaway
					// script keeps the loop busy, so a queued job would not
					// run until the script finished.
					vm.Interrupt(errors.New("script exceeded memory budget"))
				}
			}
		}
	}()
}

// Close stops the event loop and the memory watchdog.
func (s *Sandbox) Close() {
	close(s.watchdogStop)
	s.watchdogWG.Wait()
	s.loop.Stop()
}

// Search runs agent code that filters/inspects the tool catalog. No
// per-server globals are injected — search sees only the `tools` array,
// per spec.md's search/execute split.
func (s *Sandbox) Search(ctx context.Context, code string, cat *catalog.Catalog) (json.RawMessage, error) {
	body, err := wrapAgentCode(code, cat.Declarations())
	if err != nil {
		return nil, err
	}

	entriesJSON, err := cat.EntriesForSearch()
	if err != nil {
		return nil, err
	}

	wrapped := fmt.Sprintf("const tools = %s;\n(async () => { %s })().then(__done).catch(__fail);", entriesJSON, body)
	return s.run(ctx, wrapped, nil)
}

// Execute runs agent code with one async proxy object per connected
// server, each tool call bridged to caller via __call_tool. Mirrors the
// per-server `new Proxy({}, {get...})` construction in
// _examples/original_source/src/sandbox.rs.
func (s *Sandbox) Execute(ctx context.Context, code string, cat *catalog.Catalog, caller ToolCaller) (json.RawMessage, error) {
	body, err := wrapAgentCode(code, cat.Declarations())
	if err != nil {
		return nil, err
	}

	entriesJSON, err := cat.EntriesForSearch()
	if err != nil {
		return nil, err
	}

	var setup strings.Builder
	for _, server := range cat.Servers() {
		jsName := config.SanitizedName(server)
		fmt.Fprintf(&setup, `const %s = new Proxy({}, {
  get(_, tool) {
    return async (args = {}) => {
      const resultJson = await __call_tool(%q, tool, JSON.stringify(args));
      try { return JSON.parse(resultJson); } catch (e) { return resultJson; }
    };
  }
});
`, jsName, server)
	}
	fmt.Fprintf(&setup, "const tools = %s;\n", entriesJSON)

	wrapped := fmt.Sprintf("%s(async () => { %s })().then(__done).catch(__fail);", setup.String(), body)

	install := func(vm *goja.Runtime) {
		vm.Set("__call_tool", func(server, tool, argsJSON string) *goja.Promise {
			promise, resolve, reject := vm.NewPromise()
			go func() {
				var args map[string]any
				if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
					args = map[string]any{}
				}
				result, callErr := caller.Call(ctx, server, tool, args)

				if callErr != nil {
					s.loop.RunOnLoop(func(vm *goja.Runtime) {
						reject(vm.NewGoError(callErr))
					})
					return
				}

				s.loop.RunOnLoop(func(vm *goja.Runtime) {
					resolve(vm.ToValue(string(result)))
				})
			}()
			return promise
		})
	}

	return s.run(ctx, wrapped, install)
}

// run submits wrapped script for evaluation and waits for either __done or
// __fail to be invoked from within it, or for ctx to be cancelled.
func (s *Sandbox) run(ctx context.Context, wrapped string, install func(vm *goja.Runtime)) (json.RawMessage, error) {
	type outcome struct {
		raw json.RawMessage
		err error
	}
	done := make(chan outcome, 1)

	s.loop.RunOnLoop(func(vm *goja.Runtime) {
		vm.Set("__done", func(value goja.Value) {
			if value == nil || goja.IsUndefined(value) {
				done <- outcome{raw: json.RawMessage("null")}
				return
			}
			raw, err := json.Marshal(value.Export())
			if err != nil {
				done <- outcome{err: fmt.Errorf("marshal result: %w", err)}
				return
			}
			done <- outcome{raw: raw}
		})
		vm.Set("__fail", func(value goja.Value) {
			done <- outcome{err: errors.New(describeJSError(value))}
		})

		if install != nil {
			install(vm)
		}

		if _, err := vm.RunString(wrapped); err != nil {
			done <- outcome{err: fmt.Errorf("script evaluation failed: %w", err)}
		}
	})

	select {
	case out := <-done:
		return out.raw, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func describeJSError(value goja.Value) string {
	if value == nil {
		return "unknown script error"
	}
	if obj, ok := value.(*goja.Object); ok {
		if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
			return msg.String()
		}
	}
	return value.String()
}

// wrapAgentCode prepends the catalog's type declarations, wraps the agent
// body in a named async function so bare `return` statements are valid,
// transpiles, then extracts the function body back out. Mirrors
// _examples/original_source/src/sandbox.rs::transpile_agent_code.
func wrapAgentCode(code, declarations string) (string, error) {
	source := declarations + "\nasync function __agent__() {\n" + code + "\n}"
	js, err := transpile.Transpile(source)
	if err != nil {
		return "", err
	}

	const marker = "async function __agent__()"
	start := strings.Index(js, marker)
	if start < 0 {
		return js, nil
	}
	rest := js[start:]
	open := strings.Index(rest, "{")
	if open < 0 {
		return js, nil
	}
	inner := rest[open+1:]
	close := strings.LastIndex(inner, "}")
	if close < 0 {
		return strings.TrimSpace(inner), nil
	}
	return strings.TrimSpace(inner[:close]), nil
}
