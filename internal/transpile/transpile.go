// Package transpile strips TypeScript type syntax from a script fragment,
// leaving plain ECMAScript for the sandbox to execute. Grounded on
// _examples/original_source/src/transpile.rs, which performs the same
// erasure with the oxc parser/transformer/codegen pipeline; the Go
// ecosystem's equivalent in-process, pure-Go pipeline is esbuild's
// Transform API.
package transpile

import (
	"fmt"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
)

// Error reports a transpile failure with the location esbuild attached to
// it, matching spec.md §4.1's requirement that malformed syntax be
// reported with line/column.
type Error struct {
	Text   string
	File   string
	Line   int
	Column int
}

func (e *Error) Error() string {
	if e.Line == 0 && e.Column == 0 {
		return e.Text
	}
	return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Text)
}

// Transpile strips type annotations from src, returning syntactically
// valid ECMAScript. It performs no module resolution, no optimization, and
// adds no runtime shims, per spec.md §4.1.
func Transpile(src string) (string, error) {
	result := api.Transform(src, api.TransformOptions{
		Loader:     api.LoaderTS,
		Target:     api.ES2022,
		Sourcemap:  api.SourceMapNone,
		LegalComments: api.LegalCommentsNone,
	})

	if len(result.Errors) > 0 {
		msg := result.Errors[0]
		loc := msg.Location
		if loc == nil {
			return "", &Error{Text: msg.Text}
		}
		return "", &Error{Text: msg.Text, File: loc.File, Line: loc.Line, Column: loc.Column}
	}

	return strings.TrimSpace(string(result.Code)), nil
}
