package engine

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// truncateResponse caps text at maxLen bytes, backing off to the last
// newline within the budget (or, failing that, the nearest valid UTF-8
// rune boundary) so the cut point is never mid-character. Grounded on
// _examples/original_source/src/lib.rs::truncate_response; measured in
// bytes rather than characters, since Go strings are byte sequences and a
// byte-length budget is what actually bounds the size of the response sent
// back over the wire.
func truncateResponse(text string, maxLen int) string {
	if maxLen <= 0 || len(text) <= maxLen {
		return text
	}

	cut := strings.LastIndexByte(text[:maxLen], '\n')
	if cut < 0 {
		cut = maxLen
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
	}

	remaining := len(text) - cut
	return fmt.Sprintf(
		"%s\n\n[truncated — %d bytes omitted. Use your code to extract only the data you need, or increase max_length.]",
		text[:cut], remaining,
	)
}
