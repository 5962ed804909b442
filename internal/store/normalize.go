package store

import "strings"

// keyPartReplacer strips characters that would corrupt the colon-delimited
// store key namespace (spec.md §6) if a caller-supplied identity, group, or
// route segment contained them.
var keyPartReplacer = strings.NewReplacer(
	" ", "_",
	":", "_",
	"/", "_",
	"\\", "_",
	"\t", "_",
	"\n", "_",
)

// NormalizeKeyPart trims whitespace and replaces characters that are
// meaningful in the key layout (space, colon, slash, backslash, tab,
// newline) with underscores, so a single caller-supplied segment can never
// split into multiple key segments.
func NormalizeKeyPart(s string) string {
	return keyPartReplacer.Replace(strings.TrimSpace(s))
}
