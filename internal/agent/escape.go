package agent

import "strings"

// shellEscaper rewrites the characters that stay active inside a
// double-quoted sh word: backslash first so later escapes survive, then
// parameter expansion, command substitution, the closing quote, and history
// expansion. Semicolons, pipes, redirects, globs, and newlines are inert
// inside double quotes and pass through so messages stay readable.
var shellEscaper = strings.NewReplacer(
	`\`, `\\`,
	`$`, `\$`,
	"`", "\\`",
	`"`, `\"`,
	`!`, `\!`,
)

// EscapeArg makes an untrusted string safe to embed between double quotes
// in a larger sh -c command line. The result is only meaningful inside
// double quotes; callers building argv directly must pass the raw string.
func EscapeArg(s string) string {
	return shellEscaper.Replace(s)
}

// quote wraps a value in double quotes after escaping it.
func quote(s string) string {
	return `"` + EscapeArg(s) + `"`
}
