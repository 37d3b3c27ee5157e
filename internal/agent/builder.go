package agent

import "strings"

// ShellCmd assembles a sh -c command line using a fluent API. Literal parts
// (binary names, flags) are appended verbatim; untrusted values go through
// Quoted/Arg so they end up escaped inside double quotes.
type ShellCmd struct {
	parts []string
}

// Shell starts building a command line from literal parts.
func Shell(base ...string) *ShellCmd {
	return &ShellCmd{parts: append([]string{}, base...)}
}

// Flag appends literal flag parts.
func (c *ShellCmd) Flag(parts ...string) *ShellCmd {
	c.parts = append(c.parts, parts...)
	return c
}

// Quoted appends a flag with a double-quoted escaped value. Skipped when
// the value is empty.
func (c *ShellCmd) Quoted(flag, value string) *ShellCmd {
	if value == "" {
		return c
	}
	c.parts = append(c.parts, flag, quote(value))
	return c
}

// Arg appends a double-quoted escaped positional value.
func (c *ShellCmd) Arg(value string) *ShellCmd {
	c.parts = append(c.parts, quote(value))
	return c
}

// Pipe appends a pipeline stage.
func (c *ShellCmd) Pipe(parts ...string) *ShellCmd {
	c.parts = append(c.parts, "|")
	c.parts = append(c.parts, parts...)
	return c
}

// And appends a short-circuit conjunction with the given command line.
func (c *ShellCmd) And(other *ShellCmd) *ShellCmd {
	c.parts = append(c.parts, "&&")
	c.parts = append(c.parts, other.parts...)
	return c
}

// String returns the assembled command line.
func (c *ShellCmd) String() string {
	return strings.Join(c.parts, " ")
}
