// Package agent builds the command lines that run coding agents inside
// dispatched machines. Each agent (Claude, OpenCode, ...) implements the
// Agent interface in its own file, consolidating identity and command
// construction in one place.
//
// Two forms are produced: BuildCommand returns a single line for
// ["/bin/sh", "-c", ...] with every untrusted string escaped for
// double-quoted embedding, and BuildArgs returns an argv slice with the
// message untouched, for direct process invocation where shell escaping
// would corrupt the content.
package agent

// BuildRequest carries the per-dispatch inputs for command construction.
type BuildRequest struct {
	// Message is the user's prompt, verbatim. Untrusted.
	Message string
	// SessionID preserves conversation context across sends. Untrusted.
	SessionID string
	// ConfigJSON, when set, is seeded into the agent's config file before
	// launch. Untrusted.
	ConfigJSON string
}

// Agent is the interface all coding agents implement.
type Agent interface {
	// ID is the stable handle used in configuration and send options.
	ID() string
	// Name is the human-readable agent name.
	Name() string
	// BuildCommand returns a full sh -c command line for the request.
	BuildCommand(req BuildRequest) string
	// BuildArgs returns the argv form for direct (non-shell) invocation.
	BuildArgs(req BuildRequest) []string
}
