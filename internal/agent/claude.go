package agent

var _ Agent = (*Claude)(nil)

// Claude runs the Claude Code CLI in non-interactive print mode.
type Claude struct{}

// NewClaude creates the Claude agent.
func NewClaude() *Claude { return &Claude{} }

func (a *Claude) ID() string   { return "claude" }
func (a *Claude) Name() string { return "Claude Code CLI" }

// BuildCommand returns a single invocation: permission checks skipped
// (the machine is disposable and sandboxed), session pinned when known,
// prompt passed via -p.
func (a *Claude) BuildCommand(req BuildRequest) string {
	return Shell("claude", "--dangerously-skip-permissions").
		Quoted("--session-id", req.SessionID).
		Quoted("-p", req.Message).
		String()
}

// BuildArgs returns the argv form. The message is passed through raw;
// escaping belongs to shell embedding only.
func (a *Claude) BuildArgs(req BuildRequest) []string {
	args := []string{"claude", "--dangerously-skip-permissions"}
	if req.SessionID != "" {
		args = append(args, "--session-id", req.SessionID)
	}
	return append(args, "-p", req.Message)
}
