package agent

var _ Agent = (*OpenCode)(nil)

// opencodeConfigPath is where the CLI reads its configuration inside the
// machine. $HOME is expanded by the remote shell, not by us.
const opencodeConfigPath = `"$HOME/.config/opencode/opencode.json"`

// ansiStrip removes CSI and OSC escape sequences so downstream log
// consumers get plain text even when the CLI ignores NO_COLOR.
const ansiStrip = `sed -e 's/\x1b\[[0-9;]*[A-Za-z]//g' -e 's/\x1b\][^\x07]*\x07//g'`

// OpenCode runs the OpenCode CLI in one-shot run mode.
type OpenCode struct{}

// NewOpenCode creates the OpenCode agent.
func NewOpenCode() *OpenCode { return &OpenCode{} }

func (a *OpenCode) ID() string   { return "opencode" }
func (a *OpenCode) Name() string { return "OpenCode CLI" }

// BuildCommand returns a pipeline: optional config seed, then the run with
// colors disabled, then an ANSI-stripping filter over the merged output.
func (a *OpenCode) BuildCommand(req BuildRequest) string {
	run := Shell("NO_COLOR=1", "opencode", "run").
		Quoted("--session", req.SessionID).
		Arg(req.Message).
		Flag("2>&1").
		Pipe(ansiStrip)

	if req.ConfigJSON == "" {
		return run.String()
	}

	seed := Shell("mkdir", "-p", `"$HOME/.config/opencode"`).
		And(Shell("printf", "'%s'").Arg(req.ConfigJSON).Flag(">", opencodeConfigPath))
	return seed.And(run).String()
}

// BuildArgs returns the argv form with the raw message.
func (a *OpenCode) BuildArgs(req BuildRequest) []string {
	args := []string{"opencode", "run"}
	if req.SessionID != "" {
		args = append(args, "--session", req.SessionID)
	}
	return append(args, req.Message)
}
