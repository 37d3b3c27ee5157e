// Package machines wraps the remote Machines provider behind a small driver
// interface. The orchestrator talks to the Client, the Client talks to an
// injected API implementation (the sprites driver in production, fakes in
// tests), so nothing above this package knows the provider's wire protocol.
package machines

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by drivers when the machine does not exist.
// Destroy treats it as success so teardown stays idempotent.
var ErrNotFound = errors.New("machine not found")

// ErrDisabled is returned when no provider is configured.
var ErrDisabled = errors.New("machines driver not configured")

// RestartPolicy values for SpawnSpec.
const (
	RestartNever  = "no"
	RestartAlways = "always"
)

// SpawnSpec describes a machine to create.
type SpawnSpec struct {
	// Name is the provider-visible machine name.
	Name string
	// Image is the VM image to boot.
	Image string
	// Command, when set, is started in the machine as an sh -c payload.
	// When empty the image's entrypoint runs.
	Command string
	// Env is injected into the machine's environment.
	Env map[string]string
	// AutoDestroy tears the machine down when its command exits.
	AutoDestroy bool
	// Restart is the restart policy: RestartNever for one-shots,
	// RestartAlways for persistent machines.
	Restart string
}

// MachineInfo identifies a spawned machine.
type MachineInfo struct {
	ID        string
	Name      string
	Image     string
	CreatedAt time.Time
}

// ExecOptions modifies a single Exec call.
type ExecOptions struct {
	Workdir string
	Env     map[string]string
}

// ExecResult carries the outcome of an Exec call. Exec is not a streaming
// API; callers split Stdout/Stderr on newlines when they need lines.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// API is the provider driver. Implementations adapt a concrete Machines
// provider; the test suite substitutes in-memory fakes.
type API interface {
	Create(ctx context.Context, spec SpawnSpec) (*MachineInfo, error)
	Stop(ctx context.Context, machineID string) error
	Destroy(ctx context.Context, machineID string) error
	Wake(ctx context.Context, machineID string) error
	Exec(ctx context.Context, machineID, command string, opts ExecOptions) (*ExecResult, error)
}

// disabledAPI fails every call. Installed when no provider token is
// configured so sends fail fast with a clear error instead of hanging.
type disabledAPI struct{}

// NewDisabled returns an API whose every call fails with ErrDisabled.
func NewDisabled() API { return disabledAPI{} }

func (disabledAPI) Create(context.Context, SpawnSpec) (*MachineInfo, error) {
	return nil, ErrDisabled
}
func (disabledAPI) Stop(context.Context, string) error { return ErrDisabled }
func (disabledAPI) Destroy(context.Context, string) error {
	return ErrDisabled
}
func (disabledAPI) Wake(context.Context, string) error { return ErrDisabled }
func (disabledAPI) Exec(context.Context, string, string, ExecOptions) (*ExecResult, error) {
	return nil, ErrDisabled
}
