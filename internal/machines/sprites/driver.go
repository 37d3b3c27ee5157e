// Package sprites adapts the Sprites provider to the machines driver API.
// Sprites are lazy dev VMs addressed by name: the first command creates the
// VM, idle VMs auto-suspend, and any command wakes them.
package sprites

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	sprites "github.com/superfly/sprites-go"
	"go.uber.org/zap"

	"github.com/opendispatch/opendispatch/internal/common/logger"
	"github.com/opendispatch/opendispatch/internal/machines"
)

const (
	namePrefix    = "opendispatch-"
	createTimeout = 120 * time.Second
	wakeTimeout   = 60 * time.Second

	// runnerCommand stands in for the image entrypoint. Sprites boot a
	// development VM rather than an arbitrary OCI image, so when a spawn
	// spec carries no command the reporter baked into the configured image
	// is started by its conventional name.
	runnerCommand = "open-dispatch-runner"
)

// Driver implements machines.API on top of sprites-go.
type Driver struct {
	client *sprites.Client
	logger *logger.Logger
}

// New creates a sprites driver with the given API token.
func New(token string, log *logger.Logger) *Driver {
	return &Driver{
		client: sprites.New(token),
		logger: log.WithFields(zap.String("driver", "sprites")),
	}
}

// Close releases the underlying SDK client.
func (d *Driver) Close() error {
	return d.client.Close()
}

// Create boots a sprite and starts its payload detached. The payload is the
// spec command when set, otherwise the image's reporter entrypoint. With
// AutoDestroy set the sprite is destroyed as soon as the payload exits.
func (d *Driver) Create(ctx context.Context, spec machines.SpawnSpec) (*machines.MachineInfo, error) {
	name := namePrefix + spec.Name
	sprite := d.client.Sprite(name)

	d.logger.Debug("creating sprite (lazy create on first command)",
		zap.String("sprite", name),
		zap.String("image", spec.Image))

	stepCtx, cancel := context.WithTimeout(ctx, createTimeout)
	defer cancel()
	out, err := sprite.CommandContext(stepCtx, "echo", "dispatch-ready").Output()
	if err != nil {
		return nil, fmt.Errorf("failed to create sprite: %w", err)
	}
	if !strings.Contains(string(out), "dispatch-ready") {
		return nil, fmt.Errorf("unexpected sprite output: %s", string(out))
	}

	payload := spec.Command
	if payload == "" {
		payload = runnerCommand
	}

	// Background context: the payload outlives this call.
	cmd := sprite.CommandContext(context.Background(), "sh", "-lc", payload)
	cmd.Env = envSlice(spec.Env)
	if err := cmd.Start(); err != nil {
		if derr := sprite.Destroy(); derr != nil {
			d.logger.Warn("failed to destroy sprite after start failure",
				zap.String("sprite", name), zap.Error(derr))
		}
		return nil, fmt.Errorf("failed to start payload: %w", err)
	}

	if spec.AutoDestroy {
		go d.destroyOnExit(name, sprite, cmd)
	}

	d.logger.Info("sprite created",
		zap.String("sprite", name),
		zap.Bool("auto_destroy", spec.AutoDestroy))

	return &machines.MachineInfo{
		ID:        name,
		Name:      name,
		Image:     spec.Image,
		CreatedAt: time.Now(),
	}, nil
}

// destroyOnExit emulates auto_destroy: sprites have no such flag, so the
// driver reaps the VM once the payload finishes.
func (d *Driver) destroyOnExit(name string, sprite *sprites.Sprite, cmd *sprites.Cmd) {
	err := cmd.Wait()
	d.logger.Debug("sprite payload exited",
		zap.String("sprite", name),
		zap.Error(err))
	if derr := sprite.Destroy(); derr != nil && !isNotFound(derr) {
		d.logger.Warn("failed to auto-destroy sprite",
			zap.String("sprite", name), zap.Error(derr))
	}
}

// Stop is a no-op: idle sprites suspend on their own.
func (d *Driver) Stop(_ context.Context, machineID string) error {
	d.logger.Debug("stop requested, sprites auto-suspend", zap.String("sprite", machineID))
	return nil
}

// Destroy tears the sprite down, mapping the SDK's not-found error to
// machines.ErrNotFound.
func (d *Driver) Destroy(_ context.Context, machineID string) error {
	sprite := d.client.Sprite(machineID)
	if err := sprite.Destroy(); err != nil {
		if isNotFound(err) {
			return machines.ErrNotFound
		}
		return fmt.Errorf("failed to destroy sprite: %w", err)
	}
	d.logger.Info("sprite destroyed", zap.String("sprite", machineID))
	return nil
}

// Wake resumes a suspended sprite by running a trivial command.
func (d *Driver) Wake(ctx context.Context, machineID string) error {
	stepCtx, cancel := context.WithTimeout(ctx, wakeTimeout)
	defer cancel()

	sprite := d.client.Sprite(machineID)
	if err := sprite.CommandContext(stepCtx, "true").Run(); err != nil {
		return fmt.Errorf("failed to wake sprite: %w", err)
	}
	return nil
}

// Exec runs a command on the sprite and buffers its output. A non-zero exit
// is a result, not an error.
func (d *Driver) Exec(ctx context.Context, machineID, command string, opts machines.ExecOptions) (*machines.ExecResult, error) {
	sprite := d.client.Sprite(machineID)

	cmd := sprite.CommandContext(ctx, "sh", "-lc", command)
	cmd.Dir = opts.Workdir
	cmd.Env = envSlice(opts.Env)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		code, ok := exitCode(err)
		if !ok {
			return nil, fmt.Errorf("failed to exec on sprite: %w", err)
		}
		return &machines.ExecResult{
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			ExitCode: code,
		}, nil
	}

	return &machines.ExecResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}, nil
}

// exitCode extracts an exit status from a command error. Transport failures
// carry no status and report false.
func exitCode(err error) (int, bool) {
	var coder interface{ ExitCode() int }
	if errors.As(err, &coder) {
		return coder.ExitCode(), true
	}
	return 0, false
}

func isNotFound(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "not found")
}

func envSlice(env map[string]string) []string {
	var result []string
	for k, v := range env {
		result = append(result, k+"="+v)
	}
	return result
}
