package machines

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/opendispatch/opendispatch/internal/common/logger"
	"github.com/opendispatch/opendispatch/internal/common/tracing"
	"github.com/opendispatch/opendispatch/internal/job"
)

// oneShotNameLen bounds how much of the job ID goes into the machine name.
const oneShotNameLen = 12

// Config carries the settings every spawned machine needs to reach us.
type Config struct {
	// PublicURL is injected as OPEN_DISPATCH_URL so the reporter inside the
	// machine can find the webhook server.
	PublicURL string
	// DefaultImage is used when a job does not name an image.
	DefaultImage string
	// CredentialEnv lists environment variable names copied from our own
	// environment into each machine (agent API keys).
	CredentialEnv []string
}

// StreamResult is the outcome of StreamCommand.
type StreamResult struct {
	Success  bool
	ExitCode int
}

// Client is the orchestrator-facing machine lifecycle API. It owns env
// assembly and job state transitions around spawning; the injected API
// driver owns the provider protocol.
type Client struct {
	api    API
	cfg    Config
	tokens *TokenGenerator
	logger *logger.Logger
}

// NewClient creates a machine client over the given driver.
func NewClient(api API, cfg Config, tokens *TokenGenerator, log *logger.Logger) *Client {
	return &Client{
		api:    api,
		cfg:    cfg,
		tokens: tokens,
		logger: log.WithFields(zap.String("component", "machines")),
	}
}

// SpawnOneShot creates an ephemeral machine for a queued job. The machine
// self-destructs when its payload exits. On create success the job is moved
// to running before this returns; on create failure the job is failed before
// the error is returned, so callers never see a queued job alongside an
// error.
func (c *Client) SpawnOneShot(ctx context.Context, j *job.Job) (*MachineInfo, error) {
	ctx, span := tracing.Tracer("open-dispatch").Start(ctx, "machines.SpawnOneShot")
	defer span.End()

	image := j.Image()
	if image == "" {
		image = c.cfg.DefaultImage
	}

	spec := SpawnSpec{
		Name:        "job-" + shortID(j.ID()),
		Image:       image,
		Env:         c.jobEnv(j),
		AutoDestroy: true,
		Restart:     RestartNever,
	}

	log := c.logger.WithJobID(j.ID())
	log.Info("spawning one-shot machine",
		zap.String("name", spec.Name),
		zap.String("image", image),
		zap.String("repo", j.Repo()))

	info, err := c.api.Create(ctx, spec)
	if err != nil {
		j.Fail(fmt.Sprintf("Failed to spawn machine: %v", err), 1)
		return nil, fmt.Errorf("failed to create machine: %w", err)
	}

	if err := j.Start(info.ID); err != nil {
		// The job left queued while the create was in flight (reaped or
		// failed by a racing path). The fresh machine is orphaned.
		log.Warn("job no longer queued after spawn, destroying machine",
			zap.String("machine_id", info.ID),
			zap.Error(err))
		if derr := c.Destroy(context.Background(), info.ID); derr != nil {
			log.Warn("failed to destroy orphaned machine",
				zap.String("machine_id", info.ID),
				zap.Error(derr))
		}
		return nil, err
	}

	log.Info("one-shot machine started", zap.String("machine_id", info.ID))
	return info, nil
}

// SpawnPersistent creates a long-lived machine that survives command exits
// and restarts on failure.
func (c *Client) SpawnPersistent(ctx context.Context, name, image string, env map[string]string) (*MachineInfo, error) {
	ctx, span := tracing.Tracer("open-dispatch").Start(ctx, "machines.SpawnPersistent")
	defer span.End()

	if image == "" {
		image = c.cfg.DefaultImage
	}

	c.logger.Info("spawning persistent machine",
		zap.String("name", name),
		zap.String("image", image))

	info, err := c.api.Create(ctx, SpawnSpec{
		Name:        name,
		Image:       image,
		Env:         env,
		AutoDestroy: false,
		Restart:     RestartAlways,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create machine: %w", err)
	}

	c.logger.Info("persistent machine started",
		zap.String("name", name),
		zap.String("machine_id", info.ID))
	return info, nil
}

// Stop suspends a machine.
func (c *Client) Stop(ctx context.Context, machineID string) error {
	return c.api.Stop(ctx, machineID)
}

// Destroy tears a machine down. A machine that is already gone counts as
// success so teardown paths can be retried freely.
func (c *Client) Destroy(ctx context.Context, machineID string) error {
	if err := c.api.Destroy(ctx, machineID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to destroy machine: %w", err)
	}
	return nil
}

// Wake resumes a suspended machine.
func (c *Client) Wake(ctx context.Context, machineID string) error {
	return c.api.Wake(ctx, machineID)
}

// Exec runs a command on a machine and returns its buffered output.
func (c *Client) Exec(ctx context.Context, machineID, command string, opts ExecOptions) (*ExecResult, error) {
	return c.api.Exec(ctx, machineID, command, opts)
}

// StreamCommand wakes a machine, runs a command, and feeds its output to
// onOutput line by line: stdout first, then stderr with a "[stderr] "
// prefix. Blank lines are dropped.
func (c *Client) StreamCommand(ctx context.Context, machineID, command string, onOutput func(line string)) (*StreamResult, error) {
	ctx, span := tracing.Tracer("open-dispatch").Start(ctx, "machines.StreamCommand")
	defer span.End()

	if err := c.api.Wake(ctx, machineID); err != nil {
		return nil, fmt.Errorf("failed to wake machine: %w", err)
	}

	res, err := c.api.Exec(ctx, machineID, command, ExecOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to exec on machine: %w", err)
	}

	if onOutput != nil {
		for _, line := range outputLines(res.Stdout) {
			onOutput(line)
		}
		for _, line := range outputLines(res.Stderr) {
			onOutput("[stderr] " + line)
		}
	}

	return &StreamResult{Success: res.ExitCode == 0, ExitCode: res.ExitCode}, nil
}

// jobEnv builds the env block for a one-shot machine: the job contract
// variables plus configured credential passthrough. Credentials absent from
// our own environment are skipped rather than injected empty.
func (c *Client) jobEnv(j *job.Job) map[string]string {
	env := map[string]string{
		"JOB_ID":            j.ID(),
		"JOB_TOKEN":         c.tokens.Token(j.ID()),
		"OPEN_DISPATCH_URL": c.cfg.PublicURL,
		"REPO":              j.Repo(),
		"BRANCH":            j.Branch(),
		"COMMAND":           j.Command(),
	}
	for _, name := range c.cfg.CredentialEnv {
		if v := os.Getenv(name); v != "" {
			env[name] = v
		}
	}
	return env
}

// outputLines splits buffered command output into non-empty lines.
func outputLines(out string) []string {
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

func shortID(id string) string {
	if len(id) > oneShotNameLen {
		return id[:oneShotNameLen]
	}
	return id
}
