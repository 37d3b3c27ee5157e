package machines

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opendispatch/opendispatch/internal/common/logger"
	"github.com/opendispatch/opendispatch/internal/job"
)

func testLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	return log
}

// fakeAPI records driver calls and returns canned results.
type fakeAPI struct {
	mu           sync.Mutex
	createCalls  []SpawnSpec
	createErr    error
	created      *MachineInfo
	stopCalls    []string
	destroyCalls []string
	destroyErr   error
	wakeCalls    []string
	wakeErr      error
	execCalls    []string
	execResult   *ExecResult
	execErr      error
}

func (f *fakeAPI) Create(_ context.Context, spec SpawnSpec) (*MachineInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls = append(f.createCalls, spec)
	if f.createErr != nil {
		return nil, f.createErr
	}
	if f.created != nil {
		return f.created, nil
	}
	return &MachineInfo{ID: "m-1", Name: spec.Name, Image: spec.Image}, nil
}

func (f *fakeAPI) Stop(_ context.Context, machineID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls = append(f.stopCalls, machineID)
	return nil
}

func (f *fakeAPI) Destroy(_ context.Context, machineID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyCalls = append(f.destroyCalls, machineID)
	return f.destroyErr
}

func (f *fakeAPI) Wake(_ context.Context, machineID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wakeCalls = append(f.wakeCalls, machineID)
	return f.wakeErr
}

func (f *fakeAPI) Exec(_ context.Context, _ string, command string, _ ExecOptions) (*ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execCalls = append(f.execCalls, command)
	if f.execErr != nil {
		return nil, f.execErr
	}
	if f.execResult != nil {
		return f.execResult, nil
	}
	return &ExecResult{}, nil
}

func newTestClient(api API, cfg Config) *Client {
	if cfg.PublicURL == "" {
		cfg.PublicURL = "https://dispatch.example.com"
	}
	if cfg.DefaultImage == "" {
		cfg.DefaultImage = "dispatch-agent:latest"
	}
	return NewClient(api, cfg, NewTokenGenerator("test-secret"), testLogger())
}

func newQueuedJob(t *testing.T, opts job.Options) *job.Job {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = testLogger()
	}
	return job.New("11111111-2222-3333-4444-555555555555", "unused", opts)
}

func TestSpawnOneShot(t *testing.T) {
	t.Setenv("OPENDISPATCH_TEST_CRED", "key-123")

	api := &fakeAPI{}
	client := newTestClient(api, Config{
		CredentialEnv: []string{"OPENDISPATCH_TEST_CRED", "OPENDISPATCH_TEST_UNSET_CRED"},
	})
	j := newQueuedJob(t, job.Options{
		ChannelID: "C-1",
		Repo:      "github.com/acme/site",
		Branch:    "main",
		Command:   "claude -p \"fix the build\"",
		Image:     "custom:1",
	})

	info, err := client.SpawnOneShot(context.Background(), j)
	require.NoError(t, err)
	require.NotNil(t, info)

	require.Len(t, api.createCalls, 1)
	spec := api.createCalls[0]
	assert.True(t, spec.AutoDestroy)
	assert.Equal(t, RestartNever, spec.Restart)
	assert.Equal(t, "custom:1", spec.Image)
	assert.True(t, strings.HasPrefix(spec.Name, "job-"), "name should carry the job- prefix: %s", spec.Name)
	assert.Empty(t, spec.Command, "one-shot payload is driven by the image entrypoint")

	assert.Equal(t, j.ID(), spec.Env["JOB_ID"])
	assert.Equal(t, NewTokenGenerator("test-secret").Token(j.ID()), spec.Env["JOB_TOKEN"])
	assert.Equal(t, "https://dispatch.example.com", spec.Env["OPEN_DISPATCH_URL"])
	assert.Equal(t, "github.com/acme/site", spec.Env["REPO"])
	assert.Equal(t, "main", spec.Env["BRANCH"])
	assert.Equal(t, "claude -p \"fix the build\"", spec.Env["COMMAND"])
	assert.Equal(t, "key-123", spec.Env["OPENDISPATCH_TEST_CRED"])
	_, present := spec.Env["OPENDISPATCH_TEST_UNSET_CRED"]
	assert.False(t, present, "unset credentials are skipped, not injected empty")

	assert.Equal(t, job.StatusRunning, j.Status())
	assert.Equal(t, "m-1", j.MachineID())
}

func TestSpawnOneShotDefaultsImage(t *testing.T) {
	api := &fakeAPI{}
	client := newTestClient(api, Config{DefaultImage: "dispatch-agent:latest"})
	j := newQueuedJob(t, job.Options{})

	_, err := client.SpawnOneShot(context.Background(), j)
	require.NoError(t, err)
	assert.Equal(t, "dispatch-agent:latest", api.createCalls[0].Image)
}

func TestSpawnOneShotCreateFailureFailsJob(t *testing.T) {
	api := &fakeAPI{createErr: errors.New("capacity exhausted")}
	client := newTestClient(api, Config{})
	j := newQueuedJob(t, job.Options{})

	_, err := client.SpawnOneShot(context.Background(), j)
	require.Error(t, err)

	assert.Equal(t, job.StatusFailed, j.Status())
	assert.Contains(t, j.Error(), "Failed to spawn machine")
	require.NotNil(t, j.ExitCode())
	assert.Equal(t, 1, *j.ExitCode())
}

func TestSpawnOneShotDestroysMachineWhenJobAlreadyTerminal(t *testing.T) {
	api := &fakeAPI{}
	client := newTestClient(api, Config{})
	j := newQueuedJob(t, job.Options{})
	j.Fail("canceled before spawn finished", 1)

	_, err := client.SpawnOneShot(context.Background(), j)
	require.Error(t, err)

	require.Len(t, api.createCalls, 1, "create still happens; the race is detected after")
	assert.Equal(t, []string{"m-1"}, api.destroyCalls, "orphaned machine must be torn down")
	assert.Equal(t, job.StatusFailed, j.Status())
}

func TestSpawnPersistent(t *testing.T) {
	api := &fakeAPI{}
	client := newTestClient(api, Config{})

	info, err := client.SpawnPersistent(context.Background(), "disp-support", "", map[string]string{"K": "v"})
	require.NoError(t, err)
	assert.Equal(t, "m-1", info.ID)

	require.Len(t, api.createCalls, 1)
	spec := api.createCalls[0]
	assert.Equal(t, "disp-support", spec.Name)
	assert.Equal(t, "dispatch-agent:latest", spec.Image)
	assert.False(t, spec.AutoDestroy)
	assert.Equal(t, RestartAlways, spec.Restart)
	assert.Equal(t, "v", spec.Env["K"])
}

func TestDestroyTreatsNotFoundAsSuccess(t *testing.T) {
	api := &fakeAPI{destroyErr: ErrNotFound}
	client := newTestClient(api, Config{})

	assert.NoError(t, client.Destroy(context.Background(), "m-gone"))

	api.destroyErr = errors.New("network down")
	assert.Error(t, client.Destroy(context.Background(), "m-1"))
}

func TestStreamCommand(t *testing.T) {
	api := &fakeAPI{execResult: &ExecResult{
		Stdout:   "first line\n\nsecond line\r\n",
		Stderr:   "warning: slow\n\n",
		ExitCode: 0,
	}}
	client := newTestClient(api, Config{})

	var lines []string
	res, err := client.StreamCommand(context.Background(), "m-1", "opencode run", func(line string) {
		lines = append(lines, line)
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"m-1"}, api.wakeCalls, "machine is woken before exec")
	assert.Equal(t, []string{"opencode run"}, api.execCalls)
	assert.Equal(t, []string{"first line", "second line", "[stderr] warning: slow"}, lines)
	assert.True(t, res.Success)
	assert.Equal(t, 0, res.ExitCode)
}

func TestStreamCommandNonZeroExit(t *testing.T) {
	api := &fakeAPI{execResult: &ExecResult{Stdout: "boom\n", ExitCode: 2}}
	client := newTestClient(api, Config{})

	res, err := client.StreamCommand(context.Background(), "m-1", "false", func(string) {})
	require.NoError(t, err, "a failing command is a result, not a transport error")
	assert.False(t, res.Success)
	assert.Equal(t, 2, res.ExitCode)
}

func TestStreamCommandErrors(t *testing.T) {
	t.Run("wake failure", func(t *testing.T) {
		api := &fakeAPI{wakeErr: errors.New("provider timeout")}
		client := newTestClient(api, Config{})

		_, err := client.StreamCommand(context.Background(), "m-1", "true", nil)
		require.Error(t, err)
		assert.Empty(t, api.execCalls, "exec must not run when wake fails")
	})

	t.Run("exec failure", func(t *testing.T) {
		api := &fakeAPI{execErr: errors.New("connection reset")}
		client := newTestClient(api, Config{})

		_, err := client.StreamCommand(context.Background(), "m-1", "true", nil)
		require.Error(t, err)
	})
}

func TestDisabledDriverFailsFast(t *testing.T) {
	client := newTestClient(NewDisabled(), Config{})
	j := newQueuedJob(t, job.Options{})

	_, err := client.SpawnOneShot(context.Background(), j)
	require.ErrorIs(t, err, ErrDisabled)
	assert.Equal(t, job.StatusFailed, j.Status())
}
