package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opendispatch/opendispatch/internal/common/config"
	"github.com/opendispatch/opendispatch/internal/job"
)

func addStaleJob(t *testing.T, env *managerEnv, id string, timeout time.Duration) *job.Job {
	t.Helper()
	j := job.New(id, "tok-"+id, job.Options{
		ChannelID: "C-1",
		Timeout:   timeout,
		Logger:    testLogger(),
	})
	env.registry.Add(j)
	require.NoError(t, j.Start("m-"+id))
	return j
}

func TestReapStale(t *testing.T) {
	env := newTestManager(t, nil)
	ctx := context.Background()

	env.manager.StartInstance(ctx, "inst-1", "/w", "C-1", StartOptions{})
	inst, _ := env.manager.Get("inst-1")

	stale := addStaleJob(t, env, "stale", 20*time.Millisecond)
	inst.setCurrentJob(stale)
	fresh := addStaleJob(t, env, "fresh", time.Hour)

	time.Sleep(40 * time.Millisecond)
	reaped := env.manager.reapStale(ctx)

	assert.Equal(t, 1, reaped)
	assert.Equal(t, job.StatusFailed, stale.Status())
	assert.Equal(t, "Job timed out (stale reaper)", stale.Error())
	assert.Equal(t, job.StatusRunning, fresh.Status())

	assert.Nil(t, inst.CurrentJob(), "reaper must release the owning instance")
	assert.Equal(t, []string{"m-stale"}, env.api.destroyed())

	_, found := env.registry.Get("stale")
	assert.False(t, found, "reaped jobs are removed immediately, no grace window")
	_, found = env.registry.Get("fresh")
	assert.True(t, found)
}

func TestReapStaleLosesToWebhook(t *testing.T) {
	env := newTestManager(t, nil)
	ctx := context.Background()

	j := addStaleJob(t, env, "contested", 20*time.Millisecond)
	time.Sleep(40 * time.Millisecond)

	// The reporter's terminal webhook lands first.
	require.True(t, j.Complete(0))

	reaped := env.manager.reapStale(ctx)
	assert.Equal(t, 0, reaped)
	assert.Equal(t, job.StatusCompleted, j.Status())
	assert.Empty(t, env.api.destroyed())
}

func TestReaperLoop(t *testing.T) {
	env := newTestManager(t, func(cfg *config.Config) {
		cfg.Jobs.ReaperIntervalMs = 20
	})

	j := addStaleJob(t, env, "loop-stale", 10*time.Millisecond)

	env.manager.StartReaper()
	defer env.manager.StopReaper()

	require.Eventually(t, func() bool {
		return j.Status() == job.StatusFailed
	}, time.Second, 10*time.Millisecond)
}

func TestReaperStartStopIdempotent(t *testing.T) {
	env := newTestManager(t, func(cfg *config.Config) {
		cfg.Jobs.ReaperIntervalMs = 20
	})

	env.manager.StartReaper()
	env.manager.StartReaper()
	env.manager.StopReaper()
	env.manager.StopReaper()

	// Restart still works after a stop.
	env.manager.StartReaper()
	env.manager.StopReaper()
}

func TestQueuedJobsAreNotReaped(t *testing.T) {
	env := newTestManager(t, nil)

	j := job.New("queued", "tok", job.Options{
		Timeout: time.Millisecond,
		Logger:  testLogger(),
	})
	env.registry.Add(j)

	time.Sleep(10 * time.Millisecond)
	reaped := env.manager.reapStale(context.Background())

	assert.Equal(t, 0, reaped)
	assert.Equal(t, job.StatusQueued, j.Status())
}
