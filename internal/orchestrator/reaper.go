package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/opendispatch/opendispatch/internal/events"
	"github.com/opendispatch/opendispatch/internal/job"
)

// StartReaper begins the periodic sweep for jobs whose reporter went
// silent. Idempotent.
func (m *Manager) StartReaper() {
	m.reaperMu.Lock()
	defer m.reaperMu.Unlock()
	if m.reaperRunning {
		return
	}
	m.reaperRunning = true
	m.reaperStop = make(chan struct{})

	m.wg.Add(1)
	go m.reapLoop(m.reaperStop)
	m.logger.Info("stale job reaper started", zap.Duration("interval", m.reaperInterval))
}

// StopReaper halts the sweep. Idempotent.
func (m *Manager) StopReaper() {
	m.reaperMu.Lock()
	if !m.reaperRunning {
		m.reaperMu.Unlock()
		return
	}
	m.reaperRunning = false
	close(m.reaperStop)
	m.reaperMu.Unlock()

	m.wg.Wait()
}

func (m *Manager) reapLoop(stopCh <-chan struct{}) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.reaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			m.reapStale(context.Background())
		}
	}
}

// reapStale fails every timed-out job and tears down what it left behind.
// It races benignly with webhook completions: whichever terminal transition
// lands first wins, the loser is a no-op.
func (m *Manager) reapStale(ctx context.Context) int {
	reaped := 0
	for _, j := range m.registry.List() {
		if !j.IsTimedOut() {
			continue
		}
		if !j.Fail("Job timed out (stale reaper)", 1) {
			continue
		}
		reaped++

		log := m.logger.WithJobID(j.ID())
		log.Warn("reaped stale job",
			zap.String("channel_id", j.ChannelID()),
			zap.Duration("timeout", j.Timeout()))

		m.clearJobFromInstances(j)

		if machineID := j.MachineID(); machineID != "" {
			if err := m.machines.Destroy(ctx, machineID); err != nil {
				log.Warn("failed to destroy stale job machine",
					zap.String("machine_id", machineID),
					zap.Error(err))
			}
		}

		// No grace window: the reporter is presumed dead, nothing will
		// arrive late.
		m.registry.Remove(j.ID())

		m.publishJobEvent(ctx, events.BuildJobFailedSubject(j.ID()), events.JobFailed, map[string]interface{}{
			"jobId":     j.ID(),
			"channelId": j.ChannelID(),
			"error":     j.Error(),
			"reaped":    true,
		})
	}
	return reaped
}

// clearJobFromInstances drops the job from whichever instance holds it as
// current.
func (m *Manager) clearJobFromInstances(j *job.Job) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, inst := range m.instances {
		inst.clearCurrentJob(j)
	}
}
