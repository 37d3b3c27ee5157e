// Package orchestrator binds chat channels to agent instances and drives
// jobs through their lifecycle: spawn, stream, webhook completion, timeout,
// reaping. It shares the job registry with the webhook server, which is how
// reporter traffic reaches jobs created here.
package orchestrator

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/opendispatch/opendispatch/internal/agent"
	"github.com/opendispatch/opendispatch/internal/common/config"
	"github.com/opendispatch/opendispatch/internal/common/logger"
	"github.com/opendispatch/opendispatch/internal/events"
	"github.com/opendispatch/opendispatch/internal/events/bus"
	"github.com/opendispatch/opendispatch/internal/job"
	"github.com/opendispatch/opendispatch/internal/machines"
	"github.com/opendispatch/opendispatch/internal/relay"
)

const (
	eventSource    = "orchestrator"
	autoNamePrefix = "disp-"

	// shutdownStopLimit bounds concurrent instance teardown on shutdown.
	shutdownStopLimit = 8
)

// StartOptions configures a new instance.
type StartOptions struct {
	Persistent bool
	Image      string
	Repo       string
	Branch     string
}

// StartResult reports the outcome of StartInstance.
type StartResult struct {
	Success    bool   `json:"success"`
	SessionID  string `json:"sessionId,omitempty"`
	SpriteID   string `json:"spriteId,omitempty"`
	Persistent bool   `json:"persistent"`
	Error      string `json:"error,omitempty"`
}

// StopResult reports the outcome of StopInstance.
type StopResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Manager owns the instance map and the job lifecycle around sends.
type Manager struct {
	machines *machines.Client
	agents   *agent.Registry
	registry *job.Registry
	tokens   *machines.TokenGenerator
	bus      bus.EventBus
	relay    *relay.Relay
	logger   *logger.Logger

	defaultAgent   string
	defaultTimeout time.Duration
	cleanupDelay   time.Duration
	reaperInterval time.Duration

	mu        sync.RWMutex
	instances map[string]*Instance

	reaperMu      sync.Mutex
	reaperStop    chan struct{}
	reaperRunning bool
	wg            sync.WaitGroup
}

// NewManager creates the instance manager. The registry must be the same
// one handed to the webhook server.
func NewManager(
	machinesClient *machines.Client,
	agents *agent.Registry,
	registry *job.Registry,
	tokens *machines.TokenGenerator,
	eventBus bus.EventBus,
	cfg *config.Config,
	log *logger.Logger,
) *Manager {
	return &Manager{
		machines:       machinesClient,
		agents:         agents,
		registry:       registry,
		tokens:         tokens,
		bus:            eventBus,
		logger:         log.WithFields(zap.String("component", "orchestrator")),
		defaultAgent:   cfg.Agent.Default,
		defaultTimeout: cfg.Jobs.DefaultTimeout(),
		cleanupDelay:   cfg.Jobs.CleanupDelay(),
		reaperInterval: cfg.Jobs.ReaperInterval(),
		instances:      make(map[string]*Instance),
	}
}

// SetRelay installs the chat output relay. Job output lines are pushed to
// the owning channel's batcher in addition to any caller OnMessage.
func (m *Manager) SetRelay(r *relay.Relay) {
	m.relay = r
}

// StartInstance registers a new instance. For persistent instances the
// backing machine is spawned before the call returns; on spawn failure the
// instance is removed again.
func (m *Manager) StartInstance(ctx context.Context, instanceID, projectDir, channelID string, opts StartOptions) *StartResult {
	inst := &Instance{
		ID:         instanceID,
		SessionID:  uuid.NewString(),
		ChannelID:  channelID,
		ProjectDir: projectDir,
		Repo:       opts.Repo,
		Branch:     opts.Branch,
		Image:      opts.Image,
		Persistent: opts.Persistent,
		StartedAt:  time.Now(),
	}

	m.mu.Lock()
	if _, exists := m.instances[instanceID]; exists {
		m.mu.Unlock()
		return &StartResult{Success: false, Error: fmt.Sprintf("instance already exists: %s", instanceID)}
	}
	m.instances[instanceID] = inst
	m.mu.Unlock()

	log := m.logger.WithInstanceID(instanceID)

	if opts.Persistent {
		info, err := m.machines.SpawnPersistent(ctx, instanceID, opts.Image, nil)
		if err != nil {
			m.mu.Lock()
			delete(m.instances, instanceID)
			m.mu.Unlock()
			log.Error("failed to spawn persistent machine", zap.Error(err))
			return &StartResult{Success: false, Error: err.Error()}
		}
		inst.SpriteID = info.ID
	}

	log.Info("instance started",
		zap.String("channel_id", channelID),
		zap.Bool("persistent", inst.Persistent),
		zap.String("sprite_id", inst.SpriteID))

	m.publish(ctx, events.InstanceStarted, map[string]interface{}{
		"instanceId": inst.ID,
		"channelId":  inst.ChannelID,
		"persistent": inst.Persistent,
		"spriteId":   inst.SpriteID,
	})

	return &StartResult{
		Success:    true,
		SessionID:  inst.SessionID,
		SpriteID:   inst.SpriteID,
		Persistent: inst.Persistent,
	}
}

// StopInstance removes an instance and best-effort stops its machines.
// Driver errors are logged, never failing the operation.
func (m *Manager) StopInstance(ctx context.Context, instanceID string) *StopResult {
	m.mu.Lock()
	inst, ok := m.instances[instanceID]
	if !ok {
		m.mu.Unlock()
		return &StopResult{Success: false, Error: fmt.Sprintf("instance not found: %s", instanceID)}
	}
	delete(m.instances, instanceID)
	m.mu.Unlock()

	log := m.logger.WithInstanceID(instanceID)

	if inst.SpriteID != "" {
		if err := m.machines.Stop(ctx, inst.SpriteID); err != nil {
			log.Warn("failed to stop instance machine", zap.Error(err))
		}
	}
	if cur := inst.CurrentJob(); cur != nil {
		if machineID := cur.MachineID(); machineID != "" && machineID != inst.SpriteID {
			if err := m.machines.Stop(ctx, machineID); err != nil {
				log.Warn("failed to stop job machine",
					zap.String("machine_id", machineID),
					zap.Error(err))
			}
		}
	}

	log.Info("instance stopped")
	m.publish(ctx, events.InstanceStopped, map[string]interface{}{
		"instanceId": inst.ID,
		"channelId":  inst.ChannelID,
	})
	return &StopResult{Success: true}
}

// Get returns an instance by ID.
func (m *Manager) Get(instanceID string) (*Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[instanceID]
	return inst, ok
}

// GetByChannel returns the instance bound to a channel. Cardinality is
// operator-scale, so a linear scan is fine.
func (m *Manager) GetByChannel(channelID string) (*Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, inst := range m.instances {
		if inst.ChannelID == channelID {
			return inst, true
		}
	}
	return nil, false
}

// List returns all instances.
func (m *Manager) List() []*Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		out = append(out, inst)
	}
	return out
}

// GetJob returns a job by ID.
func (m *Manager) GetJob(jobID string) (*job.Job, bool) {
	return m.registry.Get(jobID)
}

// ListJobs returns all registered jobs.
func (m *Manager) ListJobs() []*job.Job {
	return m.registry.List()
}

// EnsureInstanceForChannel returns the channel's instance, creating a
// transient one with a generated name when none exists.
func (m *Manager) EnsureInstanceForChannel(ctx context.Context, channelID, projectDir string) (*Instance, error) {
	if inst, ok := m.GetByChannel(channelID); ok {
		return inst, nil
	}

	// Retried on the unlikely name collision.
	for attempt := 0; attempt < 3; attempt++ {
		name, err := autoName(channelID)
		if err != nil {
			return nil, err
		}
		res := m.StartInstance(ctx, name, projectDir, channelID, StartOptions{})
		if res.Success {
			inst, _ := m.Get(name)
			return inst, nil
		}
		if !strings.Contains(res.Error, "already exists") {
			return nil, errors.New(res.Error)
		}
	}
	return nil, fmt.Errorf("failed to allocate instance name for channel %s", channelID)
}

// Shutdown stops every instance concurrently, then the reaper and the
// registry timers.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.StopReaper()

	m.mu.RLock()
	ids := make([]string, 0, len(m.instances))
	for id := range m.instances {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var g errgroup.Group
	g.SetLimit(shutdownStopLimit)
	for _, id := range ids {
		g.Go(func() error {
			m.StopInstance(ctx, id)
			return nil
		})
	}
	_ = g.Wait()

	m.registry.Stop()
	m.logger.Info("orchestrator shut down", zap.Int("instances_stopped", len(ids)))
	return nil
}

// publish sends an event on the bus; failures are logged and swallowed.
func (m *Manager) publish(ctx context.Context, subject string, data map[string]interface{}) {
	if m.bus == nil {
		return
	}
	event := bus.NewEvent(subject, eventSource, data)
	if err := m.bus.Publish(ctx, subject, event); err != nil {
		m.logger.Warn("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}

// publishJobEvent publishes on a per-job subject with the event type
// distinct from it.
func (m *Manager) publishJobEvent(ctx context.Context, subject, eventType string, data map[string]interface{}) {
	if m.bus == nil {
		return
	}
	event := bus.NewEvent(eventType, eventSource, data)
	if err := m.bus.Publish(ctx, subject, event); err != nil {
		m.logger.Warn("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}

// autoName builds a channel-derived instance name: stable prefix, a hint
// from the channel ID, and two bytes of entropy.
func autoName(channelID string) (string, error) {
	var entropy [2]byte
	if _, err := rand.Read(entropy[:]); err != nil {
		return "", fmt.Errorf("failed to generate instance name: %w", err)
	}

	hint := strings.ToLower(channelID)
	keep := make([]rune, 0, len(hint))
	for _, r := range hint {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			keep = append(keep, r)
		}
	}
	if len(keep) > 8 {
		keep = keep[:8]
	}
	if len(keep) == 0 {
		keep = []rune("chan")
	}
	return autoNamePrefix + string(keep) + "-" + hex.EncodeToString(entropy[:]), nil
}
