package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opendispatch/opendispatch/internal/agent"
	"github.com/opendispatch/opendispatch/internal/common/tracing"
	"github.com/opendispatch/opendispatch/internal/events"
	"github.com/opendispatch/opendispatch/internal/job"
)

// SendOptions configures a single send.
type SendOptions struct {
	// OnMessage receives each output line as it arrives.
	OnMessage func(string)
	// Repo, Branch, Image override the instance defaults for this send.
	Repo   string
	Branch string
	Image  string
	// TimeoutMs caps a one-shot job's lifetime. Zero means the default.
	TimeoutMs int64
	// AgentID selects the coding agent. Empty means the configured default.
	AgentID string
}

// SendResult is the synchronous outcome of a send. Failures are reported
// here, never as an error value, so chat-facing callers always have a
// renderable shape.
type SendResult struct {
	Success    bool           `json:"success"`
	Error      string         `json:"error,omitempty"`
	JobID      string         `json:"jobId,omitempty"`
	Responses  []string       `json:"responses,omitempty"`
	Artifacts  []job.Artifact `json:"artifacts,omitempty"`
	ExitCode   *int           `json:"exitCode,omitempty"`
	Streamed   bool           `json:"streamed"`
	Persistent bool           `json:"persistent"`
}

// SendToInstance routes a chat message to an instance: persistent instances
// stream the command over their long-lived machine, everything else spawns
// a one-shot machine that reports back through webhooks.
func (m *Manager) SendToInstance(ctx context.Context, instanceID, message string, opts SendOptions) *SendResult {
	ctx, span := tracing.Tracer("open-dispatch").Start(ctx, "orchestrator.SendToInstance")
	defer span.End()

	inst, ok := m.Get(instanceID)
	if !ok {
		return &SendResult{Success: false, Error: fmt.Sprintf("instance not found: %s", instanceID)}
	}
	inst.bumpMessageCount()

	agentID := opts.AgentID
	if agentID == "" {
		agentID = m.defaultAgent
	}
	ag, err := m.agents.Get(agentID)
	if err != nil {
		return &SendResult{Success: false, Error: err.Error()}
	}

	if inst.Persistent && inst.SpriteID != "" {
		return m.sendPersistent(ctx, inst, ag, message, opts)
	}
	return m.sendOneShot(ctx, inst, ag, message, opts)
}

// sendPersistent executes the agent command synchronously on the instance's
// long-lived machine, streaming output lines as they arrive.
func (m *Manager) sendPersistent(ctx context.Context, inst *Instance, ag agent.Agent, message string, opts SendOptions) *SendResult {
	command := ag.BuildCommand(agent.BuildRequest{Message: message, SessionID: inst.SessionID})

	jobID := uuid.NewString()
	j := job.New(jobID, m.tokens.Token(jobID), job.Options{
		ChannelID: inst.ChannelID,
		Command:   command,
		Timeout:   m.jobTimeout(opts),
		OnMessage: m.composeOnMessage(inst, opts.OnMessage),
		Logger:    m.logger,
	})
	m.registry.Add(j)
	inst.setCurrentJob(j)

	// The job must never outlive the send as the instance's current job,
	// and it lingers in the registry only for the grace window.
	defer func() {
		inst.clearCurrentJob(j)
		m.registry.ScheduleRemoval(jobID, m.cleanupDelay)
	}()

	log := m.logger.WithInstanceID(inst.ID).WithJobID(jobID)
	m.publishJobEvent(ctx, events.BuildJobCreatedSubject(jobID), events.JobCreated, m.jobEventData(j, inst))

	if err := j.Start(inst.SpriteID); err != nil {
		return &SendResult{Success: false, Error: err.Error(), JobID: jobID, Persistent: true}
	}
	m.publishJobEvent(ctx, events.BuildJobStartedSubject(jobID), events.JobStarted, m.jobEventData(j, inst))

	res, err := m.machines.StreamCommand(ctx, inst.SpriteID, command, func(line string) {
		j.AppendLog("info", line)
		j.Notify(line)
	})
	if err != nil {
		if j.Fail(fmt.Sprintf("Stream failed: %v", err), 1) {
			m.publishJobEvent(ctx, events.BuildJobFailedSubject(jobID), events.JobFailed, m.jobEventData(j, inst))
		}
		log.Error("persistent send failed", zap.Error(err))
		return &SendResult{
			Success:    false,
			Error:      j.Error(),
			JobID:      jobID,
			Responses:  j.Messages(),
			ExitCode:   j.ExitCode(),
			Streamed:   true,
			Persistent: true,
		}
	}

	if res.Success {
		if j.Complete(res.ExitCode) {
			m.publishJobEvent(ctx, events.BuildJobCompletedSubject(jobID), events.JobCompleted, m.jobEventData(j, inst))
		}
	} else {
		if j.Fail(fmt.Sprintf("Command exited with code %d", res.ExitCode), res.ExitCode) {
			m.publishJobEvent(ctx, events.BuildJobFailedSubject(jobID), events.JobFailed, m.jobEventData(j, inst))
		}
	}

	log.Info("persistent send finished",
		zap.Bool("success", res.Success),
		zap.Int("exit_code", res.ExitCode))

	return &SendResult{
		Success:    res.Success,
		Error:      j.Error(),
		JobID:      jobID,
		Responses:  j.Messages(),
		Artifacts:  j.Artifacts(),
		ExitCode:   j.ExitCode(),
		Streamed:   true,
		Persistent: true,
	}
}

// sendOneShot spawns an ephemeral machine for the message and blocks until
// the job resolves. A job has three potential terminators — reporter
// webhook, timeout, spawn error — and exactly one wins: terminal
// transitions close the job's done channel once, and the loser's Fail is a
// no-op.
func (m *Manager) sendOneShot(ctx context.Context, inst *Instance, ag agent.Agent, message string, opts SendOptions) *SendResult {
	jobID := uuid.NewString()
	command := ag.BuildCommand(agent.BuildRequest{Message: message, SessionID: inst.SessionID})

	timeout := m.jobTimeout(opts)
	j := job.New(jobID, m.tokens.Token(jobID), job.Options{
		ChannelID: inst.ChannelID,
		Repo:      firstNonEmpty(opts.Repo, inst.Repo),
		Branch:    firstNonEmpty(opts.Branch, inst.Branch),
		Image:     firstNonEmpty(opts.Image, inst.Image),
		Command:   command,
		Timeout:   timeout,
		OnMessage: m.composeOnMessage(inst, opts.OnMessage),
		Logger:    m.logger,
	})
	m.registry.Add(j)
	inst.setCurrentJob(j)

	defer func() {
		inst.clearCurrentJob(j)
		m.registry.ScheduleRemoval(jobID, m.cleanupDelay)
	}()

	log := m.logger.WithInstanceID(inst.ID).WithJobID(jobID)
	m.publishJobEvent(ctx, events.BuildJobCreatedSubject(jobID), events.JobCreated, m.jobEventData(j, inst))

	if _, err := m.machines.SpawnOneShot(ctx, j); err != nil {
		// The machine client already failed the job with the spawn error.
		m.publishJobEvent(ctx, events.BuildJobFailedSubject(jobID), events.JobFailed, m.jobEventData(j, inst))
		return &SendResult{Success: false, Error: j.Error(), JobID: jobID}
	}
	m.publishJobEvent(ctx, events.BuildJobStartedSubject(jobID), events.JobStarted, m.jobEventData(j, inst))

	j.Notify("Job started: " + jobID)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-j.Done():
	case <-timer.C:
		// No-op if a webhook won the race first.
		if j.Fail("Job timed out", 1) {
			log.Warn("job timed out", zap.Duration("timeout", timeout))
			m.publishJobEvent(ctx, events.BuildJobFailedSubject(jobID), events.JobFailed, m.jobEventData(j, inst))
		}
	}

	status := j.Status()
	result := &SendResult{
		Success:   status == job.StatusCompleted,
		JobID:     jobID,
		Responses: j.Messages(),
		Artifacts: j.Artifacts(),
		ExitCode:  j.ExitCode(),
		Streamed:  true,
	}
	if !result.Success {
		result.Error = j.Error()
	}

	log.Info("one-shot send resolved",
		zap.String("status", string(status)),
		zap.Int("responses", len(result.Responses)))
	return result
}

// composeOnMessage fans each output line out to the channel relay and the
// caller's handler. Panics in either are contained by Job.Notify.
func (m *Manager) composeOnMessage(inst *Instance, caller func(string)) func(string) {
	r := m.relay
	channelID := inst.ChannelID
	if r == nil && caller == nil {
		return nil
	}
	return func(line string) {
		if r != nil && channelID != "" {
			r.Push(channelID, line)
		}
		if caller != nil {
			caller(line)
		}
	}
}

func (m *Manager) jobTimeout(opts SendOptions) time.Duration {
	if opts.TimeoutMs > 0 {
		return time.Duration(opts.TimeoutMs) * time.Millisecond
	}
	return m.defaultTimeout
}

func (m *Manager) jobEventData(j *job.Job, inst *Instance) map[string]interface{} {
	data := map[string]interface{}{
		"jobId":      j.ID(),
		"instanceId": inst.ID,
		"channelId":  j.ChannelID(),
		"status":     string(j.Status()),
	}
	if code := j.ExitCode(); code != nil {
		data["exitCode"] = *code
	}
	if errMsg := j.Error(); errMsg != "" {
		data["error"] = errMsg
	}
	return data
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
