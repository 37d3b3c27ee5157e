// Package job implements the dispatch job lifecycle. A job is created when a
// message is dispatched to an instance, runs on a Sprite machine, and reaches
// exactly one terminal state regardless of how many terminators race for it
// (completion webhook, timeout, stale reaper, spawn error).
package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opendispatch/opendispatch/internal/common/logger"
)

// Status is the lifecycle state of a job. Transitions are monotonic:
// queued -> running -> {completed, failed}, plus queued -> failed when the
// spawn itself fails. There are no back-edges.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether the status is completed or failed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// DefaultTimeout applies when a job is created without an explicit timeout.
const DefaultTimeout = 10 * time.Minute

// ErrNotQueued is returned by Start when the job already left the queued state.
var ErrNotQueued = errors.New("job is not queued")

// LogEntry is a single line reported for a job.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// Artifact is an output attached to a job. Names are not unique; repeated
// reports append.
type Artifact struct {
	Name    string    `json:"name"`
	URL     string    `json:"url"`
	Type    string    `json:"type,omitempty"`
	AddedAt time.Time `json:"added_at"`
}

// Options configures a new job.
type Options struct {
	ChannelID string
	Repo      string
	Branch    string
	Image     string
	Command   string
	Timeout   time.Duration // DefaultTimeout when zero

	// OnMessage receives log lines as they arrive, for relaying to chat.
	OnMessage func(text string)
	// OnComplete fires exactly once, on the winning terminal transition.
	OnComplete func(*Job)

	Logger *logger.Logger
}

// Job is a single unit of dispatched work. All methods are safe for
// concurrent use; the bearer token is reachable only through Token() and is
// excluded from serialization and logging.
type Job struct {
	mu sync.Mutex

	id        string
	token     string
	channelID string
	repo      string
	branch    string
	image     string
	command   string
	machineID string
	timeout   time.Duration

	status   Status
	exitCode *int
	errMsg   string

	logs      []LogEntry
	artifacts []Artifact

	createdAt      time.Time
	startedAt      *time.Time
	completedAt    *time.Time
	lastActivityAt time.Time

	onMessage  func(string)
	onComplete func(*Job)

	// done closes on the first terminal transition. Waiters select on it
	// against their own timers; the loser's Fail is a no-op.
	done chan struct{}

	logger *logger.Logger
}

// New creates a queued job. The token is the per-job webhook bearer secret;
// it never appears in serialized output.
func New(id, token string, opts Options) *Job {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}
	now := time.Now()
	return &Job{
		id:             id,
		token:          token,
		channelID:      opts.ChannelID,
		repo:           opts.Repo,
		branch:         opts.Branch,
		image:          opts.Image,
		command:        opts.Command,
		timeout:        timeout,
		status:         StatusQueued,
		createdAt:      now,
		lastActivityAt: now,
		onMessage:      opts.OnMessage,
		onComplete:     opts.OnComplete,
		done:           make(chan struct{}),
		logger:         log.WithFields(zap.String("job_id", id)),
	}
}

// ID returns the job identifier.
func (j *Job) ID() string { return j.id }

// Token returns the per-job webhook bearer token.
func (j *Job) Token() string { return j.token }

// ChannelID returns the chat channel the job routes output to.
func (j *Job) ChannelID() string { return j.channelID }

// Repo returns the repository the job operates on.
func (j *Job) Repo() string { return j.repo }

// Branch returns the branch the job operates on.
func (j *Job) Branch() string { return j.branch }

// Image returns the VM image for the job's machine.
func (j *Job) Image() string { return j.image }

// Command returns the shell command the machine runs.
func (j *Job) Command() string { return j.command }

// Timeout returns the inactivity/completion timeout.
func (j *Job) Timeout() time.Duration { return j.timeout }

// CreatedAt returns the creation time.
func (j *Job) CreatedAt() time.Time { return j.createdAt }

// MachineID returns the machine the job runs on, empty until started.
func (j *Job) MachineID() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.machineID
}

// Status returns the current lifecycle state.
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// ExitCode returns the recorded exit code, nil before a terminal transition.
func (j *Job) ExitCode() *int {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.exitCode == nil {
		return nil
	}
	code := *j.exitCode
	return &code
}

// Error returns the failure message, empty unless the job failed.
func (j *Job) Error() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.errMsg
}

// StartedAt returns when the job entered running, nil if it never started.
func (j *Job) StartedAt() *time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.startedAt == nil {
		return nil
	}
	t := *j.startedAt
	return &t
}

// CompletedAt returns when the job reached a terminal state.
func (j *Job) CompletedAt() *time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.completedAt == nil {
		return nil
	}
	t := *j.completedAt
	return &t
}

// LastActivity returns the time of the most recent accepted webhook or
// lifecycle change.
func (j *Job) LastActivity() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastActivityAt
}

// Done returns a channel closed on the first terminal transition.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Start moves the job from queued to running and records the machine.
func (j *Job) Start(machineID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.status != StatusQueued {
		return fmt.Errorf("start %s: %w (status %s)", j.id, ErrNotQueued, j.status)
	}

	now := time.Now()
	j.status = StatusRunning
	j.machineID = machineID
	j.startedAt = &now
	j.lastActivityAt = now
	return nil
}

// Complete marks a running job completed with the given exit code. Returns
// false without effect if the job is not running; the first terminal
// transition wins and later attempts are no-ops.
func (j *Job) Complete(exitCode int) bool {
	return j.finish(StatusCompleted, "", exitCode, false)
}

// Fail marks the job failed. Valid from queued (spawn errors) as well as
// running; like Complete, only the first terminal transition takes effect.
func (j *Job) Fail(errMsg string, exitCode int) bool {
	return j.finish(StatusFailed, errMsg, exitCode, true)
}

// finish performs the terminal transition. Exactly one caller ever wins;
// the winner closes done and fires onComplete outside the lock.
func (j *Job) finish(status Status, errMsg string, exitCode int, fromQueued bool) bool {
	j.mu.Lock()

	ok := j.status == StatusRunning || (fromQueued && j.status == StatusQueued)
	if !ok {
		j.mu.Unlock()
		return false
	}

	now := time.Now()
	j.status = status
	j.errMsg = errMsg
	j.exitCode = &exitCode
	j.completedAt = &now
	j.lastActivityAt = now
	onComplete := j.onComplete
	close(j.done)
	j.mu.Unlock()

	if onComplete != nil {
		j.invokeOnComplete(onComplete)
	}
	return true
}

// invokeOnComplete fires the completion callback. Panics are recovered and
// logged so a bad callback cannot take down the terminal transition.
func (j *Job) invokeOnComplete(cb func(*Job)) {
	defer func() {
		if r := recover(); r != nil {
			j.logger.Error("onComplete callback panicked", zap.Any("panic", r))
		}
	}()
	cb(j)
}

// Notify forwards text to the job's message callback, if any. Panics are
// recovered and logged.
func (j *Job) Notify(text string) {
	j.mu.Lock()
	cb := j.onMessage
	j.mu.Unlock()

	if cb == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			j.logger.Error("onMessage callback panicked", zap.Any("panic", r))
		}
	}()
	cb(text)
}

// AppendLog records a log line and refreshes the activity clock.
func (j *Job) AppendLog(level, message string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.logs = append(j.logs, LogEntry{
		Timestamp: time.Now(),
		Level:     level,
		Message:   message,
	})
	j.lastActivityAt = time.Now()
}

// AddArtifact attaches an artifact and refreshes the activity clock.
// Duplicate names are allowed.
func (j *Job) AddArtifact(name, url, typ string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.artifacts = append(j.artifacts, Artifact{
		Name:    name,
		URL:     url,
		Type:    typ,
		AddedAt: time.Now(),
	})
	j.lastActivityAt = time.Now()
}

// Touch refreshes the activity clock without recording anything. Used for
// "running" heartbeat webhooks.
func (j *Job) Touch() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.lastActivityAt = time.Now()
}

// IsTimedOut reports whether the job is running and has been silent longer
// than its timeout.
func (j *Job) IsTimedOut() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != StatusRunning {
		return false
	}
	return time.Since(j.lastActivityAt) > j.timeout
}

// Duration returns how long the job has been running, or its total runtime
// once terminal. Zero before Start.
func (j *Job) Duration() time.Duration {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.startedAt == nil {
		return 0
	}
	if j.completedAt != nil {
		return j.completedAt.Sub(*j.startedAt)
	}
	return time.Since(*j.startedAt)
}

// Logs returns a copy of the recorded log entries.
func (j *Job) Logs() []LogEntry {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]LogEntry, len(j.logs))
	copy(out, j.logs)
	return out
}

// Messages returns just the message text of each log entry, in order.
func (j *Job) Messages() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, len(j.logs))
	for i, entry := range j.logs {
		out[i] = entry.Message
	}
	return out
}

// Artifacts returns a copy of the attached artifacts.
func (j *Job) Artifacts() []Artifact {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Artifact, len(j.artifacts))
	copy(out, j.artifacts)
	return out
}

// Summary returns a one-line human-readable description.
func (j *Job) Summary() string {
	j.mu.Lock()
	defer j.mu.Unlock()

	duration := time.Duration(0)
	if j.startedAt != nil {
		if j.completedAt != nil {
			duration = j.completedAt.Sub(*j.startedAt)
		} else {
			duration = time.Since(*j.startedAt)
		}
	}
	return fmt.Sprintf("job %s [%s] %s, %d log lines", j.id, j.status, duration.Round(time.Millisecond), len(j.logs))
}

// Snapshot is the serializable view of a job. It carries no token and no
// callbacks; deserialized jobs are for introspection, not resumption.
type Snapshot struct {
	ID             string     `json:"id"`
	ChannelID      string     `json:"channel_id,omitempty"`
	Repo           string     `json:"repo,omitempty"`
	Branch         string     `json:"branch,omitempty"`
	Image          string     `json:"image,omitempty"`
	Command        string     `json:"command,omitempty"`
	MachineID      string     `json:"machine_id,omitempty"`
	Status         Status     `json:"status"`
	ExitCode       *int       `json:"exit_code,omitempty"`
	Error          string     `json:"error,omitempty"`
	Logs           []LogEntry `json:"logs"`
	Artifacts      []Artifact `json:"artifacts"`
	TimeoutMs      int64      `json:"timeout_ms"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	LastActivityAt time.Time  `json:"last_activity_at"`
}

// Serialize returns the job's public state.
func (j *Job) Serialize() *Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()

	logs := make([]LogEntry, len(j.logs))
	copy(logs, j.logs)
	artifacts := make([]Artifact, len(j.artifacts))
	copy(artifacts, j.artifacts)

	snap := &Snapshot{
		ID:             j.id,
		ChannelID:      j.channelID,
		Repo:           j.repo,
		Branch:         j.branch,
		Image:          j.image,
		Command:        j.command,
		MachineID:      j.machineID,
		Status:         j.status,
		Error:          j.errMsg,
		Logs:           logs,
		Artifacts:      artifacts,
		TimeoutMs:      j.timeout.Milliseconds(),
		CreatedAt:      j.createdAt,
		LastActivityAt: j.lastActivityAt,
	}
	if j.exitCode != nil {
		code := *j.exitCode
		snap.ExitCode = &code
	}
	if j.startedAt != nil {
		t := *j.startedAt
		snap.StartedAt = &t
	}
	if j.completedAt != nil {
		t := *j.completedAt
		snap.CompletedAt = &t
	}
	return snap
}

// MarshalJSON serializes the job's public state.
func (j *Job) MarshalJSON() ([]byte, error) {
	return json.Marshal(j.Serialize())
}

// Deserialize rebuilds a job from serialized state. The result has no token
// and no callbacks; its done channel reflects the rehydrated status.
func Deserialize(data []byte) (*Job, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("deserialize job: %w", err)
	}

	timeout := time.Duration(snap.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	j := &Job{
		id:             snap.ID,
		channelID:      snap.ChannelID,
		repo:           snap.Repo,
		branch:         snap.Branch,
		image:          snap.Image,
		command:        snap.Command,
		machineID:      snap.MachineID,
		timeout:        timeout,
		status:         snap.Status,
		errMsg:         snap.Error,
		logs:           snap.Logs,
		artifacts:      snap.Artifacts,
		createdAt:      snap.CreatedAt,
		lastActivityAt: snap.LastActivityAt,
		done:           make(chan struct{}),
		logger:         logger.Default().WithFields(zap.String("job_id", snap.ID)),
	}
	if snap.ExitCode != nil {
		code := *snap.ExitCode
		j.exitCode = &code
	}
	if snap.StartedAt != nil {
		t := *snap.StartedAt
		j.startedAt = &t
	}
	if snap.CompletedAt != nil {
		t := *snap.CompletedAt
		j.completedAt = &t
	}
	if j.status.IsTerminal() {
		close(j.done)
	}
	return j, nil
}
