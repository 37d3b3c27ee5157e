package orchestrator

import (
	"sync"
	"time"

	"github.com/opendispatch/opendispatch/internal/job"
)

// Instance binds a chat channel to an agent workspace. A persistent
// instance keeps one machine alive across sends; a one-shot instance spawns
// a fresh machine per message.
type Instance struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"sessionId"`
	ChannelID  string    `json:"channelId"`
	ProjectDir string    `json:"projectDir"`
	Repo       string    `json:"repo,omitempty"`
	Branch     string    `json:"branch,omitempty"`
	Image      string    `json:"image,omitempty"`
	Persistent bool      `json:"persistent"`
	SpriteID   string    `json:"spriteId,omitempty"`
	StartedAt  time.Time `json:"startedAt"`

	mu           sync.Mutex
	messageCount int
	currentJob   *job.Job
}

// CurrentJob returns the in-flight job, if any.
func (i *Instance) CurrentJob() *job.Job {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.currentJob
}

// setCurrentJob swaps the in-flight job pointer.
func (i *Instance) setCurrentJob(j *job.Job) {
	i.mu.Lock()
	i.currentJob = j
	i.mu.Unlock()
}

// clearCurrentJob drops the in-flight job when it matches the given one.
// The guard keeps a slow completion path from clobbering a newer send.
func (i *Instance) clearCurrentJob(j *job.Job) {
	i.mu.Lock()
	if i.currentJob == j {
		i.currentJob = nil
	}
	i.mu.Unlock()
}

// MessageCount returns how many sends this instance has handled.
func (i *Instance) MessageCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.messageCount
}

func (i *Instance) bumpMessageCount() {
	i.mu.Lock()
	i.messageCount++
	i.mu.Unlock()
}

// Snapshot returns a copy safe to serialize, with the mutable counters and
// the current job ID folded in.
func (i *Instance) Snapshot() InstanceSnapshot {
	i.mu.Lock()
	defer i.mu.Unlock()

	snap := InstanceSnapshot{
		ID:           i.ID,
		SessionID:    i.SessionID,
		ChannelID:    i.ChannelID,
		ProjectDir:   i.ProjectDir,
		Repo:         i.Repo,
		Branch:       i.Branch,
		Image:        i.Image,
		Persistent:   i.Persistent,
		SpriteID:     i.SpriteID,
		MessageCount: i.messageCount,
		StartedAt:    i.StartedAt,
	}
	if i.currentJob != nil {
		snap.CurrentJobID = i.currentJob.ID()
	}
	return snap
}

// InstanceSnapshot is the wire form of an instance.
type InstanceSnapshot struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"sessionId"`
	ChannelID    string    `json:"channelId"`
	ProjectDir   string    `json:"projectDir"`
	Repo         string    `json:"repo,omitempty"`
	Branch       string    `json:"branch,omitempty"`
	Image        string    `json:"image,omitempty"`
	Persistent   bool      `json:"persistent"`
	SpriteID     string    `json:"spriteId,omitempty"`
	CurrentJobID string    `json:"currentJobId,omitempty"`
	MessageCount int       `json:"messageCount"`
	StartedAt    time.Time `json:"startedAt"`
}
