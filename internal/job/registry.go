package job

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opendispatch/opendispatch/internal/common/logger"
)

// Registry is the shared job map. The orchestrator registers jobs here and
// the webhook server looks them up to authenticate reporter traffic, so a
// job stays resolvable for as long as it is registered.
//
// Terminal jobs are not removed immediately: ScheduleRemoval keeps them
// around for a grace window so log and artifact webhooks that were already
// in flight when the status arrived still authenticate instead of getting
// a 401.
type Registry struct {
	mu       sync.RWMutex
	jobs     map[string]*Job
	gcTimers map[string]*time.Timer
	stopped  bool
	logger   *logger.Logger
}

// NewRegistry creates an empty job registry.
func NewRegistry(log *logger.Logger) *Registry {
	if log == nil {
		log = logger.Default()
	}
	return &Registry{
		jobs:     make(map[string]*Job),
		gcTimers: make(map[string]*time.Timer),
		logger:   log.WithFields(zap.String("component", "job-registry")),
	}
}

// Add registers a job under its ID, replacing any previous entry.
func (r *Registry) Add(j *Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[j.ID()] = j
}

// Get returns the job with the given ID.
func (r *Registry) Get(id string) (*Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[id]
	return j, ok
}

// Remove deletes a job and cancels any pending removal timer for it.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(id)
}

func (r *Registry) removeLocked(id string) {
	if timer, ok := r.gcTimers[id]; ok {
		timer.Stop()
		delete(r.gcTimers, id)
	}
	delete(r.jobs, id)
}

// List returns all registered jobs in unspecified order.
func (r *Registry) List() []*Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j)
	}
	return out
}

// Count returns the number of registered jobs.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

// ScheduleRemoval removes the job after the grace window. A later call for
// the same ID resets the window. No-op when the job is already gone or the
// registry is stopped. A zero or negative delay removes immediately.
func (r *Registry) ScheduleRemoval(id string, delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return
	}
	if _, ok := r.jobs[id]; !ok {
		return
	}

	if timer, ok := r.gcTimers[id]; ok {
		timer.Stop()
	}

	if delay <= 0 {
		r.removeLocked(id)
		return
	}

	r.gcTimers[id] = time.AfterFunc(delay, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.stopped {
			return
		}
		delete(r.gcTimers, id)
		delete(r.jobs, id)
		r.logger.Debug("job removed after grace window", zap.String("job_id", id))
	})
}

// Stop cancels all pending removal timers. Registered jobs are left in
// place; the process is shutting down and nothing will look them up.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopped = true
	for id, timer := range r.gcTimers {
		timer.Stop()
		delete(r.gcTimers, id)
	}
}
