package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryAddGetRemove(t *testing.T) {
	r := NewRegistry(testLogger())

	j := newTestJob(Options{})
	r.Add(j)

	got, ok := r.Get("job-1")
	require.True(t, ok)
	assert.Same(t, j, got)
	assert.Equal(t, 1, r.Count())

	r.Remove("job-1")
	_, ok = r.Get("job-1")
	assert.False(t, ok)
	assert.Equal(t, 0, r.Count())
}

func TestRegistryList(t *testing.T) {
	r := NewRegistry(testLogger())
	r.Add(New("a", "ta", Options{Logger: testLogger()}))
	r.Add(New("b", "tb", Options{Logger: testLogger()}))

	assert.Len(t, r.List(), 2)
}

func TestRegistryScheduleRemoval(t *testing.T) {
	t.Run("job survives the grace window then disappears", func(t *testing.T) {
		r := NewRegistry(testLogger())
		defer r.Stop()
		r.Add(newTestJob(Options{}))

		r.ScheduleRemoval("job-1", 50*time.Millisecond)

		// Still resolvable inside the window: late webhooks authenticate.
		_, ok := r.Get("job-1")
		assert.True(t, ok)

		require.Eventually(t, func() bool {
			_, ok := r.Get("job-1")
			return !ok
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("rescheduling resets the window", func(t *testing.T) {
		r := NewRegistry(testLogger())
		defer r.Stop()
		r.Add(newTestJob(Options{}))

		r.ScheduleRemoval("job-1", 40*time.Millisecond)
		time.Sleep(20 * time.Millisecond)
		r.ScheduleRemoval("job-1", 200*time.Millisecond)
		time.Sleep(60 * time.Millisecond)

		_, ok := r.Get("job-1")
		assert.True(t, ok, "second schedule should have replaced the first timer")
	})

	t.Run("zero delay removes immediately", func(t *testing.T) {
		r := NewRegistry(testLogger())
		defer r.Stop()
		r.Add(newTestJob(Options{}))

		r.ScheduleRemoval("job-1", 0)
		_, ok := r.Get("job-1")
		assert.False(t, ok)
	})

	t.Run("unknown job is a no-op", func(t *testing.T) {
		r := NewRegistry(testLogger())
		defer r.Stop()
		r.ScheduleRemoval("missing", 10*time.Millisecond)
	})

	t.Run("explicit remove cancels the pending timer", func(t *testing.T) {
		r := NewRegistry(testLogger())
		defer r.Stop()
		r.Add(newTestJob(Options{}))

		r.ScheduleRemoval("job-1", 30*time.Millisecond)
		r.Remove("job-1")

		// Re-add under the same ID; the old timer must not reap it.
		r.Add(newTestJob(Options{}))
		time.Sleep(60 * time.Millisecond)
		_, ok := r.Get("job-1")
		assert.True(t, ok)
	})
}

func TestRegistryStopCancelsTimers(t *testing.T) {
	r := NewRegistry(testLogger())
	r.Add(newTestJob(Options{}))
	r.ScheduleRemoval("job-1", 20*time.Millisecond)

	r.Stop()
	time.Sleep(50 * time.Millisecond)

	_, ok := r.Get("job-1")
	assert.True(t, ok, "stopped registry must not fire pending removals")
}
