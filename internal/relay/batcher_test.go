package relay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opendispatch/opendispatch/internal/common/logger"
)

func testLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	return log
}

// mockSender records delivered batches for batcher tests.
type mockSender struct {
	mu    sync.Mutex
	texts []string
	chans []string
	times []time.Time
	err   error
}

func (m *mockSender) send(_ context.Context, channelID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chans = append(m.chans, channelID)
	m.texts = append(m.texts, text)
	m.times = append(m.times, time.Now())
	return m.err
}

func (m *mockSender) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.texts)
}

func (m *mockSender) text(i int) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.texts[i]
}

func (m *mockSender) sentAt(i int) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.times[i]
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestBatcher_FlushOnMaxLines(t *testing.T) {
	sender := &mockSender{}
	b := NewBatcher("C-1", sender.send, testLogger())
	b.flushDelay = time.Hour // only the size limit may trigger
	b.minInterval = 0
	defer b.Destroy()

	for i := 0; i < 5; i++ {
		b.Add("line")
	}

	waitFor(t, time.Second, func() bool { return sender.count() == 1 })
	if got := sender.text(0); got != "line\nline\nline\nline\nline" {
		t.Errorf("unexpected batch text: %q", got)
	}
}

func TestBatcher_FlushOnDelay(t *testing.T) {
	sender := &mockSender{}
	b := NewBatcher("C-1", sender.send, testLogger())
	b.flushDelay = 40 * time.Millisecond
	b.minInterval = 0
	defer b.Destroy()

	b.Add("first")
	b.Add("second")

	if sender.count() != 0 {
		t.Error("flush fired before the delay elapsed")
	}

	waitFor(t, time.Second, func() bool { return sender.count() == 1 })
	if got := sender.text(0); got != "first\nsecond" {
		t.Errorf("unexpected batch text: %q", got)
	}
}

func TestBatcher_MinSendInterval(t *testing.T) {
	sender := &mockSender{}
	b := NewBatcher("C-1", sender.send, testLogger())
	b.flushDelay = 10 * time.Millisecond
	b.minInterval = 100 * time.Millisecond
	defer b.Destroy()

	b.Add("first batch")
	waitFor(t, time.Second, func() bool { return sender.count() == 1 })

	b.Add("second batch")
	waitFor(t, time.Second, func() bool { return sender.count() == 2 })

	gap := sender.sentAt(1).Sub(sender.sentAt(0))
	if gap < 80*time.Millisecond {
		t.Errorf("sends were %v apart, want at least ~100ms", gap)
	}
}

func TestBatcher_SenderErrorSwallowed(t *testing.T) {
	sender := &mockSender{err: errors.New("chat API down")}
	b := NewBatcher("C-1", sender.send, testLogger())
	b.flushDelay = 10 * time.Millisecond
	b.minInterval = 0
	defer b.Destroy()

	b.Add("lost batch")
	waitFor(t, time.Second, func() bool { return sender.count() == 1 })

	// The failure must not wedge the batcher.
	b.Add("next batch")
	waitFor(t, time.Second, func() bool { return sender.count() == 2 })
}

func TestBatcher_DestroyPreventsFlush(t *testing.T) {
	sender := &mockSender{}
	b := NewBatcher("C-1", sender.send, testLogger())
	b.flushDelay = 30 * time.Millisecond
	b.minInterval = 0

	b.Add("buffered")
	b.Destroy()

	time.Sleep(80 * time.Millisecond)
	if got := sender.count(); got != 0 {
		t.Errorf("expected no sends after Destroy, got %d", got)
	}

	b.Add("after destroy")
	time.Sleep(80 * time.Millisecond)
	if got := sender.count(); got != 0 {
		t.Errorf("Add after Destroy must be a no-op, got %d sends", got)
	}
}

func TestBatcher_ConcurrentAdds(t *testing.T) {
	sender := &mockSender{}
	b := NewBatcher("C-1", sender.send, testLogger())
	b.flushDelay = 20 * time.Millisecond
	b.minInterval = 0
	defer b.Destroy()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Add("x")
		}()
	}
	wg.Wait()

	waitFor(t, time.Second, func() bool {
		sender.mu.Lock()
		defer sender.mu.Unlock()
		total := 0
		for _, text := range sender.texts {
			total += len(strings.Split(text, "\n"))
		}
		return total == 50
	})
}

func TestRelay_PerChannelBatchers(t *testing.T) {
	sender := &mockSender{}
	r := New(sender.send, testLogger())
	defer r.Close()

	// Five lines hit the size limit, so neither channel waits out the delay.
	for i := 0; i < 5; i++ {
		r.Push("C-1", "a")
	}
	for i := 0; i < 5; i++ {
		r.Push("C-2", "b")
	}

	waitFor(t, time.Second, func() bool { return sender.count() == 2 })

	sender.mu.Lock()
	defer sender.mu.Unlock()
	seen := map[string]bool{}
	for _, ch := range sender.chans {
		seen[ch] = true
	}
	if !seen["C-1"] || !seen["C-2"] {
		t.Errorf("expected one send per channel, got %v", sender.chans)
	}
}

func TestRelay_Close(t *testing.T) {
	sender := &mockSender{}
	r := New(sender.send, testLogger())

	r.Push("C-1", "pending")
	r.Close()

	r.Push("C-1", "after close")
	time.Sleep(50 * time.Millisecond)
	if got := sender.count(); got != 0 {
		t.Errorf("expected no sends after Close, got %d", got)
	}
}

func TestRelay_DestroyChannel(t *testing.T) {
	sender := &mockSender{}
	r := New(sender.send, testLogger())
	defer r.Close()

	r.Push("C-1", "pending")
	r.DestroyChannel("C-1")

	time.Sleep(50 * time.Millisecond)
	if got := sender.count(); got != 0 {
		t.Errorf("expected destroyed channel to drop its buffer, got %d sends", got)
	}

	// A fresh batcher is created on the next push.
	for i := 0; i < 5; i++ {
		r.Push("C-1", "again")
	}
	waitFor(t, time.Second, func() bool { return sender.count() == 1 })
}
