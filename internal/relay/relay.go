package relay

import (
	"sync"

	"github.com/opendispatch/opendispatch/internal/common/logger"
)

// Relay owns one batcher per channel, created lazily on first push.
type Relay struct {
	mu       sync.Mutex
	batchers map[string]*Batcher
	sender   Sender
	logger   *logger.Logger
	closed   bool
}

// New creates a relay whose batchers deliver through the given sender.
func New(sender Sender, log *logger.Logger) *Relay {
	return &Relay{
		batchers: make(map[string]*Batcher),
		sender:   sender,
		logger:   log,
	}
}

// Push buffers a line for a channel. No-op once the relay is closed.
func (r *Relay) Push(channelID, line string) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	b, ok := r.batchers[channelID]
	if !ok {
		b = NewBatcher(channelID, r.sender, r.logger)
		r.batchers[channelID] = b
	}
	r.mu.Unlock()

	b.Add(line)
}

// DestroyChannel tears down the batcher for one channel.
func (r *Relay) DestroyChannel(channelID string) {
	r.mu.Lock()
	b, ok := r.batchers[channelID]
	delete(r.batchers, channelID)
	r.mu.Unlock()

	if ok {
		b.Destroy()
	}
}

// Close destroys every batcher. Pending lines are dropped.
func (r *Relay) Close() {
	r.mu.Lock()
	r.closed = true
	batchers := r.batchers
	r.batchers = make(map[string]*Batcher)
	r.mu.Unlock()

	for _, b := range batchers {
		b.Destroy()
	}
}
